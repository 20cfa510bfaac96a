package webserver

import (
	"context"
	"crypto/tls"
	"log"
	"os"
	"sync"
	"time"
)

// TLSReloader serves a certificate pair from disk and picks up renewals.
type TLSReloader struct {
	certFile string
	keyFile  string

	mu      sync.RWMutex
	cert    *tls.Certificate
	modTime time.Time
}

// NewTLSReloader loads the pair and re-checks it every interval until ctx ends.
func NewTLSReloader(ctx context.Context, certFile, keyFile string, interval time.Duration) (*TLSReloader, error) {
	r := &TLSReloader{certFile: certFile, keyFile: keyFile}
	if err := r.reload(); err != nil {
		return nil, err
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	go r.watch(ctx, interval)
	return r, nil
}

func (r *TLSReloader) reload() error {
	cert, err := tls.LoadX509KeyPair(r.certFile, r.keyFile)
	if err != nil {
		return err
	}
	mod, _ := r.latestModTime()

	r.mu.Lock()
	r.cert = &cert
	r.modTime = mod
	r.mu.Unlock()
	log.Printf("tls: certificates loaded from %s", r.certFile)
	return nil
}

func (r *TLSReloader) latestModTime() (time.Time, error) {
	var latest time.Time
	for _, f := range []string{r.certFile, r.keyFile} {
		info, err := os.Stat(f)
		if err != nil {
			return latest, err
		}
		if info.ModTime().After(latest) {
			latest = info.ModTime()
		}
	}
	return latest, nil
}

func (r *TLSReloader) watch(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		mod, err := r.latestModTime()
		if err != nil {
			log.Printf("tls: stat failed: %v", err)
			continue
		}
		r.mu.RLock()
		changed := mod.After(r.modTime)
		r.mu.RUnlock()
		if changed {
			if err := r.reload(); err != nil {
				log.Printf("tls: reload failed: %v", err)
			}
		}
	}
}

func (r *TLSReloader) Config() *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			r.mu.RLock()
			defer r.mu.RUnlock()
			return r.cert, nil
		},
	}
}
