package events

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/stake-plus/moltswarm/src/webclient"
	"github.com/stake-plus/moltswarm/src/x402"
)

const webhookTimeout = 5 * time.Second

// Webhook is one registered callback URL.
type Webhook struct {
	URL    string `json:"url"`
	Events []Type `json:"events"`
}

// Webhooks keeps registered callback URLs and POSTs matching events to them.
// Deliveries run in the background; failures are logged.
type Webhooks struct {
	mu       sync.RWMutex
	hooks    map[string]map[Type]bool
	client   *http.Client
	attempts int
	wg       sync.WaitGroup
}

func NewWebhooks(client *http.Client) *Webhooks {
	if client == nil {
		client = webclient.NewDefault(webhookTimeout)
	}
	return &Webhooks{hooks: map[string]map[Type]bool{}, client: client, attempts: 2}
}

// Register subscribes rawURL to the given event types, replacing any earlier
// registration. Unknown types are dropped; at least one must remain.
func (w *Webhooks) Register(rawURL string, types []Type) (Webhook, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Webhook{}, x402.BadRequest("invalid webhook url")
	}
	set := map[Type]bool{}
	for _, t := range types {
		if t.Valid() {
			set[t] = true
		}
	}
	if len(set) == 0 {
		return Webhook{}, x402.BadRequest("no valid event types; expected one of %v", AllTypes)
	}

	w.mu.Lock()
	w.hooks[rawURL] = set
	w.mu.Unlock()
	log.Printf("webhooks: registered %s for %d events", rawURL, len(set))
	return Webhook{URL: rawURL, Events: sortedTypes(set)}, nil
}

func (w *Webhooks) Unregister(rawURL string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.hooks[rawURL]; !ok {
		return false
	}
	delete(w.hooks, rawURL)
	return true
}

func (w *Webhooks) List() []Webhook {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]Webhook, 0, len(w.hooks))
	for u, set := range w.hooks {
		out = append(out, Webhook{URL: u, Events: sortedTypes(set)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}

// Deliver starts a POST to every webhook subscribed to ev.Type and returns
// immediately.
func (w *Webhooks) Deliver(_ context.Context, ev Event) error {
	w.mu.RLock()
	var targets []string
	for u, set := range w.hooks {
		if set[ev.Type] {
			targets = append(targets, u)
		}
	}
	w.mu.RUnlock()

	for _, target := range targets {
		w.wg.Add(1)
		go func(target string) {
			defer w.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), webhookTimeout)
			defer cancel()
			status, _, err := webclient.PostJSON(ctx, w.client, target, map[string]string{
				"X-Moltswarm-Event": string(ev.Type),
			}, ev, w.attempts)
			if err == nil && status >= 300 {
				err = fmt.Errorf("status %d", status)
			}
			if err != nil {
				log.Printf("webhooks: delivery of %s to %s failed: %v", ev.Type, target, err)
			}
		}(target)
	}
	return nil
}

// Wait blocks until in-flight deliveries finish.
func (w *Webhooks) Wait() { w.wg.Wait() }

func sortedTypes(set map[Type]bool) []Type {
	out := make([]Type, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
