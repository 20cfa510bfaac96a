package webclient

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Response is what one attempt produced.
type Response struct {
	Status int
	Body   []byte
	// RetryAfter is the server's requested wait, zero when it sent none.
	RetryAfter time.Duration
}

// Policy bounds how DoWithRetry spaces its attempts.
type Policy struct {
	Attempts     int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

type AttemptFunc func() (Response, error)

func (p Policy) normalized() Policy {
	if p.Attempts <= 0 {
		p.Attempts = 1
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = 2 * time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	return p
}

func retryable(resp Response, err error) bool {
	return err != nil || resp.Status == http.StatusTooManyRequests || resp.Status >= 500
}

// DoWithRetry retries fn on errors, 429 and 5xx. The wait doubles from
// InitialDelay; a Retry-After from the server replaces it, capped at MaxDelay.
func DoWithRetry(ctx context.Context, p Policy, fn AttemptFunc) (Response, error) {
	p = p.normalized()
	delay := p.InitialDelay
	for i := 0; ; i++ {
		resp, err := fn()
		if !retryable(resp, err) || i == p.Attempts-1 {
			return resp, err
		}

		wait := delay
		if resp.RetryAfter > 0 {
			wait = resp.RetryAfter
		}
		wait = min(wait, p.MaxDelay)

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return resp, ctx.Err()
		case <-t.C:
		}
		delay = min(delay*2, p.MaxDelay)
	}
}

// ParseRetryAfter reads a Retry-After header given as seconds or an HTTP date.
func ParseRetryAfter(h string, now time.Time) time.Duration {
	h = strings.TrimSpace(h)
	if h == "" {
		return 0
	}
	if secs, err := strconv.Atoi(h); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(h); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}
