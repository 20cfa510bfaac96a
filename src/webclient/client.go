package webclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// NewDefault returns an HTTP client with sane timeouts.
func NewDefault(timeout time.Duration) *http.Client {
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// PostJSON marshals body and POSTs it to url, retrying transient failures.
// headers are added to every attempt.
func PostJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, body any, attempts int) (int, []byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, nil, fmt.Errorf("marshal: %w", err)
	}
	resp, err := DoWithRetry(ctx, Policy{Attempts: attempts, InitialDelay: time.Second}, func() (Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return Response{}, err
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		res, err := client.Do(req)
		if err != nil {
			return Response{}, err
		}
		defer res.Body.Close()
		data, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
		return Response{
			Status:     res.StatusCode,
			Body:       data,
			RetryAfter: ParseRetryAfter(res.Header.Get("Retry-After"), time.Now()),
		}, err
	})
	return resp.Status, resp.Body, err
}
