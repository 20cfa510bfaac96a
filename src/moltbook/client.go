// Package moltbook registers agent identities with the Moltbook directory.
package moltbook

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stake-plus/moltswarm/src/webclient"
)

const DefaultBaseURL = "https://www.moltbook.com"

// Registration is what the directory hands back for a new agent.
type Registration struct {
	ExternalID       string `json:"externalId"`
	APIKey           string `json:"apiKey"`
	ClaimURL         string `json:"claimUrl"`
	VerificationCode string `json:"verificationCode"`
}

type Client struct {
	baseURL  string
	http     *http.Client
	attempts int
}

func NewClient(baseURL string, hc *http.Client) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if hc == nil {
		hc = webclient.NewDefault(15 * time.Second)
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: hc, attempts: 2}
}

type agentFields struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	APIKey           string `json:"api_key"`
	ClaimURL         string `json:"claim_url"`
	VerificationCode string `json:"verification_code"`
}

type registerResponse struct {
	agentFields
	Agent *agentFields `json:"agent"`
}

// Register creates an agent identity. Fields may arrive flat or nested under
// "agent"; nested values win.
func (c *Client) Register(ctx context.Context, name, description string) (Registration, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Registration{}, fmt.Errorf("moltbook: name required")
	}
	status, body, err := webclient.PostJSON(ctx, c.http, c.baseURL+"/api/v1/agents/register", nil,
		map[string]string{"name": name, "description": description}, c.attempts)
	if err != nil {
		return Registration{}, fmt.Errorf("moltbook: register: %w", err)
	}
	if status < 200 || status >= 300 {
		return Registration{}, fmt.Errorf("moltbook: register failed %d: %s", status, truncate(string(body), 200))
	}

	var resp registerResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return Registration{}, fmt.Errorf("moltbook: decode register response: %w", err)
	}
	f := resp.agentFields
	if a := resp.Agent; a != nil {
		f = merge(f, *a)
	}
	reg := Registration{
		ExternalID:       firstNonEmpty(f.ID, f.Name, name),
		APIKey:           f.APIKey,
		ClaimURL:         f.ClaimURL,
		VerificationCode: f.VerificationCode,
	}
	if reg.APIKey == "" {
		return Registration{}, fmt.Errorf("moltbook: register response missing api key")
	}
	return reg, nil
}

func merge(base, over agentFields) agentFields {
	base.ID = firstNonEmpty(over.ID, base.ID)
	base.Name = firstNonEmpty(over.Name, base.Name)
	base.APIKey = firstNonEmpty(over.APIKey, base.APIKey)
	base.ClaimURL = firstNonEmpty(over.ClaimURL, base.ClaimURL)
	base.VerificationCode = firstNonEmpty(over.VerificationCode, base.VerificationCode)
	return base
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
