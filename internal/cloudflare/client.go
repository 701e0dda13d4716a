// Package cloudflare is a thin client for the parts of the Cloudflare API
// this tool needs: account/zone listing and the custom firewall ruleset
// phase, plus the reconciler that keeps managed block rules in sync.
package cloudflare

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// DefaultBaseURL is the Cloudflare v4 API root.
const DefaultBaseURL = "https://api.cloudflare.com/client/v4"

// Phase is the ruleset phase holding custom firewall rules.
const Phase = "http_request_firewall_custom"

// ErrNoRuleset is returned when a zone has no custom firewall ruleset yet.
var ErrNoRuleset = errors.New("no custom firewall ruleset for zone")

// Account is a Cloudflare account.
type Account struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Zone is a Cloudflare zone.
type Zone struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Rule is one rule in a ruleset. ActionParameters is passed through opaquely
// so unmanaged rules survive a round trip unchanged.
type Rule struct {
	ID               string          `json:"id,omitempty"`
	Description      string          `json:"description"`
	Expression       string          `json:"expression"`
	Action           string          `json:"action"`
	Enabled          bool            `json:"enabled"`
	ActionParameters json.RawMessage `json:"action_parameters,omitempty"`
}

// Equal reports whether two rules are identical for sync purposes.
func (r Rule) Equal(other Rule) bool {
	return r.ID == other.ID &&
		r.Description == other.Description &&
		r.Expression == other.Expression &&
		r.Action == other.Action &&
		r.Enabled == other.Enabled &&
		bytes.Equal(r.ActionParameters, other.ActionParameters)
}

// Ruleset is a zone's custom firewall ruleset.
type Ruleset struct {
	ID    string `json:"id"`
	Rules []Rule `json:"rules"`
}

// API abstracts the Cloudflare endpoints so the reconciler can be tested
// against a mock.
type API interface {
	ListAccounts(ctx context.Context) ([]Account, error)
	ListZones(ctx context.Context, accountID string) ([]Zone, error)
	// GetEntrypoint fetches the zone's custom firewall ruleset, or
	// ErrNoRuleset when none exists.
	GetEntrypoint(ctx context.Context, zoneID string) (*Ruleset, error)
	// UpdateRuleset replaces all rules of an existing ruleset.
	UpdateRuleset(ctx context.Context, zoneID, rulesetID string, rules []Rule) (*Ruleset, error)
	// CreateEntrypoint creates the phase ruleset with the given rules.
	CreateEntrypoint(ctx context.Context, zoneID string, rules []Rule) (*Ruleset, error)
}

// Client implements API over HTTP with a bearer token.
type Client struct {
	baseURL string
	token   string
	httpc   *http.Client
}

// NewClient returns a Client authenticated with apiToken.
func NewClient(apiToken string) *Client {
	return &Client{
		baseURL: DefaultBaseURL,
		token:   apiToken,
		httpc:   &http.Client{Timeout: 30 * time.Second},
	}
}

// SetBaseURL overrides the API root (for testing).
func (c *Client) SetBaseURL(u string) { c.baseURL = strings.TrimRight(u, "/") }

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type envelope struct {
	Success bool            `json:"success"`
	Errors  []apiError      `json:"errors"`
	Result  json.RawMessage `json:"result"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding %s %s body: %w", method, path, err)
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("creating %s %s request: %w", method, path, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNoRuleset
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("reading %s %s response: %w", method, path, err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("decoding %s %s response (status %d): %w", method, path, resp.StatusCode, err)
	}
	if !env.Success {
		return fmt.Errorf("%s %s: %s", method, path, formatAPIErrors(env.Errors, resp.StatusCode))
	}
	if out != nil {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return fmt.Errorf("decoding %s %s result: %w", method, path, err)
		}
	}
	return nil
}

func formatAPIErrors(errs []apiError, status int) string {
	if len(errs) == 0 {
		return fmt.Sprintf("API error (status %d)", status)
	}
	parts := make([]string, len(errs))
	for i, e := range errs {
		parts[i] = fmt.Sprintf("%d: %s", e.Code, e.Message)
	}
	return strings.Join(parts, "; ")
}

// ListAccounts returns all accounts visible to the token.
func (c *Client) ListAccounts(ctx context.Context) ([]Account, error) {
	var accounts []Account
	if err := c.do(ctx, http.MethodGet, "/accounts?per_page=50", nil, &accounts); err != nil {
		return nil, err
	}
	return accounts, nil
}

// ListZones returns the zones of an account.
func (c *Client) ListZones(ctx context.Context, accountID string) ([]Zone, error) {
	q := url.Values{"account.id": {accountID}, "per_page": {"50"}}
	var zones []Zone
	if err := c.do(ctx, http.MethodGet, "/zones?"+q.Encode(), nil, &zones); err != nil {
		return nil, err
	}
	return zones, nil
}

// GetEntrypoint fetches the custom firewall ruleset for a zone.
func (c *Client) GetEntrypoint(ctx context.Context, zoneID string) (*Ruleset, error) {
	path := fmt.Sprintf("/zones/%s/rulesets/phases/%s/entrypoint", zoneID, Phase)
	var rs Ruleset
	if err := c.do(ctx, http.MethodGet, path, nil, &rs); err != nil {
		return nil, err
	}
	return &rs, nil
}

type rulesPayload struct {
	Rules []Rule `json:"rules"`
}

// UpdateRuleset replaces all rules of a ruleset in one batch.
func (c *Client) UpdateRuleset(ctx context.Context, zoneID, rulesetID string, rules []Rule) (*Ruleset, error) {
	path := fmt.Sprintf("/zones/%s/rulesets/%s", zoneID, rulesetID)
	var rs Ruleset
	if err := c.do(ctx, http.MethodPut, path, rulesPayload{Rules: rules}, &rs); err != nil {
		return nil, err
	}
	return &rs, nil
}

// CreateEntrypoint creates the phase ruleset for a zone. Updating the phase
// entrypoint creates the ruleset when it does not exist yet.
func (c *Client) CreateEntrypoint(ctx context.Context, zoneID string, rules []Rule) (*Ruleset, error) {
	path := fmt.Sprintf("/zones/%s/rulesets/phases/%s/entrypoint", zoneID, Phase)
	var rs Ruleset
	if err := c.do(ctx, http.MethodPut, path, rulesPayload{Rules: rules}, &rs); err != nil {
		return nil, err
	}
	return &rs, nil
}
