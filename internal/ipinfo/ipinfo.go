// Package ipinfo fetches per-ASN CIDR lists from the keyless ipinfo.app
// text API.
package ipinfo

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// DefaultBaseURL is the ipinfo.app ASN text list endpoint root.
const DefaultBaseURL = "https://asn.ipinfo.app"

// DefaultDelay spaces requests out so the keyless API does not rate-limit
// the run.
const DefaultDelay = 100 * time.Millisecond

const maxBodyBytes = 8 << 20

// Client queries asn.ipinfo.app.
type Client struct {
	baseURL string
	httpc   *http.Client
}

// NewClient returns a Client with a sane timeout.
func NewClient() *Client {
	return &Client{
		baseURL: DefaultBaseURL,
		httpc:   &http.Client{Timeout: 30 * time.Second},
	}
}

// SetBaseURL overrides the endpoint (for testing).
func (c *Client) SetBaseURL(u string) { c.baseURL = strings.TrimRight(u, "/") }

// FetchCIDRs returns the CIDR blocks announced by one ASN, one per line in
// the provider's response.
func (c *Client) FetchCIDRs(ctx context.Context, asn int) ([]string, error) {
	url := fmt.Sprintf("%s/api/text/list/AS%d", c.baseURL, asn)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating ipinfo request for AS%d: %w", asn, err)
	}
	req.Header.Set("User-Agent", "badasn/1.0 (+https://github.com/abuseguard/badasn)")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ipinfo request for AS%d: %w", asn, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ipinfo request for AS%d: status %d", asn, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("reading ipinfo response for AS%d: %w", asn, err)
	}

	var cidrs []string
	for _, line := range strings.Split(string(body), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			cidrs = append(cidrs, line)
		}
	}
	return cidrs, nil
}

// FetchAll fetches CIDRs for every ASN sequentially with delay between
// requests. A failed ASN is logged and skipped; the run continues. The
// result is the union of all fetched CIDRs.
func (c *Client) FetchAll(ctx context.Context, asns []int, delay time.Duration, log *slog.Logger) (map[string]bool, error) {
	if log == nil {
		log = slog.Default()
	}
	set := make(map[string]bool)
	for i, asn := range asns {
		if err := ctx.Err(); err != nil {
			return set, err
		}
		cidrs, err := c.FetchCIDRs(ctx, asn)
		if err != nil {
			log.Warn("skipping ASN after failed fetch", "asn", asn, "err", err)
		} else {
			for _, cidr := range cidrs {
				set[cidr] = true
			}
		}
		log.Debug("fetched CIDRs", "asn", asn, "progress", fmt.Sprintf("%d/%d", i+1, len(asns)))

		if i < len(asns)-1 && delay > 0 {
			select {
			case <-ctx.Done():
				return set, ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return set, nil
}
