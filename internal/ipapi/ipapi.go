// Package ipapi talks to the ipapi.is ASN endpoint and manages the local
// per-ASN detail cache under data/asns.
package ipapi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// DefaultBaseURL is the ipapi.is query endpoint.
const DefaultBaseURL = "https://api.ipapi.is"

// maxBodyBytes caps the response body we are willing to read. Detail blobs
// for large carriers run to a few hundred KB of prefixes.
const maxBodyBytes = 8 << 20

// Detail is the cached ipapi.is record for one ASN. AbuserScore keeps the
// provider's string form; the API sends "0.0154 (Elevated)" and the cache
// stores the numeric part with the rank split into AbuseRank.
type Detail struct {
	ASN          int      `json:"asn"`
	Org          string   `json:"org,omitempty"`
	Descr        string   `json:"descr,omitempty"`
	Country      string   `json:"country,omitempty"`
	Active       bool     `json:"active"`
	Type         string   `json:"type,omitempty"`
	AbuserScore  string   `json:"abuser_score,omitempty"`
	AbuseRank    string   `json:"abuse_rank,omitempty"`
	Prefixes     []string `json:"prefixes,omitempty"`
	PrefixesIPv6 []string `json:"prefixesIPv6,omitempty"`
	// Fetched records when this blob was retrieved, RFC3339 UTC.
	Fetched string `json:"fetched,omitempty"`
}

// Score returns the numeric abuser score, zero when absent or unparseable.
func (d *Detail) Score() float64 {
	s, _ := strconv.ParseFloat(strings.TrimSpace(d.AbuserScore), 64)
	return s
}

// HasPrefixes reports whether the ASN announces any prefixes at all.
// An ASN with none is considered dead and eligible for archival.
func (d *Detail) HasPrefixes() bool {
	return len(d.Prefixes) > 0 || len(d.PrefixesIPv6) > 0
}

// FetchedAt parses the Fetched timestamp; the zero time means unknown,
// which callers treat as stale.
func (d *Detail) FetchedAt() time.Time {
	t, err := time.Parse(time.RFC3339, d.Fetched)
	if err != nil {
		return time.Time{}
	}
	return t
}

var scoreWithRank = regexp.MustCompile(`^([\d.]+) \((.+)\)$`)

// SplitAbuserScore separates the API's combined "0.0154 (Elevated)" form
// into score and rank. Values already split, or in an unexpected shape,
// come back unchanged with an empty rank.
func SplitAbuserScore(raw string) (score, rank string) {
	m := scoreWithRank.FindStringSubmatch(strings.TrimSpace(raw))
	if m == nil {
		return strings.TrimSpace(raw), ""
	}
	return m[1], m[2]
}

// Client queries ipapi.is. The zero value is not usable; call NewClient.
type Client struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
}

// NewClient returns a Client for the given API key.
func NewClient(apiKey string) *Client {
	return &Client{
		baseURL: DefaultBaseURL,
		apiKey:  apiKey,
		httpc:   &http.Client{Timeout: 30 * time.Second},
	}
}

// SetBaseURL overrides the endpoint (for testing).
func (c *Client) SetBaseURL(u string) { c.baseURL = u }

// FetchASN retrieves the detail record for one ASN. A non-2xx status or an
// undecodable body is an error; callers skip the ASN and keep going.
func (c *Client) FetchASN(ctx context.Context, asn int) (*Detail, error) {
	q := url.Values{
		"q":   {fmt.Sprintf("AS%d", asn)},
		"key": {c.apiKey},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating ipapi request for AS%d: %w", asn, err)
	}
	req.Header.Set("User-Agent", "badasn/1.0 (+https://github.com/abuseguard/badasn)")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ipapi request for AS%d: %w", asn, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ipapi request for AS%d: status %d", asn, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("reading ipapi response for AS%d: %w", asn, err)
	}

	var detail Detail
	if err := json.Unmarshal(body, &detail); err != nil {
		return nil, fmt.Errorf("decoding ipapi response for AS%d: %w", asn, err)
	}
	if detail.ASN == 0 {
		return nil, fmt.Errorf("ipapi response for AS%d has no asn field", asn)
	}

	score, rank := SplitAbuserScore(detail.AbuserScore)
	detail.AbuserScore = score
	if rank != "" {
		detail.AbuseRank = rank
	}
	return &detail, nil
}

// --- Detail cache (data/asns/<asn>.json) ---

// CachePath returns the detail file path for an ASN inside dir.
func CachePath(dir string, asn int) string {
	return filepath.Join(dir, strconv.Itoa(asn)+".json")
}

// ReadDetail loads one cached detail file.
func ReadDetail(path string) (*Detail, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var detail Detail
	if err := json.Unmarshal(data, &detail); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", filepath.Base(path), err)
	}
	return &detail, nil
}

// WriteDetail stores a detail blob, pretty-printed so the cache diffs
// cleanly in version control.
func WriteDetail(path string, detail *Detail) error {
	data, err := json.MarshalIndent(detail, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", filepath.Base(path), err)
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

// LoadDir reads every .json detail file under dir, keyed by ASN.
// Unreadable or undecodable files are reported through broken and skipped.
func LoadDir(dir string, broken func(name string, err error)) (map[int]*Detail, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	details := make(map[int]*Detail)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		detail, err := ReadDetail(filepath.Join(dir, name))
		if err != nil {
			if broken != nil {
				broken(name, err)
			}
			continue
		}
		if detail.ASN == 0 {
			if broken != nil {
				broken(name, fmt.Errorf("no asn field"))
			}
			continue
		}
		details[detail.ASN] = detail
	}
	return details, nil
}
