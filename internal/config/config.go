// Package config loads and saves the two YAML configuration files:
// cf.yaml for Cloudflare credentials and zone state, ipapi.yaml for the
// ipapi.is key, filter threshold, and request budget history.
package config

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// Placeholder values written into freshly created config files. A config
// still carrying its placeholder is treated as unconfigured.
const (
	PlaceholderToken = "YOUR_CLOUDFLARE_API_TOKEN_HERE"
	PlaceholderKey   = "YOUR_IPAPI_IS_API_KEY_HERE"
)

// RequestLimitPer24h is a safe buffer below the 1000 requests/day limit of
// free ipapi.is accounts.
const RequestLimitPer24h = 950

// AccountRef identifies the Cloudflare account a managed zone belongs to.
type AccountRef struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// ManagedZone is a zone the reconciler applies rules to.
type ManagedZone struct {
	ID      string       `yaml:"id"`
	Name    string       `yaml:"name"`
	Account []AccountRef `yaml:"account,omitempty"`
}

// ZoneSnapshot records a zone's rules as last seen on Cloudflare.
type ZoneSnapshot struct {
	ID    string         `yaml:"id"`
	Name  string         `yaml:"name"`
	Rules []RuleSnapshot `yaml:"rules"`
}

// RuleSnapshot is the subset of a Cloudflare rule kept in the config.
type RuleSnapshot struct {
	ID          string `yaml:"id,omitempty"`
	Description string `yaml:"description"`
	Expression  string `yaml:"expression"`
	Action      string `yaml:"action"`
	Enabled     bool   `yaml:"enabled"`
}

// AccountSnapshot records an account and its zones as last seen.
type AccountSnapshot struct {
	ID    string         `yaml:"id"`
	Name  string         `yaml:"name"`
	Zones []ZoneSnapshot `yaml:"zones"`
}

// CF is the cf.yaml document.
type CF struct {
	APIToken     string            `yaml:"api_token"`
	ManagedZones []ManagedZone     `yaml:"managed_zones"`
	Accounts     []AccountSnapshot `yaml:"accounts"`
}

// Configured reports whether a real API token is present.
func (c *CF) Configured() bool {
	return c.APIToken != "" && c.APIToken != PlaceholderToken
}

// ManagedZoneIDs returns the set of zone IDs under management.
func (c *CF) ManagedZoneIDs() map[string]bool {
	ids := make(map[string]bool, len(c.ManagedZones))
	for _, z := range c.ManagedZones {
		if z.ID != "" {
			ids[z.ID] = true
		}
	}
	return ids
}

// SortSnapshots orders managed zones and account snapshots by name so the
// file is deterministic across runs.
func (c *CF) SortSnapshots() {
	sort.Slice(c.ManagedZones, func(i, j int) bool { return c.ManagedZones[i].Name < c.ManagedZones[j].Name })
	sort.Slice(c.Accounts, func(i, j int) bool { return c.Accounts[i].Name < c.Accounts[j].Name })
	for i := range c.Accounts {
		zs := c.Accounts[i].Zones
		sort.Slice(zs, func(a, b int) bool { return zs[a].Name < zs[b].Name })
	}
}

// LoadCF reads cf.yaml from path. A missing file returns an empty config
// and no error so setup mode can create it; a malformed file is fatal.
func LoadCF(path string) (*CF, error) {
	var cfg CF
	if err := loadYAML(path, &cfg); err != nil {
		if os.IsNotExist(err) {
			return &cfg, nil
		}
		return nil, err
	}
	return &cfg, nil
}

// SaveCF writes cf.yaml to path.
func SaveCF(path string, cfg *CF) error {
	return saveYAML(path, cfg)
}

// RunEntry is one fetch run in the rolling request budget history.
type RunEntry struct {
	Timestamp    time.Time `yaml:"timestamp"`
	RequestsMade int       `yaml:"requests_made"`
}

// IPAPI is the ipapi.yaml document.
type IPAPI struct {
	APIKey string `yaml:"api_key"`
	// MinimumAbuseScore is the netset filter threshold.
	MinimumAbuseScore float64    `yaml:"minimum_abuse_score"`
	RunHistory        []RunEntry `yaml:"run_history"`
}

// Configured reports whether a real API key is present.
func (c *IPAPI) Configured() bool {
	return c.APIKey != "" && c.APIKey != PlaceholderKey
}

// Budget describes the request allowance in the rolling 24h window.
type Budget struct {
	Used      int
	Available int
	// NextAvailable is when the oldest recent run ages out of the window.
	// Only meaningful when Available is zero.
	NextAvailable time.Time
}

// Window trims RunHistory to the 24 hours before now and returns the
// request budget for a new run. The trimmed history is kept so the next
// Save drops aged-out entries.
func (c *IPAPI) Window(now time.Time, limit int) Budget {
	cutoff := now.Add(-24 * time.Hour)
	recent := c.RunHistory[:0]
	used := 0
	oldest := time.Time{}
	for _, run := range c.RunHistory {
		if !run.Timestamp.After(cutoff) {
			continue
		}
		recent = append(recent, run)
		used += run.RequestsMade
		if oldest.IsZero() || run.Timestamp.Before(oldest) {
			oldest = run.Timestamp
		}
	}
	c.RunHistory = recent

	b := Budget{Used: used, Available: limit - used}
	if b.Available < 0 {
		b.Available = 0
	}
	if b.Available == 0 && !oldest.IsZero() {
		b.NextAvailable = oldest.Add(24 * time.Hour)
	}
	return b
}

// RecordRun appends a run to the history.
func (c *IPAPI) RecordRun(now time.Time, requests int) {
	c.RunHistory = append(c.RunHistory, RunEntry{Timestamp: now.UTC(), RequestsMade: requests})
}

// LoadIPAPI reads ipapi.yaml from path. A missing file yields a default
// config with the placeholder key, persisted so the operator can fill it in.
func LoadIPAPI(path string) (*IPAPI, error) {
	var cfg IPAPI
	if err := loadYAML(path, &cfg); err != nil {
		if os.IsNotExist(err) {
			cfg.APIKey = PlaceholderKey
			if err := SaveIPAPI(path, &cfg); err != nil {
				return nil, fmt.Errorf("creating default %s: %w", path, err)
			}
			return &cfg, nil
		}
		return nil, err
	}
	return &cfg, nil
}

// SaveIPAPI writes ipapi.yaml to path.
func SaveIPAPI(path string, cfg *IPAPI) error {
	return saveYAML(path, cfg)
}

func loadYAML(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

func saveYAML(path string, in any) error {
	data, err := yaml.Marshal(in)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", path, err)
	}
	return os.WriteFile(path, data, 0o644)
}
