// Package fetch refreshes the local per-ASN detail cache from ipapi.is,
// honoring the rolling request budget and the cache freshness window.
package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/abuseguard/badasn/internal/ipapi"
)

// MaxDetailAge is how long a cached detail blob stays fresh.
const MaxDetailAge = 15 * 24 * time.Hour

// DefaultDelay spaces API requests out. Faster starts drawing 403s.
const DefaultDelay = 200 * time.Millisecond

// Source fetches one ASN's details. *ipapi.Client implements it; tests
// substitute a mock.
type Source interface {
	FetchASN(ctx context.Context, asn int) (*ipapi.Detail, error)
}

// Stats summarizes one fetch run.
type Stats struct {
	Requests int
	Created  int
	Updated  int
	Skipped  int
	Failed   int
}

// Fetcher walks the ASN list and refreshes stale or missing detail files.
type Fetcher struct {
	Source Source
	// Dir is the detail cache directory.
	Dir    string
	MaxAge time.Duration
	Delay  time.Duration
	Log    *slog.Logger

	// now is stubbed in tests.
	now func() time.Time
}

// New returns a Fetcher with production defaults.
func New(source Source, dir string, log *slog.Logger) *Fetcher {
	if log == nil {
		log = slog.Default()
	}
	return &Fetcher{
		Source: source,
		Dir:    dir,
		MaxAge: MaxDetailAge,
		Delay:  DefaultDelay,
		Log:    log,
		now:    time.Now,
	}
}

// Run fetches details for the ASNs that need it, stopping once budget
// requests have been made. Failed fetches are logged and skipped; the run
// never aborts on a single ASN. ASNs should be pre-sorted so interrupted
// runs resume deterministically.
func (f *Fetcher) Run(ctx context.Context, asns []int, budget int) (*Stats, error) {
	if err := os.MkdirAll(f.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating detail cache dir: %w", err)
	}

	now := f.now().UTC()
	stats := &Stats{}

	for _, asn := range asns {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if stats.Requests >= budget {
			f.Log.Warn("request budget for this run exhausted, stopping", "budget", budget)
			break
		}

		path := ipapi.CachePath(f.Dir, asn)
		existing, fresh := f.cached(path, now)
		if fresh {
			stats.Skipped++
			continue
		}

		if f.Delay > 0 {
			select {
			case <-ctx.Done():
				return stats, ctx.Err()
			case <-time.After(f.Delay):
			}
		}

		detail, err := f.Source.FetchASN(ctx, asn)
		stats.Requests++
		if err != nil {
			f.Log.Warn("fetch failed, skipping ASN", "asn", asn, "err", err)
			stats.Failed++
			continue
		}

		detail.Fetched = now.Format(time.RFC3339)
		if err := ipapi.WriteDetail(path, detail); err != nil {
			f.Log.Warn("could not write detail file", "asn", asn, "err", err)
			stats.Failed++
			continue
		}

		if existing {
			stats.Updated++
			f.Log.Info("refreshed detail", "asn", asn)
		} else {
			stats.Created++
			f.Log.Info("fetched new detail", "asn", asn)
		}
	}
	return stats, nil
}

// cached reports whether a detail file exists and whether it is still
// fresh. A corrupt or timestamp-less file counts as existing but stale.
func (f *Fetcher) cached(path string, now time.Time) (exists, fresh bool) {
	if _, err := os.Stat(path); err != nil {
		return false, false
	}
	detail, err := ipapi.ReadDetail(path)
	if err != nil {
		return true, false
	}
	fetched := detail.FetchedAt()
	if fetched.IsZero() {
		return true, false
	}
	return true, now.Sub(fetched) <= f.MaxAge
}
