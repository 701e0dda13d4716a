package asnlist

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/abuseguard/badasn/internal/ipapi"
)

// UpdateFromDetails refreshes registry rows from cached detail blobs. A
// detail value wins over the row's current value; blank detail fields keep
// whatever the registry already had, so hand-curated entries survive a
// partial fetch. Rows without a detail blob are returned unchanged.
func UpdateFromDetails(records []Record, details map[int]*ipapi.Detail) []Record {
	updated := make([]Record, len(records))
	for i, rec := range records {
		detail, ok := details[rec.ASN]
		if !ok {
			updated[i] = rec
			continue
		}
		if detail.Org != "" {
			rec.Entity = detail.Org
		}
		if detail.AbuserScore != "" {
			rec.AbuserScore = detail.Score()
		}
		if detail.AbuseRank != "" {
			rec.AbuserRank = detail.AbuseRank
		}
		if detail.Type != "" {
			rec.Type = detail.Type
		}
		if detail.Active {
			rec.Status = "active"
		} else {
			rec.Status = "inactive"
		}
		rec.Source = "fetched"
		updated[i] = rec
	}
	return updated
}

// PruneResult summarizes one maintenance pass over the detail cache.
type PruneResult struct {
	// OrphansRemoved counts detail files deleted because their ASN is no
	// longer in the registry.
	OrphansRemoved int
	// Kept and Dead partition the registry: Dead rows belong to ASNs that
	// announce no prefixes and were archived.
	Kept, Dead []Record
}

// Prune performs registry maintenance against the detail cache in dir:
// detail files for ASNs absent from records are deleted, and records whose
// ASN announces no prefixes are split out as dead, their detail files moved
// to deadDir. Records without a cached detail are kept.
func Prune(records []Record, dir, deadDir string, log *slog.Logger) (*PruneResult, error) {
	if log == nil {
		log = slog.Default()
	}

	details, err := ipapi.LoadDir(dir, func(name string, err error) {
		log.Warn("skipping unreadable detail file", "file", name, "err", err)
	})
	if err != nil {
		return nil, fmt.Errorf("loading detail cache: %w", err)
	}

	inRegistry := make(map[int]bool, len(records))
	for _, rec := range records {
		inRegistry[rec.ASN] = true
	}

	res := &PruneResult{}

	var orphans []int
	for asn := range details {
		if !inRegistry[asn] {
			orphans = append(orphans, asn)
		}
	}
	sort.Ints(orphans)
	for _, asn := range orphans {
		path := ipapi.CachePath(dir, asn)
		if err := os.Remove(path); err != nil {
			log.Warn("could not remove orphaned detail file", "file", path, "err", err)
			continue
		}
		log.Info("removed orphaned detail file", "asn", asn)
		res.OrphansRemoved++
	}

	for _, rec := range records {
		detail, ok := details[rec.ASN]
		if !ok || detail.HasPrefixes() {
			res.Kept = append(res.Kept, rec)
			continue
		}
		if err := archiveDetail(dir, deadDir, rec.ASN); err != nil {
			log.Warn("could not archive detail file", "asn", rec.ASN, "err", err)
			res.Kept = append(res.Kept, rec)
			continue
		}
		log.Info("archived ASN with no announced prefixes", "asn", rec.ASN, "entity", rec.Entity)
		res.Dead = append(res.Dead, rec)
	}

	return res, nil
}

func archiveDetail(dir, deadDir string, asn int) error {
	if err := os.MkdirAll(deadDir, 0o755); err != nil {
		return err
	}
	name := strconv.Itoa(asn) + ".json"
	return os.Rename(filepath.Join(dir, name), filepath.Join(deadDir, name))
}

// AppendDead appends rows to the dead-list CSV at path, writing the header
// first when the file is new or empty.
func AppendDead(path string, rows []Record) error {
	if len(rows) == 0 {
		return nil
	}
	needHeader := true
	if fi, err := os.Stat(path); err == nil && fi.Size() > 0 {
		needHeader = false
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if needHeader {
		if err := writeQuotedRow(f, Header); err != nil {
			return err
		}
	}
	for _, rec := range rows {
		if err := writeQuotedRow(f, rec.row()); err != nil {
			return err
		}
	}
	return nil
}
