// Package asnlist maintains the bad-ASN registry: a flat CSV of network
// operators with reputation data, keyed by ASN.
package asnlist

import (
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Header is the canonical registry column order. Readers match columns by
// name so older files with a different order still load.
var Header = []string{"ASN", "Entity", "abuser_score", "abuser_rank", "status", "type", "source"}

// Record is one registry row. ASN is the dedup key across merges.
type Record struct {
	ASN         int
	Entity      string
	AbuserScore float64
	AbuserRank  string
	// Status is "active" or "inactive".
	Status string
	Type   string
	// Source is "manual" for hand-curated rows, "fetched" for rows
	// refreshed from cached API details.
	Source string
}

var leadingDigits = regexp.MustCompile(`^\d+`)

// ParseASN extracts the leading number from an ASN cell. Values may be
// quoted, padded, or carry trailing junk ("AS" prefixes are not accepted;
// the registry stores bare numbers).
func ParseASN(value string) (int, bool) {
	cleaned := strings.Trim(strings.TrimSpace(value), `"`)
	m := leadingDigits.FindString(cleaned)
	if m == "" {
		return 0, false
	}
	n, err := strconv.Atoi(m)
	if err != nil {
		return 0, false
	}
	return n, true
}

// ReadRegistry loads registry records from r. Rows with an unparseable ASN
// are skipped and logged; they never abort the load.
func ReadRegistry(r io.Reader, log *slog.Logger) ([]Record, error) {
	if log == nil {
		log = slog.Default()
	}
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading registry header: %w", err)
	}
	cols := columnIndex(header)

	var records []Record
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Warn("skipping malformed registry row", "err", err)
			continue
		}
		if isEmptyRow(row) {
			continue
		}
		rec, ok := recordFromRow(row, cols)
		if !ok {
			log.Warn("skipping registry row without a valid ASN", "row", strings.Join(row, ","))
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// ReadRegistryFile loads the registry from path.
func ReadRegistryFile(path string, log *slog.Logger) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadRegistry(f, log)
}

// WriteRegistry writes records to w in canonical column order. Every field
// is quoted so the output diffs cleanly against the published list.
func WriteRegistry(w io.Writer, records []Record) error {
	if err := writeQuotedRow(w, Header); err != nil {
		return err
	}
	for _, rec := range records {
		if err := writeQuotedRow(w, rec.row()); err != nil {
			return err
		}
	}
	return nil
}

// WriteRegistryFile writes records to path, replacing the file.
func WriteRegistryFile(path string, records []Record) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteRegistry(f, records); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// encoding/csv only quotes when it must; the published list quotes every
// field, so rows are formatted by hand.
func writeQuotedRow(w io.Writer, fields []string) error {
	quoted := make([]string, len(fields))
	for i, f := range fields {
		quoted[i] = `"` + strings.ReplaceAll(f, `"`, `""`) + `"`
	}
	_, err := fmt.Fprintln(w, strings.Join(quoted, ","))
	return err
}

func (r Record) row() []string {
	return []string{
		strconv.Itoa(r.ASN),
		r.Entity,
		FormatScore(r.AbuserScore),
		r.AbuserRank,
		r.Status,
		r.Type,
		r.Source,
	}
}

// FormatScore renders an abuser score the way the registry stores it:
// empty for zero, shortest decimal form otherwise.
func FormatScore(score float64) string {
	if score == 0 {
		return ""
	}
	return strconv.FormatFloat(score, 'g', -1, 64)
}

func columnIndex(header []string) map[string]int {
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	return cols
}

func isEmptyRow(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

func recordFromRow(row []string, cols map[string]int) (Record, bool) {
	cell := func(name string) string {
		i, ok := cols[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	asn, ok := ParseASN(cell("asn"))
	if !ok {
		return Record{}, false
	}
	score, _ := strconv.ParseFloat(cell("abuser_score"), 64)
	return Record{
		ASN:         asn,
		Entity:      cell("entity"),
		AbuserScore: score,
		AbuserRank:  cell("abuser_rank"),
		Status:      cell("status"),
		Type:        cell("type"),
		Source:      cell("source"),
	}, true
}

// Merge unions additions into master, keyed by ASN. Master wins on
// conflict. The result is sorted numerically by ASN. Returns the merged
// list and the number of rows added.
func Merge(master, additions []Record) ([]Record, int) {
	seen := make(map[int]bool, len(master))
	merged := make([]Record, 0, len(master)+len(additions))
	for _, rec := range master {
		if seen[rec.ASN] {
			continue
		}
		seen[rec.ASN] = true
		merged = append(merged, rec)
	}

	added := 0
	for _, rec := range additions {
		if seen[rec.ASN] {
			continue
		}
		seen[rec.ASN] = true
		if rec.Source == "" {
			rec.Source = "manual"
		}
		merged = append(merged, rec)
		added++
	}

	sort.Slice(merged, func(i, j int) bool { return merged[i].ASN < merged[j].ASN })
	return merged, added
}

// SortColumns lists the column names Sort accepts.
func SortColumns() []string { return append([]string(nil), Header...) }

// Sort orders records by the named column (case-insensitive match against
// the registry header). ASN and abuser_score sort numerically, everything
// else as case-insensitive strings. The sort is stable so equal keys keep
// their relative order.
func Sort(records []Record, column string, descending bool) error {
	key, err := sortKey(column)
	if err != nil {
		return err
	}
	sort.SliceStable(records, func(i, j int) bool {
		if descending {
			return key(records[j], records[i])
		}
		return key(records[i], records[j])
	})
	return nil
}

func sortKey(column string) (func(a, b Record) bool, error) {
	switch strings.ToLower(column) {
	case "asn":
		return func(a, b Record) bool { return a.ASN < b.ASN }, nil
	case "abuser_score":
		return func(a, b Record) bool { return a.AbuserScore < b.AbuserScore }, nil
	case "entity":
		return stringKey(func(r Record) string { return r.Entity }), nil
	case "abuser_rank":
		return stringKey(func(r Record) string { return r.AbuserRank }), nil
	case "status":
		return stringKey(func(r Record) string { return r.Status }), nil
	case "type":
		return stringKey(func(r Record) string { return r.Type }), nil
	case "source":
		return stringKey(func(r Record) string { return r.Source }), nil
	}
	return nil, fmt.Errorf("unknown column %q (available: %s)", column, strings.Join(Header, ", "))
}

func stringKey(get func(Record) string) func(a, b Record) bool {
	return func(a, b Record) bool {
		return strings.ToLower(get(a)) < strings.ToLower(get(b))
	}
}

// Numbers returns the sorted, deduplicated ASN numbers of records.
func Numbers(records []Record) []int {
	seen := make(map[int]bool, len(records))
	var asns []int
	for _, rec := range records {
		if !seen[rec.ASN] {
			seen[rec.ASN] = true
			asns = append(asns, rec.ASN)
		}
	}
	sort.Ints(asns)
	return asns
}

// ByPriority returns the deduplicated ASNs of records ordered worst
// offender first: descending abuser score, ties broken by ascending ASN.
func ByPriority(records []Record) []int {
	byASN := make(map[int]Record, len(records))
	for _, rec := range records {
		if _, ok := byASN[rec.ASN]; !ok {
			byASN[rec.ASN] = rec
		}
	}
	asns := make([]int, 0, len(byASN))
	for asn := range byASN {
		asns = append(asns, asn)
	}
	sort.Slice(asns, func(i, j int) bool {
		a, b := byASN[asns[i]], byASN[asns[j]]
		if a.AbuserScore != b.AbuserScore {
			return a.AbuserScore > b.AbuserScore
		}
		return a.ASN < b.ASN
	})
	return asns
}
