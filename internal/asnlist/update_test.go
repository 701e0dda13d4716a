package asnlist

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/abuseguard/badasn/internal/ipapi"
)

func TestUpdateFromDetails(t *testing.T) {
	records := []Record{
		{ASN: 14061, Entity: "Old Name", AbuserScore: 0.1, AbuserRank: "Low", Status: "inactive", Type: "isp", Source: "manual"},
		{ASN: 701, Entity: "Verizon Business", Status: "active", Source: "manual"},
		{ASN: 9009, Entity: "M247", AbuserScore: 0.3, Status: "active", Source: "manual"},
	}
	details := map[int]*ipapi.Detail{
		14061: {
			ASN:         14061,
			Org:         "DigitalOcean, LLC",
			Active:      true,
			Type:        "hosting",
			AbuserScore: "0.0154",
			AbuseRank:   "Elevated",
		},
		// Blank fields keep the registry values; Active false flips status.
		9009: {ASN: 9009, Active: false},
	}

	updated := UpdateFromDetails(records, details)
	if len(updated) != 3 {
		t.Fatalf("got %d records, want 3", len(updated))
	}

	if got := updated[0]; got.Entity != "DigitalOcean, LLC" ||
		got.AbuserScore != 0.0154 ||
		got.AbuserRank != "Elevated" ||
		got.Status != "active" ||
		got.Type != "hosting" ||
		got.Source != "fetched" {
		t.Errorf("updated[0] = %+v", got)
	}

	// No detail blob: row unchanged.
	if updated[1] != records[1] {
		t.Errorf("updated[1] = %+v, want unchanged %+v", updated[1], records[1])
	}

	if got := updated[2]; got.Entity != "M247" || got.AbuserScore != 0.3 || got.Status != "inactive" || got.Source != "fetched" {
		t.Errorf("updated[2] = %+v", got)
	}
}

func writeDetailFile(t *testing.T, dir string, detail *ipapi.Detail) {
	t.Helper()
	if err := ipapi.WriteDetail(ipapi.CachePath(dir, detail.ASN), detail); err != nil {
		t.Fatal(err)
	}
}

func TestPrune(t *testing.T) {
	dir := t.TempDir()
	deadDir := filepath.Join(dir, "dead")

	writeDetailFile(t, dir, &ipapi.Detail{ASN: 14061, Prefixes: []string{"104.16.0.0/13"}})
	writeDetailFile(t, dir, &ipapi.Detail{ASN: 9009}) // no prefixes: dead
	writeDetailFile(t, dir, &ipapi.Detail{ASN: 4134, Prefixes: []string{"1.0.1.0/24"}}) // orphan

	records := []Record{
		{ASN: 14061, Entity: "DigitalOcean"},
		{ASN: 9009, Entity: "M247"},
		{ASN: 701, Entity: "Verizon Business"}, // no cached detail: kept
	}

	res, err := Prune(records, dir, deadDir, discard())
	if err != nil {
		t.Fatalf("Prune() error: %v", err)
	}

	if res.OrphansRemoved != 1 {
		t.Errorf("OrphansRemoved = %d, want 1", res.OrphansRemoved)
	}
	if _, err := os.Stat(ipapi.CachePath(dir, 4134)); !os.IsNotExist(err) {
		t.Error("orphan detail file still present")
	}

	if len(res.Kept) != 2 || res.Kept[0].ASN != 14061 || res.Kept[1].ASN != 701 {
		t.Errorf("Kept = %+v", res.Kept)
	}
	if len(res.Dead) != 1 || res.Dead[0].ASN != 9009 {
		t.Errorf("Dead = %+v", res.Dead)
	}

	// The dead ASN's blob moved to the archive.
	if _, err := os.Stat(ipapi.CachePath(dir, 9009)); !os.IsNotExist(err) {
		t.Error("dead detail file still in live cache")
	}
	if _, err := os.Stat(ipapi.CachePath(deadDir, 9009)); err != nil {
		t.Errorf("dead detail file not archived: %v", err)
	}
}

func TestAppendDead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dead.csv")

	if err := AppendDead(path, []Record{{ASN: 9009, Entity: "M247"}}); err != nil {
		t.Fatalf("AppendDead() error: %v", err)
	}
	if err := AppendDead(path, []Record{{ASN: 4134, Entity: "Chinanet"}}); err != nil {
		t.Fatalf("AppendDead() second call error: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3 (header written once):\n%s", len(lines), data)
	}
	if !strings.HasPrefix(lines[0], `"ASN"`) {
		t.Errorf("first line is not the header: %q", lines[0])
	}
	if !strings.Contains(lines[1], `"9009"`) || !strings.Contains(lines[2], `"4134"`) {
		t.Errorf("rows out of order:\n%s", data)
	}
}

func TestAppendDeadNoRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dead.csv")
	if err := AppendDead(path, nil); err != nil {
		t.Fatalf("AppendDead() error: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("AppendDead(nil) created the file")
	}
}
