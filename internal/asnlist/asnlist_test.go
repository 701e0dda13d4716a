package asnlist

import (
	"io"
	"log/slog"
	"strings"
	"testing"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParseASN(t *testing.T) {
	tests := []struct {
		name  string
		in    string
		want  int
		wantOK bool
	}{
		{"plain", "14061", 14061, true},
		{"quoted", `"14061"`, 14061, true},
		{"padded", "  701 ", 701, true},
		{"trailing junk", "9009x", 9009, true},
		{"empty", "", 0, false},
		{"non-numeric", "DigitalOcean", 0, false},
		{"as prefix", "AS14061", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseASN(tt.in)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("ParseASN(%q) = (%d, %v), want (%d, %v)", tt.in, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestReadRegistry(t *testing.T) {
	const csvData = `"ASN","Entity","abuser_score","abuser_rank","status","type","source"
"14061","DigitalOcean","0.0154","Elevated","active","hosting","fetched"
"not-a-number","Broken row","","","","",""
"701","Verizon Business","","","active","isp","manual"
`
	records, err := ReadRegistry(strings.NewReader(csvData), discard())
	if err != nil {
		t.Fatalf("ReadRegistry() error: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2 (bad row skipped): %+v", len(records), records)
	}
	if records[0].ASN != 14061 || records[0].Entity != "DigitalOcean" {
		t.Errorf("first record = %+v", records[0])
	}
	if records[0].AbuserScore != 0.0154 {
		t.Errorf("AbuserScore = %v, want 0.0154", records[0].AbuserScore)
	}
	if records[1].ASN != 701 || records[1].Source != "manual" {
		t.Errorf("second record = %+v", records[1])
	}
}

func TestReadRegistryReorderedColumns(t *testing.T) {
	// Column order from an older file; readers match by header name.
	const csvData = `"Entity","ASN","type"
"Verizon Business","701","isp"
`
	records, err := ReadRegistry(strings.NewReader(csvData), discard())
	if err != nil {
		t.Fatalf("ReadRegistry() error: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	if records[0].ASN != 701 || records[0].Entity != "Verizon Business" || records[0].Type != "isp" {
		t.Errorf("record = %+v", records[0])
	}
}

func TestReadRegistryEmpty(t *testing.T) {
	records, err := ReadRegistry(strings.NewReader(""), discard())
	if err != nil {
		t.Fatalf("ReadRegistry() error: %v", err)
	}
	if records != nil {
		t.Errorf("got %v, want nil", records)
	}
}

func TestWriteRegistryQuotesEveryField(t *testing.T) {
	records := []Record{
		{ASN: 14061, Entity: "DigitalOcean", AbuserScore: 0.0154, AbuserRank: "Elevated", Status: "active", Type: "hosting", Source: "fetched"},
		{ASN: 701, Entity: "Verizon Business", Status: "active", Type: "isp", Source: "manual"},
	}
	var sb strings.Builder
	if err := WriteRegistry(&sb, records); err != nil {
		t.Fatalf("WriteRegistry() error: %v", err)
	}
	want := `"ASN","Entity","abuser_score","abuser_rank","status","type","source"
"14061","DigitalOcean","0.0154","Elevated","active","hosting","fetched"
"701","Verizon Business","","","active","isp","manual"
`
	if sb.String() != want {
		t.Errorf("WriteRegistry() output:\n%s\nwant:\n%s", sb.String(), want)
	}
}

func TestRegistryRoundTrip(t *testing.T) {
	records := []Record{
		{ASN: 701, Entity: `Quotes "inside" entity`, AbuserScore: 0.5, Status: "active"},
		{ASN: 9009, Entity: "M247, Ltd", Type: "hosting"},
	}
	var sb strings.Builder
	if err := WriteRegistry(&sb, records); err != nil {
		t.Fatalf("WriteRegistry() error: %v", err)
	}
	back, err := ReadRegistry(strings.NewReader(sb.String()), discard())
	if err != nil {
		t.Fatalf("ReadRegistry() error: %v", err)
	}
	if len(back) != len(records) {
		t.Fatalf("round trip: got %d records, want %d", len(back), len(records))
	}
	for i := range records {
		if back[i] != records[i] {
			t.Errorf("round trip [%d] = %+v, want %+v", i, back[i], records[i])
		}
	}
}

func TestFormatScore(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{0, ""},
		{0.0154, "0.0154"},
		{1, "1"},
		{0.5, "0.5"},
	}
	for _, tt := range tests {
		if got := FormatScore(tt.in); got != tt.want {
			t.Errorf("FormatScore(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMerge(t *testing.T) {
	master := []Record{
		{ASN: 14061, Entity: "DigitalOcean", Source: "fetched"},
		{ASN: 701, Entity: "Verizon Business", Source: "manual"},
	}
	additions := []Record{
		{ASN: 14061, Entity: "Duplicate, master wins"},
		{ASN: 9009, Entity: "M247"},
		{ASN: 4134, Entity: "Chinanet", Source: "fetched"},
	}

	merged, added := Merge(master, additions)
	if added != 2 {
		t.Errorf("added = %d, want 2", added)
	}
	if len(merged) != 4 {
		t.Fatalf("got %d records, want 4", len(merged))
	}

	// Sorted by ASN.
	wantOrder := []int{701, 4134, 9009, 14061}
	for i, asn := range wantOrder {
		if merged[i].ASN != asn {
			t.Errorf("merged[%d].ASN = %d, want %d", i, merged[i].ASN, asn)
		}
	}

	for _, rec := range merged {
		switch rec.ASN {
		case 14061:
			if rec.Entity != "DigitalOcean" {
				t.Errorf("master row lost on conflict: %+v", rec)
			}
		case 9009:
			if rec.Source != "manual" {
				t.Errorf("blank Source not defaulted to manual: %+v", rec)
			}
		case 4134:
			if rec.Source != "fetched" {
				t.Errorf("explicit Source overwritten: %+v", rec)
			}
		}
	}
}

func TestMergeIdempotent(t *testing.T) {
	master := []Record{{ASN: 701}, {ASN: 9009}}
	merged, added := Merge(master, master)
	if added != 0 {
		t.Errorf("added = %d, want 0", added)
	}
	if len(merged) != 2 {
		t.Errorf("got %d records, want 2", len(merged))
	}
}

func TestSort(t *testing.T) {
	base := []Record{
		{ASN: 9009, Entity: "M247", AbuserScore: 0.2},
		{ASN: 701, Entity: "verizon", AbuserScore: 0.9},
		{ASN: 14061, Entity: "DigitalOcean", AbuserScore: 0.5},
	}

	tests := []struct {
		name       string
		column     string
		descending bool
		wantASNs   []int
	}{
		{"asn ascending", "asn", false, []int{701, 9009, 14061}},
		{"asn descending", "ASN", true, []int{14061, 9009, 701}},
		{"score descending", "abuser_score", true, []int{701, 14061, 9009}},
		{"entity case-insensitive", "entity", false, []int{14061, 9009, 701}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			records := append([]Record(nil), base...)
			if err := Sort(records, tt.column, tt.descending); err != nil {
				t.Fatalf("Sort() error: %v", err)
			}
			for i, asn := range tt.wantASNs {
				if records[i].ASN != asn {
					t.Errorf("records[%d].ASN = %d, want %d", i, records[i].ASN, asn)
				}
			}
		})
	}
}

func TestSortUnknownColumn(t *testing.T) {
	if err := Sort(nil, "bogus", false); err == nil {
		t.Fatal("Sort() with unknown column: want error, got nil")
	}
}

func TestNumbers(t *testing.T) {
	records := []Record{{ASN: 9009}, {ASN: 701}, {ASN: 9009}, {ASN: 14061}}
	got := Numbers(records)
	want := []int{701, 9009, 14061}
	if len(got) != len(want) {
		t.Fatalf("Numbers() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Numbers()[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestByPriority(t *testing.T) {
	records := []Record{
		{ASN: 701, AbuserScore: 0.1},
		{ASN: 9009, AbuserScore: 0.9},
		{ASN: 14061, AbuserScore: 0.1},
		{ASN: 4134, AbuserScore: 0.5},
		{ASN: 9009, AbuserScore: 0.9}, // duplicate
	}
	got := ByPriority(records)
	// Descending score, ties broken by ascending ASN.
	want := []int{9009, 4134, 701, 14061}
	if len(got) != len(want) {
		t.Fatalf("ByPriority() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("ByPriority()[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}
