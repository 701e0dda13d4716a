package ipapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSplitAbuserScore(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		wantScore string
		wantRank  string
	}{
		{"combined", "0.0154 (Elevated)", "0.0154", "Elevated"},
		{"high rank", "0.9921 (Very High)", "0.9921", "Very High"},
		{"already split", "0.0154", "0.0154", ""},
		{"empty", "", "", ""},
		{"padded", "  0.5 (Low)  ", "0.5", "Low"},
		{"unexpected shape", "Elevated", "Elevated", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score, rank := SplitAbuserScore(tt.in)
			if score != tt.wantScore || rank != tt.wantRank {
				t.Errorf("SplitAbuserScore(%q) = (%q, %q), want (%q, %q)",
					tt.in, score, rank, tt.wantScore, tt.wantRank)
			}
		})
	}
}

func TestDetailScore(t *testing.T) {
	tests := []struct {
		in   string
		want float64
	}{
		{"0.0154", 0.0154},
		{"", 0},
		{"garbage", 0},
	}
	for _, tt := range tests {
		d := &Detail{AbuserScore: tt.in}
		if got := d.Score(); got != tt.want {
			t.Errorf("Score() with %q = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestDetailFetchedAt(t *testing.T) {
	d := &Detail{Fetched: "2026-08-01T12:00:00Z"}
	want := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	if got := d.FetchedAt(); !got.Equal(want) {
		t.Errorf("FetchedAt() = %v, want %v", got, want)
	}

	for _, raw := range []string{"", "not-a-timestamp"} {
		d := &Detail{Fetched: raw}
		if !d.FetchedAt().IsZero() {
			t.Errorf("FetchedAt() with %q = %v, want zero", raw, d.FetchedAt())
		}
	}
}

func TestFetchASN(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("q"); got != "AS14061" {
			t.Errorf("q = %q, want AS14061", got)
		}
		if got := r.URL.Query().Get("key"); got != "test-key" {
			t.Errorf("key = %q, want test-key", got)
		}
		w.Write([]byte(`{
			"asn": 14061,
			"org": "DigitalOcean, LLC",
			"country": "US",
			"active": true,
			"type": "hosting",
			"abuser_score": "0.0154 (Elevated)",
			"prefixes": ["104.16.0.0/13"]
		}`))
	}))
	defer srv.Close()

	c := NewClient("test-key")
	c.SetBaseURL(srv.URL)

	detail, err := c.FetchASN(context.Background(), 14061)
	if err != nil {
		t.Fatalf("FetchASN() error: %v", err)
	}
	if detail.ASN != 14061 || detail.Org != "DigitalOcean, LLC" || !detail.Active {
		t.Errorf("detail = %+v", detail)
	}
	if detail.AbuserScore != "0.0154" || detail.AbuseRank != "Elevated" {
		t.Errorf("score not split: score=%q rank=%q", detail.AbuserScore, detail.AbuseRank)
	}
	if !detail.HasPrefixes() {
		t.Error("HasPrefixes() = false, want true")
	}
}

func TestFetchASNErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
	}{
		{"server error", http.StatusInternalServerError, "boom"},
		{"rate limited", http.StatusForbidden, "slow down"},
		{"undecodable body", http.StatusOK, "not json"},
		{"missing asn field", http.StatusOK, `{"org": "nobody"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := NewClient("test-key")
			c.SetBaseURL(srv.URL)
			if _, err := c.FetchASN(context.Background(), 14061); err == nil {
				t.Fatal("FetchASN() error = nil, want error")
			}
		})
	}
}

func TestDetailFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	want := &Detail{
		ASN:          9009,
		Org:          "M247 Europe SRL",
		Active:       true,
		Type:         "hosting",
		AbuserScore:  "0.0467",
		AbuseRank:    "Elevated",
		Prefixes:     []string{"5.2.64.0/21"},
		PrefixesIPv6: []string{"2a02:748::/32"},
		Fetched:      "2026-08-01T12:00:00Z",
	}

	path := CachePath(dir, want.ASN)
	if err := WriteDetail(path, want); err != nil {
		t.Fatalf("WriteDetail() error: %v", err)
	}
	got, err := ReadDetail(path)
	if err != nil {
		t.Fatalf("ReadDetail() error: %v", err)
	}
	if got.ASN != want.ASN || got.Org != want.Org || got.AbuserScore != want.AbuserScore {
		t.Errorf("round trip: got %+v, want %+v", got, want)
	}
	if len(got.Prefixes) != 1 || got.Prefixes[0] != want.Prefixes[0] {
		t.Errorf("Prefixes = %v", got.Prefixes)
	}
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()

	for _, d := range []*Detail{
		{ASN: 14061, Org: "DigitalOcean"},
		{ASN: 9009, Org: "M247"},
	} {
		if err := WriteDetail(CachePath(dir, d.ASN), d); err != nil {
			t.Fatal(err)
		}
	}
	// Broken files are reported and skipped, never fatal.
	if err := os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "noasn.json"), []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignore me"), 0o644); err != nil {
		t.Fatal(err)
	}

	var brokenNames []string
	details, err := LoadDir(dir, func(name string, err error) {
		brokenNames = append(brokenNames, name)
	})
	if err != nil {
		t.Fatalf("LoadDir() error: %v", err)
	}

	if len(details) != 2 {
		t.Errorf("got %d details, want 2", len(details))
	}
	if details[14061] == nil || details[14061].Org != "DigitalOcean" {
		t.Errorf("details[14061] = %+v", details[14061])
	}
	if len(brokenNames) != 2 {
		t.Errorf("broken callback fired for %v, want [broken.json noasn.json]", brokenNames)
	}
}
