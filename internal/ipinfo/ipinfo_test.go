package ipinfo

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFetchCIDRs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/text/list/AS14061" {
			t.Errorf("path = %q", r.URL.Path)
		}
		fmt.Fprint(w, "104.16.0.0/13\n\n5.2.64.0/21\n  \n")
	}))
	defer srv.Close()

	c := NewClient()
	c.SetBaseURL(srv.URL)

	cidrs, err := c.FetchCIDRs(context.Background(), 14061)
	if err != nil {
		t.Fatalf("FetchCIDRs() error: %v", err)
	}
	want := []string{"104.16.0.0/13", "5.2.64.0/21"}
	if len(cidrs) != len(want) {
		t.Fatalf("cidrs = %v, want %v", cidrs, want)
	}
	for i := range want {
		if cidrs[i] != want[i] {
			t.Errorf("cidrs[%d] = %q, want %q", i, cidrs[i], want[i])
		}
	}
}

func TestFetchCIDRsStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "too many requests", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClient()
	c.SetBaseURL(srv.URL)
	if _, err := c.FetchCIDRs(context.Background(), 14061); err == nil {
		t.Fatal("FetchCIDRs() error = nil, want error")
	}
}

func TestFetchAll(t *testing.T) {
	responses := map[string]string{
		"/api/text/list/AS701":  "198.51.100.0/24\n",
		"/api/text/list/AS9009": "5.2.64.0/21\n198.51.100.0/24\n",
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := responses[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, body)
	}))
	defer srv.Close()

	c := NewClient()
	c.SetBaseURL(srv.URL)

	// AS4134 404s and is skipped; the union still comes back.
	set, err := c.FetchAll(context.Background(), []int{701, 4134, 9009}, 0, discard())
	if err != nil {
		t.Fatalf("FetchAll() error: %v", err)
	}
	if len(set) != 2 || !set["198.51.100.0/24"] || !set["5.2.64.0/21"] {
		t.Errorf("set = %v", set)
	}
}

func TestFetchAllCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewClient()
	if _, err := c.FetchAll(ctx, []int{701}, 0, discard()); err == nil {
		t.Fatal("FetchAll() with cancelled context: want error, got nil")
	}
}
