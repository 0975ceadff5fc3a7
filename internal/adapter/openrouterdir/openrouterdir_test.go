package openrouterdir

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestParseRate(t *testing.T) {
	cases := []struct {
		raw  string
		want float64
	}{
		{"", 0},
		{"0.000001", 0.000001},
		{"0.0000025", 0.0000025},
	}
	for _, tc := range cases {
		if got := parseRate(tc.raw); got != tc.want {
			t.Errorf("parseRate(%q) = %v, want %v", tc.raw, got, tc.want)
		}
	}
}

func TestLookupRefreshesWholeCacheOnMiss(t *testing.T) {
	var fetches atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[{"id":"vendor/model-a","pricing":{"prompt":"0.000001","completion":"0.000002","request":"0","image":"0","internal_reasoning":"0"}}]}`))
	}))
	defer srv.Close()

	d := New("")
	d.ModelsURL = srv.URL

	entry, ok, err := d.Lookup(context.Background(), "vendor/model-a")
	if err != nil || !ok {
		t.Fatalf("Lookup = (%+v, %v, %v), want hit after refresh", entry, ok, err)
	}
	if entry.Rates.Prompt != 0.000001 || entry.Rates.Completion != 0.000002 {
		t.Errorf("rates = %+v", entry.Rates)
	}
	if fetches.Load() != 1 {
		t.Fatalf("fetches = %d, want 1", fetches.Load())
	}

	// A second hit must come from the in-memory cache, not a refetch.
	if _, ok, _ := d.Lookup(context.Background(), "vendor/model-a"); !ok {
		t.Fatal("expected cached hit")
	}
	if fetches.Load() != 1 {
		t.Errorf("fetches = %d after cached lookup, want still 1", fetches.Load())
	}

	// A miss on an absent model refetches but stays a miss.
	if _, ok, err := d.Lookup(context.Background(), "vendor/ghost"); ok || err != nil {
		t.Errorf("Lookup(ghost) = (_, %v, %v), want miss without error", ok, err)
	}
	if fetches.Load() != 2 {
		t.Errorf("fetches = %d after miss, want 2", fetches.Load())
	}
}
