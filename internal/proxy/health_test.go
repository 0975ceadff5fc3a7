package proxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestCheckerProbeOnceRecordsOnlineStatus(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	c := NewChecker(nil, map[string]string{"test": upstream.URL})
	c.probeOnce(context.Background())

	h, ok := c.Snapshot("test")
	if !ok {
		t.Fatal("expected a snapshot to be recorded")
	}
	if h.Status != "online" {
		t.Errorf("status = %q, want online", h.Status)
	}
	all := c.SnapshotAll()
	if got, ok := all["test"]; !ok || got.Status != "online" {
		t.Errorf("SnapshotAll = %+v, want test entry online", all)
	}
}

func TestCheckerProbeOnceRecordsUnreachable(t *testing.T) {
	c := NewChecker(nil, map[string]string{"test": "http://127.0.0.1:1"})
	c.probeOnce(context.Background())

	h, ok := c.Snapshot("test")
	if !ok {
		t.Fatal("expected a snapshot to be recorded")
	}
	if h.Status != "unreachable" {
		t.Errorf("status = %q, want unreachable", h.Status)
	}
}

func TestCheckerRunStopsOnContextCancel(t *testing.T) {
	// A probe target keeps the probe loop alive until ctx is cancelled.
	c := NewChecker(nil, map[string]string{"test": "http://127.0.0.1:1"})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := c.Run(ctx); err != nil {
		t.Errorf("Run returned %v, want nil", err)
	}
}
