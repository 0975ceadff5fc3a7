package ledger

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cost.db")
	l, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestAddIsAdditive(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.Add(ctx, "alice@example.com", 0.5))
	require.NoError(t, l.Add(ctx, "alice@example.com", 0.25))
	sum, err := l.Sum(ctx, "alice@example.com", 1)
	require.NoError(t, err)
	assert.InDelta(t, 0.75, sum, 1e-9)
}

func TestAddRejectsNegative(t *testing.T) {
	l := openTestLedger(t)
	if err := l.Add(context.Background(), "alice@example.com", -1); err == nil {
		t.Error("Add with negative delta: want error, got nil")
	}
}

func TestSetCostIsIdempotent(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	date := today()
	require.NoError(t, l.SetCost(ctx, "bob@example.com", date, 3.0))
	require.NoError(t, l.SetCost(ctx, "bob@example.com", date, 3.0))
	usage, err := l.UsageFor(ctx, "bob@example.com", 30)
	require.NoError(t, err)
	assert.InDelta(t, 3.0, usage.Cost, 1e-9, "setCost must not accumulate")

	require.NoError(t, l.SetCost(ctx, "bob@example.com", date, 7.5))
	usage, err = l.UsageFor(ctx, "bob@example.com", 30)
	require.NoError(t, err)
	assert.InDelta(t, 7.5, usage.Cost, 1e-9, "setCost overwrite")
}

func TestUsageForOnlyIncludesWindow(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	if err := l.SetCost(ctx, "carol@example.com", "2000-01-01", 100.0); err != nil {
		t.Fatalf("SetCost: %v", err)
	}
	if err := l.Add(ctx, "carol@example.com", 1.0); err != nil {
		t.Fatalf("Add: %v", err)
	}

	usage, err := l.UsageFor(ctx, "carol@example.com", 1)
	if err != nil {
		t.Fatalf("UsageFor: %v", err)
	}
	if usage.Cost != 1.0 {
		t.Errorf("Cost = %v, want 1.0 (old row must fall outside 1-day window)", usage.Cost)
	}
	if len(usage.Rows) != 1 {
		t.Errorf("Rows = %d, want 1", len(usage.Rows))
	}
}

func TestSumIsolatedPerEmail(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	if err := l.Add(ctx, "dan@example.com", 2.0); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := l.Add(ctx, "erin@example.com", 9.0); err != nil {
		t.Fatalf("Add: %v", err)
	}
	sum, err := l.Sum(ctx, "dan@example.com", 1)
	if err != nil {
		t.Fatalf("Sum: %v", err)
	}
	if sum != 2.0 {
		t.Errorf("Sum(dan) = %v, want 2.0", sum)
	}
}

func TestAllUsageSortedAndComplete(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	if err := l.Add(ctx, "zed@example.com", 1.0); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := l.Add(ctx, "amy@example.com", 2.0); err != nil {
		t.Fatalf("Add: %v", err)
	}
	rows, err := l.AllUsage(ctx)
	if err != nil {
		t.Fatalf("AllUsage: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("len(rows) = %d, want 2", len(rows))
	}
	if rows[0].Email != "amy@example.com" || rows[1].Email != "zed@example.com" {
		t.Errorf("rows not sorted by email: %+v", rows)
	}
}
