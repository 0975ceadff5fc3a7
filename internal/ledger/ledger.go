// Package ledger implements the Cost Ledger: a single-writer, per-(email,
// date) cumulative-cost store backed by an embedded SQLite database.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// DayEntry is one row of a usage breakdown: the cost accrued on a single
// UTC calendar day.
type DayEntry struct {
	Date string  `json:"date"`
	Cost float64 `json:"cost"`
}

// Usage is the response shape for a self-usage or admin usage query.
type Usage struct {
	Email string     `json:"email"`
	Date  string     `json:"date,omitempty"`
	Cost  float64    `json:"cost"`
	Days  int        `json:"days,omitempty"`
	Rows  []DayEntry `json:"usage,omitempty"`
}

// Ledger is the cost ledger's single writer. Every operation, reads
// included, is additionally serialized by an internal mutex on top of
// SQLite's single open connection. Add is one UPSERT statement
// (cost = cost + excluded.cost), so each increment is atomic in SQLite
// itself.
type Ledger struct {
	mu sync.Mutex
	db *sql.DB

	addStmt   *sql.Stmt
	setStmt   *sql.Stmt
	sumStmt   *sql.Stmt
	rangeStmt *sql.Stmt
	allStmt   *sql.Stmt
}

// Open opens (creating if necessary) the SQLite-backed ledger at path.
// Connection settings mirror the single-writer constraint SQLite itself
// imposes: one open connection, WAL mode, a busy timeout so concurrent
// readers don't immediately fail against the writer.
func Open(path string) (*Ledger, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	l := &Ledger{db: db}
	if err := l.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	if err := l.prepareStatements(); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

func (l *Ledger) initSchema() error {
	_, err := l.db.Exec(`
		CREATE TABLE IF NOT EXISTS cost (
			email TEXT NOT NULL,
			date  TEXT NOT NULL,
			cost  REAL NOT NULL DEFAULT 0,
			PRIMARY KEY (email, date)
		);
	`)
	return err
}

func (l *Ledger) prepareStatements() error {
	var err error
	l.addStmt, err = l.db.Prepare(`
		INSERT INTO cost (email, date, cost) VALUES (?, ?, ?)
		ON CONFLICT(email, date) DO UPDATE SET cost = cost + excluded.cost
	`)
	if err != nil {
		return fmt.Errorf("ledger: prepare add: %w", err)
	}
	l.setStmt, err = l.db.Prepare(`
		INSERT INTO cost (email, date, cost) VALUES (?, ?, ?)
		ON CONFLICT(email, date) DO UPDATE SET cost = excluded.cost
	`)
	if err != nil {
		return fmt.Errorf("ledger: prepare set: %w", err)
	}
	l.sumStmt, err = l.db.Prepare(`
		SELECT COALESCE(SUM(cost), 0) FROM cost WHERE email = ? AND date >= ?
	`)
	if err != nil {
		return fmt.Errorf("ledger: prepare sum: %w", err)
	}
	l.rangeStmt, err = l.db.Prepare(`
		SELECT date, cost FROM cost WHERE email = ? AND date >= ? ORDER BY date ASC
	`)
	if err != nil {
		return fmt.Errorf("ledger: prepare range: %w", err)
	}
	l.allStmt, err = l.db.Prepare(`
		SELECT email, date, cost FROM cost ORDER BY email ASC, date ASC
	`)
	if err != nil {
		return fmt.Errorf("ledger: prepare all: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (l *Ledger) Close() error {
	return l.db.Close()
}

func today() string {
	return time.Now().UTC().Format("2006-01-02")
}

func daysAgo(n int) string {
	return time.Now().UTC().AddDate(0, 0, -(n - 1)).Format("2006-01-02")
}

// Add debits delta dollars against email's ledger row for today's UTC date.
// delta must be non-negative.
func (l *Ledger) Add(ctx context.Context, email string, delta float64) error {
	if delta < 0 {
		return fmt.Errorf("ledger: add delta must be non-negative, got %v", delta)
	}
	if delta == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.addStmt.ExecContext(ctx, email, today(), delta)
	if err != nil {
		return fmt.Errorf("ledger: add: %w", err)
	}
	return nil
}

// SetCost unconditionally overwrites email's ledger row for date with value.
func (l *Ledger) SetCost(ctx context.Context, email, date string, value float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.setStmt.ExecContext(ctx, email, date, value)
	if err != nil {
		return fmt.Errorf("ledger: setCost: %w", err)
	}
	return nil
}

// Sum returns the sum of cost across the most recent `days` UTC calendar
// days (inclusive of today) for email.
func (l *Ledger) Sum(ctx context.Context, email string, days int) (float64, error) {
	if days <= 0 {
		days = 1
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	var sum float64
	err := l.sumStmt.QueryRowContext(ctx, email, daysAgo(days)).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("ledger: sum: %w", err)
	}
	return sum, nil
}

// UsageFor returns the per-day breakdown and total for email over the most
// recent `days` UTC calendar days.
func (l *Ledger) UsageFor(ctx context.Context, email string, days int) (Usage, error) {
	if days <= 0 {
		days = 1
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	rows, err := l.rangeStmt.QueryContext(ctx, email, daysAgo(days))
	if err != nil {
		return Usage{}, fmt.Errorf("ledger: usage: %w", err)
	}
	defer rows.Close()

	out := Usage{Email: email, Days: days, Rows: []DayEntry{}}
	for rows.Next() {
		var d DayEntry
		if err := rows.Scan(&d.Date, &d.Cost); err != nil {
			return Usage{}, fmt.Errorf("ledger: usage scan: %w", err)
		}
		out.Rows = append(out.Rows, d)
		out.Cost += d.Cost
	}
	if err := rows.Err(); err != nil {
		return Usage{}, fmt.Errorf("ledger: usage rows: %w", err)
	}
	return out, nil
}

// AllUsage returns every (email, date, cost) row in the ledger, sorted by
// email then date, for the admin full-scan operation.
func (l *Ledger) AllUsage(ctx context.Context) ([]struct {
	Email string  `json:"email"`
	Date  string  `json:"date"`
	Cost  float64 `json:"cost"`
}, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rows, err := l.allStmt.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger: allUsage: %w", err)
	}
	defer rows.Close()

	type row struct {
		Email string  `json:"email"`
		Date  string  `json:"date"`
		Cost  float64 `json:"cost"`
	}
	var out []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.Email, &r.Date, &r.Cost); err != nil {
			return nil, fmt.Errorf("ledger: allUsage scan: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: allUsage rows: %w", err)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Email != out[j].Email {
			return out[i].Email < out[j].Email
		}
		return out[i].Date < out[j].Date
	})
	result := make([]struct {
		Email string  `json:"email"`
		Date  string  `json:"date"`
		Cost  float64 `json:"cost"`
	}, len(out))
	for i, r := range out {
		result[i] = r
	}
	return result, nil
}
