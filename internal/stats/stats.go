// Package stats keeps a small in-memory, bounded record of recent pipeline
// requests per provider for the read-only GET /admin/stats snapshot. It is
// purely observational: nothing here is persisted or consulted by the
// admission path.
package stats

import (
	"sync"
	"time"
)

const ringSize = 256

// Event is one completed pipeline request.
type Event struct {
	Provider  string
	Status    int
	LatencyMS int64
	Metered   bool
	At        time.Time
}

type providerStats struct {
	ring       [ringSize]Event
	next       int
	count      int
	requests   int
	errors     int
	latencySum int64
}

// Store is a process-wide, mutex-guarded ring buffer of recent requests,
// bucketed per provider.
type Store struct {
	mu        sync.Mutex
	providers map[string]*providerStats
}

// New returns an empty Store.
func New() *Store {
	return &Store{providers: map[string]*providerStats{}}
}

// Record appends an event to its provider's ring buffer, overwriting the
// oldest entry once the buffer is full.
func (s *Store) Record(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.providers[ev.Provider]
	if !ok {
		p = &providerStats{}
		s.providers[ev.Provider] = p
	}
	p.ring[p.next] = ev
	p.next = (p.next + 1) % ringSize
	if p.count < ringSize {
		p.count++
	}
	p.requests++
	p.latencySum += ev.LatencyMS
	if ev.Status >= 400 {
		p.errors++
	}
}

// ProviderSnapshot is the read-only view of one provider's recent activity.
type ProviderSnapshot struct {
	Provider       string  `json:"provider"`
	Requests       int     `json:"requests"`
	Errors         int     `json:"errors"`
	AvgLatencyMS   float64 `json:"avg_latency_ms"`
	RecentRequests int     `json:"recent_requests"`
}

// Snapshot returns a stable copy of every provider's aggregate counters.
func (s *Store) Snapshot() []ProviderSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ProviderSnapshot, 0, len(s.providers))
	for name, p := range s.providers {
		avg := 0.0
		if p.requests > 0 {
			avg = float64(p.latencySum) / float64(p.requests)
		}
		out = append(out, ProviderSnapshot{
			Provider:       name,
			Requests:       p.requests,
			Errors:         p.errors,
			AvgLatencyMS:   avg,
			RecentRequests: p.count,
		})
	}
	return out
}
