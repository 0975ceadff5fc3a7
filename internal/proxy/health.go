package proxy

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aipipe/gateway/internal/adapter/openrouterdir"
)

const (
	directoryRefreshInterval = 15 * time.Minute
	providerProbeInterval    = 5 * time.Minute
	probeTimeout             = 5 * time.Second
)

// ProviderHealth is the last-observed reachability of one provider origin.
type ProviderHealth struct {
	Status     string    `json:"status"`
	ResponseMS int64     `json:"response_ms"`
	CheckedAt  time.Time `json:"checked_at"`
}

// Checker runs the OpenRouter model-directory refresh and a lightweight
// provider reachability probe concurrently with request serving.
type Checker struct {
	directory *openrouterdir.Directory
	client    *http.Client
	probes    map[string]string // name -> base URL

	mu     sync.RWMutex
	byName map[string]ProviderHealth
}

// NewChecker builds a Checker that refreshes dir and probes the given
// name->baseURL origins on independent tickers.
func NewChecker(dir *openrouterdir.Directory, probes map[string]string) *Checker {
	return &Checker{
		directory: dir,
		client:    &http.Client{Timeout: probeTimeout},
		probes:    probes,
		byName:    map[string]ProviderHealth{},
	}
}

// Run blocks until ctx is done, running the directory refresh loop and the
// provider probe loop concurrently via errgroup. A probe error is recorded
// in the health snapshot; a directory refresh error is discarded. Neither
// is fatal to the group.
func (c *Checker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c.refreshLoop(ctx)
		return nil
	})
	g.Go(func() error {
		c.probeLoop(ctx)
		return nil
	})
	return g.Wait()
}

func (c *Checker) refreshLoop(ctx context.Context) {
	if c.directory == nil {
		return
	}
	_ = c.directory.Refresh(ctx)
	t := time.NewTicker(directoryRefreshInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			_ = c.directory.Refresh(ctx)
		}
	}
}

func (c *Checker) probeLoop(ctx context.Context) {
	if len(c.probes) == 0 {
		return
	}
	c.probeOnce(ctx)
	t := time.NewTicker(providerProbeInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.probeOnce(ctx)
		}
	}
}

func (c *Checker) probeOnce(ctx context.Context) {
	for name, base := range c.probes {
		start := time.Now()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, base, nil)
		status := "online"
		if err != nil {
			status = "error"
		} else if resp, err := c.client.Do(req); err != nil {
			status = "unreachable"
		} else {
			resp.Body.Close()
		}
		c.mu.Lock()
		c.byName[name] = ProviderHealth{
			Status:     status,
			ResponseMS: time.Since(start).Milliseconds(),
			CheckedAt:  start,
		}
		c.mu.Unlock()
	}
}

// Snapshot returns the last-observed health for name.
func (c *Checker) Snapshot(name string) (ProviderHealth, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.byName[name]
	return h, ok
}

// SnapshotAll returns the last-observed health of every probed provider.
func (c *Checker) SnapshotAll() map[string]ProviderHealth {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]ProviderHealth, len(c.byName))
	for name, h := range c.byName {
		out[name] = h
	}
	return out
}
