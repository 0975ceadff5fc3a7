// Package openrouterdir maintains a lazily-refreshed, whole-cache-swap
// mirror of OpenRouter's /api/v1/models directory, used by the
// OpenRouter-shape adapter to price requests by live per-token rates.
package openrouterdir

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/aipipe/gateway/internal/cache"
)

// Rates are OpenRouter's advertised per-token (not per-million) dollar
// rates for a model, as returned under the "pricing" key of each entry.
type Rates struct {
	Prompt            float64
	Completion        float64
	Request           float64
	Image             float64
	InternalReasoning float64
}

// Entry is one model's directory record.
type Entry struct {
	ID    string
	Rates Rates
}

const modelsURL = "https://openrouter.ai/api/v1/models"

// wireEntry mirrors OpenRouter's JSON shape, where pricing fields arrive as
// decimal strings.
type wireEntry struct {
	ID      string `json:"id"`
	Pricing struct {
		Prompt            string `json:"prompt"`
		Completion        string `json:"completion"`
		Request           string `json:"request"`
		Image             string `json:"image"`
		InternalReasoning string `json:"internal_reasoning"`
	} `json:"pricing"`
}

type wireResponse struct {
	Data []wireEntry `json:"data"`
}

// Directory holds the current model list behind an atomic pointer swap, so
// readers never block on a refresh and a miss triggers exactly one
// full-cache replacement.
type Directory struct {
	client   *http.Client
	seedPath string
	current  atomic.Pointer[map[string]Entry]

	// ModelsURL overrides the live endpoint, empty meaning the canonical
	// OpenRouter directory. Set before first use; not safe to change after.
	ModelsURL string
}

// New builds a Directory. seedPath, if non-empty, is an on-disk cache used
// to avoid an empty directory immediately after a process restart; it is
// best-effort and ignored on any read error.
func New(seedPath string) *Directory {
	d := &Directory{
		client:   &http.Client{Timeout: 15 * time.Second},
		seedPath: seedPath,
	}
	var seeded map[string]Entry
	if seedPath != "" {
		if err := cache.LoadJSON(seedPath, &seeded); err == nil {
			d.current.Store(&seeded)
		}
	}
	return d
}

// Lookup returns the directory entry for model, refreshing the whole cache
// from the live endpoint on a miss.
func (d *Directory) Lookup(ctx context.Context, model string) (Entry, bool, error) {
	if m := d.current.Load(); m != nil {
		if e, ok := (*m)[model]; ok {
			return e, true, nil
		}
	}
	if err := d.Refresh(ctx); err != nil {
		return Entry{}, false, err
	}
	m := d.current.Load()
	if m == nil {
		return Entry{}, false, nil
	}
	e, ok := (*m)[model]
	return e, ok, nil
}

// Refresh replaces the entire in-memory directory with a fresh fetch.
func (d *Directory) Refresh(ctx context.Context) error {
	url := d.ModelsURL
	if url == "" {
		url = modelsURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("openrouterdir: fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("openrouterdir: fetch status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return err
	}
	var wire wireResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return fmt.Errorf("openrouterdir: decode: %w", err)
	}

	m := make(map[string]Entry, len(wire.Data))
	for _, w := range wire.Data {
		m[w.ID] = Entry{
			ID: w.ID,
			Rates: Rates{
				Prompt:            parseRate(w.Pricing.Prompt),
				Completion:        parseRate(w.Pricing.Completion),
				Request:           parseRate(w.Pricing.Request),
				Image:             parseRate(w.Pricing.Image),
				InternalReasoning: parseRate(w.Pricing.InternalReasoning),
			},
		}
	}
	d.current.Store(&m)
	if d.seedPath != "" {
		_ = cache.SaveJSON(d.seedPath, m)
	}
	return nil
}

func parseRate(raw string) float64 {
	if raw == "" {
		return 0
	}
	var v float64
	_, err := fmt.Sscanf(raw, "%g", &v)
	if err != nil {
		return 0
	}
	return v
}
