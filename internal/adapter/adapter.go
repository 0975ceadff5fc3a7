// Package adapter defines the Provider Adapter contract and a registry of
// the three HTTP-shape adapters (OpenAI, OpenRouter, Gemini) plus the
// similarity direct-result adapter, keyed by provider name.
package adapter

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/aipipe/gateway/internal/adapter/openrouterdir"
	"github.com/aipipe/gateway/internal/pricing"
	"github.com/aipipe/gateway/internal/sse"
)

// Request is one inbound proxy request after bearer classification.
type Request struct {
	Path   string
	Method string
	Header http.Header
	Body   []byte
	Native bool
}

// ProxySpec is a rewritten upstream request to forward verbatim.
//
// UsageFallback, when set, resolves usage out-of-band after the upstream
// response carried none (Gemini's embedContent omits usageMetadata on some
// API versions; the adapter charges via a countTokens side-call instead).
type ProxySpec struct {
	URL    string
	Header http.Header
	Body   []byte

	UsageFallback func(ctx context.Context) (model string, usage pricing.Usage, err error)
}

// DirectResult is a self-produced JSON response (the similarity adapter).
type DirectResult struct {
	Body  []byte
	Model string
	Usage pricing.Usage
}

// Failure is a client-facing error short-circuiting the pipeline.
type Failure struct {
	Code    int
	Message string
}

// TransformResult is the union return of Adapter.Transform: exactly one of
// Proxy, Direct, or Err is set.
type TransformResult struct {
	Proxy  *ProxySpec
	Direct *DirectResult
	Err    *Failure
}

// Env carries process-wide, per-provider configuration and shared clients
// an adapter needs to do its work.
type Env struct {
	OpenRouterKey string
	OpenAIKey     string
	GeminiKey     string
	Pricing       *pricing.Table
	Directory     *openrouterdir.Directory
	HTTPClient    *http.Client

	// Base URL overrides, empty meaning "use the canonical upstream
	// origin". Exercised by tests and by operators pointing at regional
	// mirrors or local stand-ins.
	OpenAIBaseURL     string
	OpenRouterBaseURL string
	GeminiBaseURL     string
}

// Adapter is the uniform per-provider contract: rewrite a request, extract
// usage from a parsed event, and price that usage.
type Adapter interface {
	Transform(ctx context.Context, req Request, env *Env) TransformResult
	Cost(ctx context.Context, model string, usage pricing.Usage, env *Env) float64
	Parse(event map[string]any) (sse.Frame, bool)
}

var (
	mu       sync.RWMutex
	registry = map[string]Adapter{}
)

// Register adds or replaces the adapter bound to name.
func Register(name string, a Adapter) {
	mu.Lock()
	defer mu.Unlock()
	registry[name] = a
}

// Lookup returns the adapter registered under name.
func Lookup(name string) (Adapter, bool) {
	mu.RLock()
	defer mu.RUnlock()
	a, ok := registry[name]
	return a, ok
}

// Names returns the set of currently registered provider names, for route
// classification and diagnostics.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	return names
}

func fail(code int, format string, args ...any) TransformResult {
	return TransformResult{Err: &Failure{Code: code, Message: fmt.Sprintf(format, args...)}}
}

// FilteredHeader clones src, dropping hop-by-hop and platform-injected
// fields that must never be forwarded verbatim to an upstream.
func FilteredHeader(src http.Header) http.Header {
	out := make(http.Header, len(src))
	for k, v := range src {
		switch {
		case http.CanonicalHeaderKey(k) == "Content-Length":
			continue
		case http.CanonicalHeaderKey(k) == "Host":
			continue
		case http.CanonicalHeaderKey(k) == "Connection":
			continue
		case http.CanonicalHeaderKey(k) == "Accept-Encoding":
			continue
		case len(k) >= 3 && (k[:3] == "Cf-" || k[:3] == "CF-" || k[:3] == "cf-"):
			continue
		default:
			out[k] = append([]string(nil), v...)
		}
	}
	return out
}
