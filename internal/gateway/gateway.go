// Package gateway implements the route classifier and the end-to-end
// request-dispatch pipeline: authenticate, admit against budget, rewrite
// via the matched provider adapter, forward upstream, meter the response.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/aipipe/gateway/internal/adapter"
	"github.com/aipipe/gateway/internal/config"
	"github.com/aipipe/gateway/internal/httperr"
	"github.com/aipipe/gateway/internal/ledger"
	"github.com/aipipe/gateway/internal/logutil"
	"github.com/aipipe/gateway/internal/sse"
	"github.com/aipipe/gateway/internal/stats"
	"github.com/aipipe/gateway/internal/token"
)

// Server ties the identity, budget, adapter, and metering subsystems into
// one chi.Router and tracks in-flight pipeline requests for graceful
// drain.
type Server struct {
	cfg    *config.Store
	tokens *token.Service
	ledger *ledger.Ledger
	env    *adapter.Env
	stats  *stats.Store

	Router chi.Router

	activeRequests atomic.Int64
	draining       atomic.Bool
}

// Mounter lets other packages (admin operations, URL pass-through) attach
// their own routes onto the gateway's router without an import cycle.
type Mounter interface {
	Mount(r chi.Router)
}

// New builds a Server and its router, with the given extra mounters
// attached (typically the admin operations and proxy pass-through
// handlers).
func New(cfg *config.Store, tokens *token.Service, led *ledger.Ledger, env *adapter.Env, st *stats.Store, mounters ...Mounter) *Server {
	s := &Server{cfg: cfg, tokens: tokens, ledger: led, env: env, stats: st}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(middleware.RealIP)
	r.Use(s.lifecycleMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/token", s.handleMint)
	r.Post("/token", s.handleMint)
	r.Get("/usage", s.handleSelfUsage)

	for _, m := range mounters {
		m.Mount(r)
	}

	r.HandleFunc("/{provider}", s.handlePipeline)
	r.HandleFunc("/{provider}/*", s.handlePipeline)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		httperr.NotFound(w, "Unknown provider")
	})

	s.Router = r
	return s
}

// ServeHTTP makes Server usable directly as an http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

// requestIDMiddleware stamps every request with a uuid, threaded onto the
// response as X-Request-Id and into chi's RequestID context slot so log
// lines and downstream handlers share the same trace id.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set("X-Request-Id", id)
		ctx := context.WithValue(r.Context(), middleware.RequestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		w.Header().Set("Access-Control-Expose-Headers", "*")
		if r.Method == http.MethodOptions {
			if reqHeaders := r.Header.Get("Access-Control-Request-Headers"); reqHeaders != "" {
				w.Header().Set("Access-Control-Allow-Headers", reqHeaders)
			}
			w.Header().Set("Access-Control-Max-Age", "86400")
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// lifecycleMiddleware tracks in-flight provider-branch requests so
// Drain can wait for them before the listener closes.
func (s *Server) lifecycleMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		isPipelineReq := isProviderPath(r.URL.Path)
		if isPipelineReq && s.draining.Load() {
			w.Header().Set("Retry-After", "3")
			httperr.Write(w, http.StatusServiceUnavailable, "server shutting down")
			return
		}
		if isPipelineReq {
			s.activeRequests.Add(1)
			defer s.activeRequests.Add(-1)
		}
		next.ServeHTTP(w, r)
	})
}

func isProviderPath(path string) bool {
	switch {
	case path == "/token", path == "/usage":
		return false
	case strings.HasPrefix(path, "/admin/"):
		return false
	case strings.HasPrefix(path, "/proxy/"):
		return false
	default:
		return true
	}
}

// Drain marks the server draining and blocks until in-flight provider
// requests finish or ctx is done.
func (s *Server) Drain(ctx context.Context) {
	s.draining.Store(true)
	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()
	for {
		if s.activeRequests.Load() <= 0 {
			logutil.Logger().Info("shutdown: pipeline idle")
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	credential := r.URL.Query().Get("credential")
	if credential == "" {
		httperr.BadRequest(w, "missing credential")
		return
	}
	email, err := s.tokens.VerifyExternalCredential(r.Context(), credential)
	if err != nil {
		httperr.Unauthorized(w, "credential could not be verified")
		return
	}
	cfg := s.cfg.Snapshot()
	salt := func(e string) (string, bool) { return cfg.SaltFor(e) }
	raw, err := s.tokens.Mint(email, salt)
	if err != nil {
		httperr.Internal(w, "failed to mint token")
		return
	}
	httperr.WriteJSON(w, http.StatusOK, map[string]any{"token": raw, "email": email})
}

func (s *Server) handleSelfUsage(w http.ResponseWriter, r *http.Request) {
	bearer := token.BearerToken(r.Header)
	if bearer == "" {
		httperr.Unauthorized(w, "missing bearer token")
		return
	}
	if _, ok := token.IsNativeKey(bearer); ok {
		httperr.Unauthorized(w, "requires AIPipe JWT token")
		return
	}
	cfg := s.cfg.Snapshot()
	salt := func(e string) (string, bool) { return cfg.SaltFor(e) }
	claims, err := s.tokens.Verify(bearer, salt)
	if err != nil {
		writeVerifyError(w, err)
		return
	}
	policy := cfg.BudgetFor(claims.Email)
	usage, err := s.ledger.UsageFor(r.Context(), claims.Email, policy.Days)
	if err != nil {
		httperr.Internal(w, "failed to load usage")
		return
	}
	httperr.WriteJSON(w, http.StatusOK, map[string]any{
		"email": usage.Email,
		"days":  usage.Days,
		"cost":  usage.Cost,
		"usage": usage.Rows,
		"limit": policy.Limit,
	})
}

func writeVerifyError(w http.ResponseWriter, err error) {
	switch err {
	case token.ErrRevoked:
		httperr.Unauthorized(w, "token is no longer valid")
	default:
		httperr.Unauthorized(w, "invalid token")
	}
}

// handlePipeline is the 8-step Gateway Pipeline.
func (s *Server) handlePipeline(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	provider := chi.URLParam(r, "provider")
	ad, ok := adapter.Lookup(provider)
	if !ok {
		httperr.NotFound(w, "Unknown provider")
		return
	}

	bearer := token.BearerToken(r.Header)
	if bearer == "" {
		httperr.Unauthorized(w, "missing bearer token")
		return
	}

	var email string
	native := false
	if _, isNative := token.IsNativeKey(bearer); isNative {
		native = true
	} else {
		cfg := s.cfg.Snapshot()
		salt := func(e string) (string, bool) { return cfg.SaltFor(e) }
		claims, err := s.tokens.Verify(bearer, salt)
		if err != nil {
			writeVerifyError(w, err)
			return
		}
		email = claims.Email
	}

	ctx := r.Context()
	if !native {
		cfgSnapshot := s.cfg.Snapshot()
		policy := cfgSnapshot.BudgetFor(email)
		sum, err := s.ledger.Sum(ctx, email, policy.Days)
		if err != nil {
			httperr.Internal(w, "failed to check budget")
			return
		}
		if sum >= policy.Limit {
			httperr.TooManyRequests(w, fmt.Sprintf("Usage $%.4f / $%.4f in %d days", sum, policy.Limit, policy.Days))
			return
		}
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		httperr.BadRequest(w, "failed to read request body")
		return
	}

	path := chi.URLParam(r, "*")
	if r.URL.RawQuery != "" {
		path += "?" + r.URL.RawQuery
	}

	result := ad.Transform(ctx, adapter.Request{
		Path:   path,
		Method: r.Method,
		Header: r.Header,
		Body:   body,
		Native: native,
	}, s.env)

	status := http.StatusOK
	metered := false
	switch {
	case result.Err != nil:
		status = result.Err.Code
		httperr.Write(w, status, result.Err.Message)
	case result.Direct != nil:
		frame := sse.Frame{Model: result.Direct.Model, Usage: result.Direct.Usage, HasUsage: true}
		metered = s.meterFrame(ctx, ad, frame, native, email)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(result.Direct.Body)
	case result.Proxy != nil:
		status, metered = s.forward(ctx, w, ad, result.Proxy, r.Method, native, email)
	default:
		httperr.Internal(w, "adapter produced no result")
		status = http.StatusInternalServerError
	}

	s.stats.Record(stats.Event{
		Provider:  provider,
		Status:    status,
		LatencyMS: time.Since(start).Milliseconds(),
		Metered:   metered,
		At:        start,
	})

	logFields := []any{"provider", provider, "route", r.URL.Path, "status", status,
		"latency_ms", time.Since(start).Milliseconds(), "metered", metered}
	if email != "" {
		logFields = append(logFields, "email_hash", logutil.HashEmail(s.cfg.Snapshot().AIPipeSecret, email))
	}
	logutil.Logger().Info("pipeline request", logFields...)
}

func (s *Server) forward(ctx context.Context, w http.ResponseWriter, ad adapter.Adapter, spec *adapter.ProxySpec, method string, native bool, email string) (int, bool) {
	req, err := http.NewRequestWithContext(ctx, method, spec.URL, bytes.NewReader(spec.Body))
	if err != nil {
		httperr.Internal(w, "failed to build upstream request")
		return http.StatusInternalServerError, false
	}
	req.Header = spec.Header

	client := s.env.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		httperr.Internal(w, "upstream request failed")
		return http.StatusInternalServerError, false
	}
	defer resp.Body.Close()

	emitResponseHeaders(w, resp.Header)
	w.WriteHeader(resp.StatusCode)

	contentType := resp.Header.Get("Content-Type")
	metered := false
	switch {
	case strings.Contains(contentType, "application/json"):
		body, err := io.ReadAll(resp.Body)
		if err == nil {
			_, _ = w.Write(body)
			var sawUsage bool
			metered, sawUsage = s.meterJSON(ctx, ad, body, native, email)
			if !sawUsage && !native && spec.UsageFallback != nil && resp.StatusCode < 300 {
				if model, usage, err := spec.UsageFallback(ctx); err == nil {
					metered = s.meterFrame(ctx, ad, sse.Frame{Model: model, Usage: usage, HasUsage: true}, native, email)
				}
			}
		}
	case strings.Contains(contentType, "text/event-stream"):
		metered = s.meterSSE(ctx, ad, w, resp.Body, native, email)
	default:
		_, _ = io.Copy(w, resp.Body)
	}
	return resp.StatusCode, metered
}

func emitResponseHeaders(w http.ResponseWriter, h http.Header) {
	for k, v := range h {
		switch http.CanonicalHeaderKey(k) {
		case "Transfer-Encoding", "Connection", "Content-Security-Policy":
			continue
		}
		for _, vv := range v {
			w.Header().Add(k, vv)
		}
	}
	w.Header().Set("Access-Control-Allow-Origin", "*")
}

// meterJSON parses a buffered unary JSON body and meters its usage. The
// second return reports whether the body carried usage at all, so the
// caller can distinguish "nothing to charge" from "charge resolved to
// zero" and trigger an adapter's usage fallback only for the former.
func (s *Server) meterJSON(ctx context.Context, ad adapter.Adapter, body []byte, native bool, email string) (metered, sawUsage bool) {
	var event map[string]any
	if err := json.Unmarshal(body, &event); err != nil {
		return false, false
	}
	frame, ok := ad.Parse(event)
	if !ok || !frame.HasUsage {
		return false, false
	}
	return s.meterFrame(ctx, ad, frame, native, email), true
}

func (s *Server) meterSSE(ctx context.Context, ad adapter.Adapter, w http.ResponseWriter, body io.Reader, native bool, email string) bool {
	splitter := sse.NewSplitter(ad.Parse)
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 4096)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			_, _ = w.Write(chunk)
			if flusher != nil {
				flusher.Flush()
			}
			splitter.Consume(chunk)
		}
		if err != nil {
			break
		}
	}
	model, hasModel := splitter.Model()
	usage, hasUsage := splitter.Usage()
	frame := sse.Frame{Model: model, Usage: usage, HasUsage: hasUsage}
	if !hasModel && !hasUsage {
		return false
	}
	return s.meterFrame(ctx, ad, frame, native, email)
}

func (s *Server) meterFrame(ctx context.Context, ad adapter.Adapter, frame sse.Frame, native bool, email string) bool {
	cost := ad.Cost(ctx, frame.Model, frame.Usage, s.env)
	if cost <= 0 || native {
		return false
	}
	if err := s.ledger.Add(ctx, email, cost); err != nil {
		logutil.Logger().Warn("ledger add failed", "err", err, "request_id", middleware.GetReqID(ctx))
		return false
	}
	return true
}
