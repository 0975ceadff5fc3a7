// Package adminapi implements the three admin operations plus the
// read-only stats snapshot: usage export, token minting, and cost
// override, all gated by membership in the configured admin set.
package adminapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/klauspost/compress/zstd"

	"github.com/aipipe/gateway/internal/config"
	"github.com/aipipe/gateway/internal/httperr"
	"github.com/aipipe/gateway/internal/ledger"
	"github.com/aipipe/gateway/internal/logutil"
	"github.com/aipipe/gateway/internal/proxy"
	"github.com/aipipe/gateway/internal/stats"
	"github.com/aipipe/gateway/internal/token"
)

// Handler serves /admin/usage, /admin/token, /admin/cost and /admin/stats.
type Handler struct {
	cfg    *config.Store
	tokens *token.Service
	ledger *ledger.Ledger
	stats  *stats.Store
	health *proxy.Checker
}

// New builds a Handler wired against the shared config, token service,
// ledger, stats store, and provider health checker (nil when no probe
// loop is running).
func New(cfg *config.Store, tokens *token.Service, led *ledger.Ledger, st *stats.Store, health *proxy.Checker) *Handler {
	return &Handler{cfg: cfg, tokens: tokens, ledger: led, stats: st, health: health}
}

// Mount attaches the admin routes behind the admin-only middleware.
func (h *Handler) Mount(r chi.Router) {
	r.Route("/admin", func(ar chi.Router) {
		ar.Use(h.requireAdmin)
		ar.Get("/usage", h.handleUsage)
		ar.Get("/token", h.handleToken)
		ar.Post("/cost", h.handleCost)
		ar.Get("/stats", h.handleStats)
	})
}

// requireAdmin rejects native keys outright, verifies the identity token,
// and rejects callers whose email is not in the configured admin set.
func (h *Handler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cfg := h.cfg.Snapshot()
		if setup := r.Header.Get("X-Admin-Setup-Password"); setup != "" && cfg.VerifySetupPassword(setup) {
			next.ServeHTTP(w, r)
			return
		}

		raw := token.BearerToken(r.Header)
		if raw == "" {
			httperr.Unauthorized(w, "missing bearer token")
			return
		}
		if _, ok := token.IsNativeKey(raw); ok {
			httperr.Unauthorized(w, "requires AIPipe JWT token")
			return
		}
		claims, err := h.tokens.Verify(raw, cfg.SaltFor)
		if err != nil {
			httperr.Unauthorized(w, "invalid token")
			return
		}
		if !cfg.IsAdmin(claims.Email) {
			httperr.Forbidden(w, "admin access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) handleUsage(w http.ResponseWriter, r *http.Request) {
	rows, err := h.ledger.AllUsage(r.Context())
	if err != nil {
		httperr.Internal(w, "failed to read ledger")
		return
	}
	payload := map[string]any{"data": rows}

	body, err := json.Marshal(payload)
	if err != nil {
		httperr.Internal(w, "failed to encode usage")
		return
	}

	if acceptsZstd(r.Header.Get("Accept-Encoding")) {
		compressed, err := zstdCompress(body)
		if err == nil {
			w.Header().Set("Content-Encoding", "zstd")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(compressed)
			return
		}
		logutil.Logger().Warn("zstd compress failed, falling back to plain body", "err", err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (h *Handler) handleToken(w http.ResponseWriter, r *http.Request) {
	email := strings.TrimSpace(r.URL.Query().Get("email"))
	if email == "" {
		httperr.BadRequest(w, "email is required")
		return
	}
	cfg := h.cfg.Snapshot()
	tok, err := h.tokens.Mint(email, cfg.SaltFor)
	if err != nil {
		httperr.BadRequest(w, "failed to mint token")
		return
	}
	httperr.WriteJSON(w, http.StatusOK, map[string]string{"token": tok})
}

type costRequest struct {
	Email string  `json:"email"`
	Date  string  `json:"date"`
	Cost  float64 `json:"cost"`
}

func (h *Handler) handleCost(w http.ResponseWriter, r *http.Request) {
	var req costRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httperr.BadRequest(w, "invalid JSON body")
		return
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	req.Date = strings.TrimSpace(req.Date)
	if req.Email == "" || req.Date == "" {
		httperr.BadRequest(w, "email and date are required")
		return
	}
	if err := h.ledger.SetCost(r.Context(), req.Email, req.Date, req.Cost); err != nil {
		httperr.Internal(w, "failed to set cost")
		return
	}
	httperr.WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{"providers": h.stats.Snapshot()}
	if h.health != nil {
		out["health"] = h.health.SnapshotAll()
	}
	httperr.WriteJSON(w, http.StatusOK, out)
}

func acceptsZstd(header string) bool {
	for _, part := range strings.Split(header, ",") {
		if strings.EqualFold(strings.TrimSpace(strings.Split(part, ";")[0]), "zstd") {
			return true
		}
	}
	return false
}

func zstdCompress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	if _, err := enc.Write(data); err != nil {
		_ = enc.Close()
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
