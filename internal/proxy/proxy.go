// Package proxy implements the URL pass-through endpoint: an
// unauthenticated, narrow forward of one absolute URL, not a general HTTP
// forward proxy.
package proxy

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/aipipe/gateway/internal/adapter"
	"github.com/aipipe/gateway/internal/httperr"
)

const upstreamTimeout = 30 * time.Second

// Handler serves /proxy/<absolute-url>.
type Handler struct {
	client *http.Client
}

// New builds a Handler with its own client (the 30s wall-clock timeout is
// enforced per-request via context, not the client's own Timeout, so a
// client disconnect can still be observed separately from a slow upstream).
func New() *Handler {
	return &Handler{client: &http.Client{}}
}

// Mount attaches the pass-through route onto r.
func (h *Handler) Mount(r chi.Router) {
	r.HandleFunc("/proxy/*", h.handle)
}

func (h *Handler) handle(w http.ResponseWriter, r *http.Request) {
	target := chi.URLParam(r, "*")
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}
	if !strings.HasPrefix(target, "http") {
		httperr.BadRequest(w, "URL must begin with http")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), upstreamTimeout)
	defer cancel()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		httperr.BadRequest(w, "failed to read request body")
		return
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, target, bytes.NewReader(body))
	if err != nil {
		httperr.BadRequest(w, "invalid proxy target")
		return
	}
	req.Header = adapter.FilteredHeader(r.Header)

	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			httperr.GatewayTimeout(w, "upstream timed out")
			return
		}
		httperr.Internal(w, "upstream request failed")
		return
	}
	defer resp.Body.Close()

	for k, v := range resp.Header {
		switch http.CanonicalHeaderKey(k) {
		case "Transfer-Encoding", "Connection", "Content-Security-Policy":
			continue
		}
		for _, vv := range v {
			w.Header().Add(k, vv)
		}
	}
	w.Header().Set("X-Proxy-URL", target)
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}
