// Package httpapi maps proxy-forwarded HTTP requests onto
// forwardauth.Service and renders its response as headers (spec §4.1
// step 1 / §6), using go-chi/chi for routing the way the teacher repo
// routes its HTTP surfaces.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ccollier86/catalyst-auth/internal/logger"
	"github.com/ccollier86/catalyst-auth/pkg/forwardauth"
)

// HealthProbe is one dependency the health endpoint checks.
type HealthProbe struct {
	Name  string
	Check func(ctx context.Context) error
}

// Handler wires forwardauth.Service behind chi routes.
type Handler struct {
	Service *forwardauth.Service
	Probes  []HealthProbe
}

// Router builds the chi.Router: GET/POST/... /auth (method is
// deployment-decided; all are routed to the same handler per spec §6)
// and GET /healthz.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.HandleFunc("/auth", h.handleAuth)
	r.Get("/healthz", h.handleHealth)
	return r
}

func (h *Handler) handleAuth(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Errorf("forwardauth httpapi: panic handling request: %v", rec)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "internal_error"})
		}
	}()

	req := forwardauth.Request{
		Method:      firstNonEmpty(r.Header.Get("X-Forwarded-Method"), r.Method),
		Path:        firstNonEmpty(r.Header.Get("X-Forwarded-Uri"), r.URL.Path),
		Headers:     flattenHeaders(r.Header),
		Environment: map[string]any{},
	}

	resp := h.Service.Handle(r.Context(), req)

	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(resp.Status)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	type probeResult struct {
		Name    string `json:"name"`
		Healthy bool   `json:"healthy"`
		Error   string `json:"error,omitempty"`
	}
	type healthResponse struct {
		OK     bool          `json:"ok"`
		Caches []probeResult `json:"caches"`
	}

	out := healthResponse{OK: true}
	for _, p := range h.Probes {
		res := probeResult{Name: p.Name, Healthy: true}
		if err := p.Check(r.Context()); err != nil {
			res.Healthy = false
			res.Error = err.Error()
			out.OK = false
		}
		out.Caches = append(out.Caches, res)
	}

	w.Header().Set("Content-Type", "application/json")
	if out.OK {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(out)
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[strings.ToLower(k)] = h.Get(k)
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
