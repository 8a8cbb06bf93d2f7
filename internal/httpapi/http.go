// Package httpapi assembles the chi router exposing static file
// serving, the session-validation endpoint, the HLS file handler, the
// message-channel upgrade endpoint, a health probe, and Prometheus
// metrics.
//
// httprate limits the two endpoints an unauthenticated client can hit
// repeatedly: password-guessing over /ws and /api/validate-session.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/frostwatch/syncplay/internal/authstore"
	"github.com/frostwatch/syncplay/internal/catalog"
	"github.com/frostwatch/syncplay/internal/synchub"
)

// Deps are the components the HTTP surface wraps; constructed
// upstream in the composition root.
type Deps struct {
	Auth      *authstore.Store
	Catalog   *catalog.Catalog
	Hub       *synchub.Hub
	StaticDir string // UI directory; empty disables static serving
	StartedAt time.Time
}

// NewRouter builds the chi.Router for the whole HTTP surface.
func NewRouter(d Deps) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)

	r.Get("/healthz", healthHandler(d.StartedAt))
	r.Handle("/metrics", promhttp.Handler())

	r.With(httprate.LimitByIP(10, time.Minute)).Post("/api/validate-session", validateSessionHandler(d.Auth))
	r.With(httprate.LimitByIP(20, time.Minute)).Get("/ws", d.Hub.ServeHTTP)

	r.Get("/video/{streamName}/*", videoHandler(d.Catalog))

	if d.StaticDir != "" {
		r.Handle("/*", http.FileServer(http.Dir(d.StaticDir)))
	}

	return r
}

func healthHandler(startedAt time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":     "ok",
			"uptimeSecs": time.Since(startedAt).Seconds(),
		})
	}
}

// validateSessionRequest is the inbound body for POST /api/validate-session.
type validateSessionRequest struct {
	Token string `json:"token"`
}

func validateSessionHandler(auth *authstore.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req validateSessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{"valid": false, "error": "missing token"})
			return
		}

		sess, ok := auth.ValidateSession(req.Token)
		if !ok {
			writeJSON(w, http.StatusUnauthorized, map[string]interface{}{"valid": false, "error": "invalid or expired token"})
			return
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{"valid": true, "role": sess.Role, "name": sess.Name})
	}
}

func videoHandler(cat *catalog.Catalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		streamName := chi.URLParam(r, "streamName")
		subpath := chi.URLParam(r, "*")
		parts := strings.Split(subpath, "/")

		err := cat.Serve(w, func(ct string) { w.Header().Set("Content-Type", ct) }, streamName, parts)
		if err == nil {
			return
		}

		switch {
		case errors.Is(err, os.ErrNotExist):
			http.Error(w, "not found", http.StatusNotFound)
		case errors.Is(err, catalog.ErrForbidden):
			http.Error(w, err.Error(), http.StatusForbidden)
		default:
			http.Error(w, err.Error(), http.StatusBadRequest)
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
