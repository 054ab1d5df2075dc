package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/manenim/tokenbucket/pkg/httplimit"
	"github.com/manenim/tokenbucket/pkg/limiter"
)

const defaultLimiter = "default"

type countersFunc func(context.Context) (map[string]float64, error)

type app struct {
	registry  *limiter.Registry
	costs     map[string]float64
	keyHeader string
	trustXFF  bool
	counters  countersFunc
	logger    *slog.Logger
}

func newRouter(a app) http.Handler {
	limited := make(map[string]http.Handler)
	for _, name := range a.registry.Names() {
		limited[name] = a.protect(name, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"limiter": name, "status": "ok"})
		}))
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Method(http.MethodGet, "/ping", a.protect(defaultLimiter, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Pong!\n"))
	})))

	r.Get("/limited/{name}", func(w http.ResponseWriter, r *http.Request) {
		h, ok := limited[chi.URLParam(r, "name")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		h.ServeHTTP(w, r)
	})

	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		counters, err := a.counters(r.Context())
		if err != nil {
			a.logger.Error("failed to read stats", "err", err)
			http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
			return
		}
		writeJSON(w, http.StatusOK, counters)
	})

	return r
}

// protect wraps next with the named limiter. Each limiter gets its own
// namespace so limiters sharing one storage never share buckets.
func (a app) protect(name string, next http.Handler) http.Handler {
	return httplimit.Middleware(httplimit.Options{
		Limiter:            a.registry.MustGet(name),
		KeyHeader:          a.keyHeader,
		TrustXForwardedFor: a.trustXFF,
		Cost:               a.costs[name],
		Namespace:          limiter.Namespace(name),
		OnError: func(w http.ResponseWriter, r *http.Request, err error) {
			a.logger.Error("rate limiter failed", "limiter", name, "path", r.URL.Path, "err", err)
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		},
	})(next)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
