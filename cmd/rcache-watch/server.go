package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mirkobrombin/go-rcache/v1/cache"
	"github.com/mirkobrombin/go-rcache/v1/watchbus"
)

type server struct {
	store *cache.Store
	bus   watchbus.WatchBus
	reg   *prometheus.Registry
	log   *slog.Logger
}

type entryView struct {
	URL        string `json:"url"`
	HasData    bool   `json:"hasData"`
	ETag       string `json:"etag,omitempty"`
	Modified   string `json:"modified,omitempty"`
	AutoUpdate bool   `json:"autoUpdate"`
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{}))
	r.Get("/entries", s.listEntries)
	r.Get("/entry", s.getEntry)
	r.Post("/entry", s.trackEntry)
	r.Delete("/entry", s.forgetEntry)
	r.Post("/refresh", s.refresh)
	r.Get("/events", watchbus.SSEHandler(s.bus))
	r.Get("/ws", watchbus.WebSocketHandler(s.bus))
	return r
}

func (s *server) listEntries(w http.ResponseWriter, r *http.Request) {
	urls := s.store.URLs()
	out := make([]entryView, 0, len(urls))
	for _, u := range urls {
		e, ok := s.store.Lookup(u)
		if !ok {
			continue
		}
		out = append(out, entryView{
			URL:        u,
			HasData:    e.HasData(),
			ETag:       e.ETag(),
			Modified:   e.Modified(),
			AutoUpdate: e.AutoUpdate(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// getEntry serves the cached body of ?url=, fetching it on first access.
func (s *server) getEntry(w http.ResponseWriter, r *http.Request) {
	u := r.URL.Query().Get("url")
	if u == "" {
		http.Error(w, "missing url", http.StatusBadRequest)
		return
	}
	e := s.store.Item(u)
	resp, err := e.Get(r.Context()).Wait(r.Context())
	if err != nil && !e.HasData() {
		status := http.StatusBadGateway
		if resp != nil {
			status = resp.StatusCode
		}
		http.Error(w, err.Error(), status)
		return
	}
	if etag := e.ETag(); etag != "" {
		w.Header().Set("ETag", etag)
	}
	if mod := e.Modified(); mod != "" {
		w.Header().Set("Last-Modified", mod)
	}
	if ct := e.Response().HeaderValue("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	_, _ = w.Write(e.Body())
}

// trackEntry starts caching ?url= without waiting for the fetch.
func (s *server) trackEntry(w http.ResponseWriter, r *http.Request) {
	u := r.URL.Query().Get("url")
	if u == "" {
		http.Error(w, "missing url", http.StatusBadRequest)
		return
	}
	call := s.store.Item(u).ForceGet(context.WithoutCancel(r.Context()))
	writeJSON(w, http.StatusAccepted, map[string]string{"url": u, "request": call.ID()})
}

// forgetEntry drops ?url= locally, notifying its remove observers.
func (s *server) forgetEntry(w http.ResponseWriter, r *http.Request) {
	e, ok := s.store.Lookup(r.URL.Query().Get("url"))
	if !ok {
		http.Error(w, "unknown url", http.StatusNotFound)
		return
	}
	e.Remove()
	w.WriteHeader(http.StatusNoContent)
}

// refresh revalidates every cached entry and reports how many requests
// failed.
func (s *server) refresh(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	calls := s.store.UpdateAll(ctx)
	failed := 0
	for _, c := range calls {
		if _, err := c.Wait(ctx); err != nil {
			failed++
		}
	}
	s.log.Info("refresh", "entries", len(calls), "failed", failed)
	writeJSON(w, http.StatusOK, map[string]int{"revalidated": len(calls), "failed": failed})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
