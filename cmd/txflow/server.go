package main

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/R3E-Network/txflow/internal/engine/events"
	"github.com/R3E-Network/txflow/internal/middleware"
)

const defaultEventLimit = 100

func (a *app) router() *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.Recover(a.logger), middleware.Logging(a.logger.Named("http")))
	r.Handle("/metrics", promhttp.HandlerFor(a.collector.Registry(), promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/healthz", a.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/events", a.handleEvents).Methods(http.MethodGet)
	r.HandleFunc("/procedures", a.handleProcedures).Methods(http.MethodGet)
	return r
}

func (a *app) newServer() *http.Server {
	return &http.Server{
		Addr:              a.cfg.Metrics.ListenAddr,
		Handler:           a.router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

func (a *app) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"ledger": a.cfg.Ledger.Kind,
		"signer": a.signer.Address(),
	})
}

// handleEvents serves the recent lifecycle events, newest last. The
// optional queue and type parameters filter, n bounds the count.
func (a *app) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	n := defaultEventLimit
	if raw := q.Get("n"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "n must be a positive integer"})
			return
		}
		n = v
	}

	var out []events.Event
	switch {
	case q.Get("queue") != "":
		out = a.events.RecentByQueue(q.Get("queue"), n)
	case q.Get("type") != "":
		out = a.events.RecentByType(events.EventType(q.Get("type")), n)
	default:
		out = a.events.Recent(n)
	}
	if out == nil {
		out = []events.Event{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *app) handleProcedures(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"procedures": a.registry.Names()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
