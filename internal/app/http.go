package app

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/MrWong99/braintone/internal/journal"
	"github.com/MrWong99/braintone/internal/observe"
	"github.com/MrWong99/braintone/internal/session"
)

// Handler returns the control API:
//
//	GET  /sessions                  snapshots of all subjects
//	GET  /sessions/{subject}        snapshot of one subject
//	POST /sessions/{subject}/start  start a training run (409 while active)
//	GET  /sessions/{subject}/runs   journaled runs, newest first (?limit=N)
//	GET  /healthz, /readyz          liveness and readiness
//	GET  /metrics                   Prometheus metrics, when configured
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /sessions", a.handleList)
	mux.HandleFunc("GET /sessions/{subject}", a.handleGet)
	mux.HandleFunc("POST /sessions/{subject}/start", a.handleStart)
	mux.HandleFunc("GET /sessions/{subject}/runs", a.handleRuns)
	a.health.Register(mux)
	if a.metricsHandler != nil {
		mux.Handle("GET /metrics", a.metricsHandler)
	}
	return observe.Middleware(a.metrics)(mux)
}

func (a *App) handleList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.Snapshots())
}

func (a *App) handleGet(w http.ResponseWriter, r *http.Request) {
	snap, ok := a.Snapshot(r.PathValue("subject"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown subject")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (a *App) handleStart(w http.ResponseWriter, r *http.Request) {
	subject := r.PathValue("subject")
	err := a.Start(subject)
	switch {
	case errors.Is(err, ErrUnknownSubject):
		writeError(w, http.StatusNotFound, "unknown subject")
	case errors.Is(err, session.ErrSessionActive):
		writeError(w, http.StatusConflict, "session already active")
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		observe.Logger(r.Context(), a.log).Info("training run requested", "subject", subject)
		writeJSON(w, http.StatusAccepted, map[string]string{"subject": subject, "status": "starting"})
	}
}

func (a *App) handleRuns(w http.ResponseWriter, r *http.Request) {
	subject := r.PathValue("subject")
	if _, ok := a.workers[subject]; !ok {
		writeError(w, http.StatusNotFound, "unknown subject")
		return
	}
	if a.history == nil {
		writeError(w, http.StatusNotImplemented, "journal disabled")
		return
	}
	limit := journal.DefaultRecentLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	runs, err := a.history.Recent(r.Context(), subject, limit)
	if err != nil {
		observe.Logger(r.Context(), a.log).Warn("journal query failed", "subject", subject, "err", err)
		writeError(w, http.StatusInternalServerError, "journal query failed")
		return
	}
	if runs == nil {
		runs = []session.Result{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("app: failed to write response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
