package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/MrWong99/livevoice/internal/health"
	"github.com/MrWong99/livevoice/internal/journal"
	"github.com/MrWong99/livevoice/internal/observe"
	"github.com/MrWong99/livevoice/internal/session"
)

// Default and maximum history page sizes.
const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000
)

// errorResponse is the body of every non-2xx API response.
type errorResponse struct {
	Error  string         `json:"error"`
	Status session.Status `json:"status"`
}

// historyResponse is the body of GET /v1/sessions/history.
type historyResponse struct {
	Entries []journal.Entry `json:"entries"`
}

// pinger is implemented by journal stores backed by a remote database.
type pinger interface {
	Ping(ctx context.Context) error
}

// routes builds the control API mux wrapped in the metrics middleware.
func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/session/start", a.handleStart)
	mux.HandleFunc("POST /v1/session/stop", a.handleStop)
	mux.HandleFunc("GET /v1/session", a.handleStatus)
	mux.HandleFunc("GET /v1/sessions/history", a.handleHistory)
	mux.Handle("GET /metrics", a.telemetry.Handler())

	checkers := []health.Checker{{
		Name: "session",
		Check: func(context.Context) error {
			if msg := a.coord.LastError(); msg != "" {
				return errors.New(msg)
			}
			return nil
		},
	}}
	if p, ok := a.store.(pinger); ok {
		checkers = append(checkers, health.Checker{Name: "journal", Check: p.Ping, Critical: true})
	}
	health.New(checkers...).Register(mux)

	return observe.Middleware(a.metrics)(mux)
}

// handleStart starts a session and answers once it is active or failed.
// The session outlives the request, so a client disconnect does not stop it.
func (a *App) handleStart(w http.ResponseWriter, r *http.Request) {
	ctx := context.WithoutCancel(r.Context())
	err := a.coord.Start(ctx)
	if err == nil {
		writeJSON(w, http.StatusOK, a.coord.Status())
		return
	}

	observe.Logger(r.Context()).Warn("session start failed", "err", err)

	var (
		permErr  *session.PermissionError
		transErr *session.TransportError
		status   int
	)
	switch {
	case errors.As(err, &permErr):
		status = http.StatusForbidden
	case errors.As(err, &transErr):
		status = http.StatusBadGateway
	case errors.Is(err, session.ErrStopped):
		status = http.StatusConflict
	default:
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Status: a.coord.Status()})
}

// handleStop begins teardown and answers immediately.
func (a *App) handleStop(w http.ResponseWriter, _ *http.Request) {
	a.coord.Stop()
	writeJSON(w, http.StatusAccepted, a.coord.Status())
}

func (a *App) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.coord.Status())
}

func (a *App) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{
				Error:  "limit must be a positive integer",
				Status: a.coord.Status(),
			})
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	entries, err := a.store.Recent(r.Context(), limit)
	if err != nil {
		observe.Logger(r.Context()).Error("journal read failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{
			Error:  "journal unavailable",
			Status: a.coord.Status(),
		})
		return
	}
	writeJSON(w, http.StatusOK, historyResponse{Entries: entries})
}

// writeJSON encodes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
