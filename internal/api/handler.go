// ============================================================================
// Beaver-Timer HTTP API
// ============================================================================
//
// Package: internal/api
// File: handler.go
// Purpose: REST surface of the Scheduler and Status Reader.
//
// Routes:
//   POST /api/v1/timer        schedule a delayed URL fetch
//   GET  /api/v1/timer/{id}   seconds left until the job is due
//   GET  /healthz             store reachability
//   GET  /metrics             prometheus exposition (when a gatherer is set)
//
// Every response carries a Server-Timing header with the store round-trip,
// and every request produces one access log line.
//
// ============================================================================

package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ChuLiYu/beaver-timer/internal/metrics"
	"github.com/ChuLiYu/beaver-timer/internal/timer"
	"github.com/ChuLiYu/beaver-timer/internal/validation"
	"github.com/ChuLiYu/beaver-timer/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
)

// MsgLookupFailed is returned when the store cannot be read.
const MsgLookupFailed = "Unable to get the task information"

// failedID is the id reported when a submission could not be stored.
const failedID = "-1"

const healthTimeout = 2 * time.Second

// Options configures the HTTP handler.
type Options struct {
	Logger *slog.Logger
	// Gatherer enables GET /metrics when non-nil.
	Gatherer prometheus.Gatherer
}

type handler struct {
	svc *timer.Service
	log *slog.Logger
}

// ScheduleResponse is the 201 body of POST /api/v1/timer.
type ScheduleResponse struct {
	ID       string `json:"id"`
	TimeLeft int64  `json:"time_left"`
}

// StatusResponse is the body of GET /api/v1/timer/{id}. TimeLeft and Status
// are omitted when Error is set.
type StatusResponse struct {
	ID       string           `json:"id"`
	TimeLeft *int64           `json:"time_left,omitempty"`
	Status   *types.JobStatus `json:"status,omitempty"`
	Error    string           `json:"error,omitempty"`
}

// NewStatusResponse renders res the way GET /api/v1/timer/{id} does.
func NewStatusResponse(res timer.StatusResult) StatusResponse {
	if res.Error != "" {
		return StatusResponse{ID: string(res.ID), Error: res.Error}
	}
	return StatusResponse{ID: string(res.ID), TimeLeft: &res.TimeLeft, Status: &res.Status}
}

// ErrorResponse is the 500 body.
type ErrorResponse struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// ValidationResponse is the 422 body.
type ValidationResponse struct {
	Detail []validation.FieldError `json:"detail"`
}

// NewHandler returns the full HTTP surface with middleware applied.
func NewHandler(svc *timer.Service, opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	h := &handler{svc: svc, log: opts.Logger.With("component", "api")}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/timer", h.schedule)
	mux.HandleFunc("GET /api/v1/timer/{id}", h.status)
	mux.HandleFunc("GET /healthz", h.health)
	if opts.Gatherer != nil {
		mux.Handle("GET /metrics", metrics.Handler(opts.Gatherer))
	}

	return withServerTiming(withAccessLog(mux, h.log))
}

func (h *handler) schedule(w http.ResponseWriter, r *http.Request) {
	req, err := decodeScheduleRequest(r.Body)
	if err != nil {
		writeValidation(w, err)
		return
	}

	var res timer.ScheduleResult
	timeStore(r.Context(), func() {
		res, err = h.svc.Schedule(r.Context(), req)
	})

	var verr *validation.Error
	switch {
	case errors.As(err, &verr):
		writeValidation(w, err)
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{ID: failedID, Error: err.Error()})
	default:
		writeJSON(w, http.StatusCreated, ScheduleResponse{ID: string(res.ID), TimeLeft: res.TimeLeft})
	}
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var (
		res timer.StatusResult
		err error
	)
	timeStore(r.Context(), func() {
		res, err = h.svc.GetStatus(r.Context(), types.JobID(id))
	})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{ID: id, Error: MsgLookupFailed})
		return
	}

	res.ID = types.JobID(id)
	writeJSON(w, http.StatusOK, NewStatusResponse(res))
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	var err error
	timeStore(ctx, func() { err = h.svc.Ping(ctx) })
	if err != nil {
		h.log.Warn("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeValidation(w http.ResponseWriter, err error) {
	var verr *validation.Error
	if !errors.As(err, &verr) {
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{ID: failedID, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusUnprocessableEntity, ValidationResponse{Detail: verr.Fields})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
