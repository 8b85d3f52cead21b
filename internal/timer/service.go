// Package timer implements the request-path operations of the delayed URL
// fetch service: Schedule (enqueue path) and GetStatus (query path).
//
// Neither operation waits on job execution. Each performs one store write or
// read and samples the injected clock exactly once.
package timer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ChuLiYu/beaver-timer/internal/clock"
	"github.com/ChuLiYu/beaver-timer/internal/metrics"
	"github.com/ChuLiYu/beaver-timer/internal/store"
	"github.com/ChuLiYu/beaver-timer/internal/validation"
	"github.com/ChuLiYu/beaver-timer/pkg/types"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var (
	// ErrSubmissionFailed wraps store failures on the enqueue path.
	ErrSubmissionFailed = errors.New("timer: submission failed")

	// ErrLookupFailed wraps store failures on the query path.
	ErrLookupFailed = errors.New("timer: lookup failed")
)

// MsgUnreadableSchedule is reported when a job exists but its scheduled time
// cannot be read.
const MsgUnreadableSchedule = "Unable to read the task schedule"

var tracer = otel.Tracer("github.com/ChuLiYu/beaver-timer/internal/timer")

// ScheduleRequest is a delay plus the URL to fetch once it elapses.
type ScheduleRequest struct {
	Hours   int
	Minutes int
	Seconds int
	URL     string
}

// Upper bounds for each delay field. Together they keep now + delay far
// inside the int64 millisecond range.
const (
	MaxHours   = 100 * 365 * 24
	MaxMinutes = MaxHours * 60
	MaxSeconds = MaxMinutes * 60
)

// DelayLimit returns the upper bound for the named delay field, or 0 for
// any other name.
func DelayLimit(field string) int {
	switch field {
	case "hours":
		return MaxHours
	case "minutes":
		return MaxMinutes
	case "seconds":
		return MaxSeconds
	}
	return 0
}

// DelaySeconds returns (hours*60 + minutes)*60 + seconds.
func (r ScheduleRequest) DelaySeconds() int64 {
	return (int64(r.Hours)*60+int64(r.Minutes))*60 + int64(r.Seconds)
}

// Validate reports every invalid field at once, in the order
// hours, minutes, seconds, url.
func (r ScheduleRequest) Validate() error {
	c := validation.NewCollector("body")
	delayField(c, "hours", r.Hours)
	delayField(c, "minutes", r.Minutes)
	delayField(c, "seconds", r.Seconds)
	c.URL("url", r.URL)
	return c.Err()
}

func delayField(c *validation.Collector, field string, v int) {
	c.NonNegative(field, v)
	c.AtMost(field, v, DelayLimit(field))
}

// ScheduleResult echoes the requested delay, not a recomputed one.
type ScheduleResult struct {
	ID       types.JobID
	TimeLeft int64
}

// StatusResult is the query-path view of a job. Error is set only when the
// job exists but its schedule is unreadable.
type StatusResult struct {
	ID       types.JobID
	TimeLeft int64
	Status   types.JobStatus
	Error    string
}

// Options configures a Service.
type Options struct {
	Clock   clock.Clock
	Metrics *metrics.Collector
	Logger  *slog.Logger
	// NewID generates job identifiers. Defaults to random UUIDs.
	NewID func() string
}

// Service holds the request-path operations over a Store.
type Service struct {
	store   store.Store
	clock   clock.Clock
	metrics *metrics.Collector
	log     *slog.Logger
	newID   func() string
}

// NewService returns a Service writing to st.
func NewService(st store.Store, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Service{
		store:   st,
		clock:   clock.OrReal(opts.Clock),
		metrics: opts.Metrics,
		log:     opts.Logger.With("component", "timer"),
		newID:   opts.NewID,
	}
}

// Schedule validates req, writes a pending job due after the requested delay
// and returns its id. Invalid input yields a *validation.Error and no job.
func (s *Service) Schedule(ctx context.Context, req ScheduleRequest) (ScheduleResult, error) {
	ctx, span := tracer.Start(ctx, "timer.schedule")
	defer span.End()

	if err := req.Validate(); err != nil {
		span.SetStatus(codes.Error, "invalid request")
		return ScheduleResult{}, err
	}

	delay := req.DelaySeconds()
	now := s.clock.Now()
	job := &types.Job{
		ID:          types.JobID(s.newID()),
		URL:         req.URL,
		Status:      types.StatusPending,
		ScheduledAt: now.UnixMilli() + delay*1000,
		EnqueuedAt:  now.UnixMilli(),
	}
	span.SetAttributes(
		attribute.String("job.id", string(job.ID)),
		attribute.String("url", job.URL),
		attribute.Int64("delay_seconds", delay),
	)

	if err := s.store.Put(ctx, job); err != nil {
		s.metrics.RecordScheduleFailure()
		span.RecordError(err)
		span.SetStatus(codes.Error, "store put failed")
		s.log.Error("schedule failed", "job_id", job.ID, "error", err)
		return ScheduleResult{}, fmt.Errorf("%w: %w", ErrSubmissionFailed, err)
	}

	s.metrics.RecordScheduled()
	s.log.Info("job scheduled", "job_id", job.ID, "url", job.URL, "delay_seconds", delay)
	return ScheduleResult{ID: job.ID, TimeLeft: delay}, nil
}

// GetStatus returns the whole seconds left until id is due, floored at zero.
// An unknown or evicted id is not an error: it reports status unknown and
// zero time left.
func (s *Service) GetStatus(ctx context.Context, id types.JobID) (StatusResult, error) {
	ctx, span := tracer.Start(ctx, "timer.get_status")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", string(id)))

	job, err := s.store.Get(ctx, id)
	now := s.clock.Now()

	switch {
	case errors.Is(err, store.ErrJobNotFound):
		s.metrics.RecordStatusQuery(metrics.OutcomeUnknown)
		return StatusResult{ID: id, Status: types.StatusUnknown}, nil

	case errors.Is(err, store.ErrCorruptJob):
		s.metrics.RecordStatusQuery(metrics.OutcomeCorrupt)
		s.log.Warn("unreadable job schedule", "job_id", id, "error", err)
		res := StatusResult{ID: id, Error: MsgUnreadableSchedule}
		if job != nil {
			res.Status = job.Status
		}
		return res, nil

	case err != nil:
		s.metrics.RecordStatusQuery(metrics.OutcomeError)
		span.RecordError(err)
		span.SetStatus(codes.Error, "store get failed")
		s.log.Error("status lookup failed", "job_id", id, "error", err)
		return StatusResult{}, fmt.Errorf("%w: %w", ErrLookupFailed, err)
	}

	s.metrics.RecordStatusQuery(metrics.OutcomeFound)
	return StatusResult{
		ID:       id,
		TimeLeft: TimeLeft(job.ScheduledAt, now.UnixMilli()),
		Status:   job.Status,
	}, nil
}

// Ping reports whether the backing store is reachable.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// TimeLeft returns floor((scheduledAt-now)/1000) for a future scheduledAt
// and zero otherwise. Both arguments are Unix milliseconds.
func TimeLeft(scheduledAtMs, nowMs int64) int64 {
	if scheduledAtMs <= nowMs {
		return 0
	}
	return (scheduledAtMs - nowMs) / 1000
}
