// ============================================================================
// Beaver-Timer Job Store Contract
// ============================================================================
//
// Package: internal/store
// File: store.go
// Purpose: Defines the shared, durable key-value structure holding timer jobs.
//
// Backends:
//   - redisstore: Redis hashes + sorted sets, Lua claim script (default)
//   - sqlstore:   gorm over sqlite or postgres, conditional-update claim
//   - jobmanager: in-process maps + due heap, snapshot persistence
//
// State machine enforced by every backend:
//
//	pending ──ClaimDue──▶ in_progress ──UpdateStatus──▶ succeeded | failed
//	                          │
//	                          └──Requeue──▶ pending   (job-level retry only)
//
// Claims:
//   Every ClaimDue hands out a Claim (worker id + attempt number). Leaving
//   in_progress requires the Claim that entered it, so a holder whose lease
//   was reaped cannot finish the job for whoever claimed it next.
//
// Retention:
//   Terminal jobs are kept for a bounded window and then evicted by the
//   backend itself. Eviction is observed as ErrJobNotFound, never as a fault.
//
// ============================================================================

package store

import (
	"context"
	"time"

	"github.com/ChuLiYu/beaver-timer/pkg/types"
)

// Store is the single shared-mutation point between the request path and the
// Worker Executor. All implementations must be safe for concurrent use by
// multiple processes (where the backend allows it) and goroutines.
type Store interface {
	// Put durably writes a new pending job. Returns ErrDuplicateJob if the ID exists.
	Put(ctx context.Context, job *types.Job) error

	// Get returns a copy of the job. Returns ErrJobNotFound when the job is
	// absent or evicted, and ErrCorruptJob (with a partially filled job) when
	// the entry exists but its scheduling metadata cannot be read.
	Get(ctx context.Context, id types.JobID) (*types.Job, error)

	// UpdateStatus moves an in_progress job held under claim to a terminal
	// status. For succeeded, result is the action output; for failed, the
	// failure reason. Returns ErrClaimLost when the job is in_progress under
	// another claim.
	UpdateStatus(ctx context.Context, id types.JobID, claim Claim, status types.JobStatus, result string) error

	// ClaimDue atomically transitions up to limit jobs whose scheduled time is
	// at or before now from pending to in_progress, incrementing their
	// attempt count and granting a lease. A job is returned to one caller only.
	ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration, workerID string) ([]*types.Job, error)

	// Requeue returns an in_progress job held under claim to pending. The
	// scheduled time is kept, so the job is immediately due again.
	Requeue(ctx context.Context, id types.JobID, claim Claim) error

	// ExpiredLeases lists in_progress jobs whose lease ended before now.
	ExpiredLeases(ctx context.Context, now time.Time, limit int) ([]types.JobID, error)

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// Claim identifies one claim of a job. Attempt alone is unique per job,
// WorkerID names the holder.
type Claim struct {
	WorkerID string
	Attempt  int
}

// ClaimOf returns the claim a claimed job carries.
func ClaimOf(job *types.Job) Claim {
	return Claim{WorkerID: job.WorkerID, Attempt: job.Attempts}
}

// Holds reports whether job is currently claimed under c.
func (c Claim) Holds(job *types.Job) bool {
	return job.WorkerID == c.WorkerID && job.Attempts == c.Attempt
}

// DefaultResultTTL is how long terminal jobs stay readable.
const DefaultResultTTL = 10 * time.Second

// CheckTerminal validates the target status of UpdateStatus.
func CheckTerminal(status types.JobStatus) error {
	if !status.IsTerminal() {
		return ErrInvalidTransition
	}
	return nil
}
