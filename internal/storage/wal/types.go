package wal

import "github.com/ChuLiYu/beaver-timer/pkg/types"

// ============================================================================
// WAL Type Definitions
// Responsibility: Define the records journaled by the in-memory job store
// ============================================================================

// EventType names the store operation that produced an event
type EventType string

const (
	EventEnqueue  EventType = "ENQUEUE"  // Job stored as pending
	EventDispatch EventType = "DISPATCH" // Job claimed by a worker
	EventAck      EventType = "ACK"      // Job succeeded
	EventDead     EventType = "DEAD"     // Job failed
	EventRetry    EventType = "RETRY"    // Job returned to pending
)

// Event is one WAL record. Job holds the complete job state after the
// operation, so replay is an upsert and never depends on earlier records.
type Event struct {
	Seq       uint64      `json:"seq"`       // Monotonically increasing across rotations and restarts
	Type      EventType   `json:"type"`      // Operation
	JobID     types.JobID `json:"job_id"`    // Affected job
	Job       *types.Job  `json:"job"`       // Job state after the operation
	Timestamp int64       `json:"timestamp"` // Unix millisecond timestamp
	Checksum  uint32      `json:"checksum"`  // CRC32 over seq, type, job id and job
}

// EventHandler applies a replayed event to system state
type EventHandler func(event Event) error
