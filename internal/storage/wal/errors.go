package wal

// ============================================================================
// WAL Error Definitions
// ============================================================================

import (
	"errors"
	"fmt"
)

var (
	// ErrCorruptedWAL indicates a complete record that cannot be parsed
	ErrCorruptedWAL = errors.New("wal: file is corrupted")

	// ErrChecksumMismatch indicates a record whose checksum does not match
	ErrChecksumMismatch = errors.New("wal: checksum mismatch")

	// ErrWALClosed indicates the WAL is closed
	ErrWALClosed = errors.New("wal: already closed")

	// ErrSyncFailed indicates a write or fsync failure
	ErrSyncFailed = errors.New("wal: sync to disk failed")
)

// ChecksumError reports the record that failed verification
type ChecksumError struct {
	Seq      uint64
	Expected uint32
	Actual   uint32
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("wal: checksum mismatch at seq=%d (expected=0x%08x, got=0x%08x)", e.Seq, e.Expected, e.Actual)
}

func (e *ChecksumError) Unwrap() error {
	return ErrChecksumMismatch
}

// CorruptionError reports where in the file a bad record starts
type CorruptionError struct {
	Offset int64 // Byte offset of the record
	Cause  error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("wal: corrupted record at offset %d: %v", e.Offset, e.Cause)
}

func (e *CorruptionError) Unwrap() []error {
	return []error{ErrCorruptedWAL, e.Cause}
}
