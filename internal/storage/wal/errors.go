package wal

// ============================================================================
// Journal Error Definitions
// ============================================================================

import (
	"errors"
	"fmt"
)

// Predefined errors
var (
	// ErrCorruptedWAL indicates the journal cannot be parsed
	ErrCorruptedWAL = errors.New("wal: file is corrupted")

	// ErrChecksumMismatch indicates a record failed its CRC check
	ErrChecksumMismatch = errors.New("wal: checksum mismatch")

	// ErrEmptyWAL indicates the journal has no records
	ErrEmptyWAL = errors.New("wal: file is empty")

	// ErrWALClosed indicates the journal is closed
	ErrWALClosed = errors.New("wal: already closed")

	// ErrSyncFailed indicates fsync failed
	ErrSyncFailed = errors.New("wal: sync to disk failed")
)

// ChecksumError carries the failing record
type ChecksumError struct {
	Seq      uint64
	Expected uint32
	Actual   uint32
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("wal: checksum mismatch at seq=%d (expected=0x%08x, got=0x%08x)", e.Seq, e.Expected, e.Actual)
}

func (e *ChecksumError) Is(target error) bool {
	return target == ErrChecksumMismatch
}

// CorruptionError locates an unparsable record
type CorruptionError struct {
	Line  int   // 1-based line in the journal
	Cause error // Underlying error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("wal: corrupted record at line %d: %v", e.Line, e.Cause)
}

func (e *CorruptionError) Unwrap() error {
	return e.Cause
}

func (e *CorruptionError) Is(target error) bool {
	return target == ErrCorruptedWAL
}

// SeqGapError reports a break in the sequence numbering
type SeqGapError struct {
	After uint64
	Got   uint64
}

func (e *SeqGapError) Error() string {
	return fmt.Sprintf("wal: sequence gap after seq=%d (got %d)", e.After, e.Got)
}
