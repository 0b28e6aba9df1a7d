package wal

import "github.com/ChuLiYu/pbs-jobcore/pkg/types"

// ============================================================================
// Journal Type Definitions
// Responsibility: Define the accounting records written for job events
// ============================================================================

// EventType defines journal event types
type EventType string

const (
	EventQueued   EventType = "QUEUED"   // Job accepted from a peer server
	EventMoved    EventType = "MOVED"    // Job moved to another queue or server
	EventModified EventType = "MODIFIED" // Job attributes altered
	EventAborted  EventType = "ABORTED"  // Job aborted by routing
	EventPurged   EventType = "PURGED"   // Job removed from this server
	EventRunning  EventType = "RUNNING"  // Job handed to an execution node
	EventRequeued EventType = "REQUEUED" // Job returned to its queue
)

// Event represents one journal record
type Event struct {
	Seq       uint64      `json:"seq"`                 // Event sequence number (monotonically increasing)
	Type      EventType   `json:"type"`                // Event type
	JobID     types.JobID `json:"job_id"`              // Job ID
	Queue     string      `json:"queue,omitempty"`     // Queue the job is in after the event
	Requester string      `json:"requester,omitempty"` // user@host that caused the event
	Detail    string      `json:"detail,omitempty"`    // Free text: destination, attribute list, reason
	Timestamp int64       `json:"timestamp"`           // Unix millisecond timestamp
	Checksum  uint32      `json:"checksum"`            // CRC32 checksum
}

// EventHandler is the function type for processing journal events
type EventHandler func(event Event) error
