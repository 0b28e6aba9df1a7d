// Package move implements job migration: moves between local queues, the
// network handshake that hands a job to a peer server or an execution node,
// and the completion steps that run once a handshake reports back.
package move

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"syscall"

	"github.com/ChuLiYu/pbs-jobcore/internal/attr"
	"github.com/ChuLiYu/pbs-jobcore/internal/snapshot"
	"github.com/ChuLiYu/pbs-jobcore/internal/storage/wal"
	"github.com/ChuLiYu/pbs-jobcore/pkg/types"
)

var log = slog.Default()

// MaxRouteDest bounds destination strings; a destination must be shorter.
const MaxRouteDest = 1024

var (
	// ErrInProgress is returned by Conn.Commit when the receiver is still
	// processing; the handshake treats it as a timeout.
	ErrInProgress = types.NewError(types.CodeInProgress, "")

	// ErrConnFatal marks a Dial failure that must not be retried.
	ErrConnFatal = errors.New("move: fatal connect error")

	// ErrJobRecycled is returned when a job id was reused while a handshake
	// was in flight.
	ErrJobRecycled = types.NewError(types.CodeJobRecycled, "")
)

// Result is what MoveJob reports to its caller.
type Result int

const (
	Rejected Result = -1 // permanent failure, see the error
	Done     Result = 0
	Retry    Result = 1 // failed, try this destination again later
	Deferred Result = 2 // handshake running, completion comes later
)

func (r Result) String() string {
	switch r {
	case Rejected:
		return "rejected"
	case Done:
		return "done"
	case Retry:
		return "retry"
	case Deferred:
		return "deferred"
	}
	return fmt.Sprintf("Result(%d)", int(r))
}

// Kind is the reason for a move. It decides admission checks and which
// completion step runs.
type Kind int

const (
	KindRoute Kind = iota
	KindMove
	KindManagerMove
	KindExec
)

func (k Kind) String() string {
	switch k {
	case KindRoute:
		return "route"
	case KindMove:
		return "move"
	case KindManagerMove:
		return "manager_move"
	case KindExec:
		return "exec"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Exit is the handshake's final status.
type Exit int

const (
	ExitSuccess   Exit = 0
	ExitPermanent Exit = 1
	ExitRetry     Exit = 2
	ExitTimeout   Exit = 10
)

func (e Exit) String() string {
	switch e {
	case ExitSuccess:
		return "success"
	case ExitPermanent:
		return "permanent"
	case ExitRetry:
		return "retry"
	case ExitTimeout:
		return "timeout"
	}
	return fmt.Sprintf("Exit(%d)", int(e))
}

// Outcome is posted by a finished handshake. Crashed is set when the
// handshake goroutine panicked.
type Outcome struct {
	Exit    Exit
	Code    types.Code // last protocol error seen
	Crashed bool
}

// ShouldRetryRoute classifies a failure code: 1 means the destination may
// be tried again, -1 means it should be considered bad.
func ShouldRetryRoute(code types.Code) int {
	switch code {
	case types.CodeNone,
		types.Code(syscall.EADDRINUSE),
		types.Code(syscall.EADDRNOTAVAIL),
		types.CodeSystem,
		types.CodeInternal,
		types.CodeExpired,
		types.CodeMaxQued,
		types.CodeMaxUserQued,
		types.CodeQuNoEnb,
		types.CodeNoConnects:
		return 1
	}
	return -1
}

// Transport opens connections to peer servers and execution nodes.
type Transport interface {
	Dial(ctx context.Context, addr string) (Conn, error)
}

// Conn is one migration session. Each call returns a *types.Error carrying
// the receiver's code on rejection.
type Conn interface {
	QueueJob(ctx context.Context, id types.JobID, destination string, attrs []attr.Op) error
	JobScript(ctx context.Context, id types.JobID, script []byte) error
	JobFile(ctx context.Context, id types.JobID, which types.JobFile, data []byte) error
	ReadyToCommit(ctx context.Context, id types.JobID) error
	Commit(ctx context.Context, id types.JobID) error
	Close() error
}

// Spool reads and removes the files that travel with a job. File returns
// an error wrapping os.ErrNotExist when the file was never created.
type Spool interface {
	Script(job *types.Job) ([]byte, error)
	File(job *types.Job, which types.JobFile) ([]byte, error)
	RemoveStageIn(job *types.Job) error
	RemoveCheckpoint(job *types.Job) error
}

// Registry is the in-memory job and queue index.
type Registry interface {
	Queue(name string) *types.Queue
	Enqueue(job *types.Job) error
	Dequeue(job *types.Job)
	NextRank() int64
	CountInQueue(name string) int
	CountUserInQueue(name, euser string) int
	RemoveJob(id types.JobID) error
}

// Store persists job images.
type Store interface {
	Save(job *types.Job, kind snapshot.SaveKind) error
	Remove(job *types.Job) error
}

// JobLocker gives access to a job under its mutex. A nil job means the job
// is gone.
type JobLocker interface {
	LockJob(id types.JobID) (*types.Job, func())
}

// Key identifies one in-flight handshake.
type Key struct {
	JobID types.JobID
	Token string
}

// Mailbox delivers handshake outcomes back to the owning server loop.
type Mailbox interface {
	Register(key Key, fn func(context.Context, Outcome))
	Post(key Key, o Outcome)
}

// NodeMarker marks an execution node unusable.
type NodeMarker interface {
	MarkDown(node, reason string)
}

// Journal records job events.
type Journal interface {
	Append(event wal.Event, forceFlush bool) error
}

// Recorder receives move metrics.
type Recorder interface {
	ObserveMove(kind, result string)
	ObserveHandshakeAttempt()
	ObserveOutcome(exit string)
	AddInTransit(delta int)
}

// Dispatches records exec dispatches for status reporting.
type Dispatches interface {
	Record(id types.JobID, node string)
}
