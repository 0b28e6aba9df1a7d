package move

import (
	"context"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/ChuLiYu/pbs-jobcore/internal/attr"
	"github.com/ChuLiYu/pbs-jobcore/internal/batch"
	"github.com/ChuLiYu/pbs-jobcore/internal/jobmanager"
	"github.com/ChuLiYu/pbs-jobcore/internal/snapshot"
	"github.com/ChuLiYu/pbs-jobcore/internal/storage/wal"
	"github.com/ChuLiYu/pbs-jobcore/pkg/types"
)

// DefaultPort is the peer server port used when a destination names none.
const DefaultPort = 15001

// Config wires the engine to its collaborators.
type Config struct {
	ServerName  string   // this server's host name
	ServerAddrs []string // other names and addresses that mean this server
	DefaultPort int

	RetryLimit    int
	RetryInterval time.Duration
	// RouteRetryLimit aborts a routed job after this many retryable route
	// failures. Zero means no limit.
	RouteRetryLimit int
	Admission       Admission

	Registry   Registry
	Store      Store
	Locks      JobLocker
	Transport  Transport
	Spool      Spool
	Mailbox    Mailbox
	Nodes      NodeMarker // may be nil
	Journal    Journal    // may be nil
	Recorder   Recorder   // may be nil
	Dispatches Dispatches // may be nil
	Clock      clock.Clock
}

// Engine moves jobs between queues, servers and execution nodes. Callers
// hold the job lock across MoveJob, Route and SendToMOM; completion
// callbacks take it themselves.
type Engine struct {
	cfg Config
	wg  sync.WaitGroup
}

// NewEngine creates an engine.
func NewEngine(cfg Config) *Engine {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.DefaultPort == 0 {
		cfg.DefaultPort = DefaultPort
	}
	return &Engine{cfg: cfg}
}

// Wait blocks until every handshake goroutine has returned.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// KindOf picks the move kind for a request: no request is a route, a
// manager request is a manager move.
func KindOf(req *batch.Request) Kind {
	switch {
	case req == nil:
		return KindRoute
	case req.Perm.IsManager():
		return KindManagerMove
	}
	return KindMove
}

// MoveJob moves a locked job to destination, "queue", "queue@host" or
// "queue@host:port". A Deferred result means the reply to req and the
// job's fate are decided by the completion step once the handshake ends.
// ctx bounds the handshake.
func (e *Engine) MoveJob(ctx context.Context, job *types.Job, destination string, req *batch.Request) (Result, error) {
	kind := KindOf(req)
	res, err := e.moveJob(ctx, job, destination, kind, req)
	if e.cfg.Recorder != nil {
		e.cfg.Recorder.ObserveMove(kind.String(), res.String())
	}
	return res, err
}

func (e *Engine) moveJob(ctx context.Context, job *types.Job, destination string, kind Kind, req *batch.Request) (Result, error) {
	if len(destination) >= MaxRouteDest {
		return Rejected, types.Errorf(types.CodeQueNBig, "destination is %d bytes", len(destination))
	}
	job.Destination = destination
	job.Modified = true

	queue, host, local := e.parseDest(destination)
	if local {
		return e.localMove(job, queue, kind)
	}
	return e.netMove(ctx, job, queue, host, kind, req)
}

// parseDest splits destination and reports whether it names this server.
// Host names are compared as strings; no lookup is done.
func (e *Engine) parseDest(destination string) (queue, host string, local bool) {
	queue, host, hasHost := strings.Cut(destination, "@")
	if !hasHost {
		return queue, "", true
	}
	name := host
	if h, _, err := net.SplitHostPort(host); err == nil {
		name = h
	}
	if strings.EqualFold(name, "localhost") || strings.EqualFold(name, e.cfg.ServerName) {
		return queue, host, true
	}
	for _, a := range e.cfg.ServerAddrs {
		if strings.EqualFold(name, a) || host == a {
			return queue, host, true
		}
	}
	return queue, host, false
}

// addr adds the default port to host when it has none.
func (e *Engine) addr(host string) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(host, strconv.Itoa(e.cfg.DefaultPort))
}

func (e *Engine) localMove(job *types.Job, name string, kind Kind) (Result, error) {
	q := e.cfg.Registry.Queue(name)
	if q == nil {
		log.Warn("Move to unknown queue", "jobID", job.ID, "queue", name)
		return Rejected, types.Errorf(types.CodeUnkQue, "%s", name)
	}

	if err := e.cfg.Admission.CheckQueue(job, q, kind, e.cfg.Registry); err != nil {
		code := types.CodeOf(err)
		log.Info("Queue refused job", "jobID", job.ID, "queue", name, "kind", kind.String(), "code", int(code), "error", err)
		return Result(ShouldRetryRoute(code)), err
	}

	from := job.Queue
	e.cfg.Registry.Dequeue(job)
	job.Queue = q.Name
	job.Attrs[attr.JobQueueRank] = types.Value{
		Type:  types.TypeLong,
		Flags: types.AttrSet | types.AttrModify,
		Long:  e.cfg.Registry.NextRank(),
	}
	if err := e.cfg.Registry.Enqueue(job); err != nil {
		log.Error("Failed to enqueue moved job", "jobID", job.ID, "queue", q.Name, "error", err)
		return Rejected, types.Errorf(types.CodeSystem, "enqueue: %v", err)
	}
	job.LastDest = 0
	job.RouteRetry = 0
	job.Modified = true

	if err := e.cfg.Store.Save(job, snapshot.SaveFull); err != nil {
		log.Error("Failed to save moved job", "jobID", job.ID, "error", err)
		return Rejected, types.Errorf(types.CodeSystem, "save: %v", err)
	}
	log.Info("Job moved", "jobID", job.ID, "from", from, "to", q.Name, "kind", kind.String())
	e.journal(wal.Event{Type: wal.EventMoved, JobID: job.ID, Queue: q.Name, Detail: from + "->" + q.Name}, true)
	return Done, nil
}

func (e *Engine) netMove(ctx context.Context, job *types.Job, queue, host string, kind Kind, req *batch.Request) (Result, error) {
	if req != nil {
		if err := req.Handoff(); err != nil {
			return Rejected, types.NewError(types.CodeInternal, "request already handed off")
		}
	}

	if err := jobmanager.SetState(job, types.StateTransit, types.SubTransitOut); err != nil {
		return Rejected, types.Errorf(types.CodeInternal, "%v", err)
	}
	if err := e.cfg.Store.Save(job, snapshot.SaveQuick); err != nil {
		log.Error("Failed to save job entering transit", "jobID", job.ID, "error", err)
	}

	spawned := job
	key := Key{JobID: job.ID, Token: uuid.NewString()}
	e.cfg.Mailbox.Register(key, func(ctx context.Context, o Outcome) {
		live, release := e.cfg.Locks.LockJob(key.JobID)
		if live != nil {
			defer release()
		}
		if kind == KindRoute {
			if live == nil || live != spawned {
				log.Warn("Routed job changed while in transit", "jobID", key.JobID, "exit", o.Exit.String())
				return
			}
			e.PostRoute(ctx, live, o)
			return
		}
		e.PostMove(ctx, live, spawned, req, o)
	})

	hs := &Handshake{
		Transport:     e.cfg.Transport,
		Addr:          e.addr(host),
		Kind:          kind,
		Job:           job.Clone(),
		Destination:   queue,
		Attrs:         serverAttrs(job),
		Spool:         e.cfg.Spool,
		SaveSubstate:  e.substateSaver(job.ID, spawned),
		RetryLimit:    e.cfg.RetryLimit,
		RetryInterval: e.cfg.RetryInterval,
		Clock:         e.cfg.Clock,
		Recorder:      e.cfg.Recorder,
	}
	log.Info("Sending job to server", "jobID", job.ID, "addr", hs.Addr, "queue", queue, "kind", kind.String())
	e.spawn(ctx, key, hs)
	return Deferred, nil
}

// SendToMOM dispatches a queued, locked job to an execution node. The job
// becomes RUNNING once the node commits; PostSend handles the outcome.
func (e *Engine) SendToMOM(ctx context.Context, job *types.Job, node, addr string) (Result, error) {
	if job.State != types.StateQueued {
		return Rejected, types.Errorf(types.CodeBadState, "job is %s", job.State)
	}
	if err := jobmanager.SetState(job, types.StateRunning, types.SubPrerun); err != nil {
		return Rejected, types.Errorf(types.CodeInternal, "%v", err)
	}
	job.Attrs[attr.JobExecHost] = types.Value{Type: types.TypeString, Flags: types.AttrSet | types.AttrModify, Str: node}
	if err := e.cfg.Store.Save(job, snapshot.SaveQuick); err != nil {
		log.Error("Failed to save job before dispatch", "jobID", job.ID, "error", err)
	}
	if e.cfg.Dispatches != nil {
		e.cfg.Dispatches.Record(job.ID, node)
	}

	spawned := job
	key := Key{JobID: job.ID, Token: uuid.NewString()}
	e.cfg.Mailbox.Register(key, func(ctx context.Context, o Outcome) {
		live, release := e.cfg.Locks.LockJob(key.JobID)
		if live == nil {
			log.Warn("Job gone before dispatch completed", "jobID", key.JobID, "node", node)
			return
		}
		defer release()
		if live != spawned {
			log.Warn("Job changed while being dispatched", "jobID", key.JobID, "node", node)
			return
		}
		e.PostSend(ctx, live, node, o)
	})

	hs := &Handshake{
		Transport:     e.cfg.Transport,
		Addr:          e.addr(addr),
		Kind:          KindExec,
		Job:           job.Clone(),
		Attrs:         attr.Encode(attr.JobDefs, job.Attrs, attr.AudMOM),
		Spool:         e.cfg.Spool,
		SameHost:      strings.EqualFold(node, e.cfg.ServerName),
		RetryLimit:    e.cfg.RetryLimit,
		RetryInterval: e.cfg.RetryInterval,
		Clock:         e.cfg.Clock,
		Recorder:      e.cfg.Recorder,
	}
	log.Info("Sending job to MOM", "jobID", job.ID, "node", node, "addr", hs.Addr)
	if e.cfg.Recorder != nil {
		e.cfg.Recorder.ObserveMove(KindExec.String(), Deferred.String())
	}
	e.spawn(ctx, key, hs)
	return Deferred, nil
}

// Resume restarts the handshake of a job recovered in TransitOut or
// TransitOutCommit. The job must be locked.
func (e *Engine) Resume(ctx context.Context, job *types.Job) error {
	if job.State != types.StateTransit ||
		(job.Substate != types.SubTransitOut && job.Substate != types.SubTransitOutCommit) {
		return types.Errorf(types.CodeBadState, "job is %s/%s", job.State, job.Substate)
	}
	queue, host, local := e.parseDest(job.Destination)
	if local {
		if err := jobmanager.EvalAndSet(job, true, e.cfg.Clock.Now()); err != nil {
			return err
		}
		return e.cfg.Store.Save(job, snapshot.SaveQuick)
	}

	spawned := job
	key := Key{JobID: job.ID, Token: uuid.NewString()}
	e.cfg.Mailbox.Register(key, func(ctx context.Context, o Outcome) {
		live, release := e.cfg.Locks.LockJob(key.JobID)
		if live == nil {
			return
		}
		defer release()
		if live != spawned {
			log.Warn("Resumed job changed while in transit", "jobID", key.JobID)
			return
		}
		e.PostRoute(ctx, live, o)
	})

	hs := &Handshake{
		Transport:     e.cfg.Transport,
		Addr:          e.addr(host),
		Kind:          KindRoute,
		Job:           job.Clone(),
		Destination:   queue,
		Attrs:         serverAttrs(job),
		Spool:         e.cfg.Spool,
		SaveSubstate:  e.substateSaver(job.ID, spawned),
		RetryLimit:    e.cfg.RetryLimit,
		RetryInterval: e.cfg.RetryInterval,
		Clock:         e.cfg.Clock,
		Recorder:      e.cfg.Recorder,
	}
	log.Info("Resuming job transit", "jobID", job.ID, "addr", hs.Addr, "substate", job.Substate.String())
	e.spawn(ctx, key, hs)
	return nil
}

// serverAttrs encodes the attributes a peer server needs. A checkpointed
// job also carries its session id.
func serverAttrs(job *types.Job) []attr.Op {
	if job.Attrs[attr.JobCheckpointName].IsSet() {
		return attr.Encode(attr.JobDefs, job.Attrs, attr.AudServer, attr.JobSessionID)
	}
	return attr.Encode(attr.JobDefs, job.Attrs, attr.AudServer)
}

// substateSaver persists handshake progress on the live job, refusing when
// the id now names a different job.
func (e *Engine) substateSaver(id types.JobID, spawned *types.Job) func(types.Substate) error {
	return func(ss types.Substate) error {
		live, release := e.cfg.Locks.LockJob(id)
		if live == nil {
			return ErrJobRecycled
		}
		defer release()
		if live != spawned {
			return ErrJobRecycled
		}
		if err := jobmanager.SetState(live, types.StateTransit, ss); err != nil {
			return err
		}
		return e.cfg.Store.Save(live, snapshot.SaveQuick)
	}
}

func (e *Engine) spawn(ctx context.Context, key Key, hs *Handshake) {
	e.inTransit(1)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		o := runHandshake(ctx, hs)
		e.inTransit(-1)
		if e.cfg.Recorder != nil {
			e.cfg.Recorder.ObserveOutcome(o.Exit.String())
		}
		e.cfg.Mailbox.Post(key, o)
	}()
}

func runHandshake(ctx context.Context, hs *Handshake) (o Outcome) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("Handshake panicked", "jobID", hs.Job.ID, "panic", r)
			o = Outcome{Exit: ExitPermanent, Code: types.CodeSystem, Crashed: true}
		}
	}()
	return hs.Run(ctx)
}

func (e *Engine) inTransit(delta int) {
	if e.cfg.Recorder != nil {
		e.cfg.Recorder.AddInTransit(delta)
	}
}

func (e *Engine) journal(ev wal.Event, force bool) {
	if e.cfg.Journal == nil {
		return
	}
	if err := e.cfg.Journal.Append(ev, force); err != nil {
		log.Error("Failed to journal job event", "jobID", ev.JobID, "type", ev.Type, "error", err)
	}
}
