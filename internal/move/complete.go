package move

import (
	"context"

	"github.com/ChuLiYu/pbs-jobcore/internal/attr"
	"github.com/ChuLiYu/pbs-jobcore/internal/batch"
	"github.com/ChuLiYu/pbs-jobcore/internal/jobmanager"
	"github.com/ChuLiYu/pbs-jobcore/internal/snapshot"
	"github.com/ChuLiYu/pbs-jobcore/internal/storage/wal"
	"github.com/ChuLiYu/pbs-jobcore/pkg/types"
)

const (
	msgRouteRejected  = "Routing request rejected"
	msgRouteExceeded  = "Job routing exceeded max retry count"
	msgMigrateTimeout = "job migrate timed out"
)

// PostRoute completes a route handshake on the locked job.
func (e *Engine) PostRoute(ctx context.Context, job *types.Job, o Outcome) {
	exit := o.Exit
	if o.Crashed {
		exit = ExitRetry
	}

	switch exit {
	case ExitSuccess:
		if job.HasFlag(types.FlagStagedIn) {
			if err := e.cfg.Spool.RemoveStageIn(job); err != nil {
				log.Warn("Failed to remove stage-in files", "jobID", job.ID, "error", err)
			}
		}
		if job.HasFlag(types.FlagCheckpointCopied) {
			if err := e.cfg.Spool.RemoveCheckpoint(job); err != nil {
				log.Warn("Failed to remove checkpoint files", "jobID", job.ID, "error", err)
			}
		}
		e.purge(job, wal.EventMoved, job.Destination)
		return

	case ExitPermanent:
		job.AddBadDest(job.Destination)
		job.Modified = true

	default:
		job.RouteRetry++
		job.Modified = true
	}

	if err := jobmanager.EvalAndSet(job, true, e.cfg.Clock.Now()); err != nil {
		log.Error("Failed to re-evaluate routed job", "jobID", job.ID, "error", err)
	}
	e.save(job, snapshot.SaveQuick)
	e.RouteOrAbort(ctx, job)
}

// RouteOrAbort routes a locked job and aborts it when no destination can
// take it. It reports whether the job is still on this server.
func (e *Engine) RouteOrAbort(ctx context.Context, job *types.Job) bool {
	switch code := e.Route(ctx, job); code {
	case types.CodeNone:
		return true
	case types.CodeRouteRej:
		e.Abort(job, msgRouteRejected)
	default:
		e.Abort(job, msgRouteExceeded)
	}
	return false
}

// PostMove completes a client move. job is the live record, nil when it
// vanished; spawned is the record the handshake started from.
func (e *Engine) PostMove(ctx context.Context, job, spawned *types.Job, req *batch.Request, o Outcome) {
	switch {
	case job == nil:
		log.Error("Moved job no longer exists", "jobID", spawned.ID)
	case job != spawned:
		log.Error("Moved job was replaced during the move", "jobID", job.ID)
		job = nil
	}

	code := types.CodeNone
	switch {
	case o.Crashed:
		code = types.CodeSystem
	case o.Exit != ExitSuccess:
		code = types.CodeRouteRej
	}

	if code == types.CodeNone {
		if job != nil {
			e.purge(job, wal.EventMoved, job.Destination)
		}
		if req != nil {
			req.Ack()
		}
		return
	}

	if job != nil {
		log.Warn("Move failed, job stays", "jobID", job.ID, "destination", job.Destination, "exit", o.Exit.String(), "code", int(o.Code))
		if err := jobmanager.EvalAndSet(job, true, e.cfg.Clock.Now()); err != nil {
			log.Error("Failed to re-evaluate job after move", "jobID", job.ID, "error", err)
		}
		e.save(job, snapshot.SaveQuick)
	}
	if req != nil {
		req.Reject(code, "")
	}
}

// PostSend completes an exec dispatch on the locked job.
func (e *Engine) PostSend(ctx context.Context, job *types.Job, node string, o Outcome) {
	if o.Exit == ExitSuccess && !o.Crashed {
		if err := jobmanager.SetState(job, types.StateRunning, types.SubRunning); err != nil {
			log.Error("Failed to mark job running", "jobID", job.ID, "error", err)
		}
		job.SvrFlags |= types.FlagHasRun
		e.save(job, snapshot.SaveFull)
		log.Info("Job running", "jobID", job.ID, "node", node)
		e.journal(wal.Event{Type: wal.EventRunning, JobID: job.ID, Queue: job.Queue, Detail: node}, true)
		return
	}

	comment := ""
	if o.Exit == ExitTimeout {
		comment = msgMigrateTimeout
		if e.cfg.Nodes != nil {
			e.cfg.Nodes.MarkDown(node, msgMigrateTimeout)
		}
	}
	log.Warn("Dispatch failed, requeueing job", "jobID", job.ID, "node", node, "exit", o.Exit.String(), "code", int(o.Code))
	e.requeue(job, comment)
}

// requeue returns a job that failed to start to its queue.
func (e *Engine) requeue(job *types.Job, comment string) {
	job.Attrs[attr.JobExecHost].Clear()
	job.Attrs[attr.JobExecHost].Flags |= types.AttrModify
	if comment != "" {
		job.Attrs[attr.JobComment] = types.Value{Type: types.TypeString, Flags: types.AttrSet | types.AttrModify, Str: comment}
	}
	if err := jobmanager.SetState(job, types.StateQueued, types.SubQueued); err != nil {
		log.Error("Failed to requeue job", "jobID", job.ID, "error", err)
	}
	if err := jobmanager.EvalAndSet(job, false, e.cfg.Clock.Now()); err != nil {
		log.Error("Failed to re-evaluate requeued job", "jobID", job.ID, "error", err)
	}
	e.save(job, snapshot.SaveFull)
	e.journal(wal.Event{Type: wal.EventRequeued, JobID: job.ID, Queue: job.Queue, Detail: comment}, false)
}

// Route tries the destinations of the job's route queue, starting after
// the ones already tried. It returns CodeRouteRej when every destination
// is known bad and CodeRouteExpd once the route retry limit is used up.
func (e *Engine) Route(ctx context.Context, job *types.Job) types.Code {
	q := e.cfg.Registry.Queue(job.Queue)
	if q == nil || q.Type != types.QueueRoute {
		return types.CodeNone
	}
	if e.routeExpired(job) {
		return types.CodeRouteExpd
	}
	dests := q.Attrs[attr.QueRouteDestinations].List
	if len(dests) == 0 {
		log.Warn("Route queue has no destinations", "queue", q.Name, "jobID", job.ID)
		return types.CodeNone
	}

	for job.LastDest < len(dests) {
		d := dests[job.LastDest]
		job.LastDest++
		job.Modified = true
		if job.IsBadDest(d) {
			continue
		}
		res, err := e.MoveJob(ctx, job, d, nil)
		switch res {
		case Done, Deferred:
			return types.CodeNone
		case Retry:
			job.LastDest--
			job.RouteRetry++
			if e.routeExpired(job) {
				return types.CodeRouteExpd
			}
			log.Info("Route destination busy, will retry", "jobID", job.ID, "destination", d, "error", err)
			return types.CodeNone
		default:
			log.Warn("Route destination rejected job", "jobID", job.ID, "destination", d, "error", err)
			job.AddBadDest(d)
		}
	}

	for _, d := range dests {
		if !job.IsBadDest(d) {
			job.LastDest = 0
			return types.CodeNone
		}
	}
	return types.CodeRouteRej
}

func (e *Engine) routeExpired(job *types.Job) bool {
	return e.cfg.RouteRetryLimit > 0 && job.RouteRetry >= e.cfg.RouteRetryLimit
}

// Abort removes a job that can no longer be routed.
func (e *Engine) Abort(job *types.Job, msg string) {
	log.Warn("Aborting job", "jobID", job.ID, "queue", job.Queue, "reason", msg)
	e.journal(wal.Event{Type: wal.EventAborted, JobID: job.ID, Queue: job.Queue, Detail: msg}, true)
	if err := jobmanager.SetState(job, types.StateComplete, types.SubAbort); err != nil {
		log.Error("Failed to set aborted state", "jobID", job.ID, "error", err)
	}
	e.remove(job)
}

// purge removes a job that now lives elsewhere.
func (e *Engine) purge(job *types.Job, ev wal.EventType, detail string) {
	log.Info("Job left this server", "jobID", job.ID, "destination", detail)
	e.journal(wal.Event{Type: ev, JobID: job.ID, Queue: job.Queue, Detail: detail}, true)
	e.journal(wal.Event{Type: wal.EventPurged, JobID: job.ID, Queue: job.Queue}, false)
	e.remove(job)
}

func (e *Engine) remove(job *types.Job) {
	if err := e.cfg.Registry.RemoveJob(job.ID); err != nil {
		log.Error("Failed to remove job from registry", "jobID", job.ID, "error", err)
	}
	if err := e.cfg.Store.Remove(job); err != nil {
		log.Error("Failed to remove job image", "jobID", job.ID, "error", err)
	}
}

func (e *Engine) save(job *types.Job, kind snapshot.SaveKind) {
	if err := e.cfg.Store.Save(job, kind); err != nil {
		log.Error("Failed to save job", "jobID", job.ID, "kind", kind.String(), "error", err)
	}
}
