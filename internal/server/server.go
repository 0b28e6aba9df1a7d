package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"go.uber.org/multierr"

	"github.com/ChuLiYu/pbs-jobcore/internal/attr"
	"github.com/ChuLiYu/pbs-jobcore/internal/batch"
	"github.com/ChuLiYu/pbs-jobcore/internal/controller"
	"github.com/ChuLiYu/pbs-jobcore/internal/jobmanager"
	"github.com/ChuLiYu/pbs-jobcore/internal/move"
	"github.com/ChuLiYu/pbs-jobcore/internal/snapshot"
	"github.com/ChuLiYu/pbs-jobcore/internal/storage/wal"
	"github.com/ChuLiYu/pbs-jobcore/internal/transport"
	"github.com/ChuLiYu/pbs-jobcore/pkg/types"
)

var log = slog.Default()

// Config controls who is a manager and where jobs without a destination land.
type Config struct {
	// Managers lists "user" or "user@host" entries granted manager rights.
	Managers []string
	// DefaultQueue receives inbound jobs that name no queue.
	DefaultQueue string
}

// Server implements the gRPC JobMove service: the receiving half of job
// migration plus the qalter, qmove and status requests.
type Server struct {
	transport.UnimplementedJobMoveServer

	controller *controller.Controller
	config     Config

	// Inbound jobs between QueueJob and Commit. They are saved to disk but
	// not visible in any queue.
	mu     sync.Mutex
	staged map[types.JobID]*inbound
}

type inbound struct {
	job  *types.Job
	from string
}

// NewServer creates a new gRPC server instance.
func NewServer(ctrl *controller.Controller, config Config) *Server {
	return &Server{
		controller: ctrl,
		config:     config,
		staged:     make(map[types.JobID]*inbound),
	}
}

func ok() *batch.Reply { return &batch.Reply{} }

func fail(err error) *batch.Reply {
	code := types.CodeOf(err)
	return &batch.Reply{Code: code, Text: err.Error()}
}

// QueueJob stages an inbound job in TRANSIT/TransitIn.
func (s *Server) QueueJob(ctx context.Context, req *transport.QueueJobRequest) (*batch.Reply, error) {
	jm := s.controller.JobManager()
	if jm.Job(req.JobID) != nil {
		return fail(types.NewError(types.CodeJobExist, string(req.JobID))), nil
	}

	dest := req.Destination
	if dest == "" {
		dest = s.config.DefaultQueue
	}
	q, release := s.controller.Locks().LockQueue(dest)
	if q == nil {
		return fail(types.Errorf(types.CodeUnkQue, "%s", dest)), nil
	}

	now := jm.Clock().Now().Unix()
	job := &types.Job{
		ID:         req.JobID,
		FilePrefix: attr.JobSeq(req.JobID),
		Queue:      dest,
		CreateTime: now,
		ModifyTime: now,
		Attrs:      attr.NewJobAttrs(),
	}
	if err := attr.DecodeAll(attr.JobDefs, job.Attrs, req.Attrs, attr.JobUnknown); err != nil {
		release()
		log.Warn("Rejecting inbound job with bad attributes", "jobID", req.JobID, "from", req.From, "error", err)
		return fail(multierr.Errors(err)[0]), nil
	}
	err := move.Admission{}.CheckQueue(job, q, move.KindRoute, jm)
	release()
	if err != nil {
		return fail(err), nil
	}
	if err := jobmanager.SetState(job, types.StateTransit, types.SubTransitIn); err != nil {
		return fail(err), nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, exists := s.staged[req.JobID]; exists {
		if prev.job.Substate != types.SubTransitIn {
			return fail(types.NewError(types.CodeJobExist, string(req.JobID))), nil
		}
		// sender retried after a lost reply
		log.Info("Restarting inbound transfer", "jobID", req.JobID, "from", req.From)
	}
	if err := s.controller.Images().Save(job, snapshot.SaveFull); err != nil {
		log.Error("Failed to save inbound job", "jobID", job.ID, "error", err)
		return fail(types.NewError(types.CodeSystem, "")), nil
	}
	s.staged[req.JobID] = &inbound{job: job, from: req.From}
	log.Info("Inbound job staged", "jobID", job.ID, "queue", dest, "from", req.From)
	return ok(), nil
}

func (s *Server) stagedJob(id types.JobID) (*inbound, error) {
	in, exists := s.staged[id]
	if !exists {
		return nil, types.NewError(types.CodeUnkJobID, string(id))
	}
	return in, nil
}

// JobScript stores the job script in the spool.
func (s *Server) JobScript(ctx context.Context, req *transport.ScriptRequest) (*batch.Reply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, err := s.stagedJob(req.JobID)
	if err != nil {
		return fail(err), nil
	}
	if err := s.controller.Spool().WriteScript(in.job, req.Data); err != nil {
		log.Error("Failed to write inbound script", "jobID", req.JobID, "error", err)
		return fail(types.NewError(types.CodeSystem, "")), nil
	}
	in.job.SvrFlags |= types.FlagScript
	return ok(), nil
}

// JobFile stores an output or checkpoint file in the spool.
func (s *Server) JobFile(ctx context.Context, req *transport.FileRequest) (*batch.Reply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, err := s.stagedJob(req.JobID)
	if err != nil {
		return fail(err), nil
	}
	if err := s.controller.Spool().WriteFile(in.job, req.Which, req.Data); err != nil {
		log.Error("Failed to write inbound file", "jobID", req.JobID, "file", req.Which.String(), "error", err)
		return fail(types.NewError(types.CodeSystem, "")), nil
	}
	return ok(), nil
}

// ReadyToCommit moves the staged job to TransitInCommit.
func (s *Server) ReadyToCommit(ctx context.Context, req *transport.JobRequest) (*batch.Reply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, err := s.stagedJob(req.JobID)
	if err != nil {
		return fail(err), nil
	}
	if err := jobmanager.SetState(in.job, types.StateTransit, types.SubTransitInCommit); err != nil {
		return fail(err), nil
	}
	if err := s.controller.Images().Save(in.job, snapshot.SaveQuick); err != nil {
		log.Error("Failed to save inbound job", "jobID", req.JobID, "error", err)
		return fail(types.NewError(types.CodeSystem, "")), nil
	}
	return ok(), nil
}

// Commit enqueues the staged job with a new rank. The image is saved before
// the job becomes visible.
func (s *Server) Commit(ctx context.Context, req *transport.JobRequest) (*batch.Reply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, err := s.stagedJob(req.JobID)
	if err != nil {
		return fail(err), nil
	}
	job := in.job
	jm := s.controller.JobManager()
	if jm.Job(job.ID) != nil {
		delete(s.staged, req.JobID)
		return fail(types.NewError(types.CodeJobExist, string(job.ID))), nil
	}
	now := jm.Clock().Now()

	job.Attrs[attr.JobQueueRank] = types.Value{Type: types.TypeLong, Flags: types.AttrSet | types.AttrModify, Long: jm.NextRank()}
	if err := jobmanager.EvalAndSet(job, true, now); err != nil {
		return fail(err), nil
	}
	job.ModifyTime = now.Unix()
	if err := s.controller.Images().Save(job, snapshot.SaveFull); err != nil {
		log.Error("Failed to save committed job", "jobID", job.ID, "error", err)
		return fail(types.NewError(types.CodeSystem, "")), nil
	}
	if err := jm.AddJob(job); err != nil {
		log.Error("Failed to enqueue committed job", "jobID", job.ID, "queue", job.Queue, "error", err)
		if rmErr := s.controller.Images().Remove(job); rmErr != nil {
			log.Error("Failed to remove job image", "jobID", job.ID, "error", rmErr)
		}
		delete(s.staged, req.JobID)
		if errors.Is(err, jobmanager.ErrQueueNotFound) {
			return fail(types.Errorf(types.CodeUnkQue, "%s", job.Queue)), nil
		}
		return fail(types.NewError(types.CodeSystem, err.Error())), nil
	}
	delete(s.staged, req.JobID)

	if j := s.controller.Journal(); j != nil {
		if err := j.Append(wal.Event{Type: wal.EventQueued, JobID: job.ID, Queue: job.Queue, Requester: in.from}, true); err != nil {
			log.Error("Failed to journal event", "jobID", job.ID, "error", err)
		}
	}
	log.Info("Inbound job committed", "jobID", job.ID, "queue", job.Queue, "state", job.State.String())
	return ok(), nil
}

// Staged returns the number of inbound jobs awaiting commit.
func (s *Server) Staged() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.staged)
}

// ============================================================================
// Client requests
// ============================================================================

func (s *Server) perm(user, host string) attr.Perm {
	for _, m := range s.config.Managers {
		if m == user || m == user+"@"+host {
			return attr.PermUserRead | attr.PermUserWrite | attr.PermMgr
		}
	}
	return attr.PermUserRead | attr.PermUserWrite
}

// submit hands the request to the controller and waits for the reply.
func (s *Server) submit(ctx context.Context, req *batch.Request) (*batch.Reply, error) {
	if err := s.controller.Submit(req); err != nil {
		log.Warn("Request not accepted", "requestID", req.ID, "type", req.Type.String(), "error", err)
	}
	rep, err := req.Wait(ctx)
	if err != nil {
		return nil, err
	}
	return &rep, nil
}

// ModifyJob handles qalter for a job or an array.
func (s *Server) ModifyJob(ctx context.Context, in *transport.ModifyRequest) (*batch.Reply, error) {
	typ := batch.TypeModifyJob
	switch {
	case in.Array:
		typ = batch.TypeModifyArray
	case in.Async:
		typ = batch.TypeAsyModifyJob
	}
	req := batch.New(typ, in.User, in.Host, s.perm(in.User, in.Host), in.JobID)
	req.Attrs = in.Attrs
	req.Extend = in.Extend
	return s.submit(ctx, req)
}

// MoveJob handles qmove.
func (s *Server) MoveJob(ctx context.Context, in *transport.MoveRequest) (*batch.Reply, error) {
	req := batch.New(batch.TypeMoveJob, in.User, in.Host, s.perm(in.User, in.Host), in.JobID)
	req.Destination = in.Destination
	return s.submit(ctx, req)
}

// Status returns the controller status as JSON.
func (s *Server) Status(ctx context.Context, _ *transport.StatusRequest) (*batch.Reply, error) {
	status := s.controller.GetStatus()
	status["staged_inbound"] = s.Staged()
	data, err := json.Marshal(status)
	if err != nil {
		return fail(types.Errorf(types.CodeSystem, "encode status: %v", err)), nil
	}
	return &batch.Reply{Data: string(data)}, nil
}
