package move

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"

	"github.com/ChuLiYu/pbs-jobcore/internal/attr"
	"github.com/ChuLiYu/pbs-jobcore/pkg/types"
)

// DefaultRetryLimit is the number of connection attempts per handshake.
const DefaultRetryLimit = 2

// DefaultRetryInterval is the wait before the first retry; it doubles on
// every further retry.
const DefaultRetryInterval = 2 * time.Second

// Handshake sends one job to a receiver: queue-job, script, files,
// ready-to-commit, commit. It works on a snapshot of the job and never
// touches the live record; substate progress goes through SaveSubstate.
type Handshake struct {
	Transport   Transport
	Addr        string
	Kind        Kind
	Job         *types.Job // snapshot owned by the handshake
	Destination string     // queue name sent to the receiver, may be empty
	Attrs       []attr.Op
	Spool       Spool

	// SameHost is set for exec moves to a node sharing the server's spool.
	SameHost bool

	// SaveSubstate persists substate progress on the live job. Nil skips
	// persistence.
	SaveSubstate func(ss types.Substate) error

	RetryLimit    int
	RetryInterval time.Duration
	Clock         clock.Clock
	Recorder      Recorder
}

type step int

const (
	stepNext    step = iota // try the next attempt
	stepTimeout             // give up on attempts, report timeout
	stepDone                // exit decided
)

// Run drives the handshake to an Outcome. It blocks until the receiver
// committed, the attempts ran out, or ctx ended.
func (h *Handshake) Run(ctx context.Context) Outcome {
	limit := h.RetryLimit
	if limit <= 0 {
		limit = DefaultRetryLimit
	}
	clk := h.Clock
	if clk == nil {
		clk = clock.New()
	}
	bo := h.newBackOff(clk)

	var (
		lastCode types.Code
		timeout  bool
	)
	for attempt := 0; attempt < limit; attempt++ {
		if attempt > 0 {
			if ShouldRetryRoute(lastCode) == -1 {
				log.Error("Handshake failed in previous request, not retrying",
					"jobID", h.Job.ID, "addr", h.Addr, "code", int(lastCode))
				return Outcome{Exit: ExitPermanent, Code: lastCode}
			}
			if err := sleep(ctx, clk, bo.NextBackOff()); err != nil {
				return Outcome{Exit: ExitRetry, Code: types.CodeExpired}
			}
		}
		if h.Recorder != nil {
			h.Recorder.ObserveHandshakeAttempt()
		}

		conn, err := h.Transport.Dial(ctx, h.Addr)
		if err != nil {
			if errors.Is(err, ErrConnFatal) {
				log.Error("Handshake connect failed", "jobID", h.Job.ID, "addr", h.Addr, "error", err)
				return Outcome{Exit: ExitPermanent, Code: types.CodeNoConnects}
			}
			log.Warn("Handshake connect failed, will retry", "jobID", h.Job.ID, "addr", h.Addr, "error", err)
			lastCode = types.CodeNone
			continue
		}

		st, exit := h.attempt(ctx, conn, &lastCode)
		if cerr := conn.Close(); cerr != nil {
			log.Debug("Handshake close failed", "jobID", h.Job.ID, "error", cerr)
		}
		if st == stepDone {
			return Outcome{Exit: exit, Code: lastCode}
		}
		if st == stepTimeout {
			timeout = true
			break
		}
		if lastCode == types.CodeExpired {
			timeout = true
		}
	}

	if timeout {
		log.Warn("Handshake timed out", "jobID", h.Job.ID, "addr", h.Addr)
		return Outcome{Exit: ExitTimeout, Code: lastCode}
	}
	if ShouldRetryRoute(lastCode) == -1 {
		log.Error("Handshake failed and will not retry", "jobID", h.Job.ID, "addr", h.Addr, "code", int(lastCode))
		return Outcome{Exit: ExitPermanent, Code: lastCode}
	}
	return Outcome{Exit: ExitRetry, Code: lastCode}
}

// attempt runs one session on an open connection.
func (h *Handshake) attempt(ctx context.Context, conn Conn, lastCode *types.Code) (step, Exit) {
	id := h.Job.ID
	fail := func(what string, err error) (step, Exit) {
		*lastCode = types.CodeOf(err)
		log.Warn("Send of job failed", "jobID", id, "addr", h.Addr, "step", what, "code", int(*lastCode), "error", err)
		return stepNext, 0
	}

	// TransitOutCommit: the receiver already has everything, only commit is left
	if h.Job.Substate != types.SubTransitOutCommit {
		if h.Job.Substate != types.SubTransitOut {
			h.setSubstate(types.SubTransitOut)
		}

		if err := conn.QueueJob(ctx, id, h.Destination, h.Attrs); err != nil {
			code := types.CodeOf(err)
			if code == types.CodeJobExist && h.Kind == KindExec {
				log.Warn("MOM reports job already running", "jobID", id)
				*lastCode = code
				return stepDone, ExitSuccess
			}
			return fail("queuejob", err)
		}

		if h.Job.HasFlag(types.FlagScript) {
			script, err := h.Spool.Script(h.Job)
			if err != nil {
				return fail("script", types.Errorf(types.CodeSystem, "read script: %v", err))
			}
			if err := conn.JobScript(ctx, id, script); err != nil {
				return fail("jobscript", err)
			}
		}

		if h.Kind == KindExec && h.Job.HasFlag(types.FlagHasRun) && !h.SameHost {
			for _, which := range []types.JobFile{types.FileStdout, types.FileStderr, types.FileCheckpoint} {
				data, err := h.Spool.File(h.Job, which)
				if errors.Is(err, os.ErrNotExist) {
					continue
				}
				if err != nil {
					return fail("jobfile", types.Errorf(types.CodeSystem, "read %s: %v", which, err))
				}
				if err := conn.JobFile(ctx, id, which, data); err != nil {
					return fail("jobfile", err)
				}
			}
		}

		h.setSubstate(types.SubTransitOutCommit)
	}

	if err := conn.ReadyToCommit(ctx, id); err != nil {
		return fail("rdytocommit", err)
	}

	if err := conn.Commit(ctx, id); err != nil {
		*lastCode = types.CodeOf(err)
		if errors.Is(err, ErrInProgress) {
			log.Warn("Commit request timed out", "jobID", id, "addr", h.Addr)
			return stepTimeout, 0
		}
		log.Error("Commit request failed", "jobID", id, "addr", h.Addr, "error", err)
		return stepDone, ExitPermanent
	}

	*lastCode = types.CodeNone
	return stepDone, ExitSuccess
}

func (h *Handshake) setSubstate(ss types.Substate) {
	h.Job.Substate = ss
	if h.SaveSubstate == nil {
		return
	}
	if err := h.SaveSubstate(ss); err != nil {
		log.Error("Failed to save transit substate", "jobID", h.Job.ID, "substate", ss.String(), "error", err)
	}
}

func (h *Handshake) newBackOff(clk clock.Clock) backoff.BackOff {
	interval := h.RetryInterval
	if interval <= 0 {
		interval = DefaultRetryInterval
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = interval
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = interval << 10
	b.MaxElapsedTime = 0
	b.Clock = clk
	b.Reset()
	return b
}

func sleep(ctx context.Context, clk clock.Clock, d time.Duration) error {
	t := clk.Timer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
