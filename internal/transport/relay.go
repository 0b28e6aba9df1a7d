package transport

import (
	"context"
	"net"
	"strconv"

	"github.com/ChuLiYu/pbs-jobcore/internal/attr"
	"github.com/ChuLiYu/pbs-jobcore/pkg/types"
)

// MomRelay forwards modify and checkpoint-copy requests for running jobs to
// the execution node named in exec_host.
type MomRelay struct {
	t    *Transport
	port int
}

// NewMomRelay creates a relay that reaches execution nodes on port.
func NewMomRelay(t *Transport, port int) *MomRelay {
	return &MomRelay{t: t, port: port}
}

func (r *MomRelay) addr(job *types.Job) (string, error) {
	host := job.Attrs[attr.JobExecHost].Str
	if host == "" {
		return "", types.Errorf(types.CodeBadState, "job %s has no exec_host", job.ID)
	}
	return net.JoinHostPort(host, strconv.Itoa(r.port)), nil
}

// Modify sends the changed attributes and returns the node's reply code.
func (r *MomRelay) Modify(ctx context.Context, job *types.Job, ops []attr.Op) (types.Code, error) {
	addr, err := r.addr(job)
	if err != nil {
		return types.CodeNone, err
	}
	cc, err := r.t.clientConn(addr)
	if err != nil {
		return types.CodeNone, err
	}
	rep, err := invoke(ctx, cc, r.t.timeout, MethodModifyJob, &ModifyRequest{JobID: string(job.ID), User: r.t.from, Attrs: ops})
	if err != nil {
		return types.CodeNone, err
	}
	log.Debug("MOM replied to modify", "jobID", job.ID, "addr", addr, "code", int(rep.Code))
	return rep.Code, nil
}

// CheckpointCopy asks the node to copy the job's checkpoint back.
func (r *MomRelay) CheckpointCopy(ctx context.Context, job *types.Job) error {
	addr, err := r.addr(job)
	if err != nil {
		return err
	}
	cc, err := r.t.clientConn(addr)
	if err != nil {
		return err
	}
	rep, err := invoke(ctx, cc, r.t.timeout, MethodCheckpointCopy, &JobRequest{JobID: job.ID})
	if err != nil {
		return err
	}
	return rep.Err()
}
