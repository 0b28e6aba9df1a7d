// Package transport carries the job migration protocol and the client
// request RPCs over gRPC. Messages are plain structs sent with a JSON codec
// under the service "pbs.v1.JobMove".
package transport

import (
	"context"
	"encoding/json"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"

	"github.com/ChuLiYu/pbs-jobcore/internal/attr"
	"github.com/ChuLiYu/pbs-jobcore/internal/batch"
	"github.com/ChuLiYu/pbs-jobcore/pkg/types"
)

var log = slog.Default()

// ServiceName is the gRPC service name.
const ServiceName = "pbs.v1.JobMove"

// Method names.
const (
	MethodQueueJob       = "QueueJob"
	MethodJobScript      = "JobScript"
	MethodJobFile        = "JobFile"
	MethodReadyToCommit  = "ReadyToCommit"
	MethodCommit         = "Commit"
	MethodModifyJob      = "ModifyJob"
	MethodMoveJob        = "MoveJob"
	MethodCheckpointCopy = "CheckpointCopy"
	MethodStatus         = "Status"
)

func fullMethod(m string) string { return "/" + ServiceName + "/" + m }

const codecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// ============================================================================
// Messages
// ============================================================================

// QueueJobRequest opens a migration: the job's attributes and the queue it
// should land in.
type QueueJobRequest struct {
	JobID       types.JobID `json:"job_id"`
	Destination string      `json:"destination"`
	Attrs       []attr.Op   `json:"attrs"`
	From        string      `json:"from,omitempty"` // sending server
}

// ScriptRequest carries the job script.
type ScriptRequest struct {
	JobID types.JobID `json:"job_id"`
	Data  []byte      `json:"data"`
}

// FileRequest carries an output or checkpoint file.
type FileRequest struct {
	JobID types.JobID   `json:"job_id"`
	Which types.JobFile `json:"which"`
	Data  []byte        `json:"data"`
}

// JobRequest names a job; used by ReadyToCommit, Commit and CheckpointCopy.
type JobRequest struct {
	JobID types.JobID `json:"job_id"`
}

// ModifyRequest is qalter: a job or array id and the attributes to change.
type ModifyRequest struct {
	JobID  string    `json:"job_id"`
	User   string    `json:"user"`
	Host   string    `json:"host"`
	Attrs  []attr.Op `json:"attrs"`
	Extend string    `json:"extend,omitempty"`
	Async  bool      `json:"async,omitempty"`
	Array  bool      `json:"array,omitempty"`
}

// MoveRequest is qmove.
type MoveRequest struct {
	JobID       string `json:"job_id"`
	Destination string `json:"destination"`
	User        string `json:"user"`
	Host        string `json:"host"`
}

// StatusRequest asks for the server status; the reply's Data is JSON.
type StatusRequest struct{}

// ============================================================================
// Service
// ============================================================================

// JobMoveServer is implemented by the receiving side.
type JobMoveServer interface {
	QueueJob(context.Context, *QueueJobRequest) (*batch.Reply, error)
	JobScript(context.Context, *ScriptRequest) (*batch.Reply, error)
	JobFile(context.Context, *FileRequest) (*batch.Reply, error)
	ReadyToCommit(context.Context, *JobRequest) (*batch.Reply, error)
	Commit(context.Context, *JobRequest) (*batch.Reply, error)
	ModifyJob(context.Context, *ModifyRequest) (*batch.Reply, error)
	MoveJob(context.Context, *MoveRequest) (*batch.Reply, error)
	CheckpointCopy(context.Context, *JobRequest) (*batch.Reply, error)
	Status(context.Context, *StatusRequest) (*batch.Reply, error)
}

// UnimplementedJobMoveServer answers every method with codes.Unimplemented.
type UnimplementedJobMoveServer struct{}

func unimplemented(m string) error {
	return status.Errorf(codes.Unimplemented, "method %s not implemented", m)
}

func (UnimplementedJobMoveServer) QueueJob(context.Context, *QueueJobRequest) (*batch.Reply, error) {
	return nil, unimplemented(MethodQueueJob)
}
func (UnimplementedJobMoveServer) JobScript(context.Context, *ScriptRequest) (*batch.Reply, error) {
	return nil, unimplemented(MethodJobScript)
}
func (UnimplementedJobMoveServer) JobFile(context.Context, *FileRequest) (*batch.Reply, error) {
	return nil, unimplemented(MethodJobFile)
}
func (UnimplementedJobMoveServer) ReadyToCommit(context.Context, *JobRequest) (*batch.Reply, error) {
	return nil, unimplemented(MethodReadyToCommit)
}
func (UnimplementedJobMoveServer) Commit(context.Context, *JobRequest) (*batch.Reply, error) {
	return nil, unimplemented(MethodCommit)
}
func (UnimplementedJobMoveServer) ModifyJob(context.Context, *ModifyRequest) (*batch.Reply, error) {
	return nil, unimplemented(MethodModifyJob)
}
func (UnimplementedJobMoveServer) MoveJob(context.Context, *MoveRequest) (*batch.Reply, error) {
	return nil, unimplemented(MethodMoveJob)
}
func (UnimplementedJobMoveServer) CheckpointCopy(context.Context, *JobRequest) (*batch.Reply, error) {
	return nil, unimplemented(MethodCheckpointCopy)
}
func (UnimplementedJobMoveServer) Status(context.Context, *StatusRequest) (*batch.Reply, error) {
	return nil, unimplemented(MethodStatus)
}

func unary[Req any](method string, call func(JobMoveServer, context.Context, *Req) (*batch.Reply, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(JobMoveServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(method)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(JobMoveServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// ServiceDesc describes the JobMove service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*JobMoveServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodQueueJob, JobMoveServer.QueueJob),
		unary(MethodJobScript, JobMoveServer.JobScript),
		unary(MethodJobFile, JobMoveServer.JobFile),
		unary(MethodReadyToCommit, JobMoveServer.ReadyToCommit),
		unary(MethodCommit, JobMoveServer.Commit),
		unary(MethodModifyJob, JobMoveServer.ModifyJob),
		unary(MethodMoveJob, JobMoveServer.MoveJob),
		unary(MethodCheckpointCopy, JobMoveServer.CheckpointCopy),
		unary(MethodStatus, JobMoveServer.Status),
	},
	Metadata: "pbs/v1/jobmove",
}

// RegisterJobMoveServer registers srv on s.
func RegisterJobMoveServer(s grpc.ServiceRegistrar, srv JobMoveServer) {
	s.RegisterService(&ServiceDesc, srv)
}
