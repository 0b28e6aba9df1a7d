package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/ChuLiYu/pbs-jobcore/internal/attr"
	"github.com/ChuLiYu/pbs-jobcore/internal/batch"
	"github.com/ChuLiYu/pbs-jobcore/internal/move"
	"github.com/ChuLiYu/pbs-jobcore/pkg/types"
)

// DefaultRPCTimeout bounds a single call when the caller sets none.
const DefaultRPCTimeout = 30 * time.Second

// Transport dials peer servers and execution nodes. Connections are cached
// per address and shared by concurrent handshakes.
type Transport struct {
	mu      sync.Mutex
	conns   map[string]*grpc.ClientConn
	from    string
	timeout time.Duration
	opts    []grpc.DialOption
}

// NewTransport creates a transport. from is this server's name, sent with
// every QueueJob. Extra dial options are appended to the defaults.
func NewTransport(from string, timeout time.Duration, opts ...grpc.DialOption) *Transport {
	if timeout <= 0 {
		timeout = DefaultRPCTimeout
	}
	return &Transport{
		conns:   make(map[string]*grpc.ClientConn),
		from:    from,
		timeout: timeout,
		opts:    opts,
	}
}

func (t *Transport) clientConn(addr string) (*grpc.ClientConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cc, ok := t.conns[addr]; ok {
		return cc, nil
	}
	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	}, t.opts...)
	cc, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", move.ErrConnFatal, addr, err)
	}
	t.conns[addr] = cc
	return cc, nil
}

// Dial returns a migration session to addr. The underlying connection is
// established lazily; a bad address fails with move.ErrConnFatal.
func (t *Transport) Dial(_ context.Context, addr string) (move.Conn, error) {
	cc, err := t.clientConn(addr)
	if err != nil {
		return nil, err
	}
	return &conn{cc: cc, from: t.from, timeout: t.timeout}, nil
}

// Close closes every cached connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var errs error
	for addr, cc := range t.conns {
		errs = multierr.Append(errs, cc.Close())
		delete(t.conns, addr)
	}
	return errs
}

// invoke performs one call and turns the reply into an error.
func invoke(ctx context.Context, cc grpc.ClientConnInterface, timeout time.Duration, method string, req any) (batch.Reply, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	var rep batch.Reply
	if err := cc.Invoke(ctx, fullMethod(method), req, &rep); err != nil {
		return rep, rpcError(method, err)
	}
	return rep, nil
}

// rpcError maps a gRPC failure onto a protocol code the retry logic
// understands.
func rpcError(method string, err error) error {
	st, _ := status.FromError(err)
	switch st.Code() {
	case codes.Unavailable:
		return types.Errorf(types.CodeNoConnects, "%s: %s", method, st.Message())
	case codes.DeadlineExceeded, codes.Canceled:
		return types.Errorf(types.CodeExpired, "%s: %s", method, st.Message())
	case codes.Unimplemented:
		return types.Errorf(types.CodeUnkReq, "%s: %s", method, st.Message())
	}
	return types.Errorf(types.CodeProtocol, "%s: %s", method, st.Message())
}

// conn is one migration session over a shared connection.
type conn struct {
	cc      grpc.ClientConnInterface
	from    string
	timeout time.Duration
}

func (c *conn) call(ctx context.Context, method string, req any) error {
	rep, err := invoke(ctx, c.cc, c.timeout, method, req)
	if err != nil {
		return err
	}
	return rep.Err()
}

func (c *conn) QueueJob(ctx context.Context, id types.JobID, destination string, attrs []attr.Op) error {
	return c.call(ctx, MethodQueueJob, &QueueJobRequest{JobID: id, Destination: destination, Attrs: attrs, From: c.from})
}

func (c *conn) JobScript(ctx context.Context, id types.JobID, script []byte) error {
	return c.call(ctx, MethodJobScript, &ScriptRequest{JobID: id, Data: script})
}

func (c *conn) JobFile(ctx context.Context, id types.JobID, which types.JobFile, data []byte) error {
	return c.call(ctx, MethodJobFile, &FileRequest{JobID: id, Which: which, Data: data})
}

func (c *conn) ReadyToCommit(ctx context.Context, id types.JobID) error {
	return c.call(ctx, MethodReadyToCommit, &JobRequest{JobID: id})
}

// Commit returns an error matching move.ErrInProgress while the receiver
// is still working.
func (c *conn) Commit(ctx context.Context, id types.JobID) error {
	return c.call(ctx, MethodCommit, &JobRequest{JobID: id})
}

// Close is a no-op; the connection stays cached in the Transport.
func (c *conn) Close() error { return nil }

// ============================================================================
// Client for the command line
// ============================================================================

// Client sends user requests to a server.
type Client struct {
	cc      *grpc.ClientConn
	timeout time.Duration
}

// NewClient connects to the server at addr.
func NewClient(addr string, timeout time.Duration) (*Client, error) {
	cc, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return &Client{cc: cc, timeout: timeout}, nil
}

// ModifyJob sends qalter.
func (c *Client) ModifyJob(ctx context.Context, req *ModifyRequest) (batch.Reply, error) {
	return invoke(ctx, c.cc, c.timeout, MethodModifyJob, req)
}

// MoveJob sends qmove.
func (c *Client) MoveJob(ctx context.Context, req *MoveRequest) (batch.Reply, error) {
	return invoke(ctx, c.cc, c.timeout, MethodMoveJob, req)
}

// Status fetches the server status as JSON.
func (c *Client) Status(ctx context.Context) (batch.Reply, error) {
	return invoke(ctx, c.cc, c.timeout, MethodStatus, &StatusRequest{})
}

// Close closes the connection.
func (c *Client) Close() error { return c.cc.Close() }
