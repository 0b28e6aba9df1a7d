package move

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/pbs-jobcore/internal/attr"
	"github.com/ChuLiYu/pbs-jobcore/internal/jobmanager"
	"github.com/ChuLiYu/pbs-jobcore/internal/snapshot"
	"github.com/ChuLiYu/pbs-jobcore/internal/storage/wal"
	"github.com/ChuLiYu/pbs-jobcore/pkg/types"
)

// fakeTransport scripts the receiver. errs holds per-method replies
// consumed in call order; a missing entry is success.
type fakeTransport struct {
	mu       sync.Mutex
	dialErrs []error
	errs     map[string][]error
	panicOn  string

	dials int
	addrs []string
	calls []string
	dests []string
	attrs [][]attr.Op
	files []types.JobFile
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{errs: make(map[string][]error)}
}

func (t *fakeTransport) Dial(_ context.Context, addr string) (Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dials++
	t.addrs = append(t.addrs, addr)
	if len(t.dialErrs) > 0 {
		err := t.dialErrs[0]
		t.dialErrs = t.dialErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &fakeConn{t: t}, nil
}

func (t *fakeTransport) next(method string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, method)
	if method == t.panicOn {
		panic("transport blew up")
	}
	q := t.errs[method]
	if len(q) == 0 {
		return nil
	}
	t.errs[method] = q[1:]
	return q[0]
}

func (t *fakeTransport) Calls() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.calls...)
}

type fakeConn struct {
	t *fakeTransport
}

func (c *fakeConn) QueueJob(_ context.Context, _ types.JobID, destination string, attrs []attr.Op) error {
	c.t.mu.Lock()
	c.t.dests = append(c.t.dests, destination)
	c.t.attrs = append(c.t.attrs, attrs)
	c.t.mu.Unlock()
	return c.t.next("QueueJob")
}

func (c *fakeConn) JobScript(context.Context, types.JobID, []byte) error {
	return c.t.next("JobScript")
}

func (c *fakeConn) JobFile(_ context.Context, _ types.JobID, which types.JobFile, _ []byte) error {
	c.t.mu.Lock()
	c.t.files = append(c.t.files, which)
	c.t.mu.Unlock()
	return c.t.next("JobFile")
}

func (c *fakeConn) ReadyToCommit(context.Context, types.JobID) error {
	return c.t.next("ReadyToCommit")
}

func (c *fakeConn) Commit(context.Context, types.JobID) error {
	return c.t.next("Commit")
}

func (c *fakeConn) Close() error { return nil }

type fakeSpool struct {
	mu               sync.Mutex
	script           []byte
	files            map[types.JobFile][]byte
	stageInRemoved   int
	checkpointRemove int
}

func newFakeSpool() *fakeSpool {
	return &fakeSpool{script: []byte("#!/bin/sh\necho hi\n"), files: make(map[types.JobFile][]byte)}
}

func (s *fakeSpool) Script(*types.Job) ([]byte, error) { return s.script, nil }

func (s *fakeSpool) File(job *types.Job, which types.JobFile) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.files[which]
	if !ok {
		return nil, fmt.Errorf("%s %s: %w", job.ID, which, os.ErrNotExist)
	}
	return data, nil
}

func (s *fakeSpool) RemoveStageIn(*types.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stageInRemoved++
	return nil
}

func (s *fakeSpool) RemoveCheckpoint(*types.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpointRemove++
	return nil
}

type fakeStore struct {
	mu      sync.Mutex
	saves   []snapshot.SaveKind
	removed []types.JobID
}

func (s *fakeStore) Save(job *types.Job, kind snapshot.SaveKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves = append(s.saves, kind)
	job.Modified = false
	return nil
}

func (s *fakeStore) Remove(job *types.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed = append(s.removed, job.ID)
	return nil
}

type posted struct {
	key Key
	o   Outcome
}

// fakeMailbox queues outcomes until the test delivers them.
type fakeMailbox struct {
	mu     sync.Mutex
	fns    map[Key]func(context.Context, Outcome)
	posted chan posted
}

func (m *fakeMailbox) Register(key Key, fn func(context.Context, Outcome)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fns[key] = fn
}

func (m *fakeMailbox) Post(key Key, o Outcome) {
	m.posted <- posted{key: key, o: o}
}

// deliver waits for one outcome and runs its completion.
func (m *fakeMailbox) deliver(t *testing.T, ctx context.Context) Outcome {
	t.Helper()
	var p posted
	select {
	case p = <-m.posted:
	case <-time.After(5 * time.Second):
		t.Fatal("no handshake outcome posted")
	}
	m.mu.Lock()
	fn, ok := m.fns[p.key]
	delete(m.fns, p.key)
	m.mu.Unlock()
	require.True(t, ok, "outcome for unregistered key %v", p.key)
	fn(ctx, p.o)
	return p.o
}

type fakeNodes struct {
	mu      sync.Mutex
	down    []string
	reasons []string
}

func (n *fakeNodes) MarkDown(node, reason string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.down = append(n.down, node)
	n.reasons = append(n.reasons, reason)
}

type fakeDispatches struct {
	mu    sync.Mutex
	nodes map[types.JobID]string
}

func (d *fakeDispatches) Record(id types.JobID, node string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nodes[id] = node
}

// testEnv is a single-server world: a real registry, fake store and
// transport, one lock shared by every job.
type testEnv struct {
	ctx     context.Context
	mu      sync.Mutex
	jm      *jobmanager.JobManager
	store   *fakeStore
	tr      *fakeTransport
	spool   *fakeSpool
	mailbox *fakeMailbox
	nodes   *fakeNodes
	disp    *fakeDispatches
	engine  *Engine

	evMu   sync.Mutex
	events []wal.Event
}

func (e *testEnv) LockJob(id types.JobID) (*types.Job, func()) {
	j := e.jm.Job(id)
	if j == nil {
		return nil, nil
	}
	e.mu.Lock()
	return j, e.mu.Unlock
}

func (e *testEnv) Append(ev wal.Event, _ bool) error {
	e.evMu.Lock()
	defer e.evMu.Unlock()
	e.events = append(e.events, ev)
	return nil
}

func (e *testEnv) eventTypes() []wal.EventType {
	e.evMu.Lock()
	defer e.evMu.Unlock()
	out := make([]wal.EventType, 0, len(e.events))
	for _, ev := range e.events {
		out = append(out, ev.Type)
	}
	return out
}

// view copies a job under the lock so tests can read it while a
// handshake is still running.
func (e *testEnv) view(job *types.Job) *types.Job {
	e.mu.Lock()
	defer e.mu.Unlock()
	return job.Clone()
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		ctx:     context.Background(),
		jm:      jobmanager.NewJobManager(clock.New()),
		store:   &fakeStore{},
		tr:      newFakeTransport(),
		spool:   newFakeSpool(),
		mailbox: &fakeMailbox{fns: make(map[Key]func(context.Context, Outcome)), posted: make(chan posted, 16)},
		nodes:   &fakeNodes{},
		disp:    &fakeDispatches{nodes: make(map[types.JobID]string)},
	}
	env.engine = NewEngine(Config{
		ServerName:    "svr",
		ServerAddrs:   []string{"10.0.0.1"},
		RetryLimit:    2,
		RetryInterval: time.Millisecond,
		Admission:     Admission{ManagerMoveBypass: true},
		Registry:      env.jm,
		Store:         env.store,
		Locks:         env,
		Transport:     env.tr,
		Spool:         env.spool,
		Mailbox:       env.mailbox,
		Nodes:         env.nodes,
		Journal:       env,
		Dispatches:    env.disp,
	})
	t.Cleanup(env.engine.Wait)

	require.NoError(t, env.jm.AddQueue(newQueue("batch", types.QueueExecution)))
	require.NoError(t, env.jm.AddQueue(newQueue("work", types.QueueExecution)))
	return env
}

func newQueue(name string, typ types.QueueType) *types.Queue {
	q := &types.Queue{Name: name, Type: typ, Attrs: attr.NewQueueAttrs()}
	setLong(q.Attrs, attr.QueEnabled, 1)
	setLong(q.Attrs, attr.QueStarted, 1)
	return q
}

func setLong(a types.Attrs, i int, n int64) {
	a[i].Long = n
	a[i].Flags |= types.AttrSet
}

func newJob(id, queue string) *types.Job {
	job := &types.Job{
		ID:       types.JobID(id),
		Queue:    queue,
		State:    types.StateQueued,
		Substate: types.SubQueued,
		Attrs:    attr.NewJobAttrs(),
	}
	job.Attrs[attr.JobName] = types.Value{Type: types.TypeString, Flags: types.AttrSet, Str: "sim"}
	job.Attrs[attr.JobOwner] = types.Value{Type: types.TypeString, Flags: types.AttrSet, Str: "alice@login1"}
	job.Attrs[attr.JobEUser] = types.Value{Type: types.TypeString, Flags: types.AttrSet, Str: "alice"}
	job.Attrs[attr.JobEGroup] = types.Value{Type: types.TypeString, Flags: types.AttrSet, Str: "physics"}
	rl := &job.Attrs[attr.JobResource]
	rl.SetResource("walltime", "01:00:00")
	rl.Flags |= types.AttrSet
	return job
}

func (e *testEnv) addJob(t *testing.T, id, queue string) *types.Job {
	t.Helper()
	job := newJob(id, queue)
	require.NoError(t, e.jm.AddJob(job))
	return job
}
