package jobmanager

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/ChuLiYu/pbs-jobcore/internal/attr"
	"github.com/ChuLiYu/pbs-jobcore/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

// newTestJobManager creates a JobManager with queue "batch" and a mock clock
func newTestJobManager(t *testing.T) (*JobManager, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock()
	jm := NewJobManager(clk)
	assertNoError(t, jm.AddQueue(&types.Queue{Name: "batch", Attrs: attr.NewQueueAttrs()}))
	return jm, clk
}

// newTestJob creates a queued job in queue "batch"
func newTestJob(id string) *types.Job {
	return &types.Job{
		ID:       types.JobID(id),
		State:    types.StateQueued,
		Substate: types.SubQueued,
		Queue:    "batch",
		Attrs:    attr.NewJobAttrs(),
	}
}

// assertNoError asserts no error occurred
func assertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// assertError asserts a specific error occurred
func assertError(t *testing.T, err error, want error) {
	t.Helper()
	if err == nil {
		t.Errorf("expected error %v, got nil", want)
		return
	}
	if !errors.Is(err, want) {
		t.Errorf("expected error %v, got %v", want, err)
	}
}

func queueOrder(jm *JobManager, name string) []types.JobID {
	var ids []types.JobID
	for _, j := range jm.QueueJobs(name) {
		ids = append(ids, j.ID)
	}
	return ids
}

// ============================================================================
// State Machine Tests
// ============================================================================

func TestEvalState(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	tests := []struct {
		name      string
		setup     func(*types.Job)
		force     bool
		wantState types.State
		wantSub   types.Substate
	}{
		{
			name:      "plain job is queued",
			setup:     func(j *types.Job) {},
			wantState: types.StateQueued,
			wantSub:   types.SubQueued,
		},
		{
			name: "hold wins over execution time",
			setup: func(j *types.Job) {
				j.Attrs[attr.JobHold] = types.Value{Type: types.TypeLong, Flags: types.AttrSet, Long: attr.HoldUser}
				j.Attrs[attr.JobExecTime] = types.Value{Type: types.TypeLong, Flags: types.AttrSet, Long: now.Unix() + 60}
			},
			wantState: types.StateHeld,
			wantSub:   types.SubHeld,
		},
		{
			name: "future execution time waits",
			setup: func(j *types.Job) {
				j.Attrs[attr.JobExecTime] = types.Value{Type: types.TypeLong, Flags: types.AttrSet, Long: now.Unix() + 60}
			},
			wantState: types.StateWaiting,
			wantSub:   types.SubWaiting,
		},
		{
			name: "pending stage-in waits",
			setup: func(j *types.Job) {
				j.Attrs[attr.JobStageIn] = types.Value{Type: types.TypeList, Flags: types.AttrSet, List: []string{"in@host:/f"}}
			},
			wantState: types.StateWaiting,
			wantSub:   types.SubStageIn,
		},
		{
			name: "transit is sticky",
			setup: func(j *types.Job) {
				j.State, j.Substate = types.StateTransit, types.SubTransitOut
			},
			wantState: types.StateTransit,
			wantSub:   types.SubTransitOut,
		},
		{
			name: "forced out of transit",
			setup: func(j *types.Job) {
				j.State, j.Substate = types.StateTransit, types.SubTransitOut
			},
			force:     true,
			wantState: types.StateQueued,
			wantSub:   types.SubQueued,
		},
		{
			name: "running is kept",
			setup: func(j *types.Job) {
				j.State, j.Substate = types.StateRunning, types.SubRunning
				j.Attrs[attr.JobHold] = types.Value{Type: types.TypeLong, Flags: types.AttrSet, Long: attr.HoldUser}
			},
			wantState: types.StateRunning,
			wantSub:   types.SubRunning,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j := newTestJob("1.svr")
			tt.setup(j)
			s, ss := EvalState(j, tt.force, now)
			if s != tt.wantState || ss != tt.wantSub {
				t.Errorf("got %s/%s, want %s/%s", s, ss, tt.wantState, tt.wantSub)
			}
		})
	}
}

func TestSetStateRejectsIllegalPair(t *testing.T) {
	j := newTestJob("1.svr")

	err := SetState(j, types.StateQueued, types.SubRunning)
	assertError(t, err, ErrIllegalSubstate)
	if j.State != types.StateQueued || j.Substate != types.SubQueued || j.Modified {
		t.Errorf("job changed on illegal transition: %s/%s modified=%v", j.State, j.Substate, j.Modified)
	}

	assertNoError(t, SetState(j, types.StateTransit, types.SubTransitOut))
	if !j.Modified {
		t.Error("SetState should mark the job dirty")
	}
}

// ============================================================================
// Registry Tests
// ============================================================================

func TestAddJob(t *testing.T) {
	jm, _ := newTestJobManager(t)

	assertNoError(t, jm.AddJob(newTestJob("1.svr")))
	assertError(t, jm.AddJob(newTestJob("1.svr")), ErrDuplicateJob)

	orphan := newTestJob("2.svr")
	orphan.Queue = "nowhere"
	assertError(t, jm.AddJob(orphan), ErrQueueNotFound)

	if jm.Job("1.svr") == nil {
		t.Error("job 1.svr not found")
	}
	if got := jm.CountInQueue("batch"); got != 1 {
		t.Errorf("CountInQueue: got %d, want 1", got)
	}
}

func TestQueueFIFOByRank(t *testing.T) {
	jm, _ := newTestJobManager(t)

	for i := 1; i <= 5; i++ {
		assertNoError(t, jm.AddJob(newTestJob(fmt.Sprintf("%d.svr", i))))
	}
	want := []types.JobID{"1.svr", "2.svr", "3.svr", "4.svr", "5.svr"}
	got := queueOrder(jm, "batch")
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("order: got %v, want %v", got, want)
	}

	// re-enqueue with a fresh rank moves the job to the tail
	j := jm.Job("2.svr")
	j.Attrs[attr.JobQueueRank].Long = jm.NextRank()
	assertNoError(t, jm.Enqueue(j))

	want = []types.JobID{"1.svr", "3.svr", "4.svr", "5.svr", "2.svr"}
	got = queueOrder(jm, "batch")
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("order after requeue: got %v, want %v", got, want)
	}
}

func TestMoveBetweenQueues(t *testing.T) {
	jm, _ := newTestJobManager(t)
	assertNoError(t, jm.AddQueue(&types.Queue{Name: "long", Attrs: attr.NewQueueAttrs()}))
	assertError(t, jm.AddQueue(&types.Queue{Name: "long"}), ErrDuplicateQueue)

	j := newTestJob("1.svr")
	assertNoError(t, jm.AddJob(j))

	jm.Dequeue(j)
	j.Queue = "long"
	assertNoError(t, jm.Enqueue(j))

	if jm.CountInQueue("batch") != 0 || jm.CountInQueue("long") != 1 {
		t.Errorf("counts: batch=%d long=%d", jm.CountInQueue("batch"), jm.CountInQueue("long"))
	}
}

func TestRemoveJob(t *testing.T) {
	jm, _ := newTestJobManager(t)

	var purged []types.JobID
	jm.OnPurge(func(id types.JobID) { purged = append(purged, id) })

	parent := &types.Array{ID: "5[].svr", JobIDs: []types.JobID{"5[0].svr", "5[1].svr"}}
	jm.AddArray(parent)

	sub := newTestJob("5[1].svr")
	sub.ArrayID = parent.ID
	assertNoError(t, jm.AddJob(sub))

	assertNoError(t, jm.RemoveJob(sub.ID))
	assertError(t, jm.RemoveJob(sub.ID), ErrJobNotFound)

	if parent.JobIDs[1] != "" {
		t.Errorf("array slot not nulled: %q", parent.JobIDs[1])
	}
	if len(purged) != 1 || purged[0] != sub.ID {
		t.Errorf("purge callback: got %v", purged)
	}
	if jm.CountInQueue("batch") != 0 {
		t.Error("purged job still queued")
	}
}

func TestCountUserInQueue(t *testing.T) {
	jm, _ := newTestJobManager(t)
	for i, user := range []string{"alice", "bob", "alice"} {
		j := newTestJob(fmt.Sprintf("%d.svr", i))
		j.Attrs[attr.JobEUser] = types.Value{Type: types.TypeString, Flags: types.AttrSet, Str: user}
		assertNoError(t, jm.AddJob(j))
	}
	if got := jm.CountUserInQueue("batch", "alice"); got != 2 {
		t.Errorf("alice: got %d, want 2", got)
	}
}

func TestSeedRank(t *testing.T) {
	jm, _ := newTestJobManager(t)
	jm.SeedRank(100)
	jm.SeedRank(50)
	if got := jm.NextRank(); got != 101 {
		t.Errorf("NextRank after seed: got %d, want 101", got)
	}
}

func TestConcurrentNextRank(t *testing.T) {
	jm, _ := newTestJobManager(t)

	const n = 200
	var wg sync.WaitGroup
	seen := make(chan int64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seen <- jm.NextRank()
		}()
	}
	wg.Wait()
	close(seen)

	uniq := make(map[int64]bool)
	for r := range seen {
		if uniq[r] {
			t.Fatalf("rank %d handed out twice", r)
		}
		uniq[r] = true
	}
}

func TestStats(t *testing.T) {
	jm, _ := newTestJobManager(t)
	assertNoError(t, jm.AddJob(newTestJob("1.svr")))
	held := newTestJob("2.svr")
	held.State, held.Substate = types.StateHeld, types.SubHeld
	assertNoError(t, jm.AddJob(held))

	stats := jm.Stats()
	if stats["total"] != 2 || stats["QUEUED"] != 1 || stats["HELD"] != 1 {
		t.Errorf("unexpected stats: %v", stats)
	}
}
