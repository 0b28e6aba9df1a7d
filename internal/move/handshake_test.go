package move

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/pbs-jobcore/pkg/types"
)

func newHandshake(tr *fakeTransport, kind Kind, job *types.Job) (*Handshake, *[]types.Substate) {
	saved := &[]types.Substate{}
	hs := &Handshake{
		Transport:     tr,
		Addr:          "peer:15001",
		Kind:          kind,
		Job:           job,
		Destination:   "work",
		Spool:         newFakeSpool(),
		RetryLimit:    3,
		RetryInterval: time.Millisecond,
		SaveSubstate: func(ss types.Substate) error {
			*saved = append(*saved, ss)
			return nil
		},
	}
	return hs, saved
}

func TestHandshakeSuccess(t *testing.T) {
	tr := newFakeTransport()
	job := newJob("1.svr", "batch")
	job.SvrFlags |= types.FlagScript
	hs, saved := newHandshake(tr, KindMove, job)

	o := hs.Run(context.Background())

	assert.Equal(t, Outcome{Exit: ExitSuccess}, o)
	assert.Equal(t, []string{"QueueJob", "JobScript", "ReadyToCommit", "Commit"}, tr.Calls())
	assert.Equal(t, []types.Substate{types.SubTransitOut, types.SubTransitOutCommit}, *saved)
	assert.Equal(t, []string{"work"}, tr.dests)
	assert.Equal(t, 1, tr.dials)
}

func TestHandshakeRetryBound(t *testing.T) {
	refused := errors.New("connection refused")
	tr := newFakeTransport()
	tr.dialErrs = []error{refused, refused, refused, refused}
	hs, _ := newHandshake(tr, KindMove, newJob("1.svr", "batch"))

	o := hs.Run(context.Background())

	assert.Equal(t, ExitRetry, o.Exit)
	assert.Equal(t, 3, tr.dials)
	assert.Empty(t, tr.Calls())
}

func TestHandshakeRetryableRejection(t *testing.T) {
	for _, code := range []types.Code{types.CodeSystem, types.CodeMaxQued, types.CodeQuNoEnb} {
		t.Run(code.Text(), func(t *testing.T) {
			tr := newFakeTransport()
			tr.errs["QueueJob"] = []error{types.NewError(code, ""), types.NewError(code, ""), types.NewError(code, "")}
			hs, _ := newHandshake(tr, KindMove, newJob("1.svr", "batch"))

			o := hs.Run(context.Background())

			assert.Equal(t, Outcome{Exit: ExitRetry, Code: code}, o)
			assert.Equal(t, 3, tr.dials)
		})
	}
}

func TestHandshakePermanentRejectionStopsRetrying(t *testing.T) {
	tr := newFakeTransport()
	tr.errs["QueueJob"] = []error{types.NewError(types.CodePerm, "")}
	hs, _ := newHandshake(tr, KindMove, newJob("1.svr", "batch"))

	o := hs.Run(context.Background())

	assert.Equal(t, Outcome{Exit: ExitPermanent, Code: types.CodePerm}, o)
	assert.Equal(t, 1, tr.dials)
}

func TestHandshakeFatalDial(t *testing.T) {
	tr := newFakeTransport()
	tr.dialErrs = []error{fmt.Errorf("%w: no route to host", ErrConnFatal)}
	hs, _ := newHandshake(tr, KindMove, newJob("1.svr", "batch"))

	o := hs.Run(context.Background())

	assert.Equal(t, Outcome{Exit: ExitPermanent, Code: types.CodeNoConnects}, o)
	assert.Equal(t, 1, tr.dials)
}

func TestHandshakeExecDuplicateIsSuccess(t *testing.T) {
	tr := newFakeTransport()
	tr.errs["QueueJob"] = []error{types.NewError(types.CodeJobExist, "")}
	hs, _ := newHandshake(tr, KindExec, newJob("1.svr", "batch"))

	o := hs.Run(context.Background())

	assert.Equal(t, ExitSuccess, o.Exit)
	assert.Equal(t, []string{"QueueJob"}, tr.Calls())
}

func TestHandshakeServerDuplicateIsPermanent(t *testing.T) {
	tr := newFakeTransport()
	tr.errs["QueueJob"] = []error{types.NewError(types.CodeJobExist, "")}
	hs, _ := newHandshake(tr, KindRoute, newJob("1.svr", "batch"))

	o := hs.Run(context.Background())

	assert.Equal(t, Outcome{Exit: ExitPermanent, Code: types.CodeJobExist}, o)
}

func TestHandshakeCommitInProgressTimesOut(t *testing.T) {
	tr := newFakeTransport()
	tr.errs["Commit"] = []error{ErrInProgress}
	hs, _ := newHandshake(tr, KindMove, newJob("1.svr", "batch"))

	o := hs.Run(context.Background())

	assert.Equal(t, ExitTimeout, o.Exit)
	assert.Equal(t, 1, tr.dials)
}

func TestHandshakeCommitFailureIsPermanent(t *testing.T) {
	tr := newFakeTransport()
	tr.errs["Commit"] = []error{types.NewError(types.CodeSystem, "disk full")}
	hs, _ := newHandshake(tr, KindMove, newJob("1.svr", "batch"))

	o := hs.Run(context.Background())

	assert.Equal(t, ExitPermanent, o.Exit)
	assert.Equal(t, 1, tr.dials)
}

func TestHandshakeExpiredTimesOut(t *testing.T) {
	tr := newFakeTransport()
	expired := types.NewError(types.CodeExpired, "")
	tr.errs["QueueJob"] = []error{expired, expired, expired}
	hs, _ := newHandshake(tr, KindMove, newJob("1.svr", "batch"))

	o := hs.Run(context.Background())

	assert.Equal(t, ExitTimeout, o.Exit)
	assert.Equal(t, 3, tr.dials)
}

func TestHandshakeResendsOnlyCommitAfterReadyFailure(t *testing.T) {
	tr := newFakeTransport()
	tr.errs["ReadyToCommit"] = []error{types.NewError(types.CodeSystem, "")}
	hs, saved := newHandshake(tr, KindMove, newJob("1.svr", "batch"))

	o := hs.Run(context.Background())

	assert.Equal(t, ExitSuccess, o.Exit)
	assert.Equal(t, []string{"QueueJob", "ReadyToCommit", "ReadyToCommit", "Commit"}, tr.Calls())
	assert.Equal(t, []types.Substate{types.SubTransitOut, types.SubTransitOutCommit}, *saved)
}

func TestHandshakeFromTransitOutCommit(t *testing.T) {
	tr := newFakeTransport()
	job := newJob("1.svr", "batch")
	job.State, job.Substate = types.StateTransit, types.SubTransitOutCommit
	hs, saved := newHandshake(tr, KindRoute, job)

	o := hs.Run(context.Background())

	assert.Equal(t, ExitSuccess, o.Exit)
	assert.Equal(t, []string{"ReadyToCommit", "Commit"}, tr.Calls())
	assert.Empty(t, *saved)
}

func TestHandshakeExecSendsExistingFiles(t *testing.T) {
	tr := newFakeTransport()
	job := newJob("1.svr", "batch")
	job.SvrFlags |= types.FlagHasRun
	hs, _ := newHandshake(tr, KindExec, job)
	spool := newFakeSpool()
	spool.files[types.FileStdout] = []byte("out")
	spool.files[types.FileCheckpoint] = []byte("ck")
	hs.Spool = spool

	o := hs.Run(context.Background())

	require.Equal(t, ExitSuccess, o.Exit)
	assert.Equal(t, []types.JobFile{types.FileStdout, types.FileCheckpoint}, tr.files)
}

func TestHandshakeExecSameHostSkipsFiles(t *testing.T) {
	tr := newFakeTransport()
	job := newJob("1.svr", "batch")
	job.SvrFlags |= types.FlagHasRun
	hs, _ := newHandshake(tr, KindExec, job)
	hs.SameHost = true
	hs.Spool.(*fakeSpool).files[types.FileStdout] = []byte("out")

	o := hs.Run(context.Background())

	require.Equal(t, ExitSuccess, o.Exit)
	assert.Empty(t, tr.files)
}

func TestHandshakeCancelledDuringBackoff(t *testing.T) {
	refused := errors.New("connection refused")
	tr := newFakeTransport()
	tr.dialErrs = []error{refused, refused}
	hs, _ := newHandshake(tr, KindMove, newJob("1.svr", "batch"))
	hs.RetryInterval = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	o := hs.Run(ctx)

	assert.Equal(t, ExitRetry, o.Exit)
	assert.Equal(t, 1, tr.dials)
}

func TestHandshakeBackoffDoubles(t *testing.T) {
	hs := &Handshake{RetryInterval: 2 * time.Second}
	b := hs.newBackOff(clock.NewMock())

	assert.Equal(t, 2*time.Second, b.NextBackOff())
	assert.Equal(t, 4*time.Second, b.NextBackOff())
	assert.Equal(t, 8*time.Second, b.NextBackOff())
}

func TestShouldRetryRoute(t *testing.T) {
	retry := []types.Code{
		types.CodeNone, types.CodeAddrInUse, types.CodeAddrNotAvail, types.CodeSystem, types.CodeInternal,
		types.CodeExpired, types.CodeMaxQued, types.CodeMaxUserQued, types.CodeQuNoEnb, types.CodeNoConnects,
	}
	for _, c := range retry {
		assert.Equal(t, 1, ShouldRetryRoute(c), "code %d", int(c))
	}
	for _, c := range []types.Code{types.CodePerm, types.CodeUnkQue, types.CodeJobExist, types.CodeExcQResc, types.CodeRouteRej} {
		assert.Equal(t, -1, ShouldRetryRoute(c), "code %d", int(c))
	}
}
