package wal

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWAL(t *testing.T, syncOnAppend bool) (*WAL, *clock.Mock, string) {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(time.Unix(1_700_000_000, 0))
	path := filepath.Join(t.TempDir(), "journal")
	w, err := NewWAL(path, syncOnAppend, clk)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return w, clk, path
}

func TestAppendAndReplay(t *testing.T) {
	w, _, _ := newTestWAL(t, false)

	require.NoError(t, w.Append(Event{Type: EventMoved, JobID: "1.svr", Queue: "long", Detail: "batch -> long"}, false))
	require.NoError(t, w.Append(Event{Type: EventModified, JobID: "1.svr", Detail: "Priority"}, false))
	require.NoError(t, w.Append(Event{Type: EventPurged, JobID: "2.svr"}, false))

	var got []Event
	require.NoError(t, w.Replay(func(e Event) error {
		got = append(got, e)
		return nil
	}))
	require.Len(t, got, 3)
	assert.Equal(t, uint64(1), got[0].Seq)
	assert.Equal(t, EventMoved, got[0].Type)
	assert.Equal(t, "long", got[0].Queue)
	assert.Equal(t, int64(1_700_000_000_000), got[0].Timestamp)
	assert.Equal(t, uint64(3), w.GetLastSeq())
}

func TestSeqContinuesAfterReopen(t *testing.T) {
	w, clk, path := newTestWAL(t, true)
	require.NoError(t, w.Append(Event{Type: EventMoved, JobID: "1.svr"}, false))
	require.NoError(t, w.Append(Event{Type: EventMoved, JobID: "2.svr"}, false))
	require.NoError(t, w.Close())

	w2, err := NewWAL(path, true, clk)
	require.NoError(t, err)
	defer w2.Close()
	assert.Equal(t, uint64(2), w2.GetLastSeq())

	require.NoError(t, w2.Append(Event{Type: EventAborted, JobID: "3.svr"}, false))
	assert.NoError(t, ValidateWAL(path))

	n, err := CountEvents(path)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestChecksumDetectsTampering(t *testing.T) {
	w, _, path := newTestWAL(t, true)
	require.NoError(t, w.Append(Event{Type: EventMoved, JobID: "1.svr", Queue: "long"}, false))
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte(strings.Replace(string(data), `"long"`, `"short"`, 1)), 0644))

	err = ReadEvents(path, func(Event) error { return nil })
	assert.ErrorIs(t, err, ErrChecksumMismatch)

	_, err = NewWAL(path, true, nil)
	assert.Error(t, err)
}

func TestCorruptedLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal")
	require.NoError(t, os.WriteFile(path, []byte("{not json}\n"), 0644))

	_, err := GetLastEvent(path)
	assert.ErrorIs(t, err, ErrCorruptedWAL)
	var ce *CorruptionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 1, ce.Line)
}

func TestGetLastEventEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal")
	require.NoError(t, os.WriteFile(path, nil, 0644))
	_, err := GetLastEvent(path)
	assert.ErrorIs(t, err, ErrEmptyWAL)
}

func TestBufferedAppendFlushesOnInterval(t *testing.T) {
	w, clk, path := newTestWAL(t, false)
	require.NoError(t, w.Append(Event{Type: EventMoved, JobID: "1.svr"}, false))

	n, err := CountEvents(path)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "still buffered")

	clk.Add(2 * time.Second)
	require.NoError(t, w.Append(Event{Type: EventMoved, JobID: "2.svr"}, false))
	n, err = CountEvents(path)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestHistoryFilter(t *testing.T) {
	w, _, path := newTestWAL(t, true)
	for _, e := range []Event{
		{Type: EventMoved, JobID: "1.svr"},
		{Type: EventModified, JobID: "1.svr"},
		{Type: EventMoved, JobID: "2.svr"},
		{Type: EventPurged, JobID: "1.svr"},
	} {
		require.NoError(t, w.Append(e, false))
	}

	got, err := History(path, Filter{JobID: "1.svr"})
	require.NoError(t, err)
	assert.Len(t, got, 3)

	got, err = History(path, Filter{Type: EventMoved})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = History(path, Filter{JobID: "1.svr", Limit: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, EventPurged, got[0].Type)
}

func TestRotate(t *testing.T) {
	w, _, path := newTestWAL(t, true)
	require.NoError(t, w.Append(Event{Type: EventMoved, JobID: "1.svr"}, false))
	require.NoError(t, w.Rotate())
	assert.Equal(t, uint64(0), w.GetLastSeq())

	require.NoError(t, w.Append(Event{Type: EventMoved, JobID: "2.svr"}, false))
	last, err := GetLastEvent(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), last.Seq)
	assert.Equal(t, "2.svr", string(last.JobID))

	matches, err := filepath.Glob(path + ".*")
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestAppendAfterClose(t *testing.T) {
	w, _, _ := newTestWAL(t, true)
	require.NoError(t, w.Close())
	assert.ErrorIs(t, w.Append(Event{Type: EventMoved}, false), ErrWALClosed)
}
