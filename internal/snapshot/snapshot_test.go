package snapshot

// ============================================================================
// 映像檔測試
// 職責：驗證佇列/任務映像的原子寫入、兩種格式的載入、ACL 旁檔與損壞偵測
// ============================================================================

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/ChuLiYu/pbs-jobcore/internal/attr"
	"github.com/ChuLiYu/pbs-jobcore/pkg/types"
)

var testNow = time.Unix(1_700_000_000, 0)

func newTestClock() *clock.Mock {
	clk := clock.NewMock()
	clk.Set(testNow)
	return clk
}

func newQueueStore(t *testing.T) (*QueueStore, *clock.Mock, string) {
	t.Helper()
	root := t.TempDir()
	clk := newTestClock()
	s, err := NewQueueStore(filepath.Join(root, "queues"), filepath.Join(root, "acl"), clk)
	require.NoError(t, err)
	return s, clk, root
}

func sampleQueue() *types.Queue {
	q := &types.Queue{Name: "batch", Type: types.QueueExecution, Modified: 1, CreateTime: 1_600_000_000, Attrs: attr.NewQueueAttrs()}
	must(attr.DecodeAll(attr.QueueDefs, q.Attrs, []attr.Op{
		{Name: "enabled", Value: "True"},
		{Name: "max_queuable", Value: "10"},
		{Name: "resources_max", Resource: "walltime", Value: "02:00:00"},
		{Name: "resources_max", Resource: "mem", Value: "4gb"},
		{Name: "acl_users", Value: "alice,bob@login1"},
		{Name: "route_destinations", Value: "long,short@remote"},
	}, -1))
	return q
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}

// ============================================================================
// 佇列映像
// ============================================================================

func TestQueueSaveLoadRoundTrip(t *testing.T) {
	s, _, root := newQueueStore(t)
	q := sampleQueue()
	require.NoError(t, s.Save(q))

	data, err := os.ReadFile(filepath.Join(root, "queues", "batch"))
	require.NoError(t, err)
	text := string(data)
	assert.True(t, strings.HasPrefix(text, "<queue>\n<modified>1</modified>\n<type>0</type>\n"))
	assert.Contains(t, text, "<resources_max>\n<walltime>02:00:00</walltime>\n<mem>4gb</mem>\n</resources_max>")
	assert.NotContains(t, text, "acl_users", "ACLs live in side files")

	got, err := s.Load("batch")
	require.NoError(t, err)
	assert.Equal(t, q.Name, got.Name)
	assert.Equal(t, q.CreateTime, got.CreateTime)
	assert.Equal(t, testNow.Unix(), got.ModifyTime)
	assert.Equal(t, testNow.Unix(), got.Attrs[attr.QueMTime].Long)
	assert.Equal(t, int64(10), got.Attrs[attr.QueMaxQueuable].Long)
	assert.Equal(t, []string{"alice", "bob@login1"}, got.Attrs[attr.QueACLUsers].List)
	assert.Equal(t, []string{"long", "short@remote"}, got.Attrs[attr.QueRouteDestinations].List)
	mem, ok := got.Attrs[attr.QueResourcesMax].Resource("mem")
	assert.True(t, ok)
	assert.Equal(t, "4gb", mem)
	assert.False(t, got.Attrs[attr.QueEnabled].IsModified())
}

func TestQueueValueEscaping(t *testing.T) {
	s, _, _ := newQueueStore(t)
	q := &types.Queue{Name: "esc", Attrs: attr.NewQueueAttrs()}
	q.Attrs[attr.QueRouteDestinations] = types.Value{Type: types.TypeList, Flags: types.AttrSet, List: []string{"a<b>&c"}}
	require.NoError(t, s.Save(q))

	got, err := s.Load("esc")
	require.NoError(t, err)
	assert.Equal(t, []string{"a<b>&c"}, got.Attrs[attr.QueRouteDestinations].List)
}

func TestQueueCrashBeforeRenameKeepsOldImage(t *testing.T) {
	s, _, root := newQueueStore(t)
	require.NoError(t, s.Save(sampleQueue()))

	// a torn write leaves only the temp file behind
	path := filepath.Join(root, "queues", "batch")
	require.NoError(t, os.WriteFile(path+".new", []byte("<queue>\n<name>bat"), 0600))

	got, err := s.Load("batch")
	require.NoError(t, err)
	assert.Equal(t, int64(10), got.Attrs[attr.QueMaxQueuable].Long)

	all, err := s.LoadAll()
	require.NoError(t, err)
	assert.Len(t, all, 1, "temp files are skipped")
}

func TestQueueMissingCloseTagIsCorrupted(t *testing.T) {
	s, _, root := newQueueStore(t)
	path := filepath.Join(root, "queues", "broken")
	require.NoError(t, os.WriteFile(path, []byte("<queue>\n<name>broken</name>\n<attributes>\n</attributes>\n"), 0600))

	_, err := s.Load("broken")
	assert.ErrorIs(t, err, ErrCorruptedImage)
}

func TestQueueMissingMTimeIsStampedAndResaved(t *testing.T) {
	s, clk, root := newQueueStore(t)
	path := filepath.Join(root, "queues", "old")
	image := "<queue>\n<modified>0</modified>\n<type>1</type>\n<create_time>5</create_time>\n<modify_time>5</modify_time>\n<name>old</name>\n<attributes>\n<enabled>True</enabled>\n</attributes>\n</queue>\n"
	require.NoError(t, os.WriteFile(path, []byte(image), 0600))

	clk.Add(time.Hour)
	q, err := s.Load("old")
	require.NoError(t, err)
	assert.Equal(t, types.QueueRoute, q.Type)
	assert.Equal(t, testNow.Add(time.Hour).Unix(), q.Attrs[attr.QueMTime].Long)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "<mtime>")
}

func TestQueueLegacyImageIsConverted(t *testing.T) {
	s, _, root := newQueueStore(t)

	fix := queueFix{Modified: 1, Type: int32(types.QueueExecution), CTime: 100, MTime: 200}
	copy(fix.Name[:], "legacy")
	data := encodeLegacyQueue(fix, []attr.Op{
		{Name: "enabled", Value: "True"},
		{Name: "max_queuable", Value: "3"},
		{Name: "resources_max", Resource: "walltime", Value: "01:00:00"},
	})
	path := filepath.Join(root, "queues", "legacy")
	require.NoError(t, os.WriteFile(path, data, 0600))

	// ACLs of a legacy queue come from the side files
	aclDir := filepath.Join(root, "acl", "legacy")
	require.NoError(t, os.MkdirAll(aclDir, 0700))
	require.NoError(t, os.WriteFile(filepath.Join(aclDir, "acl_groups"), []byte("hpc\nstaff\n"), 0600))

	q, err := s.Load("legacy")
	require.NoError(t, err)
	assert.Equal(t, "legacy", q.Name)
	assert.Equal(t, int64(100), q.CreateTime)
	assert.Equal(t, int64(3), q.Attrs[attr.QueMaxQueuable].Long)
	assert.Equal(t, []string{"hpc", "staff"}, q.Attrs[attr.QueACLGroups].List)

	converted, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(converted), "<queue>"), "legacy image re-saved in current format")

	again, err := s.Load("legacy")
	require.NoError(t, err)
	assert.Equal(t, q.Attrs[attr.QueMaxQueuable], again.Attrs[attr.QueMaxQueuable])
}

func TestQueueLegacyTruncatedStream(t *testing.T) {
	s, _, root := newQueueStore(t)
	fix := queueFix{}
	copy(fix.Name[:], "trunc")
	data := encodeLegacyQueue(fix, []attr.Op{{Name: "enabled", Value: "True"}})
	require.NoError(t, os.WriteFile(filepath.Join(root, "queues", "trunc"), data[:len(data)-3], 0600))

	_, err := s.Load("trunc")
	assert.ErrorIs(t, err, ErrCorruptedImage)
}

func TestQueueLegacyOversizedCount(t *testing.T) {
	s, _, root := newQueueStore(t)
	fix := queueFix{}
	copy(fix.Name[:], "huge")
	data := encodeLegacyQueue(fix, nil)
	data = protowire.AppendVarint(data[:len(data)-1], 1<<62)
	require.NoError(t, os.WriteFile(filepath.Join(root, "queues", "huge"), data, 0600))

	_, err := s.Load("huge")
	assert.ErrorIs(t, err, ErrCorruptedImage)

	_, err = decodeAttrStream(protowire.AppendVarint(nil, 1<<62))
	assert.ErrorIs(t, err, errShortStream)

	require.NoError(t, s.Save(sampleQueue()))
	queues, err := s.LoadAll()
	require.NoError(t, err)
	require.Len(t, queues, 1)
	assert.Equal(t, "batch", queues[0].Name)
}

func TestQueueACLRemovedWhenCleared(t *testing.T) {
	s, _, root := newQueueStore(t)
	q := sampleQueue()
	require.NoError(t, s.Save(q))
	aclPath := filepath.Join(root, "acl", "batch", "acl_users")
	assert.FileExists(t, aclPath)

	q.Attrs[attr.QueACLUsers].Clear()
	require.NoError(t, s.Save(q))
	assert.NoFileExists(t, aclPath)

	require.NoError(t, s.Remove("batch"))
	_, err := s.Load("batch")
	assert.ErrorIs(t, err, ErrImageNotFound)
}

// ============================================================================
// 任務映像
// ============================================================================

func newJobStore(t *testing.T) (*JobStore, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "jobs")
	s, err := NewJobStore(dir, newTestClock())
	require.NoError(t, err)
	return s, dir
}

func sampleJob() *types.Job {
	j := &types.Job{
		ID:         "42.server",
		State:      types.StateQueued,
		Substate:   types.SubQueued,
		Queue:      "batch",
		SvrFlags:   types.FlagScript,
		CreateTime: 1_600_000_000,
		BadDests:   []string{"long@remote"},
		Attrs:      attr.NewJobAttrs(),
	}
	must(attr.DecodeAll(attr.JobDefs, j.Attrs, []attr.Op{
		{Name: "Job_Name", Value: "sim"},
		{Name: "Job_Owner", Value: "alice@login1"},
		{Name: "Hold_Types", Value: "n"},
		{Name: "Resource_List", Resource: "walltime", Value: "01:00:00"},
		{Name: "queue_rank", Value: "7"},
		{Name: "Variable_List", Value: "PBS_O_HOST=login1"},
		{Name: "site_local", Value: "1"},
	}, attr.JobUnknown))
	return j
}

func TestJobFullSaveRoundTrip(t *testing.T) {
	s, _ := newJobStore(t)
	j := sampleJob()
	j.Modified = true
	j.LastDest, j.RouteRetry = 1, 3
	require.NoError(t, s.SaveFull(j))
	assert.False(t, j.Modified)
	assert.False(t, j.Attrs[attr.JobName].IsModified())

	got, err := s.Load(s.Path(j))
	require.NoError(t, err)
	assert.Equal(t, j.ID, got.ID)
	assert.Equal(t, types.StateQueued, got.State)
	assert.Equal(t, types.FlagScript, got.SvrFlags)
	assert.Equal(t, []string{"long@remote"}, got.BadDests)
	assert.Equal(t, 1, got.LastDest)
	assert.Equal(t, 3, got.RouteRetry)
	assert.Equal(t, testNow.Unix(), got.ModifyTime)
	assert.Equal(t, "sim", got.Attrs[attr.JobName].Str)
	assert.Equal(t, int64(7), got.Attrs[attr.JobQueueRank].Long)
	assert.Equal(t, []string{"site_local=1"}, got.Attrs[attr.JobUnknown].List)
	wt, _ := got.Attrs[attr.JobResource].Resource("walltime")
	assert.Equal(t, "01:00:00", wt)
}

func TestJobQuickSaveMergesDirtyOnly(t *testing.T) {
	s, _ := newJobStore(t)
	j := sampleJob()
	require.NoError(t, s.SaveFull(j))

	// an in-memory change that is not dirty must not reach disk on a quick save
	j.Attrs[attr.JobName].Str = "not-dirty"
	j.Attrs[attr.JobComment] = types.Value{Type: types.TypeString, Flags: types.AttrSet | types.AttrModify, Str: "moved"}
	j.State, j.Substate = types.StateTransit, types.SubTransitOut
	require.NoError(t, s.SaveQuick(j))

	got, err := s.Load(s.Path(j))
	require.NoError(t, err)
	assert.Equal(t, types.SubTransitOut, got.Substate)
	assert.Equal(t, "moved", got.Attrs[attr.JobComment].Str)
	assert.Equal(t, "sim", got.Attrs[attr.JobName].Str)

	require.NoError(t, s.SaveFull(j))
	got, err = s.Load(s.Path(j))
	require.NoError(t, err)
	assert.Equal(t, "not-dirty", got.Attrs[attr.JobName].Str)
}

func TestJobQuickSaveWithoutImageWritesFull(t *testing.T) {
	s, _ := newJobStore(t)
	j := sampleJob()
	require.NoError(t, s.Save(j, SaveQuick))

	got, err := s.Load(s.Path(j))
	require.NoError(t, err)
	assert.Equal(t, "sim", got.Attrs[attr.JobName].Str)
}

func TestJobLegacyImage(t *testing.T) {
	s, dir := newJobStore(t)

	fix := jobFix{State: int32(types.StateHeld), Substate: int32(types.SubHeld), CTime: 10, MTime: 20}
	copy(fix.ID[:], "9.server")
	copy(fix.Queue[:], "batch")
	data := encodeLegacyJob(fix, []attr.Op{
		{Name: "Job_Name", Value: "old"},
		{Name: "Hold_Types", Value: "u"},
	})
	path := filepath.Join(dir, "9.server.JB")
	require.NoError(t, os.WriteFile(path, data, 0600))

	jobs, err := s.LoadAll()
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, types.JobID("9.server"), jobs[0].ID)
	assert.Equal(t, types.StateHeld, jobs[0].State)
	assert.Equal(t, attr.HoldUser, jobs[0].Attrs[attr.JobHold].Long)

	converted, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(converted), "<job>"))
}

func TestJobLoadAllAggregatesFailures(t *testing.T) {
	s, dir := newJobStore(t)
	require.NoError(t, s.SaveFull(sampleJob()))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad1.JB"), []byte("<job>\n<jobid>x</jobid>\n"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad2.JB"), []byte("<job>\n<jobid>y</jobid>\n<state>1</state>\n<substate>42</substate>\n<attributes>\n</attributes>\n</job>\n"), 0600))

	jobs, err := s.LoadAll()
	assert.Len(t, jobs, 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCorruptedImage)
	assert.Contains(t, err.Error(), "bad1.JB")
	assert.Contains(t, err.Error(), "bad2.JB")
}

func TestJobRemove(t *testing.T) {
	s, _ := newJobStore(t)
	j := sampleJob()
	require.NoError(t, s.SaveFull(j))
	require.NoError(t, s.Remove(j))
	assert.NoFileExists(t, s.Path(j))
	require.NoError(t, s.Remove(j), "removing twice is harmless")
}
