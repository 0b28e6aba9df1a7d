// ============================================================================
// pbs-jobcore 任務管理器 - 任務、佇列與陣列的記憶體索引
// ============================================================================
//
// Package: internal/jobmanager
// 文件: job_manager.go
// 功能: 維護伺服器上所有任務、佇列與任務陣列的權威索引
//
// 設計理念:
//   1. jobs map - 統一的任務存儲，作為單一真實來源 (Single Source of Truth)
//   2. 每個佇列一棵 btree，以 (rank, jobID) 排序，保證佇列內 FIFO
//   3. rank 計數器為原子操作，搬移與恢復都從這裡取號
//
// 並發安全:
//   - sync.RWMutex 只保護索引本身（map 與 btree）
//   - 任務欄位的修改由 controller 的 per-job 鎖保護，不在這裡
//
// 職責說明：
//   1. 任務的加入、查詢、移除（purge）
//   2. 佇列成員關係（Enqueue / Dequeue）與計數
//   3. 任務陣列的 slot 管理
//   4. 全域 rank 計數器
//
// ============================================================================

package jobmanager

import (
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/btree"
	"go.uber.org/atomic"

	"github.com/ChuLiYu/pbs-jobcore/internal/attr"
	"github.com/ChuLiYu/pbs-jobcore/pkg/types"
)

var log = slog.Default()

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 任務 ID 重複錯誤
	ErrDuplicateJob = errors.New("job already exists")
	// 任務不存在
	ErrJobNotFound = errors.New("job not found")
	// 佇列不存在
	ErrQueueNotFound = errors.New("queue not found")
	// 佇列名稱重複
	ErrDuplicateQueue = errors.New("queue already exists")
	// 陣列不存在
	ErrArrayNotFound = errors.New("array not found")
	// 子狀態不屬於該狀態
	ErrIllegalSubstate = errors.New("illegal substate for state")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// member 佇列 btree 中的一個元素
type member struct {
	rank int64
	id   types.JobID
}

func memberLess(a, b member) bool {
	if a.rank != b.rank {
		return a.rank < b.rank
	}
	return a.id < b.id
}

// queueEntry 佇列與其成員索引
type queueEntry struct {
	q       *types.Queue
	members *btree.BTreeG[member]
}

// placement 記錄任務目前在哪個佇列、以哪個 rank 插入
type placement struct {
	queue string
	m     member
}

// JobManager 代表任務管理器
type JobManager struct {
	mu      sync.RWMutex
	jobs    map[types.JobID]*types.Job
	queues  map[string]*queueEntry
	placed  map[types.JobID]placement
	arrays  map[string]*types.Array
	rank    atomic.Int64
	clock   clock.Clock
	onPurge func(types.JobID)
}

// NewJobManager 建立新的任務管理器實例
//
// 併發安全：返回的實例是執行緒安全的
func NewJobManager(clk clock.Clock) *JobManager {
	if clk == nil {
		clk = clock.New()
	}
	return &JobManager{
		jobs:   make(map[types.JobID]*types.Job),
		queues: make(map[string]*queueEntry),
		placed: make(map[types.JobID]placement),
		arrays: make(map[string]*types.Array),
		clock:  clk,
	}
}

// Clock 回傳管理器使用的時間來源
func (jm *JobManager) Clock() clock.Clock { return jm.clock }

// OnPurge 註冊任務被移除時的回呼（用於讓鎖的存活 token 失效）
func (jm *JobManager) OnPurge(fn func(types.JobID)) {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	jm.onPurge = fn
}

// ============================================================================
// Rank 計數器
// ============================================================================

// NextRank 取得下一個佇列 rank
func (jm *JobManager) NextRank() int64 {
	return jm.rank.Inc()
}

// SeedRank 恢復時把計數器推進到至少 n
func (jm *JobManager) SeedRank(n int64) {
	for {
		cur := jm.rank.Load()
		if n <= cur || jm.rank.CompareAndSwap(cur, n) {
			return
		}
	}
}

// ============================================================================
// 佇列
// ============================================================================

// AddQueue 註冊佇列
func (jm *JobManager) AddQueue(q *types.Queue) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	if _, exists := jm.queues[q.Name]; exists {
		return ErrDuplicateQueue
	}
	jm.queues[q.Name] = &queueEntry{q: q, members: btree.NewG(16, memberLess)}
	return nil
}

// Queue 依名稱查詢佇列，不存在回傳 nil
func (jm *JobManager) Queue(name string) *types.Queue {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	if e, ok := jm.queues[name]; ok {
		return e.q
	}
	return nil
}

// Queues 依名稱排序回傳所有佇列
func (jm *JobManager) Queues() []*types.Queue {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	out := make([]*types.Queue, 0, len(jm.queues))
	for _, e := range jm.queues {
		out = append(out, e.q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// QueueJobs 依 rank 順序回傳佇列中的任務
func (jm *JobManager) QueueJobs(name string) []*types.Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	e, ok := jm.queues[name]
	if !ok {
		return nil
	}
	out := make([]*types.Job, 0, e.members.Len())
	e.members.Ascend(func(m member) bool {
		if j, ok := jm.jobs[m.id]; ok {
			out = append(out, j)
		}
		return true
	})
	return out
}

// CountInQueue 佇列中的任務數
func (jm *JobManager) CountInQueue(name string) int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	if e, ok := jm.queues[name]; ok {
		return e.members.Len()
	}
	return 0
}

// CountUserInQueue 佇列中屬於 euser 的任務數
func (jm *JobManager) CountUserInQueue(name, euser string) int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	e, ok := jm.queues[name]
	if !ok {
		return 0
	}
	n := 0
	e.members.Ascend(func(m member) bool {
		if j, ok := jm.jobs[m.id]; ok && j.Attrs[attr.JobEUser].Str == euser {
			n++
		}
		return true
	})
	return n
}

// ============================================================================
// 任務
// ============================================================================

// AddJob 將任務加入索引並放入 job.Queue
//
// 錯誤處理：
//   - ErrDuplicateJob: 任務 ID 已存在
//   - ErrQueueNotFound: job.Queue 不存在
//
// queue_rank 未設定時從計數器取號
func (jm *JobManager) AddJob(job *types.Job) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	if _, exists := jm.jobs[job.ID]; exists {
		return ErrDuplicateJob
	}
	if _, ok := jm.queues[job.Queue]; !ok {
		return ErrQueueNotFound
	}
	jm.jobs[job.ID] = job
	jm.enqueueLocked(job)
	return nil
}

// Job 依 ID 查詢任務，不存在回傳 nil
func (jm *JobManager) Job(id types.JobID) *types.Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	return jm.jobs[id]
}

// Jobs 依 ID 排序回傳所有任務
func (jm *JobManager) Jobs() []*types.Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	out := make([]*types.Job, 0, len(jm.jobs))
	for _, j := range jm.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Enqueue 依 queue_rank 把任務放入 job.Queue
func (jm *JobManager) Enqueue(job *types.Job) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	if _, ok := jm.queues[job.Queue]; !ok {
		return ErrQueueNotFound
	}
	jm.enqueueLocked(job)
	return nil
}

func (jm *JobManager) enqueueLocked(job *types.Job) {
	jm.dequeueLocked(job.ID)

	rank := &job.Attrs[attr.JobQueueRank]
	if !rank.IsSet() {
		rank.Type = types.TypeLong
		rank.Long = jm.rank.Inc()
		rank.Flags |= types.AttrSet | types.AttrModify
	}
	m := member{rank: rank.Long, id: job.ID}
	jm.queues[job.Queue].members.ReplaceOrInsert(m)
	jm.placed[job.ID] = placement{queue: job.Queue, m: m}
}

// Dequeue 把任務從目前所在的佇列移出
func (jm *JobManager) Dequeue(job *types.Job) {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	jm.dequeueLocked(job.ID)
}

func (jm *JobManager) dequeueLocked(id types.JobID) {
	p, ok := jm.placed[id]
	if !ok {
		return
	}
	if e, ok := jm.queues[p.queue]; ok {
		e.members.Delete(p.m)
	}
	delete(jm.placed, id)
}

// RemoveJob 從所有索引移除任務（purge），陣列 slot 置空
func (jm *JobManager) RemoveJob(id types.JobID) error {
	jm.mu.Lock()
	job, exists := jm.jobs[id]
	if !exists {
		jm.mu.Unlock()
		return ErrJobNotFound
	}
	jm.dequeueLocked(id)
	delete(jm.jobs, id)
	if a, ok := jm.arrays[job.ArrayID]; ok && job.IsSubjob() {
		for i, jid := range a.JobIDs {
			if jid == id {
				a.JobIDs[i] = ""
			}
		}
	}
	fn := jm.onPurge
	jm.mu.Unlock()

	if fn != nil {
		fn(id)
	}
	return nil
}

// ============================================================================
// 任務陣列
// ============================================================================

// AddArray 註冊任務陣列
func (jm *JobManager) AddArray(a *types.Array) {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	jm.arrays[a.ID] = a
}

// Array 查詢陣列，不存在回傳 nil
func (jm *JobManager) Array(id string) *types.Array {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	return jm.arrays[id]
}

// RemoveArray 移除陣列記錄
func (jm *JobManager) RemoveArray(id string) {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	delete(jm.arrays, id)
}

// ============================================================================
// 統計
// ============================================================================

// Stats 依狀態字母統計任務數，另含 total 與 queues
func (jm *JobManager) Stats() map[string]int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	stats := map[string]int{
		"total":  len(jm.jobs),
		"queues": len(jm.queues),
	}
	for _, j := range jm.jobs {
		stats[j.State.String()]++
	}
	return stats
}
