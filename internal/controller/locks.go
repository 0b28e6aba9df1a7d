package controller

// ============================================================================
// 職責說明：
// 1. 每個任務、陣列、佇列各有一把互斥鎖，加鎖順序固定為 Array → Job → Queue
// 2. 鎖項目帶有存活 token：實體被 purge 後 token 失效，等待者醒來會看到 nil
// 3. 提供 modify.JobLocker 與 move.JobLocker 需要的 LockJob / LockArray
// ============================================================================

import (
	"sync"

	"go.uber.org/atomic"

	"github.com/ChuLiYu/pbs-jobcore/internal/jobmanager"
	"github.com/ChuLiYu/pbs-jobcore/pkg/types"
)

// lockEntry 單一實體的鎖與存活 token
type lockEntry struct {
	mu   sync.Mutex
	live atomic.Bool
}

func newLockEntry() *lockEntry {
	e := &lockEntry{}
	e.live.Store(true)
	return e
}

// Guard 持有一把實體鎖
//
// Release 可重複呼叫。實體已被 purge 時仍會解鎖，讓排隊中的呼叫者
// 看到失效的 token 後離開
type Guard struct {
	e        *lockEntry
	released atomic.Bool
}

// Release 釋放鎖
func (g *Guard) Release() {
	if g == nil || !g.released.CompareAndSwap(false, true) {
		return
	}
	g.e.mu.Unlock()
}

// Live 實體是否仍存在
func (g *Guard) Live() bool {
	return g != nil && g.e.live.Load()
}

// Locks 任務、陣列、佇列的鎖表
type Locks struct {
	mu     sync.Mutex
	jobs   map[types.JobID]*lockEntry
	arrays map[string]*lockEntry
	queues map[string]*lockEntry
	jm     *jobmanager.JobManager
}

// NewLocks 建立鎖表並掛上 purge 回呼
func NewLocks(jm *jobmanager.JobManager) *Locks {
	l := &Locks{
		jobs:   make(map[types.JobID]*lockEntry),
		arrays: make(map[string]*lockEntry),
		queues: make(map[string]*lockEntry),
		jm:     jm,
	}
	jm.OnPurge(l.invalidateJob)
	return l
}

func entryFor[K comparable](mu *sync.Mutex, m map[K]*lockEntry, key K) *lockEntry {
	mu.Lock()
	defer mu.Unlock()
	e, ok := m[key]
	if !ok {
		e = newLockEntry()
		m[key] = e
	}
	return e
}

func forget[K comparable](mu *sync.Mutex, m map[K]*lockEntry, key K) {
	mu.Lock()
	defer mu.Unlock()
	if e, ok := m[key]; ok {
		e.live.Store(false)
		delete(m, key)
	}
}

// acquire 取得鎖；token 已失效時立即釋放並回傳 nil
func acquire(e *lockEntry) *Guard {
	e.mu.Lock()
	if !e.live.Load() {
		e.mu.Unlock()
		return nil
	}
	return &Guard{e: e}
}

func noop() {}

// LockJob 鎖住任務；任務不存在時回傳 (nil, noop)
func (l *Locks) LockJob(id types.JobID) (*types.Job, func()) {
	job, g := l.LockJobGuard(id)
	if job == nil {
		return nil, noop
	}
	return job, g.Release
}

// LockJobGuard 同 LockJob，回傳 Guard
func (l *Locks) LockJobGuard(id types.JobID) (*types.Job, *Guard) {
	if l.jm.Job(id) == nil {
		return nil, nil
	}
	g := acquire(entryFor(&l.mu, l.jobs, id))
	if g == nil {
		return nil, nil
	}
	job := l.jm.Job(id)
	if job == nil {
		g.Release()
		forget(&l.mu, l.jobs, id)
		return nil, nil
	}
	return job, g
}

// LockArray 鎖住任務陣列
func (l *Locks) LockArray(id string) (*types.Array, func()) {
	if l.jm.Array(id) == nil {
		return nil, noop
	}
	g := acquire(entryFor(&l.mu, l.arrays, id))
	if g == nil {
		return nil, noop
	}
	a := l.jm.Array(id)
	if a == nil {
		g.Release()
		forget(&l.mu, l.arrays, id)
		return nil, noop
	}
	return a, g.Release
}

// LockQueue 鎖住佇列
func (l *Locks) LockQueue(name string) (*types.Queue, func()) {
	if l.jm.Queue(name) == nil {
		return nil, noop
	}
	g := acquire(entryFor(&l.mu, l.queues, name))
	if g == nil {
		return nil, noop
	}
	return l.jm.Queue(name), g.Release
}

// invalidateJob 由 JobManager.RemoveJob 呼叫
func (l *Locks) invalidateJob(id types.JobID) {
	forget(&l.mu, l.jobs, id)
}

// Held 目前鎖表中的項目數（測試與狀態用）
func (l *Locks) Held() (jobs, arrays, queues int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.jobs), len(l.arrays), len(l.queues)
}
