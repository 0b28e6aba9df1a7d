package controller

// ============================================================================
// 職責說明：
// 1. 保存搬移 handshake 的完成回呼，以 (jobID, token) 為鍵
// 2. handshake goroutine 結束時 Post 結果，Run 在控制器 goroutine 取出
// 3. 回呼丟到 worker pool 執行，回呼自行取得任務鎖
// ============================================================================

import (
	"context"
	"sync"

	"github.com/ChuLiYu/pbs-jobcore/internal/move"
)

// Submitter 執行完成回呼的工作池
type Submitter interface {
	Submit(task func(ctx context.Context)) error
}

type delivery struct {
	key     move.Key
	outcome move.Outcome
}

// Mailbox 延後工作（deferred work task）的信箱
type Mailbox struct {
	mu     sync.Mutex
	fns    map[move.Key]func(context.Context, move.Outcome)
	inbox  []delivery
	notify chan struct{}
	pool   Submitter
}

// NewMailbox 建立信箱
func NewMailbox(pool Submitter) *Mailbox {
	return &Mailbox{
		fns:    make(map[move.Key]func(context.Context, move.Outcome)),
		notify: make(chan struct{}, 1),
		pool:   pool,
	}
}

// Register 登記完成回呼；重複的鍵會被忽略
func (m *Mailbox) Register(key move.Key, fn func(context.Context, move.Outcome)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.fns[key]; exists {
		log.Warn("Duplicate work task ignored", "jobID", key.JobID, "token", key.Token)
		return
	}
	m.fns[key] = fn
}

// Post 投遞 handshake 結果，不會阻塞
func (m *Mailbox) Post(key move.Key, o move.Outcome) {
	m.mu.Lock()
	m.inbox = append(m.inbox, delivery{key: key, outcome: o})
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// Pending 尚未完成的回呼數
func (m *Mailbox) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.fns)
}

// Run 持續處理信箱直到 ctx 結束
func (m *Mailbox) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			log.Info("Mailbox loop stopped")
			return
		case <-m.notify:
			m.Process(ctx)
		}
	}
}

// Process 取出所有已投遞的結果並派發回呼
//
// 工作池已關閉時回呼在呼叫者 goroutine 上執行
func (m *Mailbox) Process(ctx context.Context) int {
	m.mu.Lock()
	batch := m.inbox
	m.inbox = nil
	type ready struct {
		fn func(context.Context, move.Outcome)
		o  move.Outcome
	}
	tasks := make([]ready, 0, len(batch))
	for _, d := range batch {
		fn, ok := m.fns[d.key]
		if !ok {
			log.Warn("Outcome for unknown work task", "jobID", d.key.JobID, "token", d.key.Token)
			continue
		}
		delete(m.fns, d.key)
		tasks = append(tasks, ready{fn: fn, o: d.outcome})
	}
	m.mu.Unlock()

	for _, t := range tasks {
		t := t
		if err := m.pool.Submit(func(ctx context.Context) { t.fn(ctx, t.o) }); err != nil {
			log.Debug("Running work task inline", "error", err)
			t.fn(ctx, t.o)
		}
	}
	return len(tasks)
}
