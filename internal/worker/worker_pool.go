// ============================================================================
// pbs-jobcore Worker Pool - 請求工作池
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 以固定數量的 goroutine 執行背景工作（非同步 modify、MOM 轉送、
//       搬移完成回呼等）
//
// 架構組件:
//   ┌─────────────┐
//   │ Controller  │ --Submit(func(ctx))--> taskCh
//   └─────────────┘
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │Worker 1│←── taskCh
//   │  │Worker 2│←── taskCh
//   │  └────────┘ │
//   └─────────────┘
//
// 生命週期:
//   1. NewPool() - 創建 Pool
//   2. Start(ctx, n) - 啟動 n 個 Worker，ctx 為所有任務的父 context
//   3. Submit(task) - 提交任務
//   4. Stop() - 取消 context、關閉 taskCh、等待所有 Worker 結束
//
// 並發控制:
//   Submit 持有讀鎖送出任務；Stop 先關閉 stopCh 喚醒阻塞中的 Submit，
//   再取得寫鎖關閉 taskCh，因此不會向已關閉的 channel 發送。
//   Stop 之後已排隊的任務仍會執行，但拿到的是已取消的 context。
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"go.uber.org/atomic"
)

var log = slog.Default()

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示當前 Pool 已關閉，無法提交新任務
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted 表示 Pool 尚未啟動，無法提交任務
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrPoolStarted 表示重複啟動
	ErrPoolStarted = errors.New("worker pool already started")
)

// Task 一個背景工作；ctx 在 Pool 停止時取消
type Task func(ctx context.Context)

// Stats 工作池計數
type Stats struct {
	Workers   int
	Submitted int64
	Completed int64
	Panicked  int64
	Queued    int
}

// ============================================================================
// 資料結構定義
// ============================================================================

// Pool 代表 Worker 池
type Pool struct {
	workers []*Worker
	taskCh  chan Task
	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
	cancel  context.CancelFunc

	mu      sync.RWMutex // 保護 started / closed 與 taskCh 的關閉
	started bool
	closed  bool

	submitted atomic.Int64
	completed atomic.Int64
	panicked  atomic.Int64
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewPool 建立新的 Worker Pool，bufferSize 為任務通道的緩衝大小
func NewPool(bufferSize int) *Pool {
	return &Pool{
		workers: make([]*Worker, 0),
		taskCh:  make(chan Task, bufferSize),
		stopCh:  make(chan struct{}),
	}
}

// Start 啟動指定數量的 Worker
func (p *Pool) Start(ctx context.Context, workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrPoolStarted
	}
	if p.closed {
		return ErrPoolClosed
	}

	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < workerCount; i++ {
		w := newWorker(i, p)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run(ctx)
		}(w)
	}

	p.started = true
	log.Debug("Worker pool started", "workers", workerCount)
	return nil
}

// Submit 提交任務；緩衝已滿時阻塞，直到有空位或 Pool 停止
func (p *Pool) Submit(task func(ctx context.Context)) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrPoolClosed
	}
	if !p.started {
		return ErrPoolNotStarted
	}

	select {
	case p.taskCh <- task:
		p.submitted.Inc()
		return nil
	case <-p.stopCh:
		return ErrPoolClosed
	}
}

// Stop 優雅地關閉 Worker Pool
// 關閉流程：
//  1. 關閉 stopCh，讓阻塞中的 Submit 返回
//  2. 取消任務 context
//  3. 取得寫鎖後關閉 taskCh
//  4. 等待所有 Worker 處理完剩餘任務
func (p *Pool) Stop() {
	p.stopped.Do(func() {
		close(p.stopCh)

		p.mu.Lock()
		p.closed = true
		started := p.started
		if p.cancel != nil {
			p.cancel()
		}
		close(p.taskCh)
		p.mu.Unlock()

		if started {
			p.wg.Wait()
		}
		log.Debug("Worker pool stopped", "completed", p.completed.Load(), "panicked", p.panicked.Load())
	})
}

// GetWorkerCount 返回當前 Worker 數量
func (p *Pool) GetWorkerCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.workers)
}

// IsStarted 檢查 Pool 是否已啟動
func (p *Pool) IsStarted() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.started
}

// Stats 回傳計數快照
func (p *Pool) Stats() Stats {
	return Stats{
		Workers:   p.GetWorkerCount(),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Panicked:  p.panicked.Load(),
		Queued:    len(p.taskCh),
	}
}
