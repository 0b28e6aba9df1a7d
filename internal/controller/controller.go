// ============================================================================
// pbs-jobcore 控制器 - 伺服器核心協調器
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 組裝所有模組，負責啟動恢復、請求派發、路由循環與關閉順序
//
// 架構設計:
//   Controller 持有以下組件：
//   - JobManager: 任務與佇列的記憶體索引（rank 排序的佇列成員）
//   - JobStore / QueueStore / Spool: 任務映像、佇列映像、任務檔案
//   - Journal (WAL): 任務事件會計日誌
//   - WorkerPool: 執行請求與搬移完成回呼
//   - Locks: 任務 / 陣列 / 佇列鎖，帶存活 token
//   - modify.Handler: 屬性修改請求
//   - move.Engine: 佇列間與伺服器間搬移
//
// 核心循環 (2 個 Goroutine):
//   1. Mailbox Loop - 取出 handshake 結果，把完成回呼丟進 worker pool
//   2. Route Loop - 定期掃描已啟動的路由佇列，把 QUEUED 任務送往目的地
//
// 啟動恢復流程:
//   1. 載入佇列映像（舊格式會自動改寫）
//   2. 載入任務映像，重建佇列成員與陣列，推進 rank 計數器
//   3. TransitIn / TransitInCommit 的任務從未提交，直接丟棄
//   4. TransitOut / TransitOutCommit 的任務重新啟動 handshake
//   5. 依設定補建缺少的佇列
//
// 並發安全:
//   - 每個任務操作都在任務鎖內進行
//   - 遠端 handshake 不持有任務鎖，只透過 mailbox 回呼重新取得
//   - ctx 取消用於關閉所有循環與 handshake
//
// ============================================================================

package controller

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"

	"github.com/ChuLiYu/pbs-jobcore/internal/attr"
	"github.com/ChuLiYu/pbs-jobcore/internal/batch"
	"github.com/ChuLiYu/pbs-jobcore/internal/jobmanager"
	"github.com/ChuLiYu/pbs-jobcore/internal/modify"
	"github.com/ChuLiYu/pbs-jobcore/internal/move"
	"github.com/ChuLiYu/pbs-jobcore/internal/snapshot"
	"github.com/ChuLiYu/pbs-jobcore/internal/storage/wal"
	"github.com/ChuLiYu/pbs-jobcore/internal/worker"
	"github.com/ChuLiYu/pbs-jobcore/pkg/types"
)

var log = slog.Default()

// DefaultMomPort 執行節點預設埠
const DefaultMomPort = 15002

// ============================================================================
// 資料結構定義
// ============================================================================

// QueueSpec 設定檔中宣告的佇列，啟動時不存在才建立
type QueueSpec struct {
	Name  string            `yaml:"name"`
	Type  string            `yaml:"type"`  // execution | route
	Attrs map[string]string `yaml:"attrs"` // 例如 enabled: "true"、resources_max.walltime: "24:00:00"
}

// Config Controller 配置
type Config struct {
	ServerName  string   // 本伺服器主機名
	ServerAddrs []string // 其他代表本伺服器的名稱或位址
	DefaultPort int      // 對端伺服器預設埠
	MomPort     int      // 執行節點埠

	WorkerCount int // Worker 數量
	BufferSize  int // 工作佇列大小

	QueueDir    string // 佇列映像目錄
	ACLDir      string // 佇列 ACL 旁檔目錄
	JobDir      string // 任務映像目錄
	SpoolDir    string // 任務檔案目錄
	JournalPath string // 會計日誌
	JournalSync bool   // 每筆事件都 fsync

	RetryLimit      int           // handshake 重試次數
	RetryInterval   time.Duration // 第一次重試間隔
	RouteInterval   time.Duration // 路由循環間隔
	RouteRetryLimit int           // 路由可重試失敗上限，0 為不限
	Admission       move.Admission

	Queues []QueueSpec
}

// Recorder 控制器會用到的所有指標
type Recorder interface {
	modify.Recorder
	move.Recorder
	ObserveSave(kind string)
	ObserveRecovery(d time.Duration)
}

// Options 外部協作者
type Options struct {
	Transport move.Transport  // 必填
	Relay     modify.MomRelay // nil 時只記錄日誌
	Recorder  Recorder        // 可為 nil
	Clock     clock.Clock
}

// RecoveryReport 啟動恢復結果
type RecoveryReport struct {
	Queues    int           `json:"queues"`
	Jobs      int           `json:"jobs"`
	Resumed   int           `json:"resumed"`
	Discarded int           `json:"discarded"`
	Created   int           `json:"created_queues"`
	Duration  time.Duration `json:"duration"`
}

// Controller 核心控制器
type Controller struct {
	mu         sync.Mutex
	jm         *jobmanager.JobManager
	jobStore   *snapshot.JobStore
	queueStore *snapshot.QueueStore
	spool      *snapshot.Spool
	journal    *wal.WAL
	pool       *worker.Pool
	locks      *Locks
	mailbox    *Mailbox
	dispatches *DispatchLog
	nodes      *NodeTable
	images     *jobImages
	modify     *modify.Handler
	engine     *move.Engine
	config     Config
	clock      clock.Clock
	recorder   Recorder

	cancel    context.CancelFunc
	started   bool
	stopped   bool
	startTime time.Time
	recovery  RecoveryReport
	loopWg    sync.WaitGroup
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewController 建立新的 Controller 實例並開啟所有存放區
func NewController(config Config, opts Options) (*Controller, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("controller needs a transport")
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if config.MomPort == 0 {
		config.MomPort = DefaultMomPort
	}
	if config.RouteInterval <= 0 {
		config.RouteInterval = 10 * time.Second
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = 4
	}

	// 1. 存放區
	queueStore, err := snapshot.NewQueueStore(config.QueueDir, config.ACLDir, opts.Clock)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue store: %w", err)
	}
	jobStore, err := snapshot.NewJobStore(config.JobDir, opts.Clock)
	if err != nil {
		return nil, fmt.Errorf("failed to open job store: %w", err)
	}
	spool, err := snapshot.NewSpool(config.SpoolDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open spool: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(config.JournalPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}
	journal, err := wal.NewWAL(config.JournalPath, config.JournalSync, opts.Clock)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	// 2. 記憶體索引、鎖、工作池
	jm := jobmanager.NewJobManager(opts.Clock)
	pool := worker.NewPool(config.BufferSize)

	c := &Controller{
		jm:         jm,
		jobStore:   jobStore,
		queueStore: queueStore,
		spool:      spool,
		journal:    journal,
		pool:       pool,
		locks:      NewLocks(jm),
		mailbox:    NewMailbox(pool),
		dispatches: NewDispatchLog(opts.Clock),
		nodes:      NewNodeTable(opts.Clock),
		config:     config,
		clock:      opts.Clock,
		recorder:   opts.Recorder,
	}
	c.images = &jobImages{store: jobStore, spool: spool, recorder: opts.Recorder}

	relay := opts.Relay
	if relay == nil {
		relay = logRelay{}
	}

	// 3. 請求處理器
	c.modify = modify.NewHandler(modify.Config{
		Locks:    c.locks,
		Queues:   jm,
		Saver:    c.images,
		Relay:    relay,
		Pool:     pool,
		Journal:  journal,
		Recorder: opts.Recorder,
		Clock:    opts.Clock,
		SpoolDir: config.SpoolDir,
	})
	c.engine = move.NewEngine(move.Config{
		ServerName:      config.ServerName,
		ServerAddrs:     config.ServerAddrs,
		DefaultPort:     config.DefaultPort,
		RetryLimit:      config.RetryLimit,
		RetryInterval:   config.RetryInterval,
		Admission:       config.Admission,
		RouteRetryLimit: config.RouteRetryLimit,
		Registry:        jm,
		Store:           c.images,
		Locks:           c.locks,
		Transport:       opts.Transport,
		Spool:           spool,
		Mailbox:         c.mailbox,
		Nodes:           c.nodes,
		Journal:         journal,
		Recorder:        opts.Recorder,
		Dispatches:      c.dispatches,
		Clock:           opts.Clock,
	})
	return c, nil
}

// Start 啟動 Controller
//
// 流程：
//  1. 恢復階段：佇列 -> 任務 -> 繼續未完成的搬移
//  2. 啟動階段：啟動 Worker Pool 和兩個核心循環
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("controller already started")
	}
	c.started = true
	c.startTime = c.clock.Now()
	ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	// 1. 恢復階段
	log.Info("Starting recovery...")
	report, err := c.recover(ctx)
	if err != nil {
		c.cancel()
		return fmt.Errorf("recovery failed: %w", err)
	}
	c.recovery = report
	if c.recorder != nil {
		c.recorder.ObserveRecovery(report.Duration)
	}
	log.Info("Recovery completed",
		"duration", report.Duration,
		"queues", report.Queues,
		"jobs", report.Jobs,
		"resumed", report.Resumed,
		"discarded", report.Discarded)

	// 2. 啟動 Worker Pool
	if err := c.pool.Start(ctx, c.config.WorkerCount); err != nil {
		c.cancel()
		return fmt.Errorf("failed to start worker pool: %w", err)
	}

	// 3. 啟動核心循環
	c.loopWg.Add(2)
	go func() {
		defer c.loopWg.Done()
		c.mailbox.Run(ctx)
	}()
	go c.routeLoop(ctx)

	log.Info("Controller started",
		"server", c.config.ServerName,
		"workers", c.config.WorkerCount)
	return nil
}

// ============================================================================
// 啟動恢復
// ============================================================================

func (c *Controller) recover(ctx context.Context) (RecoveryReport, error) {
	start := c.clock.Now()
	var report RecoveryReport

	queues, err := c.queueStore.LoadAll()
	if err != nil {
		return report, err
	}
	for _, q := range queues {
		if err := c.jm.AddQueue(q); err != nil {
			log.Error("Failed to register queue", "queue", q.Name, "error", err)
			continue
		}
		report.Queues++
	}
	report.Created = c.createQueues()

	jobs, err := c.jobStore.LoadAll()
	if jobs == nil && err != nil {
		return report, err
	}
	for _, e := range multierr.Errors(err) {
		log.Error("Failed to recover job", "error", e)
	}

	var (
		maxRank int64
		resume  []types.JobID
	)
	for _, job := range jobs {
		if job.State == types.StateTransit &&
			(job.Substate == types.SubTransitIn || job.Substate == types.SubTransitInCommit) {
			log.Warn("Discarding uncommitted inbound job", "jobID", job.ID, "substate", job.Substate.String())
			if err := c.images.Remove(job); err != nil {
				log.Error("Failed to discard inbound job", "jobID", job.ID, "error", err)
			}
			report.Discarded++
			continue
		}
		if err := c.jm.AddJob(job); err != nil {
			log.Error("Failed to register job", "jobID", job.ID, "queue", job.Queue, "error", err)
			continue
		}
		report.Jobs++
		if r := job.Attrs[attr.JobQueueRank].Long; r > maxRank {
			maxRank = r
		}
		c.attachToArray(job)
		if job.State == types.StateTransit {
			resume = append(resume, job.ID)
		}
	}
	c.jm.SeedRank(maxRank)

	for _, id := range resume {
		job, release := c.locks.LockJob(id)
		if job == nil {
			continue
		}
		if err := c.engine.Resume(ctx, job); err != nil {
			log.Error("Failed to resume job transit", "jobID", id, "error", err)
		} else {
			report.Resumed++
		}
		release()
	}

	report.Duration = c.clock.Since(start)
	return report, nil
}

// attachToArray 由任務記錄重建陣列的 slot 表
func (c *Controller) attachToArray(job *types.Job) {
	if job.ArrayID == "" {
		return
	}
	a := c.jm.Array(job.ArrayID)
	if a == nil {
		a = &types.Array{ID: job.ArrayID}
		c.jm.AddArray(a)
	}
	if !job.IsSubjob() {
		return
	}
	for len(a.JobIDs) <= job.ArrayIndex {
		a.JobIDs = append(a.JobIDs, "")
	}
	a.JobIDs[job.ArrayIndex] = job.ID
}

// createQueues 建立設定檔宣告但尚不存在的佇列
func (c *Controller) createQueues() int {
	created := 0
	for _, spec := range c.config.Queues {
		if c.jm.Queue(spec.Name) != nil {
			continue
		}
		q, err := NewQueue(spec, c.clock.Now())
		if err != nil {
			log.Error("Invalid queue definition", "queue", spec.Name, "error", err)
			continue
		}
		if err := c.queueStore.Save(q); err != nil {
			log.Error("Failed to save queue", "queue", q.Name, "error", err)
			continue
		}
		if err := c.jm.AddQueue(q); err != nil {
			log.Error("Failed to register queue", "queue", q.Name, "error", err)
			continue
		}
		log.Info("Queue created", "queue", q.Name, "type", spec.Type)
		created++
	}
	return created
}

// NewQueue 依設定建立佇列；屬性以 "name" 或 "name.resource" 為鍵
func NewQueue(spec QueueSpec, now time.Time) (*types.Queue, error) {
	if spec.Name == "" {
		return nil, fmt.Errorf("queue has no name")
	}
	q := &types.Queue{
		Name:       spec.Name,
		Type:       types.QueueExecution,
		CreateTime: now.Unix(),
		ModifyTime: now.Unix(),
		Attrs:      attr.NewQueueAttrs(),
	}
	switch strings.ToLower(spec.Type) {
	case "", "execution", "e":
	case "route", "r":
		q.Type = types.QueueRoute
	default:
		return nil, fmt.Errorf("unknown queue type %q", spec.Type)
	}

	ops := make([]attr.Op, 0, len(spec.Attrs))
	for k, v := range spec.Attrs {
		name, resource, _ := strings.Cut(k, ".")
		ops = append(ops, attr.Op{Name: name, Resource: resource, Value: v})
	}
	if err := attr.DecodeAll(attr.QueueDefs, q.Attrs, ops, -1); err != nil {
		return nil, err
	}
	return q, nil
}

// ============================================================================
// 請求派發
// ============================================================================

// Submit 把請求交給 worker pool 處理
func (c *Controller) Submit(req *batch.Request) error {
	err := c.pool.Submit(func(ctx context.Context) { c.Dispatch(ctx, req) })
	if err != nil {
		req.Reject(types.CodeSystem, "server is shutting down")
		return err
	}
	return nil
}

// Dispatch 依請求種類呼叫處理器
func (c *Controller) Dispatch(ctx context.Context, req *batch.Request) {
	log.Debug("Dispatching request", "type", req.Type.String(), "object", req.ObjectID, "requester", req.Requester())
	switch req.Type {
	case batch.TypeModifyJob, batch.TypeAsyModifyJob:
		c.modify.ModifyJob(ctx, req)
	case batch.TypeModifyArray:
		c.modify.ModifyArray(ctx, req)
	case batch.TypeMoveJob:
		c.moveJob(ctx, req)
	default:
		req.Reject(types.CodeUnkReq, req.Type.String())
	}
}

// moveJob 處理 qmove：只有擁有者或管理者可以搬移排隊中的任務
func (c *Controller) moveJob(ctx context.Context, req *batch.Request) {
	job, release := c.locks.LockJob(types.JobID(req.ObjectID))
	if job == nil {
		req.Reject(types.CodeUnkJobID, "")
		return
	}
	defer release()

	if !req.Perm.IsManager() && !isOwner(job, req.User) {
		req.Reject(types.CodePerm, "")
		return
	}
	switch job.State {
	case types.StateQueued, types.StateHeld, types.StateWaiting:
	default:
		req.Reject(types.CodeBadState, job.State.String())
		return
	}

	res, err := c.engine.MoveJob(ctx, job, req.Destination, req)
	switch res {
	case move.Done:
		req.Ack()
	case move.Deferred:
	default:
		if err == nil {
			err = types.NewError(types.CodeSystem, "")
		}
		req.RejectErr(err)
	}
}

func isOwner(job *types.Job, user string) bool {
	owner, _, _ := strings.Cut(job.Attrs[attr.JobOwner].Str, "@")
	return owner == user
}

// RunJob 把排隊中的任務送往執行節點 node；結果經由 mailbox 回來
func (c *Controller) RunJob(ctx context.Context, id types.JobID, node string) (move.Result, error) {
	job, release := c.locks.LockJob(id)
	if job == nil {
		return move.Rejected, types.NewError(types.CodeUnkJobID, string(id))
	}
	defer release()
	if c.nodes.IsDown(node) {
		return move.Rejected, types.Errorf(types.CodeNoConnects, "node %s is down", node)
	}
	addr := net.JoinHostPort(node, strconv.Itoa(c.config.MomPort))
	return c.engine.SendToMOM(ctx, job, node, addr)
}

// ============================================================================
// 路由循環
// ============================================================================

// routeLoop 定期執行路由
func (c *Controller) routeLoop(ctx context.Context) {
	defer c.loopWg.Done()
	ticker := c.clock.Ticker(c.config.RouteInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("Route loop stopped")
			return
		case <-ticker.C:
			c.RoutePass(ctx)
		}
	}
}

// RoutePass 對每個已啟動路由佇列中的 QUEUED 任務嘗試一次路由
//
// 返回值：離開路由佇列（搬走或放棄）的任務數
func (c *Controller) RoutePass(ctx context.Context) int {
	moved := 0
	for _, q := range c.jm.Queues() {
		if q.Type != types.QueueRoute || !c.queueStarted(q.Name) {
			continue
		}
		for _, j := range c.jm.QueueJobs(q.Name) {
			job, release := c.locks.LockJob(j.ID)
			if job == nil {
				continue
			}
			if job.Queue == q.Name && job.State == types.StateQueued {
				if !c.engine.RouteOrAbort(ctx, job) || job.Queue != q.Name || job.State == types.StateTransit {
					moved++
				}
			}
			release()
		}
	}
	return moved
}

func (c *Controller) queueStarted(name string) bool {
	q, release := c.locks.LockQueue(name)
	if q == nil {
		return false
	}
	defer release()
	return q.Attrs[attr.QueStarted].Long != 0
}

// ============================================================================
// 查詢
// ============================================================================

// JobManager 記憶體索引
func (c *Controller) JobManager() *jobmanager.JobManager { return c.jm }

// Locks 鎖表
func (c *Controller) Locks() *Locks { return c.locks }

// Spool 任務檔案目錄
func (c *Controller) Spool() *snapshot.Spool { return c.spool }

// Images 任務映像存放（儲存與刪除）
func (c *Controller) Images() move.Store { return c.images }

// Journal 會計日誌
func (c *Controller) Journal() *wal.WAL { return c.journal }

// Recovery 最近一次啟動恢復結果
func (c *Controller) Recovery() RecoveryReport { return c.recovery }

// GetStatus 取得系統狀態
func (c *Controller) GetStatus() map[string]interface{} {
	c.mu.Lock()
	start := c.startTime
	c.mu.Unlock()

	stats := c.jm.Stats()
	pool := c.pool.Stats()
	return map[string]interface{}{
		"server":            c.config.ServerName,
		"uptime":            c.clock.Since(start).String(),
		"workers":           c.pool.GetWorkerCount(),
		"tasks_completed":   pool.Completed,
		"jobs":              stats,
		"pending_moves":     c.mailbox.Pending(),
		"recent_dispatches": c.dispatches.Recent(),
		"down_nodes":        c.nodes.Down(),
		"recovery":          c.recovery,
	}
}

// ============================================================================
// 關閉順序
// ============================================================================
//
// 關閉順序：
//  1. cancel()         → 通知循環與 handshake 停止
//  2. loopWg.Wait()    → 等待 mailbox 與路由循環退出
//  3. engine.Wait()    → 等待所有 handshake 回報結果
//  4. mailbox.Process  → 最後一次處理完成回呼（仍使用 worker pool）
//  5. pool.Stop()      → 排隊中的任務跑完後結束 worker
//  6. engine.Wait()    → 完成回呼可能又啟動了 handshake
//  7. journal.Close()
//
// 被中斷的 handshake 回報 ExitRetry，任務回到原佇列；仍停在 TRANSIT 的任務
// 下次啟動時由恢復流程繼續。
//
// ============================================================================
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		log.Info("Controller already stopped")
		return
	}
	c.stopped = true
	cancel := c.cancel
	c.mu.Unlock()

	log.Info("Stopping controller...")

	if cancel != nil {
		cancel()
	}
	c.loopWg.Wait()
	c.engine.Wait()
	if n := c.mailbox.Process(context.Background()); n > 0 {
		log.Info("Completed pending moves during shutdown", "count", n)
	}
	c.pool.Stop()
	c.engine.Wait()

	if err := c.journal.Close(); err != nil {
		log.Error("Failed to close journal", "error", err)
	}
	log.Info("Controller stopped")
}
