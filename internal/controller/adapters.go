package controller

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"

	"github.com/ChuLiYu/pbs-jobcore/internal/attr"
	"github.com/ChuLiYu/pbs-jobcore/internal/snapshot"
	"github.com/ChuLiYu/pbs-jobcore/pkg/types"
)

// jobImages 任務映像存放：儲存時記錄指標，刪除時一併清掉 spool 檔案
type jobImages struct {
	store    *snapshot.JobStore
	spool    *snapshot.Spool
	recorder Recorder
}

func (s *jobImages) Save(job *types.Job, kind snapshot.SaveKind) error {
	if err := s.store.Save(job, kind); err != nil {
		return err
	}
	if s.recorder != nil {
		s.recorder.ObserveSave(kind.String())
	}
	return nil
}

func (s *jobImages) Remove(job *types.Job) error {
	return multierr.Append(s.store.Remove(job), s.spool.RemoveAll(job))
}

// logRelay 沒有設定 MOM 連線時使用，只記錄轉送內容
type logRelay struct{}

func (logRelay) Modify(_ context.Context, job *types.Job, ops []attr.Op) (types.Code, error) {
	log.Info("MOM relay not configured, modify kept on server",
		"jobID", job.ID, "attrs", len(ops))
	return types.CodeNone, nil
}

func (logRelay) CheckpointCopy(_ context.Context, job *types.Job) error {
	log.Info("MOM relay not configured, checkpoint copy skipped", "jobID", job.ID)
	return nil
}

// NodeDown 一個被標記為不可用的節點
type NodeDown struct {
	Node   string    `json:"node"`
	Reason string    `json:"reason"`
	Since  time.Time `json:"since"`
}

// NodeTable 記錄不可用的執行節點
type NodeTable struct {
	mu    sync.Mutex
	down  map[string]NodeDown
	clock clock.Clock
}

// NewNodeTable 建立節點表
func NewNodeTable(clk clock.Clock) *NodeTable {
	return &NodeTable{down: make(map[string]NodeDown), clock: clk}
}

// MarkDown 標記節點不可用
func (n *NodeTable) MarkDown(node, reason string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	log.Warn("Marking node down", "node", node, "reason", reason)
	n.down[node] = NodeDown{Node: node, Reason: reason, Since: n.clock.Now()}
}

// MarkUp 清除節點的不可用標記
func (n *NodeTable) MarkUp(node string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.down, node)
}

// IsDown 節點是否被標記為不可用
func (n *NodeTable) IsDown(node string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.down[node]
	return ok
}

// Down 依名稱排序回傳不可用節點
func (n *NodeTable) Down() []NodeDown {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]NodeDown, 0, len(n.down))
	for _, d := range n.down {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Node < out[j].Node })
	return out
}
