package controller

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/ChuLiYu/pbs-jobcore/pkg/types"
)

// DispatchLogSize 保留的派送記錄數
const DispatchLogSize = 20

// Dispatch 一筆送往執行節點的記錄
type Dispatch struct {
	JobID types.JobID `json:"job_id"`
	Node  string      `json:"node"`
	Time  time.Time   `json:"time"`
}

// DispatchLog 固定大小的環形緩衝，滿了覆蓋最舊的記錄
type DispatchLog struct {
	mu    sync.Mutex
	buf   [DispatchLogSize]Dispatch
	next  int
	count int
	clock clock.Clock
}

// NewDispatchLog 建立派送記錄
func NewDispatchLog(clk clock.Clock) *DispatchLog {
	if clk == nil {
		clk = clock.New()
	}
	return &DispatchLog{clock: clk}
}

// Record 記錄一次派送
func (d *DispatchLog) Record(id types.JobID, node string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.buf[d.next] = Dispatch{JobID: id, Node: node, Time: d.clock.Now()}
	d.next = (d.next + 1) % DispatchLogSize
	if d.count < DispatchLogSize {
		d.count++
	}
}

// Recent 由新到舊回傳記錄
func (d *DispatchLog) Recent() []Dispatch {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Dispatch, 0, d.count)
	for i := 1; i <= d.count; i++ {
		out = append(out, d.buf[(d.next-i+DispatchLogSize)%DispatchLogSize])
	}
	return out
}
