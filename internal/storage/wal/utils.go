package wal

// ============================================================================
// 日誌工具函式
// 職責：提供 history 命令與啟動時使用的輔助功能
// ============================================================================

import (
	"go.uber.org/multierr"

	"github.com/ChuLiYu/pbs-jobcore/pkg/types"
)

// GetLastEvent 從日誌檔案讀取最後一個事件
//
// 從頭到尾掃描，回傳最後一個成功驗證的事件；檔案為空回傳 ErrEmptyWAL
func GetLastEvent(path string) (*Event, error) {
	var last *Event
	err := ReadEvents(path, func(e Event) error {
		ev := e
		last = &ev
		return nil
	})
	if err != nil {
		return nil, err
	}
	if last == nil {
		return nil, ErrEmptyWAL
	}
	return last, nil
}

// CountEvents 計算日誌中的事件總數
func CountEvents(path string) (int, error) {
	n := 0
	err := ReadEvents(path, func(Event) error {
		n++
		return nil
	})
	return n, err
}

// ValidateWAL 驗證日誌的完整性：格式、checksum、seq 連續
//
// 序號問題會全部收集後一併回傳
func ValidateWAL(path string) error {
	var (
		lastSeq uint64
		errs    error
	)
	err := ReadEvents(path, func(e Event) error {
		if e.Seq != lastSeq+1 {
			errs = multierr.Append(errs, &SeqGapError{After: lastSeq, Got: e.Seq})
		}
		lastSeq = e.Seq
		return nil
	})
	return multierr.Append(err, errs)
}

// Filter 事件篩選條件，零值欄位不篩選
type Filter struct {
	JobID types.JobID
	Type  EventType
	Limit int // 只保留最後 Limit 筆
}

func (f Filter) match(e Event) bool {
	if f.JobID != "" && e.JobID != f.JobID {
		return false
	}
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	return true
}

// History 依條件讀取事件（history 命令）
func History(path string, f Filter) ([]Event, error) {
	var out []Event
	err := ReadEvents(path, func(e Event) error {
		if f.match(e) {
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return out, err
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out, nil
}
