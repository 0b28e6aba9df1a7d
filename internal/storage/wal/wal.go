package wal

// ============================================================================
// 會計日誌核心實作
// 職責：
// 1. 追加任務事件到日誌檔案（append-only，JSON lines）
// 2. 提供重放功能（history 命令、除錯）
// 3. 支援日誌旋轉
// 4. 確保寫入持久性與資料完整性（CRC32）
// ============================================================================

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// FileInterface 定義檔案操作所需的方法
// 這允許在測試中對檔案操作進行模擬
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// WAL 表示會計日誌實例
type WAL struct {
	mu           sync.Mutex
	file         FileInterface
	encoder      *json.Encoder
	path         string
	seq          uint64
	syncOnAppend bool
	closed       bool
	clock        clock.Clock

	buffer        []Event
	bufferSize    int
	lastFlushTime time.Time
	flushInterval time.Duration
}

// ============================================================================
// 公開介面
// ============================================================================

/*
NewWAL 建立或開啟一個日誌實例

行為：
- 如果檔案不存在，建立新檔案，seq 從 0 開始
- 如果檔案已存在，讀取最後一個事件的 seq 並繼續
- 以追加模式（O_APPEND）開啟，確保寫入不覆蓋
- syncOnAppend 為 true 時每筆事件立即 flush + fsync
*/
func NewWAL(path string, syncOnAppend bool, clk clock.Clock) (*WAL, error) {
	if clk == nil {
		clk = clock.New()
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("wal: open %s: %w", path, err)
	}

	var seq uint64
	if stat, statErr := file.Stat(); statErr == nil && stat.Size() > 0 {
		last, err := GetLastEvent(path)
		if err != nil {
			file.Close()
			return nil, err
		}
		seq = last.Seq
	}

	return &WAL{
		file:          file,
		encoder:       json.NewEncoder(file),
		path:          path,
		seq:           seq,
		syncOnAppend:  syncOnAppend,
		clock:         clk,
		buffer:        make([]Event, 0, 64),
		bufferSize:    64,
		lastFlushTime: clk.Now(),
		flushInterval: time.Second,
	}, nil
}

// Append 追加一個事件
//
// 行為：
// - 自動遞增 seq、蓋時間戳、計算 checksum
// - 先進 buffer，滿了、逾時、強制或 syncOnAppend 時才 flush
func (w *WAL) Append(event Event, forceFlush bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}

	w.seq++
	event.Seq = w.seq
	event.Timestamp = w.clock.Now().UnixMilli()
	event.Checksum = CalculateChecksum(event)
	w.buffer = append(w.buffer, event)

	if forceFlush || w.syncOnAppend || len(w.buffer) >= w.bufferSize ||
		w.clock.Since(w.lastFlushTime) > w.flushInterval {
		return w.flushLocked()
	}
	return nil
}

// Flush 將 buffer 寫入磁碟
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWALClosed
	}
	return w.flushLocked()
}

// Replay 重放所有事件
//
// 行為：
// - 先 flush，確保 buffer 中的事件也能被讀到
// - 驗證每個事件的 checksum
// - handler 回傳錯誤時停止
func (w *WAL) Replay(handler EventHandler) error {
	w.mu.Lock()
	if !w.closed {
		if err := w.flushLocked(); err != nil {
			w.mu.Unlock()
			return err
		}
	}
	path := w.path
	w.mu.Unlock()

	return ReadEvents(path, handler)
}

// Rotate 旋轉日誌檔案，舊檔加上時間戳後綴保留
func (w *WAL) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}
	if err := w.flushLocked(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return err
	}

	backupPath := w.path + "." + w.clock.Now().Format("20060102_150405")
	if err := os.Rename(w.path, backupPath); err != nil {
		return err
	}

	newFile, err := os.OpenFile(w.path, os.O_CREATE|os.O_RDWR|os.O_TRUNC|os.O_APPEND, 0644)
	if err != nil {
		return err
	}

	w.file = newFile
	w.encoder = json.NewEncoder(newFile)
	w.seq = 0
	w.buffer = w.buffer[:0]
	w.lastFlushTime = w.clock.Now()
	return nil
}

// Close 關閉日誌；關閉後的實例不可重用
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	if err := w.flushLocked(); err != nil {
		return err
	}
	w.closed = true
	return w.file.Close()
}

// GetLastSeq 取得當前的事件序號
func (w *WAL) GetLastSeq() uint64 {
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// Path 日誌檔案路徑
func (w *WAL) Path() string {
	return w.path
}

// ============================================================================
// 內部輔助方法
// ============================================================================

// flushLocked 假設調用者已經持有 w.mu 鎖
func (w *WAL) flushLocked() error {
	if len(w.buffer) == 0 {
		return nil
	}
	for _, event := range w.buffer {
		if err := w.encoder.Encode(event); err != nil {
			return fmt.Errorf("wal: encode seq=%d: %w", event.Seq, err)
		}
	}
	w.buffer = w.buffer[:0]
	w.lastFlushTime = w.clock.Now()
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("%w: %v", ErrSyncFailed, err)
	}
	return nil
}

// ReadEvents 逐行讀取日誌檔案並驗證 checksum
func ReadEvents(path string, handler EventHandler) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	sc := bufio.NewScanner(file)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var event Event
		if err := json.Unmarshal(sc.Bytes(), &event); err != nil {
			return &CorruptionError{Line: line, Cause: err}
		}
		if !VerifyChecksum(event) {
			return &ChecksumError{Seq: event.Seq, Expected: CalculateChecksum(event), Actual: event.Checksum}
		}
		if err := handler(event); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return &CorruptionError{Line: line + 1, Cause: err}
	}
	return nil
}
