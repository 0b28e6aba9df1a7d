package snapshot

// ============================================================================
// 職責說明：
// 1. 任務腳本與輸出檔案的 spool 目錄（<spool_dir>/<prefix>.SC、.OU、.ER、.CK）
// 2. 搬移時讀出檔案交給對方，接收時寫入
// 3. 路由成功後清除 stage-in 與 checkpoint 檔案
// ============================================================================

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/multierr"

	"github.com/ChuLiYu/pbs-jobcore/pkg/types"
)

const (
	scriptSuffix     = ".SC"
	stdoutSuffix     = ".OU"
	stderrSuffix     = ".ER"
	checkpointSuffix = ".CK"
	stageInSuffix    = ".SI"
)

// Spool 檔案 spool 目錄
type Spool struct {
	dir string
}

// NewSpool 建立 spool 目錄
func NewSpool(dir string) (*Spool, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", dir, err)
	}
	return &Spool{dir: dir}, nil
}

// Dir spool 目錄路徑
func (s *Spool) Dir() string { return s.dir }

func (s *Spool) path(job *types.Job, suffix string) string {
	prefix := job.FilePrefix
	if prefix == "" {
		prefix = string(job.ID)
	}
	return filepath.Join(s.dir, prefix+suffix)
}

func fileSuffix(which types.JobFile) string {
	switch which {
	case types.FileStdout:
		return stdoutSuffix
	case types.FileStderr:
		return stderrSuffix
	default:
		return checkpointSuffix
	}
}

// Script 讀取任務腳本
func (s *Spool) Script(job *types.Job) ([]byte, error) {
	return os.ReadFile(s.path(job, scriptSuffix))
}

// File 讀取輸出或 checkpoint 檔案；不存在時錯誤包含 os.ErrNotExist
func (s *Spool) File(job *types.Job, which types.JobFile) ([]byte, error) {
	return os.ReadFile(s.path(job, fileSuffix(which)))
}

// WriteScript 寫入任務腳本並設定 FlagScript
func (s *Spool) WriteScript(job *types.Job, data []byte) error {
	if err := writeAtomic(s.path(job, scriptSuffix), data); err != nil {
		return fmt.Errorf("write script for %s: %w", job.ID, err)
	}
	job.SvrFlags |= types.FlagScript
	job.Modified = true
	return nil
}

// WriteFile 寫入輸出或 checkpoint 檔案
func (s *Spool) WriteFile(job *types.Job, which types.JobFile, data []byte) error {
	if err := writeAtomic(s.path(job, fileSuffix(which)), data); err != nil {
		return fmt.Errorf("write %s for %s: %w", which, job.ID, err)
	}
	if which == types.FileCheckpoint {
		job.SvrFlags |= types.FlagCheckpointCopied
		job.Modified = true
	}
	return nil
}

// RemoveStageIn 刪除 stage-in 檔案
func (s *Spool) RemoveStageIn(job *types.Job) error {
	return removeIfExists(s.path(job, stageInSuffix))
}

// RemoveCheckpoint 刪除 checkpoint 檔案
func (s *Spool) RemoveCheckpoint(job *types.Job) error {
	return removeIfExists(s.path(job, checkpointSuffix))
}

// RemoveAll 刪除任務所有 spool 檔案（purge 或放棄接收）
func (s *Spool) RemoveAll(job *types.Job) error {
	var errs error
	for _, suffix := range []string{scriptSuffix, stdoutSuffix, stderrSuffix, checkpointSuffix, stageInSuffix} {
		errs = multierr.Append(errs, removeIfExists(s.path(job, suffix)))
	}
	return errs
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", filepath.Base(path), err)
	}
	return nil
}
