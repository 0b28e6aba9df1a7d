package snapshot

// ============================================================================
// 職責說明：
// 1. 任務映像（<job_dir>/<prefix>.JB）的 quick save 與 full save
// 2. quick save 只重寫信封並合併 dirty 屬性，其餘屬性沿用磁碟上的內容
// 3. 啟動時恢復所有任務映像（含 legacy 二進位格式）
// ============================================================================

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"

	"github.com/ChuLiYu/pbs-jobcore/internal/attr"
	"github.com/ChuLiYu/pbs-jobcore/pkg/types"
)

const (
	jobRoot   = "job"
	jobSuffix = ".JB"
)

// SaveKind 儲存種類
type SaveKind int

const (
	SaveQuick SaveKind = iota // 只有信封與 dirty 屬性
	SaveFull                  // 全部屬性
)

func (k SaveKind) String() string {
	if k == SaveFull {
		return "full"
	}
	return "quick"
}

// JobStore 任務映像管理器
type JobStore struct {
	dir   string
	clock clock.Clock
	mu    sync.Mutex
}

// NewJobStore 建立任務映像管理器
func NewJobStore(dir string, clk clock.Clock) (*JobStore, error) {
	if clk == nil {
		clk = clock.New()
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", dir, err)
	}
	return &JobStore{dir: dir, clock: clk}, nil
}

// Path 任務映像的檔案路徑
func (s *JobStore) Path(job *types.Job) string {
	prefix := job.FilePrefix
	if prefix == "" {
		prefix = string(job.ID)
	}
	return filepath.Join(s.dir, prefix+jobSuffix)
}

// Save 依種類儲存任務
func (s *JobStore) Save(job *types.Job, kind SaveKind) error {
	if kind == SaveFull {
		return s.SaveFull(job)
	}
	return s.SaveQuick(job)
}

// SaveFull 寫入信封與全部屬性
func (s *JobStore) SaveFull(job *types.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(job, job.Attrs)
}

// SaveQuick 重寫信封；屬性以磁碟上的內容為底，合併本次 dirty 的值
//
// 映像不存在或無法解析時退回 full save
func (s *JobStore) SaveQuick(job *types.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := readImage(s.Path(job))
	if err != nil {
		return s.write(job, job.Attrs)
	}
	img, err := probe(data, jobRoot, decodeLegacyJob)
	if err != nil {
		log.Warn("Quick save fell back to full save", "jobID", job.ID, "error", err)
		return s.write(job, job.Attrs)
	}

	merged := attr.NewJobAttrs()
	if err := attr.DecodeAll(attr.JobDefs, merged, img.Attrs, attr.JobUnknown); err != nil {
		log.Warn("Quick save fell back to full save", "jobID", job.ID, "error", err)
		return s.write(job, job.Attrs)
	}
	for i := range job.Attrs {
		if job.Attrs[i].IsModified() {
			merged[i] = job.Attrs[i].Clone()
		}
	}
	return s.write(job, merged)
}

func (s *JobStore) write(job *types.Job, attrs types.Attrs) error {
	job.ModifyTime = s.clock.Now().Unix()
	modified := 0
	if job.Modified {
		modified = 1
	}

	envelope := []field{
		{"jobid", string(job.ID)},
		{"state", strconv.Itoa(int(job.State))},
		{"substate", strconv.Itoa(int(job.Substate))},
		{"queue", job.Queue},
		{"destination", job.Destination},
		{"svrflags", strconv.FormatUint(uint64(job.SvrFlags), 10)},
		{"fileprefix", job.FilePrefix},
		{"lastdest", strconv.Itoa(job.LastDest)},
		{"routeretry", strconv.Itoa(job.RouteRetry)},
		{"baddests", strings.Join(job.BadDests, ",")},
		{"array_id", job.ArrayID},
		{"array_index", strconv.Itoa(job.ArrayIndex)},
		{"create_time", strconv.FormatInt(job.CreateTime, 10)},
		{"modify_time", strconv.FormatInt(job.ModifyTime, 10)},
		{"modified", strconv.Itoa(modified)},
	}
	data := encodeText(jobRoot, envelope, persistedOps(attr.JobDefs, attrs))
	if err := writeAtomic(s.Path(job), data); err != nil {
		return fmt.Errorf("save job %s: %w", job.ID, err)
	}
	job.Attrs.ClearModify()
	job.Modified = false
	return nil
}

// Load 恢復單一任務映像
func (s *JobStore) Load(path string) (*types.Job, error) {
	data, err := readImage(path)
	if err != nil {
		return nil, err
	}
	img, err := probe(data, jobRoot, decodeLegacyJob)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", filepath.Base(path), err)
	}
	job, err := newJob(img)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", filepath.Base(path), err)
	}
	if img.Variant == VariantLegacy {
		log.Info("Converting legacy job image", "jobID", job.ID)
		s.mu.Lock()
		err := s.write(job, job.Attrs)
		s.mu.Unlock()
		if err != nil {
			log.Error("Failed to re-save recovered job", "jobID", job.ID, "error", err)
		}
	}
	return job, nil
}

// LoadAll 恢復所有任務映像；個別失敗會彙整後一併回傳，成功的任務照常回傳
func (s *JobStore) LoadAll() ([]*types.Job, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	var (
		jobs []*types.Job
		errs error
	)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), jobSuffix) {
			continue
		}
		job, err := s.Load(filepath.Join(s.dir, e.Name()))
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, errs
}

// Remove 刪除任務映像（purge）
func (s *JobStore) Remove(job *types.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.Path(job)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove job %s: %w", job.ID, err)
	}
	os.Remove(path + ".new")
	return nil
}

func newJob(img Image) (*types.Job, error) {
	f := img.Fields
	job := &types.Job{
		ID:          types.JobID(f["jobid"]),
		Queue:       f["queue"],
		Destination: f["destination"],
		FilePrefix:  f["fileprefix"],
		ArrayID:     f["array_id"],
		Attrs:       attr.NewJobAttrs(),
	}
	if job.ID == "" {
		return nil, fmt.Errorf("%w: job has no id", ErrCorruptedImage)
	}

	state, err := atoiField(f, "state")
	if err != nil {
		return nil, err
	}
	sub, err := atoiField(f, "substate")
	if err != nil {
		return nil, err
	}
	job.State, job.Substate = types.State(state), types.Substate(sub)
	if !types.IsLegal(job.State, job.Substate) {
		return nil, fmt.Errorf("%w: illegal state %s/%s", ErrCorruptedImage, job.State, job.Substate)
	}

	flags, err := int64Field(f, "svrflags")
	if err != nil {
		return nil, err
	}
	job.SvrFlags = types.SvrFlags(flags)
	if job.LastDest, err = atoiField(f, "lastdest"); err != nil {
		return nil, err
	}
	if job.RouteRetry, err = atoiField(f, "routeretry"); err != nil {
		return nil, err
	}
	if job.ArrayIndex, err = atoiField(f, "array_index"); err != nil {
		return nil, err
	}
	if job.CreateTime, err = int64Field(f, "create_time"); err != nil {
		return nil, err
	}
	if job.ModifyTime, err = int64Field(f, "modify_time"); err != nil {
		return nil, err
	}
	if bd := f["baddests"]; bd != "" {
		job.BadDests = strings.Split(bd, ",")
	}

	if err := attr.DecodeAll(attr.JobDefs, job.Attrs, img.Attrs, attr.JobUnknown); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptedImage, err)
	}
	job.Attrs.ClearModify()
	return job, nil
}
