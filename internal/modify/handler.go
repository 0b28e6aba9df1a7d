package modify

// ============================================================================
// modify 類請求處理
// 職責：
// 1. ModifyJob / AsyModifyJob：單一任務的修改（非同步版先回覆再排入工作池）
// 2. ModifyArray：整個陣列或 ARRAY_RANGE 指定的元素，並可調整 slot limit
// 3. 執行中任務的資源變更轉送給執行節點（MOM），回覆由 postModify 處理
// 4. CHECKPOINTHOLD / CHECKPOINTCONT：checkpoint 檔案複製
// 鎖順序：Array → Job
// ============================================================================

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/benbjohnson/clock"

	"github.com/ChuLiYu/pbs-jobcore/internal/attr"
	"github.com/ChuLiYu/pbs-jobcore/internal/batch"
	"github.com/ChuLiYu/pbs-jobcore/internal/jobmanager"
	"github.com/ChuLiYu/pbs-jobcore/internal/snapshot"
	"github.com/ChuLiYu/pbs-jobcore/internal/storage/wal"
	"github.com/ChuLiYu/pbs-jobcore/pkg/types"
)

const (
	msgArrayElemFailed = "At least one array element did not modify successfully. Use qstat -f to verify changes"
	msgBadArrayRange   = "Error reading array range"
)

// JobLocker 在互斥鎖保護下取得任務與陣列；實體不存在時回傳 nil
type JobLocker interface {
	LockJob(id types.JobID) (*types.Job, func())
	LockArray(id string) (*types.Array, func())
}

// QueueLookup 依名稱找佇列
type QueueLookup interface {
	Queue(name string) *types.Queue
}

// Saver 寫回任務映像
type Saver interface {
	Save(job *types.Job, kind snapshot.SaveKind) error
}

// MomRelay 轉送請求給任務所在的執行節點，呼叫會阻塞直到節點回覆
type MomRelay interface {
	Modify(ctx context.Context, job *types.Job, ops []attr.Op) (types.Code, error)
	CheckpointCopy(ctx context.Context, job *types.Job) error
}

// Submitter 背景工作池
type Submitter interface {
	Submit(task func(ctx context.Context)) error
}

// Journal 會計日誌
type Journal interface {
	Append(event wal.Event, forceFlush bool) error
}

// Recorder 記錄修改結果（metrics）
type Recorder interface {
	ObserveModify(result string)
}

// Config 處理器的協作者
type Config struct {
	Locks    JobLocker
	Queues   QueueLookup
	Saver    Saver
	Relay    MomRelay
	Pool     Submitter
	Journal  Journal  // 可為 nil
	Recorder Recorder // 可為 nil
	Clock    clock.Clock
	SpoolDir string // checkpoint restart 檔案所在目錄
}

// Handler 處理 modify 類請求
type Handler struct {
	cfg Config
}

// NewHandler 建立處理器
func NewHandler(cfg Config) *Handler {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Handler{cfg: cfg}
}

type checkpointKind int

const (
	ckNone checkpointKind = iota
	ckHold
	ckCont
)

func checkpointOf(extend string) checkpointKind {
	switch extend {
	case batch.ExtendCheckpointHold:
		return ckHold
	case batch.ExtendCheckpointCont:
		return ckCont
	}
	return ckNone
}

// ============================================================================
// 單一任務
// ============================================================================

// ModifyJob 處理 ModifyJob 與 AsyModifyJob
func (h *Handler) ModifyJob(ctx context.Context, req *batch.Request) {
	job, release := h.cfg.Locks.LockJob(types.JobID(req.ObjectID))
	if job == nil {
		req.Reject(types.CodeUnkJobID, "")
		return
	}
	release()

	if len(req.Attrs) == 0 {
		req.Ack()
		return
	}

	if req.Type == batch.TypeAsyModifyJob {
		dup := req.Dup()
		req.Ack()
		if err := h.cfg.Pool.Submit(func(ctx context.Context) { h.modifyJobWork(ctx, dup) }); err != nil {
			log.Error("Failed to queue async modify", "jobID", req.ObjectID, "error", err)
		}
		return
	}
	h.modifyJobWork(ctx, req)
}

func (h *Handler) modifyJobWork(ctx context.Context, req *batch.Request) {
	job, release := h.cfg.Locks.LockJob(types.JobID(req.ObjectID))
	if job == nil {
		req.Reject(types.CodeJobNotFound, "Job unexpectedly deleted")
		return
	}
	defer release()

	h.modifyJob(ctx, job, req, checkpointOf(req.Extend), false)
}

/*
modifyJob 修改一個已上鎖的任務並回覆請求

回傳值：
  - CodeNone：已修改並 ack
  - CodeRelayedToMom：已修改，回覆交給 MOM 轉送（或 noRelay 時直接 ack）
  - 其他：已 reject
*/
func (h *Handler) modifyJob(ctx context.Context, job *types.Job, req *batch.Request, ck checkpointKind, noRelay bool) types.Code {
	if job.State == types.StateTransit {
		log.Warn("Cannot modify job in transit", "jobID", job.ID)
		h.reject(req, types.CodeBadState, "")
		return types.CodeBadState
	}

	copyCheckpoint := false
	if ck != ckNone && job.Substate == types.SubRunning {
		copyCheckpoint = true
		if ck == ckHold {
			log.Info("Setting job substate to RERUN", "jobID", job.ID)
			if err := jobmanager.SetState(job, job.State, types.SubRerun); err != nil {
				log.Error("Failed to set RERUN substate", "jobID", job.ID, "error", err)
			}
			h.save(job, snapshot.SaveQuick)
			if job.Attrs[attr.JobRestartName].IsSet() {
				h.cleanupRestartFile(job)
			}
		}
	}

	sendMOM := false
	if job.State == types.StateRunning {
		var err error
		if sendMOM, err = CheckRunning(req.Attrs); err != nil {
			log.Error("Cannot modify running job", "jobID", job.ID, "error", err)
			return h.rejectErr(req, err)
		}
	}

	q := h.cfg.Queues.Queue(job.Queue)
	if err := Attrs(job, q, req.Perm, req.Attrs); err != nil {
		log.Error("Cannot set attributes for job", "jobID", job.ID, "error", err)
		return h.rejectErr(req, err)
	}

	if q != nil {
		rl := &job.Attrs[attr.JobResource]
		if attr.ApplyDefaults(rl, q.Attrs[attr.QueResourcesDefault]) {
			rl.Flags |= types.AttrModify
		}
	}

	if job.State != types.StateRunning {
		if err := jobmanager.EvalAndSet(job, false, h.cfg.Clock.Now()); err != nil {
			log.Error("Failed to re-evaluate job state", "jobID", job.ID, "error", err)
		}
		h.save(job, snapshot.SaveQuick)
	} else {
		h.save(job, snapshot.SaveFull)
	}

	log.Info("Job attributes modified", "jobID", job.ID, "requester", req.Requester(), "attrs", opNames(req.Attrs))
	h.journal(job, req)
	h.observe("ok")

	if sendMOM {
		if noRelay {
			req.Ack()
		} else {
			h.relayModify(job, req)
		}
		return types.CodeRelayedToMom
	}
	req.Ack()

	if copyCheckpoint {
		h.relayCheckpoint(job, ck)
	}
	return types.CodeNone
}

// relayModify 把資源變更轉送給 MOM；回覆義務交給背景工作
func (h *Handler) relayModify(job *types.Job, req *batch.Request) {
	if err := req.Handoff(); err != nil {
		return
	}
	snap := job.Clone()
	ops := append([]attr.Op(nil), req.Attrs...)
	err := h.cfg.Pool.Submit(func(ctx context.Context) {
		code, err := h.cfg.Relay.Modify(ctx, snap, ops)
		if err != nil && code == types.CodeNone {
			code = types.CodeOf(err)
		}
		h.postModify(req, code)
	})
	if err != nil {
		log.Error("Unable to relay information to mom", "jobID", job.ID, "error", err)
		req.Reject(types.CodeSystem, "unable to relay to MOM")
	}
}

// postModify 處理 MOM 對 modify 的回覆
//
// UNKJOBID 視為成功：任務可能剛結束或正在搬移
func (h *Handler) postModify(req *batch.Request, code types.Code) {
	if code != types.CodeNone && code != types.CodeUnkJobID {
		log.Warn("MOM rejected modify request", "jobID", req.ObjectID, "code", int(code))
		req.Reject(code, "")
		return
	}
	if code == types.CodeUnkJobID {
		job, release := h.cfg.Locks.LockJob(types.JobID(req.ObjectID))
		if job == nil {
			log.Warn("MOM does not know job and job is gone", "jobID", req.ObjectID)
		} else {
			log.Info("MOM does not know job",
				"jobID", job.ID, "state", job.State.String(), "substate", job.Substate.String(),
				"destination", job.Destination)
			release()
		}
	}
	req.Ack()
}

// relayCheckpoint 請 MOM 把 checkpoint 檔案複製回伺服器
func (h *Handler) relayCheckpoint(job *types.Job, ck checkpointKind) {
	if !job.Attrs[attr.JobCheckpointName].IsSet() {
		return
	}
	id := job.ID
	snap := job.Clone()
	err := h.cfg.Pool.Submit(func(ctx context.Context) {
		if err := h.cfg.Relay.CheckpointCopy(ctx, snap); err != nil {
			log.Error("Unable to relay checkpoint copy to mom", "jobID", id, "error", err)
			return
		}
		j, release := h.cfg.Locks.LockJob(id)
		if j == nil {
			return
		}
		defer release()
		j.SvrFlags |= types.FlagCheckpointCopied
		j.Modified = true
		if ck == ckHold {
			log.Info("Checkpoint copy completed", "jobID", id, "state", j.State.String(), "substate", j.Substate.String())
		}
		h.save(j, snapshot.SaveQuick)
	})
	if err != nil {
		log.Error("Failed to queue checkpoint copy", "jobID", id, "error", err)
	}
}

func (h *Handler) cleanupRestartFile(job *types.Job) {
	if h.cfg.SpoolDir == "" {
		return
	}
	path := filepath.Join(h.cfg.SpoolDir, filepath.Base(job.Attrs[attr.JobRestartName].Str))
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("Failed to remove restart file", "jobID", job.ID, "path", path, "error", err)
	}
}

// ============================================================================
// 陣列
// ============================================================================

// ModifyArray 修改整個陣列或 ARRAY_RANGE 指定的元素
func (h *Handler) ModifyArray(ctx context.Context, req *batch.Request) {
	a, release := h.cfg.Locks.LockArray(req.ObjectID)
	if a == nil {
		req.Reject(types.CodeUnkArrayID, "unable to find array")
		return
	}
	release()

	if req.Type == batch.TypeAsyModifyJob {
		dup := req.Dup()
		req.Ack()
		if err := h.cfg.Pool.Submit(func(ctx context.Context) { h.modifyArrayWork(ctx, dup) }); err != nil {
			log.Error("Failed to queue async array modify", "arrayID", req.ObjectID, "error", err)
		}
		return
	}
	h.modifyArrayWork(ctx, req)
}

func (h *Handler) modifyArrayWork(ctx context.Context, req *batch.Request) {
	a, release := h.cfg.Locks.LockArray(req.ObjectID)
	if a == nil {
		req.Reject(types.CodeUnkArrayID, "unable to find array")
		return
	}

	ck := checkpointOf(req.Extend)
	rangeSpec, slotLimit, hasSlot := parseArrayExtend(req.Extend)
	if hasSlot {
		a.SlotLimit = slotLimit
	}

	if rangeSpec != "" {
		indices, err := ParseRange(rangeSpec)
		if err != nil {
			release()
			req.Reject(types.CodeIvalReq, msgBadArrayRange)
			return
		}
		rc := h.modifyElements(ctx, a, indices, req, ck)
		release()
		if rc != types.CodeNone && rc != types.CodeRelayedToMom {
			req.Reject(types.CodeIvalReq, msgBadArrayRange)
			return
		}
		req.Ack()
		return
	}

	rc := h.modifyElements(ctx, a, nil, req, ck)
	release()
	if rc != types.CodeNone && rc != types.CodeRelayedToMom {
		req.Reject(types.CodeIvalReq, msgArrayElemFailed)
		return
	}

	// 陣列本身的任務記錄
	job, releaseJob := h.cfg.Locks.LockJob(types.JobID(req.ObjectID))
	if job == nil {
		req.Reject(types.CodeUnkJobID, "")
		return
	}
	defer releaseJob()
	h.modifyJob(ctx, job, req, ck, true)
}

// modifyElements 逐一修改陣列元素；indices 為 nil 表示全部
//
// 呼叫端持有陣列鎖。已消失的任務會把 slot 清空；回傳最後一個失敗碼
func (h *Handler) modifyElements(ctx context.Context, a *types.Array, indices Ranges, req *batch.Request, ck checkpointKind) types.Code {
	rc := types.CodeNone
	for i, id := range a.JobIDs {
		if id == "" || (indices != nil && !indices.Contains(i)) {
			continue
		}
		job, release := h.cfg.Locks.LockJob(id)
		if job == nil {
			a.JobIDs[i] = ""
			continue
		}
		if code := h.modifyJob(ctx, job, req.Dup(), ck, true); code != types.CodeNone {
			rc = code
		}
		release()
	}
	return rc
}

// parseArrayExtend 解析 "ARRAY_RANGE=<range>[%<slot limit>]"
func parseArrayExtend(extend string) (rangeSpec string, slotLimit int, hasSlot bool) {
	i := strings.Index(extend, batch.ExtendArrayRange)
	if i < 0 {
		return "", 0, false
	}
	spec := extend[i+len(batch.ExtendArrayRange):]
	if pct := strings.IndexByte(spec, '%'); pct >= 0 {
		n, err := strconv.Atoi(spec[pct+1:])
		if err == nil {
			slotLimit, hasSlot = n, true
		}
		spec = spec[:pct]
	}
	return spec, slotLimit, hasSlot
}

// IndexRange 陣列索引區間（含兩端）
type IndexRange struct {
	Start, End int
}

// Ranges 陣列索引區間集合，不展開成個別索引
type Ranges []IndexRange

// Contains 回報 i 是否落在任一區間內
func (r Ranges) Contains(i int) bool {
	for _, ir := range r {
		if i >= ir.Start && i <= ir.End {
			return true
		}
	}
	return false
}

// ParseRange 解析 "0-3,7,10-12" 形式的陣列索引範圍
func ParseRange(spec string) (Ranges, error) {
	var out Ranges
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, types.Errorf(types.CodeIvalReq, "empty range element in %q", spec)
		}
		lo, hi, isRange := strings.Cut(part, "-")
		start, err := strconv.Atoi(lo)
		if err != nil || start < 0 {
			return nil, types.Errorf(types.CodeIvalReq, "bad range %q", part)
		}
		end := start
		if isRange {
			if end, err = strconv.Atoi(hi); err != nil || end < start {
				return nil, types.Errorf(types.CodeIvalReq, "bad range %q", part)
			}
		}
		out = append(out, IndexRange{Start: start, End: end})
	}
	return out, nil
}

// ============================================================================
// 輔助方法
// ============================================================================

func (h *Handler) save(job *types.Job, kind snapshot.SaveKind) {
	if err := h.cfg.Saver.Save(job, kind); err != nil {
		log.Error("Failed to save job", "jobID", job.ID, "kind", kind.String(), "error", err)
	}
}

func (h *Handler) journal(job *types.Job, req *batch.Request) {
	if h.cfg.Journal == nil {
		return
	}
	err := h.cfg.Journal.Append(wal.Event{
		Type:      wal.EventModified,
		JobID:     job.ID,
		Queue:     job.Queue,
		Requester: req.Requester(),
		Detail:    strings.Join(opNames(req.Attrs), ","),
	}, false)
	if err != nil {
		log.Warn("Failed to journal modify", "jobID", job.ID, "error", err)
	}
}

func (h *Handler) observe(result string) {
	if h.cfg.Recorder != nil {
		h.cfg.Recorder.ObserveModify(result)
	}
}

func (h *Handler) reject(req *batch.Request, code types.Code, text string) {
	h.observe("rejected")
	req.Reject(code, text)
}

// rejectErr 以 BadAttrError 的位置回覆，其他錯誤依錯誤碼回覆
func (h *Handler) rejectErr(req *batch.Request, err error) types.Code {
	h.observe("rejected")
	if bad, ok := AsBadAttr(err); ok {
		req.RejectBadAttr(bad.Code, bad.Index, bad.Bad...)
		return bad.Code
	}
	code := types.CodeOf(err)
	req.RejectErr(err)
	return code
}

func opNames(ops []attr.Op) []string {
	names := make([]string, 0, len(ops))
	for _, op := range ops {
		if op.Resource != "" {
			names = append(names, op.Name+"."+op.Resource)
			continue
		}
		names = append(names, op.Name)
	}
	return names
}
