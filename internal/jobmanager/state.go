package jobmanager

import (
	"fmt"
	"time"

	"github.com/ChuLiYu/pbs-jobcore/internal/attr"
	"github.com/ChuLiYu/pbs-jobcore/pkg/types"
)

// ============================================================================
// 任務狀態機
// ============================================================================
//
// 狀態推導規則（EvalState）:
//   1. TRANSIT 中的任務維持 TRANSIT，除非 forceOutOfTransit
//   2. RUNNING / EXITING / COMPLETE 維持原狀
//   3. hold 遮罩非 0 → HELD
//   4. Execution_Time 在未來 → WAITING
//   5. 要求 stage-in 但尚未完成 → WAITING/StageIn
//   6. 其餘 → QUEUED
//
// SetState 是唯一改變 State/Substate 的入口，非法組合直接拒絕且不修改任務。
// ============================================================================

// EvalState 依任務屬性推導應有的狀態，不修改任務
func EvalState(job *types.Job, forceOutOfTransit bool, now time.Time) (types.State, types.Substate) {
	switch job.State {
	case types.StateTransit:
		if !forceOutOfTransit {
			return job.State, job.Substate
		}
	case types.StateRunning, types.StateExiting, types.StateComplete:
		return job.State, job.Substate
	}

	a := job.Attrs
	if len(a) > attr.JobHold && a[attr.JobHold].IsSet() && a[attr.JobHold].Long != 0 {
		return types.StateHeld, types.SubHeld
	}
	if len(a) > attr.JobExecTime && a[attr.JobExecTime].IsSet() && a[attr.JobExecTime].Long > now.Unix() {
		return types.StateWaiting, types.SubWaiting
	}
	if len(a) > attr.JobStageIn && a[attr.JobStageIn].IsSet() && !job.HasFlag(types.FlagStagedIn) {
		return types.StateWaiting, types.SubStageIn
	}
	return types.StateQueued, types.SubQueued
}

// SetState 設定狀態與子狀態，並標記任務為 dirty
//
// 錯誤處理：
//   - ErrIllegalSubstate: 子狀態不屬於該狀態，任務保持不變
//
// 由呼叫者決定 quick save 或 full save
func SetState(job *types.Job, s types.State, ss types.Substate) error {
	if !types.IsLegal(s, ss) {
		return fmt.Errorf("%w: %s/%s", ErrIllegalSubstate, s, ss)
	}
	if job.State != s || job.Substate != ss {
		log.Debug("Job state change",
			"jobID", job.ID,
			"from", fmt.Sprintf("%s/%s", job.State, job.Substate),
			"to", fmt.Sprintf("%s/%s", s, ss))
	}
	job.State = s
	job.Substate = ss
	job.Modified = true
	return nil
}

// EvalAndSet 推導並設定狀態
func EvalAndSet(job *types.Job, forceOutOfTransit bool, now time.Time) error {
	s, ss := EvalState(job, forceOutOfTransit, now)
	return SetState(job, s, ss)
}
