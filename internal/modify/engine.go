// Package modify 實作任務屬性的原子修改與 modify 類請求的處理
package modify

// ============================================================================
// 屬性修改引擎
// 職責：
// 1. 將請求中的 name/value 解碼到暫存副本（staging）
// 2. 依序執行資源、hold 權限與屬性 action 檢查
// 3. 全部成功才一次提交到任務；任何失敗都不改動任務
// ============================================================================

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.uber.org/multierr"

	"github.com/ChuLiYu/pbs-jobcore/internal/attr"
	"github.com/ChuLiYu/pbs-jobcore/pkg/types"
)

var log = slog.Default()

// BadAttrError 修改失敗，指出第一個出錯的屬性
//
// Index 為請求中從 1 起算的位置；解碼階段的多個失敗會全部收集在 Err 與 Bad 中
type BadAttrError struct {
	Index int
	Name  string
	Code  types.Code
	Err   error
	Bad   []attr.Op // 所有出錯的屬性，依請求順序，第一個即 Index 所指
}

func (e *BadAttrError) Error() string {
	return fmt.Sprintf("attribute %d (%s): %v", e.Index, e.Name, e.Err)
}

func (e *BadAttrError) Unwrap() error {
	return e.Err
}

// AsBadAttr 從錯誤鏈取出 BadAttrError
func AsBadAttr(err error) (*BadAttrError, bool) {
	var bad *BadAttrError
	if errors.As(err, &bad) {
		return bad, true
	}
	return nil, false
}

func badAttr(ops []attr.Op, i int, code types.Code, err error) *BadAttrError {
	e := &BadAttrError{Index: i + 1, Code: code, Err: err}
	if i >= 0 && i < len(ops) {
		e.Name = ops[i].Name
		e.Bad = []attr.Op{ops[i]}
	}
	return e
}

// indexOf 找出第一個指定屬性（與資源）的請求位置，找不到回傳 0
func indexOf(ops []attr.Op, name, resource string) int {
	for i, op := range ops {
		if op.Name == name && (resource == "" || op.Resource == resource) {
			return i
		}
	}
	return 0
}

/*
Attrs 原子地套用一批屬性修改

流程：
 1. 複製任務屬性作為暫存副本並清除 MODIFY 旗標
 2. 逐一檢查寫入權限並解碼；未知屬性在非執行佇列或子任務上保留到 _other_
 3. 非特權請求：執行中的任務只能降低資源，且不得超過佇列 resources_max
 4. hold 的變動位元需要對應權限
 5. 依定義表順序執行被修改屬性的 action
 6. 全部成功後把 MODIFY 的值搬回任務並標記 Modified

任何步驟失敗都回傳 *BadAttrError，任務保持不變；持久化由呼叫端決定
*/
func Attrs(job *types.Job, q *types.Queue, perm attr.Perm, ops []attr.Op) error {
	if job == nil {
		return types.NewError(types.CodeIvalReq, "no job")
	}
	if q == nil && !job.IsSubjob() {
		return types.Errorf(types.CodeJobNotFound, "job %s lost its queue", job.ID)
	}
	allowUnknown := job.IsSubjob() || (q != nil && q.Type != types.QueueExecution)

	staged := stage(job.Attrs)

	if err := decode(staged, allowUnknown, perm, ops); err != nil {
		return err
	}
	if err := checkResources(job, q, staged, perm, ops); err != nil {
		return err
	}
	if staged[attr.JobHold].IsModified() {
		changed := staged[attr.JobHold].Long ^ job.Attrs[attr.JobHold].Long
		if err := CheckHoldPriv(changed, perm); err != nil {
			return badAttr(ops, indexOf(ops, attr.JobDefs[attr.JobHold].Name, ""), types.CodePerm, err)
		}
	}
	for i := range attr.JobDefs {
		def := &attr.JobDefs[i]
		if def.Action == nil || !staged[i].IsModified() {
			continue
		}
		if err := def.Action(staged, job); err != nil {
			return badAttr(ops, indexOf(ops, def.Name, ""), types.CodeOf(err), err)
		}
	}

	commit(job, staged)
	return nil
}

func stage(live types.Attrs) types.Attrs {
	staged := live.Clone()
	if len(staged) < attr.JobAttrCount {
		grown := attr.NewJobAttrs()
		copy(grown, staged)
		staged = grown
	}
	staged.ClearModify()
	return staged
}

// decode 解碼所有 op；失敗全部收集，回報第一個失敗的位置與錯誤碼
func decode(staged types.Attrs, allowUnknown bool, perm attr.Perm, ops []attr.Op) error {
	var (
		errs  error
		first *BadAttrError
	)
	fail := func(i int, code types.Code, err error) {
		errs = multierr.Append(errs, err)
		if first == nil {
			first = badAttr(ops, i, code, nil)
			return
		}
		first.Bad = append(first.Bad, ops[i])
	}

	for i, op := range ops {
		idx := attr.JobDefs.Find(op.Name)
		if idx < 0 || idx == attr.JobUnknown {
			if !allowUnknown {
				fail(i, types.CodeNoAttr, types.Errorf(types.CodeNoAttr, "%s", op.Name))
				continue
			}
			setUnknown(&staged[attr.JobUnknown], op.Name, op.Value)
			continue
		}
		def := &attr.JobDefs[idx]
		if def.Flags&perm&(attr.PermWriteAll|attr.PermSvrWrite) == 0 {
			fail(i, types.CodeAttrRO, types.Errorf(types.CodeAttrRO, "%s", op.Name))
			continue
		}
		if err := attr.DecodeValue(def, &staged[idx], op.Resource, op.Value); err != nil {
			fail(i, types.CodeOf(err), err)
		}
	}

	if first != nil {
		first.Err = errs
		return first
	}
	return nil
}

// setUnknown 以 name=value 保存未知屬性，同名者覆寫
func setUnknown(v *types.Value, name, value string) {
	kv := name + "=" + value
	for i, e := range v.List {
		if strings.HasPrefix(e, name+"=") {
			v.List[i] = kv
			v.Flags |= types.AttrSet | types.AttrModify
			return
		}
	}
	v.List = append(v.List, kv)
	v.Flags |= types.AttrSet | types.AttrModify
}

// checkResources 非特權請求的資源檢查：執行中只能降低，並受佇列上限約束
func checkResources(job *types.Job, q *types.Queue, staged types.Attrs, perm attr.Perm, ops []attr.Op) error {
	resc := staged[attr.JobResource]
	if !resc.IsModified() || perm.IsPrivileged() {
		return nil
	}
	name := attr.JobDefs[attr.JobResource].Name

	if job.State == types.StateRunning {
		raised, err := attr.CompareResources(job.Attrs[attr.JobResource], resc)
		if err != nil {
			return badAttr(ops, indexOf(ops, name, ""), types.CodeOf(err), err)
		}
		if raised != "" {
			return badAttr(ops, indexOf(ops, name, raised), types.CodePerm,
				types.Errorf(types.CodePerm, "only a manager or operator may raise %s on a running job", raised))
		}
	}

	if q == nil {
		return badAttr(ops, indexOf(ops, name, ""), types.CodeQueNotAvail,
			types.Errorf(types.CodeQueNotAvail, "job %s has no queue", job.ID))
	}
	if over, ok := attr.ExceedsLimits(resc, q.Attrs[attr.QueResourcesMax]); ok {
		return badAttr(ops, indexOf(ops, name, over), types.CodeExcQResc,
			types.Errorf(types.CodeExcQResc, "%s exceeds the limit of queue %s", over, q.Name))
	}
	return nil
}

// CheckHoldPriv 檢查改變 hold 位元所需的權限
func CheckHoldPriv(changed int64, perm attr.Perm) error {
	if changed&attr.HoldSystem != 0 && perm&attr.PermMgrWrite == 0 {
		return types.NewError(types.CodePerm, "system hold requires manager privilege")
	}
	if changed&attr.HoldOper != 0 && perm&(attr.PermMgrWrite|attr.PermOperWrite) == 0 {
		return types.NewError(types.CodePerm, "operator hold requires operator privilege")
	}
	if changed&attr.HoldUser != 0 && perm&attr.PermWriteAll == 0 {
		return types.NewError(types.CodePerm, "user hold requires write permission")
	}
	return nil
}

// commit 把暫存副本中修改過的值搬回任務
//
// 保留 MODIFY 旗標，quick save 依此合併
func commit(job *types.Job, staged types.Attrs) {
	if len(job.Attrs) < len(staged) {
		grown := attr.NewJobAttrs()
		copy(grown, job.Attrs)
		job.Attrs = grown
	}
	for i := range staged {
		if staged[i].IsModified() {
			job.Attrs[i] = staged[i]
		}
	}
	job.Modified = true
}

// CheckRunning 執行中的任務只接受 ALTRUN 屬性與 ALTRUN 資源
//
// 回傳是否有資源變更需要轉送給執行節點
func CheckRunning(ops []attr.Op) (sendMOM bool, err error) {
	for i, op := range ops {
		idx := attr.JobDefs.Find(op.Name)
		if idx < 0 || attr.JobDefs[idx].Flags&attr.FlagAltRun == 0 {
			return false, badAttr(ops, i, types.CodeModAtrRun,
				types.Errorf(types.CodeModAtrRun, "cannot modify attribute '%s' while running", op.Name))
		}
		if idx != attr.JobResource {
			continue
		}
		rd := attr.FindResource(op.Resource)
		if rd == nil {
			return false, badAttr(ops, i, types.CodeUnkResc,
				types.Errorf(types.CodeUnkResc, "unknown resource '%s'", op.Resource))
		}
		if rd.Flags&attr.FlagAltRun == 0 {
			return false, badAttr(ops, i, types.CodeModAtrRun,
				types.Errorf(types.CodeModAtrRun, "cannot modify resource '%s' while running", op.Resource))
		}
		sendMOM = true
	}
	return sendMOM, nil
}
