// Package types 定義了 pbs-jobcore 系統中使用的核心領域模型
package types

// JobID 任務唯一識別碼，例如 "42.server"
type JobID string

// SvrFlags 伺服器內部使用的任務旗標
type SvrFlags uint32

const (
	FlagHasRun           SvrFlags = 1 << 0 // 曾經在執行節點上跑過
	FlagScript           SvrFlags = 1 << 1 // 有任務腳本
	FlagStagedIn         SvrFlags = 1 << 2 // stage-in 檔案已就緒
	FlagCheckpointCopied SvrFlags = 1 << 3 // checkpoint 檔案已複製回伺服器
	FlagHasHold          SvrFlags = 1 << 4 // 曾經被 hold
)

// Job 任務結構，伺服器上任務的權威記錄
type Job struct {
	// 識別
	ID         JobID  `json:"id"`
	FilePrefix string `json:"file_prefix"` // 腳本與輸出檔案的前綴

	// 狀態（只能透過 jobmanager.SetState 修改）
	State    State    `json:"state"`
	Substate Substate `json:"substate"`

	// 佇列與搬移
	Queue       string   `json:"queue"`
	Destination string   `json:"destination,omitempty"` // 待處理的搬移目標 queue[@server]
	LastDest    int      `json:"last_dest"`             // 路由已嘗試的目標數
	RouteRetry  int      `json:"route_retry"`           // 路由可重試失敗的累計次數
	BadDests    []string `json:"bad_dests,omitempty"`   // 已知失敗的目標

	// 陣列（弱參照，只保存 id）
	ArrayID    string `json:"array_id,omitempty"`
	ArrayIndex int    `json:"array_index"`

	SvrFlags SvrFlags `json:"svr_flags"`

	// 時間（Unix 秒）
	CreateTime int64 `json:"create_time"`
	ModifyTime int64 `json:"modify_time"`

	// 屬性，依 attr.Job* 索引
	Attrs Attrs `json:"attrs"`

	// Modified 表示記憶體狀態尚未寫回磁碟
	Modified bool `json:"-"`
}

// HasFlag 檢查伺服器旗標
func (j *Job) HasFlag(f SvrFlags) bool {
	return j.SvrFlags&f != 0
}

// IsSubjob 是否為陣列子任務
func (j *Job) IsSubjob() bool {
	return j.ArrayID != "" && j.ArrayID != string(j.ID)
}

// AddBadDest 記錄失敗的目標，避免路由重複嘗試
func (j *Job) AddBadDest(dest string) {
	if j.IsBadDest(dest) {
		return
	}
	j.BadDests = append(j.BadDests, dest)
}

// IsBadDest 檢查目標是否已知失敗
func (j *Job) IsBadDest(dest string) bool {
	for _, d := range j.BadDests {
		if d == dest {
			return true
		}
	}
	return false
}

// Clone 深拷貝任務，供不持有鎖的背景工作使用
func (j *Job) Clone() *Job {
	out := *j
	out.Attrs = j.Attrs.Clone()
	if j.BadDests != nil {
		out.BadDests = append([]string(nil), j.BadDests...)
	}
	return &out
}

// QueueType 佇列型別
type QueueType int

const (
	QueueExecution QueueType = 0 // 任務從這裡執行
	QueueRoute     QueueType = 1 // 將任務轉送到其他目標
)

func (t QueueType) String() string {
	if t == QueueRoute {
		return "Route"
	}
	return "Execution"
}

// Queue 佇列結構；成員關係由 jobmanager 依 rank 維護，這裡不保存任務指標
type Queue struct {
	Name       string    `json:"name"`
	Type       QueueType `json:"type"`
	Modified   int       `json:"modified"`
	CreateTime int64     `json:"create_time"`
	ModifyTime int64     `json:"modify_time"`
	Attrs      Attrs     `json:"attrs"` // 依 attr.Que* 索引
}

// Array 任務陣列
type Array struct {
	ID        string  `json:"id"`         // 與陣列模板任務的 JobID 相同
	JobIDs    []JobID `json:"job_ids"`    // 空字串代表已移除的 slot
	SlotLimit int     `json:"slot_limit"` // 同時執行上限，0 表示不限制
}

// JobFile 隨任務搬移的 spool 檔案種類
type JobFile int

const (
	FileStdout JobFile = iota
	FileStderr
	FileCheckpoint
)

func (f JobFile) String() string {
	switch f {
	case FileStdout:
		return "stdout"
	case FileStderr:
		return "stderr"
	default:
		return "checkpoint"
	}
}
