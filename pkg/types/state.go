package types

import "fmt"

// State 任務的對外狀態
type State int

// 狀態碼沿用 pbs_server 的 JOB_STATE_* 編號，磁碟映像中直接保存數值
const (
	StateTransit  State = 0 // 正在佇列或伺服器之間搬移
	StateQueued   State = 1 // 排隊中
	StateHeld     State = 2 // 被 hold
	StateWaiting  State = 3 // 等待執行時間或 stage-in
	StateRunning  State = 4 // 在執行節點上執行
	StateExiting  State = 5 // 結束中
	StateComplete State = 6 // 已完成
)

// Substate 比 State 更細的子狀態
type Substate int

const (
	SubTransitIn        Substate = 0  // 接收中
	SubTransitInCommit  Substate = 1  // 接收端已 ready-to-commit
	SubTransitOut       Substate = 2  // 發送中
	SubTransitOutCommit Substate = 3  // 發送端只剩 commit
	SubTransitRerun     Substate = 5  // 重新執行前的搬移
	SubQueued           Substate = 10 // 單純排隊
	SubPreSend          Substate = 11 // 準備送往執行節點
	SubQueuedAbort      Substate = 14 // 刪除進行中，暫時回到排隊
	SubHeld             Substate = 20
	SubWaiting          Substate = 30
	SubStageIn          Substate = 37
	SubPrerun           Substate = 40
	SubRunning          Substate = 42
	SubExiting          Substate = 50
	SubComplete         Substate = 59
	SubRerun            Substate = 60 // checkpoint hold 之後等待重跑
	SubAbort            Substate = 61
)

var stateNames = map[State]string{
	StateTransit:  "TRANSIT",
	StateQueued:   "QUEUED",
	StateHeld:     "HELD",
	StateWaiting:  "WAITING",
	StateRunning:  "RUNNING",
	StateExiting:  "EXITING",
	StateComplete: "COMPLETE",
}

var substateNames = map[Substate]string{
	SubTransitIn:        "TRANSIN",
	SubTransitInCommit:  "TRANSICM",
	SubTransitOut:       "TRNOUT",
	SubTransitOutCommit: "TRNOUTCM",
	SubTransitRerun:     "TRANSRERUN",
	SubQueued:           "QUEUED",
	SubPreSend:          "PRESEND",
	SubQueuedAbort:      "ABORT_QUEUED",
	SubHeld:             "HELD",
	SubWaiting:          "WAITING",
	SubStageIn:          "STAGEIN",
	SubPrerun:           "PRERUN",
	SubRunning:          "RUNNING",
	SubExiting:          "EXITING",
	SubComplete:         "COMPLETE",
	SubRerun:            "RERUN",
	SubAbort:            "ABORT",
}

// legalSubstates 狀態與子狀態的合法組合表
var legalSubstates = map[State][]Substate{
	StateTransit:  {SubTransitIn, SubTransitInCommit, SubTransitOut, SubTransitOutCommit, SubTransitRerun},
	StateQueued:   {SubQueued, SubPreSend, SubQueuedAbort},
	StateHeld:     {SubHeld},
	StateWaiting:  {SubWaiting, SubStageIn},
	StateRunning:  {SubPrerun, SubRunning, SubRerun},
	StateExiting:  {SubExiting, SubRerun},
	StateComplete: {SubComplete, SubAbort},
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("STATE(%d)", int(s))
}

func (ss Substate) String() string {
	if name, ok := substateNames[ss]; ok {
		return name
	}
	return fmt.Sprintf("SUBSTATE(%d)", int(ss))
}

// Letter 單字母狀態，用於 status 輸出
func (s State) Letter() string {
	switch s {
	case StateTransit:
		return "T"
	case StateQueued:
		return "Q"
	case StateHeld:
		return "H"
	case StateWaiting:
		return "W"
	case StateRunning:
		return "R"
	case StateExiting:
		return "E"
	case StateComplete:
		return "C"
	}
	return "?"
}

// IsLegal 回報 (state, substate) 是否符合合法組合表
func IsLegal(s State, ss Substate) bool {
	for _, allowed := range legalSubstates[s] {
		if allowed == ss {
			return true
		}
	}
	return false
}

// IsTerminal 回報狀態是否為終態
func (s State) IsTerminal() bool {
	return s == StateComplete
}
