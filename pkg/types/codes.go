package types

import (
	"errors"
	"fmt"
	"syscall"
)

// Code 批次協定錯誤碼（PBSE_*），0 表示成功
type Code int

const (
	CodeNone Code = 0

	CodeUnkJobID       Code = 15001
	CodeNoAttr         Code = 15002
	CodeAttrRO         Code = 15003
	CodeIvalReq        Code = 15004
	CodeUnkReq         Code = 15005
	CodePerm           Code = 15007
	CodeJobExist       Code = 15009
	CodeSystem         Code = 15010
	CodeInternal       Code = 15011
	CodeBadAtVal       Code = 15014
	CodeModAtrRun      Code = 15015
	CodeBadState       Code = 15016
	CodeUnkQue         Code = 15018
	CodeExpired        Code = 15020
	CodeQuNoEnb        Code = 15021
	CodeQAccess        Code = 15022
	CodeQueNBig        Code = 15028
	CodeProtocol       Code = 15031
	CodeNoConnects     Code = 15033
	CodeUnkResc        Code = 15035
	CodeExcQResc       Code = 15036
	CodeRouteRej       Code = 15039
	CodeRouteExpd      Code = 15040
	CodeMaxQued        Code = 15046
	CodeMaxUserQued    Code = 15074
	CodeUnkArrayID     Code = 15080
	CodeJobNotFound    Code = 15086
	CodeJobRecycled    Code = 15087
	CodeQueNotAvail    Code = 15088
	CodeRelayedToMom   Code = 15089
	CodeInProgress     Code = 15090
	CodeBadDestination Code = 15091
)

// 網路層錯誤直接以 errno 表示
var (
	CodeAddrInUse    = Code(syscall.EADDRINUSE)
	CodeAddrNotAvail = Code(syscall.EADDRNOTAVAIL)
)

var codeText = map[Code]string{
	CodeNone:           "Success",
	CodeUnkJobID:       "Unknown Job Id",
	CodeNoAttr:         "Undefined attribute",
	CodeAttrRO:         "Cannot set attribute, read only or insufficient permission",
	CodeIvalReq:        "Invalid request",
	CodeUnkReq:         "Unknown request",
	CodePerm:           "Unauthorized Request",
	CodeJobExist:       "Job with requested ID already exists",
	CodeSystem:         "System error occurred",
	CodeInternal:       "Internal server error occurred",
	CodeBadAtVal:       "Illegal attribute or resource value",
	CodeModAtrRun:      "Cannot modify attribute in run state",
	CodeBadState:       "Request invalid for state of job",
	CodeUnkQue:         "Unknown queue",
	CodeExpired:        "Request expired",
	CodeQuNoEnb:        "Queue is not enabled",
	CodeQAccess:        "No access permission for queue",
	CodeQueNBig:        "Queue name too long",
	CodeProtocol:       "Protocol error",
	CodeNoConnects:     "No free connections",
	CodeUnkResc:        "Unknown resource",
	CodeExcQResc:       "Job exceeds queue resource limits",
	CodeRouteRej:       "Routing request rejected",
	CodeRouteExpd:      "Routing retry time expired",
	CodeMaxQued:        "Maximum number of jobs already in queue",
	CodeMaxUserQued:    "Maximum number of jobs already in queue for user",
	CodeUnkArrayID:     "Unknown array id",
	CodeJobNotFound:    "Job not found",
	CodeJobRecycled:    "Job was recycled",
	CodeQueNotAvail:    "Queue not available",
	CodeRelayedToMom:   "Request relayed to MOM",
	CodeInProgress:     "Request is still being processed",
	CodeBadDestination: "Bad destination",
}

// Text 錯誤碼的說明文字
func (c Code) Text() string {
	if txt, ok := codeText[c]; ok {
		return txt
	}
	if c > 0 && c < 15000 {
		return syscall.Errno(c).Error()
	}
	return fmt.Sprintf("error %d", int(c))
}

// Error 帶有協定錯誤碼的錯誤
type Error struct {
	Code Code
	Text string
}

// NewError 建立帶有錯誤碼的錯誤，text 為空時使用預設說明
func NewError(code Code, text string) *Error {
	return &Error{Code: code, Text: text}
}

// Errorf 建立帶有錯誤碼與格式化說明的錯誤
func Errorf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Text: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	if e.Text == "" {
		return fmt.Sprintf("%s (%d)", e.Code.Text(), int(e.Code))
	}
	return fmt.Sprintf("%s (%d): %s", e.Code.Text(), int(e.Code), e.Text)
}

// Is 讓 errors.Is 以錯誤碼比對
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Code == e.Code
	}
	return false
}

// CodeOf 取出錯誤鏈上的錯誤碼，nil 回傳 CodeNone，非 *Error 回傳 CodeSystem
func CodeOf(err error) Code {
	if err == nil {
		return CodeNone
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeSystem
}
