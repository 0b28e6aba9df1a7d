// Package attr holds the job and queue attribute definition tables and the
// codec that turns wire name/value pairs into typed values and back.
package attr

import (
	"github.com/ChuLiYu/pbs-jobcore/pkg/types"
)

// Perm is the access/permission bitmask carried by a request and by each
// attribute definition.
type Perm uint32

const (
	PermUserRead  Perm = 0x0001
	PermUserWrite Perm = 0x0002
	PermOperRead  Perm = 0x0004
	PermOperWrite Perm = 0x0008
	PermMgrRead   Perm = 0x0010
	PermMgrWrite  Perm = 0x0020
	PermSvrRead   Perm = 0x0040
	PermSvrWrite  Perm = 0x0080
	FlagMOM       Perm = 0x0100 // sent to the execution node
	FlagAltRun    Perm = 0x0200 // may be altered while the job runs
	FlagNoSave    Perm = 0x0400 // never written to the job image

	PermReadAll  = PermUserRead | PermOperRead | PermMgrRead
	PermWriteAll = PermUserWrite | PermOperWrite | PermMgrWrite
	PermRW       = PermReadAll | PermWriteAll
	PermMgr      = PermMgrRead | PermMgrWrite
	PermPriv     = PermMgrWrite | PermOperWrite
)

// IsPrivileged reports whether the mask carries manager or operator write.
func (p Perm) IsPrivileged() bool {
	return p&PermPriv != 0
}

// IsManager reports whether the mask carries manager read or write.
func (p Perm) IsManager() bool {
	return p&PermMgr != 0
}

// ActionFunc runs after a staged value decoded successfully and before the
// staging copy is committed. staged is the full staging array.
type ActionFunc func(staged types.Attrs, job *types.Job) error

// DecodeFunc overrides the generic decoding for a definition.
type DecodeFunc func(v *types.Value, value string) error

// EncodeFunc overrides the generic encoding for a definition.
type EncodeFunc func(v types.Value) string

// Def describes one attribute.
type Def struct {
	Name   string
	Type   types.AttrType
	Flags  Perm
	Decode DecodeFunc
	Encode EncodeFunc
	Action ActionFunc
}

// Table is an ordered attribute definition table.
type Table []Def

// Find returns the index of name, or -1.
func (t Table) Find(name string) int {
	for i := range t {
		if t[i].Name == name {
			return i
		}
	}
	return -1
}

// New allocates an attribute array sized to the table with types filled in.
func (t Table) New() types.Attrs {
	a := make(types.Attrs, len(t))
	for i := range t {
		a[i].Type = t[i].Type
	}
	return a
}

// Job attribute indices.
const (
	JobName = iota
	JobOwner
	JobOutPath
	JobErrPath
	JobHold
	JobResource
	JobQueueRank
	JobExecHost
	JobExecTime
	JobUserList
	JobGroupList
	JobEUser
	JobEGroup
	JobPriority
	JobAccount
	JobCheckpoint
	JobCheckpointName
	JobRestartName
	JobSessionID
	JobStageIn
	JobComment
	JobVariables
	JobRerunable
	JobArrayRequest
	JobUnknown
	JobAttrCount
)

// Hold type bits.
const (
	HoldUser   int64 = 1 << 0
	HoldOper   int64 = 1 << 1
	HoldSystem int64 = 1 << 2
)

// JobDefs is the job attribute table.
var JobDefs = Table{
	JobName:           {Name: "Job_Name", Type: types.TypeString, Flags: PermRW | FlagMOM},
	JobOwner:          {Name: "Job_Owner", Type: types.TypeString, Flags: PermReadAll | PermSvrRead | FlagMOM},
	JobOutPath:        {Name: "Output_Path", Type: types.TypeString, Flags: PermRW | FlagMOM | FlagAltRun, Action: normalizeOutPath},
	JobErrPath:        {Name: "Error_Path", Type: types.TypeString, Flags: PermRW | FlagMOM | FlagAltRun, Action: normalizeErrPath},
	JobHold:           {Name: "Hold_Types", Type: types.TypeLong, Flags: PermRW | FlagMOM, Decode: decodeHold, Encode: encodeHold},
	JobResource:       {Name: "Resource_List", Type: types.TypeResource, Flags: PermRW | FlagMOM | FlagAltRun},
	JobQueueRank:      {Name: "queue_rank", Type: types.TypeLong, Flags: PermReadAll | PermSvrRead},
	JobExecHost:       {Name: "exec_host", Type: types.TypeString, Flags: PermReadAll | PermSvrRead | FlagMOM},
	JobExecTime:       {Name: "Execution_Time", Type: types.TypeLong, Flags: PermRW},
	JobUserList:       {Name: "User_List", Type: types.TypeList, Flags: PermRW, Action: resetExecIDs},
	JobGroupList:      {Name: "group_list", Type: types.TypeList, Flags: PermRW, Action: resetExecIDs},
	JobEUser:          {Name: "euser", Type: types.TypeString, Flags: PermMgrRead | PermSvrRead | FlagMOM},
	JobEGroup:         {Name: "egroup", Type: types.TypeString, Flags: PermMgrRead | PermSvrRead | FlagMOM},
	JobPriority:       {Name: "Priority", Type: types.TypeLong, Flags: PermRW | FlagAltRun},
	JobAccount:        {Name: "Account_Name", Type: types.TypeString, Flags: PermRW | FlagMOM},
	JobCheckpoint:     {Name: "Checkpoint", Type: types.TypeString, Flags: PermRW | FlagMOM | FlagAltRun},
	JobCheckpointName: {Name: "checkpoint_name", Type: types.TypeString, Flags: PermReadAll | PermSvrRead | FlagMOM},
	JobRestartName:    {Name: "restart_name", Type: types.TypeString, Flags: PermReadAll | PermSvrRead},
	JobSessionID:      {Name: "session_id", Type: types.TypeLong, Flags: PermReadAll},
	JobStageIn:        {Name: "stagein", Type: types.TypeList, Flags: PermRW | FlagMOM},
	JobComment:        {Name: "comment", Type: types.TypeString, Flags: PermRW | FlagAltRun},
	JobVariables:      {Name: "Variable_List", Type: types.TypeList, Flags: PermRW | FlagMOM},
	JobRerunable:      {Name: "Rerunable", Type: types.TypeBool, Flags: PermRW},
	JobArrayRequest:   {Name: "job_array_request", Type: types.TypeString, Flags: PermReadAll | PermSvrRead},
	JobUnknown:        {Name: "_other_", Type: types.TypeList, Flags: PermRW | PermSvrRead},
}

// Queue attribute indices.
const (
	QueEnabled = iota
	QueStarted
	QueMaxQueuable
	QueMaxUserQueuable
	QueResourcesMax
	QueResourcesDefault
	QueACLUserEnable
	QueACLUsers
	QueACLGroupEnable
	QueACLGroups
	QueRouteDestinations
	QuePriority
	QueMTime
	QueAttrCount
)

// QueueDefs is the queue attribute table.
var QueueDefs = Table{
	QueEnabled:           {Name: "enabled", Type: types.TypeBool, Flags: PermReadAll | PermMgrWrite | PermOperWrite},
	QueStarted:           {Name: "started", Type: types.TypeBool, Flags: PermReadAll | PermMgrWrite | PermOperWrite},
	QueMaxQueuable:       {Name: "max_queuable", Type: types.TypeLong, Flags: PermReadAll | PermMgrWrite},
	QueMaxUserQueuable:   {Name: "max_user_queuable", Type: types.TypeLong, Flags: PermReadAll | PermMgrWrite},
	QueResourcesMax:      {Name: "resources_max", Type: types.TypeResource, Flags: PermReadAll | PermMgrWrite},
	QueResourcesDefault:  {Name: "resources_default", Type: types.TypeResource, Flags: PermReadAll | PermMgrWrite},
	QueACLUserEnable:     {Name: "acl_user_enable", Type: types.TypeBool, Flags: PermReadAll | PermMgrWrite},
	QueACLUsers:          {Name: "acl_users", Type: types.TypeACL, Flags: PermReadAll | PermMgrWrite},
	QueACLGroupEnable:    {Name: "acl_group_enable", Type: types.TypeBool, Flags: PermReadAll | PermMgrWrite},
	QueACLGroups:         {Name: "acl_groups", Type: types.TypeACL, Flags: PermReadAll | PermMgrWrite},
	QueRouteDestinations: {Name: "route_destinations", Type: types.TypeList, Flags: PermReadAll | PermMgrWrite},
	QuePriority:          {Name: "Priority", Type: types.TypeLong, Flags: PermReadAll | PermMgrWrite},
	QueMTime:             {Name: "mtime", Type: types.TypeLong, Flags: PermReadAll},
}

// NewJobAttrs allocates a job attribute array.
func NewJobAttrs() types.Attrs { return JobDefs.New() }

// NewQueueAttrs allocates a queue attribute array.
func NewQueueAttrs() types.Attrs { return QueueDefs.New() }
