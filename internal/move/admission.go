package move

import (
	"strings"

	"github.com/ChuLiYu/pbs-jobcore/internal/attr"
	"github.com/ChuLiYu/pbs-jobcore/pkg/types"
)

// Admission holds the manager-move policy used by CheckQueue.
type Admission struct {
	// ManagerMoveBypass lets a manager move skip the enabled and limit
	// checks.
	ManagerMoveBypass bool
	// ManagerMoveBypassACL lets a manager move skip the user and group ACLs.
	ManagerMoveBypassACL bool
}

// Counter reports queue occupancy for the limit checks.
type Counter interface {
	CountInQueue(name string) int
	CountUserInQueue(name, euser string) int
}

// CheckQueue decides whether job may enter q. The returned error carries
// the rejection code.
func (a Admission) CheckQueue(job *types.Job, q *types.Queue, kind Kind, counts Counter) error {
	qa := q.Attrs
	euser, host := jobUser(job)

	bypassLimits := kind == KindManagerMove && a.ManagerMoveBypass
	bypassACL := kind == KindManagerMove && a.ManagerMoveBypassACL

	if !bypassLimits {
		if !isTrue(qa[attr.QueEnabled]) {
			return types.Errorf(types.CodeQuNoEnb, "queue %s", q.Name)
		}
		if v := qa[attr.QueMaxQueuable]; v.IsSet() && int64(counts.CountInQueue(q.Name)) >= v.Long {
			return types.Errorf(types.CodeMaxQued, "queue %s", q.Name)
		}
		if v := qa[attr.QueMaxUserQueuable]; v.IsSet() && int64(counts.CountUserInQueue(q.Name, euser)) >= v.Long {
			return types.Errorf(types.CodeMaxUserQued, "queue %s user %s", q.Name, euser)
		}
	}

	if !bypassACL {
		if isTrue(qa[attr.QueACLUserEnable]) && !aclUserAllowed(qa[attr.QueACLUsers].List, euser, host) {
			return types.Errorf(types.CodePerm, "user %s not in acl_users of %s", euser, q.Name)
		}
		if isTrue(qa[attr.QueACLGroupEnable]) && !containsString(qa[attr.QueACLGroups].List, job.Attrs[attr.JobEGroup].Str) {
			return types.Errorf(types.CodePerm, "group %s not in acl_groups of %s", job.Attrs[attr.JobEGroup].Str, q.Name)
		}
	}

	if name, over := attr.ExceedsLimits(job.Attrs[attr.JobResource], qa[attr.QueResourcesMax]); over {
		return types.Errorf(types.CodeExcQResc, "%s exceeds resources_max of %s", name, q.Name)
	}
	return nil
}

// jobUser returns the effective user and the submit host. euser falls back
// to the user part of Job_Owner when it was never set.
func jobUser(job *types.Job) (user, host string) {
	owner := job.Attrs[attr.JobOwner].Str
	user, host, _ = strings.Cut(owner, "@")
	if eu := job.Attrs[attr.JobEUser]; eu.IsSet() && eu.Str != "" {
		user = eu.Str
	}
	return user, host
}

func isTrue(v types.Value) bool {
	return v.IsSet() && v.Long != 0
}

// aclUserAllowed matches user@host against entries of the form "user",
// "user@host", "*@host" or "*".
func aclUserAllowed(entries []string, user, host string) bool {
	for _, e := range entries {
		eu, eh, hasHost := strings.Cut(e, "@")
		if eu != "*" && eu != user {
			continue
		}
		if !hasHost || eh == "*" || strings.EqualFold(eh, host) {
			return true
		}
	}
	return false
}

func containsString(list []string, s string) bool {
	if s == "" {
		return false
	}
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
