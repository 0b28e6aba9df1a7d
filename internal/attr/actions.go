package attr

import (
	"strings"

	"github.com/ChuLiYu/pbs-jobcore/pkg/types"
)

// Variable_List keys consulted by the actions below.
const (
	VarOrigHost    = "PBS_O_HOST"
	VarOrigWorkdir = "PBS_O_WORKDIR"
	VarOrigHome    = "PBS_O_HOME"
)

// LookupVar returns the value of key in a Variable_List value.
func LookupVar(vars types.Value, key string) (string, bool) {
	prefix := key + "="
	for _, kv := range vars.List {
		if strings.HasPrefix(kv, prefix) {
			return kv[len(prefix):], true
		}
	}
	return "", false
}

// JobSeq returns the numeric part of a job id, "42" for "42.server".
func JobSeq(id types.JobID) string {
	s := string(id)
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return s[:i]
	}
	return s
}

// StdFileName is the default output file name: <jobname>.<suffix><seq>.
func StdFileName(staged types.Attrs, job *types.Job, suffix byte) string {
	name := staged[JobName].Str
	if name == "" {
		name = "STDIN"
	}
	return name + "." + string(suffix) + JobSeq(job.ID)
}

func normalizeOutPath(staged types.Attrs, job *types.Job) error {
	return normalizeStdPath(staged, job, JobOutPath, 'o')
}

func normalizeErrPath(staged types.Attrs, job *types.Job) error {
	return normalizeStdPath(staged, job, JobErrPath, 'e')
}

// normalizeStdPath expands "host:" into host:<workdir>/<default name> and a
// trailing "/" into <dir>/<default name>.
func normalizeStdPath(staged types.Attrs, job *types.Job, idx int, suffix byte) error {
	v := &staged[idx]
	if !v.IsModified() || v.Str == "" {
		return nil
	}
	path := v.Str
	switch {
	case strings.HasSuffix(path, ":"):
		dir, ok := LookupVar(staged[JobVariables], VarOrigWorkdir)
		if !ok {
			dir, _ = LookupVar(staged[JobVariables], VarOrigHome)
		}
		v.Str = path + strings.TrimSuffix(dir, "/") + "/" + StdFileName(staged, job, suffix)
	case strings.HasSuffix(path, "/"):
		v.Str = path + StdFileName(staged, job, suffix)
	}
	return nil
}

// resetExecIDs re-derives euser and egroup after User_List or group_list
// changed.
func resetExecIDs(staged types.Attrs, job *types.Job) error {
	host, _ := LookupVar(staged[JobVariables], VarOrigHost)

	euser := pickForHost(staged[JobUserList].List, host)
	if euser == "" {
		owner := staged[JobOwner].Str
		if i := strings.IndexByte(owner, '@'); i >= 0 {
			owner = owner[:i]
		}
		euser = owner
	}
	if euser != "" && euser != staged[JobEUser].Str {
		staged[JobEUser].Str = euser
		staged[JobEUser].Flags |= types.AttrSet | types.AttrModify
	}

	if egroup := pickForHost(staged[JobGroupList].List, host); egroup != "" && egroup != staged[JobEGroup].Str {
		staged[JobEGroup].Str = egroup
		staged[JobEGroup].Flags |= types.AttrSet | types.AttrModify
	}
	return nil
}

// pickForHost selects name@host matching host, else the first entry with no
// host part.
func pickForHost(list []string, host string) string {
	var fallback string
	for _, e := range list {
		name, h, found := strings.Cut(e, "@")
		if !found {
			if fallback == "" {
				fallback = name
			}
			continue
		}
		if host != "" && h == host {
			return name
		}
	}
	return fallback
}
