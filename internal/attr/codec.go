package attr

import (
	"go.uber.org/multierr"

	"github.com/ChuLiYu/pbs-jobcore/pkg/types"
)

// Audience selects which attributes are encoded for a receiver.
type Audience int

const (
	// AudMOM is the execution node: attributes flagged FlagMOM.
	AudMOM Audience = iota
	// AudServer is a peer server taking over the job.
	AudServer
	// AudClient is a status reply to a user command.
	AudClient
)

// ServerMask is the visibility mask for server-to-server moves.
const ServerMask = PermUserWrite | PermOperWrite | PermMgrWrite | PermSvrRead

func (a Audience) visible(d *Def) bool {
	switch a {
	case AudMOM:
		return d.Flags&FlagMOM != 0
	case AudServer:
		return d.Flags&ServerMask != 0
	default:
		return d.Flags&PermReadAll != 0
	}
}

// Encode renders the set attributes of attrs that the audience may see.
// Resource lists produce one Op per resource. extra forces indices that the
// audience mask would otherwise hide (session_id for a checkpointed job).
func Encode(t Table, attrs types.Attrs, aud Audience, extra ...int) []Op {
	forced := make(map[int]bool, len(extra))
	for _, i := range extra {
		forced[i] = true
	}
	var ops []Op
	for i := range t {
		if i >= len(attrs) || !attrs[i].IsSet() {
			continue
		}
		d := &t[i]
		if !aud.visible(d) && !forced[i] {
			continue
		}
		if d.Type == types.TypeResource {
			for _, r := range attrs[i].Resc {
				ops = append(ops, Op{Name: d.Name, Resource: r.Name, Value: r.Value})
			}
			continue
		}
		if d.Type == types.TypeList && i == t.Find("_other_") {
			// unknown attributes travel under their own names
			for _, kv := range attrs[i].List {
				name, value, _ := cutKV(kv)
				ops = append(ops, Op{Name: name, Value: value})
			}
			continue
		}
		ops = append(ops, Op{Name: d.Name, Value: EncodeValue(d, attrs[i])})
	}
	return ops
}

// DecodeAll decodes ops into attrs without permission checks. It is used for
// trusted input such as a job arriving from a peer server. Names the table
// does not know are kept in the list attribute at unknownIdx when it is >= 0.
// All decode failures are returned together.
func DecodeAll(t Table, attrs types.Attrs, ops []Op, unknownIdx int) error {
	var errs error
	for _, op := range ops {
		idx := t.Find(op.Name)
		if idx < 0 {
			if unknownIdx < 0 {
				errs = multierr.Append(errs, types.Errorf(types.CodeNoAttr, "%s", op.Name))
				continue
			}
			u := &attrs[unknownIdx]
			u.List = append(u.List, op.Name+"="+op.Value)
			u.Flags |= types.AttrSet | types.AttrModify
			continue
		}
		if err := DecodeValue(&t[idx], &attrs[idx], op.Resource, op.Value); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

func cutKV(kv string) (string, string, bool) {
	for i := 0; i < len(kv); i++ {
		if kv[i] == '=' {
			return kv[:i], kv[i+1:], true
		}
	}
	return kv, "", false
}
