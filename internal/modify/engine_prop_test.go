package modify

import (
	"reflect"
	"strconv"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/ChuLiYu/pbs-jobcore/internal/attr"
	"github.com/ChuLiYu/pbs-jobcore/pkg/types"
)

// validOps builds n well-formed modifications.
func validOps(values []int) []attr.Op {
	names := []string{"Priority", "Account_Name", "comment", "Execution_Time"}
	ops := make([]attr.Op, 0, len(values))
	for i, v := range values {
		ops = append(ops, attr.Op{Name: names[i%len(names)], Value: strconv.Itoa(v)})
	}
	return ops
}

func Test_ModifyIsAtomic(t *testing.T) {
	properties := gopter.NewProperties(nil)
	properties.Property("a failure at any position leaves the job unchanged", prop.ForAll(
		func(values []int, pos int) bool {
			ops := validOps(values)
			pos = pos % (len(ops) + 1)
			bad := attr.Op{Name: "Priority", Value: "not-a-number"}
			ops = append(ops[:pos], append([]attr.Op{bad}, ops[pos:]...)...)

			job := newJob(types.StateQueued, types.SubQueued)
			before := job.Attrs.Clone()

			err := Attrs(job, newQueue("batch", types.QueueExecution), userPerm, ops)
			b, ok := AsBadAttr(err)
			return ok && b.Index == pos+1 && reflect.DeepEqual(before, job.Attrs) && !job.Modified
		},
		gen.SliceOf(gen.IntRange(0, 1_000_000)),
		gen.IntRange(0, 64),
	))

	properties.TestingRun(t)
}

func Test_ModifyInTransitRejected(t *testing.T) {
	properties := gopter.NewProperties(nil)
	properties.Property("every modify of a job in transit is BADSTATE", prop.ForAll(
		func(values []int, sub int) bool {
			h, env := newTestHandler()
			job := newJob(types.StateTransit, []types.Substate{
				types.SubTransitIn, types.SubTransitInCommit, types.SubTransitOut, types.SubTransitOutCommit,
			}[sub])
			env.addJob(job)
			before := job.Clone()

			req := newModifyReq(job.ID, validOps(values))
			code := h.modifyJob(env.ctx, job, req, ckNone, false)
			rep, err := req.Wait(env.ctx)
			return code == types.CodeBadState && err == nil && rep.Code == types.CodeBadState &&
				reflect.DeepEqual(before, job)
		},
		gen.SliceOfN(3, gen.IntRange(0, 100)),
		gen.IntRange(0, 3),
	))

	properties.TestingRun(t)
}

func Test_LoweringNeverRejected(t *testing.T) {
	properties := gopter.NewProperties(nil)
	properties.Property("a running job may lower walltime and never raise it", prop.ForAll(
		func(secs int) bool {
			job := newJob(types.StateRunning, types.SubRunning)
			q := newQueue("batch", types.QueueExecution)
			err := Attrs(job, q, userPerm, []attr.Op{
				{Name: "Resource_List", Resource: "walltime", Value: strconv.Itoa(secs)},
			})
			if secs <= 3600 {
				return err == nil
			}
			b, ok := AsBadAttr(err)
			return ok && b.Code == types.CodePerm
		},
		gen.IntRange(0, 7200),
	))

	properties.TestingRun(t)
}
