package attr

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/ChuLiYu/pbs-jobcore/pkg/types"
)

// ResourceKind decides how a resource value is parsed and compared.
type ResourceKind int

const (
	ResourceLong ResourceKind = iota
	ResourceSize
	ResourceDuration
	ResourceString
)

// ResourceDef describes one resource inside a resource list attribute.
type ResourceDef struct {
	Name  string
	Kind  ResourceKind
	Flags Perm
}

// ResourceDefs is the server resource table.
var ResourceDefs = []ResourceDef{
	{Name: "walltime", Kind: ResourceDuration, Flags: PermRW | FlagMOM | FlagAltRun},
	{Name: "cput", Kind: ResourceDuration, Flags: PermRW | FlagMOM | FlagAltRun},
	{Name: "mem", Kind: ResourceSize, Flags: PermRW | FlagMOM | FlagAltRun},
	{Name: "pmem", Kind: ResourceSize, Flags: PermRW | FlagMOM | FlagAltRun},
	{Name: "vmem", Kind: ResourceSize, Flags: PermRW | FlagMOM | FlagAltRun},
	{Name: "file", Kind: ResourceSize, Flags: PermRW | FlagMOM | FlagAltRun},
	{Name: "ncpus", Kind: ResourceLong, Flags: PermRW | FlagMOM},
	{Name: "nodect", Kind: ResourceLong, Flags: PermReadAll | FlagMOM},
	{Name: "nodes", Kind: ResourceString, Flags: PermRW | FlagMOM},
	{Name: "arch", Kind: ResourceString, Flags: PermRW | FlagMOM},
}

// FindResource returns the definition for name, or nil.
func FindResource(name string) *ResourceDef {
	for i := range ResourceDefs {
		if ResourceDefs[i].Name == name {
			return &ResourceDefs[i]
		}
	}
	return nil
}

// Parse converts a resource value into a comparable integer: bytes for sizes,
// seconds for durations. String resources return ok=false.
func (d *ResourceDef) Parse(value string) (n int64, ok bool, err error) {
	switch d.Kind {
	case ResourceLong:
		n, err = strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err == nil && n < 0 {
			err = fmt.Errorf("negative value %d", n)
		}
	case ResourceSize:
		n, err = parseSize(value)
	case ResourceDuration:
		n, err = parseDuration(value)
	default:
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("resource %s: %w", d.Name, err)
	}
	return n, true, nil
}

var sizeUnits = map[string]int64{
	"":   1,
	"b":  1,
	"kb": 1 << 10,
	"mb": 1 << 20,
	"gb": 1 << 30,
	"tb": 1 << 40,
	"w":  8,
	"kw": 8 << 10,
	"mw": 8 << 20,
	"gw": 8 << 30,
}

var errOverflow = errors.New("value out of range")

// parseSize accepts "512", "512kb", "4gb", "2mw".
func parseSize(s string) (int64, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i == 0 {
		return 0, fmt.Errorf("bad size %q", s)
	}
	n, err := strconv.ParseInt(s[:i], 10, 64)
	if err != nil {
		return 0, err
	}
	mult, ok := sizeUnits[s[i:]]
	if !ok {
		return 0, fmt.Errorf("bad size suffix %q", s[i:])
	}
	if n > math.MaxInt64/mult {
		return 0, fmt.Errorf("size %q: %w", s, errOverflow)
	}
	return n * mult, nil
}

// parseDuration accepts "[[hh:]mm:]ss" or plain seconds.
func parseDuration(s string) (int64, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) > 3 {
		return 0, fmt.Errorf("bad duration %q", s)
	}
	var total int64
	for _, p := range parts {
		n, err := strconv.ParseInt(p, 10, 64)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("bad duration %q", s)
		}
		if total > (math.MaxInt64-n)/60 {
			return 0, fmt.Errorf("duration %q: %w", s, errOverflow)
		}
		total = total*60 + n
	}
	return total, nil
}

// CompareResources compares every numeric resource present in both lists.
// It returns the name of the first resource whose value in next is greater
// than in cur. A resource absent from cur counts as unlimited, so adding it
// is never a raise.
func CompareResources(cur, next types.Value) (raised string, err error) {
	for _, r := range next.Resc {
		def := FindResource(r.Name)
		if def == nil {
			return "", types.Errorf(types.CodeUnkResc, "unknown resource %s", r.Name)
		}
		old, ok := cur.Resource(r.Name)
		if !ok {
			continue
		}
		nv, numeric, err := def.Parse(r.Value)
		if err != nil {
			return "", types.NewError(types.CodeBadAtVal, err.Error())
		}
		if !numeric {
			continue
		}
		ov, _, err := def.Parse(old)
		if err != nil {
			continue
		}
		if nv > ov {
			return r.Name, nil
		}
	}
	return "", nil
}

// ExceedsLimits checks a job resource list against a ceiling list such as a
// queue's resources_max and returns the first violating resource.
func ExceedsLimits(job, max types.Value) (string, bool) {
	if !max.IsSet() {
		return "", false
	}
	for _, lim := range max.Resc {
		def := FindResource(lim.Name)
		if def == nil {
			continue
		}
		want, ok := job.Resource(lim.Name)
		if !ok {
			continue
		}
		wv, numeric, err := def.Parse(want)
		if err != nil || !numeric {
			continue
		}
		lv, _, err := def.Parse(lim.Value)
		if err != nil {
			continue
		}
		if wv > lv {
			return lim.Name, true
		}
	}
	return "", false
}

// ApplyDefaults fills resources missing from job with values from dflt.
// It reports whether anything was added.
func ApplyDefaults(job *types.Value, dflt types.Value) bool {
	if !dflt.IsSet() {
		return false
	}
	added := false
	for _, r := range dflt.Resc {
		if _, ok := job.Resource(r.Name); !ok {
			job.SetResource(r.Name, r.Value)
			added = true
		}
	}
	if added {
		job.Flags |= types.AttrSet
	}
	return added
}
