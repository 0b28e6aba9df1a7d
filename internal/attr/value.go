package attr

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ChuLiYu/pbs-jobcore/pkg/types"
)

// Op is a single name/value pair from a request. Resource is set for entries
// of a resource list such as Resource_List.walltime.
type Op struct {
	Name     string `json:"name"`
	Resource string `json:"resource,omitempty"`
	Value    string `json:"value"`
}

func (o Op) String() string {
	if o.Resource != "" {
		return o.Name + "." + o.Resource + "=" + o.Value
	}
	return o.Name + "=" + o.Value
}

// DecodeValue parses value into v according to the definition. For resource
// lists only the named resource is replaced. An empty value unsets scalars.
func DecodeValue(def *Def, v *types.Value, resource, value string) error {
	if def.Decode != nil {
		if err := def.Decode(v, value); err != nil {
			return err
		}
		v.Flags |= types.AttrSet | types.AttrModify
		return nil
	}

	v.Type = def.Type
	switch def.Type {
	case types.TypeLong:
		if value == "" {
			v.Clear()
			v.Flags |= types.AttrModify
			return nil
		}
		n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil {
			return types.Errorf(types.CodeBadAtVal, "%s: %q is not a number", def.Name, value)
		}
		v.Long = n
	case types.TypeString:
		if value == "" {
			v.Clear()
			v.Flags |= types.AttrModify
			return nil
		}
		v.Str = value
	case types.TypeBool:
		b, err := parseBool(value)
		if err != nil {
			return types.Errorf(types.CodeBadAtVal, "%s: %v", def.Name, err)
		}
		v.Long = 0
		if b {
			v.Long = 1
		}
	case types.TypeList, types.TypeACL:
		v.List = splitList(value)
	case types.TypeResource:
		if resource == "" {
			return types.Errorf(types.CodeUnkResc, "%s: missing resource name", def.Name)
		}
		rd := FindResource(resource)
		if rd == nil {
			return types.Errorf(types.CodeUnkResc, "unknown resource %s", resource)
		}
		if _, _, err := rd.Parse(value); err != nil {
			return types.NewError(types.CodeBadAtVal, err.Error())
		}
		v.SetResource(resource, value)
	default:
		return types.Errorf(types.CodeInternal, "%s: unsupported type %d", def.Name, def.Type)
	}
	v.Flags |= types.AttrSet | types.AttrModify
	return nil
}

// EncodeValue renders v as its wire/text form. Resource lists render as
// name=value pairs joined by commas.
func EncodeValue(def *Def, v types.Value) string {
	if def.Encode != nil {
		return def.Encode(v)
	}
	switch def.Type {
	case types.TypeLong:
		return strconv.FormatInt(v.Long, 10)
	case types.TypeBool:
		if v.Long != 0 {
			return "True"
		}
		return "False"
	case types.TypeList, types.TypeACL:
		return strings.Join(v.List, ",")
	case types.TypeResource:
		parts := make([]string, 0, len(v.Resc))
		for _, r := range v.Resc {
			parts = append(parts, r.Name+"="+r.Value)
		}
		return strings.Join(parts, ",")
	default:
		return v.Str
	}
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "t", "y", "yes", "1":
		return true, nil
	case "false", "f", "n", "no", "0", "":
		return false, nil
	}
	return false, fmt.Errorf("bad boolean %q", s)
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// decodeHold accepts a string of hold letters: u, o, s, or n for none.
func decodeHold(v *types.Value, value string) error {
	var mask int64
	for _, c := range value {
		switch c {
		case 'u':
			mask |= HoldUser
		case 'o':
			mask |= HoldOper
		case 's':
			mask |= HoldSystem
		case 'n':
			mask = 0
		default:
			return types.Errorf(types.CodeBadAtVal, "bad hold type %q", c)
		}
	}
	v.Type = types.TypeLong
	v.Long = mask
	return nil
}

func encodeHold(v types.Value) string {
	if v.Long == 0 {
		return "n"
	}
	var b strings.Builder
	if v.Long&HoldUser != 0 {
		b.WriteByte('u')
	}
	if v.Long&HoldOper != 0 {
		b.WriteByte('o')
	}
	if v.Long&HoldSystem != 0 {
		b.WriteByte('s')
	}
	return b.String()
}
