package types

// AttrFlags 屬性值旗標
type AttrFlags uint8

const (
	AttrSet    AttrFlags = 1 << 0 // 值已設定
	AttrModify AttrFlags = 1 << 1 // 本次修改過，需要寫回
)

// AttrType 屬性值型別
type AttrType int

const (
	TypeLong AttrType = iota
	TypeString
	TypeBool
	TypeList     // 逗號分隔的字串清單
	TypeACL      // 存取控制清單，另存於獨立檔案
	TypeResource // 資源清單 name=value
)

// Resource 單一資源值，例如 walltime=01:00:00
type Resource struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Value 一個屬性的型別化值
type Value struct {
	Type  AttrType   `json:"type"`
	Flags AttrFlags  `json:"flags"`
	Long  int64      `json:"long,omitempty"`
	Str   string     `json:"str,omitempty"`
	List  []string   `json:"list,omitempty"`
	Resc  []Resource `json:"resc,omitempty"`
}

// IsSet 回報值是否已設定
func (v Value) IsSet() bool {
	return v.Flags&AttrSet != 0
}

// IsModified 回報值是否在本次修改中變更
func (v Value) IsModified() bool {
	return v.Flags&AttrModify != 0
}

// Clear 清空值但保留型別
func (v *Value) Clear() {
	t := v.Type
	*v = Value{Type: t}
}

// Clone 深拷貝，List 與 Resc 不共用底層陣列
func (v Value) Clone() Value {
	out := v
	if v.List != nil {
		out.List = append([]string(nil), v.List...)
	}
	if v.Resc != nil {
		out.Resc = append([]Resource(nil), v.Resc...)
	}
	return out
}

// Resource 取得資源值
func (v Value) Resource(name string) (string, bool) {
	for _, r := range v.Resc {
		if r.Name == name {
			return r.Value, true
		}
	}
	return "", false
}

// SetResource 新增或覆寫一個資源值
func (v *Value) SetResource(name, value string) {
	for i := range v.Resc {
		if v.Resc[i].Name == name {
			v.Resc[i].Value = value
			return
		}
	}
	v.Resc = append(v.Resc, Resource{Name: name, Value: value})
}

// Attrs 依屬性定義表索引的屬性陣列
type Attrs []Value

// Clone 深拷貝整個屬性陣列
func (a Attrs) Clone() Attrs {
	out := make(Attrs, len(a))
	for i := range a {
		out[i] = a[i].Clone()
	}
	return out
}

// ClearModify 清除所有 MODIFY 旗標
func (a Attrs) ClearModify() {
	for i := range a {
		a[i].Flags &^= AttrModify
	}
}
