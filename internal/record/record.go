// Package record 定义编解码器与连接器核心之间传递的有序字段记录。
package record

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrFieldNotPresent 表示记录中不存在该字段。
	ErrFieldNotPresent = errors.New("record: field not present")
	// ErrFieldType 表示字段存在但类型不符。
	ErrFieldType = errors.New("record: field type mismatch")
)

// Kind 描述字段值的类型。
type Kind uint8

const (
	KindString Kind = iota + 1
	KindInteger
	KindDouble
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInteger:
		return "integer"
	case KindDouble:
		return "double"
	default:
		return "unknown"
	}
}

// Value 为单个字段值。
type Value struct {
	Kind    Kind
	String  string
	Integer int64
	Double  float64
}

type entry struct {
	field Field
	value Value
}

// Record 是按写入顺序保存的字段-值集合。
// 重复写入同一字段会原位覆盖，保留首次写入时的位置。
type Record struct {
	entries []entry
	index   map[Field]int
}

// New 创建空记录。
func New() *Record {
	return &Record{index: make(map[Field]int)}
}

// Len 返回字段数量。
func (r *Record) Len() int {
	return len(r.entries)
}

// Has 判断字段是否存在。
func (r *Record) Has(f Field) bool {
	_, ok := r.index[f]
	return ok
}

// SetString 写入字符串字段。
func (r *Record) SetString(f Field, v string) {
	r.set(f, Value{Kind: KindString, String: v})
}

// SetInteger 写入整数字段。
func (r *Record) SetInteger(f Field, v int64) {
	r.set(f, Value{Kind: KindInteger, Integer: v})
}

// SetDouble 写入浮点字段。
func (r *Record) SetDouble(f Field, v float64) {
	r.set(f, Value{Kind: KindDouble, Double: v})
}

// Set 写入任意类型的字段值。
func (r *Record) Set(f Field, v Value) {
	r.set(f, v)
}

func (r *Record) set(f Field, v Value) {
	if r.index == nil {
		r.index = make(map[Field]int)
	}
	if i, ok := r.index[f]; ok {
		r.entries[i].value = v
		return
	}
	r.index[f] = len(r.entries)
	r.entries = append(r.entries, entry{field: f, value: v})
}

// Get 返回字段原始值。
func (r *Record) Get(f Field) (Value, error) {
	i, ok := r.index[f]
	if !ok {
		return Value{}, fmt.Errorf("%w: %s", ErrFieldNotPresent, f)
	}
	return r.entries[i].value, nil
}

// GetString 读取字符串字段。
func (r *Record) GetString(f Field) (string, error) {
	v, err := r.typed(f, KindString)
	if err != nil {
		return "", err
	}
	return v.String, nil
}

// GetInteger 读取整数字段。
func (r *Record) GetInteger(f Field) (int64, error) {
	v, err := r.typed(f, KindInteger)
	if err != nil {
		return 0, err
	}
	return v.Integer, nil
}

// GetDouble 读取浮点字段，整数字段会被提升为浮点。
func (r *Record) GetDouble(f Field) (float64, error) {
	v, err := r.Get(f)
	if err != nil {
		return 0, err
	}
	switch v.Kind {
	case KindDouble:
		return v.Double, nil
	case KindInteger:
		return float64(v.Integer), nil
	default:
		return 0, fmt.Errorf("%w: %s is %s", ErrFieldType, f, v.Kind)
	}
}

func (r *Record) typed(f Field, kind Kind) (Value, error) {
	v, err := r.Get(f)
	if err != nil {
		return Value{}, err
	}
	if v.Kind != kind {
		return Value{}, fmt.Errorf("%w: %s is %s, want %s", ErrFieldType, f, v.Kind, kind)
	}
	return v, nil
}

// StringOr 读取字符串字段，缺失或类型不符时返回默认值。
func (r *Record) StringOr(f Field, def string) string {
	v, err := r.GetString(f)
	if err != nil {
		return def
	}
	return v
}

// IntegerOr 读取整数字段，缺失或类型不符时返回默认值。
func (r *Record) IntegerOr(f Field, def int64) int64 {
	v, err := r.GetInteger(f)
	if err != nil {
		return def
	}
	return v
}

// Text 读取文本字段，整数值按十进制转换。
func (r *Record) Text(f Field) (string, error) {
	v, err := r.Get(f)
	if err != nil {
		return "", err
	}
	switch v.Kind {
	case KindString:
		return v.String, nil
	case KindInteger:
		return strconv.FormatInt(v.Integer, 10), nil
	default:
		return "", fmt.Errorf("%w: %s is %s", ErrFieldType, f, v.Kind)
	}
}

// TextOr 同 Text，失败时返回默认值。
func (r *Record) TextOr(f Field, def string) string {
	s, err := r.Text(f)
	if err != nil {
		return def
	}
	return s
}

// Char 读取单字符编码字段，整数 0-9 视为对应数字字符，缺失返回 0。
func (r *Record) Char(f Field) byte {
	v, err := r.Get(f)
	if err != nil {
		return 0
	}
	switch v.Kind {
	case KindString:
		if v.String != "" {
			return v.String[0]
		}
	case KindInteger:
		if v.Integer >= 0 && v.Integer <= 9 {
			return byte('0' + v.Integer)
		}
	}
	return 0
}

// Range 按写入顺序遍历字段，fn 返回 false 时停止。
func (r *Record) Range(fn func(Field, Value) bool) {
	for _, e := range r.entries {
		if !fn(e.field, e.value) {
			return
		}
	}
}

// Clone 返回记录的深拷贝。
func (r *Record) Clone() *Record {
	out := &Record{
		entries: make([]entry, len(r.entries)),
		index:   make(map[Field]int, len(r.index)),
	}
	copy(out.entries, r.entries)
	for f, i := range r.index {
		out.index[f] = i
	}
	return out
}

// String 以 Field=value 形式输出，口令字段被屏蔽。
func (r *Record) String() string {
	var b strings.Builder
	b.WriteByte('{')
	for i, e := range r.entries {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(e.field.String())
		b.WriteByte('=')
		if e.field == FieldPassword {
			b.WriteString("***")
			continue
		}
		switch e.value.Kind {
		case KindString:
			b.WriteString(strconv.Quote(e.value.String))
		case KindInteger:
			b.WriteString(strconv.FormatInt(e.value.Integer, 10))
		case KindDouble:
			b.WriteString(strconv.FormatFloat(e.value.Double, 'f', -1, 64))
		}
	}
	b.WriteByte('}')
	return b.String()
}
