package record

import (
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
)

// ErrDecode 表示原始帧无法被解码为记录。
var ErrDecode = errors.New("record: decode failed")

// Codec 负责记录与线路字节之间的转换，对连接器核心而言是黑盒。
type Codec interface {
	Encode(r *Record) ([]byte, error)
	Decode(data []byte) (*Record, error)
}

// JSONCodec 以 JSON 数组形式编码记录，保留字段顺序。
type JSONCodec struct{}

type wireField struct {
	Field   Field    `json:"f"`
	String  *string  `json:"s,omitempty"`
	Integer *int64   `json:"i,omitempty"`
	Double  *float64 `json:"d,omitempty"`
}

// Encode 实现 Codec。
func (JSONCodec) Encode(r *Record) ([]byte, error) {
	if r == nil {
		return nil, errors.New("record: encode nil record")
	}
	wire := make([]wireField, 0, r.Len())
	r.Range(func(f Field, v Value) bool {
		wf := wireField{Field: f}
		switch v.Kind {
		case KindString:
			s := v.String
			wf.String = &s
		case KindInteger:
			i := v.Integer
			wf.Integer = &i
		case KindDouble:
			d := v.Double
			wf.Double = &d
		}
		wire = append(wire, wf)
		return true
	})
	data, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("record: encode failed: %w", err)
	}
	return data, nil
}

// Decode 实现 Codec。
func (JSONCodec) Decode(data []byte) (*Record, error) {
	var wire []wireField
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	r := New()
	for _, wf := range wire {
		switch {
		case wf.String != nil:
			r.SetString(wf.Field, *wf.String)
		case wf.Integer != nil:
			r.SetInteger(wf.Field, *wf.Integer)
		case wf.Double != nil:
			r.SetDouble(wf.Field, *wf.Double)
		default:
			return nil, fmt.Errorf("%w: field %s has no value", ErrDecode, wf.Field)
		}
	}
	return r, nil
}
