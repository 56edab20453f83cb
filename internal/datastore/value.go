package datastore

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind tags the variant held by a Value.
type Kind int

const (
	KindNull Kind = iota
	KindInteger
	KindReal
	KindText
	KindBlob
)

func (k Kind) String() string {
	switch k {
	case KindInteger:
		return "Integer"
	case KindReal:
		return "Real"
	case KindText:
		return "Text"
	case KindBlob:
		return "Blob"
	default:
		return "Null"
	}
}

// Value is a single SQL parameter or result cell.
//
// On the wire it is externally tagged: "Null", {"Integer":1}, {"Real":1.5},
// {"Text":"a"}, {"Blob":[1,2]}.
type Value struct {
	Kind    Kind
	Integer int64
	Real    float64
	Text    string
	Blob    []byte
}

func Null() Value              { return Value{Kind: KindNull} }
func Integer(v int64) Value    { return Value{Kind: KindInteger, Integer: v} }
func Real(v float64) Value     { return Value{Kind: KindReal, Real: v} }
func Text(v string) Value      { return Value{Kind: KindText, Text: v} }
func Blob(v []byte) Value      { return Value{Kind: KindBlob, Blob: append([]byte(nil), v...)} }
func (v Value) IsNull() bool   { return v.Kind == KindNull }
func (v Value) String() string { return fmt.Sprintf("%s(%v)", v.Kind, v.driverValue()) }

// driverValue converts to the representation database/sql binds.
func (v Value) driverValue() any {
	switch v.Kind {
	case KindInteger:
		return v.Integer
	case KindReal:
		return v.Real
	case KindText:
		return v.Text
	case KindBlob:
		return v.Blob
	default:
		return nil
	}
}

// fromDriver converts a scanned column into a Value.
func fromDriver(src any) (Value, error) {
	switch x := src.(type) {
	case nil:
		return Null(), nil
	case int64:
		return Integer(x), nil
	case int:
		return Integer(int64(x)), nil
	case float64:
		return Real(x), nil
	case bool:
		if x {
			return Integer(1), nil
		}
		return Integer(0), nil
	case string:
		return Text(x), nil
	case []byte:
		return Blob(x), nil
	case time.Time:
		return Text(x.UTC().Format(time.RFC3339Nano)), nil
	default:
		return Value{}, fmt.Errorf("unsupported column type %T", src)
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	if v.Kind == KindNull {
		return []byte(`"Null"`), nil
	}
	var inner any
	switch v.Kind {
	case KindInteger:
		inner = v.Integer
	case KindReal:
		inner = v.Real
	case KindText:
		inner = v.Text
	case KindBlob:
		// Serialized as a number array, not base64.
		nums := make([]int, len(v.Blob))
		for i, b := range v.Blob {
			nums[i] = int(b)
		}
		inner = nums
	default:
		return nil, fmt.Errorf("unknown value kind %d", v.Kind)
	}
	return json.Marshal(map[string]any{v.Kind.String(): inner})
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var tag string
	if err := json.Unmarshal(data, &tag); err == nil {
		if tag != "Null" {
			return fmt.Errorf("unknown value tag %q", tag)
		}
		*v = Null()
		return nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("decode value: %w", err)
	}
	if len(obj) != 1 {
		return fmt.Errorf("decode value: want exactly one tag, got %d", len(obj))
	}
	for tag, raw := range obj {
		switch tag {
		case "Null":
			*v = Null()
		case "Integer":
			var n int64
			if err := json.Unmarshal(raw, &n); err != nil {
				return fmt.Errorf("decode Integer: %w", err)
			}
			*v = Integer(n)
		case "Real":
			var f float64
			if err := json.Unmarshal(raw, &f); err != nil {
				return fmt.Errorf("decode Real: %w", err)
			}
			*v = Real(f)
		case "Text":
			var s string
			if err := json.Unmarshal(raw, &s); err != nil {
				return fmt.Errorf("decode Text: %w", err)
			}
			*v = Text(s)
		case "Blob":
			var nums []int
			if err := json.Unmarshal(raw, &nums); err != nil {
				return fmt.Errorf("decode Blob: %w", err)
			}
			b := make([]byte, len(nums))
			for i, n := range nums {
				if n < 0 || n > 255 {
					return fmt.Errorf("decode Blob: byte %d out of range", n)
				}
				b[i] = byte(n)
			}
			*v = Value{Kind: KindBlob, Blob: b}
		default:
			return fmt.Errorf("unknown value tag %q", tag)
		}
	}
	return nil
}
