// Package plist decodes binary and XML property lists into a generic tree of
// typed values.
package plist

import (
	"fmt"
	"sort"
	"time"

	hplist "howett.net/plist"

	"wxannual/internal/wx"
)

// Kind is the type of a property-list value.
type Kind int

const (
	KindString Kind = iota
	KindInteger
	KindFloat
	KindBoolean
	KindDate
	KindData
	KindArray
	KindDict
	KindUID
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInteger:
		return "integer"
	case KindFloat:
		return "float"
	case KindBoolean:
		return "boolean"
	case KindDate:
		return "date"
	case KindData:
		return "data"
	case KindArray:
		return "array"
	case KindDict:
		return "dict"
	case KindUID:
		return "uid"
	default:
		return "unknown"
	}
}

// Format identifies the serialization a property list was read from.
type Format int

const (
	FormatXML    = Format(hplist.XMLFormat)
	FormatBinary = Format(hplist.BinaryFormat)
	FormatText   = Format(hplist.OpenStepFormat)
)

// Value is one node of a decoded property list. Only the field matching Kind
// is meaningful. Accessors are nil-safe so lookups can be chained.
type Value struct {
	Kind  Kind
	Str   string
	Int   int64
	Float float64
	Bool  bool
	Date  time.Time
	Data  []byte
	Array []*Value
	Dict  map[string]*Value
	UID   uint64
}

// Decode parses a binary, XML or text property list. It fails with
// wx.ErrPropertyListMalformed only when the framing itself is invalid;
// unknown keys are kept in the tree and never rejected.
func Decode(data []byte) (*Value, Format, error) {
	if len(data) == 0 {
		return nil, 0, wx.PropertyListMalformed(fmt.Errorf("empty input"))
	}

	var raw any
	format, err := hplist.Unmarshal(data, &raw)
	if err != nil {
		return nil, 0, wx.PropertyListMalformed(err)
	}

	v, err := convert(raw)
	if err != nil {
		return nil, 0, wx.PropertyListMalformed(err)
	}
	return v, Format(format), nil
}

// Encode serializes a plain Go value (maps, slices, primitives) as a binary
// property list. Used to build fixtures and metadata blobs.
func Encode(v any) ([]byte, error) {
	data, err := hplist.Marshal(v, hplist.BinaryFormat)
	if err != nil {
		return nil, fmt.Errorf("encoding property list: %w", err)
	}
	return data, nil
}

// EncodeXML serializes a plain Go value as an XML property list.
func EncodeXML(v any) ([]byte, error) {
	data, err := hplist.MarshalIndent(v, hplist.XMLFormat, "\t")
	if err != nil {
		return nil, fmt.Errorf("encoding property list: %w", err)
	}
	return data, nil
}

// UID is a keyed-archive object reference, re-exported for fixture building.
type UID = hplist.UID

func convert(raw any) (*Value, error) {
	switch t := raw.(type) {
	case string:
		return &Value{Kind: KindString, Str: t}, nil
	case uint64:
		return &Value{Kind: KindInteger, Int: int64(t)}, nil
	case int64:
		return &Value{Kind: KindInteger, Int: t}, nil
	case int:
		return &Value{Kind: KindInteger, Int: int64(t)}, nil
	case float64:
		return &Value{Kind: KindFloat, Float: t}, nil
	case float32:
		return &Value{Kind: KindFloat, Float: float64(t)}, nil
	case bool:
		return &Value{Kind: KindBoolean, Bool: t}, nil
	case time.Time:
		return &Value{Kind: KindDate, Date: t.UTC()}, nil
	case []byte:
		return &Value{Kind: KindData, Data: t}, nil
	case hplist.UID:
		return &Value{Kind: KindUID, UID: uint64(t)}, nil
	case []any:
		arr := make([]*Value, 0, len(t))
		for i, item := range t {
			v, err := convert(item)
			if err != nil {
				return nil, fmt.Errorf("array index %d: %w", i, err)
			}
			arr = append(arr, v)
		}
		return &Value{Kind: KindArray, Array: arr}, nil
	case map[string]any:
		dict := make(map[string]*Value, len(t))
		for k, item := range t {
			v, err := convert(item)
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", k, err)
			}
			dict[k] = v
		}
		return &Value{Kind: KindDict, Dict: dict}, nil
	default:
		return nil, fmt.Errorf("unsupported value of type %T", raw)
	}
}

// Key returns the value stored under key, or nil.
func (v *Value) Key(key string) *Value {
	if v == nil || v.Kind != KindDict {
		return nil
	}
	return v.Dict[key]
}

// Index returns the i-th array element, or nil.
func (v *Value) Index(i int) *Value {
	if v == nil || v.Kind != KindArray || i < 0 || i >= len(v.Array) {
		return nil
	}
	return v.Array[i]
}

// Keys returns the dictionary keys in sorted order.
func (v *Value) Keys() []string {
	if v == nil || v.Kind != KindDict {
		return nil
	}
	keys := make([]string, 0, len(v.Dict))
	for k := range v.Dict {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// AsString returns the string payload.
func (v *Value) AsString() (string, bool) {
	if v == nil || v.Kind != KindString {
		return "", false
	}
	return v.Str, true
}

// AsInt returns the integer payload; UIDs and whole floats convert.
func (v *Value) AsInt() (int64, bool) {
	if v == nil {
		return 0, false
	}
	switch v.Kind {
	case KindInteger:
		return v.Int, true
	case KindUID:
		return int64(v.UID), true
	case KindFloat:
		return int64(v.Float), v.Float == float64(int64(v.Float))
	default:
		return 0, false
	}
}

// AsBool returns the boolean payload. Integer 0/1 are accepted.
func (v *Value) AsBool() (bool, bool) {
	if v == nil {
		return false, false
	}
	switch v.Kind {
	case KindBoolean:
		return v.Bool, true
	case KindInteger:
		return v.Int != 0, true
	default:
		return false, false
	}
}

// AsTime returns the date payload. Integer values are read as Unix seconds.
func (v *Value) AsTime() (time.Time, bool) {
	if v == nil {
		return time.Time{}, false
	}
	switch v.Kind {
	case KindDate:
		return v.Date, true
	case KindInteger:
		return time.Unix(v.Int, 0).UTC(), true
	default:
		return time.Time{}, false
	}
}

// Walk visits every node depth-first. path is the dotted key path; array
// elements appear as [i]. Dictionary keys are visited in sorted order.
func (v *Value) Walk(fn func(path string, node *Value)) {
	walk(v, "", fn)
}

func walk(v *Value, path string, fn func(string, *Value)) {
	if v == nil {
		return
	}
	fn(path, v)
	switch v.Kind {
	case KindArray:
		for i, item := range v.Array {
			walk(item, fmt.Sprintf("%s[%d]", path, i), fn)
		}
	case KindDict:
		for _, k := range v.Keys() {
			child := k
			if path != "" {
				child = path + "." + k
			}
			walk(v.Dict[k], child, fn)
		}
	}
}

// Strings returns every string value in the tree.
func (v *Value) Strings() []string {
	var out []string
	v.Walk(func(_ string, node *Value) {
		if node.Kind == KindString {
			out = append(out, node.Str)
		}
	})
	return out
}
