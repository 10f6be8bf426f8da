package remote

import (
	"errors"
	"strings"

	"github.com/tidwall/gjson"
)

// maxDepth bounds how deep a payload is decoded and searched. Anything
// nested deeper reads as null.
const maxDepth = 32

// Kind tags the variant held by a [Value].
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
)

// Field is one key of an object, in document order.
type Field struct {
	Key   string
	Value Value
}

// Value is a decoded JSON value. Object keys keep their document order so
// heuristic searches are deterministic.
type Value struct {
	Kind   Kind
	Bool   bool
	Num    float64
	Str    string
	Items  []Value
	Fields []Field
}

var errInvalidJSON = errors.New("remote: response is not valid JSON")

// ParseValue decodes raw. Empty or blank input decodes as an empty object.
func ParseValue(raw []byte) (Value, error) {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return Value{Kind: KindObject}, nil
	}
	if !gjson.ValidBytes(raw) {
		return Value{}, errInvalidJSON
	}
	return fromResult(gjson.ParseBytes(raw), 0), nil
}

func fromResult(r gjson.Result, depth int) Value {
	switch r.Type {
	case gjson.True:
		return Value{Kind: KindBool, Bool: true}
	case gjson.False:
		return Value{Kind: KindBool}
	case gjson.Number:
		return Value{Kind: KindNumber, Num: r.Num}
	case gjson.String:
		return Value{Kind: KindString, Str: r.Str}
	case gjson.JSON:
		if depth >= maxDepth {
			return Value{}
		}
		if r.IsArray() {
			v := Value{Kind: KindArray}
			r.ForEach(func(_, item gjson.Result) bool {
				v.Items = append(v.Items, fromResult(item, depth+1))
				return true
			})
			return v
		}
		v := Value{Kind: KindObject}
		r.ForEach(func(key, item gjson.Result) bool {
			v.Fields = append(v.Fields, Field{Key: key.String(), Value: fromResult(item, depth+1)})
			return true
		})
		return v
	default:
		return Value{}
	}
}

// Get returns the value stored under key in an object. A repeated key
// resolves to its last occurrence.
func (v Value) Get(key string) (Value, bool) {
	if v.Kind != KindObject {
		return Value{}, false
	}
	for i := len(v.Fields) - 1; i >= 0; i-- {
		if v.Fields[i].Key == key {
			return v.Fields[i].Value, true
		}
	}
	return Value{}, false
}

// Path follows a dotted path. When a step lands on an array, its first
// element is used before applying the next key.
func (v Value) Path(path string) (Value, bool) {
	if path == "" {
		return Value{}, false
	}
	cur := v
	for _, seg := range strings.Split(path, ".") {
		if cur.Kind == KindArray {
			if len(cur.Items) == 0 {
				return Value{}, false
			}
			cur = cur.Items[0]
			if cur.Kind != KindObject {
				return Value{}, false
			}
		}
		next, ok := cur.Get(seg)
		if !ok {
			return Value{}, false
		}
		cur = next
	}
	return cur, true
}

var (
	scoreKeys = []string{"score", "probability", "confidence", "toxicity", "prediction"}
	labelKeys = []string{"label", "class", "prediction", "category"}
)

// FindNumber returns the first numeric value found depth-first. At each
// object the well-known score keys are tried before descending. Booleans are
// not numbers.
func (v Value) FindNumber() (float64, bool) {
	return findNumber(v, 0)
}

func findNumber(v Value, depth int) (float64, bool) {
	if depth > maxDepth {
		return 0, false
	}
	switch v.Kind {
	case KindNumber:
		return v.Num, true
	case KindObject:
		for _, k := range scoreKeys {
			if f, ok := v.Get(k); ok && f.Kind == KindNumber {
				return f.Num, true
			}
		}
		for _, f := range v.Fields {
			if n, ok := findNumber(f.Value, depth+1); ok {
				return n, true
			}
		}
	case KindArray:
		for _, item := range v.Items {
			if n, ok := findNumber(item, depth+1); ok {
				return n, true
			}
		}
	}
	return 0, false
}

// FindLabel returns the first non-empty string found depth-first, trying the
// well-known label keys at each object before descending. Any string leaf
// qualifies, numeric-looking ones included.
func (v Value) FindLabel() (string, bool) {
	return findLabel(v, 0)
}

func findLabel(v Value, depth int) (string, bool) {
	if depth > maxDepth {
		return "", false
	}
	switch v.Kind {
	case KindString:
		return v.Str, v.Str != ""
	case KindObject:
		for _, k := range labelKeys {
			if f, ok := v.Get(k); ok && f.Kind == KindString && f.Str != "" {
				return f.Str, true
			}
		}
		for _, f := range v.Fields {
			if s, ok := findLabel(f.Value, depth+1); ok {
				return s, true
			}
		}
	case KindArray:
		for _, item := range v.Items {
			if s, ok := findLabel(item, depth+1); ok {
				return s, true
			}
		}
	}
	return "", false
}
