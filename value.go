package docmap

import (
	"fmt"
	"math"
	"reflect"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
)

// Kind is the dynamic type tag of a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindNumber
	KindString
	KindDocument
	KindArray
	KindBool
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindDocument:
		return "document"
	case KindArray:
		return "array"
	case KindBool:
		return "bool"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Value is a schema-less document value: null, number, string, bool, array or
// nested document. The zero Value is null.
type Value struct {
	kind Kind
	str  string
	num  float64
	b    bool
	arr  []Value
	doc  Document
}

// Document is a raw document as exchanged with a Store.
type Document map[string]Value

func Null() Value            { return Value{} }
func String(s string) Value  { return Value{kind: KindString, str: s} }
func Number(n float64) Value { return Value{kind: KindNumber, num: n} }
func Bool(b bool) Value      { return Value{kind: KindBool, b: b} }

// Array holds a copy of values.
func Array(values ...Value) Value {
	return Value{kind: KindArray, arr: slices.Clone(values)}
}

func DocumentValue(d Document) Value {
	if d == nil {
		d = Document{}
	}
	return Value{kind: KindDocument, doc: d}
}

func (v Value) Kind() Kind   { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) Str() (string, bool)    { return v.str, v.kind == KindString }
func (v Value) Num() (float64, bool)   { return v.num, v.kind == KindNumber }
func (v Value) Boolean() (bool, bool)  { return v.b, v.kind == KindBool }
func (v Value) Elems() ([]Value, bool) { return v.arr, v.kind == KindArray }
func (v Value) Doc() (Document, bool)  { return v.doc, v.kind == KindDocument }

// Interface converts the value to plain Go: string, float64, bool, []any,
// map[string]any or nil.
func (v Value) Interface() any {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return v.num
	case KindBool:
		return v.b
	case KindArray:
		out := make([]any, len(v.arr))
		for i, e := range v.arr {
			out[i] = e.Interface()
		}
		return out
	case KindDocument:
		return v.doc.Interface()
	default:
		return nil
	}
}

func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}

	switch v.kind {
	case KindNull:
		return true
	case KindString:
		return v.str == o.str
	case KindNumber:
		return v.num == o.num
	case KindBool:
		return v.b == o.b
	case KindArray:
		if len(v.arr) != len(o.arr) {
			return false
		}
		for i := range v.arr {
			if !v.arr[i].Equal(o.arr[i]) {
				return false
			}
		}
		return true
	case KindDocument:
		return v.doc.Equal(o.doc)
	}

	return false
}

// CompareValues orders values across kinds (null < number < string <
// document < array < bool) and by value within a kind.
func CompareValues(a, b Value) int {
	if a.kind != b.kind {
		if a.kind < b.kind {
			return -1
		}
		return 1
	}

	switch a.kind {
	case KindNumber:
		switch {
		case a.num < b.num:
			return -1
		case a.num > b.num:
			return 1
		}
		return 0
	case KindString:
		return strings.Compare(a.str, b.str)
	case KindBool:
		switch {
		case a.b == b.b:
			return 0
		case !a.b:
			return -1
		}
		return 1
	case KindArray:
		for i := 0; i < len(a.arr) && i < len(b.arr); i++ {
			if c := CompareValues(a.arr[i], b.arr[i]); c != 0 {
				return c
			}
		}
		return compareInt(len(a.arr), len(b.arr))
	case KindDocument:
		ak, bk := a.doc.Keys(), b.doc.Keys()
		for i := 0; i < len(ak) && i < len(bk); i++ {
			if c := strings.Compare(ak[i], bk[i]); c != 0 {
				return c
			}
			if c := CompareValues(a.doc[ak[i]], b.doc[bk[i]]); c != 0 {
				return c
			}
		}
		return compareInt(len(ak), len(bk))
	}

	return 0
}

func compareInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func (v Value) String() string {
	data, err := json.Marshal(v.Interface())
	if err != nil {
		return fmt.Sprintf("%v", v.Interface())
	}
	return string(data)
}

func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Interface())
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	val, err := ValueOf(raw)
	if err != nil {
		return err
	}

	*v = val
	return nil
}

func (v Value) clone() Value {
	switch v.kind {
	case KindArray:
		arr := make([]Value, len(v.arr))
		for i, e := range v.arr {
			arr[i] = e.clone()
		}
		return Value{kind: KindArray, arr: arr}
	case KindDocument:
		return Value{kind: KindDocument, doc: v.doc.Clone()}
	}
	return v
}

// ValueOf converts a Go value into a Value. Structs are encoded through
// DefaultRegistry.
func ValueOf(x any) (Value, error) {
	switch v := x.(type) {
	case nil:
		return Null(), nil
	case Value:
		return v, nil
	case Document:
		return DocumentValue(v), nil
	case string:
		return String(v), nil
	case bool:
		return Bool(v), nil
	case float64:
		return Number(v), nil
	case int:
		return Number(float64(v)), nil
	case int64:
		return Number(float64(v)), nil
	case []any:
		arr := make([]Value, len(v))
		for i, e := range v {
			ev, err := ValueOf(e)
			if err != nil {
				return Value{}, err
			}
			arr[i] = ev
		}
		return Array(arr...), nil
	case map[string]any:
		doc := make(Document, len(v))
		for k, e := range v {
			ev, err := ValueOf(e)
			if err != nil {
				return Value{}, err
			}
			doc[k] = ev
		}
		return DocumentValue(doc), nil
	}

	return DefaultRegistry.encodeValue(reflect.ValueOf(x))
}

func valuesOf(xs []any) ([]Value, error) {
	out := make([]Value, len(xs))
	for i, x := range xs {
		v, err := ValueOf(x)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Keys returns the document keys in sorted order.
func (d Document) Keys() []string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ID returns the identifier stored under "_id" when it is a string.
func (d Document) ID() string {
	s, _ := d[idKey].Str()
	return s
}

// Get resolves a dotted path. Numeric segments index into arrays.
func (d Document) Get(path string) (Value, bool) {
	cur := DocumentValue(d)
	for _, seg := range strings.Split(path, ".") {
		switch cur.kind {
		case KindDocument:
			next, ok := cur.doc[seg]
			if !ok {
				return Value{}, false
			}
			cur = next
		case KindArray:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(cur.arr) {
				return Value{}, false
			}
			cur = cur.arr[i]
		default:
			return Value{}, false
		}
	}
	return cur, true
}

func (d Document) Equal(o Document) bool {
	if len(d) != len(o) {
		return false
	}
	for k, v := range d {
		ov, ok := o[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}

func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = v.clone()
	}
	return out
}

func (d Document) Interface() map[string]any {
	out := make(map[string]any, len(d))
	for k, v := range d {
		out[k] = v.Interface()
	}
	return out
}

func (d Document) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Interface())
}

func (d *Document) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	v, err := ValueOf(raw)
	if err != nil {
		return err
	}

	*d = v.doc
	return nil
}

func isIntegral(f float64) bool {
	return !math.IsInf(f, 0) && !math.IsNaN(f) && f == math.Trunc(f)
}
