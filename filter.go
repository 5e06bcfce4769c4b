package docmap

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ParseFilter builds criteria from a MongoDB style extended JSON filter, e.g.
//
//	{"payment": {"$gt": 100}, "$or": [{"title": "A"}, {"title": {"$regex": "^b", "$options": "i"}}]}
//
// A regular expression given as a field value matches like $regex. Several
// top-level conditions are ANDed. An empty filter returns nil, which matches
// every document.
func ParseFilter(filter string) (Criteria, error) {
	filter = strings.TrimSpace(filter)
	if filter == "" {
		return nil, nil
	}

	var doc bson.D
	if err := bson.UnmarshalExtJSON([]byte(filter), false, &doc); err != nil {
		return nil, invalidArgf("malformed filter: %v", err)
	}

	c, err := parseFilterDoc(doc)
	if err != nil {
		return nil, err
	}
	if c != nil {
		if err := c.Err(); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func parseFilterDoc(doc bson.D) (Criteria, error) {
	var clauses []Criteria
	for _, e := range doc {
		c, err := parseFilterElem(e)
		if err != nil {
			return nil, err
		}
		clauses = append(clauses, c)
	}

	switch len(clauses) {
	case 0:
		return nil, nil
	case 1:
		return clauses[0], nil
	}
	return And(clauses...), nil
}

func parseFilterElem(e bson.E) (Criteria, error) {
	switch Logic(e.Key) {
	case LogicAnd, LogicOr:
		arr, ok := e.Value.(bson.A)
		if !ok {
			return nil, invalidArgf("%s expects an array, got %T", e.Key, e.Value)
		}

		children := make([]Criteria, 0, len(arr))
		for i, item := range arr {
			sub, ok := item.(bson.D)
			if !ok {
				return nil, invalidArgf("%s[%d] expects a document, got %T", e.Key, i, item)
			}
			c, err := parseFilterDoc(sub)
			if err != nil {
				return nil, err
			}
			if c == nil {
				return nil, invalidArgf("%s[%d] is empty", e.Key, i)
			}
			children = append(children, c)
		}

		if Logic(e.Key) == LogicOr {
			return Or(children...), nil
		}
		return And(children...), nil
	}

	if strings.HasPrefix(e.Key, "$") {
		return nil, invalidArgf("unsupported top-level operator %s", e.Key)
	}

	if ops, ok := e.Value.(bson.D); ok && isOperatorDoc(ops) {
		return parseOperators(e.Key, ops)
	}

	if re, ok := e.Value.(primitive.Regex); ok {
		pattern, err := regexPattern(re, "")
		if err != nil {
			return nil, invalidArgf("field %q: %v", e.Key, err)
		}
		return Where(e.Key).Regex(pattern), nil
	}

	v, err := fromBSON(e.Value)
	if err != nil {
		return nil, invalidArgf("field %q: %v", e.Key, err)
	}
	return Where(e.Key).Is(v), nil
}

func isOperatorDoc(doc bson.D) bool {
	if len(doc) == 0 {
		return false
	}
	for _, e := range doc {
		if !strings.HasPrefix(e.Key, "$") {
			return false
		}
	}
	return true
}

func parseOperators(field string, ops bson.D) (Criteria, error) {
	var flags string
	for _, e := range ops {
		if e.Key == "$options" {
			flags, _ = e.Value.(string)
		}
	}

	c := Where(field)
	for _, e := range ops {
		switch Operator(e.Key) {
		case OpIn, OpNin:
			arr, ok := e.Value.(bson.A)
			if !ok {
				return nil, invalidArgf("field %q: %s expects an array, got %T", field, e.Key, e.Value)
			}
			set := make([]any, len(arr))
			for i, item := range arr {
				v, err := fromBSON(item)
				if err != nil {
					return nil, invalidArgf("field %q: %v", field, err)
				}
				set[i] = v
			}
			if Operator(e.Key) == OpIn {
				c = c.In(set...)
			} else {
				c = c.Nin(set...)
			}

		case OpExists:
			v, err := fromBSON(e.Value)
			if err != nil {
				return nil, invalidArgf("field %q: %v", field, err)
			}
			c = c.Exists(truthy(v))

		case OpRegex:
			pattern, err := regexPattern(e.Value, flags)
			if err != nil {
				return nil, invalidArgf("field %q: %v", field, err)
			}
			c = c.Regex(pattern)

		case OpEq, OpNe, OpGt, OpGte, OpLt, OpLte:
			v, err := fromBSON(e.Value)
			if err != nil {
				return nil, invalidArgf("field %q: %v", field, err)
			}
			c = c.compare(Operator(e.Key), v)

		default:
			if e.Key == "$options" {
				continue
			}
			return nil, invalidArgf("field %q: unsupported operator %s", field, e.Key)
		}
	}
	return c, nil
}

func truthy(v Value) bool {
	switch v.Kind() {
	case KindBool:
		b, _ := v.Boolean()
		return b
	case KindNumber:
		n, _ := v.Num()
		return n != 0
	case KindNull:
		return false
	}
	return true
}

func regexPattern(x any, flags string) (string, error) {
	var pattern string
	switch r := x.(type) {
	case string:
		pattern = r
	case primitive.Regex:
		pattern = r.Pattern
		if flags == "" {
			flags = r.Options
		}
	default:
		return "", fmt.Errorf("$regex expects a string, got %T", x)
	}

	var goFlags strings.Builder
	for _, f := range flags {
		if strings.ContainsRune("ims", f) && !strings.ContainsRune(goFlags.String(), f) {
			goFlags.WriteRune(f)
		}
	}
	if goFlags.Len() > 0 {
		pattern = "(?" + goFlags.String() + ")" + pattern
	}
	return pattern, nil
}

// FilterMap turns an equality filter map into criteria: scalar values match
// by equality, slices by membership. Empty slices are ignored and keys are
// visited in sorted order. A nil or empty map returns nil.
func FilterMap(filter map[string]any) Criteria {
	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var clauses []Criteria
	for _, k := range keys {
		v := filter[k]
		rv := reflect.ValueOf(v)
		if v == nil || rv.Kind() != reflect.Slice || rv.Type().Elem().Kind() == reflect.Uint8 {
			clauses = append(clauses, Where(k).Is(v))
			continue
		}

		switch rv.Len() {
		case 0:
		case 1:
			clauses = append(clauses, Where(k).Is(rv.Index(0).Interface()))
		default:
			set := make([]any, rv.Len())
			for i := range set {
				set[i] = rv.Index(i).Interface()
			}
			clauses = append(clauses, Where(k).In(set...))
		}
	}

	switch len(clauses) {
	case 0:
		return nil
	case 1:
		return clauses[0]
	}
	return And(clauses...)
}
