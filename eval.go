package docmap

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// matcher reports whether a document satisfies a compiled criteria.
type matcher func(doc Document) bool

func matchAll(Document) bool { return true }

// compileCriteria turns a criteria tree into a matcher. Regular expressions
// are compiled once here; an invalid pattern is the only failure.
func compileCriteria(c Criteria) (matcher, error) {
	if c == nil {
		return matchAll, nil
	}
	if err := c.Err(); err != nil {
		return nil, err
	}

	switch n := c.(type) {
	case FieldCriteria:
		preds := make([]func([]Value) bool, 0, len(n.constraints))
		for _, cons := range n.constraints {
			p, err := compileConstraint(cons)
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", n.field, err)
			}
			preds = append(preds, p)
		}

		segs := strings.Split(n.field, ".")
		return func(doc Document) bool {
			candidates := collectPath(DocumentValue(doc), segs, nil)
			for _, p := range preds {
				if !p(candidates) {
					return false
				}
			}
			return true
		}, nil

	case LogicalCriteria:
		children := make([]matcher, len(n.children))
		for i, child := range n.children {
			m, err := compileCriteria(child)
			if err != nil {
				return nil, err
			}
			children[i] = m
		}

		if n.kind == LogicOr {
			return func(doc Document) bool {
				for _, m := range children {
					if m(doc) {
						return true
					}
				}
				return false
			}, nil
		}

		return func(doc Document) bool {
			for _, m := range children {
				if !m(doc) {
					return false
				}
			}
			return true
		}, nil
	}

	return nil, invalidArgf("unsupported criteria %T", c)
}

// collectPath gathers every value a dotted path reaches. Arrays met midway
// fan out over their document elements; an array at the end of the path
// contributes itself and each of its elements.
func collectPath(v Value, segs []string, out []Value) []Value {
	if len(segs) == 0 {
		out = append(out, v)
		if elems, ok := v.Elems(); ok {
			out = append(out, elems...)
		}
		return out
	}

	switch v.Kind() {
	case KindDocument:
		doc, _ := v.Doc()
		next, ok := doc[segs[0]]
		if !ok {
			return out
		}
		return collectPath(next, segs[1:], out)
	case KindArray:
		elems, _ := v.Elems()
		if i, err := strconv.Atoi(segs[0]); err == nil {
			if i >= 0 && i < len(elems) {
				return collectPath(elems[i], segs[1:], out)
			}
			return out
		}
		for _, e := range elems {
			if e.Kind() == KindDocument {
				out = collectPath(e, segs, out)
			}
		}
	}

	return out
}

func compileConstraint(cons Constraint) (func([]Value) bool, error) {
	switch cons.Op {
	case OpEq:
		return func(vs []Value) bool { return containsEqual(vs, cons.Value) }, nil
	case OpNe:
		return func(vs []Value) bool { return !containsEqual(vs, cons.Value) }, nil
	case OpGt, OpGte, OpLt, OpLte:
		return compileRange(cons.Op, cons.Value), nil
	case OpIn:
		return func(vs []Value) bool { return containsAny(vs, cons.Values) }, nil
	case OpNin:
		return func(vs []Value) bool { return !containsAny(vs, cons.Values) }, nil
	case OpExists:
		want, _ := cons.Value.Boolean()
		return func(vs []Value) bool { return (len(vs) > 0) == want }, nil
	case OpRegex:
		pattern, _ := cons.Value.Str()
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, invalidArgf("invalid regex %q: %v", pattern, err)
		}
		return func(vs []Value) bool {
			for _, v := range vs {
				if s, ok := v.Str(); ok && re.MatchString(s) {
					return true
				}
			}
			return false
		}, nil
	}

	return nil, invalidArgf("unsupported operator %s", cons.Op)
}

// containsEqual treats a missing field as null.
func containsEqual(vs []Value, want Value) bool {
	if len(vs) == 0 {
		return want.IsNull()
	}
	for _, v := range vs {
		if v.Equal(want) {
			return true
		}
	}
	return false
}

func containsAny(vs []Value, set []Value) bool {
	for _, want := range set {
		if containsEqual(vs, want) {
			return true
		}
	}
	return false
}

// compileRange compares only values of the operand's kind.
func compileRange(op Operator, operand Value) func([]Value) bool {
	if operand.IsNull() && (op == OpGte || op == OpLte) {
		return func(vs []Value) bool { return containsEqual(vs, operand) }
	}

	return func(vs []Value) bool {
		for _, v := range vs {
			if v.Kind() != operand.Kind() {
				continue
			}
			c := CompareValues(v, operand)
			switch op {
			case OpGt:
				if c > 0 {
					return true
				}
			case OpGte:
				if c >= 0 {
					return true
				}
			case OpLt:
				if c < 0 {
					return true
				}
			case OpLte:
				if c <= 0 {
					return true
				}
			}
		}
		return false
	}
}

// sortDocuments orders docs lexicographically by orders, keeping the input
// order for ties. Missing fields sort as null.
func sortDocuments(docs []Document, orders []Order) {
	if len(orders) == 0 {
		return
	}

	sort.SliceStable(docs, func(i, j int) bool {
		for _, o := range orders {
			a, _ := docs[i].Get(o.Field)
			b, _ := docs[j].Get(o.Field)
			c := CompareValues(a, b)
			if c == 0 {
				continue
			}
			if o.Direction == Descending {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}

func paginate(docs []Document, skip, limit int64) []Document {
	if skip > 0 {
		if skip >= int64(len(docs)) {
			return nil
		}
		docs = docs[skip:]
	}
	if limit > 0 && limit < int64(len(docs)) {
		docs = docs[:limit]
	}
	return docs
}

// projectDocument keeps the identifier plus the given paths.
func projectDocument(doc Document, fields []string) Document {
	if len(fields) == 0 {
		return doc
	}

	out := Document{}
	if id, ok := doc[idKey]; ok {
		out[idKey] = id
	}
	for _, f := range fields {
		if v, ok := doc.Get(f); ok {
			_ = setPath(out, f, v.clone())
		}
	}
	return out
}

// findDocuments runs a FindRequest over an in-memory candidate list.
func findDocuments(docs []Document, req FindRequest) ([]Document, error) {
	match, err := compileCriteria(req.Criteria)
	if err != nil {
		return nil, err
	}

	var out []Document
	for _, doc := range docs {
		if match(doc) {
			out = append(out, doc)
		}
	}

	sortDocuments(out, req.Sort)
	out = paginate(out, req.Skip, req.Limit)

	result := make([]Document, len(out))
	for i, doc := range out {
		result[i] = projectDocument(doc.Clone(), req.Projection)
	}
	return result, nil
}

// distinctValues collects the distinct values of field in first-seen order,
// unwinding arrays.
func distinctValues(docs []Document, field string) []Value {
	var out []Value
	add := func(v Value) {
		for _, seen := range out {
			if seen.Equal(v) {
				return
			}
		}
		out = append(out, v.clone())
	}

	for _, doc := range docs {
		v, ok := doc.Get(field)
		if !ok {
			continue
		}
		if elems, isArr := v.Elems(); isArr {
			for _, e := range elems {
				add(e)
			}
			continue
		}
		add(v)
	}
	return out
}

func splitPath(path string) ([]string, error) {
	segs := strings.Split(path, ".")
	for _, s := range segs {
		if s == "" {
			return nil, invalidArgf("malformed field path %q", path)
		}
	}
	return segs, nil
}

// setPath writes v at a dotted path, creating intermediate documents.
func setPath(doc Document, path string, v Value) error {
	segs, err := splitPath(path)
	if err != nil {
		return err
	}

	cur := doc
	for i, seg := range segs[:len(segs)-1] {
		next, ok := cur[seg]
		if !ok || next.IsNull() {
			child := Document{}
			cur[seg] = DocumentValue(child)
			cur = child
			continue
		}

		if elems, isArr := next.Elems(); isArr {
			idx, err := strconv.Atoi(segs[i+1])
			if err != nil || idx < 0 || idx >= len(elems) {
				return invalidArgf("cannot set %q: %q is an array", path, seg)
			}
			if i+2 == len(segs) {
				elems[idx] = v
				return nil
			}
			child, isDoc := elems[idx].Doc()
			if !isDoc {
				return invalidArgf("cannot set %q: element %d of %q is not a document", path, idx, seg)
			}
			return setPath(child, strings.Join(segs[i+2:], "."), v)
		}

		child, isDoc := next.Doc()
		if !isDoc {
			return invalidArgf("cannot set %q: %q is a %s", path, seg, next.Kind())
		}
		cur = child
	}

	cur[segs[len(segs)-1]] = v
	return nil
}

func unsetPath(doc Document, path string) {
	segs := strings.Split(path, ".")
	cur := doc
	for _, seg := range segs[:len(segs)-1] {
		child, ok := cur[seg].Doc()
		if !ok {
			return
		}
		cur = child
	}
	delete(cur, segs[len(segs)-1])
}

// applyUpdate returns a mutated copy of doc and whether anything changed.
func applyUpdate(doc Document, ops []UpdateOperation) (Document, bool, error) {
	out := doc.Clone()
	if out == nil {
		out = Document{}
	}

	for _, op := range ops {
		if op.Field == idKey {
			return nil, false, invalidArgf("%s: the identifier cannot be modified", op.Op)
		}

		current, exists := out.Get(op.Field)
		switch op.Op {
		case OpSet:
			if err := setPath(out, op.Field, op.Value.clone()); err != nil {
				return nil, false, err
			}

		case OpUnset:
			unsetPath(out, op.Field)

		case OpInc:
			delta, _ := op.Value.Num()
			next := delta
			if exists && !current.IsNull() {
				n, ok := current.Num()
				if !ok {
					return nil, false, invalidArgf("%s: field %q holds a %s", op.Op, op.Field, current.Kind())
				}
				next = n + delta
			}
			if err := setPath(out, op.Field, Number(next)); err != nil {
				return nil, false, err
			}

		case OpPush, OpAddToSet:
			var elems []Value
			if exists && !current.IsNull() {
				arr, ok := current.Elems()
				if !ok {
					return nil, false, invalidArgf("%s: field %q holds a %s", op.Op, op.Field, current.Kind())
				}
				elems = append(elems, arr...)
			}

			if op.Op == OpAddToSet && len(elems) > 0 && containsEqual(elems, op.Value) {
				continue
			}
			elems = append(elems, op.Value.clone())
			if err := setPath(out, op.Field, Array(elems...)); err != nil {
				return nil, false, err
			}

		default:
			return nil, false, invalidArgf("unsupported update operator %s", op.Op)
		}
	}

	return out, !out.Equal(doc), nil
}

// runPipeline evaluates aggregation stages in order.
func runPipeline(docs []Document, stages []Stage) ([]Document, error) {
	cur := make([]Document, len(docs))
	for i, d := range docs {
		cur[i] = d.Clone()
	}

	for _, stage := range stages {
		switch st := stage.(type) {
		case MatchStage:
			match, err := compileCriteria(st.Criteria)
			if err != nil {
				return nil, err
			}
			kept := cur[:0]
			for _, d := range cur {
				if match(d) {
					kept = append(kept, d)
				}
			}
			cur = kept
		case GroupStage:
			cur = groupDocuments(cur, st)
		case ProjectStage:
			for i, d := range cur {
				cur[i] = projectDocument(d, st.Fields)
			}
		case SkipStage:
			cur = paginate(cur, st.N, 0)
		case LimitStage:
			cur = paginate(cur, 0, st.N)
		case SortStage:
			sortDocuments(cur, st.Orders)
		default:
			return nil, invalidArgf("unsupported aggregation stage %T", stage)
		}
	}

	return cur, nil
}

type group struct {
	keys []Value
	docs []Document
}

// groupDocuments partitions docs by key values in order of first appearance.
func groupDocuments(docs []Document, st GroupStage) []Document {
	var groups []*group

	for _, d := range docs {
		keys := make([]Value, len(st.Keys))
		for i, k := range st.Keys {
			keys[i], _ = d.Get(k.Path)
		}

		var g *group
		for _, candidate := range groups {
			if Array(candidate.keys...).Equal(Array(keys...)) {
				g = candidate
				break
			}
		}
		if g == nil {
			g = &group{keys: keys}
			groups = append(groups, g)
		}
		g.docs = append(g.docs, d)
	}

	out := make([]Document, 0, len(groups))
	for _, g := range groups {
		row := Document{}
		for i, k := range st.Keys {
			row[k.Name] = g.keys[i]
		}
		for _, acc := range st.Accumulators {
			row[acc.Out] = accumulate(acc, g.docs)
		}
		out = append(out, row)
	}
	return out
}

func accumulate(acc Accumulator, docs []Document) Value {
	if acc.Op == AccCount {
		return Number(float64(len(docs)))
	}

	var (
		sum    float64
		n      int
		best   Value
		hasAny bool
	)
	for _, d := range docs {
		v, ok := d.Get(acc.Field)
		if !ok || v.IsNull() {
			continue
		}

		switch acc.Op {
		case AccSum, AccAvg:
			if num, isNum := v.Num(); isNum {
				sum += num
				n++
			}
		case AccMin:
			if !hasAny || CompareValues(v, best) < 0 {
				best, hasAny = v, true
			}
		case AccMax:
			if !hasAny || CompareValues(v, best) > 0 {
				best, hasAny = v, true
			}
		}
	}

	switch acc.Op {
	case AccSum:
		return Number(sum)
	case AccAvg:
		if n == 0 {
			return Null()
		}
		return Number(sum / float64(n))
	}
	return best.clone()
}
