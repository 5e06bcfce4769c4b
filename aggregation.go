package docmap

import (
	"fmt"
	"strings"
)

// Stage is one step of an aggregation Pipeline: MatchStage, GroupStage,
// ProjectStage, SkipStage, LimitStage or SortStage.
type Stage interface {
	Err() error
	isStage()
}

type MatchStage struct {
	Criteria Criteria
}

// Match filters the documents flowing through the pipeline.
func Match(c Criteria) MatchStage { return MatchStage{Criteria: c} }

func (s MatchStage) Err() error {
	if s.Criteria == nil {
		return invalidArgf("match stage without criteria")
	}
	return s.Criteria.Err()
}

func (MatchStage) isStage() {}

// GroupKey reads Path from every input document and writes it under Name in
// the output row.
type GroupKey struct {
	Path string
	Name string
}

type AccumulatorOp string

const (
	AccCount AccumulatorOp = "$count"
	AccSum   AccumulatorOp = "$sum"
	AccAvg   AccumulatorOp = "$avg"
	AccMin   AccumulatorOp = "$min"
	AccMax   AccumulatorOp = "$max"
)

// Accumulator folds Field over every document of a group into Out. Field is
// empty for AccCount.
type Accumulator struct {
	Op    AccumulatorOp
	Field string
	Out   string
}

// GroupStage partitions documents by the values of its keys. Every output row
// carries the key values under the last segment of each group-by field name
// plus one entry per accumulator. Rows have no identifier.
type GroupStage struct {
	Keys         []GroupKey
	Accumulators []Accumulator
	err          error
}

// Group starts a group stage. With no field, all documents form one group.
func Group(by ...string) GroupStage {
	g := GroupStage{}
	for _, field := range by {
		if field == "" {
			g.err = invalidArgf("group field name is empty")
			break
		}
		name := field
		if i := strings.LastIndexByte(field, '.'); i >= 0 {
			name = field[i+1:]
		}
		g = g.claim(name)
		g.Keys = append(g.Keys, GroupKey{Path: field, Name: name})
	}
	return g
}

func (g GroupStage) claim(name string) GroupStage {
	if g.err != nil {
		return g
	}
	for _, k := range g.Keys {
		if k.Name == name {
			g.err = invalidArgf("group output %q is defined twice", name)
			return g
		}
	}
	for _, a := range g.Accumulators {
		if a.Out == name {
			g.err = invalidArgf("group output %q is defined twice", name)
			return g
		}
	}
	return g
}

func (g GroupStage) accumulate(op AccumulatorOp, field, out string) GroupStage {
	next := GroupStage{
		Keys:         append([]GroupKey(nil), g.Keys...),
		Accumulators: append([]Accumulator(nil), g.Accumulators...),
		err:          g.err,
	}
	if out == "" || (op != AccCount && field == "") {
		if next.err == nil {
			next.err = invalidArgf("%s accumulator requires a field and an output name", op)
		}
		return next
	}
	next = next.claim(out)
	next.Accumulators = append(next.Accumulators, Accumulator{Op: op, Field: field, Out: out})
	return next
}

// Count stores the number of documents of each group under out.
func (g GroupStage) Count(out string) GroupStage { return g.accumulate(AccCount, "", out) }

func (g GroupStage) Sum(field, out string) GroupStage { return g.accumulate(AccSum, field, out) }
func (g GroupStage) Avg(field, out string) GroupStage { return g.accumulate(AccAvg, field, out) }
func (g GroupStage) Min(field, out string) GroupStage { return g.accumulate(AccMin, field, out) }
func (g GroupStage) Max(field, out string) GroupStage { return g.accumulate(AccMax, field, out) }

func (g GroupStage) Err() error { return g.err }

func (GroupStage) isStage() {}

type ProjectStage struct {
	Fields []string
}

// Project keeps only the given fields of every document.
func Project(fields ...string) ProjectStage {
	return ProjectStage{Fields: append([]string(nil), fields...)}
}

func (s ProjectStage) Err() error {
	if len(s.Fields) == 0 {
		return invalidArgf("project stage without fields")
	}
	for _, f := range s.Fields {
		if f == "" {
			return invalidArgf("project field name is empty")
		}
	}
	return nil
}

func (ProjectStage) isStage() {}

type SkipStage struct {
	N int64
}

func Skip(n int64) SkipStage { return SkipStage{N: n} }

func (s SkipStage) Err() error {
	if s.N < 0 {
		return invalidArgf("skip must not be negative, got %d", s.N)
	}
	return nil
}

func (SkipStage) isStage() {}

type LimitStage struct {
	N int64
}

func Limit(n int64) LimitStage { return LimitStage{N: n} }

func (s LimitStage) Err() error {
	if s.N <= 0 {
		return invalidArgf("limit must be positive, got %d", s.N)
	}
	return nil
}

func (LimitStage) isStage() {}

type SortStage struct {
	Orders []Order
}

func SortBy(orders ...Order) SortStage {
	return SortStage{Orders: append([]Order(nil), orders...)}
}

func (s SortStage) Err() error {
	if len(s.Orders) == 0 {
		return invalidArgf("sort stage without keys")
	}
	for _, o := range s.Orders {
		if o.Field == "" {
			return invalidArgf("sort field name is empty")
		}
		if o.Direction != Ascending && o.Direction != Descending {
			return invalidArgf("sort direction %d for %q", o.Direction, o.Field)
		}
	}
	return nil
}

func (SortStage) isStage() {}

// Pipeline is an ordered, immutable list of stages. Stages run in exactly the
// order they were added.
type Pipeline struct {
	stages []Stage
}

func NewAggregation(stages ...Stage) Pipeline {
	return Pipeline{stages: append([]Stage(nil), stages...)}
}

func (p Pipeline) Then(stage Stage) Pipeline {
	next := make([]Stage, len(p.stages), len(p.stages)+1)
	copy(next, p.stages)
	return Pipeline{stages: append(next, stage)}
}

func (p Pipeline) Stages() []Stage { return append([]Stage(nil), p.stages...) }

// Err returns the first error recorded by any stage.
func (p Pipeline) Err() error {
	if len(p.stages) == 0 {
		return invalidArgf("aggregation without stages")
	}
	for i, s := range p.stages {
		if s == nil {
			return invalidArgf("aggregation stage %d is nil", i)
		}
		if err := s.Err(); err != nil {
			return fmt.Errorf("stage %d: %w", i, err)
		}
	}
	return nil
}

func (p Pipeline) String() string {
	parts := make([]string, 0, len(p.stages))
	for _, doc := range renderPipeline(p.stages) {
		parts = append(parts, bsonString(doc))
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// mapPipelineFields renames entity field references with fn in every stage up
// to and including the first group stage. Later stages address group output
// names and are left untouched.
func mapPipelineFields(stages []Stage, fn func(string) string) []Stage {
	out := make([]Stage, len(stages))
	grouped := false
	for i, s := range stages {
		if grouped {
			out[i] = s
			continue
		}

		switch st := s.(type) {
		case MatchStage:
			if st.Criteria != nil {
				st.Criteria = mapCriteriaFields(st.Criteria, fn)
			}
			out[i] = st
		case GroupStage:
			keys := make([]GroupKey, len(st.Keys))
			for j, k := range st.Keys {
				keys[j] = GroupKey{Path: fn(k.Path), Name: k.Name}
			}
			accs := make([]Accumulator, len(st.Accumulators))
			for j, a := range st.Accumulators {
				accs[j] = a
				if a.Field != "" {
					accs[j].Field = fn(a.Field)
				}
			}
			st.Keys, st.Accumulators = keys, accs
			out[i] = st
			grouped = true
		case ProjectStage:
			out[i] = ProjectStage{Fields: sliceMap(st.Fields, fn)}
		case SortStage:
			out[i] = SortStage{Orders: mapOrders(st.Orders, fn)}
		default:
			out[i] = s
		}
	}
	return out
}

func mapOrders(orders []Order, fn func(string) string) []Order {
	return sliceMap(orders, func(o Order) Order {
		return Order{Field: fn(o.Field), Direction: o.Direction}
	})
}
