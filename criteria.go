package docmap

import "regexp"

// Operator is a field-level comparison operator.
type Operator string

const (
	OpEq     Operator = "$eq"
	OpNe     Operator = "$ne"
	OpGt     Operator = "$gt"
	OpGte    Operator = "$gte"
	OpLt     Operator = "$lt"
	OpLte    Operator = "$lte"
	OpIn     Operator = "$in"
	OpNin    Operator = "$nin"
	OpExists Operator = "$exists"
	OpRegex  Operator = "$regex"
)

// Logic is the kind of a logical node.
type Logic string

const (
	LogicAnd Logic = "$and"
	LogicOr  Logic = "$or"
)

// Criteria is an immutable boolean filter over document fields. It is either
// a FieldCriteria or a LogicalCriteria. A nil Criteria matches every document.
//
// Constraints chained on one field with Where are always ANDed with each
// other. And and Or combine whole criteria, including ones carrying several
// field constraints. Trees are kept exactly as built: no merging of
// constraints, no logical rewriting.
type Criteria interface {
	// Err reports the first structural error recorded while building.
	Err() error
	String() string

	isCriteria()
}

// Constraint is one comparison attached to a field. Values holds the set for
// In and Nin; Value holds the operand otherwise (a bool for Exists, a string
// for Regex).
type Constraint struct {
	Op     Operator
	Value  Value
	Values []Value
}

// FieldCriteria holds every constraint chained on one field.
type FieldCriteria struct {
	field       string
	constraints []Constraint
	err         error
}

// Where starts a field-scoped criteria.
func Where(field string) FieldCriteria {
	c := FieldCriteria{field: field}
	if field == "" {
		c.err = invalidArgf("criteria field name is empty")
	}
	return c
}

func (c FieldCriteria) Field() string { return c.field }

// Constraints returns a copy of the chained constraints in call order.
func (c FieldCriteria) Constraints() []Constraint {
	out := make([]Constraint, len(c.constraints))
	for i, cons := range c.constraints {
		out[i] = cons
		if cons.Values != nil {
			out[i].Values = append([]Value(nil), cons.Values...)
		}
	}
	return out
}

func (c FieldCriteria) Err() error {
	if c.err == nil && len(c.constraints) == 0 {
		return invalidArgf("criteria on field %q has no constraint", c.field)
	}
	return c.err
}

func (c FieldCriteria) isCriteria() {}

func (c FieldCriteria) String() string { return criteriaString(c) }

func (c FieldCriteria) with(cons Constraint, err error) FieldCriteria {
	next := FieldCriteria{
		field:       c.field,
		constraints: make([]Constraint, len(c.constraints), len(c.constraints)+1),
		err:         c.err,
	}
	copy(next.constraints, c.constraints)
	next.constraints = append(next.constraints, cons)
	if next.err == nil && err != nil {
		next.err = invalidArgf("field %q %s: %v", c.field, cons.Op, err)
	}
	return next
}

func (c FieldCriteria) compare(op Operator, value any) FieldCriteria {
	v, err := ValueOf(value)
	return c.with(Constraint{Op: op, Value: v}, err)
}

func (c FieldCriteria) Is(value any) FieldCriteria  { return c.compare(OpEq, value) }
func (c FieldCriteria) Eq(value any) FieldCriteria  { return c.compare(OpEq, value) }
func (c FieldCriteria) Ne(value any) FieldCriteria  { return c.compare(OpNe, value) }
func (c FieldCriteria) Gt(value any) FieldCriteria  { return c.compare(OpGt, value) }
func (c FieldCriteria) Gte(value any) FieldCriteria { return c.compare(OpGte, value) }
func (c FieldCriteria) Lt(value any) FieldCriteria  { return c.compare(OpLt, value) }
func (c FieldCriteria) Lte(value any) FieldCriteria { return c.compare(OpLte, value) }

// In matches documents whose field equals one of values. An empty set
// matches nothing.
func (c FieldCriteria) In(values ...any) FieldCriteria {
	vs, err := valuesOf(values)
	return c.with(Constraint{Op: OpIn, Values: vs}, err)
}

// Nin matches documents whose field equals none of values. An empty set
// matches everything.
func (c FieldCriteria) Nin(values ...any) FieldCriteria {
	vs, err := valuesOf(values)
	return c.with(Constraint{Op: OpNin, Values: vs}, err)
}

func (c FieldCriteria) NotIn(values ...any) FieldCriteria { return c.Nin(values...) }

func (c FieldCriteria) Exists(exists bool) FieldCriteria {
	return c.with(Constraint{Op: OpExists, Value: Bool(exists)}, nil)
}

// Regex matches string values against pattern, which must compile as a Go
// regular expression.
func (c FieldCriteria) Regex(pattern string) FieldCriteria {
	_, err := regexp.Compile(pattern)
	return c.with(Constraint{Op: OpRegex, Value: String(pattern)}, err)
}

// LogicalCriteria combines complete criteria with AND or OR.
type LogicalCriteria struct {
	kind     Logic
	children []Criteria
	err      error
}

func And(children ...Criteria) LogicalCriteria { return logical(LogicAnd, children) }
func Or(children ...Criteria) LogicalCriteria  { return logical(LogicOr, children) }

func logical(kind Logic, children []Criteria) LogicalCriteria {
	c := LogicalCriteria{
		kind:     kind,
		children: append([]Criteria(nil), children...),
	}

	if len(children) == 0 {
		c.err = invalidArgf("%s requires at least one criteria", kind)
		return c
	}

	for i, child := range children {
		if child == nil {
			c.err = invalidArgf("%s: criteria %d is nil", kind, i)
			return c
		}
		if err := child.Err(); err != nil {
			c.err = err
			return c
		}
	}

	return c
}

func (c LogicalCriteria) Kind() Logic { return c.kind }

func (c LogicalCriteria) Children() []Criteria {
	return append([]Criteria(nil), c.children...)
}

func (c LogicalCriteria) Err() error { return c.err }

func (c LogicalCriteria) isCriteria() {}

func (c LogicalCriteria) String() string { return criteriaString(c) }

// mapCriteriaFields rebuilds c with every field name passed through fn.
func mapCriteriaFields(c Criteria, fn func(string) string) Criteria {
	switch n := c.(type) {
	case FieldCriteria:
		n.field = fn(n.field)
		return n
	case LogicalCriteria:
		children := make([]Criteria, len(n.children))
		for i, child := range n.children {
			children[i] = mapCriteriaFields(child, fn)
		}
		n.children = children
		return n
	}
	return c
}

func criteriaString(c Criteria) string {
	return bsonString(renderFilter(c))
}
