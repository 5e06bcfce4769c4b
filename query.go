package docmap

import (
	"strings"
)

type Direction int

const (
	Ascending  Direction = 1
	Descending Direction = -1
)

func (d Direction) String() string {
	if d == Descending {
		return "desc"
	}
	return "asc"
}

// Order is one sort key.
type Order struct {
	Field     string
	Direction Direction
}

func Asc(field string) Order  { return Order{Field: field, Direction: Ascending} }
func Desc(field string) Order { return Order{Field: field, Direction: Descending} }

// ParseSort reads a comma separated sorter, each key prefixed by "-" for
// descending or "+" (or nothing) for ascending order.
//
// example:
//
//	ParseSort("-title,+payment")
func ParseSort(sorter string) ([]Order, error) {
	var orders []Order
	for _, part := range strings.Split(sorter, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		dir := Ascending
		switch part[0] {
		case '-':
			dir = Descending
			part = part[1:]
		case '+':
			part = part[1:]
		}

		if part == "" {
			return nil, invalidArgf("sort key without field name in %q", sorter)
		}
		orders = append(orders, Order{Field: part, Direction: dir})
	}

	return orders, nil
}

// Query bundles criteria with sort, pagination, projection and distinct
// options. Queries are immutable: every method returns a modified copy. The
// zero Query matches every document.
type Query struct {
	criteria   Criteria
	sort       []Order
	skip       int64
	limit      int64
	projection []string
	distinct   string
	err        error
}

func NewQuery() Query { return Query{} }

func QueryFrom(c Criteria) Query {
	return Query{}.AddCriteria(c)
}

func (q Query) clone() Query {
	q.sort = append([]Order(nil), q.sort...)
	q.projection = append([]string(nil), q.projection...)
	return q
}

func (q Query) fail(err error) Query {
	if q.err == nil {
		q.err = err
	}
	return q
}

// AddCriteria ANDs c with the criteria already present.
func (q Query) AddCriteria(c Criteria) Query {
	q = q.clone()
	if c == nil {
		return q
	}

	if err := c.Err(); err != nil {
		q = q.fail(err)
	}

	if q.criteria == nil {
		q.criteria = c
	} else {
		q.criteria = And(q.criteria, c)
	}
	return q
}

// Sort appends a sort key; earlier keys take precedence.
func (q Query) Sort(field string, dir Direction) Query {
	return q.With(Order{Field: field, Direction: dir})
}

func (q Query) With(orders ...Order) Query {
	q = q.clone()
	for _, o := range orders {
		if o.Field == "" {
			q = q.fail(invalidArgf("sort field name is empty"))
			continue
		}
		if o.Direction != Ascending && o.Direction != Descending {
			q = q.fail(invalidArgf("sort direction %d for %q", o.Direction, o.Field))
			continue
		}
		q.sort = append(q.sort, o)
	}
	return q
}

func (q Query) Skip(n int64) Query {
	q = q.clone()
	if n < 0 {
		return q.fail(invalidArgf("skip must not be negative, got %d", n))
	}
	q.skip = n
	return q
}

func (q Query) Limit(n int64) Query {
	q = q.clone()
	if n <= 0 {
		return q.fail(invalidArgf("limit must be positive, got %d", n))
	}
	q.limit = n
	return q
}

// Page selects the 0-based page index of the given size.
func (q Query) Page(index, size int) Query {
	q = q.clone()
	if size <= 0 {
		return q.fail(invalidArgf("page size must be positive, got %d", size))
	}
	if index < 0 {
		return q.fail(invalidArgf("page index must not be negative, got %d", index))
	}
	q.skip = int64(index) * int64(size)
	q.limit = int64(size)
	return q
}

// Include restricts returned documents to the given fields (plus the
// identifier). Repeated fields are kept once.
func (q Query) Include(fields ...string) Query {
	q = q.clone()
	if q.distinct != "" {
		return q.fail(invalidArgf("projection cannot be combined with distinct %q", q.distinct))
	}
	for _, f := range fields {
		if !sliceContains(q.projection, f) {
			q.projection = append(q.projection, f)
		}
	}
	return q
}

// Distinct turns the query into a distinct-values query over one field.
func (q Query) Distinct(field string) Query {
	q = q.clone()
	if field == "" {
		return q.fail(invalidArgf("distinct field name is empty"))
	}
	if len(q.projection) > 0 {
		return q.fail(invalidArgf("distinct %q cannot be combined with a projection", field))
	}
	q.distinct = field
	return q
}

func (q Query) Criteria() Criteria    { return q.criteria }
func (q Query) Orders() []Order       { return append([]Order(nil), q.sort...) }
func (q Query) Offset() int64         { return q.skip }
func (q Query) MaxResults() int64     { return q.limit }
func (q Query) Fields() []string      { return append([]string(nil), q.projection...) }
func (q Query) DistinctField() string { return q.distinct }
func (q Query) Err() error            { return q.err }

func (q Query) String() string {
	var sb strings.Builder
	sb.WriteString("Query{filter=")
	if q.criteria == nil {
		sb.WriteString("{}")
	} else {
		sb.WriteString(q.criteria.String())
	}
	for _, o := range q.sort {
		sb.WriteString(", sort=")
		sb.WriteString(o.Field)
		sb.WriteString(" ")
		sb.WriteString(o.Direction.String())
	}
	return sb.String() + "}"
}
