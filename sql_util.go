package docmap

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
)

func wrapPostgresError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
		return fmt.Errorf("%w. %s", ErrKeyAlreadyExists, err.Error())
	}

	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w. %s", ErrKeyNotFound, err.Error())
	}

	return err
}

func isUndefinedTable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UndefinedTable
}

// whereBuilder renders criteria into a SQL boolean expression over the jsonb
// column doc, collecting bind arguments in order. Placeholders are numbered
// ($1, $2, ...) so a rendered operand may appear several times.
type whereBuilder struct {
	args []any
}

func (b *whereBuilder) bind(v any) string {
	b.args = append(b.args, v)
	return fmt.Sprintf("$%d", len(b.args))
}

// path renders the jsonb value at a dotted path; missing paths yield NULL.
func (b *whereBuilder) path(field string) string {
	return fmt.Sprintf("(doc #> %s::text[])", b.bind(strings.Split(field, ".")))
}

func (b *whereBuilder) jsonb(v Value) (string, error) {
	data, err := v.MarshalJSON()
	if err != nil {
		return "", err
	}
	return b.bind(string(data)) + "::jsonb", nil
}

func (b *whereBuilder) criteria(c Criteria) (string, error) {
	switch n := c.(type) {
	case nil:
		return "TRUE", nil
	case FieldCriteria:
		parts := make([]string, 0, len(n.constraints))
		for _, cons := range n.constraints {
			s, err := b.constraint(n.field, cons)
			if err != nil {
				return "", err
			}
			parts = append(parts, s)
		}
		return "(" + strings.Join(parts, " AND ") + ")", nil
	case LogicalCriteria:
		sep := " AND "
		if n.kind == LogicOr {
			sep = " OR "
		}
		parts := make([]string, 0, len(n.children))
		for _, child := range n.children {
			s, err := b.criteria(child)
			if err != nil {
				return "", err
			}
			parts = append(parts, s)
		}
		return "(" + strings.Join(parts, sep) + ")", nil
	}
	return "", invalidArgf("unsupported criteria %T", c)
}

// equals matches the value itself or, for arrays, any element.
func (b *whereBuilder) equals(field string, v Value) (string, error) {
	p := b.path(field)
	if v.IsNull() {
		return fmt.Sprintf("(%s IS NULL OR %s = 'null'::jsonb)", p, p), nil
	}

	val, err := b.jsonb(v)
	if err != nil {
		return "", err
	}
	elem, err := b.jsonb(v)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("COALESCE(%s = %s OR (jsonb_typeof(%s) = 'array' AND %s @> jsonb_build_array(%s)), FALSE)", p, val, p, p, elem), nil
}

func (b *whereBuilder) anyOf(field string, set []Value) (string, error) {
	if len(set) == 0 {
		return "FALSE", nil
	}
	parts := make([]string, len(set))
	for i, v := range set {
		s, err := b.equals(field, v)
		if err != nil {
			return "", err
		}
		parts[i] = s
	}
	return "(" + strings.Join(parts, " OR ") + ")", nil
}

func (b *whereBuilder) constraint(field string, cons Constraint) (string, error) {
	switch cons.Op {
	case OpEq:
		return b.equals(field, cons.Value)
	case OpNe:
		s, err := b.equals(field, cons.Value)
		return "NOT " + s, err
	case OpIn:
		return b.anyOf(field, cons.Values)
	case OpNin:
		s, err := b.anyOf(field, cons.Values)
		return "NOT " + s, err
	case OpExists:
		if want, _ := cons.Value.Boolean(); want {
			return b.path(field) + " IS NOT NULL", nil
		}
		return b.path(field) + " IS NULL", nil
	case OpRegex:
		pattern, _ := cons.Value.Str()
		p := b.path(field)
		return fmt.Sprintf("COALESCE(jsonb_typeof(%s) = 'string' AND (%s #>> '{}') ~ %s, FALSE)", p, p, b.bind(pattern)), nil
	case OpGt, OpGte, OpLt, OpLte:
		if cons.Value.IsNull() && (cons.Op == OpGte || cons.Op == OpLte) {
			return b.equals(field, cons.Value)
		}
		cmp := map[Operator]string{OpGt: ">", OpGte: ">=", OpLt: "<", OpLte: "<="}[cons.Op]
		p := b.path(field)
		val, err := b.jsonb(cons.Value)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("COALESCE(jsonb_typeof(%s) = %s AND %s %s %s, FALSE)", p, b.bind(jsonbType(cons.Value.Kind())), p, cmp, val), nil
	}
	return "", invalidArgf("unsupported operator %s", cons.Op)
}

func jsonbType(k Kind) string {
	switch k {
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindBool:
		return "boolean"
	case KindArray:
		return "array"
	case KindDocument:
		return "object"
	}
	return "null"
}

// orderBy renders a sort clause; seq keeps insertion order for ties. Missing
// fields sort first in ascending order, as null does.
func (b *whereBuilder) orderBy(orders []Order) string {
	parts := make([]string, 0, len(orders)+1)
	for _, o := range orders {
		dir := "ASC NULLS FIRST"
		if o.Direction == Descending {
			dir = "DESC NULLS LAST"
		}
		parts = append(parts, b.path(o.Field)+" "+dir)
	}
	parts = append(parts, "seq")
	return "ORDER BY " + strings.Join(parts, ", ")
}
