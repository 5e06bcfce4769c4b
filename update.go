package docmap

import (
	"fmt"
	"strings"
)

// UpdateOperator is a field-level mutation.
type UpdateOperator string

const (
	OpSet      UpdateOperator = "$set"
	OpUnset    UpdateOperator = "$unset"
	OpInc      UpdateOperator = "$inc"
	OpPush     UpdateOperator = "$push"
	OpAddToSet UpdateOperator = "$addToSet"
)

type UpdateOperation struct {
	Op    UpdateOperator
	Field string
	Value Value
}

// UpdateResult reports how many documents matched and how many changed.
// ModifiedCount never exceeds MatchedCount.
type UpdateResult struct {
	MatchedCount  int64
	ModifiedCount int64
}

// Update is an ordered, immutable set of field mutations applied by the store
// as one document mutation.
//
// Set on a field already set replaces the value (last write wins). Any other
// repeat on a field, mixing operators on one field, or touching both a field
// and a path below it records ErrConflictingOperation.
type Update struct {
	ops []UpdateOperation
	err error
}

func NewUpdate() Update { return Update{} }

// SetValue starts an update with a single Set.
func SetValue(field string, value any) Update {
	return NewUpdate().Set(field, value)
}

func (u Update) Set(field string, value any) Update {
	return u.add(OpSet, field, value)
}

func (u Update) Unset(field string) Update {
	return u.add(OpUnset, field, nil)
}

// Inc adds delta to a numeric field. Only one Inc per field is allowed.
func (u Update) Inc(field string, delta any) Update {
	return u.add(OpInc, field, delta)
}

// Push appends value to an array field.
func (u Update) Push(field string, value any) Update {
	return u.add(OpPush, field, value)
}

// AddToSet appends value to an array field unless already present.
func (u Update) AddToSet(field string, value any) Update {
	return u.add(OpAddToSet, field, value)
}

func (u Update) add(op UpdateOperator, field string, value any) Update {
	next := Update{ops: append([]UpdateOperation(nil), u.ops...), err: u.err}
	if field == "" {
		return next.fail(invalidArgf("%s field name is empty", op))
	}

	v, err := ValueOf(value)
	if err != nil {
		return next.fail(invalidArgf("%s %q: %v", op, field, err))
	}

	if op == OpInc {
		if _, ok := v.Num(); !ok {
			return next.fail(invalidArgf("%s %q: delta must be a number, got %s", op, field, v.Kind()))
		}
	}

	for i, existing := range next.ops {
		if pathsOverlap(existing.Field, field) {
			return next.fail(fmt.Errorf("%w: %s %q and %s %q overlap", ErrConflictingOperation, existing.Op, existing.Field, op, field))
		}
		if existing.Field != field {
			continue
		}

		if existing.Op == OpSet && op == OpSet {
			next.ops[i].Value = v
			return next
		}

		return next.fail(fmt.Errorf("%w: %s and %s on field %q", ErrConflictingOperation, existing.Op, op, field))
	}

	next.ops = append(next.ops, UpdateOperation{Op: op, Field: field, Value: v})
	return next
}

// pathsOverlap reports whether one of two distinct paths lies below the
// other, as "payer" and "payer.name" do.
func pathsOverlap(a, b string) bool {
	if len(a) == len(b) {
		return false
	}
	if len(a) > len(b) {
		a, b = b, a
	}
	return strings.HasPrefix(b, a+".")
}

func (u Update) fail(err error) Update {
	if u.err == nil {
		u.err = err
	}
	return u
}

// Operations returns the mutations in the order they were first added.
func (u Update) Operations() []UpdateOperation {
	return append([]UpdateOperation(nil), u.ops...)
}

func (u Update) Err() error {
	if u.err == nil && len(u.ops) == 0 {
		return invalidArgf("update has no operation")
	}
	return u.err
}

func (u Update) String() string {
	return bsonString(renderUpdate(u.ops))
}
