package docmap

import (
	"fmt"
	"reflect"
)

// AggregationResults holds the rows produced by an aggregation.
type AggregationResults struct {
	rows     []Document
	registry *Registry
}

func (r *AggregationResults) Len() int { return len(r.rows) }

// Raw returns the rows as returned by the store.
func (r *AggregationResults) Raw() []Document { return r.rows }

// MappedResults decodes every row into dest, a pointer to a slice. An empty
// result leaves dest as an empty slice.
func (r *AggregationResults) MappedResults(dest any) error {
	slice, err := sliceDest(dest)
	if err != nil {
		return err
	}

	out := reflect.MakeSlice(slice.Type(), len(r.rows), len(r.rows))
	for i, row := range r.rows {
		if err := r.registry.decodeRoot(out.Index(i), DocumentValue(row)); err != nil {
			return err
		}
	}
	slice.Set(out)
	return nil
}

// UniqueResult decodes the only row into dest. It fails with ErrNoResult when
// there is no row and ErrNonUniqueResult when there are several.
func (r *AggregationResults) UniqueResult(dest any) error {
	rv := reflect.ValueOf(dest)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return invalidArgf("destination must be a non-nil pointer, got %T", dest)
	}

	switch len(r.rows) {
	case 0:
		return ErrNoResult
	case 1:
		return r.registry.decodeRoot(rv.Elem(), DocumentValue(r.rows[0]))
	}
	return fmt.Errorf("%w: %d rows", ErrNonUniqueResult, len(r.rows))
}
