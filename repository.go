package docmap

import (
	"context"
	"errors"
	"fmt"
	"reflect"
)

// Repository is a typed view of one entity type over a Template.
type Repository[T any] struct {
	template *Template
	mapping  *EntityMapping
	options  []QueryOption
}

// NewRepository binds T to its collection. T must be a mapped struct with an
// identifier.
func NewRepository[T any](t *Template, options ...RepositoryOption) (*Repository[T], error) {
	opt := &repositoryOption{}
	for _, op := range options {
		op(opt)
	}

	var model T
	m, err := t.registry.Resolve(reflect.TypeOf(model))
	if err != nil {
		return nil, err
	}

	repo := &Repository[T]{template: t, mapping: m}
	if opt.name != "" {
		repo.options = append(repo.options, InCollection(opt.name))
	}

	if opt.initValues != nil {
		if err := repo.init(context.Background(), opt.initValues); err != nil {
			return nil, err
		}
	}

	return repo, nil
}

func (r *Repository[T]) init(ctx context.Context, values any) error {
	list, ok := values.([]T)
	if !ok {
		return invalidArgf("values to init should be []%s, got %T", r.mapping.Type.Name(), values)
	}

	for i := range list {
		if _, err := r.Insert(ctx, &list[i]); err != nil {
			if !errors.Is(err, ErrKeyAlreadyExists) {
				return err
			}
		}
	}

	return nil
}

// Collection returns the collection the repository reads and writes.
func (r *Repository[T]) Collection() string {
	if opt := queryOptions(r.options); opt.collection != "" {
		return opt.collection
	}
	return r.mapping.Collection
}

func (r *Repository[T]) source() reflect.Type { return r.mapping.Type }

// Get loads the entity with the given identifier into dest.
func (r *Repository[T]) Get(ctx context.Context, id string, dest *T) (bool, error) {
	return r.template.FindByID(ctx, id, dest, r.options...)
}

// Find decodes every entity matching q into dest.
func (r *Repository[T]) Find(ctx context.Context, q Query, dest *[]T) error {
	return r.template.Find(ctx, q, dest, r.options...)
}

// Select decodes every entity matching an equality filter map into dest.
// See FilterMap.
func (r *Repository[T]) Select(ctx context.Context, filter map[string]any, dest *[]T) error {
	return r.Find(ctx, QueryFrom(FilterMap(filter)), dest)
}

// Insert stores value and returns its identifier, also written into value.
func (r *Repository[T]) Insert(ctx context.Context, value *T) (string, error) {
	ids, err := r.template.insert(ctx, value, r.options)
	if err != nil {
		return "", err
	}
	if len(ids) != 1 {
		return "", fmt.Errorf("%w: insert returned %d identifiers", ErrStore, len(ids))
	}
	return ids[0], nil
}

// InsertAll stores values in one call. Identifiers are written into the
// elements of values.
func (r *Repository[T]) InsertAll(ctx context.Context, values []T) ([]string, error) {
	return r.template.insert(ctx, values, r.options)
}

func (r *Repository[T]) Save(ctx context.Context, value *T) error {
	return r.template.Save(ctx, value, r.options...)
}

func (r *Repository[T]) UpdateFirst(ctx context.Context, q Query, u Update) (UpdateResult, error) {
	return r.template.UpdateFirst(ctx, q, u, r.source(), r.options...)
}

func (r *Repository[T]) UpdateMulti(ctx context.Context, q Query, u Update) (UpdateResult, error) {
	return r.template.UpdateMulti(ctx, q, u, r.source(), r.options...)
}

// Delete removes every entity matching q.
func (r *Repository[T]) Delete(ctx context.Context, q Query) (int64, error) {
	return r.template.Remove(ctx, q, r.source(), r.options...)
}

// DeleteByID removes the entities with the given identifiers.
func (r *Repository[T]) DeleteByID(ctx context.Context, ids ...string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	return r.Delete(ctx, QueryFrom(Where(idKey).In(sliceMap(ids, func(id string) any { return id })...)))
}

// Distinct decodes the distinct values of field among entities matching q
// into dest, a pointer to a slice.
func (r *Repository[T]) Distinct(ctx context.Context, q Query, field string, dest any) error {
	return r.template.FindDistinct(ctx, q, field, r.source(), dest, r.options...)
}

func (r *Repository[T]) Count(ctx context.Context, q Query) (int64, error) {
	return r.template.Count(ctx, q, r.source(), r.options...)
}

func (r *Repository[T]) Aggregate(ctx context.Context, p Pipeline) (*AggregationResults, error) {
	return r.template.Aggregate(ctx, p, r.source(), r.options...)
}
