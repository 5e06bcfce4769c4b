package docmap

import (
	"context"
	"reflect"

	"go.uber.org/zap"
)

// Template executes queries, updates and aggregations against a Store,
// resolving collections and field names through a Registry and decoding
// results into caller supplied destinations.
//
// Sources name the entity type an operation targets. A source may be a
// struct value, a pointer to one, a reflect.Type, or nil together with
// InCollection.
type Template struct {
	store    Store
	registry *Registry
	log      *zap.SugaredLogger
}

func New(store Store, options ...TemplateOption) *Template {
	t := &Template{
		store:    store,
		registry: DefaultRegistry,
		log:      zap.L().Sugar(),
	}
	for _, op := range options {
		op(t)
	}
	return t
}

func (t *Template) Store() Store { return t.store }

func (t *Template) Registry() *Registry { return t.registry }

type target struct {
	collection string
	mapping    *EntityMapping
	registry   *Registry
}

func (tg target) field(name string) string {
	if tg.mapping == nil {
		return name
	}
	return tg.registry.translatePath(tg.mapping, name)
}

func (tg target) criteria(c Criteria) Criteria {
	if c == nil || tg.mapping == nil {
		return c
	}
	return mapCriteriaFields(c, tg.field)
}

func sourceType(source any) reflect.Type {
	switch s := source.(type) {
	case nil:
		return nil
	case reflect.Type:
		return s
	}
	return reflect.TypeOf(source)
}

func (t *Template) resolve(source any, options []QueryOption) (target, error) {
	return t.resolveType(sourceType(source), false, options)
}

// resolveType maps typ to its collection. Writes address whole entities and
// need an identifier; reads and filters only need the document shape.
func (t *Template) resolveType(typ reflect.Type, entity bool, options []QueryOption) (target, error) {
	opt := queryOptions(options)
	tg := target{registry: t.registry}

	if typ != nil {
		typ = derefType(typ)
		if typ.Kind() == reflect.Struct {
			resolve := t.registry.shape
			if entity {
				resolve = t.registry.Resolve
			}
			m, err := resolve(typ)
			if err != nil {
				return target{}, err
			}
			tg.mapping = m
			tg.collection = m.Collection
		}
	}

	if opt.collection != "" {
		tg.collection = opt.collection
	}
	if tg.collection == "" {
		return target{}, invalidArgf("no collection for %v: use a mapped entity type or InCollection", typ)
	}
	return tg, nil
}

// sliceDest checks dest is a non-nil pointer to a slice and returns the slice.
func sliceDest(dest any) (reflect.Value, error) {
	rv := reflect.ValueOf(dest)
	if rv.Kind() != reflect.Ptr || rv.IsNil() || rv.Elem().Kind() != reflect.Slice {
		return reflect.Value{}, invalidArgf("destination must be a non-nil pointer to a slice, got %T", dest)
	}
	return rv.Elem(), nil
}

func (t *Template) storeErr(op string, collection string, err error) error {
	t.log.Warnw("store call failed", "op", op, "collection", collection, "error", err)
	return &StoreError{Op: op, Collection: collection, Err: err}
}

// decodeAll replaces the content of slice with docs decoded into its element
// type.
func (t *Template) decodeAll(docs []Document, slice reflect.Value) error {
	out := reflect.MakeSlice(slice.Type(), len(docs), len(docs))
	for i, doc := range docs {
		if err := t.registry.decodeRoot(out.Index(i), DocumentValue(doc)); err != nil {
			return err
		}
	}
	slice.Set(out)
	return nil
}

func (t *Template) findRequest(tg target, q Query) (FindRequest, error) {
	if err := q.Err(); err != nil {
		return FindRequest{}, err
	}
	if q.DistinctField() != "" {
		return FindRequest{}, invalidArgf("query selects distinct %q: use FindDistinct", q.DistinctField())
	}

	return FindRequest{
		Criteria:   tg.criteria(q.Criteria()),
		Sort:       mapOrders(q.Orders(), tg.field),
		Skip:       q.Offset(),
		Limit:      q.MaxResults(),
		Projection: sliceMap(q.Fields(), tg.field),
	}, nil
}

// Find decodes every document matching q into dest, a pointer to a slice of
// mapped structs, struct pointers, Document or map[string]any. The element
// type is the source.
func (t *Template) Find(ctx context.Context, q Query, dest any, options ...QueryOption) error {
	slice, err := sliceDest(dest)
	if err != nil {
		return err
	}

	tg, err := t.resolveType(slice.Type().Elem(), false, options)
	if err != nil {
		return err
	}

	req, err := t.findRequest(tg, q)
	if err != nil {
		return err
	}

	docs, err := t.store.Find(ctx, tg.collection, req)
	if err != nil {
		return t.storeErr("find", tg.collection, err)
	}
	t.log.Debugw("find", "collection", tg.collection, "filter", criteriaString(req.Criteria), "found", len(docs))

	return t.decodeAll(docs, slice)
}

// FindAll decodes every document of the collection into dest.
func (t *Template) FindAll(ctx context.Context, dest any, options ...QueryOption) error {
	return t.Find(ctx, NewQuery(), dest, options...)
}

// FindOne decodes the first document matching q into dest, a non-nil
// pointer. It reports false when nothing matches.
func (t *Template) FindOne(ctx context.Context, q Query, dest any, options ...QueryOption) (bool, error) {
	rv := reflect.ValueOf(dest)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return false, invalidArgf("destination must be a non-nil pointer, got %T", dest)
	}

	tg, err := t.resolveType(rv.Type().Elem(), false, options)
	if err != nil {
		return false, err
	}

	req, err := t.findRequest(tg, q)
	if err != nil {
		return false, err
	}
	req.Limit = 1

	docs, err := t.store.Find(ctx, tg.collection, req)
	if err != nil {
		return false, t.storeErr("find", tg.collection, err)
	}
	t.log.Debugw("find one", "collection", tg.collection, "filter", criteriaString(req.Criteria), "found", len(docs))

	if len(docs) == 0 {
		return false, nil
	}
	return true, t.registry.decodeRoot(rv.Elem(), DocumentValue(docs[0]))
}

// FindByID loads the document with the given identifier into dest.
func (t *Template) FindByID(ctx context.Context, id string, dest any, options ...QueryOption) (bool, error) {
	return t.FindOne(ctx, QueryFrom(Where(idKey).Is(id)), dest, options...)
}

// FindDistinct decodes the distinct values of field among documents matching
// q into dest, a pointer to a slice. Array values contribute their elements.
func (t *Template) FindDistinct(ctx context.Context, q Query, field string, source any, dest any, options ...QueryOption) error {
	slice, err := sliceDest(dest)
	if err != nil {
		return err
	}
	if field == "" {
		field = q.DistinctField()
	}
	if field == "" {
		return invalidArgf("distinct field name is empty")
	}
	if err := q.Err(); err != nil {
		return err
	}

	tg, err := t.resolve(source, options)
	if err != nil {
		return err
	}

	key := tg.field(field)
	criteria := tg.criteria(q.Criteria())
	values, err := t.store.Distinct(ctx, tg.collection, criteria, key)
	if err != nil {
		return t.storeErr("distinct", tg.collection, err)
	}
	t.log.Debugw("distinct", "collection", tg.collection, "field", key, "filter", criteriaString(criteria), "found", len(values))

	out := reflect.MakeSlice(slice.Type(), len(values), len(values))
	for i, v := range values {
		if err := t.registry.decodeRoot(out.Index(i), v); err != nil {
			return err
		}
	}
	slice.Set(out)
	return nil
}

// entities collects the addressable structs held by entity: a pointer to a
// struct, or a slice (or pointer to a slice) of structs or struct pointers.
func entities(entity any) ([]reflect.Value, reflect.Type, error) {
	rv := reflect.ValueOf(entity)
	if rv.Kind() == reflect.Ptr && !rv.IsNil() && rv.Elem().Kind() == reflect.Slice {
		rv = rv.Elem()
	}

	switch rv.Kind() {
	case reflect.Ptr:
		if rv.IsNil() || rv.Elem().Kind() != reflect.Struct {
			break
		}
		return []reflect.Value{rv.Elem()}, rv.Elem().Type(), nil
	case reflect.Slice:
		elemType := derefType(rv.Type().Elem())
		if elemType.Kind() != reflect.Struct {
			break
		}
		out := make([]reflect.Value, 0, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			ev := rv.Index(i)
			if ev.Kind() == reflect.Ptr {
				if ev.IsNil() {
					return nil, nil, invalidArgf("element %d is nil", i)
				}
				ev = ev.Elem()
			}
			out = append(out, ev)
		}
		return out, elemType, nil
	}

	return nil, nil, invalidArgf("expected a pointer to a struct or a slice of structs, got %T", entity)
}

func singleEntity(entity any) (reflect.Value, reflect.Type, error) {
	rv := reflect.ValueOf(entity)
	if rv.Kind() != reflect.Ptr || rv.IsNil() || rv.Elem().Kind() != reflect.Struct {
		return reflect.Value{}, nil, invalidArgf("expected a pointer to a struct, got %T", entity)
	}
	return rv.Elem(), rv.Elem().Type(), nil
}

// Insert stores one entity (pointer to struct) or a batch (slice of structs
// or struct pointers) in a single store call. Generated identifiers are
// written back into the entities.
func (t *Template) Insert(ctx context.Context, entity any, options ...QueryOption) error {
	_, err := t.insert(ctx, entity, options)
	return err
}

func (t *Template) insert(ctx context.Context, entity any, options []QueryOption) ([]string, error) {
	values, typ, err := entities(entity)
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, nil
	}

	tg, err := t.resolveType(typ, true, options)
	if err != nil {
		return nil, err
	}

	docs := make([]Document, len(values))
	for i, v := range values {
		if docs[i], err = t.registry.encodeStruct(tg.mapping, v); err != nil {
			return nil, err
		}
	}

	ids, err := t.store.Insert(ctx, tg.collection, docs)
	if err != nil {
		return nil, t.storeErr("insert", tg.collection, err)
	}
	t.log.Debugw("insert", "collection", tg.collection, "count", len(ids))

	for i, v := range values {
		if i < len(ids) && v.CanSet() {
			fieldForSet(v, tg.mapping.ID.index).SetString(ids[i])
		}
	}
	return ids, nil
}

// Save inserts entity when its identifier is empty and otherwise replaces the
// stored document, inserting it if missing.
func (t *Template) Save(ctx context.Context, entity any, options ...QueryOption) error {
	value, typ, err := singleEntity(entity)
	if err != nil {
		return err
	}

	tg, err := t.resolveType(typ, true, options)
	if err != nil {
		return err
	}

	id := fieldForSet(value, tg.mapping.ID.index).String()
	if id == "" {
		return t.Insert(ctx, entity, options...)
	}

	doc, err := t.registry.encodeStruct(tg.mapping, value)
	if err != nil {
		return err
	}

	res, err := t.store.Replace(ctx, tg.collection, id, doc, true)
	if err != nil {
		return t.storeErr("replace", tg.collection, err)
	}
	t.log.Debugw("save", "collection", tg.collection, "id", id, "matched", res.MatchedCount, "modified", res.ModifiedCount)
	return nil
}

// Remove deletes every document matching q and returns how many were removed.
func (t *Template) Remove(ctx context.Context, q Query, source any, options ...QueryOption) (int64, error) {
	if err := q.Err(); err != nil {
		return 0, err
	}

	tg, err := t.resolve(source, options)
	if err != nil {
		return 0, err
	}

	criteria := tg.criteria(q.Criteria())
	n, err := t.store.Remove(ctx, tg.collection, criteria)
	if err != nil {
		return 0, t.storeErr("remove", tg.collection, err)
	}
	t.log.Debugw("remove", "collection", tg.collection, "filter", criteriaString(criteria), "removed", n)
	return n, nil
}

// RemoveEntity deletes the document sharing entity's identifier.
func (t *Template) RemoveEntity(ctx context.Context, entity any, options ...QueryOption) (int64, error) {
	value, typ, err := singleEntity(entity)
	if err != nil {
		return 0, err
	}

	tg, err := t.resolveType(typ, true, options)
	if err != nil {
		return 0, err
	}

	id := fieldForSet(value, tg.mapping.ID.index).String()
	if id == "" {
		return 0, invalidArgf("cannot remove %s without identifier", typ)
	}

	return t.Remove(ctx, QueryFrom(Where(idKey).Is(id)), typ, options...)
}

// UpdateFirst applies u to at most one document matching q.
func (t *Template) UpdateFirst(ctx context.Context, q Query, u Update, source any, options ...QueryOption) (UpdateResult, error) {
	return t.update(ctx, q, u, source, false, options)
}

// UpdateMulti applies u to every document matching q.
func (t *Template) UpdateMulti(ctx context.Context, q Query, u Update, source any, options ...QueryOption) (UpdateResult, error) {
	return t.update(ctx, q, u, source, true, options)
}

func (t *Template) update(ctx context.Context, q Query, u Update, source any, multi bool, options []QueryOption) (UpdateResult, error) {
	if err := q.Err(); err != nil {
		return UpdateResult{}, err
	}
	if err := u.Err(); err != nil {
		return UpdateResult{}, err
	}

	tg, err := t.resolve(source, options)
	if err != nil {
		return UpdateResult{}, err
	}

	ops := u.Operations()
	for i := range ops {
		ops[i].Field = tg.field(ops[i].Field)
	}
	criteria := tg.criteria(q.Criteria())

	res, err := t.store.Update(ctx, tg.collection, criteria, ops, multi)
	if err != nil {
		return UpdateResult{}, t.storeErr("update", tg.collection, err)
	}
	t.log.Debugw("update", "collection", tg.collection, "filter", criteriaString(criteria), "multi", multi,
		"matched", res.MatchedCount, "modified", res.ModifiedCount)
	return res, nil
}

// Aggregate runs p over the source collection. Entity field names are
// translated up to and including the first group stage.
func (t *Template) Aggregate(ctx context.Context, p Pipeline, source any, options ...QueryOption) (*AggregationResults, error) {
	if err := p.Err(); err != nil {
		return nil, err
	}

	tg, err := t.resolve(source, options)
	if err != nil {
		return nil, err
	}

	stages := p.Stages()
	if tg.mapping != nil {
		stages = mapPipelineFields(stages, tg.field)
	}

	rows, err := t.store.Aggregate(ctx, tg.collection, stages)
	if err != nil {
		return nil, t.storeErr("aggregate", tg.collection, err)
	}
	t.log.Debugw("aggregate", "collection", tg.collection, "stages", len(stages), "rows", len(rows))

	return &AggregationResults{rows: rows, registry: t.registry}, nil
}

// Count returns the number of documents matching q's criteria.
func (t *Template) Count(ctx context.Context, q Query, source any, options ...QueryOption) (int64, error) {
	if err := q.Err(); err != nil {
		return 0, err
	}

	tg, err := t.resolve(source, options)
	if err != nil {
		return 0, err
	}

	criteria := tg.criteria(q.Criteria())
	docs, err := t.store.Find(ctx, tg.collection, FindRequest{Criteria: criteria, Projection: []string{idKey}})
	if err != nil {
		return 0, t.storeErr("count", tg.collection, err)
	}
	return int64(len(docs)), nil
}
