package docmap

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	mongoOptions "go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore runs store calls against a MongoDB database. Criteria, updates
// and pipelines are rendered to their native bson form.
type MongoStore struct {
	db *mongo.Database
}

var _ Store = (*MongoStore)(nil)

func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{db: db}
}

func (m *MongoStore) Find(ctx context.Context, collection string, req FindRequest) ([]Document, error) {
	opts := mongoOptions.Find().SetSort(renderSort(req.Sort, true))
	if req.Skip > 0 {
		opts.SetSkip(req.Skip)
	}
	if req.Limit > 0 {
		opts.SetLimit(req.Limit)
	}
	if len(req.Projection) > 0 {
		proj := bson.D{}
		for _, f := range req.Projection {
			proj = append(proj, bson.E{Key: f, Value: 1})
		}
		opts.SetProjection(proj)
	}

	cur, err := m.db.Collection(collection).Find(ctx, renderFilter(req.Criteria), opts)
	if err != nil {
		return nil, wrapMongoError(err)
	}
	return decodeCursor(ctx, cur)
}

func decodeCursor(ctx context.Context, cur *mongo.Cursor) ([]Document, error) {
	defer cur.Close(ctx)

	var raw []bson.D
	if err := cur.All(ctx, &raw); err != nil {
		return nil, wrapMongoError(err)
	}

	docs := make([]Document, len(raw))
	for i, d := range raw {
		v, err := fromBSON(d)
		if err != nil {
			return nil, err
		}
		docs[i], _ = v.Doc()
	}
	return docs, nil
}

func (m *MongoStore) Distinct(ctx context.Context, collection string, criteria Criteria, field string) ([]Value, error) {
	raw, err := m.db.Collection(collection).Distinct(ctx, field, renderFilter(criteria))
	if err != nil {
		return nil, wrapMongoError(err)
	}

	out := make([]Value, len(raw))
	for i, r := range raw {
		if out[i], err = fromBSON(r); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (m *MongoStore) Insert(ctx context.Context, collection string, docs []Document) ([]string, error) {
	if len(docs) == 0 {
		return nil, nil
	}

	values := make([]interface{}, len(docs))
	for i, d := range docs {
		values[i] = renderDocument(d)
	}

	res, err := m.db.Collection(collection).InsertMany(ctx, values, mongoOptions.InsertMany().SetOrdered(true))
	if err != nil {
		return nil, wrapMongoError(err)
	}

	ids := make([]string, len(res.InsertedIDs))
	for i, id := range res.InsertedIDs {
		v, err := fromBSON(id)
		if err != nil {
			return nil, err
		}
		s, ok := v.Str()
		if !ok {
			return nil, fmt.Errorf("unexpected identifier %v of kind %s", id, v.Kind())
		}
		ids[i] = s
	}
	return ids, nil
}

func (m *MongoStore) Update(ctx context.Context, collection string, criteria Criteria, ops []UpdateOperation, multi bool) (UpdateResult, error) {
	coll := m.db.Collection(collection)
	filter, update := renderFilter(criteria), renderUpdate(ops)

	var (
		res *mongo.UpdateResult
		err error
	)
	if multi {
		res, err = coll.UpdateMany(ctx, filter, update)
	} else {
		res, err = coll.UpdateOne(ctx, filter, update)
	}
	if err != nil {
		return UpdateResult{}, wrapMongoError(err)
	}

	return UpdateResult{MatchedCount: res.MatchedCount, ModifiedCount: res.ModifiedCount}, nil
}

func (m *MongoStore) Replace(ctx context.Context, collection string, id string, doc Document, upsert bool) (UpdateResult, error) {
	replacement := doc.Clone()
	if replacement == nil {
		replacement = Document{}
	}
	replacement[idKey] = String(id)

	res, err := m.db.Collection(collection).ReplaceOne(ctx,
		bson.D{{Key: idKey, Value: renderID(id)}},
		renderDocument(replacement),
		mongoOptions.Replace().SetUpsert(upsert),
	)
	if err != nil {
		return UpdateResult{}, wrapMongoError(err)
	}

	return UpdateResult{MatchedCount: res.MatchedCount, ModifiedCount: res.ModifiedCount}, nil
}

func (m *MongoStore) Remove(ctx context.Context, collection string, criteria Criteria) (int64, error) {
	res, err := m.db.Collection(collection).DeleteMany(ctx, renderFilter(criteria))
	if err != nil {
		return 0, wrapMongoError(err)
	}
	return res.DeletedCount, nil
}

func (m *MongoStore) Aggregate(ctx context.Context, collection string, stages []Stage) ([]Document, error) {
	cur, err := m.db.Collection(collection).Aggregate(ctx, renderPipeline(stages))
	if err != nil {
		return nil, wrapMongoError(err)
	}
	return decodeCursor(ctx, cur)
}

func wrapMongoError(err error) error {
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w. %s", ErrKeyAlreadyExists, err.Error())
	}

	if errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("%w. %s", ErrKeyNotFound, err.Error())
	}

	return err
}

// renderID stores identifiers that look like ObjectIDs as ObjectIDs.
func renderID(id string) interface{} {
	if oid, err := primitive.ObjectIDFromHex(id); err == nil {
		return oid
	}
	return id
}

// toBSON converts a Value to the bson form stored by the driver. Integral
// numbers become int64 so documents written by other clients compare the
// same way.
func toBSON(v Value) interface{} {
	switch v.Kind() {
	case KindString:
		s, _ := v.Str()
		return s
	case KindNumber:
		n, _ := v.Num()
		if isIntegral(n) && math.Abs(n) < 1<<53 {
			return int64(n)
		}
		return n
	case KindBool:
		b, _ := v.Boolean()
		return b
	case KindArray:
		elems, _ := v.Elems()
		arr := make(bson.A, len(elems))
		for i, e := range elems {
			arr[i] = toBSON(e)
		}
		return arr
	case KindDocument:
		doc, _ := v.Doc()
		return renderDocument(doc)
	}
	return nil
}

// renderDocument produces a bson.D with sorted keys.
func renderDocument(doc Document) bson.D {
	out := make(bson.D, 0, len(doc))
	for _, k := range doc.Keys() {
		val := toBSON(doc[k])
		if k == idKey {
			if s, ok := doc[k].Str(); ok {
				val = renderID(s)
			}
		}
		out = append(out, bson.E{Key: k, Value: val})
	}
	return out
}

func fromBSON(x interface{}) (Value, error) {
	switch v := x.(type) {
	case nil, primitive.Null, primitive.Undefined:
		return Null(), nil
	case primitive.ObjectID:
		return String(v.Hex()), nil
	case primitive.DateTime:
		return Number(float64(v)), nil
	case primitive.Timestamp:
		return Number(float64(v.T)), nil
	case primitive.Decimal128:
		f, err := strconv.ParseFloat(v.String(), 64)
		if err != nil {
			return Value{}, fmt.Errorf("decimal %s: %w", v, err)
		}
		return Number(f), nil
	case primitive.Regex:
		return String(v.Pattern), nil
	case bson.D:
		doc := make(Document, len(v))
		for _, e := range v {
			ev, err := fromBSON(e.Value)
			if err != nil {
				return Value{}, fmt.Errorf("%s: %w", e.Key, err)
			}
			doc[e.Key] = ev
		}
		return DocumentValue(doc), nil
	case bson.M:
		doc := make(Document, len(v))
		for k, e := range v {
			ev, err := fromBSON(e)
			if err != nil {
				return Value{}, fmt.Errorf("%s: %w", k, err)
			}
			doc[k] = ev
		}
		return DocumentValue(doc), nil
	case bson.A:
		elems := make([]Value, len(v))
		for i, e := range v {
			ev, err := fromBSON(e)
			if err != nil {
				return Value{}, err
			}
			elems[i] = ev
		}
		return Array(elems...), nil
	}

	return ValueOf(x)
}

// renderFilter renders criteria as a MongoDB query document. Constraints of
// one field share an operator document unless an operator repeats, in which
// case each constraint gets its own clause under $and.
func renderFilter(c Criteria) bson.D {
	switch n := c.(type) {
	case FieldCriteria:
		return renderFieldCriteria(n)
	case LogicalCriteria:
		children := make(bson.A, len(n.children))
		for i, child := range n.children {
			children[i] = renderFilter(child)
		}
		return bson.D{{Key: string(n.kind), Value: children}}
	}
	return bson.D{}
}

func renderFieldCriteria(c FieldCriteria) bson.D {
	seen := make(map[Operator]bool, len(c.constraints))
	repeated := false
	for _, cons := range c.constraints {
		if seen[cons.Op] {
			repeated = true
		}
		seen[cons.Op] = true
	}

	if repeated {
		clauses := make(bson.A, len(c.constraints))
		for i, cons := range c.constraints {
			clauses[i] = bson.D{{Key: c.field, Value: bson.D{renderConstraint(c.field, cons)}}}
		}
		return bson.D{{Key: string(LogicAnd), Value: clauses}}
	}

	ops := make(bson.D, len(c.constraints))
	for i, cons := range c.constraints {
		ops[i] = renderConstraint(c.field, cons)
	}
	return bson.D{{Key: c.field, Value: ops}}
}

func renderConstraint(field string, cons Constraint) bson.E {
	operand := func(v Value) interface{} {
		if s, ok := v.Str(); ok && field == idKey {
			return renderID(s)
		}
		return toBSON(v)
	}

	switch cons.Op {
	case OpIn, OpNin:
		set := make(bson.A, len(cons.Values))
		for i, v := range cons.Values {
			set[i] = operand(v)
		}
		return bson.E{Key: string(cons.Op), Value: set}
	case OpExists, OpRegex:
		return bson.E{Key: string(cons.Op), Value: toBSON(cons.Value)}
	}
	return bson.E{Key: string(cons.Op), Value: operand(cons.Value)}
}

func renderSort(orders []Order, tieBreak bool) bson.D {
	out := bson.D{}
	hasID := false
	for _, o := range orders {
		out = append(out, bson.E{Key: o.Field, Value: int(o.Direction)})
		hasID = hasID || o.Field == idKey
	}
	if tieBreak && !hasID {
		out = append(out, bson.E{Key: idKey, Value: 1})
	}
	return out
}

// renderUpdate groups operations by operator in order of first use.
func renderUpdate(ops []UpdateOperation) bson.D {
	out := bson.D{}
	index := make(map[UpdateOperator]int)
	for _, op := range ops {
		i, ok := index[op.Op]
		if !ok {
			i = len(out)
			index[op.Op] = i
			out = append(out, bson.E{Key: string(op.Op), Value: bson.D{}})
		}

		var val interface{} = ""
		if op.Op != OpUnset {
			val = toBSON(op.Value)
		}
		out[i].Value = append(out[i].Value.(bson.D), bson.E{Key: op.Field, Value: val})
	}
	return out
}

// renderPipeline renders stages in order. A group stage expands to $group
// followed by stages lifting the group keys to top-level fields and dropping
// _id.
func renderPipeline(stages []Stage) mongo.Pipeline {
	out := mongo.Pipeline{}
	for _, stage := range stages {
		switch st := stage.(type) {
		case MatchStage:
			out = append(out, bson.D{{Key: "$match", Value: renderFilter(st.Criteria)}})
		case GroupStage:
			out = append(out, renderGroup(st)...)
		case ProjectStage:
			proj := bson.D{}
			for _, f := range st.Fields {
				proj = append(proj, bson.E{Key: f, Value: 1})
			}
			out = append(out, bson.D{{Key: "$project", Value: proj}})
		case SkipStage:
			out = append(out, bson.D{{Key: "$skip", Value: st.N}})
		case LimitStage:
			out = append(out, bson.D{{Key: "$limit", Value: st.N}})
		case SortStage:
			out = append(out, bson.D{{Key: "$sort", Value: renderSort(st.Orders, false)}})
		}
	}
	return out
}

func renderGroup(st GroupStage) []bson.D {
	var id interface{}
	if len(st.Keys) > 0 {
		keys := bson.D{}
		for _, k := range st.Keys {
			keys = append(keys, bson.E{Key: k.Name, Value: "$" + k.Path})
		}
		id = keys
	}

	group := bson.D{{Key: idKey, Value: id}}
	for _, acc := range st.Accumulators {
		var expr bson.E
		switch acc.Op {
		case AccCount:
			expr = bson.E{Key: string(AccSum), Value: 1}
		default:
			expr = bson.E{Key: string(acc.Op), Value: "$" + acc.Field}
		}
		group = append(group, bson.E{Key: acc.Out, Value: bson.D{expr}})
	}

	out := []bson.D{{{Key: "$group", Value: group}}}
	if len(st.Keys) > 0 {
		out = append(out, bson.D{{Key: "$replaceRoot", Value: bson.D{
			{Key: "newRoot", Value: bson.D{{Key: "$mergeObjects", Value: bson.A{"$" + idKey, "$$ROOT"}}}},
		}}})
	}
	return append(out, bson.D{{Key: "$project", Value: bson.D{{Key: idKey, Value: 0}}}})
}

func bsonString(doc bson.D) string {
	data, err := bson.MarshalExtJSON(doc, false, false)
	if err != nil {
		return "<" + err.Error() + ">"
	}
	return string(data)
}
