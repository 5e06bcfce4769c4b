package docmap

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jmoiron/sqlx"
)

// PostgresStore keeps every collection in its own table of jsonb documents,
// the identifier being stored both in the id column and in the document:
//
//	(id TEXT PRIMARY KEY, seq BIGSERIAL, doc JSONB NOT NULL)
//
// Tables are created on first write. Criteria, sort and distinct run in SQL;
// updates and aggregation stages after a leading match run in process inside
// the same transaction.
type PostgresStore struct {
	db     *sqlx.DB
	schema string

	ensured sync.Map
}

var _ Store = (*PostgresStore)(nil)

type PostgresOption func(p *PostgresStore)

// WithSchema places collection tables in the given schema.
func WithSchema(schema string) PostgresOption {
	return func(p *PostgresStore) {
		p.schema = schema
	}
}

func NewPostgresStore(db *sqlx.DB, options ...PostgresOption) *PostgresStore {
	p := &PostgresStore{db: db}
	for _, op := range options {
		op(p)
	}
	return p
}

type pgRow struct {
	ID  string `db:"id"`
	Doc []byte `db:"doc"`
}

func (p *PostgresStore) table(collection string) string {
	if p.schema == "" {
		return pgx.Identifier{collection}.Sanitize()
	}
	return pgx.Identifier{p.schema, collection}.Sanitize()
}

func (p *PostgresStore) ensureTable(ctx context.Context, collection string) error {
	if _, ok := p.ensured.Load(collection); ok {
		return nil
	}

	ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (id TEXT PRIMARY KEY, seq BIGSERIAL, doc JSONB NOT NULL)", p.table(collection))
	if _, err := p.db.ExecContext(ctx, ddl); err != nil {
		return wrapPostgresError(err)
	}

	p.ensured.Store(collection, true)
	return nil
}

func decodeRows(rows []pgRow) ([]Document, error) {
	docs := make([]Document, len(rows))
	for i, r := range rows {
		var doc Document
		if err := json.Unmarshal(r.Doc, &doc); err != nil {
			return nil, fmt.Errorf("document %s: %w", r.ID, err)
		}
		if doc == nil {
			doc = Document{}
		}
		doc[idKey] = String(r.ID)
		docs[i] = doc
	}
	return docs, nil
}

func encodeRow(doc Document) (string, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("failed to marshal document: %w", err)
	}
	return string(data), nil
}

// selectDocs runs a document query; a collection never written reads as
// empty.
func (p *PostgresStore) selectDocs(ctx context.Context, q sqlx.QueryerContext, qry string, args []any) ([]Document, error) {
	var rows []pgRow
	if err := sqlx.SelectContext(ctx, q, &rows, qry, args...); err != nil {
		if isUndefinedTable(err) {
			return nil, nil
		}
		return nil, wrapPostgresError(err)
	}
	return decodeRows(rows)
}

func (p *PostgresStore) Find(ctx context.Context, collection string, req FindRequest) ([]Document, error) {
	b := &whereBuilder{}
	where, err := b.criteria(req.Criteria)
	if err != nil {
		return nil, err
	}

	var qry strings.Builder
	fmt.Fprintf(&qry, "SELECT id, doc FROM %s WHERE %s %s", p.table(collection), where, b.orderBy(req.Sort))
	if req.Limit > 0 {
		fmt.Fprintf(&qry, " LIMIT %d", req.Limit)
	}
	if req.Skip > 0 {
		fmt.Fprintf(&qry, " OFFSET %d", req.Skip)
	}

	docs, err := p.selectDocs(ctx, p.db, qry.String(), b.args)
	if err != nil {
		return nil, err
	}
	for i, d := range docs {
		docs[i] = projectDocument(d, req.Projection)
	}
	return docs, nil
}

func (p *PostgresStore) Distinct(ctx context.Context, collection string, criteria Criteria, field string) ([]Value, error) {
	b := &whereBuilder{}
	path := b.path(field)
	sel := fmt.Sprintf(
		"SELECT DISTINCT e::text AS doc FROM %s t, LATERAL jsonb_array_elements(CASE WHEN jsonb_typeof(%s) = 'array' THEN %s ELSE jsonb_build_array(%s) END) AS e",
		p.table(collection), path, path, path,
	)
	where, err := b.criteria(criteria)
	if err != nil {
		return nil, err
	}
	qry := fmt.Sprintf("%s WHERE %s AND %s IS NOT NULL", sel, where, b.path(field))

	var raw [][]byte
	if err := p.db.SelectContext(ctx, &raw, qry, b.args...); err != nil {
		if isUndefinedTable(err) {
			return nil, nil
		}
		return nil, wrapPostgresError(err)
	}

	out := make([]Value, len(raw))
	for i, r := range raw {
		if err := json.Unmarshal(r, &out[i]); err != nil {
			return nil, err
		}
	}
	sortValues(out)
	return out, nil
}

func sortValues(vs []Value) {
	sort.SliceStable(vs, func(i, j int) bool { return CompareValues(vs[i], vs[j]) < 0 })
}

func (p *PostgresStore) Insert(ctx context.Context, collection string, docs []Document) ([]string, error) {
	if len(docs) == 0 {
		return nil, nil
	}
	if err := p.ensureTable(ctx, collection); err != nil {
		return nil, err
	}

	prepared, ids, err := prepareInsert(docs, func(string) bool { return false })
	if err != nil {
		return nil, err
	}

	values := make([]string, len(prepared))
	args := make([]any, 0, 2*len(prepared))
	for i, d := range prepared {
		body, err := encodeRow(d)
		if err != nil {
			return nil, err
		}
		values[i] = "(?, ?::jsonb)"
		args = append(args, ids[i], body)
	}

	qry := fmt.Sprintf("INSERT INTO %s (id, doc) VALUES %s", p.table(collection), strings.Join(values, ", "))
	if _, err := p.db.ExecContext(ctx, p.db.Rebind(qry), args...); err != nil {
		return nil, wrapPostgresError(err)
	}
	return ids, nil
}

func (p *PostgresStore) Update(ctx context.Context, collection string, criteria Criteria, ops []UpdateOperation, multi bool) (UpdateResult, error) {
	if err := p.ensureTable(ctx, collection); err != nil {
		return UpdateResult{}, err
	}

	b := &whereBuilder{}
	where, err := b.criteria(criteria)
	if err != nil {
		return UpdateResult{}, err
	}

	qry := fmt.Sprintf("SELECT id, doc FROM %s WHERE %s ORDER BY seq", p.table(collection), where)
	if !multi {
		qry += " LIMIT 1"
	}
	qry += " FOR UPDATE"

	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return UpdateResult{}, wrapPostgresError(err)
	}
	defer tx.Rollback()

	docs, err := p.selectDocs(ctx, tx, qry, b.args)
	if err != nil {
		return UpdateResult{}, err
	}

	changed, res, err := updateDocuments(docs, nil, ops, true)
	if err != nil {
		return UpdateResult{}, err
	}

	upd := tx.Rebind(fmt.Sprintf("UPDATE %s SET doc = ?::jsonb WHERE id = ?", p.table(collection)))
	for i, d := range changed {
		body, err := encodeRow(d)
		if err != nil {
			return UpdateResult{}, err
		}
		if _, err := tx.ExecContext(ctx, upd, body, docs[i].ID()); err != nil {
			return UpdateResult{}, wrapPostgresError(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return UpdateResult{}, wrapPostgresError(err)
	}
	return res, nil
}

func (p *PostgresStore) Replace(ctx context.Context, collection string, id string, doc Document, upsert bool) (UpdateResult, error) {
	if id == "" {
		return UpdateResult{}, invalidArgf("replace requires an identifier")
	}
	if err := p.ensureTable(ctx, collection); err != nil {
		return UpdateResult{}, err
	}

	replacement := doc.Clone()
	if replacement == nil {
		replacement = Document{}
	}
	replacement[idKey] = String(id)
	body, err := encodeRow(replacement)
	if err != nil {
		return UpdateResult{}, err
	}

	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return UpdateResult{}, wrapPostgresError(err)
	}
	defer tx.Rollback()

	current, err := p.selectDocs(ctx, tx, fmt.Sprintf("SELECT id, doc FROM %s WHERE id = $1 FOR UPDATE", p.table(collection)), []any{id})
	if err != nil {
		return UpdateResult{}, err
	}

	var res UpdateResult
	switch {
	case len(current) == 0 && upsert:
		qry := tx.Rebind(fmt.Sprintf("INSERT INTO %s (id, doc) VALUES (?, ?::jsonb)", p.table(collection)))
		if _, err := tx.ExecContext(ctx, qry, id, body); err != nil {
			return UpdateResult{}, wrapPostgresError(err)
		}
	case len(current) == 1:
		res.MatchedCount = 1
		if !current[0].Equal(replacement) {
			res.ModifiedCount = 1
			qry := tx.Rebind(fmt.Sprintf("UPDATE %s SET doc = ?::jsonb WHERE id = ?", p.table(collection)))
			if _, err := tx.ExecContext(ctx, qry, body, id); err != nil {
				return UpdateResult{}, wrapPostgresError(err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return UpdateResult{}, wrapPostgresError(err)
	}
	return res, nil
}

func (p *PostgresStore) Remove(ctx context.Context, collection string, criteria Criteria) (int64, error) {
	b := &whereBuilder{}
	where, err := b.criteria(criteria)
	if err != nil {
		return 0, err
	}

	qry := fmt.Sprintf("DELETE FROM %s WHERE %s", p.table(collection), where)
	res, err := p.db.ExecContext(ctx, qry, b.args...)
	if err != nil {
		if isUndefinedTable(err) {
			return 0, nil
		}
		return 0, wrapPostgresError(err)
	}
	return res.RowsAffected()
}

// Aggregate pushes a leading match stage into SQL and evaluates the rest in
// process.
func (p *PostgresStore) Aggregate(ctx context.Context, collection string, stages []Stage) ([]Document, error) {
	var criteria Criteria
	if len(stages) > 0 {
		if m, ok := stages[0].(MatchStage); ok {
			criteria = m.Criteria
			stages = stages[1:]
		}
	}

	docs, err := p.Find(ctx, collection, FindRequest{Criteria: criteria})
	if err != nil {
		return nil, err
	}
	return runPipeline(docs, stages)
}
