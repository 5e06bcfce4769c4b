package docmap

import "context"

// FindRequest describes one document lookup. A nil Criteria matches every
// document; zero Skip and Limit mean no pagination.
type FindRequest struct {
	Criteria   Criteria
	Sort       []Order
	Skip       int64
	Limit      int64
	Projection []string
}

// Store is a schema-less document store. Field names in every argument are
// document keys (dotted for nested paths); identifiers are opaque strings
// stored under "_id".
type Store interface {
	Find(ctx context.Context, collection string, req FindRequest) ([]Document, error)
	// Distinct returns the distinct values of field among matching documents.
	// Array values contribute their elements.
	Distinct(ctx context.Context, collection string, criteria Criteria, field string) ([]Value, error)
	// Insert stores docs and returns their identifiers in order, generating
	// one for every document without "_id".
	Insert(ctx context.Context, collection string, docs []Document) ([]string, error)
	Update(ctx context.Context, collection string, criteria Criteria, ops []UpdateOperation, multi bool) (UpdateResult, error)
	// Replace overwrites the document with the given identifier, inserting it
	// when upsert is set and no such document exists.
	Replace(ctx context.Context, collection string, id string, doc Document, upsert bool) (UpdateResult, error)
	Remove(ctx context.Context, collection string, criteria Criteria) (int64, error)
	Aggregate(ctx context.Context, collection string, stages []Stage) ([]Document, error)
}
