package docmap

// Model lets an entity name its own collection.
type Model interface {
	CollectionName() string
}

// DBTable is a marker field carrying the collection name in its `name` tag:
//
//	type Order struct {
//		DBTable `name:"order"`
//		ID      string
//	}
type DBTable struct{}
