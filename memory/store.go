package memory

// Store is the corpus contract consumed by the retrieval provider. Swap the
// in-memory implementation for a vector database or search index at wiring
// time.
type Store interface {
	Store(namespace, content string, metadata map[string]any) (string, error)
	Search(namespace, query string, limit int) ([]Result, error)
	Delete(namespace, id string) error
}

var _ Store = (*InMemoryStore)(nil)
