package retrieval

import (
	"context"
	"fmt"
	"sync"

	"github.com/philippgille/chromem-go"
)

// ChromemRetriever implements Retriever over an embedded chromem-go vector
// store. Each tenant gets its own collection, so queries can never cross
// tenant boundaries. chromem reports cosine similarity (higher = better), so
// no inversion is needed at this boundary.
type ChromemRetriever struct {
	db        *chromem.DB
	embed     chromem.EmbeddingFunc
	mu        sync.Mutex
	colls     map[string]*chromem.Collection
}

// NewChromemRetriever opens (or creates) a persistent chromem store at path.
// An empty path keeps the index in memory.
func NewChromemRetriever(path string, embed chromem.EmbeddingFunc) (*ChromemRetriever, error) {
	var db *chromem.DB
	var err error
	if path != "" {
		db, err = chromem.NewPersistentDB(path, false)
		if err != nil {
			return nil, fmt.Errorf("open vector store: %w", err)
		}
	} else {
		db = chromem.NewDB()
	}
	return &ChromemRetriever{
		db:    db,
		embed: embed,
		colls: make(map[string]*chromem.Collection),
	}, nil
}

func (r *ChromemRetriever) collection(tenantID string) (*chromem.Collection, error) {
	name := "tenant_" + tenantID

	r.mu.Lock()
	defer r.mu.Unlock()
	if col, ok := r.colls[name]; ok {
		return col, nil
	}
	col, err := r.db.GetOrCreateCollection(name, nil, r.embed)
	if err != nil {
		return nil, fmt.Errorf("collection %s: %w", name, err)
	}
	r.colls[name] = col
	return col, nil
}

// Query returns up to k passages from the tenant's collection, ranked by
// cosine similarity.
func (r *ChromemRetriever) Query(ctx context.Context, tenantID, text string, k int) ([]Passage, error) {
	col, err := r.collection(tenantID)
	if err != nil {
		return nil, err
	}

	// chromem rejects nResults beyond the collection size.
	if count := col.Count(); count < k {
		k = count
	}
	if k == 0 {
		return nil, nil
	}

	results, err := col.Query(ctx, text, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("vector query: %w", err)
	}

	passages := make([]Passage, len(results))
	for i, res := range results {
		passages[i] = Passage{Text: res.Content, Relevance: float64(res.Similarity)}
	}
	return passages, nil
}

// Add indexes a knowledge passage into the tenant's collection. Exposed so
// the knowledge-extraction collaborator (out of scope here) and tests can
// populate the index.
func (r *ChromemRetriever) Add(ctx context.Context, tenantID, id, text string) error {
	col, err := r.collection(tenantID)
	if err != nil {
		return err
	}
	if err := col.AddDocument(ctx, chromem.Document{ID: id, Content: text}); err != nil {
		return fmt.Errorf("add document: %w", err)
	}
	return nil
}
