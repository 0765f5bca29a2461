// Package retrieval defines the knowledge-retrieval port: given a tenant and
// a query, return passages ranked by relevance. The core only consumes this
// contract; the index itself is a collaborator.
package retrieval

import "context"

// Passage is one retrieved knowledge snippet. Relevance is always
// higher-is-better in [0,1]; adapters for distance-returning indexes must
// normalize before handing results to the core (see Inverted).
type Passage struct {
	Text      string  `json:"text"`
	Relevance float64 `json:"relevance"`
}

// Retriever queries a tenant's knowledge base.
type Retriever interface {
	Query(ctx context.Context, tenantID, text string, k int) ([]Passage, error)
}

// Inverted wraps a retriever whose underlying index reports distances
// (lower = better) and converts them to relevance scores via 1 − distance.
// Whether a given index needs this depends on its sign convention; confirm
// it before wiring rather than assuming either way.
type Inverted struct {
	Inner Retriever
}

func (r Inverted) Query(ctx context.Context, tenantID, text string, k int) ([]Passage, error) {
	passages, err := r.Inner.Query(ctx, tenantID, text, k)
	if err != nil {
		return nil, err
	}
	out := make([]Passage, len(passages))
	for i, p := range passages {
		out[i] = Passage{Text: p.Text, Relevance: 1 - p.Relevance}
	}
	return out, nil
}
