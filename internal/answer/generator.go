// Package answer defines the answer-generator port and an OpenAI-compatible
// HTTP adapter.
package answer

import (
	"context"

	"github.com/parley-hq/parley/internal/convo"
	"github.com/parley-hq/parley/internal/retrieval"
)

// Request carries everything the generator needs for one turn.
type Request struct {
	TenantID   string
	SessionKey string
	Query      string
	History    []*convo.Message
	Passages   []retrieval.Passage
}

// Response is the generated candidate answer.
type Response struct {
	Text string
	// PassagesUsed are the passages the generator actually grounded the
	// answer on (subset of Request.Passages).
	PassagesUsed []retrieval.Passage
}

// Generator produces a candidate answer for one coalesced turn.
type Generator interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}
