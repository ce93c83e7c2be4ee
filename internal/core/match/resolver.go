// Package match answers "is this face a known identity" by wrapping the
// embedding index with a similarity threshold.
package match

import (
	"face-sentry-go/config"
	"face-sentry-go/internal/core/index"
	"face-sentry-go/internal/core/vector"
)

// Match is a resolved known identity.
type Match struct {
	PersonID   string
	Similarity float64
}

// Resolver resolves embeddings against the known-identity gallery.
type Resolver struct {
	index *index.Index
	rt    *config.Runtime
}

// NewResolver creates a Resolver over the given index.
func NewResolver(idx *index.Index, rt *config.Runtime) *Resolver {
	return &Resolver{index: idx, rt: rt}
}

// Resolve queries the single nearest known identity and converts its squared
// Euclidean distance to a similarity score. It returns nil when the gallery
// is empty or the best similarity does not exceed the configured match
// threshold. The only error condition is a query of the wrong dimension;
// backend trouble degrades to the index's linear-scan fallback internally.
func (r *Resolver) Resolve(embedding []float32) (*Match, error) {
	neighbors, err := r.index.Search(embedding, 1)
	if err != nil {
		return nil, err
	}
	if len(neighbors) == 0 {
		return nil, nil
	}

	best := neighbors[0]
	similarity := vector.Similarity(best.Distance)
	if similarity <= r.rt.Recognition().MatchThreshold {
		return nil, nil
	}

	return &Match{PersonID: best.ID, Similarity: similarity}, nil
}
