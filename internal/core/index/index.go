// Package index maintains the gallery of known-identity embeddings and
// answers nearest-neighbor queries. Searches run against an immutable
// snapshot (an HNSW graph plus an ordered entry table) that writers replace
// atomically, so readers never block and never observe a partial rebuild.
package index

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/coder/hnsw"
	log "github.com/sirupsen/logrus"

	"face-sentry-go/internal/core/vector"
)

// ErrDimensionMismatch is returned when an embedding of the wrong length
// reaches the index boundary.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// HNSW build parameters for 512-dim face embeddings.
const (
	hnswMaxNeighbors = 16
)

// Entry is one identity in the gallery.
type Entry struct {
	ID        string
	Embedding []float32
}

// Neighbor is a search result, ordered by ascending distance. Distance is
// squared Euclidean over unit vectors.
type Neighbor struct {
	ID       string
	Distance float64
}

// Index is the shared, mutable embedding gallery. Writes rebuild a fresh
// snapshot off the hot path under a writer lock; reads load the current
// snapshot pointer.
type Index struct {
	dim        int
	annEnabled bool

	mu      sync.Mutex // serializes writers
	entries map[string][]float32

	snapshot atomic.Pointer[snapshot]

	annFailureLogged sync.Once
}

type snapshot struct {
	graph   *hnsw.Graph[string]
	entries []Entry
}

// New creates an empty index for embeddings of the given dimension. When
// annEnabled is false every search runs as an exact linear scan.
func New(dim int, annEnabled bool) *Index {
	idx := &Index{
		dim:        dim,
		annEnabled: annEnabled,
		entries:    make(map[string][]float32),
	}
	idx.snapshot.Store(&snapshot{})
	return idx
}

// Dim returns the embedding dimension enforced at the index boundary.
func (idx *Index) Dim() int {
	return idx.dim
}

// Len returns the number of gallery entries.
func (idx *Index) Len() int {
	return len(idx.snapshot.Load().entries)
}

// Add inserts or replaces one identity embedding and publishes a new
// snapshot. The vector is normalized before it is stored.
func (idx *Index) Add(id string, embedding []float32) error {
	if len(embedding) != idx.dim {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(embedding), idx.dim)
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.entries[id] = vector.Normalized(embedding)
	idx.publishLocked()
	return nil
}

// Remove deletes one identity from the gallery. Removing an unknown id is a
// no-op.
func (idx *Index) Remove(id string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if _, ok := idx.entries[id]; !ok {
		return
	}
	delete(idx.entries, id)
	idx.publishLocked()
}

// Rebuild replaces the whole gallery. Entries with a wrong dimension are
// rejected and the gallery is left untouched.
func (idx *Index) Rebuild(entries []Entry) error {
	fresh := make(map[string][]float32, len(entries))
	for _, e := range entries {
		if len(e.Embedding) != idx.dim {
			return fmt.Errorf("%w: entry %s has %d dims, want %d",
				ErrDimensionMismatch, e.ID, len(e.Embedding), idx.dim)
		}
		fresh[e.ID] = vector.Normalized(e.Embedding)
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.entries = fresh
	idx.publishLocked()
	return nil
}

// Search returns the k nearest gallery entries to the query, ordered by
// ascending squared Euclidean distance. An empty gallery yields an empty
// result, not an error. ANN failures fall back to an exact linear scan.
func (idx *Index) Search(query []float32, k int) ([]Neighbor, error) {
	if len(query) != idx.dim {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(query), idx.dim)
	}
	if k <= 0 {
		return nil, nil
	}

	snap := idx.snapshot.Load()
	if len(snap.entries) == 0 {
		return nil, nil
	}

	if snap.graph != nil {
		if neighbors, ok := idx.searchGraph(snap, query, k); ok {
			return neighbors, nil
		}
	}
	return linearScan(snap.entries, query, k), nil
}

// searchGraph queries the HNSW graph. Any panic from the backend is treated
// as BackendUnavailable: logged once, recovered, and the caller falls back to
// the linear scan.
func (idx *Index) searchGraph(snap *snapshot, query []float32, k int) (neighbors []Neighbor, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			idx.annFailureLogged.Do(func() {
				log.Errorf("ANN backend failed, falling back to linear scan: %v", r)
			})
			neighbors, ok = nil, false
		}
	}()

	nodes := snap.graph.Search(query, k)
	neighbors = make([]Neighbor, 0, len(nodes))
	for _, n := range nodes {
		neighbors = append(neighbors, Neighbor{
			ID:       n.Key,
			Distance: vector.SquaredDistance(query, n.Value),
		})
	}
	// The graph returns results in approximate order; re-sort on the exact
	// distances so callers see the same ordering as the linear scan.
	sort.Slice(neighbors, func(i, j int) bool {
		return neighbors[i].Distance < neighbors[j].Distance
	})
	return neighbors, true
}

// publishLocked builds and swaps in a new snapshot. Callers must hold mu.
func (idx *Index) publishLocked() {
	entries := make([]Entry, 0, len(idx.entries))
	for id, emb := range idx.entries {
		entries = append(entries, Entry{ID: id, Embedding: emb})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })

	snap := &snapshot{entries: entries}
	if idx.annEnabled && len(entries) > 0 {
		snap.graph = buildGraph(entries)
	}
	idx.snapshot.Store(snap)
}

func buildGraph(entries []Entry) *hnsw.Graph[string] {
	g := hnsw.NewGraph[string]()
	g.M = hnswMaxNeighbors
	g.Ml = 1.0 / float64(hnswMaxNeighbors)
	g.Distance = squaredEuclidean32
	for _, e := range entries {
		g.Add(hnsw.MakeNode(e.ID, e.Embedding))
	}
	return g
}

func squaredEuclidean32(a, b []float32) float32 {
	return float32(vector.SquaredDistance(a, b))
}

func linearScan(entries []Entry, query []float32, k int) []Neighbor {
	neighbors := make([]Neighbor, 0, len(entries))
	for _, e := range entries {
		neighbors = append(neighbors, Neighbor{
			ID:       e.ID,
			Distance: vector.SquaredDistance(query, e.Embedding),
		})
	}
	sort.Slice(neighbors, func(i, j int) bool {
		return neighbors[i].Distance < neighbors[j].Distance
	})
	if len(neighbors) > k {
		neighbors = neighbors[:k]
	}
	return neighbors
}
