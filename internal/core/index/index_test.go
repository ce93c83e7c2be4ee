package index

import (
	"errors"
	"fmt"
	"sync"
	"testing"
)

// unitVec returns a unit vector of the given dimension with a 1 at position i.
func unitVec(dim, i int) []float32 {
	v := make([]float32, dim)
	v[i%dim] = 1
	return v
}

func TestAddAndSelfSearch(t *testing.T) {
	for _, annEnabled := range []bool{true, false} {
		t.Run(fmt.Sprintf("ann=%t", annEnabled), func(t *testing.T) {
			idx := New(8, annEnabled)
			for i := 0; i < 8; i++ {
				if err := idx.Add(fmt.Sprintf("person-%d", i), unitVec(8, i)); err != nil {
					t.Fatalf("Add failed: %v", err)
				}
			}

			neighbors, err := idx.Search(unitVec(8, 3), 1)
			if err != nil {
				t.Fatalf("Search failed: %v", err)
			}
			if len(neighbors) != 1 {
				t.Fatalf("expected 1 neighbor, got %d", len(neighbors))
			}
			if neighbors[0].ID != "person-3" {
				t.Errorf("nearest = %s, want person-3", neighbors[0].ID)
			}
			if neighbors[0].Distance > 1e-6 {
				t.Errorf("self distance = %v, want ~0", neighbors[0].Distance)
			}
		})
	}
}

func TestSearchOrdering(t *testing.T) {
	idx := New(2, false)
	// Points on the unit circle at increasing angles from the query (1,0).
	entries := []Entry{
		{ID: "far", Embedding: []float32{-1, 0}},
		{ID: "near", Embedding: []float32{0.999, 0.0447}},
		{ID: "mid", Embedding: []float32{0, 1}},
	}
	if err := idx.Rebuild(entries); err != nil {
		t.Fatalf("Rebuild failed: %v", err)
	}

	neighbors, err := idx.Search([]float32{1, 0}, 3)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	want := []string{"near", "mid", "far"}
	for i, id := range want {
		if neighbors[i].ID != id {
			t.Errorf("neighbors[%d] = %s, want %s", i, neighbors[i].ID, id)
		}
	}
}

func TestDimensionMismatch(t *testing.T) {
	idx := New(4, true)

	if err := idx.Add("a", []float32{1, 0}); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("Add wrong dim: err = %v, want ErrDimensionMismatch", err)
	}
	if _, err := idx.Search([]float32{1, 0}, 1); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("Search wrong dim: err = %v, want ErrDimensionMismatch", err)
	}
	if err := idx.Rebuild([]Entry{{ID: "a", Embedding: []float32{1}}}); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("Rebuild wrong dim: err = %v, want ErrDimensionMismatch", err)
	}
}

func TestSearchEmptyIndex(t *testing.T) {
	idx := New(4, true)
	neighbors, err := idx.Search(unitVec(4, 0), 5)
	if err != nil {
		t.Fatalf("Search on empty index errored: %v", err)
	}
	if len(neighbors) != 0 {
		t.Errorf("expected no neighbors, got %d", len(neighbors))
	}
}

func TestRemove(t *testing.T) {
	idx := New(4, false)
	if err := idx.Add("a", unitVec(4, 0)); err != nil {
		t.Fatal(err)
	}
	if err := idx.Add("b", unitVec(4, 1)); err != nil {
		t.Fatal(err)
	}

	idx.Remove("a")
	idx.Remove("does-not-exist")

	neighbors, err := idx.Search(unitVec(4, 0), 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(neighbors) != 1 || neighbors[0].ID != "b" {
		t.Errorf("after Remove, neighbors = %v, want only b", neighbors)
	}
	if idx.Len() != 1 {
		t.Errorf("Len = %d, want 1", idx.Len())
	}
}

func TestNormalizationAtBoundary(t *testing.T) {
	idx := New(2, false)
	// Stored un-normalized; the index must normalize so a unit query of the
	// same direction has distance ~0.
	if err := idx.Add("a", []float32{10, 0}); err != nil {
		t.Fatal(err)
	}
	neighbors, err := idx.Search([]float32{1, 0}, 1)
	if err != nil {
		t.Fatal(err)
	}
	if neighbors[0].Distance > 1e-6 {
		t.Errorf("distance = %v, want ~0 after normalization", neighbors[0].Distance)
	}
}

// TestConcurrentSearchDuringRebuild exercises the snapshot swap: searches
// racing with adds must always see a consistent index and a nearest self
// match for any entry that was present before the race started.
func TestConcurrentSearchDuringRebuild(t *testing.T) {
	const dim = 16
	idx := New(dim, true)
	for i := 0; i < 8; i++ {
		if err := idx.Add(fmt.Sprintf("stable-%d", i), unitVec(dim, i)); err != nil {
			t.Fatal(err)
		}
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})

	// Writer: continuously adds new entries, triggering rebuilds.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			// Distinct vectors away from the query directions.
			v := make([]float32, dim)
			v[8+i%8] = 1
			v[8+(i/8)%8] += 0.25 + float32(i)*1e-3
			_ = idx.Add(fmt.Sprintf("churn-%d", i), v)
		}
		close(stop)
	}()

	// Readers: every search must find the stable entry as an exact match.
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				query := unitVec(dim, r)
				neighbors, err := idx.Search(query, 4)
				if err != nil {
					t.Errorf("Search failed during rebuild: %v", err)
					return
				}
				if len(neighbors) == 0 {
					t.Error("Search returned no neighbors during rebuild")
					return
				}
				if neighbors[0].Distance > 1e-6 {
					t.Errorf("nearest distance = %v during rebuild, want ~0", neighbors[0].Distance)
					return
				}
			}
		}(r)
	}

	wg.Wait()
}
