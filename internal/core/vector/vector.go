// Package vector holds the small amount of embedding math shared by the
// index, the track manager and the unknown-person registry. All distances in
// this codebase are squared Euclidean over unit-normalized vectors, which for
// unit vectors equals twice the cosine distance.
package vector

import "math"

// SquaredDistance computes the squared Euclidean distance between two
// vectors. Mismatched or empty inputs yield the maximum distance for unit
// vectors (4.0) so that degenerate comparisons never match anything.
func SquaredDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 4.0
	}
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return sum
}

// Normalize scales v to unit length in place and returns it. Zero vectors are
// returned unchanged.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	norm := math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
	return v
}

// Normalized returns a unit-length copy of v.
func Normalized(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	return Normalize(out)
}

// Similarity converts a squared Euclidean distance between unit vectors into
// a bounded similarity score in [0,1]. Identical vectors score 1, opposite
// vectors score 0.
func Similarity(squaredDistance float64) float64 {
	s := 1.0 - squaredDistance/4.0
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}
