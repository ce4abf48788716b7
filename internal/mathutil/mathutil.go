// Package mathutil holds the small vector math used by semantic validation.
package mathutil

import "math"

// DotProduct computes the dot product of two vectors. Mismatched
// lengths multiply over the shorter prefix.
func DotProduct(a, b []float32) float32 {
	if len(b) < len(a) {
		a = a[:len(b)]
	}
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// Norm computes the L2 norm (magnitude) of a vector.
func Norm(v []float32) float32 {
	return float32(math.Sqrt(float64(DotProduct(v, v))))
}

// CosineSimilarity computes cosine similarity between two vectors.
// Returns 1 for identical directions, 0 for perpendicular, -1 for opposite.
// Mismatched lengths compare over the shorter prefix.
func CosineSimilarity(a, b []float32) float32 {
	if len(a) > len(b) {
		a = a[:len(b)]
	} else if len(b) > len(a) {
		b = b[:len(a)]
	}
	dot := DotProduct(a, b)
	normA := Norm(a)
	normB := Norm(b)
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (normA * normB)
}

// ClampUnit clips a similarity value into [0,1] for use as a quality signal.
func ClampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
