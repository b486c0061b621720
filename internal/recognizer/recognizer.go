package recognizer

import (
	"image"
	"math"
)

// EmbeddingDim is the descriptor length of ArcFace-style models.
const EmbeddingDim = 512

// Recognizer maps an aligned face crop to a descriptor. On failure it returns a zero vector
// of the expected length, which never matches anything.
type Recognizer interface {
	Embed(face image.Image) []float32
	Close() error
}

const normEpsilon = 1e-6

// Normalize returns v scaled to unit length. Vectors with a near-zero norm are returned unchanged.
func Normalize(v []float32) []float32 {
	n := norm(v)
	out := make([]float32, len(v))
	if n < normEpsilon {
		copy(out, v)
		return out
	}
	for i, x := range v {
		out[i] = float32(float64(x) / n)
	}
	return out
}

// CosineSimilarity is dot(a,b) / (|a||b|), or 0 if either norm is negligible or the lengths differ.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	denom := math.Sqrt(na) * math.Sqrt(nb)
	if denom <= normEpsilon {
		return 0
	}
	return dot / denom
}

// IsZero reports whether v carries no signal, as returned by a failed Embed.
func IsZero(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}

func norm(v []float32) float64 {
	var s float64
	for _, x := range v {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s)
}
