package vector

import (
	"math"

	"github.com/hyperjump/kanshou/internal/errs"
)

// InnerProduct returns the inner product of two vectors.
func InnerProduct(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}

// L2Norm returns the L2 norm of a vector.
func L2Norm(x []float32) float64 {
	var sum float64
	for _, v := range x {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum)
}

// CosineSimilarity returns dot(a,b)/(|a||b|) clamped to [-1, 1], or 0 when either norm is zero.
func CosineSimilarity(a, b []float32) float64 {
	return cosine(a, L2Norm(a), b, L2Norm(b))
}

func cosine(a []float32, na float64, b []float32, nb float64) float64 {
	if na == 0 || nb == 0 {
		return 0
	}
	return math.Max(-1, math.Min(1, InnerProduct(a, b)/(na*nb)))
}

// checkQuery validates a query against dimension dim and returns its norm.
func checkQuery(query []float32, dim, k int) (float64, error) {
	if len(query) != dim {
		return 0, errs.DimensionMismatch(errs.CodeQueryDimensionMismatch, dim, len(query))
	}
	if k <= 0 {
		return 0, errs.Invalid(errs.CodeQueryInvalid, "k must be positive, got %d", k)
	}
	for i, v := range query {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return 0, errs.Invalid(errs.CodeQueryInvalid, "query component %d is not finite", i)
		}
	}
	n := L2Norm(query)
	if n == 0 {
		return 0, errs.Invalid(errs.CodeQueryInvalid, "query vector has zero norm")
	}
	return n, nil
}

// normalized returns a unit-length copy of v.
func normalized(v []float32) []float32 {
	out := make([]float32, len(v))
	n := L2Norm(v)
	if n == 0 {
		return out
	}
	for i, x := range v {
		out[i] = float32(float64(x) / n)
	}
	return out
}
