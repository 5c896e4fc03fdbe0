package tensor

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Add returns a + b element-wise. Shapes must match.
func Add(a, b *Tensor) *Tensor {
	mustMatch("Add", a.shape, b.shape)
	out := ZerosLike(a)
	floats.AddTo(out.data, a.data, b.data)
	return out
}

// Sub returns a - b element-wise. Shapes must match.
func Sub(a, b *Tensor) *Tensor {
	mustMatch("Sub", a.shape, b.shape)
	out := ZerosLike(a)
	floats.SubTo(out.data, a.data, b.data)
	return out
}

// Mul returns a * b element-wise. Shapes must match.
func Mul(a, b *Tensor) *Tensor {
	mustMatch("Mul", a.shape, b.shape)
	out := ZerosLike(a)
	floats.MulTo(out.data, a.data, b.data)
	return out
}

// Scale returns s * a.
func Scale(a *Tensor, s float64) *Tensor {
	out := ZerosLike(a)
	floats.ScaleTo(out.data, s, a.data)
	return out
}

// Average returns (a + b) / 2.
func Average(a, b *Tensor) *Tensor {
	out := Add(a, b)
	floats.Scale(0.5, out.data)
	return out
}

// AddInPlace performs dst += src.
func AddInPlace(dst, src *Tensor) {
	mustMatch("AddInPlace", dst.shape, src.shape)
	floats.Add(dst.data, src.data)
}

// AddScaledInPlace performs dst += alpha * src.
func AddScaledInPlace(dst *Tensor, alpha float64, src *Tensor) {
	mustMatch("AddScaledInPlace", dst.shape, src.shape)
	floats.AddScaled(dst.data, alpha, src.data)
}

// Sum returns the sum of all elements.
func Sum(t *Tensor) float64 {
	return floats.Sum(t.data)
}

// Dot returns the sum of a * b over all elements.
func Dot(a, b *Tensor) float64 {
	mustMatch("Dot", a.shape, b.shape)
	return floats.Dot(a.data, b.data)
}

// Norm returns the L2 norm of all elements.
func Norm(t *Tensor) float64 {
	return floats.Norm(t.data, 2)
}

// dense views a 2-D tensor as a gonum matrix sharing its buffer.
func dense(t *Tensor) *mat.Dense {
	if len(t.shape) != 2 {
		panic(fmt.Sprintf("matmul: expected 2D tensor, got shape %v", t.shape))
	}
	return mat.NewDense(t.shape[0], t.shape[1], t.data)
}

// MatMul returns a @ b for a [n, k] and b [k, m].
func MatMul(a, b *Tensor) *Tensor {
	if a.Dim(1) != b.Dim(0) {
		panic(fmt.Sprintf("MatMul: %v: %v @ %v", ErrShapeMismatch, a.shape, b.shape))
	}
	out := Zeros(Shape{a.Dim(0), b.Dim(1)})
	dense(out).Mul(dense(a), dense(b))
	return out
}

// MatMulTransA returns aᵀ @ b for a [k, n] and b [k, m].
func MatMulTransA(a, b *Tensor) *Tensor {
	if a.Dim(0) != b.Dim(0) {
		panic(fmt.Sprintf("MatMulTransA: %v: %v, %v", ErrShapeMismatch, a.shape, b.shape))
	}
	out := Zeros(Shape{a.Dim(1), b.Dim(1)})
	dense(out).Mul(dense(a).T(), dense(b))
	return out
}

// MatMulTransB returns a @ bᵀ for a [n, k] and b [m, k].
func MatMulTransB(a, b *Tensor) *Tensor {
	if a.Dim(1) != b.Dim(1) {
		panic(fmt.Sprintf("MatMulTransB: %v: %v, %v", ErrShapeMismatch, a.shape, b.shape))
	}
	out := Zeros(Shape{a.Dim(0), b.Dim(0)})
	dense(out).Mul(dense(a), dense(b).T())
	return out
}

// SumRows reduces a tensor viewed as [Rows, Last] over its rows,
// returning a [Last] tensor. Used for bias gradients.
func SumRows(t *Tensor) *Tensor {
	d := t.shape.Last()
	out := Zeros(Shape{d})
	for r := 0; r < t.shape.Rows(); r++ {
		floats.Add(out.data, t.Row(r))
	}
	return out
}

// MaxAbsDiff returns max |a - b| over all elements.
func MaxAbsDiff(a, b *Tensor) float64 {
	mustMatch("MaxAbsDiff", a.shape, b.shape)
	m := 0.0
	for i := range a.data {
		m = math.Max(m, math.Abs(a.data[i]-b.data[i]))
	}
	return m
}

// AllClose reports whether |a - b| <= atol + rtol*|b| for every element.
func AllClose(a, b *Tensor, rtol, atol float64) bool {
	if !a.shape.Equal(b.shape) {
		return false
	}
	for i := range a.data {
		if math.Abs(a.data[i]-b.data[i]) > atol+rtol*math.Abs(b.data[i]) {
			return false
		}
	}
	return true
}

// Equal reports whether a and b have the same shape and bit-identical data.
func Equal(a, b *Tensor) bool {
	return a.shape.Equal(b.shape) && floats.Equal(a.data, b.data)
}
