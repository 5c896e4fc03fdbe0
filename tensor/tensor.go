// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package tensor

import (
	"github.com/born-ml/revformer/internal/tensor"
)

// Type aliases for public API

// Tensor is a dense, contiguous, row-major float64 tensor.
type Tensor = tensor.Tensor

// Shape represents the dimensions of a tensor.
// Example: Shape{5, 2, 16} is a stream of 5 positions, 2 sequences, 16 features.
type Shape = tensor.Shape

// Normal is a source of standard normal samples for Randn.
type Normal = tensor.Normal

// Errors reported by constructors.
var (
	ErrShapeMismatch = tensor.ErrShapeMismatch
	ErrInvalidShape  = tensor.ErrInvalidShape
	ErrDataLength    = tensor.ErrDataLength
)

// Creation functions

// Zeros creates a tensor filled with zeros.
//
// Example:
//
//	x := tensor.Zeros(tensor.Shape{2, 3})
func Zeros(shape Shape) *Tensor {
	return tensor.Zeros(shape)
}

// Ones creates a tensor filled with ones.
func Ones(shape Shape) *Tensor {
	return tensor.Ones(shape)
}

// Full creates a tensor filled with a specific value.
//
// Example:
//
//	x := tensor.Full(tensor.Shape{2, 3}, 3.14)
func Full(shape Shape, value float64) *Tensor {
	return tensor.Full(shape, value)
}

// FromSlice creates a tensor from a Go slice. The slice is copied.
//
// Example:
//
//	x, err := tensor.FromSlice([]float64{1, 2, 3, 4, 5, 6}, tensor.Shape{2, 3})
func FromSlice(data []float64, shape Shape) (*Tensor, error) {
	return tensor.FromSlice(data, shape)
}

// Randn creates a tensor with values drawn from N(0, std²).
func Randn(shape Shape, std float64, src Normal) *Tensor {
	return tensor.Randn(shape, std, src)
}

// Concat joins tensors along the first dimension.
func Concat(ts ...*Tensor) *Tensor {
	return tensor.Concat(ts...)
}

// Element-wise functions

// Add returns a + b.
func Add(a, b *Tensor) *Tensor {
	return tensor.Add(a, b)
}

// Sub returns a - b.
func Sub(a, b *Tensor) *Tensor {
	return tensor.Sub(a, b)
}

// Scale returns a * s.
func Scale(a *Tensor, s float64) *Tensor {
	return tensor.Scale(a, s)
}

// Average returns (a + b) / 2, the merge of two reversible streams.
func Average(a, b *Tensor) *Tensor {
	return tensor.Average(a, b)
}

// Comparison functions

// AllClose reports whether |a - b| <= atol + rtol·|b| holds element-wise.
func AllClose(a, b *Tensor, rtol, atol float64) bool {
	return tensor.AllClose(a, b, rtol, atol)
}

// MaxAbsDiff returns the largest element-wise |a - b|.
func MaxAbsDiff(a, b *Tensor) float64 {
	return tensor.MaxAbsDiff(a, b)
}

// Equal reports whether a and b have the same shape and identical elements.
func Equal(a, b *Tensor) bool {
	return tensor.Equal(a, b)
}
