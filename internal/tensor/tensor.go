// Package tensor implements dense float64 tensors used by the reversible engine.
//
// Tensors are row-major, always contiguous, and own a flat []float64 buffer.
// Reshape returns a view that shares the buffer; every other operation
// allocates its result. Element-wise kernels are backed by gonum/floats and
// matrix products by gonum/mat.
//
// Example:
//
//	x := tensor.Zeros(tensor.Shape{5, 2, 16})
//	y := tensor.Add(x, tensor.Ones(x.Shape()))
package tensor

import (
	"fmt"
	"math"
)

// Tensor is a dense, contiguous, row-major float64 tensor.
type Tensor struct {
	shape  Shape
	stride []int
	data   []float64
}

// Normal is the source of standard normal samples used by Randn.
// *rng.Generator satisfies it.
type Normal interface {
	NormFloat64() float64
}

// Zeros creates a tensor filled with zeros.
// Panics if the shape is invalid.
func Zeros(shape Shape) *Tensor {
	if err := shape.Validate(); err != nil {
		panic(fmt.Sprintf("tensor.Zeros: %v", err))
	}
	return &Tensor{
		shape:  shape.Clone(),
		stride: shape.ComputeStrides(),
		data:   make([]float64, shape.NumElements()),
	}
}

// ZerosLike creates a zero tensor with the same shape as t.
func ZerosLike(t *Tensor) *Tensor {
	return Zeros(t.shape)
}

// Full creates a tensor filled with value.
func Full(shape Shape, value float64) *Tensor {
	t := Zeros(shape)
	for i := range t.data {
		t.data[i] = value
	}
	return t
}

// Ones creates a tensor filled with ones.
func Ones(shape Shape) *Tensor {
	return Full(shape, 1)
}

// FromSlice creates a tensor from a Go slice.
// The slice is copied into the tensor's memory.
func FromSlice(data []float64, shape Shape) (*Tensor, error) {
	if err := shape.Validate(); err != nil {
		return nil, err
	}
	if shape.NumElements() != len(data) {
		return nil, fmt.Errorf("%w: shape %v requires %d elements, got %d",
			ErrDataLength, shape, shape.NumElements(), len(data))
	}
	t := Zeros(shape)
	copy(t.data, data)
	return t, nil
}

// Randn creates a tensor with samples drawn from src scaled by std.
func Randn(shape Shape, std float64, src Normal) *Tensor {
	t := Zeros(shape)
	for i := range t.data {
		t.data[i] = src.NormFloat64() * std
	}
	return t
}

// Shape returns the tensor's shape.
func (t *Tensor) Shape() Shape {
	return t.shape
}

// Dim returns the size of dimension i. Negative indices count from the end.
func (t *Tensor) Dim(i int) int {
	if i < 0 {
		i += len(t.shape)
	}
	return t.shape[i]
}

// Strides returns the tensor's memory strides.
func (t *Tensor) Strides() []int {
	return t.stride
}

// NumElements returns the total number of elements.
func (t *Tensor) NumElements() int {
	return len(t.data)
}

// Data returns the underlying buffer.
//
// WARNING: Modifications to the returned slice will modify the tensor.
func (t *Tensor) Data() []float64 {
	return t.data
}

// offset converts indices to a flat offset, panicking when out of bounds.
func (t *Tensor) offset(indices []int) int {
	if len(indices) != len(t.shape) {
		panic(fmt.Sprintf("expected %d indices, got %d", len(t.shape), len(indices)))
	}
	off := 0
	for i, idx := range indices {
		if idx < 0 || idx >= t.shape[i] {
			panic(fmt.Sprintf("index %d out of bounds for dimension %d (size %d)", idx, i, t.shape[i]))
		}
		off += idx * t.stride[i]
	}
	return off
}

// At returns the element at the given indices.
// Panics if indices are out of bounds.
func (t *Tensor) At(indices ...int) float64 {
	return t.data[t.offset(indices)]
}

// Set sets the element at the given indices.
// Panics if indices are out of bounds.
func (t *Tensor) Set(value float64, indices ...int) {
	t.data[t.offset(indices)] = value
}

// Clone creates a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	c := &Tensor{
		shape:  t.shape.Clone(),
		stride: append([]int(nil), t.stride...),
		data:   make([]float64, len(t.data)),
	}
	copy(c.data, t.data)
	return c
}

// Reshape returns a view with a new shape sharing the same buffer.
// Panics if the element counts differ.
func (t *Tensor) Reshape(shape ...int) *Tensor {
	s := Shape(shape)
	if s.NumElements() != len(t.data) {
		panic(fmt.Sprintf("Reshape: cannot reshape %v (%d elements) to %v", t.shape, len(t.data), s))
	}
	return &Tensor{
		shape:  s.Clone(),
		stride: s.ComputeStrides(),
		data:   t.data,
	}
}

// Narrow returns a view of entries [start, end) along the first dimension.
func (t *Tensor) Narrow(start, end int) *Tensor {
	if start < 0 || end > t.shape[0] || start >= end {
		panic(fmt.Sprintf("Narrow: range [%d, %d) invalid for shape %v", start, end, t.shape))
	}
	shape := t.shape.Clone()
	shape[0] = end - start
	return &Tensor{
		shape:  shape,
		stride: shape.ComputeStrides(),
		data:   t.data[start*t.stride[0] : end*t.stride[0]],
	}
}

// Concat joins tensors along the first dimension. All other dimensions
// must agree.
func Concat(ts ...*Tensor) *Tensor {
	if len(ts) == 0 {
		panic("Concat: no tensors")
	}
	shape := ts[0].shape.Clone()
	shape[0] = 0
	for _, t := range ts {
		if len(t.shape) != len(shape) || !t.shape[1:].Equal(shape[1:]) {
			panic(fmt.Sprintf("Concat: %v: %v vs %v", ErrShapeMismatch, t.shape, ts[0].shape))
		}
		shape[0] += t.shape[0]
	}
	out := Zeros(shape)
	off := 0
	for _, t := range ts {
		off += copy(out.data[off:], t.data)
	}
	return out
}

// Row returns a view of row i when the tensor is seen as [Rows, Last].
func (t *Tensor) Row(i int) []float64 {
	d := t.shape.Last()
	return t.data[i*d : (i+1)*d]
}

// String returns a human-readable representation of the tensor.
func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor[float64]%v", t.shape)
}

// IsFinite reports whether every element is neither NaN nor ±Inf.
func (t *Tensor) IsFinite() bool {
	for _, v := range t.data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
