// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package tensor_test

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/revformer/tensor"
)

func TestCreation(t *testing.T) {
	z := tensor.Zeros(tensor.Shape{2, 3})
	assert.Equal(t, tensor.Shape{2, 3}, z.Shape())
	assert.Equal(t, 6, z.NumElements())

	f := tensor.Full(tensor.Shape{2}, 3.5)
	assert.Equal(t, []float64{3.5, 3.5}, f.Data())
	assert.Equal(t, []float64{1, 1}, tensor.Ones(tensor.Shape{2}).Data())

	x, err := tensor.FromSlice([]float64{1, 2, 3, 4}, tensor.Shape{2, 2})
	require.NoError(t, err)
	assert.InDelta(t, 3.0, x.At(1, 0), 0)

	_, err = tensor.FromSlice([]float64{1, 2, 3}, tensor.Shape{2, 2})
	assert.ErrorIs(t, err, tensor.ErrDataLength)
	_, err = tensor.FromSlice(nil, tensor.Shape{0, 2})
	assert.ErrorIs(t, err, tensor.ErrInvalidShape)

	r := tensor.Randn(tensor.Shape{4, 4}, 0.5, rand.New(rand.NewPCG(1, 2)))
	assert.True(t, r.IsFinite())
	assert.Equal(t, tensor.Shape{8, 4}, tensor.Concat(r, r).Shape())
}

func TestElementwise(t *testing.T) {
	a, err := tensor.FromSlice([]float64{1, 2}, tensor.Shape{2})
	require.NoError(t, err)
	b, err := tensor.FromSlice([]float64{3, 6}, tensor.Shape{2})
	require.NoError(t, err)

	assert.Equal(t, []float64{4, 8}, tensor.Add(a, b).Data())
	assert.Equal(t, []float64{2, 4}, tensor.Sub(b, a).Data())
	assert.Equal(t, []float64{2, 4}, tensor.Scale(a, 2).Data())
	assert.Equal(t, []float64{2, 4}, tensor.Average(a, b).Data())
	assert.Equal(t, []float64{1, 2}, a.Data(), "operands are not modified")
}

func TestComparison(t *testing.T) {
	a := tensor.Full(tensor.Shape{3}, 1)
	b := tensor.Full(tensor.Shape{3}, 1+1e-9)

	assert.True(t, tensor.AllClose(a, b, 1e-5, 1e-8))
	assert.False(t, tensor.Equal(a, b))
	assert.True(t, tensor.Equal(a, a.Clone()))
	assert.InDelta(t, 1e-9, tensor.MaxAbsDiff(a, b), 1e-15)
}
