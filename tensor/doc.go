// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package tensor provides the public API for the dense tensors the
// reversible engine computes on.
//
// # Overview
//
// A Tensor is a contiguous, row-major float64 array with a Shape. State
// streams flowing through reversible stacks are three-dimensional,
// [seq, batch, feature]; parameters and position tables are one or two
// dimensional.
//
// Creation functions allocate a new tensor:
//
//	x := tensor.Zeros(tensor.Shape{5, 2, 16})
//	y, err := tensor.FromSlice([]float64{1, 2, 3, 4}, tensor.Shape{2, 2})
//	z := tensor.Randn(tensor.Shape{5, 2, 16}, 1.0, gen) // gen: *reversible.Generator
//
// Element-wise functions (Add, Sub, Scale, Average) return new tensors and
// never modify their operands. Shape mismatches in element-wise kernels
// panic; constructors report bad input as errors wrapping ErrInvalidShape or
// ErrDataLength.
//
// # Comparison
//
// AllClose and MaxAbsDiff compare tensors within a tolerance, which is how
// recomputed activations are checked against their originals:
//
//	if !tensor.AllClose(recomputed, original, 1e-5, 1e-8) {
//	    log.Fatalf("max diff %g", tensor.MaxAbsDiff(recomputed, original))
//	}
package tensor
