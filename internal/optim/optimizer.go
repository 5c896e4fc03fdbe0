// Package optim implements optimization algorithms for training neural networks.
//
// This package provides:
//   - Optimizer interface: Base interface for all optimizers
//   - SGD: Stochastic Gradient Descent with momentum
//   - Adam: Adaptive Moment Estimation
//   - ClipGradNorm: global gradient norm clipping
//
// Optimizers read gradients from an nn.GradStore filled by the reversible
// engine's backward pass and update parameter tensors in place.
//
// Example usage:
//
//	optimizer := optim.NewAdam(optim.AdamConfig{LR: 0.001})
//
//	for step := range steps {
//	    acc := nn.NewGradStore()
//	    // ... forward, loss, backward into acc ...
//	    optim.ClipGradNorm(acc, 1.0)
//	    optimizer.Step(acc)
//	}
package optim

import (
	"math"

	"github.com/born-ml/revformer/internal/nn"
)

// Optimizer is the base interface for all optimization algorithms.
type Optimizer interface {
	// Step applies the gradients in grads to their parameters.
	// Parameters without a gradient are left untouched.
	Step(grads *nn.GradStore)

	// LR returns the current learning rate.
	LR() float64

	// SetLR updates the learning rate, e.g. for scheduling.
	SetLR(lr float64)
}

// ClipGradNorm rescales grads so that their global L2 norm is at most
// maxNorm. It returns the norm before clipping. A non-finite norm leaves the
// gradients unchanged so the caller can inspect and skip the step.
func ClipGradNorm(grads *nn.GradStore, maxNorm float64) float64 {
	norm := grads.Norm()
	if math.IsNaN(norm) || math.IsInf(norm, 0) {
		return norm
	}
	if norm > maxNorm && norm > 0 {
		grads.Scale(maxNorm / norm)
	}
	return norm
}
