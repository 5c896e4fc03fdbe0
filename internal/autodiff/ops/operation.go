// Package ops defines the differentiable operations recorded on the gradient tape.
//
// Each operation implements the Operation interface, which provides:
//   - Forward pass: computed by autodiff.Backend before the op is recorded
//   - Backward pass: computes gradients for inputs given output gradient
//
// Supported operations:
//   - AddOp, SubOp, ScaleOp: element-wise arithmetic
//   - MaskOp: multiply by a constant mask (dropout)
//   - ReshapeOp: shape view change
//   - LinearOp: x @ W + b over the last dimension
//   - ReLUOp, GELUOp: activations
//   - LayerNormOp: normalization over the last dimension
//   - AddPositionsOp: broadcast position encodings over the batch axis
//   - AttentionOp: multi-head scaled dot-product attention
package ops

import "github.com/born-ml/revformer/internal/tensor"

// Operation represents a differentiable operation in the computation graph.
// Each operation records its inputs and output during the forward pass,
// and computes input gradients during the backward pass.
type Operation interface {
	// Backward computes gradients for inputs given the output gradient.
	// Returns a slice of gradients corresponding to each input tensor;
	// a nil entry means no gradient flows to that input.
	Backward(outputGrad *tensor.Tensor) []*tensor.Tensor

	// Inputs returns the input tensors for this operation.
	Inputs() []*tensor.Tensor

	// Output returns the output tensor produced by this operation.
	Output() *tensor.Tensor
}
