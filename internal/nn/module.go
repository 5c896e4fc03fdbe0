// Package nn implements the neural network building blocks of the engine.
//
// This package provides:
//   - Parameter and GradStore: trainable tensors and an explicit gradient accumulator
//   - Linear, LayerNorm, Dropout, Embedding: basic layers
//   - MultiHeadAttention with an incremental AttentionCache
//   - SelfAttention, FeedForward, SourceAttention: the Transform Units the
//     reversible coupling layers are built from
//   - Config: hyperparameters shared by every unit of a stack
//
// Units never hold hidden randomness. Every stochastic draw comes from the
// *rng.Generator passed to Evaluate, so re-running a unit under a restored
// generator state reproduces its output bit for bit.
package nn

import (
	"github.com/born-ml/revformer/internal/autodiff"
	"github.com/born-ml/revformer/internal/rng"
	"github.com/born-ml/revformer/internal/tensor"
)

// Module is anything that owns trainable parameters.
type Module interface {
	// Parameters returns all trainable parameters, nested ones included.
	Parameters() []*Parameter
}

// Side carries the layer-invariant inputs of a unit evaluation.
type Side struct {
	// Pos holds position encodings [maxLen, feature]; rows are taken from
	// the current offset. Nil disables position encodings.
	Pos *tensor.Tensor

	// Mask is the self-attention mask over the state stream.
	Mask *autodiff.AttentionMask

	// Context is the shared source tensor [srcLen, batch, feature] read by
	// SourceAttention. It is never mutated.
	Context *tensor.Tensor

	// ContextMask masks padded context positions.
	ContextMask *autodiff.AttentionMask

	// Cache holds projected keys and values for incremental decoding.
	// Nil for whole-sequence evaluation.
	Cache *AttentionCache

	// Training enables dropout.
	Training bool
}

// Result is the output of a unit evaluation.
type Result struct {
	Output *tensor.Tensor

	// Coverage holds attention probabilities [batch, heads, q, k] for units
	// that report them, nil otherwise.
	Coverage *tensor.Tensor
}

// Unit is a differentiable sub-transform of a coupling layer.
//
// Evaluate computes the unit's output through b, recording on b's tape when
// it is recording. AccumulateGradient adds the parameter gradients found in
// grads into acc. A unit must draw all randomness from gen.
type Unit interface {
	Module
	Evaluate(b *autodiff.Backend, gen *rng.Generator, x *tensor.Tensor, side Side) (Result, error)
	AccumulateGradient(grads autodiff.Gradients, acc *GradStore)
}

// accumulate adds the gradient of every parameter that received one.
func accumulate(params []*Parameter, grads autodiff.Gradients, acc *GradStore) {
	for _, p := range params {
		if g := grads.Of(p.Tensor()); g != nil {
			acc.Accumulate(p, g)
		}
	}
}

// collect concatenates the parameters of several modules.
func collect(mods ...Module) []*Parameter {
	var params []*Parameter
	for _, m := range mods {
		params = append(params, m.Parameters()...)
	}
	return params
}
