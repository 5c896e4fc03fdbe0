// Package autodiff implements tape-based reverse-mode automatic differentiation.
//
// Backend computes tensor operations and, while its GradientTape is
// recording, records each one as an ops.Operation. Backward walks the tape in
// reverse and returns a gradient for every tensor that contributed to the
// output.
//
// Architecture:
//   - Backend: computes ops (tensor kernels) and records them on the tape
//   - GradientTape: records operations during the forward pass
//   - Operation interface: each op implements its own backward pass
//   - NoGrad / EnableGrad: scoped control of recording
//
// Usage:
//
//	b := autodiff.New()
//	b.Tape().StartRecording()
//	y := b.Linear(x, w, bias)
//	grads, err := b.Backward(y, tensor.Ones(y.Shape()))
//	gw := grads.Of(w)
package autodiff

import (
	"errors"

	"github.com/born-ml/revformer/internal/autodiff/ops"
	"github.com/born-ml/revformer/internal/parallel"
	"github.com/born-ml/revformer/internal/tensor"
)

// ErrResourceExhausted reports that a computation exceeded the activation
// budget of the tape. The caller can drop the step and retry smaller.
var ErrResourceExhausted = errors.New("resource exhausted")

// AttentionMask is re-exported for callers that build masks.
type AttentionMask = ops.AttentionMask

// Backend computes tensor operations and records them on a GradientTape.
type Backend struct {
	tape *GradientTape
	par  parallel.Config
}

// New creates a Backend with a fresh, non-recording tape and the default
// kernel parallelism.
func New() *Backend {
	return &Backend{
		tape: NewGradientTape(),
		par:  parallel.DefaultConfig(),
	}
}

// Tape returns the gradient tape for manual control.
func (b *Backend) Tape() *GradientTape {
	return b.tape
}

// SetParallel sets the kernel parallelism config.
func (b *Backend) SetParallel(cfg parallel.Config) {
	b.par = cfg
}

// SetMemoryLimit sets the tape's activation budget in elements.
func (b *Backend) SetMemoryLimit(elements int) {
	b.tape.SetMemoryLimit(elements)
}

// NoGrad runs fn with recording disabled and restores the previous mode.
func (b *Backend) NoGrad(fn func() error) error {
	was := b.tape.IsRecording()
	b.tape.StopRecording()
	defer func() {
		if was {
			b.tape.StartRecording()
		}
	}()
	return fn()
}

// EnableGrad runs fn on a cleared, recording tape and restores the previous
// mode afterwards. Recorded operations stay on the tape for Backward.
func (b *Backend) EnableGrad(fn func() error) error {
	was := b.tape.IsRecording()
	b.tape.Clear()
	b.tape.StartRecording()
	defer func() {
		if !was {
			b.tape.StopRecording()
		}
	}()
	return fn()
}

// Backward computes gradients of output seeded with outputGrad.
func (b *Backend) Backward(output, outputGrad *tensor.Tensor) (Gradients, error) {
	return b.tape.Backward(output, outputGrad)
}

// Add performs element-wise addition and records the operation.
func (b *Backend) Add(x, y *tensor.Tensor) *tensor.Tensor {
	result := tensor.Add(x, y)
	b.tape.Record(ops.NewAddOp(x, y, result))
	return result
}

// Sub performs element-wise subtraction and records the operation.
func (b *Backend) Sub(x, y *tensor.Tensor) *tensor.Tensor {
	result := tensor.Sub(x, y)
	b.tape.Record(ops.NewSubOp(x, y, result))
	return result
}

// Scale multiplies by a constant and records the operation.
func (b *Backend) Scale(x *tensor.Tensor, s float64) *tensor.Tensor {
	result := tensor.Scale(x, s)
	b.tape.Record(ops.NewScaleOp(x, result, s))
	return result
}

// Mask multiplies by a constant mask and records the operation.
// The mask itself receives no gradient.
func (b *Backend) Mask(x, mask *tensor.Tensor) *tensor.Tensor {
	result := tensor.Mul(x, mask)
	b.tape.Record(ops.NewMaskOp(x, mask, result))
	return result
}

// Reshape returns a reshaped view and records the operation.
func (b *Backend) Reshape(x *tensor.Tensor, shape ...int) *tensor.Tensor {
	result := x.Reshape(shape...)
	b.tape.Record(ops.NewReshapeOp(x, result))
	return result
}

// Linear computes x @ W + b over the last dimension and records the operation.
// bias may be nil.
func (b *Backend) Linear(x, weight, bias *tensor.Tensor) *tensor.Tensor {
	result := ops.LinearForward(x, weight, bias)
	b.tape.Record(ops.NewLinearOp(x, weight, bias, result))
	return result
}

// ReLU applies max(0, x) and records the operation.
func (b *Backend) ReLU(x *tensor.Tensor) *tensor.Tensor {
	result := ops.ReLUForward(x)
	b.tape.Record(ops.NewReLUOp(x, result))
	return result
}

// GELU applies the tanh-approximated GELU and records the operation.
func (b *Backend) GELU(x *tensor.Tensor) *tensor.Tensor {
	result := ops.GELUForward(x)
	b.tape.Record(ops.NewGELUOp(x, result))
	return result
}

// LayerNorm normalizes over the last dimension and records the operation.
func (b *Backend) LayerNorm(x, gamma, beta *tensor.Tensor, eps float64) *tensor.Tensor {
	result, xhat, rstd := ops.LayerNormForward(x, gamma, beta, eps)
	b.tape.Record(ops.NewLayerNormOp(x, gamma, beta, result, xhat, rstd))
	return result
}

// AddPositions adds [seq, feature] encodings to a [seq, batch, feature]
// input and records the operation.
func (b *Backend) AddPositions(x, pos *tensor.Tensor) *tensor.Tensor {
	result := ops.AddPositionsForward(x, pos)
	b.tape.Record(ops.NewAddPositionsOp(x, pos, result))
	return result
}

// Attention computes multi-head attention and records the operation.
// It returns the output and the (pre-dropout) attention probabilities;
// the probabilities are not differentiable.
func (b *Backend) Attention(q, k, v *tensor.Tensor, heads int, mask *AttentionMask, drop *tensor.Tensor) (out, probs *tensor.Tensor) {
	out, probs = ops.AttentionForward(q, k, v, heads, mask, drop, b.par)
	b.tape.Record(ops.NewAttentionOp(q, k, v, out, probs, drop, heads, b.par))
	return out, probs
}
