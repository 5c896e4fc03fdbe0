// Package reversible implements the reversible (invertible-coupling) layer
// training engine.
//
// A stack of coupling layers carries two state streams (x1, x2). Forward runs
// with no gradient tracking and keeps only the final pair plus, per
// sub-transform, the generator state it ran under. Backward walks the stack
// in reverse, re-evaluates each sub-transform under its recorded generator
// state, reconstructs the layer inputs by residual subtraction, and
// propagates gradients. Activation memory is constant in depth.
//
// Two layer variants share the Layer interface:
//   - EncoderLayer: y1 = F(x2) + x1, y2 = G(y1) + x2
//   - DecoderLayer: z1 = F(x2) + x1, z2 = G1(z1) + x2,
//     y1 = H(z2, context) + z1, y2 = G2(y1) + z2
//
// Usage:
//
//	eng := reversible.NewEngine()
//	merged, snap, _, err := eng.Forward(ctx, layers, input, side, gen)
//	// ... loss, gradMerged ...
//	gradInput, gradContext, err := eng.Backward(ctx, snap, gradMerged, acc)
package reversible

import (
	"github.com/born-ml/revformer/internal/autodiff"
	"github.com/born-ml/revformer/internal/nn"
	"github.com/born-ml/revformer/internal/rng"
	"github.com/born-ml/revformer/internal/tensor"
)

// Pair holds the two state streams, or their gradients.
type Pair struct {
	X1, X2 *tensor.Tensor
}

// Layer is one coupling layer of a reversible stack.
type Layer interface {
	nn.Module

	// Forward computes the output pair. It does not record on b's tape and
	// returns the snapshot needed to replay it, plus source coverage for
	// layers that attend over a context.
	Forward(b *autodiff.Backend, gen *rng.Generator, in Pair, side nn.Side) (out Pair, snap *LayerSnapshot, coverage *tensor.Tensor, err error)

	// Backward reconstructs the input pair from the output pair, consuming
	// snap, and propagates grad. Parameter gradients go to acc. gradContext
	// is nil for layers that do not read side.Context.
	Backward(
		b *autodiff.Backend, gen *rng.Generator,
		out, grad Pair, side nn.Side,
		snap *LayerSnapshot, acc *nn.GradStore,
	) (in, gradIn Pair, gradContext *tensor.Tensor, err error)
}

// LayerSnapshot holds the generator state captured before each
// sub-transform of one layer, in execution order. States are consumed last
// in first out, each exactly once.
type LayerSnapshot struct {
	states []rng.State
}

func (s *LayerSnapshot) push(st rng.State) {
	s.states = append(s.states, st)
}

// pop removes and returns the most recent state.
func (s *LayerSnapshot) pop() (rng.State, error) {
	if s == nil || len(s.states) == 0 {
		return rng.State{}, ErrSnapshotConsumed
	}
	st := s.states[len(s.states)-1]
	s.states = s.states[:len(s.states)-1]
	return st, nil
}

// Len returns the number of states not yet consumed.
func (s *LayerSnapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.states)
}

// evaluate runs u with no gradient tracking. When snap is non-nil, the
// generator state is captured first.
func evaluate(b *autodiff.Backend, gen *rng.Generator, u nn.Unit, x *tensor.Tensor, side nn.Side, snap *LayerSnapshot) (nn.Result, error) {
	if snap != nil {
		snap.push(gen.Snapshot())
	}
	var res nn.Result
	err := b.NoGrad(func() error {
		var err error
		res, err = u.Evaluate(b, gen, x, side)
		return err
	})
	return res, err
}

// replayed is the outcome of a sub-transform recomputation.
type replayed struct {
	output      *tensor.Tensor // Recomputed sub-transform output
	gradInput   *tensor.Tensor // dL/dx through the sub-transform
	gradContext *tensor.Tensor // dL/dcontext, when requested
}

// replay re-evaluates u on a fresh leaf copy of x under the next state of
// snap, backpropagates grad through it and accumulates u's parameter
// gradients into acc. With withContext the context is a leaf too and its
// gradient is returned.
func replay(
	b *autodiff.Backend, gen *rng.Generator, u nn.Unit,
	x, grad *tensor.Tensor, side nn.Side,
	snap *LayerSnapshot, acc *nn.GradStore, withContext bool,
) (replayed, error) {
	st, err := snap.pop()
	if err != nil {
		return replayed{}, err
	}
	defer b.Tape().Clear()

	var r replayed
	err = gen.Fork(st, func() error {
		return b.EnableGrad(func() error {
			leaf := x.Clone()
			var ctxLeaf *tensor.Tensor
			if withContext {
				ctxLeaf = side.Context.Clone()
				side.Context = ctxLeaf
			}

			res, err := u.Evaluate(b, gen, leaf, side)
			if err != nil {
				return err
			}
			grads, err := b.Backward(res.Output, grad)
			if err != nil {
				return err
			}
			u.AccumulateGradient(grads, acc)

			r.output = res.Output
			r.gradInput = gradOrZeros(grads, leaf)
			if withContext {
				r.gradContext = gradOrZeros(grads, ctxLeaf)
			}
			return nil
		})
	})
	return r, err
}

func gradOrZeros(grads autodiff.Gradients, t *tensor.Tensor) *tensor.Tensor {
	if g := grads.Of(t); g != nil {
		return g
	}
	return tensor.ZerosLike(t)
}
