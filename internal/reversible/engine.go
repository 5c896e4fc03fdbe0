package reversible

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/born-ml/revformer/internal/autodiff"
	"github.com/born-ml/revformer/internal/nn"
	"github.com/born-ml/revformer/internal/rng"
	"github.com/born-ml/revformer/internal/tensor"
)

// StackSnapshot is everything Backward needs to replay a Forward call: the
// final stream pair, one LayerSnapshot per layer, and the side inputs.
// It is consumed by exactly one Backward call.
type StackSnapshot struct {
	layers   []Layer
	gen      *rng.Generator
	side     nn.Side
	final    Pair
	snaps    []*LayerSnapshot
	consumed bool
}

// Len returns the number of layer snapshots.
func (s *StackSnapshot) Len() int {
	return len(s.snaps)
}

// Consumed reports whether Backward already ran on s.
func (s *StackSnapshot) Consumed() bool {
	return s.consumed
}

// Engine drives reversible stacks forward and backward.
// An Engine is not safe for concurrent use.
type Engine struct {
	backend *autodiff.Backend
	logger  *slog.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithBackend sets the backend used for recomputation, e.g. one with a
// memory limit.
func WithBackend(b *autodiff.Backend) EngineOption {
	return func(e *Engine) {
		e.backend = b
	}
}

// WithLogger sets the logger for per-layer debug records.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = l
	}
}

// NewEngine creates an Engine. Without options it uses a fresh backend and
// discards logs.
func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{}
	for _, opt := range opts {
		opt(e)
	}
	if e.backend == nil {
		e.backend = autodiff.New()
	}
	if e.logger == nil {
		e.logger = slog.New(slog.DiscardHandler)
	}
	return e
}

// Backend returns the engine's backend.
func (e *Engine) Backend() *autodiff.Backend {
	return e.backend
}

// Forward runs layers over input without gradient tracking.
//
// Both streams start as input, which is not modified. The merged output is
// (x1 + x2) / 2 of the final pair. coverage holds the source coverage of
// every layer that reports one, in layer order, or nil.
func (e *Engine) Forward(
	ctx context.Context,
	layers []Layer,
	input *tensor.Tensor,
	side nn.Side,
	gen *rng.Generator,
) (merged *tensor.Tensor, snap *StackSnapshot, coverage []*tensor.Tensor, err error) {
	if len(layers) == 0 {
		return nil, nil, nil, ErrEmptyStack
	}
	if len(input.Shape()) != 3 {
		return nil, nil, nil, fmt.Errorf("%w: input must be [seq, batch, feature], got %v", ErrShapeMismatch, input.Shape())
	}
	if side.Cache != nil {
		return nil, nil, nil, ErrCacheInForward
	}

	snap = &StackSnapshot{
		layers: layers,
		gen:    gen,
		side:   side,
		snaps:  make([]*LayerSnapshot, 0, len(layers)),
	}
	pair := Pair{X1: input, X2: input}
	for i, layer := range layers {
		if err := ctx.Err(); err != nil {
			return nil, nil, nil, err
		}
		start := time.Now()
		out, ls, cov, err := layer.Forward(e.backend, gen, pair, side)
		if err != nil {
			return nil, nil, nil, atLayer(i, "forward", err)
		}
		snap.snaps = append(snap.snaps, ls)
		if cov != nil {
			coverage = append(coverage, cov)
		}
		pair = out
		e.logger.Debug("reversible layer", "layer", i, "direction", "forward", "elapsed", time.Since(start))
	}

	merged = tensor.Average(pair.X1, pair.X2)
	snap.final = Pair{X1: pair.X1.Clone(), X2: pair.X2}
	return merged, snap, coverage, nil
}

// Backward propagates gradMerged through the stack recorded in snap.
//
// It returns the gradient on the Forward input and, for stacks that read a
// context, the context gradient summed over layers (nil otherwise).
// Parameter gradients are merged into acc only when every layer succeeded;
// on any error acc is left untouched. snap is consumed even on failure.
func (e *Engine) Backward(
	ctx context.Context,
	snap *StackSnapshot,
	gradMerged *tensor.Tensor,
	acc *nn.GradStore,
) (gradInput, gradContext *tensor.Tensor, err error) {
	if snap == nil {
		return nil, nil, ErrEmptyStack
	}
	if snap.consumed {
		return nil, nil, ErrSnapshotConsumed
	}
	if len(snap.snaps) == 0 {
		return nil, nil, ErrEmptyStack
	}
	snap.consumed = true
	if !gradMerged.Shape().Equal(snap.final.X1.Shape()) {
		return nil, nil, fmt.Errorf("%w: gradient %v, output %v", ErrShapeMismatch, gradMerged.Shape(), snap.final.X1.Shape())
	}

	local := nn.NewGradStore()
	half := tensor.Scale(gradMerged, 0.5)
	pair, grad := snap.final, Pair{X1: half, X2: half}

	for i := len(snap.layers) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		start := time.Now()
		in, gin, gctx, err := snap.layers[i].Backward(e.backend, snap.gen, pair, grad, snap.side, snap.snaps[i], local)
		if err != nil {
			return nil, nil, atLayer(i, "backward", err)
		}
		if gctx != nil {
			if gradContext == nil {
				gradContext = gctx
			} else {
				gradContext = tensor.Add(gradContext, gctx)
			}
		}
		pair, grad = in, gin
		e.logger.Debug("reversible layer", "layer", i, "direction", "backward", "elapsed", time.Since(start))
	}
	snap.snaps = nil

	if acc != nil {
		acc.Merge(local)
	}
	return tensor.Add(grad.X1, grad.X2), gradContext, nil
}

// Forward runs layers with a default Engine.
func Forward(
	ctx context.Context,
	layers []Layer,
	input *tensor.Tensor,
	side nn.Side,
	gen *rng.Generator,
) (*tensor.Tensor, *StackSnapshot, []*tensor.Tensor, error) {
	return NewEngine().Forward(ctx, layers, input, side, gen)
}

// Backward runs a backward pass with a default Engine.
func Backward(ctx context.Context, snap *StackSnapshot, gradMerged *tensor.Tensor, acc *nn.GradStore) (*tensor.Tensor, *tensor.Tensor, error) {
	return NewEngine().Backward(ctx, snap, gradMerged, acc)
}
