package reversible

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/revformer/internal/autodiff"
	"github.com/born-ml/revformer/internal/nn"
	"github.com/born-ml/revformer/internal/rng"
	"github.com/born-ml/revformer/internal/tensor"
)

func testConfig(width int, p float64) nn.Config {
	cfg := nn.DefaultConfig()
	cfg.ModelSize = width
	cfg.NumHeads = 2
	cfg.InnerSize = 2 * width
	cfg.Dropout = p
	cfg.AttnDropout = p
	return cfg
}

func encoderStack(t *testing.T, n int, cfg nn.Config) []Layer {
	t.Helper()
	initGen := rng.New(1, 0)
	layers := make([]Layer, n)
	for i := range layers {
		l, err := NewEncoderLayer(i, cfg, initGen)
		require.NoError(t, err)
		layers[i] = l
	}
	return layers
}

func decoderStack(t *testing.T, n int, cfg nn.Config) []*DecoderLayer {
	t.Helper()
	initGen := rng.New(2, 0)
	layers := make([]*DecoderLayer, n)
	for i := range layers {
		l, err := NewDecoderLayer(i, cfg, initGen)
		require.NoError(t, err)
		layers[i] = l
	}
	return layers
}

func asLayers(ds []*DecoderLayer) []Layer {
	out := make([]Layer, len(ds))
	for i, d := range ds {
		out[i] = d
	}
	return out
}

// naive runs the same stack with ordinary whole-activation backpropagation.
// Every layer reads its own copy of the context so the per-layer context
// gradients can be inspected.
type naiveResult struct {
	gradInput    *tensor.Tensor
	gradContexts []*tensor.Tensor
	grads        *nn.GradStore
}

func naive(t *testing.T, layers []Layer, input *tensor.Tensor, side nn.Side, gen *rng.Generator, gradMerged *tensor.Tensor) naiveResult {
	t.Helper()
	b := autodiff.New()
	res := naiveResult{grads: nn.NewGradStore()}
	leaf := input.Clone()
	contexts := make([]*tensor.Tensor, len(layers))

	err := b.EnableGrad(func() error {
		eval := func(u nn.Unit, x *tensor.Tensor, s nn.Side) *tensor.Tensor {
			r, err := u.Evaluate(b, gen, x, s)
			require.NoError(t, err)
			return r.Output
		}

		x1, x2 := leaf, leaf
		var units []nn.Unit
		for i, layer := range layers {
			s := side
			if side.Context != nil {
				contexts[i] = side.Context.Clone()
				s.Context = contexts[i]
			}
			switch l := layer.(type) {
			case *EncoderLayer:
				y1 := b.Add(eval(l.f, x2, s), x1)
				y2 := b.Add(eval(l.g, y1, s), x2)
				x1, x2 = y1, y2
				units = append(units, l.f, l.g)
			case *DecoderLayer:
				z1 := b.Add(eval(l.f, x2, s), x1)
				z2 := b.Add(eval(l.g1, z1, s), x2)
				y1 := b.Add(eval(l.h, z2, s), z1)
				y2 := b.Add(eval(l.g2, y1, s), z2)
				x1, x2 = y1, y2
				units = append(units, l.f, l.g1, l.h, l.g2)
			default:
				t.Fatalf("unexpected layer %T", layer)
			}
		}

		merged := b.Scale(b.Add(x1, x2), 0.5)
		grads, err := b.Backward(merged, gradMerged)
		if err != nil {
			return err
		}
		for _, u := range units {
			u.AccumulateGradient(grads, res.grads)
		}
		res.gradInput = grads.Of(leaf)
		for _, c := range contexts {
			if c != nil {
				res.gradContexts = append(res.gradContexts, grads.Of(c))
			}
		}
		return nil
	})
	require.NoError(t, err)
	return res
}

func assertClose(t *testing.T, want, got *tensor.Tensor, msg string) {
	t.Helper()
	require.NotNil(t, got, msg)
	require.Equal(t, want.Shape(), got.Shape(), msg)
	assert.True(t, tensor.AllClose(want, got, 1e-5, 1e-8), "%s: max abs diff %g", msg, tensor.MaxAbsDiff(want, got))
}

func TestEncoderLayer_ReversibilityIdentity(t *testing.T) {
	cfg := testConfig(8, 0.1)
	layers := encoderStack(t, 3, cfg)
	gen := rng.New(7, 1)
	b := autodiff.New()
	side := nn.Side{Pos: nn.SinusoidalPositions(8, 8), Training: true}

	input := tensor.Randn(tensor.Shape{4, 2, 8}, 1, gen)
	inputs := make([]Pair, len(layers))
	snaps := make([]*LayerSnapshot, len(layers))
	pair := Pair{X1: input, X2: input}
	for i, l := range layers {
		inputs[i] = pair
		out, snap, _, err := l.Forward(b, gen, pair, side)
		require.NoError(t, err)
		assert.Equal(t, 2, snap.Len())
		snaps[i], pair = snap, out
	}

	grad := Pair{X1: tensor.Ones(input.Shape()), X2: tensor.Ones(input.Shape())}
	acc := nn.NewGradStore()
	for i := len(layers) - 1; i >= 0; i-- {
		in, gin, gctx, err := layers[i].Backward(b, gen, pair, grad, side, snaps[i], acc)
		require.NoError(t, err)
		assert.Nil(t, gctx)
		assert.Zero(t, snaps[i].Len(), "snapshot fully consumed")
		assertClose(t, inputs[i].X1, in.X1, "x1")
		assertClose(t, inputs[i].X2, in.X2, "x2")
		pair, grad = in, gin
	}
}

func TestDecoderLayer_ReversibilityIdentity(t *testing.T) {
	cfg := testConfig(8, 0.1)
	layer := decoderStack(t, 1, cfg)[0]
	gen := rng.New(8, 1)
	b := autodiff.New()
	side := nn.Side{
		Mask:     nn.CausalMask(nil),
		Context:  tensor.Randn(tensor.Shape{6, 2, 8}, 1, gen),
		Training: true,
	}

	x1 := tensor.Randn(tensor.Shape{4, 2, 8}, 1, gen)
	x2 := tensor.Randn(tensor.Shape{4, 2, 8}, 1, gen)
	out, snap, coverage, err := layer.Forward(b, gen, Pair{X1: x1, X2: x2}, side)
	require.NoError(t, err)
	assert.Equal(t, 4, snap.Len())
	assert.Equal(t, tensor.Shape{2, 2, 4, 6}, coverage.Shape())

	grad := Pair{X1: tensor.Ones(x1.Shape()), X2: tensor.Ones(x1.Shape())}
	in, _, gctx, err := layer.Backward(b, gen, out, grad, side, snap, nn.NewGradStore())
	require.NoError(t, err)
	assertClose(t, x1, in.X1, "x1")
	assertClose(t, x2, in.X2, "x2")
	assert.Equal(t, side.Context.Shape(), gctx.Shape())

	_, _, _, err = layer.Backward(b, gen, out, grad, side, snap, nn.NewGradStore())
	assert.ErrorIs(t, err, ErrSnapshotConsumed, "a layer snapshot replays once")
}

func TestLayer_DropoutDeterminism(t *testing.T) {
	cfg := testConfig(8, 0.3)
	cfg.Variational = true
	layer := decoderStack(t, 1, cfg)[0]
	gen := rng.New(9, 2)
	b := autodiff.New()
	side := nn.Side{Context: tensor.Randn(tensor.Shape{3, 2, 8}, 1, gen), Training: true}
	x := tensor.Randn(tensor.Shape{5, 2, 8}, 1, gen)

	st := gen.Snapshot()
	first, _, _, err := layer.Forward(b, gen, Pair{X1: x, X2: x}, side)
	require.NoError(t, err)
	require.NoError(t, gen.Restore(st))
	second, _, _, err := layer.Forward(b, gen, Pair{X1: x, X2: x}, side)
	require.NoError(t, err)

	assert.True(t, tensor.Equal(first.X1, second.X1))
	assert.True(t, tensor.Equal(first.X2, second.X2))

	third, _, _, err := layer.Forward(b, gen, Pair{X1: x, X2: x}, side)
	require.NoError(t, err)
	assert.False(t, tensor.Equal(first.X1, third.X1), "a different state draws different masks")
}

func TestEngine_MergeInvariant(t *testing.T) {
	for depth := 1; depth <= 3; depth++ {
		layers := encoderStack(t, depth, testConfig(8, 0.1))
		gen := rng.New(10, 0)
		input := tensor.Randn(tensor.Shape{3, 2, 8}, 1, gen)
		before := input.Clone()

		merged, snap, coverage, err := Forward(context.Background(), layers, input, nn.Side{Training: true}, gen)
		require.NoError(t, err)
		assert.Nil(t, coverage)
		assert.Equal(t, depth, snap.Len())
		assert.True(t, tensor.Equal(merged, tensor.Average(snap.final.X1, snap.final.X2)), "depth %d", depth)
		assert.True(t, tensor.Equal(before, input), "input not mutated")

		merged.Data()[0] = 1e9
		assert.NotEqual(t, 1e9, snap.final.X1.Data()[0], "snapshot does not alias the merged output")
	}
}

func TestEngine_GradientEquivalence(t *testing.T) {
	tests := []struct {
		name    string
		decoder bool
		p       float64
	}{
		{name: "encoder/no dropout"},
		{name: "encoder/dropout", p: 0.2},
		{name: "decoder/no dropout", decoder: true},
		{name: "decoder/dropout", decoder: true, p: 0.2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(8, tt.p)
			data := rng.New(20, 0)
			input := tensor.Randn(tensor.Shape{4, 2, 8}, 1, data)
			gradMerged := tensor.Randn(input.Shape(), 1, data)
			side := nn.Side{Pos: nn.SinusoidalPositions(4, 8), Mask: nn.PaddingMask([]int{4, 3}, 4), Training: true}

			var layers []Layer
			if tt.decoder {
				layers = asLayers(decoderStack(t, 2, cfg))
				side.Mask = nn.CausalMask(side.Mask)
				side.Context = tensor.Randn(tensor.Shape{5, 2, 8}, 1, data)
				side.ContextMask = nn.PaddingMask([]int{5, 2}, 5)
			} else {
				layers = encoderStack(t, 2, cfg)
			}

			want := naive(t, layers, input, side, rng.New(21, 1), gradMerged)

			ctx := context.Background()
			gen := rng.New(21, 1)
			_, snap, _, err := Forward(ctx, layers, input, side, gen)
			require.NoError(t, err)
			acc := nn.NewGradStore()
			gradInput, gradContext, err := Backward(ctx, snap, gradMerged, acc)
			require.NoError(t, err)

			assertClose(t, want.gradInput, gradInput, "input gradient")
			require.Equal(t, want.grads.Len(), acc.Len())
			for _, p := range want.grads.Params() {
				assertClose(t, want.grads.Get(p), acc.Get(p), p.Name())
			}
			if tt.decoder {
				assertClose(t, tensor.Add(want.gradContexts[0], want.gradContexts[1]), gradContext, "context gradient")
			} else {
				assert.Nil(t, gradContext)
			}
		})
	}
}

func TestEngine_EncoderScenario(t *testing.T) {
	layers := encoderStack(t, 3, testConfig(16, 0.1))
	gen := rng.New(42, 1)
	input := tensor.Randn(tensor.Shape{5, 2, 16}, 1, gen)
	ctx := context.Background()

	merged, snap, _, err := Forward(ctx, layers, input, nn.Side{Pos: nn.SinusoidalPositions(5, 16), Training: true}, gen)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{5, 2, 16}, merged.Shape())

	gradInput, gradContext, err := Backward(ctx, snap, tensor.Ones(merged.Shape()), nn.NewGradStore())
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{5, 2, 16}, gradInput.Shape())
	assert.True(t, gradInput.IsFinite())
	assert.Nil(t, gradContext)
}

func TestEngine_DecoderContextScenario(t *testing.T) {
	cfg := testConfig(16, 0.1)
	layers := asLayers(decoderStack(t, 2, cfg))
	data := rng.New(30, 0)
	input := tensor.Randn(tensor.Shape{4, 2, 16}, 1, data)
	memory := tensor.Randn(tensor.Shape{7, 2, 16}, 1, data)
	gradMerged := tensor.Ones(input.Shape())
	side := nn.Side{Mask: nn.CausalMask(nil), Context: memory, Training: true}

	ctx := context.Background()
	merged, snap, coverage, err := Forward(ctx, layers, input, side, rng.New(31, 1))
	require.NoError(t, err)
	assert.Equal(t, input.Shape(), merged.Shape())
	require.Len(t, coverage, 2)
	assert.Equal(t, tensor.Shape{2, cfg.NumHeads, 4, 7}, coverage[0].Shape())

	_, gradContext, err := Backward(ctx, snap, gradMerged, nil)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{7, 2, 16}, gradContext.Shape())

	isolated := naive(t, layers, input, side, rng.New(31, 1), gradMerged)
	require.Len(t, isolated.gradContexts, 2)
	assertClose(t, tensor.Add(isolated.gradContexts[0], isolated.gradContexts[1]), gradContext, "context gradient")
	assert.False(t, tensor.AllClose(isolated.gradContexts[0], gradContext, 1e-5, 1e-8), "both layers contribute")
}

func TestEngine_SnapshotConsumedOnce(t *testing.T) {
	layers := encoderStack(t, 2, testConfig(8, 0))
	gen := rng.New(40, 0)
	input := tensor.Randn(tensor.Shape{3, 1, 8}, 1, gen)
	ctx := context.Background()

	_, snap, _, err := Forward(ctx, layers, input, nn.Side{}, gen)
	require.NoError(t, err)
	_, _, err = Backward(ctx, snap, tensor.Ones(input.Shape()), nil)
	require.NoError(t, err)
	assert.True(t, snap.Consumed())

	_, _, err = Backward(ctx, snap, tensor.Ones(input.Shape()), nil)
	assert.ErrorIs(t, err, ErrSnapshotConsumed)

	// A failed backward consumes the snapshot as well.
	_, snap, _, err = Forward(ctx, layers, input, nn.Side{}, gen)
	require.NoError(t, err)
	_, _, err = Backward(ctx, snap, tensor.Ones(tensor.Shape{2, 1, 8}), nil)
	require.ErrorIs(t, err, ErrShapeMismatch)
	_, _, err = Backward(ctx, snap, tensor.Ones(input.Shape()), nil)
	assert.ErrorIs(t, err, ErrSnapshotConsumed)
}

func TestEngine_ResourceExhaustionDiscardsStep(t *testing.T) {
	layers := encoderStack(t, 2, testConfig(8, 0.1))
	gen := rng.New(50, 0)
	input := tensor.Randn(tensor.Shape{6, 2, 8}, 1, gen)
	ctx := context.Background()

	b := autodiff.New()
	b.SetMemoryLimit(200)
	eng := NewEngine(WithBackend(b))

	_, snap, _, err := eng.Forward(ctx, layers, input, nn.Side{Training: true}, gen)
	require.NoError(t, err, "forward records nothing and fits any budget")

	acc := nn.NewGradStore()
	marker := layers[0].Parameters()[0]
	acc.Accumulate(marker, tensor.Ones(marker.Tensor().Shape()))

	_, _, err = eng.Backward(ctx, snap, tensor.Ones(input.Shape()), acc)
	require.ErrorIs(t, err, ErrResourceExhausted)

	var le *LayerError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, 1, le.Layer, "last layer is replayed first")
	assert.Equal(t, StageFeedForward, le.Stage)
	assert.Equal(t, "backward", le.Direction)

	assert.Equal(t, 1, acc.Len(), "failed step leaves the accumulator untouched")
	assert.Equal(t, tensor.Ones(marker.Tensor().Shape()).Data(), acc.Get(marker).Data())
	assert.Zero(t, b.Tape().NumOps(), "tape released")
}

func TestEngine_Cancellation(t *testing.T) {
	layers := encoderStack(t, 2, testConfig(8, 0))
	gen := rng.New(60, 0)
	input := tensor.Randn(tensor.Shape{3, 1, 8}, 1, gen)

	canceled, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, _, err := Forward(canceled, layers, input, nn.Side{}, gen)
	assert.ErrorIs(t, err, context.Canceled)

	_, snap, _, err := Forward(context.Background(), layers, input, nn.Side{}, gen)
	require.NoError(t, err)
	acc := nn.NewGradStore()
	_, _, err = Backward(canceled, snap, tensor.Ones(input.Shape()), acc)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, acc.Len())
}

func TestEngine_InputErrors(t *testing.T) {
	layers := encoderStack(t, 1, testConfig(8, 0))
	gen := rng.New(70, 0)
	ctx := context.Background()
	input := tensor.Zeros(tensor.Shape{3, 1, 8})

	_, _, _, err := Forward(ctx, nil, input, nn.Side{}, gen)
	assert.ErrorIs(t, err, ErrEmptyStack)

	_, _, _, err = Forward(ctx, layers, tensor.Zeros(tensor.Shape{3, 8}), nn.Side{}, gen)
	assert.ErrorIs(t, err, ErrShapeMismatch)

	_, _, _, err = Forward(ctx, layers, tensor.Zeros(tensor.Shape{3, 1, 6}), nn.Side{}, gen)
	assert.ErrorIs(t, err, ErrShapeMismatch)
	var le *LayerError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, 0, le.Layer)
	assert.Equal(t, StageSelfAttention, le.Stage)

	_, _, _, err = Forward(ctx, layers, input, nn.Side{Cache: nn.NewAttentionCache(0)}, gen)
	assert.ErrorIs(t, err, ErrCacheInForward)

	_, snap, _, err := Forward(ctx, layers, input, nn.Side{}, gen)
	require.NoError(t, err)
	_, _, err = Backward(ctx, snap, tensor.Ones(tensor.Shape{3, 2, 8}), nil)
	assert.ErrorIs(t, err, ErrShapeMismatch)

	_, _, err = Backward(ctx, nil, input, nil)
	assert.ErrorIs(t, err, ErrEmptyStack)
}

func TestDecoderLayer_MissingContext(t *testing.T) {
	layers := asLayers(decoderStack(t, 2, testConfig(8, 0)))
	gen := rng.New(80, 0)

	_, _, _, err := Forward(context.Background(), layers, tensor.Zeros(tensor.Shape{2, 1, 8}), nn.Side{}, gen)
	require.ErrorIs(t, err, ErrShapeMismatch)
	var le *LayerError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, 0, le.Layer)
	assert.Equal(t, StageSourceAttention, le.Stage)
}

func TestNewLayer_ConfigErrors(t *testing.T) {
	gen := rng.New(90, 0)

	cfg := testConfig(8, 0)
	cfg.IgnoreSource = true
	_, err := NewDecoderLayer(3, cfg, gen)
	require.ErrorIs(t, err, ErrSourceAttentionDisabled)
	var ce *ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 3, ce.Layer)

	_, err = NewEncoderLayer(0, cfg, gen)
	assert.NoError(t, err, "encoders do not read the source")

	cfg = testConfig(8, 0)
	cfg.NumHeads = 3
	_, err = NewEncoderLayer(1, cfg, gen)
	assert.ErrorIs(t, err, nn.ErrInvalidConfig)
	_, err = NewDecoderLayer(1, cfg, gen)
	assert.ErrorIs(t, err, nn.ErrInvalidConfig)
}

func TestStep_MatchesForward(t *testing.T) {
	cfg := testConfig(8, 0.1)
	layers := decoderStack(t, 2, cfg)
	data := rng.New(100, 0)
	target := tensor.Randn(tensor.Shape{5, 2, 8}, 1, data)
	memory := tensor.Randn(tensor.Shape{4, 2, 8}, 1, data)
	srcMask := nn.PaddingMask([]int{4, 3}, 4)
	pos := nn.SinusoidalPositions(16, 8)
	ctx := context.Background()

	full, _, _, err := Forward(ctx, asLayers(layers),
		target,
		nn.Side{Pos: pos, Mask: nn.CausalMask(nil), Context: memory, ContextMask: srcMask},
		rng.New(1, 0))
	require.NoError(t, err)

	state := NewDecoderState(len(layers), 16, srcMask)
	for i := range 5 {
		merged, coverage, err := Step(ctx, layers, state, target.Narrow(i, i+1), nn.Side{Pos: pos, Context: memory}, rng.New(1, 0))
		require.NoError(t, err)
		require.Len(t, coverage, 2)
		assert.Equal(t, tensor.Shape{2, cfg.NumHeads, 1, 4}, coverage[1].Shape())
		assertClose(t, full.Narrow(i, i+1), merged, "position")
	}
	assert.Equal(t, 5, state.Len())
	assert.Equal(t, 5, state.Self[0].Len())
	assert.Equal(t, 4, state.Source[1].Len())

	state.Reset()
	assert.Zero(t, state.Len())
	assert.Zero(t, state.Self[1].Len())

	// A failing step leaves the caches as they were and decoding resumes.
	side := nn.Side{Pos: pos, Context: memory}
	_, _, err = Step(ctx, layers, state, target.Narrow(0, 1), side, rng.New(1, 0))
	require.NoError(t, err)
	wide := tensor.Randn(tensor.Shape{4, 3, 8}, 1, data)
	_, _, err = Step(ctx, layers, state, target.Narrow(1, 2), nn.Side{Pos: pos, Context: wide}, rng.New(1, 0))
	require.ErrorIs(t, err, ErrShapeMismatch)
	assert.Equal(t, 1, state.Len())
	for i := range layers {
		assert.Equal(t, 1, state.Self[i].Len(), "self cache of layer %d", i)
		assert.Equal(t, 4, state.Source[i].Len(), "source cache of layer %d", i)
	}
	merged, _, err := Step(ctx, layers, state, target.Narrow(1, 2), side, rng.New(1, 0))
	require.NoError(t, err)
	assertClose(t, full.Narrow(1, 2), merged, "position after failed step")
	state.Reset()

	_, _, err = Step(ctx, layers[:1], state, target.Narrow(0, 1), nn.Side{Context: memory}, rng.New(1, 0))
	assert.Error(t, err, "state depth must match the stack")
}

func TestEngine_DebugLogging(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	eng := NewEngine(WithLogger(logger))

	layers := encoderStack(t, 2, testConfig(8, 0))
	gen := rng.New(110, 0)
	input := tensor.Randn(tensor.Shape{2, 1, 8}, 1, gen)
	_, snap, _, err := eng.Forward(context.Background(), layers, input, nn.Side{}, gen)
	require.NoError(t, err)
	_, _, err = eng.Backward(context.Background(), snap, tensor.Ones(input.Shape()), nil)
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "direction=forward")
	assert.Contains(t, out, "direction=backward")
	assert.Contains(t, out, "layer=1")
}

func TestLayerError_Unwrap(t *testing.T) {
	err := atLayer(2, "backward", stageError(StageFeedForward, "backward", ErrResourceExhausted))
	assert.True(t, errors.Is(err, autodiff.ErrResourceExhausted))
	assert.Equal(t, "reversible: layer 2 feed_forward backward: resource exhausted", err.Error())

	plain := atLayer(1, "forward", errors.New("boom"))
	var le *LayerError
	require.ErrorAs(t, plain, &le)
	assert.Equal(t, "layer", le.Stage)
}
