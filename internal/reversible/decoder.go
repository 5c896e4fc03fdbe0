package reversible

import (
	"fmt"

	"github.com/born-ml/revformer/internal/autodiff"
	"github.com/born-ml/revformer/internal/nn"
	"github.com/born-ml/revformer/internal/rng"
	"github.com/born-ml/revformer/internal/tensor"
)

// DecoderLayer is the four-stage coupling layer:
//
//	z1 = F(x2) + x1            (F: self-attention)
//	z2 = G1(z1) + x2           (G1: feed-forward)
//	y1 = H(z2, context) + z1   (H: source attention)
//	y2 = G2(y1) + z2           (G2: feed-forward)
type DecoderLayer struct {
	f  nn.Unit
	g1 nn.Unit
	h  nn.Unit
	g2 nn.Unit
}

// NewDecoderLayer builds the index-th decoder layer of a stack. A config
// with IgnoreSource set is rejected with ErrSourceAttentionDisabled.
func NewDecoderLayer(index int, cfg nn.Config, gen *rng.Generator) (*DecoderLayer, error) {
	if cfg.IgnoreSource {
		return nil, &ConfigError{Layer: index, Err: ErrSourceAttentionDisabled}
	}
	if err := cfg.Validate(); err != nil {
		return nil, &ConfigError{Layer: index, Err: err}
	}
	name := fmt.Sprintf("decoder.%d", index)
	return &DecoderLayer{
		f:  nn.NewSelfAttention(name+".self_attn", cfg, gen),
		g1: nn.NewFeedForward(name+".ffn1", cfg, gen),
		h:  nn.NewSourceAttention(name+".src_attn", cfg, gen),
		g2: nn.NewFeedForward(name+".ffn2", cfg, gen),
	}, nil
}

// NewDecoderLayerFromUnits couples four arbitrary units. h must read
// side.Context.
func NewDecoderLayerFromUnits(f, g1, h, g2 nn.Unit) *DecoderLayer {
	return &DecoderLayer{f: f, g1: g1, h: h, g2: g2}
}

// Forward implements Layer. Coverage is the source attention probabilities.
func (l *DecoderLayer) Forward(b *autodiff.Backend, gen *rng.Generator, in Pair, side nn.Side) (Pair, *LayerSnapshot, *tensor.Tensor, error) {
	snap := &LayerSnapshot{}
	out, coverage, err := l.run(b, gen, in, side, side, snap)
	return out, snap, coverage, err
}

// run evaluates the four stages. selfSide feeds F, srcSide feeds H; they
// differ only in the attention cache during incremental decoding.
func (l *DecoderLayer) run(b *autodiff.Backend, gen *rng.Generator, in Pair, selfSide, srcSide nn.Side, snap *LayerSnapshot) (Pair, *tensor.Tensor, error) {
	f, err := evaluate(b, gen, l.f, in.X2, selfSide, snap)
	if err != nil {
		return Pair{}, nil, stageError(StageSelfAttention, "forward", err)
	}
	z1 := tensor.Add(f.Output, in.X1)

	g1, err := evaluate(b, gen, l.g1, z1, selfSide, snap)
	if err != nil {
		return Pair{}, nil, stageError(StageFeedForward, "forward", err)
	}
	z2 := tensor.Add(g1.Output, in.X2)

	h, err := evaluate(b, gen, l.h, z2, srcSide, snap)
	if err != nil {
		return Pair{}, nil, stageError(StageSourceAttention, "forward", err)
	}
	y1 := tensor.Add(h.Output, z1)

	g2, err := evaluate(b, gen, l.g2, y1, selfSide, snap)
	if err != nil {
		return Pair{}, nil, stageError(StageFeedForward2, "forward", err)
	}
	return Pair{X1: y1, X2: tensor.Add(g2.Output, z2)}, h.Coverage, nil
}

// Backward implements Layer. The stages are replayed G2, H, G1, F.
func (l *DecoderLayer) Backward(
	b *autodiff.Backend, gen *rng.Generator,
	out, grad Pair, side nn.Side,
	snap *LayerSnapshot, acc *nn.GradStore,
) (Pair, Pair, *tensor.Tensor, error) {
	fail := func(stage string, err error) (Pair, Pair, *tensor.Tensor, error) {
		return Pair{}, Pair{}, nil, stageError(stage, "backward", err)
	}

	g2, err := replay(b, gen, l.g2, out.X1, grad.X2, side, snap, acc, false)
	if err != nil {
		return fail(StageFeedForward2, err)
	}
	z2 := tensor.Sub(out.X2, g2.output)
	dy1 := tensor.Add(grad.X1, g2.gradInput)

	h, err := replay(b, gen, l.h, z2, dy1, side, snap, acc, true)
	if err != nil {
		return fail(StageSourceAttention, err)
	}
	z1 := tensor.Sub(out.X1, h.output)
	dz2 := tensor.Add(grad.X2, h.gradInput)

	g1, err := replay(b, gen, l.g1, z1, dz2, side, snap, acc, false)
	if err != nil {
		return fail(StageFeedForward, err)
	}
	x2 := tensor.Sub(z2, g1.output)
	dz1 := tensor.Add(dy1, g1.gradInput)

	f, err := replay(b, gen, l.f, x2, dz1, side, snap, acc, false)
	if err != nil {
		return fail(StageSelfAttention, err)
	}
	x1 := tensor.Sub(z1, f.output)
	dx2 := tensor.Add(dz2, f.gradInput)

	return Pair{X1: x1, X2: x2}, Pair{X1: dz1, X2: dx2}, h.gradContext, nil
}

// Parameters implements nn.Module.
func (l *DecoderLayer) Parameters() []*nn.Parameter {
	var params []*nn.Parameter
	for _, u := range []nn.Unit{l.f, l.g1, l.h, l.g2} {
		params = append(params, u.Parameters()...)
	}
	return params
}
