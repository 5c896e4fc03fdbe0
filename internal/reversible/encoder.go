package reversible

import (
	"fmt"

	"github.com/born-ml/revformer/internal/autodiff"
	"github.com/born-ml/revformer/internal/nn"
	"github.com/born-ml/revformer/internal/rng"
	"github.com/born-ml/revformer/internal/tensor"
)

// Stage names reported in LayerError.
const (
	StageSelfAttention   = "self_attention"
	StageFeedForward     = "feed_forward"
	StageSourceAttention = "source_attention"
	StageFeedForward2    = "feed_forward_2"
)

// EncoderLayer is the two-stage coupling layer:
//
//	y1 = F(x2) + x1   (F: self-attention)
//	y2 = G(y1) + x2   (G: feed-forward)
type EncoderLayer struct {
	f nn.Unit
	g nn.Unit
}

// NewEncoderLayer builds the index-th encoder layer of a stack.
func NewEncoderLayer(index int, cfg nn.Config, gen *rng.Generator) (*EncoderLayer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, &ConfigError{Layer: index, Err: err}
	}
	name := fmt.Sprintf("encoder.%d", index)
	return &EncoderLayer{
		f: nn.NewSelfAttention(name+".self_attn", cfg, gen),
		g: nn.NewFeedForward(name+".ffn", cfg, gen),
	}, nil
}

// NewEncoderLayerFromUnits couples two arbitrary units.
func NewEncoderLayerFromUnits(f, g nn.Unit) *EncoderLayer {
	return &EncoderLayer{f: f, g: g}
}

// Forward implements Layer.
func (l *EncoderLayer) Forward(b *autodiff.Backend, gen *rng.Generator, in Pair, side nn.Side) (Pair, *LayerSnapshot, *tensor.Tensor, error) {
	snap := &LayerSnapshot{}
	out, err := l.run(b, gen, in, side, snap)
	return out, snap, nil, err
}

func (l *EncoderLayer) run(b *autodiff.Backend, gen *rng.Generator, in Pair, side nn.Side, snap *LayerSnapshot) (Pair, error) {
	z, err := evaluate(b, gen, l.f, in.X2, side, snap)
	if err != nil {
		return Pair{}, stageError(StageSelfAttention, "forward", err)
	}
	y1 := tensor.Add(z.Output, in.X1)

	g, err := evaluate(b, gen, l.g, y1, side, snap)
	if err != nil {
		return Pair{}, stageError(StageFeedForward, "forward", err)
	}
	return Pair{X1: y1, X2: tensor.Add(g.Output, in.X2)}, nil
}

// Backward implements Layer.
func (l *EncoderLayer) Backward(
	b *autodiff.Backend, gen *rng.Generator,
	out, grad Pair, side nn.Side,
	snap *LayerSnapshot, acc *nn.GradStore,
) (Pair, Pair, *tensor.Tensor, error) {
	g, err := replay(b, gen, l.g, out.X1, grad.X2, side, snap, acc, false)
	if err != nil {
		return Pair{}, Pair{}, nil, stageError(StageFeedForward, "backward", err)
	}
	x2 := tensor.Sub(out.X2, g.output)
	dx1 := tensor.Add(grad.X1, g.gradInput)

	f, err := replay(b, gen, l.f, x2, dx1, side, snap, acc, false)
	if err != nil {
		return Pair{}, Pair{}, nil, stageError(StageSelfAttention, "backward", err)
	}
	x1 := tensor.Sub(out.X1, f.output)
	dx2 := tensor.Add(grad.X2, f.gradInput)

	return Pair{X1: x1, X2: x2}, Pair{X1: dx1, X2: dx2}, nil, nil
}

// Parameters implements nn.Module.
func (l *EncoderLayer) Parameters() []*nn.Parameter {
	return append(l.f.Parameters(), l.g.Parameters()...)
}
