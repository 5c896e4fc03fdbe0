package reversible

import (
	"context"
	"fmt"

	"github.com/born-ml/revformer/internal/autodiff"
	"github.com/born-ml/revformer/internal/nn"
	"github.com/born-ml/revformer/internal/rng"
	"github.com/born-ml/revformer/internal/tensor"
)

// DecoderState carries the incremental decoding buffers of a decoder stack:
// per layer, the self-attention key/value cache and the projected context
// of the source attention.
type DecoderState struct {
	Self   []*nn.AttentionCache
	Source []*nn.AttentionCache

	TargetMask *autodiff.AttentionMask // Self-attention mask; causal by default
	SourceMask *autodiff.AttentionMask // Context padding mask

	length int
}

// NewDecoderState creates empty buffers for a stack of the given depth,
// holding at most maxLen target positions (0 for unbounded).
func NewDecoderState(layers, maxLen int, sourceMask *autodiff.AttentionMask) *DecoderState {
	s := &DecoderState{
		Self:       make([]*nn.AttentionCache, layers),
		Source:     make([]*nn.AttentionCache, layers),
		TargetMask: nn.CausalMask(nil),
		SourceMask: sourceMask,
	}
	for i := range layers {
		s.Self[i] = nn.NewAttentionCache(maxLen)
		s.Source[i] = nn.NewAttentionCache(0)
	}
	return s
}

// Len returns the number of target positions decoded so far.
func (s *DecoderState) Len() int {
	return s.length
}

// Reset clears every buffer for a new sequence.
func (s *DecoderState) Reset() {
	for i := range s.Self {
		s.Self[i].Reset()
		s.Source[i].Reset()
	}
	s.length = 0
}

// Step runs the next target positions x [n, batch, feature] through a
// decoder stack for inference. Nothing is recorded for backward; the
// caches in state grow by n. side supplies positions and the context; its
// masks and cache are taken from state. On error every cache is rolled
// back, so state still holds exactly Len() positions.
func Step(
	ctx context.Context,
	layers []*DecoderLayer,
	state *DecoderState,
	x *tensor.Tensor,
	side nn.Side,
	gen *rng.Generator,
) (merged *tensor.Tensor, coverage []*tensor.Tensor, err error) {
	if len(layers) == 0 {
		return nil, nil, ErrEmptyStack
	}
	if len(state.Self) != len(layers) {
		return nil, nil, fmt.Errorf("reversible: state has %d layers, stack has %d", len(state.Self), len(layers))
	}

	defer state.rollbackOnError(state.lengths(), &err)

	b := autodiff.New()
	side.Mask = state.TargetMask
	side.ContextMask = state.SourceMask
	pair := Pair{X1: x, X2: x}
	for i, layer := range layers {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		selfSide, srcSide := side, side
		selfSide.Cache = state.Self[i]
		srcSide.Cache = state.Source[i]

		out, cov, err := layer.run(b, gen, pair, selfSide, srcSide, nil)
		if err != nil {
			return nil, nil, atLayer(i, "forward", err)
		}
		coverage = append(coverage, cov)
		pair = out
	}
	state.length += x.Dim(0)
	return tensor.Average(pair.X1, pair.X2), coverage, nil
}

type cacheLengths struct {
	self, source []int
}

func (s *DecoderState) lengths() cacheLengths {
	l := cacheLengths{self: make([]int, len(s.Self)), source: make([]int, len(s.Source))}
	for i := range s.Self {
		l.self[i] = s.Self[i].Len()
		l.source[i] = s.Source[i].Len()
	}
	return l
}

// rollbackOnError truncates the caches back to l when *err is set.
func (s *DecoderState) rollbackOnError(l cacheLengths, err *error) {
	if *err == nil {
		return
	}
	for i := range s.Self {
		s.Self[i].Truncate(l.self[i])
		s.Source[i].Truncate(l.source[i])
	}
}
