package model

import (
	"context"
	"fmt"

	"github.com/born-ml/revformer/internal/autodiff"
	"github.com/born-ml/revformer/internal/nn"
	"github.com/born-ml/revformer/internal/reversible"
	"github.com/born-ml/revformer/internal/rng"
	"github.com/born-ml/revformer/internal/tensor"
	"github.com/born-ml/revformer/internal/tokenizer"
)

// Seq2Seq is an encoder-decoder model. The merged encoder output is the
// context every decoder layer attends to.
type Seq2Seq struct {
	cfg      Config
	srcEmbed *nn.Embedding
	tgtEmbed *nn.Embedding
	pos      *tensor.Tensor
	encoder  []reversible.Layer
	decoder  []*reversible.DecoderLayer
	head     *head
}

// NewSeq2Seq creates a Seq2Seq model with parameters drawn from gen.
// Unit.IgnoreSource must be false.
func NewSeq2Seq(cfg Config, gen *rng.Generator) (*Seq2Seq, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	encoder, err := encoderStack(cfg, gen)
	if err != nil {
		return nil, err
	}
	decoder := make([]*reversible.DecoderLayer, cfg.Layers)
	for i := range decoder {
		if decoder[i], err = reversible.NewDecoderLayer(i, cfg.Unit, gen); err != nil {
			return nil, err
		}
	}
	return &Seq2Seq{
		cfg:      cfg,
		srcEmbed: nn.NewEmbedding("src_embed", cfg.VocabSize, cfg.Unit.ModelSize, gen),
		tgtEmbed: nn.NewEmbedding("tgt_embed", cfg.VocabSize, cfg.Unit.ModelSize, gen),
		pos:      nn.SinusoidalPositions(cfg.MaxLen, cfg.Unit.ModelSize),
		encoder:  encoder,
		decoder:  decoder,
		head:     newHead("head", cfg, gen),
	}, nil
}

func (m *Seq2Seq) decoderLayers() []reversible.Layer {
	layers := make([]reversible.Layer, len(m.decoder))
	for i, l := range m.decoder {
		layers[i] = l
	}
	return layers
}

// prepared holds the embedded inputs and masks of a batch.
type prepared struct {
	src, tgt    *tensor.Tensor
	tgtIn       [][]int
	labels      []int
	srcMask     *autodiff.AttentionMask
	tgtMask     *autodiff.AttentionMask
	targetSteps int
}

func (m *Seq2Seq) prepare(batch Batch) (*prepared, error) {
	if err := checkGrid("source", batch.Source, m.cfg.MaxLen); err != nil {
		return nil, err
	}
	if err := checkGrid("target", batch.Target, m.cfg.MaxLen+1); err != nil {
		return nil, err
	}
	if len(batch.Target) < 2 {
		return nil, fmt.Errorf("%w: target needs a begin token and at least one label", ErrInvalidBatch)
	}
	if len(batch.Target[0]) != batch.Size() {
		return nil, fmt.Errorf("%w: source batch %d, target batch %d", ErrInvalidBatch, batch.Size(), len(batch.Target[0]))
	}

	p := &prepared{
		tgtIn:       batch.Target[:len(batch.Target)-1],
		labels:      flatten(batch.Target[1:]),
		targetSteps: len(batch.Target) - 1,
	}
	var err error
	if p.src, err = m.srcEmbed.Lookup(batch.Source); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidBatch, err)
	}
	if p.tgt, err = m.tgtEmbed.Lookup(p.tgtIn); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidBatch, err)
	}
	p.srcMask = nn.PaddingMask(batch.SourceLengths, len(batch.Source))
	p.tgtMask = nn.CausalMask(nn.PaddingMask(clampLengths(batch.TargetLengths, p.targetSteps), p.targetSteps))
	return p, nil
}

// Step implements Model. The decoder's context gradient is the incoming
// gradient of the encoder's backward pass.
func (m *Seq2Seq) Step(ctx context.Context, eng *reversible.Engine, gen *rng.Generator, batch Batch, acc *nn.GradStore) (float64, int, error) {
	p, err := m.prepare(batch)
	if err != nil {
		return 0, 0, err
	}

	memory, encSnap, _, err := eng.Forward(ctx, m.encoder, p.src, nn.Side{Pos: m.pos, Mask: p.srcMask, Training: true}, gen)
	if err != nil {
		return 0, 0, fmt.Errorf("encoder: %w", err)
	}
	decSide := nn.Side{
		Pos:         m.pos,
		Mask:        p.tgtMask,
		Context:     memory,
		ContextMask: p.srcMask,
		Training:    true,
	}
	out, decSnap, _, err := eng.Forward(ctx, m.decoderLayers(), p.tgt, decSide, gen)
	if err != nil {
		return 0, 0, fmt.Errorf("decoder: %w", err)
	}

	local := nn.NewGradStore()
	loss, grad, tokens, err := m.head.backward(eng.Backend(), out, p.labels, local)
	if err != nil {
		return 0, 0, err
	}
	gradTgt, gradMemory, err := eng.Backward(ctx, decSnap, grad, local)
	if err != nil {
		return 0, 0, fmt.Errorf("decoder: %w", err)
	}
	gradSrc, _, err := eng.Backward(ctx, encSnap, gradMemory, local)
	if err != nil {
		return 0, 0, fmt.Errorf("encoder: %w", err)
	}
	m.tgtEmbed.AccumulateGradient(p.tgtIn, gradTgt, local)
	m.srcEmbed.AccumulateGradient(batch.Source, gradSrc, local)

	acc.Merge(local)
	return loss, tokens, nil
}

// Loss implements Model.
func (m *Seq2Seq) Loss(ctx context.Context, gen *rng.Generator, batch Batch) (float64, error) {
	p, err := m.prepare(batch)
	if err != nil {
		return 0, err
	}
	memory, _, _, err := reversible.Forward(ctx, m.encoder, p.src, nn.Side{Pos: m.pos, Mask: p.srcMask}, gen)
	if err != nil {
		return 0, fmt.Errorf("encoder: %w", err)
	}
	decSide := nn.Side{Pos: m.pos, Mask: p.tgtMask, Context: memory, ContextMask: p.srcMask}
	out, _, _, err := reversible.Forward(ctx, m.decoderLayers(), p.tgt, decSide, gen)
	if err != nil {
		return 0, fmt.Errorf("decoder: %w", err)
	}
	return m.head.loss(out, p.labels)
}

// Greedy decodes steps tokens per source sequence, feeding back the most
// likely token at every position. Decoding is incremental: each step runs
// one position through the decoder using cached keys and values. The
// result is laid out [steps][batch] and excludes the begin token.
func (m *Seq2Seq) Greedy(ctx context.Context, gen *rng.Generator, source [][]int, sourceLengths []int, steps int) ([][]int, error) {
	if err := checkGrid("source", source, m.cfg.MaxLen); err != nil {
		return nil, err
	}
	if steps <= 0 || steps > m.cfg.MaxLen {
		return nil, fmt.Errorf("%w: %d decoding steps, max length %d", ErrInvalidBatch, steps, m.cfg.MaxLen)
	}
	src, err := m.srcEmbed.Lookup(source)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidBatch, err)
	}
	srcMask := nn.PaddingMask(sourceLengths, len(source))
	memory, _, _, err := reversible.Forward(ctx, m.encoder, src, nn.Side{Pos: m.pos, Mask: srcMask}, gen)
	if err != nil {
		return nil, fmt.Errorf("encoder: %w", err)
	}

	state := reversible.NewDecoderState(len(m.decoder), steps, srcMask)
	next := make([]int, len(source[0]))
	for i := range next {
		next[i] = tokenizer.BosID
	}
	out := make([][]int, 0, steps)
	for range steps {
		x, err := m.tgtEmbed.Lookup([][]int{next})
		if err != nil {
			return nil, err
		}
		merged, _, err := reversible.Step(ctx, m.decoder, state, x, nn.Side{Pos: m.pos, Context: memory}, gen)
		if err != nil {
			return nil, fmt.Errorf("decoder: %w", err)
		}
		next = argmax(m.head.forward(autodiff.New(), merged))
		out = append(out, next)
	}
	return out, nil
}

// Parameters implements nn.Module.
func (m *Seq2Seq) Parameters() []*nn.Parameter {
	params := append(m.srcEmbed.Parameters(), m.tgtEmbed.Parameters()...)
	for _, l := range m.encoder {
		params = append(params, l.Parameters()...)
	}
	for _, l := range m.decoder {
		params = append(params, l.Parameters()...)
	}
	return append(params, m.head.Parameters()...)
}
