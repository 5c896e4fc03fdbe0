package model

import (
	"context"
	"fmt"

	"github.com/born-ml/revformer/internal/nn"
	"github.com/born-ml/revformer/internal/reversible"
	"github.com/born-ml/revformer/internal/rng"
	"github.com/born-ml/revformer/internal/tensor"
)

// Autoencoder reconstructs its input tokens through a reversible encoder
// stack.
type Autoencoder struct {
	cfg    Config
	embed  *nn.Embedding
	pos    *tensor.Tensor
	layers []reversible.Layer
	head   *head
}

// NewAutoencoder creates an Autoencoder with parameters drawn from gen.
func NewAutoencoder(cfg Config, gen *rng.Generator) (*Autoencoder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	layers, err := encoderStack(cfg, gen)
	if err != nil {
		return nil, err
	}
	return &Autoencoder{
		cfg:    cfg,
		embed:  nn.NewEmbedding("embed", cfg.VocabSize, cfg.Unit.ModelSize, gen),
		pos:    nn.SinusoidalPositions(cfg.MaxLen, cfg.Unit.ModelSize),
		layers: layers,
		head:   newHead("head", cfg, gen),
	}, nil
}

func encoderStack(cfg Config, gen *rng.Generator) ([]reversible.Layer, error) {
	layers := make([]reversible.Layer, cfg.Layers)
	for i := range layers {
		l, err := reversible.NewEncoderLayer(i, cfg.Unit, gen)
		if err != nil {
			return nil, err
		}
		layers[i] = l
	}
	return layers, nil
}

// Step implements Model.
func (m *Autoencoder) Step(ctx context.Context, eng *reversible.Engine, gen *rng.Generator, batch Batch, acc *nn.GradStore) (float64, int, error) {
	if err := checkGrid("source", batch.Source, m.cfg.MaxLen); err != nil {
		return 0, 0, err
	}
	x, err := m.embed.Lookup(batch.Source)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %w", ErrInvalidBatch, err)
	}
	side := nn.Side{
		Pos:      m.pos,
		Mask:     nn.PaddingMask(batch.SourceLengths, len(batch.Source)),
		Training: true,
	}
	merged, snap, _, err := eng.Forward(ctx, m.layers, x, side, gen)
	if err != nil {
		return 0, 0, err
	}

	local := nn.NewGradStore()
	loss, grad, tokens, err := m.head.backward(eng.Backend(), merged, flatten(batch.Source), local)
	if err != nil {
		return 0, 0, err
	}
	gradX, _, err := eng.Backward(ctx, snap, grad, local)
	if err != nil {
		return 0, 0, err
	}
	m.embed.AccumulateGradient(batch.Source, gradX, local)

	acc.Merge(local)
	return loss, tokens, nil
}

// Loss implements Model.
func (m *Autoencoder) Loss(ctx context.Context, gen *rng.Generator, batch Batch) (float64, error) {
	merged, err := m.Encode(ctx, gen, batch.Source, batch.SourceLengths)
	if err != nil {
		return 0, err
	}
	return m.head.loss(merged, flatten(batch.Source))
}

// Encode returns the merged encoder output [seq, batch, feature] for ids
// without dropout.
func (m *Autoencoder) Encode(ctx context.Context, gen *rng.Generator, ids [][]int, lengths []int) (*tensor.Tensor, error) {
	if err := checkGrid("source", ids, m.cfg.MaxLen); err != nil {
		return nil, err
	}
	x, err := m.embed.Lookup(ids)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidBatch, err)
	}
	side := nn.Side{Pos: m.pos, Mask: nn.PaddingMask(lengths, len(ids))}
	merged, _, _, err := reversible.Forward(ctx, m.layers, x, side, gen)
	return merged, err
}

// Parameters implements nn.Module.
func (m *Autoencoder) Parameters() []*nn.Parameter {
	params := m.embed.Parameters()
	for _, l := range m.layers {
		params = append(params, l.Parameters()...)
	}
	return append(params, m.head.Parameters()...)
}
