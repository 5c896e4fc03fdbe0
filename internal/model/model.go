// Package model assembles reversible stacks into trainable sequence models.
//
// Two assemblies are provided:
//   - Autoencoder: token embedding, a reversible encoder stack and an output
//     head trained to reconstruct its input tokens
//   - Seq2Seq: an encoder stack whose merged output is the context of a
//     reversible decoder stack; the decoder's context gradient drives the
//     encoder's backward pass
//
// Both run their stacks through a *reversible.Engine, so activations are
// recomputed during backward instead of stored. A training step writes its
// gradients into a step-local store and merges it into the caller's
// accumulator only when the whole step succeeded.
package model

import (
	"context"
	"errors"
	"fmt"

	"github.com/born-ml/revformer/internal/autodiff"
	"github.com/born-ml/revformer/internal/nn"
	"github.com/born-ml/revformer/internal/reversible"
	"github.com/born-ml/revformer/internal/rng"
	"github.com/born-ml/revformer/internal/tensor"
	"github.com/born-ml/revformer/internal/tokenizer"
)

// ErrInvalidBatch is returned for batches a model cannot consume.
var ErrInvalidBatch = errors.New("model: invalid batch")

// Model is a trainable sequence model.
type Model interface {
	nn.Module

	// Step runs one forward and backward pass over batch and merges the
	// gradients of the mean token loss into acc. tokens is the number of
	// non-padding labels the mean is taken over. On error acc is untouched.
	Step(ctx context.Context, eng *reversible.Engine, gen *rng.Generator, batch Batch, acc *nn.GradStore) (loss float64, tokens int, err error)

	// Loss evaluates batch without dropout or gradients.
	Loss(ctx context.Context, gen *rng.Generator, batch Batch) (float64, error)
}

// Config sizes a model.
type Config struct {
	VocabSize int       // Dense vocabulary size, reserved ids included
	Layers    int       // Layers per reversible stack
	MaxLen    int       // Longest sequence the position table covers
	Unit      nn.Config // Hyperparameters shared by every unit
}

// DefaultConfig returns a two-layer configuration for the given vocabulary.
func DefaultConfig(vocabSize int) Config {
	return Config{
		VocabSize: vocabSize,
		Layers:    2,
		MaxLen:    256,
		Unit:      nn.DefaultConfig(),
	}
}

// Validate checks sizes and the unit config.
func (c Config) Validate() error {
	if c.VocabSize <= tokenizer.BosID {
		return fmt.Errorf("%w: vocabulary size %d leaves no regular tokens", nn.ErrInvalidConfig, c.VocabSize)
	}
	if c.Layers <= 0 {
		return fmt.Errorf("%w: layers must be positive, got %d", nn.ErrInvalidConfig, c.Layers)
	}
	if c.MaxLen <= 0 {
		return fmt.Errorf("%w: max length must be positive, got %d", nn.ErrInvalidConfig, c.MaxLen)
	}
	return c.Unit.Validate()
}

// Batch is a padded batch of token ids laid out [seq][batch].
type Batch struct {
	Source        [][]int
	SourceLengths []int // Unpadded lengths; nil when nothing is padded

	// Target starts with tokenizer.BosID; the decoder reads Target[:n-1]
	// and predicts Target[1:]. Nil for autoencoders.
	Target        [][]int
	TargetLengths []int
}

// Size returns the number of sequences in the batch.
func (b Batch) Size() int {
	if len(b.Source) == 0 {
		return 0
	}
	return len(b.Source[0])
}

// Split cuts the batch into two halves along the batch axis.
// The first half holds Size()/2 sequences.
func (b Batch) Split() (Batch, Batch) {
	mid := b.Size() / 2
	lo := Batch{
		Source:        columns(b.Source, 0, mid),
		SourceLengths: sliceOrNil(b.SourceLengths, 0, mid),
		Target:        columns(b.Target, 0, mid),
		TargetLengths: sliceOrNil(b.TargetLengths, 0, mid),
	}
	hi := Batch{
		Source:        columns(b.Source, mid, b.Size()),
		SourceLengths: sliceOrNil(b.SourceLengths, mid, b.Size()),
		Target:        columns(b.Target, mid, b.Size()),
		TargetLengths: sliceOrNil(b.TargetLengths, mid, b.Size()),
	}
	return lo, hi
}

func columns(ids [][]int, from, to int) [][]int {
	if ids == nil {
		return nil
	}
	out := make([][]int, len(ids))
	for s, row := range ids {
		out[s] = append([]int(nil), row[from:to]...)
	}
	return out
}

func sliceOrNil(xs []int, from, to int) []int {
	if xs == nil {
		return nil
	}
	return append([]int(nil), xs[from:to]...)
}

// checkGrid validates a [seq][batch] id grid against the position table.
func checkGrid(name string, ids [][]int, maxLen int) error {
	if len(ids) == 0 || len(ids[0]) == 0 {
		return fmt.Errorf("%w: empty %s", ErrInvalidBatch, name)
	}
	if len(ids) > maxLen {
		return fmt.Errorf("%w: %s length %d exceeds max length %d", ErrInvalidBatch, name, len(ids), maxLen)
	}
	return nil
}

// flatten lays ids out in the row order of a [seq, batch, ...] tensor.
func flatten(ids [][]int) []int {
	var out []int
	for _, row := range ids {
		out = append(out, row...)
	}
	return out
}

// clampLengths caps every length at n.
func clampLengths(lengths []int, n int) []int {
	if lengths == nil {
		return nil
	}
	out := make([]int, len(lengths))
	for i, l := range lengths {
		out[i] = min(l, n)
	}
	return out
}

// head maps merged stream outputs to vocabulary logits.
type head struct {
	norm *nn.LayerNorm
	proj *nn.Linear
}

func newHead(name string, cfg Config, gen *rng.Generator) *head {
	return &head{
		norm: nn.NewLayerNorm(name+".norm", cfg.Unit.ModelSize, cfg.Unit.NormEps),
		proj: nn.NewLinear(name+".proj", cfg.Unit.ModelSize, cfg.VocabSize, gen),
	}
}

func (h *head) forward(b *autodiff.Backend, merged *tensor.Tensor) *tensor.Tensor {
	return h.proj.Forward(b, h.norm.Forward(b, merged))
}

// loss evaluates the cross-entropy of targets without recording.
func (h *head) loss(merged *tensor.Tensor, targets []int) (float64, error) {
	loss, _, _, err := nn.CrossEntropy(h.forward(autodiff.New(), merged), targets, tokenizer.PadID)
	return loss, err
}

// backward records the head on b, returns the loss, its gradient on merged
// and the number of counted targets, and adds the head's parameter
// gradients to acc.
func (h *head) backward(b *autodiff.Backend, merged *tensor.Tensor, targets []int, acc *nn.GradStore) (float64, *tensor.Tensor, int, error) {
	defer b.Tape().Clear()

	var logits *tensor.Tensor
	err := b.EnableGrad(func() error {
		logits = h.forward(b, merged)
		return b.Tape().Err()
	})
	if err != nil {
		return 0, nil, 0, fmt.Errorf("model: head: %w", err)
	}
	loss, gradLogits, tokens, err := nn.CrossEntropy(logits, targets, tokenizer.PadID)
	if err != nil {
		return 0, nil, 0, err
	}
	grads, err := b.Backward(logits, gradLogits)
	if err != nil {
		return 0, nil, 0, fmt.Errorf("model: head: %w", err)
	}
	for _, p := range h.Parameters() {
		if g := grads.Of(p.Tensor()); g != nil {
			acc.Accumulate(p, g)
		}
	}
	grad := grads.Of(merged)
	if grad == nil {
		grad = tensor.ZerosLike(merged)
	}
	return loss, grad, tokens, nil
}

// Parameters implements nn.Module.
func (h *head) Parameters() []*nn.Parameter {
	return append(h.norm.Parameters(), h.proj.Parameters()...)
}

// argmax returns the most likely id of every row of logits.
func argmax(logits *tensor.Tensor) []int {
	rows := logits.Shape().Rows()
	out := make([]int, rows)
	for r := range rows {
		best := 0
		for i, v := range logits.Row(r) {
			if v > logits.Row(r)[best] {
				best = i
			}
		}
		out[r] = best
	}
	return out
}
