// Package train runs the training loop over a model.Model.
//
// Every step is atomic: gradients land in a step-local store and the
// optimizer only sees them once the whole batch went through. When a step
// runs out of activation memory the partial work is discarded and the batch
// is retried as two halves whose gradients are combined before the update.
package train

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/born-ml/revformer/internal/model"
	"github.com/born-ml/revformer/internal/nn"
	"github.com/born-ml/revformer/internal/optim"
	"github.com/born-ml/revformer/internal/reversible"
	"github.com/born-ml/revformer/internal/rng"
)

// ErrNonFinite is returned when a step produces a NaN or infinite loss or
// gradient norm. The update is skipped.
var ErrNonFinite = errors.New("train: non-finite loss or gradient")

// Config controls the trainer.
type Config struct {
	// ClipNorm caps the global gradient norm; 0 disables clipping.
	ClipNorm float64

	// MinBatch is the smallest sub-batch tried after resource exhaustion.
	MinBatch int

	// LogEvery logs a record every LogEvery steps; 0 disables step logs.
	LogEvery int
}

// DefaultConfig returns a Config with clipping at 5 and single-sequence
// sub-batches allowed.
func DefaultConfig() Config {
	return Config{
		ClipNorm: 5,
		MinBatch: 1,
		LogEvery: 10,
	}
}

// Stats describes one finished step.
type Stats struct {
	Step     int
	Loss     float64
	Tokens   int     // Labels the loss is averaged over
	GradNorm float64 // Before clipping
	Splits   int     // Sub-batches dropped to resource exhaustion
	Elapsed  time.Duration
}

// Trainer updates a model from batches.
type Trainer struct {
	model  model.Model
	opt    optim.Optimizer
	engine *reversible.Engine
	gen    *rng.Generator
	cfg    Config
	logger *slog.Logger
	step   int
}

// Option configures a Trainer.
type Option func(*Trainer)

// WithEngine sets the reversible engine, e.g. one whose backend carries a
// memory limit.
func WithEngine(e *reversible.Engine) Option {
	return func(t *Trainer) {
		t.engine = e
	}
}

// WithLogger sets the logger for step records.
func WithLogger(l *slog.Logger) Option {
	return func(t *Trainer) {
		t.logger = l
	}
}

// WithConfig replaces the default Config.
func WithConfig(cfg Config) Option {
	return func(t *Trainer) {
		t.cfg = cfg
	}
}

// New creates a Trainer. gen supplies every random draw of the steps.
func New(m model.Model, opt optim.Optimizer, gen *rng.Generator, opts ...Option) *Trainer {
	t := &Trainer{
		model: m,
		opt:   opt,
		gen:   gen,
		cfg:   DefaultConfig(),
	}
	for _, o := range opts {
		o(t)
	}
	if t.logger == nil {
		t.logger = slog.New(slog.DiscardHandler)
	}
	if t.engine == nil {
		t.engine = reversible.NewEngine(reversible.WithLogger(t.logger))
	}
	if t.cfg.MinBatch <= 0 {
		t.cfg.MinBatch = 1
	}
	return t
}

// Steps returns the number of updates applied so far.
func (t *Trainer) Steps() int {
	return t.step
}

// Step trains on one batch and applies a single optimizer update.
// On error the model parameters are unchanged.
func (t *Trainer) Step(ctx context.Context, batch model.Batch) (Stats, error) {
	start := time.Now()
	acc := nn.NewGradStore()
	var splits int
	loss, tokens, err := t.accumulate(ctx, batch, acc, &splits)
	if err != nil {
		return Stats{}, fmt.Errorf("train: step %d: %w", t.step+1, err)
	}

	norm := acc.Norm()
	if t.cfg.ClipNorm > 0 {
		norm = optim.ClipGradNorm(acc, t.cfg.ClipNorm)
	}
	if math.IsNaN(loss) || math.IsInf(loss, 0) || math.IsNaN(norm) || math.IsInf(norm, 0) {
		return Stats{}, fmt.Errorf("%w: step %d loss %v norm %v", ErrNonFinite, t.step+1, loss, norm)
	}
	t.opt.Step(acc)
	t.step++

	stats := Stats{Step: t.step, Loss: loss, Tokens: tokens, GradNorm: norm, Splits: splits, Elapsed: time.Since(start)}
	if t.cfg.LogEvery > 0 && t.step%t.cfg.LogEvery == 0 {
		t.logger.Info("train step",
			"step", stats.Step,
			"loss", stats.Loss,
			"grad_norm", stats.GradNorm,
			"lr", t.opt.LR(),
			"elapsed", stats.Elapsed)
	}
	return stats, nil
}

// accumulate adds the gradient of batch's mean token loss to acc and
// returns the loss and the number of tokens it averages. A batch that
// exhausts the backend is split and each half contributes in proportion to
// its token count, so the result matches the whole-batch gradient.
func (t *Trainer) accumulate(ctx context.Context, batch model.Batch, acc *nn.GradStore, splits *int) (float64, int, error) {
	local := nn.NewGradStore()
	loss, tokens, err := t.model.Step(ctx, t.engine, t.gen, batch, local)
	if err == nil {
		acc.Merge(local)
		return loss, tokens, nil
	}
	n := batch.Size()
	if !errors.Is(err, reversible.ErrResourceExhausted) || n/2 < t.cfg.MinBatch {
		return 0, 0, err
	}

	*splits++
	t.logger.Warn("resource exhausted, halving batch", "batch", n, "error", err)
	lo, hi := batch.Split()
	var (
		parts  [2]*nn.GradStore
		losses [2]float64
		counts [2]int
		total  int
	)
	for i, half := range []model.Batch{lo, hi} {
		parts[i] = nn.NewGradStore()
		if losses[i], counts[i], err = t.accumulate(ctx, half, parts[i], splits); err != nil {
			return 0, 0, err
		}
		total += counts[i]
	}
	if total == 0 {
		return 0, 0, nil
	}
	var sum float64
	for i, part := range parts {
		w := float64(counts[i]) / float64(total)
		part.Scale(w)
		acc.Merge(part)
		sum += w * losses[i]
	}
	return sum, total, nil
}

// Evaluate returns the size-weighted mean loss over batches without
// updating the model.
func (t *Trainer) Evaluate(ctx context.Context, batches []model.Batch) (float64, error) {
	var sum float64
	var n int
	for _, b := range batches {
		l, err := t.model.Loss(ctx, t.gen, b)
		if err != nil {
			return 0, err
		}
		sum += l * float64(b.Size())
		n += b.Size()
	}
	if n == 0 {
		return 0, nil
	}
	return sum / float64(n), nil
}
