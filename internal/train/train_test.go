package train_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/revformer/internal/autodiff"
	"github.com/born-ml/revformer/internal/model"
	"github.com/born-ml/revformer/internal/nn"
	"github.com/born-ml/revformer/internal/optim"
	"github.com/born-ml/revformer/internal/reversible"
	"github.com/born-ml/revformer/internal/rng"
	"github.com/born-ml/revformer/internal/tensor"
	"github.com/born-ml/revformer/internal/tokenizer"
	"github.com/born-ml/revformer/internal/train"
)

// memoryBound fails with resource exhaustion on batches above limit. Its
// loss and gradient are the mean of the first source row, one token per
// sequence.
type memoryBound struct {
	param *nn.Parameter
	limit int
	loss  float64 // overrides the loss when non-zero
	err   error
	calls []int
}

func newMemoryBound(limit int) *memoryBound {
	return &memoryBound{param: nn.NewParameter("w", tensor.Zeros(tensor.Shape{1})), limit: limit}
}

func (m *memoryBound) Step(_ context.Context, _ *reversible.Engine, _ *rng.Generator, batch model.Batch, acc *nn.GradStore) (float64, int, error) {
	m.calls = append(m.calls, batch.Size())
	if m.err != nil {
		return 0, 0, m.err
	}
	if batch.Size() > m.limit {
		return 0, 0, &reversible.LayerError{Layer: 0, Stage: reversible.StageFeedForward, Direction: "backward", Err: autodiff.ErrResourceExhausted}
	}
	var sum int
	for _, id := range batch.Source[0] {
		sum += id
	}
	mean := float64(sum) / float64(batch.Size())
	acc.Accumulate(m.param, tensor.Full(tensor.Shape{1}, mean))
	if m.loss != 0 {
		return m.loss, batch.Size(), nil
	}
	return mean, batch.Size(), nil
}

func (m *memoryBound) Loss(_ context.Context, _ *rng.Generator, batch model.Batch) (float64, error) {
	return float64(batch.Size()), nil
}

func (m *memoryBound) Parameters() []*nn.Parameter {
	return []*nn.Parameter{m.param}
}

func row(ids ...int) model.Batch {
	return model.Batch{Source: [][]int{ids}}
}

func sgd() optim.Optimizer {
	return optim.NewSGD(optim.SGDConfig{LR: 1})
}

func noClip() train.Option {
	return train.WithConfig(train.Config{MinBatch: 1})
}

func TestTrainer_Step(t *testing.T) {
	m := newMemoryBound(8)
	tr := train.New(m, sgd(), rng.New(1, 0), noClip())

	stats, err := tr.Step(context.Background(), row(1, 2, 3, 4))
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Step)
	assert.InDelta(t, 2.5, stats.Loss, 1e-12)
	assert.Equal(t, 4, stats.Tokens)
	assert.InDelta(t, 2.5, stats.GradNorm, 1e-12)
	assert.Zero(t, stats.Splits)
	assert.Equal(t, []int{4}, m.calls)
	assert.InDelta(t, -2.5, m.param.Tensor().At(0), 1e-12)
	assert.Equal(t, 1, tr.Steps())
}

func TestTrainer_HalvesBatchOnExhaustion(t *testing.T) {
	tests := []struct {
		name   string
		limit  int
		calls  []int
		splits int
	}{
		{"one split", 2, []int{4, 2, 2}, 1},
		{"down to single sequences", 1, []int{4, 2, 1, 1, 2, 1, 1}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newMemoryBound(tt.limit)
			tr := train.New(m, sgd(), rng.New(1, 0), noClip())

			stats, err := tr.Step(context.Background(), row(1, 2, 3, 4))
			require.NoError(t, err)
			assert.Equal(t, tt.calls, m.calls)
			assert.Equal(t, tt.splits, stats.Splits)
			assert.InDelta(t, 2.5, stats.Loss, 1e-12, "halves are weighted by token count")
			assert.Equal(t, 4, stats.Tokens)
			assert.InDelta(t, -2.5, m.param.Tensor().At(0), 1e-12, "one update with the whole-batch gradient")
		})
	}
}

func TestTrainer_UnevenSplitWeights(t *testing.T) {
	m := newMemoryBound(2)
	tr := train.New(m, sgd(), rng.New(1, 0), noClip())

	stats, err := tr.Step(context.Background(), row(3, 6, 9))
	require.NoError(t, err)
	assert.Equal(t, []int{3, 1, 2}, m.calls)
	assert.InDelta(t, 6.0, stats.Loss, 1e-12)
}

func TestTrainer_GivesUpBelowMinBatch(t *testing.T) {
	m := newMemoryBound(0)
	tr := train.New(m, sgd(), rng.New(1, 0), train.WithConfig(train.Config{MinBatch: 2}))

	_, err := tr.Step(context.Background(), row(1, 2, 3, 4))
	require.ErrorIs(t, err, reversible.ErrResourceExhausted)
	var le *reversible.LayerError
	assert.True(t, errors.As(err, &le))
	assert.Equal(t, []int{4, 2}, m.calls)
	assert.Zero(t, m.param.Tensor().At(0), "no update after a failed step")
	assert.Zero(t, tr.Steps())
}

func TestTrainer_OtherErrorsAreNotRetried(t *testing.T) {
	m := newMemoryBound(8)
	m.err = fmt.Errorf("bad batch: %w", model.ErrInvalidBatch)
	tr := train.New(m, sgd(), rng.New(1, 0))

	_, err := tr.Step(context.Background(), row(1, 2, 3, 4))
	assert.ErrorIs(t, err, model.ErrInvalidBatch)
	assert.Equal(t, []int{4}, m.calls)
}

func TestTrainer_RejectsNonFiniteLoss(t *testing.T) {
	m := newMemoryBound(8)
	m.loss = math.Inf(1)
	tr := train.New(m, sgd(), rng.New(1, 0))

	_, err := tr.Step(context.Background(), row(1, 2))
	assert.ErrorIs(t, err, train.ErrNonFinite)
	assert.Zero(t, m.param.Tensor().At(0))
}

func TestTrainer_ClipsGradient(t *testing.T) {
	m := newMemoryBound(8)
	tr := train.New(m, sgd(), rng.New(1, 0), train.WithConfig(train.Config{ClipNorm: 1}))

	stats, err := tr.Step(context.Background(), row(4, 4))
	require.NoError(t, err)
	assert.InDelta(t, 4.0, stats.GradNorm, 1e-12, "norm is reported before clipping")
	assert.InDelta(t, -1.0, m.param.Tensor().At(0), 1e-12)
}

func TestTrainer_Logging(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	m := newMemoryBound(1)
	tr := train.New(m, sgd(), rng.New(1, 0),
		train.WithLogger(logger),
		train.WithConfig(train.Config{MinBatch: 1, LogEvery: 1}))

	_, err := tr.Step(context.Background(), row(1, 2))
	require.NoError(t, err)
	out := buf.String()
	assert.Contains(t, out, "halving batch")
	assert.Contains(t, out, "batch=2")
	assert.Contains(t, out, "train step")
	assert.Contains(t, out, "step=1")
}

func TestTrainer_Evaluate(t *testing.T) {
	tr := train.New(newMemoryBound(8), sgd(), rng.New(1, 0))

	loss, err := tr.Evaluate(context.Background(), []model.Batch{row(1), row(1, 2, 3)})
	require.NoError(t, err)
	assert.InDelta(t, 2.5, loss, 1e-12, "(1*1 + 3*3) / 4")

	loss, err = tr.Evaluate(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, loss)
}

func TestBatches(t *testing.T) {
	ids := []int{3, 4, 5, 6, 7, 8, 9}

	t.Run("reconstruct", func(t *testing.T) {
		batches, err := train.Batches(ids, 3, 2, train.Reconstruct)
		require.NoError(t, err)
		require.Len(t, batches, 2)

		assert.Equal(t, [][]int{{3, 6}, {4, 7}, {5, 8}}, batches[0].Source)
		assert.Nil(t, batches[0].SourceLengths)
		assert.Nil(t, batches[0].Target)

		assert.Equal(t, [][]int{{9}}, batches[1].Source)
	})

	t.Run("reverse", func(t *testing.T) {
		batches, err := train.Batches(ids, 4, 2, train.Reverse)
		require.NoError(t, err)
		require.Len(t, batches, 1)

		b := batches[0]
		assert.Equal(t, [][]int{{3, 7}, {4, 8}, {5, 9}, {6, tokenizer.PadID}}, b.Source)
		assert.Equal(t, []int{4, 3}, b.SourceLengths)
		bos := tokenizer.BosID
		assert.Equal(t, [][]int{{bos, bos}, {6, 9}, {5, 8}, {4, 7}, {3, tokenizer.PadID}}, b.Target)
		assert.Equal(t, []int{5, 4}, b.TargetLengths)
		assert.Equal(t, []int{3, 4, 5, 6, 7, 8, 9}, ids, "input is not modified")
	})

	t.Run("invalid sizes", func(t *testing.T) {
		_, err := train.Batches(ids, 0, 2, train.Reconstruct)
		assert.Error(t, err)
	})
}

func TestShuffle_Deterministic(t *testing.T) {
	mk := func() []model.Batch {
		var bs []model.Batch
		for i := range 8 {
			bs = append(bs, row(i+3))
		}
		return bs
	}
	a, b := mk(), mk()
	train.Shuffle(a, rng.New(5, 0))
	train.Shuffle(b, rng.New(5, 0))
	assert.Equal(t, a, b)
	assert.ElementsMatch(t, mk(), a)
}

func TestTask_String(t *testing.T) {
	assert.Equal(t, "reconstruct", train.Reconstruct.String())
	assert.Equal(t, "reverse", train.Reverse.String())
	assert.Equal(t, "Task(7)", train.Task(7).String())
}

func TestTrainer_Autoencoder(t *testing.T) {
	cfg := model.DefaultConfig(16)
	cfg.MaxLen = 8
	cfg.Unit.ModelSize = 8
	cfg.Unit.NumHeads = 2
	cfg.Unit.InnerSize = 16
	cfg.Unit.Dropout = 0
	cfg.Unit.AttnDropout = 0
	m, err := model.NewAutoencoder(cfg, rng.New(1, 0))
	require.NoError(t, err)

	ids := []int{3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14}
	batches, err := train.Batches(ids, 4, 3, train.Reconstruct)
	require.NoError(t, err)

	ctx := context.Background()
	tr := train.New(m, optim.NewAdam(optim.AdamConfig{LR: 0.02}), rng.New(2, 0))
	before, err := tr.Evaluate(ctx, batches)
	require.NoError(t, err)
	for range 30 {
		for _, b := range batches {
			_, err := tr.Step(ctx, b)
			require.NoError(t, err)
		}
	}
	after, err := tr.Evaluate(ctx, batches)
	require.NoError(t, err)
	assert.Less(t, after, before)
	assert.Equal(t, 30, tr.Steps())
}

// exhaustsAbove wraps a model and fails batches larger than limit with
// resource exhaustion.
type exhaustsAbove struct {
	model.Model
	limit int
}

func (m exhaustsAbove) Step(ctx context.Context, eng *reversible.Engine, gen *rng.Generator, batch model.Batch, acc *nn.GradStore) (float64, int, error) {
	if batch.Size() > m.limit {
		return 0, 0, autodiff.ErrResourceExhausted
	}
	return m.Model.Step(ctx, eng, gen, batch, acc)
}

func TestTrainer_SplitMatchesWholeBatchWithPadding(t *testing.T) {
	cfg := model.DefaultConfig(16)
	cfg.MaxLen = 8
	cfg.Unit.ModelSize = 8
	cfg.Unit.NumHeads = 2
	cfg.Unit.InnerSize = 16
	cfg.Unit.Dropout = 0
	cfg.Unit.AttnDropout = 0
	whole, err := model.NewAutoencoder(cfg, rng.New(1, 0))
	require.NoError(t, err)
	split, err := model.NewAutoencoder(cfg, rng.New(1, 0))
	require.NoError(t, err)

	pad := tokenizer.PadID
	batch := model.Batch{
		Source:        [][]int{{3, 4}, {5, pad}, {6, pad}, {7, pad}},
		SourceLengths: []int{4, 1},
	}
	ctx := context.Background()

	acc := nn.NewGradStore()
	wantLoss, wantTokens, err := whole.Step(ctx, reversible.NewEngine(), rng.New(2, 0), batch, acc)
	require.NoError(t, err)
	require.Equal(t, 5, wantTokens)

	tr := train.New(exhaustsAbove{Model: split, limit: 1}, sgd(), rng.New(2, 0), noClip())
	stats, err := tr.Step(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Splits)
	assert.Equal(t, wantTokens, stats.Tokens)
	assert.InDelta(t, wantLoss, stats.Loss, 1e-9)

	// With SGD at rate 1 every parameter moved by exactly its gradient.
	before, after := whole.Parameters(), split.Parameters()
	for i, p := range before {
		g := acc.Get(p)
		require.NotNil(t, g, p.Name())
		step := tensor.Sub(p.Tensor(), after[i].Tensor())
		assert.True(t, tensor.AllClose(g, step, 1e-7, 1e-9), "%s: max diff %g", p.Name(), tensor.MaxAbsDiff(g, step))
	}
}

func TestTrainer_RealExhaustion(t *testing.T) {
	cfg := model.DefaultConfig(16)
	cfg.MaxLen = 8
	cfg.Unit.ModelSize = 8
	cfg.Unit.NumHeads = 2
	cfg.Unit.InnerSize = 16
	m, err := model.NewAutoencoder(cfg, rng.New(1, 0))
	require.NoError(t, err)
	before := m.Parameters()[0].Tensor().Clone()

	b := autodiff.New()
	b.SetMemoryLimit(1)
	tr := train.New(m, sgd(), rng.New(2, 0), train.WithEngine(reversible.NewEngine(reversible.WithBackend(b))))

	_, err = tr.Step(context.Background(), model.Batch{Source: [][]int{{3, 4}, {5, 6}}})
	require.ErrorIs(t, err, reversible.ErrResourceExhausted)
	assert.True(t, tensor.Equal(before, m.Parameters()[0].Tensor()))
}
