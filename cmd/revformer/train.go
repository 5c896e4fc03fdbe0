package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/born-ml/revformer/internal/autodiff"
	"github.com/born-ml/revformer/internal/checkpoint"
	"github.com/born-ml/revformer/internal/model"
	"github.com/born-ml/revformer/internal/nn"
	"github.com/born-ml/revformer/internal/optim"
	"github.com/born-ml/revformer/internal/reversible"
	"github.com/born-ml/revformer/internal/rng"
	"github.com/born-ml/revformer/internal/tokenizer"
	"github.com/born-ml/revformer/internal/train"
)

// trainFlags holds the train command line.
type trainFlags struct {
	corpus      string
	tokenizer   string
	task        string
	layers      int
	dim         int
	heads       int
	inner       int
	dropout     float64
	variational bool
	steps       int
	batch       int
	seqLen      int
	optimizer   string
	lr          float64
	clip        float64
	seed        uint64
	memoryLimit int
	logEvery    int
	save        string
	load        string
	verbose     bool
}

func parseTrainFlags(args []string, stderr io.Writer) (*trainFlags, error) {
	f := &trainFlags{}
	fs := flag.NewFlagSet("train", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&f.corpus, "corpus", "", "path to a UTF-8 text corpus (required)")
	fs.StringVar(&f.tokenizer, "tokenizer", "bytes", `"bytes" or a tiktoken encoding such as cl100k_base`)
	fs.StringVar(&f.task, "task", "reconstruct", "reconstruct (autoencoder) or reverse (seq2seq)")
	fs.IntVar(&f.layers, "layers", 2, "reversible layers per stack")
	fs.IntVar(&f.dim, "dim", 32, "model size")
	fs.IntVar(&f.heads, "heads", 4, "attention heads")
	fs.IntVar(&f.inner, "inner", 64, "feed-forward inner size")
	fs.Float64Var(&f.dropout, "dropout", 0.1, "dropout probability")
	fs.BoolVar(&f.variational, "variational", false, "share dropout masks across positions")
	fs.IntVar(&f.steps, "steps", 100, "optimizer updates")
	fs.IntVar(&f.batch, "batch", 8, "sequences per batch")
	fs.IntVar(&f.seqLen, "seq", 16, "tokens per sequence")
	fs.StringVar(&f.optimizer, "optimizer", "adam", "adam or sgd")
	fs.Float64Var(&f.lr, "lr", 1e-3, "learning rate")
	fs.Float64Var(&f.clip, "clip", 5, "gradient norm limit, 0 disables clipping")
	fs.Uint64Var(&f.seed, "seed", 42, "random seed")
	fs.IntVar(&f.memoryLimit, "memory-limit", 0, "activation budget in elements, 0 for unlimited")
	fs.IntVar(&f.logEvery, "log-every", 10, "log every n steps")
	fs.StringVar(&f.save, "save", "", "write a checkpoint here after training")
	fs.StringVar(&f.load, "load", "", "restore parameters from this checkpoint before training")
	fs.BoolVar(&f.verbose, "v", false, "debug logging")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if f.corpus == "" {
		fs.Usage()
		return nil, errors.New("train: -corpus is required")
	}
	return f, nil
}

func (f *trainFlags) taskKind() (train.Task, error) {
	switch f.task {
	case "reconstruct":
		return train.Reconstruct, nil
	case "reverse":
		return train.Reverse, nil
	default:
		return 0, fmt.Errorf("train: unknown task %q", f.task)
	}
}

func (f *trainFlags) newOptimizer() (optim.Optimizer, error) {
	switch f.optimizer {
	case "adam":
		return optim.NewAdam(optim.AdamConfig{LR: f.lr}), nil
	case "sgd":
		return optim.NewSGD(optim.SGDConfig{LR: f.lr, Momentum: 0.9}), nil
	default:
		return nil, fmt.Errorf("train: unknown optimizer %q", f.optimizer)
	}
}

func (f *trainFlags) modelConfig(vocabSize int) model.Config {
	cfg := model.DefaultConfig(vocabSize)
	cfg.Layers = f.layers
	cfg.MaxLen = f.seqLen + 1
	cfg.Unit.ModelSize = f.dim
	cfg.Unit.NumHeads = f.heads
	cfg.Unit.InnerSize = f.inner
	cfg.Unit.Dropout = f.dropout
	cfg.Unit.AttnDropout = f.dropout
	cfg.Unit.Variational = f.variational
	return cfg
}

func trainCommand(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	f, err := parseTrainFlags(args, stderr)
	if err != nil {
		return err
	}
	logger := newLogger(stderr, f.verbose)
	task, err := f.taskKind()
	if err != nil {
		return err
	}

	text, err := os.ReadFile(f.corpus)
	if err != nil {
		return fmt.Errorf("train: read corpus: %w", err)
	}
	tok, err := tokenizer.New(f.tokenizer)
	if err != nil {
		return err
	}
	raw, err := tok.Encode(string(text))
	if err != nil {
		return fmt.Errorf("train: encode corpus: %w", err)
	}
	vocab := tokenizer.BuildVocab(raw)
	batches, err := train.Batches(vocab.Map(raw), f.seqLen, f.batch, task)
	if err != nil {
		return err
	}
	if len(batches) == 0 {
		return errors.New("train: empty corpus")
	}
	logger.Info("corpus",
		"tokenizer", tok.Name(),
		"tokens", len(raw),
		"vocab", vocab.Size(),
		"batches", len(batches),
		"task", task)

	gen := rng.New(f.seed, 0)
	cfg := f.modelConfig(vocab.Size())
	var m model.Model
	if task == train.Reverse {
		m, err = model.NewSeq2Seq(cfg, gen)
	} else {
		m, err = model.NewAutoencoder(cfg, gen)
	}
	if err != nil {
		return err
	}
	if f.load != "" {
		ckpt, err := checkpoint.Load(f.load)
		if err != nil {
			return err
		}
		if err := ckpt.Restore(m.Parameters()); err != nil {
			return err
		}
		logger.Info("restored checkpoint", "path", f.load, "model", ckpt.Header.ModelType)
	}
	opt, err := f.newOptimizer()
	if err != nil {
		return err
	}

	b := autodiff.New()
	b.SetMemoryLimit(f.memoryLimit)
	eng := reversible.NewEngine(reversible.WithBackend(b), reversible.WithLogger(logger))
	tr := train.New(m, opt, gen,
		train.WithEngine(eng),
		train.WithLogger(logger),
		train.WithConfig(train.Config{ClipNorm: f.clip, MinBatch: 1, LogEvery: f.logEvery}))

	for tr.Steps() < f.steps {
		train.Shuffle(batches, gen)
		for _, batch := range batches {
			if tr.Steps() >= f.steps {
				break
			}
			if _, err := tr.Step(ctx, batch); err != nil {
				return err
			}
		}
	}

	loss, err := tr.Evaluate(ctx, batches)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "steps=%d loss=%.4f params=%d\n", tr.Steps(), loss, countParams(m))

	if f.save != "" {
		header := checkpoint.Header{
			ModelType: task.String(),
			Training:  &checkpoint.TrainingState{Step: tr.Steps(), Loss: loss, Optimizer: f.optimizer, LR: opt.LR()},
			Metadata:  map[string]string{"tokenizer": tok.Name(), "corpus": f.corpus},
		}
		if err := checkpoint.Save(f.save, m.Parameters(), header); err != nil {
			return err
		}
		logger.Info("saved checkpoint", "path", f.save)
	}

	if s2s, ok := m.(*model.Seq2Seq); ok {
		return printSample(ctx, stdout, s2s, gen, batches[0], vocab, tok)
	}
	return nil
}

func countParams(m nn.Module) int {
	var n int
	for _, p := range m.Parameters() {
		n += p.Tensor().NumElements()
	}
	return n
}

// printSample greedily decodes the first sequence of batch.
func printSample(ctx context.Context, w io.Writer, m *model.Seq2Seq, gen *rng.Generator, batch model.Batch, vocab *tokenizer.Vocab, tok tokenizer.Tokenizer) error {
	src := make([][]int, len(batch.Source))
	for i, row := range batch.Source {
		src[i] = row[:1]
	}
	var lengths []int
	if batch.SourceLengths != nil {
		lengths = batch.SourceLengths[:1]
	}
	out, err := m.Greedy(ctx, gen, src, lengths, len(batch.Target)-1)
	if err != nil {
		return err
	}
	column := func(grid [][]int) []int {
		ids := make([]int, len(grid))
		for i, row := range grid {
			ids[i] = row[0]
		}
		return ids
	}
	input, err := tok.Decode(vocab.Unmap(column(src)))
	if err != nil {
		return err
	}
	output, err := tok.Decode(vocab.Unmap(column(out)))
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "input:  %q\noutput: %q\n", input, output)
	return nil
}
