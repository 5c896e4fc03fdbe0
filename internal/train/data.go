package train

import (
	"fmt"
	"slices"

	"github.com/born-ml/revformer/internal/model"
	"github.com/born-ml/revformer/internal/rng"
	"github.com/born-ml/revformer/internal/tokenizer"
)

// Task selects how targets are derived from a corpus window.
type Task int

const (
	// Reconstruct trains an autoencoder on the window itself.
	Reconstruct Task = iota
	// Reverse pairs every window with its reversal as the target.
	Reverse
)

// String implements fmt.Stringer.
func (t Task) String() string {
	switch t {
	case Reconstruct:
		return "reconstruct"
	case Reverse:
		return "reverse"
	default:
		return fmt.Sprintf("Task(%d)", int(t))
	}
}

// Batches cuts a dense id stream into windows of at most seqLen ids and
// groups them into padded batches of at most batchSize windows.
func Batches(ids []int, seqLen, batchSize int, task Task) ([]model.Batch, error) {
	if seqLen <= 0 || batchSize <= 0 {
		return nil, fmt.Errorf("train: seqLen and batchSize must be positive, got %d, %d", seqLen, batchSize)
	}
	var windows [][]int
	for start := 0; start < len(ids); start += seqLen {
		windows = append(windows, ids[start:min(start+seqLen, len(ids))])
	}

	var batches []model.Batch
	for chunk := range slices.Chunk(windows, batchSize) {
		b := model.Batch{}
		b.Source, b.SourceLengths = pack(chunk)
		if task == Reverse {
			targets := make([][]int, len(chunk))
			for i, w := range chunk {
				targets[i] = append([]int{tokenizer.BosID}, w...)
				slices.Reverse(targets[i][1:])
			}
			b.Target, b.TargetLengths = pack(targets)
		}
		batches = append(batches, b)
	}
	return batches, nil
}

// pack lays sequences out [seq][batch], padding to the longest one.
// Lengths are nil when nothing is padded.
func pack(seqs [][]int) ([][]int, []int) {
	longest := 0
	for _, s := range seqs {
		longest = max(longest, len(s))
	}
	grid := make([][]int, longest)
	for i := range grid {
		grid[i] = make([]int, len(seqs))
	}
	lengths := make([]int, len(seqs))
	padded := false
	for b, s := range seqs {
		for i, id := range s {
			grid[i][b] = id
		}
		for i := len(s); i < longest; i++ {
			grid[i][b] = tokenizer.PadID
			padded = true
		}
		lengths[b] = len(s)
	}
	if !padded {
		lengths = nil
	}
	return grid, lengths
}

// Shuffle permutes batches in place using gen's host stream.
func Shuffle(batches []model.Batch, gen *rng.Generator) {
	gen.Stream(rng.Host).Shuffle(len(batches), func(i, j int) {
		batches[i], batches[j] = batches[j], batches[i]
	})
}
