package nn

import (
	"fmt"
	"math"

	"github.com/born-ml/revformer/internal/rng"
	"github.com/born-ml/revformer/internal/tensor"
)

// Embedding maps token ids to dense vectors.
//
// Lookup produces a [seq, batch, dim] stream from a [seq][batch] id grid.
// The lookup is not recorded on a tape: the engine's backward pass returns
// the gradient on the stream, and AccumulateGradient scatters it back into
// the table rows.
type Embedding struct {
	numEmbeddings int
	dim           int
	weight        *Parameter // [num_embeddings, dim]
}

// NewEmbedding creates an embedding table initialized from N(0, 1/dim).
func NewEmbedding(name string, numEmbeddings, dim int, gen *rng.Generator) *Embedding {
	return &Embedding{
		numEmbeddings: numEmbeddings,
		dim:           dim,
		weight:        NewParameter(name+".weight", tensor.Randn(tensor.Shape{numEmbeddings, dim}, 1/math.Sqrt(float64(dim)), gen)),
	}
}

// Lookup gathers the rows for ids, indexed [seq][batch].
func (e *Embedding) Lookup(ids [][]int) (*tensor.Tensor, error) {
	if len(ids) == 0 || len(ids[0]) == 0 {
		return nil, fmt.Errorf("%w: empty id grid", tensor.ErrInvalidShape)
	}
	seq, batch := len(ids), len(ids[0])
	out := tensor.Zeros(tensor.Shape{seq, batch, e.dim})
	table := e.weight.Tensor()
	for s, row := range ids {
		if len(row) != batch {
			return nil, fmt.Errorf("%w: row %d has %d ids, want %d", tensor.ErrShapeMismatch, s, len(row), batch)
		}
		for b, id := range row {
			if id < 0 || id >= e.numEmbeddings {
				return nil, fmt.Errorf("nn: embedding id %d out of range [0, %d)", id, e.numEmbeddings)
			}
			copy(out.Row(s*batch+b), table.Row(id))
		}
	}
	return out, nil
}

// AccumulateGradient scatters grad [seq, batch, dim] into the rows used by ids.
func (e *Embedding) AccumulateGradient(ids [][]int, grad *tensor.Tensor, acc *GradStore) {
	g := tensor.ZerosLike(e.weight.Tensor())
	batch := grad.Dim(1)
	for s, row := range ids {
		for b, id := range row {
			dst := g.Row(id)
			for i, v := range grad.Row(s*batch + b) {
				dst[i] += v
			}
		}
	}
	acc.Accumulate(e.weight, g)
}

// Dim returns the embedding width.
func (e *Embedding) Dim() int { return e.dim }

// Weight returns the embedding table parameter.
func (e *Embedding) Weight() *Parameter { return e.weight }

// Parameters implements Module.
func (e *Embedding) Parameters() []*Parameter {
	return []*Parameter{e.weight}
}

// SinusoidalPositions returns fixed position encodings [maxLen, dim]:
//
//	PE(pos, 2i)   = sin(pos / 10000^(2i/d))
//	PE(pos, 2i+1) = cos(pos / 10000^(2i/d))
//
// Panics if maxLen or dim is not positive.
func SinusoidalPositions(maxLen, dim int) *tensor.Tensor {
	if maxLen <= 0 || dim <= 0 {
		panic(fmt.Sprintf("SinusoidalPositions: maxLen and dim must be positive, got %d, %d", maxLen, dim))
	}
	pe := tensor.Zeros(tensor.Shape{maxLen, dim})
	for pos := range maxLen {
		row := pe.Row(pos)
		for i := 0; i < dim; i += 2 {
			angle := float64(pos) / math.Pow(10000, float64(i)/float64(dim))
			row[i] = math.Sin(angle)
			if i+1 < dim {
				row[i+1] = math.Cos(angle)
			}
		}
	}
	return pe
}
