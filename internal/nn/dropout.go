package nn

import (
	"github.com/born-ml/revformer/internal/autodiff"
	"github.com/born-ml/revformer/internal/rng"
	"github.com/born-ml/revformer/internal/tensor"
)

// Dropout zeroes activations with probability P and scales the survivors
// by 1/(1-P).
//
// Masks are drawn with gen.Bernoulli, in row-major order of the mask, so the
// same generator state always yields the same mask. With Variational set the
// input is treated as [seq, batch, feature] and one [batch, feature] mask is
// shared by every sequence position.
type Dropout struct {
	P           float64
	Variational bool
}

// Forward applies dropout when training and P > 0; otherwise it returns
// input unchanged.
func (d Dropout) Forward(b *autodiff.Backend, gen *rng.Generator, input *tensor.Tensor, training bool) *tensor.Tensor {
	if !training || d.P <= 0 {
		return input
	}
	var mask *tensor.Tensor
	if d.Variational && len(input.Shape()) == 3 {
		mask = broadcastSeq(DropMask(gen, tensor.Shape{input.Dim(1), input.Dim(2)}, d.P), input.Dim(0))
	} else {
		mask = DropMask(gen, input.Shape(), d.P)
	}
	return b.Mask(input, mask)
}

// DropMask draws a dropout mask with entries 0 or 1/(1-p).
func DropMask(gen *rng.Generator, shape tensor.Shape, p float64) *tensor.Tensor {
	keep := 1 - p
	mask := tensor.Zeros(shape)
	data := mask.Data()
	for i := range data {
		if gen.Bernoulli(keep) {
			data[i] = 1 / keep
		}
	}
	return mask
}

// broadcastSeq repeats a [batch, feature] mask over seq positions.
func broadcastSeq(mask *tensor.Tensor, seq int) *tensor.Tensor {
	rows := make([]*tensor.Tensor, seq)
	for i := range rows {
		rows[i] = mask.Reshape(append(tensor.Shape{1}, mask.Shape()...)...)
	}
	return tensor.Concat(rows...)
}
