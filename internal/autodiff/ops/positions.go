package ops

import (
	"fmt"

	"github.com/born-ml/revformer/internal/tensor"
)

// AddPositionsOp adds position encodings [seq, feature] to every batch
// entry of x [seq, batch, feature].
//
// Backward: grad_x = grad, grad_pos = Σ_batch grad.
type AddPositionsOp struct {
	inputs []*tensor.Tensor // [x, pos]
	output *tensor.Tensor
}

// NewAddPositionsOp creates a new AddPositionsOp.
func NewAddPositionsOp(x, pos, output *tensor.Tensor) *AddPositionsOp {
	return &AddPositionsOp{inputs: []*tensor.Tensor{x, pos}, output: output}
}

// AddPositionsForward computes x + pos broadcast over the batch axis.
func AddPositionsForward(x, pos *tensor.Tensor) *tensor.Tensor {
	seq, batch, d := x.Dim(0), x.Dim(1), x.Dim(2)
	if pos.Dim(0) < seq || pos.Dim(1) != d {
		panic(fmt.Sprintf("AddPositions: positions %v do not cover input %v", pos.Shape(), x.Shape()))
	}
	out := x.Clone()
	od, pd := out.Data(), pos.Data()
	for t := 0; t < seq; t++ {
		for b := 0; b < batch; b++ {
			base := (t*batch + b) * d
			for j := 0; j < d; j++ {
				od[base+j] += pd[t*d+j]
			}
		}
	}
	return out
}

// Backward returns [grad, Σ_batch grad].
func (op *AddPositionsOp) Backward(outputGrad *tensor.Tensor) []*tensor.Tensor {
	x, pos := op.inputs[0], op.inputs[1]
	seq, batch, d := x.Dim(0), x.Dim(1), x.Dim(2)
	gradPos := tensor.ZerosLike(pos)
	gp, og := gradPos.Data(), outputGrad.Data()
	for t := 0; t < seq; t++ {
		for b := 0; b < batch; b++ {
			base := (t*batch + b) * d
			for j := 0; j < d; j++ {
				gp[t*d+j] += og[base+j]
			}
		}
	}
	return []*tensor.Tensor{outputGrad, gradPos}
}

// Inputs returns [x, pos].
func (op *AddPositionsOp) Inputs() []*tensor.Tensor { return op.inputs }

// Output returns x + pos.
func (op *AddPositionsOp) Output() *tensor.Tensor { return op.output }
