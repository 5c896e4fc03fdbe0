package ops

import (
	"fmt"

	"github.com/born-ml/revformer/internal/tensor"
)

// LinearOp represents y = x @ W + b applied over the last dimension of x.
//
// Shapes:
//   - x: [..., in]
//   - W: [in, out]
//   - b: [out] (optional)
//   - y: [..., out]
//
// Backward pass:
//   - grad_x = grad @ Wᵀ
//   - grad_W = xᵀ @ grad
//   - grad_b = Σ_rows grad
type LinearOp struct {
	inputs []*tensor.Tensor // [x, W] or [x, W, b]
	output *tensor.Tensor
}

// NewLinearOp creates a new LinearOp. bias may be nil.
func NewLinearOp(x, weight, bias, output *tensor.Tensor) *LinearOp {
	inputs := []*tensor.Tensor{x, weight}
	if bias != nil {
		inputs = append(inputs, bias)
	}
	return &LinearOp{inputs: inputs, output: output}
}

// LinearForward computes x @ W + b for x of any rank.
func LinearForward(x, weight, bias *tensor.Tensor) *tensor.Tensor {
	in, out := weight.Dim(0), weight.Dim(1)
	if x.Shape().Last() != in {
		panic(fmt.Sprintf("Linear: expected input with %d features, got shape %v", in, x.Shape()))
	}
	rows := x.Shape().Rows()
	y := tensor.MatMul(x.Reshape(rows, in), weight)
	if bias != nil {
		b := bias.Data()
		for r := 0; r < rows; r++ {
			row := y.Row(r)
			for j := range row {
				row[j] += b[j]
			}
		}
	}
	shape := x.Shape().Clone()
	shape[len(shape)-1] = out
	return y.Reshape(shape...)
}

// Backward computes gradients for x, W and (if present) b.
func (op *LinearOp) Backward(outputGrad *tensor.Tensor) []*tensor.Tensor {
	x, w := op.inputs[0], op.inputs[1]
	in, out := w.Dim(0), w.Dim(1)
	rows := x.Shape().Rows()

	g2 := outputGrad.Reshape(rows, out)
	gradX := tensor.MatMulTransB(g2, w).Reshape(x.Shape()...)
	gradW := tensor.MatMulTransA(x.Reshape(rows, in), g2)

	grads := []*tensor.Tensor{gradX, gradW}
	if len(op.inputs) == 3 {
		grads = append(grads, tensor.SumRows(g2))
	}
	return grads
}

// Inputs returns [x, W] or [x, W, b].
func (op *LinearOp) Inputs() []*tensor.Tensor { return op.inputs }

// Output returns y.
func (op *LinearOp) Output() *tensor.Tensor { return op.output }
