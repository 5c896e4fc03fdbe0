package ops

import (
	"math"

	"github.com/born-ml/revformer/internal/tensor"
)

// ReLUOp represents output = max(0, x).
//
// Backward: grad_x = grad where x > 0, else 0.
type ReLUOp struct {
	inputs []*tensor.Tensor
	output *tensor.Tensor
}

// NewReLUOp creates a new ReLUOp.
func NewReLUOp(x, output *tensor.Tensor) *ReLUOp {
	return &ReLUOp{inputs: []*tensor.Tensor{x}, output: output}
}

// ReLUForward computes max(0, x).
func ReLUForward(x *tensor.Tensor) *tensor.Tensor {
	out := tensor.ZerosLike(x)
	od := out.Data()
	for i, v := range x.Data() {
		if v > 0 {
			od[i] = v
		}
	}
	return out
}

// Backward passes the gradient where the input was positive.
func (op *ReLUOp) Backward(outputGrad *tensor.Tensor) []*tensor.Tensor {
	grad := tensor.ZerosLike(outputGrad)
	gd, og := grad.Data(), outputGrad.Data()
	for i, v := range op.inputs[0].Data() {
		if v > 0 {
			gd[i] = og[i]
		}
	}
	return []*tensor.Tensor{grad}
}

// Inputs returns [x].
func (op *ReLUOp) Inputs() []*tensor.Tensor { return op.inputs }

// Output returns max(0, x).
func (op *ReLUOp) Output() *tensor.Tensor { return op.output }

// geluC is sqrt(2/π).
var geluC = math.Sqrt(2 / math.Pi)

// GELUOp represents the tanh approximation of GELU:
//
//	gelu(x) = 0.5 x (1 + tanh(c (x + 0.044715 x³)))
type GELUOp struct {
	inputs []*tensor.Tensor
	output *tensor.Tensor
}

// NewGELUOp creates a new GELUOp.
func NewGELUOp(x, output *tensor.Tensor) *GELUOp {
	return &GELUOp{inputs: []*tensor.Tensor{x}, output: output}
}

// GELUForward computes gelu(x).
func GELUForward(x *tensor.Tensor) *tensor.Tensor {
	out := tensor.ZerosLike(x)
	od := out.Data()
	for i, v := range x.Data() {
		od[i] = 0.5 * v * (1 + math.Tanh(geluC*(v+0.044715*v*v*v)))
	}
	return out
}

// Backward computes grad * gelu'(x).
func (op *GELUOp) Backward(outputGrad *tensor.Tensor) []*tensor.Tensor {
	grad := tensor.ZerosLike(outputGrad)
	gd, og := grad.Data(), outputGrad.Data()
	for i, v := range op.inputs[0].Data() {
		u := geluC * (v + 0.044715*v*v*v)
		th := math.Tanh(u)
		du := geluC * (1 + 3*0.044715*v*v)
		gd[i] = og[i] * (0.5*(1+th) + 0.5*v*(1-th*th)*du)
	}
	return []*tensor.Tensor{grad}
}

// Inputs returns [x].
func (op *GELUOp) Inputs() []*tensor.Tensor { return op.inputs }

// Output returns gelu(x).
func (op *GELUOp) Output() *tensor.Tensor { return op.output }
