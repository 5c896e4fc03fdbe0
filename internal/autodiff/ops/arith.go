package ops

import "github.com/born-ml/revformer/internal/tensor"

// AddOp represents an element-wise addition operation: output = a + b.
//
// Backward pass:
//   - d(a+b)/da = 1, so grad_a = outputGrad
//   - d(a+b)/db = 1, so grad_b = outputGrad
type AddOp struct {
	inputs []*tensor.Tensor // [a, b]
	output *tensor.Tensor   // a + b
}

// NewAddOp creates a new AddOp.
func NewAddOp(a, b, output *tensor.Tensor) *AddOp {
	return &AddOp{inputs: []*tensor.Tensor{a, b}, output: output}
}

// Backward computes input gradients for addition.
func (op *AddOp) Backward(outputGrad *tensor.Tensor) []*tensor.Tensor {
	return []*tensor.Tensor{outputGrad, outputGrad}
}

// Inputs returns the input tensors [a, b].
func (op *AddOp) Inputs() []*tensor.Tensor { return op.inputs }

// Output returns the output tensor a + b.
func (op *AddOp) Output() *tensor.Tensor { return op.output }

// SubOp represents an element-wise subtraction: output = a - b.
type SubOp struct {
	inputs []*tensor.Tensor
	output *tensor.Tensor
}

// NewSubOp creates a new SubOp.
func NewSubOp(a, b, output *tensor.Tensor) *SubOp {
	return &SubOp{inputs: []*tensor.Tensor{a, b}, output: output}
}

// Backward returns [grad, -grad].
func (op *SubOp) Backward(outputGrad *tensor.Tensor) []*tensor.Tensor {
	return []*tensor.Tensor{outputGrad, tensor.Scale(outputGrad, -1)}
}

// Inputs returns the input tensors [a, b].
func (op *SubOp) Inputs() []*tensor.Tensor { return op.inputs }

// Output returns the output tensor a - b.
func (op *SubOp) Output() *tensor.Tensor { return op.output }

// ScaleOp represents multiplication by a constant: output = s * x.
type ScaleOp struct {
	inputs []*tensor.Tensor
	output *tensor.Tensor
	scale  float64
}

// NewScaleOp creates a new ScaleOp.
func NewScaleOp(x, output *tensor.Tensor, scale float64) *ScaleOp {
	return &ScaleOp{inputs: []*tensor.Tensor{x}, output: output, scale: scale}
}

// Backward returns [s * grad].
func (op *ScaleOp) Backward(outputGrad *tensor.Tensor) []*tensor.Tensor {
	return []*tensor.Tensor{tensor.Scale(outputGrad, op.scale)}
}

// Inputs returns [x].
func (op *ScaleOp) Inputs() []*tensor.Tensor { return op.inputs }

// Output returns s * x.
func (op *ScaleOp) Output() *tensor.Tensor { return op.output }

// MaskOp multiplies by a constant, non-differentiable mask: output = x * mask.
//
// Dropout records a MaskOp whose mask already carries the 1/keep scaling,
// so the backward pass is grad * mask.
type MaskOp struct {
	inputs []*tensor.Tensor
	output *tensor.Tensor
	mask   *tensor.Tensor
}

// NewMaskOp creates a new MaskOp.
func NewMaskOp(x, mask, output *tensor.Tensor) *MaskOp {
	return &MaskOp{inputs: []*tensor.Tensor{x}, output: output, mask: mask}
}

// Backward returns [grad * mask].
func (op *MaskOp) Backward(outputGrad *tensor.Tensor) []*tensor.Tensor {
	return []*tensor.Tensor{tensor.Mul(outputGrad, op.mask)}
}

// Inputs returns [x].
func (op *MaskOp) Inputs() []*tensor.Tensor { return op.inputs }

// Output returns x * mask.
func (op *MaskOp) Output() *tensor.Tensor { return op.output }

// ReshapeOp records a view with a different shape.
//
// Reshape produces a new *Tensor sharing the buffer. It must be recorded,
// otherwise the gradient keyed on the view never reaches the original.
type ReshapeOp struct {
	inputs []*tensor.Tensor
	output *tensor.Tensor
}

// NewReshapeOp creates a new ReshapeOp.
func NewReshapeOp(x, output *tensor.Tensor) *ReshapeOp {
	return &ReshapeOp{inputs: []*tensor.Tensor{x}, output: output}
}

// Backward reshapes the gradient back to the input shape.
func (op *ReshapeOp) Backward(outputGrad *tensor.Tensor) []*tensor.Tensor {
	return []*tensor.Tensor{outputGrad.Clone().Reshape(op.inputs[0].Shape()...)}
}

// Inputs returns [x].
func (op *ReshapeOp) Inputs() []*tensor.Tensor { return op.inputs }

// Output returns the reshaped view.
func (op *ReshapeOp) Output() *tensor.Tensor { return op.output }
