package ops

import (
	"math"

	"github.com/born-ml/revformer/internal/tensor"
)

// LayerNormOp normalizes over the last dimension:
//
//	y = gamma * (x - mean(x)) / sqrt(var(x) + eps) + beta
//
// The normalized input x̂ and the per-row reciprocal std are kept from the
// forward pass. With g = grad * gamma and D the feature size:
//
//	grad_x     = rstd / D * (D g - Σg - x̂ Σ(g x̂))
//	grad_gamma = Σ_rows grad * x̂
//	grad_beta  = Σ_rows grad
type LayerNormOp struct {
	inputs []*tensor.Tensor // [x, gamma, beta]
	output *tensor.Tensor
	xhat   *tensor.Tensor
	rstd   []float64
}

// LayerNormForward computes the normalization and returns the output with
// the saved statistics needed by the backward pass.
func LayerNormForward(x, gamma, beta *tensor.Tensor, eps float64) (out, xhat *tensor.Tensor, rstd []float64) {
	d := x.Shape().Last()
	rows := x.Shape().Rows()
	out = tensor.ZerosLike(x)
	xhat = tensor.ZerosLike(x)
	rstd = make([]float64, rows)
	g, b := gamma.Data(), beta.Data()

	for r := 0; r < rows; r++ {
		xr, hr, or := x.Row(r), xhat.Row(r), out.Row(r)
		mean := 0.0
		for _, v := range xr {
			mean += v
		}
		mean /= float64(d)
		variance := 0.0
		for _, v := range xr {
			variance += (v - mean) * (v - mean)
		}
		variance /= float64(d)
		rs := 1 / math.Sqrt(variance+eps)
		rstd[r] = rs
		for j, v := range xr {
			hr[j] = (v - mean) * rs
			or[j] = hr[j]*g[j] + b[j]
		}
	}
	return out, xhat, rstd
}

// NewLayerNormOp creates a new LayerNormOp from the forward statistics.
func NewLayerNormOp(x, gamma, beta, output, xhat *tensor.Tensor, rstd []float64) *LayerNormOp {
	return &LayerNormOp{
		inputs: []*tensor.Tensor{x, gamma, beta},
		output: output,
		xhat:   xhat,
		rstd:   rstd,
	}
}

// Backward computes gradients for x, gamma and beta.
func (op *LayerNormOp) Backward(outputGrad *tensor.Tensor) []*tensor.Tensor {
	x, gamma := op.inputs[0], op.inputs[1]
	d := x.Shape().Last()
	rows := x.Shape().Rows()
	gm := gamma.Data()

	gradX := tensor.ZerosLike(x)
	gradGamma := tensor.ZerosLike(gamma)
	gradBeta := tensor.ZerosLike(gamma)
	gg, gb := gradGamma.Data(), gradBeta.Data()

	fd := float64(d)
	for r := 0; r < rows; r++ {
		gr, hr, dx := outputGrad.Row(r), op.xhat.Row(r), gradX.Row(r)
		sumG, sumGX := 0.0, 0.0
		for j := 0; j < d; j++ {
			gg[j] += gr[j] * hr[j]
			gb[j] += gr[j]
			g := gr[j] * gm[j]
			sumG += g
			sumGX += g * hr[j]
		}
		scale := op.rstd[r] / fd
		for j := 0; j < d; j++ {
			g := gr[j] * gm[j]
			dx[j] = scale * (fd*g - sumG - hr[j]*sumGX)
		}
	}
	return []*tensor.Tensor{gradX, gradGamma, gradBeta}
}

// Inputs returns [x, gamma, beta].
func (op *LayerNormOp) Inputs() []*tensor.Tensor { return op.inputs }

// Output returns the normalized tensor.
func (op *LayerNormOp) Output() *tensor.Tensor { return op.output }
