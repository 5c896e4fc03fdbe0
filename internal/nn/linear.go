package nn

import (
	"fmt"
	"math"

	"github.com/born-ml/revformer/internal/autodiff"
	"github.com/born-ml/revformer/internal/rng"
	"github.com/born-ml/revformer/internal/tensor"
)

// Xavier (Glorot) initialization for weights.
//
// Initializes weights with values drawn from a uniform distribution:
// U(-sqrt(6/(fan_in + fan_out)), sqrt(6/(fan_in + fan_out)))
// using the host stream of gen.
func Xavier(fanIn, fanOut int, shape tensor.Shape, gen *rng.Generator) *tensor.Tensor {
	bound := math.Sqrt(6.0 / float64(fanIn+fanOut))
	t := tensor.Zeros(shape)
	data := t.Data()
	for i := range data {
		data[i] = (gen.Float64()*2.0 - 1.0) * bound
	}
	return t
}

// Linear implements a fully connected layer over the last dimension.
//
// Performs y = x @ W + b where W has shape [in_features, out_features].
// Inputs may carry any number of leading dimensions.
//
// Example:
//
//	layer := nn.NewLinear("proj", 16, 64, gen)
//	out := layer.Forward(b, x) // [seq, batch, 16] -> [seq, batch, 64]
type Linear struct {
	inFeatures  int
	outFeatures int
	weight      *Parameter // [in_features, out_features]
	bias        *Parameter // [out_features]
}

// NewLinear creates a Linear layer with Xavier weights and zero bias.
func NewLinear(name string, inFeatures, outFeatures int, gen *rng.Generator) *Linear {
	return &Linear{
		inFeatures:  inFeatures,
		outFeatures: outFeatures,
		weight:      NewParameter(name+".weight", Xavier(inFeatures, outFeatures, tensor.Shape{inFeatures, outFeatures}, gen)),
		bias:        NewParameter(name+".bias", tensor.Zeros(tensor.Shape{outFeatures})),
	}
}

// Forward computes the output of the linear layer.
// Panics if the last input dimension is not in_features.
func (l *Linear) Forward(b *autodiff.Backend, input *tensor.Tensor) *tensor.Tensor {
	if input.Dim(-1) != l.inFeatures {
		panic(fmt.Sprintf("Linear: expected %d input features, got %v", l.inFeatures, input.Shape()))
	}
	return b.Linear(input, l.weight.Tensor(), l.bias.Tensor())
}

// Weight returns the weight parameter.
func (l *Linear) Weight() *Parameter { return l.weight }

// Bias returns the bias parameter.
func (l *Linear) Bias() *Parameter { return l.bias }

// Parameters returns weight and bias.
func (l *Linear) Parameters() []*Parameter {
	return []*Parameter{l.weight, l.bias}
}

// LayerNorm normalizes over the last dimension with a learned scale and shift.
type LayerNorm struct {
	gamma *Parameter // [features], initialized to ones
	beta  *Parameter // [features], initialized to zeros
	eps   float64
}

// NewLayerNorm creates a LayerNorm over the given feature width.
func NewLayerNorm(name string, features int, eps float64) *LayerNorm {
	return &LayerNorm{
		gamma: NewParameter(name+".gamma", tensor.Ones(tensor.Shape{features})),
		beta:  NewParameter(name+".beta", tensor.Zeros(tensor.Shape{features})),
		eps:   eps,
	}
}

// Forward normalizes input.
func (ln *LayerNorm) Forward(b *autodiff.Backend, input *tensor.Tensor) *tensor.Tensor {
	return b.LayerNorm(input, ln.gamma.Tensor(), ln.beta.Tensor(), ln.eps)
}

// Parameters returns gamma and beta.
func (ln *LayerNorm) Parameters() []*Parameter {
	return []*Parameter{ln.gamma, ln.beta}
}
