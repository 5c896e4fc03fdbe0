package nn

import (
	"fmt"
	"math"

	"github.com/born-ml/revformer/internal/tensor"
)

// Parameter represents a trainable parameter in a neural network.
//
// Gradients are not stored on the parameter. They are accumulated into a
// GradStore passed explicitly to backward passes and consumed by the
// optimizer.
//
// Example:
//
//	weight := nn.NewParameter("linear1.weight", weightTensor)
//	w := weight.Tensor()
type Parameter struct {
	name   string         // Parameter name (e.g., "layer0.ffn.w1.weight")
	tensor *tensor.Tensor // The parameter tensor
}

// NewParameter creates a new trainable parameter.
func NewParameter(name string, t *tensor.Tensor) *Parameter {
	return &Parameter{name: name, tensor: t}
}

// Name returns the parameter name.
func (p *Parameter) Name() string {
	return p.name
}

// Tensor returns the parameter tensor.
func (p *Parameter) Tensor() *tensor.Tensor {
	return p.tensor
}

// GradStore accumulates parameter gradients.
//
// Parameters keep the order in which they first received a gradient, so
// iteration is deterministic. The zero value is not usable; call NewGradStore.
type GradStore struct {
	grads map[*Parameter]*tensor.Tensor
	order []*Parameter
}

// NewGradStore creates an empty gradient accumulator.
func NewGradStore() *GradStore {
	return &GradStore{grads: make(map[*Parameter]*tensor.Tensor)}
}

// Accumulate adds g to the gradient of p. g is copied, never retained.
// Panics if g does not match the parameter's shape.
func (s *GradStore) Accumulate(p *Parameter, g *tensor.Tensor) {
	if !g.Shape().Equal(p.tensor.Shape()) {
		panic(fmt.Sprintf("GradStore: gradient %v does not match parameter %s %v",
			g.Shape(), p.name, p.tensor.Shape()))
	}
	if existing, ok := s.grads[p]; ok {
		tensor.AddInPlace(existing, g)
		return
	}
	s.grads[p] = g.Clone()
	s.order = append(s.order, p)
}

// Get returns the accumulated gradient of p, or nil.
func (s *GradStore) Get(p *Parameter) *tensor.Tensor {
	return s.grads[p]
}

// Len returns the number of parameters with a gradient.
func (s *GradStore) Len() int {
	return len(s.order)
}

// Params returns the parameters with a gradient, in first-seen order.
func (s *GradStore) Params() []*Parameter {
	return s.order
}

// Merge adds every gradient of other into s.
func (s *GradStore) Merge(other *GradStore) {
	for _, p := range other.order {
		s.Accumulate(p, other.grads[p])
	}
}

// Scale multiplies every gradient by f.
func (s *GradStore) Scale(f float64) {
	for _, g := range s.grads {
		copy(g.Data(), tensor.Scale(g, f).Data())
	}
}

// Norm returns the global L2 norm over all gradients.
func (s *GradStore) Norm() float64 {
	var sq float64
	for _, p := range s.order {
		n := tensor.Norm(s.grads[p])
		sq += n * n
	}
	return math.Sqrt(sq)
}

// Zero drops every accumulated gradient.
func (s *GradStore) Zero() {
	clear(s.grads)
	s.order = s.order[:0]
}
