package autodiff

import (
	"fmt"

	"github.com/born-ml/revformer/internal/autodiff/ops"
	"github.com/born-ml/revformer/internal/tensor"
)

// Gradients maps tensors to their accumulated gradient after a backward pass.
type Gradients map[*tensor.Tensor]*tensor.Tensor

// Of returns the gradient for t, or nil if no gradient reached it.
func (g Gradients) Of(t *tensor.Tensor) *tensor.Tensor {
	return g[t]
}

// GradientTape records operations during the forward pass and computes
// gradients during the backward pass using reverse-mode automatic differentiation.
//
// The tape can carry an activation budget: the total number of output
// elements it may hold. Recording past the budget leaves the op out and sets
// a sticky ErrResourceExhausted that Backward reports.
//
// Usage:
//
//	tape := NewGradientTape()
//	tape.StartRecording()
//	// ... perform operations ...
//	gradients, err := tape.Backward(output, outputGrad)
type GradientTape struct {
	operations []ops.Operation // Recorded operations (in execution order)
	recording  bool            // Whether tape is currently recording
	limit      int             // Max recorded output elements, 0 = unlimited
	used       int             // Output elements currently recorded
	err        error           // Sticky recording failure
}

// NewGradientTape creates a new gradient tape.
func NewGradientTape() *GradientTape {
	return &GradientTape{
		operations: make([]ops.Operation, 0, 64), // Pre-allocate for common case
	}
}

// StartRecording enables operation recording.
func (t *GradientTape) StartRecording() {
	t.recording = true
}

// StopRecording disables operation recording.
func (t *GradientTape) StopRecording() {
	t.recording = false
}

// IsRecording returns true if the tape is currently recording operations.
func (t *GradientTape) IsRecording() bool {
	return t.recording
}

// SetMemoryLimit sets the activation budget in elements. Zero disables it.
func (t *GradientTape) SetMemoryLimit(elements int) {
	t.limit = elements
}

// Used returns the number of output elements currently held by the tape.
func (t *GradientTape) Used() int {
	return t.used
}

// Err returns the sticky recording error, if any.
func (t *GradientTape) Err() error {
	return t.err
}

// Record adds an operation to the tape.
// Only records if the tape is currently recording.
func (t *GradientTape) Record(op ops.Operation) {
	if !t.recording || t.err != nil {
		return
	}
	n := op.Output().NumElements()
	if t.limit > 0 && t.used+n > t.limit {
		t.err = fmt.Errorf("%w: recording %d elements over budget %d (in use %d)",
			ErrResourceExhausted, n, t.limit, t.used)
		return
	}
	t.used += n
	t.operations = append(t.operations, op)
}

// Clear resets the tape, removing all recorded operations and any sticky error.
// Recording state is preserved.
func (t *GradientTape) Clear() {
	clear(t.operations)
	t.operations = t.operations[:0]
	t.used = 0
	t.err = nil
}

// NumOps returns the number of recorded operations.
func (t *GradientTape) NumOps() int {
	return len(t.operations)
}

// Backward computes gradients for all inputs by walking the tape in reverse,
// starting from outputGrad on output.
//
// Algorithm:
//  1. Seed the gradient map with outputGrad for output
//  2. Walk operations in reverse order
//  3. For each operation whose output has a gradient, compute input gradients
//  4. Accumulate gradients when the same tensor is used multiple times
func (t *GradientTape) Backward(output, outputGrad *tensor.Tensor) (Gradients, error) {
	if t.err != nil {
		return nil, t.err
	}
	if !output.Shape().Equal(outputGrad.Shape()) {
		return nil, fmt.Errorf("%w: output %v, gradient %v", tensor.ErrShapeMismatch, output.Shape(), outputGrad.Shape())
	}

	// Stop recording during backward pass to prevent recording gradient operations
	wasRecording := t.recording
	t.recording = false
	defer func() {
		t.recording = wasRecording
	}()

	grads := Gradients{output: outputGrad}
	for i := len(t.operations) - 1; i >= 0; i-- {
		op := t.operations[i]
		opGrad, ok := grads[op.Output()]
		if !ok {
			continue
		}
		t.accumulateGrads(op, op.Backward(opGrad), grads)
	}
	return grads, nil
}

// accumulateGrads accumulates gradients for each input tensor.
func (t *GradientTape) accumulateGrads(op ops.Operation, inputGrads []*tensor.Tensor, grads Gradients) {
	for j, input := range op.Inputs() {
		if j >= len(inputGrads) || inputGrads[j] == nil {
			continue
		}
		if existing, ok := grads[input]; ok {
			grads[input] = tensor.Add(existing, inputGrads[j])
		} else {
			grads[input] = inputGrads[j]
		}
	}
}
