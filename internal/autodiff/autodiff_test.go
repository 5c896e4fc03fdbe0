package autodiff_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/revformer/internal/autodiff"
	"github.com/born-ml/revformer/internal/tensor"
)

// TestTape_Recording tests tape recording on/off.
func TestTape_Recording(t *testing.T) {
	b := autodiff.New()
	tape := b.Tape()

	assert.False(t, tape.IsRecording(), "tape should not be recording initially")

	x := tensor.Ones(tensor.Shape{2})
	b.Add(x, x)
	assert.Equal(t, 0, tape.NumOps(), "nothing is recorded while stopped")

	tape.StartRecording()
	b.Add(x, x)
	assert.Equal(t, 1, tape.NumOps())

	tape.Clear()
	assert.Equal(t, 0, tape.NumOps())
	assert.True(t, tape.IsRecording(), "Clear preserves the recording state")
}

func TestBackend_NoGradAndEnableGrad(t *testing.T) {
	b := autodiff.New()
	x := tensor.Ones(tensor.Shape{3})

	err := b.EnableGrad(func() error {
		b.Scale(x, 2)
		return b.NoGrad(func() error {
			b.Scale(x, 3)
			assert.False(t, b.Tape().IsRecording())
			return nil
		})
	})
	require.NoError(t, err)

	assert.False(t, b.Tape().IsRecording(), "EnableGrad restores the stopped state")
	assert.Equal(t, 1, b.Tape().NumOps(), "only the op outside NoGrad is kept")
}

func TestBackward_ChainRule(t *testing.T) {
	b := autodiff.New()
	b.Tape().StartRecording()

	// y = 3 * (x + x)
	x, _ := tensor.FromSlice([]float64{1, 2}, tensor.Shape{2})
	y := b.Scale(b.Add(x, x), 3)

	grads, err := b.Backward(y, tensor.Ones(y.Shape()))
	require.NoError(t, err)
	assert.Equal(t, []float64{6, 6}, grads.Of(x).Data())
}

func TestBackward_ShapeMismatch(t *testing.T) {
	b := autodiff.New()
	b.Tape().StartRecording()
	x := tensor.Ones(tensor.Shape{2})
	y := b.Add(x, x)

	_, err := b.Backward(y, tensor.Ones(tensor.Shape{3}))
	assert.ErrorIs(t, err, tensor.ErrShapeMismatch)
}

func TestTape_MemoryLimit(t *testing.T) {
	b := autodiff.New()
	b.SetMemoryLimit(10)
	b.Tape().StartRecording()

	x := tensor.Ones(tensor.Shape{4})
	y := b.Add(x, x) // 4 elements
	y = b.Add(y, x)  // 8 elements
	assert.NoError(t, b.Tape().Err())
	assert.Equal(t, 8, b.Tape().Used())

	z := b.Add(y, x) // 12 > 10
	assert.ErrorIs(t, b.Tape().Err(), autodiff.ErrResourceExhausted)

	_, err := b.Backward(z, tensor.Ones(z.Shape()))
	assert.ErrorIs(t, err, autodiff.ErrResourceExhausted)

	b.Tape().Clear()
	assert.NoError(t, b.Tape().Err())
	assert.Equal(t, 0, b.Tape().Used())
}
