package reversible

import (
	"errors"
	"fmt"

	"github.com/born-ml/revformer/internal/autodiff"
	"github.com/born-ml/revformer/internal/tensor"
)

// Sentinel errors.
var (
	// ErrSourceAttentionDisabled is reported when a decoder layer is built
	// from a config with IgnoreSource set.
	ErrSourceAttentionDisabled = errors.New("reversible: decoder layer requires source attention")

	// ErrSnapshotConsumed is returned when a snapshot is replayed twice.
	ErrSnapshotConsumed = errors.New("reversible: snapshot already consumed")

	// ErrEmptyStack is returned for a layer stack without layers.
	ErrEmptyStack = errors.New("reversible: empty layer stack")

	// ErrCacheInForward is returned when Forward receives an attention cache.
	// Incremental decoding goes through Step.
	ErrCacheInForward = errors.New("reversible: attention cache is only valid in Step")

	// ErrShapeMismatch is the tensor shape error.
	ErrShapeMismatch = tensor.ErrShapeMismatch

	// ErrResourceExhausted is reported when a recomputation exceeds the
	// activation budget. The whole step's gradients are discarded; the
	// caller may retry with a smaller batch.
	ErrResourceExhausted = autodiff.ErrResourceExhausted
)

// ConfigError reports a layer that cannot be constructed.
type ConfigError struct {
	Layer int
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("reversible: layer %d: %v", e.Layer, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// LayerError wraps a failure inside one sub-transform of a layer.
type LayerError struct {
	Layer     int    // Index in the stack
	Stage     string // Sub-transform name
	Direction string // "forward" or "backward"
	Err       error
}

func (e *LayerError) Error() string {
	return fmt.Sprintf("reversible: layer %d %s %s: %v", e.Layer, e.Stage, e.Direction, e.Err)
}

func (e *LayerError) Unwrap() error {
	return e.Err
}

// stageError wraps err with the stage name. The stack index is filled in
// by the orchestrator.
func stageError(stage, direction string, err error) error {
	if err == nil {
		return nil
	}
	return &LayerError{Layer: -1, Stage: stage, Direction: direction, Err: err}
}

// atLayer sets the stack index on a LayerError, or wraps err in one.
func atLayer(i int, direction string, err error) error {
	var le *LayerError
	if errors.As(err, &le) {
		le.Layer = i
		return err
	}
	return &LayerError{Layer: i, Stage: "layer", Direction: direction, Err: err}
}
