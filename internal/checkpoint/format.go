package checkpoint

import (
	"errors"
	"fmt"
	"time"
)

// Format constants.
const (
	MagicBytes      = "REVF"
	FormatVersion   = 1
	FixedHeaderSize = 64
	HeaderAlignment = 64
	ChecksumOffset  = 0x20
	ChecksumSize    = 32
	bytesPerValue   = 8
)

// Validation limits.
const (
	MaxHeaderSize    = 100 * 1024 * 1024
	MaxTensorCount   = 100_000
	MaxTensorNameLen = 4096
)

// Common errors.
var (
	ErrChecksumMismatch   = errors.New("checkpoint: checksum mismatch, file may be corrupted")
	ErrInvalidMagic       = errors.New("checkpoint: invalid magic bytes")
	ErrUnsupportedVersion = errors.New("checkpoint: unsupported format version")
	ErrHeaderTooLarge     = errors.New("checkpoint: header exceeds maximum size")
	ErrMissingTensor      = errors.New("checkpoint: tensor not found")
	ErrDuplicateTensor    = errors.New("checkpoint: duplicate tensor name")
)

// Header is the JSON header of a checkpoint file.
type Header struct {
	FormatVersion int               `json:"format_version"`
	ModelType     string            `json:"model_type"`
	CreatedAt     time.Time         `json:"created_at"`
	Tensors       []TensorMeta      `json:"tensors"`
	Training      *TrainingState    `json:"training,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// TrainingState records where training stood when the checkpoint was taken.
type TrainingState struct {
	Step      int     `json:"step"`
	Loss      float64 `json:"loss"`
	Optimizer string  `json:"optimizer,omitempty"`
	LR        float64 `json:"lr,omitempty"`
}

// TensorMeta describes one tensor of the data section.
type TensorMeta struct {
	Name   string `json:"name"`
	Shape  []int  `json:"shape"`
	Offset int64  `json:"offset"` // Bytes from the start of the data section
	Size   int64  `json:"size"`   // Bytes
}

// ValidationError describes a malformed tensor table.
type ValidationError struct {
	Type    string // e.g. "offset_overlap", "out_of_bounds"
	Tensor  string
	Tensor2 string // Second tensor of an overlap
	Details string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Tensor2 != "" {
		return fmt.Sprintf("%s: tensors %q and %q: %s", e.Type, e.Tensor, e.Tensor2, e.Details)
	}
	if e.Tensor != "" {
		return fmt.Sprintf("%s: tensor %q: %s", e.Type, e.Tensor, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Details)
}

// alignedOffset returns the data section start for a JSON header of n bytes.
func alignedOffset(n int64) int64 {
	pos := FixedHeaderSize + n
	return pos + (HeaderAlignment-pos%HeaderAlignment)%HeaderAlignment
}
