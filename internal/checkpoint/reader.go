package checkpoint

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/born-ml/revformer/internal/nn"
	"github.com/born-ml/revformer/internal/tensor"
)

// Checkpoint is a decoded checkpoint file.
type Checkpoint struct {
	Header  Header
	tensors map[string]*tensor.Tensor
}

// Read decodes a checkpoint from r, verifying its checksum and tensor table.
func Read(r io.Reader) (*Checkpoint, error) {
	fixed := make([]byte, FixedHeaderSize)
	if _, err := io.ReadFull(r, fixed); err != nil {
		return nil, fmt.Errorf("checkpoint: read fixed header: %w", err)
	}
	if string(fixed[0:4]) != MagicBytes {
		return nil, ErrInvalidMagic
	}
	if v := binary.LittleEndian.Uint32(fixed[4:8]); v != FormatVersion {
		return nil, fmt.Errorf("%w: got %d, expected %d", ErrUnsupportedVersion, v, FormatVersion)
	}
	headerSize := binary.LittleEndian.Uint64(fixed[16:24])
	dataSize := binary.LittleEndian.Uint64(fixed[24:32])
	if headerSize > MaxHeaderSize {
		return nil, ErrHeaderTooLarge
	}

	headerJSON := make([]byte, headerSize)
	if _, err := io.ReadFull(r, headerJSON); err != nil {
		return nil, fmt.Errorf("checkpoint: read header: %w", err)
	}
	var header Header
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return nil, fmt.Errorf("checkpoint: parse header: %w", err)
	}
	//nolint:gosec // G115: headerSize is bounded by MaxHeaderSize
	pad := alignedOffset(int64(headerSize)) - FixedHeaderSize - int64(headerSize)
	if _, err := io.CopyN(io.Discard, r, pad); err != nil {
		return nil, fmt.Errorf("checkpoint: read padding: %w", err)
	}
	extent := tableExtent(header.Tensors)
	if dataSize != uint64(extent) { //nolint:gosec // G115: extent is non-negative
		return nil, &ValidationError{
			Type:    "data_size_mismatch",
			Details: fmt.Sprintf("fixed header says %d bytes, tensor table covers %d", dataSize, extent),
		}
	}
	if err := ValidateTensors(header.Tensors, extent); err != nil {
		return nil, fmt.Errorf("checkpoint: %w", err)
	}

	// The buffer grows with the bytes actually read, not with the table.
	var buf bytes.Buffer
	if _, err := io.CopyN(&buf, r, extent); err != nil {
		return nil, fmt.Errorf("checkpoint: read data: %w", err)
	}
	data := buf.Bytes()
	var stored [ChecksumSize]byte
	copy(stored[:], fixed[ChecksumOffset:ChecksumOffset+ChecksumSize])
	if sha256.Sum256(data) != stored {
		return nil, ErrChecksumMismatch
	}

	c := &Checkpoint{Header: header, tensors: make(map[string]*tensor.Tensor, len(header.Tensors))}
	for _, meta := range header.Tensors {
		t := tensor.Zeros(tensor.Shape(meta.Shape))
		values := t.Data()
		region := data[meta.Offset : meta.Offset+meta.Size]
		for i := range values {
			values[i] = math.Float64frombits(binary.LittleEndian.Uint64(region[i*bytesPerValue:]))
		}
		c.tensors[meta.Name] = t
	}
	return c, nil
}

// tableExtent returns the end of the furthest tensor region.
func tableExtent(tensors []TensorMeta) int64 {
	var end int64
	for _, t := range tensors {
		if t.Offset >= 0 && t.Size >= 0 && t.Offset+t.Size > end {
			end = t.Offset + t.Size
		}
	}
	return end
}

// Load reads the checkpoint file at path.
func Load(path string) (*Checkpoint, error) {
	//nolint:gosec // G304: checkpoint path comes from the user
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open: %w", err)
	}
	defer func() { _ = f.Close() }()
	return Read(f)
}

// Tensor returns the named tensor, or nil.
func (c *Checkpoint) Tensor(name string) *tensor.Tensor {
	return c.tensors[name]
}

// Len returns the number of stored tensors.
func (c *Checkpoint) Len() int {
	return len(c.tensors)
}

// Restore copies the stored values into params, matched by name. Every
// parameter must be present with the same shape; nothing is modified
// otherwise.
func (c *Checkpoint) Restore(params []*nn.Parameter) error {
	for _, p := range params {
		t, ok := c.tensors[p.Name()]
		if !ok {
			return fmt.Errorf("%w: %q", ErrMissingTensor, p.Name())
		}
		if !t.Shape().Equal(p.Tensor().Shape()) {
			return fmt.Errorf("checkpoint: %q: %w: stored %v, parameter %v",
				p.Name(), tensor.ErrShapeMismatch, t.Shape(), p.Tensor().Shape())
		}
	}
	for _, p := range params {
		copy(p.Tensor().Data(), c.tensors[p.Name()].Data())
	}
	return nil
}
