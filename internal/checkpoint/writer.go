package checkpoint

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/born-ml/revformer/internal/nn"
)

// Write encodes params into w. The tensor table of header is filled in
// from params; CreatedAt is set when zero.
func Write(w io.Writer, params []*nn.Parameter, header Header) error {
	header.FormatVersion = FormatVersion
	if header.CreatedAt.IsZero() {
		header.CreatedAt = time.Now().UTC()
	}

	header.Tensors = make([]TensorMeta, 0, len(params))
	var data []byte
	for _, p := range params {
		t := p.Tensor()
		meta := TensorMeta{
			Name:   p.Name(),
			Shape:  []int(t.Shape().Clone()),
			Offset: int64(len(data)),
			Size:   int64(t.NumElements() * bytesPerValue),
		}
		header.Tensors = append(header.Tensors, meta)
		for _, v := range t.Data() {
			data = binary.LittleEndian.AppendUint64(data, math.Float64bits(v))
		}
	}
	if err := ValidateTensors(header.Tensors, int64(len(data))); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("checkpoint: marshal header: %w", err)
	}
	checksum := sha256.Sum256(data)

	fixed := make([]byte, FixedHeaderSize)
	copy(fixed[0:4], MagicBytes)
	binary.LittleEndian.PutUint32(fixed[4:8], FormatVersion)
	binary.LittleEndian.PutUint64(fixed[16:24], uint64(len(headerJSON)))
	binary.LittleEndian.PutUint64(fixed[24:32], uint64(len(data)))
	copy(fixed[ChecksumOffset:ChecksumOffset+ChecksumSize], checksum[:])

	start := alignedOffset(int64(len(headerJSON)))
	padding := make([]byte, start-FixedHeaderSize-int64(len(headerJSON)))
	for _, chunk := range [][]byte{fixed, headerJSON, padding, data} {
		if _, err := w.Write(chunk); err != nil {
			return fmt.Errorf("checkpoint: write: %w", err)
		}
	}
	return nil
}

// Save writes a checkpoint file at path.
func Save(path string, params []*nn.Parameter, header Header) (err error) {
	//nolint:gosec // G304: checkpoint path comes from the user
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("checkpoint: create: %w", err)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("checkpoint: close: %w", cerr)
		}
	}()
	return Write(f, params, header)
}
