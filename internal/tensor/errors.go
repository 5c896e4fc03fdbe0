package tensor

import "errors"

// Common errors.
var (
	ErrShapeMismatch = errors.New("tensor shape mismatch")
	ErrInvalidShape  = errors.New("invalid tensor shape")
	ErrDataLength    = errors.New("data length does not match shape")
)
