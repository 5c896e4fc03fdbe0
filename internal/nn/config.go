package nn

import (
	"errors"
	"fmt"
)

// ErrInvalidConfig is returned by Config.Validate.
var ErrInvalidConfig = errors.New("nn: invalid config")

// Activation selects the feed-forward non-linearity.
type Activation string

// Supported activations.
const (
	ActivationReLU Activation = "relu"
	ActivationGELU Activation = "gelu"
)

// Config holds the hyperparameters shared by every unit of a layer stack.
// It is resolved once at construction and fixed afterwards.
type Config struct {
	ModelSize int // Feature width of the state streams
	NumHeads  int // Attention heads; must divide ModelSize
	InnerSize int // Feed-forward hidden width

	Dropout         float64 // Base dropout probability
	AttnDropout     float64 // Dropout on attention probabilities
	ResidualDropout float64 // Dropout on unit outputs; negative inherits Dropout
	FFNDropout      float64 // Dropout inside the feed-forward; negative inherits Dropout

	// Variational shares one dropout mask across the sequence axis.
	Variational bool

	Activation Activation
	NormEps    float64

	// IgnoreSource disables source attention. Decoder stacks reject it.
	IgnoreSource bool
}

// DefaultConfig returns the base model configuration.
func DefaultConfig() Config {
	return Config{
		ModelSize:       512,
		NumHeads:        8,
		InnerSize:       2048,
		Dropout:         0.1,
		AttnDropout:     0.1,
		ResidualDropout: -1,
		FFNDropout:      -1,
		Activation:      ActivationReLU,
		NormEps:         1e-5,
	}
}

// ResidualP returns the effective residual dropout probability.
func (c Config) ResidualP() float64 {
	if c.ResidualDropout < 0 {
		return c.Dropout
	}
	return c.ResidualDropout
}

// FFNP returns the effective feed-forward inner dropout probability.
func (c Config) FFNP() float64 {
	if c.FFNDropout < 0 {
		return c.Dropout
	}
	return c.FFNDropout
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch {
	case c.ModelSize <= 0:
		return fmt.Errorf("%w: model size must be positive, got %d", ErrInvalidConfig, c.ModelSize)
	case c.NumHeads <= 0:
		return fmt.Errorf("%w: head count must be positive, got %d", ErrInvalidConfig, c.NumHeads)
	case c.ModelSize%c.NumHeads != 0:
		return fmt.Errorf("%w: model size %d not divisible by %d heads", ErrInvalidConfig, c.ModelSize, c.NumHeads)
	case c.InnerSize <= 0:
		return fmt.Errorf("%w: inner size must be positive, got %d", ErrInvalidConfig, c.InnerSize)
	case c.NormEps <= 0:
		return fmt.Errorf("%w: norm epsilon must be positive, got %g", ErrInvalidConfig, c.NormEps)
	}
	probs := []struct {
		name string
		p    float64
	}{
		{"dropout", c.Dropout},
		{"attention dropout", c.AttnDropout},
		{"residual dropout", c.ResidualP()},
		{"ffn dropout", c.FFNP()},
	}
	for _, pr := range probs {
		if pr.p < 0 || pr.p >= 1 {
			return fmt.Errorf("%w: %s must be in [0, 1), got %g", ErrInvalidConfig, pr.name, pr.p)
		}
	}
	switch c.Activation {
	case ActivationReLU, ActivationGELU:
	default:
		return fmt.Errorf("%w: unknown activation %q", ErrInvalidConfig, c.Activation)
	}
	return nil
}

// mustValidate panics on an invalid config. Unit constructors use it; the
// reversible layer constructors validate first and return the error.
func mustValidate(c Config) {
	if err := c.Validate(); err != nil {
		panic(err.Error())
	}
}
