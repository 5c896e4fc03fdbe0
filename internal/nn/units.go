package nn

import (
	"fmt"

	"github.com/born-ml/revformer/internal/autodiff"
	"github.com/born-ml/revformer/internal/rng"
	"github.com/born-ml/revformer/internal/tensor"
)

// checkStream verifies x is a [seq, batch, modelSize] state stream.
func checkStream(x *tensor.Tensor, modelSize int) error {
	if len(x.Shape()) != 3 || x.Dim(2) != modelSize {
		return fmt.Errorf("%w: expected [seq, batch, %d], got %v", tensor.ErrShapeMismatch, modelSize, x.Shape())
	}
	return nil
}

// SelfAttention is the pre-norm self-attention unit:
//
//	out = dropout(MHA(q=k=LN(x)+pos, v=LN(x)))
//
// When side.Cache is set, x holds the next positions of a sequence whose
// earlier keys and values are in the cache.
type SelfAttention struct {
	norm     *LayerNorm
	attn     *MultiHeadAttention
	residual Dropout
}

// NewSelfAttention creates a self-attention unit. Panics on an invalid cfg.
func NewSelfAttention(name string, cfg Config, gen *rng.Generator) *SelfAttention {
	mustValidate(cfg)
	return &SelfAttention{
		norm:     NewLayerNorm(name+".norm", cfg.ModelSize, cfg.NormEps),
		attn:     NewMultiHeadAttention(name+".attn", cfg.ModelSize, cfg.NumHeads, cfg.AttnDropout, gen),
		residual: Dropout{P: cfg.ResidualP(), Variational: cfg.Variational},
	}
}

// Evaluate implements Unit.
func (u *SelfAttention) Evaluate(b *autodiff.Backend, gen *rng.Generator, x *tensor.Tensor, side Side) (Result, error) {
	if err := checkStream(x, u.norm.gamma.Tensor().Dim(0)); err != nil {
		return Result{}, err
	}
	offset := 0
	if side.Cache != nil {
		offset = side.Cache.Len()
	}

	h := u.norm.Forward(b, x)
	qk := h
	if side.Pos != nil {
		if side.Pos.Dim(0) < offset+x.Dim(0) {
			return Result{}, fmt.Errorf("%w: %d position encodings for %d positions",
				tensor.ErrShapeMismatch, side.Pos.Dim(0), offset+x.Dim(0))
		}
		qk = b.AddPositions(h, side.Pos.Narrow(offset, offset+x.Dim(0)))
	}

	k, v := u.attn.Project(b, qk, h)
	mask := side.Mask
	if side.Cache != nil {
		if err := side.Cache.Update(k, v); err != nil {
			return Result{}, err
		}
		k, v = side.Cache.Get()
		if mask != nil {
			m := *mask
			m.Offset = offset
			mask = &m
		}
	}

	out, _ := u.attn.Attend(b, gen, qk, k, v, mask, side.Training)
	out = u.residual.Forward(b, gen, out, side.Training)
	return Result{Output: out}, b.Tape().Err()
}

// AccumulateGradient implements Unit.
func (u *SelfAttention) AccumulateGradient(grads autodiff.Gradients, acc *GradStore) {
	accumulate(u.Parameters(), grads, acc)
}

// Parameters implements Module.
func (u *SelfAttention) Parameters() []*Parameter {
	return collect(u.norm, u.attn)
}

// FeedForward is the pre-norm position-wise feed-forward unit:
//
//	out = dropout(W2 · dropout(act(W1 · LN(x))))
type FeedForward struct {
	norm       *LayerNorm
	w1         *Linear
	w2         *Linear
	activation Activation
	inner      Dropout
	residual   Dropout
}

// NewFeedForward creates a feed-forward unit. Panics on an invalid cfg.
func NewFeedForward(name string, cfg Config, gen *rng.Generator) *FeedForward {
	mustValidate(cfg)
	return &FeedForward{
		norm:       NewLayerNorm(name+".norm", cfg.ModelSize, cfg.NormEps),
		w1:         NewLinear(name+".w1", cfg.ModelSize, cfg.InnerSize, gen),
		w2:         NewLinear(name+".w2", cfg.InnerSize, cfg.ModelSize, gen),
		activation: cfg.Activation,
		inner:      Dropout{P: cfg.FFNP(), Variational: cfg.Variational},
		residual:   Dropout{P: cfg.ResidualP(), Variational: cfg.Variational},
	}
}

// Evaluate implements Unit.
func (u *FeedForward) Evaluate(b *autodiff.Backend, gen *rng.Generator, x *tensor.Tensor, side Side) (Result, error) {
	if err := checkStream(x, u.w1.inFeatures); err != nil {
		return Result{}, err
	}
	h := u.w1.Forward(b, u.norm.Forward(b, x))
	if u.activation == ActivationGELU {
		h = b.GELU(h)
	} else {
		h = b.ReLU(h)
	}
	h = u.inner.Forward(b, gen, h, side.Training)
	out := u.residual.Forward(b, gen, u.w2.Forward(b, h), side.Training)
	return Result{Output: out}, b.Tape().Err()
}

// AccumulateGradient implements Unit.
func (u *FeedForward) AccumulateGradient(grads autodiff.Gradients, acc *GradStore) {
	accumulate(u.Parameters(), grads, acc)
}

// Parameters implements Module.
func (u *FeedForward) Parameters() []*Parameter {
	return collect(u.norm, u.w1, u.w2)
}

// SourceAttention is the pre-norm cross-attention unit reading the shared
// context:
//
//	out = dropout(MHA(q=LN(x), k=v=context))
//
// Coverage reports the attention probabilities over the context. With
// side.Cache set, the context projections are computed on the first call
// and reused afterwards.
type SourceAttention struct {
	norm     *LayerNorm
	attn     *MultiHeadAttention
	residual Dropout
}

// NewSourceAttention creates a source-attention unit. Panics on an invalid cfg.
func NewSourceAttention(name string, cfg Config, gen *rng.Generator) *SourceAttention {
	mustValidate(cfg)
	return &SourceAttention{
		norm:     NewLayerNorm(name+".norm", cfg.ModelSize, cfg.NormEps),
		attn:     NewMultiHeadAttention(name+".attn", cfg.ModelSize, cfg.NumHeads, cfg.AttnDropout, gen),
		residual: Dropout{P: cfg.ResidualP(), Variational: cfg.Variational},
	}
}

// Evaluate implements Unit.
func (u *SourceAttention) Evaluate(b *autodiff.Backend, gen *rng.Generator, x *tensor.Tensor, side Side) (Result, error) {
	modelSize := u.norm.gamma.Tensor().Dim(0)
	if err := checkStream(x, modelSize); err != nil {
		return Result{}, err
	}
	if side.Context == nil {
		return Result{}, fmt.Errorf("%w: source attention without context", tensor.ErrShapeMismatch)
	}
	if err := checkStream(side.Context, modelSize); err != nil {
		return Result{}, fmt.Errorf("context: %w", err)
	}
	if side.Context.Dim(1) != x.Dim(1) {
		return Result{}, fmt.Errorf("%w: context batch %d, input batch %d",
			tensor.ErrShapeMismatch, side.Context.Dim(1), x.Dim(1))
	}

	var k, v *tensor.Tensor
	if side.Cache != nil && side.Cache.Len() > 0 {
		k, v = side.Cache.Get()
	} else {
		k, v = u.attn.Project(b, side.Context, side.Context)
		if side.Cache != nil {
			if err := side.Cache.Update(k, v); err != nil {
				return Result{}, err
			}
		}
	}

	out, probs := u.attn.Attend(b, gen, u.norm.Forward(b, x), k, v, side.ContextMask, side.Training)
	out = u.residual.Forward(b, gen, out, side.Training)
	return Result{Output: out, Coverage: probs}, b.Tape().Err()
}

// AccumulateGradient implements Unit.
func (u *SourceAttention) AccumulateGradient(grads autodiff.Gradients, acc *GradStore) {
	accumulate(u.Parameters(), grads, acc)
}

// Parameters implements Module.
func (u *SourceAttention) Parameters() []*Parameter {
	return collect(u.norm, u.attn)
}
