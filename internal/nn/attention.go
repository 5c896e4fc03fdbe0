package nn

import (
	"errors"
	"fmt"

	"github.com/born-ml/revformer/internal/autodiff"
	"github.com/born-ml/revformer/internal/rng"
	"github.com/born-ml/revformer/internal/tensor"
)

// ErrCacheOverflow is returned when an AttentionCache would exceed its
// maximum length.
var ErrCacheOverflow = errors.New("nn: attention cache overflow")

// MultiHeadAttention implements multi-head scaled dot-product attention over
// [seq, batch, feature] tensors.
//
// Architecture:
//
//	Q = query @ W_Q, K = key @ W_K, V = value @ W_V
//	P = softmax(Q Kᵀ / sqrt(d_head)) per head, optionally masked
//	out = (dropout(P) V) @ W_O
type MultiHeadAttention struct {
	numHeads int
	wq       *Linear
	wk       *Linear
	wv       *Linear
	wo       *Linear
	dropout  float64 // on attention probabilities
}

// NewMultiHeadAttention creates the four projections of a modelSize-wide
// attention block. Panics if modelSize is not divisible by numHeads.
func NewMultiHeadAttention(name string, modelSize, numHeads int, dropout float64, gen *rng.Generator) *MultiHeadAttention {
	if numHeads <= 0 || modelSize%numHeads != 0 {
		panic(fmt.Sprintf("MultiHeadAttention: model size %d not divisible by %d heads", modelSize, numHeads))
	}
	return &MultiHeadAttention{
		numHeads: numHeads,
		wq:       NewLinear(name+".q", modelSize, modelSize, gen),
		wk:       NewLinear(name+".k", modelSize, modelSize, gen),
		wv:       NewLinear(name+".v", modelSize, modelSize, gen),
		wo:       NewLinear(name+".out", modelSize, modelSize, gen),
		dropout:  dropout,
	}
}

// Project computes the key and value projections of key and value.
func (m *MultiHeadAttention) Project(b *autodiff.Backend, key, value *tensor.Tensor) (k, v *tensor.Tensor) {
	return m.wk.Forward(b, key), m.wv.Forward(b, value)
}

// Attend runs attention of query over already projected keys and values.
// It returns the output and the attention probabilities.
func (m *MultiHeadAttention) Attend(
	b *autodiff.Backend, gen *rng.Generator,
	query, k, v *tensor.Tensor,
	mask *autodiff.AttentionMask, training bool,
) (out, probs *tensor.Tensor) {
	q := m.wq.Forward(b, query)

	var drop *tensor.Tensor
	if training && m.dropout > 0 {
		drop = DropMask(gen, tensor.Shape{q.Dim(1), m.numHeads, q.Dim(0), k.Dim(0)}, m.dropout)
	}
	attn, probs := b.Attention(q, k, v, m.numHeads, mask, drop)
	return m.wo.Forward(b, attn), probs
}

// Forward projects key and value and attends query over them.
func (m *MultiHeadAttention) Forward(
	b *autodiff.Backend, gen *rng.Generator,
	query, key, value *tensor.Tensor,
	mask *autodiff.AttentionMask, training bool,
) (out, probs *tensor.Tensor) {
	k, v := m.Project(b, key, value)
	return m.Attend(b, gen, query, k, v, mask, training)
}

// Parameters returns the parameters of all four projections.
func (m *MultiHeadAttention) Parameters() []*Parameter {
	return collect(m.wq, m.wk, m.wv, m.wo)
}

// AttentionCache stores projected keys and values for incremental decoding.
//
// Without a cache every decoding step re-projects all previous positions.
// With it, a step projects only the new position and appends it.
//
// Example:
//
//	cache := nn.NewAttentionCache(128)
//	for pos := 0; pos < n; pos++ {
//	    side.Cache = cache
//	    res, err := unit.Evaluate(b, gen, token, side)
//	}
type AttentionCache struct {
	keys   *tensor.Tensor // [length, batch, feature]
	values *tensor.Tensor // [length, batch, feature]
	maxLen int            // 0 means unbounded
}

// NewAttentionCache creates an empty cache holding at most maxLen positions.
func NewAttentionCache(maxLen int) *AttentionCache {
	return &AttentionCache{maxLen: maxLen}
}

// Update appends projected keys and values along the sequence dimension.
func (c *AttentionCache) Update(k, v *tensor.Tensor) error {
	if c.maxLen > 0 && c.Len()+k.Dim(0) > c.maxLen {
		return fmt.Errorf("%w: length %d + new %d > max %d", ErrCacheOverflow, c.Len(), k.Dim(0), c.maxLen)
	}
	if c.keys == nil {
		c.keys, c.values = k.Clone(), v.Clone()
		return nil
	}
	c.keys = tensor.Concat(c.keys, k)
	c.values = tensor.Concat(c.values, v)
	return nil
}

// Get returns all cached keys and values. Both are nil on an empty cache.
func (c *AttentionCache) Get() (keys, values *tensor.Tensor) {
	return c.keys, c.values
}

// Len returns the number of cached positions.
func (c *AttentionCache) Len() int {
	if c.keys == nil {
		return 0
	}
	return c.keys.Dim(0)
}

// Reset clears the cache for a new sequence.
func (c *AttentionCache) Reset() {
	c.keys, c.values = nil, nil
}

// Truncate keeps the first n cached positions.
func (c *AttentionCache) Truncate(n int) {
	switch {
	case n <= 0:
		c.Reset()
	case n < c.Len():
		c.keys, c.values = c.keys.Narrow(0, n), c.values.Narrow(0, n)
	}
}
