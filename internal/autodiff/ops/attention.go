package ops

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/born-ml/revformer/internal/parallel"
	"github.com/born-ml/revformer/internal/tensor"
)

// AttentionMask selects which (query, key) pairs are excluded from attention.
// A nil *AttentionMask masks nothing.
type AttentionMask struct {
	// KeyPadding has batch*keyLen entries, index b*keyLen+j; true masks key j
	// of batch entry b.
	KeyPadding []bool

	// Causal masks keys positioned after the query.
	Causal bool

	// Offset is the absolute position of query row 0, used with Causal when
	// queries are a suffix of the key sequence (incremental decoding).
	Offset int
}

// Masked reports whether query i may not attend key j in batch entry b.
func (m *AttentionMask) Masked(b, i, j, keyLen int) bool {
	if m == nil {
		return false
	}
	if m.Causal && j > i+m.Offset {
		return true
	}
	return m.KeyPadding != nil && m.KeyPadding[b*keyLen+j]
}

// AttentionOp is multi-head scaled dot-product attention over tensors laid
// out as [seq, batch, feature].
//
// For each batch entry b and head h, with Q, K, V the head slices:
//
//	P  = softmax(mask(Q Kᵀ / sqrt(dh)))
//	O  = (P ∘ D) V
//
// where D is an optional constant dropout mask (already scaled by 1/keep).
//
// Backward pass:
//   - grad_V = (P ∘ D)ᵀ grad_O
//   - grad_P = (grad_O Vᵀ) ∘ D
//   - grad_S = P ∘ (grad_P - rowsum(grad_P ∘ P))
//   - grad_Q = grad_S K / sqrt(dh), grad_K = grad_Sᵀ Q / sqrt(dh)
type AttentionOp struct {
	inputs []*tensor.Tensor // [q, k, v]
	output *tensor.Tensor
	probs  *tensor.Tensor // [batch, heads, q, k]
	drop   *tensor.Tensor // [batch, heads, q, k] or nil
	heads  int
	par    parallel.Config
}

// NewAttentionOp creates a new AttentionOp from the forward probabilities.
func NewAttentionOp(q, k, v, output, probs, drop *tensor.Tensor, heads int, par parallel.Config) *AttentionOp {
	return &AttentionOp{
		inputs: []*tensor.Tensor{q, k, v},
		output: output,
		probs:  probs,
		drop:   drop,
		heads:  heads,
		par:    par,
	}
}

// headView copies the (b, h) slice of a [seq, batch, feature] tensor into a
// [seq, dh] matrix.
func headView(t *tensor.Tensor, b, h, dh int) *mat.Dense {
	seq, batch, d := t.Dim(0), t.Dim(1), t.Dim(2)
	out := mat.NewDense(seq, dh, nil)
	data := t.Data()
	for i := 0; i < seq; i++ {
		base := (i*batch+b)*d + h*dh
		out.SetRow(i, data[base:base+dh])
	}
	return out
}

// scatterHead writes m [seq, dh] into the (b, h) slice of t.
func scatterHead(t *tensor.Tensor, m *mat.Dense, b, h, dh int) {
	seq, batch, d := t.Dim(0), t.Dim(1), t.Dim(2)
	data := t.Data()
	for i := 0; i < seq; i++ {
		base := (i*batch+b)*d + h*dh
		mat.Row(data[base:base+dh], i, m)
	}
}

// block views the (b, h) [q, k] slice of a [batch, heads, q, k] tensor.
func block(t *tensor.Tensor, b, h int) *mat.Dense {
	heads, lq, lk := t.Dim(1), t.Dim(2), t.Dim(3)
	off := (b*heads + h) * lq * lk
	return mat.NewDense(lq, lk, t.Data()[off:off+lq*lk])
}

// AttentionForward computes the attention output [seq_q, batch, feature]
// and the attention probabilities [batch, heads, seq_q, seq_k].
func AttentionForward(
	q, k, v *tensor.Tensor,
	heads int,
	mask *AttentionMask,
	drop *tensor.Tensor,
	par parallel.Config,
) (out, probs *tensor.Tensor) {
	lq, batch, d := q.Dim(0), q.Dim(1), q.Dim(2)
	lk := k.Dim(0)
	if d%heads != 0 {
		panic(fmt.Sprintf("Attention: feature size %d not divisible by %d heads", d, heads))
	}
	if k.Dim(1) != batch || v.Dim(0) != lk || k.Dim(2) != d || v.Dim(2) != d {
		panic(fmt.Sprintf("Attention: incompatible shapes q=%v k=%v v=%v", q.Shape(), k.Shape(), v.Shape()))
	}
	dh := d / heads
	scale := 1 / math.Sqrt(float64(dh))

	out = tensor.Zeros(tensor.Shape{lq, batch, d})
	probs = tensor.Zeros(tensor.Shape{batch, heads, lq, lk})

	parallel.ForPairs(batch, heads, func(b, h int) {
		qh, kh, vh := headView(q, b, h, dh), headView(k, b, h, dh), headView(v, b, h, dh)
		p := block(probs, b, h)
		p.Mul(qh, kh.T())
		p.Scale(scale, p)
		for i := 0; i < lq; i++ {
			softmaxRow(p.RawRowView(i), func(j int) bool { return mask.Masked(b, i, j, lk) })
		}

		pd := mat.DenseCopyOf(p)
		if drop != nil {
			pd.MulElem(pd, block(drop, b, h))
		}
		var oh mat.Dense
		oh.Mul(pd, vh)
		scatterHead(out, &oh, b, h, dh)
	}, par)

	return out, probs
}

// softmaxRow applies a masked softmax in place. A fully masked row becomes zeros.
func softmaxRow(row []float64, masked func(j int) bool) {
	maxV := math.Inf(-1)
	for j, v := range row {
		if !masked(j) && v > maxV {
			maxV = v
		}
	}
	if math.IsInf(maxV, -1) {
		for j := range row {
			row[j] = 0
		}
		return
	}
	sum := 0.0
	for j, v := range row {
		if masked(j) {
			row[j] = 0
			continue
		}
		e := math.Exp(v - maxV)
		row[j] = e
		sum += e
	}
	for j := range row {
		row[j] /= sum
	}
}

// Backward computes gradients for q, k and v.
func (op *AttentionOp) Backward(outputGrad *tensor.Tensor) []*tensor.Tensor {
	q, k, v := op.inputs[0], op.inputs[1], op.inputs[2]
	batch, d := q.Dim(1), q.Dim(2)
	dh := d / op.heads
	scale := 1 / math.Sqrt(float64(dh))

	gradQ, gradK, gradV := tensor.ZerosLike(q), tensor.ZerosLike(k), tensor.ZerosLike(v)

	parallel.ForPairs(batch, op.heads, func(b, h int) {
		qh, kh, vh := headView(q, b, h, dh), headView(k, b, h, dh), headView(v, b, h, dh)
		goh := headView(outputGrad, b, h, dh)
		p := block(op.probs, b, h)

		pd := mat.DenseCopyOf(p)
		var dropBlock *mat.Dense
		if op.drop != nil {
			dropBlock = block(op.drop, b, h)
			pd.MulElem(pd, dropBlock)
		}

		var gv mat.Dense
		gv.Mul(pd.T(), goh)
		scatterHead(gradV, &gv, b, h, dh)

		var gp mat.Dense
		gp.Mul(goh, vh.T())
		if dropBlock != nil {
			gp.MulElem(&gp, dropBlock)
		}

		rows, cols := p.Dims()
		gs := mat.NewDense(rows, cols, nil)
		for i := 0; i < rows; i++ {
			pr, gr, sr := p.RawRowView(i), gp.RawRowView(i), gs.RawRowView(i)
			dot := 0.0
			for j := range pr {
				dot += pr[j] * gr[j]
			}
			for j := range pr {
				sr[j] = pr[j] * (gr[j] - dot)
			}
		}

		var gq, gk mat.Dense
		gq.Mul(gs, kh)
		gq.Scale(scale, &gq)
		gk.Mul(gs.T(), qh)
		gk.Scale(scale, &gk)
		scatterHead(gradQ, &gq, b, h, dh)
		scatterHead(gradK, &gk, b, h, dh)
	}, op.par)

	return []*tensor.Tensor{gradQ, gradK, gradV}
}

// Inputs returns [q, k, v].
func (op *AttentionOp) Inputs() []*tensor.Tensor { return op.inputs }

// Output returns the attention output.
func (op *AttentionOp) Output() *tensor.Tensor { return op.output }
