package nn

import (
	"fmt"
	"math"

	"github.com/born-ml/revformer/internal/autodiff"
	"github.com/born-ml/revformer/internal/tensor"
)

// MSE returns the mean squared error between pred and target and its
// gradient with respect to pred.
//
//	loss = mean((pred - target)²)
//	grad = 2 (pred - target) / N
func MSE(pred, target *tensor.Tensor) (loss float64, grad *tensor.Tensor, err error) {
	if !pred.Shape().Equal(target.Shape()) {
		return 0, nil, fmt.Errorf("%w: prediction %v, target %v", tensor.ErrShapeMismatch, pred.Shape(), target.Shape())
	}
	diff := tensor.Sub(pred, target)
	n := float64(diff.NumElements())
	return tensor.Dot(diff, diff) / n, tensor.Scale(diff, 2/n), nil
}

// CrossEntropy returns the mean negative log-likelihood of targets under
// softmax(logits) and its gradient with respect to logits. logits is seen
// as [rows, classes] and targets holds one class per row; rows whose target
// equals ignore are skipped. tokens is the number of rows counted.
//
//	grad[r] = (softmax(logits[r]) - onehot(targets[r])) / tokens
func CrossEntropy(logits *tensor.Tensor, targets []int, ignore int) (loss float64, grad *tensor.Tensor, tokens int, err error) {
	rows, classes := logits.Shape().Rows(), logits.Dim(-1)
	if len(targets) != rows {
		return 0, nil, 0, fmt.Errorf("%w: %d targets for %d rows", tensor.ErrShapeMismatch, len(targets), rows)
	}
	grad = tensor.ZerosLike(logits)
	for r, target := range targets {
		if target == ignore {
			continue
		}
		if target < 0 || target >= classes {
			return 0, nil, 0, fmt.Errorf("nn: target %d out of range [0, %d)", target, classes)
		}
		row, g := logits.Row(r), grad.Row(r)
		peak := math.Inf(-1)
		for _, v := range row {
			peak = max(peak, v)
		}
		var sum float64
		for i, v := range row {
			g[i] = math.Exp(v - peak)
			sum += g[i]
		}
		for i := range g {
			g[i] /= sum
		}
		loss -= math.Log(g[target])
		g[target]--
		tokens++
	}
	if tokens == 0 {
		return 0, grad, 0, nil
	}
	return loss / float64(tokens), tensor.Scale(grad, 1/float64(tokens)), tokens, nil
}

// PaddingMask builds a key-padding mask for sequences of the given lengths
// padded to maxLen. Returns nil when nothing is padded.
func PaddingMask(lengths []int, maxLen int) *autodiff.AttentionMask {
	pad := make([]bool, len(lengths)*maxLen)
	padded := false
	for b, n := range lengths {
		for j := n; j < maxLen; j++ {
			pad[b*maxLen+j] = true
			padded = true
		}
	}
	if !padded {
		return nil
	}
	return &autodiff.AttentionMask{KeyPadding: pad}
}

// CausalMask returns a mask that hides future positions, optionally
// combined with key padding.
func CausalMask(padding *autodiff.AttentionMask) *autodiff.AttentionMask {
	m := &autodiff.AttentionMask{Causal: true}
	if padding != nil {
		m.KeyPadding = padding.KeyPadding
	}
	return m
}
