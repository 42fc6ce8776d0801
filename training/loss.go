package training

import (
	"fmt"

	"github.com/faultline/faultline/tensor"
)

// CrossEntropyLoss computes softmax cross-entropy over logits.
type CrossEntropyLoss struct {
	reduction tensor.Reduction
}

func NewCrossEntropyLoss(reduction tensor.Reduction) (*CrossEntropyLoss, error) {
	if !tensor.ValidReduction(reduction) {
		return nil, fmt.Errorf("invalid reduction %q", reduction)
	}
	return &CrossEntropyLoss{reduction: reduction}, nil
}

// Compute returns the loss tensor for [batch, classes] logits and integer
// class labels.
func (l *CrossEntropyLoss) Compute(logits *tensor.Tensor, labels []int) (*tensor.Tensor, error) {
	return tensor.CrossEntropyAutograd(logits, labels, l.reduction)
}

// BCELoss computes binary cross-entropy over probabilities, with optional
// per-example weights.
type BCELoss struct {
	reduction tensor.Reduction
}

func NewBCELoss(reduction tensor.Reduction) (*BCELoss, error) {
	if !tensor.ValidReduction(reduction) {
		return nil, fmt.Errorf("invalid reduction %q", reduction)
	}
	return &BCELoss{reduction: reduction}, nil
}

// Compute returns the loss tensor for probabilities in (0, 1) and binary
// targets. weights may be nil for uniform weighting.
func (l *BCELoss) Compute(probs *tensor.Tensor, targets []float32, weights []float32) (*tensor.Tensor, error) {
	return tensor.BCEAutograd(probs, targets, weights, l.reduction)
}
