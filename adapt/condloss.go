package adapt

import (
	"fmt"
	"math"

	"github.com/faultline/faultline/tensor"
	"github.com/faultline/faultline/training"
)

// Reverser is the gradient-reversal boundary the adversarial losses apply
// before the discriminator.
type Reverser interface {
	Apply(x *tensor.Tensor) *tensor.Tensor
	Coeff() float64
}

// ConditionalAdversarialLoss aligns source and target feature distributions
// conditioned on predicted class. Features and class probabilities are
// combined through a FeatureMap, passed through gradient reversal and
// scored by a domain discriminator.
type ConditionalAdversarialLoss struct {
	discriminator training.Module
	featureMap    FeatureMap
	reverser      Reverser
	entropyCond   bool
	sigmoidHead   bool
	reduction     tensor.Reduction

	// DiscriminatorAccuracy is the fraction of rows where the thresholded
	// domain prediction matched the domain label on the most recent Compute
	// call. Diagnostic only.
	DiscriminatorAccuracy float64
}

// CondLossConfig configures a ConditionalAdversarialLoss.
type CondLossConfig struct {
	// EntropyConditioning weights instances by prediction certainty. Only
	// supported with the sigmoid discriminator head.
	EntropyConditioning bool
	// SigmoidHead selects the [batch,1] sigmoid discriminator output; when
	// false the discriminator must produce [batch,2] logits.
	SigmoidHead bool
	Reduction   tensor.Reduction
}

func NewConditionalAdversarialLoss(disc training.Module, fm FeatureMap, rev Reverser, cfg CondLossConfig) (*ConditionalAdversarialLoss, error) {
	if disc == nil || fm == nil || rev == nil {
		return nil, fmt.Errorf("discriminator, feature map and reverser are all required")
	}
	if cfg.EntropyConditioning && !cfg.SigmoidHead {
		return nil, fmt.Errorf("entropy conditioning requires the sigmoid discriminator head")
	}
	if cfg.Reduction == "" {
		cfg.Reduction = tensor.ReductionMean
	}
	if !tensor.ValidReduction(cfg.Reduction) {
		return nil, fmt.Errorf("invalid reduction %q", cfg.Reduction)
	}
	return &ConditionalAdversarialLoss{
		discriminator: disc,
		featureMap:    fm,
		reverser:      rev,
		entropyCond:   cfg.EntropyConditioning,
		sigmoidHead:   cfg.SigmoidHead,
		reduction:     cfg.Reduction,
	}, nil
}

// Compute returns the domain loss for one source batch and one target
// batch. Logits are raw classifier outputs; their softmax is detached so
// the domain loss reaches the classifier only through the feature path.
func (l *ConditionalAdversarialLoss) Compute(logitsSource, featuresSource, logitsTarget, featuresTarget *tensor.Tensor) (*tensor.Tensor, error) {
	if logitsSource.Shape[0] != featuresSource.Shape[0] {
		return nil, fmt.Errorf("source batch mismatch: %d logit rows, %d feature rows", logitsSource.Shape[0], featuresSource.Shape[0])
	}
	if logitsTarget.Shape[0] != featuresTarget.Shape[0] {
		return nil, fmt.Errorf("target batch mismatch: %d logit rows, %d feature rows", logitsTarget.Shape[0], featuresTarget.Shape[0])
	}
	nSource := logitsSource.Shape[0]
	nTarget := logitsTarget.Shape[0]

	features, err := tensor.ConcatRowsAutograd(featuresSource, featuresTarget)
	if err != nil {
		return nil, fmt.Errorf("failed to concatenate features: %v", err)
	}
	logits, err := tensor.ConcatRowsAutograd(logitsSource, logitsTarget)
	if err != nil {
		return nil, fmt.Errorf("failed to concatenate logits: %v", err)
	}

	// SoftmaxRows builds no graph, so the probability path is detached.
	probs, err := tensor.SoftmaxRows(logits.Detach())
	if err != nil {
		return nil, fmt.Errorf("softmax failed: %v", err)
	}

	conditioned, err := l.featureMap.Combine(features, probs)
	if err != nil {
		return nil, fmt.Errorf("feature map failed: %v", err)
	}

	reversed := l.reverser.Apply(conditioned)

	scores, err := l.discriminator.Forward(reversed)
	if err != nil {
		return nil, fmt.Errorf("discriminator forward failed: %v", err)
	}

	if l.sigmoidHead {
		return l.sigmoidLoss(scores, probs, nSource, nTarget)
	}
	return l.twoClassLoss(scores, nSource, nTarget)
}

func (l *ConditionalAdversarialLoss) sigmoidLoss(scores, probs *tensor.Tensor, nSource, nTarget int) (*tensor.Tensor, error) {
	n := nSource + nTarget
	if len(scores.Shape) != 2 || scores.Shape[0] != n || scores.Shape[1] != 1 {
		return nil, fmt.Errorf("sigmoid head expects [%d 1] scores, got %v", n, scores.Shape)
	}

	targets := make([]float32, n)
	for i := 0; i < nSource; i++ {
		targets[i] = 1
	}

	var weights []float32
	if l.entropyCond {
		weights = entropyWeights(probs)
	}

	l.DiscriminatorAccuracy = thresholdAccuracy(scores, nSource)
	return tensor.BCEAutograd(scores, targets, weights, l.reduction)
}

func (l *ConditionalAdversarialLoss) twoClassLoss(scores *tensor.Tensor, nSource, nTarget int) (*tensor.Tensor, error) {
	n := nSource + nTarget
	if len(scores.Shape) != 2 || scores.Shape[0] != n || scores.Shape[1] != 2 {
		return nil, fmt.Errorf("two-class head expects [%d 2] scores, got %v", n, scores.Shape)
	}

	labels := make([]int, n)
	for i := 0; i < nSource; i++ {
		labels[i] = 1
	}

	preds, err := tensor.ArgmaxRows(scores)
	if err != nil {
		return nil, err
	}
	correct := 0
	for i, p := range preds {
		if p == labels[i] {
			correct++
		}
	}
	l.DiscriminatorAccuracy = float64(correct) / float64(n)

	return tensor.CrossEntropyAutograd(scores, labels, l.reduction)
}

// entropyWeights computes 1 + exp(-H(g)) per row and normalizes the weights
// to sum to the batch size. Confident predictions carry more weight.
func entropyWeights(probs *tensor.Tensor) []float32 {
	n := probs.Shape[0]
	c := probs.Shape[1]
	weights := make([]float32, n)
	var sum float64
	for i := 0; i < n; i++ {
		var h float64
		for j := 0; j < c; j++ {
			p := float64(probs.Data[i*c+j])
			h -= p * math.Log(p+1e-5)
		}
		w := 1 + math.Exp(-h)
		weights[i] = float32(w)
		sum += w
	}
	scale := float32(float64(n) / sum)
	for i := range weights {
		weights[i] *= scale
	}
	return weights
}

// thresholdAccuracy scores sigmoid-head predictions at the 0.5 threshold
// against the source-first domain labels.
func thresholdAccuracy(scores *tensor.Tensor, nSource int) float64 {
	n := scores.Shape[0]
	correct := 0
	for i := 0; i < n; i++ {
		predSource := scores.Data[i] >= 0.5
		if predSource == (i < nSource) {
			correct++
		}
	}
	return float64(correct) / float64(n)
}
