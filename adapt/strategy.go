package adapt

import (
	"fmt"

	"github.com/faultline/faultline/tensor"
	"github.com/faultline/faultline/training"
)

// BatchOutput is one domain's share of a forward pass.
type BatchOutput struct {
	Logits   *tensor.Tensor
	Features *tensor.Tensor
}

// AlignmentStrategy computes the adversarial domain term for one training
// step. Implementations own their discriminator; the trainer folds the
// discriminator parameters into the optimizer.
type AlignmentStrategy interface {
	Name() string
	// DomainLoss returns a scalar loss tensor aligning source and target.
	DomainLoss(source, target BatchOutput) (*tensor.Tensor, error)
	// Parameters returns the strategy's trainable parameters.
	Parameters() []*tensor.Tensor
	// DiscriminatorAccuracy reports the most recent step's discriminator
	// accuracy diagnostic.
	DiscriminatorAccuracy() float64
	Train()
	Eval()
}

// CDANStrategy performs conditional adversarial alignment: features are
// conditioned on detached class probabilities before the discriminator.
type CDANStrategy struct {
	loss          *ConditionalAdversarialLoss
	discriminator training.Module
}

// NewCDANStrategy wires a discriminator, feature map and reverser into a
// conditional adversarial loss.
func NewCDANStrategy(disc training.Module, fm FeatureMap, rev Reverser, cfg CondLossConfig) (*CDANStrategy, error) {
	loss, err := NewConditionalAdversarialLoss(disc, fm, rev, cfg)
	if err != nil {
		return nil, err
	}
	return &CDANStrategy{loss: loss, discriminator: disc}, nil
}

func (s *CDANStrategy) Name() string { return "CDAN" }

func (s *CDANStrategy) DomainLoss(source, target BatchOutput) (*tensor.Tensor, error) {
	return s.loss.Compute(source.Logits, source.Features, target.Logits, target.Features)
}

func (s *CDANStrategy) Parameters() []*tensor.Tensor   { return s.discriminator.Parameters() }
func (s *CDANStrategy) DiscriminatorAccuracy() float64 { return s.loss.DiscriminatorAccuracy }
func (s *CDANStrategy) Train()                         { s.discriminator.Train() }
func (s *CDANStrategy) Eval()                          { s.discriminator.Eval() }

// DANNStrategy aligns raw features without class conditioning: features
// pass through gradient reversal straight into a sigmoid-head
// discriminator.
type DANNStrategy struct {
	discriminator training.Module
	reverser      Reverser
	accuracy      float64
}

func NewDANNStrategy(disc training.Module, rev Reverser) (*DANNStrategy, error) {
	if disc == nil || rev == nil {
		return nil, fmt.Errorf("discriminator and reverser are required")
	}
	return &DANNStrategy{discriminator: disc, reverser: rev}, nil
}

func (s *DANNStrategy) Name() string { return "DANN" }

func (s *DANNStrategy) DomainLoss(source, target BatchOutput) (*tensor.Tensor, error) {
	nSource := source.Features.Shape[0]
	nTarget := target.Features.Shape[0]

	features, err := tensor.ConcatRowsAutograd(source.Features, target.Features)
	if err != nil {
		return nil, fmt.Errorf("failed to concatenate features: %v", err)
	}
	reversed := s.reverser.Apply(features)
	scores, err := s.discriminator.Forward(reversed)
	if err != nil {
		return nil, fmt.Errorf("discriminator forward failed: %v", err)
	}
	n := nSource + nTarget
	if len(scores.Shape) != 2 || scores.Shape[0] != n || scores.Shape[1] != 1 {
		return nil, fmt.Errorf("expected [%d 1] scores, got %v", n, scores.Shape)
	}

	targets := make([]float32, n)
	for i := 0; i < nSource; i++ {
		targets[i] = 1
	}
	s.accuracy = thresholdAccuracy(scores, nSource)
	return tensor.BCEAutograd(scores, targets, nil, tensor.ReductionMean)
}

func (s *DANNStrategy) Parameters() []*tensor.Tensor   { return s.discriminator.Parameters() }
func (s *DANNStrategy) DiscriminatorAccuracy() float64 { return s.accuracy }
func (s *DANNStrategy) Train()                         { s.discriminator.Train() }
func (s *DANNStrategy) Eval()                          { s.discriminator.Eval() }
