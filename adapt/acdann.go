package adapt

import (
	"fmt"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/faultline/faultline/tensor"
	"github.com/faultline/faultline/training"
)

// ACDANNStrategy performs conditional alignment with within-domain mixup:
// each domain's features and class probabilities are blended per sample
// with Beta-drawn coefficients against a shuffled copy of the same batch,
// conditioned through the feature map, and scored by a two-class
// discriminator over the concatenated rows.
type ACDANNStrategy struct {
	discriminator training.Module
	featureMap    FeatureMap
	reverser      Reverser
	beta          distuv.Beta
	accuracy      float64
}

// ACDANNConfig configures an ACDANNStrategy. Zero Alpha selects Beta(1,1),
// the uniform mixing distribution.
type ACDANNConfig struct {
	Alpha float64
	Seed  uint64
}

func NewACDANNStrategy(disc training.Module, fm FeatureMap, rev Reverser, cfg ACDANNConfig) (*ACDANNStrategy, error) {
	if disc == nil || fm == nil || rev == nil {
		return nil, fmt.Errorf("discriminator, feature map and reverser are all required")
	}
	if cfg.Alpha == 0 {
		cfg.Alpha = 1.0
	}
	if cfg.Alpha < 0 {
		return nil, fmt.Errorf("mixup alpha must be positive, got %v", cfg.Alpha)
	}
	src := rand.NewSource(cfg.Seed)
	return &ACDANNStrategy{
		discriminator: disc,
		featureMap:    fm,
		reverser:      rev,
		beta:          distuv.Beta{Alpha: cfg.Alpha, Beta: cfg.Alpha, Src: src},
	}, nil
}

func (s *ACDANNStrategy) Name() string { return "ACDANN" }

// DomainLoss mixes each domain's batch per sample against a shuffled copy
// of itself, conditions the mixed features on the mixed probabilities,
// and trains the two-class discriminator over the concatenated source and
// target rows with hard domain labels.
func (s *ACDANNStrategy) DomainLoss(source, target BatchOutput) (*tensor.Tensor, error) {
	if source.Features.Shape[0] != target.Features.Shape[0] {
		return nil, fmt.Errorf("mixup requires equal batch sizes, got %d and %d", source.Features.Shape[0], target.Features.Shape[0])
	}
	n := source.Features.Shape[0]

	// One coefficient per sample and one shuffled index, shared by both
	// domains and by the feature/probability pair within each domain.
	lmb := make([]float32, n)
	for i := range lmb {
		lmb[i] = float32(s.beta.Rand())
	}
	perm := randPerm(s.beta.Src, n)

	condSource, err := s.mixAndCondition(source, lmb, perm)
	if err != nil {
		return nil, err
	}
	condTarget, err := s.mixAndCondition(target, lmb, perm)
	if err != nil {
		return nil, err
	}

	conditioned, err := tensor.ConcatRowsAutograd(condSource, condTarget)
	if err != nil {
		return nil, fmt.Errorf("failed to concatenate conditioned batches: %v", err)
	}

	reversed := s.reverser.Apply(conditioned)
	scores, err := s.discriminator.Forward(reversed)
	if err != nil {
		return nil, fmt.Errorf("discriminator forward failed: %v", err)
	}
	if len(scores.Shape) != 2 || scores.Shape[0] != 2*n || scores.Shape[1] != 2 {
		return nil, fmt.Errorf("expected [%d 2] scores, got %v", 2*n, scores.Shape)
	}

	labels := make([]int, 2*n)
	for i := 0; i < n; i++ {
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
	s.accuracy = float64(correct) / float64(2*n)

	return tensor.CrossEntropyAutograd(scores, labels, tensor.ReductionMean)
}

// mixAndCondition blends a batch with a shuffled copy of itself, row i
// weighted lmb[i] against row perm[i], then applies the feature map to the
// mixed pair.
func (s *ACDANNStrategy) mixAndCondition(out BatchOutput, lmb []float32, perm []int) (*tensor.Tensor, error) {
	probs, err := tensor.SoftmaxRows(out.Logits.Detach())
	if err != nil {
		return nil, err
	}
	mixedFeatures, err := mixRows(out.Features, lmb, perm)
	if err != nil {
		return nil, err
	}
	mixedProbs, err := mixRows(probs, lmb, perm)
	if err != nil {
		return nil, err
	}
	return s.featureMap.Combine(mixedFeatures, mixedProbs)
}

// mixRows returns lmb[i]*x[i] + (1-lmb[i])*x[perm[i]] per row.
func mixRows(x *tensor.Tensor, lmb []float32, perm []int) (*tensor.Tensor, error) {
	direct, err := tensor.ScaleRowsAutograd(x, lmb)
	if err != nil {
		return nil, err
	}
	shuffled, err := tensor.GatherRowsAutograd(x, perm)
	if err != nil {
		return nil, err
	}
	inverse := make([]float32, len(lmb))
	for i, l := range lmb {
		inverse[i] = 1 - l
	}
	shuffled, err = tensor.ScaleRowsAutograd(shuffled, inverse)
	if err != nil {
		return nil, err
	}
	return tensor.AddAutograd(direct, shuffled)
}

func (s *ACDANNStrategy) Parameters() []*tensor.Tensor   { return s.discriminator.Parameters() }
func (s *ACDANNStrategy) DiscriminatorAccuracy() float64 { return s.accuracy }
func (s *ACDANNStrategy) Train()                         { s.discriminator.Train() }
func (s *ACDANNStrategy) Eval()                          { s.discriminator.Eval() }

// randPerm is a Fisher-Yates shuffle over [0, n) driven by the same source
// as the Beta draws.
func randPerm(src rand.Source, n int) []int {
	r := rand.New(src)
	return r.Perm(n)
}
