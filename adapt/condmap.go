package adapt

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/faultline/faultline/tensor"
)

// FeatureMap combines per-sample features with class probabilities into a
// single conditioning vector for the domain discriminator, preserving row
// alignment.
type FeatureMap interface {
	// Combine maps features [batch, D] and class probabilities [batch, C]
	// to a conditioned batch.
	Combine(features, probs *tensor.Tensor) (*tensor.Tensor, error)
	// OutputDim is the width of the conditioned vectors.
	OutputDim() int
}

// MultiLinearMap computes the exact flattened outer product g x f per row,
// output width C*D. Only practical when C*D stays small.
type MultiLinearMap struct {
	featureDim int
	numClasses int
}

func NewMultiLinearMap(featureDim, numClasses int) (*MultiLinearMap, error) {
	if featureDim <= 0 || numClasses <= 0 {
		return nil, fmt.Errorf("invalid dimensions D=%d C=%d", featureDim, numClasses)
	}
	return &MultiLinearMap{featureDim: featureDim, numClasses: numClasses}, nil
}

func (m *MultiLinearMap) Combine(features, probs *tensor.Tensor) (*tensor.Tensor, error) {
	if len(features.Shape) != 2 || features.Shape[1] != m.featureDim {
		return nil, fmt.Errorf("features shape %v does not match dimension %d", features.Shape, m.featureDim)
	}
	if len(probs.Shape) != 2 || probs.Shape[1] != m.numClasses {
		return nil, fmt.Errorf("probabilities shape %v does not match %d classes", probs.Shape, m.numClasses)
	}
	return tensor.RowOuterAutograd(probs, features)
}

func (m *MultiLinearMap) OutputDim() int { return m.numClasses * m.featureDim }

// RandomizedMultiLinearMap approximates the outer product by projecting
// features and probabilities through two frozen random matrices into a
// shared dimension R and multiplying elementwise, scaled by 1/sqrt(R). The
// projections are drawn once at construction and never updated.
type RandomizedMultiLinearMap struct {
	rf        *tensor.Tensor
	rg        *tensor.Tensor
	outputDim int
}

func NewRandomizedMultiLinearMap(featureDim, numClasses, outputDim int, rng *rand.Rand) (*RandomizedMultiLinearMap, error) {
	if featureDim <= 0 || numClasses <= 0 {
		return nil, fmt.Errorf("invalid dimensions D=%d C=%d", featureDim, numClasses)
	}
	if outputDim <= 0 {
		return nil, fmt.Errorf("output dimension must be positive, got %d", outputDim)
	}
	rf, err := tensor.Randn([]int{featureDim, outputDim}, 1.0, rng)
	if err != nil {
		return nil, fmt.Errorf("failed to draw feature projection: %v", err)
	}
	rg, err := tensor.Randn([]int{numClasses, outputDim}, 1.0, rng)
	if err != nil {
		return nil, fmt.Errorf("failed to draw probability projection: %v", err)
	}
	return &RandomizedMultiLinearMap{rf: rf, rg: rg, outputDim: outputDim}, nil
}

func (m *RandomizedMultiLinearMap) Combine(features, probs *tensor.Tensor) (*tensor.Tensor, error) {
	if len(features.Shape) != 2 || features.Shape[1] != m.rf.Shape[0] {
		return nil, fmt.Errorf("features shape %v does not match projection input %d", features.Shape, m.rf.Shape[0])
	}
	if len(probs.Shape) != 2 || probs.Shape[1] != m.rg.Shape[0] {
		return nil, fmt.Errorf("probabilities shape %v does not match projection input %d", probs.Shape, m.rg.Shape[0])
	}
	if features.Shape[0] != probs.Shape[0] {
		return nil, fmt.Errorf("batch mismatch: features %d rows, probabilities %d rows", features.Shape[0], probs.Shape[0])
	}

	pf, err := tensor.MatMulAutograd(features, m.rf)
	if err != nil {
		return nil, err
	}
	pg, err := tensor.MatMulAutograd(probs, m.rg)
	if err != nil {
		return nil, err
	}
	prod, err := tensor.MulAutograd(pf, pg)
	if err != nil {
		return nil, err
	}
	return tensor.ScaleAutograd(prod, float32(1/math.Sqrt(float64(m.outputDim)))), nil
}

func (m *RandomizedMultiLinearMap) OutputDim() int { return m.outputDim }
