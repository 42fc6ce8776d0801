package training

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/faultline/faultline/tensor"
)

// FeatureModel is a classifier that also exposes its penultimate features,
// which the adaptation losses align across domains.
type FeatureModel interface {
	Module
	// ForwardFeatures returns both class logits and the bottleneck features
	// the logits were computed from.
	ForwardFeatures(input *tensor.Tensor) (logits, features *tensor.Tensor, err error)
	// FeatureDim is the width of the feature vectors.
	FeatureDim() int
	// NumClasses is the width of the logit vectors.
	NumClasses() int
}

// conv1dLayer wraps a 1D convolution with its parameters.
type conv1dLayer struct {
	weight   *tensor.Tensor
	bias     *tensor.Tensor
	stride   int
	training bool
}

func newConv1dLayer(inCh, outCh, kernel, stride int, rng *rand.Rand) (*conv1dLayer, error) {
	if inCh <= 0 || outCh <= 0 || kernel <= 0 || stride <= 0 {
		return nil, fmt.Errorf("invalid conv1d parameters in=%d out=%d k=%d stride=%d", inCh, outCh, kernel, stride)
	}
	fanIn := inCh * kernel
	bound := math.Sqrt(6.0 / float64(fanIn+outCh*kernel))
	weightData := make([]float32, outCh*inCh*kernel)
	for i := range weightData {
		weightData[i] = float32((rng.Float64()*2 - 1) * bound)
	}
	weight, err := tensor.NewTensor([]int{outCh, inCh, kernel}, weightData)
	if err != nil {
		return nil, err
	}
	weight.SetRequiresGrad(true)
	bias, err := tensor.Zeros([]int{outCh})
	if err != nil {
		return nil, err
	}
	bias.SetRequiresGrad(true)
	return &conv1dLayer{weight: weight, bias: bias, stride: stride, training: true}, nil
}

func (c *conv1dLayer) forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if c.training {
		return tensor.Conv1DAutograd(x, c.weight, c.bias, c.stride)
	}
	return tensor.Conv1D(x, c.weight, c.bias, c.stride)
}

func (c *conv1dLayer) parameters() []*tensor.Tensor {
	return []*tensor.Tensor{c.weight, c.bias}
}

// CNN1D extracts features from raw vibration windows with two convolution
// stages, global average pooling and a bottleneck, then classifies with a
// linear head. Input shape is [batch, channels, length].
type CNN1D struct {
	conv1      *conv1dLayer
	conv2      *conv1dLayer
	bottleneck *Linear
	dropout    *Dropout
	head       *Linear
	inChannels int
	featureDim int
	numClasses int
	training   bool
}

// CNN1DConfig describes a CNN1D feature extractor.
type CNN1DConfig struct {
	InChannels  int
	NumClasses  int
	FeatureDim  int
	DropoutRate float64
}

// NewCNN1D builds the network. The first convolution uses a wide kernel with
// a matching stride so raw signals are downsampled aggressively before the
// second, narrow convolution.
func NewCNN1D(cfg CNN1DConfig, rng *rand.Rand) (*CNN1D, error) {
	if cfg.InChannels <= 0 {
		return nil, fmt.Errorf("InChannels must be positive, got %d", cfg.InChannels)
	}
	if cfg.NumClasses <= 0 {
		return nil, fmt.Errorf("NumClasses must be positive, got %d", cfg.NumClasses)
	}
	if cfg.FeatureDim <= 0 {
		cfg.FeatureDim = 256
	}

	conv1, err := newConv1dLayer(cfg.InChannels, 16, 64, 16, rng)
	if err != nil {
		return nil, fmt.Errorf("failed to build first convolution: %v", err)
	}
	conv2, err := newConv1dLayer(16, 32, 3, 1, rng)
	if err != nil {
		return nil, fmt.Errorf("failed to build second convolution: %v", err)
	}
	bottleneck, err := NewLinear(32, cfg.FeatureDim, true, rng)
	if err != nil {
		return nil, fmt.Errorf("failed to build bottleneck: %v", err)
	}
	dropout, err := NewDropout(cfg.DropoutRate, rng)
	if err != nil {
		return nil, err
	}
	head, err := NewLinear(cfg.FeatureDim, cfg.NumClasses, true, rng)
	if err != nil {
		return nil, fmt.Errorf("failed to build classifier head: %v", err)
	}

	return &CNN1D{
		conv1:      conv1,
		conv2:      conv2,
		bottleneck: bottleneck,
		dropout:    dropout,
		head:       head,
		inChannels: cfg.InChannels,
		featureDim: cfg.FeatureDim,
		numClasses: cfg.NumClasses,
		training:   true,
	}, nil
}

// ForwardFeatures runs the full network, returning logits and bottleneck
// features from the same forward pass.
func (m *CNN1D) ForwardFeatures(input *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
	if len(input.Shape) != 3 {
		return nil, nil, fmt.Errorf("CNN1D expects 3D input [batch, channels, length], got %v", input.Shape)
	}
	if input.Shape[1] != m.inChannels {
		return nil, nil, fmt.Errorf("channel mismatch: expected %d, got %d", m.inChannels, input.Shape[1])
	}

	h, err := m.conv1.forward(input)
	if err != nil {
		return nil, nil, fmt.Errorf("conv1 failed: %v", err)
	}
	h = m.activate(h)

	h, err = m.conv2.forward(h)
	if err != nil {
		return nil, nil, fmt.Errorf("conv2 failed: %v", err)
	}
	h = m.activate(h)

	if m.training {
		h, err = tensor.GlobalAvgPool1DAutograd(h)
	} else {
		h, err = tensor.GlobalAvgPool1D(h)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("pooling failed: %v", err)
	}

	h, err = m.bottleneck.Forward(h)
	if err != nil {
		return nil, nil, fmt.Errorf("bottleneck failed: %v", err)
	}
	features := m.activate(h)
	features, err = m.dropout.Forward(features)
	if err != nil {
		return nil, nil, err
	}

	logits, err := m.head.Forward(features)
	if err != nil {
		return nil, nil, fmt.Errorf("head failed: %v", err)
	}
	return logits, features, nil
}

func (m *CNN1D) activate(x *tensor.Tensor) *tensor.Tensor {
	if m.training {
		return tensor.ReLUAutograd(x)
	}
	return tensor.ReLU(x)
}

// Forward returns only the class logits.
func (m *CNN1D) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	logits, _, err := m.ForwardFeatures(input)
	return logits, err
}

func (m *CNN1D) Parameters() []*tensor.Tensor {
	var params []*tensor.Tensor
	params = append(params, m.conv1.parameters()...)
	params = append(params, m.conv2.parameters()...)
	params = append(params, m.bottleneck.Parameters()...)
	params = append(params, m.head.Parameters()...)
	return params
}

func (m *CNN1D) Train() {
	m.training = true
	m.conv1.training = true
	m.conv2.training = true
	m.bottleneck.Train()
	m.dropout.Train()
	m.head.Train()
}

func (m *CNN1D) Eval() {
	m.training = false
	m.conv1.training = false
	m.conv2.training = false
	m.bottleneck.Eval()
	m.dropout.Eval()
	m.head.Eval()
}

func (m *CNN1D) IsTraining() bool { return m.training }
func (m *CNN1D) FeatureDim() int  { return m.featureDim }
func (m *CNN1D) NumClasses() int  { return m.numClasses }

// MLPModel is a fully connected FeatureModel for pre-extracted feature
// vectors. Input shape is [batch, inputDim].
type MLPModel struct {
	body       *Sequential
	head       *Linear
	featureDim int
	numClasses int
	training   bool
}

// NewMLPModel builds input -> hidden... -> featureDim -> numClasses with
// ReLU activations. The last hidden layer output serves as the feature.
func NewMLPModel(inputDim, featureDim, numClasses int, hidden []int, dropout float64, rng *rand.Rand) (*MLPModel, error) {
	var modules []Module
	prev := inputDim
	for _, h := range hidden {
		lin, err := NewLinear(prev, h, true, rng)
		if err != nil {
			return nil, err
		}
		modules = append(modules, lin, NewReLULayer())
		prev = h
	}
	lin, err := NewLinear(prev, featureDim, true, rng)
	if err != nil {
		return nil, err
	}
	modules = append(modules, lin, NewReLULayer())
	if dropout > 0 {
		drop, err := NewDropout(dropout, rng)
		if err != nil {
			return nil, err
		}
		modules = append(modules, drop)
	}
	head, err := NewLinear(featureDim, numClasses, true, rng)
	if err != nil {
		return nil, err
	}
	return &MLPModel{
		body:       NewSequential(modules...),
		head:       head,
		featureDim: featureDim,
		numClasses: numClasses,
		training:   true,
	}, nil
}

func (m *MLPModel) ForwardFeatures(input *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
	features, err := m.body.Forward(input)
	if err != nil {
		return nil, nil, err
	}
	logits, err := m.head.Forward(features)
	if err != nil {
		return nil, nil, err
	}
	return logits, features, nil
}

func (m *MLPModel) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	logits, _, err := m.ForwardFeatures(input)
	return logits, err
}

func (m *MLPModel) Parameters() []*tensor.Tensor {
	return append(m.body.Parameters(), m.head.Parameters()...)
}

func (m *MLPModel) Train() {
	m.training = true
	m.body.Train()
	m.head.Train()
}

func (m *MLPModel) Eval() {
	m.training = false
	m.body.Eval()
	m.head.Eval()
}

func (m *MLPModel) IsTraining() bool { return m.training }
func (m *MLPModel) FeatureDim() int  { return m.featureDim }
func (m *MLPModel) NumClasses() int  { return m.numClasses }
