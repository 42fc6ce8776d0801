// Package training provides the building blocks around the tensor autograd
// engine: trainable modules, losses, optimizers, learning-rate schedules,
// data loading and metric tracking. Domain-adaptation specifics live in the
// adapt package; everything here is task-agnostic.
package training

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/faultline/faultline/tensor"
)

// Module is a trainable network component. Train/Eval switch the module's
// mode explicitly: in eval mode no autograd graph is built and stochastic
// layers (dropout) become the identity.
type Module interface {
	Forward(input *tensor.Tensor) (*tensor.Tensor, error)
	Parameters() []*tensor.Tensor
	Train()
	Eval()
	IsTraining() bool
}

// Linear implements a fully connected layer: y = xW + b.
type Linear struct {
	weight   *tensor.Tensor
	bias     *tensor.Tensor
	training bool
}

// NewLinear creates a Linear layer with Xavier/Glorot uniform initialization
// drawn from rng.
func NewLinear(inputSize, outputSize int, withBias bool, rng *rand.Rand) (*Linear, error) {
	if inputSize <= 0 || outputSize <= 0 {
		return nil, fmt.Errorf("invalid Linear dimensions %dx%d", inputSize, outputSize)
	}

	bound := math.Sqrt(6.0 / float64(inputSize+outputSize))
	weightData := make([]float32, inputSize*outputSize)
	for i := range weightData {
		weightData[i] = float32((rng.Float64()*2 - 1) * bound)
	}
	weight, err := tensor.NewTensor([]int{inputSize, outputSize}, weightData)
	if err != nil {
		return nil, fmt.Errorf("failed to create weight tensor: %v", err)
	}
	weight.SetRequiresGrad(true)

	l := &Linear{weight: weight, training: true}
	if withBias {
		bias, err := tensor.Zeros([]int{outputSize})
		if err != nil {
			return nil, fmt.Errorf("failed to create bias tensor: %v", err)
		}
		bias.SetRequiresGrad(true)
		l.bias = bias
	}
	return l, nil
}

// Forward computes y = xW + b for a [batch, in] input.
func (l *Linear) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != 2 {
		return nil, fmt.Errorf("Linear expects 2D input [batch, features], got %v", input.Shape)
	}
	if input.Shape[1] != l.weight.Shape[0] {
		return nil, fmt.Errorf("input size mismatch: expected %d, got %d", l.weight.Shape[0], input.Shape[1])
	}

	var out *tensor.Tensor
	var err error
	if l.training {
		out, err = tensor.MatMulAutograd(input, l.weight)
	} else {
		out, err = tensor.MatMul(input, l.weight)
	}
	if err != nil {
		return nil, fmt.Errorf("linear forward failed: %v", err)
	}

	if l.bias != nil {
		if l.training {
			out, err = tensor.AddBiasAutograd(out, l.bias)
		} else {
			out, err = tensor.AddBias(out, l.bias)
		}
		if err != nil {
			return nil, fmt.Errorf("bias addition failed: %v", err)
		}
	}
	return out, nil
}

func (l *Linear) Parameters() []*tensor.Tensor {
	if l.bias != nil {
		return []*tensor.Tensor{l.weight, l.bias}
	}
	return []*tensor.Tensor{l.weight}
}

func (l *Linear) Train()           { l.training = true }
func (l *Linear) Eval()            { l.training = false }
func (l *Linear) IsTraining() bool { return l.training }

// ReLULayer applies the rectified linear activation.
type ReLULayer struct {
	training bool
}

func NewReLULayer() *ReLULayer { return &ReLULayer{training: true} }

func (r *ReLULayer) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if r.training {
		return tensor.ReLUAutograd(input), nil
	}
	return tensor.ReLU(input), nil
}

func (r *ReLULayer) Parameters() []*tensor.Tensor { return nil }
func (r *ReLULayer) Train()                       { r.training = true }
func (r *ReLULayer) Eval()                        { r.training = false }
func (r *ReLULayer) IsTraining() bool             { return r.training }

// SigmoidLayer applies the logistic activation.
type SigmoidLayer struct {
	training bool
}

func NewSigmoidLayer() *SigmoidLayer { return &SigmoidLayer{training: true} }

func (s *SigmoidLayer) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if s.training {
		return tensor.SigmoidAutograd(input), nil
	}
	return tensor.Sigmoid(input), nil
}

func (s *SigmoidLayer) Parameters() []*tensor.Tensor { return nil }
func (s *SigmoidLayer) Train()                       { s.training = true }
func (s *SigmoidLayer) Eval()                        { s.training = false }
func (s *SigmoidLayer) IsTraining() bool             { return s.training }

// Dropout zeroes each activation with probability p during training and
// rescales the survivors by 1/(1-p). In eval mode it is the identity.
type Dropout struct {
	p        float64
	rng      *rand.Rand
	training bool
}

func NewDropout(p float64, rng *rand.Rand) (*Dropout, error) {
	if p < 0 || p >= 1 {
		return nil, fmt.Errorf("dropout probability must be in [0, 1), got %v", p)
	}
	return &Dropout{p: p, rng: rng, training: true}, nil
}

func (d *Dropout) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if !d.training || d.p == 0 {
		return input, nil
	}
	scale := float32(1 / (1 - d.p))
	mask, err := tensor.Zeros(input.Shape)
	if err != nil {
		return nil, err
	}
	for i := range mask.Data {
		if d.rng.Float64() >= d.p {
			mask.Data[i] = scale
		}
	}
	return tensor.MulAutograd(input, mask)
}

func (d *Dropout) Parameters() []*tensor.Tensor { return nil }
func (d *Dropout) Train()                       { d.training = true }
func (d *Dropout) Eval()                        { d.training = false }
func (d *Dropout) IsTraining() bool             { return d.training }

// Sequential chains modules, feeding each output into the next.
type Sequential struct {
	modules  []Module
	training bool
}

func NewSequential(modules ...Module) *Sequential {
	return &Sequential{modules: modules, training: true}
}

func (s *Sequential) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	out := input
	var err error
	for i, m := range s.modules {
		out, err = m.Forward(out)
		if err != nil {
			return nil, fmt.Errorf("module %d forward failed: %v", i, err)
		}
	}
	return out, nil
}

func (s *Sequential) Parameters() []*tensor.Tensor {
	var params []*tensor.Tensor
	for _, m := range s.modules {
		params = append(params, m.Parameters()...)
	}
	return params
}

func (s *Sequential) Train() {
	s.training = true
	for _, m := range s.modules {
		m.Train()
	}
}

func (s *Sequential) Eval() {
	s.training = false
	for _, m := range s.modules {
		m.Eval()
	}
}

func (s *Sequential) IsTraining() bool { return s.training }

// ClassifierMLP is a small fully connected classifier head. It doubles as
// the domain discriminator: outputSize 1 with LastSigmoid gives the binary
// head, outputSize 2 with LastNone the two-class head.
type ClassifierMLP struct {
	net *Sequential
}

// LastActivation selects the output nonlinearity of a ClassifierMLP.
type LastActivation string

const (
	LastNone    LastActivation = ""
	LastSigmoid LastActivation = "sigmoid"
)

// NewClassifierMLP builds input -> hidden... -> output with ReLU and dropout
// between the fully connected layers.
func NewClassifierMLP(inputSize, outputSize int, hidden []int, dropout float64, last LastActivation, rng *rand.Rand) (*ClassifierMLP, error) {
	if last != LastNone && last != LastSigmoid {
		return nil, fmt.Errorf("unsupported last activation %q", last)
	}
	var modules []Module
	prev := inputSize
	for _, h := range hidden {
		lin, err := NewLinear(prev, h, true, rng)
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
		prev = h
	}
	out, err := NewLinear(prev, outputSize, true, rng)
	if err != nil {
		return nil, err
	}
	modules = append(modules, out)
	if last == LastSigmoid {
		modules = append(modules, NewSigmoidLayer())
	}
	return &ClassifierMLP{net: NewSequential(modules...)}, nil
}

func (c *ClassifierMLP) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return c.net.Forward(input)
}

func (c *ClassifierMLP) Parameters() []*tensor.Tensor { return c.net.Parameters() }
func (c *ClassifierMLP) Train()                       { c.net.Train() }
func (c *ClassifierMLP) Eval()                        { c.net.Eval() }
func (c *ClassifierMLP) IsTraining() bool             { return c.net.IsTraining() }
