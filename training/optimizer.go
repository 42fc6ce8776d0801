package training

import (
	"fmt"
	"math"

	"github.com/faultline/faultline/tensor"
)

// Optimizer updates parameters from their accumulated gradients.
type Optimizer interface {
	// Step applies one update using the gradients currently stored on the
	// parameters. Parameters without gradients are skipped.
	Step() error
	// ZeroGrad clears all parameter gradients.
	ZeroGrad()
	GetLR() float64
	SetLR(lr float64)
}

// SGD implements stochastic gradient descent with optional momentum and
// weight decay.
type SGD struct {
	params      []*tensor.Tensor
	lr          float64
	momentum    float64
	weightDecay float64
	velocity    [][]float32
}

// SGDConfig configures an SGD optimizer.
type SGDConfig struct {
	LearningRate float64
	Momentum     float64
	WeightDecay  float64
}

func NewSGD(params []*tensor.Tensor, cfg SGDConfig) (*SGD, error) {
	if cfg.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %v", cfg.LearningRate)
	}
	if cfg.Momentum < 0 || cfg.Momentum >= 1 {
		return nil, fmt.Errorf("momentum must be in [0, 1), got %v", cfg.Momentum)
	}
	opt := &SGD{
		params:      params,
		lr:          cfg.LearningRate,
		momentum:    cfg.Momentum,
		weightDecay: cfg.WeightDecay,
	}
	if cfg.Momentum > 0 {
		opt.velocity = make([][]float32, len(params))
		for i, p := range params {
			opt.velocity[i] = make([]float32, len(p.Data))
		}
	}
	return opt, nil
}

func (o *SGD) Step() error {
	lr := float32(o.lr)
	wd := float32(o.weightDecay)
	mom := float32(o.momentum)
	for i, p := range o.params {
		grad := p.Grad()
		if grad == nil {
			continue
		}
		if len(grad.Data) != len(p.Data) {
			return fmt.Errorf("gradient size %d does not match parameter size %d", len(grad.Data), len(p.Data))
		}
		for j := range p.Data {
			g := grad.Data[j]
			if wd != 0 {
				g += wd * p.Data[j]
			}
			if o.velocity != nil {
				o.velocity[i][j] = mom*o.velocity[i][j] + g
				g = o.velocity[i][j]
			}
			p.Data[j] -= lr * g
		}
	}
	return nil
}

func (o *SGD) ZeroGrad() {
	for _, p := range o.params {
		p.ZeroGrad()
	}
}

func (o *SGD) GetLR() float64   { return o.lr }
func (o *SGD) SetLR(lr float64) { o.lr = lr }

// Adam implements the Adam optimizer with bias correction.
type Adam struct {
	params      []*tensor.Tensor
	lr          float64
	beta1       float64
	beta2       float64
	epsilon     float64
	weightDecay float64
	m           [][]float32
	v           [][]float32
	step        int
}

// AdamConfig configures an Adam optimizer. Zero values for Beta1, Beta2 and
// Epsilon select the usual defaults 0.9, 0.999 and 1e-8.
type AdamConfig struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	WeightDecay  float64
}

func NewAdam(params []*tensor.Tensor, cfg AdamConfig) (*Adam, error) {
	if cfg.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %v", cfg.LearningRate)
	}
	if cfg.Beta1 == 0 {
		cfg.Beta1 = 0.9
	}
	if cfg.Beta2 == 0 {
		cfg.Beta2 = 0.999
	}
	if cfg.Epsilon == 0 {
		cfg.Epsilon = 1e-8
	}
	opt := &Adam{
		params:      params,
		lr:          cfg.LearningRate,
		beta1:       cfg.Beta1,
		beta2:       cfg.Beta2,
		epsilon:     cfg.Epsilon,
		weightDecay: cfg.WeightDecay,
		m:           make([][]float32, len(params)),
		v:           make([][]float32, len(params)),
	}
	for i, p := range params {
		opt.m[i] = make([]float32, len(p.Data))
		opt.v[i] = make([]float32, len(p.Data))
	}
	return opt, nil
}

func (o *Adam) Step() error {
	o.step++
	b1c := 1 - math.Pow(o.beta1, float64(o.step))
	b2c := 1 - math.Pow(o.beta2, float64(o.step))
	for i, p := range o.params {
		grad := p.Grad()
		if grad == nil {
			continue
		}
		if len(grad.Data) != len(p.Data) {
			return fmt.Errorf("gradient size %d does not match parameter size %d", len(grad.Data), len(p.Data))
		}
		for j := range p.Data {
			g := float64(grad.Data[j])
			if o.weightDecay != 0 {
				g += o.weightDecay * float64(p.Data[j])
			}
			mj := o.beta1*float64(o.m[i][j]) + (1-o.beta1)*g
			vj := o.beta2*float64(o.v[i][j]) + (1-o.beta2)*g*g
			o.m[i][j] = float32(mj)
			o.v[i][j] = float32(vj)
			update := o.lr * (mj / b1c) / (math.Sqrt(vj/b2c) + o.epsilon)
			p.Data[j] -= float32(update)
		}
	}
	return nil
}

func (o *Adam) ZeroGrad() {
	for _, p := range o.params {
		p.ZeroGrad()
	}
}

func (o *Adam) GetLR() float64   { return o.lr }
func (o *Adam) SetLR(lr float64) { o.lr = lr }
