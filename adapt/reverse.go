// Package adapt implements unsupervised domain adaptation for fault
// diagnosis: gradient reversal, conditional feature maps, adversarial
// domain losses and the epoch trainer that drives them.
package adapt

import (
	"fmt"
	"math"

	"github.com/faultline/faultline/tensor"
)

// GradientReverser passes activations through unchanged and scales the
// backward gradient by a negative coefficient, turning gradient descent on
// the discriminator into gradient ascent on the feature extractor.
type GradientReverser struct {
	coeff float64
}

// NewGradientReverser creates a reverser with a fixed coefficient.
func NewGradientReverser(coeff float64) *GradientReverser {
	return &GradientReverser{coeff: coeff}
}

// Apply is the identity on the forward pass. The gradient reaching x is
// -coeff times the gradient leaving the result.
func (g *GradientReverser) Apply(x *tensor.Tensor) *tensor.Tensor {
	return tensor.ReverseGradAutograd(x, g.coeff)
}

// Coeff returns the coefficient the next Apply will use.
func (g *GradientReverser) Coeff() float64 { return g.coeff }

// WarmStartGradientReverser ramps the reversal coefficient from Lo to Hi as
// its step counter advances, keeping early discriminator gradients from
// overwhelming an untrained feature extractor.
type WarmStartGradientReverser struct {
	Alpha    float64
	Lo       float64
	Hi       float64
	MaxIters int
	// AutoStep advances the counter on every Apply call. When false the
	// caller drives the counter through Step.
	AutoStep bool

	step int
}

// WarmStartConfig configures a WarmStartGradientReverser. Zero values for
// Alpha, Hi and MaxIters select 1.0, 1.0 and 1000.
type WarmStartConfig struct {
	Alpha    float64
	Lo       float64
	Hi       float64
	MaxIters int
	AutoStep bool
}

func NewWarmStartGradientReverser(cfg WarmStartConfig) (*WarmStartGradientReverser, error) {
	if cfg.Alpha == 0 {
		cfg.Alpha = 1.0
	}
	if cfg.Hi == 0 {
		cfg.Hi = 1.0
	}
	if cfg.MaxIters == 0 {
		cfg.MaxIters = 1000
	}
	if cfg.Lo >= cfg.Hi {
		return nil, fmt.Errorf("lo %v must be below hi %v", cfg.Lo, cfg.Hi)
	}
	if cfg.MaxIters < 0 {
		return nil, fmt.Errorf("max iterations must be positive, got %d", cfg.MaxIters)
	}
	return &WarmStartGradientReverser{
		Alpha:    cfg.Alpha,
		Lo:       cfg.Lo,
		Hi:       cfg.Hi,
		MaxIters: cfg.MaxIters,
		AutoStep: cfg.AutoStep,
	}, nil
}

// Coeff returns the current coefficient without advancing the counter.
func (w *WarmStartGradientReverser) Coeff() float64 {
	progress := float64(w.step) / float64(w.MaxIters)
	coeff := w.Lo + (w.Hi-w.Lo)*(2.0/(1.0+math.Exp(-w.Alpha*progress))-1.0)
	if coeff < w.Lo {
		coeff = w.Lo
	}
	if coeff > w.Hi {
		coeff = w.Hi
	}
	return coeff
}

// Apply reverses the gradient with the current coefficient, advancing the
// counter afterwards when AutoStep is set.
func (w *WarmStartGradientReverser) Apply(x *tensor.Tensor) *tensor.Tensor {
	out := tensor.ReverseGradAutograd(x, w.Coeff())
	if w.AutoStep {
		w.step++
	}
	return out
}

// Step advances the counter by one.
func (w *WarmStartGradientReverser) Step() { w.step++ }

// StepCount returns the number of steps taken so far.
func (w *WarmStartGradientReverser) StepCount() int { return w.step }
