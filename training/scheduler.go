package training

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// LRScheduler maps an epoch index to a learning rate derived from the base
// rate. Schedulers are stateless; the trainer queries them at the start of
// every epoch.
type LRScheduler interface {
	GetLR(epoch int, baseLR float64) float64
	GetName() string
}

// StepLR decays the learning rate by gamma every stepSize epochs.
type StepLR struct {
	stepSize int
	gamma    float64
}

func NewStepLR(stepSize int, gamma float64) (*StepLR, error) {
	if stepSize <= 0 {
		return nil, fmt.Errorf("step size must be positive, got %d", stepSize)
	}
	if gamma <= 0 || gamma > 1 {
		return nil, fmt.Errorf("gamma must be in (0, 1], got %v", gamma)
	}
	return &StepLR{stepSize: stepSize, gamma: gamma}, nil
}

func (s *StepLR) GetLR(epoch int, baseLR float64) float64 {
	return baseLR * math.Pow(s.gamma, float64(epoch/s.stepSize))
}

func (s *StepLR) GetName() string { return "stepLR" }

// MultiStepLR decays the learning rate by gamma at each listed milestone
// epoch.
type MultiStepLR struct {
	milestones []int
	gamma      float64
}

func NewMultiStepLR(milestones []int, gamma float64) (*MultiStepLR, error) {
	if len(milestones) == 0 {
		return nil, fmt.Errorf("at least one milestone is required")
	}
	if gamma <= 0 || gamma > 1 {
		return nil, fmt.Errorf("gamma must be in (0, 1], got %v", gamma)
	}
	ms := make([]int, len(milestones))
	copy(ms, milestones)
	sort.Ints(ms)
	return &MultiStepLR{milestones: ms, gamma: gamma}, nil
}

func (s *MultiStepLR) GetLR(epoch int, baseLR float64) float64 {
	lr := baseLR
	for _, m := range s.milestones {
		if epoch >= m {
			lr *= s.gamma
		}
	}
	return lr
}

func (s *MultiStepLR) GetName() string { return "step" }

// ExponentialLR decays the learning rate by gamma every epoch.
type ExponentialLR struct {
	gamma float64
}

func NewExponentialLR(gamma float64) (*ExponentialLR, error) {
	if gamma <= 0 || gamma > 1 {
		return nil, fmt.Errorf("gamma must be in (0, 1], got %v", gamma)
	}
	return &ExponentialLR{gamma: gamma}, nil
}

func (s *ExponentialLR) GetLR(epoch int, baseLR float64) float64 {
	return baseLR * math.Pow(s.gamma, float64(epoch))
}

func (s *ExponentialLR) GetName() string { return "exp" }

// FixedLR keeps the learning rate constant.
type FixedLR struct{}

func NewFixedLR() *FixedLR { return &FixedLR{} }

func (s *FixedLR) GetLR(epoch int, baseLR float64) float64 { return baseLR }
func (s *FixedLR) GetName() string                         { return "fix" }

// NewSchedulerFromSpec parses a scheduler description of the form
// "step:10,20:0.1", "exp:0.95", "stepLR:30:0.1" or "fix".
func NewSchedulerFromSpec(spec string) (LRScheduler, error) {
	parts := strings.Split(spec, ":")
	switch parts[0] {
	case "fix", "":
		return NewFixedLR(), nil
	case "exp":
		if len(parts) != 2 {
			return nil, fmt.Errorf("exp scheduler expects \"exp:gamma\", got %q", spec)
		}
		gamma, err := strconv.ParseFloat(parts[1], 64)
		if err != nil {
			return nil, fmt.Errorf("invalid gamma in %q: %v", spec, err)
		}
		return NewExponentialLR(gamma)
	case "stepLR":
		if len(parts) != 3 {
			return nil, fmt.Errorf("stepLR scheduler expects \"stepLR:size:gamma\", got %q", spec)
		}
		size, err := strconv.Atoi(parts[1])
		if err != nil {
			return nil, fmt.Errorf("invalid step size in %q: %v", spec, err)
		}
		gamma, err := strconv.ParseFloat(parts[2], 64)
		if err != nil {
			return nil, fmt.Errorf("invalid gamma in %q: %v", spec, err)
		}
		return NewStepLR(size, gamma)
	case "step":
		if len(parts) != 3 {
			return nil, fmt.Errorf("step scheduler expects \"step:m1,m2,...:gamma\", got %q", spec)
		}
		var milestones []int
		for _, s := range strings.Split(parts[1], ",") {
			m, err := strconv.Atoi(strings.TrimSpace(s))
			if err != nil {
				return nil, fmt.Errorf("invalid milestone %q in %q: %v", s, spec, err)
			}
			milestones = append(milestones, m)
		}
		gamma, err := strconv.ParseFloat(parts[2], 64)
		if err != nil {
			return nil, fmt.Errorf("invalid gamma in %q: %v", spec, err)
		}
		return NewMultiStepLR(milestones, gamma)
	default:
		return nil, fmt.Errorf("unknown scheduler %q (want step, exp, stepLR or fix)", parts[0])
	}
}
