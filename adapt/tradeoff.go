package adapt

import (
	"fmt"
	"math"
	"strconv"
)

// TradeoffSchedule yields the scalar weighting the domain loss against the
// classification loss at a given epoch.
type TradeoffSchedule interface {
	Value(epoch, maxEpoch int) float64
}

// ConstantTradeoff returns the same value at every epoch.
type ConstantTradeoff float64

func (c ConstantTradeoff) Value(epoch, maxEpoch int) float64 { return float64(c) }

// ExpTradeoff ramps from 0 toward 1 over the run:
// 2/(1+exp(-10*epoch/maxEpoch)) - 1.
type ExpTradeoff struct{}

func (ExpTradeoff) Value(epoch, maxEpoch int) float64 {
	if maxEpoch <= 0 {
		return 0
	}
	progress := float64(epoch) / float64(maxEpoch)
	return 2.0/(1.0+math.Exp(-10.0*progress)) - 1.0
}

// ParseTradeoff builds a schedule from a specification token: a numeric
// literal for a constant weight, or "exp" for the ramped schedule.
func ParseTradeoff(spec string) (TradeoffSchedule, error) {
	if spec == "exp" {
		return ExpTradeoff{}, nil
	}
	v, err := strconv.ParseFloat(spec, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid tradeoff %q (want a number or \"exp\")", spec)
	}
	if v < 0 {
		return nil, fmt.Errorf("tradeoff must be non-negative, got %v", v)
	}
	return ConstantTradeoff(v), nil
}
