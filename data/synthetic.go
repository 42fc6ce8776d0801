package data

import (
	"fmt"
	"math"
	"math/rand"
)

// FaultClass labels the synthetic bearing conditions.
type FaultClass int

const (
	Healthy FaultClass = iota
	InnerRace
	OuterRace
	Ball
	NumFaultClasses
)

func (f FaultClass) String() string {
	switch f {
	case Healthy:
		return "healthy"
	case InnerRace:
		return "inner_race"
	case OuterRace:
		return "outer_race"
	case Ball:
		return "ball"
	default:
		return fmt.Sprintf("fault(%d)", int(f))
	}
}

// SyntheticConfig shapes generated bearing vibration signals. A "domain"
// differs by base shaft frequency and noise level, mimicking different
// operating conditions.
type SyntheticConfig struct {
	SampleRate float64
	// ShaftFreq is the rotation frequency in Hz.
	ShaftFreq float64
	// NoiseStd is the additive Gaussian noise level.
	NoiseStd float64
	// Imbalanced drops most examples of the fault classes, leaving the
	// healthy class dominant.
	Imbalanced bool
}

// GenerateRecordings produces one labeled recording per fault class per
// repetition. Fault signatures are periodic impulse trains at
// class-specific multiples of the shaft frequency over a sinusoidal base.
func GenerateRecordings(numPerClass, length int, cfg SyntheticConfig, rng *rand.Rand) ([][]float32, []int, error) {
	if numPerClass <= 0 || length <= 0 {
		return nil, nil, fmt.Errorf("invalid generation parameters n=%d length=%d", numPerClass, length)
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 12000
	}
	if cfg.ShaftFreq == 0 {
		cfg.ShaftFreq = 30
	}
	if cfg.NoiseStd == 0 {
		cfg.NoiseStd = 0.1
	}

	var recordings [][]float32
	var labels []int
	for class := Healthy; class < NumFaultClasses; class++ {
		n := numPerClass
		if cfg.Imbalanced && class != Healthy {
			n = (numPerClass + 3) / 4
		}
		for i := 0; i < n; i++ {
			recordings = append(recordings, generateSignal(class, length, cfg, rng))
			labels = append(labels, int(class))
		}
	}
	return recordings, labels, nil
}

// Characteristic fault frequencies as multiples of shaft speed, roughly
// following ball-bearing defect frequency ratios.
var faultFreqRatio = map[FaultClass]float64{
	InnerRace: 5.4,
	OuterRace: 3.6,
	Ball:      4.7,
}

func generateSignal(class FaultClass, length int, cfg SyntheticConfig, rng *rand.Rand) []float32 {
	signal := make([]float32, length)
	dt := 1 / cfg.SampleRate
	phase := rng.Float64() * 2 * math.Pi

	for i := range signal {
		t := float64(i) * dt
		v := math.Sin(2*math.Pi*cfg.ShaftFreq*t + phase)
		v += cfg.NoiseStd * rng.NormFloat64()
		signal[i] = float32(v)
	}

	if ratio, faulty := faultFreqRatio[class]; faulty {
		impulsePeriod := cfg.SampleRate / (ratio * cfg.ShaftFreq)
		resonance := 0.02 * cfg.SampleRate
		offset := rng.Float64() * impulsePeriod
		for p := offset; p < float64(length); p += impulsePeriod {
			start := int(p)
			for i := start; i < length && float64(i-start) < resonance; i++ {
				decay := math.Exp(-float64(i-start) / (resonance / 4))
				ring := math.Sin(2 * math.Pi * 0.3 * float64(i-start))
				signal[i] += float32(2 * decay * ring)
			}
		}
	}
	return signal
}

// SyntheticDomain builds a windowed dataset for one operating condition.
func SyntheticDomain(numPerClass, recordingLen int, sig SignalConfig, syn SyntheticConfig, rng *rand.Rand) (*SignalDataset, error) {
	recordings, labels, err := GenerateRecordings(numPerClass, recordingLen, syn, rng)
	if err != nil {
		return nil, err
	}
	return NewSignalDataset(recordings, labels, sig)
}
