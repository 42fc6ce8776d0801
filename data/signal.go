// Package data prepares vibration signals for training: sliding-window
// segmentation, per-window normalization and synthetic bearing-fault
// signal generation for tests and demos.
package data

import (
	"fmt"
	"math"
)

// NormalizeType selects the per-window normalization applied to signals.
type NormalizeType string

const (
	// NormalizeNone leaves windows unchanged.
	NormalizeNone NormalizeType = "none"
	// NormalizeZeroOne rescales each window to [0, 1].
	NormalizeZeroOne NormalizeType = "0-1"
	// NormalizeSymmetric rescales each window to [-1, 1].
	NormalizeSymmetric NormalizeType = "-1-1"
	// NormalizeMeanStd standardizes each window to zero mean, unit
	// variance.
	NormalizeMeanStd NormalizeType = "mean-std"
)

// ParseNormalizeType validates a normalization token.
func ParseNormalizeType(s string) (NormalizeType, error) {
	switch NormalizeType(s) {
	case NormalizeNone, NormalizeZeroOne, NormalizeSymmetric, NormalizeMeanStd:
		return NormalizeType(s), nil
	case "":
		return NormalizeNone, nil
	default:
		return "", fmt.Errorf("unknown normalization %q (want 0-1, -1-1, mean-std or none)", s)
	}
}

// Normalize rescales a window in place according to the selected type.
func Normalize(window []float32, nt NormalizeType) {
	if len(window) == 0 || nt == NormalizeNone {
		return
	}
	switch nt {
	case NormalizeZeroOne, NormalizeSymmetric:
		min, max := window[0], window[0]
		for _, v := range window {
			if v < min {
				min = v
			}
			if v > max {
				max = v
			}
		}
		span := max - min
		if span == 0 {
			for i := range window {
				window[i] = 0
			}
			return
		}
		for i := range window {
			w := (window[i] - min) / span
			if nt == NormalizeSymmetric {
				w = w*2 - 1
			}
			window[i] = w
		}
	case NormalizeMeanStd:
		var mean float64
		for _, v := range window {
			mean += float64(v)
		}
		mean /= float64(len(window))
		var variance float64
		for _, v := range window {
			d := float64(v) - mean
			variance += d * d
		}
		variance /= float64(len(window))
		std := math.Sqrt(variance)
		if std == 0 {
			for i := range window {
				window[i] = 0
			}
			return
		}
		for i := range window {
			window[i] = float32((float64(window[i]) - mean) / std)
		}
	}
}

// SignalDataset serves fixed-length windows cut from labeled recordings
// with a sliding stride. Windows are normalized once at construction.
type SignalDataset struct {
	windows [][]float32
	labels  []int
	length  int
}

// SignalConfig controls windowing. Stride defaults to WindowLength
// (non-overlapping windows) when zero.
type SignalConfig struct {
	WindowLength int
	Stride       int
	Normalize    NormalizeType
}

// NewSignalDataset cuts each recording into windows. Recordings shorter
// than the window length contribute nothing.
func NewSignalDataset(recordings [][]float32, labels []int, cfg SignalConfig) (*SignalDataset, error) {
	if len(recordings) != len(labels) {
		return nil, fmt.Errorf("%d recordings but %d labels", len(recordings), len(labels))
	}
	if cfg.WindowLength <= 0 {
		return nil, fmt.Errorf("window length must be positive, got %d", cfg.WindowLength)
	}
	if cfg.Stride == 0 {
		cfg.Stride = cfg.WindowLength
	}
	if cfg.Stride < 0 {
		return nil, fmt.Errorf("stride must be positive, got %d", cfg.Stride)
	}

	ds := &SignalDataset{length: cfg.WindowLength}
	for r, rec := range recordings {
		for start := 0; start+cfg.WindowLength <= len(rec); start += cfg.Stride {
			window := make([]float32, cfg.WindowLength)
			copy(window, rec[start:start+cfg.WindowLength])
			Normalize(window, cfg.Normalize)
			ds.windows = append(ds.windows, window)
			ds.labels = append(ds.labels, labels[r])
		}
	}
	if len(ds.windows) == 0 {
		return nil, fmt.Errorf("no recording is long enough for window length %d", cfg.WindowLength)
	}
	return ds, nil
}

func (ds *SignalDataset) Len() int { return len(ds.windows) }

func (ds *SignalDataset) Get(i int) ([]float32, int, error) {
	if i < 0 || i >= len(ds.windows) {
		return nil, 0, fmt.Errorf("index %d out of range [0, %d)", i, len(ds.windows))
	}
	return ds.windows[i], ds.labels[i], nil
}

// ExampleShape is [1, windowLength]: single-channel signals.
func (ds *SignalDataset) ExampleShape() []int { return []int{1, ds.length} }

// Split partitions the dataset into train and validation subsets at the
// given fraction, interleaving so both parts see every class.
func (ds *SignalDataset) Split(trainFraction float64) (*SignalDataset, *SignalDataset, error) {
	if trainFraction <= 0 || trainFraction >= 1 {
		return nil, nil, fmt.Errorf("train fraction must be in (0, 1), got %v", trainFraction)
	}
	period := int(math.Round(1 / (1 - trainFraction)))
	if period < 2 {
		period = 2
	}
	train := &SignalDataset{length: ds.length}
	val := &SignalDataset{length: ds.length}
	for i := range ds.windows {
		if (i+1)%period == 0 {
			val.windows = append(val.windows, ds.windows[i])
			val.labels = append(val.labels, ds.labels[i])
		} else {
			train.windows = append(train.windows, ds.windows[i])
			train.labels = append(train.labels, ds.labels[i])
		}
	}
	if len(train.windows) == 0 || len(val.windows) == 0 {
		return nil, nil, fmt.Errorf("split produced an empty subset from %d windows", len(ds.windows))
	}
	return train, val, nil
}
