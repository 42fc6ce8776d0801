package training

import (
	"fmt"

	"github.com/montanaflynn/stats"

	"github.com/faultline/faultline/tensor"
)

// Accuracy returns the fraction of rows whose argmax matches the label.
func Accuracy(logits *tensor.Tensor, labels []int) (float64, error) {
	preds, err := tensor.ArgmaxRows(logits)
	if err != nil {
		return 0, err
	}
	if len(preds) != len(labels) {
		return 0, fmt.Errorf("prediction count %d does not match label count %d", len(preds), len(labels))
	}
	correct := 0
	for i, p := range preds {
		if p == labels[i] {
			correct++
		}
	}
	return float64(correct) / float64(len(labels)), nil
}

// RunningMetrics accumulates per-batch values weighted by batch size.
type RunningMetrics struct {
	totals map[string]float64
	counts map[string]int
}

func NewRunningMetrics() *RunningMetrics {
	return &RunningMetrics{
		totals: make(map[string]float64),
		counts: make(map[string]int),
	}
}

// Add records value for name over n examples.
func (m *RunningMetrics) Add(name string, value float64, n int) {
	m.totals[name] += value * float64(n)
	m.counts[name] += n
}

// Mean returns the weighted mean of all recorded values for name.
func (m *RunningMetrics) Mean(name string) float64 {
	if m.counts[name] == 0 {
		return 0
	}
	return m.totals[name] / float64(m.counts[name])
}

// Reset clears all accumulated values.
func (m *RunningMetrics) Reset() {
	m.totals = make(map[string]float64)
	m.counts = make(map[string]int)
}

// RunSummary aggregates a metric series across repeated runs.
type RunSummary struct {
	Mean   float64
	Stdev  float64
	Min    float64
	Max    float64
	Median float64
}

// Summarize computes summary statistics over values from repeated runs.
func Summarize(values []float64) (RunSummary, error) {
	if len(values) == 0 {
		return RunSummary{}, fmt.Errorf("no values to summarize")
	}
	d := stats.LoadRawData(values)
	mean, err := d.Mean()
	if err != nil {
		return RunSummary{}, err
	}
	min, err := d.Min()
	if err != nil {
		return RunSummary{}, err
	}
	max, err := d.Max()
	if err != nil {
		return RunSummary{}, err
	}
	median, err := d.Median()
	if err != nil {
		return RunSummary{}, err
	}
	stdev := 0.0
	if len(values) > 1 {
		stdev, err = d.StandardDeviationSample()
		if err != nil {
			return RunSummary{}, err
		}
	}
	return RunSummary{Mean: mean, Stdev: stdev, Min: min, Max: max, Median: median}, nil
}

// ConfusionMatrix counts predictions per (true, predicted) class pair.
type ConfusionMatrix struct {
	NumClasses int
	Counts     [][]int
}

func NewConfusionMatrix(numClasses int) (*ConfusionMatrix, error) {
	if numClasses <= 0 {
		return nil, fmt.Errorf("number of classes must be positive, got %d", numClasses)
	}
	counts := make([][]int, numClasses)
	for i := range counts {
		counts[i] = make([]int, numClasses)
	}
	return &ConfusionMatrix{NumClasses: numClasses, Counts: counts}, nil
}

// Update adds one batch of predictions.
func (c *ConfusionMatrix) Update(logits *tensor.Tensor, labels []int) error {
	preds, err := tensor.ArgmaxRows(logits)
	if err != nil {
		return err
	}
	if len(preds) != len(labels) {
		return fmt.Errorf("prediction count %d does not match label count %d", len(preds), len(labels))
	}
	for i, p := range preds {
		if labels[i] < 0 || labels[i] >= c.NumClasses || p >= c.NumClasses {
			return fmt.Errorf("class index out of range: label %d, prediction %d", labels[i], p)
		}
		c.Counts[labels[i]][p]++
	}
	return nil
}
