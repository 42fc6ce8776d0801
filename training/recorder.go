package training

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"sync"

	"go.dedis.ch/onet/v3/log"
)

// Recorder receives scalar metric values as training progresses.
type Recorder interface {
	Record(name string, value float64, step int)
	Close() error
}

// LogRecorder writes metrics to the process log.
type LogRecorder struct{}

func NewLogRecorder() *LogRecorder { return &LogRecorder{} }

func (r *LogRecorder) Record(name string, value float64, step int) {
	log.Lvlf2("step %d: %s = %.6f", step, name, value)
}

func (r *LogRecorder) Close() error { return nil }

// CSVRecorder appends metrics to a CSV file with columns step,name,value.
type CSVRecorder struct {
	mu     sync.Mutex
	file   *os.File
	writer *csv.Writer
}

func NewCSVRecorder(path string) (*CSVRecorder, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics file: %v", err)
	}
	w := csv.NewWriter(f)
	if err := w.Write([]string{"step", "name", "value"}); err != nil {
		f.Close()
		return nil, err
	}
	return &CSVRecorder{file: f, writer: w}, nil
}

func (r *CSVRecorder) Record(name string, value float64, step int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writer.Write([]string{
		strconv.Itoa(step),
		name,
		strconv.FormatFloat(value, 'g', -1, 64),
	})
}

func (r *CSVRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writer.Flush()
	if err := r.writer.Error(); err != nil {
		r.file.Close()
		return err
	}
	return r.file.Close()
}

// NopRecorder discards all metrics.
type NopRecorder struct{}

func (NopRecorder) Record(name string, value float64, step int) {}
func (NopRecorder) Close() error                                { return nil }
