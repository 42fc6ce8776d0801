package training

import (
	"fmt"
	"math/rand"

	"github.com/faultline/faultline/tensor"
)

// Dataset provides indexed access to examples. Get returns the example's
// flattened values and its class label.
type Dataset interface {
	Len() int
	// Get returns the values of example i and its label. The returned slice
	// must not be mutated by callers.
	Get(i int) ([]float32, int, error)
	// ExampleShape is the shape of a single example, without the batch
	// dimension.
	ExampleShape() []int
}

// Batch is one minibatch of stacked examples.
type Batch struct {
	Data   *tensor.Tensor
	Labels []int
}

// DataLoader iterates a Dataset in minibatches, optionally shuffling the
// order each pass.
type DataLoader struct {
	dataset   Dataset
	batchSize int
	shuffle   bool
	dropLast  bool
	rng       *rand.Rand
	order     []int
	cursor    int
}

// DataLoaderConfig configures a DataLoader.
type DataLoaderConfig struct {
	BatchSize int
	Shuffle   bool
	// DropLast discards a trailing batch smaller than BatchSize.
	DropLast bool
	Seed     int64
}

func NewDataLoader(dataset Dataset, cfg DataLoaderConfig) (*DataLoader, error) {
	if dataset == nil || dataset.Len() == 0 {
		return nil, fmt.Errorf("dataset is empty")
	}
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", cfg.BatchSize)
	}
	dl := &DataLoader{
		dataset:   dataset,
		batchSize: cfg.BatchSize,
		shuffle:   cfg.Shuffle,
		dropLast:  cfg.DropLast,
		rng:       rand.New(rand.NewSource(cfg.Seed)),
		order:     make([]int, dataset.Len()),
	}
	for i := range dl.order {
		dl.order[i] = i
	}
	dl.Reset()
	return dl, nil
}

// Reset rewinds the loader to the start of a fresh pass, reshuffling if
// configured.
func (dl *DataLoader) Reset() {
	dl.cursor = 0
	if dl.shuffle {
		dl.rng.Shuffle(len(dl.order), func(i, j int) {
			dl.order[i], dl.order[j] = dl.order[j], dl.order[i]
		})
	}
}

// NumBatches is the number of batches one full pass yields.
func (dl *DataLoader) NumBatches() int {
	n := dl.dataset.Len() / dl.batchSize
	if !dl.dropLast && dl.dataset.Len()%dl.batchSize != 0 {
		n++
	}
	return n
}

// BatchSize returns the configured batch size.
func (dl *DataLoader) BatchSize() int { return dl.batchSize }

// Next returns the next batch, or ok=false at the end of the pass.
func (dl *DataLoader) Next() (Batch, bool, error) {
	remaining := len(dl.order) - dl.cursor
	if remaining == 0 || (dl.dropLast && remaining < dl.batchSize) {
		return Batch{}, false, nil
	}
	size := dl.batchSize
	if remaining < size {
		size = remaining
	}

	exShape := dl.dataset.ExampleShape()
	exElems := 1
	for _, d := range exShape {
		exElems *= d
	}
	data := make([]float32, size*exElems)
	labels := make([]int, size)
	for i := 0; i < size; i++ {
		values, label, err := dl.dataset.Get(dl.order[dl.cursor+i])
		if err != nil {
			return Batch{}, false, fmt.Errorf("failed to read example %d: %v", dl.order[dl.cursor+i], err)
		}
		if len(values) != exElems {
			return Batch{}, false, fmt.Errorf("example %d has %d values, expected %d", dl.order[dl.cursor+i], len(values), exElems)
		}
		copy(data[i*exElems:(i+1)*exElems], values)
		labels[i] = label
	}
	dl.cursor += size

	shape := append([]int{size}, exShape...)
	t, err := tensor.NewTensor(shape, data)
	if err != nil {
		return Batch{}, false, err
	}
	return Batch{Data: t, Labels: labels}, true, nil
}

// CyclingLoader wraps a DataLoader so that exhausting a pass transparently
// starts the next one. Source and target streams of different lengths can
// then be drawn from in lockstep.
type CyclingLoader struct {
	loader *DataLoader
}

func NewCyclingLoader(loader *DataLoader) *CyclingLoader {
	return &CyclingLoader{loader: loader}
}

// Next always returns a batch, rewinding the underlying loader when a pass
// ends.
func (cl *CyclingLoader) Next() (Batch, error) {
	batch, ok, err := cl.loader.Next()
	if err != nil {
		return Batch{}, err
	}
	if !ok {
		cl.loader.Reset()
		batch, ok, err = cl.loader.Next()
		if err != nil {
			return Batch{}, err
		}
		if !ok {
			return Batch{}, fmt.Errorf("loader produced no batches after reset")
		}
	}
	return batch, nil
}

// ConcatDataset presents several datasets as one, in order. All datasets
// must share the same example shape.
type ConcatDataset struct {
	datasets []Dataset
	offsets  []int
	total    int
}

func NewConcatDataset(datasets ...Dataset) (*ConcatDataset, error) {
	if len(datasets) == 0 {
		return nil, fmt.Errorf("at least one dataset is required")
	}
	base := datasets[0].ExampleShape()
	cd := &ConcatDataset{datasets: datasets}
	for i, d := range datasets {
		shape := d.ExampleShape()
		if len(shape) != len(base) {
			return nil, fmt.Errorf("dataset %d example shape %v does not match %v", i, shape, base)
		}
		for j := range shape {
			if shape[j] != base[j] {
				return nil, fmt.Errorf("dataset %d example shape %v does not match %v", i, shape, base)
			}
		}
		cd.offsets = append(cd.offsets, cd.total)
		cd.total += d.Len()
	}
	return cd, nil
}

func (cd *ConcatDataset) Len() int { return cd.total }

func (cd *ConcatDataset) Get(i int) ([]float32, int, error) {
	if i < 0 || i >= cd.total {
		return nil, 0, fmt.Errorf("index %d out of range [0, %d)", i, cd.total)
	}
	for k := len(cd.datasets) - 1; k >= 0; k-- {
		if i >= cd.offsets[k] {
			return cd.datasets[k].Get(i - cd.offsets[k])
		}
	}
	return nil, 0, fmt.Errorf("index %d not covered by any dataset", i)
}

func (cd *ConcatDataset) ExampleShape() []int { return cd.datasets[0].ExampleShape() }
