// Package checkpoints serializes model parameters and training state to
// JSON files and restores them.
package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/faultline/faultline/tensor"
)

// Checkpoint is a complete snapshot of a model's weights plus the training
// progress needed to interpret them.
type Checkpoint struct {
	Model   string         `json:"model"`
	Weights []WeightTensor `json:"weights"`

	TrainingState TrainingState `json:"training_state"`

	Metadata CheckpointMetadata `json:"metadata"`
}

// WeightTensor is one parameter tensor with its data.
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

// TrainingState captures the trainer's progress at save time.
type TrainingState struct {
	Epoch        int     `json:"epoch"`
	BestAccuracy float64 `json:"best_accuracy"`
	BestEpoch    int     `json:"best_epoch"`
	LearningRate float64 `json:"learning_rate"`
}

// CheckpointMetadata describes where a checkpoint came from.
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
}

// FromParameters builds a checkpoint from a model's parameter tensors. The
// tensors are deep-copied so later training steps do not mutate the
// snapshot.
func FromParameters(model string, params []*tensor.Tensor, state TrainingState) *Checkpoint {
	cp := &Checkpoint{
		Model:         model,
		TrainingState: state,
		Metadata: CheckpointMetadata{
			Version:   "1.0",
			CreatedAt: time.Now(),
		},
	}
	for i, p := range params {
		shape := make([]int, len(p.Shape))
		copy(shape, p.Shape)
		data := make([]float32, len(p.Data))
		copy(data, p.Data)
		cp.Weights = append(cp.Weights, WeightTensor{
			Name:  fmt.Sprintf("param_%d", i),
			Shape: shape,
			Data:  data,
		})
	}
	return cp
}

// Restore copies a checkpoint's weights back into a model's parameter
// tensors. Parameters must appear in the same order they were saved in.
func (cp *Checkpoint) Restore(params []*tensor.Tensor) error {
	if len(params) != len(cp.Weights) {
		return fmt.Errorf("checkpoint holds %d tensors, model has %d parameters", len(cp.Weights), len(params))
	}
	for i, w := range cp.Weights {
		p := params[i]
		if len(w.Shape) != len(p.Shape) {
			return fmt.Errorf("parameter %d: checkpoint shape %v, model shape %v", i, w.Shape, p.Shape)
		}
		for j := range w.Shape {
			if w.Shape[j] != p.Shape[j] {
				return fmt.Errorf("parameter %d: checkpoint shape %v, model shape %v", i, w.Shape, p.Shape)
			}
		}
		if len(w.Data) != len(p.Data) {
			return fmt.Errorf("parameter %d: checkpoint has %d values, model expects %d", i, len(w.Data), len(p.Data))
		}
		copy(p.Data, w.Data)
	}
	return nil
}

// Save writes the checkpoint to path as JSON.
func (cp *Checkpoint) Save(path string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %v", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(cp); err != nil {
		return fmt.Errorf("failed to encode checkpoint: %v", err)
	}
	return nil
}

// Load reads a checkpoint from path.
func Load(path string) (*Checkpoint, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %v", err)
	}
	defer file.Close()

	var cp Checkpoint
	if err := json.NewDecoder(file).Decode(&cp); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %v", err)
	}
	if cp.Model == "" {
		return nil, fmt.Errorf("checkpoint missing model name")
	}
	return &cp, nil
}
