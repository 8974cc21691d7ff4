// Package checkpoints persists model weights and training progress as JSON.
// Three artifact names matter to the rest of the system: best.json is the
// global best across all runs, best-current-session.json is the best of the
// run in progress, and epoch%03d.json files record per-epoch snapshots.
package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"wms/network"
	"wms/tensor"
)

const (
	// GlobalBestName is the promoted cross-run best checkpoint.
	GlobalBestName = "best.json"
	// SessionBestName is the best checkpoint of the current run.
	SessionBestName = "best-current-session.json"
)

// EpochName returns the per-epoch snapshot filename.
func EpochName(epoch int) string {
	return fmt.Sprintf("epoch%03d.json", epoch)
}

// Checkpoint is a complete serialized model state with training metadata.
type Checkpoint struct {
	Weights       []WeightTensor     `json:"weights"`
	TrainingState TrainingState      `json:"training_state"`
	Metadata      CheckpointMetadata `json:"metadata"`
}

// WeightTensor is one named parameter tensor.
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

// TrainingState captures the progress at save time.
type TrainingState struct {
	Epoch        int     `json:"epoch"`
	LearningRate float64 `json:"learning_rate"`
	ValLoss      float64 `json:"val_loss"`
	ValDice      float64 `json:"val_dice"`
	ValIoU       float64 `json:"val_iou"`
}

// CheckpointMetadata describes provenance.
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
}

// FromNetwork snapshots the network's parameters into a checkpoint.
func FromNetwork(net network.Network, state TrainingState, description string) *Checkpoint {
	params := net.Parameters()
	weights := make([]WeightTensor, 0, len(params))
	for _, p := range params {
		data := make([]float32, len(p.Value.Data))
		copy(data, p.Value.Data)
		shape := make([]int, len(p.Value.Shape))
		copy(shape, p.Value.Shape)
		weights = append(weights, WeightTensor{Name: p.Name, Shape: shape, Data: data})
	}
	return &Checkpoint{
		Weights:       weights,
		TrainingState: state,
		Metadata: CheckpointMetadata{
			Version:     "1.0",
			CreatedAt:   time.Now().UTC(),
			Description: description,
		},
	}
}

// Restore loads the checkpoint's weights into the network. Every network
// parameter must be present in the checkpoint with a matching shape.
func (c *Checkpoint) Restore(net network.Network) error {
	byName := make(map[string]*WeightTensor, len(c.Weights))
	for i := range c.Weights {
		byName[c.Weights[i].Name] = &c.Weights[i]
	}

	for _, p := range net.Parameters() {
		w, ok := byName[p.Name]
		if !ok {
			return fmt.Errorf("checkpoint is missing parameter %q", p.Name)
		}
		if len(w.Data) != len(p.Value.Data) {
			return fmt.Errorf("parameter %q: checkpoint has %d values, network expects %d",
				p.Name, len(w.Data), len(p.Value.Data))
		}
		if !sameShape(w.Shape, p.Value.Shape) {
			return fmt.Errorf("parameter %q: checkpoint shape %v, network shape %v",
				p.Name, w.Shape, p.Value.Shape)
		}
		copy(p.Value.Data, w.Data)
	}
	return nil
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Save writes the checkpoint to path, creating parent directories as needed.
// The write goes through a temp file and rename so a crash never leaves a
// truncated checkpoint behind.
func (c *Checkpoint) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating checkpoint directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("serializing checkpoint: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing checkpoint: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("finalizing checkpoint: %w", err)
	}
	return nil
}

// Load reads a checkpoint from path.
func Load(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading checkpoint: %w", err)
	}
	var c Checkpoint
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parsing checkpoint %s: %w", path, err)
	}
	return &c, nil
}

// Exists reports whether a checkpoint file is present at path.
func Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// WeightByName returns the named weight tensor, or nil.
func (c *Checkpoint) WeightByName(name string) *WeightTensor {
	for i := range c.Weights {
		if c.Weights[i].Name == name {
			return &c.Weights[i]
		}
	}
	return nil
}

// Tensor converts the weight into a tensor value.
func (w *WeightTensor) Tensor() (*tensor.Tensor, error) {
	return tensor.FromSlice(w.Data, w.Shape...)
}
