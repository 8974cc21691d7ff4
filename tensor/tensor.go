package tensor

import (
	"fmt"
)

// Tensor is a CPU tensor backed by a flat float32 slice.
// Layout for image batches is NCHW.
type Tensor struct {
	Shape []int
	Data  []float32
}

// New creates a zero-filled tensor with the given shape
func New(shape ...int) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	return &Tensor{
		Shape: append([]int(nil), shape...),
		Data:  make([]float32, numElements(shape)),
	}, nil
}

// FromSlice creates a tensor wrapping the given data
func FromSlice(data []float32, shape ...int) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	if len(data) != numElements(shape) {
		return nil, fmt.Errorf("data length %d does not match shape %v (%d elements)",
			len(data), shape, numElements(shape))
	}
	return &Tensor{
		Shape: append([]int(nil), shape...),
		Data:  data,
	}, nil
}

// NumElements returns the total element count
func (t *Tensor) NumElements() int {
	return numElements(t.Shape)
}

// Dim returns the size of the i-th dimension
func (t *Tensor) Dim(i int) int {
	if i < 0 || i >= len(t.Shape) {
		return 0
	}
	return t.Shape[i]
}

// Clone returns a deep copy of the tensor
func (t *Tensor) Clone() *Tensor {
	data := make([]float32, len(t.Data))
	copy(data, t.Data)
	return &Tensor{
		Shape: append([]int(nil), t.Shape...),
		Data:  data,
	}
}

// Zero sets all elements to zero
func (t *Tensor) Zero() {
	for i := range t.Data {
		t.Data[i] = 0
	}
}

// SetData copies data into the tensor in-place
func (t *Tensor) SetData(data []float32) error {
	if len(data) != len(t.Data) {
		return fmt.Errorf("data length mismatch: tensor has %d elements, got %d", len(t.Data), len(data))
	}
	copy(t.Data, data)
	return nil
}

// SameShape reports whether two tensors have identical shapes
func SameShape(a, b *Tensor) bool {
	if len(a.Shape) != len(b.Shape) {
		return false
	}
	for i := range a.Shape {
		if a.Shape[i] != b.Shape[i] {
			return false
		}
	}
	return true
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v)", t.Shape)
}

func numElements(shape []int) int {
	n := 1
	for _, dim := range shape {
		n *= dim
	}
	return n
}

func validateShape(shape []int) error {
	if len(shape) == 0 {
		return fmt.Errorf("shape cannot be empty")
	}
	for i, dim := range shape {
		if dim <= 0 {
			return fmt.Errorf("invalid dimension %d at index %d", dim, i)
		}
	}
	return nil
}
