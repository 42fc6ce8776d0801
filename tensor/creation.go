package tensor

import (
	"fmt"
	"math/rand"
)

// NewTensor creates a tensor from a shape and row-major data slice. The
// tensor takes ownership of the slice.
func NewTensor(shape []int, data []float32) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	if len(data) != numElements(shape) {
		return nil, fmt.Errorf("data length %d does not match tensor size %d", len(data), numElements(shape))
	}
	return &Tensor{Shape: append([]int(nil), shape...), Data: data}, nil
}

// Zeros creates a zero-filled tensor.
func Zeros(shape []int) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	return &Tensor{Shape: append([]int(nil), shape...), Data: make([]float32, numElements(shape))}, nil
}

// Ones creates a tensor filled with ones.
func Ones(shape []int) (*Tensor, error) {
	return Full(shape, 1)
}

// Full creates a tensor filled with value.
func Full(shape []int, value float32) (*Tensor, error) {
	t, err := Zeros(shape)
	if err != nil {
		return nil, err
	}
	for i := range t.Data {
		t.Data[i] = value
	}
	return t, nil
}

// Randn creates a tensor with entries drawn from N(0, std^2) using the
// supplied source, so construction is reproducible under a fixed seed.
func Randn(shape []int, std float64, rng *rand.Rand) (*Tensor, error) {
	t, err := Zeros(shape)
	if err != nil {
		return nil, err
	}
	for i := range t.Data {
		t.Data[i] = float32(rng.NormFloat64() * std)
	}
	return t, nil
}

// FromScalar creates a single-element tensor.
func FromScalar(value float32) *Tensor {
	return &Tensor{Shape: []int{1}, Data: []float32{value}}
}
