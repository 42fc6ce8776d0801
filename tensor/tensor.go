// Package tensor implements a small CPU tensor type with reverse-mode
// automatic differentiation. Operations record their inputs in a graph of
// Operation nodes; Backward walks the graph in reverse topological order and
// accumulates gradients into every tensor that requires them.
package tensor

import (
	"fmt"
	"strings"
)

// Operation is a differentiable primitive in the autograd graph. Each op
// stores the tensors it consumed during the forward pass and implements a
// custom backward rule producing one gradient per input (nil for inputs that
// carry no gradient).
type Operation interface {
	Inputs() []*Tensor
	Backward(gradOut *Tensor) []*Tensor
}

// Tensor is a dense float32 tensor in row-major order.
type Tensor struct {
	Shape []int
	Data  []float32

	requiresGrad bool
	grad         *Tensor
	creator      Operation
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, elements=%d)", t.Shape, len(t.Data))
}

// NumElems returns the total number of elements.
func (t *Tensor) NumElems() int {
	return len(t.Data)
}

// Rows returns the size of the leading dimension.
func (t *Tensor) Rows() int {
	if len(t.Shape) == 0 {
		return 0
	}
	return t.Shape[0]
}

// Cols returns the size of the trailing dimension of a 2D tensor.
func (t *Tensor) Cols() int {
	if len(t.Shape) != 2 {
		return 0
	}
	return t.Shape[1]
}

// At returns the element at row i, column j of a 2D tensor.
func (t *Tensor) At(i, j int) float32 {
	return t.Data[i*t.Shape[1]+j]
}

// SetAt assigns the element at row i, column j of a 2D tensor.
func (t *Tensor) SetAt(i, j int, v float32) {
	t.Data[i*t.Shape[1]+j] = v
}

func (t *Tensor) RequiresGrad() bool {
	return t.requiresGrad
}

func (t *Tensor) SetRequiresGrad(requires bool) {
	t.requiresGrad = requires
}

// Grad returns the accumulated gradient, or nil if none has been computed.
func (t *Tensor) Grad() *Tensor {
	return t.grad
}

// ZeroGrad clears the accumulated gradient in place.
func (t *Tensor) ZeroGrad() {
	if t.grad == nil {
		return
	}
	for i := range t.grad.Data {
		t.grad.Data[i] = 0
	}
}

// Detach returns a tensor sharing this tensor's data but disconnected from
// the autograd graph. Gradients never flow through a detached tensor.
func (t *Tensor) Detach() *Tensor {
	return &Tensor{Shape: append([]int(nil), t.Shape...), Data: t.Data}
}

// Clone returns a deep copy with no autograd history.
func (t *Tensor) Clone() *Tensor {
	data := make([]float32, len(t.Data))
	copy(data, t.Data)
	return &Tensor{Shape: append([]int(nil), t.Shape...), Data: data}
}

// Item returns the value of a single-element tensor.
func (t *Tensor) Item() (float32, error) {
	if len(t.Data) != 1 {
		return 0, fmt.Errorf("Item requires a single-element tensor, got shape %v", t.Shape)
	}
	return t.Data[0], nil
}

// tracked reports whether a tensor participates in gradient computation,
// either as a leaf that requires gradients or as the output of an operation.
func (t *Tensor) tracked() bool {
	return t.requiresGrad || t.creator != nil
}

// attach registers op as the creator of result when any input is tracked.
// Called by every autograd wrapper after the forward computation.
func attach(result *Tensor, op Operation) {
	for _, in := range op.Inputs() {
		if in != nil && in.tracked() {
			result.creator = op
			result.requiresGrad = true
			return
		}
	}
}

// Backward computes gradients of this (scalar) tensor with respect to every
// tracked tensor in its graph. Gradients accumulate: call ZeroGrad on the
// parameters between steps.
func (t *Tensor) Backward() error {
	if len(t.Data) != 1 {
		return fmt.Errorf("backward requires a scalar root, got shape %v", t.Shape)
	}
	if t.creator == nil {
		return fmt.Errorf("backward called on a tensor with no autograd history")
	}

	// Reverse topological order over creator nodes.
	var order []*Tensor
	visited := make(map[*Tensor]bool)
	var visit func(n *Tensor)
	visit = func(n *Tensor) {
		if visited[n] {
			return
		}
		visited[n] = true
		if n.creator == nil {
			return
		}
		for _, in := range n.creator.Inputs() {
			if in != nil {
				visit(in)
			}
		}
		order = append(order, n)
	}
	visit(t)

	seed, err := Ones([]int{1})
	if err != nil {
		return err
	}
	t.grad = seed

	for i := len(order) - 1; i >= 0; i-- {
		node := order[i]
		if node.grad == nil {
			continue
		}
		grads := node.creator.Backward(node.grad)
		inputs := node.creator.Inputs()
		if len(grads) != len(inputs) {
			panic(fmt.Sprintf("op %T returned %d gradients for %d inputs", node.creator, len(grads), len(inputs)))
		}
		for j, in := range inputs {
			if in == nil || grads[j] == nil || !in.tracked() {
				continue
			}
			if in.grad == nil {
				in.grad = grads[j].Clone()
			} else {
				accumulate(in.grad, grads[j])
			}
		}
	}
	return nil
}

func accumulate(dst, src *Tensor) {
	if len(dst.Data) != len(src.Data) {
		panic(fmt.Sprintf("gradient accumulation shape mismatch: %v vs %v", dst.Shape, src.Shape))
	}
	for i, v := range src.Data {
		dst.Data[i] += v
	}
}

func shapesEqual(a, b []int) bool {
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

func validateShape(shape []int) error {
	for i, dim := range shape {
		if dim <= 0 {
			return fmt.Errorf("invalid shape: dimension %d has size %d, must be positive", i, dim)
		}
	}
	return nil
}

func numElements(shape []int) int {
	if len(shape) == 0 {
		return 0
	}
	n := 1
	for _, dim := range shape {
		n *= dim
	}
	return n
}

// FormatData renders up to maxElements values, for debugging.
func (t *Tensor) FormatData(maxElements int) string {
	show := len(t.Data)
	if show > maxElements {
		show = maxElements
	}
	var sb strings.Builder
	sb.WriteString("[")
	for i := 0; i < show; i++ {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%.4f", t.Data[i])
	}
	if len(t.Data) > show {
		fmt.Fprintf(&sb, ", ... (%d more elements)", len(t.Data)-show)
	}
	sb.WriteString("]")
	return sb.String()
}
