package tensor

import (
	"fmt"
	"math"
)

// Add returns the elementwise sum of two same-shape tensors.
func Add(a, b *Tensor) (*Tensor, error) {
	if !shapesEqual(a.Shape, b.Shape) {
		return nil, fmt.Errorf("shape mismatch for Add: %v vs %v", a.Shape, b.Shape)
	}
	out := a.Clone()
	for i, v := range b.Data {
		out.Data[i] += v
	}
	return out, nil
}

// Sub returns the elementwise difference of two same-shape tensors.
func Sub(a, b *Tensor) (*Tensor, error) {
	if !shapesEqual(a.Shape, b.Shape) {
		return nil, fmt.Errorf("shape mismatch for Sub: %v vs %v", a.Shape, b.Shape)
	}
	out := a.Clone()
	for i, v := range b.Data {
		out.Data[i] -= v
	}
	return out, nil
}

// Mul returns the elementwise product of two same-shape tensors.
func Mul(a, b *Tensor) (*Tensor, error) {
	if !shapesEqual(a.Shape, b.Shape) {
		return nil, fmt.Errorf("shape mismatch for Mul: %v vs %v", a.Shape, b.Shape)
	}
	out := a.Clone()
	for i, v := range b.Data {
		out.Data[i] *= v
	}
	return out, nil
}

// Scale returns a*k.
func Scale(a *Tensor, k float32) *Tensor {
	out := a.Clone()
	for i := range out.Data {
		out.Data[i] *= k
	}
	return out
}

// AddBias adds a length-m bias vector to every row of an [n, m] tensor.
func AddBias(x, bias *Tensor) (*Tensor, error) {
	if len(x.Shape) != 2 || len(bias.Shape) != 1 || bias.Shape[0] != x.Shape[1] {
		return nil, fmt.Errorf("AddBias requires [n, m] input and [m] bias, got %v and %v", x.Shape, bias.Shape)
	}
	out := x.Clone()
	n, m := x.Shape[0], x.Shape[1]
	for i := 0; i < n; i++ {
		row := out.Data[i*m : (i+1)*m]
		for j := 0; j < m; j++ {
			row[j] += bias.Data[j]
		}
	}
	return out, nil
}

// MatMul multiplies an [n, k] tensor by a [k, m] tensor.
func MatMul(a, b *Tensor) (*Tensor, error) {
	if len(a.Shape) != 2 || len(b.Shape) != 2 {
		return nil, fmt.Errorf("MatMul requires 2D tensors, got %v and %v", a.Shape, b.Shape)
	}
	if a.Shape[1] != b.Shape[0] {
		return nil, fmt.Errorf("inner dimension mismatch for MatMul: %v vs %v", a.Shape, b.Shape)
	}
	n, k, m := a.Shape[0], a.Shape[1], b.Shape[1]
	out, _ := Zeros([]int{n, m})
	for i := 0; i < n; i++ {
		arow := a.Data[i*k : (i+1)*k]
		orow := out.Data[i*m : (i+1)*m]
		for p := 0; p < k; p++ {
			av := arow[p]
			if av == 0 {
				continue
			}
			brow := b.Data[p*m : (p+1)*m]
			for j := 0; j < m; j++ {
				orow[j] += av * brow[j]
			}
		}
	}
	return out, nil
}

// Transpose returns the transpose of a 2D tensor.
func Transpose(a *Tensor) (*Tensor, error) {
	if len(a.Shape) != 2 {
		return nil, fmt.Errorf("Transpose requires a 2D tensor, got %v", a.Shape)
	}
	n, m := a.Shape[0], a.Shape[1]
	out, _ := Zeros([]int{m, n})
	for i := 0; i < n; i++ {
		for j := 0; j < m; j++ {
			out.Data[j*n+i] = a.Data[i*m+j]
		}
	}
	return out, nil
}

// ConcatRows stacks two tensors along the leading dimension. Trailing
// dimensions must match.
func ConcatRows(a, b *Tensor) (*Tensor, error) {
	if len(a.Shape) == 0 || len(b.Shape) == 0 || len(a.Shape) != len(b.Shape) {
		return nil, fmt.Errorf("ConcatRows requires tensors of equal rank, got %v and %v", a.Shape, b.Shape)
	}
	if !shapesEqual(a.Shape[1:], b.Shape[1:]) {
		return nil, fmt.Errorf("trailing dimensions mismatch for ConcatRows: %v vs %v", a.Shape, b.Shape)
	}
	shape := append([]int(nil), a.Shape...)
	shape[0] = a.Shape[0] + b.Shape[0]
	data := make([]float32, 0, len(a.Data)+len(b.Data))
	data = append(data, a.Data...)
	data = append(data, b.Data...)
	return NewTensor(shape, data)
}

// SliceRows copies rows [from, to) of a tensor.
func SliceRows(a *Tensor, from, to int) (*Tensor, error) {
	if len(a.Shape) == 0 {
		return nil, fmt.Errorf("SliceRows requires at least one dimension")
	}
	if from < 0 || to > a.Shape[0] || from >= to {
		return nil, fmt.Errorf("invalid row range [%d, %d) for %d rows", from, to, a.Shape[0])
	}
	rowSize := len(a.Data) / a.Shape[0]
	shape := append([]int(nil), a.Shape...)
	shape[0] = to - from
	data := make([]float32, (to-from)*rowSize)
	copy(data, a.Data[from*rowSize:to*rowSize])
	return NewTensor(shape, data)
}

// GatherRows copies the given rows, in order. Indices may repeat.
func GatherRows(a *Tensor, idx []int) (*Tensor, error) {
	if len(a.Shape) == 0 {
		return nil, fmt.Errorf("GatherRows requires at least one dimension")
	}
	rowSize := len(a.Data) / a.Shape[0]
	shape := append([]int(nil), a.Shape...)
	shape[0] = len(idx)
	data := make([]float32, len(idx)*rowSize)
	for i, r := range idx {
		if r < 0 || r >= a.Shape[0] {
			return nil, fmt.Errorf("row index %d out of range [0, %d)", r, a.Shape[0])
		}
		copy(data[i*rowSize:(i+1)*rowSize], a.Data[r*rowSize:(r+1)*rowSize])
	}
	return NewTensor(shape, data)
}

// ScaleRows multiplies row i of a by coeffs[i].
func ScaleRows(a *Tensor, coeffs []float32) (*Tensor, error) {
	if len(a.Shape) == 0 || a.Shape[0] != len(coeffs) {
		return nil, fmt.Errorf("ScaleRows requires one coefficient per row: %v rows, %d coefficients", a.Shape, len(coeffs))
	}
	rowSize := len(a.Data) / a.Shape[0]
	out := a.Clone()
	for i, c := range coeffs {
		row := out.Data[i*rowSize : (i+1)*rowSize]
		for j := range row {
			row[j] *= c
		}
	}
	return out, nil
}

// RowOuter computes, for each row, the flattened outer product g_i ⊗ f_i of
// a [n, C] and an [n, D] tensor, producing [n, C*D].
func RowOuter(g, f *Tensor) (*Tensor, error) {
	if len(g.Shape) != 2 || len(f.Shape) != 2 {
		return nil, fmt.Errorf("RowOuter requires 2D tensors, got %v and %v", g.Shape, f.Shape)
	}
	if g.Shape[0] != f.Shape[0] {
		return nil, fmt.Errorf("batch size mismatch for RowOuter: %d vs %d", g.Shape[0], f.Shape[0])
	}
	n, c, d := g.Shape[0], g.Shape[1], f.Shape[1]
	out, _ := Zeros([]int{n, c * d})
	for i := 0; i < n; i++ {
		for a := 0; a < c; a++ {
			gv := g.Data[i*c+a]
			for b := 0; b < d; b++ {
				out.Data[i*c*d+a*d+b] = gv * f.Data[i*d+b]
			}
		}
	}
	return out, nil
}

// ReLU applies max(0, x) elementwise.
func ReLU(a *Tensor) *Tensor {
	out := a.Clone()
	for i, v := range out.Data {
		if v < 0 {
			out.Data[i] = 0
		}
	}
	return out
}

// Sigmoid applies 1/(1+exp(-x)) elementwise.
func Sigmoid(a *Tensor) *Tensor {
	out := a.Clone()
	for i, v := range out.Data {
		out.Data[i] = float32(1 / (1 + math.Exp(-float64(v))))
	}
	return out
}

// SoftmaxRows applies a numerically stable softmax to each row of a 2D
// tensor. The result carries no autograd history.
func SoftmaxRows(a *Tensor) (*Tensor, error) {
	if len(a.Shape) != 2 {
		return nil, fmt.Errorf("SoftmaxRows requires a 2D tensor, got %v", a.Shape)
	}
	n, m := a.Shape[0], a.Shape[1]
	out, _ := Zeros([]int{n, m})
	for i := 0; i < n; i++ {
		row := a.Data[i*m : (i+1)*m]
		maxV := row[0]
		for _, v := range row[1:] {
			if v > maxV {
				maxV = v
			}
		}
		var sum float64
		for j, v := range row {
			e := math.Exp(float64(v - maxV))
			out.Data[i*m+j] = float32(e)
			sum += e
		}
		for j := 0; j < m; j++ {
			out.Data[i*m+j] = float32(float64(out.Data[i*m+j]) / sum)
		}
	}
	return out, nil
}

// ArgmaxRows returns the index of the largest entry in each row.
func ArgmaxRows(a *Tensor) ([]int, error) {
	if len(a.Shape) != 2 {
		return nil, fmt.Errorf("ArgmaxRows requires a 2D tensor, got %v", a.Shape)
	}
	n, m := a.Shape[0], a.Shape[1]
	idx := make([]int, n)
	for i := 0; i < n; i++ {
		best := 0
		bestV := a.Data[i*m]
		for j := 1; j < m; j++ {
			if a.Data[i*m+j] > bestV {
				bestV = a.Data[i*m+j]
				best = j
			}
		}
		idx[i] = best
	}
	return idx, nil
}

// Sum returns the sum of all elements.
func Sum(a *Tensor) float32 {
	var s float32
	for _, v := range a.Data {
		s += v
	}
	return s
}

// Mean returns the mean of all elements.
func Mean(a *Tensor) float32 {
	if len(a.Data) == 0 {
		return 0
	}
	return Sum(a) / float32(len(a.Data))
}

// Reshape returns a tensor sharing the same data with a new shape of equal
// element count.
func Reshape(a *Tensor, shape []int) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	if numElements(shape) != len(a.Data) {
		return nil, fmt.Errorf("cannot reshape %v (%d elements) to %v", a.Shape, len(a.Data), shape)
	}
	return &Tensor{Shape: append([]int(nil), shape...), Data: a.Data}, nil
}
