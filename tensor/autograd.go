package tensor

import (
	"fmt"
	"math"
)

// AddOp implements elementwise addition.
type AddOp struct {
	inputs []*Tensor
}

func (op *AddOp) Inputs() []*Tensor { return op.inputs }

func (op *AddOp) Backward(gradOut *Tensor) []*Tensor {
	// ∂(a + b)/∂a = 1, ∂(a + b)/∂b = 1
	return []*Tensor{gradOut, gradOut}
}

// AddAutograd performs elementwise addition with automatic differentiation.
func AddAutograd(a, b *Tensor) (*Tensor, error) {
	result, err := Add(a, b)
	if err != nil {
		return nil, err
	}
	attach(result, &AddOp{inputs: []*Tensor{a, b}})
	return result, nil
}

// SubOp implements elementwise subtraction.
type SubOp struct {
	inputs []*Tensor
}

func (op *SubOp) Inputs() []*Tensor { return op.inputs }

func (op *SubOp) Backward(gradOut *Tensor) []*Tensor {
	// ∂(a - b)/∂a = 1, ∂(a - b)/∂b = -1
	return []*Tensor{gradOut, Scale(gradOut, -1)}
}

// SubAutograd performs elementwise subtraction with automatic differentiation.
func SubAutograd(a, b *Tensor) (*Tensor, error) {
	result, err := Sub(a, b)
	if err != nil {
		return nil, err
	}
	attach(result, &SubOp{inputs: []*Tensor{a, b}})
	return result, nil
}

// MulOp implements elementwise multiplication.
type MulOp struct {
	inputs []*Tensor
}

func (op *MulOp) Inputs() []*Tensor { return op.inputs }

func (op *MulOp) Backward(gradOut *Tensor) []*Tensor {
	a, b := op.inputs[0], op.inputs[1]
	gradA, err := Mul(gradOut, b)
	if err != nil {
		panic(fmt.Sprintf("MulOp backward failed: %v", err))
	}
	gradB, err := Mul(gradOut, a)
	if err != nil {
		panic(fmt.Sprintf("MulOp backward failed: %v", err))
	}
	return []*Tensor{gradA, gradB}
}

// MulAutograd performs elementwise multiplication with automatic
// differentiation.
func MulAutograd(a, b *Tensor) (*Tensor, error) {
	result, err := Mul(a, b)
	if err != nil {
		return nil, err
	}
	attach(result, &MulOp{inputs: []*Tensor{a, b}})
	return result, nil
}

// ScaleOp implements multiplication by a constant scalar.
type ScaleOp struct {
	inputs []*Tensor
	k      float32
}

func (op *ScaleOp) Inputs() []*Tensor { return op.inputs }

func (op *ScaleOp) Backward(gradOut *Tensor) []*Tensor {
	return []*Tensor{Scale(gradOut, op.k)}
}

// ScaleAutograd multiplies a tensor by a constant with automatic
// differentiation.
func ScaleAutograd(a *Tensor, k float32) *Tensor {
	result := Scale(a, k)
	attach(result, &ScaleOp{inputs: []*Tensor{a}, k: k})
	return result
}

// AddBiasOp adds a bias row vector to every row.
type AddBiasOp struct {
	inputs []*Tensor
}

func (op *AddBiasOp) Inputs() []*Tensor { return op.inputs }

func (op *AddBiasOp) Backward(gradOut *Tensor) []*Tensor {
	// The bias gradient sums the output gradient over the batch dimension.
	bias := op.inputs[1]
	gradBias, _ := Zeros(bias.Shape)
	n, m := gradOut.Shape[0], gradOut.Shape[1]
	for i := 0; i < n; i++ {
		for j := 0; j < m; j++ {
			gradBias.Data[j] += gradOut.Data[i*m+j]
		}
	}
	return []*Tensor{gradOut, gradBias}
}

// AddBiasAutograd adds a bias vector to every row of a 2D tensor with
// automatic differentiation.
func AddBiasAutograd(x, bias *Tensor) (*Tensor, error) {
	result, err := AddBias(x, bias)
	if err != nil {
		return nil, err
	}
	attach(result, &AddBiasOp{inputs: []*Tensor{x, bias}})
	return result, nil
}

// MatMulOp implements 2D matrix multiplication.
type MatMulOp struct {
	inputs []*Tensor
}

func (op *MatMulOp) Inputs() []*Tensor { return op.inputs }

func (op *MatMulOp) Backward(gradOut *Tensor) []*Tensor {
	a, b := op.inputs[0], op.inputs[1]

	// ∂(A @ B)/∂A = gradOut @ B^T, ∂(A @ B)/∂B = A^T @ gradOut
	bT, err := Transpose(b)
	if err != nil {
		panic(fmt.Sprintf("MatMulOp backward failed: %v", err))
	}
	gradA, err := MatMul(gradOut, bT)
	if err != nil {
		panic(fmt.Sprintf("MatMulOp backward failed: %v", err))
	}

	aT, err := Transpose(a)
	if err != nil {
		panic(fmt.Sprintf("MatMulOp backward failed: %v", err))
	}
	gradB, err := MatMul(aT, gradOut)
	if err != nil {
		panic(fmt.Sprintf("MatMulOp backward failed: %v", err))
	}

	return []*Tensor{gradA, gradB}
}

// MatMulAutograd performs matrix multiplication with automatic
// differentiation.
func MatMulAutograd(a, b *Tensor) (*Tensor, error) {
	result, err := MatMul(a, b)
	if err != nil {
		return nil, err
	}
	attach(result, &MatMulOp{inputs: []*Tensor{a, b}})
	return result, nil
}

// ReLUOp implements the ReLU activation.
type ReLUOp struct {
	inputs []*Tensor
}

func (op *ReLUOp) Inputs() []*Tensor { return op.inputs }

func (op *ReLUOp) Backward(gradOut *Tensor) []*Tensor {
	a := op.inputs[0]
	grad := gradOut.Clone()
	for i, v := range a.Data {
		if v <= 0 {
			grad.Data[i] = 0
		}
	}
	return []*Tensor{grad}
}

// ReLUAutograd applies ReLU with automatic differentiation.
func ReLUAutograd(a *Tensor) *Tensor {
	result := ReLU(a)
	attach(result, &ReLUOp{inputs: []*Tensor{a}})
	return result
}

// SigmoidOp implements the sigmoid activation. The forward output is kept for
// the backward rule σ'(x) = σ(x)(1 - σ(x)).
type SigmoidOp struct {
	inputs []*Tensor
	output *Tensor
}

func (op *SigmoidOp) Inputs() []*Tensor { return op.inputs }

func (op *SigmoidOp) Backward(gradOut *Tensor) []*Tensor {
	grad := gradOut.Clone()
	for i, s := range op.output.Data {
		grad.Data[i] *= s * (1 - s)
	}
	return []*Tensor{grad}
}

// SigmoidAutograd applies the sigmoid with automatic differentiation.
func SigmoidAutograd(a *Tensor) *Tensor {
	result := Sigmoid(a)
	attach(result, &SigmoidOp{inputs: []*Tensor{a}, output: result})
	return result
}

// ConcatRowsOp stacks two tensors along the leading dimension.
type ConcatRowsOp struct {
	inputs []*Tensor
}

func (op *ConcatRowsOp) Inputs() []*Tensor { return op.inputs }

func (op *ConcatRowsOp) Backward(gradOut *Tensor) []*Tensor {
	a, b := op.inputs[0], op.inputs[1]
	gradA, err := SliceRows(gradOut, 0, a.Shape[0])
	if err != nil {
		panic(fmt.Sprintf("ConcatRowsOp backward failed: %v", err))
	}
	gradB, err := SliceRows(gradOut, a.Shape[0], a.Shape[0]+b.Shape[0])
	if err != nil {
		panic(fmt.Sprintf("ConcatRowsOp backward failed: %v", err))
	}
	return []*Tensor{gradA, gradB}
}

// ConcatRowsAutograd stacks two tensors along the leading dimension with
// automatic differentiation. Gradients route back into the corresponding row
// blocks.
func ConcatRowsAutograd(a, b *Tensor) (*Tensor, error) {
	result, err := ConcatRows(a, b)
	if err != nil {
		return nil, err
	}
	attach(result, &ConcatRowsOp{inputs: []*Tensor{a, b}})
	return result, nil
}

// SliceRowsOp copies a contiguous row range.
type SliceRowsOp struct {
	inputs   []*Tensor
	from, to int
}

func (op *SliceRowsOp) Inputs() []*Tensor { return op.inputs }

func (op *SliceRowsOp) Backward(gradOut *Tensor) []*Tensor {
	in := op.inputs[0]
	grad, _ := Zeros(in.Shape)
	rowSize := len(in.Data) / in.Shape[0]
	copy(grad.Data[op.from*rowSize:op.to*rowSize], gradOut.Data)
	return []*Tensor{grad}
}

// SliceRowsAutograd copies rows [from, to) with automatic differentiation.
// The backward pass scatters the gradient into the sliced range and leaves
// the remaining rows at zero.
func SliceRowsAutograd(a *Tensor, from, to int) (*Tensor, error) {
	result, err := SliceRows(a, from, to)
	if err != nil {
		return nil, err
	}
	attach(result, &SliceRowsOp{inputs: []*Tensor{a}, from: from, to: to})
	return result, nil
}

// GatherRowsOp copies rows by index.
type GatherRowsOp struct {
	inputs []*Tensor
	idx    []int
}

func (op *GatherRowsOp) Inputs() []*Tensor { return op.inputs }

func (op *GatherRowsOp) Backward(gradOut *Tensor) []*Tensor {
	in := op.inputs[0]
	grad, _ := Zeros(in.Shape)
	rowSize := len(in.Data) / in.Shape[0]
	for i, r := range op.idx {
		dst := grad.Data[r*rowSize : (r+1)*rowSize]
		src := gradOut.Data[i*rowSize : (i+1)*rowSize]
		for j := range dst {
			dst[j] += src[j]
		}
	}
	return []*Tensor{grad}
}

// GatherRowsAutograd selects rows by index with automatic differentiation.
// Repeated indices accumulate their gradients.
func GatherRowsAutograd(a *Tensor, idx []int) (*Tensor, error) {
	result, err := GatherRows(a, idx)
	if err != nil {
		return nil, err
	}
	attach(result, &GatherRowsOp{inputs: []*Tensor{a}, idx: append([]int(nil), idx...)})
	return result, nil
}

// ScaleRowsOp multiplies each row by a per-row constant.
type ScaleRowsOp struct {
	inputs []*Tensor
	coeffs []float32
}

func (op *ScaleRowsOp) Inputs() []*Tensor { return op.inputs }

func (op *ScaleRowsOp) Backward(gradOut *Tensor) []*Tensor {
	grad, err := ScaleRows(gradOut, op.coeffs)
	if err != nil {
		panic(fmt.Sprintf("ScaleRowsOp backward failed: %v", err))
	}
	return []*Tensor{grad}
}

// ScaleRowsAutograd multiplies row i by coeffs[i] with automatic
// differentiation. The coefficients are treated as constants.
func ScaleRowsAutograd(a *Tensor, coeffs []float32) (*Tensor, error) {
	result, err := ScaleRows(a, coeffs)
	if err != nil {
		return nil, err
	}
	attach(result, &ScaleRowsOp{inputs: []*Tensor{a}, coeffs: append([]float32(nil), coeffs...)})
	return result, nil
}

// RowOuterOp computes per-row flattened outer products g_i ⊗ f_i. Gradients
// flow to both factors.
type RowOuterOp struct {
	inputs []*Tensor
}

func (op *RowOuterOp) Inputs() []*Tensor { return op.inputs }

func (op *RowOuterOp) Backward(gradOut *Tensor) []*Tensor {
	g, f := op.inputs[0], op.inputs[1]
	n, c, d := g.Shape[0], g.Shape[1], f.Shape[1]

	gradG, _ := Zeros(g.Shape)
	gradF, _ := Zeros(f.Shape)
	for i := 0; i < n; i++ {
		for a := 0; a < c; a++ {
			for b := 0; b < d; b++ {
				gv := gradOut.Data[i*c*d+a*d+b]
				gradG.Data[i*c+a] += gv * f.Data[i*d+b]
				gradF.Data[i*d+b] += gv * g.Data[i*c+a]
			}
		}
	}
	return []*Tensor{gradG, gradF}
}

// RowOuterAutograd computes the per-row outer product of a [n, C] and an
// [n, D] tensor with automatic differentiation, producing [n, C*D].
func RowOuterAutograd(g, f *Tensor) (*Tensor, error) {
	result, err := RowOuter(g, f)
	if err != nil {
		return nil, err
	}
	attach(result, &RowOuterOp{inputs: []*Tensor{g, f}})
	return result, nil
}

// ReshapeOp reinterprets the data under a new shape.
type ReshapeOp struct {
	inputs []*Tensor
}

func (op *ReshapeOp) Inputs() []*Tensor { return op.inputs }

func (op *ReshapeOp) Backward(gradOut *Tensor) []*Tensor {
	grad, err := Reshape(gradOut, op.inputs[0].Shape)
	if err != nil {
		panic(fmt.Sprintf("ReshapeOp backward failed: %v", err))
	}
	return []*Tensor{grad}
}

// ReshapeAutograd reshapes a tensor with automatic differentiation.
func ReshapeAutograd(a *Tensor, shape []int) (*Tensor, error) {
	reshaped, err := Reshape(a, shape)
	if err != nil {
		return nil, err
	}
	// Reshape shares data; take a copy so gradient bookkeeping stays per-node.
	result := reshaped.Clone()
	attach(result, &ReshapeOp{inputs: []*Tensor{a}})
	return result, nil
}

// MeanOp reduces a tensor to the mean of its elements.
type MeanOp struct {
	inputs []*Tensor
}

func (op *MeanOp) Inputs() []*Tensor { return op.inputs }

func (op *MeanOp) Backward(gradOut *Tensor) []*Tensor {
	in := op.inputs[0]
	g := gradOut.Data[0] / float32(len(in.Data))
	grad, _ := Full(in.Shape, g)
	return []*Tensor{grad}
}

// MeanAutograd reduces a tensor to its scalar mean with automatic
// differentiation.
func MeanAutograd(a *Tensor) *Tensor {
	result := FromScalar(Mean(a))
	attach(result, &MeanOp{inputs: []*Tensor{a}})
	return result
}

// SumOp reduces a tensor to the sum of its elements.
type SumOp struct {
	inputs []*Tensor
}

func (op *SumOp) Inputs() []*Tensor { return op.inputs }

func (op *SumOp) Backward(gradOut *Tensor) []*Tensor {
	grad, _ := Full(op.inputs[0].Shape, gradOut.Data[0])
	return []*Tensor{grad}
}

// SumAutograd reduces a tensor to its scalar sum with automatic
// differentiation.
func SumAutograd(a *Tensor) *Tensor {
	result := FromScalar(Sum(a))
	attach(result, &SumOp{inputs: []*Tensor{a}})
	return result
}

// Reduction selects how a per-instance loss vector collapses to a scalar.
type Reduction string

const (
	ReductionMean Reduction = "mean"
	ReductionSum  Reduction = "sum"
	ReductionNone Reduction = "none"
)

// ValidReduction reports whether r is a supported reduction mode.
func ValidReduction(r Reduction) bool {
	return r == ReductionMean || r == ReductionSum || r == ReductionNone
}

// CrossEntropyOp computes softmax cross-entropy between logits and integer
// class labels. The softmax is folded into the op so the backward rule is the
// numerically stable (p - onehot) form.
type CrossEntropyOp struct {
	inputs    []*Tensor
	labels    []int
	probs     *Tensor
	reduction Reduction
}

func (op *CrossEntropyOp) Inputs() []*Tensor { return op.inputs }

func (op *CrossEntropyOp) Backward(gradOut *Tensor) []*Tensor {
	logits := op.inputs[0]
	n, m := logits.Shape[0], logits.Shape[1]
	grad := op.probs.Clone()
	for i, y := range op.labels {
		grad.Data[i*m+y] -= 1
	}
	switch op.reduction {
	case ReductionMean:
		g := gradOut.Data[0] / float32(n)
		for i := range grad.Data {
			grad.Data[i] *= g
		}
	case ReductionSum:
		g := gradOut.Data[0]
		for i := range grad.Data {
			grad.Data[i] *= g
		}
	case ReductionNone:
		for i := 0; i < n; i++ {
			g := gradOut.Data[i]
			row := grad.Data[i*m : (i+1)*m]
			for j := range row {
				row[j] *= g
			}
		}
	}
	return []*Tensor{grad}
}

// CrossEntropyAutograd computes the cross-entropy between [n, C] logits and n
// integer labels with automatic differentiation. The result is a scalar for
// mean/sum reduction and an [n, 1] tensor for none.
func CrossEntropyAutograd(logits *Tensor, labels []int, reduction Reduction) (*Tensor, error) {
	if len(logits.Shape) != 2 {
		return nil, fmt.Errorf("CrossEntropyAutograd requires 2D logits, got %v", logits.Shape)
	}
	if logits.Shape[0] != len(labels) {
		return nil, fmt.Errorf("batch size mismatch: %d logits rows, %d labels", logits.Shape[0], len(labels))
	}
	if !ValidReduction(reduction) {
		return nil, fmt.Errorf("unsupported reduction %q", reduction)
	}
	n, m := logits.Shape[0], logits.Shape[1]
	for i, y := range labels {
		if y < 0 || y >= m {
			return nil, fmt.Errorf("label %d at row %d out of range [0, %d)", y, i, m)
		}
	}

	probs, err := SoftmaxRows(logits)
	if err != nil {
		return nil, err
	}
	perRow := make([]float32, n)
	for i, y := range labels {
		p := float64(probs.Data[i*m+y])
		perRow[i] = float32(-math.Log(math.Max(p, 1e-12)))
	}

	var result *Tensor
	switch reduction {
	case ReductionMean:
		var s float32
		for _, v := range perRow {
			s += v
		}
		result = FromScalar(s / float32(n))
	case ReductionSum:
		var s float32
		for _, v := range perRow {
			s += v
		}
		result = FromScalar(s)
	case ReductionNone:
		result, _ = NewTensor([]int{n, 1}, perRow)
	}

	attach(result, &CrossEntropyOp{
		inputs:    []*Tensor{logits},
		labels:    append([]int(nil), labels...),
		probs:     probs,
		reduction: reduction,
	})
	return result, nil
}

// BCEOp computes binary cross-entropy between probabilities in (0, 1) and
// targets in {0, 1}, with optional per-instance weights.
type BCEOp struct {
	inputs    []*Tensor
	targets   []float32
	weights   []float32
	reduction Reduction
}

func (op *BCEOp) Inputs() []*Tensor { return op.inputs }

func (op *BCEOp) Backward(gradOut *Tensor) []*Tensor {
	probs := op.inputs[0]
	n := len(probs.Data)
	grad, _ := Zeros(probs.Shape)
	for i := 0; i < n; i++ {
		p := clampProb(probs.Data[i])
		// d/dp [-y log p - (1-y) log(1-p)] = (p - y) / (p (1-p))
		g := (p - op.targets[i]) / (p * (1 - p))
		if op.weights != nil {
			g *= op.weights[i]
		}
		switch op.reduction {
		case ReductionMean:
			grad.Data[i] = g * gradOut.Data[0] / float32(n)
		case ReductionSum:
			grad.Data[i] = g * gradOut.Data[0]
		case ReductionNone:
			grad.Data[i] = g * gradOut.Data[i]
		}
	}
	return []*Tensor{grad}
}

func clampProb(p float32) float32 {
	const eps = 1e-7
	if p < eps {
		return eps
	}
	if p > 1-eps {
		return 1 - eps
	}
	return p
}

// BCEAutograd computes the binary cross-entropy between an [n, 1] (or flat
// length-n) probability tensor and targets, with automatic differentiation.
// weights may be nil; when present it is applied per instance before
// reduction.
func BCEAutograd(probs *Tensor, targets []float32, weights []float32, reduction Reduction) (*Tensor, error) {
	if len(probs.Data) != len(targets) {
		return nil, fmt.Errorf("batch size mismatch: %d probabilities, %d targets", len(probs.Data), len(targets))
	}
	if weights != nil && len(weights) != len(targets) {
		return nil, fmt.Errorf("weight count %d does not match batch size %d", len(weights), len(targets))
	}
	if !ValidReduction(reduction) {
		return nil, fmt.Errorf("unsupported reduction %q", reduction)
	}

	n := len(targets)
	perRow := make([]float32, n)
	for i := 0; i < n; i++ {
		p := float64(clampProb(probs.Data[i]))
		y := float64(targets[i])
		l := -(y*math.Log(p) + (1-y)*math.Log(1-p))
		if weights != nil {
			l *= float64(weights[i])
		}
		perRow[i] = float32(l)
	}

	var result *Tensor
	switch reduction {
	case ReductionMean:
		var s float32
		for _, v := range perRow {
			s += v
		}
		result = FromScalar(s / float32(n))
	case ReductionSum:
		var s float32
		for _, v := range perRow {
			s += v
		}
		result = FromScalar(s)
	case ReductionNone:
		result, _ = NewTensor([]int{n, 1}, perRow)
	}

	var w []float32
	if weights != nil {
		w = append([]float32(nil), weights...)
	}
	attach(result, &BCEOp{
		inputs:    []*Tensor{probs},
		targets:   append([]float32(nil), targets...),
		weights:   w,
		reduction: reduction,
	})
	return result, nil
}
