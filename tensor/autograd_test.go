package tensor

import (
	"math"
	"math/rand"
	"reflect"
	"testing"
)

func TestAutogradBasicOperations(t *testing.T) {
	t.Run("Addition forward", func(t *testing.T) {
		a, _ := NewTensor([]int{2, 2}, []float32{1, 2, 3, 4})
		b, _ := NewTensor([]int{2, 2}, []float32{5, 6, 7, 8})
		a.SetRequiresGrad(true)

		result, err := AddAutograd(a, b)
		if err != nil {
			t.Fatalf("AddAutograd failed: %v", err)
		}
		if !result.RequiresGrad() {
			t.Error("Result should require gradients")
		}
		expected := []float32{6, 8, 10, 12}
		if !reflect.DeepEqual(result.Data, expected) {
			t.Errorf("Expected %v, got %v", expected, result.Data)
		}
	})

	t.Run("Multiplication backward", func(t *testing.T) {
		a, _ := NewTensor([]int{2}, []float32{2, 3})
		b, _ := NewTensor([]int{2}, []float32{5, 7})
		a.SetRequiresGrad(true)
		b.SetRequiresGrad(true)

		prod, err := MulAutograd(a, b)
		if err != nil {
			t.Fatalf("MulAutograd failed: %v", err)
		}
		loss := SumAutograd(prod)
		if err := loss.Backward(); err != nil {
			t.Fatalf("Backward failed: %v", err)
		}
		if !reflect.DeepEqual(a.Grad().Data, []float32{5, 7}) {
			t.Errorf("grad a: expected [5 7], got %v", a.Grad().Data)
		}
		if !reflect.DeepEqual(b.Grad().Data, []float32{2, 3}) {
			t.Errorf("grad b: expected [2 3], got %v", b.Grad().Data)
		}
	})

	t.Run("MatMul with bias backward", func(t *testing.T) {
		x, _ := NewTensor([]int{1, 2}, []float32{1, 2})
		w, _ := NewTensor([]int{2, 2}, []float32{1, 0, 0, 1})
		bias, _ := NewTensor([]int{2}, []float32{0.5, -0.5})
		w.SetRequiresGrad(true)
		bias.SetRequiresGrad(true)

		h, err := MatMulAutograd(x, w)
		if err != nil {
			t.Fatalf("MatMulAutograd failed: %v", err)
		}
		h, err = AddBiasAutograd(h, bias)
		if err != nil {
			t.Fatalf("AddBiasAutograd failed: %v", err)
		}
		loss := MeanAutograd(h)
		if err := loss.Backward(); err != nil {
			t.Fatalf("Backward failed: %v", err)
		}

		// d mean/d h = 1/2 for each entry; bias gradient sums over the batch.
		if !reflect.DeepEqual(bias.Grad().Data, []float32{0.5, 0.5}) {
			t.Errorf("bias grad: expected [0.5 0.5], got %v", bias.Grad().Data)
		}
		// dW[i][j] = x[i] * 0.5
		expectedW := []float32{0.5, 0.5, 1, 1}
		if !reflect.DeepEqual(w.Grad().Data, expectedW) {
			t.Errorf("weight grad: expected %v, got %v", expectedW, w.Grad().Data)
		}
	})

	t.Run("Gradient accumulation across calls", func(t *testing.T) {
		a, _ := NewTensor([]int{2}, []float32{1, 1})
		a.SetRequiresGrad(true)

		for i := 0; i < 2; i++ {
			loss := SumAutograd(ScaleAutograd(a, 3))
			if err := loss.Backward(); err != nil {
				t.Fatalf("Backward failed: %v", err)
			}
		}
		if !reflect.DeepEqual(a.Grad().Data, []float32{6, 6}) {
			t.Errorf("expected accumulated grad [6 6], got %v", a.Grad().Data)
		}
		a.ZeroGrad()
		if !reflect.DeepEqual(a.Grad().Data, []float32{0, 0}) {
			t.Errorf("expected zeroed grad, got %v", a.Grad().Data)
		}
	})

	t.Run("Backward requires scalar root", func(t *testing.T) {
		a, _ := NewTensor([]int{2}, []float32{1, 2})
		a.SetRequiresGrad(true)
		y := ScaleAutograd(a, 2)
		if err := y.Backward(); err == nil {
			t.Error("expected error for non-scalar backward root")
		}
	})
}

func TestGradientReversal(t *testing.T) {
	t.Run("Forward is identity", func(t *testing.T) {
		x, _ := NewTensor([]int{2, 3}, []float32{1, -2, 3, -4, 5, -6})
		x.SetRequiresGrad(true)
		y := ReverseGradAutograd(x, 0.7)
		if !reflect.DeepEqual(y.Data, x.Data) {
			t.Errorf("forward should be identity: got %v", y.Data)
		}
	})

	t.Run("Backward negates and scales", func(t *testing.T) {
		coeffs := []float64{0, 0.25, 1, 2.5}
		for _, c := range coeffs {
			x, _ := NewTensor([]int{3}, []float32{1, 2, 3})
			x.SetRequiresGrad(true)
			k, _ := NewTensor([]int{3}, []float32{2, 4, 6})

			y := ReverseGradAutograd(x, c)
			prod, err := MulAutograd(y, k)
			if err != nil {
				t.Fatalf("MulAutograd failed: %v", err)
			}
			loss := SumAutograd(prod)
			if err := loss.Backward(); err != nil {
				t.Fatalf("Backward failed: %v", err)
			}

			// Without reversal the gradient would be k; with it, -c*k.
			for i, kv := range k.Data {
				want := float32(-c) * kv
				if got := x.Grad().Data[i]; math.Abs(float64(got-want)) > 1e-6 {
					t.Errorf("coeff %v: grad[%d] = %v, want %v", c, i, got, want)
				}
			}
		}
	})

	t.Run("Composes through downstream layers", func(t *testing.T) {
		// Gradient through reverse(x) @ w must equal -c times the gradient
		// through x @ w.
		rng := rand.New(rand.NewSource(7))
		w, _ := Randn([]int{2, 2}, 1, rng)

		run := func(reverse bool) []float32 {
			x, _ := NewTensor([]int{1, 2}, []float32{0.3, -0.9})
			x.SetRequiresGrad(true)
			h := x
			if reverse {
				h = ReverseGradAutograd(x, 2)
			}
			out, err := MatMulAutograd(h, w)
			if err != nil {
				t.Fatalf("MatMulAutograd failed: %v", err)
			}
			loss := SumAutograd(out)
			if err := loss.Backward(); err != nil {
				t.Fatalf("Backward failed: %v", err)
			}
			return x.Grad().Data
		}

		plain := run(false)
		reversed := run(true)
		for i := range plain {
			want := -2 * plain[i]
			if math.Abs(float64(reversed[i]-want)) > 1e-5 {
				t.Errorf("grad[%d] = %v, want %v", i, reversed[i], want)
			}
		}
	})
}

func TestConcatSliceGradientRouting(t *testing.T) {
	src, _ := NewTensor([]int{2, 2}, []float32{1, 2, 3, 4})
	tgt, _ := NewTensor([]int{2, 2}, []float32{5, 6, 7, 8})
	src.SetRequiresGrad(true)
	tgt.SetRequiresGrad(true)

	both, err := ConcatRowsAutograd(src, tgt)
	if err != nil {
		t.Fatalf("ConcatRowsAutograd failed: %v", err)
	}
	if !reflect.DeepEqual(both.Shape, []int{4, 2}) {
		t.Fatalf("unexpected concat shape %v", both.Shape)
	}

	// Only the target half contributes to the loss; the source gradient must
	// stay zero while the target gradient is dense.
	half, err := SliceRowsAutograd(both, 2, 4)
	if err != nil {
		t.Fatalf("SliceRowsAutograd failed: %v", err)
	}
	loss := SumAutograd(half)
	if err := loss.Backward(); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	if !reflect.DeepEqual(src.Grad().Data, []float32{0, 0, 0, 0}) {
		t.Errorf("source grad should be zero, got %v", src.Grad().Data)
	}
	if !reflect.DeepEqual(tgt.Grad().Data, []float32{1, 1, 1, 1}) {
		t.Errorf("target grad should be ones, got %v", tgt.Grad().Data)
	}
}

func TestRowOuter(t *testing.T) {
	t.Run("Known outer product", func(t *testing.T) {
		f, _ := NewTensor([]int{1, 2}, []float32{1, 2})
		g, _ := NewTensor([]int{1, 2}, []float32{0.3, 0.7})

		out, err := RowOuter(g, f)
		if err != nil {
			t.Fatalf("RowOuter failed: %v", err)
		}
		expected := []float32{0.3, 0.6, 0.7, 1.4}
		for i := range expected {
			if math.Abs(float64(out.Data[i]-expected[i])) > 1e-6 {
				t.Errorf("out[%d] = %v, want %v", i, out.Data[i], expected[i])
			}
		}
	})

	t.Run("Gradient flows to features", func(t *testing.T) {
		f, _ := NewTensor([]int{1, 2}, []float32{1, 2})
		g, _ := NewTensor([]int{1, 2}, []float32{0.3, 0.7})
		f.SetRequiresGrad(true)

		out, err := RowOuterAutograd(g, f)
		if err != nil {
			t.Fatalf("RowOuterAutograd failed: %v", err)
		}
		loss := SumAutograd(out)
		if err := loss.Backward(); err != nil {
			t.Fatalf("Backward failed: %v", err)
		}
		// grad f[d] = sum_c g[c] = 1 for each d.
		for i, v := range f.Grad().Data {
			if math.Abs(float64(v-1)) > 1e-6 {
				t.Errorf("grad f[%d] = %v, want 1", i, v)
			}
		}
	})

	t.Run("Batch mismatch rejected", func(t *testing.T) {
		f, _ := NewTensor([]int{2, 2}, []float32{1, 2, 3, 4})
		g, _ := NewTensor([]int{1, 2}, []float32{0.5, 0.5})
		if _, err := RowOuter(g, f); err == nil {
			t.Error("expected batch mismatch error")
		}
	})
}

func TestCrossEntropyAutograd(t *testing.T) {
	t.Run("Loss and gradient", func(t *testing.T) {
		logits, _ := NewTensor([]int{2, 2}, []float32{2, 0, 0, 2})
		logits.SetRequiresGrad(true)
		labels := []int{0, 0}

		loss, err := CrossEntropyAutograd(logits, labels, ReductionMean)
		if err != nil {
			t.Fatalf("CrossEntropyAutograd failed: %v", err)
		}
		v, _ := loss.Item()
		// Row 0 is confidently correct, row 1 confidently wrong.
		p := 1 / (1 + math.Exp(-2.0)) // softmax of [2,0] at index 0
		want := float32(-(math.Log(p) + math.Log(1-p)) / 2)
		if math.Abs(float64(v-want)) > 1e-5 {
			t.Errorf("loss = %v, want %v", v, want)
		}

		if err := loss.Backward(); err != nil {
			t.Fatalf("Backward failed: %v", err)
		}
		// Each gradient row of cross-entropy sums to zero.
		g := logits.Grad().Data
		for i := 0; i < 2; i++ {
			rowSum := g[i*2] + g[i*2+1]
			if math.Abs(float64(rowSum)) > 1e-6 {
				t.Errorf("gradient row %d sums to %v, want 0", i, rowSum)
			}
		}
	})

	t.Run("Label out of range", func(t *testing.T) {
		logits, _ := NewTensor([]int{1, 2}, []float32{0, 0})
		if _, err := CrossEntropyAutograd(logits, []int{5}, ReductionMean); err == nil {
			t.Error("expected out-of-range label error")
		}
	})
}

func TestBCEAutograd(t *testing.T) {
	t.Run("Uniform prediction", func(t *testing.T) {
		probs, _ := NewTensor([]int{4, 1}, []float32{0.5, 0.5, 0.5, 0.5})
		targets := []float32{1, 1, 0, 0}
		loss, err := BCEAutograd(probs, targets, nil, ReductionMean)
		if err != nil {
			t.Fatalf("BCEAutograd failed: %v", err)
		}
		v, _ := loss.Item()
		want := float32(math.Log(2))
		if math.Abs(float64(v-want)) > 1e-5 {
			t.Errorf("loss = %v, want ln 2 = %v", v, want)
		}
	})

	t.Run("Weights rescale the loss", func(t *testing.T) {
		probs, _ := NewTensor([]int{2, 1}, []float32{0.5, 0.5})
		targets := []float32{1, 0}
		unweighted, err := BCEAutograd(probs, targets, nil, ReductionSum)
		if err != nil {
			t.Fatalf("BCEAutograd failed: %v", err)
		}
		weighted, err := BCEAutograd(probs, targets, []float32{2, 2}, ReductionSum)
		if err != nil {
			t.Fatalf("BCEAutograd failed: %v", err)
		}
		u, _ := unweighted.Item()
		w, _ := weighted.Item()
		if math.Abs(float64(w-2*u)) > 1e-5 {
			t.Errorf("weighted loss %v should be twice unweighted %v", w, u)
		}
	})

	t.Run("Weight count mismatch", func(t *testing.T) {
		probs, _ := NewTensor([]int{2, 1}, []float32{0.5, 0.5})
		if _, err := BCEAutograd(probs, []float32{1, 0}, []float32{1}, ReductionMean); err == nil {
			t.Error("expected weight count error")
		}
	})
}

func TestSoftmaxRows(t *testing.T) {
	a, _ := NewTensor([]int{2, 3}, []float32{1, 2, 3, 1000, 1000, 1000})
	p, err := SoftmaxRows(a)
	if err != nil {
		t.Fatalf("SoftmaxRows failed: %v", err)
	}
	for i := 0; i < 2; i++ {
		var sum float64
		for j := 0; j < 3; j++ {
			sum += float64(p.At(i, j))
		}
		if math.Abs(sum-1) > 1e-5 {
			t.Errorf("row %d sums to %v, want 1", i, sum)
		}
	}
	if p.RequiresGrad() {
		t.Error("softmax probabilities must be detached")
	}
}
