package tensor

import (
	"math"
	"reflect"
	"testing"
)

func TestConv1DForward(t *testing.T) {
	t.Run("Known result", func(t *testing.T) {
		// One sample, one channel, length 4; one filter of width 2.
		x, _ := NewTensor([]int{1, 1, 4}, []float32{1, 2, 3, 4})
		w, _ := NewTensor([]int{1, 1, 2}, []float32{1, -1})
		b, _ := NewTensor([]int{1}, []float32{0.5})

		out, err := Conv1D(x, w, b, 1)
		if err != nil {
			t.Fatalf("Conv1D failed: %v", err)
		}
		if !reflect.DeepEqual(out.Shape, []int{1, 1, 3}) {
			t.Fatalf("unexpected shape %v", out.Shape)
		}
		expected := []float32{-0.5, -0.5, -0.5}
		if !reflect.DeepEqual(out.Data, expected) {
			t.Errorf("expected %v, got %v", expected, out.Data)
		}
	})

	t.Run("Stride shortens output", func(t *testing.T) {
		x, _ := NewTensor([]int{1, 1, 8}, []float32{1, 1, 1, 1, 1, 1, 1, 1})
		w, _ := NewTensor([]int{1, 1, 2}, []float32{1, 1})
		out, err := Conv1D(x, w, nil, 2)
		if err != nil {
			t.Fatalf("Conv1D failed: %v", err)
		}
		if !reflect.DeepEqual(out.Shape, []int{1, 1, 4}) {
			t.Errorf("unexpected shape %v", out.Shape)
		}
	})

	t.Run("Channel mismatch rejected", func(t *testing.T) {
		x, _ := NewTensor([]int{1, 2, 4}, make([]float32, 8))
		w, _ := NewTensor([]int{1, 1, 2}, []float32{1, 1})
		if _, err := Conv1D(x, w, nil, 1); err == nil {
			t.Error("expected channel mismatch error")
		}
	})
}

func TestConv1DBackward(t *testing.T) {
	x, _ := NewTensor([]int{1, 1, 3}, []float32{1, 2, 3})
	w, _ := NewTensor([]int{1, 1, 2}, []float32{0.5, 0.5})
	b, _ := NewTensor([]int{1}, []float32{0})
	x.SetRequiresGrad(true)
	w.SetRequiresGrad(true)
	b.SetRequiresGrad(true)

	out, err := Conv1DAutograd(x, w, b, 1)
	if err != nil {
		t.Fatalf("Conv1DAutograd failed: %v", err)
	}
	loss := SumAutograd(out)
	if err := loss.Backward(); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	// d sum/d out = 1 everywhere. gradW[k] = sum over windows of x at k.
	expectedW := []float32{1 + 2, 2 + 3}
	for i := range expectedW {
		if math.Abs(float64(w.Grad().Data[i]-expectedW[i])) > 1e-6 {
			t.Errorf("grad w[%d] = %v, want %v", i, w.Grad().Data[i], expectedW[i])
		}
	}
	// gradX[l] counts the windows covering position l, times the weight.
	expectedX := []float32{0.5, 1.0, 0.5}
	for i := range expectedX {
		if math.Abs(float64(x.Grad().Data[i]-expectedX[i])) > 1e-6 {
			t.Errorf("grad x[%d] = %v, want %v", i, x.Grad().Data[i], expectedX[i])
		}
	}
	if b.Grad().Data[0] != 2 {
		t.Errorf("grad b = %v, want 2", b.Grad().Data[0])
	}
}

func TestGlobalAvgPool1D(t *testing.T) {
	x, _ := NewTensor([]int{1, 2, 2}, []float32{1, 3, 10, 20})
	x.SetRequiresGrad(true)

	out, err := GlobalAvgPool1DAutograd(x)
	if err != nil {
		t.Fatalf("GlobalAvgPool1DAutograd failed: %v", err)
	}
	if !reflect.DeepEqual(out.Data, []float32{2, 15}) {
		t.Errorf("expected [2 15], got %v", out.Data)
	}

	loss := SumAutograd(out)
	if err := loss.Backward(); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
	for i, v := range x.Grad().Data {
		if math.Abs(float64(v-0.5)) > 1e-6 {
			t.Errorf("grad[%d] = %v, want 0.5", i, v)
		}
	}
}
