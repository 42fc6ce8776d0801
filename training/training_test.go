package training

import (
	"math"
	"math/rand"
	"testing"

	"github.com/faultline/faultline/tensor"
)

func TestLinearForward(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	layer, err := NewLinear(2, 3, true, rng)
	if err != nil {
		t.Fatalf("NewLinear failed: %v", err)
	}

	// Fix parameters so the output is predictable.
	copy(layer.weight.Data, []float32{1, 2, 3, 4, 5, 6})
	copy(layer.bias.Data, []float32{0.5, -0.5, 1})

	input, _ := tensor.NewTensor([]int{1, 2}, []float32{1, 1})
	out, err := layer.Forward(input)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	expected := []float32{5.5, 6.5, 10}
	for i, v := range expected {
		if math.Abs(float64(out.Data[i]-v)) > 1e-5 {
			t.Errorf("output[%d] = %v, want %v", i, out.Data[i], v)
		}
	}

	t.Run("shape mismatch", func(t *testing.T) {
		bad, _ := tensor.NewTensor([]int{1, 3}, []float32{1, 2, 3})
		if _, err := layer.Forward(bad); err == nil {
			t.Error("expected error for mismatched input size")
		}
	})
}

func TestLinearBackwardThroughOptimizer(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	layer, err := NewLinear(2, 1, true, rng)
	if err != nil {
		t.Fatalf("NewLinear failed: %v", err)
	}
	copy(layer.weight.Data, []float32{0.5, -0.5})
	layer.bias.Data[0] = 0

	opt, err := NewSGD(layer.Parameters(), SGDConfig{LearningRate: 0.1})
	if err != nil {
		t.Fatalf("NewSGD failed: %v", err)
	}

	input, _ := tensor.NewTensor([]int{1, 2}, []float32{1, 2})
	out, err := layer.Forward(input)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	loss := tensor.MeanAutograd(out)
	if err := loss.Backward(); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
	if err := opt.Step(); err != nil {
		t.Fatalf("Step failed: %v", err)
	}

	// d(out)/dW = input, so W -= lr * input.
	expected := []float32{0.5 - 0.1*1, -0.5 - 0.1*2}
	for i, v := range expected {
		if math.Abs(float64(layer.weight.Data[i]-v)) > 1e-5 {
			t.Errorf("weight[%d] = %v, want %v", i, layer.weight.Data[i], v)
		}
	}
	if math.Abs(float64(layer.bias.Data[0]+0.1)) > 1e-5 {
		t.Errorf("bias = %v, want -0.1", layer.bias.Data[0])
	}

	opt.ZeroGrad()
	if layer.weight.Grad() != nil {
		t.Error("expected weight gradient cleared after ZeroGrad")
	}
}

func TestDropoutEvalIsIdentity(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	drop, err := NewDropout(0.5, rng)
	if err != nil {
		t.Fatalf("NewDropout failed: %v", err)
	}
	drop.Eval()

	input, _ := tensor.NewTensor([]int{2, 2}, []float32{1, 2, 3, 4})
	out, err := drop.Forward(input)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if out != input {
		t.Error("eval-mode dropout should return its input unchanged")
	}
}

func TestDropoutTrainingMask(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	drop, err := NewDropout(0.5, rng)
	if err != nil {
		t.Fatalf("NewDropout failed: %v", err)
	}

	input, err := tensor.Ones([]int{1, 1000})
	if err != nil {
		t.Fatalf("Ones failed: %v", err)
	}
	out, err := drop.Forward(input)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	zeros, scaled := 0, 0
	for _, v := range out.Data {
		switch v {
		case 0:
			zeros++
		case 2:
			scaled++
		default:
			t.Fatalf("unexpected dropout output %v", v)
		}
	}
	if zeros < 350 || zeros > 650 {
		t.Errorf("drop rate far from 0.5: %d of 1000 zeroed", zeros)
	}
	if zeros+scaled != 1000 {
		t.Errorf("outputs should be 0 or scaled, got %d+%d", zeros, scaled)
	}
}

func TestAdamReducesLoss(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	layer, err := NewLinear(4, 2, true, rng)
	if err != nil {
		t.Fatalf("NewLinear failed: %v", err)
	}
	opt, err := NewAdam(layer.Parameters(), AdamConfig{LearningRate: 0.05})
	if err != nil {
		t.Fatalf("NewAdam failed: %v", err)
	}
	ce, err := NewCrossEntropyLoss(tensor.ReductionMean)
	if err != nil {
		t.Fatalf("NewCrossEntropyLoss failed: %v", err)
	}

	input, _ := tensor.NewTensor([]int{2, 4}, []float32{1, 0, 0, 1, 0, 1, 1, 0})
	labels := []int{0, 1}

	var first, last float32
	for step := 0; step < 50; step++ {
		opt.ZeroGrad()
		logits, err := layer.Forward(input)
		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
		loss, err := ce.Compute(logits, labels)
		if err != nil {
			t.Fatalf("loss failed: %v", err)
		}
		v, err := loss.Item()
		if err != nil {
			t.Fatalf("Item failed: %v", err)
		}
		if step == 0 {
			first = v
		}
		last = v
		if err := loss.Backward(); err != nil {
			t.Fatalf("Backward failed: %v", err)
		}
		if err := opt.Step(); err != nil {
			t.Fatalf("Step failed: %v", err)
		}
	}
	if last >= first {
		t.Errorf("loss did not decrease: first %v, last %v", first, last)
	}
}

func TestSchedulers(t *testing.T) {
	t.Run("stepLR", func(t *testing.T) {
		s, err := NewStepLR(10, 0.1)
		if err != nil {
			t.Fatalf("NewStepLR failed: %v", err)
		}
		if got := s.GetLR(0, 1.0); got != 1.0 {
			t.Errorf("epoch 0: got %v, want 1.0", got)
		}
		if got := s.GetLR(10, 1.0); math.Abs(got-0.1) > 1e-12 {
			t.Errorf("epoch 10: got %v, want 0.1", got)
		}
		if got := s.GetLR(25, 1.0); math.Abs(got-0.01) > 1e-12 {
			t.Errorf("epoch 25: got %v, want 0.01", got)
		}
	})

	t.Run("multistep", func(t *testing.T) {
		s, err := NewMultiStepLR([]int{5, 15}, 0.5)
		if err != nil {
			t.Fatalf("NewMultiStepLR failed: %v", err)
		}
		if got := s.GetLR(4, 1.0); got != 1.0 {
			t.Errorf("epoch 4: got %v, want 1.0", got)
		}
		if got := s.GetLR(5, 1.0); got != 0.5 {
			t.Errorf("epoch 5: got %v, want 0.5", got)
		}
		if got := s.GetLR(20, 1.0); got != 0.25 {
			t.Errorf("epoch 20: got %v, want 0.25", got)
		}
	})

	t.Run("exponential", func(t *testing.T) {
		s, err := NewExponentialLR(0.9)
		if err != nil {
			t.Fatalf("NewExponentialLR failed: %v", err)
		}
		if got := s.GetLR(2, 1.0); math.Abs(got-0.81) > 1e-12 {
			t.Errorf("epoch 2: got %v, want 0.81", got)
		}
	})

	t.Run("fixed", func(t *testing.T) {
		s := NewFixedLR()
		if got := s.GetLR(100, 0.01); got != 0.01 {
			t.Errorf("got %v, want 0.01", got)
		}
	})

	t.Run("from spec", func(t *testing.T) {
		cases := map[string]string{
			"fix":            "fix",
			"exp:0.95":       "exp",
			"stepLR:30:0.1":  "stepLR",
			"step:10,20:0.1": "step",
		}
		for spec, name := range cases {
			s, err := NewSchedulerFromSpec(spec)
			if err != nil {
				t.Errorf("spec %q: %v", spec, err)
				continue
			}
			if s.GetName() != name {
				t.Errorf("spec %q: got scheduler %q, want %q", spec, s.GetName(), name)
			}
		}
		if _, err := NewSchedulerFromSpec("cosine:10"); err == nil {
			t.Error("expected error for unknown scheduler")
		}
	})
}

type sliceDataset struct {
	examples [][]float32
	labels   []int
	shape    []int
}

func (d *sliceDataset) Len() int { return len(d.examples) }
func (d *sliceDataset) Get(i int) ([]float32, int, error) {
	return d.examples[i], d.labels[i], nil
}
func (d *sliceDataset) ExampleShape() []int { return d.shape }

func newSliceDataset(n, dim int) *sliceDataset {
	d := &sliceDataset{shape: []int{dim}}
	for i := 0; i < n; i++ {
		ex := make([]float32, dim)
		for j := range ex {
			ex[j] = float32(i)
		}
		d.examples = append(d.examples, ex)
		d.labels = append(d.labels, i%2)
	}
	return d
}

func TestDataLoaderBatching(t *testing.T) {
	ds := newSliceDataset(10, 3)
	dl, err := NewDataLoader(ds, DataLoaderConfig{BatchSize: 4})
	if err != nil {
		t.Fatalf("NewDataLoader failed: %v", err)
	}

	if dl.NumBatches() != 3 {
		t.Errorf("NumBatches = %d, want 3", dl.NumBatches())
	}

	sizes := []int{}
	for {
		batch, ok, err := dl.Next()
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		if !ok {
			break
		}
		sizes = append(sizes, batch.Data.Shape[0])
		if len(batch.Labels) != batch.Data.Shape[0] {
			t.Errorf("label count %d does not match batch size %d", len(batch.Labels), batch.Data.Shape[0])
		}
	}
	want := []int{4, 4, 2}
	if len(sizes) != len(want) {
		t.Fatalf("got %d batches, want %d", len(sizes), len(want))
	}
	for i := range want {
		if sizes[i] != want[i] {
			t.Errorf("batch %d size = %d, want %d", i, sizes[i], want[i])
		}
	}
}

func TestDataLoaderDropLast(t *testing.T) {
	ds := newSliceDataset(10, 2)
	dl, err := NewDataLoader(ds, DataLoaderConfig{BatchSize: 4, DropLast: true})
	if err != nil {
		t.Fatalf("NewDataLoader failed: %v", err)
	}
	if dl.NumBatches() != 2 {
		t.Errorf("NumBatches = %d, want 2", dl.NumBatches())
	}
	count := 0
	for {
		batch, ok, err := dl.Next()
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		if !ok {
			break
		}
		if batch.Data.Shape[0] != 4 {
			t.Errorf("batch size = %d, want 4", batch.Data.Shape[0])
		}
		count++
	}
	if count != 2 {
		t.Errorf("got %d batches, want 2", count)
	}
}

func TestCyclingLoaderWrapsAround(t *testing.T) {
	ds := newSliceDataset(4, 2)
	dl, err := NewDataLoader(ds, DataLoaderConfig{BatchSize: 2})
	if err != nil {
		t.Fatalf("NewDataLoader failed: %v", err)
	}
	cl := NewCyclingLoader(dl)

	// Draw more batches than one pass contains.
	for i := 0; i < 7; i++ {
		batch, err := cl.Next()
		if err != nil {
			t.Fatalf("Next %d failed: %v", i, err)
		}
		if batch.Data.Shape[0] != 2 {
			t.Errorf("draw %d: batch size %d, want 2", i, batch.Data.Shape[0])
		}
	}
}

func TestConcatDataset(t *testing.T) {
	a := newSliceDataset(3, 2)
	b := newSliceDataset(5, 2)
	cd, err := NewConcatDataset(a, b)
	if err != nil {
		t.Fatalf("NewConcatDataset failed: %v", err)
	}
	if cd.Len() != 8 {
		t.Errorf("Len = %d, want 8", cd.Len())
	}

	values, _, err := cd.Get(4)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	// Index 4 is b's example 1.
	if values[0] != 1 {
		t.Errorf("Get(4) = %v, want values from second dataset example 1", values)
	}

	if _, _, err := cd.Get(8); err == nil {
		t.Error("expected error for out-of-range index")
	}

	bad := &sliceDataset{shape: []int{3}, examples: [][]float32{{1, 2, 3}}, labels: []int{0}}
	if _, err := NewConcatDataset(a, bad); err == nil {
		t.Error("expected error for mismatched example shapes")
	}
}

func TestAccuracy(t *testing.T) {
	logits, _ := tensor.NewTensor([]int{4, 2}, []float32{
		2, 1,
		0, 3,
		1, 0,
		0, 1,
	})
	acc, err := Accuracy(logits, []int{0, 1, 1, 1})
	if err != nil {
		t.Fatalf("Accuracy failed: %v", err)
	}
	if math.Abs(acc-0.75) > 1e-9 {
		t.Errorf("accuracy = %v, want 0.75", acc)
	}
}

func TestRunningMetrics(t *testing.T) {
	m := NewRunningMetrics()
	m.Add("loss", 2.0, 4)
	m.Add("loss", 1.0, 4)
	if got := m.Mean("loss"); math.Abs(got-1.5) > 1e-9 {
		t.Errorf("mean = %v, want 1.5", got)
	}
	m.Reset()
	if got := m.Mean("loss"); got != 0 {
		t.Errorf("mean after reset = %v, want 0", got)
	}
}

func TestSummarize(t *testing.T) {
	s, err := Summarize([]float64{0.9, 0.8, 1.0})
	if err != nil {
		t.Fatalf("Summarize failed: %v", err)
	}
	if math.Abs(s.Mean-0.9) > 1e-9 {
		t.Errorf("mean = %v, want 0.9", s.Mean)
	}
	if s.Min != 0.8 || s.Max != 1.0 {
		t.Errorf("min/max = %v/%v, want 0.8/1.0", s.Min, s.Max)
	}
	if _, err := Summarize(nil); err == nil {
		t.Error("expected error for empty input")
	}
}

func TestConfusionMatrix(t *testing.T) {
	cm, err := NewConfusionMatrix(2)
	if err != nil {
		t.Fatalf("NewConfusionMatrix failed: %v", err)
	}
	logits, _ := tensor.NewTensor([]int{3, 2}, []float32{
		2, 1,
		0, 3,
		3, 0,
	})
	if err := cm.Update(logits, []int{0, 1, 1}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if cm.Counts[0][0] != 1 || cm.Counts[1][1] != 1 || cm.Counts[1][0] != 1 {
		t.Errorf("unexpected counts %v", cm.Counts)
	}
}

func TestCNN1DForwardShapes(t *testing.T) {
	rng := rand.New(rand.NewSource(6))
	model, err := NewCNN1D(CNN1DConfig{InChannels: 1, NumClasses: 4, FeatureDim: 64}, rng)
	if err != nil {
		t.Fatalf("NewCNN1D failed: %v", err)
	}

	input, err := tensor.Randn([]int{2, 1, 1024}, 1.0, rng)
	if err != nil {
		t.Fatalf("Randn failed: %v", err)
	}
	logits, features, err := model.ForwardFeatures(input)
	if err != nil {
		t.Fatalf("ForwardFeatures failed: %v", err)
	}
	if logits.Shape[0] != 2 || logits.Shape[1] != 4 {
		t.Errorf("logits shape %v, want [2 4]", logits.Shape)
	}
	if features.Shape[0] != 2 || features.Shape[1] != 64 {
		t.Errorf("features shape %v, want [2 64]", features.Shape)
	}

	t.Run("eval mode builds no graph", func(t *testing.T) {
		model.Eval()
		logits, _, err := model.ForwardFeatures(input)
		if err != nil {
			t.Fatalf("ForwardFeatures failed: %v", err)
		}
		loss := tensor.MeanAutograd(logits)
		if err := loss.Backward(); err == nil {
			t.Fatal("expected backward to fail on an eval-mode result with no graph")
		}
		for _, p := range model.Parameters() {
			if p.Grad() != nil {
				t.Fatal("eval-mode forward should not reach parameters")
			}
		}
	})
}
