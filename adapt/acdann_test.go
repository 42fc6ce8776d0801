package adapt

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/faultline/faultline/tensor"
)

// recordingDisc returns preset two-class scores and records the shape of
// every input it sees.
type recordingDisc struct {
	scores []float32
	shapes [][]int
}

func (d *recordingDisc) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	d.shapes = append(d.shapes, append([]int(nil), input.Shape...))
	n := input.Shape[0]
	return tensor.NewTensor([]int{n, 2}, d.scores[:n*2])
}

func (d *recordingDisc) Parameters() []*tensor.Tensor { return nil }
func (d *recordingDisc) Train()                       {}
func (d *recordingDisc) Eval()                        {}
func (d *recordingDisc) IsTraining() bool             { return true }

func TestACDANNDiscriminatorSeesBothDomains(t *testing.T) {
	// Rows 0-4 (source) all predict class 1, rows 5-9 (target) predict
	// class 0 except row 5: 9 of 10 rows match the hard domain labels.
	scores := []float32{
		0.1, 0.9,
		0.2, 0.8,
		0.1, 0.9,
		0.3, 0.7,
		0.2, 0.8,
		0.4, 0.6,
		0.9, 0.1,
		0.8, 0.2,
		0.7, 0.3,
		0.9, 0.1,
	}
	disc := &recordingDisc{scores: scores}
	fm, err := NewMultiLinearMap(2, 2)
	require.NoError(t, err)
	strategy, err := NewACDANNStrategy(disc, fm, NewGradientReverser(1), ACDANNConfig{Seed: 5})
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(1))
	gs, _ := tensor.Randn([]int{5, 2}, 1.0, rng)
	fs, _ := tensor.Randn([]int{5, 2}, 1.0, rng)
	gt, _ := tensor.Randn([]int{5, 2}, 1.0, rng)
	ft, _ := tensor.Randn([]int{5, 2}, 1.0, rng)

	loss, err := strategy.DomainLoss(
		BatchOutput{Logits: gs, Features: fs},
		BatchOutput{Logits: gt, Features: ft},
	)
	require.NoError(t, err)
	require.Equal(t, []int{1}, loss.Shape)

	// The discriminator must see one forward over the concatenated
	// domains: 2n rows of the conditioned width C*D.
	require.Len(t, disc.shapes, 1)
	assert.Equal(t, []int{10, 4}, disc.shapes[0])

	assert.InDelta(t, 0.9, strategy.DiscriminatorAccuracy(), 1e-9)
}

func TestACDANNBatchSizeMismatch(t *testing.T) {
	fm, err := NewMultiLinearMap(2, 2)
	require.NoError(t, err)
	strategy, err := NewACDANNStrategy(&recordingDisc{}, fm, NewGradientReverser(1), ACDANNConfig{})
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(2))
	gs, _ := tensor.Randn([]int{3, 2}, 1.0, rng)
	fs, _ := tensor.Randn([]int{3, 2}, 1.0, rng)
	gt, _ := tensor.Randn([]int{4, 2}, 1.0, rng)
	ft, _ := tensor.Randn([]int{4, 2}, 1.0, rng)

	_, err = strategy.DomainLoss(
		BatchOutput{Logits: gs, Features: fs},
		BatchOutput{Logits: gt, Features: ft},
	)
	assert.Error(t, err)
}

func TestMixRows(t *testing.T) {
	x, err := tensor.NewTensor([]int{3, 2}, []float32{
		1, 2,
		3, 4,
		5, 6,
	})
	require.NoError(t, err)

	mixed, err := mixRows(x, []float32{1, 0, 0.5}, []int{1, 2, 0})
	require.NoError(t, err)

	// Row 0 keeps itself entirely, row 1 is replaced by row 2, row 2 is
	// the even blend of rows 2 and 0.
	expected := []float32{
		1, 2,
		5, 6,
		3, 4,
	}
	for i, v := range expected {
		assert.InDelta(t, float64(v), float64(mixed.Data[i]), 1e-6, "element %d", i)
	}
}

func TestMixRowsGradientFlow(t *testing.T) {
	x, err := tensor.NewTensor([]int{2, 2}, []float32{1, 1, 1, 1})
	require.NoError(t, err)
	x.SetRequiresGrad(true)

	mixed, err := mixRows(x, []float32{0.5, 0.5}, []int{1, 0})
	require.NoError(t, err)
	loss := tensor.SumAutograd(mixed)
	require.NoError(t, loss.Backward())

	grad := x.Grad()
	require.NotNil(t, grad)
	// Each input row contributes weight 0.5 directly and 0.5 through the
	// shuffled copy, so all gradients are 1.
	for i, g := range grad.Data {
		assert.InDelta(t, 1.0, float64(g), 1e-6, "grad %d", i)
	}
}
