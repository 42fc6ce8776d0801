package diag

import (
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/faultline/faultline/training"
)

func TestFileNames(t *testing.T) {
	if got := EmbeddingFileName("CDAN", true, 49); got != "CDAN_imba_true_epoch_49_embedding.png" {
		t.Errorf("embedding name = %q", got)
	}
	if got := ConfusionFileName("DANN", false, 0); got != "DANN_imba_false_epoch_0_confusion.png" {
		t.Errorf("confusion name = %q", got)
	}
}

func TestPCAProject(t *testing.T) {
	// Points along a line: the first component should carry nearly all
	// the variance.
	features := [][]float64{
		{0, 0, 0},
		{1, 2, 0.1},
		{2, 4, -0.1},
		{3, 6, 0},
		{4, 8, 0.05},
	}
	points, err := PCAProject(features)
	if err != nil {
		t.Fatalf("PCAProject failed: %v", err)
	}
	if len(points) != 5 {
		t.Fatalf("got %d points, want 5", len(points))
	}

	var var1, var2 float64
	for _, p := range points {
		var1 += p[0] * p[0]
		var2 += p[1] * p[1]
	}
	if var1 <= var2 {
		t.Errorf("first component variance %v should exceed second %v", var1, var2)
	}

	t.Run("too few rows", func(t *testing.T) {
		if _, err := PCAProject(features[:1]); err == nil {
			t.Error("expected error for a single row")
		}
	})

	t.Run("ragged rows", func(t *testing.T) {
		if _, err := PCAProject([][]float64{{1, 2}, {1}}); err == nil {
			t.Error("expected error for ragged input")
		}
	})
}

func TestPlotEmbedding(t *testing.T) {
	path := filepath.Join(t.TempDir(), "emb.png")
	points := [][2]float64{{0, 0}, {1, 1}, {-1, 0.5}, {0.2, -0.7}}
	labels := []int{0, 1, 0, 1}

	if err := PlotEmbedding(path, points, labels, 2); err != nil {
		t.Fatalf("PlotEmbedding failed: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("plot file missing: %v", err)
	}
	if info.Size() == 0 {
		t.Error("plot file is empty")
	}

	if err := PlotEmbedding(path, points, labels[:2], 2); err == nil {
		t.Error("expected error for mismatched labels")
	}
}

func TestPlotConfusion(t *testing.T) {
	cm, err := training.NewConfusionMatrix(3)
	if err != nil {
		t.Fatalf("NewConfusionMatrix failed: %v", err)
	}
	cm.Counts[0][0] = 5
	cm.Counts[1][1] = 3
	cm.Counts[1][2] = 2
	cm.Counts[2][2] = 4

	path := filepath.Join(t.TempDir(), "cm.png")
	if err := PlotConfusion(path, cm); err != nil {
		t.Fatalf("PlotConfusion failed: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("plot file missing: %v", err)
	}
}

type flatDataset struct {
	n, dim int
}

func (d flatDataset) Len() int { return d.n }
func (d flatDataset) Get(i int) ([]float32, int, error) {
	ex := make([]float32, d.dim)
	for j := range ex {
		ex[j] = float32((i*7+j*13)%10) / 10
	}
	return ex, i % 2, nil
}
func (d flatDataset) ExampleShape() []int { return []int{d.dim} }

func TestRender(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	model, err := training.NewMLPModel(6, 8, 2, nil, 0, rng)
	if err != nil {
		t.Fatalf("NewMLPModel failed: %v", err)
	}
	loader, err := training.NewDataLoader(flatDataset{n: 12, dim: 6}, training.DataLoaderConfig{BatchSize: 4})
	if err != nil {
		t.Fatalf("NewDataLoader failed: %v", err)
	}

	dir := t.TempDir()
	if err := Render(dir, "toy", false, 3, model, loader); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	for _, name := range []string{
		EmbeddingFileName("toy", false, 3),
		ConfusionFileName("toy", false, 3),
	} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("expected %s to exist: %v", name, err)
		}
	}
}
