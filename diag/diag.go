// Package diag renders post-training diagnostics: a PCA projection of the
// learned feature embedding and a confusion-matrix heatmap, written as PNG
// files named deterministically from the run configuration.
package diag

import (
	"fmt"
	"image/color"
	"path/filepath"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"github.com/faultline/faultline/training"
)

// EmbeddingFileName returns the deterministic name for the embedding plot.
func EmbeddingFileName(model string, imbalanced bool, epoch int) string {
	return fmt.Sprintf("%s_imba_%t_epoch_%d_embedding.png", model, imbalanced, epoch)
}

// ConfusionFileName returns the deterministic name for the confusion plot.
func ConfusionFileName(model string, imbalanced bool, epoch int) string {
	return fmt.Sprintf("%s_imba_%t_epoch_%d_confusion.png", model, imbalanced, epoch)
}

// PCAProject reduces row vectors to their first two principal components.
func PCAProject(features [][]float64) ([][2]float64, error) {
	if len(features) < 2 {
		return nil, fmt.Errorf("need at least 2 rows for a projection, got %d", len(features))
	}
	dim := len(features[0])
	if dim < 2 {
		return nil, fmt.Errorf("need at least 2 feature dimensions, got %d", dim)
	}

	m := mat.NewDense(len(features), dim, nil)
	for i, row := range features {
		if len(row) != dim {
			return nil, fmt.Errorf("row %d has %d values, expected %d", i, len(row), dim)
		}
		m.SetRow(i, row)
	}

	// Center columns so the projection is around the origin.
	col := make([]float64, len(features))
	for j := 0; j < dim; j++ {
		mat.Col(col, j, m)
		mean := stat.Mean(col, nil)
		for i := range col {
			m.Set(i, j, col[i]-mean)
		}
	}

	var pc stat.PC
	if ok := pc.PrincipalComponents(m, nil); !ok {
		return nil, fmt.Errorf("principal component decomposition failed")
	}
	var vectors mat.Dense
	pc.VectorsTo(&vectors)

	var projected mat.Dense
	projected.Mul(m, vectors.Slice(0, dim, 0, 2))

	points := make([][2]float64, len(features))
	for i := range points {
		points[i][0] = projected.At(i, 0)
		points[i][1] = projected.At(i, 1)
	}
	return points, nil
}

// PlotEmbedding writes a scatter plot of projected features colored by
// class label.
func PlotEmbedding(path string, points [][2]float64, labels []int, numClasses int) error {
	if len(points) != len(labels) {
		return fmt.Errorf("%d points but %d labels", len(points), len(labels))
	}

	p := plot.New()
	p.Title.Text = "Feature embedding (PCA)"
	p.X.Label.Text = "PC 1"
	p.Y.Label.Text = "PC 2"

	for class := 0; class < numClasses; class++ {
		var xys plotter.XYs
		for i, pt := range points {
			if labels[i] == class {
				xys = append(xys, plotter.XY{X: pt[0], Y: pt[1]})
			}
		}
		if len(xys) == 0 {
			continue
		}
		scatter, err := plotter.NewScatter(xys)
		if err != nil {
			return fmt.Errorf("failed to build scatter for class %d: %v", class, err)
		}
		scatter.GlyphStyle.Color = plotutil.Color(class)
		scatter.GlyphStyle.Radius = vg.Points(2)
		p.Add(scatter)
		p.Legend.Add(fmt.Sprintf("class %d", class), scatter)
	}

	if err := p.Save(6*vg.Inch, 6*vg.Inch, path); err != nil {
		return fmt.Errorf("failed to save embedding plot: %v", err)
	}
	return nil
}

// confusionGrid adapts a confusion matrix to the heatmap grid interface.
// Row 0 of the matrix is drawn at the top.
type confusionGrid struct {
	cm *training.ConfusionMatrix
}

func (g confusionGrid) Dims() (int, int) { return g.cm.NumClasses, g.cm.NumClasses }
func (g confusionGrid) X(c int) float64  { return float64(c) }
func (g confusionGrid) Y(r int) float64  { return float64(r) }
func (g confusionGrid) Z(c, r int) float64 {
	return float64(g.cm.Counts[g.cm.NumClasses-1-r][c])
}

// PlotConfusion writes a heatmap of the confusion matrix.
func PlotConfusion(path string, cm *training.ConfusionMatrix) error {
	p := plot.New()
	p.Title.Text = "Confusion matrix"
	p.X.Label.Text = "Predicted class"
	p.Y.Label.Text = "True class"

	heatmap := plotter.NewHeatMap(confusionGrid{cm: cm}, palette.Heat(12, 1))
	p.Add(heatmap)

	p.BackgroundColor = color.White
	if err := p.Save(6*vg.Inch, 6*vg.Inch, path); err != nil {
		return fmt.Errorf("failed to save confusion plot: %v", err)
	}
	return nil
}

// Render evaluates the model over the validation loader and writes both
// diagnostic plots to dir. It matches the trainer's diagnostics hook when
// wrapped with the run configuration.
func Render(dir, modelName string, imbalanced bool, epoch int, model training.FeatureModel, val *training.DataLoader) error {
	model.Eval()
	defer model.Train()

	cm, err := training.NewConfusionMatrix(model.NumClasses())
	if err != nil {
		return err
	}

	var features [][]float64
	var labels []int

	val.Reset()
	for {
		batch, ok, err := val.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		logits, feats, err := model.ForwardFeatures(batch.Data)
		if err != nil {
			return fmt.Errorf("diagnostics forward failed: %v", err)
		}
		if err := cm.Update(logits, batch.Labels); err != nil {
			return err
		}

		dim := feats.Shape[1]
		for i := 0; i < feats.Shape[0]; i++ {
			row := make([]float64, dim)
			for j := 0; j < dim; j++ {
				row[j] = float64(feats.Data[i*dim+j])
			}
			features = append(features, row)
			labels = append(labels, batch.Labels[i])
		}
	}

	points, err := PCAProject(features)
	if err != nil {
		return err
	}
	if err := PlotEmbedding(filepath.Join(dir, EmbeddingFileName(modelName, imbalanced, epoch)), points, labels, model.NumClasses()); err != nil {
		return err
	}
	return PlotConfusion(filepath.Join(dir, ConfusionFileName(modelName, imbalanced, epoch)), cm)
}
