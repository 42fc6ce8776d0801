package adapt

import (
	"fmt"
	"math"

	"go.dedis.ch/onet/v3/log"

	"github.com/faultline/faultline/checkpoints"
	"github.com/faultline/faultline/tensor"
	"github.com/faultline/faultline/training"
)

// TrainMode selects how source-domain data feeds the trainer.
type TrainMode string

const (
	// SingleSource trains against one source domain.
	SingleSource TrainMode = "single_source"
	// SourceCombine trains against several source domains concatenated
	// into one stream.
	SourceCombine TrainMode = "source_combine"
	// MultiSource keeps source domains separate. Not supported by the
	// adversarial trainers here; selecting it is a configuration error.
	MultiSource TrainMode = "multi_source"
)

// Reserved loader keys for the target domain.
const (
	KeySource      = "source"
	KeyTargetTrain = "train"
	KeyTargetVal   = "val"
)

// Loaders maps domain names to batch sources. The source stream lives
// under KeySource; KeyTargetTrain and KeyTargetVal hold the target
// domain's unlabeled training data and held-out validation data.
type Loaders map[string]*training.DataLoader

// TrainerConfig configures a Trainer.
type TrainerConfig struct {
	TrainMode TrainMode
	MaxEpochs int
	BaseLR    float64
	// Tradeoff weights the domain loss against the classification loss
	// per epoch. Defaults to the ramped "exp" schedule.
	Tradeoff TradeoffSchedule
	// Scheduler adjusts the learning rate per epoch. Nil keeps it fixed.
	Scheduler training.LRScheduler
	// Recorder receives scalar metrics. Nil discards them.
	Recorder training.Recorder
	// CheckpointPath, when set, receives a snapshot every time validation
	// accuracy reaches a new best.
	CheckpointPath string
	ModelName      string
	// Diagnostics, when set, runs after the final epoch with the trained
	// model and the validation loader.
	Diagnostics func(model training.FeatureModel, val *training.DataLoader, epoch int) error
}

// Trainer runs the adversarial adaptation loop: paired source/target
// batches, one shared forward pass, classification plus scheduled domain
// loss, one optimizer step per iteration.
type Trainer struct {
	model     training.FeatureModel
	strategy  AlignmentStrategy
	optimizer training.Optimizer
	loaders   Loaders
	cfg       TrainerConfig

	clsLoss *training.CrossEntropyLoss
	target  *training.CyclingLoader

	bestAccuracy float64
	bestEpoch    int
}

// FitResult summarizes a completed run.
type FitResult struct {
	BestAccuracy  float64
	BestEpoch     int
	FinalAccuracy float64
	// ValSummary aggregates the per-epoch validation accuracies.
	ValSummary training.RunSummary
}

// NewTrainer validates the configuration and wires the training loop.
// Unsupported train modes fail here, before any training starts.
func NewTrainer(model training.FeatureModel, strategy AlignmentStrategy, optimizer training.Optimizer, loaders Loaders, cfg TrainerConfig) (*Trainer, error) {
	if model == nil || strategy == nil || optimizer == nil {
		return nil, fmt.Errorf("model, strategy and optimizer are all required")
	}
	switch cfg.TrainMode {
	case SingleSource, SourceCombine:
	case MultiSource:
		return nil, fmt.Errorf("train mode %q is not supported by the %s trainer", cfg.TrainMode, strategy.Name())
	default:
		return nil, fmt.Errorf("unknown train mode %q", cfg.TrainMode)
	}
	for _, key := range []string{KeySource, KeyTargetTrain, KeyTargetVal} {
		if loaders[key] == nil {
			return nil, fmt.Errorf("missing %q data loader", key)
		}
	}
	if cfg.MaxEpochs <= 0 {
		return nil, fmt.Errorf("max epochs must be positive, got %d", cfg.MaxEpochs)
	}
	if cfg.BaseLR <= 0 {
		return nil, fmt.Errorf("base learning rate must be positive, got %v", cfg.BaseLR)
	}
	if cfg.Tradeoff == nil {
		cfg.Tradeoff = ExpTradeoff{}
	}
	if cfg.Recorder == nil {
		cfg.Recorder = training.NopRecorder{}
	}
	if cfg.ModelName == "" {
		cfg.ModelName = strategy.Name()
	}

	clsLoss, err := training.NewCrossEntropyLoss(tensor.ReductionMean)
	if err != nil {
		return nil, err
	}
	return &Trainer{
		model:     model,
		strategy:  strategy,
		optimizer: optimizer,
		loaders:   loaders,
		cfg:       cfg,
		clsLoss:   clsLoss,
		target:    training.NewCyclingLoader(loaders[KeyTargetTrain]),
	}, nil
}

// Fit runs the full training schedule and returns the best and final
// validation accuracies.
func (t *Trainer) Fit() (FitResult, error) {
	t.bestAccuracy = 0
	t.bestEpoch = -1

	var valAcc float64
	valHistory := make([]float64, 0, t.cfg.MaxEpochs)
	for epoch := 0; epoch < t.cfg.MaxEpochs; epoch++ {
		if t.cfg.Scheduler != nil {
			t.optimizer.SetLR(t.cfg.Scheduler.GetLR(epoch, t.cfg.BaseLR))
		}
		tradeoff := t.cfg.Tradeoff.Value(epoch, t.cfg.MaxEpochs)

		trainAcc, trainLoss, err := t.trainEpoch(tradeoff)
		if err != nil {
			return FitResult{}, fmt.Errorf("epoch %d training failed: %v", epoch, err)
		}

		valAcc, err = t.Evaluate()
		if err != nil {
			return FitResult{}, fmt.Errorf("epoch %d evaluation failed: %v", epoch, err)
		}
		valHistory = append(valHistory, valAcc)

		t.cfg.Recorder.Record("train_loss", trainLoss, epoch)
		t.cfg.Recorder.Record("train_accuracy", trainAcc, epoch)
		t.cfg.Recorder.Record("val_accuracy", valAcc, epoch)
		t.cfg.Recorder.Record("tradeoff", tradeoff, epoch)
		t.cfg.Recorder.Record("discriminator_accuracy", t.strategy.DiscriminatorAccuracy(), epoch)
		t.cfg.Recorder.Record("learning_rate", t.optimizer.GetLR(), epoch)
		log.Lvlf1("epoch %d: train loss %.4f, train acc %.4f, val acc %.4f", epoch, trainLoss, trainAcc, valAcc)

		// Ties prefer the later epoch.
		if valAcc >= t.bestAccuracy {
			t.bestAccuracy = valAcc
			t.bestEpoch = epoch
			if t.cfg.CheckpointPath != "" {
				if err := t.saveCheckpoint(epoch); err != nil {
					return FitResult{}, err
				}
			}
		}
	}

	if t.cfg.Diagnostics != nil {
		if err := t.cfg.Diagnostics(t.model, t.loaders[KeyTargetVal], t.cfg.MaxEpochs-1); err != nil {
			return FitResult{}, fmt.Errorf("diagnostics failed: %v", err)
		}
	}

	summary, err := training.Summarize(valHistory)
	if err != nil {
		return FitResult{}, err
	}
	log.Lvlf1("run complete: val acc mean %.4f, stdev %.4f, min %.4f, max %.4f, median %.4f",
		summary.Mean, summary.Stdev, summary.Min, summary.Max, summary.Median)

	return FitResult{
		BestAccuracy:  t.bestAccuracy,
		BestEpoch:     t.bestEpoch,
		FinalAccuracy: valAcc,
		ValSummary:    summary,
	}, nil
}

// trainEpoch iterates the source loader once, drawing target batches from
// the independently cycling target stream.
func (t *Trainer) trainEpoch(tradeoff float64) (float64, float64, error) {
	t.model.Train()
	t.strategy.Train()

	source := t.loaders[KeySource]
	source.Reset()

	metrics := training.NewRunningMetrics()
	for {
		srcBatch, ok, err := source.Next()
		if err != nil {
			return 0, 0, err
		}
		if !ok {
			break
		}
		tgtBatch, err := t.target.Next()
		if err != nil {
			return 0, 0, err
		}

		nSource := srcBatch.Data.Shape[0]
		nTarget := tgtBatch.Data.Shape[0]
		if nSource != nTarget {
			return 0, 0, fmt.Errorf("source batch has %d rows but target batch has %d; configure both loaders with the same batch size and drop trailing partial batches", nSource, nTarget)
		}

		loss, acc, err := t.trainStep(srcBatch, tgtBatch, tradeoff)
		if err != nil {
			return 0, 0, err
		}
		if math.IsNaN(loss) || math.IsInf(loss, 0) {
			return 0, 0, fmt.Errorf("loss diverged to %v", loss)
		}
		metrics.Add("loss", loss, nSource)
		metrics.Add("accuracy", acc, nSource)
	}
	return metrics.Mean("accuracy"), metrics.Mean("loss"), nil
}

// trainStep runs one shared forward pass over the concatenated batch,
// splits it back into domains, combines the losses and applies one
// optimizer update.
func (t *Trainer) trainStep(srcBatch, tgtBatch training.Batch, tradeoff float64) (float64, float64, error) {
	n := srcBatch.Data.Shape[0]

	combined, err := tensor.ConcatRows(srcBatch.Data, tgtBatch.Data)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to concatenate batches: %v", err)
	}

	logits, features, err := t.model.ForwardFeatures(combined)
	if err != nil {
		return 0, 0, fmt.Errorf("forward pass failed: %v", err)
	}

	logitsSource, err := tensor.SliceRowsAutograd(logits, 0, n)
	if err != nil {
		return 0, 0, err
	}
	logitsTarget, err := tensor.SliceRowsAutograd(logits, n, 2*n)
	if err != nil {
		return 0, 0, err
	}
	featuresSource, err := tensor.SliceRowsAutograd(features, 0, n)
	if err != nil {
		return 0, 0, err
	}
	featuresTarget, err := tensor.SliceRowsAutograd(features, n, 2*n)
	if err != nil {
		return 0, 0, err
	}

	clsLoss, err := t.clsLoss.Compute(logitsSource, srcBatch.Labels)
	if err != nil {
		return 0, 0, fmt.Errorf("classification loss failed: %v", err)
	}
	domainLoss, err := t.strategy.DomainLoss(
		BatchOutput{Logits: logitsSource, Features: featuresSource},
		BatchOutput{Logits: logitsTarget, Features: featuresTarget},
	)
	if err != nil {
		return 0, 0, fmt.Errorf("domain loss failed: %v", err)
	}

	total, err := tensor.AddAutograd(clsLoss, tensor.ScaleAutograd(domainLoss, float32(tradeoff)))
	if err != nil {
		return 0, 0, err
	}

	t.optimizer.ZeroGrad()
	if err := total.Backward(); err != nil {
		return 0, 0, fmt.Errorf("backward pass failed: %v", err)
	}
	if err := t.optimizer.Step(); err != nil {
		return 0, 0, fmt.Errorf("optimizer step failed: %v", err)
	}

	acc, err := training.Accuracy(logitsSource, srcBatch.Labels)
	if err != nil {
		return 0, 0, err
	}
	lossValue, err := total.Item()
	if err != nil {
		return 0, 0, err
	}
	return float64(lossValue), acc, nil
}

// Evaluate runs the model over the target validation set in eval mode and
// returns mean accuracy.
func (t *Trainer) Evaluate() (float64, error) {
	t.model.Eval()
	t.strategy.Eval()
	defer func() {
		t.model.Train()
		t.strategy.Train()
	}()

	val := t.loaders[KeyTargetVal]
	val.Reset()

	metrics := training.NewRunningMetrics()
	for {
		batch, ok, err := val.Next()
		if err != nil {
			return 0, err
		}
		if !ok {
			break
		}
		logits, err := t.model.Forward(batch.Data)
		if err != nil {
			return 0, fmt.Errorf("validation forward failed: %v", err)
		}
		acc, err := training.Accuracy(logits, batch.Labels)
		if err != nil {
			return 0, err
		}
		metrics.Add("accuracy", acc, batch.Data.Shape[0])
	}
	return metrics.Mean("accuracy"), nil
}

func (t *Trainer) saveCheckpoint(epoch int) error {
	params := append([]*tensor.Tensor(nil), t.model.Parameters()...)
	params = append(params, t.strategy.Parameters()...)
	cp := checkpoints.FromParameters(t.cfg.ModelName, params, checkpoints.TrainingState{
		Epoch:        epoch,
		BestAccuracy: t.bestAccuracy,
		BestEpoch:    t.bestEpoch,
		LearningRate: t.optimizer.GetLR(),
	})
	if err := cp.Save(t.cfg.CheckpointPath); err != nil {
		return fmt.Errorf("failed to save checkpoint at epoch %d: %v", epoch, err)
	}
	return nil
}

// RestoreCheckpoint loads a saved snapshot into the model and strategy
// parameters, for evaluation-only runs.
func (t *Trainer) RestoreCheckpoint(path string) error {
	cp, err := checkpoints.Load(path)
	if err != nil {
		return err
	}
	params := append([]*tensor.Tensor(nil), t.model.Parameters()...)
	params = append(params, t.strategy.Parameters()...)
	return cp.Restore(params)
}
