// Command faultline trains a domain-adversarial fault diagnosis model on
// bearing vibration data and reports target-domain accuracy.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"go.dedis.ch/onet/v3/log"

	"github.com/faultline/faultline/adapt"
	"github.com/faultline/faultline/data"
	"github.com/faultline/faultline/diag"
	"github.com/faultline/faultline/tensor"
	"github.com/faultline/faultline/training"
)

// Config collects every knob of a run. Values come from an optional TOML
// file, overridden by command-line flags.
type Config struct {
	Model     string `toml:"model"`      // CDAN, ACDANN or DANN
	TrainMode string `toml:"train_mode"` // single_source or source_combine

	MaxEpochs   int     `toml:"max_epochs"`
	BatchSize   int     `toml:"batch_size"`
	Optimizer   string  `toml:"optimizer"` // sgd or adam
	LR          float64 `toml:"lr"`
	Momentum    float64 `toml:"momentum"`
	WeightDecay float64 `toml:"weight_decay"`
	LRScheduler string  `toml:"lr_scheduler"` // step:…, exp:…, stepLR:… or fix
	Tradeoff    string  `toml:"tradeoff"`     // numeric literal or exp

	FeatureDim    int     `toml:"feature_dim"`
	Dropout       float64 `toml:"dropout"`
	Entropy       bool    `toml:"entropy"`
	Randomized    bool    `toml:"randomized"`
	RandomizedDim int     `toml:"randomized_dim"`

	WindowLength  int    `toml:"window_length"`
	Stride        int    `toml:"stride"`
	NormalizeType string `toml:"normalize_type"` // 0-1, -1-1, mean-std or none
	Imbalanced    bool   `toml:"imbalanced"`

	SourceShaftFreq float64 `toml:"source_shaft_freq"`
	TargetShaftFreq float64 `toml:"target_shaft_freq"`
	NoiseStd        float64 `toml:"noise_std"`
	SamplesPerClass int     `toml:"samples_per_class"`
	RecordingLen    int     `toml:"recording_len"`

	OutputDir string `toml:"output_dir"`
	// LoadPath restores a saved checkpoint and runs evaluation only.
	LoadPath string `toml:"load_path"`
	Plots    bool   `toml:"plots"`
	Seed     int64  `toml:"seed"`
}

func defaultConfig() Config {
	return Config{
		Model:           "CDAN",
		TrainMode:       "single_source",
		MaxEpochs:       50,
		BatchSize:       64,
		Optimizer:       "sgd",
		LR:              0.001,
		Momentum:        0.9,
		WeightDecay:     1e-5,
		LRScheduler:     "fix",
		Tradeoff:        "exp",
		FeatureDim:      256,
		Dropout:         0.5,
		Entropy:         true,
		WindowLength:    1024,
		Stride:          512,
		NormalizeType:   "mean-std",
		SourceShaftFreq: 30,
		TargetShaftFreq: 45,
		NoiseStd:        0.2,
		SamplesPerClass: 16,
		RecordingLen:    8192,
		OutputDir:       "runs",
		Plots:           true,
		Seed:            42,
	}
}

func parseFlags(args []string) (Config, error) {
	cfg := defaultConfig()

	fs := flag.NewFlagSet("faultline", flag.ContinueOnError)
	configPath := fs.String("config", "", "TOML configuration file")
	fs.StringVar(&cfg.Model, "model", cfg.Model, "trainer variant: CDAN, ACDANN or DANN")
	fs.StringVar(&cfg.TrainMode, "train-mode", cfg.TrainMode, "single_source or source_combine")
	fs.IntVar(&cfg.MaxEpochs, "epochs", cfg.MaxEpochs, "number of training epochs")
	fs.IntVar(&cfg.BatchSize, "batch-size", cfg.BatchSize, "batch size for both domains")
	fs.StringVar(&cfg.Optimizer, "opt", cfg.Optimizer, "optimizer: sgd or adam")
	fs.Float64Var(&cfg.LR, "lr", cfg.LR, "base learning rate")
	fs.StringVar(&cfg.LRScheduler, "lr-scheduler", cfg.LRScheduler, "learning-rate schedule spec")
	fs.StringVar(&cfg.Tradeoff, "tradeoff", cfg.Tradeoff, "domain loss weight: number or exp")
	fs.BoolVar(&cfg.Entropy, "entropy", cfg.Entropy, "entropy-weight the domain loss")
	fs.BoolVar(&cfg.Randomized, "randomized", cfg.Randomized, "use the randomized multilinear map")
	fs.IntVar(&cfg.RandomizedDim, "randomized-dim", cfg.RandomizedDim, "randomized map output dimension")
	fs.StringVar(&cfg.NormalizeType, "normalize", cfg.NormalizeType, "window normalization: 0-1, -1-1, mean-std or none")
	fs.BoolVar(&cfg.Imbalanced, "imbalanced", cfg.Imbalanced, "use an imbalanced source domain")
	fs.StringVar(&cfg.OutputDir, "output", cfg.OutputDir, "directory for checkpoints and plots")
	fs.StringVar(&cfg.LoadPath, "load", cfg.LoadPath, "checkpoint to restore for an evaluation-only run")
	fs.Int64Var(&cfg.Seed, "seed", cfg.Seed, "random seed")

	// First pass locates -config, then the file is loaded and flags are
	// re-applied so they win over the file.
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	if *configPath != "" {
		if _, err := toml.DecodeFile(*configPath, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to load config %s: %v", *configPath, err)
		}
		if err := fs.Parse(args); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

func run(cfg Config) error {
	rng := rand.New(rand.NewSource(cfg.Seed))

	normalize, err := data.ParseNormalizeType(cfg.NormalizeType)
	if err != nil {
		return err
	}
	sigCfg := data.SignalConfig{
		WindowLength: cfg.WindowLength,
		Stride:       cfg.Stride,
		Normalize:    normalize,
	}

	log.Lvl1("generating source and target domains")
	var source training.Dataset
	source, err = data.SyntheticDomain(cfg.SamplesPerClass, cfg.RecordingLen, sigCfg, data.SyntheticConfig{
		ShaftFreq:  cfg.SourceShaftFreq,
		NoiseStd:   cfg.NoiseStd,
		Imbalanced: cfg.Imbalanced,
	}, rng)
	if err != nil {
		return fmt.Errorf("failed to build source domain: %v", err)
	}
	if cfg.TrainMode == string(adapt.SourceCombine) {
		// A second source at an intermediate shaft speed, pooled with the
		// first into one training stream.
		extra, err := data.SyntheticDomain(cfg.SamplesPerClass, cfg.RecordingLen, sigCfg, data.SyntheticConfig{
			ShaftFreq:  (cfg.SourceShaftFreq + cfg.TargetShaftFreq) / 2,
			NoiseStd:   cfg.NoiseStd,
			Imbalanced: cfg.Imbalanced,
		}, rng)
		if err != nil {
			return fmt.Errorf("failed to build second source domain: %v", err)
		}
		source, err = training.NewConcatDataset(source, extra)
		if err != nil {
			return err
		}
	}
	target, err := data.SyntheticDomain(cfg.SamplesPerClass, cfg.RecordingLen, sigCfg, data.SyntheticConfig{
		ShaftFreq: cfg.TargetShaftFreq,
		NoiseStd:  cfg.NoiseStd,
	}, rng)
	if err != nil {
		return fmt.Errorf("failed to build target domain: %v", err)
	}
	targetTrain, targetVal, err := target.Split(0.8)
	if err != nil {
		return err
	}

	loaders := adapt.Loaders{}
	for key, ds := range map[string]training.Dataset{
		adapt.KeySource:      source,
		adapt.KeyTargetTrain: targetTrain,
		adapt.KeyTargetVal:   targetVal,
	} {
		dropLast := key != adapt.KeyTargetVal
		loaders[key], err = training.NewDataLoader(ds, training.DataLoaderConfig{
			BatchSize: cfg.BatchSize,
			Shuffle:   key != adapt.KeyTargetVal,
			DropLast:  dropLast,
			Seed:      cfg.Seed,
		})
		if err != nil {
			return fmt.Errorf("failed to build %s loader: %v", key, err)
		}
	}

	model, err := training.NewCNN1D(training.CNN1DConfig{
		InChannels:  1,
		NumClasses:  int(data.NumFaultClasses),
		FeatureDim:  cfg.FeatureDim,
		DropoutRate: cfg.Dropout,
	}, rng)
	if err != nil {
		return fmt.Errorf("failed to build model: %v", err)
	}

	strategy, err := buildStrategy(cfg, model, rng)
	if err != nil {
		return err
	}

	params := append(model.Parameters(), strategy.Parameters()...)
	optimizer, err := buildOptimizer(cfg, params)
	if err != nil {
		return err
	}

	scheduler, err := training.NewSchedulerFromSpec(cfg.LRScheduler)
	if err != nil {
		return err
	}
	tradeoff, err := adapt.ParseTradeoff(cfg.Tradeoff)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %v", err)
	}
	recorder, err := training.NewCSVRecorder(filepath.Join(cfg.OutputDir, "metrics.csv"))
	if err != nil {
		return err
	}
	defer recorder.Close()

	trainerCfg := adapt.TrainerConfig{
		TrainMode:      adapt.TrainMode(cfg.TrainMode),
		MaxEpochs:      cfg.MaxEpochs,
		BaseLR:         cfg.LR,
		Tradeoff:       tradeoff,
		Scheduler:      scheduler,
		Recorder:       recorder,
		CheckpointPath: filepath.Join(cfg.OutputDir, "best.json"),
		ModelName:      cfg.Model,
	}
	if cfg.Plots {
		trainerCfg.Diagnostics = func(m training.FeatureModel, val *training.DataLoader, epoch int) error {
			return diag.Render(cfg.OutputDir, cfg.Model, cfg.Imbalanced, epoch, m, val)
		}
	}

	trainer, err := adapt.NewTrainer(model, strategy, optimizer, loaders, trainerCfg)
	if err != nil {
		return err
	}

	if cfg.LoadPath != "" {
		if err := trainer.RestoreCheckpoint(cfg.LoadPath); err != nil {
			return fmt.Errorf("failed to restore %s: %v", cfg.LoadPath, err)
		}
		acc, err := trainer.Evaluate()
		if err != nil {
			return err
		}
		log.Lvlf1("restored %s: validation accuracy %.4f", cfg.LoadPath, acc)
		return nil
	}

	log.Lvlf1("training %s for %d epochs", cfg.Model, cfg.MaxEpochs)
	result, err := trainer.Fit()
	if err != nil {
		return err
	}
	log.Lvlf1("best accuracy %.4f at epoch %d, final accuracy %.4f",
		result.BestAccuracy, result.BestEpoch, result.FinalAccuracy)
	return nil
}

// buildOptimizer assembles the optimizer named in the config.
func buildOptimizer(cfg Config, params []*tensor.Tensor) (training.Optimizer, error) {
	switch cfg.Optimizer {
	case "sgd", "":
		return training.NewSGD(params, training.SGDConfig{
			LearningRate: cfg.LR,
			Momentum:     cfg.Momentum,
			WeightDecay:  cfg.WeightDecay,
		})
	case "adam":
		return training.NewAdam(params, training.AdamConfig{
			LearningRate: cfg.LR,
			WeightDecay:  cfg.WeightDecay,
		})
	default:
		return nil, fmt.Errorf("unknown optimizer %q (want sgd or adam)", cfg.Optimizer)
	}
}

// buildStrategy assembles the alignment strategy named in the config.
func buildStrategy(cfg Config, model training.FeatureModel, rng *rand.Rand) (adapt.AlignmentStrategy, error) {
	reverser, err := adapt.NewWarmStartGradientReverser(adapt.WarmStartConfig{
		Alpha:    1.0,
		Hi:       1.0,
		MaxIters: 1000,
		AutoStep: true,
	})
	if err != nil {
		return nil, err
	}

	featureMap := func() (adapt.FeatureMap, error) {
		if cfg.Randomized {
			dim := cfg.RandomizedDim
			if dim == 0 {
				dim = 1024
			}
			return adapt.NewRandomizedMultiLinearMap(model.FeatureDim(), model.NumClasses(), dim, rng)
		}
		return adapt.NewMultiLinearMap(model.FeatureDim(), model.NumClasses())
	}

	switch cfg.Model {
	case "CDAN":
		fm, err := featureMap()
		if err != nil {
			return nil, err
		}
		disc, err := training.NewClassifierMLP(fm.OutputDim(), 1, []int{1024}, cfg.Dropout, training.LastSigmoid, rng)
		if err != nil {
			return nil, err
		}
		return adapt.NewCDANStrategy(disc, fm, reverser, adapt.CondLossConfig{
			EntropyConditioning: cfg.Entropy,
			SigmoidHead:         true,
		})
	case "ACDANN":
		fm, err := featureMap()
		if err != nil {
			return nil, err
		}
		disc, err := training.NewClassifierMLP(fm.OutputDim(), 2, []int{1024}, cfg.Dropout, training.LastNone, rng)
		if err != nil {
			return nil, err
		}
		return adapt.NewACDANNStrategy(disc, fm, reverser, adapt.ACDANNConfig{Seed: uint64(cfg.Seed)})
	case "DANN":
		disc, err := training.NewClassifierMLP(model.FeatureDim(), 1, []int{1024}, cfg.Dropout, training.LastSigmoid, rng)
		if err != nil {
			return nil, err
		}
		return adapt.NewDANNStrategy(disc, reverser)
	default:
		return nil, fmt.Errorf("unknown model %q (want CDAN, ACDANN or DANN)", cfg.Model)
	}
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}
