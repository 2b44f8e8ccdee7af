package commands

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/distmatch/revgauss/internal/checkpoint"
	"github.com/distmatch/revgauss/internal/observability/metrics"
	"github.com/distmatch/revgauss/internal/tensor"
	"github.com/distmatch/revgauss/internal/training"
	"github.com/distmatch/revgauss/internal/transport"
)

type TrainOptions struct {
	InputFile string
	Labeled   bool
	PerClass  bool

	Clusters   int
	Blocks     int
	Gain       float64
	MeanSpread float64

	Epochs          int
	BatchSize       int
	LearningRate    float64
	AdvLearningRate float64
	UnlabeledLR     float64
	UnlabeledAlpha  float64
	StdL1           float64
	MeanL1          float64
	WeightL1        float64
	MinStd          float64
	Seed            int64

	InterpSamples   int
	Diff            string
	Normalization   string
	EnergyLoss      bool
	NormalizeByStds bool
	BackpropWeights bool

	CheckpointDir   string
	CheckpointEvery int
	MetricsPort     int
	EnableMetrics   bool
}

func NewTrainCmd() *cobra.Command {
	opts := &TrainOptions{}

	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train an invertible network against a Gaussian mixture",
		Long: `Train an exactly invertible coupling network so its latent batches match a
learnable Gaussian mixture, using sliced transport losses over random and
adversarial projection directions.`,
		Example: `  # Unsupervised training on vector data
  revgauss train --input data.csv --clusters 3 --epochs 200

  # Supervised per-class training, last CSV column is the class label
  revgauss train --input labeled.csv --labeled --per-class --clusters 2

  # Energy-distance estimator with Prometheus metrics
  revgauss train --input data.csv --energy --metrics --metrics-port 9090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrain(opts)
		},
	}

	cmd.Flags().StringVarP(&opts.InputFile, "input", "i", "", "Input CSV file of feature rows (required)")
	cmd.Flags().BoolVar(&opts.Labeled, "labeled", false, "Treat the last CSV column as an integer class label")
	cmd.Flags().BoolVar(&opts.PerClass, "per-class", false, "Per-class transport training (requires --labeled, 2 clusters)")
	cmd.Flags().IntVarP(&opts.Clusters, "clusters", "c", 2, "Number of mixture components")
	cmd.Flags().IntVar(&opts.Blocks, "blocks", 4, "Number of coupling blocks")
	cmd.Flags().Float64Var(&opts.Gain, "gain", 0.1, "Init gain of the coupling sub-transforms")
	cmd.Flags().Float64Var(&opts.MeanSpread, "mean-spread", 2.0, "Std of the random initial cluster means")
	cmd.Flags().IntVarP(&opts.Epochs, "epochs", "e", 100, "Training epochs")
	cmd.Flags().IntVarP(&opts.BatchSize, "batch-size", "b", 64, "Batch size")
	cmd.Flags().Float64Var(&opts.LearningRate, "lr", 0.001, "Learning rate for model and mixture parameters")
	cmd.Flags().Float64Var(&opts.AdvLearningRate, "adv-lr", 0.001, "Learning rate for adversarial directions")
	cmd.Flags().Float64Var(&opts.UnlabeledLR, "unlabeled-lr", 10, "Learning rate for unlabeled soft assignments")
	cmd.Flags().Float64Var(&opts.UnlabeledAlpha, "unlabeled-alpha", 0.1, "EMA coefficient of the soft-assignment optimizer")
	cmd.Flags().Float64Var(&opts.StdL1, "std-l1", 0.5, "L1 penalty on mixture stds")
	cmd.Flags().Float64Var(&opts.MeanL1, "mean-l1", 0.01, "L1 penalty on mixture means")
	cmd.Flags().Float64Var(&opts.WeightL1, "weight-l1", 0, "L1 penalty on mixture weights")
	cmd.Flags().Float64Var(&opts.MinStd, "min-std", 1e-4, "Post-step lower clamp on the mixture stds")
	cmd.Flags().Int64Var(&opts.Seed, "seed", 42, "Random seed")
	cmd.Flags().IntVar(&opts.InterpSamples, "interp-samples", 0, "Virtual mixture sample count (0 = twice the batch)")
	cmd.Flags().StringVar(&opts.Diff, "diff", "abs", "Difference reduction (abs, square)")
	cmd.Flags().StringVar(&opts.Normalization, "normalization", "none", "Per-class difference normalization (none, std, both)")
	cmd.Flags().BoolVar(&opts.EnergyLoss, "energy", false, "Use the energy-distance estimator")
	cmd.Flags().BoolVar(&opts.NormalizeByStds, "normalize-by-stds", false, "Divide differences by projected stds")
	cmd.Flags().BoolVar(&opts.BackpropWeights, "backprop-weights", true, "Backprop relative gradients to cluster weights")
	cmd.Flags().StringVar(&opts.CheckpointDir, "checkpoint-dir", "", "Checkpoint directory (default ./checkpoints)")
	cmd.Flags().IntVar(&opts.CheckpointEvery, "checkpoint-every", 0, "Save a checkpoint every N epochs (0 = final only)")
	cmd.Flags().BoolVar(&opts.EnableMetrics, "metrics", false, "Expose Prometheus metrics while training")
	cmd.Flags().IntVar(&opts.MetricsPort, "metrics-port", 9090, "Prometheus metrics port")

	cmd.MarkFlagRequired("input")

	return cmd
}

func parseDiff(s string) (transport.DiffKind, error) {
	switch s {
	case "abs":
		return transport.AbsDiffs, nil
	case "square":
		return transport.SquareDiffs, nil
	default:
		return 0, fmt.Errorf("unknown diff kind %q (want abs or square)", s)
	}
}

func parseNormalization(s string) (transport.Normalization, error) {
	switch s {
	case "none":
		return transport.NormalizeNone, nil
	case "std":
		return transport.NormalizeStd, nil
	case "both":
		return transport.NormalizeBoth, nil
	default:
		return 0, fmt.Errorf("unknown normalization %q (want none, std or both)", s)
	}
}

func checkpointDir(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if v := viper.GetString("checkpoint_dir"); v != "" {
		return v
	}
	return "./checkpoints"
}

func runTrain(opts *TrainOptions) error {
	if opts.PerClass && !opts.Labeled {
		return fmt.Errorf("--per-class requires --labeled input")
	}

	diff, err := parseDiff(opts.Diff)
	if err != nil {
		return err
	}
	normalization, err := parseNormalization(opts.Normalization)
	if err != nil {
		return err
	}

	logger := newLogger(viper.GetBool("verbose"))

	rows, labels, err := loadCSV(opts.InputFile, opts.Labeled)
	if err != nil {
		return err
	}
	dims := len(rows[0])
	inputs := inputsTensor(rows)

	logger.WithFields(logrus.Fields{
		"input":    opts.InputFile,
		"examples": len(rows),
		"dims":     dims,
		"clusters": opts.Clusters,
		"labeled":  opts.Labeled,
	}).Info("Loaded training data")

	rng := rand.New(rand.NewSource(opts.Seed))
	model, err := buildPipeline(dims, opts.Blocks, opts.Gain, rng, logger)
	if err != nil {
		return err
	}
	mix, err := newMixture(opts.Clusters, dims, opts.MeanSpread, opts.Seed, logger)
	if err != nil {
		return err
	}

	trainConfig := &training.Config{
		BatchSize:             opts.BatchSize,
		Epochs:                opts.Epochs,
		LearningRate:          opts.LearningRate,
		AdvLearningRate:       opts.AdvLearningRate,
		UnlabeledLearningRate: opts.UnlabeledLR,
		UnlabeledAlpha:        opts.UnlabeledAlpha,
		StdL1:                 opts.StdL1,
		MeanL1:                opts.MeanL1,
		WeightL1:              opts.WeightL1,
		MinStd:                opts.MinStd,
		Seed:                  opts.Seed,
		Transport: transport.Config{
			NInterpolationSamples:    opts.InterpSamples,
			Diff:                     diff,
			BackpropToClusterWeights: opts.BackpropWeights,
			NormalizeByStds:          opts.NormalizeByStds,
			EnergyLoss:               opts.EnergyLoss,
		},
		Normalization: normalization,
	}

	trainer, err := training.NewTrainer(model, mix, trainConfig, logger)
	if err != nil {
		return err
	}

	store, err := checkpoint.NewStore(&checkpoint.Config{BasePath: checkpointDir(opts.CheckpointDir)}, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var pm *metrics.PrometheusMetrics
	if opts.EnableMetrics {
		pm, err = metrics.NewPrometheusMetrics(&metrics.PrometheusConfig{
			Enabled: true,
			Port:    opts.MetricsPort,
			Path:    "/metrics",
		}, logger)
		if err != nil {
			return err
		}
		if err := pm.Start(ctx); err != nil {
			return err
		}
		defer pm.Stop(context.Background())
		trainer.Sink = pm
	}

	saveCheckpoint := func(epoch int) error {
		state := checkpoint.CaptureState(epoch, mix, trainer.AdversarialDirections(), model)
		path, err := store.Save(state)
		if err != nil {
			if pm != nil {
				pm.RecordCheckpointOperation("save", "error")
			}
			return err
		}
		if pm != nil {
			pm.RecordCheckpointOperation("save", "success")
		}
		logger.WithFields(logrus.Fields{"epoch": epoch, "path": path, "id": state.ID}).Info("Saved checkpoint")
		fmt.Printf("Checkpoint: %s\n", state.ID)
		return nil
	}

	for epoch := 1; epoch <= opts.Epochs; epoch++ {
		var m training.EpochMetrics
		if opts.PerClass {
			m, err = trainer.TrainEpochPerClass(ctx, inputs, labels, nil, nil, nil)
		} else {
			m, err = trainer.TrainEpoch(ctx, inputs)
		}
		if err != nil {
			return err
		}
		m.Epoch = epoch

		if pm != nil {
			pm.ObserveEpoch(m)
			pm.ObserveMixture(mix)
		}
		if epoch == 1 || epoch%10 == 0 || epoch == opts.Epochs {
			logger.WithFields(logrus.Fields{
				"epoch":          epoch,
				"transport_loss": m.TransportLoss,
				"l1_penalty":     m.L1Penalty,
				"total_loss":     m.TotalLoss,
				"duration":       m.Duration,
			}).Info("Epoch complete")
		}
		if opts.CheckpointEvery > 0 && epoch%opts.CheckpointEvery == 0 && epoch != opts.Epochs {
			if err := saveCheckpoint(epoch); err != nil {
				return err
			}
		}
	}

	if err := saveCheckpoint(opts.Epochs); err != nil {
		return err
	}

	losses, err := trainer.EvalBatch(firstBatch(inputs, opts.BatchSize))
	if err == nil {
		logger.WithFields(logrus.Fields{
			"plain":       losses[0],
			"random":      losses[1],
			"adversarial": losses[2],
		}).Info("Final evaluation losses")
	}

	return nil
}

// firstBatch slices the leading rows for a post-training evaluation pass.
func firstBatch(inputs *tensor.Tensor, batchSize int) *tensor.Tensor {
	n := inputs.Dim(0)
	if batchSize > n {
		batchSize = n
	}
	if batchSize%2 != 0 {
		batchSize--
	}
	sh := inputs.Shape()
	rowLen := 1
	for _, s := range sh[1:] {
		rowLen *= s
	}
	out := append([]float64(nil), inputs.Data()[:batchSize*rowLen]...)
	outShape := append([]int{batchSize}, sh[1:]...)
	return tensor.FromSlice(out, outShape...)
}
