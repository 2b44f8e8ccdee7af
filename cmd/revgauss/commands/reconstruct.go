package commands

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"strconv"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/distmatch/revgauss/internal/checkpoint"
	"github.com/distmatch/revgauss/internal/diagnostics"
	"github.com/distmatch/revgauss/internal/directions"
	"github.com/distmatch/revgauss/internal/mixture"
	"github.com/distmatch/revgauss/internal/reversible"
	"github.com/distmatch/revgauss/internal/tensor"
)

type ReconstructOptions struct {
	CheckpointID  string
	CheckpointDir string
	Count         int
	Gain          float64
	OutputFile    string
	Format        string
}

func NewReconstructCmd() *cobra.Command {
	opts := &ReconstructOptions{}

	cmd := &cobra.Command{
		Use:   "reconstruct",
		Short: "Invert mixture samples back to input space",
		Long: `Load a checkpoint, draw samples from its Gaussian mixture with cluster
sizes proportional to the mixture weights, and push them backwards through
the invertible network to reconstruct inputs.`,
		Example: `  # Reconstruct 64 inputs from the latest checkpoint
  revgauss reconstruct --checkpoint <id> -n 64 --output recon.csv

  # JSON output on stdout
  revgauss reconstruct --checkpoint <id> --format json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReconstruct(opts)
		},
	}

	cmd.Flags().StringVar(&opts.CheckpointID, "checkpoint", "", "Checkpoint ID (default: most recent)")
	cmd.Flags().StringVar(&opts.CheckpointDir, "checkpoint-dir", "", "Checkpoint directory (default ./checkpoints)")
	cmd.Flags().IntVarP(&opts.Count, "count", "n", 16, "Number of inputs to reconstruct")
	cmd.Flags().Float64Var(&opts.Gain, "gain", 0.1, "Init gain used when the network was built")
	cmd.Flags().StringVarP(&opts.OutputFile, "output", "o", "-", "Output file (- for stdout)")
	cmd.Flags().StringVar(&opts.Format, "format", "csv", "Output format (csv, json)")

	return cmd
}

// restoredModel rebuilds the network, mixture and adversarial directions a
// checkpoint was captured from and loads its parameters.
func restoredModel(state *checkpoint.State, gain float64, logger *logrus.Logger) (*reversible.Pipeline, *mixture.Model, *directions.AdversarialSet, error) {
	if len(state.MixtureMeans.Shape) != 2 {
		return nil, nil, nil, fmt.Errorf("checkpoint %s: malformed mixture means shape %v", state.ID, state.MixtureMeans.Shape)
	}
	clusters := state.MixtureMeans.Shape[0]
	dims := state.MixtureMeans.Shape[1]

	// Each coupling block contributes two pointwise-linear modules with a
	// weight and a bias each.
	if len(state.ModelParams)%4 != 0 || len(state.ModelParams) == 0 {
		return nil, nil, nil, fmt.Errorf("checkpoint %s: unexpected model parameter count %d", state.ID, len(state.ModelParams))
	}
	blocks := len(state.ModelParams) / 4

	rng := rand.New(rand.NewSource(1))
	model, err := buildPipeline(dims, blocks, gain, rng, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	mix, err := newMixture(clusters, dims, 1, 1, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	adv, err := directions.NewAdversarialSet(dims, dims, rng)
	if err != nil {
		return nil, nil, nil, err
	}

	if err := checkpoint.RestoreState(state, mix, adv, model); err != nil {
		return nil, nil, nil, err
	}
	return model, mix, adv, nil
}

func loadCheckpoint(dir, id string, logger *logrus.Logger) (*checkpoint.State, error) {
	store, err := checkpoint.NewStore(&checkpoint.Config{BasePath: checkpointDir(dir)}, logger)
	if err != nil {
		return nil, err
	}
	if id == "" {
		ids, err := store.List()
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			return nil, fmt.Errorf("no checkpoints in %s", checkpointDir(dir))
		}
		id = ids[len(ids)-1]
		logger.WithField("id", id).Info("Using most recent checkpoint")
	}
	return store.Load(id)
}

func runReconstruct(opts *ReconstructOptions) error {
	if opts.Count <= 0 {
		return fmt.Errorf("count must be positive, got %d", opts.Count)
	}

	logger := newLogger(viper.GetBool("verbose"))

	state, err := loadCheckpoint(opts.CheckpointDir, opts.CheckpointID, logger)
	if err != nil {
		return err
	}
	model, mix, _, err := restoredModel(state, opts.Gain, logger)
	if err != nil {
		return err
	}

	inputs, samples, err := diagnostics.ReconstructInputs(opts.Count, mix, model)
	if err != nil {
		return err
	}

	logger.WithFields(logrus.Fields{
		"checkpoint": state.ID,
		"epoch":      state.Epoch,
		"count":      opts.Count,
	}).Info("Reconstructed inputs")

	out := os.Stdout
	if opts.OutputFile != "-" {
		f, err := os.Create(opts.OutputFile)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer f.Close()
		out = f
	}

	switch opts.Format {
	case "csv":
		return writeRowsCSV(out, inputs)
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]interface{}{
			"checkpoint": state.ID,
			"inputs":     rowsOf(inputs),
			"samples":    rowsOf(samples),
		})
	default:
		return fmt.Errorf("unknown output format %q (want csv or json)", opts.Format)
	}
}

func rowsOf(t *tensor.Tensor) [][]float64 {
	n := t.Dim(0)
	rowLen := t.Len() / n
	rows := make([][]float64, n)
	for i := 0; i < n; i++ {
		rows[i] = append([]float64(nil), t.Data()[i*rowLen:(i+1)*rowLen]...)
	}
	return rows
}

func writeRowsCSV(out *os.File, t *tensor.Tensor) error {
	writer := csv.NewWriter(out)
	defer writer.Flush()
	for _, row := range rowsOf(t) {
		record := make([]string, len(row))
		for j, v := range row {
			record[j] = strconv.FormatFloat(v, 'g', -1, 64)
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	return nil
}
