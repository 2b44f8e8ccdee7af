package commands

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/distmatch/revgauss/internal/observability/metrics"
	"github.com/distmatch/revgauss/internal/server"
	"github.com/distmatch/revgauss/internal/training"
)

type ServeOptions struct {
	CheckpointID  string
	CheckpointDir string
	Gain          float64
	Host          string
	Port          int
	EnableMetrics bool
}

func NewServeCmd() *cobra.Command {
	opts := &ServeOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a trained model over HTTP",
		Long: `Load a checkpoint and expose its mixture parameters, reconstruction and
health endpoints over HTTP, with optional Prometheus metrics.`,
		Example: `  # Serve the most recent checkpoint on port 8080
  revgauss serve

  # Serve a specific checkpoint
  revgauss serve --checkpoint <id> --port 9000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts)
		},
	}

	cmd.Flags().StringVar(&opts.CheckpointID, "checkpoint", "", "Checkpoint ID (default: most recent)")
	cmd.Flags().StringVar(&opts.CheckpointDir, "checkpoint-dir", "", "Checkpoint directory (default ./checkpoints)")
	cmd.Flags().Float64Var(&opts.Gain, "gain", 0.1, "Init gain used when the network was built")
	cmd.Flags().StringVar(&opts.Host, "host", "0.0.0.0", "Listen address")
	cmd.Flags().IntVarP(&opts.Port, "port", "p", 8080, "Listen port")
	cmd.Flags().BoolVar(&opts.EnableMetrics, "metrics", true, "Expose Prometheus metrics under /metrics")

	return cmd
}

func runServe(opts *ServeOptions) error {
	logger := newLogger(viper.GetBool("verbose"))

	state, err := loadCheckpoint(opts.CheckpointDir, opts.CheckpointID, logger)
	if err != nil {
		return err
	}
	model, mix, _, err := restoredModel(state, opts.Gain, logger)
	if err != nil {
		return err
	}

	trainer, err := training.NewTrainer(model, mix, nil, logger)
	if err != nil {
		return err
	}

	srv, err := server.NewServer(&server.Config{
		Host:            opts.Host,
		Port:            opts.Port,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 30 * time.Second,
		EnableMetrics:   opts.EnableMetrics,
		MaxReconstruct:  4096,
	}, logger)
	if err != nil {
		return err
	}
	srv.SetTrainer(trainer)
	srv.SetMixture(mix)
	srv.SetModel(model)

	if opts.EnableMetrics {
		pm, err := metrics.NewPrometheusMetrics(&metrics.PrometheusConfig{Enabled: true}, logger)
		if err != nil {
			return err
		}
		pm.ObserveMixture(mix)
		srv.SetMetrics(pm)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(ctx); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	return srv.Stop(context.Background())
}
