// Package metrics provides Prometheus-based metrics collection for the
// training loop and the mixture parameters.
package metrics

import (
	"context"
	"fmt"
	"math"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/distmatch/revgauss/internal/mixture"
	"github.com/distmatch/revgauss/internal/training"
)

// PrometheusConfig configures Prometheus metrics.
type PrometheusConfig struct {
	Enabled   bool   `json:"enabled"`
	Port      int    `json:"port"`
	Path      string `json:"path"`
	Namespace string `json:"namespace"`
}

func getDefaultPrometheusConfig() *PrometheusConfig {
	return &PrometheusConfig{
		Enabled:   true,
		Port:      9090,
		Path:      "/metrics",
		Namespace: "revgauss",
	}
}

// PrometheusMetrics exposes training and mixture health metrics.
type PrometheusMetrics struct {
	logger   *logrus.Logger
	registry *prometheus.Registry
	server   *http.Server
	config   *PrometheusConfig

	// Training metrics
	batchesTotal  prometheus.Counter
	epochsTotal   prometheus.Counter
	epochDuration prometheus.Histogram
	transportLoss prometheus.Gauge
	l1Penalty     prometheus.Gauge
	targetLoss    prometheus.Gauge
	totalLoss     prometheus.Gauge

	// Mixture health metrics
	weightMin     prometheus.Gauge
	weightEntropy prometheus.Gauge
	stdMin        prometheus.Gauge

	// Checkpoint metrics
	checkpointOpsTotal *prometheus.CounterVec
}

// NewPrometheusMetrics creates and registers the metric set.
func NewPrometheusMetrics(config *PrometheusConfig, logger *logrus.Logger) (*PrometheusMetrics, error) {
	if config == nil {
		config = getDefaultPrometheusConfig()
	}
	if logger == nil {
		logger = logrus.New()
	}
	registry := prometheus.NewRegistry()
	ns := config.Namespace

	pm := &PrometheusMetrics{
		logger:   logger,
		registry: registry,
		config:   config,
		batchesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "training_batches_total",
			Help: "Total optimization steps taken",
		}),
		epochsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "training_epochs_total",
			Help: "Total completed epochs",
		}),
		epochDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns, Name: "training_epoch_duration_seconds",
			Help:    "Epoch wall time",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		transportLoss: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "transport_loss",
			Help: "Transport loss of the last batch",
		}),
		l1Penalty: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "l1_penalty",
			Help: "Mixture parameter L1 penalty of the last batch",
		}),
		targetLoss: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "target_loss",
			Help: "Supervised target loss of the last batch",
		}),
		totalLoss: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "total_loss",
			Help: "Total loss of the last batch",
		}),
		weightMin: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "mixture_weight_min",
			Help: "Smallest mixture cluster weight",
		}),
		weightEntropy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "mixture_weight_entropy",
			Help: "Entropy of the cluster weight distribution",
		}),
		stdMin: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "mixture_std_min",
			Help: "Smallest mixture std",
		}),
		checkpointOpsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "checkpoint_operations_total",
			Help: "Checkpoint operations by kind and status",
		}, []string{"operation", "status"}),
	}

	collectors := []prometheus.Collector{
		pm.batchesTotal, pm.epochsTotal, pm.epochDuration,
		pm.transportLoss, pm.l1Penalty, pm.targetLoss, pm.totalLoss,
		pm.weightMin, pm.weightEntropy, pm.stdMin,
		pm.checkpointOpsTotal,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
	}
	return pm, nil
}

// Registry exposes the underlying registry for HTTP handlers.
func (pm *PrometheusMetrics) Registry() *prometheus.Registry { return pm.registry }

// Start serves the metrics endpoint on the configured port.
func (pm *PrometheusMetrics) Start(ctx context.Context) error {
	if !pm.config.Enabled {
		pm.logger.Info("Prometheus metrics disabled")
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle(pm.config.Path, promhttp.HandlerFor(pm.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	pm.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", pm.config.Port),
		Handler: mux,
	}
	pm.logger.WithFields(logrus.Fields{
		"port": pm.config.Port,
		"path": pm.config.Path,
	}).Info("Starting Prometheus metrics server")

	go func() {
		if err := pm.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			pm.logger.WithError(err).Error("Prometheus metrics server error")
		}
	}()
	return nil
}

// Stop shuts the metrics server down.
func (pm *PrometheusMetrics) Stop(ctx context.Context) error {
	if pm.server == nil {
		return nil
	}
	pm.logger.Info("Stopping Prometheus metrics server")
	return pm.server.Shutdown(ctx)
}

// ObserveBatch records one optimization step. PrometheusMetrics satisfies
// training.MetricsSink.
func (pm *PrometheusMetrics) ObserveBatch(m training.BatchMetrics) {
	pm.batchesTotal.Inc()
	pm.transportLoss.Set(m.TransportLoss)
	pm.l1Penalty.Set(m.L1Penalty)
	pm.targetLoss.Set(m.TargetLoss)
	pm.totalLoss.Set(m.TotalLoss)
}

// ObserveEpoch records one completed epoch.
func (pm *PrometheusMetrics) ObserveEpoch(m training.EpochMetrics) {
	pm.epochsTotal.Inc()
	pm.epochDuration.Observe(m.Duration.Seconds())
}

// ObserveMixture records mixture health: weight spread and std floor.
func (pm *PrometheusMetrics) ObserveMixture(m *mixture.Model) {
	weights := m.Weights.Data()
	min := math.Inf(1)
	entropy := 0.0
	for _, w := range weights {
		if w < min {
			min = w
		}
		if w > 0 {
			entropy -= w * math.Log(w)
		}
	}
	pm.weightMin.Set(min)
	pm.weightEntropy.Set(entropy)

	stdMin := math.Inf(1)
	for _, s := range m.Stds.Data() {
		if s < stdMin {
			stdMin = s
		}
	}
	pm.stdMin.Set(stdMin)
}

// RecordCheckpointOperation counts a checkpoint save/load/delete.
func (pm *PrometheusMetrics) RecordCheckpointOperation(operation, status string) {
	pm.checkpointOpsTotal.WithLabelValues(operation, status).Inc()
}
