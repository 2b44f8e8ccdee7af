// Package training orchestrates the min-max optimization of a reversible
// feature model against a Gaussian mixture: the model and the mixture
// descend the transport loss while learnable adversarial directions ascend
// it, with out-of-graph projections keeping the mixture parameters valid
// after every step.
package training

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/distmatch/revgauss/internal/directions"
	"github.com/distmatch/revgauss/internal/mixture"
	"github.com/distmatch/revgauss/internal/reversible"
	"github.com/distmatch/revgauss/internal/tensor"
	"github.com/distmatch/revgauss/internal/transport"
	"github.com/distmatch/revgauss/pkg/errors"
)

// Config contains training configuration.
type Config struct {
	// Training parameters
	BatchSize       int     `json:"batch_size"`
	Epochs          int     `json:"epochs"`
	LearningRate    float64 `json:"learning_rate"`
	AdvLearningRate float64 `json:"adv_learning_rate"`

	// Soft-assignment optimizer for unlabeled examples
	UnlabeledLearningRate float64 `json:"unlabeled_learning_rate"`
	UnlabeledAlpha        float64 `json:"unlabeled_alpha"`

	// L1 penalties on the mixture parameters
	StdL1    float64 `json:"std_l1"`
	MeanL1   float64 `json:"mean_l1"`
	WeightL1 float64 `json:"weight_l1"`

	// MinStd is the post-step lower clamp on the mixture stds.
	MinStd float64 `json:"min_std"`

	Seed int64 `json:"seed"`

	Transport     transport.Config        `json:"transport"`
	Normalization transport.Normalization `json:"normalization"`
}

func getDefaultConfig() *Config {
	return &Config{
		BatchSize:             64,
		Epochs:                100,
		LearningRate:          0.001,
		AdvLearningRate:       0.001,
		UnlabeledLearningRate: 10,
		UnlabeledAlpha:        0.1,
		StdL1:                 0.5,
		MeanL1:                0.01,
		WeightL1:              0,
		MinStd:                1e-4,
		Seed:                  42,
		Transport:             transport.DefaultConfig(),
	}
}

// BatchMetrics holds the loss terms of one optimization step.
type BatchMetrics struct {
	TransportLoss float64 `json:"transport_loss"`
	L1Penalty     float64 `json:"l1_penalty"`
	TargetLoss    float64 `json:"target_loss"`
	TotalLoss     float64 `json:"total_loss"`
}

// EpochMetrics tracks training progress per epoch.
type EpochMetrics struct {
	Epoch         int           `json:"epoch"`
	TransportLoss float64       `json:"transport_loss"`
	L1Penalty     float64       `json:"l1_penalty"`
	TargetLoss    float64       `json:"target_loss"`
	TotalLoss     float64       `json:"total_loss"`
	Duration      time.Duration `json:"duration"`
}

// MetricsSink receives per-batch loss terms, typically a metrics registry.
type MetricsSink interface {
	ObserveBatch(BatchMetrics)
}

// TargetLossFunc scores latent outputs against integer targets, e.g. through
// a mixture density head.
type TargetLossFunc func(g *tensor.Graph, outs *tensor.Tensor, targets []int) (*tensor.Tensor, error)

// Trainer runs the joint optimization of model, mixture and adversarial
// directions.
type Trainer struct {
	logger *logrus.Logger
	config *Config

	model   *reversible.Pipeline
	mixture *mixture.Model
	adv     *directions.AdversarialSet

	optimizer    *AdamOptimizer
	optimizerAdv *AdamOptimizer

	rng *rand.Rand

	// TargetLoss, when set, adds a supervised term to per-class training.
	TargetLoss TargetLossFunc
	// Sink, when set, receives every batch's loss terms.
	Sink MetricsSink

	trainedEpochs   int
	trainingHistory []EpochMetrics
	isTraining      bool
	trainingMutex   sync.RWMutex
}

// NewTrainer wires a trainer from a reversible model and a mixture. A nil
// config selects defaults; a nil logger a fresh one.
func NewTrainer(model *reversible.Pipeline, mix *mixture.Model, config *Config, logger *logrus.Logger) (*Trainer, error) {
	if config == nil {
		config = getDefaultConfig()
	}
	if logger == nil {
		logger = logrus.New()
	}
	if model == nil || mix == nil {
		return nil, errors.NewConfigurationError(errors.CodeMissingConfiguration,
			"trainer needs a model and a mixture")
	}
	rng := rand.New(rand.NewSource(config.Seed))
	adv, err := directions.NewAdversarialSet(mix.Dims(), mix.Dims(), rng)
	if err != nil {
		return nil, err
	}
	params := append(model.Parameters(), mix.Parameters()...)
	return &Trainer{
		logger:       logger,
		config:       config,
		model:        model,
		mixture:      mix,
		adv:          adv,
		optimizer:    NewAdamOptimizer(params, config.LearningRate),
		optimizerAdv: NewAdamOptimizer(adv.Parameters(), config.AdvLearningRate),
		rng:          rng,
	}, nil
}

// AdversarialDirections exposes the learnable direction set.
func (t *Trainer) AdversarialDirections() *directions.AdversarialSet { return t.adv }

// latent runs the model and flattens the feature batch to [examples, dims].
func (t *Trainer) latent(g *tensor.Graph, batch *tensor.Tensor) (*tensor.Tensor, error) {
	out, err := t.model.Forward(g, batch)
	if err != nil {
		return nil, err
	}
	n := out.Dim(0)
	dims := out.Len() / n
	if dims != t.mixture.Dims() {
		return nil, errors.NewValidationError(errors.CodeShapeMismatch,
			fmt.Sprintf("model produced %d feature dims for a %d-dim mixture", dims, t.mixture.Dims()))
	}
	return g.Reshape(out, n, dims), nil
}

// l1Penalty is the weighted mean-absolute penalty on the mixture parameters.
func (t *Trainer) l1Penalty(g *tensor.Graph) *tensor.Tensor {
	return g.Add(
		g.Add(
			g.Scale(g.Mean(g.Abs(t.mixture.Stds)), t.config.StdL1),
			g.Scale(g.Mean(g.Abs(t.mixture.Weights)), t.config.WeightL1)),
		g.Scale(g.Mean(g.Abs(t.mixture.Means)), t.config.MeanL1))
}

// transportLossAllDirections sums the transport loss over two fresh random
// orthonormal frames and the adversarial directions.
func (t *Trainer) transportLossAllDirections(g *tensor.Graph, outs *tensor.Tensor, cfg transport.Config) (*tensor.Tensor, error) {
	var loss *tensor.Tensor
	for _, dirs := range []*tensor.Tensor{nil, nil, t.adv.Raw()} {
		dirLoss, err := transport.SampleTransportLoss(g, outs, t.mixture, dirs, cfg, t.rng)
		if err != nil {
			return nil, err
		}
		if loss == nil {
			loss = dirLoss
		} else {
			loss = g.Add(loss, dirLoss)
		}
	}
	return loss, nil
}

// projectMixture enforces the parameter constraints outside the graph:
// weights clamped non-negative and renormalized to sum one, stds optionally
// clamped away from zero.
func (t *Trainer) projectMixture(clampStds bool) {
	w := t.mixture.Weights.Data()
	sum := 0.0
	for i := range w {
		if w[i] < 0 {
			w[i] = 0
		}
		sum += w[i]
	}
	if sum > 0 {
		for i := range w {
			w[i] /= sum
		}
	}
	if clampStds {
		s := t.mixture.Stds.Data()
		for i := range s {
			if s[i] < t.config.MinStd {
				s[i] = t.config.MinStd
			}
		}
	}
}

// TrainOnBatch runs one unsupervised optimization step: transport loss plus
// L1 penalty, descended by the model and mixture, ascended by the
// adversarial directions.
func (t *Trainer) TrainOnBatch(batchX *tensor.Tensor) (BatchMetrics, error) {
	g := tensor.NewGraph()
	outs, err := t.latent(g, batchX)
	if err != nil {
		return BatchMetrics{}, err
	}
	cfg := t.config.Transport
	if cfg.NInterpolationSamples == 0 {
		cfg.NInterpolationSamples = 2 * outs.Dim(0)
	}
	transLoss, err := t.transportLossAllDirections(g, outs, cfg)
	if err != nil {
		return BatchMetrics{}, err
	}
	l1 := t.l1Penalty(g)
	total := g.Add(transLoss, l1)

	t.optimizer.ZeroGrad()
	t.optimizerAdv.ZeroGrad()
	g.Backward(total)
	t.optimizer.Step()
	// The directions ascend the loss.
	t.adv.Raw().NegGrad()
	t.optimizerAdv.Step()
	t.projectMixture(true)

	m := BatchMetrics{
		TransportLoss: transLoss.Scalar(),
		L1Penalty:     l1.Scalar(),
		TotalLoss:     total.Scalar(),
	}
	if t.Sink != nil {
		t.Sink.ObserveBatch(m)
	}
	return m, nil
}

// gatherRows copies the indexed leading-dimension slices of a constant
// tensor into a fresh batch tensor.
func gatherRows(src *tensor.Tensor, idx []int) *tensor.Tensor {
	shape := src.Shape()
	stride := src.Len() / shape[0]
	data := make([]float64, len(idx)*stride)
	for r, i := range idx {
		copy(data[r*stride:(r+1)*stride], src.Data()[i*stride:(i+1)*stride])
	}
	outShape := append([]int{len(idx)}, shape[1:]...)
	return tensor.FromSlice(data, outShape...)
}

// TrainEpoch runs one pass over the inputs in exact-size batches.
func (t *Trainer) TrainEpoch(ctx context.Context, inputs *tensor.Tensor) (EpochMetrics, error) {
	batches, err := ExactSizeBatches(inputs.Dim(0), t.rng, t.config.BatchSize)
	if err != nil {
		return EpochMetrics{}, err
	}
	start := time.Now()
	var agg EpochMetrics
	for _, idx := range batches {
		select {
		case <-ctx.Done():
			return EpochMetrics{}, ctx.Err()
		default:
		}
		m, err := t.TrainOnBatch(gatherRows(inputs, idx))
		if err != nil {
			return EpochMetrics{}, errors.WrapError(err, errors.ErrorTypeTraining,
				errors.CodeTrainingFailed, "batch step failed")
		}
		agg.TransportLoss += m.TransportLoss
		agg.L1Penalty += m.L1Penalty
		agg.TotalLoss += m.TotalLoss
	}
	n := float64(len(batches))
	agg.TransportLoss /= n
	agg.L1Penalty /= n
	agg.TotalLoss /= n
	agg.Duration = time.Since(start)
	return agg, nil
}

// Train runs the configured number of epochs. Only one Train may run at a
// time per trainer.
func (t *Trainer) Train(ctx context.Context, inputs *tensor.Tensor) error {
	t.trainingMutex.Lock()
	defer t.trainingMutex.Unlock()
	if t.isTraining {
		return errors.NewTrainingError(errors.CodeAlreadyTraining, "training already in progress")
	}
	t.isTraining = true
	defer func() { t.isTraining = false }()

	t.logger.WithFields(logrus.Fields{
		"examples":   inputs.Dim(0),
		"batch_size": t.config.BatchSize,
		"epochs":     t.config.Epochs,
	}).Info("Starting transport training")

	for epoch := 0; epoch < t.config.Epochs; epoch++ {
		m, err := t.TrainEpoch(ctx, inputs)
		if err != nil {
			return err
		}
		m.Epoch = epoch + 1
		t.trainedEpochs++
		t.trainingHistory = append(t.trainingHistory, m)
		if epoch%10 == 0 {
			t.logger.WithFields(logrus.Fields{
				"epoch":          m.Epoch,
				"transport_loss": m.TransportLoss,
				"total_loss":     m.TotalLoss,
				"duration":       m.Duration,
			}).Info("Transport training progress")
		}
	}
	t.logger.Info("Transport training completed")
	return nil
}

// PerClassBatch bundles the labeled and optional unlabeled inputs of one
// per-class optimization step.
type PerClassBatch struct {
	Inputs    *tensor.Tensor
	Targets   []int
	Unlabeled *tensor.Tensor
	// UnlabeledWeights holds one learnable soft assignment per unlabeled
	// example, updated by UnlabeledOpt.
	UnlabeledWeights *tensor.Tensor
	UnlabeledOpt     *UnlabeledOptimizer
}

// TrainOnBatchPerClass runs one supervised step: per-class transport loss
// over three direction sets, the L1 penalty and an optional target loss.
func (t *Trainer) TrainOnBatchPerClass(batch PerClassBatch) (BatchMetrics, error) {
	if len(batch.Targets) != batch.Inputs.Dim(0) {
		return BatchMetrics{}, errors.NewValidationError(errors.CodeLengthMismatch,
			fmt.Sprintf("%d targets for %d inputs", len(batch.Targets), batch.Inputs.Dim(0)))
	}
	g := tensor.NewGraph()
	outs, err := t.latent(g, batch.Inputs)
	if err != nil {
		return BatchMetrics{}, err
	}
	opts := transport.PerClassOptions{Normalization: t.config.Normalization}
	if batch.Unlabeled != nil {
		unlabeledOuts, err := t.latent(g, batch.Unlabeled)
		if err != nil {
			return BatchMetrics{}, err
		}
		opts.Unlabeled = unlabeledOuts
		opts.UnlabeledClusterWeights = batch.UnlabeledWeights
	}
	transLoss, err := transport.ClassTransportLoss(
		g, outs, batch.Targets, t.mixture, t.adv, opts, t.rng)
	if err != nil {
		return BatchMetrics{}, err
	}
	l1 := t.l1Penalty(g)
	total := g.Add(transLoss, l1)

	var targetLoss *tensor.Tensor
	if t.TargetLoss != nil {
		targetLoss, err = t.TargetLoss(g, outs, batch.Targets)
		if err != nil {
			return BatchMetrics{}, err
		}
		total = g.Add(total, targetLoss)
	}

	if batch.UnlabeledOpt != nil {
		batch.UnlabeledOpt.ZeroGrad()
	}
	t.optimizer.ZeroGrad()
	t.optimizerAdv.ZeroGrad()
	g.Backward(total)
	t.optimizer.Step()
	if batch.UnlabeledOpt != nil {
		batch.UnlabeledOpt.Step()
	}
	t.adv.Raw().NegGrad()
	t.optimizerAdv.Step()
	t.projectMixture(false)

	m := BatchMetrics{
		TransportLoss: transLoss.Scalar(),
		L1Penalty:     l1.Scalar(),
		TotalLoss:     total.Scalar(),
	}
	if targetLoss != nil {
		m.TargetLoss = targetLoss.Scalar()
	}
	if t.Sink != nil {
		t.Sink.ObserveBatch(m)
	}
	return m, nil
}

// TrainEpochPerClass runs one pass over the labeled inputs in class-balanced
// batches, carrying the unlabeled pool through every step.
func (t *Trainer) TrainEpochPerClass(ctx context.Context, inputs *tensor.Tensor, targets []int,
	unlabeled *tensor.Tensor, unlabeledWeights *tensor.Tensor, unlabeledOpt *UnlabeledOptimizer) (EpochMetrics, error) {
	batches, err := EqualClassBatches(targets, t.mixture.Clusters(), t.rng, t.config.BatchSize)
	if err != nil {
		return EpochMetrics{}, err
	}
	start := time.Now()
	var agg EpochMetrics
	for _, idx := range batches {
		select {
		case <-ctx.Done():
			return EpochMetrics{}, ctx.Err()
		default:
		}
		batchTargets := make([]int, len(idx))
		for i, j := range idx {
			batchTargets[i] = targets[j]
		}
		m, err := t.TrainOnBatchPerClass(PerClassBatch{
			Inputs:           gatherRows(inputs, idx),
			Targets:          batchTargets,
			Unlabeled:        unlabeled,
			UnlabeledWeights: unlabeledWeights,
			UnlabeledOpt:     unlabeledOpt,
		})
		if err != nil {
			return EpochMetrics{}, errors.WrapError(err, errors.ErrorTypeTraining,
				errors.CodeTrainingFailed, "per-class batch step failed")
		}
		agg.TransportLoss += m.TransportLoss
		agg.L1Penalty += m.L1Penalty
		agg.TargetLoss += m.TargetLoss
		agg.TotalLoss += m.TotalLoss
	}
	n := float64(len(batches))
	agg.TransportLoss /= n
	agg.L1Penalty /= n
	agg.TargetLoss /= n
	agg.TotalLoss /= n
	agg.Duration = time.Since(start)
	return agg, nil
}

// EvalBatch computes the transport loss of a batch under the three direction
// sets without taking a step: plain order-statistics matching, no weight
// gradients, no std normalization.
func (t *Trainer) EvalBatch(batchX *tensor.Tensor) ([]float64, error) {
	g := tensor.NewGraph()
	outs, err := t.latent(g, batchX)
	if err != nil {
		return nil, err
	}
	cfg := t.config.Transport
	cfg.BackpropToClusterWeights = false
	cfg.NormalizeByStds = false
	if cfg.NInterpolationSamples == 0 {
		cfg.NInterpolationSamples = 2 * outs.Dim(0)
	}
	losses := make([]float64, 0, 3)
	for _, dirs := range []*tensor.Tensor{nil, nil, t.adv.Raw()} {
		dirLoss, err := transport.SampleTransportLoss(g, outs, t.mixture, dirs, cfg, t.rng)
		if err != nil {
			return nil, err
		}
		losses = append(losses, dirLoss.Scalar())
	}
	return losses, nil
}

// GetTrainingHistory returns the recorded epoch metrics.
func (t *Trainer) GetTrainingHistory() []EpochMetrics {
	t.trainingMutex.RLock()
	defer t.trainingMutex.RUnlock()
	history := make([]EpochMetrics, len(t.trainingHistory))
	copy(history, t.trainingHistory)
	return history
}

// IsTraining reports whether a Train call is in progress.
func (t *Trainer) IsTraining() bool {
	t.trainingMutex.RLock()
	defer t.trainingMutex.RUnlock()
	return t.isTraining
}

// TrainedEpochs returns the number of completed epochs.
func (t *Trainer) TrainedEpochs() int {
	t.trainingMutex.RLock()
	defer t.trainingMutex.RUnlock()
	return t.trainedEpochs
}
