// Package checkpoint persists and restores training state as JSON files:
// the mixture parameters, the adversarial directions and the model
// parameters, keyed by generated checkpoint IDs.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/distmatch/revgauss/internal/directions"
	"github.com/distmatch/revgauss/internal/mixture"
	"github.com/distmatch/revgauss/internal/reversible"
	"github.com/distmatch/revgauss/internal/tensor"
	"github.com/distmatch/revgauss/pkg/errors"
)

// Config contains checkpoint store configuration.
type Config struct {
	BasePath string `json:"base_path"`
}

func getDefaultConfig() *Config {
	return &Config{BasePath: "./checkpoints"}
}

// Store reads and writes checkpoint files under a base directory.
type Store struct {
	config *Config
	logger *logrus.Logger
}

// NewStore creates a checkpoint store and its base directory.
func NewStore(config *Config, logger *logrus.Logger) (*Store, error) {
	if config == nil {
		config = getDefaultConfig()
	}
	if logger == nil {
		logger = logrus.New()
	}
	if err := os.MkdirAll(config.BasePath, 0755); err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeCheckpoint, errors.CodeWriteFailed,
			fmt.Sprintf("failed to create checkpoint directory %s", config.BasePath))
	}
	return &Store{config: config, logger: logger}, nil
}

// ParamState is one parameter tensor's persisted form.
type ParamState struct {
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
}

// State is a full training snapshot.
type State struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Epoch     int       `json:"epoch"`

	MixtureMeans   ParamState   `json:"mixture_means"`
	MixtureStds    ParamState   `json:"mixture_stds"`
	MixtureWeights ParamState   `json:"mixture_weights"`
	Adversarial    ParamState   `json:"adversarial_directions"`
	ModelParams    []ParamState `json:"model_params"`

	// UnlabeledWeights is only present for semi-supervised runs.
	UnlabeledWeights *ParamState `json:"unlabeled_weights,omitempty"`
}

func captureParam(shape []int, data []float64) ParamState {
	return ParamState{
		Shape: append([]int(nil), shape...),
		Data:  append([]float64(nil), data...),
	}
}

// CaptureState snapshots the current parameter values under a fresh ID.
func CaptureState(epoch int, mix *mixture.Model, adv *directions.AdversarialSet, model *reversible.Pipeline) *State {
	state := &State{
		ID:             uuid.New().String(),
		CreatedAt:      time.Now().UTC(),
		Epoch:          epoch,
		MixtureMeans:   captureParam(mix.Means.Shape(), mix.Means.Data()),
		MixtureStds:    captureParam(mix.Stds.Shape(), mix.Stds.Data()),
		MixtureWeights: captureParam(mix.Weights.Shape(), mix.Weights.Data()),
		Adversarial:    captureParam(adv.Raw().Shape(), adv.Raw().Data()),
	}
	for _, p := range model.Parameters() {
		state.ModelParams = append(state.ModelParams, captureParam(p.Shape(), p.Data()))
	}
	return state
}

func restoreParam(name string, into interface {
	Shape() []int
	Data() []float64
}, from ParamState) error {
	shape := into.Shape()
	if len(shape) != len(from.Shape) {
		return errors.NewCheckpointError(errors.CodeCheckpointCorrupt,
			fmt.Sprintf("%s rank %d does not match checkpoint rank %d", name, len(shape), len(from.Shape)))
	}
	for i := range shape {
		if shape[i] != from.Shape[i] {
			return errors.NewCheckpointError(errors.CodeCheckpointCorrupt,
				fmt.Sprintf("%s shape %v does not match checkpoint shape %v", name, shape, from.Shape))
		}
	}
	copy(into.Data(), from.Data)
	return nil
}

// CaptureUnlabeled adds the soft-assignment weights of a semi-supervised run
// to the snapshot.
func (s *State) CaptureUnlabeled(w *tensor.Tensor) {
	p := captureParam(w.Shape(), w.Data())
	s.UnlabeledWeights = &p
}

// RestoreUnlabeled copies captured soft-assignment weights back into a live
// parameter.
func (s *State) RestoreUnlabeled(w *tensor.Tensor) error {
	if s.UnlabeledWeights == nil {
		return errors.NewCheckpointError(errors.CodeCheckpointCorrupt,
			"checkpoint has no unlabeled weights")
	}
	return restoreParam("unlabeled weights", w, *s.UnlabeledWeights)
}

// RestoreState copies a snapshot back into live parameters. All shapes must
// match the snapshot exactly.
func RestoreState(state *State, mix *mixture.Model, adv *directions.AdversarialSet, model *reversible.Pipeline) error {
	if err := restoreParam("mixture means", mix.Means, state.MixtureMeans); err != nil {
		return err
	}
	if err := restoreParam("mixture stds", mix.Stds, state.MixtureStds); err != nil {
		return err
	}
	if err := restoreParam("mixture weights", mix.Weights, state.MixtureWeights); err != nil {
		return err
	}
	if err := restoreParam("adversarial directions", adv.Raw(), state.Adversarial); err != nil {
		return err
	}
	params := model.Parameters()
	if len(params) != len(state.ModelParams) {
		return errors.NewCheckpointError(errors.CodeCheckpointCorrupt,
			fmt.Sprintf("model has %d parameters, checkpoint %d", len(params), len(state.ModelParams)))
	}
	for i, p := range params {
		if err := restoreParam(fmt.Sprintf("model parameter %d", i), p, state.ModelParams[i]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) pathFor(id string) string {
	return filepath.Join(s.config.BasePath, fmt.Sprintf("revgauss-%s.json", id))
}

// Save writes a snapshot to disk and returns its file path.
func (s *Store) Save(state *State) (string, error) {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return "", errors.WrapError(err, errors.ErrorTypeCheckpoint, errors.CodeWriteFailed,
			"failed to marshal checkpoint")
	}
	path := s.pathFor(state.ID)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", errors.WrapError(err, errors.ErrorTypeCheckpoint, errors.CodeWriteFailed,
			fmt.Sprintf("failed to write checkpoint %s", path))
	}
	s.logger.WithFields(logrus.Fields{
		"id":    state.ID,
		"epoch": state.Epoch,
		"path":  path,
	}).Info("Checkpoint saved")
	return path, nil
}

// Load reads the snapshot with the given ID.
func (s *Store) Load(id string) (*State, error) {
	path := s.pathFor(id)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewCheckpointError(errors.CodeCheckpointNotFound,
				fmt.Sprintf("checkpoint %s not found", id))
		}
		return nil, errors.WrapError(err, errors.ErrorTypeCheckpoint, errors.CodeReadFailed,
			fmt.Sprintf("failed to read checkpoint %s", path))
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeCheckpoint, errors.CodeCheckpointCorrupt,
			fmt.Sprintf("failed to decode checkpoint %s", path))
	}
	return &state, nil
}

// List returns the stored checkpoint IDs, sorted.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.config.BasePath)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeCheckpoint, errors.CodeReadFailed,
			fmt.Sprintf("failed to list %s", s.config.BasePath))
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, "revgauss-") && strings.HasSuffix(name, ".json") {
			ids = append(ids, strings.TrimSuffix(strings.TrimPrefix(name, "revgauss-"), ".json"))
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Delete removes a stored checkpoint.
func (s *Store) Delete(id string) error {
	if err := os.Remove(s.pathFor(id)); err != nil {
		if os.IsNotExist(err) {
			return errors.NewCheckpointError(errors.CodeCheckpointNotFound,
				fmt.Sprintf("checkpoint %s not found", id))
		}
		return errors.WrapError(err, errors.ErrorTypeCheckpoint, errors.CodeWriteFailed,
			fmt.Sprintf("failed to delete checkpoint %s", id))
	}
	return nil
}
