package server

import (
	"encoding/json"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/distmatch/revgauss/internal/diagnostics"
	"github.com/distmatch/revgauss/internal/tensor"
)

// Version is set at build time via -ldflags.
var Version = "dev"

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	var resp errorResponse
	resp.Error.Code = code
	resp.Error.Message = message
	s.writeJSON(w, status, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"uptime":    time.Since(s.startTime).String(),
		"version":   Version,
	})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	// Ready once a model and mixture are attached.
	if s.model == nil || s.mixture == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"version":    Version,
		"go_version": runtime.Version(),
		"platform":   runtime.GOOS + "/" + runtime.GOARCH,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.trainer == nil {
		s.writeError(w, http.StatusServiceUnavailable, "TRAINER_UNAVAILABLE", "no trainer attached")
		return
	}

	history := s.trainer.GetTrainingHistory()
	const historyTail = 20
	if len(history) > historyTail {
		history = history[len(history)-historyTail:]
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"is_training":    s.trainer.IsTraining(),
		"trained_epochs": s.trainer.TrainedEpochs(),
		"history":        history,
	})
}

func (s *Server) handleMixture(w http.ResponseWriter, r *http.Request) {
	if s.mixture == nil {
		s.writeError(w, http.StatusServiceUnavailable, "MIXTURE_UNAVAILABLE", "no mixture attached")
		return
	}

	m := s.mixture
	nClusters := m.Clusters()
	nDims := m.Dims()

	means := make([][]float64, nClusters)
	stds := make([][]float64, nClusters)
	for c := 0; c < nClusters; c++ {
		means[c] = append([]float64(nil), m.Means.Data()[c*nDims:(c+1)*nDims]...)
		stds[c] = append([]float64(nil), m.Stds.Data()[c*nDims:(c+1)*nDims]...)
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"clusters": nClusters,
		"dims":     nDims,
		"means":    means,
		"stds":     stds,
		"weights":  append([]float64(nil), m.Weights.Data()...),
	})
}

func (s *Server) handleReconstruct(w http.ResponseWriter, r *http.Request) {
	if s.model == nil || s.mixture == nil {
		s.writeError(w, http.StatusServiceUnavailable, "MODEL_UNAVAILABLE", "no model attached")
		return
	}

	n := 16
	if raw := r.URL.Query().Get("n"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			s.writeError(w, http.StatusBadRequest, "INVALID_PARAMETER", "n must be a positive integer")
			return
		}
		n = parsed
	}
	if s.config.MaxReconstruct > 0 && n > s.config.MaxReconstruct {
		s.writeError(w, http.StatusBadRequest, "INVALID_PARAMETER",
			"n exceeds max_reconstruct "+strconv.Itoa(s.config.MaxReconstruct))
		return
	}

	inputs, samples, err := diagnostics.ReconstructInputs(n, s.mixture, s.model)
	if err != nil {
		s.logger.WithError(err).Error("Reconstruction failed")
		s.writeError(w, http.StatusInternalServerError, "RECONSTRUCTION_FAILED", err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":   n,
		"inputs":  tensorPayload(inputs),
		"samples": tensorPayload(samples),
	})
}

func tensorPayload(t *tensor.Tensor) map[string]interface{} {
	return map[string]interface{}{
		"shape": t.Shape(),
		"data":  append([]float64(nil), t.Data()...),
	}
}
