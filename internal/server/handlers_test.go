package server

import (
	"encoding/json"
	"io"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/distmatch/revgauss/internal/mixture"
	"github.com/distmatch/revgauss/internal/reversible"
	"github.com/distmatch/revgauss/internal/training"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	srv, err := NewServer(nil, logger)
	require.NoError(t, err)
	return srv
}

func attachModel(t *testing.T, srv *Server) (*mixture.Model, *reversible.Pipeline) {
	t.Helper()
	mix, err := mixture.New(
		[][]float64{{-2, 0}, {2, 0}},
		[][]float64{{1, 1}, {1, 1}},
		[]float64{0.5, 0.5},
		11, nil,
	)
	require.NoError(t, err)
	rng := rand.New(rand.NewSource(11))
	model := reversible.NewPipeline(nil,
		reversible.NewCouplingBlock(
			reversible.NewPointwiseLinear(1, 0.5, rng),
			reversible.NewPointwiseLinear(1, 0.5, rng),
		),
	)
	srv.SetMixture(mix)
	srv.SetModel(model)
	return mix, model
}

func doGet(srv *Server, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHealthEndpoint(t *testing.T) {
	srv := testServer(t)
	rec := doGet(srv, "/health")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	body := decodeBody(t, rec)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, Version, body["version"])
	assert.NotEmpty(t, body["uptime"])
}

func TestReadinessEndpoint(t *testing.T) {
	srv := testServer(t)

	rec := doGet(srv, "/health/ready")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "not_ready", decodeBody(t, rec)["status"])

	attachModel(t, srv)
	rec = doGet(srv, "/health/ready")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready", decodeBody(t, rec)["status"])
}

func TestLivenessEndpoint(t *testing.T) {
	srv := testServer(t)
	rec := doGet(srv, "/health/live")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alive", decodeBody(t, rec)["status"])
}

func TestVersionEndpoint(t *testing.T) {
	srv := testServer(t)
	rec := doGet(srv, "/version")
	assert.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, Version, body["version"])
	assert.NotEmpty(t, body["go_version"])
	assert.NotEmpty(t, body["platform"])
}

func TestStatusEndpoint(t *testing.T) {
	srv := testServer(t)

	rec := doGet(srv, "/api/v1/status")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	mix, model := attachModel(t, srv)
	trainer, err := training.NewTrainer(model, mix, nil, nil)
	require.NoError(t, err)
	srv.SetTrainer(trainer)

	rec = doGet(srv, "/api/v1/status")
	assert.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, false, body["is_training"])
	assert.Equal(t, float64(0), body["trained_epochs"])
}

func TestMixtureEndpoint(t *testing.T) {
	srv := testServer(t)

	rec := doGet(srv, "/api/v1/mixture")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	attachModel(t, srv)
	rec = doGet(srv, "/api/v1/mixture")
	assert.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, float64(2), body["clusters"])
	assert.Equal(t, float64(2), body["dims"])

	means := body["means"].([]interface{})
	require.Len(t, means, 2)
	first := means[0].([]interface{})
	assert.Equal(t, -2.0, first[0])

	weights := body["weights"].([]interface{})
	require.Len(t, weights, 2)
	assert.Equal(t, 0.5, weights[0])
}

func TestReconstructEndpoint(t *testing.T) {
	srv := testServer(t)

	rec := doGet(srv, "/api/v1/reconstruct")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	attachModel(t, srv)
	rec = doGet(srv, "/api/v1/reconstruct?n=6")
	assert.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, float64(6), body["count"])

	inputs := body["inputs"].(map[string]interface{})
	shape := inputs["shape"].([]interface{})
	assert.Equal(t, []interface{}{float64(6), float64(2), float64(1), float64(1)}, shape)
	assert.Len(t, inputs["data"].([]interface{}), 12)

	samples := body["samples"].(map[string]interface{})
	assert.Equal(t, []interface{}{float64(6), float64(2)}, samples["shape"].([]interface{}))
}

func TestReconstructEndpointValidation(t *testing.T) {
	srv := testServer(t)
	attachModel(t, srv)

	for _, q := range []string{"?n=0", "?n=-3", "?n=abc", "?n=100000"} {
		rec := doGet(srv, "/api/v1/reconstruct"+q)
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)

		var resp errorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "INVALID_PARAMETER", resp.Error.Code)
	}
}

func TestRequestIDHeader(t *testing.T) {
	srv := testServer(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "req-123")
	srv.router.ServeHTTP(rec, req)
	assert.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))

	rec = doGet(srv, "/health")
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestUnknownRouteReturns404(t *testing.T) {
	srv := testServer(t)
	rec := doGet(srv, "/api/v1/nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
