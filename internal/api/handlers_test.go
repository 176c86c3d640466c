package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/pcraw4d/fraud-serving/internal/conformal"
	"github.com/pcraw4d/fraud-serving/internal/drift"
	"github.com/pcraw4d/fraud-serving/internal/model"
	"github.com/pcraw4d/fraud-serving/internal/observability"
	"github.com/pcraw4d/fraud-serving/internal/registry"
	"github.com/pcraw4d/fraud-serving/internal/retrain"
	"github.com/pcraw4d/fraud-serving/internal/serving"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupServer(t *testing.T, withActiveBundle bool) *Server {
	t.Helper()
	root := t.TempDir()
	versionsDir := filepath.Join(root, "versions")
	activePtr := filepath.Join(root, "active.json")
	shadowPtr := filepath.Join(root, "shadow.json")
	rollbackPtr := filepath.Join(root, "rollback.json")
	requestsDir := filepath.Join(root, "requests")

	logger := observability.NewLogger("error")
	metrics := observability.NewMetrics()
	tracer := observability.NewTracer(false)

	if withActiveBundle {
		clf := model.NewGradientStumpClassifier()
		rows := [][]float64{{0, 1}, {1, 1}, {10, 1}, {11, 1}}
		labels := []int{0, 0, 1, 1}
		require.NoError(t, clf.Fit(rows, labels, 10))

		isotonic := &model.IsotonicCalibrator{}
		require.NoError(t, isotonic.Fit([]float64{0.1, 0.9}, []int{0, 1}))

		calib, err := conformal.Fit([][2]float64{{0.9, 0.1}, {0.1, 0.9}}, []int{0, 1}, 0.1, []string{"non_fraud", "fraud"})
		require.NoError(t, err)

		ref := &drift.Reference{FeatureNames: []string{"amount", "velocity"}, Values: map[string][]float64{
			"amount": {0, 1, 10, 11}, "velocity": {1, 1, 1, 1},
		}}

		bundle := &model.Bundle{Version: "v1", FeatureNames: []string{"amount", "velocity"}, Classifier: clf, ProbaCalib: isotonic, ConformalCalib: calib, DriftRef: ref}
		require.NoError(t, bundle.Save(versionsDir))
		require.NoError(t, registry.WritePointer(activePtr, registry.Pointer{Version: "v1"}))
	}

	manager := registry.NewManager(versionsDir, activePtr, shadowPtr, rollbackPtr, logger, metrics)
	if withActiveBundle {
		require.NoError(t, manager.Bootstrap())
	}

	emitter := retrain.NewEmitter(requestsDir, time.Hour, 10, logger, metrics)
	engine := serving.NewEngine(serving.EngineConfig{
		Schema: serving.SchemaConfig{Version: 1},
		Alpha:  0.1,
		Drift: serving.DriftConfig{
			WindowSize: 500, Stride: 50, SoftThreshold: 0.3, HardThreshold: 0.6,
			RequiredHardWindows: 3, PValueThreshold: 0.05, PSISoftThreshold: 0.1,
			PSIHardThreshold: 0.25, PSINormalizationFactor: 0.25,
		},
	}, manager, emitter, logger, metrics, tracer, nil)

	return NewServer(Config{SchemaVersion: 1}, engine, manager, emitter, nil, nil, nil, logger, metrics)
}

func TestHandleHealth_AlwaysReturnsOK(t *testing.T) {
	s := setupServer(t, false)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	s.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, false, body["ready"])
}

func TestHandleReady_UnavailableWithoutActiveBundle(t *testing.T) {
	s := setupServer(t, false)
	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()

	s.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandleReady_OKWithActiveBundle(t *testing.T) {
	s := setupServer(t, true)
	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()

	s.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "v1", body["active_model_version"])
}

func TestHandleContract_ListsActionAndReasonCodes(t *testing.T) {
	s := setupServer(t, false)
	req := httptest.NewRequest(http.MethodGet, "/contracts/predict", nil)
	rec := httptest.NewRecorder()

	s.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body["action_codes"], "PREDICT")
	assert.Contains(t, body["reason_codes"], "DATA_CONTRACT")
}

func TestHandlePredict_NoActiveBundleReturns503(t *testing.T) {
	s := setupServer(t, false)
	reqBody, _ := json.Marshal(serving.Request{SchemaVersion: 1})
	req := httptest.NewRequest(http.MethodPost, "/predict", bytes.NewReader(reqBody))
	rec := httptest.NewRecorder()

	s.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandlePredict_MalformedBodyReturns400(t *testing.T) {
	s := setupServer(t, true)
	req := httptest.NewRequest(http.MethodPost, "/predict", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()

	s.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlePredict_CleanRequestReturns200(t *testing.T) {
	s := setupServer(t, true)
	reqBody, _ := json.Marshal(serving.Request{
		SchemaVersion: 1,
		TransactionFeatures: map[string]serving.FeatureValue{
			"amount":   {Float: 11},
			"velocity": {Float: 1},
		},
	})
	req := httptest.NewRequest(http.MethodPost, "/predict", bytes.NewReader(reqBody))
	rec := httptest.NewRecorder()

	s.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleRetrain_ThrottlesSecondCallWithinCooldown(t *testing.T) {
	s := setupServer(t, true)

	req1 := httptest.NewRequest(http.MethodPost, "/retrain", nil)
	rec1 := httptest.NewRecorder()
	s.Router().ServeHTTP(rec1, req1)
	assert.Equal(t, http.StatusOK, rec1.Code)

	req2 := httptest.NewRequest(http.MethodPost, "/retrain", nil)
	rec2 := httptest.NewRecorder()
	s.Router().ServeHTTP(rec2, req2)
	assert.Equal(t, http.StatusTooManyRequests, rec2.Code)
}

func TestHandleModelsInfo_ReportsActiveVersion(t *testing.T) {
	s := setupServer(t, true)
	req := httptest.NewRequest(http.MethodGet, "/models/info", nil)
	rec := httptest.NewRecorder()

	s.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "v1", body["active_version"])
}

func TestHandleDashboardStats_NotImplementedWithoutAnalytics(t *testing.T) {
	s := setupServer(t, true)
	req := httptest.NewRequest(http.MethodGet, "/dashboard/stats", nil)
	rec := httptest.NewRecorder()

	s.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestHandlePrometheusProxy_NotImplementedWithoutURL(t *testing.T) {
	s := setupServer(t, true)
	req := httptest.NewRequest(http.MethodGet, "/prometheus/api/v1/query", nil)
	rec := httptest.NewRecorder()

	s.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestHandleMetrics_ServesPrometheusExposition(t *testing.T) {
	s := setupServer(t, true)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()

	s.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}
