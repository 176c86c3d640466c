package registry

import (
	"path/filepath"
	"testing"

	"github.com/pcraw4d/fraud-serving/internal/conformal"
	"github.com/pcraw4d/fraud-serving/internal/drift"
	"github.com/pcraw4d/fraud-serving/internal/model"
	"github.com/pcraw4d/fraud-serving/internal/observability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func saveTestBundle(t *testing.T, versionsDir, version string) {
	t.Helper()

	clf := model.NewGradientStumpClassifier()
	require.NoError(t, clf.Fit([][]float64{{0, 1}, {1, 1}, {10, 1}, {11, 1}}, []int{0, 0, 1, 1}, 5))

	isotonic := &model.IsotonicCalibrator{}
	require.NoError(t, isotonic.Fit([]float64{0.1, 0.5, 0.9}, []int{0, 1, 1}))

	calib, err := conformal.Fit(
		[][2]float64{{0.9, 0.1}, {0.2, 0.8}, {0.6, 0.4}, {0.3, 0.7}},
		[]int{0, 1, 0, 1}, 0.1, []string{"non_fraud", "fraud"},
	)
	require.NoError(t, err)

	ref := &drift.Reference{
		FeatureNames: []string{"amount", "velocity"},
		Values:       map[string][]float64{"amount": {1, 2, 3}, "velocity": {1, 2, 3}},
	}

	bundle := &model.Bundle{
		Version: version, FeatureNames: []string{"amount", "velocity"},
		Classifier: clf, ProbaCalib: isotonic, ConformalCalib: calib, DriftRef: ref,
	}
	require.NoError(t, bundle.Save(versionsDir))
}

func newTestManager(t *testing.T) (*Manager, string, string, string, string) {
	t.Helper()
	root := t.TempDir()
	versionsDir := filepath.Join(root, "versions")
	activePtr := filepath.Join(root, "active.json")
	shadowPtr := filepath.Join(root, "shadow.json")
	rollbackPtr := filepath.Join(root, "rollback.json")

	logger := observability.NewLogger("error")
	metrics := observability.NewMetrics()
	m := NewManager(versionsDir, activePtr, shadowPtr, rollbackPtr, logger, metrics)
	return m, versionsDir, activePtr, shadowPtr, rollbackPtr
}

func TestManager_BootstrapLoadsActiveBundle(t *testing.T) {
	m, versionsDir, activePtr, _, _ := newTestManager(t)
	saveTestBundle(t, versionsDir, "v1")
	require.NoError(t, WritePointer(activePtr, Pointer{Version: "v1"}))

	require.NoError(t, m.Bootstrap())
	assert.Equal(t, "v1", m.GetActive().Version)
}

func TestManager_BootstrapFailsWithNoPreviousBundle(t *testing.T) {
	m, _, activePtr, _, _ := newTestManager(t)
	require.NoError(t, WritePointer(activePtr, Pointer{Version: "does-not-exist"}))

	err := m.Bootstrap()
	assert.Error(t, err)
}

func TestManager_RefreshActive_SwapsOnVersionChange(t *testing.T) {
	m, versionsDir, activePtr, _, _ := newTestManager(t)
	saveTestBundle(t, versionsDir, "v1")
	saveTestBundle(t, versionsDir, "v2")
	require.NoError(t, WritePointer(activePtr, Pointer{Version: "v1"}))
	require.NoError(t, m.Bootstrap())

	require.NoError(t, WritePointer(activePtr, Pointer{Version: "v2"}))
	require.NoError(t, m.RefreshActive())
	assert.Equal(t, "v2", m.GetActive().Version)
}

func TestManager_RefreshActive_RetainsPreviousOnLoadFailure(t *testing.T) {
	m, versionsDir, activePtr, _, _ := newTestManager(t)
	saveTestBundle(t, versionsDir, "v1")
	require.NoError(t, WritePointer(activePtr, Pointer{Version: "v1"}))
	require.NoError(t, m.Bootstrap())

	require.NoError(t, WritePointer(activePtr, Pointer{Version: "does-not-exist"}))
	err := m.RefreshActive()
	require.NoError(t, err) // failure is logged, not propagated, when a previous bundle exists
	assert.Equal(t, "v1", m.GetActive().Version)
}

func TestManager_PromoteShadowToActive_WritesRollbackPointer(t *testing.T) {
	m, versionsDir, activePtr, shadowPtr, rollbackPtr := newTestManager(t)
	saveTestBundle(t, versionsDir, "v1")
	saveTestBundle(t, versionsDir, "v2")
	require.NoError(t, WritePointer(activePtr, Pointer{Version: "v1"}))
	require.NoError(t, WritePointer(shadowPtr, Pointer{Version: "v2"}))
	require.NoError(t, m.Bootstrap())

	require.NoError(t, m.PromoteShadowToActive("v2"))

	rollback, err := ReadPointer(rollbackPtr)
	require.NoError(t, err)
	assert.Equal(t, "v1", rollback.Version)

	active, err := ReadPointer(activePtr)
	require.NoError(t, err)
	assert.Equal(t, "v2", active.Version)
}
