package model

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsotonicCalibrator_FitIsMonotone(t *testing.T) {
	raw := []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9}
	labels := []int{0, 0, 1, 0, 1, 1, 0, 1, 1}

	calib := &IsotonicCalibrator{}
	require.NoError(t, calib.Fit(raw, labels))

	prev := -1.0
	for _, r := range raw {
		v := calib.Calibrate(r)
		assert.GreaterOrEqual(t, v, prev)
		prev = v
	}
}

func TestIsotonicCalibrator_ClipsAwayFromExtremes(t *testing.T) {
	calib := &IsotonicCalibrator{}
	require.NoError(t, calib.Fit([]float64{0.0, 1.0}, []int{0, 1}))

	assert.Less(t, calib.Calibrate(0.0), 1.0)
	assert.Greater(t, calib.Calibrate(1.0), 0.0)
}

func TestIsotonicCalibrator_EmptyModelPassesThrough(t *testing.T) {
	calib := &IsotonicCalibrator{}
	assert.InDelta(t, 0.42, calib.Calibrate(0.42), 1e-9)
}

func TestIsotonicCalibrator_SaveLoadRoundTrips(t *testing.T) {
	calib := &IsotonicCalibrator{}
	require.NoError(t, calib.Fit([]float64{0.1, 0.5, 0.9}, []int{0, 1, 1}))

	path := filepath.Join(t.TempDir(), "isotonic.json")
	require.NoError(t, calib.Save(path))

	restored := &IsotonicCalibrator{}
	require.NoError(t, restored.Load(path))

	assert.InDelta(t, calib.Calibrate(0.5), restored.Calibrate(0.5), 1e-9)
}

func TestIsotonicCalibrator_RejectsMismatchedLengths(t *testing.T) {
	calib := &IsotonicCalibrator{}
	err := calib.Fit([]float64{0.1, 0.2}, []int{1})
	assert.Error(t, err)
}
