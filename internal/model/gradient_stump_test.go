package model

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGradientStumpClassifier_FitSeparatesClasses(t *testing.T) {
	rows := [][]float64{
		{0, 1}, {1, 1}, {2, 1}, {10, 1}, {11, 1}, {12, 1},
	}
	labels := []int{0, 0, 0, 1, 1, 1}

	clf := NewGradientStumpClassifier()
	require.NoError(t, clf.Fit(rows, labels, 10))

	p0, err := clf.RawProba([]float64{1, 1})
	require.NoError(t, err)
	p1, err := clf.RawProba([]float64{11, 1})
	require.NoError(t, err)

	assert.Less(t, p0[1], 0.5)
	assert.Greater(t, p1[1], 0.5)
}

func TestGradientStumpClassifier_SaveLoadRoundTrips(t *testing.T) {
	rows := [][]float64{{0}, {1}, {10}, {11}}
	labels := []int{0, 0, 1, 1}

	clf := NewGradientStumpClassifier()
	require.NoError(t, clf.Fit(rows, labels, 5))

	dir := t.TempDir()
	require.NoError(t, clf.Save(dir))

	restored := NewGradientStumpClassifier()
	require.NoError(t, restored.Load(dir))

	original, err := clf.RawProba([]float64{10})
	require.NoError(t, err)
	loaded, err := restored.RawProba([]float64{10})
	require.NoError(t, err)
	assert.InDelta(t, original[1], loaded[1], 1e-9)
}

func TestGradientStumpClassifier_RejectsEmptyTrainingSet(t *testing.T) {
	clf := NewGradientStumpClassifier()
	err := clf.Fit(nil, nil, 5)
	assert.Error(t, err)
}

func TestGradientStumpClassifier_Load_MissingFileErrors(t *testing.T) {
	clf := NewGradientStumpClassifier()
	err := clf.Load(filepath.Join(t.TempDir(), "nonexistent"))
	assert.Error(t, err)
}
