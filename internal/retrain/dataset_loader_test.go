package retrain

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeCSV(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLoadDataset_ParsesFeaturesAndLabels(t *testing.T) {
	dir := t.TempDir()
	train := filepath.Join(dir, "train.csv")
	calib := filepath.Join(dir, "calib.csv")
	test := filepath.Join(dir, "test.csv")
	drifted := filepath.Join(dir, "test_drifted.csv")

	csv := "amount,velocity,label\n1.0,2.0,0\n10.0,2.0,1\n"
	writeCSV(t, train, csv)
	writeCSV(t, calib, csv)
	writeCSV(t, test, csv)
	writeCSV(t, drifted, csv)

	ds, err := LoadDataset(train, calib, test, drifted)
	require.NoError(t, err)

	assert.Equal(t, []string{"amount", "velocity"}, ds.FeatureNames)
	assert.Len(t, ds.Train, 2)
	assert.Equal(t, []float64{1.0, 2.0}, ds.Train[0].Features)
	assert.Equal(t, 0, ds.Train[0].Label)
	assert.True(t, ds.TestDrifted[0].Drifted)
}

func TestLoadDataset_RejectsMismatchedColumnCount(t *testing.T) {
	dir := t.TempDir()
	train := filepath.Join(dir, "train.csv")
	writeCSV(t, train, "amount,velocity,label\n1.0,2.0\n")

	_, err := LoadDataset(train, train, train, "")
	assert.Error(t, err)
}

func TestLoadDataset_RejectsMissingFile(t *testing.T) {
	_, err := LoadDataset("/nonexistent/train.csv", "/nonexistent/calib.csv", "/nonexistent/test.csv", "")
	assert.Error(t, err)
}
