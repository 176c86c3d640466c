package conformal

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFit_RejectsBadInputs(t *testing.T) {
	_, err := Fit(nil, nil, 0.1, []string{"a", "b"})
	assert.Error(t, err)

	_, err = Fit([][2]float64{{0.5, 0.5}}, []int{0, 1}, 0.1, []string{"a", "b"})
	assert.Error(t, err)

	_, err = Fit([][2]float64{{0.5, 0.5}}, []int{0}, 1.5, []string{"a", "b"})
	assert.Error(t, err)

	_, err = Fit([][2]float64{{0.5, 0.5}}, []int{0}, 0.1, []string{"only_one"})
	assert.Error(t, err)
}

func TestFit_ProducesHigherCoverageThanNominal(t *testing.T) {
	// Well-calibrated probabilities: true label always has the higher prob.
	probs := make([][2]float64, 0, 100)
	labels := make([]int, 0, 100)
	for i := 0; i < 100; i++ {
		if i%2 == 0 {
			probs = append(probs, [2]float64{0.9, 0.1})
			labels = append(labels, 0)
		} else {
			probs = append(probs, [2]float64{0.2, 0.8})
			labels = append(labels, 1)
		}
	}

	calib, err := Fit(probs, labels, 0.1, []string{"non_fraud", "fraud"})
	require.NoError(t, err)
	assert.InDelta(t, 0.9, calib.Coverage(), 1e-9)

	// Every true label must appear in its own prediction set.
	for i, p := range probs {
		set := calib.PredictionSet(p)
		assert.Contains(t, set, labels[i])
	}
}

func TestPredictionSet_CanBeEmptyOrBothLabels(t *testing.T) {
	// qhat small -> threshold close to 1 -> a mediocre 0.5/0.5 prob clears
	// neither label, yielding an empty (abstain) set.
	strict := &Calib{Alpha: 0.1, QHat: 0.01, Labels: []string{"non_fraud", "fraud"}}
	set := strict.PredictionSet([2]float64{0.5, 0.5})
	assert.Empty(t, set)

	// qhat large -> threshold close to 0 -> both labels clear it.
	lax := &Calib{Alpha: 0.1, QHat: 0.95, Labels: []string{"non_fraud", "fraud"}}
	laxSet := lax.PredictionSet([2]float64{0.5, 0.5})
	assert.Len(t, laxSet, 2)
}

func TestSaveLoad_RoundTripsThroughFloat32(t *testing.T) {
	dir := t.TempDir()
	qhatPath := filepath.Join(dir, "qhat.json")
	metaPath := filepath.Join(dir, "meta.json")

	original := &Calib{Alpha: 0.1, QHat: 0.123456789, Labels: []string{"non_fraud", "fraud"}}
	require.NoError(t, original.Save(qhatPath, metaPath))

	loaded, err := Load(qhatPath, metaPath)
	require.NoError(t, err)

	assert.InDelta(t, float64(float32(0.123456789)), loaded.QHat, 1e-9)
	assert.Equal(t, original.Alpha, loaded.Alpha)
	assert.Equal(t, original.Labels, loaded.Labels)
}

func TestLabelName(t *testing.T) {
	calib := &Calib{Alpha: 0.1, QHat: 0.5, Labels: []string{"non_fraud", "fraud"}}
	assert.Equal(t, "non_fraud", calib.LabelName(0))
	assert.Equal(t, "fraud", calib.LabelName(1))
	assert.Equal(t, "", calib.LabelName(5))
}
