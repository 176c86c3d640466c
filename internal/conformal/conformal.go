// Package conformal implements split-conformal calibration and prediction
// sets, as described in spec §4.A: a non-conformity score on a held-out
// calibration set produces a quantile qhat that turns calibrated
// probabilities into prediction sets with marginal coverage >= 1-alpha.
package conformal

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"sync"
)

// Calib is an immutable split-conformal calibration: a fitted quantile over
// a fixed pair of labels. It is safe for concurrent read access once built.
type Calib struct {
	mu     sync.RWMutex
	Alpha  float64  `json:"alpha"`
	QHat   float64  `json:"qhat"`
	Labels []string `json:"labels"`
}

// Meta is the JSON sidecar persisted alongside qhat.
type Meta struct {
	Alpha  float64  `json:"alpha"`
	Labels []string `json:"labels"`
}

// Fit performs split-conformal calibration over calibration rows.
// probs[i] is the calibrated [p0,p1] for calibration row i; labels[i] is
// 0 or 1, the true class. Non-conformity score is s_i = 1 - p_hat(y_i|x_i).
func Fit(probs [][2]float64, labels []int, alpha float64, labelNames []string) (*Calib, error) {
	if len(probs) == 0 {
		return nil, fmt.Errorf("conformal: empty calibration set")
	}
	if len(probs) != len(labels) {
		return nil, fmt.Errorf("conformal: probs/labels length mismatch (%d vs %d)", len(probs), len(labels))
	}
	if alpha <= 0 || alpha >= 1 {
		return nil, fmt.Errorf("conformal: alpha must be in (0,1), got %v", alpha)
	}
	if len(labelNames) != 2 {
		return nil, fmt.Errorf("conformal: exactly 2 labels required, got %d", len(labelNames))
	}

	n := len(probs)
	scores := make([]float64, n)
	for i, p := range probs {
		y := labels[i]
		scores[i] = 1 - p[y]
	}
	sort.Float64s(scores)

	qLevel := math.Ceil(float64(n+1)*(1-alpha)) / float64(n)
	if qLevel > 1.0 {
		qLevel = 1.0
	}

	qhat := upperQuantile(scores, qLevel)

	return &Calib{
		Alpha:  alpha,
		QHat:   qhat,
		Labels: append([]string(nil), labelNames...),
	}, nil
}

// upperQuantile returns the smallest value in the sorted slice whose
// empirical CDF is >= level (the "higher" interpolation method required
// by spec §4.A).
func upperQuantile(sorted []float64, level float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	idx := int(math.Ceil(level*float64(n))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return sorted[idx]
}

// PredictionSet returns the subset of {0,1} whose calibrated probability
// clears 1 - qhat. The returned set may be empty (abstain), a singleton
// (confident), or both labels (uncertain).
func (c *Calib) PredictionSet(p [2]float64) []int {
	c.mu.RLock()
	qhat := c.QHat
	c.mu.RUnlock()

	threshold := 1 - qhat
	set := make([]int, 0, 2)
	for label := 0; label < 2; label++ {
		if p[label] >= threshold {
			set = append(set, label)
		}
	}
	return set
}

// Coverage returns the nominal marginal coverage target, 1 - alpha.
func (c *Calib) Coverage() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return 1 - c.Alpha
}

// LabelName returns the human-readable name for a label index.
func (c *Calib) LabelName(label int) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if label < 0 || label >= len(c.Labels) {
		return ""
	}
	return c.Labels[label]
}

// Save persists qhat as a length-1 float32 array (qhatPath) and the
// {alpha, labels} metadata (metaPath), matching spec §4.A's round-trip
// contract: qhat must survive to float32 precision.
func (c *Calib) Save(qhatPath, metaPath string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	qhat32 := float32(c.QHat)
	buf, err := json.Marshal([]float32{qhat32})
	if err != nil {
		return fmt.Errorf("conformal: marshal qhat: %w", err)
	}
	if err := os.WriteFile(qhatPath, buf, 0o644); err != nil {
		return fmt.Errorf("conformal: write qhat: %w", err)
	}

	meta := Meta{Alpha: c.Alpha, Labels: c.Labels}
	metaBuf, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("conformal: marshal meta: %w", err)
	}
	if err := os.WriteFile(metaPath, metaBuf, 0o644); err != nil {
		return fmt.Errorf("conformal: write meta: %w", err)
	}
	return nil
}

// Load restores a Calib from the qhat array and metadata sidecar.
func Load(qhatPath, metaPath string) (*Calib, error) {
	qhatBuf, err := os.ReadFile(qhatPath)
	if err != nil {
		return nil, fmt.Errorf("conformal: read qhat: %w", err)
	}
	var qhatArr []float32
	if err := json.Unmarshal(qhatBuf, &qhatArr); err != nil {
		return nil, fmt.Errorf("conformal: parse qhat: %w", err)
	}
	if len(qhatArr) != 1 {
		return nil, fmt.Errorf("conformal: qhat array must have length 1, got %d", len(qhatArr))
	}

	metaBuf, err := os.ReadFile(metaPath)
	if err != nil {
		return nil, fmt.Errorf("conformal: read meta: %w", err)
	}
	var meta Meta
	if err := json.Unmarshal(metaBuf, &meta); err != nil {
		return nil, fmt.Errorf("conformal: parse meta: %w", err)
	}

	return &Calib{
		Alpha:  meta.Alpha,
		QHat:   float64(qhatArr[0]),
		Labels: meta.Labels,
	}, nil
}
