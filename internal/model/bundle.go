// Package model defines the versioned model bundle — classifier, probability
// calibrator, conformal calibration and drift reference — plus the
// in-process classifier backends described in spec §4.C and §9.
package model

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pcraw4d/fraud-serving/internal/conformal"
	"github.com/pcraw4d/fraud-serving/internal/drift"
)

// Classifier is the black-box prediction capability a Bundle wraps. Any
// backend — ONNX-served, or the pure-Go reference implementation — must
// satisfy this to be loaded into a Bundle.
type Classifier interface {
	// RawProba returns the uncalibrated [p(class0), p(class1)] for one row,
	// given in FeatureNames order.
	RawProba(row []float64) ([2]float64, error)
	// Save persists the classifier's weights under dir.
	Save(dir string) error
	// Load restores the classifier's weights from dir.
	Load(dir string) error
}

// ProbaCalibrator monotonically recalibrates a raw probability from the
// classifier into a better-calibrated one (spec §9's isotonic calibrator).
type ProbaCalibrator interface {
	Calibrate(rawP1 float64) float64
	Save(path string) error
	Load(path string) error
}

// Manifest is the JSON descriptor persisted at the bundle root, naming the
// feature contract and classifier backend so Load can reconstruct it.
type Manifest struct {
	Version         string   `json:"version"`
	FeatureNames    []string `json:"feature_names"`
	ClassifierKind  string   `json:"classifier_kind"`
	CreatedAtUnix   int64    `json:"created_at_unix"`
}

// Bundle is one versioned, fully-loaded model: a classifier, its
// probability calibrator, its conformal calibration, and the drift
// reference distribution it was fit against.
type Bundle struct {
	Version      string
	FeatureNames []string

	Classifier     Classifier
	ProbaCalib     ProbaCalibrator
	ConformalCalib *conformal.Calib
	DriftRef       *drift.Reference
}

const (
	manifestFile = "manifest.json"
	qhatFile     = "qhat.json"
	metaFile     = "conformal_meta.json"
	isotonicFile = "isotonic.json"
	driftRefFile = "drift_reference.json"
	classifierDir = "classifier"
)

// Save persists every component of the bundle under dir/<version>/.
func (b *Bundle) Save(rootDir string) error {
	dir := filepath.Join(rootDir, b.Version)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("model: create bundle dir: %w", err)
	}

	manifest := Manifest{
		Version:        b.Version,
		FeatureNames:   b.FeatureNames,
		ClassifierKind: classifierKind(b.Classifier),
		CreatedAtUnix:  0,
	}
	buf, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("model: marshal manifest: %w", err)
	}
	if err := writeAtomic(filepath.Join(dir, manifestFile), buf); err != nil {
		return fmt.Errorf("model: write manifest: %w", err)
	}

	clsDir := filepath.Join(dir, classifierDir)
	if err := os.MkdirAll(clsDir, 0o755); err != nil {
		return fmt.Errorf("model: create classifier dir: %w", err)
	}
	if err := b.Classifier.Save(clsDir); err != nil {
		return fmt.Errorf("model: save classifier: %w", err)
	}

	if err := b.ProbaCalib.Save(filepath.Join(dir, isotonicFile)); err != nil {
		return fmt.Errorf("model: save proba calibrator: %w", err)
	}

	if err := b.ConformalCalib.Save(filepath.Join(dir, qhatFile), filepath.Join(dir, metaFile)); err != nil {
		return fmt.Errorf("model: save conformal calibration: %w", err)
	}

	refBuf, err := json.Marshal(b.DriftRef)
	if err != nil {
		return fmt.Errorf("model: marshal drift reference: %w", err)
	}
	if err := writeAtomic(filepath.Join(dir, driftRefFile), refBuf); err != nil {
		return fmt.Errorf("model: write drift reference: %w", err)
	}

	return nil
}

// Load reconstructs a Bundle from dir/<version>/.
func Load(rootDir, version string) (*Bundle, error) {
	dir := filepath.Join(rootDir, version)

	manifestBuf, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if err != nil {
		return nil, fmt.Errorf("model: read manifest: %w", err)
	}
	var manifest Manifest
	if err := json.Unmarshal(manifestBuf, &manifest); err != nil {
		return nil, fmt.Errorf("model: parse manifest: %w", err)
	}

	cls, err := newClassifier(manifest.ClassifierKind)
	if err != nil {
		return nil, err
	}
	if err := cls.Load(filepath.Join(dir, classifierDir)); err != nil {
		return nil, fmt.Errorf("model: load classifier: %w", err)
	}

	isotonic := &IsotonicCalibrator{}
	if err := isotonic.Load(filepath.Join(dir, isotonicFile)); err != nil {
		return nil, fmt.Errorf("model: load proba calibrator: %w", err)
	}

	calib, err := conformal.Load(filepath.Join(dir, qhatFile), filepath.Join(dir, metaFile))
	if err != nil {
		return nil, fmt.Errorf("model: load conformal calibration: %w", err)
	}

	refBuf, err := os.ReadFile(filepath.Join(dir, driftRefFile))
	if err != nil {
		return nil, fmt.Errorf("model: read drift reference: %w", err)
	}
	var ref drift.Reference
	if err := json.Unmarshal(refBuf, &ref); err != nil {
		return nil, fmt.Errorf("model: parse drift reference: %w", err)
	}

	return &Bundle{
		Version:        manifest.Version,
		FeatureNames:   manifest.FeatureNames,
		Classifier:     cls,
		ProbaCalib:     isotonic,
		ConformalCalib: calib,
		DriftRef:       &ref,
	}, nil
}

// Predict computes the final calibrated [p0,p1] for one feature row, in
// FeatureNames order: raw classifier output, then isotonic recalibration.
func (b *Bundle) Predict(row []float64) ([2]float64, error) {
	raw, err := b.Classifier.RawProba(row)
	if err != nil {
		return [2]float64{}, fmt.Errorf("model: raw_proba: %w", err)
	}
	p1 := b.ProbaCalib.Calibrate(raw[1])
	return [2]float64{1 - p1, p1}, nil
}

func classifierKind(c Classifier) string {
	switch c.(type) {
	case *ONNXClassifier:
		return "onnx"
	case *GradientStumpClassifier:
		return "gradient_stump"
	default:
		return "gradient_stump"
	}
}

func newClassifier(kind string) (Classifier, error) {
	switch kind {
	case "onnx":
		return NewONNXClassifier(), nil
	case "gradient_stump", "":
		return NewGradientStumpClassifier(), nil
	default:
		return nil, fmt.Errorf("model: unknown classifier kind %q", kind)
	}
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
