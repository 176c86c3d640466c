package retrain

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/pcraw4d/fraud-serving/internal/conformal"
	"github.com/pcraw4d/fraud-serving/internal/drift"
	"github.com/pcraw4d/fraud-serving/internal/model"
	"github.com/pcraw4d/fraud-serving/internal/observability"
	"github.com/pcraw4d/fraud-serving/internal/registry"
)

// Row is one labeled training/evaluation example: a feature vector plus
// its true label, optionally tagged as drifted for dataset mixing.
type Row struct {
	Features []float64
	Label    int
	Drifted  bool
}

// EvalResult is the candidate-vs-active comparison computed before a
// promotion decision.
type EvalResult struct {
	AbstainRate        float64 `json:"abstain_rate"`
	SelectiveAccuracy  float64 `json:"selective_accuracy"`
	AvgCostPerTxn      float64 `json:"avg_cost_per_txn"`
}

// CandidateReport is the JSON document written to reportsDir for every
// trained candidate, win or lose.
type CandidateReport struct {
	Version          string     `json:"version"`
	TrainedAt        time.Time  `json:"trained_at"`
	CandidateEval    EvalResult `json:"candidate_eval"`
	ActiveEval       EvalResult `json:"active_eval"`
	Promoted         bool       `json:"promoted"`
	RejectionReason  string     `json:"rejection_reason,omitempty"`
}

// EvalCosts names the cost of each decision-policy outcome used to score
// candidates against the active bundle.
type EvalCosts struct {
	FalsePositive float64
	FalseNegative float64
	Abstain       float64
}

// Dataset is the pre-split training/evaluation material the worker draws
// candidate datasets from: the original train/calib/test rows, plus a
// drifted test slice mixed in per OldDataRatio.
type Dataset struct {
	Train        []Row
	Calib        []Row
	Test         []Row
	TestDrifted  []Row
	FeatureNames []string
}

// Worker consumes retrain request files, trains and evaluates a
// candidate bundle, and promotes it to active when it clears the
// promotion gate.
type Worker struct {
	requestsDir    string
	versionsDir    string
	reportsDir     string
	shadowPtr      string
	oldDataRatio   float64
	seed           int64
	evalCosts      EvalCosts
	retrainCooldown time.Duration
	promoteCooldown time.Duration
	maxCostIncrease float64
	autoPromote     bool
	alpha           float64
	labels          []string

	manager *registry.Manager
	logger  *observability.Logger
	metrics *observability.Metrics
}

// WorkerConfig bundles Worker construction parameters.
type WorkerConfig struct {
	RequestsDir     string
	VersionsDir     string
	ReportsDir      string
	ShadowPtr       string
	OldDataRatio    float64
	Seed            int64
	EvalCosts       EvalCosts
	RetrainCooldown time.Duration
	PromoteCooldown time.Duration
	MaxCostIncrease float64
	AutoPromote     bool
	ConformalAlpha  float64
	Labels          []string
}

// NewWorker constructs a retrain Worker.
func NewWorker(cfg WorkerConfig, manager *registry.Manager, logger *observability.Logger, metrics *observability.Metrics) *Worker {
	return &Worker{
		requestsDir:     cfg.RequestsDir,
		versionsDir:     cfg.VersionsDir,
		reportsDir:      cfg.ReportsDir,
		shadowPtr:       cfg.ShadowPtr,
		oldDataRatio:    cfg.OldDataRatio,
		seed:            cfg.Seed,
		evalCosts:       cfg.EvalCosts,
		retrainCooldown: cfg.RetrainCooldown,
		promoteCooldown: cfg.PromoteCooldown,
		maxCostIncrease: cfg.MaxCostIncrease,
		autoPromote:     cfg.AutoPromote,
		alpha:           cfg.ConformalAlpha,
		labels:          cfg.Labels,
		manager:         manager,
		logger:          logger.WithComponent("retrain_worker"),
		metrics:         metrics,
	}
}

// PollOnce processes the lexicographically-first pending request file and
// drops every other pending request as a duplicate superseded by it, then
// routes the processed file to processed/ or failed/. If a retrain is
// already in progress cooldown (retrain.cooldown_seconds since the last
// candidate was trained), the poll is skipped entirely and no files are
// consumed. Returns false if there was nothing to process.
func (w *Worker) PollOnce(ds Dataset) (bool, error) {
	paths, err := w.pendingRequestFiles()
	if err != nil {
		return false, err
	}
	if len(paths) == 0 {
		return false, nil
	}

	if !w.retrainCooldownOK() {
		w.logger.Info("retrain: cooldown active, skipping poll")
		return false, nil
	}

	path := paths[0]
	defer w.dropDuplicates(paths[1:])

	if err := w.processRequest(path, ds); err != nil {
		w.routeFile(path, "failed")
		return true, fmt.Errorf("retrain: process request %s: %w", path, err)
	}
	w.routeFile(path, "processed")
	return true, nil
}

// dropDuplicates deletes every sibling request file left pending once the
// first has been picked up: one poll trains at most one candidate, so
// anything else queued behind it is a duplicate of the same drift signal.
func (w *Worker) dropDuplicates(paths []string) {
	for _, path := range paths {
		if err := os.Remove(path); err != nil {
			w.logger.Warn("retrain: failed to drop duplicate request", "path", path, "error", err.Error())
			continue
		}
		w.logger.Info("retrain: dropped duplicate request", "path", path)
	}
}

func (w *Worker) pendingRequestFiles() ([]string, error) {
	entries, err := os.ReadDir(w.requestsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !isRetrainRequestFilename(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	paths := make([]string, len(names))
	for i, name := range names {
		paths[i] = filepath.Join(w.requestsDir, name)
	}
	return paths, nil
}

func (w *Worker) routeFile(path, subdir string) {
	dir := filepath.Join(w.requestsDir, subdir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		w.logger.Warn("retrain: failed to create routing dir", "dir", dir, "error", err.Error())
		return
	}
	dest := filepath.Join(dir, filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		w.logger.Warn("retrain: failed to route request file", "path", path, "dest", dest, "error", err.Error())
	}
}

func (w *Worker) processRequest(path string, ds Dataset) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read request: %w", err)
	}
	var req Request
	if err := json.Unmarshal(buf, &req); err != nil {
		return fmt.Errorf("parse request: %w", err)
	}

	trainRows, calibRows, testRows := w.buildCandidateDataset(ds)

	candidate, err := w.trainCandidate(ds.FeatureNames, trainRows, calibRows)
	if err != nil {
		return fmt.Errorf("train candidate: %w", err)
	}

	active := w.manager.GetActive()
	candidateEval := evaluate(candidate, testRows, w.evalCosts)
	var activeEval EvalResult
	if active != nil {
		activeEval = evaluate(active, testRows, w.evalCosts)
	}

	version := fmt.Sprintf("v%d", time.Now().UnixNano())
	candidate.Version = version
	if err := candidate.Save(w.versionsDir); err != nil {
		return fmt.Errorf("save candidate: %w", err)
	}

	report := CandidateReport{
		Version:       version,
		TrainedAt:     time.Now().UTC(),
		CandidateEval: candidateEval,
		ActiveEval:    activeEval,
	}

	if err := registry.WritePointer(w.shadowPtr, registry.Pointer{Version: version}); err != nil {
		w.logger.Warn("retrain: failed to write shadow pointer", "error", err.Error())
	}
	w.writeLastRetrain(version, path)

	promoted, reason := w.promotionGate(candidateEval, activeEval)
	report.Promoted = promoted
	report.RejectionReason = reason

	if promoted {
		if err := w.manager.PromoteShadowToActive(version); err != nil {
			return fmt.Errorf("promote candidate: %w", err)
		}
		if err := w.manager.RefreshActive(); err != nil {
			w.logger.Warn("retrain: refresh after promotion failed", "error", err.Error())
		}
		w.metrics.RecordPromotion()
		w.writeLastPromotion(version)
	} else {
		w.metrics.RecordPromotionRejected()
	}

	return w.writeReport(report)
}

// promotionGate applies spec §4.I's promotion-cooldown and cost-regression
// bounds: a candidate is promoted only when auto-promote is enabled, no
// prior promotion happened within promote.cooldown_seconds, and its
// average cost per transaction does not exceed the active bundle's by more
// than maxCostIncrease (relative). When the active bundle's average cost is
// zero (which includes there being no active bundle to evaluate), the cost
// bound is not applied and the candidate passes.
func (w *Worker) promotionGate(candidate, active EvalResult) (bool, string) {
	if !w.autoPromote {
		return false, "auto_promote_disabled"
	}
	if remaining := w.promotionCooldownRemaining(); remaining > 0 {
		return false, fmt.Sprintf("promotion_cooldown: %s remaining", remaining.Round(time.Second))
	}
	if active.AvgCostPerTxn == 0 {
		return true, ""
	}
	allowed := active.AvgCostPerTxn * (1 + w.maxCostIncrease)
	if candidate.AvgCostPerTxn > allowed {
		return false, fmt.Sprintf("cost_regression: candidate=%.4f active=%.4f allowed=%.4f", candidate.AvgCostPerTxn, active.AvgCostPerTxn, allowed)
	}
	return true, ""
}

// promotionCooldownRemaining reads the last_promotion.json stamp (if any)
// and returns how much of promote.cooldown_seconds is left, or zero if the
// cooldown has elapsed, no cooldown is configured, or no promotion has
// happened yet.
func (w *Worker) promotionCooldownRemaining() time.Duration {
	if w.promoteCooldown <= 0 {
		return 0
	}
	buf, err := os.ReadFile(filepath.Join(w.reportsDir, "last_promotion.json"))
	if err != nil {
		return 0
	}
	var rec lastPromotionRecord
	if err := json.Unmarshal(buf, &rec); err != nil {
		return 0
	}
	elapsed := time.Since(rec.PromotedAt)
	if elapsed >= w.promoteCooldown {
		return 0
	}
	return w.promoteCooldown - elapsed
}

// retrainCooldownOK reports whether enough time has passed since the last
// candidate was trained (last_retrain.json) to start another one. Absent a
// stamp or a configured cooldown, retraining is always allowed.
func (w *Worker) retrainCooldownOK() bool {
	if w.retrainCooldown <= 0 {
		return true
	}
	buf, err := os.ReadFile(filepath.Join(w.reportsDir, "last_retrain.json"))
	if err != nil {
		return true
	}
	var rec lastRetrainRecord
	if err := json.Unmarshal(buf, &rec); err != nil {
		return true
	}
	return time.Since(rec.TrainedAt) >= w.retrainCooldown
}

// writeLastRetrain stamps the moment a candidate finished training, read
// back by retrainCooldownOK on the next poll.
func (w *Worker) writeLastRetrain(version, requestPath string) {
	if err := os.MkdirAll(w.reportsDir, 0o755); err != nil {
		w.logger.Warn("retrain: failed to create reports dir", "error", err.Error())
		return
	}
	buf, err := json.MarshalIndent(lastRetrainRecord{
		TrainedAt:        time.Now().UTC(),
		CandidateVersion: version,
		RequestFile:      filepath.Base(requestPath),
	}, "", "  ")
	if err != nil {
		return
	}
	if err := writeAtomic(filepath.Join(w.reportsDir, "last_retrain.json"), buf); err != nil {
		w.logger.Warn("retrain: failed to write last_retrain.json", "error", err.Error())
	}
}

func (w *Worker) writeReport(report CandidateReport) error {
	if err := os.MkdirAll(w.reportsDir, 0o755); err != nil {
		return fmt.Errorf("create reports dir: %w", err)
	}
	buf, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	path := filepath.Join(w.reportsDir, fmt.Sprintf("retrain_candidate_%s.json", report.Version))
	return writeAtomic(path, buf)
}

// lastPromotionRecord is the stamp written after every promotion and read
// back by promotionCooldownRemaining to enforce promote.cooldown_seconds.
type lastPromotionRecord struct {
	Version    string    `json:"version"`
	PromotedAt time.Time `json:"promoted_at"`
}

// lastRetrainRecord is the stamp written once a candidate finishes training
// and read back by retrainCooldownOK to enforce retrain.cooldown_seconds.
type lastRetrainRecord struct {
	TrainedAt        time.Time `json:"trained_at"`
	CandidateVersion string    `json:"candidate_version"`
	RequestFile      string    `json:"request_file"`
}

func (w *Worker) writeLastPromotion(version string) {
	path := filepath.Join(w.reportsDir, "last_promotion.json")
	buf, err := json.MarshalIndent(lastPromotionRecord{
		Version:    version,
		PromotedAt: time.Now().UTC(),
	}, "", "  ")
	if err != nil {
		return
	}
	if err := writeAtomic(path, buf); err != nil {
		w.logger.Warn("retrain: failed to write last_promotion.json", "error", err.Error())
	}
}

// buildCandidateDataset mixes old (reference) and drifted rows per
// OldDataRatio, seeded-shuffles the combined set, and splits 85/15 into
// train/test. The calibration rows are drawn separately from the
// dataset's own calib split.
func (w *Worker) buildCandidateDataset(ds Dataset) (train, calib, test []Row) {
	rng := rand.New(rand.NewSource(w.seed))

	combined := make([]Row, 0, len(ds.Train)+len(ds.TestDrifted))
	oldCount := int(float64(len(ds.TestDrifted)) * w.oldDataRatio)
	if oldCount > len(ds.Train) {
		oldCount = len(ds.Train)
	}
	combined = append(combined, ds.Train[:oldCount]...)
	combined = append(combined, ds.TestDrifted...)

	rng.Shuffle(len(combined), func(i, j int) { combined[i], combined[j] = combined[j], combined[i] })

	splitAt := int(float64(len(combined)) * 0.85)
	return combined[:splitAt], ds.Calib, combined[splitAt:]
}

func (w *Worker) trainCandidate(featureNames []string, train, calib []Row) (*model.Bundle, error) {
	if len(train) == 0 {
		return nil, fmt.Errorf("empty training set")
	}

	clf := model.NewGradientStumpClassifier()
	trainRows := make([][]float64, len(train))
	trainLabels := make([]int, len(train))
	for i, r := range train {
		trainRows[i] = r.Features
		trainLabels[i] = r.Label
	}
	if err := clf.Fit(trainRows, trainLabels, 50); err != nil {
		return nil, fmt.Errorf("fit classifier: %w", err)
	}

	isotonic := &model.IsotonicCalibrator{}
	rawScores := make([]float64, len(calib))
	calibLabels := make([]int, len(calib))
	for i, r := range calib {
		p, err := clf.RawProba(r.Features)
		if err != nil {
			return nil, fmt.Errorf("raw_proba during isotonic fit: %w", err)
		}
		rawScores[i] = p[1]
		calibLabels[i] = r.Label
	}
	if err := isotonic.Fit(rawScores, calibLabels); err != nil {
		return nil, fmt.Errorf("fit isotonic calibrator: %w", err)
	}

	calibProbs := make([][2]float64, len(calib))
	for i, r := range calib {
		raw, _ := clf.RawProba(r.Features)
		p1 := isotonic.Calibrate(raw[1])
		calibProbs[i] = [2]float64{1 - p1, p1}
	}
	conformalCalib, err := conformal.Fit(calibProbs, calibLabels, w.alpha, w.labels)
	if err != nil {
		return nil, fmt.Errorf("fit conformal calibration: %w", err)
	}

	refValues := make(map[string][]float64, len(featureNames))
	for fi, name := range featureNames {
		vals := make([]float64, 0, len(train))
		for _, r := range train {
			if fi < len(r.Features) {
				vals = append(vals, r.Features[fi])
			}
		}
		refValues[name] = vals
	}

	return &model.Bundle{
		FeatureNames:   featureNames,
		Classifier:     clf,
		ProbaCalib:     isotonic,
		ConformalCalib: conformalCalib,
		DriftRef:       drift.NewReference(featureNames, refValues),
	}, nil
}

// evaluate scores a bundle against a held-out sample (capped at 5000 rows
// per spec §4.I), computing abstain rate, selective accuracy (accuracy
// among non-abstained rows) and average decision cost per transaction.
func evaluate(bundle *model.Bundle, rows []Row, costs EvalCosts) EvalResult {
	if bundle == nil || len(rows) == 0 {
		return EvalResult{}
	}
	sample := rows
	if len(sample) > 5000 {
		sample = sample[:5000]
	}

	abstained := 0
	correct := 0
	decided := 0
	totalCost := 0.0

	for _, row := range sample {
		p, err := bundle.Predict(row.Features)
		if err != nil {
			abstained++
			totalCost += costs.Abstain
			continue
		}
		set := bundle.ConformalCalib.PredictionSet(p)
		if len(set) != 1 {
			abstained++
			totalCost += costs.Abstain
			continue
		}
		decided++
		predicted := set[0]
		if predicted == row.Label {
			correct++
		} else if predicted == 1 && row.Label == 0 {
			totalCost += costs.FalsePositive
		} else if predicted == 0 && row.Label == 1 {
			totalCost += costs.FalseNegative
		}
	}

	result := EvalResult{
		AbstainRate: float64(abstained) / float64(len(sample)),
	}
	if decided > 0 {
		result.SelectiveAccuracy = float64(correct) / float64(decided)
	}
	result.AvgCostPerTxn = totalCost / float64(len(sample))
	return result
}
