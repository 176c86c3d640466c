package serving

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/pcraw4d/fraud-serving/internal/analytics"
	"github.com/pcraw4d/fraud-serving/internal/drift"
	"github.com/pcraw4d/fraud-serving/internal/observability"
	"github.com/pcraw4d/fraud-serving/internal/policy"
	"github.com/pcraw4d/fraud-serving/internal/registry"
	"github.com/pcraw4d/fraud-serving/internal/retrain"
)

// Request is the wire shape of POST /predict.
type Request struct {
	SchemaVersion       int                     `json:"schema_version"`
	TransactionFeatures map[string]FeatureValue `json:"transaction_features"`
}

// DriftView is the drift summary embedded in the response.
type DriftView struct {
	Score         float64  `json:"score"`
	TopDrifted    []string `json:"top_drifted_features"`
	SoftFlag      bool     `json:"soft_flag"`
	HardFlag      bool     `json:"hard_flag"`
}

// Response is the wire shape of POST /predict's 200 body.
type Response struct {
	Prediction      *int      `json:"prediction"`
	PredictionSet   []int     `json:"prediction_set"`
	PFraud          float64   `json:"p_fraud"`
	Coverage        float64   `json:"coverage"`
	ActionCode      string    `json:"action_code"`
	Reasons         []string  `json:"reasons"`
	FallbackReason  string    `json:"fallback_reason,omitempty"`
	RetrainTriggered bool     `json:"retrain_triggered"`
	RetrainReason   string    `json:"retrain_reason,omitempty"`
	ModelVersion    string    `json:"model_version"`
	Drift           DriftView `json:"drift"`
}

// Engine wires together every predict-path collaborator: the bundle
// manager, the drift detector (one per active bundle version), the
// retrain trigger latch, the retrain emitter, and the ambient
// observability stack.
type Engine struct {
	manager   *registry.Manager
	schema    SchemaConfig
	alpha     float64

	driftCfg  DriftConfig
	detectors map[string]*drift.Detector // keyed by bundle version

	trigger *policy.RetrainTrigger
	emitter *retrain.Emitter

	shadowSamplingRate float64

	logger    *observability.Logger
	metrics   *observability.Metrics
	tracer    *observability.Tracer
	analytics *analytics.Store // optional; nil disables analytics logging
}

// DriftConfig carries the detector construction parameters, read from the
// drift section of the config file.
type DriftConfig struct {
	WindowSize           int
	Stride               int
	SoftThreshold        float64
	HardThreshold        float64
	RequiredHardWindows  int
	PValueThreshold      float64
	PSISoftThreshold     float64
	PSIHardThreshold     float64
	PSINormalizationFactor float64
}

// EngineConfig bundles Engine construction parameters.
type EngineConfig struct {
	Schema             SchemaConfig
	Alpha              float64
	Drift              DriftConfig
	ShadowSamplingRate float64
}

// NewEngine constructs a predict-path Engine.
func NewEngine(cfg EngineConfig, manager *registry.Manager, emitter *retrain.Emitter, logger *observability.Logger, metrics *observability.Metrics, tracer *observability.Tracer, store *analytics.Store) *Engine {
	return &Engine{
		manager:            manager,
		schema:             cfg.Schema,
		alpha:              cfg.Alpha,
		driftCfg:           cfg.Drift,
		detectors:          make(map[string]*drift.Detector),
		trigger:            policy.NewRetrainTrigger(cfg.Drift.RequiredHardWindows),
		emitter:            emitter,
		shadowSamplingRate: cfg.ShadowSamplingRate,
		logger:             logger.WithComponent("serving"),
		metrics:            metrics,
		tracer:             tracer,
		analytics:          store,
	}
}

// ErrModelServiceUnavailable is surfaced to the HTTP layer as a 503.
var ErrModelServiceUnavailable = registry.ErrModelServiceUnavailable

// Predict runs the full predict path for one request.
func (e *Engine) Predict(ctx context.Context, requestID string, req Request) (Response, error) {
	ctx, endSpan := e.tracer.StartSpan(ctx, "predict")
	defer endSpan()

	active := e.manager.GetActive()
	if active == nil {
		return Response{}, fmt.Errorf("serving: %w", ErrModelServiceUnavailable)
	}

	schemaCfg := e.schema
	schemaCfg.FeatureNames = active.FeatureNames
	row, violations := schemaCheck(schemaCfg, req.SchemaVersion, req.TransactionFeatures)

	if len(violations) > 0 {
		decision := policy.Decide(policy.Input{SchemaViolations: violations})
		resp := responseFromDecision(decision, active.Version, 1-e.alpha, DriftView{})
		e.metrics.RecordPredict(decision.ActionCode)
		e.recordAnalytics(requestID, active.Version, decision)
		return resp, nil
	}

	calibrated, err := active.Predict(row)
	if err != nil {
		return Response{}, fmt.Errorf("serving: predict: %w", err)
	}

	predictionSet := active.ConformalCalib.PredictionSet(calibrated)

	detector := e.detectorFor(active.Version, active.DriftRef)
	featureRow := make(map[string]float64, len(active.FeatureNames))
	for i, name := range active.FeatureNames {
		featureRow[name] = row[i]
	}
	driftResult := detector.UpdateAndScore(featureRow)
	e.metrics.SetDriftScore(driftResult.DriftScore)
	e.metrics.SetFeatureDriftCounts(driftResult.FeatureSoftCount, driftResult.FeatureHardCount)

	decision := policy.Decide(policy.Input{
		PredictionSet: predictionSet,
		DriftScore:    driftResult.DriftScore,
		SoftThreshold: e.driftCfg.SoftThreshold,
		HardThreshold: e.driftCfg.HardThreshold,
	})

	retrainTriggered := false
	retrainReason := ""
	if reason, fired := e.trigger.Observe(driftResult.HardFlag); fired {
		e.metrics.RecordRetrainTriggered()
		emitted, err := e.emitter.Emit(reason, driftResult.DriftScore, time.Now())
		if err != nil {
			e.logger.Warn("serving: retrain emit failed", "error", err.Error())
		} else if emitted {
			retrainTriggered = true
			retrainReason = reason
		}
	}

	driftView := DriftView{
		Score:      driftResult.DriftScore,
		TopDrifted: driftResult.TopDrifted,
		SoftFlag:   driftResult.SoftFlag,
		HardFlag:   driftResult.HardFlag,
	}

	resp := responseFromDecision(decision, active.Version, active.ConformalCalib.Coverage(), driftView)
	resp.PFraud = calibrated[1]
	resp.RetrainTriggered = retrainTriggered
	resp.RetrainReason = retrainReason

	e.metrics.RecordPredict(decision.ActionCode)
	e.recordAnalytics(requestID, active.Version, decision)
	e.maybeSampleShadow(row, predictionSet, decision)

	return resp, nil
}

func responseFromDecision(decision policy.Decision, modelVersion string, coverage float64, driftView DriftView) Response {
	resp := Response{
		PredictionSet:  decision.PredictionSet,
		Coverage:       coverage,
		ActionCode:     decision.ActionCode,
		Reasons:        decision.Reasons,
		FallbackReason: decision.FallbackReason,
		ModelVersion:   modelVersion,
		Drift:          driftView,
	}
	if len(decision.PredictionSet) == 1 && (decision.ActionCode == policy.ActionPredict || decision.ActionCode == policy.ActionMonitor) {
		label := decision.PredictionSet[0]
		resp.Prediction = &label
	}
	return resp
}

func (e *Engine) detectorFor(version string, ref *drift.Reference) *drift.Detector {
	if d, ok := e.detectors[version]; ok {
		return d
	}
	d := drift.NewDetector(
		ref,
		e.driftCfg.WindowSize, e.driftCfg.Stride,
		e.driftCfg.SoftThreshold, e.driftCfg.HardThreshold,
		e.driftCfg.PValueThreshold, e.driftCfg.PSISoftThreshold,
		e.driftCfg.PSIHardThreshold, e.driftCfg.PSINormalizationFactor,
	)
	e.detectors[version] = d
	return d
}

func (e *Engine) recordAnalytics(requestID, modelVersion string, decision policy.Decision) {
	if e.analytics == nil {
		return
	}
	reason := ""
	if len(decision.Reasons) > 0 {
		reason = decision.Reasons[0]
	}
	e.analytics.RecordAsync(analytics.DecisionRecord{
		RequestID:    requestID,
		ModelVersion: modelVersion,
		ActionCode:   decision.ActionCode,
		ReasonCode:   reason,
		DriftScore:   decision.DriftScore,
		PredictedAt:  time.Now().UTC(),
	})
}

// maybeSampleShadow runs the shadow bundle through the same steps 3-6
// with probability shadow.sampling_rate, recording a disagreement when
// either the prediction set or the action code differs from active.
func (e *Engine) maybeSampleShadow(row []float64, activeSet []int, activeDecision policy.Decision) {
	if e.shadowSamplingRate <= 0 {
		return
	}
	if rand.Float64() >= e.shadowSamplingRate {
		return
	}
	shadow := e.manager.GetShadow()
	if shadow == nil {
		return
	}

	calibrated, err := shadow.Predict(row)
	if err != nil {
		return
	}
	shadowSet := shadow.ConformalCalib.PredictionSet(calibrated)
	shadowDecision := policy.Decide(policy.Input{
		PredictionSet: shadowSet,
		DriftScore:    activeDecision.DriftScore,
		SoftThreshold: e.driftCfg.SoftThreshold,
		HardThreshold: e.driftCfg.HardThreshold,
	})

	if !intSetEqual(activeSet, shadowSet) || shadowDecision.ActionCode != activeDecision.ActionCode {
		e.metrics.RecordShadowDisagreement()
	}
}

func intSetEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[int]bool, len(a))
	for _, v := range a {
		seen[v] = true
	}
	for _, v := range b {
		if !seen[v] {
			return false
		}
	}
	return true
}
