// Package policy implements the decision policy and retrain trigger latch
// from spec §4.E/§4.F: mapping a prediction set and drift score to an
// action code and structured reasons, and tracking consecutive hard-drift
// windows to fire a one-shot retrain request.
package policy

import "sort"

// Action codes returned by the decision policy.
const (
	ActionPredict  = "PREDICT"
	ActionMonitor  = "MONITOR"
	ActionFallback = "FALLBACK"
	ActionAbstain  = "ABSTAIN"
	ActionManual   = "MANUAL"
)

// Reason codes. DataContract always overrides the other signals, since a
// malformed request can't be trusted enough to reason about drift or
// conformal uncertainty.
const (
	ReasonDataContract       = "DATA_CONTRACT"
	ReasonConformalUncertain = "CONFORMAL_UNCERTAIN"
	ReasonHardDrift          = "HARD_DRIFT"
	ReasonSoftDrift          = "SOFT_DRIFT"
	ReasonPredictionError    = "PREDICTION_ERROR"
)

const maxSchemaViolationNames = 20

// Decision is the outcome of evaluating one prediction against the
// current drift state. Reasons is empty for a clean PREDICT outcome.
type Decision struct {
	ActionCode    string  `json:"action_code"`
	Reasons       []string `json:"reasons"`
	FallbackReason string `json:"fallback_reason,omitempty"`
	PredictionSet []int   `json:"prediction_set"`
	DriftScore    float64 `json:"drift_score"`
}

// Input bundles everything the decision policy needs to evaluate one row.
// SchemaViolations holds fully-formed structured sub-reasons (e.g.
// "MISSING_FEATURES:a,b", "SCHEMA_MISMATCH:2!=1") already truncated by the
// caller if it wishes; Decide applies its own cap as a backstop.
type Input struct {
	PredictionSet    []int
	DriftScore       float64
	SoftThreshold    float64
	HardThreshold    float64
	SchemaViolations []string
}

// Decide applies spec §4.E's decision table.
func Decide(in Input) Decision {
	if len(in.SchemaViolations) > 0 {
		names := append([]string(nil), in.SchemaViolations...)
		sort.Strings(names)
		if len(names) > maxSchemaViolationNames {
			names = names[:maxSchemaViolationNames]
		}
		return Decision{
			ActionCode:     ActionFallback,
			Reasons:        append([]string{ReasonDataContract}, names...),
			FallbackReason: ReasonDataContract,
			PredictionSet:  in.PredictionSet,
			DriftScore:     in.DriftScore,
		}
	}

	if len(in.PredictionSet) != 1 {
		return Decision{
			ActionCode:    ActionAbstain,
			Reasons:       []string{ReasonConformalUncertain},
			PredictionSet: in.PredictionSet,
			DriftScore:    in.DriftScore,
		}
	}

	if in.DriftScore >= in.HardThreshold {
		return Decision{
			ActionCode:     ActionFallback,
			Reasons:        []string{ReasonHardDrift},
			FallbackReason: ReasonHardDrift,
			PredictionSet:  in.PredictionSet,
			DriftScore:     in.DriftScore,
		}
	}

	if in.DriftScore >= in.SoftThreshold {
		return Decision{
			ActionCode:    ActionMonitor,
			Reasons:       []string{ReasonSoftDrift},
			PredictionSet: in.PredictionSet,
			DriftScore:    in.DriftScore,
		}
	}

	return Decision{
		ActionCode:    ActionPredict,
		Reasons:       []string{},
		PredictionSet: in.PredictionSet,
		DriftScore:    in.DriftScore,
	}
}
