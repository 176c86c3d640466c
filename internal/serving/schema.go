// Package serving orchestrates the predict path from spec §4.H: schema
// check, vectorize, classify, calibrate, conformal, drift update,
// decision, retrain trigger, emit, shadow sample, response.
package serving

import (
	"fmt"
	"math"
	"sort"
)

// FeatureValue is the request's dynamic "any numeric, non-boolean" sum
// type (spec §9): only Float is ever populated for a value that passes
// the schema check; the others exist purely to detect violations.
type FeatureValue struct {
	Float    float64
	IsBool   bool
	IsString bool
	IsNull   bool
}

// SchemaConfig names the wire schema check's bundle-side contract.
type SchemaConfig struct {
	Version     int
	FeatureNames []string
	AllowExtras bool
}

// schemaCheck validates a request's feature map against the bundle's
// schema and returns a vectorized row (in FeatureNames order) plus a list
// of structured violation strings. A non-empty violations list means the
// row must not be used for prediction.
func schemaCheck(cfg SchemaConfig, requestSchemaVersion int, features map[string]FeatureValue) ([]float64, []string) {
	var violations []string

	if requestSchemaVersion != cfg.Version {
		violations = append(violations, fmt.Sprintf("SCHEMA_MISMATCH:%d!=%d", requestSchemaVersion, cfg.Version))
	}

	expected := make(map[string]struct{}, len(cfg.FeatureNames))
	for _, name := range cfg.FeatureNames {
		expected[name] = struct{}{}
	}

	var missing, extra, invalid []string
	for _, name := range cfg.FeatureNames {
		v, ok := features[name]
		if !ok {
			missing = append(missing, name)
			continue
		}
		if v.IsBool || v.IsString || v.IsNull || math.IsNaN(v.Float) || math.IsInf(v.Float, 0) {
			invalid = append(invalid, name)
		}
	}
	if !cfg.AllowExtras {
		for name := range features {
			if _, ok := expected[name]; !ok {
				extra = append(extra, name)
			}
		}
	}

	if len(missing) > 0 {
		sort.Strings(missing)
		violations = append(violations, "MISSING_FEATURES:"+truncatedJoin(missing))
	}
	if len(extra) > 0 {
		sort.Strings(extra)
		violations = append(violations, "EXTRA_FEATURES:"+truncatedJoin(extra))
	}
	if len(invalid) > 0 {
		sort.Strings(invalid)
		violations = append(violations, "INVALID_FEATURE_VALUES:"+truncatedJoin(invalid))
	}

	if len(violations) > 0 {
		return nil, violations
	}

	row := make([]float64, len(cfg.FeatureNames))
	for i, name := range cfg.FeatureNames {
		row[i] = features[name].Float
	}
	return row, nil
}

const maxSubReasonNames = 20

func truncatedJoin(names []string) string {
	if len(names) > maxSubReasonNames {
		return joinComma(names[:maxSubReasonNames]) + ",..."
	}
	return joinComma(names)
}

func joinComma(names []string) string {
	out := ""
	for i, n := range names {
		if i > 0 {
			out += ","
		}
		out += n
	}
	return out
}
