// Package drift implements the streaming drift detector from spec §4.B: a
// fixed-capacity sliding window over recent feature vectors, scored against
// a frozen reference distribution via PSI and the Kolmogorov-Smirnov test,
// recomputed only every stride rows to bound per-request cost.
package drift

import (
	"math"
	"sort"
	"sync"
)

// Reference is the frozen training-time distribution each feature is
// compared against. Built once at bundle-fit time and never mutated.
type Reference struct {
	FeatureNames []string
	// Bins[f] holds the frozen reference bin-edge histogram for feature f,
	// used by PSI (the original's psi_edges). Populated by NewReference;
	// a Reference built as a bare struct literal (tests) falls back to
	// deriving edges from Values on the fly, since that happens to produce
	// the same edges when Values never mutates, just without the caching.
	Bins   map[string][]float64
	Values map[string][]float64
}

// NewReference builds a Reference and freezes each feature's PSI bin edges
// up front, so Detector.score doesn't re-sort and re-bucket the reference
// sample on every scored window.
func NewReference(featureNames []string, values map[string][]float64) *Reference {
	bins := make(map[string][]float64, len(featureNames))
	for _, name := range featureNames {
		bins[name] = quantileEdges(values[name], numBins)
	}
	return &Reference{FeatureNames: featureNames, Bins: bins, Values: values}
}

// WindowResult is the outcome of one scored window, cached between strides.
type WindowResult struct {
	DriftScore       float64            `json:"drift_score"`
	PSIScore         float64            `json:"psi_score"`
	KSFlagFrac       float64            `json:"ks_flag_frac"`
	TopDrifted       []string           `json:"top_drifted_features"`
	PerFeaturePSI    map[string]float64 `json:"per_feature_psi"`
	PerFeatureKSP    map[string]float64 `json:"per_feature_ks_pvalue"`
	// FeatureSoftCount/FeatureHardCount count features whose PSI exceeds
	// the soft/hard per-feature threshold (the original's
	// feature_soft_count/feature_hard_count gauges) — reporting-only, they
	// do not themselves gate SoftFlag/HardFlag.
	FeatureSoftCount int  `json:"feature_soft_count"`
	FeatureHardCount int  `json:"feature_hard_count"`
	SoftFlag         bool `json:"soft_flag"`
	HardFlag         bool `json:"hard_flag"`
	Updated          bool `json:"updated"`
}

const (
	psiClipMin = 1e-6
	psiClipMax = 1.0
	numBins    = 10
)

// Detector owns one sliding window of recent feature rows, gated by a
// stride so drift is only recomputed once every `stride` observations.
type Detector struct {
	mu sync.Mutex

	ref    *Reference
	window []map[string]float64
	cap    int
	stride int

	softThreshold float64
	hardThreshold float64
	pvalueThresh  float64
	psiSoft       float64
	psiHard       float64
	psiNormalize  float64

	sinceLastScore int
	cached         WindowResult
	totalSeen      int
}

// NewDetector constructs a Detector with the given window capacity and
// stride. Thresholds follow spec §4.B defaults unless overridden by config.
func NewDetector(ref *Reference, windowSize, stride int, softThreshold, hardThreshold, pvalueThreshold, psiSoft, psiHard, psiNormalize float64) *Detector {
	return &Detector{
		ref:           ref,
		cap:           windowSize,
		stride:        stride,
		softThreshold: softThreshold,
		hardThreshold: hardThreshold,
		pvalueThresh:  pvalueThreshold,
		psiSoft:       psiSoft,
		psiHard:       psiHard,
		psiNormalize:  psiNormalize,
	}
}

// UpdateAndScore appends one row to the sliding window and, if the stride
// gate allows, recomputes drift statistics. Below max(100, stride)
// observed rows it returns a zero result with Updated=false (too little
// data to score meaningfully). Between recompute strides it returns the
// last cached result with Updated=false.
func (d *Detector) UpdateAndScore(row map[string]float64) WindowResult {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.window = append(d.window, row)
	if len(d.window) > d.cap {
		d.window = d.window[len(d.window)-d.cap:]
	}
	d.totalSeen++
	d.sinceLastScore++

	minRows := d.stride
	if minRows < 100 {
		minRows = 100
	}
	if d.totalSeen < minRows {
		return WindowResult{}
	}

	if d.sinceLastScore < d.stride {
		result := d.cached
		result.Updated = false
		return result
	}

	d.sinceLastScore = 0
	d.cached = d.score()
	d.cached.Updated = true
	return d.cached
}

func (d *Detector) score() WindowResult {
	perPSI := make(map[string]float64, len(d.ref.FeatureNames))
	perKSP := make(map[string]float64, len(d.ref.FeatureNames))

	for _, feature := range d.ref.FeatureNames {
		current := make([]float64, 0, len(d.window))
		for _, row := range d.window {
			if v, ok := row[feature]; ok {
				current = append(current, v)
			}
		}
		edges := d.ref.Bins[feature]
		if edges == nil {
			edges = quantileEdges(d.ref.Values[feature], numBins)
		}
		perPSI[feature] = clipPSI(psi(d.ref.Values[feature], current, edges, d.psiNormalize))
		perKSP[feature] = ksPValue(d.ref.Values[feature], current)
	}

	avgPSI := mean(valuesOf(perPSI))

	flagged := 0
	for _, p := range perKSP {
		if p < d.pvalueThresh {
			flagged++
		}
	}
	ksFlagFrac := 0.0
	if len(perKSP) > 0 {
		ksFlagFrac = float64(flagged) / float64(len(perKSP))
	}

	driftScore := clamp01(0.7*avgPSI + 0.3*ksFlagFrac)

	top := topDrifted(perPSI, 5)

	softCount, hardCount := 0, 0
	for _, p := range perPSI {
		if p > d.psiSoft {
			softCount++
		}
		if p > d.psiHard {
			hardCount++
		}
	}

	return WindowResult{
		DriftScore:      driftScore,
		PSIScore:        avgPSI,
		KSFlagFrac:      ksFlagFrac,
		TopDrifted:      top,
		PerFeaturePSI:   perPSI,
		PerFeatureKSP:   perKSP,
		FeatureSoftCount: softCount,
		FeatureHardCount: hardCount,
		SoftFlag:        driftScore >= d.softThreshold,
		HardFlag:        driftScore >= d.hardThreshold,
	}
}

// psi computes the Population Stability Index between a reference sample
// and a current sample, bucketed into the given (frozen, reference-derived)
// bin edges. The raw PSI sum is divided by normalize (spec's
// PSI_NORMALIZATION_FACTOR, default 0.25) before the caller clips it to
// [psiClipMin, 1.0], matching the original's
// `np.minimum(psi_vals / PSI_NORMALIZATION_FACTOR, 1.0)`.
func psi(reference, current, edges []float64, normalize float64) float64 {
	if len(reference) == 0 || len(current) == 0 {
		return 0
	}

	refCounts := bucketCounts(reference, edges)
	curCounts := bucketCounts(current, edges)

	total := 0.0
	for i := range refCounts {
		refFrac := safeFrac(refCounts[i], len(reference))
		curFrac := safeFrac(curCounts[i], len(current))
		total += (curFrac - refFrac) * math.Log(curFrac/refFrac)
	}
	if normalize > 0 {
		return total / normalize
	}
	return total
}

func safeFrac(count, total int) float64 {
	const floor = 1e-4
	if total == 0 {
		return floor
	}
	frac := float64(count) / float64(total)
	if frac < floor {
		return floor
	}
	return frac
}

func quantileEdges(sample []float64, bins int) []float64 {
	sorted := append([]float64(nil), sample...)
	sort.Float64s(sorted)
	edges := make([]float64, bins+1)
	// Outer edges are ±MaxFloat64 rather than ±Inf so a frozen Reference
	// can be JSON-encoded by model.Bundle.Save.
	edges[0] = -math.MaxFloat64
	edges[bins] = math.MaxFloat64
	for i := 1; i < bins; i++ {
		idx := int(float64(i) / float64(bins) * float64(len(sorted)-1))
		edges[i] = sorted[idx]
	}
	return edges
}

func bucketCounts(sample []float64, edges []float64) []int {
	counts := make([]int, len(edges)-1)
	for _, v := range sample {
		for i := 0; i < len(edges)-1; i++ {
			if v < edges[i+1] {
				counts[i]++
				break
			}
		}
	}
	return counts
}

func clipPSI(v float64) float64 {
	if v < psiClipMin {
		return psiClipMin
	}
	if v > psiClipMax {
		return psiClipMax
	}
	return v
}

// ksPValue computes the two-sample Kolmogorov-Smirnov p-value via the
// asymptotic Kolmogorov distribution approximation. Falls back to 1.0 (no
// evidence of drift) when either sample is too small to be meaningful.
func ksPValue(a, b []float64) float64 {
	if len(a) < 2 || len(b) < 2 {
		return 1.0
	}
	sa := append([]float64(nil), a...)
	sb := append([]float64(nil), b...)
	sort.Float64s(sa)
	sort.Float64s(sb)

	d := ksStatistic(sa, sb)
	n := float64(len(sa) * len(sb) / (len(sa) + len(sb)))
	lambda := (math.Sqrt(n) + 0.12 + 0.11/math.Sqrt(n)) * d

	p := ksAsymptoticP(lambda)
	if p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}
	return p
}

func ksStatistic(sa, sb []float64) float64 {
	i, j := 0, 0
	n1, n2 := len(sa), len(sb)
	var cdf1, cdf2, maxDiff float64
	for i < n1 && j < n2 {
		if sa[i] <= sb[j] {
			i++
			cdf1 = float64(i) / float64(n1)
		} else {
			j++
			cdf2 = float64(j) / float64(n2)
		}
		diff := math.Abs(cdf1 - cdf2)
		if diff > maxDiff {
			maxDiff = diff
		}
	}
	return maxDiff
}

func ksAsymptoticP(lambda float64) float64 {
	if lambda < 0.2 {
		return 1.0
	}
	sum := 0.0
	for k := 1; k <= 100; k++ {
		term := 2 * math.Pow(-1, float64(k-1)) * math.Exp(-2*float64(k)*float64(k)*lambda*lambda)
		sum += term
	}
	return sum
}

func mean(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

func valuesOf(m map[string]float64) []float64 {
	out := make([]float64, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func topDrifted(perFeature map[string]float64, n int) []string {
	type kv struct {
		name string
		val  float64
	}
	pairs := make([]kv, 0, len(perFeature))
	for k, v := range perFeature {
		pairs = append(pairs, kv{k, v})
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].val == pairs[j].val {
			return pairs[i].name < pairs[j].name
		}
		return pairs[i].val > pairs[j].val
	})
	if len(pairs) > n {
		pairs = pairs[:n]
	}
	out := make([]string, len(pairs))
	for i, p := range pairs {
		out[i] = p.name
	}
	return out
}
