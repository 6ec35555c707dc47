// Package weights implements the adaptive weight updater. Once per
// weight-update cycle it looks back over a trailing window of executed
// decisions and the metric deltas that followed them, correlates each
// scoring sub-score against realized forwarding volume, and derives a new
// Weights version from the correlation strengths. Each update also records
// a control-vs-candidate comparison of the old and new weight vectors over
// the same sample window, kept as an audit trail of whether updates are
// earning their keep.
package weights

import (
	"context"
	"math"
	"time"

	"lnautopilot/engine/internal/persistence"
	"lnautopilot/engine/internal/telemetry/logging"
	"lnautopilot/engine/models"
)

const (
	// Window is the trailing lookback the updater correlates over.
	Window = 14 * 24 * time.Hour
	// MinTotalSignal is the minimum sum of |correlation| across all five
	// sub-scores required to act; below it the previous weights are kept.
	MinTotalSignal = 0.05
	// MaxL1Step bounds how far one update cycle may move the weight vector,
	// measured as the sum of absolute per-component deltas.
	MaxL1Step = 0.3
)

// Sample is one channel's sub-scores at a point in the window paired with
// the realized 24h forwarding-volume delta that followed.
type Sample struct {
	ChannelID             models.ChannelID
	SubScores             models.SubScores
	ForwardVolumeDeltaSat float64
}

// Updater derives new Weights from a set of Samples.
type Updater struct {
	store persistence.Store
	log   logging.Logger
}

func New(store persistence.Store, log logging.Logger) *Updater {
	return &Updater{store: store, log: log}
}

// Compute derives the next Weights version from samples relative to
// previous. If the combined correlation signal is too weak, or if there are
// too few samples to estimate correlation meaningfully, it returns previous
// unchanged (with the same version) and keptPrevious=true.
func Compute(samples []Sample, previous models.Weights, now time.Time) (next models.Weights, keptPrevious bool) {
	if len(samples) < 3 {
		return previous, true
	}

	deltas := make([]float64, len(samples))
	responseTime := make([]float64, len(samples))
	liquidityBalance := make([]float64, len(samples))
	routingSuccess := make([]float64, len(samples))
	revenueEfficiency := make([]float64, len(samples))
	liquidityScan := make([]float64, len(samples))
	for i, s := range samples {
		deltas[i] = s.ForwardVolumeDeltaSat
		responseTime[i] = s.SubScores.ResponseTime
		liquidityBalance[i] = s.SubScores.LiquidityBalance
		routingSuccess[i] = s.SubScores.RoutingSuccess
		revenueEfficiency[i] = s.SubScores.RevenueEfficiency
		liquidityScan[i] = s.SubScores.LiquidityScan
	}

	corr := models.Weights{
		ResponseTime:      pearson(responseTime, deltas),
		LiquidityBalance:  pearson(liquidityBalance, deltas),
		RoutingSuccess:    pearson(routingSuccess, deltas),
		RevenueEfficiency: pearson(revenueEfficiency, deltas),
		LiquidityScan:     pearson(liquidityScan, deltas),
	}

	totalSignal := math.Abs(corr.ResponseTime) + math.Abs(corr.LiquidityBalance) +
		math.Abs(corr.RoutingSuccess) + math.Abs(corr.RevenueEfficiency) + math.Abs(corr.LiquidityScan)
	if totalSignal < MinTotalSignal {
		return previous, true
	}

	proposed := models.Weights{
		ResponseTime:      clip(math.Abs(corr.ResponseTime) / totalSignal),
		LiquidityBalance:  clip(math.Abs(corr.LiquidityBalance) / totalSignal),
		RoutingSuccess:    clip(math.Abs(corr.RoutingSuccess) / totalSignal),
		RevenueEfficiency: clip(math.Abs(corr.RevenueEfficiency) / totalSignal),
		LiquidityScan:     clip(math.Abs(corr.LiquidityScan) / totalSignal),
	}
	proposed = renormalize(proposed)
	proposed = capL1Step(previous, proposed, MaxL1Step)
	proposed = renormalize(proposed)

	proposed.Version = previous.Version + 1
	proposed.ActivatedAt = now
	return proposed, false
}

func clip(v float64) float64 {
	if v < 0.1 {
		return 0.1
	}
	if v > 0.5 {
		return 0.5
	}
	return v
}

func renormalize(w models.Weights) models.Weights {
	sum := w.Sum()
	if sum <= 0 {
		return w
	}
	w.ResponseTime /= sum
	w.LiquidityBalance /= sum
	w.RoutingSuccess /= sum
	w.RevenueEfficiency /= sum
	w.LiquidityScan /= sum
	return w
}

// capL1Step scales the move from previous toward proposed down so its L1
// distance never exceeds maxStep.
func capL1Step(previous, proposed models.Weights, maxStep float64) models.Weights {
	d := []float64{
		proposed.ResponseTime - previous.ResponseTime,
		proposed.LiquidityBalance - previous.LiquidityBalance,
		proposed.RoutingSuccess - previous.RoutingSuccess,
		proposed.RevenueEfficiency - previous.RevenueEfficiency,
		proposed.LiquidityScan - previous.LiquidityScan,
	}
	l1 := 0.0
	for _, v := range d {
		l1 += math.Abs(v)
	}
	if l1 <= maxStep || l1 == 0 {
		return proposed
	}
	scale := maxStep / l1
	return models.Weights{
		ResponseTime:      previous.ResponseTime + d[0]*scale,
		LiquidityBalance:  previous.LiquidityBalance + d[1]*scale,
		RoutingSuccess:    previous.RoutingSuccess + d[2]*scale,
		RevenueEfficiency: previous.RevenueEfficiency + d[3]*scale,
		LiquidityScan:     previous.LiquidityScan + d[4]*scale,
	}
}

func pearson(x, y []float64) float64 {
	n := float64(len(x))
	if n == 0 {
		return 0
	}
	var sumX, sumY, sumXY, sumX2, sumY2 float64
	for i := range x {
		sumX += x[i]
		sumY += y[i]
		sumXY += x[i] * y[i]
		sumX2 += x[i] * x[i]
		sumY2 += y[i] * y[i]
	}
	numerator := n*sumXY - sumX*sumY
	denominator := math.Sqrt((n*sumX2 - sumX*sumX) * (n*sumY2 - sumY*sumY))
	if denominator == 0 {
		return 0
	}
	return numerator / denominator
}

// Run loads the latest persisted weights, computes a candidate from
// samples, and writes it as the new active version. Only the two gates
// Compute applies hold a candidate back: a combined correlation signal
// below MinTotalSignal keeps the previous weights, and a move larger than
// MaxL1Step is capped to that step before being written. The Compare
// verdict of new-vs-old weights over the same window is persisted purely
// as an audit record; it never blocks the write. Picking up new weights
// only happens at the next tick boundary — Run itself does not reach into
// any in-flight scoring.
func (u *Updater) Run(ctx context.Context, samples []Sample, now time.Time) (models.Weights, error) {
	previous, found, err := u.store.LatestWeights(ctx)
	if err != nil {
		return models.Weights{}, err
	}
	if !found {
		previous = models.DefaultWeights()
	}

	candidate, kept := Compute(samples, previous, now)
	if kept {
		if u.log != nil {
			u.log.InfoCtx(ctx, "weight update signal too weak, keeping previous weights", "version", previous.Version)
		}
		return previous, nil
	}

	comparison := Compare(samples, previous, candidate, now)
	writeCtx, cancel := context.WithTimeout(ctx, persistence.WriteTimeout)
	err = u.store.SaveComparison(writeCtx, comparison)
	cancel()
	if err != nil {
		return models.Weights{}, err
	}

	writeCtx, cancel = context.WithTimeout(ctx, persistence.WriteTimeout)
	defer cancel()
	if err := u.store.SaveWeights(writeCtx, candidate); err != nil {
		return models.Weights{}, err
	}
	if u.log != nil {
		u.log.InfoCtx(ctx, "activated new scoring weights",
			"version", candidate.Version,
			"control_corr", comparison.Control.CorrelationWithFwd,
			"candidate_corr", comparison.Candidate.CorrelationWithFwd)
	}
	return candidate, nil
}

// Compare scores every sample under both weight vectors and records which
// correlates more strongly with realized forwarding volume. The verdict is
// advisory: it is persisted so an operator can audit whether an update
// helped, but Run writes the candidate regardless of the outcome.
func Compare(samples []Sample, control, candidate models.Weights, now time.Time) models.Comparison {
	controlTotals := make([]float64, len(samples))
	candidateTotals := make([]float64, len(samples))
	deltas := make([]float64, len(samples))
	for i, s := range samples {
		controlTotals[i] = weightedTotal(s.SubScores, control)
		candidateTotals[i] = weightedTotal(s.SubScores, candidate)
		deltas[i] = s.ForwardVolumeDeltaSat
	}

	controlCorr := pearson(controlTotals, deltas)
	candidateCorr := pearson(candidateTotals, deltas)

	recommendation := "hold"
	if len(samples) >= 10 && math.Abs(candidateCorr) > math.Abs(controlCorr) {
		recommendation = "promote"
	}

	return models.Comparison{
		Control:        models.VariantResult{Name: "control", Weights: control, SampleSize: len(samples), CorrelationWithFwd: controlCorr},
		Candidate:      models.VariantResult{Name: "candidate", Weights: candidate, SampleSize: len(samples), CorrelationWithFwd: candidateCorr},
		Recommendation: recommendation,
		AnalyzedAt:     now,
	}
}

func weightedTotal(s models.SubScores, w models.Weights) float64 {
	return s.ResponseTime*w.ResponseTime + s.LiquidityBalance*w.LiquidityBalance +
		s.RoutingSuccess*w.RoutingSuccess + s.RevenueEfficiency*w.RevenueEfficiency + s.LiquidityScan*w.LiquidityScan
}
