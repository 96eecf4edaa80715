// Package ensemble merges per-model fraud probabilities into one decision,
// either by weighted soft voting or through a registered stacking meta-model.
package ensemble

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"fraudguard/pkg/features"
	"fraudguard/pkg/fraud"
	"fraudguard/pkg/model"
)

// Strategy selects how base probabilities are combined.
type Strategy string

const (
	// StrategySoftVoting is the weighted average of available probabilities.
	StrategySoftVoting Strategy = "soft_voting"

	// StrategyStacking feeds base probabilities to a learned meta-model
	// resolved from the registry like any other artifact.
	StrategyStacking Strategy = "stacking"
)

// weightTolerance is the floating tolerance for the sum-to-1 invariant.
const weightTolerance = 1e-6

// Config is the per-deployment combiner configuration. Validated once at
// startup; the process refuses to run with invalid thresholds or weights.
type Config struct {
	Strategy Strategy `json:"strategy"`

	// Weights maps model name to its static soft-voting weight. Must sum
	// to 1. Under stacking the weights still back the fallback path used
	// when the meta-model itself fails.
	Weights map[string]float64 `json:"weights"`

	// Decision thresholds: probability >= High declines, >= Low reviews,
	// below Low approves. Must satisfy 0 <= Low < High <= 1.
	LowThreshold  float64 `json:"low_threshold"`
	HighThreshold float64 `json:"high_threshold"`

	// StackingUseRawFeatures appends the transaction feature vector to the
	// meta-model input after the base probabilities.
	StackingUseRawFeatures bool `json:"stacking_use_raw_features"`
}

// Validate checks the configuration, wrapping fraud.ErrInvalidConfig so
// callers can fail fast at startup.
func (c Config) Validate() error {
	switch c.Strategy {
	case StrategySoftVoting, StrategyStacking:
	default:
		return fmt.Errorf("%w: unknown strategy %q", fraud.ErrInvalidConfig, c.Strategy)
	}
	if c.LowThreshold < 0 || c.LowThreshold >= c.HighThreshold || c.HighThreshold > 1 {
		return fmt.Errorf("%w: thresholds must satisfy 0 <= low < high <= 1, got low=%g high=%g",
			fraud.ErrInvalidConfig, c.LowThreshold, c.HighThreshold)
	}
	if len(c.Weights) == 0 {
		return fmt.Errorf("%w: no model weights configured", fraud.ErrInvalidConfig)
	}
	sum := 0.0
	for name, w := range c.Weights {
		if w <= 0 {
			return fmt.Errorf("%w: weight for %q must be positive, got %g", fraud.ErrInvalidConfig, name, w)
		}
		sum += w
	}
	if math.Abs(sum-1) > weightTolerance {
		return fmt.Errorf("%w: weights must sum to 1, got %g", fraud.ErrInvalidConfig, sum)
	}
	return nil
}

// ModelOrder returns the configured model names in lexicographic order. The
// order fixes the stacking meta-feature layout across deployments.
func (c Config) ModelOrder() []string {
	names := make([]string, 0, len(c.Weights))
	for name := range c.Weights {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Combiner merges per-model score results into a Decision.
type Combiner struct {
	cfg         Config
	metaAdapter model.Adapter
	metaName    string
	metaVersion int
}

// NewCombiner validates cfg and returns a soft-voting combiner. For stacking,
// attach the resolved meta artifact with WithMetaModel before combining.
func NewCombiner(cfg Config) (*Combiner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Combiner{cfg: cfg}, nil
}

// WithMetaModel attaches the stacking meta-model adapter, recorded in every
// decision it contributes to.
func (cb *Combiner) WithMetaModel(name string, version int, adapter model.Adapter) *Combiner {
	cb.metaAdapter = adapter
	cb.metaName = name
	cb.metaVersion = version
	return cb
}

// EffectiveWeights returns the redistributed weights for the given set of
// available model names: each configured weight divided by the sum of the
// available configured weights, so an unavailable model's share is spread
// proportionally instead of dragging the combined score toward zero.
// The returned map always sums to 1 for a non-empty available set.
func (cb *Combiner) EffectiveWeights(available []string) map[string]float64 {
	total := 0.0
	for _, name := range available {
		total += cb.cfg.Weights[name]
	}
	if total == 0 {
		return nil
	}
	out := make(map[string]float64, len(available))
	for _, name := range available {
		out[name] = cb.cfg.Weights[name] / total
	}
	return out
}

// Combine merges the per-model results for one transaction. flags are the
// risk signals the pipeline already derived; raw is the transaction feature
// vector, consulted only when stacking is configured with raw features.
// Every configured model failing yields fraud.ErrEnsembleUnavailable; the
// caller applies its conservative default (manual review), never approve.
func (cb *Combiner) Combine(ctx context.Context, scores map[string]fraud.ScoreResult, flags []string, raw features.Vector) (fraud.Decision, error) {
	available := make([]string, 0, len(scores))
	insufficient := false
	for name, res := range scores {
		if _, configured := cb.cfg.Weights[name]; !configured {
			continue
		}
		if res.InsufficientHistory {
			insufficient = true
		}
		if res.Available() {
			available = append(available, name)
		}
	}
	sort.Strings(available)

	if len(available) == 0 {
		return fraud.Decision{}, fmt.Errorf("%w: 0 of %d configured models produced a score",
			fraud.ErrEnsembleUnavailable, len(cb.cfg.Weights))
	}

	prob, usedMeta := cb.combineProbability(ctx, scores, available, raw)

	if insufficient {
		flags = appendUnique(flags, "insufficient_history")
	}
	if cb.cfg.Strategy == StrategyStacking && !usedMeta {
		flags = appendUnique(flags, "stacking_fallback")
	}

	versions := make(map[string]int, len(available)+1)
	for _, name := range available {
		versions[name] = scores[name].Version
	}
	if usedMeta {
		versions[cb.metaName] = cb.metaVersion
	}

	return fraud.Decision{
		Probability:         prob,
		Label:               cb.label(prob),
		ContributingFlags:   flags,
		ModelVersions:       versions,
		InsufficientHistory: insufficient,
		DecidedAt:           time.Now().UTC(),
	}, nil
}

// combineProbability applies the configured strategy. Stacking degrades to
// soft voting when no meta-model is attached or the meta call fails, so a
// broken meta artifact reduces quality instead of availability.
func (cb *Combiner) combineProbability(ctx context.Context, scores map[string]fraud.ScoreResult, available []string, raw features.Vector) (prob float64, usedMeta bool) {
	if cb.cfg.Strategy == StrategyStacking && cb.metaAdapter != nil {
		metaIn := make(features.Vector, 0, len(cb.cfg.Weights)+len(raw))
		for _, name := range cb.cfg.ModelOrder() {
			res, ok := scores[name]
			if ok && res.Available() {
				metaIn = append(metaIn, res.Probability)
			} else {
				metaIn = append(metaIn, 0)
			}
		}
		if cb.cfg.StackingUseRawFeatures {
			metaIn = append(metaIn, raw...)
		}
		if p, err := cb.metaAdapter.Score(ctx, model.Input{Vector: metaIn}); err == nil {
			return p, true
		}
	}

	weights := cb.EffectiveWeights(available)
	p := 0.0
	for _, name := range available {
		p += weights[name] * scores[name].Probability
	}
	return p, false
}

func (cb *Combiner) label(prob float64) fraud.Label {
	switch {
	case prob >= cb.cfg.HighThreshold:
		return fraud.LabelDecline
	case prob >= cb.cfg.LowThreshold:
		return fraud.LabelReview
	default:
		return fraud.LabelApprove
	}
}

func appendUnique(list []string, value string) []string {
	for _, existing := range list {
		if existing == value {
			return list
		}
	}
	return append(list, value)
}
