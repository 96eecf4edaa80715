// Package pipeline orchestrates per-transaction scoring: it builds model
// inputs, resolves the model set for the user's cohort, fans the adapter
// calls out concurrently, and combines the results into one decision.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"fraudguard/pkg/abtest"
	"fraudguard/pkg/ensemble"
	"fraudguard/pkg/features"
	"fraudguard/pkg/fraud"
	"fraudguard/pkg/model"
	"fraudguard/pkg/registry"
	"fraudguard/pkg/structlog"

	"github.com/prometheus/client_golang/prometheus"
)

// DefaultAdapterTimeout bounds a single model call. A slow model degrades
// into an unavailable one; the ensemble absorbs it through redistribution.
const DefaultAdapterTimeout = 100 * time.Millisecond

// highVelocityPerHour marks the hourly transaction count treated as a
// velocity risk flag.
const highVelocityPerHour = 10

var (
	plAdapterLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fraudguard",
			Subsystem: "pipeline",
			Name:      "adapter_latency_seconds",
			Help:      "Per-model adapter scoring latency.",
			Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25},
		},
		[]string{"model", "outcome"},
	)
	plDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fraudguard",
			Subsystem: "pipeline",
			Name:      "decisions_total",
			Help:      "Decisions emitted, by label.",
		},
		[]string{"label"},
	)
	plScoreLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "fraudguard",
			Subsystem: "pipeline",
			Name:      "score_latency_seconds",
			Help:      "End-to-end scoring latency.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5},
		},
	)
)

func init() {
	_ = prometheus.Register(plAdapterLatency)
	_ = prometheus.Register(plDecisions)
	_ = prometheus.Register(plScoreLatency)
}

// ModelSource resolves a (name, version) deployment to a scoring adapter.
// Version 0 means the active version. Implemented by *registry.Registry.
type ModelSource interface {
	LoadAdapter(ctx context.Context, name string, version int) (model.Adapter, registry.Artifact, error)
}

// CohortRouter places a user in an experiment cohort and returns the model
// deployment that cohort should score with. Implemented by *abtest.Router.
type CohortRouter interface {
	Route(ctx context.Context, experimentID, userID string) (abtest.ModelRef, abtest.Cohort, error)
}

// Config tunes the scorer.
type Config struct {
	// AdapterTimeout bounds each model call; zero means DefaultAdapterTimeout.
	AdapterTimeout time.Duration

	// WindowLength is the sequence window size; zero means the builder default.
	WindowLength int

	// ExperimentID activates cohort routing for one model name when set.
	ExperimentID string
}

// Scorer scores transactions against every model the combiner is configured
// with. Safe for concurrent use.
type Scorer struct {
	cfg      Config
	source   ModelSource
	combiner *ensemble.Combiner
	models   []string
	router   CohortRouter
	log      *structlog.Logger
}

// NewScorer wires a scorer. The model set is the combiner's configured
// weights; router may be nil when no experiment is running.
func NewScorer(cfg Config, source ModelSource, combiner *ensemble.Combiner, combinerCfg ensemble.Config, router CohortRouter, log *structlog.Logger) *Scorer {
	if cfg.AdapterTimeout <= 0 {
		cfg.AdapterTimeout = DefaultAdapterTimeout
	}
	if cfg.WindowLength <= 0 {
		cfg.WindowLength = features.DefaultWindowLength
	}
	return &Scorer{
		cfg:      cfg,
		source:   source,
		combiner: combiner,
		models:   combinerCfg.ModelOrder(),
		router:   router,
		log:      log,
	}
}

// Score runs the full pipeline for one transaction. history is the user's
// prior transactions ordered oldest first; agg may be nil when no aggregates
// exist for the user.
func (s *Scorer) Score(ctx context.Context, tx fraud.Transaction, history []fraud.Transaction, agg *fraud.Aggregates) (fraud.Decision, error) {
	started := time.Now()

	vector, err := features.Build(tx, agg)
	if err != nil {
		return fraud.Decision{}, err
	}
	window, err := features.BuildWindow(history, s.cfg.WindowLength)
	if err != nil {
		return fraud.Decision{}, err
	}

	versions, cohort := s.resolveVersions(ctx, tx.UserID)
	scores := s.fanOut(ctx, versions, vector, window)

	decision, err := s.combiner.Combine(ctx, scores, riskFlags(tx, agg), vector)
	if err != nil {
		return fraud.Decision{}, err
	}
	decision.TransactionID = tx.ID

	plDecisions.WithLabelValues(string(decision.Label)).Inc()
	plScoreLatency.Observe(time.Since(started).Seconds())

	logFields := structlog.Fields{
		"transaction_id": tx.ID,
		"label":          decision.Label,
		"probability":    decision.Probability,
		"models":         decision.ModelVersions,
	}
	if cohort != "" {
		logFields["cohort"] = cohort
	}
	s.log.WithContext(ctx).Info("transaction scored", logFields)

	return decision, nil
}

// resolveVersions maps each model name to the version to score with. Active
// versions (0) everywhere, except the deployment the experiment cohort pins.
func (s *Scorer) resolveVersions(ctx context.Context, userID string) (map[string]int, abtest.Cohort) {
	versions := make(map[string]int, len(s.models))
	for _, name := range s.models {
		versions[name] = 0
	}

	if s.router == nil || s.cfg.ExperimentID == "" {
		return versions, ""
	}
	ref, cohort, err := s.router.Route(ctx, s.cfg.ExperimentID, userID)
	if err != nil {
		s.log.Warn("cohort routing failed, serving active versions", structlog.Fields{
			"experiment": s.cfg.ExperimentID,
			"error":      err.Error(),
		})
		return versions, ""
	}
	if _, ok := versions[ref.Name]; ok {
		versions[ref.Name] = ref.Version
	}
	return versions, cohort
}

// fanOut scores every model concurrently and collects one ScoreResult per
// model name, converting timeouts and errors into unavailability.
func (s *Scorer) fanOut(ctx context.Context, versions map[string]int, vector features.Vector, window features.Window) map[string]fraud.ScoreResult {
	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		scores = make(map[string]fraud.ScoreResult, len(versions))
	)

	for name, version := range versions {
		wg.Add(1)
		go func(name string, version int) {
			defer wg.Done()
			res := s.scoreOne(ctx, name, version, vector, window)
			mu.Lock()
			scores[name] = res
			mu.Unlock()
		}(name, version)
	}
	wg.Wait()
	return scores
}

func (s *Scorer) scoreOne(ctx context.Context, name string, version int, vector features.Vector, window features.Window) fraud.ScoreResult {
	started := time.Now()
	res := fraud.ScoreResult{ModelName: name, Version: version}

	finish := func(outcome string) fraud.ScoreResult {
		res.LatencyMs = float64(time.Since(started)) / float64(time.Millisecond)
		plAdapterLatency.WithLabelValues(name, outcome).Observe(time.Since(started).Seconds())
		return res
	}

	// One deadline covers the whole model call, cold artifact load included:
	// a slow blob fetch must not stall the decision any more than a slow
	// model would.
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.AdapterTimeout)
	defer cancel()

	adapter, art, err := s.source.LoadAdapter(callCtx, name, version)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		res.Err = fmt.Errorf("%s v%d: artifact load timed out after %s", name, version, s.cfg.AdapterTimeout)
		return finish("timeout")
	case err != nil:
		res.Err = fmt.Errorf("load %s v%d: %w", name, version, err)
		return finish("load_error")
	}
	res.Version = art.Version

	in := model.Input{Vector: vector}
	if adapter.RequiredInput() == model.InputWindow {
		if window.Insufficient {
			res.InsufficientHistory = true
			return finish("insufficient_history")
		}
		in = model.Input{Window: window}
	}

	p, err := adapter.Score(callCtx, in)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		res.Err = fmt.Errorf("%s v%d: scoring timed out after %s", name, res.Version, s.cfg.AdapterTimeout)
		return finish("timeout")
	case err != nil:
		res.Err = fmt.Errorf("%s v%d: %w", name, res.Version, err)
		return finish("error")
	}

	res.Probability = p
	return finish("ok")
}

// riskFlags derives the decision's contributing flags from the transaction
// signals and aggregates.
func riskFlags(tx fraud.Transaction, agg *fraud.Aggregates) []string {
	var flags []string
	if tx.Signals.VPN {
		flags = append(flags, "vpn")
	}
	if tx.Signals.Tor {
		flags = append(flags, "tor")
	}
	if tx.Signals.Emulator {
		flags = append(flags, "emulator")
	}
	if !tx.Signals.KYCVerified {
		flags = append(flags, "kyc_unverified")
	}
	if agg != nil && agg.TxLastHour >= highVelocityPerHour {
		flags = append(flags, "high_velocity")
	}
	return flags
}
