// Package abtest routes scoring traffic between a control and a candidate
// model deployment, with deterministic user cohorts and AUC-based comparison.
package abtest

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"fraudguard/pkg/fraud"
	"fraudguard/pkg/structlog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spaolacci/murmur3"
)

// Cohort identifies which arm of an experiment a user falls into.
type Cohort string

const (
	// CohortControl serves the incumbent deployment.
	CohortControl Cohort = "control"
	// CohortCandidate serves the challenger deployment.
	CohortCandidate Cohort = "candidate"
)

// cohortBuckets is the hash modulus for cohort assignment. Split ratios are
// effectively percentages.
const cohortBuckets = 100

// maxOutcomesPerArm caps the per-arm outcome reservoir used for AUC.
const maxOutcomesPerArm = 10000

var (
	abAssignments = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "fraudguard", Subsystem: "abtest", Name: "assignments_total", Help: "Cohort assignments served."},
		[]string{"experiment", "cohort"},
	)
	abOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "fraudguard", Subsystem: "abtest", Name: "outcomes_total", Help: "Labeled outcomes recorded."},
		[]string{"experiment", "cohort"},
	)
	abCompletions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "fraudguard", Subsystem: "abtest", Name: "completions_total", Help: "Experiments completed, by winner."},
		[]string{"experiment", "winner"},
	)
)

func init() {
	_ = prometheus.Register(abAssignments)
	_ = prometheus.Register(abOutcomes)
	_ = prometheus.Register(abCompletions)
}

// ModelRef names a pinned model deployment: a registry name plus a version.
// Version 0 means the registry's active version.
type ModelRef struct {
	Name    string `json:"name"`
	Version int    `json:"version"`
}

// Status is the lifecycle state of an experiment.
type Status string

const (
	StatusRunning  Status = "running"
	StatusComplete Status = "complete"
)

// Experiment routes a fixed share of users to a candidate deployment.
type Experiment struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Control        ModelRef `json:"control"`
	Candidate      ModelRef `json:"candidate"`
	CandidateShare float64  `json:"candidate_share"`
	MinimumSamples int      `json:"minimum_samples"`
	Status         Status   `json:"status"`
	Winner         Cohort   `json:"winner,omitempty"`

	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// Validate checks the experiment definition.
func (e Experiment) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("%w: experiment needs an id", fraud.ErrInvalidConfig)
	}
	if e.CandidateShare < 0 || e.CandidateShare > 1 {
		return fmt.Errorf("%w: candidate share must be in [0,1], got %g", fraud.ErrInvalidConfig, e.CandidateShare)
	}
	if e.Control.Name == "" || e.Candidate.Name == "" {
		return fmt.Errorf("%w: experiment needs control and candidate model refs", fraud.ErrInvalidConfig)
	}
	return nil
}

// Assign deterministically places a user into a cohort. The same
// (experimentID, userID) pair always lands in the same cohort regardless of
// process or replica, so no assignment state is required for correctness.
func Assign(experimentID, userID string, candidateShare float64) Cohort {
	bucket := murmur3.Sum64([]byte(experimentID+":"+userID)) % cohortBuckets
	if float64(bucket) < candidateShare*cohortBuckets {
		return CohortCandidate
	}
	return CohortControl
}

// outcome is one labeled scoring result used for AUC estimation.
type outcome struct {
	probability float64
	fraud       bool
}

// armStats accumulates labeled outcomes for one cohort. The reservoir keeps a
// uniform sample once seen exceeds the cap.
type armStats struct {
	seen      int
	positives int
	reservoir []outcome
}

func (a *armStats) record(o outcome, rng *rand.Rand) {
	a.seen++
	if o.fraud {
		a.positives++
	}
	if len(a.reservoir) < maxOutcomesPerArm {
		a.reservoir = append(a.reservoir, o)
		return
	}
	if idx := rng.Intn(a.seen); idx < maxOutcomesPerArm {
		a.reservoir[idx] = o
	}
}

// Report summarizes one arm of a comparison.
type Report struct {
	Cohort    Cohort  `json:"cohort"`
	Samples   int     `json:"samples"`
	Positives int     `json:"positives"`
	AUC       float64 `json:"auc"`
}

// Router owns running experiments and their outcome statistics. Optional
// Redis is used only to publish assignments for offline analysis; cohort
// placement itself is stateless.
type Router struct {
	mu          sync.RWMutex
	experiments map[string]*Experiment
	stats       map[string]map[Cohort]*armStats
	rng         *rand.Rand

	rdb *redis.Client
	log *structlog.Logger
}

// NewRouter creates an experiment router.
func NewRouter(log *structlog.Logger, rdb *redis.Client) *Router {
	return &Router{
		experiments: make(map[string]*Experiment),
		stats:       make(map[string]map[Cohort]*armStats),
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		rdb:         rdb,
		log:         log,
	}
}

// Start registers and activates an experiment.
func (rt *Router) Start(ctx context.Context, exp Experiment) error {
	if err := exp.Validate(); err != nil {
		return err
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	if _, exists := rt.experiments[exp.ID]; exists {
		return fmt.Errorf("%w: experiment %q already exists", fraud.ErrDuplicateVersion, exp.ID)
	}

	exp.Status = StatusRunning
	if exp.StartedAt.IsZero() {
		exp.StartedAt = time.Now().UTC()
	}
	rt.experiments[exp.ID] = &exp
	rt.stats[exp.ID] = map[Cohort]*armStats{
		CohortControl:   {},
		CohortCandidate: {},
	}

	rt.log.WithContext(ctx).Info("experiment started", structlog.Fields{
		"experiment":      exp.ID,
		"control":         exp.Control.Name,
		"candidate":       exp.Candidate.Name,
		"candidate_share": exp.CandidateShare,
	})
	return nil
}

// Route returns the model deployment to score a user with. Without a running
// experiment (or once it completes) everyone gets the control ref zero value,
// which callers treat as "use the active registry version".
func (rt *Router) Route(ctx context.Context, experimentID, userID string) (ModelRef, Cohort, error) {
	rt.mu.RLock()
	exp, ok := rt.experiments[experimentID]
	rt.mu.RUnlock()
	if !ok {
		return ModelRef{}, "", fmt.Errorf("%w: experiment %q", fraud.ErrNotFound, experimentID)
	}
	if exp.Status != StatusRunning {
		return exp.Control, CohortControl, nil
	}

	cohort := Assign(experimentID, userID, exp.CandidateShare)
	abAssignments.WithLabelValues(experimentID, string(cohort)).Inc()

	if rt.rdb != nil {
		key := fmt.Sprintf("fraudguard:abtest:%s:%s", experimentID, userID)
		if err := rt.rdb.Set(ctx, key, string(cohort), 30*24*time.Hour).Err(); err != nil {
			rt.log.Warn("assignment publish failed", structlog.Fields{"experiment": experimentID, "error": err.Error()})
		}
	}

	if cohort == CohortCandidate {
		return exp.Candidate, cohort, nil
	}
	return exp.Control, cohort, nil
}

// RecordOutcome feeds a labeled scoring result back into the experiment.
// fraudConfirmed is the ground truth that arrives later through chargeback or
// manual review.
func (rt *Router) RecordOutcome(experimentID string, cohort Cohort, probability float64, fraudConfirmed bool) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	arms, ok := rt.stats[experimentID]
	if !ok {
		return fmt.Errorf("%w: experiment %q", fraud.ErrNotFound, experimentID)
	}
	arm, ok := arms[cohort]
	if !ok {
		return fmt.Errorf("%w: unknown cohort %q", fraud.ErrInvalidInput, cohort)
	}

	arm.record(outcome{probability: probability, fraud: fraudConfirmed}, rt.rng)
	abOutcomes.WithLabelValues(experimentID, string(cohort)).Inc()
	return nil
}

// Compare computes per-arm AUC and, when both arms have reached the minimum
// sample count, completes the experiment. Ties favor the control: a candidate
// must strictly beat the incumbent to win.
func (rt *Router) Compare(ctx context.Context, experimentID string) (control, candidate Report, err error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	exp, ok := rt.experiments[experimentID]
	if !ok {
		return Report{}, Report{}, fmt.Errorf("%w: experiment %q", fraud.ErrNotFound, experimentID)
	}
	arms := rt.stats[experimentID]

	control = reportFor(CohortControl, arms[CohortControl])
	candidate = reportFor(CohortCandidate, arms[CohortCandidate])

	if exp.Status != StatusRunning {
		return control, candidate, nil
	}
	if control.Samples < exp.MinimumSamples || candidate.Samples < exp.MinimumSamples {
		return control, candidate, nil
	}

	winner := CohortControl
	if candidate.AUC > control.AUC {
		winner = CohortCandidate
	}
	exp.Status = StatusComplete
	exp.Winner = winner
	exp.CompletedAt = time.Now().UTC()
	abCompletions.WithLabelValues(experimentID, string(winner)).Inc()

	rt.log.WithContext(ctx).Info("experiment completed", structlog.Fields{
		"experiment":    experimentID,
		"winner":        winner,
		"control_auc":   control.AUC,
		"candidate_auc": candidate.AUC,
	})
	return control, candidate, nil
}

// Get returns a copy of an experiment.
func (rt *Router) Get(experimentID string) (Experiment, error) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	exp, ok := rt.experiments[experimentID]
	if !ok {
		return Experiment{}, fmt.Errorf("%w: experiment %q", fraud.ErrNotFound, experimentID)
	}
	return *exp, nil
}

func reportFor(cohort Cohort, arm *armStats) Report {
	return Report{
		Cohort:    cohort,
		Samples:   arm.seen,
		Positives: arm.positives,
		AUC:       rankAUC(arm.reservoir),
	}
}

// rankAUC is the Mann-Whitney estimate of ROC AUC: the probability a random
// fraud outcome scored higher than a random legitimate one, with average
// ranks over tied scores. Returns 0.5 when either class is empty.
func rankAUC(outcomes []outcome) float64 {
	positives := 0
	for _, o := range outcomes {
		if o.fraud {
			positives++
		}
	}
	negatives := len(outcomes) - positives
	if positives == 0 || negatives == 0 {
		return 0.5
	}

	sorted := make([]outcome, len(outcomes))
	copy(sorted, outcomes)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].probability < sorted[j].probability })

	rankSum := 0.0
	i := 0
	for i < len(sorted) {
		j := i
		for j < len(sorted) && sorted[j].probability == sorted[i].probability {
			j++
		}
		// ranks are 1-based; tied scores share the average rank
		avgRank := float64(i+j+1) / 2
		for k := i; k < j; k++ {
			if sorted[k].fraud {
				rankSum += avgRank
			}
		}
		i = j
	}

	u := rankSum - float64(positives)*float64(positives+1)/2
	return u / (float64(positives) * float64(negatives))
}
