package abtest

import (
	"context"
	"fmt"
	"io"
	"testing"

	"fraudguard/pkg/fraud"
	"fraudguard/pkg/structlog"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *structlog.Logger {
	return structlog.NewLogger("abtest-test", structlog.LevelError, io.Discard)
}

func testExperiment(id string, share float64, minSamples int) Experiment {
	return Experiment{
		ID:             id,
		Name:           "tree v2 shadow",
		Control:        ModelRef{Name: "tree", Version: 1},
		Candidate:      ModelRef{Name: "tree", Version: 2},
		CandidateShare: share,
		MinimumSamples: minSamples,
	}
}

func TestAssign_Deterministic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	properties.Property("same inputs always land in the same cohort", prop.ForAll(
		func(expID, userID string, share float64) bool {
			first := Assign(expID, userID, share)
			for i := 0; i < 5; i++ {
				if Assign(expID, userID, share) != first {
					return false
				}
			}
			return true
		},
		gen.Identifier(),
		gen.Identifier(),
		gen.Float64Range(0, 1),
	))

	properties.TestingRun(t)
}

func TestAssign_ShareBoundaries(t *testing.T) {
	for i := 0; i < 1000; i++ {
		user := fmt.Sprintf("user-%d", i)
		assert.Equal(t, CohortControl, Assign("exp", user, 0))
		assert.Equal(t, CohortCandidate, Assign("exp", user, 1))
	}
}

func TestAssign_SplitDistribution(t *testing.T) {
	const users = 20000
	candidates := 0
	for i := 0; i < users; i++ {
		if Assign("exp-dist", fmt.Sprintf("user-%d", i), 0.3) == CohortCandidate {
			candidates++
		}
	}
	share := float64(candidates) / users
	assert.InDelta(t, 0.3, share, 0.03)
}

func TestAssign_IndependentAcrossExperiments(t *testing.T) {
	// A user's cohort in one experiment must not predict their cohort in
	// another, otherwise stacked experiments bias each other.
	agree := 0
	const users = 20000
	for i := 0; i < users; i++ {
		user := fmt.Sprintf("user-%d", i)
		if Assign("exp-a", user, 0.5) == Assign("exp-b", user, 0.5) {
			agree++
		}
	}
	assert.InDelta(t, 0.5, float64(agree)/users, 0.03)
}

func TestExperiment_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Experiment)
	}{
		{"missing id", func(e *Experiment) { e.ID = "" }},
		{"share above one", func(e *Experiment) { e.CandidateShare = 1.5 }},
		{"negative share", func(e *Experiment) { e.CandidateShare = -0.1 }},
		{"missing candidate", func(e *Experiment) { e.Candidate = ModelRef{} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exp := testExperiment("exp", 0.5, 100)
			tt.mutate(&exp)
			assert.ErrorIs(t, exp.Validate(), fraud.ErrInvalidConfig)
		})
	}
}

func TestRouter_Route(t *testing.T) {
	rt := NewRouter(testLogger(), nil)
	ctx := context.Background()
	require.NoError(t, rt.Start(ctx, testExperiment("exp", 0.5, 100)))

	t.Run("cohort matches ref", func(t *testing.T) {
		for i := 0; i < 100; i++ {
			user := fmt.Sprintf("user-%d", i)
			ref, cohort, err := rt.Route(ctx, "exp", user)
			require.NoError(t, err)
			if cohort == CohortCandidate {
				assert.Equal(t, 2, ref.Version)
			} else {
				assert.Equal(t, 1, ref.Version)
			}
		}
	})

	t.Run("unknown experiment", func(t *testing.T) {
		_, _, err := rt.Route(ctx, "missing", "user")
		assert.ErrorIs(t, err, fraud.ErrNotFound)
	})

	t.Run("duplicate start rejected", func(t *testing.T) {
		err := rt.Start(ctx, testExperiment("exp", 0.5, 100))
		assert.ErrorIs(t, err, fraud.ErrDuplicateVersion)
	})
}

func TestRouter_CompareBelowMinimumStaysRunning(t *testing.T) {
	rt := NewRouter(testLogger(), nil)
	ctx := context.Background()
	require.NoError(t, rt.Start(ctx, testExperiment("exp", 0.5, 10)))

	require.NoError(t, rt.RecordOutcome("exp", CohortControl, 0.9, true))
	require.NoError(t, rt.RecordOutcome("exp", CohortCandidate, 0.1, false))

	_, _, err := rt.Compare(ctx, "exp")
	require.NoError(t, err)

	exp, err := rt.Get("exp")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, exp.Status)
}

func feedArm(t *testing.T, rt *Router, expID string, cohort Cohort, scoreForFraud, scoreForLegit float64, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, rt.RecordOutcome(expID, cohort, scoreForFraud, true))
		require.NoError(t, rt.RecordOutcome(expID, cohort, scoreForLegit, false))
	}
}

func TestRouter_CandidateWinsOnHigherAUC(t *testing.T) {
	rt := NewRouter(testLogger(), nil)
	ctx := context.Background()
	require.NoError(t, rt.Start(ctx, testExperiment("exp", 0.5, 10)))

	// Candidate separates classes perfectly, control ranks them backwards.
	feedArm(t, rt, "exp", CohortControl, 0.2, 0.8, 10)
	feedArm(t, rt, "exp", CohortCandidate, 0.9, 0.1, 10)

	control, candidate, err := rt.Compare(ctx, "exp")
	require.NoError(t, err)
	assert.Equal(t, 0.0, control.AUC)
	assert.Equal(t, 1.0, candidate.AUC)

	exp, err := rt.Get("exp")
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, exp.Status)
	assert.Equal(t, CohortCandidate, exp.Winner)
}

func TestRouter_TieFavorsControl(t *testing.T) {
	rt := NewRouter(testLogger(), nil)
	ctx := context.Background()
	require.NoError(t, rt.Start(ctx, testExperiment("exp", 0.5, 10)))

	feedArm(t, rt, "exp", CohortControl, 0.9, 0.1, 10)
	feedArm(t, rt, "exp", CohortCandidate, 0.9, 0.1, 10)

	_, _, err := rt.Compare(ctx, "exp")
	require.NoError(t, err)

	exp, err := rt.Get("exp")
	require.NoError(t, err)
	assert.Equal(t, CohortControl, exp.Winner)
}

func TestRouter_CompletedExperimentRoutesControl(t *testing.T) {
	rt := NewRouter(testLogger(), nil)
	ctx := context.Background()
	require.NoError(t, rt.Start(ctx, testExperiment("exp", 1.0, 1)))

	feedArm(t, rt, "exp", CohortControl, 0.9, 0.1, 1)
	feedArm(t, rt, "exp", CohortCandidate, 0.9, 0.1, 1)
	_, _, err := rt.Compare(ctx, "exp")
	require.NoError(t, err)

	// Even with a 100% candidate share, a completed experiment pins control.
	ref, cohort, err := rt.Route(ctx, "exp", "anyone")
	require.NoError(t, err)
	assert.Equal(t, CohortControl, cohort)
	assert.Equal(t, 1, ref.Version)
}

func TestRecordOutcome_UnknownExperiment(t *testing.T) {
	rt := NewRouter(testLogger(), nil)
	assert.ErrorIs(t, rt.RecordOutcome("missing", CohortControl, 0.5, false), fraud.ErrNotFound)
}

func TestRankAUC(t *testing.T) {
	tests := []struct {
		name     string
		outcomes []outcome
		want     float64
	}{
		{"perfect separation", []outcome{
			{0.9, true}, {0.8, true}, {0.2, false}, {0.1, false},
		}, 1.0},
		{"inverted", []outcome{
			{0.1, true}, {0.2, true}, {0.8, false}, {0.9, false},
		}, 0.0},
		{"all tied", []outcome{
			{0.5, true}, {0.5, false}, {0.5, true}, {0.5, false},
		}, 0.5},
		{"one crossing pair", []outcome{
			{0.9, true}, {0.4, true}, {0.6, false}, {0.1, false},
		}, 0.75},
		{"single class", []outcome{
			{0.9, true}, {0.8, true},
		}, 0.5},
		{"empty", nil, 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, rankAUC(tt.outcomes), 1e-12)
		})
	}
}
