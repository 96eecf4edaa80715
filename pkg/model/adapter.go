// Package model defines the uniform scoring contract shared by every model
// family and the in-process inference implementations behind it. Adapters are
// loaded once from a registered artifact and are safe for concurrent Score
// calls; a single call never mutates shared state.
package model

import (
	"context"

	"fraudguard/pkg/features"
)

// Kind tags a model family.
type Kind string

const (
	KindTreeEnsemble Kind = "tree_ensemble"
	KindSequence     Kind = "sequence"
	KindFeedForward  Kind = "feed_forward"
	KindStacking     Kind = "stacking"
)

// InputType describes which builder output an adapter consumes.
type InputType string

const (
	InputVector InputType = "feature_vector"
	InputWindow InputType = "sequence_window"
)

// Input carries the per-transaction builder outputs. Exactly one field is
// consulted per adapter, selected by RequiredInput.
type Input struct {
	Vector features.Vector
	Window features.Window
}

// Adapter is the uniform contract every model family satisfies: one trained
// artifact in, one fraud probability out.
type Adapter interface {
	// Score returns a probability in [0,1]. Malformed input fails with
	// fraud.ErrShapeMismatch; no coercion is attempted.
	Score(ctx context.Context, in Input) (float64, error)

	// Kind returns the model family tag.
	Kind() Kind

	// RequiredInput describes whether Score consumes a feature vector or a
	// sequence window.
	RequiredInput() InputType
}
