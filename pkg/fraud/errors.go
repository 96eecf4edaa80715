package fraud

import "errors"

// Error taxonomy for the scoring core. Callers match with errors.Is; packages
// wrap these with fmt.Errorf("...: %w", ...) to add context.
var (
	// ErrInvalidInput marks malformed or out-of-range transaction fields.
	// Rejected before any scoring happens.
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnorderedSequence is returned when a caller-supplied history has a
	// timestamp inversion. Surfaced instead of re-sorting so upstream data
	// bugs stay visible.
	ErrUnorderedSequence = errors.New("unordered transaction sequence")

	// ErrShapeMismatch indicates a feature vector or sequence window whose
	// shape does not match a model's expectation, i.e. a builder/adapter
	// version mismatch.
	ErrShapeMismatch = errors.New("input shape mismatch")

	// ErrNotFound is returned by the registry for unknown models or pinned
	// versions that were never registered.
	ErrNotFound = errors.New("model not found")

	// ErrDuplicateVersion is returned when re-registering an existing
	// (name, version) key. Artifacts are immutable; a new training run gets a
	// new version.
	ErrDuplicateVersion = errors.New("duplicate model version")

	// ErrInvalidConfig marks startup-time configuration errors. The process
	// refuses to start rather than run with bad thresholds or weights.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEnsembleUnavailable is returned when every configured model failed
	// for a transaction. Callers are expected to route to manual review; a
	// total scoring failure never produces an approve decision.
	ErrEnsembleUnavailable = errors.New("no model available for decision")
)
