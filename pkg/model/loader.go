package model

import (
	"encoding/json"
	"fmt"
)

// artifactBlob is the on-disk JSON layout of a model parameter blob. Exactly
// one parameter section must be present and must match the declared kind.
type artifactBlob struct {
	Kind         Kind `json:"kind"`
	TreeEnsemble *struct {
		NumFeatures int         `json:"num_features"`
		Bias        float64     `json:"bias"`
		Trees       []*TreeNode `json:"trees"`
	} `json:"tree_ensemble,omitempty"`
	Sequence *struct {
		WindowLength int         `json:"window_length"`
		StepWidth    int         `json:"step_width"`
		StepWeights  [][]float64 `json:"step_weights"`
		StepBiases   []float64   `json:"step_biases"`
		HeadWeights  []float64   `json:"head_weights"`
		HeadBias     float64     `json:"head_bias"`
	} `json:"sequence,omitempty"`
	FeedForward *struct {
		InputDim int          `json:"input_dim"`
		Layers   []DenseLayer `json:"layers"`
	} `json:"feed_forward,omitempty"`
}

// Load parses a JSON parameter blob into a ready Adapter. The blob is the
// content fetched from the artifact's blob-store location; validation errors
// indicate a corrupt or mis-exported training run.
func Load(blob []byte) (Adapter, error) {
	var a artifactBlob
	if err := json.Unmarshal(blob, &a); err != nil {
		return nil, fmt.Errorf("model: parse artifact blob: %w", err)
	}

	switch a.Kind {
	case KindTreeEnsemble:
		if a.TreeEnsemble == nil {
			return nil, fmt.Errorf("model: kind %s without tree_ensemble parameters", a.Kind)
		}
		return NewTreeEnsemble(a.TreeEnsemble.NumFeatures, a.TreeEnsemble.Bias, a.TreeEnsemble.Trees)
	case KindSequence:
		if a.Sequence == nil {
			return nil, fmt.Errorf("model: kind %s without sequence parameters", a.Kind)
		}
		s := a.Sequence
		return NewSequenceModel(s.WindowLength, s.StepWidth, s.StepWeights, s.StepBiases, s.HeadWeights, s.HeadBias)
	case KindFeedForward:
		if a.FeedForward == nil {
			return nil, fmt.Errorf("model: kind %s without feed_forward parameters", a.Kind)
		}
		return NewFeedForward(a.FeedForward.InputDim, a.FeedForward.Layers)
	case KindStacking:
		if a.FeedForward == nil {
			return nil, fmt.Errorf("model: kind %s without feed_forward parameters", a.Kind)
		}
		return NewStackingCombiner(a.FeedForward.InputDim, a.FeedForward.Layers)
	default:
		return nil, fmt.Errorf("model: unknown artifact kind %q", a.Kind)
	}
}

// MarshalTreeEnsemble, MarshalSequenceModel, and MarshalFeedForward export
// adapters back to the blob layout. Used by registration tooling and tests.

func MarshalTreeEnsemble(te *TreeEnsemble) ([]byte, error) {
	return json.Marshal(map[string]interface{}{"kind": KindTreeEnsemble, "tree_ensemble": te})
}

func MarshalSequenceModel(sm *SequenceModel) ([]byte, error) {
	return json.Marshal(map[string]interface{}{"kind": KindSequence, "sequence": sm})
}

func MarshalFeedForward(ff *FeedForward) ([]byte, error) {
	kind := ff.Kind()
	return json.Marshal(map[string]interface{}{"kind": kind, "feed_forward": ff})
}
