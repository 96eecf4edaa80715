package model

import (
	"context"
	"fmt"

	"fraudguard/pkg/fraud"
)

// SequenceModel is a temporal classifier over a fixed-length window of
// per-step feature rows: a shared per-step projection with ReLU activation,
// mean pooling over time, and a logistic head. A reduced form of the
// attention-based sequence analyzers used offline; the projection and head
// weights come from the registered artifact.
type SequenceModel struct {
	WindowLength int         `json:"window_length"`
	StepWidth    int         `json:"step_width"`
	StepWeights  [][]float64 `json:"step_weights"` // [hidden][step_width]
	StepBiases   []float64   `json:"step_biases"`  // [hidden]
	HeadWeights  []float64   `json:"head_weights"` // [hidden]
	HeadBias     float64     `json:"head_bias"`
}

// NewSequenceModel validates the artifact parameters and returns a ready
// adapter.
func NewSequenceModel(windowLength, stepWidth int, stepWeights [][]float64, stepBiases, headWeights []float64, headBias float64) (*SequenceModel, error) {
	sm := &SequenceModel{
		WindowLength: windowLength,
		StepWidth:    stepWidth,
		StepWeights:  stepWeights,
		StepBiases:   stepBiases,
		HeadWeights:  headWeights,
		HeadBias:     headBias,
	}
	if err := sm.validate(); err != nil {
		return nil, err
	}
	return sm, nil
}

func (sm *SequenceModel) validate() error {
	if sm.WindowLength <= 0 || sm.StepWidth <= 0 {
		return fmt.Errorf("sequence model: window %dx%d invalid", sm.WindowLength, sm.StepWidth)
	}
	hidden := len(sm.StepWeights)
	if hidden == 0 {
		return fmt.Errorf("sequence model: no step weights")
	}
	for i, row := range sm.StepWeights {
		if len(row) != sm.StepWidth {
			return fmt.Errorf("sequence model: step weight row %d width %d, want %d", i, len(row), sm.StepWidth)
		}
	}
	if len(sm.StepBiases) != hidden {
		return fmt.Errorf("sequence model: %d step biases for %d hidden units", len(sm.StepBiases), hidden)
	}
	if len(sm.HeadWeights) != hidden {
		return fmt.Errorf("sequence model: %d head weights for %d hidden units", len(sm.HeadWeights), hidden)
	}
	return nil
}

func (sm *SequenceModel) Kind() Kind               { return KindSequence }
func (sm *SequenceModel) RequiredInput() InputType { return InputWindow }

// Score pools the projected steps and applies the logistic head. An
// insufficient-history window short-circuits to the fallback probability 0
// without running the network; the pipeline marks that result so the combiner
// redistributes this model's weight instead of averaging in a fabricated
// prediction.
func (sm *SequenceModel) Score(ctx context.Context, in Input) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if in.Window.Insufficient {
		return 0, nil
	}
	if in.Window.Length() != sm.WindowLength {
		return 0, fmt.Errorf("%w: sequence model expects %d steps, got %d",
			fraud.ErrShapeMismatch, sm.WindowLength, in.Window.Length())
	}

	hidden := len(sm.StepWeights)
	pooled := make([]float64, hidden)
	for _, step := range in.Window.Steps {
		if len(step) != sm.StepWidth {
			return 0, fmt.Errorf("%w: sequence model expects step width %d, got %d",
				fraud.ErrShapeMismatch, sm.StepWidth, len(step))
		}
		for j := range sm.StepWeights {
			pooled[j] += relu(dot(sm.StepWeights[j], step) + sm.StepBiases[j])
		}
	}
	for j := range pooled {
		pooled[j] /= float64(sm.WindowLength)
	}

	return sigmoid(dot(sm.HeadWeights, pooled) + sm.HeadBias), nil
}
