package model

import (
	"context"
	"fmt"

	"fraudguard/pkg/fraud"
)

// DenseLayer is a fully-connected layer. Weights is [outputs][inputs];
// Biases has one entry per output.
type DenseLayer struct {
	Weights [][]float64 `json:"weights"`
	Biases  []float64   `json:"biases"`
}

// FeedForward is a small multilayer perceptron: ReLU hidden layers and a
// single sigmoid output unit. kind distinguishes the base classifier from a
// stacking meta-combiner, which shares the same forward pass over a vector of
// base-model probabilities.
type FeedForward struct {
	InputDim int          `json:"input_dim"`
	Layers   []DenseLayer `json:"layers"`

	kind Kind
}

// NewFeedForward validates layer shapes and returns a ready adapter.
func NewFeedForward(inputDim int, layers []DenseLayer) (*FeedForward, error) {
	return newFeedForward(inputDim, layers, KindFeedForward)
}

// NewStackingCombiner builds a meta-model over base probabilities. inputDim is
// the number of base models in the fixed combination order.
func NewStackingCombiner(inputDim int, layers []DenseLayer) (*FeedForward, error) {
	return newFeedForward(inputDim, layers, KindStacking)
}

func newFeedForward(inputDim int, layers []DenseLayer, kind Kind) (*FeedForward, error) {
	ff := &FeedForward{InputDim: inputDim, Layers: layers, kind: kind}
	if err := ff.validate(); err != nil {
		return nil, err
	}
	return ff, nil
}

func (ff *FeedForward) validate() error {
	if ff.InputDim <= 0 {
		return fmt.Errorf("feed forward: input_dim must be positive, got %d", ff.InputDim)
	}
	if len(ff.Layers) == 0 {
		return fmt.Errorf("feed forward: no layers")
	}
	prev := ff.InputDim
	for i, layer := range ff.Layers {
		if len(layer.Weights) == 0 || len(layer.Weights) != len(layer.Biases) {
			return fmt.Errorf("feed forward: layer %d has %d weight rows and %d biases",
				i, len(layer.Weights), len(layer.Biases))
		}
		for j, row := range layer.Weights {
			if len(row) != prev {
				return fmt.Errorf("feed forward: layer %d row %d width %d, want %d",
					i, j, len(row), prev)
			}
		}
		prev = len(layer.Weights)
	}
	if prev != 1 {
		return fmt.Errorf("feed forward: final layer must have 1 output, got %d", prev)
	}
	return nil
}

func (ff *FeedForward) Kind() Kind {
	if ff.kind == "" {
		return KindFeedForward
	}
	return ff.kind
}

func (ff *FeedForward) RequiredInput() InputType { return InputVector }

// Score runs the forward pass over the feature vector.
func (ff *FeedForward) Score(ctx context.Context, in Input) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if len(in.Vector) != ff.InputDim {
		return 0, fmt.Errorf("%w: feed forward expects %d inputs, got %d",
			fraud.ErrShapeMismatch, ff.InputDim, len(in.Vector))
	}
	return ff.forward(in.Vector), nil
}

// forward applies ReLU on hidden layers and sigmoid on the single output.
func (ff *FeedForward) forward(x []float64) float64 {
	activ := x
	for i, layer := range ff.Layers {
		next := make([]float64, len(layer.Weights))
		last := i == len(ff.Layers)-1
		for j, row := range layer.Weights {
			z := dot(row, activ) + layer.Biases[j]
			if last {
				next[j] = z
			} else {
				next[j] = relu(z)
			}
		}
		activ = next
	}
	return sigmoid(activ[0])
}
