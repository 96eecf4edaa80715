package model

import (
	"context"
	"fmt"

	"fraudguard/pkg/fraud"
)

// TreeNode is one node of a regression tree. Leaf nodes carry the additive
// contribution in log-odds; internal nodes route on feature Dim against
// Threshold (left when value < threshold).
type TreeNode struct {
	Leaf      bool      `json:"leaf"`
	Dim       int       `json:"dim"`
	Threshold float64   `json:"threshold"`
	Value     float64   `json:"value"`
	Left      *TreeNode `json:"left,omitempty"`
	Right     *TreeNode `json:"right,omitempty"`
}

// TreeEnsemble is a gradient-boosted tree classifier: the sum of tree outputs
// plus a bias, squashed through a sigmoid.
type TreeEnsemble struct {
	NumFeatures int         `json:"num_features"`
	Bias        float64     `json:"bias"`
	Trees       []*TreeNode `json:"trees"`
}

// NewTreeEnsemble validates the artifact parameters and returns a ready
// adapter.
func NewTreeEnsemble(numFeatures int, bias float64, trees []*TreeNode) (*TreeEnsemble, error) {
	te := &TreeEnsemble{NumFeatures: numFeatures, Bias: bias, Trees: trees}
	if err := te.validate(); err != nil {
		return nil, err
	}
	return te, nil
}

func (te *TreeEnsemble) validate() error {
	if te.NumFeatures <= 0 {
		return fmt.Errorf("tree ensemble: num_features must be positive, got %d", te.NumFeatures)
	}
	if len(te.Trees) == 0 {
		return fmt.Errorf("tree ensemble: no trees")
	}
	for i, root := range te.Trees {
		if err := validateTree(root, te.NumFeatures); err != nil {
			return fmt.Errorf("tree ensemble: tree %d: %w", i, err)
		}
	}
	return nil
}

func validateTree(n *TreeNode, numFeatures int) error {
	if n == nil {
		return fmt.Errorf("nil node")
	}
	if n.Leaf {
		return nil
	}
	if n.Dim < 0 || n.Dim >= numFeatures {
		return fmt.Errorf("split dim %d out of range [0,%d)", n.Dim, numFeatures)
	}
	if err := validateTree(n.Left, numFeatures); err != nil {
		return err
	}
	return validateTree(n.Right, numFeatures)
}

func (te *TreeEnsemble) Kind() Kind               { return KindTreeEnsemble }
func (te *TreeEnsemble) RequiredInput() InputType { return InputVector }

// Score sums the tree contributions for the feature vector and returns the
// sigmoid of the total log-odds.
func (te *TreeEnsemble) Score(ctx context.Context, in Input) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if len(in.Vector) != te.NumFeatures {
		return 0, fmt.Errorf("%w: tree ensemble expects %d features, got %d",
			fraud.ErrShapeMismatch, te.NumFeatures, len(in.Vector))
	}

	logit := te.Bias
	for _, root := range te.Trees {
		logit += traverse(root, in.Vector)
	}
	return sigmoid(logit), nil
}

func traverse(n *TreeNode, x []float64) float64 {
	for !n.Leaf {
		if x[n.Dim] < n.Threshold {
			n = n.Left
		} else {
			n = n.Right
		}
	}
	return n.Value
}
