// Package forest serves a decision-forest classifier over feature vectors.
//
// The artifact is a JSON or YAML document describing every tree as a flat
// list of nodes. Split nodes send a vector left when
// vector[feature] <= threshold; leaves carry per-class weights. Class
// probabilities are the mean of the normalized leaf weights over all trees.
package forest

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

const Leaf = -1

type Node struct {
	Feature   int       `json:"feature" yaml:"feature" jsonschema:"minimum=0,description=Index of the vector component tested by this split"`
	Threshold float64   `json:"threshold" yaml:"threshold"`
	Left      int       `json:"left" yaml:"left" jsonschema:"minimum=-1,description=Index of the left child or -1 for a leaf"`
	Right     int       `json:"right" yaml:"right" jsonschema:"minimum=-1,description=Index of the right child or -1 for a leaf"`
	Value     []float64 `json:"value,omitempty" yaml:"value,omitempty" jsonschema:"description=Per-class weights of a leaf"`
}

func (n Node) IsLeaf() bool {
	return n.Left == Leaf && n.Right == Leaf
}

type Tree struct {
	Nodes []Node `json:"nodes" yaml:"nodes" jsonschema:"minItems=1"`
}

type Forest struct {
	NFeatures int      `json:"n_features" yaml:"n_features" jsonschema:"minimum=1"`
	Classes   []string `json:"classes" yaml:"classes" jsonschema:"minItems=2"`
	Trees     []Tree   `json:"trees" yaml:"trees" jsonschema:"minItems=1"`
}

// Schema returns the JSON schema every artifact must satisfy before it is
// checked structurally.
func Schema() *jsonschema.Schema {
	r := &jsonschema.Reflector{
		DoNotReference: true,
		Anonymous:      true,
	}
	s := r.Reflect(&Forest{})
	s.Version = "http://json-schema.org/draft-07/schema#"
	return s
}

func SchemaJSON() ([]byte, error) {
	return json.MarshalIndent(Schema(), "", "  ")
}

// Validate checks what the schema cannot express: child indices, feature
// bounds and leaf widths.
func (f *Forest) Validate() error {
	for ti, t := range f.Trees {
		for ni, n := range t.Nodes {
			if n.IsLeaf() {
				if len(n.Value) != len(f.Classes) {
					return fmt.Errorf("tree %d node %d: leaf has %d values for %d classes", ti, ni, len(n.Value), len(f.Classes))
				}
				sum := 0.0
				for _, v := range n.Value {
					if v < 0 {
						return fmt.Errorf("tree %d node %d: negative leaf weight", ti, ni)
					}
					sum += v
				}
				if sum == 0 {
					return fmt.Errorf("tree %d node %d: leaf weights sum to zero", ti, ni)
				}
				continue
			}
			if n.Feature >= f.NFeatures {
				return fmt.Errorf("tree %d node %d: feature %d out of range [0,%d)", ti, ni, n.Feature, f.NFeatures)
			}
			// children must come later so that traversal always terminates
			for _, child := range []int{n.Left, n.Right} {
				if child <= ni || child >= len(t.Nodes) {
					return fmt.Errorf("tree %d node %d: invalid child index %d", ti, ni, child)
				}
			}
		}
	}
	return nil
}

// Proba returns the class probabilities for one vector.
func (f *Forest) Proba(x []float32) ([]float64, error) {
	if len(x) != f.NFeatures {
		return nil, fmt.Errorf("vector has %d features, model expects %d", len(x), f.NFeatures)
	}
	ret := make([]float64, len(f.Classes))
	for _, t := range f.Trees {
		leaf := t.leaf(x)
		sum := 0.0
		for _, v := range leaf.Value {
			sum += v
		}
		for i, v := range leaf.Value {
			ret[i] += v / sum
		}
	}
	for i := range ret {
		ret[i] /= float64(len(f.Trees))
	}
	return ret, nil
}

// Predict returns the most probable class label. Ties go to the lowest index.
func (f *Forest) Predict(x []float32) (string, error) {
	p, err := f.Proba(x)
	if err != nil {
		return "", err
	}
	best := 0
	for i := range p {
		if p[i] > p[best] {
			best = i
		}
	}
	return f.Classes[best], nil
}

func (t Tree) leaf(x []float32) Node {
	n := t.Nodes[0]
	for !n.IsLeaf() {
		if float64(x[n.Feature]) <= n.Threshold {
			n = t.Nodes[n.Left]
		} else {
			n = t.Nodes[n.Right]
		}
	}
	return n
}
