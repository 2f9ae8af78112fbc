package forest

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-go-golems/servitor/pkg/endpoint"
	"github.com/go-go-golems/servitor/pkg/features"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const forestJSON = `{
  "n_features": 2,
  "classes": ["inactive", "active"],
  "trees": [
    {"nodes": [
      {"feature": 0, "threshold": 0.5, "left": 1, "right": 2},
      {"feature": 0, "threshold": 0, "left": -1, "right": -1, "value": [3, 1]},
      {"feature": 0, "threshold": 0, "left": -1, "right": -1, "value": [0, 2]}
    ]},
    {"nodes": [
      {"feature": 0, "threshold": 0, "left": -1, "right": -1, "value": [1, 1]}
    ]}
  ]
}`

const forestYAML = `
n_features: 2
classes: [inactive, active]
trees:
  - nodes:
      - {feature: 0, threshold: 0.5, left: 1, right: 2}
      - {feature: 0, threshold: 0, left: -1, right: -1, value: [3, 1]}
      - {feature: 0, threshold: 0, left: -1, right: -1, value: [0, 2]}
  - nodes:
      - {feature: 0, threshold: 0, left: -1, right: -1, value: [1, 1]}
`

func writeArtifact(t *testing.T, name, content string) string {
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestForestProbabilities(t *testing.T) {
	f, err := Parse([]byte(forestJSON), ".json")
	require.NoError(t, err)

	p, err := f.Proba([]float32{0, 0})
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0.625, 0.375}, p, 1e-9)

	p, err = f.Proba([]float32{1, 0})
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0.25, 0.75}, p, 1e-9)

	label, err := f.Predict([]float32{1, 0})
	require.NoError(t, err)
	assert.Equal(t, "active", label)

	_, err = f.Proba([]float32{1, 0, 0})
	require.Error(t, err)
}

func TestYAMLAndJSONArtifactsAgree(t *testing.T) {
	fromJSON, err := Parse([]byte(forestJSON), ".json")
	require.NoError(t, err)
	fromYAML, err := Parse([]byte(forestYAML), ".yaml")
	require.NoError(t, err)
	assert.Equal(t, fromJSON, fromYAML)
}

func TestParseRejectsInvalidArtifacts(t *testing.T) {
	cases := map[string]string{
		"not json":          `{`,
		"missing trees":     `{"n_features": 2, "classes": ["a", "b"]}`,
		"no features":       `{"n_features": 0, "classes": ["a", "b"], "trees": [{"nodes": [{"feature": 0, "threshold": 0, "left": -1, "right": -1, "value": [1, 1]}]}]}`,
		"single class":      `{"n_features": 1, "classes": ["a"], "trees": [{"nodes": [{"feature": 0, "threshold": 0, "left": -1, "right": -1, "value": [1]}]}]}`,
		"backwards child":   `{"n_features": 1, "classes": ["a", "b"], "trees": [{"nodes": [{"feature": 0, "threshold": 0, "left": 0, "right": 1}, {"feature": 0, "threshold": 0, "left": -1, "right": -1, "value": [1, 1]}]}]}`,
		"feature too large": `{"n_features": 1, "classes": ["a", "b"], "trees": [{"nodes": [{"feature": 3, "threshold": 0, "left": 1, "right": 2}, {"feature": 0, "threshold": 0, "left": -1, "right": -1, "value": [1, 1]}, {"feature": 0, "threshold": 0, "left": -1, "right": -1, "value": [1, 1]}]}]}`,
		"short leaf":        `{"n_features": 1, "classes": ["a", "b"], "trees": [{"nodes": [{"feature": 0, "threshold": 0, "left": -1, "right": -1, "value": [1]}]}]}`,
		"empty leaf":        `{"n_features": 1, "classes": ["a", "b"], "trees": [{"nodes": [{"feature": 0, "threshold": 0, "left": -1, "right": -1, "value": [0, 0]}]}]}`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc), ".json")
			assert.Error(t, err)
		})
	}
}

func TestSchemaIsSelfContained(t *testing.T) {
	data, err := SchemaJSON()
	require.NoError(t, err)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, "object", doc["type"])
	props, ok := doc["properties"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, props, "n_features")
	assert.Contains(t, props, "classes")
	assert.Contains(t, props, "trees")
	assert.NotContains(t, doc, "$defs")
}

func TestLoaderAndModel(t *testing.T) {
	path := writeArtifact(t, "model.yaml", forestYAML)

	t.Run("labels", func(t *testing.T) {
		m, err := NewLoader(path).Load(context.Background())
		require.NoError(t, err)

		res, err := m.Predict(context.Background(), endpoint.Input{Vectors: []features.Vector{{0, 0}, {1, 0}}}, nil)
		require.NoError(t, err)
		assert.Equal(t, []any{"inactive", "active"}, res.Predictions)
	})

	t.Run("probabilities", func(t *testing.T) {
		m, err := NewLoader(path, WithOutput(OutputProba)).Load(context.Background())
		require.NoError(t, err)

		res, err := m.Predict(context.Background(), endpoint.Input{Vectors: []features.Vector{{0, 0}, {1, 0}}}, nil)
		require.NoError(t, err)
		require.Len(t, res.Predictions, 2)
		assert.InDelta(t, 0.375, res.Predictions[0], 1e-9)
		assert.InDelta(t, 0.75, res.Predictions[1], 1e-9)
	})

	t.Run("wrong vector length", func(t *testing.T) {
		m, err := NewLoader(path).Load(context.Background())
		require.NoError(t, err)
		_, err = m.Predict(context.Background(), endpoint.Input{Vectors: []features.Vector{{0, 0, 0}}}, nil)
		require.Error(t, err)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := NewLoader(filepath.Join(t.TempDir(), "nope.json")).Load(context.Background())
		require.Error(t, err)
	})

	t.Run("unknown output", func(t *testing.T) {
		_, err := NewLoader(path, WithOutput("logits")).Load(context.Background())
		require.Error(t, err)
	})
}

func TestForestBehindEndpoint(t *testing.T) {
	path := writeArtifact(t, "model.json", forestJSON)
	e, err := endpoint.New("molecules", NewLoader(path))
	require.NoError(t, err)
	require.NoError(t, e.Load(context.Background()))
	defer func() { _ = e.Close() }()

	res, err := e.Predict(context.Background(), endpoint.Input{Vectors: []features.Vector{{1, 1}}}, nil)
	require.NoError(t, err)
	assert.Equal(t, []any{"active"}, res.Predictions)
}
