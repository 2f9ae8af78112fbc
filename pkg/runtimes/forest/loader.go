package forest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-go-golems/servitor/pkg/endpoint"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

const (
	OutputLabel = "label"
	OutputProba = "proba"
)

type Loader struct {
	path   string
	output string
}

var _ endpoint.Loader = (*Loader)(nil)

type LoaderOption func(*Loader)

// WithOutput selects what Predict returns per vector: the class label
// (default) or the class probabilities. For two classes, proba yields the
// probability of the second class as a single number.
func WithOutput(output string) LoaderOption {
	return func(l *Loader) {
		l.output = output
	}
}

func NewLoader(path string, opts ...LoaderOption) *Loader {
	l := &Loader{path: path, output: OutputLabel}
	for _, o := range opts {
		o(l)
	}
	return l
}

func (l *Loader) Load(ctx context.Context) (endpoint.Model, error) {
	if l.output != OutputLabel && l.output != OutputProba {
		return nil, errors.Errorf("unknown forest output %q", l.output)
	}
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not read forest artifact %s", l.path)
	}
	f, err := Parse(data, filepath.Ext(l.path))
	if err != nil {
		return nil, errors.Wrapf(err, "invalid forest artifact %s", l.path)
	}
	log.Info().
		Str("path", l.path).
		Int("trees", len(f.Trees)).
		Int("features", f.NFeatures).
		Strs("classes", f.Classes).
		Msg("Loaded decision forest")
	return &Model{forest: f, output: l.output}, nil
}

// Parse decodes a JSON or YAML artifact, validates it against Schema and then
// structurally. ext selects the decoder; anything but .yaml/.yml is JSON.
func Parse(data []byte, ext string) (*Forest, error) {
	var doc interface{}
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("could not decode YAML: %w", err)
		}
	default:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&doc); err != nil {
			return nil, fmt.Errorf("could not decode JSON: %w", err)
		}
	}

	schemaBytes, err := SchemaJSON()
	if err != nil {
		return nil, err
	}
	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(schemaBytes),
		gojsonschema.NewGoLoader(doc),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to validate forest: %w", err)
	}
	if !result.Valid() {
		descs := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			descs = append(descs, desc.String())
		}
		return nil, fmt.Errorf("schema validation failed: %s", strings.Join(descs, "; "))
	}

	// The document is known to match the schema; round trip it into the typed
	// struct through JSON so YAML and JSON share one decoding path.
	normalized, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	f := &Forest{}
	if err := json.Unmarshal(normalized, f); err != nil {
		return nil, err
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// Model is a read-only forest and is safe for concurrent use.
type Model struct {
	forest *Forest
	output string
}

var _ endpoint.Model = (*Model)(nil)

func (m *Model) Forest() *Forest {
	return m.forest
}

func (m *Model) Predict(ctx context.Context, in endpoint.Input, params endpoint.Params) (endpoint.Result, error) {
	if len(in.Vectors) == 0 {
		return endpoint.Result{}, errors.New("forest model needs at least one vector")
	}
	preds := make([]any, len(in.Vectors))
	for i, v := range in.Vectors {
		if err := ctx.Err(); err != nil {
			return endpoint.Result{}, err
		}
		switch m.output {
		case OutputProba:
			p, err := m.forest.Proba(v)
			if err != nil {
				return endpoint.Result{}, errors.Wrapf(err, "instance %d", i)
			}
			if len(p) == 2 {
				preds[i] = p[1]
			} else {
				preds[i] = p
			}
		default:
			label, err := m.forest.Predict(v)
			if err != nil {
				return endpoint.Result{}, errors.Wrapf(err, "instance %d", i)
			}
			preds[i] = label
		}
	}
	return endpoint.Result{Predictions: preds}, nil
}
