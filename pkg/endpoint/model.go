package endpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/go-go-golems/servitor/pkg/features"
)

// Input carries either encoded vectors (transform mode) or a prompt string
// (generation mode).
type Input struct {
	Vectors []features.Vector `json:"vectors,omitempty"`
	Prompt  string            `json:"prompt,omitempty"`
}

// Params are the validated scalar request parameters (top_k, max_length, ...).
type Params map[string]any

// Int reads an integer parameter, accepting the numeric shapes produced by
// JSON and YAML decoding.
func (p Params) Int(key string, def int) (int, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int32:
		return int(n), nil
	case int64:
		return int(n), nil
	case float32:
		return int(n), nil
	case float64:
		if n != float64(int(n)) {
			return 0, fmt.Errorf("parameter %s must be an integer, got %v", key, n)
		}
		return int(n), nil
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, fmt.Errorf("parameter %s must be an integer: %w", key, err)
		}
		return int(i), nil
	case string:
		i, err := strconv.Atoi(n)
		if err != nil {
			return 0, fmt.Errorf("parameter %s must be an integer: %w", key, err)
		}
		return i, nil
	}
	return 0, fmt.Errorf("parameter %s has unsupported type %T", key, v)
}

// Result is what a model produced for one Input: one prediction per vector,
// or a generated text.
type Result struct {
	Predictions []any  `json:"predictions,omitempty"`
	Text        string `json:"text,omitempty"`
}

// Model is a loaded artifact. Implementations that also implement io.Closer
// are closed when the endpoint releases them.
type Model interface {
	Predict(ctx context.Context, in Input, params Params) (Result, error)
}

// Loader resolves and loads a model artifact.
type Loader interface {
	Load(ctx context.Context) (Model, error)
}

type LoaderFunc func(ctx context.Context) (Model, error)

func (f LoaderFunc) Load(ctx context.Context) (Model, error) {
	return f(ctx)
}

type ModelFunc func(ctx context.Context, in Input, params Params) (Result, error)

func (f ModelFunc) Predict(ctx context.Context, in Input, params Params) (Result, error) {
	return f(ctx, in, params)
}
