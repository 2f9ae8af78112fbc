package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/iancoleman/strcase"
)

const instancesKey = "instances"

// Request is the uniform inference request. On the wire it is a JSON object
// with an "instances" array; every other key is a parameter.
type Request struct {
	Instances []any
	Params    map[string]any
}

// ParseRequest decodes a wire request. Numbers are kept as json.Number so
// integer parameters survive without float rounding.
func ParseRequest(data []byte) (Request, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	m := map[string]any{}
	if err := dec.Decode(&m); err != nil {
		return Request{}, &Error{Kind: KindValidation, Err: fmt.Errorf("invalid request body: %w", err)}
	}
	return RequestFromMap(m)
}

// RequestFromMap builds a request from an already decoded payload. Parameter
// keys are normalized to snake_case so topK, top-k and top_k are the same
// parameter.
func RequestFromMap(m map[string]any) (Request, error) {
	raw, ok := m[instancesKey]
	if !ok {
		return Request{}, &Error{Kind: KindValidation, Err: fmt.Errorf("missing %q", instancesKey)}
	}
	instances, ok := raw.([]any)
	if !ok {
		return Request{}, &Error{Kind: KindValidation, Err: fmt.Errorf("%q must be an array, got %T", instancesKey, raw)}
	}

	params := map[string]any{}
	for k, v := range m {
		if k == instancesKey {
			continue
		}
		params[strcase.ToSnake(k)] = v
	}
	return Request{Instances: instances, Params: params}, nil
}

func (r Request) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(r.Params)+1)
	for k, v := range r.Params {
		m[k] = v
	}
	instances := r.Instances
	if instances == nil {
		instances = []any{}
	}
	m[instancesKey] = instances
	return json.Marshal(m)
}

// Response carries either one prediction per instance or, in generate mode,
// the generated text.
type Response struct {
	Predictions []any  `json:"predictions,omitempty"`
	Text        string `json:"-"`
}

// ParamSpec declares a parameter the gateway forwards to the endpoint.
type ParamSpec struct {
	Name     string
	Required bool
	Default  any
	// Integer parameters are checked before the endpoint is called.
	Integer bool
}

// DefaultParams are the generation parameters and their defaults.
func DefaultParams() []ParamSpec {
	return []ParamSpec{
		{Name: "top_k", Required: true, Default: 5, Integer: true},
		{Name: "max_length", Required: true, Default: 4000, Integer: true},
	}
}
