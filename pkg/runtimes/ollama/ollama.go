// Package ollama runs text generation against a local ollama server.
package ollama

import (
	"context"
	"strings"

	"github.com/go-go-golems/servitor/pkg/endpoint"
	"github.com/jmorganca/ollama/api"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	DefaultTopK      = 5
	DefaultMaxLength = 4000
)

type Loader struct {
	model  string
	client *api.Client
}

var _ endpoint.Loader = (*Loader)(nil)

type Option func(*Loader)

// WithClient overrides the client built from OLLAMA_HOST.
func WithClient(c *api.Client) Option {
	return func(l *Loader) {
		l.client = c
	}
}

func NewLoader(model string, opts ...Option) *Loader {
	l := &Loader{model: model}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Load checks that the model is present on the server.
func (l *Loader) Load(ctx context.Context) (endpoint.Model, error) {
	client := l.client
	if client == nil {
		var err error
		client, err = api.ClientFromEnvironment()
		if err != nil {
			return nil, errors.Wrap(err, "could not create ollama client")
		}
	}

	show, err := client.Show(ctx, &api.ShowRequest{Name: l.model})
	if err != nil {
		return nil, errors.Wrapf(err, "ollama model %s is not available", l.model)
	}
	log.Info().
		Str("model", l.model).
		Str("parameters", strings.ReplaceAll(show.Parameters, "\n", " ")).
		Msg("Ollama model ready")

	return &Model{client: client, model: l.model}, nil
}

// Model is not assumed to be safe for concurrent use; serve it behind
// endpoint.WithSerializedCalls.
type Model struct {
	client *api.Client
	model  string
}

var _ endpoint.Model = (*Model)(nil)

// Predict generates a continuation of the prompt and returns it preceded by
// the prompt and a newline, the way a text-generation pipeline echoes its
// input.
func (m *Model) Predict(ctx context.Context, in endpoint.Input, params endpoint.Params) (endpoint.Result, error) {
	topK, err := params.Int("top_k", DefaultTopK)
	if err != nil {
		return endpoint.Result{}, err
	}
	maxLength, err := params.Int("max_length", DefaultMaxLength)
	if err != nil {
		return endpoint.Result{}, err
	}

	prompt := in.Prompt + "\n"
	stream := false
	req := &api.GenerateRequest{
		Model:  m.model,
		Prompt: prompt,
		Raw:    true,
		Stream: &stream,
		Options: map[string]interface{}{
			"top_k":       topK,
			"num_predict": maxLength,
		},
	}

	var sb strings.Builder
	err = m.client.Generate(ctx, req, func(resp api.GenerateResponse) error {
		sb.WriteString(resp.Response)
		return nil
	})
	if err != nil {
		return endpoint.Result{}, errors.Wrap(err, "ollama generate failed")
	}

	log.Debug().Str("model", m.model).Int("top_k", topK).Int("max_length", maxLength).Int("generated_chars", sb.Len()).Msg("Generated text")
	return endpoint.Result{Text: prompt + sb.String()}, nil
}
