// Package openai runs text generation against any server implementing the
// OpenAI completions API (vLLM, llama.cpp server, TGI's compat layer, ...).
package openai

import (
	"context"

	"github.com/go-go-golems/servitor/pkg/endpoint"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	go_openai "github.com/sashabaranov/go-openai"
)

const DefaultMaxLength = 4000

type Loader struct {
	model   string
	apiKey  string
	baseURL string
	client  *go_openai.Client
}

var _ endpoint.Loader = (*Loader)(nil)

type Option func(*Loader)

func WithAPIKey(key string) Option {
	return func(l *Loader) {
		l.apiKey = key
	}
}

func WithBaseURL(url string) Option {
	return func(l *Loader) {
		l.baseURL = url
	}
}

func WithClient(c *go_openai.Client) Option {
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

func (l *Loader) makeClient() *go_openai.Client {
	if l.client != nil {
		return l.client
	}
	config := go_openai.DefaultConfig(l.apiKey)
	if l.baseURL != "" {
		config.BaseURL = l.baseURL
	}
	return go_openai.NewClientWithConfig(config)
}

// Load checks that the server knows the model.
func (l *Loader) Load(ctx context.Context) (endpoint.Model, error) {
	client := l.makeClient()
	m, err := client.GetModel(ctx, l.model)
	if err != nil {
		return nil, errors.Wrapf(err, "model %s is not available", l.model)
	}
	log.Info().Str("model", m.ID).Str("owned_by", m.OwnedBy).Msg("Completion model ready")
	return &Model{client: client, model: l.model}, nil
}

type Model struct {
	client *go_openai.Client
	model  string
}

var _ endpoint.Model = (*Model)(nil)

// Predict returns the prompt, a newline and the completion. top_k has no
// counterpart in the completions API and is ignored.
func (m *Model) Predict(ctx context.Context, in endpoint.Input, params endpoint.Params) (endpoint.Result, error) {
	maxLength, err := params.Int("max_length", DefaultMaxLength)
	if err != nil {
		return endpoint.Result{}, err
	}
	if _, ok := params["top_k"]; ok {
		log.Debug().Str("model", m.model).Msg("Ignoring top_k for completions API")
	}

	prompt := in.Prompt + "\n"
	resp, err := m.client.CreateCompletion(ctx, go_openai.CompletionRequest{
		Model:     m.model,
		Prompt:    prompt,
		MaxTokens: maxLength,
		N:         1,
	})
	if err != nil {
		return endpoint.Result{}, errors.Wrap(err, "completion request failed")
	}
	if len(resp.Choices) == 0 {
		return endpoint.Result{}, errors.New("no choices returned from completion API")
	}

	log.Debug().
		Str("model", m.model).
		Int("prompt_tokens", resp.Usage.PromptTokens).
		Int("completion_tokens", resp.Usage.CompletionTokens).
		Msg("Generated text")
	return endpoint.Result{Text: prompt + resp.Choices[0].Text}, nil
}
