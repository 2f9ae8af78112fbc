// Package gateway turns uniform inference requests into endpoint calls. In
// transform mode each instance is encoded into a feature vector first; in
// generate mode the single prompt instance is forwarded as is. Failures are
// classified into validation, encoding, unavailable and prediction errors.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-go-golems/servitor/pkg/endpoint"
	"github.com/go-go-golems/servitor/pkg/features"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type Mode string

const (
	ModeTransform Mode = "transform"
	ModeGenerate  Mode = "generate"
)

// Predictor is the part of *endpoint.Endpoint the gateway depends on.
type Predictor interface {
	Name() string
	Ready() bool
	Predict(ctx context.Context, in endpoint.Input, params endpoint.Params) (endpoint.Result, error)
}

var _ Predictor = (*endpoint.Endpoint)(nil)

// Handler is implemented by Gateway and by RemoteHandler.
type Handler interface {
	Handle(ctx context.Context, req Request) (*Response, error)
}

type Gateway struct {
	predictor   Predictor
	codec       features.Codec
	mode        Mode
	params      []ParamSpec
	timeout     time.Duration
	sink        EventSink
	parallelism int
}

var _ Handler = (*Gateway)(nil)

type Option func(*Gateway)

func WithCodec(c features.Codec) Option {
	return func(g *Gateway) {
		g.codec = c
	}
}

func WithMode(m Mode) Option {
	return func(g *Gateway) {
		g.mode = m
	}
}

// WithParams replaces the declared parameters. Parameters not declared are
// still forwarded untouched.
func WithParams(specs ...ParamSpec) Option {
	return func(g *Gateway) {
		g.params = specs
	}
}

func WithTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		g.timeout = d
	}
}

func WithEventSink(s EventSink) Option {
	return func(g *Gateway) {
		g.sink = s
	}
}

// WithParallelEncoding encodes the items of a request on up to n goroutines.
func WithParallelEncoding(n int) Option {
	return func(g *Gateway) {
		g.parallelism = n
	}
}

// New builds a gateway in front of p. Without WithMode, the gateway
// transforms when a codec is configured and generates otherwise.
func New(p Predictor, options ...Option) (*Gateway, error) {
	if p == nil {
		return nil, errors.New("gateway needs a predictor")
	}
	g := &Gateway{
		predictor: p,
		params:    DefaultParams(),
		sink:      NopSink{},
	}
	for _, o := range options {
		o(g)
	}
	if g.mode == "" {
		if g.codec != nil {
			g.mode = ModeTransform
		} else {
			g.mode = ModeGenerate
		}
	}
	switch g.mode {
	case ModeTransform:
		if g.codec == nil {
			return nil, errors.New("transform mode requires a codec")
		}
	case ModeGenerate:
	default:
		return nil, fmt.Errorf("unknown gateway mode %q", g.mode)
	}
	return g, nil
}

func (g *Gateway) Mode() Mode {
	return g.mode
}

func (g *Gateway) Endpoint() string {
	return g.predictor.Name()
}

func (g *Gateway) Ready() bool {
	return g.predictor.Ready()
}

// Handle validates, encodes when in transform mode, and calls the endpoint.
// The whole request fails if any item fails; there is no partial response.
func (g *Gateway) Handle(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	ev := InferenceEvent{
		RequestID: uuid.NewString(),
		Endpoint:  g.predictor.Name(),
		Mode:      g.mode,
		Items:     len(req.Instances),
	}

	resp, err := g.handle(ctx, req)

	ev.Duration = time.Since(start)
	if err != nil {
		gerr := classify(err)
		err = gerr
		ev.Kind = gerr.Kind
		ev.Error = gerr.Err.Error()
		log.Warn().
			Str("request_id", ev.RequestID).
			Str("endpoint", ev.Endpoint).
			Str("kind", string(gerr.Kind)).
			Err(gerr.Err).
			Msg("Inference request failed")
	} else {
		log.Debug().
			Str("request_id", ev.RequestID).
			Str("endpoint", ev.Endpoint).
			Int("items", ev.Items).
			Dur("duration", ev.Duration).
			Msg("Inference request handled")
	}

	if sinkErr := g.sink.PublishEvent(ctx, ev); sinkErr != nil {
		log.Error().Err(sinkErr).Str("request_id", ev.RequestID).Msg("Failed to publish inference event")
	}
	return resp, err
}

func (g *Gateway) handle(ctx context.Context, req Request) (*Response, error) {
	params, err := g.validateParams(req.Params)
	if err != nil {
		return nil, err
	}
	if len(req.Instances) == 0 {
		return nil, &Error{Kind: KindValidation, Err: errors.New("instances must not be empty")}
	}

	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	switch g.mode {
	case ModeGenerate:
		return g.generate(ctx, req.Instances, params)
	default:
		return g.transform(ctx, req.Instances, params)
	}
}

func (g *Gateway) validateParams(in map[string]any) (endpoint.Params, error) {
	params := endpoint.Params{}
	for k, v := range in {
		params[k] = v
	}
	for _, spec := range g.params {
		if _, ok := params[spec.Name]; !ok {
			if spec.Default != nil {
				params[spec.Name] = spec.Default
			} else if spec.Required {
				return nil, &Error{Kind: KindValidation, Err: fmt.Errorf("missing required parameter %q", spec.Name)}
			}
		}
		if spec.Integer {
			if _, err := params.Int(spec.Name, 0); err != nil {
				return nil, &Error{Kind: KindValidation, Err: err}
			}
		}
	}
	return params, nil
}

func (g *Gateway) generate(ctx context.Context, instances []any, params endpoint.Params) (*Response, error) {
	if len(instances) > 1 {
		return nil, &Error{Kind: KindValidation, Err: fmt.Errorf("generate mode takes a single prompt, got %d instances", len(instances))}
	}
	prompt, ok := instances[0].(string)
	if !ok {
		return nil, &Error{Kind: KindValidation, Err: fmt.Errorf("prompt must be a string, got %T", instances[0])}
	}

	res, err := g.predictor.Predict(ctx, endpoint.Input{Prompt: prompt}, params)
	if err != nil {
		return nil, err
	}
	return &Response{Text: res.Text}, nil
}

func (g *Gateway) transform(ctx context.Context, instances []any, params endpoint.Params) (*Response, error) {
	items := make([]string, len(instances))
	for i, inst := range instances {
		s, ok := inst.(string)
		if !ok {
			return nil, &Error{Kind: KindEncoding, Err: &features.BatchError{
				Index: i,
				Err:   fmt.Errorf("instance must be a string, got %T", inst),
			}}
		}
		items[i] = s
	}

	var vectors []features.Vector
	var err error
	if g.parallelism > 1 {
		vectors, err = features.ParallelEncodeBatch(ctx, g.codec, items, g.parallelism)
	} else {
		vectors, err = features.EncodeBatch(ctx, g.codec, items)
	}
	if err != nil {
		if endpoint.IsTimeout(err) {
			return nil, &Error{Kind: KindUnavailable, Err: err}
		}
		return nil, &Error{Kind: KindEncoding, Err: err}
	}

	res, err := g.predictor.Predict(ctx, endpoint.Input{Vectors: vectors}, params)
	if err != nil {
		return nil, err
	}
	if len(res.Predictions) != len(items) {
		return nil, &Error{
			Kind: KindPredictionFailed,
			Err:  fmt.Errorf("endpoint returned %d predictions for %d items", len(res.Predictions), len(items)),
		}
	}
	return &Response{Predictions: res.Predictions}, nil
}
