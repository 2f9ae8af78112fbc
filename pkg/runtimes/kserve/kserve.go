// Package kserve forwards encoded vectors to a remote predictor speaking the
// KServe v1 protocol.
package kserve

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-go-golems/servitor/pkg/endpoint"
	"github.com/go-go-golems/servitor/pkg/features"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

type Loader struct {
	host    string
	model   string
	client  *http.Client
	headers map[string]string
}

var _ endpoint.Loader = (*Loader)(nil)

type Option func(*Loader)

func WithHTTPClient(c *http.Client) Option {
	return func(l *Loader) {
		l.client = c
	}
}

// WithHeaders adds headers to every request, e.g. a Host header when going
// through an ingress gateway.
func WithHeaders(headers map[string]string) Option {
	return func(l *Loader) {
		for k, v := range headers {
			l.headers[k] = v
		}
	}
}

// NewLoader targets model on host. A host without scheme is reached over
// plain http.
func NewLoader(host, model string, opts ...Option) *Loader {
	if !strings.HasPrefix(host, "http://") && !strings.HasPrefix(host, "https://") {
		host = "http://" + host
	}
	l := &Loader{
		host:    strings.TrimRight(host, "/"),
		model:   model,
		client:  &http.Client{Timeout: 60 * time.Second},
		headers: map[string]string{},
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

type modelStatus struct {
	Name  string `json:"name"`
	Ready bool   `json:"ready"`
}

// Load probes the predictor's readiness endpoint.
func (l *Loader) Load(ctx context.Context) (endpoint.Model, error) {
	url := fmt.Sprintf("%s/v1/models/%s", l.host, l.model)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	l.setHeaders(req)

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "could not reach predictor %s", url)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("predictor %s returned %d: %s", url, resp.StatusCode, snippet(body))
	}
	status := modelStatus{}
	if err := json.Unmarshal(body, &status); err != nil {
		return nil, errors.Wrap(err, "could not decode predictor status")
	}
	if !status.Ready {
		return nil, errors.Errorf("predictor model %s is not ready", l.model)
	}

	log.Info().Str("host", l.host).Str("model", l.model).Msg("Remote predictor is ready")
	return &Model{loader: l}, nil
}

func (l *Loader) setHeaders(req *http.Request) {
	for k, v := range l.headers {
		if strings.EqualFold(k, "host") {
			req.Host = v
			continue
		}
		req.Header.Set(k, v)
	}
}

type Model struct {
	loader *Loader
}

var _ endpoint.Model = (*Model)(nil)

type predictRequest struct {
	Instances []features.Vector `json:"instances"`
}

type predictResponse struct {
	Predictions []any `json:"predictions"`
}

func (m *Model) Predict(ctx context.Context, in endpoint.Input, params endpoint.Params) (endpoint.Result, error) {
	l := m.loader
	payload, err := json.Marshal(predictRequest{Instances: in.Vectors})
	if err != nil {
		return endpoint.Result{}, err
	}

	url := fmt.Sprintf("%s/v1/models/%s:predict", l.host, l.model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return endpoint.Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	l.setHeaders(req)

	resp, err := l.client.Do(req)
	if err != nil {
		return endpoint.Result{}, errors.Wrap(err, "predict request failed")
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return endpoint.Result{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return endpoint.Result{}, errors.Errorf("predictor returned %d: %s", resp.StatusCode, snippet(body))
	}

	out := predictResponse{}
	if err := json.Unmarshal(body, &out); err != nil {
		return endpoint.Result{}, errors.Wrap(err, "could not decode predictions")
	}
	if len(out.Predictions) != len(in.Vectors) {
		return endpoint.Result{}, errors.Errorf("predictor returned %d predictions for %d instances", len(out.Predictions), len(in.Vectors))
	}
	return endpoint.Result{Predictions: out.Predictions}, nil
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
