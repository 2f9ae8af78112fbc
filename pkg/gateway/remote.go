package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"
)

// ErrorBody is the JSON body of a failed HTTP inference call.
type ErrorBody struct {
	Error     string `json:"error"`
	Kind      Kind   `json:"kind"`
	Retryable bool   `json:"retryable"`
}

// RemoteHandler sends requests to a gateway served over HTTP and maps the
// response status back to error kinds.
type RemoteHandler struct {
	url    string
	client *http.Client
}

var _ Handler = (*RemoteHandler)(nil)

type RemoteOption func(*RemoteHandler)

func WithHTTPClient(c *http.Client) RemoteOption {
	return func(r *RemoteHandler) {
		r.client = c
	}
}

// NewRemoteHandler targets the full predict URL, e.g.
// http://localhost:8080/v1/models/llama2:predict.
func NewRemoteHandler(url string, opts ...RemoteOption) *RemoteHandler {
	r := &RemoteHandler{
		url:    url,
		client: &http.Client{Timeout: 5 * time.Minute},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *RemoteHandler) Handle(ctx context.Context, req Request) (*Response, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, &Error{Kind: KindValidation, Err: err}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(payload))
	if err != nil {
		return nil, &Error{Kind: KindValidation, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, &Error{Kind: KindUnavailable, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Kind: KindUnavailable, Err: err}
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, remoteError(resp.StatusCode, body)
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		out := Response{}
		if err := json.Unmarshal(body, &out); err != nil {
			return nil, &Error{Kind: KindPredictionFailed, Err: fmt.Errorf("could not decode response: %w", err)}
		}
		return &out, nil
	}
	return &Response{Text: string(body)}, nil
}

func remoteError(status int, body []byte) *Error {
	eb := ErrorBody{}
	msg := strings.TrimSpace(string(body))
	if err := json.Unmarshal(body, &eb); err == nil && eb.Error != "" {
		msg = eb.Error
	}

	kind := KindPredictionFailed
	switch {
	case status == http.StatusServiceUnavailable || status == http.StatusGatewayTimeout:
		kind = KindUnavailable
	case status == http.StatusBadRequest:
		kind = KindValidation
		if eb.Kind == KindEncoding {
			kind = KindEncoding
		}
	}
	return &Error{Kind: kind, Err: fmt.Errorf("remote returned %d: %s", status, msg)}
}
