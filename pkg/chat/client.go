// Package chat drives a conversation session against an inference handler,
// one turn at a time.
package chat

import (
	"context"
	"time"

	"github.com/go-go-golems/servitor/pkg/conversation"
	"github.com/go-go-golems/servitor/pkg/gateway"
	"github.com/huandu/go-clone"
	"github.com/rs/zerolog/log"
)

type Client struct {
	handler    gateway.Handler
	params     map[string]any
	maxRetries int
	backoff    time.Duration
}

type Option func(*Client)

// WithParams sets the parameters sent with every request, e.g. top_k and
// max_length. Each request gets its own copy.
func WithParams(params map[string]any) Option {
	return func(c *Client) {
		c.params = clone.Clone(params).(map[string]any)
	}
}

// WithRetry retries retryable failures up to maxRetries times, waiting
// backoff, then twice as long, and so on. The default is no retry.
func WithRetry(maxRetries int, backoff time.Duration) Option {
	return func(c *Client) {
		c.maxRetries = maxRetries
		c.backoff = backoff
	}
}

func NewClient(handler gateway.Handler, options ...Option) *Client {
	c := &Client{
		handler: handler,
		params:  map[string]any{},
	}
	for _, o := range options {
		o(c)
	}
	return c
}

// Turn appends the user text, sends the rendered session and appends the
// extracted reply. Empty user text is a no-op. When the model call fails the
// user turn stays in the session and the error is returned.
func (c *Client) Turn(ctx context.Context, session *conversation.Session, userText string) (string, error) {
	if userText == "" {
		return "", nil
	}

	lock := session.TurnLock()
	lock.Lock()
	defer lock.Unlock()

	session.Append(conversation.RoleUser, userText)
	prompt := session.Render()

	start := time.Now()
	resp, err := c.handle(ctx, prompt)
	if err != nil {
		log.Error().
			Err(err).
			Str("session", session.ID()).
			Bool("retryable", gateway.IsRetryable(err)).
			Msg("Model call failed, keeping user turn")
		return "", err
	}

	reply := session.ExtractReply(resp.Text)
	session.Append(conversation.RoleAssistant, reply)

	log.Info().
		Str("session", session.ID()).
		Int("turns", session.Len()).
		Int("prompt_tokens", conversation.TokenCount(prompt)).
		Dur("duration", time.Since(start)).
		Msg("Chat turn completed")
	return reply, nil
}

func (c *Client) handle(ctx context.Context, prompt string) (*gateway.Response, error) {
	backoff := c.backoff
	for attempt := 0; ; attempt++ {
		req := gateway.Request{
			Instances: []any{prompt},
			Params:    clone.Clone(c.params).(map[string]any),
		}
		resp, err := c.handler.Handle(ctx, req)
		if err == nil {
			return resp, nil
		}
		if attempt >= c.maxRetries || !gateway.IsRetryable(err) {
			return nil, err
		}

		log.Warn().Err(err).Int("attempt", attempt+1).Dur("backoff", backoff).Msg("Retrying model call")
		select {
		case <-ctx.Done():
			return nil, err
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}
