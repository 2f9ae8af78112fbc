package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// EventTopic is the topic WatermillSink publishes to by default.
const EventTopic = "inference"

const requestIDMetadataKey = "request_id"

// InferenceEvent describes one handled request.
type InferenceEvent struct {
	RequestID string        `json:"request_id"`
	Endpoint  string        `json:"endpoint"`
	Mode      Mode          `json:"mode"`
	Items     int           `json:"items"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
	Kind      Kind          `json:"kind,omitempty"`
}

// EventSink receives an event for every request. A failing sink never fails
// the request.
type EventSink interface {
	PublishEvent(ctx context.Context, ev InferenceEvent) error
}

type NopSink struct{}

func (NopSink) PublishEvent(context.Context, InferenceEvent) error {
	return nil
}

// WatermillSink publishes events as JSON messages.
type WatermillSink struct {
	publisher message.Publisher
	topic     string
}

var _ EventSink = (*WatermillSink)(nil)

func NewWatermillSink(publisher message.Publisher, topic string) *WatermillSink {
	if topic == "" {
		topic = EventTopic
	}
	return &WatermillSink{
		publisher: publisher,
		topic:     topic,
	}
}

func (w *WatermillSink) PublishEvent(ctx context.Context, ev InferenceEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set(requestIDMetadataKey, ev.RequestID)
	msg.SetContext(ctx)

	if err := w.publisher.Publish(w.topic, msg); err != nil {
		return err
	}
	log.Trace().Str("topic", w.topic).Str("request_id", ev.RequestID).Msg("Published inference event")
	return nil
}

// DecodeEvent parses the payload of a message published by WatermillSink.
func DecodeEvent(msg *message.Message) (InferenceEvent, error) {
	ev := InferenceEvent{}
	err := json.Unmarshal(msg.Payload, &ev)
	return ev, err
}

// NewPubSub returns an in-process publisher/subscriber logging through
// zerolog. Events published without subscribers are dropped.
func NewPubSub(logger zerolog.Logger) *gochannel.GoChannel {
	return gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: 64,
	}, NewWatermillLogger(logger))
}

// WatermillZerologAdapter routes watermill logs to zerolog.
type WatermillZerologAdapter struct {
	logger zerolog.Logger
}

var _ watermill.LoggerAdapter = (*WatermillZerologAdapter)(nil)

func NewWatermillLogger(logger zerolog.Logger) *WatermillZerologAdapter {
	return &WatermillZerologAdapter{logger: logger}
}

func (w *WatermillZerologAdapter) Error(msg string, err error, fields watermill.LogFields) {
	w.logger.Error().Fields(map[string]interface{}(fields)).Err(err).Msg(msg)
}

// Info is logged at debug level, watermill is chatty.
func (w *WatermillZerologAdapter) Info(msg string, fields watermill.LogFields) {
	w.logger.Debug().Fields(map[string]interface{}(fields)).Msg(msg)
}

func (w *WatermillZerologAdapter) Debug(msg string, fields watermill.LogFields) {
	w.logger.Debug().Fields(map[string]interface{}(fields)).Msg(msg)
}

func (w *WatermillZerologAdapter) Trace(msg string, fields watermill.LogFields) {
	w.logger.Trace().Fields(map[string]interface{}(fields)).Msg(msg)
}

func (w *WatermillZerologAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &WatermillZerologAdapter{logger: w.logger.With().Fields(map[string]interface{}(fields)).Logger()}
}
