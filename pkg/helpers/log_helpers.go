package helpers

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/lithammer/shortuuid/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// WatermillZerologAdapter routes watermill's internal logging to zerolog.
// Log lines carrying a session topic are tagged with session_id, so pub/sub logs line up
// with the transcript and pump logs of the same session.
type WatermillZerologAdapter struct {
	logger    zerolog.Logger
	sessionOf func(topic string) (string, bool)
}

type WatermillOption func(*WatermillZerologAdapter)

// WithTopicSessions resolves the session ID of a watermill topic name.
func WithTopicSessions(f func(topic string) (string, bool)) WatermillOption {
	return func(w *WatermillZerologAdapter) {
		w.sessionOf = f
	}
}

func (w *WatermillZerologAdapter) Error(msg string, err error, fields watermill.LogFields) {
	w.logger.Error().Fields(w.fields(fields)).Err(err).Caller(1).Msg(msg)
}

func (w *WatermillZerologAdapter) Info(msg string, fields watermill.LogFields) {
	// watermill logs every subscription at INFO
	w.logger.Debug().Fields(w.fields(fields)).Caller(1).Msg(msg)
}

func (w *WatermillZerologAdapter) Debug(msg string, fields watermill.LogFields) {
	w.logger.Debug().Fields(w.fields(fields)).Caller(1).Msg(msg)
}

func (w *WatermillZerologAdapter) Trace(msg string, fields watermill.LogFields) {
	w.logger.Trace().Fields(w.fields(fields)).Caller(1).Msg(msg)
}

func (w *WatermillZerologAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &WatermillZerologAdapter{
		logger:    w.logger.With().Fields(w.fields(fields)).Logger(),
		sessionOf: w.sessionOf,
	}
}

func (w *WatermillZerologAdapter) fields(fields watermill.LogFields) map[string]interface{} {
	ret := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		ret[k] = v
	}
	if w.sessionOf == nil {
		return ret
	}
	if topic, ok := fields["topic"].(string); ok {
		if id, ok := w.sessionOf(topic); ok {
			ret["session_id"] = id
		}
	}
	return ret
}

func NewWatermill(logger zerolog.Logger, options ...WatermillOption) *WatermillZerologAdapter {
	ret := &WatermillZerologAdapter{logger: logger}
	for _, o := range options {
		o(ret)
	}
	return ret
}

var _ watermill.LoggerAdapter = &WatermillZerologAdapter{}

// TurnIDMetadataKey is the message metadata key carrying the ID of the turn an event belongs to.
const TurnIDMetadataKey = "turn_id"

const generatedTurnIDPrefix = "gen_"

type turnIDKeyType string

const turnIDKey turnIDKeyType = "turn_id"

func ContextWithTurnID(ctx context.Context, turnID string) context.Context {
	return context.WithValue(ctx, turnIDKey, turnID)
}

// TurnIDFromContext returns the turn ID attached to ctx. Missing IDs are generated with
// a "gen_" prefix, see IsGeneratedTurnID.
func TurnIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(turnIDKey).(string); ok && v != "" {
		return v
	}
	log.Ctx(ctx).Debug().Msg("turn ID not found in context")
	return generatedTurnIDPrefix + shortuuid.New()
}

// IsGeneratedTurnID reports whether id was made up by TurnIDFromContext rather than set by a publisher.
func IsGeneratedTurnID(id string) bool {
	return strings.HasPrefix(id, generatedTurnIDPrefix)
}

// TurnPublisherDecorator stamps every outgoing message with the turn ID found in its
// context, unless the message already carries one.
type TurnPublisherDecorator struct {
	message.Publisher
}

func (c TurnPublisherDecorator) Publish(topic string, messages ...*message.Message) error {
	for i := range messages {
		if messages[i].Metadata.Get(TurnIDMetadataKey) != "" {
			continue
		}
		messages[i].Metadata.Set(TurnIDMetadataKey, TurnIDFromContext(messages[i].Context()))
	}
	return c.Publisher.Publish(topic, messages...)
}
