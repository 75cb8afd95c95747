package stream

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/turnstream/pkg/events"
	"github.com/go-go-golems/turnstream/pkg/helpers"
)

const (
	metadataSequenceNumber = "sequence_number"
	metadataSessionID      = "session_id"
	metadataEventType      = "event_type"
)

// WatermillBus is an in-process session event transport over a persistent watermill
// gochannel. Every session has its own topic. Publish stamps a per-session sequence
// number, which serves as the resume cursor.
type WatermillBus struct {
	logger     watermill.LoggerAdapter
	Publisher  message.Publisher
	Subscriber message.Subscriber

	mu        sync.Mutex
	sequences map[string]uint64
}

type WatermillBusOption func(*WatermillBus)

func WithWatermillLogger(logger watermill.LoggerAdapter) WatermillBusOption {
	return func(b *WatermillBus) {
		b.logger = logger
	}
}

// WithVerbose routes watermill internals to the global zerolog logger.
func WithVerbose(verbose bool) WatermillBusOption {
	return func(b *WatermillBus) {
		if verbose {
			b.logger = helpers.NewWatermill(log.Logger, helpers.WithTopicSessions(SessionFromKey))
		}
	}
}

func NewWatermillBus(options ...WatermillBusOption) *WatermillBus {
	ret := &WatermillBus{
		logger:    watermill.NopLogger{},
		sequences: map[string]uint64{},
	}
	for _, o := range options {
		o(ret)
	}

	goPubSub := gochannel.NewGoChannel(gochannel.Config{
		Persistent: true,
	}, ret.logger)
	ret.Publisher = helpers.TurnPublisherDecorator{Publisher: goPubSub}
	ret.Subscriber = goPubSub

	return ret
}

// Publish appends e to the session topic and returns its sequence number.
func (b *WatermillBus) Publish(ctx context.Context, sessionID string, e events.Event) (string, error) {
	m, err := MessageFromEvent(sessionID, e)
	if err != nil {
		return "", err
	}

	// the lock orders sequence numbers and publishes
	b.mu.Lock()
	defer b.mu.Unlock()

	seq := b.sequences[sessionID] + 1
	m.ID = strconv.FormatUint(seq, 10)

	payload, err := json.Marshal(m)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal message")
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set(metadataSequenceNumber, m.ID)
	msg.Metadata.Set(metadataSessionID, sessionID)
	msg.Metadata.Set(metadataEventType, m.Kind)
	if m.TurnID != "" {
		ctx = helpers.ContextWithTurnID(ctx, m.TurnID)
	}
	msg.SetContext(ctx)

	topic := StreamKey(sessionID)
	if err := b.Publisher.Publish(topic, msg); err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("Failed to publish event to watermill")
		return "", errors.Wrapf(err, "failed to publish to %s", topic)
	}
	b.sequences[sessionID] = seq

	log.Trace().Str("topic", topic).Str("event_type", m.Kind).Str("sequence_number", m.ID).Msg("Published event to watermill")
	return m.ID, nil
}

func (b *WatermillBus) lastSequence(sessionID string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strconv.FormatUint(b.sequences[sessionID], 10)
}

// Subscribe delivers the messages of the session topic with a sequence number after cursor.
// A persistent gochannel replays the topic history to every new subscriber, so older
// messages are acknowledged and skipped.
func (b *WatermillBus) Subscribe(ctx context.Context, sessionID string, cursor string, handler Handler) (*Subscription, error) {
	if cursor == CursorLatest {
		cursor = b.lastSequence(sessionID)
	}

	ctx, cancel := context.WithCancel(ctx)
	topic := StreamKey(sessionID)
	ch, err := b.Subscriber.Subscribe(ctx, topic)
	if err != nil {
		cancel()
		return nil, errors.Wrapf(err, "failed to subscribe to %s", topic)
	}

	run := func(ctx context.Context, deliver func(Message) error) error {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case msg, ok := <-ch:
				if !ok {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					return errors.Errorf("subscription to %s closed", topic)
				}
				if err := b.handleMessage(msg, cursor, deliver); err != nil {
					return err
				}
			}
		}
	}

	return startSubscription(ctx, cursor, handler, run), nil
}

func (b *WatermillBus) handleMessage(msg *message.Message, cursor string, deliver func(Message) error) error {
	defer msg.Ack()

	seq := msg.Metadata.Get(metadataSequenceNumber)
	if !After(seq, cursor) {
		return nil
	}

	var m Message
	if err := json.Unmarshal(msg.Payload, &m); err != nil {
		// forward the broken entry, decoding errors are the consumer's concern
		log.Warn().Err(err).Str("message_id", msg.UUID).Msg("Failed to parse message payload")
		m = Message{Kind: msg.Metadata.Get(metadataEventType), Data: json.RawMessage(msg.Payload)}
	}
	m.ID = seq
	if m.SessionID == "" {
		m.SessionID = msg.Metadata.Get(metadataSessionID)
	}
	if id := msg.Metadata.Get(helpers.TurnIDMetadataKey); m.TurnID == "" && !helpers.IsGeneratedTurnID(id) {
		m.TurnID = id
	}
	return deliver(m)
}

func (b *WatermillBus) Close() error {
	log.Debug().Msg("Closing publisher")
	err := b.Publisher.Close()
	if err != nil {
		log.Error().Err(err).Msg("Failed to close pubsub")
		return err
	}
	log.Debug().Msg("Publisher closed")
	return nil
}

var _ Feed = (*WatermillBus)(nil)
var _ Publisher = (*WatermillBus)(nil)
