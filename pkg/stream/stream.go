package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/go-go-golems/turnstream/pkg/events"
)

// Cursor values understood by every Feed.
const (
	// CursorStart replays the session stream from its first retained entry.
	CursorStart = "0"
	// CursorLatest only delivers entries published after the subscription was opened.
	CursorLatest = "$"
)

var (
	// ErrStop can be returned by a Handler to end the subscription without error.
	ErrStop = errors.New("stop subscription")
	// ErrClosed is reported by Subscription.Err when the subscription was released by its owner.
	ErrClosed = errors.New("subscription closed")
	// ErrEndOfFeed is reported when a finite feed ran out of entries.
	ErrEndOfFeed = errors.New("end of feed")
)

// Message is one raw entry of a session event stream.
type Message struct {
	// ID is the transport cursor of the entry.
	ID        string          `json:"id"`
	Kind      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	SessionID string          `json:"session_id,omitempty"`
	TurnID    string          `json:"turn_id,omitempty"`
}

func (m Message) MarshalZerologObject(e *zerolog.Event) {
	e.Str("message_id", m.ID).Str("kind", m.Kind)
	if m.SessionID != "" {
		e.Str("session_id", m.SessionID)
	}
}

// Envelope converts the raw entry to the events wire form.
func (m Message) Envelope() events.Envelope {
	return events.Envelope{
		ID:        m.ID,
		Type:      m.Kind,
		Data:      m.Data,
		SessionID: m.SessionID,
		TurnID:    m.TurnID,
	}
}

// MessageFromEvent converts a typed event into a raw entry. The ID is left to the transport.
func MessageFromEvent(sessionID string, e events.Event) (Message, error) {
	env, err := events.ToEnvelope(e)
	if err != nil {
		return Message{}, err
	}
	return Message{
		Kind:      env.Type,
		Data:      env.Data,
		SessionID: sessionID,
		TurnID:    env.TurnID,
	}, nil
}

// Handler is called serially, once per delivered message, on the subscription goroutine.
// Returning ErrStop ends the subscription cleanly; any other error ends it with that error.
type Handler func(ctx context.Context, msg Message) error

// Feed opens subscriptions to the event stream of a session.
type Feed interface {
	// Subscribe starts delivering the entries after cursor to handler.
	// CursorStart replays from the beginning, CursorLatest only delivers new entries.
	Subscribe(ctx context.Context, sessionID string, cursor string, handler Handler) (*Subscription, error)
}

// Publisher appends events to the stream of a session.
type Publisher interface {
	// Publish appends e and returns the ID assigned by the transport.
	Publish(ctx context.Context, sessionID string, e events.Event) (string, error)
}

// StreamKey is the name of the stream carrying the events of a session.
func StreamKey(sessionID string) string {
	return fmt.Sprintf("session:%s:events", sessionID)
}

// SessionFromKey is the inverse of StreamKey.
func SessionFromKey(key string) (string, bool) {
	if !strings.HasPrefix(key, "session:") || !strings.HasSuffix(key, ":events") {
		return "", false
	}
	id := strings.TrimSuffix(strings.TrimPrefix(key, "session:"), ":events")
	return id, id != ""
}

// Subscription is the handle of one running subscription.
//
// Close releases it. Once Close has returned, the handler is not called again,
// even if undelivered entries remain. Close must not be called from inside the
// handler; return ErrStop there instead.
type Subscription struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	err    error
	cursor string
	closed bool
}

// runFunc is the transport loop of a subscription. It calls deliver for every entry
// and returns when ctx is done, deliver fails or the transport breaks.
type runFunc func(ctx context.Context, deliver func(Message) error) error

func startSubscription(ctx context.Context, cursor string, handler Handler, run runFunc) *Subscription {
	ctx, cancel := context.WithCancel(ctx)
	s := &Subscription{
		cancel: cancel,
		done:   make(chan struct{}),
		cursor: cursor,
	}

	deliver := func(m Message) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := handler(ctx, m)
		s.mu.Lock()
		s.cursor = m.ID
		s.mu.Unlock()
		return err
	}

	go func() {
		defer close(s.done)
		defer cancel()
		err := run(ctx, deliver)
		s.finish(ctx, err)
	}()

	return s
}

func (s *Subscription) finish(ctx context.Context, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case errors.Is(err, ErrStop):
		s.err = nil
	case s.closed:
		s.err = ErrClosed
	case ctx.Err() != nil:
		s.err = ctx.Err()
	default:
		s.err = err
	}
}

// Close releases the subscription and waits for its goroutine to exit. It is idempotent.
func (s *Subscription) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	<-s.done
}

// Done is closed once the subscription has ended.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err returns why the subscription ended: nil after ErrStop or a clean end,
// ErrClosed after Close, the context error after cancellation, or the transport error.
// It is only meaningful once Done is closed.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Cursor returns the ID of the last delivered entry, or the starting cursor if nothing
// was delivered yet. It is the position a resumed subscription should start from.
func (s *Subscription) Cursor() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// CompareIDs orders stream entry IDs. Both "<ms>-<seq>" entry IDs and plain
// sequence numbers are compared numerically, anything else lexically.
func CompareIDs(a, b string) int {
	a1, a2, aok := parseID(a)
	b1, b2, bok := parseID(b)
	if !aok || !bok {
		return strings.Compare(a, b)
	}
	switch {
	case a1 < b1:
		return -1
	case a1 > b1:
		return 1
	case a2 < b2:
		return -1
	case a2 > b2:
		return 1
	}
	return 0
}

// After reports whether id lies after cursor. The empty cursor and CursorStart precede everything.
func After(id, cursor string) bool {
	if cursor == "" || cursor == CursorStart {
		return true
	}
	return CompareIDs(id, cursor) > 0
}

func parseID(id string) (uint64, uint64, bool) {
	ms, seq, found := strings.Cut(id, "-")
	a, err := strconv.ParseUint(ms, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	if !found {
		return a, 0, true
	}
	b, err := strconv.ParseUint(seq, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return a, b, true
}
