package stream

import (
	"context"
	"strconv"
	"sync"

	"github.com/pkg/errors"

	"github.com/go-go-golems/turnstream/pkg/events"
)

type scriptedFailure struct {
	after int
	err   error
}

// ScriptedFeed is an in-memory Feed and Publisher over recorded messages. It backs
// offline aggregation of recorded event files and tests.
type ScriptedFeed struct {
	mu       sync.Mutex
	scripts  map[string][]Message
	failures map[string][]scriptedFailure
	holdOpen bool
	notify   chan struct{}
}

type ScriptedFeedOption func(*ScriptedFeed)

// WithHoldOpen keeps subscriptions open after the last recorded message, waiting for
// more to be published, instead of ending them with ErrEndOfFeed.
func WithHoldOpen() ScriptedFeedOption {
	return func(f *ScriptedFeed) {
		f.holdOpen = true
	}
}

func NewScriptedFeed(options ...ScriptedFeedOption) *ScriptedFeed {
	ret := &ScriptedFeed{
		scripts:  map[string][]Message{},
		failures: map[string][]scriptedFailure{},
		notify:   make(chan struct{}),
	}
	for _, o := range options {
		o(ret)
	}
	return ret
}

// Append records raw messages. Messages without an ID get the next sequence number.
func (f *ScriptedFeed) Append(sessionID string, msgs ...Message) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, m := range msgs {
		f.appendLocked(sessionID, m)
	}
}

func (f *ScriptedFeed) appendLocked(sessionID string, m Message) string {
	if m.ID == "" {
		m.ID = strconv.Itoa(len(f.scripts[sessionID]) + 1)
	}
	if m.SessionID == "" {
		m.SessionID = sessionID
	}
	f.scripts[sessionID] = append(f.scripts[sessionID], m)
	close(f.notify)
	f.notify = make(chan struct{})
	return m.ID
}

// Publish records a typed event.
func (f *ScriptedFeed) Publish(_ context.Context, sessionID string, e events.Event) (string, error) {
	m, err := MessageFromEvent(sessionID, e)
	if err != nil {
		return "", err
	}
	m.ID = e.Metadata().ID

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.appendLocked(sessionID, m), nil
}

// FailAfter makes the next subscription to sessionID break with err after delivering n messages.
func (f *ScriptedFeed) FailAfter(sessionID string, n int, err error) {
	if err == nil {
		err = errors.New("scripted transport failure")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[sessionID] = append(f.failures[sessionID], scriptedFailure{after: n, err: err})
}

// Messages returns a copy of the recorded messages of a session.
func (f *ScriptedFeed) Messages(sessionID string) []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Message(nil), f.scripts[sessionID]...)
}

func (f *ScriptedFeed) Subscribe(ctx context.Context, sessionID string, cursor string, handler Handler) (*Subscription, error) {
	f.mu.Lock()
	var failure *scriptedFailure
	if fs := f.failures[sessionID]; len(fs) > 0 {
		failure = &fs[0]
		f.failures[sessionID] = fs[1:]
	}
	if cursor == CursorLatest {
		cursor = CursorStart
		if msgs := f.scripts[sessionID]; len(msgs) > 0 {
			cursor = msgs[len(msgs)-1].ID
		}
	}
	f.mu.Unlock()

	run := func(ctx context.Context, deliver func(Message) error) error {
		pos := 0
		delivered := 0
		for {
			f.mu.Lock()
			msgs := f.scripts[sessionID]
			notify := f.notify
			f.mu.Unlock()

			for ; pos < len(msgs); pos++ {
				m := msgs[pos]
				if !After(m.ID, cursor) {
					continue
				}
				if failure != nil && delivered >= failure.after {
					return errors.Wrapf(failure.err, "scripted failure after %d messages", delivered)
				}
				if err := deliver(m); err != nil {
					return err
				}
				delivered++
			}

			if failure != nil && delivered >= failure.after {
				return errors.Wrapf(failure.err, "scripted failure after %d messages", delivered)
			}
			if !f.holdOpen {
				return ErrEndOfFeed
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-notify:
			}
		}
	}

	return startSubscription(ctx, cursor, handler, run), nil
}

var _ Feed = (*ScriptedFeed)(nil)
var _ Publisher = (*ScriptedFeed)(nil)
