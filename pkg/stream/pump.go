package stream

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/turnstream/pkg/transcript"
)

// SnapshotFunc receives every snapshot produced while pumping, on the subscription goroutine.
type SnapshotFunc func(transcript.Snapshot)

// Pump drives an Aggregator from a Feed subscription.
//
// The subscription is released on the terminal text event, on a transport error once
// the retries are used up (the turn fails with ErrTransport), and on context
// cancellation (the turn is cancelled). If the context was cancelled with a cause
// wrapping ErrTransport, such as a settle timeout, the turn fails with that cause instead.
type Pump struct {
	feed         Feed
	onSnapshot   SnapshotFunc
	onSubscribed func(cursor string)
	retries      int
	backoff      time.Duration
	logger       zerolog.Logger
}

type PumpOption func(*Pump)

func WithSnapshotHandler(f SnapshotFunc) PumpOption {
	return func(p *Pump) {
		p.onSnapshot = f
	}
}

// WithSubscribedHandler is called with the resolved cursor every time a subscription
// is established, before any message is delivered on it.
func WithSubscribedHandler(f func(cursor string)) PumpOption {
	return func(p *Pump) {
		p.onSubscribed = f
	}
}

// WithRetries resumes a dropped subscription up to n times from its last cursor.
func WithRetries(n int, backoff time.Duration) PumpOption {
	return func(p *Pump) {
		p.retries = n
		p.backoff = backoff
	}
}

func WithPumpLogger(logger zerolog.Logger) PumpOption {
	return func(p *Pump) {
		p.logger = logger
	}
}

func NewPump(feed Feed, options ...PumpOption) *Pump {
	ret := &Pump{
		feed:         feed,
		onSnapshot:   func(transcript.Snapshot) {},
		onSubscribed: func(string) {},
		logger:       log.With().Str("component", "pump").Logger(),
	}
	for _, o := range options {
		o(ret)
	}
	return ret
}

// Run subscribes to the session from cursor and applies every message to agg until the
// turn is terminal. agg must have been started. The terminal snapshot is returned along
// with the transport or context error that ended the turn, if any.
func (p *Pump) Run(ctx context.Context, sessionID string, cursor string, agg *transcript.Aggregator) (transcript.Snapshot, error) {
	attempt := 0
	for {
		next, err := p.runOnce(ctx, sessionID, cursor, agg)
		if err == nil {
			return agg.Snapshot(), nil
		}

		if ctx.Err() != nil {
			cause := context.Cause(ctx)
			var s transcript.Snapshot
			if errors.Is(cause, transcript.ErrTransport) {
				s = agg.Fail(cause)
			} else {
				s = agg.Cancel()
			}
			p.onSnapshot(s)
			return s, cause
		}

		if attempt < p.retries {
			attempt++
			cursor = next
			p.logger.Warn().Err(err).
				Str("session_id", sessionID).
				Str("cursor", cursor).
				Int("attempt", attempt).
				Msg("subscription dropped, resuming")
			// cancellation during the backoff is handled by the next attempt
			_ = sleep(ctx, p.backoff)
			continue
		}

		terr := errors.Wrap(transcript.ErrTransport, err.Error())
		s := agg.Fail(terr)
		p.onSnapshot(s)
		return s, terr
	}
}

// ErrNoCursor is returned by Resume for a turn that was never subscribed.
var ErrNoCursor = errors.New("turn has no resume cursor")

// Resume continues pumping a turn after a dropped subscription, from the last event the
// aggregator applied, or from where its first subscription started if none was applied.
// Already applied state is never rewound.
func (p *Pump) Resume(ctx context.Context, sessionID string, agg *transcript.Aggregator) (transcript.Snapshot, error) {
	cursor := agg.Cursor()
	if cursor == "" {
		return agg.Snapshot(), ErrNoCursor
	}
	return p.Run(ctx, sessionID, cursor, agg)
}

// runOnce pumps one subscription. It returns the cursor to resume from and nil once the
// turn is terminal.
func (p *Pump) runOnce(ctx context.Context, sessionID string, cursor string, agg *transcript.Aggregator) (string, error) {
	if agg.Status().IsTerminal() {
		return cursor, nil
	}

	handler := func(ctx context.Context, msg Message) error {
		s := agg.ApplyEnvelope(msg.Envelope())
		p.onSnapshot(s)
		if s.IsTerminal() {
			return ErrStop
		}
		return nil
	}

	sub, err := p.feed.Subscribe(ctx, sessionID, cursor, handler)
	if err != nil {
		return cursor, err
	}
	agg.Anchor(sub.Cursor())
	p.onSubscribed(sub.Cursor())

	select {
	case <-sub.Done():
	case <-ctx.Done():
		sub.Close()
	}

	if agg.Status().IsTerminal() {
		return sub.Cursor(), nil
	}
	if err := sub.Err(); err != nil {
		return sub.Cursor(), err
	}
	return sub.Cursor(), errors.New("stream closed before the terminal event")
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
