package stream

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/turnstream/pkg/events"
	"github.com/go-go-golems/turnstream/pkg/transcript"
	"github.com/go-go-golems/turnstream/pkg/turns"
)

type snapshotRecorder struct {
	mu        sync.Mutex
	snapshots []transcript.Snapshot
}

func (r *snapshotRecorder) record(s transcript.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots = append(r.snapshots, s)
}

func (r *snapshotRecorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snapshots)
}

func newStartedAggregator() *transcript.Aggregator {
	a := transcript.NewAggregator(transcript.WithLogger(zerolog.Nop()))
	a.Start("t1", "hi")
	return a
}

func publishTurn(t *testing.T, p Publisher) {
	t.Helper()
	ctx := context.Background()
	for _, e := range []events.Event{
		events.NewTextDeltaEvent(md(), "Let me check"),
		events.NewToolCallEvent(md(), "a", "ls", map[string]any{"path": "."}),
		events.NewToolResultEvent(md(), "a", "go.mod", false),
		events.NewTextDeltaEvent(md(), "Found"),
		events.NewTextEvent(md(), "Found go.mod"),
	} {
		_, err := p.Publish(ctx, "s1", e)
		require.NoError(t, err)
	}
}

func expectedTurnBlocks() []turns.ContentBlock {
	return []turns.ContentBlock{
		turns.NewTextBlock("Let me check"),
		turns.WithResult(turns.NewToolCallBlock("a", "ls", map[string]any{"path": "."}), "go.mod", false),
		turns.NewTextBlock("Found go.mod"),
	}
}

func TestPumpRunsToCompletion(t *testing.T) {
	feed := NewScriptedFeed()
	publishTurn(t, feed)
	feed.Append("s1", Message{Kind: "text_delta", Data: []byte(`{"content":"after the end"}`)})

	rec := &snapshotRecorder{}
	agg := newStartedAggregator()
	s, err := NewPump(feed, WithSnapshotHandler(rec.record), WithPumpLogger(zerolog.Nop())).
		Run(context.Background(), "s1", CursorStart, agg)
	require.NoError(t, err)

	assert.Equal(t, turns.StatusComplete, s.Status)
	assert.Equal(t, expectedTurnBlocks(), s.Blocks)
	assert.Equal(t, 5, rec.len())
	assert.Equal(t, "5", agg.Cursor())
}

func TestPumpAbsorbsMalformedMessages(t *testing.T) {
	feed := NewScriptedFeed()
	feed.Append("s1",
		Message{Kind: "text_delta", Data: []byte(`{"content":"ok"}`)},
		Message{Kind: "text_delta", Data: []byte(`{"content":`)},
		Message{Kind: "bogus", Data: []byte(`{}`)},
		Message{Kind: "text", Data: []byte(`{"content":"ok!"}`)},
	)

	agg := newStartedAggregator()
	s, err := NewPump(feed, WithPumpLogger(zerolog.Nop())).Run(context.Background(), "s1", CursorStart, agg)
	require.NoError(t, err)
	assert.Equal(t, turns.StatusComplete, s.Status)
	assert.Equal(t, []turns.ContentBlock{turns.NewTextBlock("ok!")}, s.Blocks)
}

func TestPumpFailsOnTransportError(t *testing.T) {
	feed := NewScriptedFeed()
	publishTurn(t, feed)
	feed.FailAfter("s1", 2, errors.New("connection reset"))

	agg := newStartedAggregator()
	s, err := NewPump(feed, WithPumpLogger(zerolog.Nop())).Run(context.Background(), "s1", CursorStart, agg)
	require.Error(t, err)
	assert.ErrorIs(t, err, transcript.ErrTransport)

	assert.Equal(t, turns.StatusError, s.Status)
	assert.Contains(t, s.Error, "connection reset")
	require.Len(t, s.Blocks, 2)
	assert.Equal(t, "Let me check", s.Blocks[0].Text)
	assert.False(t, s.Blocks[1].HasResult())
}

func TestPumpFailsWhenStreamEndsEarly(t *testing.T) {
	feed := NewScriptedFeed()
	feed.Append("s1", Message{Kind: "text_delta", Data: []byte(`{"content":"partial"}`)})

	agg := newStartedAggregator()
	s, err := NewPump(feed, WithPumpLogger(zerolog.Nop())).Run(context.Background(), "s1", CursorStart, agg)
	assert.ErrorIs(t, err, transcript.ErrTransport)
	assert.Equal(t, turns.StatusError, s.Status)
	assert.Equal(t, []turns.ContentBlock{turns.NewTextBlock("partial")}, s.Blocks)
}

func TestPumpRetriesFromCursor(t *testing.T) {
	feed := NewScriptedFeed()
	publishTurn(t, feed)
	feed.FailAfter("s1", 3, errors.New("connection reset"))

	rec := &snapshotRecorder{}
	agg := newStartedAggregator()
	s, err := NewPump(feed,
		WithRetries(1, time.Millisecond),
		WithSnapshotHandler(rec.record),
		WithPumpLogger(zerolog.Nop()),
	).Run(context.Background(), "s1", CursorStart, agg)
	require.NoError(t, err)

	assert.Equal(t, turns.StatusComplete, s.Status)
	assert.Equal(t, expectedTurnBlocks(), s.Blocks)
	// every message is applied once
	assert.Equal(t, 5, rec.len())
}

func TestPumpResume(t *testing.T) {
	feed := NewScriptedFeed()
	publishTurn(t, feed)

	// apply the first three by hand, as a dropped pump would have
	agg := newStartedAggregator()
	for _, m := range feed.Messages("s1")[:3] {
		agg.ApplyEnvelope(m.Envelope())
	}
	require.Equal(t, "3", agg.Cursor())

	s, err := NewPump(NewScriptedFeed(), WithPumpLogger(zerolog.Nop())).Resume(context.Background(), "s1", agg)
	// an empty feed ends early
	assert.ErrorIs(t, err, transcript.ErrTransport)
	assert.Equal(t, turns.StatusError, s.Status)

	agg = newStartedAggregator()
	for _, m := range feed.Messages("s1")[:3] {
		agg.ApplyEnvelope(m.Envelope())
	}
	healthy := NewScriptedFeed()
	publishTurn(t, healthy)
	s, err = NewPump(healthy, WithPumpLogger(zerolog.Nop())).Resume(context.Background(), "s1", agg)
	require.NoError(t, err)
	assert.Equal(t, expectedTurnBlocks(), s.Blocks)
}

func TestPumpResumeSkipsEarlierTurns(t *testing.T) {
	feed := NewScriptedFeed()
	feed.Append("s1",
		Message{Kind: "text_delta", Data: []byte(`{"content":"old"}`)},
		Message{Kind: "text", Data: []byte(`{"content":"old answer"}`)},
	)
	pump := NewPump(feed, WithPumpLogger(zerolog.Nop()))

	// never subscribed, so there is nothing safe to resume from
	agg := newStartedAggregator()
	s, err := pump.Resume(context.Background(), "s1", agg)
	assert.ErrorIs(t, err, ErrNoCursor)
	assert.Equal(t, turns.StatusRunning, s.Status)
	assert.Empty(t, s.Blocks)

	// a subscription that dropped before the turn's first event
	sub, err := feed.Subscribe(context.Background(), "s1", CursorLatest, func(_ context.Context, m Message) error {
		agg.ApplyEnvelope(m.Envelope())
		return nil
	})
	require.NoError(t, err)
	agg.Anchor(sub.Cursor())
	waitDone(t, sub)
	require.Equal(t, "2", agg.Cursor())

	publishTurn(t, feed)
	s, err = pump.Resume(context.Background(), "s1", agg)
	require.NoError(t, err)
	assert.Equal(t, turns.StatusComplete, s.Status)
	assert.Equal(t, expectedTurnBlocks(), s.Blocks)
}

func TestPumpCancel(t *testing.T) {
	feed := NewScriptedFeed(WithHoldOpen())
	feed.Append("s1", Message{Kind: "text_delta", Data: []byte(`{"content":"partial"}`)})

	rec := &snapshotRecorder{}
	agg := newStartedAggregator()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	var (
		s   transcript.Snapshot
		err error
	)
	go func() {
		defer close(done)
		s, err = NewPump(feed, WithSnapshotHandler(rec.record), WithPumpLogger(zerolog.Nop())).
			Run(ctx, "s1", CursorStart, agg)
	}()

	require.Eventually(t, func() bool { return rec.len() == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, turns.StatusError, s.Status)
	assert.Equal(t, "cancelled", s.Error)

	// nothing is applied after release
	n := rec.len()
	feed.Append("s1", Message{Kind: "text", Data: []byte(`{"content":"late"}`)})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n, rec.len())
	assert.Equal(t, turns.StatusError, agg.Status())
}

func TestPumpSettleTimeout(t *testing.T) {
	feed := NewScriptedFeed(WithHoldOpen())
	agg := newStartedAggregator()

	ctx, cancel := context.WithTimeoutCause(context.Background(), 20*time.Millisecond,
		errors.Wrap(transcript.ErrTransport, "no terminal event"))
	defer cancel()

	s, err := NewPump(feed, WithPumpLogger(zerolog.Nop())).Run(ctx, "s1", CursorStart, agg)
	assert.ErrorIs(t, err, transcript.ErrTransport)
	assert.Equal(t, turns.StatusError, s.Status)
	assert.Equal(t, "no terminal event: transport error", s.Error)
}

func TestPumpOverWatermill(t *testing.T) {
	bus := NewWatermillBus()
	defer func() { _ = bus.Close() }()

	agg := newStartedAggregator()
	done := make(chan struct{})
	var s transcript.Snapshot
	go func() {
		defer close(done)
		var err error
		s, err = NewPump(bus, WithPumpLogger(zerolog.Nop())).Run(context.Background(), "s1", CursorStart, agg)
		assert.NoError(t, err)
	}()

	publishTurn(t, bus)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pump did not finish")
	}
	assert.Equal(t, expectedTurnBlocks(), s.Blocks)
}

func TestPumpOverRedis(t *testing.T) {
	f, _ := newTestRedisFeed(t)
	publishTurn(t, f)

	agg := newStartedAggregator()
	s, err := NewPump(f, WithPumpLogger(zerolog.Nop())).Run(context.Background(), "s1", CursorStart, agg)
	require.NoError(t, err)
	assert.Equal(t, turns.StatusComplete, s.Status)
	assert.Equal(t, expectedTurnBlocks(), s.Blocks)
}

func TestPumpReportsResolvedCursor(t *testing.T) {
	feed := NewScriptedFeed()
	feed.Append("s1", Message{Kind: "text_delta", Data: []byte(`{"content":"old turn"}`)})

	var cursors []string
	agg := newStartedAggregator()
	_, err := NewPump(feed,
		WithSubscribedHandler(func(c string) { cursors = append(cursors, c) }),
		WithPumpLogger(zerolog.Nop()),
	).Run(context.Background(), "s1", CursorLatest, agg)
	// nothing after the latest entry, so the feed ends early
	assert.ErrorIs(t, err, transcript.ErrTransport)
	assert.Equal(t, []string{"1"}, cursors)
	assert.Empty(t, agg.Snapshot().Blocks)
	assert.Equal(t, "1", agg.Cursor())
}
