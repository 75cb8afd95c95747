package transcript

import (
	"strconv"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/turnstream/pkg/events"
	"github.com/go-go-golems/turnstream/pkg/turns"
)

func newTestAggregator() *Aggregator {
	return NewAggregator(WithLogger(zerolog.Nop()))
}

// seq assigns increasing ids to events, the way a stream transport would.
type seq struct {
	n int
}

func (s *seq) md() events.EventMetadata {
	s.n++
	return events.EventMetadata{ID: strconv.Itoa(s.n) + "-0", SessionID: "s1", TurnID: "t1"}
}

func text(s string) turns.ContentBlock { return turns.NewTextBlock(s) }

func call(id, name string, args any) turns.ContentBlock {
	return turns.NewToolCallBlock(id, name, args)
}

func resolved(id, name string, args any, result any, isError bool) turns.ContentBlock {
	return turns.WithResult(turns.NewToolCallBlock(id, name, args), result, isError)
}

func TestAggregatorStart(t *testing.T) {
	a := newTestAggregator()
	assert.Equal(t, turns.StatusPending, a.Status())

	s := a.Start("t1", "hello")
	assert.Equal(t, "t1", s.TurnID)
	require.NotNil(t, s.UserText)
	assert.Equal(t, "hello", *s.UserText)
	assert.Equal(t, turns.StatusRunning, s.Status)
	assert.NotNil(t, s.Blocks)
	assert.Empty(t, s.Blocks)
	assert.Empty(t, a.Cursor())
}

func TestAggregatorApply(t *testing.T) {
	args := map[string]any{"path": "."}

	tests := []struct {
		name           string
		events         func(s *seq) []events.Event
		expectedBlocks []turns.ContentBlock
		expectedStatus turns.TurnStatus
	}{
		{
			name: "deltas accumulate into one text block",
			events: func(s *seq) []events.Event {
				return []events.Event{
					events.NewTextDeltaEvent(s.md(), "Hel"),
					events.NewTextDeltaEvent(s.md(), "lo"),
				}
			},
			expectedBlocks: []turns.ContentBlock{text("Hello")},
			expectedStatus: turns.StatusRunning,
		},
		{
			name: "tool call closes open text",
			events: func(s *seq) []events.Event {
				return []events.Event{
					events.NewTextDeltaEvent(s.md(), "before"),
					events.NewToolCallEvent(s.md(), "a", "ls", args),
					events.NewTextDeltaEvent(s.md(), "after"),
				}
			},
			expectedBlocks: []turns.ContentBlock{text("before"), call("a", "ls", args), text("after")},
			expectedStatus: turns.StatusRunning,
		},
		{
			name: "interleaved calls keep registration order regardless of result order",
			events: func(s *seq) []events.Event {
				return []events.Event{
					events.NewToolCallEvent(s.md(), "A", "ls", args),
					events.NewTextDeltaEvent(s.md(), "x"),
					events.NewToolCallEvent(s.md(), "B", "cat", nil),
					events.NewTextDeltaEvent(s.md(), "y"),
					events.NewToolResultEvent(s.md(), "B", "b-out", false),
					events.NewToolResultEvent(s.md(), "A", "a-out", true),
				}
			},
			expectedBlocks: []turns.ContentBlock{
				resolved("A", "ls", args, "a-out", true),
				text("x"),
				resolved("B", "cat", nil, "b-out", false),
				text("y"),
			},
			expectedStatus: turns.StatusRunning,
		},
		{
			name: "result before its call is dropped",
			events: func(s *seq) []events.Event {
				return []events.Event{
					events.NewToolResultEvent(s.md(), "B", "early", false),
					events.NewToolCallEvent(s.md(), "B", "cat", nil),
				}
			},
			expectedBlocks: []turns.ContentBlock{call("B", "cat", nil)},
			expectedStatus: turns.StatusRunning,
		},
		{
			name: "terminal text overrides streamed text",
			events: func(s *seq) []events.Event {
				return []events.Event{
					events.NewTextDeltaEvent(s.md(), "partial"),
					events.NewTextEvent(s.md(), "final and complete"),
				}
			},
			expectedBlocks: []turns.ContentBlock{text("final and complete")},
			expectedStatus: turns.StatusComplete,
		},
		{
			name: "terminal text replaces the last text block after a tool call",
			events: func(s *seq) []events.Event {
				return []events.Event{
					events.NewTextDeltaEvent(s.md(), "first"),
					events.NewToolCallEvent(s.md(), "a", "ls", args),
					events.NewToolResultEvent(s.md(), "a", "ok", false),
					events.NewTextEvent(s.md(), "done"),
				}
			},
			expectedBlocks: []turns.ContentBlock{text("done"), resolved("a", "ls", args, "ok", false)},
			expectedStatus: turns.StatusComplete,
		},
		{
			name: "terminal text without any text block appends one",
			events: func(s *seq) []events.Event {
				return []events.Event{
					events.NewToolCallEvent(s.md(), "a", "ls", args),
					events.NewTextEvent(s.md(), "done"),
				}
			},
			expectedBlocks: []turns.ContentBlock{call("a", "ls", args), text("done")},
			expectedStatus: turns.StatusComplete,
		},
		{
			name: "events after terminal text are ignored",
			events: func(s *seq) []events.Event {
				return []events.Event{
					events.NewTextEvent(s.md(), "done"),
					events.NewTextDeltaEvent(s.md(), "late"),
					events.NewToolCallEvent(s.md(), "a", "ls", args),
				}
			},
			expectedBlocks: []turns.ContentBlock{text("done")},
			expectedStatus: turns.StatusComplete,
		},
		{
			name: "duplicate tool call keeps the original",
			events: func(s *seq) []events.Event {
				return []events.Event{
					events.NewTextDeltaEvent(s.md(), "a"),
					events.NewToolCallEvent(s.md(), "a", "ls", args),
					events.NewTextDeltaEvent(s.md(), "b"),
					events.NewToolCallEvent(s.md(), "a", "rm", nil),
					events.NewTextDeltaEvent(s.md(), "c"),
				}
			},
			expectedBlocks: []turns.ContentBlock{text("a"), call("a", "ls", args), text("bc")},
			expectedStatus: turns.StatusRunning,
		},
		{
			name: "empty delta does not open a block",
			events: func(s *seq) []events.Event {
				return []events.Event{
					events.NewTextDeltaEvent(s.md(), ""),
					events.NewToolCallEvent(s.md(), "a", "ls", args),
				}
			},
			expectedBlocks: []turns.ContentBlock{call("a", "ls", args)},
			expectedStatus: turns.StatusRunning,
		},
		{
			name: "malformed events are dropped",
			events: func(s *seq) []events.Event {
				return []events.Event{
					events.NewTextDeltaEvent(s.md(), "x"),
					events.NewToolCallEvent(s.md(), "", "ls", nil),
					events.NewToolResultEvent(s.md(), "", "?", false),
					nil,
				}
			},
			expectedBlocks: []turns.ContentBlock{text("x")},
			expectedStatus: turns.StatusRunning,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestAggregator()
			a.Start("t1", "hi")

			var last Snapshot
			for _, e := range tt.events(&seq{}) {
				last = a.Apply(e)
			}
			assert.Equal(t, tt.expectedStatus, last.Status)
			assert.Equal(t, tt.expectedBlocks, last.Blocks)
			assert.True(t, last.Equal(a.Snapshot()))
		})
	}
}

func recordedSequence() []events.Event {
	s := &seq{}
	return []events.Event{
		events.NewTextDeltaEvent(s.md(), "Let me "),
		events.NewTextDeltaEvent(s.md(), "look."),
		events.NewToolCallEvent(s.md(), "A", "list_files", map[string]any{"path": "."}),
		events.NewToolCallEvent(s.md(), "B", "read_file", map[string]any{"path": "go.mod"}),
		events.NewToolResultEvent(s.md(), "B", []any{map[string]any{"type": "text", "text": "module x"}}, false),
		events.NewTextDeltaEvent(s.md(), "Found it"),
		events.NewToolResultEvent(s.md(), "A", "denied", true),
		events.NewTextEvent(s.md(), "Found it."),
	}
}

func TestAggregatorIdempotentAcrossInstances(t *testing.T) {
	a1 := newTestAggregator()
	a2 := newTestAggregator()
	a1.Start("t1", "what is in here?")
	a2.Start("t1", "what is in here?")

	for _, e := range recordedSequence() {
		a1.Apply(e)
	}
	for _, e := range recordedSequence() {
		a2.Apply(e)
	}

	s1 := a1.Snapshot()
	s2 := a2.Snapshot()
	assert.Equal(t, turns.StatusComplete, s1.Status)
	assert.True(t, s1.Equal(s2))
	assert.Equal(t, s1, s2)
	require.Len(t, s1.Blocks, 4)
	assert.Equal(t, "Let me look.", s1.Blocks[0].Text)
	assert.Equal(t, "Found it.", s1.Blocks[3].Text)
}

func TestAggregatorSnapshotIsStable(t *testing.T) {
	a := newTestAggregator()
	a.Start("t1", "hi")
	for _, e := range recordedSequence()[:5] {
		a.Apply(e)
	}

	s1 := a.Snapshot()
	s2 := a.Snapshot()
	assert.True(t, s1.Equal(s2))

	// mutating a snapshot must not leak into the aggregator
	s1.Blocks[0].Text = "changed"
	s1.Blocks[1].Arguments.(map[string]any)["path"] = "/"
	*s1.UserText = "changed"
	assert.True(t, s2.Equal(a.Snapshot()))
}

func TestAggregatorDuplicateEventID(t *testing.T) {
	a := newTestAggregator()
	a.Start("t1", "hi")

	md := events.EventMetadata{ID: "5-0"}
	a.Apply(events.NewTextDeltaEvent(md, "once"))
	s := a.Apply(events.NewTextDeltaEvent(md, "once"))

	require.Len(t, s.Blocks, 1)
	assert.Equal(t, "once", s.Blocks[0].Text)
	assert.Equal(t, "5-0", a.Cursor())

	// events without ids are never deduplicated
	a.Apply(events.NewTextDeltaEvent(events.EventMetadata{}, "!"))
	s = a.Apply(events.NewTextDeltaEvent(events.EventMetadata{}, "!"))
	assert.Equal(t, "once!!", s.Blocks[0].Text)
	assert.Equal(t, "5-0", a.Cursor())
}

func TestAggregatorResumeAfterDrop(t *testing.T) {
	evs := recordedSequence()

	a := newTestAggregator()
	a.Start("t1", "hi")
	for _, e := range evs[:4] {
		a.Apply(e)
	}
	cursor := a.Cursor()
	assert.Equal(t, evs[3].Metadata().ID, cursor)

	// a resumed subscription re-delivers the last applied event
	for _, e := range evs[3:] {
		a.Apply(e)
	}

	ref := newTestAggregator()
	ref.Start("t1", "hi")
	for _, e := range evs {
		ref.Apply(e)
	}
	assert.Equal(t, ref.Snapshot(), a.Snapshot())
}

func TestAggregatorAnchor(t *testing.T) {
	a := newTestAggregator()
	a.Anchor("7-0")
	assert.Empty(t, a.Cursor(), "not started")

	a.Start("t1", "hi")
	a.Anchor("")
	assert.Empty(t, a.Cursor())
	a.Anchor("7-0")
	assert.Equal(t, "7-0", a.Cursor())
	assert.Empty(t, a.Snapshot().Blocks)

	// applied events take over, and later anchors are ignored
	a.Apply(events.NewTextDeltaEvent(events.EventMetadata{ID: "8-0"}, "x"))
	a.Anchor("9-0")
	assert.Equal(t, "8-0", a.Cursor())

	a.Start("t2", "again")
	assert.Empty(t, a.Cursor())
}

func TestAggregatorMalformedJSON(t *testing.T) {
	a := newTestAggregator()
	a.Start("t1", "hi")
	before := a.ApplyJSON([]byte(`{"id":"1-0","type":"text_delta","data":{"content":"ok"}}`))
	require.Len(t, before.Blocks, 1)

	inputs := [][]byte{
		[]byte(`not json`),
		[]byte(`{"id":"2-0","type":"text_delta","data":{"content":7}}`),
		[]byte(`{"id":"3-0","type":"tool_call","data":{"name":"ls"}}`),
		[]byte(`{"id":"4-0","type":"mystery","data":{}}`),
	}
	for _, in := range inputs {
		s := a.ApplyJSON(in)
		assert.Equal(t, before, s)
		assert.Equal(t, turns.StatusRunning, s.Status)
	}

	s := a.ApplyEnvelope(events.Envelope{ID: "5-0", Type: "text", Data: []byte(`"done"`)})
	assert.Equal(t, before, s)
	assert.Equal(t, "1-0", a.Cursor())
}

func TestAggregatorBeforeStart(t *testing.T) {
	a := newTestAggregator()
	s := a.Apply(events.NewTextDeltaEvent(events.EventMetadata{ID: "1"}, "x"))
	assert.Empty(t, s.Blocks)
	assert.Equal(t, turns.StatusPending, s.Status)

	s = a.Fail(errors.New("boom"))
	assert.Equal(t, turns.StatusPending, s.Status)
}

func TestAggregatorFail(t *testing.T) {
	a := newTestAggregator()
	a.Start("t1", "hi")
	a.Apply(events.NewTextDeltaEvent(events.EventMetadata{ID: "1"}, "partial"))

	s := a.Fail(errors.Wrap(ErrTransport, "connection reset"))
	assert.Equal(t, turns.StatusError, s.Status)
	assert.Equal(t, "connection reset: transport error", s.Error)
	assert.Equal(t, []turns.ContentBlock{text("partial")}, s.Blocks)

	// the turn is closed for good
	s = a.Apply(events.NewTextEvent(events.EventMetadata{ID: "2"}, "final"))
	assert.Equal(t, turns.StatusError, s.Status)
	assert.Equal(t, []turns.ContentBlock{text("partial")}, s.Blocks)

	s = a.Fail(nil)
	assert.Equal(t, "connection reset: transport error", s.Error)
}

func TestAggregatorFailAfterComplete(t *testing.T) {
	a := newTestAggregator()
	a.Start("t1", "hi")
	a.Apply(events.NewTextEvent(events.EventMetadata{ID: "1"}, "done"))

	s := a.Cancel()
	assert.Equal(t, turns.StatusComplete, s.Status)
	assert.Empty(t, s.Error)
}

func TestAggregatorFailSubmission(t *testing.T) {
	a := newTestAggregator()
	a.Start("t1", "hi")

	s := a.FailSubmission(errors.New("dial tcp: connection refused"))
	assert.Equal(t, turns.StatusError, s.Status)
	require.Len(t, s.Blocks, 1)
	assert.Equal(t, "Failed to send message: dial tcp: connection refused", s.Blocks[0].Text)
	assert.Equal(t, "dial tcp: connection refused", s.Error)

	s = a.FailSubmission(errors.New("again"))
	assert.Len(t, s.Blocks, 1)
}

func TestAggregatorCancel(t *testing.T) {
	a := newTestAggregator()
	a.Start("t1", "hi")
	a.Apply(events.NewToolCallEvent(events.EventMetadata{ID: "1"}, "a", "ls", nil))

	s := a.Cancel()
	assert.Equal(t, turns.StatusError, s.Status)
	assert.Equal(t, "cancelled", s.Error)
	assert.Equal(t, []turns.ContentBlock{call("a", "ls", nil)}, s.Blocks)
}

func TestAggregatorRestartClearsState(t *testing.T) {
	a := newTestAggregator()
	a.Start("t1", "hi")
	a.Apply(events.NewToolCallEvent(events.EventMetadata{ID: "1"}, "a", "ls", nil))
	a.Apply(events.NewTextEvent(events.EventMetadata{ID: "2"}, "done"))

	s := a.Start("t2", "again")
	assert.Equal(t, "t2", s.TurnID)
	assert.Empty(t, s.Blocks)
	assert.Equal(t, turns.StatusRunning, s.Status)
	assert.Empty(t, a.Cursor())

	// the same call id and event ids are accepted again in the new turn
	s = a.Apply(events.NewToolCallEvent(events.EventMetadata{ID: "1"}, "a", "ls", nil))
	assert.Equal(t, []turns.ContentBlock{call("a", "ls", nil)}, s.Blocks)
}

func TestSnapshotTurn(t *testing.T) {
	a := newTestAggregator()
	a.Start("t1", "hi")
	for _, e := range recordedSequence() {
		a.Apply(e)
	}
	s := a.Snapshot()
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	tr := s.Turn(ts)
	assert.Equal(t, "t1", tr.ID)
	assert.Equal(t, ts, tr.CreatedAt)
	assert.Equal(t, s.Blocks, tr.AssistantBlocks)
	assert.Equal(t, turns.StatusComplete, tr.Status)
	require.NotNil(t, tr.UserText)
	assert.Equal(t, "hi", *tr.UserText)
	assert.True(t, s.IsTerminal())
}
