package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	md := EventMetadata{ID: "1-0", SessionID: "s"}
	tests := []struct {
		name        string
		kind        string
		data        string
		expected    Event
		expectedErr error
	}{
		{
			name:     "text delta",
			kind:     "text_delta",
			data:     `{"content":"hel"}`,
			expected: NewTextDeltaEvent(md, "hel"),
		},
		{
			name:     "tool call",
			kind:     "tool_call",
			data:     `{"id":"a","name":"ls","input":{"path":"."}}`,
			expected: NewToolCallEvent(md, "a", "ls", map[string]any{"path": "."}),
		},
		{
			name:     "tool result defaults is_error to false",
			kind:     "tool_result",
			data:     `{"tool_use_id":"a","content":[{"type":"text","text":"x"}]}`,
			expected: NewToolResultEvent(md, "a", []any{map[string]any{"type": "text", "text": "x"}}, false),
		},
		{
			name:     "tool result error",
			kind:     "tool_result",
			data:     `{"tool_use_id":"a","content":"boom","is_error":true}`,
			expected: NewToolResultEvent(md, "a", "boom", true),
		},
		{
			name:     "terminal text",
			kind:     "text",
			data:     `{"content":"done"}`,
			expected: NewTextEvent(md, "done"),
		},
		{name: "invalid json", kind: "text_delta", data: `{"content":`, expectedErr: ErrMalformedEvent},
		{name: "wrong field type", kind: "text_delta", data: `{"content":3}`, expectedErr: ErrMalformedEvent},
		{name: "missing content", kind: "text", data: `{}`, expectedErr: ErrMalformedEvent},
		{name: "not an object", kind: "text", data: `"done"`, expectedErr: ErrMalformedEvent},
		{name: "tool call without id", kind: "tool_call", data: `{"name":"ls"}`, expectedErr: ErrMalformedEvent},
		{name: "tool call without name", kind: "tool_call", data: `{"id":"a"}`, expectedErr: ErrMalformedEvent},
		{name: "tool result without id", kind: "tool_result", data: `{"content":"x"}`, expectedErr: ErrMalformedEvent},
		{name: "unknown kind", kind: "thinking", data: `{}`, expectedErr: ErrUnknownEventType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := Decode(md, tt.kind, []byte(tt.data))
			if tt.expectedErr != nil {
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.expectedErr)
				assert.Nil(t, ev)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected.Type(), ev.Type())
			assert.Equal(t, md, ev.Metadata())
			assert.Equal(t, []byte(tt.data), ev.Payload())

			// compare without the stored payload
			if impl, ok := ev.(interface{ SetPayload([]byte) }); ok {
				impl.SetPayload(nil)
			}
			assert.Equal(t, tt.expected, ev)
		})
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	md := EventMetadata{ID: "7", SessionID: "s", TurnID: "t"}
	evs := []Event{
		NewTextDeltaEvent(md, "a"),
		NewToolCallEvent(md, "c1", "ls", map[string]any{"path": "."}),
		NewToolResultEvent(md, "c1", "ok", false),
		NewTextEvent(md, "final"),
	}
	for _, ev := range evs {
		env, err := ToEnvelope(ev)
		require.NoError(t, err)
		assert.Equal(t, "7", env.ID)
		assert.Equal(t, string(ev.Type()), env.Type)

		back, err := env.Event()
		require.NoError(t, err)
		back.(interface{ SetPayload([]byte) }).SetPayload(nil)
		assert.Equal(t, ev, back)
	}
}

func TestNewEventFromJson(t *testing.T) {
	ev, err := NewEventFromJson([]byte(`{"id":"3","type":"text_delta","data":{"content":"x"}}`))
	require.NoError(t, err)
	assert.Equal(t, EventTypeTextDelta, ev.Type())
	assert.Equal(t, "3", ev.Metadata().ID)

	_, err = NewEventFromJson([]byte(`not json`))
	assert.ErrorIs(t, err, ErrMalformedEvent)

	_, err = NewEventFromJson([]byte(`{"id":"3","type":"text_delta","data":"x"}`))
	assert.ErrorIs(t, err, ErrMalformedEvent)
}

func TestValidate(t *testing.T) {
	assert.ErrorIs(t, Validate(nil), ErrMalformedEvent)
	assert.ErrorIs(t, Validate(&EventImpl{Type_: "other"}), ErrUnknownEventType)
	assert.NoError(t, Validate(NewTextDeltaEvent(EventMetadata{}, "")))
}
