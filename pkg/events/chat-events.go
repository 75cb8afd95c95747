package events

import (
	"bytes"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

type EventType string

const (
	// EventTypeTextDelta carries incremental assistant text.
	EventTypeTextDelta EventType = "text_delta"
	// EventTypeToolCall is a new tool invocation request.
	EventTypeToolCall EventType = "tool_call"
	// EventTypeToolResult is the result for a prior tool call, correlated by id.
	EventTypeToolResult EventType = "tool_result"
	// EventTypeText is the terminal, authoritative full text. It ends the turn.
	EventTypeText EventType = "text"
)

// ErrMalformedEvent is returned when an event payload cannot be decoded or is missing required fields.
var ErrMalformedEvent = errors.New("malformed event")

// ErrUnknownEventType is returned for envelopes whose type is not one of the known kinds.
var ErrUnknownEventType = errors.New("unknown event type")

type Event interface {
	Type() EventType
	Metadata() EventMetadata
	Payload() []byte
}

// EventMetadata contains the transport-level information carried with every event.
type EventMetadata struct {
	// ID is the transport cursor of the event (stream entry id or sequence number).
	ID        string `json:"id,omitempty" yaml:"id,omitempty" mapstructure:"id"`
	SessionID string `json:"session_id,omitempty" yaml:"session_id,omitempty" mapstructure:"session_id"`
	TurnID    string `json:"turn_id,omitempty" yaml:"turn_id,omitempty" mapstructure:"turn_id"`
}

func (em EventMetadata) MarshalZerologObject(e *zerolog.Event) {
	if em.ID != "" {
		e.Str("event_id", em.ID)
	}
	if em.SessionID != "" {
		e.Str("session_id", em.SessionID)
	}
	if em.TurnID != "" {
		e.Str("turn_id", em.TurnID)
	}
}

type EventImpl struct {
	Type_     EventType     `json:"type"`
	Metadata_ EventMetadata `json:"meta,omitempty"`

	// store payload if the event was decoded from the wire, not further used
	payload []byte
}

func (e *EventImpl) MarshalZerologObject(ev *zerolog.Event) {
	ev.Str("type", string(e.Type_))
	ev.Object("meta", e.Metadata_)
}

func (e *EventImpl) Type() EventType {
	return e.Type_
}

func (e *EventImpl) Metadata() EventMetadata {
	return e.Metadata_
}

func (e *EventImpl) Payload() []byte {
	return e.payload
}

// SetPayload stores the raw JSON payload on the event implementation.
func (e *EventImpl) SetPayload(b []byte) {
	e.payload = b
}

var _ Event = &EventImpl{}

type EventTextDelta struct {
	EventImpl
	Content string `json:"content"`
}

func NewTextDeltaEvent(metadata EventMetadata, content string) *EventTextDelta {
	return &EventTextDelta{
		EventImpl: EventImpl{
			Type_:     EventTypeTextDelta,
			Metadata_: metadata,
		},
		Content: content,
	}
}

var _ Event = &EventTextDelta{}

// EventToolCall is a tool invocation request. Input is the JSON-decoded arguments.
type EventToolCall struct {
	EventImpl
	ID    string `json:"id"`
	Name  string `json:"name"`
	Input any    `json:"input"`
}

func NewToolCallEvent(metadata EventMetadata, id string, name string, input any) *EventToolCall {
	return &EventToolCall{
		EventImpl: EventImpl{
			Type_:     EventTypeToolCall,
			Metadata_: metadata,
		},
		ID:    id,
		Name:  name,
		Input: input,
	}
}

func (e *EventToolCall) MarshalZerologObject(ev *zerolog.Event) {
	e.EventImpl.MarshalZerologObject(ev)
	ev.Str("call_id", e.ID).Str("name", e.Name)
}

var _ Event = &EventToolCall{}

// EventToolResult carries the result for a tool call. Content is any JSON value.
type EventToolResult struct {
	EventImpl
	ToolUseID string `json:"tool_use_id"`
	Content   any    `json:"content"`
	IsError   bool   `json:"is_error"`
}

func NewToolResultEvent(metadata EventMetadata, toolUseID string, content any, isError bool) *EventToolResult {
	return &EventToolResult{
		EventImpl: EventImpl{
			Type_:     EventTypeToolResult,
			Metadata_: metadata,
		},
		ToolUseID: toolUseID,
		Content:   content,
		IsError:   isError,
	}
}

func (e *EventToolResult) MarshalZerologObject(ev *zerolog.Event) {
	e.EventImpl.MarshalZerologObject(ev)
	ev.Str("call_id", e.ToolUseID).Bool("is_error", e.IsError)
}

var _ Event = &EventToolResult{}

// EventText is the terminal event of a turn.
type EventText struct {
	EventImpl
	Content string `json:"content"`
}

func NewTextEvent(metadata EventMetadata, content string) *EventText {
	return &EventText{
		EventImpl: EventImpl{
			Type_:     EventTypeText,
			Metadata_: metadata,
		},
		Content: content,
	}
}

var _ Event = &EventText{}

// Validate checks that a typed event carries the fields its kind requires.
func Validate(e Event) error {
	switch ev := e.(type) {
	case *EventTextDelta, *EventText:
		return nil
	case *EventToolCall:
		if ev.ID == "" {
			return errors.Wrap(ErrMalformedEvent, "tool_call without id")
		}
		if ev.Name == "" {
			return errors.Wrapf(ErrMalformedEvent, "tool_call %s without name", ev.ID)
		}
		return nil
	case *EventToolResult:
		if ev.ToolUseID == "" {
			return errors.Wrap(ErrMalformedEvent, "tool_result without tool_use_id")
		}
		return nil
	case nil:
		return errors.Wrap(ErrMalformedEvent, "nil event")
	default:
		return errors.Wrapf(ErrUnknownEventType, "%T", e)
	}
}

// Decode builds a typed event from a transport kind and its JSON payload.
// Decoding failures and missing required fields wrap ErrMalformedEvent.
func Decode(metadata EventMetadata, kind string, data []byte) (Event, error) {
	var (
		ev  Event
		err error
	)
	switch EventType(kind) {
	case EventTypeTextDelta:
		var p struct {
			Content *string `json:"content"`
		}
		if err = unmarshalPayload(data, &p); err == nil {
			if p.Content == nil {
				return nil, errors.Wrap(ErrMalformedEvent, "text_delta without content")
			}
			ev = NewTextDeltaEvent(metadata, *p.Content)
		}
	case EventTypeToolCall:
		var p struct {
			ID    string `json:"id"`
			Name  string `json:"name"`
			Input any    `json:"input"`
		}
		if err = unmarshalPayload(data, &p); err == nil {
			ev = NewToolCallEvent(metadata, p.ID, p.Name, p.Input)
		}
	case EventTypeToolResult:
		var p struct {
			ToolUseID string `json:"tool_use_id"`
			Content   any    `json:"content"`
			IsError   *bool  `json:"is_error"`
		}
		if err = unmarshalPayload(data, &p); err == nil {
			ev = NewToolResultEvent(metadata, p.ToolUseID, p.Content, p.IsError != nil && *p.IsError)
		}
	case EventTypeText:
		var p struct {
			Content *string `json:"content"`
		}
		if err = unmarshalPayload(data, &p); err == nil {
			if p.Content == nil {
				return nil, errors.Wrap(ErrMalformedEvent, "text without content")
			}
			ev = NewTextEvent(metadata, *p.Content)
		}
	default:
		return nil, errors.Wrapf(ErrUnknownEventType, "%q", kind)
	}
	if err != nil {
		return nil, errors.Wrapf(ErrMalformedEvent, "%s: %s", kind, err.Error())
	}
	if err := Validate(ev); err != nil {
		return nil, err
	}
	if setter, ok := ev.(interface{ SetPayload([]byte) }); ok {
		setter.SetPayload(data)
	}
	return ev, nil
}

func unmarshalPayload(data []byte, v any) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return errors.New("payload is not a JSON object")
	}
	return json.Unmarshal(trimmed, v)
}

// Envelope is the on-the-wire/recorded form of an event: a cursor id, a kind and a JSON payload.
type Envelope struct {
	ID        string          `json:"id,omitempty"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	SessionID string          `json:"session_id,omitempty"`
	TurnID    string          `json:"turn_id,omitempty"`
}

// NewEventFromJson decodes an Envelope and the event it carries.
func NewEventFromJson(b []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, errors.Wrap(ErrMalformedEvent, err.Error())
	}
	return env.Event()
}

// Event decodes the event carried by the envelope.
func (env Envelope) Event() (Event, error) {
	return Decode(EventMetadata{ID: env.ID, SessionID: env.SessionID, TurnID: env.TurnID}, env.Type, env.Data)
}

// ToEnvelope converts a typed event back into its wire form.
func ToEnvelope(e Event) (Envelope, error) {
	if err := Validate(e); err != nil {
		return Envelope{}, err
	}
	var payload any
	switch ev := e.(type) {
	case *EventTextDelta:
		payload = map[string]any{"content": ev.Content}
	case *EventText:
		payload = map[string]any{"content": ev.Content}
	case *EventToolCall:
		payload = map[string]any{"id": ev.ID, "name": ev.Name, "input": ev.Input}
	case *EventToolResult:
		payload = map[string]any{"tool_use_id": ev.ToolUseID, "content": ev.Content, "is_error": ev.IsError}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, errors.Wrap(err, "failed to marshal event payload")
	}
	md := e.Metadata()
	return Envelope{
		ID:        md.ID,
		Type:      string(e.Type()),
		Data:      data,
		SessionID: md.SessionID,
		TurnID:    md.TurnID,
	}, nil
}
