package turns

import (
	"time"

	"github.com/huandu/go-clone"
)

// BlockType discriminates the ContentBlock variants.
type BlockType string

const (
	BlockTypeText     BlockType = "text"
	BlockTypeToolCall BlockType = "tool_call"
)

// TurnStatus is the lifecycle state of a Turn.
type TurnStatus string

const (
	StatusPending  TurnStatus = "pending"
	StatusRunning  TurnStatus = "running"
	StatusComplete TurnStatus = "complete"
	StatusError    TurnStatus = "error"
)

// IsTerminal returns true once the turn can no longer change.
func (s TurnStatus) IsTerminal() bool {
	return s == StatusComplete || s == StatusError
}

// ContentBlock is one ordered unit of assistant output.
//
// It is a tagged union on Type:
//   - BlockTypeText uses Text.
//   - BlockTypeToolCall uses CallID, Name, Arguments, ArgumentsText and, once a
//     matching result has been applied, Result and IsError.
//
// A tool call is resolved iff IsError is non-nil; Result alone can legitimately be nil.
type ContentBlock struct {
	Type BlockType `json:"type" yaml:"type"`

	Text string `json:"text,omitempty" yaml:"text,omitempty"`

	CallID        string `json:"id,omitempty" yaml:"id,omitempty"`
	Name          string `json:"name,omitempty" yaml:"name,omitempty"`
	Arguments     any    `json:"input,omitempty" yaml:"input,omitempty"`
	ArgumentsText string `json:"-" yaml:"-"`
	Result        any    `json:"result,omitempty" yaml:"result,omitempty"`
	IsError       *bool  `json:"is_error,omitempty" yaml:"is_error,omitempty"`
}

// IsText reports whether b is a TextBlock.
func (b ContentBlock) IsText() bool { return b.Type == BlockTypeText }

// IsToolCall reports whether b is a ToolCallBlock.
func (b ContentBlock) IsToolCall() bool { return b.Type == BlockTypeToolCall }

// HasResult reports whether a result has been applied to a tool call.
func (b ContentBlock) HasResult() bool { return b.IsToolCall() && b.IsError != nil }

// Clone returns a deep copy of the block. Arguments and Result are opaque
// decoded JSON values and are deep-copied so callers cannot alias aggregator state.
func (b ContentBlock) Clone() ContentBlock {
	out := b
	if b.Arguments != nil {
		out.Arguments = clone.Clone(b.Arguments)
	}
	if b.Result != nil {
		out.Result = clone.Clone(b.Result)
	}
	if b.IsError != nil {
		v := *b.IsError
		out.IsError = &v
	}
	return out
}

// CloneBlocks deep-copies a block slice. A nil input yields an empty, non-nil slice
// so that snapshots compare equal regardless of how they were produced.
func CloneBlocks(blocks []ContentBlock) []ContentBlock {
	out := make([]ContentBlock, len(blocks))
	for i := range blocks {
		out[i] = blocks[i].Clone()
	}
	return out
}

// Turn contains one user message and the ordered assistant response blocks.
type Turn struct {
	ID              string         `json:"id" yaml:"id"`
	UserText        *string        `json:"user_text,omitempty" yaml:"user_text,omitempty"`
	AssistantBlocks []ContentBlock `json:"assistant_blocks" yaml:"assistant_blocks"`
	CreatedAt       time.Time      `json:"created_at" yaml:"created_at"`
	Status          TurnStatus     `json:"status" yaml:"status"`
	// Error carries the failure reason when Status is StatusError.
	Error string `json:"error,omitempty" yaml:"error,omitempty"`
}

// Clone returns a deep copy of the Turn suitable for mutation without affecting the original.
func (t *Turn) Clone() *Turn {
	if t == nil {
		return nil
	}
	out := *t
	if t.UserText != nil {
		s := *t.UserText
		out.UserText = &s
	}
	out.AssistantBlocks = CloneBlocks(t.AssistantBlocks)
	return &out
}

// TextContent concatenates the content of all text blocks, which is what the
// legacy flat-string storage shape holds.
func (t *Turn) TextContent() string {
	if t == nil {
		return ""
	}
	ret := ""
	for _, b := range t.AssistantBlocks {
		if b.IsText() {
			ret += b.Text
		}
	}
	return ret
}

// Session is a conversation thread. It is owned by the surrounding application;
// the transcript core only ever reads or writes one Turn at a time.
type Session struct {
	ID        string    `json:"id" yaml:"id"`
	Title     *string   `json:"title" yaml:"title,omitempty"`
	Status    string    `json:"status" yaml:"status"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
	Turns     []Turn    `json:"turns,omitempty" yaml:"turns,omitempty"`

	// MalformedTurns lists the IDs of stored turns that could not be replayed and were left out of Turns.
	MalformedTurns []string `json:"malformed_turns,omitempty" yaml:"malformed_turns,omitempty"`
}

// SessionStatusActive is the status assigned to newly created sessions.
const SessionStatusActive = "active"
