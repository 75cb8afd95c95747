package turns

import (
	"bytes"
	"encoding/json"

	"github.com/pkg/errors"
)

// ErrInvalidBlock is returned when a stored block does not describe a valid ContentBlock.
var ErrInvalidBlock = errors.New("invalid content block")

type wireBlock struct {
	Type    *string         `json:"type"`
	Text    *string         `json:"text"`
	ID      *string         `json:"id"`
	Name    *string         `json:"name"`
	Input   any             `json:"input"`
	Result  json.RawMessage `json:"result"`
	IsError *bool           `json:"is_error"`
}

// MarshalJSON writes the stored block shape. Text blocks always carry "text",
// and resolved tool calls always carry "is_error" so that decoding is lossless.
func (b ContentBlock) MarshalJSON() ([]byte, error) {
	switch b.Type {
	case BlockTypeText:
		return json.Marshal(struct {
			Type BlockType `json:"type"`
			Text string    `json:"text"`
		}{b.Type, b.Text})
	case BlockTypeToolCall:
		if b.IsError == nil {
			return json.Marshal(struct {
				Type  BlockType `json:"type"`
				ID    string    `json:"id"`
				Name  string    `json:"name"`
				Input any       `json:"input"`
			}{b.Type, b.CallID, b.Name, b.Arguments})
		}
		return json.Marshal(struct {
			Type    BlockType `json:"type"`
			ID      string    `json:"id"`
			Name    string    `json:"name"`
			Input   any       `json:"input"`
			Result  any       `json:"result"`
			IsError bool      `json:"is_error"`
		}{b.Type, b.CallID, b.Name, b.Arguments, b.Result, *b.IsError})
	default:
		return nil, errors.Wrapf(ErrInvalidBlock, "unknown block type %q", b.Type)
	}
}

// UnmarshalJSON decodes and validates a stored block.
func (b *ContentBlock) UnmarshalJSON(data []byte) error {
	var w wireBlock
	if err := json.Unmarshal(data, &w); err != nil {
		return errors.Wrap(ErrInvalidBlock, err.Error())
	}
	if w.Type == nil {
		return errors.Wrap(ErrInvalidBlock, "missing type")
	}

	switch BlockType(*w.Type) {
	case BlockTypeText:
		if w.Text == nil {
			return errors.Wrap(ErrInvalidBlock, "text block without text")
		}
		*b = NewTextBlock(*w.Text)
		return nil

	case BlockTypeToolCall:
		if w.ID == nil || *w.ID == "" {
			return errors.Wrap(ErrInvalidBlock, "tool_call block without id")
		}
		if w.Name == nil || *w.Name == "" {
			return errors.Wrapf(ErrInvalidBlock, "tool_call block %s without name", *w.ID)
		}
		ret := NewToolCallBlock(*w.ID, *w.Name, w.Input)
		if w.IsError != nil || len(w.Result) > 0 {
			var result any
			if len(w.Result) > 0 {
				if err := json.Unmarshal(w.Result, &result); err != nil {
					return errors.Wrapf(ErrInvalidBlock, "tool_call block %s: %s", *w.ID, err.Error())
				}
			}
			isError := w.IsError != nil && *w.IsError
			ret = WithResult(ret, result, isError)
		}
		*b = ret
		return nil

	default:
		return errors.Wrapf(ErrInvalidBlock, "unknown block type %q", *w.Type)
	}
}

// DecodeBlocks parses a JSON array of stored blocks.
func DecodeBlocks(data []byte) ([]ContentBlock, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, errors.Wrap(ErrInvalidBlock, "block payload is not a JSON array")
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(trimmed, &blocks); err != nil {
		if errors.Is(err, ErrInvalidBlock) {
			return nil, err
		}
		return nil, errors.Wrap(ErrInvalidBlock, err.Error())
	}
	if blocks == nil {
		blocks = []ContentBlock{}
	}
	return blocks, nil
}

// EncodeBlocks serializes blocks to the stored JSON array shape.
func EncodeBlocks(blocks []ContentBlock) ([]byte, error) {
	if blocks == nil {
		blocks = []ContentBlock{}
	}
	return json.Marshal(blocks)
}

// AssistantPayload is the stored assistant side of a turn. Two schemas exist:
// a legacy flat string and an ordered block array. It is resolved once at
// deserialization and normalized into blocks through Blocks.
type AssistantPayload struct {
	legacy   *string
	blocks   []ContentBlock
	isBlocks bool
}

// LegacyText wraps a flat assistant string.
func LegacyText(text string) AssistantPayload {
	return AssistantPayload{legacy: &text}
}

// BlocksPayload wraps an ordered block array.
func BlocksPayload(blocks []ContentBlock) AssistantPayload {
	return AssistantPayload{blocks: CloneBlocks(blocks), isBlocks: true}
}

// IsLegacy reports whether the payload uses the flat string schema.
func (p AssistantPayload) IsLegacy() bool { return !p.isBlocks && p.legacy != nil }

// IsEmpty reports whether no assistant content was stored at all.
func (p AssistantPayload) IsEmpty() bool { return !p.isBlocks && p.legacy == nil }

// Blocks returns the normalized block sequence. A non-empty legacy string
// becomes a single text block; an empty or absent payload yields no blocks.
func (p AssistantPayload) Blocks() []ContentBlock {
	if p.isBlocks {
		return CloneBlocks(p.blocks)
	}
	if p.legacy == nil || *p.legacy == "" {
		return []ContentBlock{}
	}
	return []ContentBlock{NewTextBlock(*p.legacy)}
}

// MarshalJSON writes the payload in whichever schema it was created with.
func (p AssistantPayload) MarshalJSON() ([]byte, error) {
	if p.isBlocks {
		return EncodeBlocks(p.blocks)
	}
	if p.legacy == nil {
		return []byte("null"), nil
	}
	return json.Marshal(*p.legacy)
}

// UnmarshalJSON accepts null, a JSON string or a JSON block array.
func (p *AssistantPayload) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	switch {
	case len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")):
		*p = AssistantPayload{}
		return nil
	case trimmed[0] == '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return errors.Wrap(ErrInvalidBlock, err.Error())
		}
		*p = LegacyText(s)
		return nil
	case trimmed[0] == '[':
		blocks, err := DecodeBlocks(trimmed)
		if err != nil {
			return err
		}
		*p = AssistantPayload{blocks: blocks, isBlocks: true}
		return nil
	default:
		return errors.Wrap(ErrInvalidBlock, "assistant payload is neither a string nor a block array")
	}
}
