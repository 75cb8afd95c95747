package turns

import (
	"encoding/json"
	"fmt"
)

// Convenience constructors for the two ContentBlock shapes.

// NewTextBlock returns a text block.
func NewTextBlock(text string) ContentBlock {
	return ContentBlock{
		Type: BlockTypeText,
		Text: text,
	}
}

// NewToolCallBlock returns an unresolved block requesting invocation of a tool.
// id is the provider-assigned identifier used to correlate the later tool_result.
// args contains the structured input (any JSON-decoded value).
func NewToolCallBlock(id string, name string, args any) ContentBlock {
	return ContentBlock{
		Type:          BlockTypeToolCall,
		CallID:        id,
		Name:          name,
		Arguments:     args,
		ArgumentsText: FormatArguments(args),
	}
}

// WithResult returns a copy of a tool call block carrying the given result.
func WithResult(b ContentBlock, result any, isError bool) ContentBlock {
	b.Result = result
	b.IsError = &isError
	return b
}

// FormatArguments renders tool arguments as indented JSON for display.
// Strings are returned as-is; nil renders as an empty string.
func FormatArguments(args any) string {
	if args == nil {
		return ""
	}
	if s, ok := args.(string); ok {
		return s
	}
	b, err := json.MarshalIndent(args, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", args)
	}
	return string(b)
}
