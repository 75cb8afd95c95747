package turns

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeBlocks(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		expected  []ContentBlock
		expectErr bool
	}{
		{
			name:     "empty array",
			input:    `[]`,
			expected: []ContentBlock{},
		},
		{
			name:  "text and unresolved tool call",
			input: `[{"type":"text","text":"hi"},{"type":"tool_call","id":"a","name":"ls","input":{"path":"."}}]`,
			expected: []ContentBlock{
				NewTextBlock("hi"),
				NewToolCallBlock("a", "ls", map[string]any{"path": "."}),
			},
		},
		{
			name:  "resolved tool call with null result",
			input: `[{"type":"tool_call","id":"a","name":"ls","input":null,"result":null,"is_error":true}]`,
			expected: []ContentBlock{
				WithResult(NewToolCallBlock("a", "ls", nil), nil, true),
			},
		},
		{
			name:  "result without is_error counts as success",
			input: `[{"type":"tool_call","id":"a","name":"ls","result":"ok"}]`,
			expected: []ContentBlock{
				WithResult(NewToolCallBlock("a", "ls", nil), "ok", false),
			},
		},
		{name: "unknown type", input: `[{"type":"image"}]`, expectErr: true},
		{name: "missing type", input: `[{"text":"x"}]`, expectErr: true},
		{name: "text without text", input: `[{"type":"text"}]`, expectErr: true},
		{name: "tool call without id", input: `[{"type":"tool_call","name":"ls"}]`, expectErr: true},
		{name: "tool call without name", input: `[{"type":"tool_call","id":"a"}]`, expectErr: true},
		{name: "not an array", input: `{"type":"text","text":"x"}`, expectErr: true},
		{name: "garbage", input: `[{`, expectErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			blocks, err := DecodeBlocks([]byte(tt.input))
			if tt.expectErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidBlock)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, blocks)
		})
	}
}

func TestEncodeBlocksRoundTrip(t *testing.T) {
	blocks := []ContentBlock{
		NewTextBlock(""),
		WithResult(NewToolCallBlock("a", "ls", map[string]any{"n": 1.0}), map[string]any{"files": []any{"x"}}, false),
		NewToolCallBlock("b", "cat", nil),
	}
	data, err := EncodeBlocks(blocks)
	require.NoError(t, err)

	back, err := DecodeBlocks(data)
	require.NoError(t, err)
	assert.Equal(t, blocks, back)
}

func TestEncodeBlocksNil(t *testing.T) {
	data, err := EncodeBlocks(nil)
	require.NoError(t, err)
	assert.Equal(t, "[]", string(data))
}

func TestAssistantPayload(t *testing.T) {
	t.Run("legacy string", func(t *testing.T) {
		var p AssistantPayload
		require.NoError(t, json.Unmarshal([]byte(`"hello"`), &p))
		assert.True(t, p.IsLegacy())
		assert.Equal(t, []ContentBlock{NewTextBlock("hello")}, p.Blocks())
	})

	t.Run("empty legacy string", func(t *testing.T) {
		p := LegacyText("")
		assert.Equal(t, []ContentBlock{}, p.Blocks())
	})

	t.Run("null", func(t *testing.T) {
		var p AssistantPayload
		require.NoError(t, json.Unmarshal([]byte(`null`), &p))
		assert.True(t, p.IsEmpty())
		assert.Equal(t, []ContentBlock{}, p.Blocks())
	})

	t.Run("blocks", func(t *testing.T) {
		var p AssistantPayload
		require.NoError(t, json.Unmarshal([]byte(`[{"type":"text","text":"a"}]`), &p))
		assert.False(t, p.IsLegacy())
		assert.Equal(t, []ContentBlock{NewTextBlock("a")}, p.Blocks())

		out, err := json.Marshal(p)
		require.NoError(t, err)
		assert.JSONEq(t, `[{"type":"text","text":"a"}]`, string(out))
	})

	t.Run("invalid", func(t *testing.T) {
		var p AssistantPayload
		err := json.Unmarshal([]byte(`42`), &p)
		assert.ErrorIs(t, err, ErrInvalidBlock)
	})
}

func TestCloneDoesNotAlias(t *testing.T) {
	args := map[string]any{"path": "."}
	b := WithResult(NewToolCallBlock("a", "ls", args), map[string]any{"n": 1.0}, false)
	c := b.Clone()

	c.Arguments.(map[string]any)["path"] = "/"
	c.Result.(map[string]any)["n"] = 2.0
	*c.IsError = true

	assert.Equal(t, ".", args["path"])
	assert.Equal(t, 1.0, b.Result.(map[string]any)["n"])
	assert.False(t, *b.IsError)
}

func TestPrettyPrinter(t *testing.T) {
	user := "hi"
	turn := &Turn{
		ID:       "t1",
		UserText: &user,
		AssistantBlocks: []ContentBlock{
			NewTextBlock("hello"),
			WithResult(NewToolCallBlock("a", "ls", map[string]any{"path": "."}), "x", false),
			WithResult(NewToolCallBlock("b", "rm", nil), "denied", true),
			NewToolCallBlock("c", "cat", nil),
		},
		Status: StatusComplete,
	}

	var buf bytes.Buffer
	FprintfTurn(&buf, turn, WithIDs(true))
	out := buf.String()

	assert.Contains(t, out, "turn: t1")
	assert.Contains(t, out, "user: hi")
	assert.Contains(t, out, "[00] assistant: hello")
	assert.Contains(t, out, `args: {"path":"."}`)
	assert.Contains(t, out, "result: x")
	assert.Contains(t, out, "error: denied")
	assert.Contains(t, out, "result: <pending>")
	assert.Contains(t, out, "status: complete")
}
