package transcript

import (
	"github.com/pkg/errors"

	"github.com/go-go-golems/turnstream/pkg/turns"
)

// ToolCallRegistry correlates tool call requests with their results by call ID.
// Entries are kept in first-registration order, independent of result arrival order.
type ToolCallRegistry struct {
	index   map[string]int
	entries []turns.ContentBlock
}

// NewToolCallRegistry creates an empty registry.
func NewToolCallRegistry() *ToolCallRegistry {
	return &ToolCallRegistry{
		index:   make(map[string]int),
		entries: make([]turns.ContentBlock, 0, 4),
	}
}

// Reset clears the registry state.
func (r *ToolCallRegistry) Reset() {
	r.index = make(map[string]int)
	r.entries = r.entries[:0]
}

// Len returns the number of registered calls.
func (r *ToolCallRegistry) Len() int {
	return len(r.entries)
}

// Register adds a new unresolved tool call. A second registration for the same
// callID returns ErrDuplicateCallID together with the original block, which is left untouched.
func (r *ToolCallRegistry) Register(callID, name string, arguments any) (turns.ContentBlock, error) {
	if idx, ok := r.index[callID]; ok {
		return r.entries[idx].Clone(), errors.Wrapf(ErrDuplicateCallID, "call %s", callID)
	}
	b := turns.NewToolCallBlock(callID, name, arguments)
	r.index[callID] = len(r.entries)
	r.entries = append(r.entries, b)
	return b.Clone(), nil
}

// ApplyResult attaches a result to a registered call. Later results for the same
// callID replace earlier ones. Results for unknown calls return ErrUnknownCallID and are dropped.
func (r *ToolCallRegistry) ApplyResult(callID string, result any, isError bool) error {
	idx, ok := r.index[callID]
	if !ok {
		return errors.Wrapf(ErrUnknownCallID, "call %s", callID)
	}
	r.entries[idx] = turns.WithResult(r.entries[idx], result, isError)
	return nil
}

// Lookup returns a copy of the block registered under callID.
func (r *ToolCallRegistry) Lookup(callID string) (turns.ContentBlock, bool) {
	idx, ok := r.index[callID]
	if !ok {
		return turns.ContentBlock{}, false
	}
	return r.entries[idx].Clone(), true
}

// OrderedBlocks returns copies of all registered calls in first-registration order,
// each reflecting the latest applied result.
func (r *ToolCallRegistry) OrderedBlocks() []turns.ContentBlock {
	return turns.CloneBlocks(r.entries)
}
