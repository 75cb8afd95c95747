package transcript

import (
	"reflect"
	"time"

	"github.com/go-go-golems/turnstream/pkg/turns"
)

// Snapshot is the externally visible state of a turn after an event was applied.
// Snapshots never alias aggregator state.
type Snapshot struct {
	TurnID   string               `json:"turn_id" yaml:"turn_id"`
	UserText *string              `json:"user_text,omitempty" yaml:"user_text,omitempty"`
	Blocks   []turns.ContentBlock `json:"blocks" yaml:"blocks"`
	Status   turns.TurnStatus     `json:"status" yaml:"status"`
	Error    string               `json:"error,omitempty" yaml:"error,omitempty"`
}

// IsTerminal reports whether the snapshot is final.
func (s Snapshot) IsTerminal() bool {
	return s.Status.IsTerminal()
}

// Equal reports structural equality, for render layers that diff successive snapshots.
func (s Snapshot) Equal(o Snapshot) bool {
	return reflect.DeepEqual(s, o)
}

// Turn converts the snapshot into a Turn record stamped with createdAt.
func (s Snapshot) Turn(createdAt time.Time) turns.Turn {
	t := turns.Turn{
		ID:              s.TurnID,
		AssistantBlocks: turns.CloneBlocks(s.Blocks),
		CreatedAt:       createdAt,
		Status:          s.Status,
		Error:           s.Error,
	}
	if s.UserText != nil {
		u := *s.UserText
		t.UserText = &u
	}
	return t
}
