package replay

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/turnstream/pkg/turns"
)

// ErrMalformedTurn is returned when a stored assistant payload does not parse
// as a valid block sequence. The turn must not be displayed partially.
var ErrMalformedTurn = errors.New("malformed turn")

// StoredTurn is the persisted record of a completed turn, as returned by the
// submission endpoint and by the store.
//
// AssistantBlocks holds the ordered block array, either inline or as a JSON-encoded
// string. AssistantContent is the legacy flat-string shape. When both are present
// the blocks win.
type StoredTurn struct {
	ID               string          `json:"id" yaml:"id"`
	SessionID        string          `json:"session_id,omitempty" yaml:"session_id,omitempty"`
	UserContent      *string         `json:"user_content" yaml:"user_content"`
	AssistantBlocks  json.RawMessage `json:"assistant_blocks,omitempty" yaml:"-"`
	AssistantContent *string         `json:"assistant_content,omitempty" yaml:"assistant_content,omitempty"`
	CreatedAt        time.Time       `json:"created_at" yaml:"created_at"`
}

// Payload resolves which of the two stored assistant schemas the record uses.
func (st StoredTurn) Payload() (turns.AssistantPayload, error) {
	raw := bytes.TrimSpace(st.AssistantBlocks)
	if len(raw) > 0 && !bytes.Equal(raw, []byte("null")) {
		if raw[0] == '"' {
			var inner string
			if err := json.Unmarshal(raw, &inner); err != nil {
				return turns.AssistantPayload{}, errors.Wrapf(ErrMalformedTurn, "turn %s: %s", st.ID, err.Error())
			}
			raw = []byte(inner)
		}
		blocks, err := turns.DecodeBlocks(raw)
		if err != nil {
			return turns.AssistantPayload{}, errors.Wrapf(ErrMalformedTurn, "turn %s: %s", st.ID, err.Error())
		}
		return turns.BlocksPayload(blocks), nil
	}
	if st.AssistantContent != nil {
		return turns.LegacyText(*st.AssistantContent), nil
	}
	return turns.AssistantPayload{}, nil
}

// Replay converts a stored turn into the same Turn shape the live aggregator produces.
// Stored blocks are used as-is, without re-aggregation.
func Replay(st StoredTurn) (turns.Turn, error) {
	p, err := st.Payload()
	if err != nil {
		return turns.Turn{}, err
	}
	ret := turns.Turn{
		ID:              st.ID,
		AssistantBlocks: p.Blocks(),
		CreatedAt:       st.CreatedAt,
		Status:          turns.StatusComplete,
	}
	if st.UserContent != nil {
		u := *st.UserContent
		ret.UserText = &u
	}
	return ret, nil
}

// ReplayAll converts a session history in order. It stops at the first malformed turn.
func ReplayAll(sts []StoredTurn) ([]turns.Turn, error) {
	ret := make([]turns.Turn, 0, len(sts))
	for _, st := range sts {
		t, err := Replay(st)
		if err != nil {
			return nil, err
		}
		ret = append(ret, t)
	}
	return ret, nil
}

// FromTurn builds the stored record for a completed turn, using the block array schema.
func FromTurn(sessionID string, t turns.Turn) (StoredTurn, error) {
	b, err := turns.EncodeBlocks(t.AssistantBlocks)
	if err != nil {
		return StoredTurn{}, errors.Wrapf(err, "failed to encode blocks of turn %s", t.ID)
	}
	ret := StoredTurn{
		ID:              t.ID,
		SessionID:       sessionID,
		AssistantBlocks: b,
		CreatedAt:       t.CreatedAt,
	}
	if t.UserText != nil {
		u := *t.UserText
		ret.UserContent = &u
	}
	return ret, nil
}
