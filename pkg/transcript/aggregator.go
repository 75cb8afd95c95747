package transcript

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/turnstream/pkg/events"
	"github.com/go-go-golems/turnstream/pkg/turns"
)

// slot is one position in the block order. Text slots index into texts,
// tool call slots refer to the registry by call ID.
type slot struct {
	kind   turns.BlockType
	text   int
	callID string
}

// Aggregator folds the event sequence of one turn into an ordered block list.
//
// Usage:
//  1. Create an aggregator with NewAggregator()
//  2. Call Start() when the user submits input
//  3. For each event delivered by the transport, call Apply() and render the returned Snapshot
//  4. Call Fail(), FailSubmission() or Cancel() if the turn ends without a terminal text event
//
// Block order is the order in which the first contributing event of each block was
// processed. A tool call keeps the position it was registered at when its result arrives later.
// Once the status is terminal, every further event is ignored.
//
// Apply is safe to call from several goroutines, but callers must still deliver the
// events of one turn in order for the result to be meaningful.
type Aggregator struct {
	mu sync.Mutex

	logger zerolog.Logger

	turnID   string
	userText *string
	status   turns.TurnStatus
	errMsg   string
	started  bool

	order    []slot
	texts    []string
	openText int
	registry *ToolCallRegistry

	applied map[string]struct{}
	cursor  string
}

type AggregatorOption func(*Aggregator)

// WithLogger sets the logger used to report absorbed errors.
func WithLogger(logger zerolog.Logger) AggregatorOption {
	return func(a *Aggregator) {
		a.logger = logger
	}
}

// NewAggregator creates an aggregator in pending state.
func NewAggregator(options ...AggregatorOption) *Aggregator {
	ret := &Aggregator{
		logger:   log.With().Str("component", "transcript").Logger(),
		status:   turns.StatusPending,
		openText: -1,
		registry: NewToolCallRegistry(),
		applied:  map[string]struct{}{},
	}
	for _, o := range options {
		o(ret)
	}
	return ret
}

// Start initializes an empty running turn holding the user text and an empty
// assistant placeholder. Any previous state, including the tool call registry, is discarded.
func (a *Aggregator) Start(turnID string, userText string) Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	u := userText
	a.turnID = turnID
	a.userText = &u
	a.status = turns.StatusRunning
	a.errMsg = ""
	a.started = true
	a.order = nil
	a.texts = nil
	a.openText = -1
	a.registry.Reset()
	a.applied = map[string]struct{}{}
	a.cursor = ""

	a.logger.Debug().Str("turn_id", turnID).Msg("turn started")

	return a.snapshotLocked()
}

// Apply folds one event into the turn and returns the updated snapshot.
// Malformed events, unknown and duplicate tool call IDs, exact re-deliveries of an
// already applied event and events after the terminal status are dropped without changing state.
func (a *Aggregator) Apply(e events.Event) Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.applyLocked(e); err != nil {
		a.logAbsorbed(e, err)
	}
	return a.snapshotLocked()
}

// ApplyEnvelope decodes a wire envelope and applies it. Decoding failures are absorbed.
func (a *Aggregator) ApplyEnvelope(env events.Envelope) Snapshot {
	e, err := env.Event()
	if err != nil {
		a.mu.Lock()
		defer a.mu.Unlock()
		a.logger.Warn().Err(err).
			Str("turn_id", a.turnID).
			Str("event_id", env.ID).
			Str("event_type", env.Type).
			Msg("dropping undecodable event")
		return a.snapshotLocked()
	}
	return a.Apply(e)
}

// ApplyJSON decodes a JSON-encoded envelope and applies it. Decoding failures are absorbed.
func (a *Aggregator) ApplyJSON(b []byte) Snapshot {
	e, err := events.NewEventFromJson(b)
	if err != nil {
		a.mu.Lock()
		defer a.mu.Unlock()
		a.logger.Warn().Err(err).Str("turn_id", a.turnID).Msg("dropping undecodable event")
		return a.snapshotLocked()
	}
	return a.Apply(e)
}

// applyLocked folds e into the turn state. A rejected tool_call (duplicate call ID)
// leaves an open text block open, since the event adds nothing to the block order.
func (a *Aggregator) applyLocked(e events.Event) error {
	if !a.started {
		return ErrNotStarted
	}
	if a.status.IsTerminal() {
		return ErrTurnClosed
	}
	if err := events.Validate(e); err != nil {
		return err
	}

	id := e.Metadata().ID
	if id != "" {
		if _, ok := a.applied[id]; ok {
			a.logger.Debug().Str("turn_id", a.turnID).Str("event_id", id).Msg("ignoring re-delivered event")
			return nil
		}
		a.applied[id] = struct{}{}
		a.cursor = id
	}

	switch ev := e.(type) {
	case *events.EventTextDelta:
		a.appendText(ev.Content)
		return nil

	case *events.EventToolCall:
		if _, err := a.registry.Register(ev.ID, ev.Name, ev.Input); err != nil {
			return err
		}
		a.order = append(a.order, slot{kind: turns.BlockTypeToolCall, callID: ev.ID})
		a.openText = -1
		return nil

	case *events.EventToolResult:
		return a.registry.ApplyResult(ev.ToolUseID, ev.Content, ev.IsError)

	case *events.EventText:
		a.replaceLastText(ev.Content)
		a.openText = -1
		a.status = turns.StatusComplete
		a.logger.Debug().Str("turn_id", a.turnID).Int("blocks", len(a.order)).Msg("turn complete")
		return nil
	}

	return errors.Wrapf(events.ErrUnknownEventType, "%T", e)
}

func (a *Aggregator) appendText(content string) {
	if a.openText >= 0 {
		a.texts[a.order[a.openText].text] += content
		return
	}
	if content == "" {
		// an empty delta with no open text block would only produce an empty block
		return
	}
	a.texts = append(a.texts, content)
	a.order = append(a.order, slot{kind: turns.BlockTypeText, text: len(a.texts) - 1})
	a.openText = len(a.order) - 1
}

func (a *Aggregator) replaceLastText(content string) {
	for i := len(a.order) - 1; i >= 0; i-- {
		if a.order[i].kind == turns.BlockTypeText {
			a.texts[a.order[i].text] = content
			return
		}
	}
	a.texts = append(a.texts, content)
	a.order = append(a.order, slot{kind: turns.BlockTypeText, text: len(a.texts) - 1})
}

// Fail ends a running turn with StatusError after the transport closed abnormally.
// Blocks accumulated so far are kept.
func (a *Aggregator) Fail(err error) Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err == nil {
		err = ErrTransport
	}
	a.failLocked(err)
	return a.snapshotLocked()
}

// FailSubmission ends the turn after the user message could not be sent. The assistant
// placeholder receives an explicit failure text since no streamed content will ever arrive.
func (a *Aggregator) FailSubmission(err error) Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.started || a.status.IsTerminal() {
		return a.snapshotLocked()
	}
	if err == nil {
		err = ErrSubmission
	}
	a.texts = append(a.texts, SubmissionFailureText+": "+err.Error())
	a.order = append(a.order, slot{kind: turns.BlockTypeText, text: len(a.texts) - 1})
	a.openText = -1
	a.failLocked(err)
	return a.snapshotLocked()
}

// Cancel ends a running turn because its subscription was released before completion.
func (a *Aggregator) Cancel() Snapshot {
	return a.Fail(ErrCancelled)
}

func (a *Aggregator) failLocked(err error) {
	if !a.started || a.status.IsTerminal() {
		a.logger.Debug().Err(err).Str("turn_id", a.turnID).Str("status", string(a.status)).Msg("ignoring failure of inactive turn")
		return
	}
	a.status = turns.StatusError
	a.errMsg = err.Error()
	a.openText = -1
	a.logger.Warn().Err(err).Str("turn_id", a.turnID).Int("blocks", len(a.order)).Msg("turn failed")
}

// Snapshot returns the current state. It has no side effects.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

// Anchor records the cursor a subscription for this turn started from. It only takes
// effect while no event has been applied, so that resuming a turn that saw nothing yet
// starts after the entries of earlier turns instead of from the start of the stream.
func (a *Aggregator) Anchor(cursor string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.started || a.cursor != "" || cursor == "" {
		return
	}
	a.cursor = cursor
}

// Cursor returns the ID of the last applied event, or the anchored cursor if none was
// applied yet, for resuming a dropped subscription. It is empty for a turn that never
// subscribed.
func (a *Aggregator) Cursor() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cursor
}

// Status returns the current turn status.
func (a *Aggregator) Status() turns.TurnStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

func (a *Aggregator) snapshotLocked() Snapshot {
	blocks := make([]turns.ContentBlock, 0, len(a.order))
	for _, s := range a.order {
		switch s.kind {
		case turns.BlockTypeText:
			blocks = append(blocks, turns.NewTextBlock(a.texts[s.text]))
		case turns.BlockTypeToolCall:
			b, ok := a.registry.Lookup(s.callID)
			if !ok {
				continue
			}
			blocks = append(blocks, b)
		}
	}
	ret := Snapshot{
		TurnID: a.turnID,
		Blocks: blocks,
		Status: a.status,
		Error:  a.errMsg,
	}
	if a.userText != nil {
		u := *a.userText
		ret.UserText = &u
	}
	return ret
}

func (a *Aggregator) logAbsorbed(e events.Event, err error) {
	l := a.logger.Warn()
	switch {
	case errors.Is(err, ErrTurnClosed), errors.Is(err, ErrNotStarted):
		l = a.logger.Debug()
	}
	l = l.Err(err).Str("turn_id", a.turnID)
	if e != nil {
		l = l.Str("event_type", string(e.Type())).Str("event_id", e.Metadata().ID)
	}
	switch ev := e.(type) {
	case *events.EventToolCall:
		l = l.Str("call_id", ev.ID)
	case *events.EventToolResult:
		l = l.Str("call_id", ev.ToolUseID)
	}
	l.Msg("event dropped")
}
