package transcript

import (
	"github.com/pkg/errors"

	"github.com/go-go-golems/turnstream/pkg/events"
)

// Decode and correlation errors. These are absorbed by the Aggregator and only logged.
var (
	ErrMalformedEvent  = events.ErrMalformedEvent
	ErrUnknownCallID   = errors.New("unknown tool call id")
	ErrDuplicateCallID = errors.New("duplicate tool call id")
)

// Terminal errors. These end the turn with StatusError.
var (
	// ErrTransport marks a subscription that closed abnormally before the terminal text event.
	ErrTransport = errors.New("transport error")
	// ErrSubmission marks a failure to send the user message; no streamed content will arrive.
	ErrSubmission = errors.New("submission failed")
	// ErrCancelled marks a turn whose subscription was released by the caller before completion.
	ErrCancelled = errors.New("cancelled")
)

// ErrTurnClosed is reported when an event arrives after the turn reached a terminal status.
var ErrTurnClosed = errors.New("turn already closed")

// ErrNotStarted is reported when an event arrives before Start.
var ErrNotStarted = errors.New("turn not started")

// SubmissionFailureText is the assistant text shown when the user message could not be sent.
const SubmissionFailureText = "Failed to send message"
