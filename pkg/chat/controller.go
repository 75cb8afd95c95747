package chat

import (
	"context"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/turnstream/pkg/api"
	"github.com/go-go-golems/turnstream/pkg/replay"
	"github.com/go-go-golems/turnstream/pkg/stream"
	"github.com/go-go-golems/turnstream/pkg/transcript"
	"github.com/go-go-golems/turnstream/pkg/turns"
)

// Submitter hands a user message to the backend. It returns once the backend has
// finished the turn; the assistant output arrives on the event feed.
type Submitter interface {
	SubmitTurn(ctx context.Context, sessionID string, content string) (replay.StoredTurn, error)
}

// TurnSink persists completed turns.
type TurnSink interface {
	SaveTurn(ctx context.Context, sessionID string, t turns.Turn) (replay.StoredTurn, error)
}

// SessionTitles reads sessions and sets their title.
type SessionTitles interface {
	GetSession(ctx context.Context, id string) (turns.Session, error)
	SetTitle(ctx context.Context, sessionID string, title string) error
}

// TitleGenerator proposes a title for an untitled session.
type TitleGenerator interface {
	GenerateTitle(ctx context.Context, session turns.Session) (string, error)
}

const maxHeuristicTitleLength = 50

// HeuristicTitler titles a session with the first line of its first user message.
type HeuristicTitler struct{}

func (HeuristicTitler) GenerateTitle(_ context.Context, session turns.Session) (string, error) {
	for _, t := range session.Turns {
		if t.UserText == nil {
			continue
		}
		line := strings.TrimSpace(strings.SplitN(strings.TrimSpace(*t.UserText), "\n", 2)[0])
		if line == "" {
			continue
		}
		if utf8.RuneCountInString(line) > maxHeuristicTitleLength {
			line = strings.TrimSpace(string([]rune(line)[:maxHeuristicTitleLength]))
		}
		return line, nil
	}
	return "", errors.New("session has no user message to title it with")
}

// APITitler asks the sessions API to title a session.
type APITitler struct {
	Client *api.Client
}

func (t APITitler) GenerateTitle(ctx context.Context, session turns.Session) (string, error) {
	return t.Client.GenerateTitle(ctx, session.ID)
}

// Controller runs one turn end to end: it subscribes to the session feed, submits the
// user message, aggregates the streamed events, and persists the finished turn.
type Controller struct {
	feed          stream.Feed
	submitter     Submitter
	sink          TurnSink
	titles        SessionTitles
	titler        TitleGenerator
	settleTimeout time.Duration
	retries       int
	backoff       time.Duration
	now           func() time.Time
	logger        zerolog.Logger
}

type ControllerOption func(*Controller)

func WithTurnSink(sink TurnSink) ControllerOption {
	return func(c *Controller) {
		c.sink = sink
	}
}

// WithTitles enables titling of untitled sessions after their first completed turn.
// A nil generator uses HeuristicTitler.
func WithTitles(titles SessionTitles, gen TitleGenerator) ControllerOption {
	return func(c *Controller) {
		c.titles = titles
		if gen == nil {
			gen = HeuristicTitler{}
		}
		c.titler = gen
	}
}

// WithSettleTimeout bounds how long the stream may run on after the submission returned.
func WithSettleTimeout(d time.Duration) ControllerOption {
	return func(c *Controller) {
		c.settleTimeout = d
	}
}

func WithStreamRetries(n int, backoff time.Duration) ControllerOption {
	return func(c *Controller) {
		c.retries = n
		c.backoff = backoff
	}
}

func WithClock(now func() time.Time) ControllerOption {
	return func(c *Controller) {
		c.now = now
	}
}

func WithControllerLogger(logger zerolog.Logger) ControllerOption {
	return func(c *Controller) {
		c.logger = logger
	}
}

func NewController(feed stream.Feed, submitter Submitter, options ...ControllerOption) *Controller {
	ret := &Controller{
		feed:          feed,
		submitter:     submitter,
		settleTimeout: 30 * time.Second,
		now:           time.Now,
		logger:        log.With().Str("component", "chat").Logger(),
	}
	for _, o := range options {
		o(ret)
	}
	return ret
}

// Send runs one turn and returns its terminal snapshot. onSnapshot, if not nil, receives
// every snapshot in order; calls are serialized.
//
// A failed submission ends the turn with the submission failure text. A stream that
// does not reach its terminal event within the settle timeout after a successful
// submission fails with a transport error. Completed turns are saved to the sink and,
// for untitled sessions, trigger the title generator.
func (c *Controller) Send(ctx context.Context, sessionID string, content string, onSnapshot stream.SnapshotFunc) (transcript.Snapshot, error) {
	var emitMu sync.Mutex
	emit := func(s transcript.Snapshot) {
		if onSnapshot == nil {
			return
		}
		emitMu.Lock()
		defer emitMu.Unlock()
		onSnapshot(s)
	}

	turnID := uuid.NewString()
	logger := c.logger.With().Str("session_id", sessionID).Str("turn_id", turnID).Logger()
	agg := transcript.NewAggregator(transcript.WithLogger(logger))
	emit(agg.Start(turnID, content))

	streamCtx, cancelStream := context.WithCancelCause(ctx)
	defer cancelStream(nil)

	subscribed := make(chan struct{})
	var subscribedOnce sync.Once
	pump := stream.NewPump(c.feed,
		stream.WithSnapshotHandler(emit),
		stream.WithSubscribedHandler(func(cursor string) {
			subscribedOnce.Do(func() {
				logger.Debug().Str("cursor", cursor).Msg("subscribed")
				close(subscribed)
			})
		}),
		stream.WithRetries(c.retries, c.backoff),
		stream.WithPumpLogger(logger),
	)

	var (
		streamErr error
		submitted replay.StoredTurn
	)
	eg := errgroup.Group{}

	eg.Go(func() error {
		_, streamErr = pump.Run(streamCtx, sessionID, stream.CursorLatest, agg)
		// unblocks a submission still waiting for the subscription
		cancelStream(errors.Wrap(transcript.ErrTransport, "stream ended"))
		return nil
	})

	eg.Go(func() error {
		select {
		case <-subscribed:
		case <-streamCtx.Done():
			return nil
		}

		st, err := c.submitter.SubmitTurn(ctx, sessionID, content)
		if err != nil && ctx.Err() != nil {
			// the pump cancels the turn
			return nil
		}
		if err != nil {
			logger.Warn().Err(err).Msg("submission failed")
			emit(agg.FailSubmission(err))
			cancelStream(errors.Wrap(transcript.ErrSubmission, err.Error()))
			return errors.Wrap(transcript.ErrSubmission, err.Error())
		}
		submitted = st

		settle := time.NewTimer(c.settleTimeout)
		defer settle.Stop()
		select {
		case <-streamCtx.Done():
		case <-settle.C:
			logger.Warn().Dur("settle_timeout", c.settleTimeout).Msg("no terminal event after submission")
			cancelStream(errors.Wrapf(transcript.ErrTransport, "no terminal event within %s", c.settleTimeout))
		}
		return nil
	})

	submitErr := eg.Wait()
	final := agg.Snapshot()

	if submitErr != nil {
		return final, submitErr
	}
	if final.Status != turns.StatusComplete {
		if streamErr == nil {
			streamErr = errors.Wrap(transcript.ErrTransport, final.Error)
		}
		return final, streamErr
	}

	turn := final.Turn(c.now())
	if submitted.ID != "" {
		turn.ID = submitted.ID
	}
	c.persist(ctx, logger, sessionID, turn)
	return final, nil
}

// persist stores the finished turn and titles the session. Failures are logged, the
// turn itself already succeeded.
func (c *Controller) persist(ctx context.Context, logger zerolog.Logger, sessionID string, turn turns.Turn) {
	if c.sink != nil {
		if _, err := c.sink.SaveTurn(ctx, sessionID, turn); err != nil {
			logger.Error().Err(err).Msg("failed to save turn")
			return
		}
	}
	if c.titles == nil {
		return
	}

	session, err := c.titles.GetSession(ctx, sessionID)
	if err != nil {
		logger.Warn().Err(err).Msg("could not load session for titling")
		return
	}
	if session.Title != nil && *session.Title != "" {
		return
	}
	title, err := c.titler.GenerateTitle(ctx, session)
	if err != nil {
		logger.Warn().Err(err).Msg("could not generate title")
		return
	}
	if err := c.titles.SetTitle(ctx, sessionID, title); err != nil {
		logger.Warn().Err(err).Msg("could not set title")
		return
	}
	logger.Debug().Str("title", title).Msg("session titled")
}
