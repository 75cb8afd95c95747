package cmds

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/turnstream/pkg/events"
	"github.com/go-go-golems/turnstream/pkg/stream"
	"github.com/go-go-golems/turnstream/pkg/transcript"
)

type aggregateSettings struct {
	EventsPath string
	Output     string
	Transport  string
	TurnID     string
	UserText   string
	Verbose    bool
}

func NewAggregateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "aggregate",
		Short: "Fold a recorded JSONL event stream into a turn",
		Long: `Reads one event envelope per line ({"type": ..., "data": {...}}) and prints
the resulting turn. With --transport watermill the events are replayed through the
in-process bus and pumped into the aggregator like a live stream.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			as := &aggregateSettings{}
			as.EventsPath, _ = cmd.Flags().GetString("events")
			as.Output, _ = cmd.Flags().GetString("output")
			as.Transport, _ = cmd.Flags().GetString("transport")
			as.TurnID, _ = cmd.Flags().GetString("turn-id")
			as.UserText, _ = cmd.Flags().GetString("user")
			as.Verbose, _ = cmd.Flags().GetBool("verbose")

			s, err := LoadSettings()
			if err != nil {
				return err
			}

			lines, err := readLines(as.EventsPath)
			if err != nil {
				return err
			}
			if as.TurnID == "" {
				as.TurnID = uuid.NewString()
			}

			agg := transcript.NewAggregator()
			agg.Start(as.TurnID, as.UserText)

			var snapshot transcript.Snapshot
			switch as.Transport {
			case "direct":
				for _, line := range lines {
					snapshot = agg.ApplyJSON(line)
				}
			case "watermill":
				ctx, cancel := context.WithTimeoutCause(cmd.Context(), s.SettleTimeout,
					errors.Wrapf(transcript.ErrTransport, "no terminal event within %s", s.SettleTimeout))
				defer cancel()
				snapshot, err = aggregateOverWatermill(ctx, lines, agg, as.Verbose)
				if err != nil {
					log.Warn().Err(err).Msg("turn did not complete")
				}
			default:
				return errors.Errorf("unknown transport %q", as.Transport)
			}

			t := snapshot.Turn(time.Now())
			return writeTurn(cmd.OutOrStdout(), as.Output, &t)
		},
	}

	cmd.Flags().String("events", "-", "JSONL file of event envelopes (- for stdin)")
	cmd.Flags().String("transport", "direct", "How events reach the aggregator (direct, watermill)")
	cmd.Flags().String("turn-id", "", "Turn ID (default: random)")
	cmd.Flags().String("user", "", "User message of the turn")
	addOutputFlag(cmd)

	return cmd
}

func aggregateOverWatermill(ctx context.Context, lines [][]byte, agg *transcript.Aggregator, verbose bool) (transcript.Snapshot, error) {
	const sessionID = "local"

	bus := stream.NewWatermillBus(stream.WithVerbose(verbose))
	defer func() { _ = bus.Close() }()

	for i, line := range lines {
		var env events.Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			log.Warn().Err(err).Int("line", i+1).Msg("skipping malformed line")
			continue
		}
		env.SessionID = sessionID
		e, err := env.Event()
		if err != nil {
			log.Warn().Err(err).Int("line", i+1).Msg("skipping malformed event")
			continue
		}
		if _, err := bus.Publish(ctx, sessionID, e); err != nil {
			return agg.Snapshot(), err
		}
	}

	return stream.NewPump(bus).Run(ctx, sessionID, stream.CursorStart, agg)
}
