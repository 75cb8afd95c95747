package cmds

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/turnstream/pkg/events"
	"github.com/go-go-golems/turnstream/pkg/stream"
)

func NewPublishCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish a recorded JSONL event stream to a session feed on Redis",
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID, _ := cmd.Flags().GetString("session")
			eventsPath, _ := cmd.Flags().GetString("events")
			turnID, _ := cmd.Flags().GetString("turn-id")
			delay, _ := cmd.Flags().GetDuration("delay")
			raw, _ := cmd.Flags().GetBool("raw")
			reset, _ := cmd.Flags().GetBool("reset")
			if sessionID == "" {
				return errors.New("--session is required")
			}

			s, err := LoadSettings()
			if err != nil {
				return err
			}
			lines, err := readLines(eventsPath)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			feed, closeFeed, err := redisFeed(ctx, s)
			if err != nil {
				return err
			}
			defer closeFeed()

			if reset {
				if err := feed.Delete(ctx, sessionID); err != nil {
					return err
				}
			}

			for i, line := range lines {
				var env events.Envelope
				if err := json.Unmarshal(line, &env); err != nil {
					log.Warn().Err(err).Int("line", i+1).Msg("skipping malformed line")
					continue
				}

				m := stream.Message{Kind: env.Type, Data: env.Data, SessionID: sessionID, TurnID: env.TurnID}
				if turnID != "" {
					m.TurnID = turnID
				}
				if !raw {
					env.SessionID, env.TurnID = sessionID, m.TurnID
					if _, err := env.Event(); err != nil {
						log.Warn().Err(err).Int("line", i+1).Msg("skipping invalid event, use --raw to publish it anyway")
						continue
					}
				}

				id, err := feed.PublishMessage(ctx, sessionID, m)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", id, m.Kind)

				if delay > 0 && i < len(lines)-1 {
					select {
					case <-ctx.Done():
						return ctx.Err()
					case <-time.After(delay):
					}
				}
			}
			return nil
		},
	}

	cmd.Flags().String("session", "", "Session ID")
	cmd.Flags().String("events", "-", "JSONL file of event envelopes (- for stdin)")
	cmd.Flags().String("turn-id", "", "Turn ID stamped on every entry")
	cmd.Flags().Duration("delay", 0, "Pause between entries, to simulate streaming")
	cmd.Flags().Bool("raw", false, "Publish entries without validating them")
	cmd.Flags().Bool("reset", false, "Delete the session stream first")

	return cmd
}
