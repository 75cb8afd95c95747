package cmds

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/turnstream/pkg/stream"
	"github.com/go-go-golems/turnstream/pkg/transcript"
)

func NewTailCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Follow the event feed of a session",
		Long: `Prints every entry of the session stream as a JSON line. With --aggregate the
entries are folded into a turn which is printed as it streams, until its final text.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID, _ := cmd.Flags().GetString("session")
			cursor, _ := cmd.Flags().GetString("cursor")
			aggregate, _ := cmd.Flags().GetBool("aggregate")
			output, _ := cmd.Flags().GetString("output")
			if sessionID == "" {
				return errors.New("--session is required")
			}

			s, err := LoadSettings()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			feed, closeFeed, err := redisFeed(ctx, s)
			if err != nil {
				return err
			}
			defer closeFeed()

			if aggregate {
				return tailAggregate(ctx, cmd, feed, sessionID, cursor, output, s.Retries)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			sub, err := feed.Subscribe(ctx, sessionID, cursor, func(ctx context.Context, msg stream.Message) error {
				return enc.Encode(msg)
			})
			if err != nil {
				return err
			}
			defer sub.Close()

			select {
			case <-ctx.Done():
				return nil
			case <-sub.Done():
				return sub.Err()
			}
		},
	}

	cmd.Flags().String("session", "", "Session ID")
	cmd.Flags().String("cursor", stream.CursorLatest, "Entry ID to start after (0 for the whole stream, $ for new entries only)")
	cmd.Flags().Bool("aggregate", false, "Fold the entries into a turn")
	addOutputFlag(cmd)

	return cmd
}

func tailAggregate(ctx context.Context, cmd *cobra.Command, feed stream.Feed, sessionID string, cursor string, output string, retries int) error {
	agg := transcript.NewAggregator()
	agg.Start("", "")

	opts := []stream.PumpOption{stream.WithRetries(retries, time.Second)}
	if output == "text" {
		printer := newSnapshotPrinter(cmd.OutOrStdout())
		opts = append(opts, stream.WithSnapshotHandler(printer.Print))
	}

	snapshot, err := stream.NewPump(feed, opts...).Run(ctx, sessionID, cursor, agg)
	if output != "text" {
		t := snapshot.Turn(time.Now())
		if werr := writeTurn(cmd.OutOrStdout(), output, &t); werr != nil {
			return werr
		}
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
