package cmds

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/turnstream/pkg/chat"
	"github.com/go-go-golems/turnstream/pkg/settings"
)

func NewChatCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat MESSAGE...",
		Short: "Send a message to a session and stream the assistant turn",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID, _ := cmd.Flags().GetString("session")
			newSession, _ := cmd.Flags().GetBool("new")
			remoteTitle, _ := cmd.Flags().GetBool("remote-title")
			content := strings.Join(args, " ")

			s, err := LoadSettings()
			if err != nil {
				return err
			}
			if s.Feed != settings.FeedRedis {
				return errors.Errorf("chat needs the redis feed, %s is in-process only", s.Feed)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			client := apiClient(s)
			if newSession || sessionID == "" {
				sess, err := client.CreateSession(ctx, nil)
				if err != nil {
					return errors.Wrap(err, "could not create session")
				}
				sessionID = sess.ID
				log.Info().Str("session_id", sessionID).Msg("created session")
			}

			feed, closeFeed, err := redisFeed(ctx, s)
			if err != nil {
				return err
			}
			defer closeFeed()

			st, err := openStore(s)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()
			if err := ensureLocalSession(ctx, st, client, sessionID); err != nil {
				return err
			}

			var titler chat.TitleGenerator = chat.HeuristicTitler{}
			if remoteTitle {
				titler = chat.APITitler{Client: client}
			}
			controller := chat.NewController(feed, client,
				chat.WithTurnSink(st),
				chat.WithTitles(st, titler),
				chat.WithSettleTimeout(s.SettleTimeout),
				chat.WithStreamRetries(s.Retries, time.Second),
			)

			printer := newSnapshotPrinter(cmd.OutOrStdout())
			_, err = controller.Send(ctx, sessionID, content, printer.Print)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().String("session", "", "Session ID (default: create a new session)")
	cmd.Flags().Bool("new", false, "Start a new session")
	cmd.Flags().Bool("remote-title", false, "Let the sessions API title new sessions")

	return cmd
}
