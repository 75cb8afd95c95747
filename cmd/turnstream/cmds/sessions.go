package cmds

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/turnstream/pkg/api"
	"github.com/go-go-golems/turnstream/pkg/settings"
	"github.com/go-go-golems/turnstream/pkg/store"
	"github.com/go-go-golems/turnstream/pkg/turns"
)

type sessionSource interface {
	ListSessions(ctx context.Context) ([]turns.Session, error)
	CreateSession(ctx context.Context, title *string) (turns.Session, error)
	GetSession(ctx context.Context, id string) (turns.Session, error)
}

var (
	_ sessionSource = (*store.Store)(nil)
	_ sessionSource = (*api.Client)(nil)
)

// openSessionSource returns the sessions API with --remote, the local database otherwise.
func openSessionSource(cmd *cobra.Command, s *settings.Settings) (sessionSource, func(), error) {
	remote, _ := cmd.Flags().GetBool("remote")
	if remote {
		return apiClient(s), func() {}, nil
	}
	st, err := openStore(s)
	if err != nil {
		return nil, nil, err
	}
	return st, func() { _ = st.Close() }, nil
}

func NewSessionsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Manage chat sessions",
	}
	cmd.PersistentFlags().Bool("remote", false, "Use the sessions API instead of the local database")

	cmd.AddCommand(newListSessionsCommand())
	cmd.AddCommand(newCreateSessionCommand())
	cmd.AddCommand(newShowSessionCommand())
	cmd.AddCommand(newPullSessionCommand())

	return cmd
}

func newListSessionsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")
			s, err := LoadSettings()
			if err != nil {
				return err
			}
			src, closeSrc, err := openSessionSource(cmd, s)
			if err != nil {
				return err
			}
			defer closeSrc()

			sessions, err := src.ListSessions(cmd.Context())
			if err != nil {
				return err
			}
			if ok, err := writeStructured(cmd.OutOrStdout(), output, sessions); ok || err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTITLE\tSTATUS\tUPDATED")
			for _, sess := range sessions {
				title := ""
				if sess.Title != nil {
					title = *sess.Title
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", sess.ID, title, sess.Status, sess.UpdatedAt.Local().Format("2006-01-02 15:04"))
			}
			return w.Flush()
		},
	}
	addOutputFlag(cmd)
	return cmd
}

func newCreateSessionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := LoadSettings()
			if err != nil {
				return err
			}
			src, closeSrc, err := openSessionSource(cmd, s)
			if err != nil {
				return err
			}
			defer closeSrc()

			var title *string
			if cmd.Flags().Changed("title") {
				t, _ := cmd.Flags().GetString("title")
				title = &t
			}
			sess, err := src.CreateSession(cmd.Context(), title)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), sess.ID)
			return nil
		},
	}
	cmd.Flags().String("title", "", "Session title")
	return cmd
}

func newShowSessionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show ID",
		Short: "Print a session with its turns",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")
			s, err := LoadSettings()
			if err != nil {
				return err
			}
			src, closeSrc, err := openSessionSource(cmd, s)
			if err != nil {
				return err
			}
			defer closeSrc()

			sess, err := src.GetSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if ok, err := writeStructured(cmd.OutOrStdout(), output, sess); ok || err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "session: %s\n", sess.ID)
			if sess.Title != nil {
				fmt.Fprintf(w, "title: %s\n", *sess.Title)
			}
			for i := range sess.Turns {
				fmt.Fprintln(w, "---")
				if err := writeTurn(w, "text", &sess.Turns[i]); err != nil {
					return err
				}
			}
			if len(sess.MalformedTurns) > 0 {
				fmt.Fprintf(w, "---\nmalformed turns, not shown: %s\n", strings.Join(sess.MalformedTurns, ", "))
			}
			return nil
		},
	}
	addOutputFlag(cmd)
	return cmd
}

func newPullSessionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "pull ID",
		Short: "Copy a session and its turns from the sessions API into the local database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := LoadSettings()
			if err != nil {
				return err
			}
			st, err := openStore(s)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			n, err := pullSession(cmd.Context(), st, apiClient(s), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pulled %d new turns\n", n)
			return nil
		},
	}
}

// pullSession mirrors a remote session locally and stores the turns missing from the
// local copy. It returns the number of stored turns.
func pullSession(ctx context.Context, st *store.Store, client *api.Client, sessionID string) (int, error) {
	remote, err := client.GetSession(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	if err := st.ImportSession(ctx, remote); err != nil {
		return 0, err
	}

	n := 0
	for _, t := range remote.Turns {
		_, err := st.GetTurn(ctx, t.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, store.ErrTurnNotFound) {
			return n, err
		}
		if _, err := st.SaveTurn(ctx, sessionID, t); err != nil {
			return n, err
		}
		n++
	}
	log.Debug().Str("session_id", sessionID).Int("turns", n).Msg("pulled session")
	return n, nil
}

// ensureLocalSession makes sure turns of a remote session can be saved locally.
func ensureLocalSession(ctx context.Context, st *store.Store, client *api.Client, sessionID string) error {
	_, err := st.GetSession(ctx, sessionID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrSessionNotFound) {
		return err
	}
	_, err = pullSession(ctx, st, client, sessionID)
	return err
}
