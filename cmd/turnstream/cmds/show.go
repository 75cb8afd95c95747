package cmds

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"text/template"

	"github.com/charmbracelet/glamour"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/turnstream/pkg/turns"
)

const sessionTemplate = `# {{ title . }}
{{ range .Turns }}
{{- if .UserText }}
## You

{{ deref .UserText }}
{{ end }}
## Assistant
{{ range .AssistantBlocks }}
{{ if .IsText -}}
{{ .Text }}
{{ else -}}
**{{ .Name }}**{{ if .HasResult }}{{ if deref .IsError }} (failed){{ end }}{{ else }} (pending){{ end }}

` + "```json" + `
{{ args .Arguments }}
` + "```" + `
{{ if .HasResult }}
` + "```" + `
{{ result . }}
` + "```" + `
{{ end }}
{{- end }}
{{- end }}
{{- if eq .Status "error" }}
> {{ .Error }}
{{ end }}
{{ end }}
{{- if .MalformedTurns }}
> Not displayed, could not be read: {{ join .MalformedTurns }}
{{ end }}`

var sessionTmpl = template.Must(template.New("session").Funcs(template.FuncMap{
	"title": func(s turns.Session) string {
		if s.Title != nil && *s.Title != "" {
			return *s.Title
		}
		return "Session " + s.ID
	},
	"deref": func(v any) any {
		switch p := v.(type) {
		case *string:
			return *p
		case *bool:
			return *p
		}
		return v
	},
	"join": func(ids []string) string {
		return strings.Join(ids, ", ")
	},
	"args": func(v any) string {
		return turns.FormatArguments(v)
	},
	"result": func(b turns.ContentBlock) string {
		if s, ok := b.Result.(string); ok {
			return s
		}
		return turns.FormatArguments(b.Result)
	},
}).Parse(sessionTemplate))

// sessionMarkdown renders a session transcript as markdown.
func sessionMarkdown(s turns.Session) (string, error) {
	var buf bytes.Buffer
	if err := sessionTmpl.Execute(&buf, s); err != nil {
		return "", errors.Wrap(err, "could not render session")
	}
	return strings.TrimSpace(buf.String()) + "\n", nil
}

func NewShowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the transcript of a session as markdown",
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID, _ := cmd.Flags().GetString("session")
			render, _ := cmd.Flags().GetBool("render")
			style, _ := cmd.Flags().GetString("style")
			if sessionID == "" {
				return errors.New("--session is required")
			}

			s, err := LoadSettings()
			if err != nil {
				return err
			}
			src, closeSrc, err := openSessionSource(cmd, s)
			if err != nil {
				return err
			}
			defer closeSrc()

			sess, err := src.GetSession(cmd.Context(), sessionID)
			if err != nil {
				return err
			}
			md, err := sessionMarkdown(sess)
			if err != nil {
				return err
			}

			// styled output only makes sense on a terminal
			if render && isatty.IsTerminal(os.Stdout.Fd()) {
				styled, err := glamour.Render(md, style)
				if err != nil {
					return err
				}
				md = styled
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), md)
			return err
		},
	}

	cmd.Flags().String("session", "", "Session ID")
	cmd.Flags().Bool("render", false, "Render the markdown when printing to a terminal")
	cmd.Flags().String("style", "dark", "glamour style (dark, light, notty)")
	cmd.Flags().Bool("remote", false, "Use the sessions API instead of the local database")

	return cmd
}
