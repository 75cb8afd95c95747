package cmds

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/invopop/jsonschema"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/turnstream/pkg/events"
	"github.com/go-go-golems/turnstream/pkg/replay"
	"github.com/go-go-golems/turnstream/pkg/settings"
	"github.com/go-go-golems/turnstream/pkg/turns"
)

// schemaTargets are the documents whose JSON Schema can be printed.
var schemaTargets = map[string]func() any{
	"envelope":    func() any { return &events.Envelope{} },
	"turn":        func() any { return &turns.Turn{} },
	"stored-turn": func() any { return &replay.StoredTurn{} },
	"session":     func() any { return &turns.Session{} },
	"settings":    func() any { return settings.NewSettings() },
}

func schemaFor(name string) (*jsonschema.Schema, error) {
	target, ok := schemaTargets[name]
	if !ok {
		names := make([]string, 0, len(schemaTargets))
		for n := range schemaTargets {
			names = append(names, n)
		}
		sort.Strings(names)
		return nil, errors.Errorf("unknown schema %q, expected one of %s", name, strings.Join(names, ", "))
	}
	reflector := jsonschema.Reflector{
		// Expand definitions inline instead of using $refs
		DoNotReference: true,
	}
	return reflector.Reflect(target()), nil
}

func NewSchemaCommand() *cobra.Command {
	return &cobra.Command{
		Use:       "schema [envelope|turn|stored-turn|session|settings]",
		Short:     "Print the JSON Schema of a wire or storage document",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"envelope", "turn", "stored-turn", "session", "settings"},
		RunE: func(cmd *cobra.Command, args []string) error {
			name := "turn"
			if len(args) == 1 {
				name = args[0]
			}
			schema, err := schemaFor(name)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(schema)
		},
	}
}
