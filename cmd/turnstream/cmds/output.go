package cmds

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"

	"github.com/go-go-golems/turnstream/pkg/transcript"
	"github.com/go-go-golems/turnstream/pkg/turns"
	"github.com/go-go-golems/turnstream/pkg/turns/serde"
)

func writeTurn(w io.Writer, format string, t *turns.Turn) error {
	var (
		b   []byte
		err error
	)
	switch format {
	case "yaml":
		b, err = serde.ToYAML(t, serde.Options{})
	case "json":
		b, err = serde.ToJSON(t, serde.Options{})
		b = append(b, '\n')
	case "text", "":
		turns.FprintfTurn(w, t, turns.WithIDs(true))
		return nil
	default:
		return errors.Errorf("unknown output format %q", format)
	}
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// readLines reads the non-empty lines of a JSONL file, "-" being stdin.
func readLines(path string) ([][]byte, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, errors.Wrapf(err, "could not open %s", path)
		}
		defer func() { _ = f.Close() }()
		r = f
	}

	var ret [][]byte
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		ret = append(ret, append([]byte(nil), line...))
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "could not read %s", path)
	}
	return ret, nil
}

// snapshotPrinter prints what changed between successive snapshots of one turn, so
// a terminal shows the assistant text as it streams in.
type snapshotPrinter struct {
	w       io.Writer
	last    transcript.Snapshot
	printed []string
}

func newSnapshotPrinter(w io.Writer) *snapshotPrinter {
	return &snapshotPrinter{w: w}
}

func (p *snapshotPrinter) Print(s transcript.Snapshot) {
	if s.Equal(p.last) {
		return
	}
	defer func() { p.last = s }()

	for i, b := range s.Blocks {
		if i >= len(p.printed) {
			p.printed = append(p.printed, "")
			if i > 0 {
				fmt.Fprintln(p.w)
			}
		}
		line := p.render(b)
		prev := p.printed[i]
		switch {
		case line == prev:
		case strings.HasPrefix(line, prev):
			fmt.Fprint(p.w, line[len(prev):])
		default:
			// the block was rewritten, e.g. by the final text
			fmt.Fprint(p.w, "\n"+line)
		}
		p.printed[i] = line
	}

	if s.IsTerminal() {
		fmt.Fprintln(p.w)
		if s.Status == turns.StatusError {
			fmt.Fprintf(p.w, "error: %s\n", s.Error)
		}
	}
}

func (p *snapshotPrinter) render(b turns.ContentBlock) string {
	if b.IsText() {
		return b.Text
	}
	ret := fmt.Sprintf("[tool %s %s]", b.Name, turns.FormatArguments(b.Arguments))
	if b.HasResult() {
		if *b.IsError {
			ret += " error"
		} else {
			ret += " done"
		}
	}
	return ret
}
