package turns

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// PrettyPrinter renders a Turn in a configurable human-friendly way.
type PrettyPrinter struct {
	IncludeIDs        bool
	IncludeStatus     bool
	IncludeToolDetail bool
	IndentSpaces      int
	MaxTextLines      int // 0 => unlimited
}

// PrintOption configures a PrettyPrinter.
type PrintOption func(*PrettyPrinter)

// WithIDs toggles inclusion of turn and tool call IDs.
func WithIDs(include bool) PrintOption { return func(p *PrettyPrinter) { p.IncludeIDs = include } }

// WithStatus toggles the trailing status line.
func WithStatus(include bool) PrintOption { return func(p *PrettyPrinter) { p.IncludeStatus = include } }

// WithToolDetail toggles inclusion of tool args/result details.
func WithToolDetail(include bool) PrintOption {
	return func(p *PrettyPrinter) { p.IncludeToolDetail = include }
}

// WithIndent sets the number of spaces used for indentation.
func WithIndent(spaces int) PrintOption { return func(p *PrettyPrinter) { p.IndentSpaces = spaces } }

// WithMaxTextLines limits how many lines of text to print for message bodies (0 = unlimited).
func WithMaxTextLines(n int) PrintOption { return func(p *PrettyPrinter) { p.MaxTextLines = n } }

// NewPrettyPrinter creates a PrettyPrinter with sensible defaults.
func NewPrettyPrinter(opts ...PrintOption) *PrettyPrinter {
	p := &PrettyPrinter{
		IncludeIDs:        false,
		IncludeStatus:     true,
		IncludeToolDetail: true,
		IndentSpaces:      0,
		MaxTextLines:      0,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// FprintfTurn prints the provided Turn using an ephemeral PrettyPrinter configured via options.
func FprintfTurn(w io.Writer, t *Turn, opts ...PrintOption) {
	pp := NewPrettyPrinter(opts...)
	pp.FprintTurn(w, t)
}

// FprintTurn emits a human-readable rendering of a Turn.
func (p *PrettyPrinter) FprintTurn(w io.Writer, t *Turn) {
	if t == nil {
		return
	}
	pad := strings.Repeat(" ", p.IndentSpaces)
	if p.IncludeIDs && t.ID != "" {
		fmt.Fprintf(w, "%sturn: %s\n", pad, t.ID)
	}
	if t.UserText != nil {
		p.fprintText(w, pad+"user:", *t.UserText)
	}
	p.FprintBlocks(w, t.AssistantBlocks)
	if p.IncludeStatus {
		if t.Error != "" {
			fmt.Fprintf(w, "%sstatus: %s (%s)\n", pad, t.Status, t.Error)
		} else {
			fmt.Fprintf(w, "%sstatus: %s\n", pad, t.Status)
		}
	}
}

// FprintBlocks emits one entry per assistant block.
func (p *PrettyPrinter) FprintBlocks(w io.Writer, blocks []ContentBlock) {
	pad := strings.Repeat(" ", p.IndentSpaces)
	for i, b := range blocks {
		prefix := pad
		if p.IncludeIDs {
			prefix = fmt.Sprintf("%s[%02d] ", pad, i)
		}

		switch b.Type {
		case BlockTypeText:
			p.fprintText(w, prefix+"assistant:", b.Text)
		case BlockTypeToolCall:
			if !p.IncludeToolDetail {
				fmt.Fprintf(w, "%stool_call: %s\n", prefix, b.Name)
				continue
			}
			fmt.Fprintf(w, "%stool_call: name=%s id=%s\n", prefix, b.Name, b.CallID)
			if b.Arguments != nil {
				fmt.Fprintf(w, "%s  args: %s\n", pad, toOneLineJSON(b.Arguments))
			}
			switch {
			case !b.HasResult():
				fmt.Fprintf(w, "%s  result: <pending>\n", pad)
			case *b.IsError:
				fmt.Fprintf(w, "%s  error: %s\n", pad, toOneLineJSON(b.Result))
			default:
				fmt.Fprintf(w, "%s  result: %s\n", pad, toOneLineJSON(b.Result))
			}
		default:
			fmt.Fprintf(w, "%sunknown block type %q\n", prefix, b.Type)
		}
	}
}

func (p *PrettyPrinter) fprintText(w io.Writer, head string, text string) {
	if p.MaxTextLines <= 0 {
		fmt.Fprintf(w, "%s %s\n", head, text)
		return
	}
	lines := strings.Split(text, "\n")
	if len(lines) <= p.MaxTextLines {
		fmt.Fprintf(w, "%s %s\n", head, text)
		return
	}
	trimmed := strings.Join(lines[:p.MaxTextLines], "\n")
	fmt.Fprintf(w, "%s %s\n", head, trimmed)
}

func toOneLineJSON(v any) string {
	// Already a string? Return directly
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	// collapse whitespace
	out := string(b)
	out = strings.ReplaceAll(out, "\n", " ")
	out = strings.ReplaceAll(out, "\t", " ")
	return out
}
