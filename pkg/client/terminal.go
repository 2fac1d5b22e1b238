package client

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/muesli/termenv"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"
)

// OutputMode selects how the terminal painter shows an answer.
type OutputMode string

const (
	// OutputText prints the raw answer while it streams.
	OutputText OutputMode = "text"
	// OutputHTML prints the rendered markup once the answer is complete.
	OutputHTML OutputMode = "html"
	// OutputGlamour prints a terminal rendering of the complete answer.
	OutputGlamour OutputMode = "glamour"
)

func ParseOutputMode(s string) (OutputMode, error) {
	switch m := OutputMode(strings.ToLower(strings.TrimSpace(s))); m {
	case "", OutputText:
		return OutputText, nil
	case OutputHTML, OutputGlamour:
		return m, nil
	default:
		return "", errors.Errorf("unknown output mode %q (text, html, glamour)", s)
	}
}

// TerminalPainter shows answers on a terminal or any other writer.
type TerminalPainter struct {
	out     io.Writer
	errOut  io.Writer
	mode    OutputMode
	printed int

	failStyle    lipgloss.Style
	glamourStyle string
	width        int
}

var _ Painter = (*TerminalPainter)(nil)

// NewTerminalPainter writes answers to out and failures to errOut. theme is "dark", "light" or
// empty to ask the terminal.
func NewTerminalPainter(out, errOut io.Writer, mode OutputMode, theme string) *TerminalPainter {
	p := &TerminalPainter{out: out, errOut: errOut, mode: mode, width: 100}

	outTTY := isTerminal(out)
	if f, ok := out.(*os.File); ok && outTTY {
		if w, _, err := term.GetSize(int(f.Fd())); err == nil && w > 20 {
			p.width = w - 2
		}
	}

	renderer := lipgloss.NewRenderer(errOut)
	if !isTerminal(errOut) {
		renderer.SetColorProfile(termenv.Ascii)
	}
	p.failStyle = renderer.NewStyle().Foreground(lipgloss.Color("#ff4d4d")).Bold(true)

	switch {
	case !outTTY:
		p.glamourStyle = "notty"
	case theme == "light":
		p.glamourStyle = "light"
	case theme == "dark":
		p.glamourStyle = "dark"
	case termenv.HasDarkBackground():
		p.glamourStyle = "dark"
	default:
		p.glamourStyle = "light"
	}
	return p
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && isatty.IsTerminal(f.Fd())
}

func (p *TerminalPainter) Paint(text, _ string) {
	if p.mode != OutputText || len(text) <= p.printed {
		return
	}
	_, _ = io.WriteString(p.out, text[p.printed:])
	p.printed = len(text)
}

func (p *TerminalPainter) Finish(text, markup string) {
	switch p.mode {
	case OutputHTML:
		_, _ = fmt.Fprintln(p.out, markup)
	case OutputGlamour:
		r, err := glamour.NewTermRenderer(glamour.WithStandardStyle(p.glamourStyle), glamour.WithWordWrap(p.width))
		if err == nil {
			var styled string
			if styled, err = r.Render(text); err == nil {
				_, _ = io.WriteString(p.out, styled)
				break
			}
		}
		log.Debug().Err(err).Str("component", "client").Msg("glamour render failed, printing raw text")
		_, _ = fmt.Fprintln(p.out, text)
	default:
		p.Paint(text, markup)
		if !strings.HasSuffix(text, "\n") {
			_, _ = fmt.Fprintln(p.out)
		}
	}
	p.printed = 0
}

func (p *TerminalPainter) Fail(message string) {
	if p.mode == OutputText && p.printed > 0 {
		_, _ = fmt.Fprintln(p.out)
	}
	p.printed = 0
	_, _ = fmt.Fprintln(p.errOut, p.failStyle.Render(message))
}
