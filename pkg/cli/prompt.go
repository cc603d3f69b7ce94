// Package cli implements the line-oriented prompts behind "switchboard init".
package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"
)

// Prompter asks questions on a terminal and collects the answers. In and Out
// are swappable so tests can script a session.
type Prompter struct {
	In  io.Reader
	Out io.Writer

	r *bufio.Reader
}

// DefaultPrompter returns a Prompter on stdin/stdout.
func DefaultPrompter() *Prompter {
	return &Prompter{In: os.Stdin, Out: os.Stdout}
}

func (p *Prompter) reader() *bufio.Reader {
	if p.r == nil {
		p.r = bufio.NewReader(p.In)
	}
	return p.r
}

func (p *Prompter) line() string {
	s, _ := p.reader().ReadString('\n')
	return strings.TrimSpace(s)
}

// Ask poses a question and returns the answer. Enter on an empty line takes
// defaultVal.
func (p *Prompter) Ask(question, defaultVal string) string {
	if defaultVal == "" {
		_, _ = fmt.Fprintf(p.Out, "%s: ", question)
	} else {
		_, _ = fmt.Fprintf(p.Out, "%s (%s): ", question, defaultVal)
	}
	if ans := p.line(); ans != "" {
		return ans
	}
	return defaultVal
}

// AskPassword reads an answer without echoing it. When In is not a real
// terminal (tests, piped input) it degrades to an ordinary line read.
func (p *Prompter) AskPassword(question string) string {
	_, _ = fmt.Fprintf(p.Out, "%s: ", question)

	if f, ok := p.In.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		_, _ = fmt.Fprintln(p.Out)
		if err == nil {
			return strings.TrimSpace(string(b))
		}
	}

	return p.line()
}

// AskInt keeps asking until the answer is a positive integer. Enter takes
// the default.
func (p *Prompter) AskInt(question string, defaultVal int) int {
	for {
		ans := p.Ask(question, strconv.Itoa(defaultVal))
		if n, err := strconv.Atoi(ans); err == nil && n > 0 {
			return n
		}
		_, _ = fmt.Fprintln(p.Out, "  enter a whole number greater than zero")
	}
}

// Choose lists options one per line and reads a 1-based selection, re-asking
// until the answer is in range. Enter takes the default.
func (p *Prompter) Choose(question string, options []string, defaultIdx int) string {
	_, _ = fmt.Fprintln(p.Out, question)
	for i, opt := range options {
		if i == defaultIdx {
			_, _ = fmt.Fprintf(p.Out, "  %d) %s (default)\n", i+1, opt)
			continue
		}
		_, _ = fmt.Fprintf(p.Out, "  %d) %s\n", i+1, opt)
	}

	for {
		ans := p.Ask("Select", strconv.Itoa(defaultIdx+1))
		if n, err := strconv.Atoi(ans); err == nil && n >= 1 && n <= len(options) {
			return options[n-1]
		}
		_, _ = fmt.Fprintf(p.Out, "  enter a number from 1 to %d\n", len(options))
	}
}

// Confirm reads a yes/no answer; anything starting with y or Y counts as
// yes, Enter takes the default.
func (p *Prompter) Confirm(question string, defaultYes bool) bool {
	hint := "y/N"
	if defaultYes {
		hint = "Y/n"
	}
	_, _ = fmt.Fprintf(p.Out, "%s (%s): ", question, hint)
	ans := strings.ToLower(p.line())
	if ans == "" {
		return defaultYes
	}
	return strings.HasPrefix(ans, "y")
}
