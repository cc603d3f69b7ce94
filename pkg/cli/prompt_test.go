package cli

import (
	"bytes"
	"strings"
	"testing"
)

func scripted(input string) (*Prompter, *bytes.Buffer) {
	out := &bytes.Buffer{}
	return &Prompter{In: strings.NewReader(input), Out: out}, out
}

func TestAsk(t *testing.T) {
	tests := []struct {
		name       string
		input      string
		defaultVal string
		want       string
	}{
		{"answer wins", "custom\n", "fallback", "custom"},
		{"enter takes default", "\n", "fallback", "fallback"},
		{"whitespace takes default", "   \n", "fallback", "fallback"},
		{"answer trimmed", "  spaced  \n", "", "spaced"},
		{"eof takes default", "", "fallback", "fallback"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _ := scripted(tt.input)
			if got := p.Ask("Question", tt.defaultVal); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAskShowsDefaultHint(t *testing.T) {
	p, out := scripted("\n")
	p.Ask("Listen address", ":8080")
	if !strings.Contains(out.String(), "(:8080)") {
		t.Errorf("prompt missing default hint: %q", out.String())
	}
}

func TestAskPasswordFallsBackToPlainRead(t *testing.T) {
	// A strings.Reader is not a terminal, so no-echo mode is skipped.
	p, _ := scripted("hunter2-hunter2\n")
	if got := p.AskPassword("Password"); got != "hunter2-hunter2" {
		t.Errorf("got %q", got)
	}
}

func TestAskInt(t *testing.T) {
	p, _ := scripted("7\n")
	if got := p.AskInt("Max devices", 10); got != 7 {
		t.Errorf("got %d, want 7", got)
	}

	p, _ = scripted("\n")
	if got := p.AskInt("Max devices", 10); got != 10 {
		t.Errorf("default: got %d, want 10", got)
	}
}

func TestAskIntReasksOnGarbage(t *testing.T) {
	p, out := scripted("zero\n-3\n4\n")
	if got := p.AskInt("Max devices", 10); got != 4 {
		t.Errorf("got %d, want 4", got)
	}
	if n := strings.Count(out.String(), "whole number"); n != 2 {
		t.Errorf("expected 2 re-ask notices, saw %d", n)
	}
}

func TestChoose(t *testing.T) {
	drivers := []string{"sqlite", "postgres"}

	p, _ := scripted("2\n")
	if got := p.Choose("Database driver", drivers, 0); got != "postgres" {
		t.Errorf("got %q, want postgres", got)
	}

	p, _ = scripted("\n")
	if got := p.Choose("Database driver", drivers, 0); got != "sqlite" {
		t.Errorf("default: got %q, want sqlite", got)
	}
}

func TestChooseReasksOutOfRange(t *testing.T) {
	p, out := scripted("9\n1\n")
	if got := p.Choose("Database driver", []string{"sqlite", "postgres"}, 0); got != "sqlite" {
		t.Errorf("got %q, want sqlite", got)
	}
	if !strings.Contains(out.String(), "1 to 2") {
		t.Errorf("expected range notice, got %q", out.String())
	}
}

func TestChooseMarksDefaultOption(t *testing.T) {
	p, out := scripted("\n")
	p.Choose("Database driver", []string{"sqlite", "postgres"}, 1)
	if !strings.Contains(out.String(), "2) postgres (default)") {
		t.Errorf("default not marked: %q", out.String())
	}
}

func TestConfirm(t *testing.T) {
	tests := []struct {
		name       string
		input      string
		defaultYes bool
		want       bool
	}{
		{"y", "y\n", false, true},
		{"yes", "yes\n", false, true},
		{"uppercase Y", "Y\n", false, true},
		{"n", "n\n", true, false},
		{"no", "no\n", true, false},
		{"enter keeps default yes", "\n", true, true},
		{"enter keeps default no", "\n", false, false},
		{"anything else is no", "maybe\n", true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _ := scripted(tt.input)
			if got := p.Confirm("Limit devices per user?", tt.defaultYes); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSequentialQuestionsShareTheReader(t *testing.T) {
	p, _ := scripted(":9090\nroot\n1\n")
	if got := p.Ask("Listen address", ":8080"); got != ":9090" {
		t.Errorf("first answer: got %q", got)
	}
	if got := p.Ask("Username", "admin"); got != "root" {
		t.Errorf("second answer: got %q", got)
	}
	if got := p.Choose("Database driver", []string{"sqlite", "postgres"}, 1); got != "sqlite" {
		t.Errorf("third answer: got %q", got)
	}
}
