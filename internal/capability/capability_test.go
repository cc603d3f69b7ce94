package capability

import "testing"

func TestResolve_ExactMatch(t *testing.T) {
	cap, ok := Resolve("imessage.send")
	if !ok {
		t.Fatal("expected imessage.send to resolve")
	}
	if cap != "imessage" {
		t.Errorf("expected capability 'imessage', got %q", cap)
	}
}

func TestResolve_PrefixWalk(t *testing.T) {
	// Not in the exact table, but desktop.calendar.addEvent is, so the
	// deepest matching prefix wins.
	cap, ok := Resolve("desktop.calendar.addEvent")
	if !ok {
		t.Fatal("expected desktop.calendar.addEvent to resolve")
	}
	if cap != "desktop" {
		t.Errorf("expected capability 'desktop', got %q", cap)
	}
}

func TestResolve_FirstSegmentFallback(t *testing.T) {
	// No exact tool and no prefix matches, but the first segment is a
	// registered capability.
	cap, ok := Resolve("browser.tabs.closeAll")
	if !ok {
		t.Fatal("expected browser.tabs.closeAll to resolve")
	}
	if cap != "browser" {
		t.Errorf("expected capability 'browser', got %q", cap)
	}
}

func TestResolve_Alias(t *testing.T) {
	cases := map[string]string{
		"sms.send":          "imessage",
		"calendar.addEvent": "desktop",
		"lights.control":    "hue",
	}
	for tool, want := range cases {
		cap, ok := Resolve(tool)
		if !ok {
			t.Errorf("expected alias %q to resolve", tool)
			continue
		}
		if cap != want {
			t.Errorf("alias %q: expected capability %q, got %q", tool, want, cap)
		}
	}
}

func TestResolve_UnknownTool(t *testing.T) {
	if cap, ok := Resolve("made.up.tool"); ok {
		t.Errorf("expected made.up.tool not to resolve, got %q", cap)
	}
	if _, ok := Resolve("frobnicate"); ok {
		t.Error("expected bare unknown tool not to resolve")
	}
	if _, ok := Resolve(""); ok {
		t.Error("expected empty tool not to resolve")
	}
}

func TestKnown(t *testing.T) {
	if !Known("desktop") {
		t.Error("expected 'desktop' to be a known capability")
	}
	if Known("teleport") {
		t.Error("expected 'teleport' to be unknown")
	}
}

func TestAll_CoversEveryCapability(t *testing.T) {
	caps := All()
	if len(caps) != len(Tools) {
		t.Errorf("All() returned %d capabilities, want %d", len(caps), len(Tools))
	}
	for _, c := range caps {
		if !Known(c) {
			t.Errorf("All() returned unknown capability %q", c)
		}
	}
}
