// Package capability maps device tool names onto the capability string a
// device must advertise to handle them.
package capability

import "strings"

// Tools is the static table of capabilities and the exact tool names each
// one authorizes. A device advertising a capability may be sent any of the
// tools listed under it, plus any dot-namespaced tool that resolves to it
// through prefix walking (see Resolve).
var Tools = map[string][]string{
	"imessage": {
		"imessage.send",
		"imessage.read",
		"imessage.listChats",
		"imessage.search",
	},
	"files": {
		"files.read",
		"files.write",
		"files.list",
		"files.search",
	},
	"voice": {
		"voice.speak",
		"voice.transcribe",
	},
	"desktop": {
		"desktop.screenshot",
		"desktop.openApp",
		"desktop.notify",
		"desktop.calendar.addEvent",
		"desktop.calendar.listEvents",
		"desktop.mail.send",
		"desktop.shell.run",
	},
	"browser": {
		"browser.navigate",
		"browser.click",
		"browser.read",
		"browser.screenshot",
	},
	"hue": {
		"hue.controlLight",
		"hue.listLights",
	},
	"sonos": {
		"sonos.play",
		"sonos.pause",
		"sonos.setVolume",
	},
}

// aliases rewrites legacy or alternate tool spellings onto their canonical
// names before resolution.
var aliases = map[string]string{
	"imessage.sendMessage": "imessage.send",
	"sms.send":             "imessage.send",
	"calendar.addEvent":    "desktop.calendar.addEvent",
	"calendar.listEvents":  "desktop.calendar.listEvents",
	"mail.send":            "desktop.mail.send",
	"shell.run":            "desktop.shell.run",
	"lights.control":       "hue.controlLight",
}

// toolIndex maps every exact tool name to its capability.
var toolIndex = func() map[string]string {
	idx := make(map[string]string)
	for cap, tools := range Tools {
		for _, t := range tools {
			idx[t] = cap
		}
	}
	return idx
}()

// Resolve returns the capability a device needs to execute the tool, or
// ok=false if the tool is not a device tool at all. Resolution tries, in
// order: an alias rewrite, an exact match, progressively shorter
// dot-separated prefixes, and finally the first segment if it is itself a
// known capability.
func Resolve(tool string) (cap string, ok bool) {
	if canonical, found := aliases[tool]; found {
		tool = canonical
	}
	if cap, ok = toolIndex[tool]; ok {
		return cap, true
	}

	prefix := tool
	for {
		i := strings.LastIndex(prefix, ".")
		if i < 0 {
			break
		}
		prefix = prefix[:i]
		if cap, ok = toolIndex[prefix]; ok {
			return cap, true
		}
	}

	// First segment as the capability itself.
	first, _, _ := strings.Cut(tool, ".")
	if _, known := Tools[first]; known {
		return first, true
	}

	return "", false
}

// Known reports whether the string is a registered capability.
func Known(cap string) bool {
	_, ok := Tools[cap]
	return ok
}

// All returns the registered capability names. Order is unspecified.
func All() []string {
	caps := make([]string, 0, len(Tools))
	for c := range Tools {
		caps = append(caps, c)
	}
	return caps
}
