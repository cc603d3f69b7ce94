package router

import "sync/atomic"

// Stats holds the hub's monotonic counters. All fields are safe for
// concurrent use.
type Stats struct {
	ConnectionsOpened atomic.Int64
	ConnectionsClosed atomic.Int64
	Registrations     atomic.Int64
	Heartbeats        atomic.Int64
	ToolCallSuccesses atomic.Int64
	ToolCallTimeouts  atomic.Int64
}

// StatsSnapshot is a point-in-time copy of the counters for the stats API.
type StatsSnapshot struct {
	ConnectionsOpened int64 `json:"connectionsOpened"`
	ConnectionsClosed int64 `json:"connectionsClosed"`
	Registrations     int64 `json:"registrations"`
	Heartbeats        int64 `json:"heartbeats"`
	ToolCallSuccesses int64 `json:"toolCallSuccesses"`
	ToolCallTimeouts  int64 `json:"toolCallTimeouts"`
}

// Snapshot copies the counters.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		ConnectionsOpened: s.ConnectionsOpened.Load(),
		ConnectionsClosed: s.ConnectionsClosed.Load(),
		Registrations:     s.Registrations.Load(),
		Heartbeats:        s.Heartbeats.Load(),
		ToolCallSuccesses: s.ToolCallSuccesses.Load(),
		ToolCallTimeouts:  s.ToolCallTimeouts.Load(),
	}
}
