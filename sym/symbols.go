// Package sym defines the symbols attached to log lines and CLI output so
// each subsystem is recognisable at a glance.
package sym

// Subsystem symbols.
const (
	Pulse      = "꩜" // scheduler core, timer firing
	PulseOpen  = "✿" // warm start, leadership acquired
	PulseClose = "❀" // shutdown, leadership released
	Leader     = "♛" // heartbeat and election
	Dispatch   = "➶" // recipient delivery
	DB         = "⊔" // storage
	AM         = "≡" // configuration
)

// Names maps each symbol to a readable subsystem name.
var Names = map[string]string{
	Pulse:      "pulse",
	PulseOpen:  "pulse-open",
	PulseClose: "pulse-close",
	Leader:     "leader",
	Dispatch:   "dispatch",
	DB:         "db",
	AM:         "am",
}
