package runner

import "fmt"

// Phase is the lifecycle position of a Run. Phases only move forward.
type Phase int

const (
	Idle Phase = iota
	Connecting
	RunningStartup
	RunningMain
	RunningShutdown
	Completed
	Failed
	Cancelled
)

var phaseNames = [...]string{
	Idle:            "idle",
	Connecting:      "connecting",
	RunningStartup:  "running_startup",
	RunningMain:     "running_main",
	RunningShutdown: "running_shutdown",
	Completed:       "completed",
	Failed:          "failed",
	Cancelled:       "cancelled",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return "unknown"
	}
	return phaseNames[p]
}

// Terminal reports whether no further transition can happen.
func (p Phase) Terminal() bool { return p >= Completed }

// Active is true for every phase between Idle and a terminal phase.
func (p Phase) Active() bool { return p > Idle && p < Completed }

func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func canTransition(from, to Phase) bool {
	return !from.Terminal() && to > from
}

func (p *Phase) UnmarshalText(text []byte) error {
	for i, name := range phaseNames {
		if name == string(text) {
			*p = Phase(i)
			return nil
		}
	}
	return fmt.Errorf("unknown phase %q", text)
}
