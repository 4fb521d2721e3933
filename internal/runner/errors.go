package runner

import (
	"errors"
	"fmt"
)

var (
	ErrTargetBusy   = errors.New("target busy")
	ErrRunnerClosed = errors.New("runner closed")
	ErrUnknownRun   = errors.New("unknown run")
)

type ErrorKind int

const (
	ConnectionFailed ErrorKind = iota + 1
	StartupFailed
	MainFailed
	SpawnFailed
)

func (k ErrorKind) String() string {
	switch k {
	case ConnectionFailed:
		return "connection_failed"
	case StartupFailed:
		return "startup_failed"
	case MainFailed:
		return "main_failed"
	case SpawnFailed:
		return "spawn_failed"
	default:
		return "unknown"
	}
}

func (k ErrorKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// RunError is the failure that put a Run into the Failed phase.
type RunError struct {
	Kind ErrorKind
	// Index of the failing startup command, StartupFailed only.
	Index int
	// ExitCode is -1 when the command ended without an exit status.
	ExitCode int
	Err      error
}

func (e *RunError) Error() string {
	var what string
	switch e.Kind {
	case ConnectionFailed:
		return fmt.Sprintf("connection failed: %v", e.Err)
	case SpawnFailed:
		return fmt.Sprintf("spawn failed: %v", e.Err)
	case StartupFailed:
		what = fmt.Sprintf("startup command %d", e.Index)
	default:
		what = "main command"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s failed: %v", what, e.Err)
	}
	return fmt.Sprintf("%s failed: exit code %d", what, e.ExitCode)
}

func (e *RunError) Unwrap() error { return e.Err }
