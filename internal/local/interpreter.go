package local

import (
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
)

// DefaultInterpreters maps a script extension to the interpreters tried, in
// order. Unknown extensions use the "" entry.
var DefaultInterpreters = map[string][]string{
	".py": {"python3", "python"},
	".sh": {"bash", "sh"},
	".pl": {"perl"},
	".rb": {"ruby"},
	"":    {"python3"},
}

// Resolver finds the interpreter for a script.
type Resolver struct {
	Interpreters map[string][]string
	// LookPath defaults to exec.LookPath.
	LookPath func(file string) (string, error)
}

// Resolve returns the absolute path of the first available interpreter for
// script, or ErrInterpreterNotFound.
func (r Resolver) Resolve(script string) (string, error) {
	table := r.Interpreters
	if table == nil {
		table = DefaultInterpreters
	}
	lookPath := r.LookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}

	candidates, ok := table[strings.ToLower(filepath.Ext(script))]
	if !ok {
		candidates = table[""]
	}
	for _, c := range candidates {
		if path, err := lookPath(c); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: tried %v for %s", ErrInterpreterNotFound, candidates, script)
}
