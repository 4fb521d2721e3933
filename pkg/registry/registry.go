// Package registry holds the procedure and target records a caller selects
// runs from. The runner only ever reads snapshots of these records.
package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"

	"github.com/andrej220/hexactl/pkg/config/configstore"
	"github.com/andrej220/hexactl/pkg/config/filestore"
)

const ConfigFileName = "mac-daq-config.conf"

var (
	ErrUnknownProcedure = errors.New("unknown procedure")
	ErrUnknownTarget    = errors.New("unknown target")
	ErrDuplicateName    = errors.New("duplicate name")
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Registry is the configuration document: top-level keys "procedures" and
// "hexacontrollers".
type Registry struct {
	Procedures      []Procedure    `json:"procedures" yaml:"procedures" bson:"procedures"`
	Hexacontrollers []RemoteTarget `json:"hexacontrollers" yaml:"hexacontrollers" bson:"hexacontrollers"`
}

// DefaultPath returns $XDG_CONFIG_HOME/mac-daq-config.conf, falling back to
// ~/.config.
func DefaultPath() (string, error) {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, ConfigFileName), nil
}

// CreateDefault writes an empty document to path unless a file already
// exists there, creating parent directories as needed. It reports whether a
// document was written.
func CreateDefault(path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("stat %s: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return false, fmt.Errorf("create config directory: %w", err)
	}
	reg := &Registry{Procedures: []Procedure{}, Hexacontrollers: []RemoteTarget{}}
	if err := reg.Save(filestore.New(path)); err != nil {
		return false, err
	}
	return true, nil
}

// Load reads the document from store, applies required-field defaults and
// validates it.
func Load(store configstore.ConfigStore) (*Registry, error) {
	reg := &Registry{}
	if err := store.Load(reg); err != nil {
		return nil, err
	}
	reg.ApplyDefaults()
	if err := reg.Validate(); err != nil {
		return nil, err
	}
	return reg, nil
}

// Save persists the document to store.
func (r *Registry) Save(store configstore.ConfigStore) error {
	if err := r.Validate(); err != nil {
		return err
	}
	return store.Save(r)
}

func (r *Registry) ApplyDefaults() {
	for i := range r.Procedures {
		r.Procedures[i].applyDefaults()
	}
	for i := range r.Hexacontrollers {
		r.Hexacontrollers[i].applyDefaults()
	}
}

// Validate checks required fields and name uniqueness.
func (r *Registry) Validate() error {
	procs := make(map[string]struct{}, len(r.Procedures))
	for i := range r.Procedures {
		p := &r.Procedures[i]
		if err := validate.Struct(p); err != nil {
			return fmt.Errorf("procedure %d: %w", i, err)
		}
		if _, ok := procs[p.Name]; ok {
			return fmt.Errorf("procedure %q: %w", p.Name, ErrDuplicateName)
		}
		procs[p.Name] = struct{}{}
	}

	targets := map[string]struct{}{LocalTargetKey: {}}
	for i := range r.Hexacontrollers {
		t := &r.Hexacontrollers[i]
		if err := validate.Struct(t); err != nil {
			return fmt.Errorf("hexacontroller %d: %w", i, err)
		}
		if _, ok := targets[t.Key()]; ok {
			return fmt.Errorf("hexacontroller %q: %w", t.Key(), ErrDuplicateName)
		}
		targets[t.Key()] = struct{}{}
	}
	return nil
}

// Procedure returns a copy of the named procedure.
func (r *Registry) Procedure(name string) (Procedure, error) {
	for _, p := range r.Procedures {
		if p.Name == name {
			return p.Clone(), nil
		}
	}
	return Procedure{}, fmt.Errorf("%w: %q", ErrUnknownProcedure, name)
}

// Target returns a copy of the named target. The name "local" selects
// LocalTarget.
func (r *Registry) Target(name string) (Target, error) {
	if name == LocalTargetKey {
		return LocalTarget{}, nil
	}
	for i := range r.Hexacontrollers {
		if r.Hexacontrollers[i].Key() == name {
			return r.Hexacontrollers[i].Clone(), nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownTarget, name)
}

// TargetNames lists remote target keys in document order followed by "local".
func (r *Registry) TargetNames() []string {
	names := make([]string, 0, len(r.Hexacontrollers)+1)
	for i := range r.Hexacontrollers {
		names = append(names, r.Hexacontrollers[i].Key())
	}
	return append(names, LocalTargetKey)
}
