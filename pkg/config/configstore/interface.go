package configstore

import "errors"

// ErrWatchUnsupported is returned by stores that cannot report changes.
var ErrWatchUnsupported = errors.New("watch not supported by this store")

// ConfigStore persists one configuration document.
type ConfigStore interface {
	Load(out any) error
	Save(data any) error
}

// Watcher is implemented by stores that can report external changes.
type Watcher interface {
	Watch(onChange func()) error
}
