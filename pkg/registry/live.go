package registry

import (
	"errors"
	"sync/atomic"

	"github.com/andrej220/hexactl/internal/lg"
	"github.com/andrej220/hexactl/pkg/config/configstore"
)

// Live holds the most recently loaded registry of a store. Lookups always
// see a complete document; a failed reload keeps the previous one.
type Live struct {
	store  configstore.ConfigStore
	logger lg.Logger
	cur    atomic.Pointer[Registry]
}

func NewLive(store configstore.ConfigStore, logger lg.Logger) (*Live, error) {
	l := &Live{store: store, logger: lg.OrDiscard(logger)}
	if err := l.Reload(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Live) Reload() error {
	reg, err := Load(l.store)
	if err != nil {
		return err
	}
	l.cur.Store(reg)
	l.logger.Info("registry loaded", lg.Int("procedures", len(reg.Procedures)), lg.Int("targets", len(reg.Hexacontrollers)))
	return nil
}

// Current returns the registry in effect. Callers must not modify it.
func (l *Live) Current() *Registry { return l.cur.Load() }

func (l *Live) Procedure(name string) (Procedure, error) { return l.Current().Procedure(name) }
func (l *Live) Target(name string) (Target, error)       { return l.Current().Target(name) }

// Watch reloads whenever the store reports a change, if it can.
func (l *Live) Watch() error {
	w, ok := l.store.(configstore.Watcher)
	if !ok {
		return nil
	}
	err := w.Watch(func() {
		if err := l.Reload(); err != nil {
			l.logger.Warn("registry reload failed, keeping previous", lg.Err(err))
		}
	})
	if errors.Is(err, configstore.ErrWatchUnsupported) {
		l.logger.Info("registry store cannot be watched, reload disabled")
		return nil
	}
	return err
}
