package state

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

type ConnectorModule interface {
	Init(s *State) error
	Cleanup(s *State) error
}

// State access must be done only on a single Goroutine
type State struct {
	*Env
	Modules map[string]ConnectorModule
	// initialisation order, modules are cleaned up in reverse
	Order []string
}

// Env can be read from any Goroutine
type Env struct {
	DispatchChannel chan<- func(s *State) error
	Context         context.Context
	Cancel          context.CancelCauseFunc
	Log             *slog.Logger
	ConfigPath      string
	Started         atomic.Bool
	Stopping        atomic.Bool

	cfgMu sync.Mutex
	cfg   atomic.Pointer[versionedCfg]
}

type versionedCfg struct {
	version uint64
	cfg     *ConnectorCfg
}

func NewEnv(ctx context.Context, cancel context.CancelCauseFunc, log *slog.Logger, cfg *ConnectorCfg) *Env {
	e := &Env{
		Context: ctx,
		Cancel:  cancel,
		Log:     log,
	}
	e.cfg.Store(&versionedCfg{version: 1, cfg: cfg})
	return e
}

// Cfg returns the live configuration. The returned value must not be modified.
func (e *Env) Cfg() *ConnectorCfg {
	return e.cfg.Load().cfg
}

func (e *Env) CfgVersion() uint64 {
	return e.cfg.Load().version
}

// UpdateCfg applies fn to a copy of the live configuration and swaps it in
// when the result validates. Readers never see a partially applied update.
func (e *Env) UpdateCfg(fn func(cfg *ConnectorCfg) error) (*ConnectorCfg, error) {
	e.cfgMu.Lock()
	defer e.cfgMu.Unlock()
	cur := e.cfg.Load()
	next := cur.cfg.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	ExpandConfig(next)
	if err := ConfigValidator(next); err != nil {
		return nil, fmt.Errorf("rejected config update: %w", err)
	}
	e.cfg.Store(&versionedCfg{version: cur.version + 1, cfg: next})
	return next, nil
}
