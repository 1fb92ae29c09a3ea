package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/interledger4j/ilpv4-connector-sub010/state"
)

var ErrNoLink = errors.New("no link for account")

// LinkManager owns one link per account. Readers load an immutable map, so
// the packet path never takes the manager lock.
type LinkManager struct {
	Log  *slog.Logger
	opts LinkOptions

	mu           sync.Mutex
	links        atomic.Pointer[map[state.AccountId]Link]
	handler      PacketHandler
	onConnect    []func(state.AccountId)
	onDisconnect []func(state.AccountId)
	events       EventSink
}

func NewLinkManager(opts LinkOptions, events EventSink) *LinkManager {
	m := &LinkManager{}
	m.setup(opts, events)
	return m
}

func (m *LinkManager) setup(opts LinkOptions, events EventSink) {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if events == nil {
		events = discardEvents{}
	}
	m.Log = opts.Log
	m.opts = opts
	m.events = events
	m.links.Store(&map[state.AccountId]Link{})
}

func (m *LinkManager) Init(s *state.State) error {
	cfg := s.Cfg()
	m.setup(LinkOptions{
		Operator: cfg.OperatorAddress,
		Key:      cfg.Key,
		Log:      s.Log,
	}, Get[*ConnectorEvents](s))
	for _, acct := range cfg.Accounts {
		if _, err := m.Add(s.Context, acct); err != nil {
			return err
		}
	}
	return nil
}

func (m *LinkManager) Cleanup(s *state.State) error {
	for _, l := range m.All() {
		if err := m.Remove(l.AccountId()); err != nil {
			s.Log.Warn("failed to close link", "account", l.AccountId(), "error", err)
		}
	}
	return nil
}

func (m *LinkManager) Get(id state.AccountId) (Link, bool) {
	l, ok := (*m.links.Load())[id]
	return l, ok
}

// All returns every link ordered by account id.
func (m *LinkManager) All() []Link {
	links := *m.links.Load()
	out := make([]Link, 0, len(links))
	for _, id := range slices.Sorted(maps.Keys(links)) {
		out = append(out, links[id])
	}
	return out
}

// OnConnect registers fn to run after a link was added.
func (m *LinkManager) OnConnect(fn func(state.AccountId)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onConnect = append(m.onConnect, fn)
}

// OnDisconnect registers fn to run after a link was closed.
func (m *LinkManager) OnDisconnect(fn func(state.AccountId)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDisconnect = append(m.onDisconnect, fn)
}

// SetHandler installs the handler for incoming packets on every current and
// future link.
func (m *LinkManager) SetHandler(h PacketHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handler != nil {
		return ErrHandlerRegistered
	}
	for _, l := range *m.links.Load() {
		if err := l.RegisterHandler(h); err != nil {
			return err
		}
	}
	m.handler = h
	return nil
}

func (m *LinkManager) ClearHandler() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range *m.links.Load() {
		l.UnregisterHandler()
	}
	m.handler = nil
}

// Add creates and connects the link for acct, replacing any existing link of
// that account.
func (m *LinkManager) Add(ctx context.Context, acct state.AccountSettings) (Link, error) {
	l, err := NewLink(acct, m.opts)
	if err != nil {
		return nil, err
	}
	if err := l.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect link for %s: %w", acct.Id, err)
	}

	m.mu.Lock()
	if m.handler != nil {
		if err := l.RegisterHandler(m.handler); err != nil {
			m.mu.Unlock()
			_ = l.Disconnect()
			return nil, err
		}
	}
	links := maps.Clone(*m.links.Load())
	old, replaced := links[acct.Id]
	links[acct.Id] = l
	m.links.Store(&links)
	connect := slices.Clone(m.onConnect)
	disconnect := slices.Clone(m.onDisconnect)
	m.mu.Unlock()

	if replaced {
		old.UnregisterHandler()
		if err := old.Disconnect(); err != nil {
			m.Log.Warn("failed to disconnect replaced link", "account", acct.Id, "error", err)
		}
		for _, fn := range disconnect {
			fn(acct.Id)
		}
	}
	m.Log.Debug("link connected", "account", acct.Id, "type", acct.LinkType)
	m.events.Publish(LinkConnected{AccountId: acct.Id})
	for _, fn := range connect {
		fn(acct.Id)
	}
	return l, nil
}

// Remove disconnects and forgets the link of id.
func (m *LinkManager) Remove(id state.AccountId) error {
	m.mu.Lock()
	links := maps.Clone(*m.links.Load())
	l, ok := links[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w %s", ErrNoLink, id)
	}
	delete(links, id)
	m.links.Store(&links)
	disconnect := slices.Clone(m.onDisconnect)
	m.mu.Unlock()

	l.UnregisterHandler()
	err := l.Disconnect()
	m.events.Publish(LinkDisconnected{AccountId: id})
	for _, fn := range disconnect {
		fn(id)
	}
	return err
}
