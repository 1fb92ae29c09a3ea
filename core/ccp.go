package core

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/interledger4j/ilpv4-connector-sub010/protocol"
	"github.com/interledger4j/ilpv4-connector-sub010/state"
)

/*
Route synchronisation follows the Connector-to-Connector Protocol (RFC 0010).

Every node keeps a forwarding table: the routes it is willing to advertise,
versioned by a routing table id and a monotonically increasing epoch. Each
change to the selected route of a prefix appends one entry to the epoch log.

A receiver asks a sender for updates with a route control request carrying the
last routing table id and epoch it has seen. The sender answers with route
update requests covering [from, to) epochs. The receiver applies an update
only if it continues exactly where its bookkeeping left off; duplicates are
ignored and gaps force a full resync with that one peer.
*/

var (
	ErrRoutesNotAccepted = errors.New("account is not configured to send us routes")
	ErrRoutesNotSent     = errors.New("account is not configured to receive routes")
)

// CcpIO delivers CCP messages to a peer. A non-nil error means the peer did
// not fulfill the message.
type CcpIO interface {
	SendRouteControl(ctx context.Context, peer state.AccountId, req protocol.RouteControlRequest) error
	SendRouteUpdate(ctx context.Context, peer state.AccountId, req protocol.RouteUpdateRequest) error
}

// AccountLookup resolves account settings for the routing and switching code.
type AccountLookup interface {
	Account(id state.AccountId) (state.AccountSettings, bool)
	Accounts() []state.AccountSettings
}

type forwardingEntry struct {
	prefix protocol.Address
	route  *state.Route // nil when the prefix was withdrawn
}

// ForwardingTable is the versioned log of route changes this node advertises.
type ForwardingTable struct {
	mu  sync.Mutex
	id  uuid.UUID
	log []forwardingEntry
}

func NewForwardingTable() *ForwardingTable {
	return &ForwardingTable{id: uuid.New()}
}

func (f *ForwardingTable) Id() uuid.UUID {
	return f.id
}

func (f *ForwardingTable) CurrentEpoch() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint32(len(f.log))
}

// Record appends a change and returns the new current epoch.
func (f *ForwardingTable) Record(prefix protocol.Address, route *state.Route) uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log = append(f.log, forwardingEntry{prefix: prefix, route: route})
	return uint32(len(f.log))
}

// Since returns the net changes between the two epochs, one entry per prefix.
func (f *ForwardingTable) Since(from, to uint32) []forwardingEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	to = min(to, uint32(len(f.log)))
	if from >= to {
		return nil
	}
	out := make([]forwardingEntry, 0, to-from)
	idx := make(map[protocol.Address]int)
	for _, e := range f.log[from:to] {
		if i, ok := idx[e.prefix]; ok {
			out[i] = e
			continue
		}
		idx[e.prefix] = len(out)
		out = append(out, e)
	}
	return out
}

type ccpPeer struct {
	// receiving side
	rxMu        sync.Mutex
	rxMode      protocol.SyncMode
	tableId     uuid.UUID
	epoch       uint32
	lastUpdate  time.Time
	lastControl time.Time
	holdDown    time.Duration
	removed     bool

	// sending side
	txMu    sync.Mutex
	txMode  protocol.SyncMode
	txEpoch uint32
	txGen   uint64
	pushMu  sync.Mutex
}

type CcpEngine struct {
	Log          *slog.Logger
	Address      protocol.Address
	GlobalPrefix protocol.Address
	HoldDown     time.Duration
	MaxEpochs    uint32

	// Async runs CCP work that must not block the caller.
	Async func(func())
	Now   func() time.Time

	ctx        context.Context
	table      *RoutingTable
	forwarding *ForwardingTable
	io         CcpIO
	accounts   AccountLookup
	peers      sync.Map // state.AccountId -> *ccpPeer
}

func NewCcpEngine(ctx context.Context, table *RoutingTable, io CcpIO, accounts AccountLookup) *CcpEngine {
	return &CcpEngine{
		Log:        slog.Default(),
		HoldDown:   state.RouteHoldDownTime,
		MaxEpochs:  state.MaxEpochsPerUpdate,
		Async:      func(f func()) { go f() },
		Now:        time.Now,
		ctx:        ctx,
		table:      table,
		forwarding: NewForwardingTable(),
		io:         io,
		accounts:   accounts,
	}
}

func (e *CcpEngine) Forwarding() *ForwardingTable {
	return e.forwarding
}

func (e *CcpEngine) peer(id state.AccountId) *ccpPeer {
	p, _ := e.peers.LoadOrStore(id, &ccpPeer{holdDown: e.HoldDown})
	return p.(*ccpPeer)
}

// AdvertiseLocal adds the node's own address to the forwarding table.
func (e *CcpEngine) AdvertiseLocal() {
	e.forwarding.Record(e.Address, &state.Route{Prefix: e.Address, Static: true})
}

// RoutesChanged records the new selected route of every changed prefix.
func (e *CcpEngine) RoutesChanged(changed []protocol.Address) {
	for _, prefix := range changed {
		if prefix == e.Address {
			continue
		}
		route, ok := e.table.GetRouteForPrefix(prefix)
		if ok && e.advertisable(prefix) {
			e.forwarding.Record(prefix, &route)
		} else {
			e.forwarding.Record(prefix, nil)
		}
	}
}

func (e *CcpEngine) advertisable(prefix protocol.Address) bool {
	return prefix.HasPrefix(e.GlobalPrefix) && !protocol.IsPeerProtocol(prefix)
}

// exportable applies split horizon and the relationship export policy.
func (e *CcpEngine) exportable(to state.AccountSettings, route state.Route) bool {
	if route.NextHop == "" {
		return true
	}
	if route.NextHop == to.Id {
		return false
	}
	src, ok := e.accounts.Account(route.NextHop)
	if !ok {
		return false
	}
	return to.Relationship.ReceivesRoutesFrom(src.Relationship)
}

func (e *CcpEngine) buildUpdate(to state.AccountSettings, from, until, current uint32) protocol.RouteUpdateRequest {
	req := protocol.RouteUpdateRequest{
		RoutingTableId:    e.forwarding.Id(),
		CurrentEpochIndex: current,
		FromEpochIndex:    from,
		ToEpochIndex:      until,
		HoldDownTime:      uint32(e.HoldDown.Milliseconds()),
		Speaker:           e.Address,
		NewRoutes:         make([]protocol.CcpRoute, 0),
		WithdrawnRoutes:   make([]protocol.Address, 0),
	}
	for _, entry := range e.forwarding.Since(from, until) {
		if entry.route == nil || !e.exportable(to, *entry.route) {
			req.WithdrawnRoutes = append(req.WithdrawnRoutes, entry.prefix)
			continue
		}
		path := slices.Clone(entry.route.Path)
		if len(path) == 0 || path[len(path)-1] != e.Address {
			path = append(path, e.Address)
		}
		req.NewRoutes = append(req.NewRoutes, protocol.CcpRoute{
			Prefix: entry.prefix,
			Path:   path,
			Auth:   entry.route.Auth,
			Props:  entry.route.Props,
		})
	}
	return req
}

// HandleRouteControl processes a route control request from peer, which
// wants to receive our routes.
func (e *CcpEngine) HandleRouteControl(peer state.AccountId, req protocol.RouteControlRequest) error {
	acct, ok := e.accounts.Account(peer)
	if !ok || !acct.SendRoutes {
		return ErrRoutesNotSent
	}
	p := e.peer(peer)
	p.txMu.Lock()
	p.txMode = req.Mode
	p.txGen++
	if req.Mode == protocol.ModeSync {
		current := e.forwarding.CurrentEpoch()
		if req.LastKnownRoutingTableId != e.forwarding.Id() || req.LastKnownEpoch > current {
			p.txEpoch = 0
		} else {
			p.txEpoch = req.LastKnownEpoch
		}
	}
	p.txMu.Unlock()
	if state.DBG_log_ccp {
		e.Log.Debug("route control", "peer", peer, "mode", req.Mode, "epoch", req.LastKnownEpoch)
	}
	if req.Mode == protocol.ModeSync {
		e.Async(func() {
			_ = e.PushUpdates(peer)
		})
	}
	return nil
}

// PushUpdates sends everything peer has not seen yet, in chunks of at most
// MaxEpochs epochs. With nothing new a single empty update acts as heartbeat.
func (e *CcpEngine) PushUpdates(peer state.AccountId) error {
	acct, ok := e.accounts.Account(peer)
	if !ok || !acct.SendRoutes {
		return ErrRoutesNotSent
	}
	p := e.peer(peer)
	p.pushMu.Lock()
	defer p.pushMu.Unlock()
	for {
		p.txMu.Lock()
		mode, from, gen := p.txMode, p.txEpoch, p.txGen
		p.txMu.Unlock()
		if mode != protocol.ModeSync {
			return nil
		}
		current := e.forwarding.CurrentEpoch()
		until := min(current, from+e.MaxEpochs)
		req := e.buildUpdate(acct, from, until, current)
		if err := e.io.SendRouteUpdate(e.ctx, peer, req); err != nil {
			e.Log.Warn("failed to send route update", "peer", peer, "from", from, "to", until, "error", err)
			return err
		}
		if state.DBG_log_ccp {
			e.Log.Debug("sent route update", "peer", peer, "from", from, "to", until, "new", len(req.NewRoutes), "withdrawn", len(req.WithdrawnRoutes))
		}
		p.txMu.Lock()
		if p.txGen == gen {
			p.txEpoch = until
		}
		p.txMu.Unlock()
		if until >= current {
			return nil
		}
	}
}

// Broadcast pushes pending updates, or a heartbeat, to every syncing peer.
func (e *CcpEngine) Broadcast() {
	for _, acct := range e.accounts.Accounts() {
		if !acct.SendRoutes {
			continue
		}
		p := e.peer(acct.Id)
		p.txMu.Lock()
		syncing := p.txMode == protocol.ModeSync
		p.txMu.Unlock()
		if syncing {
			id := acct.Id
			e.Async(func() {
				_ = e.PushUpdates(id)
			})
		}
	}
}

func (e *CcpEngine) acceptRoute(r protocol.CcpRoute) bool {
	if _, err := protocol.ParsePrefix(string(r.Prefix)); err != nil {
		return false
	}
	if slices.Contains(r.Path, e.Address) {
		return false
	}
	if r.Prefix.HasPrefix(e.Address) || protocol.IsPeerProtocol(r.Prefix) {
		return false
	}
	return r.Prefix.HasPrefix(e.GlobalPrefix)
}

// HandleRouteUpdate applies a route update sent by peer.
func (e *CcpEngine) HandleRouteUpdate(peer state.AccountId, req protocol.RouteUpdateRequest) error {
	acct, ok := e.accounts.Account(peer)
	if !ok || !acct.ReceiveRoutes {
		return ErrRoutesNotAccepted
	}
	if e.applyUpdate(acct, e.peer(peer), req) {
		e.Async(func() {
			_ = e.RequestSync(peer)
		})
	}
	return nil
}

// applyUpdate reports whether the update left a gap that needs a resync.
func (e *CcpEngine) applyUpdate(acct state.AccountSettings, p *ccpPeer, req protocol.RouteUpdateRequest) bool {
	peer := acct.Id
	p.rxMu.Lock()
	defer p.rxMu.Unlock()
	if p.removed {
		if state.DBG_log_ccp {
			e.Log.Debug("dropping route update for a reset peer", "peer", peer)
		}
		return false
	}

	p.lastUpdate = e.Now()
	if req.HoldDownTime > 0 {
		p.holdDown = time.Duration(req.HoldDownTime) * time.Millisecond
	}
	if req.RoutingTableId != p.tableId {
		if state.DBG_log_ccp {
			e.Log.Debug("peer has a new routing table", "peer", peer, "table", req.RoutingTableId)
		}
		e.table.ResetPeer(peer)
		p.tableId = req.RoutingTableId
		p.epoch = 0
	}
	if req.FromEpochIndex > p.epoch {
		e.Log.Warn("gap in route updates, resyncing", "peer", peer, "have", p.epoch, "from", req.FromEpochIndex)
		e.table.ResetPeer(peer)
		p.epoch = 0
		p.rxMode = protocol.ModeSync
		return true
	}
	if req.ToEpochIndex <= p.epoch {
		return false
	}

	add := make([]state.Route, 0, len(req.NewRoutes))
	withdraw := slices.Clone(req.WithdrawnRoutes)
	for _, r := range req.NewRoutes {
		if !e.acceptRoute(r) {
			if state.DBG_log_ccp {
				e.Log.Debug("refusing route", "peer", peer, "prefix", r.Prefix, "path", r.Path)
			}
			// whatever the peer announced for this prefix before is no longer its path
			withdraw = append(withdraw, r.Prefix)
			continue
		}
		add = append(add, state.Route{Prefix: r.Prefix, Path: r.Path, Auth: r.Auth, Props: r.Props})
	}
	e.table.SetLearnedRoutes(peer, acct.Relationship, add, withdraw)
	p.epoch = req.ToEpochIndex
	p.rxMode = protocol.ModeIdle
	if state.DBG_log_ccp {
		e.Log.Debug("applied route update", "peer", peer, "epoch", p.epoch, "new", len(add), "withdrawn", len(withdraw))
	}
	return false
}

// RequestSync asks peer for every route update we have not seen.
func (e *CcpEngine) RequestSync(peer state.AccountId) error {
	acct, ok := e.accounts.Account(peer)
	if !ok || !acct.ReceiveRoutes {
		return ErrRoutesNotAccepted
	}
	p := e.peer(peer)
	p.rxMu.Lock()
	req := protocol.RouteControlRequest{
		Mode:                    protocol.ModeSync,
		LastKnownRoutingTableId: p.tableId,
		LastKnownEpoch:          p.epoch,
		Features:                []string{},
	}
	p.rxMode = protocol.ModeSync
	p.lastControl = e.Now()
	p.rxMu.Unlock()

	err := e.io.SendRouteControl(e.ctx, peer, req)
	if err != nil {
		e.Log.Warn("route control request failed", "peer", peer, "error", err)
	}
	return err
}

// CheckHoldDown re-requests routes from peers that went quiet for longer
// than their hold down time.
func (e *CcpEngine) CheckHoldDown() {
	now := e.Now()
	for _, acct := range e.accounts.Accounts() {
		if !acct.ReceiveRoutes {
			continue
		}
		p := e.peer(acct.Id)
		p.rxMu.Lock()
		last := p.lastUpdate
		if p.lastControl.After(last) {
			last = p.lastControl
		}
		stale := now.Sub(last) > p.holdDown
		p.rxMu.Unlock()
		if stale {
			id := acct.Id
			e.Async(func() {
				_ = e.RequestSync(id)
			})
		}
	}
}

// ResetPeer forgets all sync state for peer and drops the routes learned from it.
// Updates still in flight for the old state are dropped.
func (e *CcpEngine) ResetPeer(peer state.AccountId) {
	v, ok := e.peers.LoadAndDelete(peer)
	if !ok {
		e.table.ResetPeer(peer)
		return
	}
	p := v.(*ccpPeer)
	p.rxMu.Lock()
	defer p.rxMu.Unlock()
	p.removed = true
	e.table.ResetPeer(peer)
}

// PeerEpoch returns the routing table id and epoch recorded for peer.
func (e *CcpEngine) PeerEpoch(peer state.AccountId) (uuid.UUID, uint32) {
	v, ok := e.peers.Load(peer)
	if !ok {
		return uuid.Nil, 0
	}
	p := v.(*ccpPeer)
	p.rxMu.Lock()
	defer p.rxMu.Unlock()
	return p.tableId, p.epoch
}
