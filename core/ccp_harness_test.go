package core

import (
	"context"
	"sync"
	"time"

	"github.com/interledger4j/ilpv4-connector-sub010/protocol"
	"github.com/interledger4j/ilpv4-connector-sub010/state"
)

type staticAccounts []state.AccountSettings

func (s staticAccounts) Account(id state.AccountId) (state.AccountSettings, bool) {
	for _, a := range s {
		if a.Id == id {
			return a, true
		}
	}
	return state.AccountSettings{}, false
}

func (s staticAccounts) Accounts() []state.AccountSettings {
	return s
}

type sentControl struct {
	peer state.AccountId
	req  protocol.RouteControlRequest
}

type sentUpdate struct {
	peer state.AccountId
	req  protocol.RouteUpdateRequest
}

// CcpHarness records every CCP message the engine sends.
type CcpHarness struct {
	mu       sync.Mutex
	controls []sentControl
	updates  []sentUpdate
	fail     error
}

func (h *CcpHarness) SendRouteControl(ctx context.Context, peer state.AccountId, req protocol.RouteControlRequest) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.controls = append(h.controls, sentControl{peer, req})
	return h.fail
}

func (h *CcpHarness) SendRouteUpdate(ctx context.Context, peer state.AccountId, req protocol.RouteUpdateRequest) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.updates = append(h.updates, sentUpdate{peer, req})
	return h.fail
}

func (h *CcpHarness) Updates(peer state.AccountId) []protocol.RouteUpdateRequest {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]protocol.RouteUpdateRequest, 0)
	for _, u := range h.updates {
		if u.peer == peer {
			out = append(out, u.req)
		}
	}
	return out
}

func (h *CcpHarness) Controls(peer state.AccountId) []protocol.RouteControlRequest {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]protocol.RouteControlRequest, 0)
	for _, c := range h.controls {
		if c.peer == peer {
			out = append(out, c.req)
		}
	}
	return out
}

func (h *CcpHarness) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.controls = nil
	h.updates = nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// newTestCcp builds an engine for the node g.conn that runs all async work inline.
func newTestCcp(accounts ...state.AccountSettings) (*CcpEngine, *RoutingTable, *CcpHarness) {
	h := &CcpHarness{}
	table := NewRoutingTable()
	e := NewCcpEngine(context.Background(), table, h, staticAccounts(accounts))
	e.Address = "g.conn"
	e.GlobalPrefix = "g"
	e.Async = func(f func()) { f() }
	table.OnChange = e.RoutesChanged
	e.AdvertiseLocal()
	return e, table, h
}

func routingAccount(id state.AccountId, rel state.Relationship) state.AccountSettings {
	return state.AccountSettings{
		Id:            id,
		Relationship:  rel,
		AssetCode:     "USD",
		AssetScale:    2,
		LinkType:      state.LinkLoopback,
		SendRoutes:    true,
		ReceiveRoutes: true,
	}
}
