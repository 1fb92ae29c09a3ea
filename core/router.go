package core

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/interledger4j/ilpv4-connector-sub010/protocol"
	"github.com/interledger4j/ilpv4-connector-sub010/state"
)

var ErrNoStaticRoute = errors.New("no static route for prefix")

// ConnectorRouter owns the routing table and, unless routing is disabled,
// the CCP engine that keeps it in sync with the peers.
type ConnectorRouter struct {
	Table *RoutingTable
	Ccp   *CcpEngine

	env   *state.Env
	store *ConnectorStore
}

func (r *ConnectorRouter) Init(s *state.State) error {
	s.Log.Debug("init router")
	cfg := s.Cfg()
	links := Get[*LinkManager](s)
	r.env = s.Env
	r.store = Get[*ConnectorStore](s)
	r.Table = NewRoutingTable()
	r.Table.Log = s.Log
	r.Table.SetDefaultRoute(cfg.DefaultRoute)

	if !cfg.Routing.Disabled {
		e := NewCcpEngine(s.Context, r.Table, &linkCcpIO{links: links, now: time.Now}, cfgAccounts(s.Cfg))
		e.Log = s.Log
		e.Address = cfg.OperatorAddress
		e.GlobalPrefix = cfg.GlobalPrefix
		e.HoldDown = cfg.Routing.HoldDownTime
		e.MaxEpochs = cfg.Routing.MaxEpochsPerUpdate
		r.Table.OnChange = e.RoutesChanged
		e.AdvertiseLocal()
		r.Ccp = e
	}

	for _, acct := range cfg.Accounts {
		r.AccountAdded(acct)
	}
	for _, sr := range cfg.StaticRoutes {
		r.Table.AddStaticRoute(state.Route{Prefix: sr.Prefix, NextHop: sr.NextHop})
	}

	links.OnConnect(r.peerConnected)
	links.OnDisconnect(r.peerDisconnected)
	if r.Ccp == nil {
		s.Log.Info("route synchronisation is disabled")
		return nil
	}
	for _, l := range links.All() {
		r.peerConnected(l.AccountId())
	}

	s.Log.Debug("schedule router tasks")
	s.RepeatTask(func(s *state.State) error {
		r.Ccp.Broadcast()
		return nil
	}, cfg.Routing.BroadcastInterval)
	s.RepeatTask(func(s *state.State) error {
		r.Ccp.CheckHoldDown()
		return nil
	}, state.RouteControlRetryDelay)
	return nil
}

func (r *ConnectorRouter) Cleanup(s *state.State) error {
	r.Table.OnChange = nil
	return nil
}

func (r *ConnectorRouter) peerConnected(id state.AccountId) {
	if r.Ccp == nil {
		return
	}
	acct, ok := r.env.Cfg().Account(id)
	if !ok || !acct.ReceiveRoutes {
		return
	}
	r.Ccp.Async(func() {
		_ = r.Ccp.RequestSync(id)
	})
}

func (r *ConnectorRouter) peerDisconnected(id state.AccountId) {
	if r.Ccp != nil {
		r.Ccp.ResetPeer(id)
	} else {
		r.Table.ResetPeer(id)
	}
}

func childPrefix(operator protocol.Address, id state.AccountId) protocol.Address {
	return operator.With(string(id))
}

// AccountAdded installs the route to a child account below the operator address.
func (r *ConnectorRouter) AccountAdded(acct state.AccountSettings) {
	if acct.Relationship != state.Child {
		return
	}
	prefix := childPrefix(r.env.Cfg().OperatorAddress, acct.Id)
	r.Table.AddStaticRoute(state.Route{Prefix: prefix, NextHop: acct.Id})
}

// AccountRemoved drops every route towards the account.
func (r *ConnectorRouter) AccountRemoved(id state.AccountId) {
	r.Table.RemoveStaticRoute(childPrefix(r.env.Cfg().OperatorAddress, id))
	for _, sr := range r.Table.StaticRoutes() {
		if sr.NextHop == id {
			r.Table.RemoveStaticRoute(sr.Prefix)
		}
	}
	r.peerDisconnected(id)
}

// SetStaticRoute installs or replaces a static route and persists it.
func (r *ConnectorRouter) SetStaticRoute(route state.StaticRouteCfg) error {
	_, err := r.env.UpdateCfg(func(cfg *state.ConnectorCfg) error {
		mergeStaticRoutes(cfg, []state.StaticRouteCfg{route})
		return nil
	})
	if err != nil {
		return err
	}
	if err := r.store.PutStaticRoute(route); err != nil {
		return err
	}
	r.Table.AddStaticRoute(state.Route{Prefix: route.Prefix, NextHop: route.NextHop})
	if state.DBG_log_route_changes {
		r.env.Log.Debug("static route set", "prefix", route.Prefix, "next_hop", route.NextHop)
	}
	return nil
}

// DeleteStaticRoute removes a static route from the table, the config and the store.
func (r *ConnectorRouter) DeleteStaticRoute(prefix protocol.Address) error {
	_, err := r.env.UpdateCfg(func(cfg *state.ConnectorCfg) error {
		i := slices.IndexFunc(cfg.StaticRoutes, func(sr state.StaticRouteCfg) bool {
			return sr.Prefix == prefix
		})
		if i < 0 {
			return fmt.Errorf("%w %s", ErrNoStaticRoute, prefix)
		}
		cfg.StaticRoutes = slices.Delete(cfg.StaticRoutes, i, i+1)
		return nil
	})
	if err != nil {
		return err
	}
	if err := r.store.DeleteStaticRoute(string(prefix)); err != nil {
		return err
	}
	r.Table.RemoveStaticRoute(prefix)
	return nil
}
