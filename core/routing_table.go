package core

import (
	"cmp"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/interledger4j/ilpv4-connector-sub010/protocol"
	"github.com/interledger4j/ilpv4-connector-sub010/state"
)

// RoutingTable maps address prefixes to next hops. Lookups walk an immutable
// segment trie loaded from an atomic pointer, so the packet path never takes
// a lock. Writers serialise on mu and publish a path-copied trie.
type RoutingTable struct {
	mu           sync.Mutex
	root         atomic.Pointer[routeNode]
	defaultRoute atomic.Pointer[state.AccountId]

	Log *slog.Logger
	// OnChange is called with the prefixes whose best route changed, while
	// the writer lock is still held so changes are observed in order.
	OnChange func(changed []protocol.Address)
}

type learnedRoute struct {
	route        state.Route
	relationship state.Relationship
}

type routeNode struct {
	prefix   protocol.Address
	children map[string]*routeNode
	static   *state.Route
	learned  map[state.AccountId]learnedRoute
}

func NewRoutingTable() *RoutingTable {
	t := &RoutingTable{}
	t.root.Store(&routeNode{})
	return t
}

func (n *routeNode) hasRoute() bool {
	return n.static != nil || len(n.learned) > 0
}

func (n *routeNode) clone() *routeNode {
	cp := *n
	return &cp
}

// best applies the precedence rules for routes with the same prefix: static
// first, then the lowest relationship weight, the shortest path and finally
// the account id so the choice is deterministic.
func (n *routeNode) best() (state.Route, bool) {
	if n.static != nil {
		return *n.static, true
	}
	if len(n.learned) == 0 {
		return state.Route{}, false
	}
	var sel *learnedRoute
	for _, lr := range n.learned {
		if sel == nil || compareLearned(lr, *sel) < 0 {
			sel = &lr
		}
	}
	return sel.route, true
}

func compareLearned(a, b learnedRoute) int {
	return cmp.Or(
		cmp.Compare(a.relationship.Weight(), b.relationship.Weight()),
		cmp.Compare(len(a.route.Path), len(b.route.Path)),
		cmp.Compare(a.route.NextHop, b.route.NextHop),
	)
}

func sameRoute(a state.Route, aok bool, b state.Route, bok bool) bool {
	if aok != bok {
		return false
	}
	if !aok {
		return true
	}
	return a.NextHop == b.NextHop && a.Static == b.Static && slices.Equal(a.Path, b.Path) && a.Auth == b.Auth
}

// update path-copies the trie down to prefix, applies fn to the copied node
// and returns the new root. The live trie is never modified.
func update(root *routeNode, prefix protocol.Address, fn func(n *routeNode)) *routeNode {
	newRoot := root.clone()
	cur := newRoot
	for _, seg := range prefix.Segments() {
		children := maps.Clone(cur.children)
		if children == nil {
			children = make(map[string]*routeNode)
		}
		next, ok := children[seg]
		if ok {
			next = next.clone()
		} else {
			next = &routeNode{prefix: cur.prefix.With(seg)}
		}
		children[seg] = next
		cur.children = children
		cur = next
	}
	fn(cur)
	return newRoot
}

func (t *RoutingTable) find(prefix protocol.Address) *routeNode {
	return lookup(t.root.Load(), prefix)
}

func lookup(cur *routeNode, prefix protocol.Address) *routeNode {
	for _, seg := range prefix.Segments() {
		cur = cur.children[seg]
		if cur == nil {
			return nil
		}
	}
	return cur
}

func (t *RoutingTable) bestAt(prefix protocol.Address) (state.Route, bool) {
	n := t.find(prefix)
	if n == nil {
		return state.Route{}, false
	}
	return n.best()
}

// mutate runs a batch of node updates under the writer lock, publishes the
// result and reports the prefixes whose selected route changed.
func (t *RoutingTable) mutate(prefixes []protocol.Address, fn func(root *routeNode) *routeNode) []protocol.Address {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.apply(prefixes, fn)
}

// apply is mutate for callers already holding mu.
func (t *RoutingTable) apply(prefixes []protocol.Address, fn func(root *routeNode) *routeNode) []protocol.Address {
	before := make([]state.Route, len(prefixes))
	beforeOk := make([]bool, len(prefixes))
	for i, p := range prefixes {
		before[i], beforeOk[i] = t.bestAt(p)
	}
	t.root.Store(fn(t.root.Load()))

	changed := make([]protocol.Address, 0)
	for i, p := range prefixes {
		after, ok := t.bestAt(p)
		if !sameRoute(before[i], beforeOk[i], after, ok) && !slices.Contains(changed, p) {
			changed = append(changed, p)
		}
	}
	if len(changed) > 0 {
		if state.DBG_log_route_changes && t.Log != nil {
			for _, p := range changed {
				if r, ok := t.bestAt(p); ok {
					t.Log.Debug("route changed", "prefix", p, "route", r.String())
				} else {
					t.Log.Debug("route removed", "prefix", p)
				}
			}
		}
		if t.OnChange != nil {
			t.OnChange(changed)
		}
	}
	return changed
}

// AddStaticRoute installs or replaces the static route for route.Prefix.
func (t *RoutingTable) AddStaticRoute(route state.Route) []protocol.Address {
	route.Static = true
	route.Path = nil
	return t.mutate([]protocol.Address{route.Prefix}, func(root *routeNode) *routeNode {
		return update(root, route.Prefix, func(n *routeNode) {
			r := route
			n.static = &r
		})
	})
}

func (t *RoutingTable) RemoveStaticRoute(prefix protocol.Address) []protocol.Address {
	if n := t.find(prefix); n == nil || n.static == nil {
		return nil
	}
	return t.mutate([]protocol.Address{prefix}, func(root *routeNode) *routeNode {
		return update(root, prefix, func(n *routeNode) {
			n.static = nil
		})
	})
}

// SetLearnedRoutes applies withdrawals, then additions, for routes learned
// from peer. Only entries owned by peer are touched.
func (t *RoutingTable) SetLearnedRoutes(peer state.AccountId, rel state.Relationship, add []state.Route, withdraw []protocol.Address) []protocol.Address {
	prefixes := make([]protocol.Address, 0, len(add)+len(withdraw))
	prefixes = append(prefixes, withdraw...)
	for _, r := range add {
		prefixes = append(prefixes, r.Prefix)
	}
	if len(prefixes) == 0 {
		return nil
	}
	return t.mutate(prefixes, learnedUpdate(peer, rel, add, withdraw))
}

func learnedUpdate(peer state.AccountId, rel state.Relationship, add []state.Route, withdraw []protocol.Address) func(root *routeNode) *routeNode {
	return func(root *routeNode) *routeNode {
		for _, p := range withdraw {
			if n := lookup(root, p); n == nil {
				continue
			} else if _, ok := n.learned[peer]; !ok {
				continue
			}
			root = update(root, p, func(n *routeNode) {
				n.learned = maps.Clone(n.learned)
				delete(n.learned, peer)
			})
		}
		for _, r := range add {
			r.NextHop = peer
			r.Static = false
			root = update(root, r.Prefix, func(n *routeNode) {
				learned := maps.Clone(n.learned)
				if learned == nil {
					learned = make(map[state.AccountId]learnedRoute)
				}
				learned[peer] = learnedRoute{route: r, relationship: rel}
				n.learned = learned
			})
		}
		return root
	}
}

// ResetPeer drops every route learned from peer. The prefixes are collected
// under the writer lock.
func (t *RoutingTable) ResetPeer(peer state.AccountId) []protocol.Address {
	t.mu.Lock()
	defer t.mu.Unlock()
	prefixes := learnedPrefixes(t.root.Load(), peer)
	if len(prefixes) == 0 {
		return nil
	}
	return t.apply(prefixes, learnedUpdate(peer, 0, nil, prefixes))
}

func (t *RoutingTable) SetDefaultRoute(id state.AccountId) {
	if id == "" {
		t.defaultRoute.Store(nil)
		return
	}
	t.defaultRoute.Store(&id)
}

// Resolve returns the route for the most specific prefix matching dest,
// falling back to the default route.
func (t *RoutingTable) Resolve(dest protocol.Address) (state.Route, bool) {
	cur := t.root.Load()
	var match *routeNode
	for _, seg := range dest.Segments() {
		cur = cur.children[seg]
		if cur == nil {
			break
		}
		if cur.hasRoute() {
			match = cur
		}
	}
	if match != nil {
		return match.best()
	}
	if def := t.defaultRoute.Load(); def != nil {
		return state.Route{Prefix: "", NextHop: *def, Static: true}, true
	}
	return state.Route{}, false
}

// GetRouteForPrefix returns the selected route for exactly prefix.
func (t *RoutingTable) GetRouteForPrefix(prefix protocol.Address) (state.Route, bool) {
	return t.bestAt(prefix)
}

func walk(n *routeNode, fn func(n *routeNode)) {
	fn(n)
	keys := slices.Sorted(maps.Keys(n.children))
	for _, k := range keys {
		walk(n.children[k], fn)
	}
}

// AllRoutes returns the selected route of every prefix, ordered by prefix.
func (t *RoutingTable) AllRoutes() []state.Route {
	routes := make([]state.Route, 0)
	walk(t.root.Load(), func(n *routeNode) {
		if r, ok := n.best(); ok {
			routes = append(routes, r)
		}
	})
	return routes
}

func (t *RoutingTable) StaticRoutes() []state.Route {
	routes := make([]state.Route, 0)
	walk(t.root.Load(), func(n *routeNode) {
		if n.static != nil {
			routes = append(routes, *n.static)
		}
	})
	return routes
}

func (t *RoutingTable) LearnedPrefixes(peer state.AccountId) []protocol.Address {
	return learnedPrefixes(t.root.Load(), peer)
}

func learnedPrefixes(root *routeNode, peer state.AccountId) []protocol.Address {
	prefixes := make([]protocol.Address, 0)
	walk(root, func(n *routeNode) {
		if _, ok := n.learned[peer]; ok {
			prefixes = append(prefixes, n.prefix)
		}
	})
	return prefixes
}
