package core

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/interledger4j/ilpv4-connector-sub010/protocol"
	"github.com/interledger4j/ilpv4-connector-sub010/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func prefixes(routes []protocol.CcpRoute) []protocol.Address {
	out := make([]protocol.Address, 0, len(routes))
	for _, r := range routes {
		out = append(out, r.Prefix)
	}
	return out
}

func TestForwardingTableSince(t *testing.T) {
	f := NewForwardingTable()
	route := &state.Route{Prefix: "g.a", NextHop: "x"}
	f.Record("g.a", route)
	f.Record("g.b", route)
	f.Record("g.a", nil)
	assert.Equal(t, uint32(3), f.CurrentEpoch())

	got := f.Since(0, 3)
	require.Len(t, got, 2)
	assert.Equal(t, protocol.Address("g.a"), got[0].prefix)
	assert.Nil(t, got[0].route)
	assert.Equal(t, protocol.Address("g.b"), got[1].prefix)

	assert.Len(t, f.Since(1, 2), 1)
	assert.Empty(t, f.Since(3, 3))
	assert.Empty(t, f.Since(2, 1))
}

func TestSyncSendsTableInChunks(t *testing.T) {
	e, table, h := newTestCcp(routingAccount("up", state.Parent), routingAccount("kid", state.Child))
	e.MaxEpochs = 2
	table.SetLearnedRoutes("up", state.Parent, []state.Route{
		learned("g.x", "g.up"),
		learned("g.y", "g.up"),
	}, nil)

	require.NoError(t, e.HandleRouteControl("kid", protocol.RouteControlRequest{Mode: protocol.ModeSync}))

	updates := h.Updates("kid")
	require.Len(t, updates, 2)
	first, second := updates[0], updates[1]
	assert.Equal(t, e.Forwarding().Id(), first.RoutingTableId)
	assert.Equal(t, uint32(3), first.CurrentEpochIndex)
	assert.Equal(t, uint32(0), first.FromEpochIndex)
	assert.Equal(t, uint32(2), first.ToEpochIndex)
	assert.Equal(t, uint32(45000), first.HoldDownTime)
	assert.Equal(t, protocol.Address("g.conn"), first.Speaker)
	assert.Equal(t, []protocol.Address{"g.conn", "g.x"}, prefixes(first.NewRoutes))
	assert.Equal(t, []protocol.Address{"g.conn"}, first.NewRoutes[0].Path)
	assert.Equal(t, []protocol.Address{"g.up", "g.conn"}, first.NewRoutes[1].Path)

	assert.Equal(t, uint32(2), second.FromEpochIndex)
	assert.Equal(t, uint32(3), second.ToEpochIndex)
	assert.Equal(t, []protocol.Address{"g.y"}, prefixes(second.NewRoutes))
}

func TestSyncResumesFromKnownEpoch(t *testing.T) {
	e, table, h := newTestCcp(routingAccount("kid", state.Child), routingAccount("up", state.Parent))
	table.SetLearnedRoutes("up", state.Parent, []state.Route{learned("g.x")}, nil)

	require.NoError(t, e.HandleRouteControl("kid", protocol.RouteControlRequest{
		Mode:                    protocol.ModeSync,
		LastKnownRoutingTableId: e.Forwarding().Id(),
		LastKnownEpoch:          1,
	}))
	updates := h.Updates("kid")
	require.Len(t, updates, 1)
	assert.Equal(t, uint32(1), updates[0].FromEpochIndex)
	assert.Equal(t, []protocol.Address{"g.x"}, prefixes(updates[0].NewRoutes))

	// an epoch from the future is treated like an unknown table
	h.Reset()
	require.NoError(t, e.HandleRouteControl("kid", protocol.RouteControlRequest{
		Mode:                    protocol.ModeSync,
		LastKnownRoutingTableId: e.Forwarding().Id(),
		LastKnownEpoch:          99,
	}))
	assert.Equal(t, uint32(0), h.Updates("kid")[0].FromEpochIndex)
}

func TestSplitHorizonAndExportPolicy(t *testing.T) {
	e, table, h := newTestCcp(
		routingAccount("up", state.Parent),
		routingAccount("side", state.Peer),
		routingAccount("kid", state.Child),
	)
	table.SetLearnedRoutes("up", state.Parent, []state.Route{learned("g.x")}, nil)
	table.SetLearnedRoutes("kid", state.Child, []state.Route{learned("g.conn2")}, nil)

	for _, id := range []state.AccountId{"up", "side", "kid"} {
		require.NoError(t, e.HandleRouteControl(id, protocol.RouteControlRequest{Mode: protocol.ModeSync}))
	}

	up := h.Updates("up")[0]
	assert.Equal(t, []protocol.Address{"g.conn", "g.conn2"}, prefixes(up.NewRoutes))
	assert.Equal(t, []protocol.Address{"g.x"}, up.WithdrawnRoutes)

	side := h.Updates("side")[0]
	assert.Equal(t, []protocol.Address{"g.conn", "g.conn2"}, prefixes(side.NewRoutes))
	assert.Equal(t, []protocol.Address{"g.x"}, side.WithdrawnRoutes)

	kid := h.Updates("kid")[0]
	assert.Equal(t, []protocol.Address{"g.conn", "g.x"}, prefixes(kid.NewRoutes))
	assert.Equal(t, []protocol.Address{"g.conn2"}, kid.WithdrawnRoutes)
}

func TestHeartbeatAndIdle(t *testing.T) {
	e, _, h := newTestCcp(routingAccount("kid", state.Child))
	require.NoError(t, e.HandleRouteControl("kid", protocol.RouteControlRequest{Mode: protocol.ModeSync}))
	h.Reset()

	e.Broadcast()
	updates := h.Updates("kid")
	require.Len(t, updates, 1)
	assert.Equal(t, updates[0].FromEpochIndex, updates[0].ToEpochIndex)
	assert.Equal(t, uint32(1), updates[0].CurrentEpochIndex)
	assert.Empty(t, updates[0].NewRoutes)
	assert.Empty(t, updates[0].WithdrawnRoutes)

	h.Reset()
	require.NoError(t, e.HandleRouteControl("kid", protocol.RouteControlRequest{Mode: protocol.ModeIdle}))
	e.Broadcast()
	assert.Empty(t, h.Updates("kid"))
}

func TestFailedPushIsRetriedFromSameEpoch(t *testing.T) {
	e, _, h := newTestCcp(routingAccount("kid", state.Child))
	h.fail = errors.New("link down")
	require.NoError(t, e.HandleRouteControl("kid", protocol.RouteControlRequest{Mode: protocol.ModeSync}))

	h.fail = nil
	h.Reset()
	e.Broadcast()
	updates := h.Updates("kid")
	require.Len(t, updates, 1)
	assert.Equal(t, uint32(0), updates[0].FromEpochIndex)
	assert.Equal(t, []protocol.Address{"g.conn"}, prefixes(updates[0].NewRoutes))
}

func TestRouteControlRequiresSendRoutes(t *testing.T) {
	acct := routingAccount("quiet", state.Peer)
	acct.SendRoutes = false
	e, _, h := newTestCcp(acct)
	assert.ErrorIs(t, e.HandleRouteControl("quiet", protocol.RouteControlRequest{Mode: protocol.ModeSync}), ErrRoutesNotSent)
	assert.ErrorIs(t, e.HandleRouteControl("ghost", protocol.RouteControlRequest{Mode: protocol.ModeSync}), ErrRoutesNotSent)
	assert.Empty(t, h.Updates("quiet"))
}

func routeUpdate(table uuid.UUID, from, to uint32, add []protocol.CcpRoute, withdraw ...protocol.Address) protocol.RouteUpdateRequest {
	return protocol.RouteUpdateRequest{
		RoutingTableId:    table,
		CurrentEpochIndex: to,
		FromEpochIndex:    from,
		ToEpochIndex:      to,
		HoldDownTime:      45000,
		Speaker:           "g.p",
		NewRoutes:         add,
		WithdrawnRoutes:   withdraw,
	}
}

func ccpRoute(prefix protocol.Address, path ...protocol.Address) protocol.CcpRoute {
	if len(path) == 0 {
		path = []protocol.Address{"g.p"}
	}
	return protocol.CcpRoute{Prefix: prefix, Path: path}
}

func TestDuplicateUpdateIsIgnored(t *testing.T) {
	e, table, h := newTestCcp(routingAccount("p", state.Peer))
	id := uuid.New()

	require.NoError(t, e.HandleRouteUpdate("p", routeUpdate(id, 0, 5, []protocol.CcpRoute{ccpRoute("g.p1")})))
	replayed := routeUpdate(id, 5, 10, []protocol.CcpRoute{ccpRoute("g.p2")}, "g.p1")
	require.NoError(t, e.HandleRouteUpdate("p", replayed))
	require.NoError(t, e.HandleRouteUpdate("p", routeUpdate(id, 10, 12, []protocol.CcpRoute{ccpRoute("g.p1")})))
	assert.Equal(t, []protocol.Address{"g.p1", "g.p2"}, table.LearnedPrefixes("p"))

	// the replayed withdrawal of g.p1 must not be applied again
	require.NoError(t, e.HandleRouteUpdate("p", replayed))
	assert.Equal(t, []protocol.Address{"g.p1", "g.p2"}, table.LearnedPrefixes("p"))
	_, epoch := e.PeerEpoch("p")
	assert.Equal(t, uint32(12), epoch)
	assert.Empty(t, h.Controls("p"))
}

func TestGapTriggersResync(t *testing.T) {
	e, table, h := newTestCcp(routingAccount("p", state.Peer))
	id := uuid.New()

	require.NoError(t, e.HandleRouteUpdate("p", routeUpdate(id, 0, 4, []protocol.CcpRoute{ccpRoute("g.p1")})))
	require.NoError(t, e.HandleRouteUpdate("p", routeUpdate(id, 10, 12, []protocol.CcpRoute{ccpRoute("g.p2")})))

	assert.Empty(t, table.LearnedPrefixes("p"))
	controls := h.Controls("p")
	require.Len(t, controls, 1)
	assert.Equal(t, protocol.ModeSync, controls[0].Mode)
	assert.Equal(t, id, controls[0].LastKnownRoutingTableId)
	assert.Equal(t, uint32(0), controls[0].LastKnownEpoch)

	// the full table arrives afterwards
	require.NoError(t, e.HandleRouteUpdate("p", routeUpdate(id, 0, 12, []protocol.CcpRoute{ccpRoute("g.p1"), ccpRoute("g.p2")})))
	assert.Equal(t, []protocol.Address{"g.p1", "g.p2"}, table.LearnedPrefixes("p"))
}

func TestNewRoutingTableIdReplacesRoutes(t *testing.T) {
	e, table, _ := newTestCcp(routingAccount("p", state.Peer))
	require.NoError(t, e.HandleRouteUpdate("p", routeUpdate(uuid.New(), 0, 3, []protocol.CcpRoute{ccpRoute("g.old")})))

	restarted := uuid.New()
	require.NoError(t, e.HandleRouteUpdate("p", routeUpdate(restarted, 0, 2, []protocol.CcpRoute{ccpRoute("g.new")})))
	assert.Equal(t, []protocol.Address{"g.new"}, table.LearnedPrefixes("p"))
	id, epoch := e.PeerEpoch("p")
	assert.Equal(t, restarted, id)
	assert.Equal(t, uint32(2), epoch)
}

func TestRefusedRoutes(t *testing.T) {
	e, table, _ := newTestCcp(routingAccount("p", state.Peer))
	require.NoError(t, e.HandleRouteUpdate("p", routeUpdate(uuid.New(), 0, 1, []protocol.CcpRoute{
		ccpRoute("g.loop", "g.p", "g.conn", "g.q"),
		ccpRoute("g.conn.kid"),
		ccpRoute("peer.config"),
		ccpRoute("h.elsewhere"),
		ccpRoute("g..bad"),
		ccpRoute("g.ok"),
	})))
	assert.Equal(t, []protocol.Address{"g.ok"}, table.LearnedPrefixes("p"))

	r, ok := table.Resolve("g.ok.x")
	require.True(t, ok)
	assert.Equal(t, state.AccountId("p"), r.NextHop)
	assert.Equal(t, []protocol.Address{"g.p"}, r.Path)
}

func TestLearnedRoutesAreReadvertised(t *testing.T) {
	e, _, h := newTestCcp(routingAccount("p", state.Peer), routingAccount("kid", state.Child))
	require.NoError(t, e.HandleRouteControl("kid", protocol.RouteControlRequest{Mode: protocol.ModeSync}))
	require.NoError(t, e.HandleRouteUpdate("p", routeUpdate(uuid.New(), 0, 1, []protocol.CcpRoute{ccpRoute("g.p")})))
	h.Reset()

	e.Broadcast()
	updates := h.Updates("kid")
	require.Len(t, updates, 1)
	require.Len(t, updates[0].NewRoutes, 1)
	assert.Equal(t, []protocol.Address{"g.p", "g.conn"}, updates[0].NewRoutes[0].Path)
}

func TestRouteUpdateRequiresReceiveRoutes(t *testing.T) {
	acct := routingAccount("deaf", state.Peer)
	acct.ReceiveRoutes = false
	e, table, _ := newTestCcp(acct)
	err := e.HandleRouteUpdate("deaf", routeUpdate(uuid.New(), 0, 1, []protocol.CcpRoute{ccpRoute("g.x")}))
	assert.ErrorIs(t, err, ErrRoutesNotAccepted)
	assert.Empty(t, table.LearnedPrefixes("deaf"))
}

func TestHoldDownRequestsSync(t *testing.T) {
	clock := newFakeClock()
	e, _, h := newTestCcp(routingAccount("p", state.Peer))
	e.Now = clock.Now

	e.CheckHoldDown()
	require.Len(t, h.Controls("p"), 1)

	require.NoError(t, e.HandleRouteUpdate("p", routeUpdate(uuid.New(), 0, 1, nil)))
	clock.Advance(10 * time.Second)
	e.CheckHoldDown()
	assert.Len(t, h.Controls("p"), 1)

	clock.Advance(time.Minute)
	e.CheckHoldDown()
	assert.Len(t, h.Controls("p"), 2)
}

func TestResetPeerDropsState(t *testing.T) {
	e, table, _ := newTestCcp(routingAccount("p", state.Peer))
	require.NoError(t, e.HandleRouteUpdate("p", routeUpdate(uuid.New(), 0, 1, []protocol.CcpRoute{ccpRoute("g.x")})))
	e.ResetPeer("p")
	assert.Empty(t, table.LearnedPrefixes("p"))
	id, epoch := e.PeerEpoch("p")
	assert.Equal(t, uuid.Nil, id)
	assert.Zero(t, epoch)
}

func TestRouteThroughUsWithdrawsOldPath(t *testing.T) {
	e, table, _ := newTestCcp(routingAccount("p", state.Peer))
	id := uuid.New()
	require.NoError(t, e.HandleRouteUpdate("p", routeUpdate(id, 0, 1, []protocol.CcpRoute{ccpRoute("g.far", "g.far", "g.p")})))
	_, ok := table.Resolve("g.far.x")
	require.True(t, ok)

	// the peer now reaches g.far through us
	require.NoError(t, e.HandleRouteUpdate("p", routeUpdate(id, 1, 2, []protocol.CcpRoute{ccpRoute("g.far", "g.far", "g.conn", "g.p")})))
	_, ok = table.Resolve("g.far.x")
	assert.False(t, ok)
	assert.Empty(t, table.LearnedPrefixes("p"))
	_, epoch := e.PeerEpoch("p")
	assert.Equal(t, uint32(2), epoch)
}

func TestUpdateForResetPeerIsDropped(t *testing.T) {
	acct := routingAccount("p", state.Peer)
	e, table, _ := newTestCcp(acct)
	stale := e.peer("p")
	e.ResetPeer("p")

	assert.False(t, e.applyUpdate(acct, stale, routeUpdate(uuid.New(), 0, 1, []protocol.CcpRoute{ccpRoute("g.x")})))
	assert.Empty(t, table.LearnedPrefixes("p"))

	// a fresh update after the reset is applied normally
	require.NoError(t, e.HandleRouteUpdate("p", routeUpdate(uuid.New(), 0, 1, []protocol.CcpRoute{ccpRoute("g.x")})))
	assert.Equal(t, []protocol.Address{"g.x"}, table.LearnedPrefixes("p"))
}

func TestPeerEpochDoesNotCreateState(t *testing.T) {
	e, _, _ := newTestCcp(routingAccount("p", state.Peer))
	id, epoch := e.PeerEpoch("ghost")
	assert.Equal(t, uuid.Nil, id)
	assert.Zero(t, epoch)
	_, ok := e.peers.Load(state.AccountId("ghost"))
	assert.False(t, ok)
}
