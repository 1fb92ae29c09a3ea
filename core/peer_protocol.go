package core

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/interledger4j/ilpv4-connector-sub010/perf"
	"github.com/interledger4j/ilpv4-connector-sub010/protocol"
	"github.com/interledger4j/ilpv4-connector-sub010/state"
	"github.com/jellydator/ttlcache/v3"
)

// peerProtocol answers the packets addressed to the connector itself: IL-DCP,
// route synchronisation and pings to the operator address.
type peerProtocol struct {
	ccp      *CcpEngine
	controls *ttlcache.Cache[string, struct{}]
	log      *slog.Logger
}

func (h *peerProtocol) Filter(ctx context.Context, pc *PacketContext, next PacketNext) protocol.Response {
	dst := pc.Prepare.Destination
	switch {
	case protocol.IsPeerProtocol(dst):
		if pc.Prepare.ExecutionCondition != protocol.PeerProtocolCondition {
			return pc.reject(protocol.F00_BAD_REQUEST, "peer protocol packets must use the peer protocol condition")
		}
		return h.handlePeer(pc)
	case dst == pc.Cfg.OperatorAddress:
		if pc.Prepare.ExecutionCondition == protocol.PingCondition {
			return &protocol.Fulfill{Fulfillment: protocol.PingFulfillment}
		}
		return pc.reject(protocol.F02_UNREACHABLE, "%s only answers pings", dst)
	}
	return next(ctx, pc)
}

func (h *peerProtocol) handlePeer(pc *PacketContext) protocol.Response {
	src := pc.Source
	switch pc.Prepare.Destination {
	case protocol.PeerConfig:
		if src.Relationship != state.Child {
			return pc.reject(protocol.F00_BAD_REQUEST, "peer.config is only answered for child accounts")
		}
		data, err := protocol.IldcpResponse{
			ClientAddress: pc.Cfg.OperatorAddress.With(string(src.Id)),
			AssetScale:    src.AssetScale,
			AssetCode:     src.AssetCode,
		}.MarshalBinary()
		if err != nil {
			return pc.reject(protocol.F00_BAD_REQUEST, "%v", err)
		}
		return protocol.PeerFulfill(data)

	case protocol.PeerRouteControl:
		if h.ccp == nil {
			return pc.reject(protocol.F00_BAD_REQUEST, "route synchronisation is disabled")
		}
		var req protocol.RouteControlRequest
		if err := req.UnmarshalBinary(pc.Prepare.Data); err != nil {
			return pc.reject(protocol.F00_BAD_REQUEST, "invalid route control request: %v", err)
		}
		key := fmt.Sprintf("%s/%s/%d/%s", src.Id, req.LastKnownRoutingTableId, req.LastKnownEpoch, req.Mode)
		if h.controls.Get(key) != nil {
			return protocol.PeerFulfill(nil)
		}
		if err := h.ccp.HandleRouteControl(src.Id, req); err != nil {
			return pc.reject(protocol.F00_BAD_REQUEST, "%v", err)
		}
		h.controls.Set(key, struct{}{}, ttlcache.DefaultTTL)
		return protocol.PeerFulfill(nil)

	case protocol.PeerRouteUpdate:
		if h.ccp == nil {
			return pc.reject(protocol.F00_BAD_REQUEST, "route synchronisation is disabled")
		}
		var req protocol.RouteUpdateRequest
		if err := req.UnmarshalBinary(pc.Prepare.Data); err != nil {
			return pc.reject(protocol.F00_BAD_REQUEST, "invalid route update request: %v", err)
		}
		perf.RouteUpdatesReceived.Add(1)
		if err := h.ccp.HandleRouteUpdate(src.Id, req); err != nil {
			return pc.reject(protocol.F00_BAD_REQUEST, "%v", err)
		}
		return protocol.PeerFulfill(nil)
	}
	return pc.reject(protocol.F02_UNREACHABLE, "unknown peer protocol address %s", pc.Prepare.Destination)
}
