package core

import (
	"context"
	"fmt"
	"time"

	"github.com/interledger4j/ilpv4-connector-sub010/protocol"
	"github.com/interledger4j/ilpv4-connector-sub010/state"
)

// linkCcpIO sends CCP messages as peer protocol packets over the account links.
type linkCcpIO struct {
	links LinkSource
	now   func() time.Time
}

func (l *linkCcpIO) send(ctx context.Context, peer state.AccountId, dst protocol.Address, data []byte) error {
	link, ok := l.links.Get(peer)
	if !ok {
		return fmt.Errorf("%w %s", ErrNoLink, peer)
	}
	resp, err := link.SendPacket(ctx, protocol.NewPeerPrepare(dst, data, l.now()))
	if err != nil {
		return err
	}
	if rj, ok := protocol.IsReject(resp); ok {
		return rj
	}
	return nil
}

func (l *linkCcpIO) SendRouteControl(ctx context.Context, peer state.AccountId, req protocol.RouteControlRequest) error {
	data, err := req.MarshalBinary()
	if err != nil {
		return err
	}
	return l.send(ctx, peer, protocol.PeerRouteControl, data)
}

func (l *linkCcpIO) SendRouteUpdate(ctx context.Context, peer state.AccountId, req protocol.RouteUpdateRequest) error {
	data, err := req.MarshalBinary()
	if err != nil {
		return err
	}
	return l.send(ctx, peer, protocol.PeerRouteUpdate, data)
}
