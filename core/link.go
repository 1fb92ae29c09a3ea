package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/interledger4j/ilpv4-connector-sub010/protocol"
	"github.com/interledger4j/ilpv4-connector-sub010/state"
)

var (
	ErrHandlerRegistered = errors.New("link already has a packet handler")
	ErrLinkNotConnected  = errors.New("link is not connected")
	ErrUnknownLinkType   = errors.New("unknown link type")
)

// PacketHandler handles a prepare sent by source and always produces a
// fulfill or a reject.
type PacketHandler func(ctx context.Context, source state.AccountId, p *protocol.Prepare) protocol.Response

// Link is the bilateral connection to one account.
type Link interface {
	AccountId() state.AccountId
	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool
	// SendPacket forwards a prepare to the account. An error means the packet
	// never reached the peer or no valid response came back.
	SendPacket(ctx context.Context, p *protocol.Prepare) (protocol.Response, error)
	RegisterHandler(h PacketHandler) error
	UnregisterHandler()
	// HandleIncoming passes a prepare sent by the account to the registered
	// handler.
	HandleIncoming(ctx context.Context, p *protocol.Prepare) protocol.Response
}

// LinkOptions carries the node-wide settings links need.
type LinkOptions struct {
	Operator protocol.Address
	Key      state.SecretKey
	Client   *http.Client
	Now      func() time.Time
	Log      *slog.Logger
}

type linkFactory func(acct state.AccountSettings, opts LinkOptions) (Link, error)

var linkFactories = map[state.LinkType]linkFactory{
	state.LinkIlpOverHttp: newHttpLink,
	state.LinkLoopback:    newLoopbackLink,
	state.LinkPing:        newPingLink,
}

// NewLink builds the link for an account based on its link type.
func NewLink(acct state.AccountSettings, opts LinkOptions) (Link, error) {
	f, ok := linkFactories[acct.LinkType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownLinkType, acct.LinkType)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	return f(acct, opts)
}

// baseLink holds the handler and connection state shared by every link type.
type baseLink struct {
	id        state.AccountId
	operator  protocol.Address
	handler   atomic.Pointer[PacketHandler]
	connected atomic.Bool
}

func (b *baseLink) AccountId() state.AccountId {
	return b.id
}

func (b *baseLink) Connect(ctx context.Context) error {
	b.connected.Store(true)
	return nil
}

func (b *baseLink) Disconnect() error {
	b.connected.Store(false)
	return nil
}

func (b *baseLink) IsConnected() bool {
	return b.connected.Load()
}

func (b *baseLink) RegisterHandler(h PacketHandler) error {
	if !b.handler.CompareAndSwap(nil, &h) {
		return fmt.Errorf("%w: %s", ErrHandlerRegistered, b.id)
	}
	return nil
}

func (b *baseLink) UnregisterHandler() {
	b.handler.Store(nil)
}

func (b *baseLink) HandleIncoming(ctx context.Context, p *protocol.Prepare) protocol.Response {
	h := b.handler.Load()
	if h == nil {
		return protocol.NewReject(protocol.T00_INTERNAL_ERROR, b.operator, "no packet handler for account %s", b.id)
	}
	return (*h)(ctx, b.id, p)
}

// LoopbackLink answers every packet itself: with the configured reject code,
// or with the zero fulfillment.
type LoopbackLink struct {
	baseLink
	rejectCode protocol.ErrorCode
}

func newLoopbackLink(acct state.AccountSettings, opts LinkOptions) (Link, error) {
	return &LoopbackLink{
		baseLink:   baseLink{id: acct.Id, operator: opts.Operator},
		rejectCode: acct.Link.RejectCode,
	}, nil
}

func (l *LoopbackLink) SendPacket(ctx context.Context, p *protocol.Prepare) (protocol.Response, error) {
	if !l.IsConnected() {
		return nil, ErrLinkNotConnected
	}
	if l.rejectCode != "" {
		return protocol.NewReject(l.rejectCode, l.operator, "loopback reject"), nil
	}
	return &protocol.Fulfill{Fulfillment: protocol.PeerProtocolFulfillment}, nil
}

// PingLink fulfills packets carrying the ping condition.
type PingLink struct {
	baseLink
}

func newPingLink(acct state.AccountSettings, opts LinkOptions) (Link, error) {
	return &PingLink{baseLink: baseLink{id: acct.Id, operator: opts.Operator}}, nil
}

func (l *PingLink) SendPacket(ctx context.Context, p *protocol.Prepare) (protocol.Response, error) {
	if !l.IsConnected() {
		return nil, ErrLinkNotConnected
	}
	if p.ExecutionCondition != protocol.PingCondition {
		return protocol.NewReject(protocol.F05_WRONG_CONDITION, l.operator, "ping link only fulfills the ping condition"), nil
	}
	return &protocol.Fulfill{Fulfillment: protocol.PingFulfillment}, nil
}
