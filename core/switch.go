package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/interledger4j/ilpv4-connector-sub010/perf"
	"github.com/interledger4j/ilpv4-connector-sub010/protocol"
	"github.com/interledger4j/ilpv4-connector-sub010/state"
	"github.com/jellydator/ttlcache/v3"
)

// PacketContext carries one prepare through the filter chains. Filters may
// fill in the outgoing fields, the prepare itself is never modified.
type PacketContext struct {
	Cfg     *state.ConnectorCfg
	Source  state.AccountSettings
	Prepare *protocol.Prepare
	Now     time.Time

	// set once the next hop is known
	Route state.Route
	Dest  state.AccountSettings

	OutgoingAmount uint64
	OutgoingExpiry time.Time
}

func (pc *PacketContext) reject(code protocol.ErrorCode, format string, args ...any) *protocol.Reject {
	return protocol.NewReject(code, pc.Cfg.OperatorAddress, format, args...)
}

// PacketNext continues the chain. It always returns a fulfill or a reject.
type PacketNext func(ctx context.Context, pc *PacketContext) protocol.Response

// PacketFilter sees a packet on the way in and its response on the way out.
type PacketFilter interface {
	Filter(ctx context.Context, pc *PacketContext, next PacketNext) protocol.Response
}

type PacketFilterFunc func(ctx context.Context, pc *PacketContext, next PacketNext) protocol.Response

func (f PacketFilterFunc) Filter(ctx context.Context, pc *PacketContext, next PacketNext) protocol.Response {
	return f(ctx, pc, next)
}

// LinkSource resolves the link of an account.
type LinkSource interface {
	Get(id state.AccountId) (Link, bool)
}

// cfgAccounts looks accounts up in the live configuration.
type cfgAccounts func() *state.ConnectorCfg

func (c cfgAccounts) Account(id state.AccountId) (state.AccountSettings, bool) {
	return c().Account(id)
}

func (c cfgAccounts) Accounts() []state.AccountSettings {
	return c().Accounts
}

// PacketSwitch runs every incoming prepare through the packet filters, picks
// the next hop and forwards the packet through that hop's link filters.
type PacketSwitch struct {
	Log      *slog.Logger
	Now      func() time.Time
	Cfg      func() *state.ConnectorCfg
	Accounts AccountLookup
	Routes   *RoutingTable
	Links    LinkSource
	Balances *BalanceTracker
	Ccp      *CcpEngine // nil when route synchronisation is disabled
	Rates    RateProvider

	once     sync.Once
	chain    PacketNext
	outgoing PacketNext
	controls *ttlcache.Cache[string, struct{}]
}

func (p *PacketSwitch) Init(s *state.State) error {
	router := Get[*ConnectorRouter](s)
	links := Get[*LinkManager](s)
	p.Log = s.Log
	p.Cfg = s.Cfg
	p.Accounts = cfgAccounts(s.Cfg)
	p.Routes = router.Table
	p.Links = links
	p.Balances = Get[*BalanceTracker](s)
	p.Ccp = router.Ccp
	p.Rates = &cfgRates{env: s.Env}
	p.controls = newControlDedup()
	go p.controls.Start()
	p.once.Do(p.build)
	return links.SetHandler(p.SwitchPacket)
}

func (p *PacketSwitch) Cleanup(s *state.State) error {
	Get[*LinkManager](s).ClearHandler()
	p.controls.Stop()
	return nil
}

func newControlDedup() *ttlcache.Cache[string, struct{}] {
	return ttlcache.New[string, struct{}](
		ttlcache.WithTTL[string, struct{}](state.RouteControlDedupTTL),
		ttlcache.WithDisableTouchOnHit[string, struct{}](),
		ttlcache.WithCapacity[string, struct{}](4096),
	)
}

func (p *PacketSwitch) build() {
	if p.Log == nil {
		p.Log = slog.Default()
	}
	if p.Now == nil {
		p.Now = time.Now
	}
	if p.Accounts == nil {
		p.Accounts = cfgAccounts(p.Cfg)
	}
	if p.Rates == nil {
		p.Rates = StaticRates(nil)
	}
	if p.controls == nil {
		p.controls = newControlDedup()
	}
	packetFilters := []PacketFilter{
		allowedDestination{routes: p.Routes, accounts: p.Accounts},
		maxPacketAmount{},
		expiryFilter{},
		&balanceIlp{balances: p.Balances, log: p.Log},
		validateFulfillment{log: p.Log},
		&peerProtocol{ccp: p.Ccp, controls: p.controls, log: p.Log},
	}
	linkFilters := []PacketFilter{
		outgoingMaxPacketAmount{},
		outgoingMetrics{},
	}
	p.outgoing = chainFilters(p.Log, linkFilters, p.sendOutgoing)
	p.chain = chainFilters(p.Log, packetFilters, p.forward)
}

// chainFilters nests filters around last. Every step recovers panics into an
// F00 so outer filters still see a response and can reverse their effects.
func chainFilters(log *slog.Logger, filters []PacketFilter, last PacketNext) PacketNext {
	next := guard(log, last)
	for i := len(filters) - 1; i >= 0; i-- {
		f, inner := filters[i], next
		next = guard(log, func(ctx context.Context, pc *PacketContext) protocol.Response {
			return f.Filter(ctx, pc, inner)
		})
	}
	return next
}

func guard(log *slog.Logger, step PacketNext) PacketNext {
	return func(ctx context.Context, pc *PacketContext) (resp protocol.Response) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("packet processing panicked", "panic", r, "source", pc.Source.Id, "dst", pc.Prepare.Destination)
				resp = pc.reject(protocol.F00_BAD_REQUEST, "internal error")
			}
		}()
		resp = step(ctx, pc)
		if resp == nil {
			resp = pc.reject(protocol.F00_BAD_REQUEST, "no response")
		}
		return resp
	}
}

// SwitchPacket handles a prepare received from source.
func (p *PacketSwitch) SwitchPacket(ctx context.Context, source state.AccountId, prepare *protocol.Prepare) protocol.Response {
	p.once.Do(p.build)
	cfg := p.Cfg()
	start := p.Now()
	perf.PacketsPerSecond.Add(1)

	src, ok := p.Accounts.Account(source)
	if !ok {
		return protocol.NewReject(protocol.F00_BAD_REQUEST, cfg.OperatorAddress, "unknown source account %s", source)
	}
	pc := &PacketContext{
		Cfg:            cfg,
		Source:         src,
		Prepare:        prepare,
		Now:            start,
		OutgoingAmount: prepare.Amount,
		OutgoingExpiry: prepare.ExpiresAt,
	}
	resp := p.chain(ctx, pc)

	if _, ok := protocol.IsFulfill(resp); ok {
		perf.FulfilledPerSecond.Add(1)
	} else {
		perf.RejectedPerSecond.Add(1)
	}
	if state.DBG_log_packets {
		p.Log.Debug("switched packet", "source", source, "prepare", prepare, "next_hop", pc.Dest.Id, "response", resp, "took", p.Now().Sub(start))
	}
	return resp
}

// forward is the end of the packet chain: convert the amount for the next
// hop picked by allowedDestination and hand the packet to its link filters.
func (p *PacketSwitch) forward(ctx context.Context, pc *PacketContext) protocol.Response {
	if pc.Dest.Id == "" {
		return pc.reject(protocol.F02_UNREACHABLE, "no route to %s", pc.Prepare.Destination)
	}
	amount, err := ConvertAmount(p.Rates, pc.Prepare.Amount, pc.Source, pc.Dest)
	if errors.Is(err, ErrNoRate) {
		return pc.reject(protocol.F02_UNREACHABLE, "%v", err)
	} else if err != nil {
		return pc.reject(protocol.F03_INVALID_AMOUNT, "%v", err)
	}
	pc.OutgoingAmount = amount
	return p.outgoing(ctx, pc)
}

type sendResult struct {
	resp     protocol.Response
	err      error
	panicked bool
}

const (
	sendPending int32 = iota
	sendAnswered
	sendTimedOut
)

// sendOutgoing sends the packet and waits no longer than the outgoing
// expiry. The request itself keeps running after a timeout; its late
// response is only logged.
func (p *PacketSwitch) sendOutgoing(ctx context.Context, pc *PacketContext) protocol.Response {
	link, ok := p.Links.Get(pc.Dest.Id)
	if !ok || !link.IsConnected() {
		return pc.reject(protocol.T01_PEER_UNREACHABLE, "account %s is not connected", pc.Dest.Id)
	}
	out := &protocol.Prepare{
		Amount:             pc.OutgoingAmount,
		ExpiresAt:          pc.OutgoingExpiry,
		ExecutionCondition: pc.Prepare.ExecutionCondition,
		Destination:        pc.Prepare.Destination,
		Data:               pc.Prepare.Data,
	}

	var status atomic.Int32
	done := make(chan sendResult, 1)
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), state.LinkRequestTimeout)
	go func() {
		defer cancel()
		res := p.send(sendCtx, link, out)
		if !status.CompareAndSwap(sendPending, sendAnswered) {
			perf.StaleResponses.Add(1)
			p.Log.Warn("response arrived after the packet expired", "account", pc.Dest.Id, "dst", out.Destination, "response", res.resp, "error", res.err)
			return
		}
		done <- res
	}()

	timer := time.NewTimer(pc.OutgoingExpiry.Sub(p.Now()))
	defer timer.Stop()
	var res sendResult
	select {
	case res = <-done:
	case <-timer.C:
		if status.CompareAndSwap(sendPending, sendTimedOut) {
			perf.TimeoutsPerSecond.Add(1)
			p.Log.Info("packet timed out", "account", pc.Dest.Id, "dst", out.Destination, "expiry", out.ExpiresAt)
			return pc.reject(protocol.R00_TRANSFER_TIMED_OUT, "%s did not answer before the packet expired", pc.Dest.Id)
		}
		res = <-done
	}

	if res.panicked {
		return pc.reject(protocol.F00_BAD_REQUEST, "internal error")
	}
	if res.err != nil {
		perf.LinkErrorsPerSecond.Add(1)
		p.Log.Warn("failed to send packet", "account", pc.Dest.Id, "error", res.err)
		return pc.reject(protocol.T01_PEER_UNREACHABLE, "failed to reach %s", pc.Dest.Id)
	}
	if res.resp == nil {
		return pc.reject(protocol.T00_INTERNAL_ERROR, "link returned no response")
	}
	return res.resp
}

// send runs on its own goroutine, out of reach of the chain's panic guard.
func (p *PacketSwitch) send(ctx context.Context, link Link, out *protocol.Prepare) (res sendResult) {
	defer func() {
		if r := recover(); r != nil {
			p.Log.Error("link panicked", "account", link.AccountId(), "panic", r, "dst", out.Destination)
			res = sendResult{err: fmt.Errorf("link panicked: %v", r), panicked: true}
		}
	}()
	res.resp, res.err = link.SendPacket(ctx, out)
	return res
}
