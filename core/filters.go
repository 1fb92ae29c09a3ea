package core

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/interledger4j/ilpv4-connector-sub010/perf"
	"github.com/interledger4j/ilpv4-connector-sub010/protocol"
	"github.com/interledger4j/ilpv4-connector-sub010/state"
)

// allowedDestination resolves the next hop and refuses destinations outside
// the global prefix or without a route. Peer protocol addresses and the
// operator address are always let through.
type allowedDestination struct {
	routes   *RoutingTable
	accounts AccountLookup
}

func (a allowedDestination) Filter(ctx context.Context, pc *PacketContext, next PacketNext) protocol.Response {
	dst := pc.Prepare.Destination
	if protocol.IsPeerProtocol(dst) || dst == pc.Cfg.OperatorAddress {
		return next(ctx, pc)
	}
	if !dst.HasPrefix(pc.Cfg.GlobalPrefix) {
		return pc.reject(protocol.F02_UNREACHABLE, "destination %s is outside of %s", dst, pc.Cfg.GlobalPrefix)
	}
	route, ok := a.routes.Resolve(dst)
	if !ok || route.NextHop == "" {
		return pc.reject(protocol.F02_UNREACHABLE, "no route to %s", dst)
	}
	if route.NextHop == pc.Source.Id {
		return pc.reject(protocol.F02_UNREACHABLE, "route to %s points back to the source account", dst)
	}
	dest, ok := a.accounts.Account(route.NextHop)
	if !ok {
		return pc.reject(protocol.F02_UNREACHABLE, "next hop %s for %s is not a known account", route.NextHop, dst)
	}
	pc.Route = route
	pc.Dest = dest
	return next(ctx, pc)
}

func amountTooLarge(pc *PacketContext, received, maximum uint64) *protocol.Reject {
	rj := pc.reject(protocol.F08_AMOUNT_TOO_LARGE, "amount %d exceeds the maximum packet amount %d", received, maximum)
	rj.Data, _ = protocol.AmountTooLargeData{ReceivedAmount: received, MaximumAmount: maximum}.MarshalBinary()
	return rj
}

type maxPacketAmount struct{}

func (maxPacketAmount) Filter(ctx context.Context, pc *PacketContext, next PacketNext) protocol.Response {
	if limit := pc.Source.MaxPacketAmount; limit > 0 && pc.Prepare.Amount > limit {
		return amountTooLarge(pc, pc.Prepare.Amount, limit)
	}
	return next(ctx, pc)
}

// expiryFilter shrinks the outgoing expiry by the safety margin and caps it
// at the maximum hold time. It never extends it.
type expiryFilter struct{}

func (expiryFilter) Filter(ctx context.Context, pc *PacketContext, next PacketNext) protocol.Response {
	expires := pc.Prepare.ExpiresAt
	if !expires.After(pc.Now) {
		return pc.reject(protocol.R00_TRANSFER_TIMED_OUT, "packet expired at %s", expires.UTC().Format(time.RFC3339Nano))
	}
	out := expires.Add(-pc.Cfg.ExpirySafetyMargin)
	if limit := pc.Now.Add(pc.Cfg.MaxHoldTime); pc.Cfg.MaxHoldTime > 0 && out.After(limit) {
		out = limit
	}
	if !out.After(pc.Now) {
		return pc.reject(protocol.R02_INSUFFICIENT_TIMEOUT, "packet expires too soon to be forwarded")
	}
	pc.OutgoingExpiry = out
	return next(ctx, pc)
}

// balanceIlp debits the source for the duration of the packet. A fulfill
// makes the debit final and credits the next hop, anything else returns it.
type balanceIlp struct {
	balances *BalanceTracker
	log      *slog.Logger
}

func (b *balanceIlp) Filter(ctx context.Context, pc *PacketContext, next PacketNext) protocol.Response {
	amount := pc.Prepare.Amount
	if amount == 0 {
		return next(ctx, pc)
	}
	src := pc.Source.Id
	if err := b.balances.Reserve(src, amount); err != nil {
		if errors.Is(err, ErrInsufficientLiquidity) {
			return pc.reject(protocol.T04_INSUFFICIENT_LIQUIDITY, "insufficient liquidity on account %s", src)
		}
		b.log.Error("failed to reserve balance", "account", src, "amount", amount, "error", err)
		return pc.reject(protocol.T00_INTERNAL_ERROR, "failed to reserve balance")
	}

	resp := next(ctx, pc)

	if _, ok := protocol.IsFulfill(resp); !ok {
		if err := b.balances.Rollback(src, amount); err != nil {
			b.log.Error("failed to roll back reservation", "account", src, "amount", amount, "error", err)
		}
		return resp
	}
	if err := b.balances.Commit(src, amount); err != nil {
		b.log.Error("failed to commit reservation", "account", src, "amount", amount, "error", err)
	}
	if pc.Dest.Id != "" && pc.OutgoingAmount > 0 {
		if err := b.balances.Credit(pc.Dest.Id, pc.OutgoingAmount); err != nil {
			b.log.Error("failed to credit next hop", "account", pc.Dest.Id, "amount", pc.OutgoingAmount, "error", err)
		}
	}
	if state.DBG_log_balances {
		b.log.Debug("packet settled", "source", src, "amount", amount, "dest", pc.Dest.Id, "outgoing", pc.OutgoingAmount)
	}
	return resp
}

type validateFulfillment struct {
	log *slog.Logger
}

func (v validateFulfillment) Filter(ctx context.Context, pc *PacketContext, next PacketNext) protocol.Response {
	resp := next(ctx, pc)
	if f, ok := protocol.IsFulfill(resp); ok && !f.Fulfillment.Validates(pc.Prepare.ExecutionCondition) {
		v.log.Warn("fulfillment does not match the condition", "dest", pc.Dest.Id, "dst", pc.Prepare.Destination)
		return pc.reject(protocol.F05_WRONG_CONDITION, "fulfillment does not match the condition")
	}
	return resp
}

type outgoingMaxPacketAmount struct{}

func (outgoingMaxPacketAmount) Filter(ctx context.Context, pc *PacketContext, next PacketNext) protocol.Response {
	if limit := pc.Dest.MaxPacketAmount; limit > 0 && pc.OutgoingAmount > limit {
		return amountTooLarge(pc, pc.OutgoingAmount, limit)
	}
	return next(ctx, pc)
}

type outgoingMetrics struct{}

func (outgoingMetrics) Filter(ctx context.Context, pc *PacketContext, next PacketNext) protocol.Response {
	start := time.Now()
	perf.OutgoingPerSecond.Add(1)
	resp := next(ctx, pc)
	perf.PacketLatency.Add(float64(time.Since(start).Microseconds()))
	return resp
}
