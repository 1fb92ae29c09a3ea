package core

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/interledger4j/ilpv4-connector-sub010/state"
)

var (
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")
	ErrNoReservation         = errors.New("no pending reservation for amount")
	ErrBalanceOverflow       = errors.New("balance overflow")
)

/*
Balances are kept from the connector's point of view. A prepare from an
account debits it (prepaid first, then clearing). A fulfilled packet forwarded
to an account credits its clearing balance, so a positive clearing balance is
what the connector owes that account. Crossing the settle threshold moves the
excess out of the clearing balance before the settlement is even attempted.
*/

type pendingAmount struct {
	amount       uint64
	fromPrepaid  int64
	fromClearing int64
}

type accountBalance struct {
	mu       sync.Mutex
	clearing int64
	prepaid  int64
	pending  []pendingAmount
}

type BalanceTracker struct {
	Log *slog.Logger

	accounts AccountLookup
	events   EventSink
	balances sync.Map // state.AccountId -> *accountBalance
	dirty    atomic.Bool
}

func NewBalanceTracker(accounts AccountLookup, events EventSink) *BalanceTracker {
	if events == nil {
		events = discardEvents{}
	}
	return &BalanceTracker{
		Log:      slog.Default(),
		accounts: accounts,
		events:   events,
	}
}

func (b *BalanceTracker) entry(id state.AccountId) *accountBalance {
	if e, ok := b.balances.Load(id); ok {
		return e.(*accountBalance)
	}
	e, _ := b.balances.LoadOrStore(id, &accountBalance{})
	return e.(*accountBalance)
}

func toSigned(amount uint64) (int64, error) {
	if amount > math.MaxInt64 {
		return 0, fmt.Errorf("%w: amount %d", ErrBalanceOverflow, amount)
	}
	return int64(amount), nil
}

// Reserve debits a prepare amount from the source account.
func (b *BalanceTracker) Reserve(id state.AccountId, amount uint64) error {
	amt, err := toSigned(amount)
	if err != nil {
		return err
	}
	settings, _ := b.accounts.Account(id)
	e := b.entry(id)
	e.mu.Lock()
	defer e.mu.Unlock()

	net := e.clearing + e.prepaid
	if floor := settings.Balance.MinBalance; floor != nil {
		if net < *floor || amt > net-*floor {
			return fmt.Errorf("%w: account %s has %d, minimum %d, requested %d", ErrInsufficientLiquidity, id, net, *floor, amount)
		}
	}
	if e.clearing < math.MinInt64+amt {
		return fmt.Errorf("%w: account %s", ErrBalanceOverflow, id)
	}

	p := pendingAmount{amount: amount}
	p.fromPrepaid = min(max(e.prepaid, 0), amt)
	p.fromClearing = amt - p.fromPrepaid
	e.prepaid -= p.fromPrepaid
	e.clearing -= p.fromClearing
	e.pending = append(e.pending, p)
	b.dirty.Store(true)
	return nil
}

func (e *accountBalance) take(amount uint64) (pendingAmount, bool) {
	i := slices.IndexFunc(e.pending, func(p pendingAmount) bool {
		return p.amount == amount
	})
	if i < 0 {
		return pendingAmount{}, false
	}
	p := e.pending[i]
	e.pending = slices.Delete(e.pending, i, i+1)
	return p, true
}

// Commit finalises a reservation after the packet was fulfilled.
func (b *BalanceTracker) Commit(id state.AccountId, amount uint64) error {
	e := b.entry(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.take(amount); !ok {
		return fmt.Errorf("%w: commit %d on %s", ErrNoReservation, amount, id)
	}
	return nil
}

// Rollback returns a reservation after the packet was rejected.
func (b *BalanceTracker) Rollback(id state.AccountId, amount uint64) error {
	e := b.entry(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.take(amount)
	if !ok {
		return fmt.Errorf("%w: rollback %d on %s", ErrNoReservation, amount, id)
	}
	e.prepaid += p.fromPrepaid
	e.clearing += p.fromClearing
	b.dirty.Store(true)
	return nil
}

// Credit adds a fulfilled outgoing amount to the destination account and
// requests a settlement once the settle threshold is reached.
func (b *BalanceTracker) Credit(id state.AccountId, amount uint64) error {
	amt, err := toSigned(amount)
	if err != nil {
		return err
	}
	settings, _ := b.accounts.Account(id)
	e := b.entry(id)
	e.mu.Lock()
	if e.clearing > math.MaxInt64-amt {
		e.mu.Unlock()
		return fmt.Errorf("%w: account %s", ErrBalanceOverflow, id)
	}
	e.clearing += amt
	var req *SettlementRequested
	if threshold := settings.Balance.SettleThreshold; threshold != nil && settings.IsSettlementEnabled() {
		settleTo := settings.Balance.SettleTo
		if e.clearing >= *threshold && e.clearing > settleTo {
			req = &SettlementRequested{
				IdempotencyKey: uuid.New(),
				AccountId:      id,
				Amount:         uint64(e.clearing - settleTo),
			}
			e.clearing = settleTo
		}
	}
	e.mu.Unlock()
	b.dirty.Store(true)

	if req != nil {
		if state.DBG_log_balances {
			b.Log.Debug("settlement threshold reached", "account", id, "amount", req.Amount, "key", req.IdempotencyKey)
		}
		b.events.Publish(*req)
	}
	return nil
}

// RefundSettlement puts back an amount moved out by a failed settlement.
func (b *BalanceTracker) RefundSettlement(id state.AccountId, amount uint64) error {
	amt, err := toSigned(amount)
	if err != nil {
		return err
	}
	e := b.entry(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.clearing > math.MaxInt64-amt {
		return fmt.Errorf("%w: account %s", ErrBalanceOverflow, id)
	}
	e.clearing += amt
	b.dirty.Store(true)
	return nil
}

// CreditIncoming applies a settlement received from the account holder. It
// pays off a negative clearing balance first, the remainder becomes prepaid.
func (b *BalanceTracker) CreditIncoming(id state.AccountId, amount uint64) error {
	amt, err := toSigned(amount)
	if err != nil {
		return err
	}
	e := b.entry(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	toClearing := min(amt, max(-e.clearing, 0))
	rest := amt - toClearing
	if e.prepaid > math.MaxInt64-rest {
		return fmt.Errorf("%w: account %s", ErrBalanceOverflow, id)
	}
	e.clearing += toClearing
	e.prepaid += rest
	b.dirty.Store(true)
	return nil
}

func (b *BalanceTracker) GetBalance(id state.AccountId) state.AccountBalance {
	e := b.entry(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	return state.AccountBalance{AccountId: id, Clearing: e.clearing, Prepaid: e.prepaid}
}

// Pending returns the amounts reserved for in-flight packets.
func (b *BalanceTracker) Pending(id state.AccountId) []uint64 {
	e := b.entry(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]uint64, 0, len(e.pending))
	for _, p := range e.pending {
		out = append(out, p.amount)
	}
	return out
}

// Snapshot returns every balance with in-flight reservations returned, which
// is what a restart has to start from.
func (b *BalanceTracker) Snapshot() []state.AccountBalance {
	out := make([]state.AccountBalance, 0)
	b.balances.Range(func(key, value any) bool {
		e := value.(*accountBalance)
		e.mu.Lock()
		bal := state.AccountBalance{AccountId: key.(state.AccountId), Clearing: e.clearing, Prepaid: e.prepaid}
		for _, p := range e.pending {
			bal.Clearing += p.fromClearing
			bal.Prepaid += p.fromPrepaid
		}
		e.mu.Unlock()
		out = append(out, bal)
		return true
	})
	slices.SortFunc(out, func(a, b state.AccountBalance) int {
		return cmp.Compare(a.AccountId, b.AccountId)
	})
	return out
}

// TakeDirty reports whether balances changed since the last call.
func (b *BalanceTracker) TakeDirty() bool {
	return b.dirty.Swap(false)
}

func (b *BalanceTracker) Restore(balances []state.AccountBalance) {
	for _, bal := range balances {
		e := b.entry(bal.AccountId)
		e.mu.Lock()
		e.clearing = bal.Clearing
		e.prepaid = bal.Prepaid
		e.pending = nil
		e.mu.Unlock()
	}
}

// Forget drops the balance of a removed account.
func (b *BalanceTracker) Forget(id state.AccountId) {
	b.balances.Delete(id)
	b.dirty.Store(true)
}

func (b *BalanceTracker) Init(s *state.State) error {
	b.Log = s.Log
	b.accounts = cfgAccounts(s.Cfg)
	b.events = Get[*ConnectorEvents](s)
	balances, err := Get[*ConnectorStore](s).Balances()
	if err != nil {
		return fmt.Errorf("failed to load balances: %w", err)
	}
	b.Restore(balances)
	s.Log.Debug("restored balances", "accounts", len(balances))
	s.RepeatTask(b.persist, state.BalanceSnapshotDelay)
	return nil
}

func (b *BalanceTracker) persist(s *state.State) error {
	if !b.TakeDirty() {
		return nil
	}
	if err := Get[*ConnectorStore](s).SaveBalances(b.Snapshot()); err != nil {
		b.dirty.Store(true)
		s.Log.Warn("failed to save balances", "error", err)
	}
	return nil
}

func (b *BalanceTracker) Cleanup(s *state.State) error {
	return Get[*ConnectorStore](s).SaveBalances(b.Snapshot())
}
