package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/interledger4j/ilpv4-connector-sub010/perf"
	"github.com/interledger4j/ilpv4-connector-sub010/state"
	"github.com/jellydator/ttlcache/v3"
)

var (
	ErrUnknownAccount      = errors.New("unknown account")
	ErrSettlementDisabled  = errors.New("settlement is not enabled for account")
	ErrSettlementRejected  = errors.New("settlement engine refused the settlement")
	ErrDuplicateSettlement = errors.New("settlement was already applied")
)

// SettlementEngine is the port to the settlement engine of an account.
type SettlementEngine interface {
	// SendSettlement asks the engine to settle q with the account holder.
	// Retrying with the same key must not settle twice.
	SendSettlement(ctx context.Context, engineAccount string, key uuid.UUID, q state.SettlementQuantity) error
}

// HttpSettlementEngine talks to a settlement engine over its http api.
type HttpSettlementEngine struct {
	Url    string
	Client *http.Client
}

func (h *HttpSettlementEngine) SendSettlement(ctx context.Context, engineAccount string, key uuid.UUID, q state.SettlementQuantity) error {
	body, err := json.Marshal(q)
	if err != nil {
		return err
	}
	target := fmt.Sprintf("%s/accounts/%s/settlements", strings.TrimRight(h.Url, "/"), url.PathEscape(engineAccount))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", key.String())
	resp, err := h.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %s: %s", ErrSettlementRejected, resp.Status, strings.TrimSpace(string(msg)))
	}
	return nil
}

// SettlementWorker sends the settlements requested by the balance tracker and
// applies the settlements reported by the engine.
type SettlementWorker struct {
	Log      *slog.Logger
	Cfg      func() *state.ConnectorCfg
	Engine   SettlementEngine
	Balances *BalanceTracker
	Events   EventSink

	seen        *ttlcache.Cache[string, struct{}]
	mu          sync.Mutex
	wg          sync.WaitGroup
	quit        chan struct{}
	done        chan struct{}
	unsubscribe func()
}

func (w *SettlementWorker) Init(s *state.State) error {
	cfg := s.Cfg()
	events := Get[*ConnectorEvents](s)
	w.Log = s.Log
	w.Cfg = s.Cfg
	w.Balances = Get[*BalanceTracker](s)
	w.Events = events
	w.Engine = &HttpSettlementEngine{
		Url:    cfg.Settlement.EngineUrl,
		Client: &http.Client{Timeout: cfg.Settlement.Timeout},
	}
	w.setup(cfg.Settlement)
	go w.seen.Start()

	ch, unsubscribe := events.Subscribe(64)
	w.unsubscribe = unsubscribe
	w.quit = make(chan struct{})
	w.done = make(chan struct{})
	go w.run(s.Context, ch)
	return nil
}

func (w *SettlementWorker) setup(cfg state.SettlementCfg) {
	w.seen = ttlcache.New[string, struct{}](
		ttlcache.WithTTL[string, struct{}](cfg.IdempotencyTTL),
		ttlcache.WithDisableTouchOnHit[string, struct{}](),
	)
}

func (w *SettlementWorker) Cleanup(s *state.State) error {
	w.unsubscribe()
	close(w.quit)
	<-w.done
	w.wg.Wait()
	w.seen.Stop()
	return nil
}

func (w *SettlementWorker) run(ctx context.Context, ch <-chan any) {
	defer close(w.done)
	for {
		select {
		case ev := <-ch:
			if req, ok := ev.(SettlementRequested); ok {
				w.wg.Add(1)
				go func() {
					defer w.wg.Done()
					w.Settle(ctx, req)
				}()
			}
		case <-w.quit:
			return
		}
	}
}

// Settle sends one requested settlement. A failed settlement puts the amount
// back into the clearing balance.
func (w *SettlementWorker) Settle(ctx context.Context, req SettlementRequested) {
	cfg := w.Cfg()
	log := w.Log.With("account", req.AccountId, "amount", req.Amount, "key", req.IdempotencyKey)
	acct, ok := cfg.Account(req.AccountId)
	if !ok || !acct.IsSettlementEnabled() {
		log.Warn("dropping settlement for an account that no longer settles")
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Settlement.Timeout)
	defer cancel()
	q := state.NewSettlementQuantity(req.Amount, acct.AssetScale)
	err := w.Engine.SendSettlement(ctx, acct.SettlementEngineAccount, req.IdempotencyKey, q)
	if err == nil {
		perf.SettlementsSent.Add(1)
		log.Info("settlement sent")
		w.Events.Publish(SettlementSent{IdempotencyKey: req.IdempotencyKey, AccountId: req.AccountId, Amount: req.Amount})
		return
	}

	perf.SettlementsFailed.Add(1)
	log.Warn("settlement failed, refunding", "error", err)
	if rerr := w.Balances.RefundSettlement(req.AccountId, req.Amount); rerr != nil {
		log.Error("failed to refund settlement", "error", rerr)
	}
	w.Events.Publish(SettlementFailed{IdempotencyKey: req.IdempotencyKey, AccountId: req.AccountId, Amount: req.Amount, Err: err})
}

// ReceiveSettlement credits a settlement reported by the engine and returns
// the amount applied, in units of the account. Repeating a key is a no-op.
func (w *SettlementWorker) ReceiveSettlement(id state.AccountId, key string, q state.SettlementQuantity) (state.SettlementQuantity, error) {
	acct, ok := w.Cfg().Account(id)
	if !ok {
		return state.SettlementQuantity{}, fmt.Errorf("%w %s", ErrUnknownAccount, id)
	}
	if !acct.IsSettlementEnabled() {
		return state.SettlementQuantity{}, fmt.Errorf("%w %s", ErrSettlementDisabled, id)
	}
	amount, err := q.ScaleTo(acct.AssetScale)
	if err != nil {
		return state.SettlementQuantity{}, err
	}
	applied := state.NewSettlementQuantity(amount, acct.AssetScale)

	w.mu.Lock()
	defer w.mu.Unlock()
	if key != "" {
		if w.seen.Get(string(id)+"/"+key) != nil {
			return applied, ErrDuplicateSettlement
		}
	}
	if err := w.Balances.CreditIncoming(id, amount); err != nil {
		return state.SettlementQuantity{}, err
	}
	if key != "" {
		w.seen.Set(string(id)+"/"+key, struct{}{}, ttlcache.DefaultTTL)
	}
	w.Log.Info("settlement received", "account", id, "amount", amount)
	w.Events.Publish(SettlementReceived{AccountId: id, Amount: amount})
	return applied, nil
}
