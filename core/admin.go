package core

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/interledger4j/ilpv4-connector-sub010/protocol"
	"github.com/interledger4j/ilpv4-connector-sub010/state"
)

// Admin applies operator changes to the running connector. Accounts changed
// here are persisted and override the config file on the next start.
type Admin struct {
	Env         *state.Env
	Store       *ConnectorStore
	Links       *LinkManager
	Router      *ConnectorRouter
	Balances    *BalanceTracker
	Settlements *SettlementWorker
	Events      EventSink

	mu sync.Mutex
}

func NewAdmin(s *state.State) *Admin {
	return &Admin{
		Env:         s.Env,
		Store:       Get[*ConnectorStore](s),
		Links:       Get[*LinkManager](s),
		Router:      Get[*ConnectorRouter](s),
		Balances:    Get[*BalanceTracker](s),
		Settlements: Get[*SettlementWorker](s),
		Events:      Get[*ConnectorEvents](s),
	}
}

func (a *Admin) Accounts() []state.AccountSettings {
	accounts := a.Env.Cfg().Accounts
	out := make([]state.AccountSettings, 0, len(accounts))
	for _, acct := range accounts {
		out = append(out, acct.Redacted())
	}
	return out
}

func (a *Admin) Account(id state.AccountId) (state.AccountSettings, error) {
	acct, ok := a.Env.Cfg().Account(id)
	if !ok {
		return state.AccountSettings{}, fmt.Errorf("%w %s", ErrUnknownAccount, id)
	}
	return acct.Redacted(), nil
}

// PutAccount creates or replaces an account and (re)connects its link.
func (a *Admin) PutAccount(ctx context.Context, acct state.AccountSettings) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	state.ExpandAccount(&acct)
	prev, existed := a.Env.Cfg().Account(acct.Id)
	_, err := a.Env.UpdateCfg(func(cfg *state.ConnectorCfg) error {
		mergeAccounts(cfg, []state.AccountSettings{acct})
		return nil
	})
	if err != nil {
		return err
	}
	if _, err := a.Links.Add(ctx, acct); err != nil {
		a.revert(acct.Id, prev, existed)
		return err
	}
	if err := a.Store.PutAccount(acct); err != nil {
		return err
	}
	if existed && prev.Relationship == state.Child && acct.Relationship != state.Child {
		a.Router.Table.RemoveStaticRoute(childPrefix(a.Env.Cfg().OperatorAddress, acct.Id))
	}
	a.Router.AccountAdded(acct)
	a.Env.Log.Info("account updated", "account", acct.Id, "created", !existed)
	return nil
}

func (a *Admin) revert(id state.AccountId, prev state.AccountSettings, existed bool) {
	_, err := a.Env.UpdateCfg(func(cfg *state.ConnectorCfg) error {
		if existed {
			mergeAccounts(cfg, []state.AccountSettings{prev})
			return nil
		}
		cfg.Accounts = slices.DeleteFunc(cfg.Accounts, func(cur state.AccountSettings) bool {
			return cur.Id == id
		})
		return nil
	})
	if err != nil {
		a.Env.Log.Error("failed to revert account update", "account", id, "error", err)
	}
}

// DeleteAccount disconnects an account and drops its routes and balance.
func (a *Admin) DeleteAccount(id state.AccountId) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var dropped []protocol.Address
	var clearDefault bool
	_, err := a.Env.UpdateCfg(func(cfg *state.ConnectorCfg) error {
		if _, ok := cfg.Account(id); !ok {
			return fmt.Errorf("%w %s", ErrUnknownAccount, id)
		}
		cfg.Accounts = slices.DeleteFunc(cfg.Accounts, func(cur state.AccountSettings) bool {
			return cur.Id == id
		})
		cfg.StaticRoutes = slices.DeleteFunc(cfg.StaticRoutes, func(sr state.StaticRouteCfg) bool {
			if sr.NextHop == id {
				dropped = append(dropped, sr.Prefix)
				return true
			}
			return false
		})
		if cfg.DefaultRoute == id {
			cfg.DefaultRoute = ""
			clearDefault = true
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := a.Links.Remove(id); err != nil && !errors.Is(err, ErrNoLink) {
		a.Env.Log.Warn("failed to close link", "account", id, "error", err)
	}
	if clearDefault {
		a.Router.Table.SetDefaultRoute("")
	}
	a.Router.AccountRemoved(id)
	a.Balances.Forget(id)
	for _, prefix := range dropped {
		if err := a.Store.DeleteStaticRoute(string(prefix)); err != nil {
			return err
		}
	}
	if err := a.Store.DeleteAccount(id); err != nil {
		return err
	}
	a.Events.Publish(AccountRemoved{AccountId: id})
	a.Env.Log.Info("account removed", "account", id)
	return nil
}

func (a *Admin) Balance(id state.AccountId) (state.AccountBalance, error) {
	if _, ok := a.Env.Cfg().Account(id); !ok {
		return state.AccountBalance{}, fmt.Errorf("%w %s", ErrUnknownAccount, id)
	}
	return a.Balances.GetBalance(id), nil
}

func (a *Admin) Routes() []state.Route {
	return a.Router.Table.AllRoutes()
}

func (a *Admin) SetStaticRoute(route state.StaticRouteCfg) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.Router.SetStaticRoute(route)
}

func (a *Admin) DeleteStaticRoute(prefix protocol.Address) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.Router.DeleteStaticRoute(prefix)
}

func (a *Admin) ReceiveSettlement(id state.AccountId, key string, q state.SettlementQuantity) (state.SettlementQuantity, error) {
	return a.Settlements.ReceiveSettlement(id, key, q)
}
