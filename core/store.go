package core

import (
	"slices"

	"github.com/interledger4j/ilpv4-connector-sub010/state"
	"github.com/interledger4j/ilpv4-connector-sub010/store"
)

// ConnectorStore owns the database. Accounts and static routes changed over
// the admin api are persisted there and take precedence over the config file.
type ConnectorStore struct {
	*store.Store
}

func (c *ConnectorStore) Init(s *state.State) error {
	var err error
	if dir := s.Cfg().DataDir; dir != "" {
		c.Store, err = store.Open(dir)
	} else {
		s.Log.Warn("no data_dir configured, balances and admin changes are not persisted")
		c.Store, err = store.OpenMemory()
	}
	if err != nil {
		return err
	}
	accounts, err := c.Accounts()
	if err != nil {
		return err
	}
	routes, err := c.StaticRoutes()
	if err != nil {
		return err
	}
	if len(accounts) == 0 && len(routes) == 0 {
		return nil
	}
	_, err = s.UpdateCfg(func(cfg *state.ConnectorCfg) error {
		mergeAccounts(cfg, accounts)
		mergeStaticRoutes(cfg, routes)
		return nil
	})
	return err
}

func (c *ConnectorStore) Cleanup(s *state.State) error {
	if c.Store == nil {
		return nil
	}
	return c.Close()
}

func mergeAccounts(cfg *state.ConnectorCfg, accounts []state.AccountSettings) {
	for _, a := range accounts {
		i := slices.IndexFunc(cfg.Accounts, func(cur state.AccountSettings) bool {
			return cur.Id == a.Id
		})
		if i < 0 {
			cfg.Accounts = append(cfg.Accounts, a)
		} else {
			cfg.Accounts[i] = a
		}
	}
}

func mergeStaticRoutes(cfg *state.ConnectorCfg, routes []state.StaticRouteCfg) {
	for _, r := range routes {
		i := slices.IndexFunc(cfg.StaticRoutes, func(cur state.StaticRouteCfg) bool {
			return cur.Prefix == r.Prefix
		})
		if i < 0 {
			cfg.StaticRoutes = append(cfg.StaticRoutes, r)
		} else {
			cfg.StaticRoutes[i] = r
		}
	}
}
