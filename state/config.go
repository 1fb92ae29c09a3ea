package state

import (
	"slices"
	"time"

	"github.com/interledger4j/ilpv4-connector-sub010/protocol"
)

// ConnectorCfg is the whole node configuration, read from a single yaml file.
type ConnectorCfg struct {
	Id                 string            `yaml:"id"`  // name of this node, used as the log prefix
	Key                SecretKey         `yaml:"key"` // unseals `sealed:` secrets
	OperatorAddress    protocol.Address  `yaml:"operator_address"`
	GlobalPrefix       protocol.Address  `yaml:"global_prefix"`
	IlpBind            string            `yaml:"ilp_bind"`
	AdminBind          string            `yaml:"admin_bind,omitempty"`
	DataDir            string            `yaml:"data_dir,omitempty"` // persistence is disabled when empty
	LogPath            string            `yaml:"log_path,omitempty"`
	DefaultRoute       AccountId         `yaml:"default_route,omitempty"`
	ExpirySafetyMargin time.Duration     `yaml:"expiry_safety_margin,omitempty"`
	MaxHoldTime        time.Duration     `yaml:"max_hold_time,omitempty"`
	Routing            RoutingCfg        `yaml:"routing,omitempty"`
	Settlement         SettlementCfg     `yaml:"settlement,omitempty"`
	FxRates            map[string]string `yaml:"fx_rates,omitempty"` // "USD/EUR": "0.92"
	Accounts           []AccountSettings `yaml:"accounts"`
	StaticRoutes       []StaticRouteCfg  `yaml:"static_routes,omitempty"`
}

type RoutingCfg struct {
	Disabled           bool          `yaml:"disabled,omitempty"`
	BroadcastInterval  time.Duration `yaml:"broadcast_interval,omitempty"`
	HoldDownTime       time.Duration `yaml:"hold_down_time,omitempty"`
	MaxEpochsPerUpdate uint32        `yaml:"max_epochs_per_update,omitempty"`
}

type SettlementCfg struct {
	EngineUrl      string        `yaml:"engine_url,omitempty"`
	Timeout        time.Duration `yaml:"timeout,omitempty"`
	IdempotencyTTL time.Duration `yaml:"idempotency_ttl,omitempty"`
}

type StaticRouteCfg struct {
	Prefix  protocol.Address `yaml:"prefix"`
	NextHop AccountId        `yaml:"next_hop"`
}

type AccountSettings struct {
	Id                      AccountId       `yaml:"id"`
	Relationship            Relationship    `yaml:"relationship"`
	AssetCode               string          `yaml:"asset_code"`
	AssetScale              uint8           `yaml:"asset_scale"`
	MaxPacketAmount         uint64          `yaml:"max_packet_amount,omitempty"` // 0 means unlimited
	LinkType                LinkType        `yaml:"link_type"`
	Link                    LinkSettings    `yaml:"link,omitempty"`
	Balance                 BalanceSettings `yaml:"balance,omitempty"`
	RateLimit               float64         `yaml:"rate_limit,omitempty"` // incoming packets per second, 0 means unlimited
	SendRoutes              bool            `yaml:"send_routes,omitempty"`
	ReceiveRoutes           bool            `yaml:"receive_routes,omitempty"`
	SettlementEngineAccount string          `yaml:"settlement_engine_account,omitempty"`
}

type LinkSettings struct {
	Url        string             `yaml:"url,omitempty"`
	Incoming   AuthSettings       `yaml:"incoming,omitempty"`
	Outgoing   AuthSettings       `yaml:"outgoing,omitempty"`
	RejectCode protocol.ErrorCode `yaml:"reject_code,omitempty"` // loopback links reject with this code when set
}

type AuthSettings struct {
	Type        AuthType      `yaml:"type,omitempty"`
	Secret      Secret        `yaml:"secret,omitempty"`
	Issuer      string        `yaml:"issuer,omitempty"`
	Audience    string        `yaml:"audience,omitempty"`
	Subject     string        `yaml:"subject,omitempty"`
	TokenExpiry time.Duration `yaml:"token_expiry,omitempty"`
}

type BalanceSettings struct {
	MinBalance      *int64 `yaml:"min_balance,omitempty"`
	SettleThreshold *int64 `yaml:"settle_threshold,omitempty"`
	SettleTo        int64  `yaml:"settle_to,omitempty"`
}

func (a AccountSettings) IsSettlementEnabled() bool {
	return a.SettlementEngineAccount != "" && a.Balance.SettleThreshold != nil
}

// Redacted returns a copy that is safe to hand out over the admin api.
func (a AccountSettings) Redacted() AccountSettings {
	if a.Link.Incoming.Secret != "" {
		a.Link.Incoming.Secret = redacted
	}
	if a.Link.Outgoing.Secret != "" {
		a.Link.Outgoing.Secret = redacted
	}
	return a
}

func (c *ConnectorCfg) Account(id AccountId) (AccountSettings, bool) {
	idx := slices.IndexFunc(c.Accounts, func(a AccountSettings) bool {
		return a.Id == id
	})
	if idx == -1 {
		return AccountSettings{}, false
	}
	return c.Accounts[idx], true
}

// Clone copies everything the admin api is able to mutate.
func (c *ConnectorCfg) Clone() *ConnectorCfg {
	cp := *c
	cp.Accounts = slices.Clone(c.Accounts)
	cp.StaticRoutes = slices.Clone(c.StaticRoutes)
	return &cp
}

// ExpandConfig fills in defaults for everything left unset.
func ExpandConfig(cfg *ConnectorCfg) {
	if cfg.Id == "" {
		cfg.Id = "connector"
	}
	if cfg.GlobalPrefix == "" {
		cfg.GlobalPrefix = protocol.Address(cfg.OperatorAddress.Scheme())
	}
	if cfg.ExpirySafetyMargin == 0 {
		cfg.ExpirySafetyMargin = DefaultExpirySafetyMargin
	}
	if cfg.MaxHoldTime == 0 {
		cfg.MaxHoldTime = DefaultMaxHoldTime
	}
	if cfg.Routing.BroadcastInterval == 0 {
		cfg.Routing.BroadcastInterval = RouteBroadcastInterval
	}
	if cfg.Routing.HoldDownTime == 0 {
		cfg.Routing.HoldDownTime = RouteHoldDownTime
	}
	if cfg.Routing.MaxEpochsPerUpdate == 0 {
		cfg.Routing.MaxEpochsPerUpdate = MaxEpochsPerUpdate
	}
	if cfg.Settlement.Timeout == 0 {
		cfg.Settlement.Timeout = SettlementTimeout
	}
	if cfg.Settlement.IdempotencyTTL == 0 {
		cfg.Settlement.IdempotencyTTL = IdempotencyKeyTTL
	}
	for i := range cfg.Accounts {
		ExpandAccount(&cfg.Accounts[i])
	}
}

func ExpandAccount(a *AccountSettings) {
	if a.LinkType == "" {
		a.LinkType = LinkIlpOverHttp
	}
	if a.Link.Outgoing.Type == AuthJwtHs256 && a.Link.Outgoing.TokenExpiry == 0 {
		a.Link.Outgoing.TokenExpiry = DefaultTokenExpiry
	}
}
