package state

import (
	"fmt"
	"net/netip"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/interledger4j/ilpv4-connector-sub010/protocol"
	"github.com/shopspring/decimal"
)

// account ids become address segments, so they share the segment alphabet
var namePattern, _ = regexp.Compile("^[a-zA-Z0-9_~-]+$")

func PathValidator(s string) error {
	_, err := os.Stat(path.Dir(s))
	if err != nil {
		return err
	}
	_, err = filepath.Abs(s)
	return err
}

func NameValidator(s string) error {
	if !namePattern.MatchString(s) {
		return fmt.Errorf("%s is not a valid name, must match pattern %s", s, namePattern.String())
	}
	if len(s) > 100 {
		return fmt.Errorf("len(\"%s\") = %d > 100 is too long", s, len(s))
	}
	return nil
}

func BindValidator(s string) error {
	_, err := netip.ParseAddrPort(s)
	return err
}

func UrlValidator(s string) error {
	u, err := url.Parse(s)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url %s must be http or https", s)
	}
	return nil
}

// FxPairValidator checks a "BASE/QUOTE" key and its decimal rate.
func FxPairValidator(pair, rate string) error {
	base, quote, ok := strings.Cut(pair, "/")
	if !ok || base == "" || quote == "" {
		return fmt.Errorf("fx pair %q must look like BASE/QUOTE", pair)
	}
	d, err := decimal.NewFromString(rate)
	if err != nil {
		return fmt.Errorf("fx rate for %s: %w", pair, err)
	}
	if !d.IsPositive() {
		return fmt.Errorf("fx rate for %s must be positive", pair)
	}
	return nil
}

func AuthValidator(a AuthSettings, direction string) error {
	switch a.Type {
	case AuthSimple:
		if a.Secret == "" {
			return fmt.Errorf("%s auth requires a secret", direction)
		}
	case AuthJwtHs256:
		if a.Secret == "" {
			return fmt.Errorf("%s auth requires a secret", direction)
		}
		if a.Subject == "" {
			return fmt.Errorf("%s jwt auth requires a subject", direction)
		}
	case "":
	default:
		return fmt.Errorf("unknown %s auth type %s", direction, a.Type)
	}
	return nil
}

func AccountValidator(a *AccountSettings) error {
	err := NameValidator(string(a.Id))
	if err != nil {
		return err
	}
	if a.Relationship > Local {
		return fmt.Errorf("account %s has an invalid relationship", a.Id)
	}
	if a.AssetCode == "" {
		return fmt.Errorf("account %s has no asset code", a.Id)
	}
	switch a.LinkType {
	case LinkIlpOverHttp:
		if err := UrlValidator(a.Link.Url); err != nil {
			return fmt.Errorf("account %s: %w", a.Id, err)
		}
		if a.Link.Incoming.Type == "" || a.Link.Outgoing.Type == "" {
			return fmt.Errorf("account %s: ILP over HTTP links need incoming and outgoing auth", a.Id)
		}
	case LinkLoopback, LinkPing:
	default:
		return fmt.Errorf("account %s has unknown link type %s", a.Id, a.LinkType)
	}
	if err := AuthValidator(a.Link.Incoming, "incoming"); err != nil {
		return fmt.Errorf("account %s: %w", a.Id, err)
	}
	if err := AuthValidator(a.Link.Outgoing, "outgoing"); err != nil {
		return fmt.Errorf("account %s: %w", a.Id, err)
	}
	if code := a.Link.RejectCode; code != "" && len(code) != 3 {
		return fmt.Errorf("account %s: reject code %q must be 3 characters", a.Id, code)
	}
	b := a.Balance
	if b.SettleThreshold != nil {
		if b.SettleTo > *b.SettleThreshold {
			return fmt.Errorf("account %s: settle_to %d exceeds settle_threshold %d", a.Id, b.SettleTo, *b.SettleThreshold)
		}
		if b.MinBalance != nil && *b.MinBalance > *b.SettleThreshold {
			return fmt.Errorf("account %s: min_balance exceeds settle_threshold", a.Id)
		}
	}
	if a.RateLimit < 0 {
		return fmt.Errorf("account %s: rate_limit must not be negative", a.Id)
	}
	return nil
}

func ConfigValidator(cfg *ConnectorCfg) error {
	if _, err := protocol.ParseAddress(string(cfg.OperatorAddress)); err != nil {
		return fmt.Errorf("operator_address: %w", err)
	}
	if _, err := protocol.ParsePrefix(string(cfg.GlobalPrefix)); err != nil {
		return fmt.Errorf("global_prefix: %w", err)
	}
	if !cfg.OperatorAddress.HasPrefix(cfg.GlobalPrefix) {
		return fmt.Errorf("operator_address %s is outside global_prefix %s", cfg.OperatorAddress, cfg.GlobalPrefix)
	}
	if err := BindValidator(cfg.IlpBind); err != nil {
		return fmt.Errorf("ilp_bind: %w", err)
	}
	if cfg.AdminBind != "" {
		if err := BindValidator(cfg.AdminBind); err != nil {
			return fmt.Errorf("admin_bind: %w", err)
		}
	}
	if cfg.LogPath != "" {
		if err := PathValidator(cfg.LogPath); err != nil {
			return fmt.Errorf("log_path: %w", err)
		}
	}
	if cfg.Settlement.EngineUrl != "" {
		if err := UrlValidator(cfg.Settlement.EngineUrl); err != nil {
			return fmt.Errorf("settlement.engine_url: %w", err)
		}
	}
	for pair, rate := range cfg.FxRates {
		if err := FxPairValidator(pair, rate); err != nil {
			return err
		}
	}

	seen := make(map[AccountId]bool)
	for i := range cfg.Accounts {
		a := &cfg.Accounts[i]
		if err := AccountValidator(a); err != nil {
			return err
		}
		if seen[a.Id] {
			return fmt.Errorf("duplicate account %s", a.Id)
		}
		seen[a.Id] = true
		if a.IsSettlementEnabled() && cfg.Settlement.EngineUrl == "" {
			return fmt.Errorf("account %s settles but settlement.engine_url is not set", a.Id)
		}
	}
	if cfg.DefaultRoute != "" && !seen[cfg.DefaultRoute] {
		return fmt.Errorf("default_route %s is not a configured account", cfg.DefaultRoute)
	}
	for _, r := range cfg.StaticRoutes {
		if _, err := protocol.ParsePrefix(string(r.Prefix)); err != nil {
			return fmt.Errorf("static route: %w", err)
		}
		if !seen[r.NextHop] {
			return fmt.Errorf("static route %s points at unknown account %s", r.Prefix, r.NextHop)
		}
	}
	return nil
}
