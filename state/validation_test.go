package state

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNameValidator_Valid(t *testing.T) {
	assert.NoError(t, NameValidator("1"))
	assert.NoError(t, NameValidator("ab_cd"))
	assert.NoError(t, NameValidator("Alice-1~x"))
}

func TestNameValidator_Invalid(t *testing.T) {
	assert.Error(t, NameValidator("alice.bob"))
	assert.Error(t, NameValidator("node name"))
	assert.Error(t, NameValidator(""))
	assert.Error(t, NameValidator("\t"))
	assert.Error(t, NameValidator(strings.Repeat("a", 200)))
}

func TestFxPairValidator(t *testing.T) {
	assert.NoError(t, FxPairValidator("USD/EUR", "0.92"))
	assert.Error(t, FxPairValidator("USDEUR", "0.92"))
	assert.Error(t, FxPairValidator("USD/EUR", "abc"))
	assert.Error(t, FxPairValidator("USD/EUR", "0"))
}

func TestConfigValidator_Valid(t *testing.T) {
	cfg := testCfg()
	assert.NoError(t, ConfigValidator(cfg))
}

func TestConfigValidator_DuplicateAccount(t *testing.T) {
	cfg := testCfg()
	cfg.Accounts = append(cfg.Accounts, cfg.Accounts[0])
	assert.ErrorContains(t, ConfigValidator(cfg), "duplicate account")
}

func TestConfigValidator_UnknownDefaultRoute(t *testing.T) {
	cfg := testCfg()
	cfg.DefaultRoute = "nobody"
	assert.ErrorContains(t, ConfigValidator(cfg), "default_route")
}

func TestConfigValidator_StaticRouteNextHop(t *testing.T) {
	cfg := testCfg()
	cfg.StaticRoutes = []StaticRouteCfg{{Prefix: "g.elsewhere", NextHop: "ghost"}}
	assert.ErrorContains(t, ConfigValidator(cfg), "unknown account ghost")
}

func TestConfigValidator_OperatorOutsideGlobalPrefix(t *testing.T) {
	cfg := testCfg()
	cfg.GlobalPrefix = "test.other"
	assert.Error(t, ConfigValidator(cfg))
}

func TestAccountValidator(t *testing.T) {
	threshold := int64(100)
	a := AccountSettings{
		Id:        "bob",
		AssetCode: "USD",
		LinkType:  LinkIlpOverHttp,
		Link: LinkSettings{
			Url:      "http://localhost:1234/ilp",
			Incoming: AuthSettings{Type: AuthSimple, Secret: "in"},
			Outgoing: AuthSettings{Type: AuthJwtHs256, Secret: "out", Subject: "me"},
		},
		Balance: BalanceSettings{SettleThreshold: &threshold, SettleTo: 10},
	}
	assert.NoError(t, AccountValidator(&a))

	bad := a
	bad.Link.Url = "ftp://x"
	assert.Error(t, AccountValidator(&bad))

	bad = a
	bad.Link.Outgoing.Subject = ""
	assert.ErrorContains(t, AccountValidator(&bad), "subject")

	bad = a
	bad.Balance.SettleTo = 200
	assert.ErrorContains(t, AccountValidator(&bad), "settle_to")

	bad = a
	bad.LinkType = "CARRIER_PIGEON"
	assert.Error(t, AccountValidator(&bad))
}
