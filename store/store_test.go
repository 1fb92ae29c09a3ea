package store

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/interledger4j/ilpv4-connector-sub010/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func openTest(t *testing.T) *Store {
	s, err := OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

func TestAccounts(t *testing.T) {
	s := openTest(t)
	threshold := int64(500)
	alice := state.AccountSettings{
		Id:           "alice",
		Relationship: state.Child,
		AssetCode:    "USD",
		AssetScale:   2,
		LinkType:     state.LinkIlpOverHttp,
		Link: state.LinkSettings{
			Url:      "http://alice.example/ilp",
			Incoming: state.AuthSettings{Type: state.AuthSimple, Secret: "sealed:abc"},
		},
		Balance:                 state.BalanceSettings{SettleThreshold: &threshold, SettleTo: 5},
		SettlementEngineAccount: "se-alice",
	}
	require.NoError(t, s.PutAccount(alice))
	require.NoError(t, s.PutAccount(state.AccountSettings{Id: "bob", Relationship: state.Peer, LinkType: state.LinkPing}))

	got, err := s.GetAccount("alice")
	require.NoError(t, err)
	if diff := cmp.Diff(alice, got); diff != "" {
		t.Errorf("GetAccount mismatch (-want +got):\n%s", diff)
	}

	all, err := s.Accounts()
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, state.AccountId("alice"), all[0].Id)
	assert.Equal(t, state.AccountId("bob"), all[1].Id)

	require.NoError(t, s.DeleteAccount("alice"))
	_, err = s.GetAccount("alice")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStaticRoutes(t *testing.T) {
	s := openTest(t)
	require.NoError(t, s.PutStaticRoute(state.StaticRouteCfg{Prefix: "g.b", NextHop: "bob"}))
	require.NoError(t, s.PutStaticRoute(state.StaticRouteCfg{Prefix: "g.a", NextHop: "alice"}))
	require.NoError(t, s.PutStaticRoute(state.StaticRouteCfg{Prefix: "g.b", NextHop: "carol"}))

	routes, err := s.StaticRoutes()
	require.NoError(t, err)
	assert.Equal(t, []state.StaticRouteCfg{
		{Prefix: "g.a", NextHop: "alice"},
		{Prefix: "g.b", NextHop: "carol"},
	}, routes)

	require.NoError(t, s.DeleteStaticRoute("g.a"))
	routes, err = s.StaticRoutes()
	require.NoError(t, err)
	assert.Len(t, routes, 1)
}

func TestBalances(t *testing.T) {
	s := openTest(t)
	require.NoError(t, s.SaveBalances([]state.AccountBalance{
		{AccountId: "a", Clearing: -1234, Prepaid: 7},
		{AccountId: "b", Clearing: 99},
	}))
	got, err := s.Balances()
	require.NoError(t, err)
	assert.Equal(t, []state.AccountBalance{
		{AccountId: "a", Clearing: -1234, Prepaid: 7},
		{AccountId: "b", Clearing: 99},
	}, got)

	// removing an account drops its balance too
	require.NoError(t, s.PutAccount(state.AccountSettings{Id: "a"}))
	require.NoError(t, s.DeleteAccount("a"))
	got, err = s.Balances()
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestUnknownFieldsAreSkipped(t *testing.T) {
	b := encodeBalance(state.AccountBalance{Clearing: -5, Prepaid: 3})
	b = protowire.AppendTag(b, 9, protowire.BytesType)
	b = protowire.AppendString(b, "from the future")
	bal, err := decodeBalance(b)
	require.NoError(t, err)
	assert.Equal(t, int64(-5), bal.Clearing)
	assert.Equal(t, int64(3), bal.Prepaid)

	_, err = decodeBalance(b[:len(b)-3])
	assert.Error(t, err)
}

func TestOpenFilePersists(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, s.PutStaticRoute(state.StaticRouteCfg{Prefix: "g.x", NextHop: "x"}))
	require.NoError(t, s.Close())

	s, err = Open(dir)
	require.NoError(t, err)
	defer s.Close()
	routes, err := s.StaticRoutes()
	require.NoError(t, err)
	assert.Len(t, routes, 1)
}
