package core

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/interledger4j/ilpv4-connector-sub010/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdminClient(t *testing.T) {
	s := bootConnector(t, testConnectorCfg())
	srv := httptest.NewServer(NewAdminHandler(NewAdmin(s), s.Log))
	defer srv.Close()
	client := NewAdminClient(srv.URL + "/")
	client.Client = srv.Client()
	ctx := context.Background()

	require.NoError(t, Get[*BalanceTracker](s).CreditIncoming("bob", 7))
	bal, err := client.Balance(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, state.AccountBalance{AccountId: "bob", Prepaid: 7}, bal)

	_, err = client.Balance(ctx, "nobody")
	assert.ErrorContains(t, err, "404")

	accounts, err := client.Accounts(ctx)
	require.NoError(t, err)
	ids := make([]state.AccountId, len(accounts))
	for i, acct := range accounts {
		ids[i] = acct.Id
		assert.NotEqual(t, state.Secret("bob-in"), acct.Link.Incoming.Secret)
	}
	assert.ElementsMatch(t, []state.AccountId{"alice", "bob", "dave"}, ids)

	routes, err := client.Routes(ctx)
	require.NoError(t, err)
	var bob *RouteView
	for i := range routes {
		if routes[i].Prefix == "g.conn.bob" {
			bob = &routes[i]
		}
	}
	require.NotNil(t, bob)
	if diff := cmp.Diff(RouteView{Prefix: "g.conn.bob", NextHop: "bob", Static: true}, *bob); diff != "" {
		t.Errorf("route mismatch (-want +got):\n%s", diff)
	}
}
