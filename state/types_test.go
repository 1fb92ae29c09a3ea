package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRelationshipText(t *testing.T) {
	var r Relationship
	assert.NoError(t, r.UnmarshalText([]byte("peer")))
	assert.Equal(t, Peer, r)
	text, err := Child.MarshalText()
	assert.NoError(t, err)
	assert.Equal(t, "CHILD", string(text))
	assert.Error(t, r.UnmarshalText([]byte("cousin")))
	assert.Less(t, Parent.Weight(), Peer.Weight())
	assert.Less(t, Peer.Weight(), Child.Weight())
}

func TestRouteExportPolicy(t *testing.T) {
	assert.True(t, Child.ReceivesRoutesFrom(Parent))
	assert.False(t, Peer.ReceivesRoutesFrom(Parent))
	assert.False(t, Parent.ReceivesRoutesFrom(Peer))
	assert.True(t, Parent.ReceivesRoutesFrom(Child))
	assert.True(t, Peer.ReceivesRoutesFrom(Local))
}

func TestSettlementQuantityScale(t *testing.T) {
	q := SettlementQuantity{Amount: "123456789", Scale: 9}
	n, err := q.ScaleTo(6)
	assert.NoError(t, err)
	// rounds down
	assert.Equal(t, uint64(123456), n)

	n, err = q.ScaleTo(12)
	assert.NoError(t, err)
	assert.Equal(t, uint64(123456789000), n)

	assert.Error(t, SettlementQuantity{Amount: "-1", Scale: 0}.Validate())
	assert.Error(t, SettlementQuantity{Amount: "1.5", Scale: 0}.Validate())
	assert.Error(t, SettlementQuantity{Amount: "abc", Scale: 0}.Validate())

	_, err = SettlementQuantity{Amount: "99999999999999999999999", Scale: 0}.ScaleTo(0)
	assert.ErrorIs(t, err, ErrInvalidQuantity)

	assert.Equal(t, SettlementQuantity{Amount: "42", Scale: 3}, NewSettlementQuantity(42, 3))
}

func TestAccountBalanceNet(t *testing.T) {
	b := AccountBalance{Clearing: -50, Prepaid: 20}
	assert.Equal(t, int64(-30), b.Net())
}
