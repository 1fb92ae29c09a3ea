package core

import (
	"github.com/dustin/go-broadcast"
	"github.com/google/uuid"
	"github.com/interledger4j/ilpv4-connector-sub010/state"
)

// EventSink receives connector events. Publish must not block for long.
type EventSink interface {
	Publish(ev any)
}

// SettlementRequested is published when an account crossed its settle threshold
// and the amount was moved out of its clearing balance.
type SettlementRequested struct {
	IdempotencyKey uuid.UUID
	AccountId      state.AccountId
	Amount         uint64
}

// SettlementFailed is published when an outgoing settlement was refunded.
type SettlementFailed struct {
	IdempotencyKey uuid.UUID
	AccountId      state.AccountId
	Amount         uint64
	Err            error
}

type SettlementSent struct {
	IdempotencyKey uuid.UUID
	AccountId      state.AccountId
	Amount         uint64
}

type SettlementReceived struct {
	AccountId state.AccountId
	Amount    uint64
}

type LinkConnected struct {
	AccountId state.AccountId
}

type LinkDisconnected struct {
	AccountId state.AccountId
}

type AccountRemoved struct {
	AccountId state.AccountId
}

// ConnectorEvents fans events out to every subscriber.
type ConnectorEvents struct {
	broadcast.Broadcaster
}

func (n *ConnectorEvents) Init(s *state.State) error {
	n.Broadcaster = broadcast.NewBroadcaster(1024)
	return nil
}

func (n *ConnectorEvents) Cleanup(s *state.State) error {
	return n.Broadcaster.Close()
}

func (n *ConnectorEvents) Publish(ev any) {
	n.Submit(ev)
}

// Subscribe registers a buffered channel. The returned func unregisters it.
// Subscribers must keep draining the channel until they unsubscribe.
func (n *ConnectorEvents) Subscribe(buf int) (<-chan any, func()) {
	ch := make(chan any, buf)
	n.Register(ch)
	return ch, func() {
		n.Unregister(ch)
	}
}

// discardEvents is used when no sink is wired.
type discardEvents struct{}

func (discardEvents) Publish(any) {}
