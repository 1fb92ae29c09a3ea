package state

import "time"

var (
	// outgoing packets expire this much earlier than the incoming packet
	DefaultExpirySafetyMargin = time.Second
	// upper bound on how long the connector holds a packet for a peer
	DefaultMaxHoldTime = time.Second * 30

	// ccp
	RouteBroadcastInterval = time.Second * 30
	RouteHoldDownTime      = time.Second * 45
	RouteControlRetryDelay = time.Second * 5
	MaxEpochsPerUpdate     = uint32(50)
	RouteControlDedupTTL   = time.Second * 1

	// balances
	BalanceSnapshotDelay = time.Second * 10

	// settlement
	SettlementTimeout = time.Second * 10
	IdempotencyKeyTTL = time.Hour * 24

	// links
	DefaultTokenExpiry  = time.Minute * 10
	LinkRequestTimeout  = time.Second * 35
	RateLimitBurstRatio = 2.0

	// default ports
	DefaultIlpPort   = 7768
	DefaultAdminPort = 7769
)
