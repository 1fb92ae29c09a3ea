package perf

import (
	"expvar"
	"net/http"

	"github.com/encodeous/metric"
)

var (
	DispatchLatency      = metric.NewHistogram("1m1s")
	PacketLatency        = metric.NewHistogram("1m1s")
	PacketsPerSecond     = metric.NewCounter("10s1s")
	FulfilledPerSecond   = metric.NewCounter("10s1s")
	RejectedPerSecond    = metric.NewCounter("10s1s")
	TimeoutsPerSecond    = metric.NewCounter("10s1s")
	StaleResponses       = metric.NewCounter("1h1m")
	OutgoingPerSecond    = metric.NewCounter("10s1s")
	LinkErrorsPerSecond  = metric.NewCounter("10s1s")
	RouteUpdatesReceived = metric.NewCounter("1h1m")
	SettlementsSent      = metric.NewCounter("1h1m")
	SettlementsFailed    = metric.NewCounter("1h1m")
)

func init() {
	expvar.Publish("ilp:Packets/s", PacketsPerSecond)
	expvar.Publish("ilp:Fulfilled/s", FulfilledPerSecond)
	expvar.Publish("ilp:Rejected/s", RejectedPerSecond)
	expvar.Publish("ilp:Timeouts/s", TimeoutsPerSecond)
	expvar.Publish("ilp:StaleResponses", StaleResponses)
	expvar.Publish("ilp:Outgoing/s", OutgoingPerSecond)
	expvar.Publish("ilp:LinkErrors/s", LinkErrorsPerSecond)
	expvar.Publish("ilp:PacketLatency (µs)", PacketLatency)
	expvar.Publish("ilp:RouteUpdatesReceived", RouteUpdatesReceived)
	expvar.Publish("ilp:SettlementsSent", SettlementsSent)
	expvar.Publish("ilp:SettlementsFailed", SettlementsFailed)
	expvar.Publish("ilp:DispatchLatency (µs)", DispatchLatency)
}

// Handler serves every published metric.
func Handler() http.Handler {
	return metric.Handler(metric.Exposed)
}
