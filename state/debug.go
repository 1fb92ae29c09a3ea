package state

var (
	DBG_trace             = false
	DBG_debug             = false
	DBG_log_packets       = false
	DBG_log_route_changes = false
	DBG_log_ccp           = false
	DBG_log_balances      = false
)
