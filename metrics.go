package signalr

import "expvar"

// hubMetrics record hub connection activity counters.
type hubMetrics struct {
	messageSent     expvar.Int
	messageRecv     expvar.Int
	messageDropped  expvar.Int // undecodable or unsupported
	pingSent        expvar.Int
	callIn          expvar.Int // number of inbound invocations received
	callInErr       expvar.Int // number of inbound invocations answered with an error
	callOut         expvar.Int // number of outbound invocations sent
	callPending     expvar.Int // outbound, awaiting completion
	callExpired     expvar.Int // outbound, discarded by the sweep
	completionStray expvar.Int // completions without a pending invocation
	starts          expvar.Int
	closes          expvar.Int

	emap *expvar.Map
}

func newHubMetrics() *hubMetrics {
	hm := &hubMetrics{emap: new(expvar.Map)}
	hm.emap.Set("messages_sent", &hm.messageSent)
	hm.emap.Set("messages_received", &hm.messageRecv)
	hm.emap.Set("messages_dropped", &hm.messageDropped)
	hm.emap.Set("pings_sent", &hm.pingSent)
	hm.emap.Set("calls_in", &hm.callIn)
	hm.emap.Set("calls_in_failed", &hm.callInErr)
	hm.emap.Set("calls_out", &hm.callOut)
	hm.emap.Set("calls_pending", &hm.callPending)
	hm.emap.Set("calls_expired", &hm.callExpired)
	hm.emap.Set("completions_unmatched", &hm.completionStray)
	hm.emap.Set("starts", &hm.starts)
	hm.emap.Set("closes", &hm.closes)
	return hm
}
