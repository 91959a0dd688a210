package msgrpc

import (
	"expvar"
	"strconv"
	"sync/atomic"
)

// metricsSeq generates unique IDs for expvar namespacing across managers.
var metricsSeq atomic.Int64

// Metrics tracks operational counters for a TransportManager. All counters
// are lock-free and published to expvar under the "msgrpc.N." prefix for
// inspection via /debug/vars.
type Metrics struct {
	RequestsSent      atomic.Int64
	NotificationsSent atomic.Int64
	ResponsesReceived atomic.Int64
	OrphanResponses   atomic.Int64
	DuplicateIDs      atomic.Int64

	Timeouts       atomic.Int64
	ProtocolErrors atomic.Int64
	SocketErrors   atomic.Int64
	DumpFailures   atomic.Int64

	BytesSent     atomic.Int64
	BytesReceived atomic.Int64

	TransportsOpened   atomic.Int64
	DialFailures       atomic.Int64
	ShutdownsClient    atomic.Int64
	ShutdownsServer    atomic.Int64
	ShutdownsDisposing atomic.Int64

	// activeFn returns the number of live transports. Set by the manager.
	activeFn func() int
}

// newMetrics creates a Metrics instance and publishes all counters to
// expvar. Each call gets a unique prefix, since tests create many managers
// in one process.
func newMetrics() *Metrics {
	m := &Metrics{}

	seq := metricsSeq.Add(1)
	prefix := "msgrpc." + strconv.FormatInt(seq, 10) + "."

	publish := func(name string, v expvar.Var) {
		expvar.Publish(prefix+name, v)
	}

	for name, v := range m.counters() {
		publish(name, atomicVar(v))
	}
	publish("transports_active", expvar.Func(func() any {
		if m.activeFn != nil {
			return m.activeFn()
		}
		return 0
	}))

	return m
}

func (m *Metrics) counters() map[string]*atomic.Int64 {
	return map[string]*atomic.Int64{
		"requests_sent":       &m.RequestsSent,
		"notifications_sent":  &m.NotificationsSent,
		"responses_received":  &m.ResponsesReceived,
		"orphan_responses":    &m.OrphanResponses,
		"duplicate_ids":       &m.DuplicateIDs,
		"timeouts":            &m.Timeouts,
		"protocol_errors":     &m.ProtocolErrors,
		"socket_errors":       &m.SocketErrors,
		"dump_failures":       &m.DumpFailures,
		"bytes_sent":          &m.BytesSent,
		"bytes_received":      &m.BytesReceived,
		"transports_opened":   &m.TransportsOpened,
		"dial_failures":       &m.DialFailures,
		"shutdowns_client":    &m.ShutdownsClient,
		"shutdowns_server":    &m.ShutdownsServer,
		"shutdowns_disposing": &m.ShutdownsDisposing,
	}
}

// atomicVar wraps an *atomic.Int64 as an expvar.Var.
func atomicVar(v *atomic.Int64) expvar.Var {
	return expvar.Func(func() any {
		return v.Load()
	})
}

func (m *Metrics) recordShutdown(source ShutdownSource) {
	switch source {
	case ShutdownSourceClient:
		m.ShutdownsClient.Add(1)
	case ShutdownSourceServer:
		m.ShutdownsServer.Add(1)
	case ShutdownSourceDisposing:
		m.ShutdownsDisposing.Add(1)
	}
}

// Snapshot returns all metric values as a map, suitable for JSON serialization.
func (m *Metrics) Snapshot() map[string]int64 {
	snap := make(map[string]int64, 17)
	for name, v := range m.counters() {
		snap[name] = v.Load()
	}
	if m.activeFn != nil {
		snap["transports_active"] = int64(m.activeFn())
	}
	return snap
}
