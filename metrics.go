package mctd

import (
	"time"

	"go.uber.org/atomic"
)

// Metrics tracks operational statistics for the daemon. Counters are
// atomics: the event loop is the only writer, but the prometheus exporter
// reads them from scrape goroutines.
type Metrics struct {
	// message flow
	MessagesReceived  atomic.Uint64 // log messages read from producers
	MessagesSent      atomic.Uint64 // messages fanned out to clients
	MessagesBuffered  atomic.Uint64 // messages queued in the ring buffer
	MessagesDropped   atomic.Uint64 // tail-dropped on ring overflow
	MessagesStored    atomic.Uint64 // messages written to logstorage
	ControlRequests   atomic.Uint64 // control requests processed
	InjectionForwards atomic.Uint64 // injections forwarded to producers

	// connection churn
	ClientConnects    atomic.Uint64
	ClientDisconnects atomic.Uint64
	AppConnects       atomic.Uint64
	AppDisconnects    atomic.Uint64

	// error counters
	ReceiveErrors atomic.Uint64
	SendErrors    atomic.Uint64
	StorageErrors atomic.Uint64

	// gauges
	ConnectedClients  atomic.Int64
	RegisteredApps    atomic.Int64
	RegisteredCtxs    atomic.Int64
	ConnectedDevices  atomic.Int64
	RingBufferRecords atomic.Int64

	StartTime atomic.Int64 // daemon start (UnixNano)
}

// NewMetrics creates a metrics instance stamped with the start time
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// MetricsSnapshot is a point-in-time copy for reporting
type MetricsSnapshot struct {
	MessagesReceived  uint64
	MessagesSent      uint64
	MessagesBuffered  uint64
	MessagesDropped   uint64
	MessagesStored    uint64
	ControlRequests   uint64
	InjectionForwards uint64

	ClientConnects    uint64
	ClientDisconnects uint64
	AppConnects       uint64
	AppDisconnects    uint64

	ReceiveErrors uint64
	SendErrors    uint64
	StorageErrors uint64

	ConnectedClients  int64
	RegisteredApps    int64
	RegisteredCtxs    int64
	ConnectedDevices  int64
	RingBufferRecords int64

	Uptime time.Duration
}

// Snapshot copies the current counter values
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		MessagesReceived:  m.MessagesReceived.Load(),
		MessagesSent:      m.MessagesSent.Load(),
		MessagesBuffered:  m.MessagesBuffered.Load(),
		MessagesDropped:   m.MessagesDropped.Load(),
		MessagesStored:    m.MessagesStored.Load(),
		ControlRequests:   m.ControlRequests.Load(),
		InjectionForwards: m.InjectionForwards.Load(),
		ClientConnects:    m.ClientConnects.Load(),
		ClientDisconnects: m.ClientDisconnects.Load(),
		AppConnects:       m.AppConnects.Load(),
		AppDisconnects:    m.AppDisconnects.Load(),
		ReceiveErrors:     m.ReceiveErrors.Load(),
		SendErrors:        m.SendErrors.Load(),
		StorageErrors:     m.StorageErrors.Load(),
		ConnectedClients:  m.ConnectedClients.Load(),
		RegisteredApps:    m.RegisteredApps.Load(),
		RegisteredCtxs:    m.RegisteredCtxs.Load(),
		ConnectedDevices:  m.ConnectedDevices.Load(),
		RingBufferRecords: m.RingBufferRecords.Load(),
		Uptime:            time.Since(time.Unix(0, m.StartTime.Load())),
	}
}
