package mctd

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Exporter bridges the daemon metrics into a prometheus registry. Scrapes
// run on their own goroutines; the counters are atomics for that reason.
type Exporter struct {
	metrics *Metrics

	messagesReceived *prometheus.Desc
	messagesSent     *prometheus.Desc
	messagesBuffered *prometheus.Desc
	messagesDropped  *prometheus.Desc
	messagesStored   *prometheus.Desc
	controlRequests  *prometheus.Desc
	sendErrors       *prometheus.Desc
	receiveErrors    *prometheus.Desc
	storageErrors    *prometheus.Desc
	connectedClients *prometheus.Desc
	registeredApps   *prometheus.Desc
	registeredCtxs   *prometheus.Desc
	connectedDevices *prometheus.Desc
	ringRecords      *prometheus.Desc
}

// NewExporter creates a collector over the given metrics
func NewExporter(metrics *Metrics) *Exporter {
	ns := "mctd"
	return &Exporter{
		metrics: metrics,
		messagesReceived: prometheus.NewDesc(ns+"_messages_received_total",
			"Log messages read from producers", nil, nil),
		messagesSent: prometheus.NewDesc(ns+"_messages_sent_total",
			"Messages fanned out to clients", nil, nil),
		messagesBuffered: prometheus.NewDesc(ns+"_messages_buffered_total",
			"Messages queued while no client was attached", nil, nil),
		messagesDropped: prometheus.NewDesc(ns+"_messages_dropped_total",
			"Messages tail-dropped on ring buffer overflow", nil, nil),
		messagesStored: prometheus.NewDesc(ns+"_messages_stored_total",
			"Messages written to offline logstorage", nil, nil),
		controlRequests: prometheus.NewDesc(ns+"_control_requests_total",
			"Control requests processed", nil, nil),
		sendErrors: prometheus.NewDesc(ns+"_send_errors_total",
			"Failed client sends", nil, nil),
		receiveErrors: prometheus.NewDesc(ns+"_receive_errors_total",
			"Failed receives", nil, nil),
		storageErrors: prometheus.NewDesc(ns+"_storage_errors_total",
			"Failed logstorage writes", nil, nil),
		connectedClients: prometheus.NewDesc(ns+"_connected_clients",
			"Currently attached viewer clients", nil, nil),
		registeredApps: prometheus.NewDesc(ns+"_registered_applications",
			"Registered producer applications", nil, nil),
		registeredCtxs: prometheus.NewDesc(ns+"_registered_contexts",
			"Registered contexts", nil, nil),
		connectedDevices: prometheus.NewDesc(ns+"_connected_storage_devices",
			"Connected offline logstorage devices", nil, nil),
		ringRecords: prometheus.NewDesc(ns+"_ringbuffer_records",
			"Records waiting in the client ring buffer", nil, nil),
	}
}

// Describe implements prometheus.Collector
func (e *Exporter) Describe(ch chan<- *prometheus.Desc) {
	ch <- e.messagesReceived
	ch <- e.messagesSent
	ch <- e.messagesBuffered
	ch <- e.messagesDropped
	ch <- e.messagesStored
	ch <- e.controlRequests
	ch <- e.sendErrors
	ch <- e.receiveErrors
	ch <- e.storageErrors
	ch <- e.connectedClients
	ch <- e.registeredApps
	ch <- e.registeredCtxs
	ch <- e.connectedDevices
	ch <- e.ringRecords
}

// Collect implements prometheus.Collector
func (e *Exporter) Collect(ch chan<- prometheus.Metric) {
	s := e.metrics.Snapshot()
	counter := func(desc *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(v))
	}
	gauge := func(desc *prometheus.Desc, v int64) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, float64(v))
	}
	counter(e.messagesReceived, s.MessagesReceived)
	counter(e.messagesSent, s.MessagesSent)
	counter(e.messagesBuffered, s.MessagesBuffered)
	counter(e.messagesDropped, s.MessagesDropped)
	counter(e.messagesStored, s.MessagesStored)
	counter(e.controlRequests, s.ControlRequests)
	counter(e.sendErrors, s.SendErrors)
	counter(e.receiveErrors, s.ReceiveErrors)
	counter(e.storageErrors, s.StorageErrors)
	gauge(e.connectedClients, s.ConnectedClients)
	gauge(e.registeredApps, s.RegisteredApps)
	gauge(e.registeredCtxs, s.RegisteredCtxs)
	gauge(e.connectedDevices, s.ConnectedDevices)
	gauge(e.ringRecords, s.RingBufferRecords)
}
