package mctd

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsSnapshot(t *testing.T) {
	m := NewMetrics()
	m.MessagesReceived.Add(10)
	m.MessagesSent.Add(7)
	m.MessagesDropped.Add(3)
	m.ConnectedClients.Store(2)

	s := m.Snapshot()
	assert.Equal(t, uint64(10), s.MessagesReceived)
	assert.Equal(t, uint64(7), s.MessagesSent)
	assert.Equal(t, uint64(3), s.MessagesDropped)
	assert.Equal(t, int64(2), s.ConnectedClients)
	assert.GreaterOrEqual(t, s.Uptime.Nanoseconds(), int64(0))
}

func TestExporterCollects(t *testing.T) {
	m := NewMetrics()
	m.MessagesReceived.Add(5)
	m.ConnectedClients.Store(1)

	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(NewExporter(m)))

	expected := `
# HELP mctd_messages_received_total Log messages read from producers
# TYPE mctd_messages_received_total counter
mctd_messages_received_total 5
# HELP mctd_connected_clients Currently attached viewer clients
# TYPE mctd_connected_clients gauge
mctd_connected_clients 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"mctd_messages_received_total", "mctd_connected_clients"))
}
