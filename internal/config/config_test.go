package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mct-labs/go-mctd/internal/protocol"
)

func writeConf(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mct.conf")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultPort, c.Port)
	assert.Equal(t, "ECU1", c.EcuID)
	assert.Equal(t, "_", c.OfflineLogstorageDelimiter)
	assert.Equal(t, ^uint(0), c.OfflineLogstorageMaxCounter)
	assert.True(t, c.InjectionMode)
	assert.Equal(t, protocol.MakeID("ECU1"), c.Ecu())
}

func TestLoad(t *testing.T) {
	path := writeConf(t, `
# mct daemon configuration
ECUId = ECU7
Port = 3495
SendSerialHeader = 1
RingbufferMinSize = 1000
RingbufferMaxSize = 2000
RingbufferStepSize = 500
BindAddress = 127.0.0.1;10.0.0.1,192.168.1.1
OfflineLogstorageMaxDevices = 2
OfflineLogstorageDelimiter = -
ContextLogLevel = 5
ForceContextLogLevelAndTraceStatus = 1
MessageFilterConfigFile = /etc/mct_message_filter.conf
AllowBlockMode = 1
`)
	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "ECU7", c.EcuID)
	assert.Equal(t, 3495, c.Port)
	assert.True(t, c.SendSerialHeader)
	assert.Equal(t, []string{"127.0.0.1", "10.0.0.1", "192.168.1.1"}, c.BindAddress)
	assert.Equal(t, 2, c.OfflineLogstorageMaxDevices)
	assert.Equal(t, "-", c.OfflineLogstorageDelimiter)
	assert.Equal(t, 5, c.ContextLogLevel)
	assert.True(t, c.ForceContextLogLevelAndTraceStatus)
	assert.Equal(t, "/etc/mct_message_filter.conf", c.MessageFilterConfigFile)
	assert.True(t, c.AllowBlockMode)
}

func TestValidation(t *testing.T) {
	_, err := Load(writeConf(t, "RingbufferMinSize = 0\n"))
	assert.Error(t, err)

	_, err = Load(writeConf(t, "Port = 99999\n"))
	assert.Error(t, err)

	_, err = Load(writeConf(t, "ContextLogLevel = 42\n"))
	assert.Error(t, err)

	// overlong ECU id is truncated, not rejected
	c, err := Load(writeConf(t, "ECUId = LONGECU\n"))
	require.NoError(t, err)
	assert.Equal(t, "LONG", c.EcuID)
}

func TestMissingFileRunsOnDefaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	assert.NotNil(t, c)
}
