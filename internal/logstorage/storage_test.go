package logstorage

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mct-labs/go-mctd/internal/protocol"
)

const mount = "/mnt/storage"

// newTestDevice builds a connected device over an in-memory fs
func newTestDevice(t *testing.T, config string) *LogStorage {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll(mount, 0o755))
	require.NoError(t, afero.WriteFile(fs, mount+"/"+ConfigFileName, []byte(config), 0o644))

	s := New(mount, UserConfig{Delimiter: '_', MaxCounter: 999, CounterWidth: 3},
		NewCacheAccounting(1<<20))
	s.Fs = fs
	s.Now = func() time.Time { return time.Date(2023, 11, 14, 22, 13, 20, 0, time.Local) }
	require.NoError(t, s.Connect())
	return s
}

// storageMessage builds the three spans of one stored message with a real
// storage magic, padded to total bytes.
func storageMessage(t *testing.T, total int) (sh, hdr, payload []byte) {
	t.Helper()
	var msg protocol.Message
	msg.SetStorageHeader(protocol.MakeID("ECU1"), time.Unix(1700000000, 0))
	sh = protocol.MarshalStorageHeader(&msg.Storage)
	hdr = protocol.MarshalStandardHeader(&protocol.StandardHeader{
		Htyp: protocol.MCT_HTYP_PROTOCOL_VERSION1,
	})
	rest := total - len(sh) - len(hdr)
	require.Positive(t, rest)
	payload = bytes.Repeat([]byte{0xAB}, rest)
	return sh, hdr, payload
}

const rotateConfig = `
[FILTER1]
LogAppName = APP1
ContextName = .*
LogLevel = MCT_LOG_INFO
File = app
FileSize = 1024
NOFiles = 3
SyncBehavior = ON_MSG
OverwriteBehavior = DISCARD_OLD
EcuID = ECU1
`

func writeOne(t *testing.T, s *LogStorage, size int) WriteResult {
	t.Helper()
	sh, hdr, payload := storageMessage(t, size)
	res, err := s.WriteMessage("APP1", "CTX1", "ECU1", protocol.MCT_LOG_WARN, true, sh, hdr, payload)
	require.NoError(t, err)
	return res
}

func listFiles(t *testing.T, s *LogStorage) []string {
	t.Helper()
	names, err := readDirNames(s.Fs, mount)
	require.NoError(t, err)
	var out []string
	for _, n := range names {
		if n != ConfigFileName {
			out = append(out, n)
		}
	}
	return out
}

func TestRotationDiscardOld(t *testing.T) {
	s := newTestDevice(t, rotateConfig)

	for i := 0; i < 3; i++ {
		res := writeOne(t, s, 1024)
		assert.True(t, res.Stored)
	}
	assert.ElementsMatch(t, []string{"app_001.mct", "app_002.mct", "app_003.mct"}, listFiles(t, s))

	// the next full message unlinks the oldest and opens index 4
	writeOne(t, s, 1024)
	assert.ElementsMatch(t, []string{"app_002.mct", "app_003.mct", "app_004.mct"}, listFiles(t, s))

	data, err := afero.ReadFile(s.Fs, mount+"/app_004.mct")
	require.NoError(t, err)
	assert.Equal(t, 1024, len(data))
	assert.True(t, bytes.HasPrefix(data, protocol.StoragePattern[:]))
}

func TestRotationDiscardNew(t *testing.T) {
	config := `
[FILTER1]
LogAppName = APP1
ContextName = .*
LogLevel = MCT_LOG_INFO
File = app
FileSize = 1024
NOFiles = 2
SyncBehavior = ON_MSG
OverwriteBehavior = DISCARD_NEW
EcuID = ECU1
`
	s := newTestDevice(t, config)

	writeOne(t, s, 1024)
	writeOne(t, s, 1024)
	assert.ElementsMatch(t, []string{"app_001.mct", "app_002.mct"}, listFiles(t, s))

	// rotation exhausted: the filter stops, files stay untouched
	res := writeOne(t, s, 1024)
	assert.False(t, res.Stored)
	assert.True(t, s.Configs[0].Skip)
	assert.ElementsMatch(t, []string{"app_001.mct", "app_002.mct"}, listFiles(t, s))

	// subsequent messages are silently dropped
	res = writeOne(t, s, 512)
	assert.False(t, res.Stored)
}

func TestRotationWrapDeletesTarget(t *testing.T) {
	s := newTestDevice(t, rotateConfig)
	s.Uconfig.MaxCounter = 4

	for i := 0; i < 4; i++ {
		writeOne(t, s, 1024)
	}
	assert.ElementsMatch(t, []string{"app_002.mct", "app_003.mct", "app_004.mct"}, listFiles(t, s))

	// index wraps to 1; the stale name is re-created, not appended to
	writeOne(t, s, 1024)
	assert.Equal(t, uint(1), s.Configs[0].WrapID)
	assert.ElementsMatch(t, []string{"app_001.mct", "app_003.mct", "app_004.mct"}, listFiles(t, s))
}

func TestLevelGate(t *testing.T) {
	s := newTestDevice(t, rotateConfig) // MCT_LOG_INFO

	sh, hdr, payload := storageMessage(t, 256)
	res, err := s.WriteMessage("APP1", "CTX1", "ECU1", protocol.MCT_LOG_DEBUG, true, sh, hdr, payload)
	require.NoError(t, err)
	assert.False(t, res.Stored)

	res, err = s.WriteMessage("APP1", "CTX1", "ECU1", protocol.MCT_LOG_ERROR, true, sh, hdr, payload)
	require.NoError(t, err)
	assert.True(t, res.Stored)

	// non-matching application
	res, err = s.WriteMessage("APP9", "CTX1", "ECU1", protocol.MCT_LOG_ERROR, true, sh, hdr, payload)
	require.NoError(t, err)
	assert.False(t, res.Stored)
}

func TestExclusionLists(t *testing.T) {
	config := `
[FILTER1]
LogAppName = .*
ContextName = .*
ExcludedContextName = CTX2
LogLevel = MCT_LOG_INFO
File = app
FileSize = 4096
NOFiles = 2
EcuID = ECU1
`
	s := newTestDevice(t, config)
	sh, hdr, payload := storageMessage(t, 256)

	res, err := s.WriteMessage("APP1", "CTX2", "ECU1", protocol.MCT_LOG_WARN, true, sh, hdr, payload)
	require.NoError(t, err)
	assert.False(t, res.Stored)

	res, err = s.WriteMessage("APP1", "CTX1", "ECU1", protocol.MCT_LOG_WARN, true, sh, hdr, payload)
	require.NoError(t, err)
	assert.True(t, res.Stored)
}

func TestDisableNetworkSurfaced(t *testing.T) {
	config := `
[FILTER1]
LogAppName = APP1
ContextName = .*
LogLevel = MCT_LOG_INFO
File = app
FileSize = 4096
NOFiles = 2
DisableNetwork = ON
EcuID = ECU1
`
	s := newTestDevice(t, config)
	res := writeOne(t, s, 256)
	assert.True(t, res.Stored)
	assert.True(t, res.DisableNetwork)
}

func TestCachedStrategyOnDemand(t *testing.T) {
	config := `
[FILTER1]
LogAppName = APP1
ContextName = .*
LogLevel = MCT_LOG_INFO
File = app
FileSize = 2048
NOFiles = 3
SyncBehavior = ON_DEMAND
EcuID = ECU1
`
	s := newTestDevice(t, config)
	f := s.Configs[0]

	// cached writes do not touch the disk
	writeOne(t, s, 512)
	writeOne(t, s, 512)
	assert.Empty(t, listFiles(t, s))
	assert.Equal(t, uint64(1024), f.footer.Offset)
	assert.Equal(t, uint64(2048+footerSize), s.Cache.Used())

	// demand sync flushes whole messages and resets the cache
	require.NoError(t, s.SyncCaches(SyncOnDemand))
	files := listFiles(t, s)
	require.Len(t, files, 1)
	data, err := afero.ReadFile(s.Fs, mount+"/"+files[0])
	require.NoError(t, err)
	assert.Equal(t, 1024, len(data))

	assert.Equal(t, uint64(0), f.footer.Offset)
	assert.Equal(t, bytes.Repeat([]byte{0}, len(f.cache)), f.cache)
}

func TestCachedStrategyWrap(t *testing.T) {
	config := `
[FILTER1]
LogAppName = APP1
ContextName = .*
LogLevel = MCT_LOG_INFO
File = app
FileSize = 1024
NOFiles = 3
SyncBehavior = ON_DEMAND
EcuID = ECU1
`
	s := newTestDevice(t, config)
	f := s.Configs[0]

	// three 400-byte messages in a 1024-byte cache force a wrap
	for i := 0; i < 3; i++ {
		writeOne(t, s, 400)
	}
	assert.Equal(t, uint64(1), f.footer.WrapAroundCnt)
	assert.Equal(t, uint64(400), f.footer.Offset)
	assert.Equal(t, uint64(800), f.footer.EndSyncOffset)

	// messages larger than the cache are discarded with an error
	sh, hdr, payload := storageMessage(t, 2048)
	_, err := s.WriteMessage("APP1", "CTX1", "ECU1", protocol.MCT_LOG_WARN, true, sh, hdr, payload)
	assert.Error(t, err)
}

func TestCacheQuotaNeverExceeded(t *testing.T) {
	var sections string
	for i := 1; i <= 4; i++ {
		sections += fmt.Sprintf(`
[FILTER%d]
LogAppName = APP%d
ContextName = .*
LogLevel = MCT_LOG_INFO
File = app%d
FileSize = 1024
NOFiles = 2
SyncBehavior = ON_DEMAND
EcuID = ECU1
`, i, i, i)
	}
	s := newTestDevice(t, sections)
	s.Cache = NewCacheAccounting(2 * (1024 + footerSize))

	sh, hdr, payload := storageMessage(t, 256)
	for i := 1; i <= 4; i++ {
		_, _ = s.WriteMessage(fmt.Sprintf("APP%d", i), "CTX1", "ECU1",
			protocol.MCT_LOG_WARN, true, sh, hdr, payload)
	}
	// only two caches fit the quota; the others were refused
	assert.LessOrEqual(t, s.Cache.Used(), uint64(2*(1024+footerSize)))
}

func TestDisconnectSyncsAndReleases(t *testing.T) {
	config := `
[FILTER1]
LogAppName = APP1
ContextName = .*
LogLevel = MCT_LOG_INFO
File = app
FileSize = 2048
NOFiles = 3
SyncBehavior = ON_DEVICE_DISCONNECT
EcuID = ECU1
`
	s := newTestDevice(t, config)
	writeOne(t, s, 512)
	assert.Empty(t, listFiles(t, s))

	require.NoError(t, s.Disconnect(ReasonUnknown))
	assert.Equal(t, DeviceDisconnected, s.ConnectionType)
	assert.Equal(t, uint64(0), s.Cache.Used())

	files := listFiles(t, s)
	require.Len(t, files, 1)
	data, err := afero.ReadFile(s.Fs, mount+"/"+files[0])
	require.NoError(t, err)
	assert.Equal(t, 512, len(data))
}

func TestGetConfigsAggregation(t *testing.T) {
	s := newTestDevice(t, sampleDeviceConfig)

	// APP1 matches FILTER1 (apid key) and the ECU-keyed non-verbose store,
	// but not FILTER2 (ctid key)
	configs := s.GetConfigs("APP1", "CTX1", "ECU1")
	require.Len(t, configs, 2)

	// CTX9 picks up the wildcard-apid filter as well
	configs = s.GetConfigs("APP1", "CTX9", "ECU1")
	assert.Len(t, configs, 3)

	// a disconnected device matches nothing
	require.NoError(t, s.Disconnect(ReasonUnknown))
	assert.Empty(t, s.GetConfigs("APP1", "CTX1", "ECU1"))
}

func TestNewestFileSharedAcrossFilters(t *testing.T) {
	config := `
[FILTER1]
LogAppName = APP1
ContextName = .*
LogLevel = MCT_LOG_INFO
File = shared
FileSize = 1024
NOFiles = 3
EcuID = ECU1

[FILTER2]
LogAppName = APP2
ContextName = .*
LogLevel = MCT_LOG_INFO
File = shared
FileSize = 1024
NOFiles = 3
EcuID = ECU1
`
	s := newTestDevice(t, config)
	sh, hdr, payload := storageMessage(t, 512)

	_, err := s.WriteMessage("APP1", "CTX1", "ECU1", protocol.MCT_LOG_WARN, true, sh, hdr, payload)
	require.NoError(t, err)
	_, err = s.WriteMessage("APP2", "CTX1", "ECU1", protocol.MCT_LOG_WARN, true, sh, hdr, payload)
	require.NoError(t, err)

	// both filters observed the same rotation state and appended to the
	// same working file
	files := listFiles(t, s)
	require.Len(t, files, 1)
	data, err := afero.ReadFile(s.Fs, mount+"/"+files[0])
	require.NoError(t, err)
	assert.Equal(t, 1024, len(data))
}
