package logstorage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mct-labs/go-mctd/internal/protocol"
)

func TestNewKeyKinds(t *testing.T) {
	tests := []struct {
		ecu, apid, ctid string
		kind            KeyKind
		str             string
	}{
		{"E1", "", "", KeyEcu, "E1::"},
		{"", "A1", "", KeyApp, ":A1:"},
		{"", "", "C1", KeyCtx, "::C1"},
		{"E1", "A1", "", KeyEcuApp, "E1:A1:"},
		{"E1", "", "C1", KeyEcuCtx, "E1::C1"},
		{"", "A1", "C1", KeyAppCtx, ":A1:C1"},
		{"E1", "A1", "C1", KeyFull, "E1:A1:C1"},
	}
	for _, tt := range tests {
		k, err := NewKey(tt.ecu, tt.apid, tt.ctid)
		require.NoError(t, err, tt.str)
		assert.Equal(t, tt.kind, k.Kind, tt.str)
		assert.Equal(t, tt.str, k.String())

		parsed, err := ParseKey(tt.str)
		require.NoError(t, err)
		assert.Equal(t, k, parsed)
	}

	_, err := NewKey("", "", "")
	assert.Error(t, err)
}

func TestCreateKeysCrossProduct(t *testing.T) {
	keys, err := CreateKeys([]string{"A1", "A2"}, []string{"C1", "C2"}, "E1")
	require.NoError(t, err)
	var strs []string
	for _, k := range keys {
		strs = append(strs, k.String())
	}
	assert.ElementsMatch(t, []string{"E1:A1:C1", "E1:A1:C2", "E1:A2:C1", "E1:A2:C2"}, strs)
}

func TestCreateKeysWildcards(t *testing.T) {
	// wildcard apid keeps only the context component
	keys, err := CreateKeys([]string{Wildcard}, []string{"C1"}, "E1")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, "E1::C1", keys[0].String())

	// both wildcarded collapses to the ECU key
	keys, err = CreateKeys([]string{Wildcard}, []string{Wildcard}, "E1")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, "E1::", keys[0].String())

	// everything wildcarded and no ECU matches nothing
	_, err = CreateKeys(nil, nil, "")
	assert.Error(t, err)
}

func TestLookupKeysOrder(t *testing.T) {
	keys := LookupKeys("A1", "C1", "E1")
	assert.Equal(t, []string{
		":A1:", "::C1", ":A1:C1", "E1:A1:C1", "E1:A1:", "E1::C1", "E1::",
	}, keys)

	assert.Equal(t, []string{"E1::"}, LookupKeys("", "", "E1"))
}

const sampleDeviceConfig = `
[General]
Name = test device
BlockMode = OFF
MaintainLogstorageLogLevel = ON

[FILTER1]
LogAppName = APP1,APP2
ContextName = .*
LogLevel = MCT_LOG_WARN
File = app
FileSize = 1024
NOFiles = 3
SyncBehavior = ON_MSG
OverwriteBehavior = DISCARD_OLD
EcuID = ECU1

[FILTER2]
LogAppName = .*
ContextName = CTX9
LogLevel = MCT_LOG_INFO
File = ctx9
FileSize = 2048
NOFiles = 2
SyncBehavior = ON_DEMAND,ON_DEVICE_DISCONNECT
DisableNetwork = ON

[NON-VERBOSE-STORAGE-FILTER1]
EcuID = ECU1
File = nonverbose
FileSize = 1024
NOFiles = 1

[NON-VERBOSE-LOGLEVEL-CTRL1]
LogAppName = APP3
ContextName = CTX3
LogLevel = MCT_LOG_DEBUG
ResetLogLevel = MCT_LOG_OFF
EcuID = ECU1
`

func TestParseDeviceConfig(t *testing.T) {
	general, filters, err := parseDeviceConfig([]byte(sampleDeviceConfig))
	require.NoError(t, err)

	assert.Equal(t, protocol.MCT_MODE_NON_BLOCKING, general.BlockMode)
	assert.Equal(t, 1, general.MaintainLogstorageLogLevel)
	require.Len(t, filters, 4)

	f1 := filters[0]
	assert.Equal(t, []string{"APP1", "APP2"}, f1.Apids)
	assert.Equal(t, []string{Wildcard}, f1.Ctids)
	assert.Equal(t, protocol.MCT_LOG_WARN, f1.LogLevel)
	assert.Equal(t, uint64(1024), f1.FileSize)
	assert.Equal(t, uint(3), f1.NumFiles)
	assert.Equal(t, SyncOnMsg, f1.Sync)
	assert.Equal(t, OverwriteDiscardOld, f1.Overwrite)
	assert.Equal(t, "ECU1", f1.EcuID)

	f2 := filters[1]
	assert.True(t, f2.Sync.Has(SyncOnDemand))
	assert.True(t, f2.Sync.Has(SyncOnDeviceDisconnect))
	assert.False(t, f2.Sync.Has(SyncOnMsg))
	assert.True(t, f2.DisableNetwork)

	assert.True(t, filters[2].NonVerbose)
	assert.Equal(t, SyncOnMsg, filters[2].Sync)

	f4 := filters[3]
	assert.True(t, f4.LevelCtrlOnly)
	assert.Equal(t, protocol.MCT_LOG_DEBUG, f4.LogLevel)
	assert.Equal(t, protocol.MCT_LOG_OFF, f4.ResetLogLevel)
}

func TestParseDeviceConfigValidation(t *testing.T) {
	broken := func(section string) []byte {
		return []byte("[General]\n" + section)
	}

	// both exclusion dimensions multi-valued
	_, filters, err := parseDeviceConfig(broken(`
[FILTER1]
LogAppName = APP1
ContextName = CTX1
ExcludedLogAppName = A1,A2
ExcludedContextName = C1,C2
LogLevel = MCT_LOG_WARN
File = app
FileSize = 100
NOFiles = 1
`))
	require.NoError(t, err)
	assert.Empty(t, filters)

	// zero FileSize
	_, filters, err = parseDeviceConfig(broken(`
[FILTER1]
LogAppName = APP1
ContextName = CTX1
LogLevel = MCT_LOG_WARN
File = app
FileSize = 0
NOFiles = 1
`))
	require.NoError(t, err)
	assert.Empty(t, filters)

	// path traversal in File
	_, filters, err = parseDeviceConfig(broken(`
[FILTER1]
LogAppName = APP1
ContextName = CTX1
LogLevel = MCT_LOG_WARN
File = ../evil
FileSize = 100
NOFiles = 1
`))
	require.NoError(t, err)
	assert.Empty(t, filters)

	// SpecificSize larger than FileSize
	_, filters, err = parseDeviceConfig(broken(`
[FILTER1]
LogAppName = APP1
ContextName = CTX1
LogLevel = MCT_LOG_WARN
File = app
FileSize = 100
NOFiles = 1
SpecificSize = 200
SyncBehavior = ON_SPECIFIC_SIZE
`))
	require.NoError(t, err)
	assert.Empty(t, filters)

	// ON_SPECIFIC_SIZE and ON_FILE_SIZE cannot combine
	_, filters, err = parseDeviceConfig(broken(`
[FILTER1]
LogAppName = APP1
ContextName = CTX1
LogLevel = MCT_LOG_WARN
File = app
FileSize = 100
NOFiles = 1
SyncBehavior = ON_SPECIFIC_SIZE,ON_FILE_SIZE
`))
	require.NoError(t, err)
	assert.Empty(t, filters)

	// a broken section does not take the healthy one down
	_, filters, err = parseDeviceConfig(broken(`
[FILTER1]
LogAppName = APP1
ContextName = CTX1
LogLevel = MCT_LOG_BOGUS
File = app
FileSize = 100
NOFiles = 1

[FILTER2]
LogAppName = APP2
ContextName = CTX2
LogLevel = MCT_LOG_WARN
File = good
FileSize = 100
NOFiles = 1
`))
	require.NoError(t, err)
	require.Len(t, filters, 1)
	assert.Equal(t, "good", filters[0].FileName)
}

func TestFileNameAssembly(t *testing.T) {
	u := UserConfig{Delimiter: '_', MaxCounter: 999, CounterWidth: 3}
	now := mustTime(t)

	assert.Equal(t, "app_001.mct", u.LogFileName("app", 3, 1, now))
	assert.Equal(t, "app_042.mct", u.LogFileName("app", 3, 42, now))

	// wrap disabled drops the zero padding
	free := UserConfig{Delimiter: '_', MaxCounter: ^uint(0), CounterWidth: 3}
	assert.Equal(t, "app_7.mct", free.LogFileName("app", 3, 7, now))

	// optional counter with a single file yields the plain name
	opt := UserConfig{Delimiter: '_', MaxCounter: ^uint(0), OptionalCounter: true}
	assert.Equal(t, "app.mct", opt.LogFileName("app", 1, 1, now))

	// timestamped names parse back to their index
	stamped := UserConfig{Delimiter: '_', MaxCounter: 999, CounterWidth: 3, Timestamp: true}
	name := stamped.LogFileName("app", 3, 7, now)
	assert.Equal(t, "app_007_20231114-221320.mct", name)
	assert.Equal(t, uint(7), stamped.IndexOf(name))

	assert.Equal(t, uint(42), u.IndexOf("app_042.mct"))
	assert.Equal(t, uint(0), u.IndexOf("garbage"))
}

func TestRearrangeFileRefs(t *testing.T) {
	// contiguous sequence stays put
	refs := []FileRef{{Idx: 1}, {Idx: 2}, {Idx: 3}}
	assert.Equal(t, refs, rearrangeFileRefs(refs))

	// wrapped rotation: 1,2 are newer than 8,9 (gap after 2)
	refs = []FileRef{{Idx: 1}, {Idx: 2}, {Idx: 8}, {Idx: 9}}
	out := rearrangeFileRefs(refs)
	assert.Equal(t, uint(8), out[0].Idx)
	assert.Equal(t, uint(9), out[1].Idx)
	assert.Equal(t, uint(1), out[2].Idx)
	assert.Equal(t, uint(2), out[3].Idx)
}

func mustTime(t *testing.T) time.Time {
	t.Helper()
	return time.Date(2023, 11, 14, 22, 13, 20, 0, time.Local)
}
