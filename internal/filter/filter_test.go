package filter

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mct-labs/go-mctd/internal/events"
	"github.com/mct-labs/go-mctd/internal/protocol"
)

const sampleConfig = `
[General]
Name = TestFilter
DefaultLevel = 0
Backend = dummy

[Filter1]
Name = open
Level = 30
Clients = *
ControlMessages = *
Injections = *

[Filter2]
Name = restricted
Level = 60
Clients = TCP
ControlMessages = 01,03,F0A,F0B
Injections = DiagInjection

[Filter3]
Name = closed
Level = 100
Clients = NONE
ControlMessages = NONE
Injections = NONE

[InjectionDiag]
Name = DiagInjection
LogAppName = APP1
ContextName = CTX1
NodeID = ECU1
ServiceID = 4096, 4097
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mct_message_filter.conf")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestParseFile(t *testing.T) {
	mf, err := ParseFile(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "TestFilter", mf.Name)
	assert.Equal(t, "dummy", mf.Backend)
	require.Len(t, mf.Configs, 3)

	// partition of [0, LevelMax] in order
	assert.Equal(t, uint(0), mf.Configs[0].LevelMin)
	assert.Equal(t, uint(30), mf.Configs[0].LevelMax)
	assert.Equal(t, uint(31), mf.Configs[1].LevelMin)
	assert.Equal(t, uint(60), mf.Configs[1].LevelMax)
	assert.Equal(t, uint(61), mf.Configs[2].LevelMin)
	assert.Equal(t, uint(LevelMax), mf.Configs[2].LevelMax)

	// default level selected the open configuration
	assert.Equal(t, "open", mf.Current.Name)

	require.Len(t, mf.Injections, 1)
	assert.Equal(t, []int{4096, 4097}, mf.Injections[0].ServiceIDs)
}

func TestPartitionInvariant(t *testing.T) {
	mf, err := ParseFile(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	// every level is covered by exactly one configuration
	for level := uint(0); level <= LevelMax; level++ {
		count := 0
		for _, conf := range mf.Configs {
			if level >= conf.LevelMin && level <= conf.LevelMax {
				count++
			}
		}
		assert.Equal(t, 1, count, "level %d", level)
	}
}

func TestChangeLevel(t *testing.T) {
	mf, err := ParseFile(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	require.NoError(t, mf.ChangeLevel(45))
	assert.Equal(t, "restricted", mf.Current.Name)
	assert.LessOrEqual(t, mf.Current.LevelMin, uint(45))
	assert.GreaterOrEqual(t, mf.Current.LevelMax, uint(45))

	// max resolves to the last configuration
	require.NoError(t, mf.ChangeLevel(LevelMax))
	assert.Equal(t, "closed", mf.Current.Name)

	// out of range fails and keeps current untouched
	assert.ErrorIs(t, mf.ChangeLevel(LevelMax+1), ErrInvalidLevel)
	assert.Equal(t, "closed", mf.Current.Name)
}

func TestConnectionAdmission(t *testing.T) {
	mf, err := ParseFile(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	require.NoError(t, mf.ChangeLevel(60)) // restricted: TCP only
	assert.True(t, mf.IsConnectionAllowed(events.ConnectionClientConnect))
	assert.True(t, mf.IsConnectionAllowed(events.ConnectionClientMsgTCP))
	assert.False(t, mf.IsConnectionAllowed(events.ConnectionClientMsgSerial))

	// mandatory kinds always pass
	assert.True(t, mf.IsConnectionAllowed(events.ConnectionAppMsg))
	assert.True(t, mf.IsConnectionAllowed(events.ConnectionControlMsg))

	require.NoError(t, mf.ChangeLevel(100)) // closed: default mask only
	assert.False(t, mf.IsConnectionAllowed(events.ConnectionClientConnect))
	assert.True(t, mf.IsConnectionAllowed(events.ConnectionAppMsg))

	// a nil filter permits everything
	var disabled *MessageFilter
	assert.True(t, disabled.IsConnectionAllowed(events.ConnectionClientMsgSerial))
}

func TestControlAdmission(t *testing.T) {
	mf, err := ParseFile(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	require.NoError(t, mf.ChangeLevel(60))
	assert.True(t, mf.IsControlAllowed(protocol.MCT_SERVICE_ID_SET_LOG_LEVEL))
	assert.True(t, mf.IsControlAllowed(protocol.MCT_SERVICE_ID_GET_LOG_INFO))
	assert.True(t, mf.IsControlAllowed(protocol.MCT_SERVICE_ID_SET_FILTER_LEVEL))
	assert.False(t, mf.IsControlAllowed(protocol.MCT_SERVICE_ID_SET_TRACE_STATUS))
	assert.False(t, mf.IsControlAllowed(protocol.MCT_SERVICE_ID_SET_ALL_LOG_LEVEL))

	require.NoError(t, mf.ChangeLevel(0))
	assert.True(t, mf.IsControlAllowed(protocol.MCT_SERVICE_ID_SET_TRACE_STATUS))
	assert.True(t, mf.IsControlAllowed(protocol.MCT_SERVICE_ID_SET_ALL_LOG_LEVEL))
}

func TestServiceSetRejectsInvalidIDs(t *testing.T) {
	var set ServiceSet
	assert.Error(t, set.Set(protocol.MCT_SERVICE_ID))                    // zero
	assert.Error(t, set.Set(protocol.MCT_SERVICE_ID_LAST_ENTRY))        // band edge
	assert.Error(t, set.Set(0x200))                                     // between bands
	assert.Error(t, set.Set(protocol.MCT_USER_SERVICE_ID_LAST_ENTRY))   // band edge
	assert.False(t, set.Has(0x200))

	require.NoError(t, set.Set(protocol.MCT_SERVICE_ID_GET_LOG_INFO))
	require.NoError(t, set.Set(protocol.MCT_SERVICE_ID_GET_FILTER_STATUS))
	assert.True(t, set.Has(protocol.MCT_SERVICE_ID_GET_LOG_INFO))
	assert.True(t, set.Has(protocol.MCT_SERVICE_ID_GET_FILTER_STATUS))

	// the bands stay byte-exact for status emission
	lower, upper := set.Bands()
	assert.Equal(t, byte(1<<3), lower[0])
	assert.Equal(t, byte(1<<3), upper[1])
}

func TestInjectionAdmission(t *testing.T) {
	mf, err := ParseFile(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	apid := protocol.MakeID("APP1")
	ctid := protocol.MakeID("CTX1")
	ecu := protocol.MakeID("ECU1")

	// whitelist configuration
	require.NoError(t, mf.ChangeLevel(60))
	assert.True(t, mf.IsInjectionAllowed(apid, ctid, ecu, 4096))
	assert.True(t, mf.IsInjectionAllowed(apid, ctid, ecu, 4097))
	assert.False(t, mf.IsInjectionAllowed(apid, ctid, ecu, 4098))
	assert.False(t, mf.IsInjectionAllowed(protocol.MakeID("APP2"), ctid, ecu, 4096))

	// all allowed
	require.NoError(t, mf.ChangeLevel(0))
	assert.True(t, mf.IsInjectionAllowed(apid, ctid, ecu, 99))

	// none allowed
	require.NoError(t, mf.ChangeLevel(100))
	assert.False(t, mf.IsInjectionAllowed(apid, ctid, ecu, 4096))
}

func TestDuplicateLevelRejected(t *testing.T) {
	config := `
[General]
DefaultLevel = 0

[Filter1]
Level = 50
Clients = TCP
ControlMessages = NONE
Injections = NONE

[Filter2]
Level = 50
Clients = NONE
ControlMessages = NONE
Injections = NONE
`
	mf, err := ParseFile(writeConfig(t, config))
	require.NoError(t, err)
	// the duplicate section was skipped, the survivor covers the range
	require.Len(t, mf.Configs, 1)
	assert.Equal(t, uint(LevelMax), mf.Configs[0].LevelMax)
}

func TestNoFilterSectionSynthesizesMostClosed(t *testing.T) {
	config := `
[General]
DefaultLevel = 0
`
	mf, err := ParseFile(writeConfig(t, config))
	require.NoError(t, err)
	require.Len(t, mf.Configs, 1)
	assert.Equal(t, MostClosedName, mf.Configs[0].Name)
	assert.Equal(t, events.DefaultMask, mf.Configs[0].ClientMask)
	assert.False(t, mf.IsConnectionAllowed(events.ConnectionClientConnect))
	assert.False(t, mf.IsControlAllowed(protocol.MCT_SERVICE_ID_SET_LOG_LEVEL))
}
