// Package config loads the daemon configuration file (mct.conf)
package config

import (
	"fmt"
	"strings"

	ini "github.com/go-ini/ini"
	"github.com/spf13/cast"

	"github.com/mct-labs/go-mctd/internal/logging"
	"github.com/mct-labs/go-mctd/internal/protocol"
	"github.com/mct-labs/go-mctd/internal/ringbuf"
)

// Defaults not taken from the file
const (
	DefaultPort              = 3490
	DefaultEcuID             = "ECU1"
	DefaultContextLogLevel   = int(protocol.MCT_LOG_INFO)
	DefaultContextTraceStatus = int(protocol.MCT_TRACE_STATUS_OFF)
	DefaultMaxDevices        = 0
	DefaultLogstorageCacheKB = 30000
)

// Config carries every mct.conf key the core consumes
type Config struct {
	Verbose          bool
	PrintASCII       bool
	PrintHex         bool
	PrintHeadersOnly bool

	SendSerialHeader              bool
	SendContextRegistration       bool
	SendContextRegistrationOption int
	SendMessageTime               bool

	RS232SyncSerialHeader bool
	TCPSyncSerialHeader   bool
	RS232DeviceName       string
	RS232Baudrate         int

	EcuID                  string
	PersistanceStoragePath string

	LoggingMode     int
	LoggingLevel    int
	LoggingFilename string

	TimeOutOnSend      int
	RingbufferMinSize  int
	RingbufferMaxSize  int
	RingbufferStepSize int
	DaemonFIFOSize     int
	DaemonFifoGroup    string

	SharedMemorySize int

	OfflineTraceDirectory          string
	OfflineTraceFileSize           int
	OfflineTraceMaxSize            int
	OfflineTraceFileNameTimestampBased bool

	SendECUSoftwareVersion   bool
	PathToECUSoftwareVersion string
	SendTimezone             bool

	OfflineLogstorageMaxDevices    int
	OfflineLogstorageDirPath       string
	OfflineLogstorageTimestamp     bool
	OfflineLogstorageDelimiter     string
	OfflineLogstorageMaxCounter    uint
	OfflineLogstorageOptionalIndex bool
	OfflineLogstorageCacheSize     int // KB

	ControlSocketPath       string
	MessageFilterConfigFile string

	ContextLogLevel                   int
	ContextTraceStatus                int
	ForceContextLogLevelAndTraceStatus bool

	Port        int
	BindAddress []string

	AllowBlockMode bool
	InjectionMode  bool
}

// Default returns the configuration the daemon runs with when no file or
// key is present.
func Default() *Config {
	return &Config{
		EcuID:                      DefaultEcuID,
		LoggingLevel:               6, // LOG_INFO
		RingbufferMinSize:          ringbuf.DefaultMinSize,
		RingbufferMaxSize:          ringbuf.DefaultMaxSize,
		RingbufferStepSize:         ringbuf.DefaultStepSize,
		ContextLogLevel:            DefaultContextLogLevel,
		ContextTraceStatus:         DefaultContextTraceStatus,
		Port:                       DefaultPort,
		OfflineLogstorageDelimiter: "_",
		OfflineLogstorageMaxCounter: ^uint(0),
		OfflineLogstorageCacheSize: DefaultLogstorageCacheKB,
		InjectionMode:              true,
	}
}

// Load reads path on top of the defaults. A missing file is not an error:
// the daemon runs on defaults.
func Load(path string) (*Config, error) {
	c := Default()
	if path == "" {
		return c, nil
	}
	f, err := ini.LoadSources(ini.LoadOptions{
		Loose:                    true,
		SkipUnrecognizableLines:  true,
		SpaceBeforeInlineComment: true,
	}, path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot load %s: %w", path, err)
	}
	sec := f.Section("")

	get := func(name string) (string, bool) {
		if !sec.HasKey(name) {
			return "", false
		}
		return sec.Key(name).String(), true
	}
	boolKey := func(name string, out *bool) {
		if v, ok := get(name); ok {
			*out = cast.ToBool(v)
		}
	}
	intKey := func(name string, out *int) {
		if v, ok := get(name); ok {
			*out = cast.ToInt(v)
		}
	}
	strKey := func(name string, out *string) {
		if v, ok := get(name); ok {
			*out = v
		}
	}

	boolKey("Verbose", &c.Verbose)
	boolKey("PrintASCII", &c.PrintASCII)
	boolKey("PrintHex", &c.PrintHex)
	boolKey("PrintHeadersOnly", &c.PrintHeadersOnly)
	boolKey("SendSerialHeader", &c.SendSerialHeader)
	boolKey("SendContextRegistration", &c.SendContextRegistration)
	intKey("SendContextRegistrationOption", &c.SendContextRegistrationOption)
	boolKey("SendMessageTime", &c.SendMessageTime)
	boolKey("RS232SyncSerialHeader", &c.RS232SyncSerialHeader)
	boolKey("TCPSyncSerialHeader", &c.TCPSyncSerialHeader)
	strKey("RS232DeviceName", &c.RS232DeviceName)
	intKey("RS232Baudrate", &c.RS232Baudrate)
	strKey("ECUId", &c.EcuID)
	strKey("PersistanceStoragePath", &c.PersistanceStoragePath)
	intKey("LoggingMode", &c.LoggingMode)
	intKey("LoggingLevel", &c.LoggingLevel)
	strKey("LoggingFilename", &c.LoggingFilename)
	intKey("TimeOutOnSend", &c.TimeOutOnSend)
	intKey("RingbufferMinSize", &c.RingbufferMinSize)
	intKey("RingbufferMaxSize", &c.RingbufferMaxSize)
	intKey("RingbufferStepSize", &c.RingbufferStepSize)
	intKey("DaemonFIFOSize", &c.DaemonFIFOSize)
	strKey("DaemonFifoGroup", &c.DaemonFifoGroup)
	intKey("SharedMemorySize", &c.SharedMemorySize)
	strKey("OfflineTraceDirectory", &c.OfflineTraceDirectory)
	intKey("OfflineTraceFileSize", &c.OfflineTraceFileSize)
	intKey("OfflineTraceMaxSize", &c.OfflineTraceMaxSize)
	boolKey("OfflineTraceFileNameTimestampBased", &c.OfflineTraceFileNameTimestampBased)
	boolKey("SendECUSoftwareVersion", &c.SendECUSoftwareVersion)
	strKey("PathToECUSoftwareVersion", &c.PathToECUSoftwareVersion)
	boolKey("SendTimezone", &c.SendTimezone)
	intKey("OfflineLogstorageMaxDevices", &c.OfflineLogstorageMaxDevices)
	strKey("OfflineLogstorageDirPath", &c.OfflineLogstorageDirPath)
	boolKey("OfflineLogstorageTimestamp", &c.OfflineLogstorageTimestamp)
	if v, ok := get("OfflineLogstorageDelimiter"); ok && v != "" {
		c.OfflineLogstorageDelimiter = v[:1]
	}
	if v, ok := get("OfflineLogstorageMaxCounter"); ok {
		c.OfflineLogstorageMaxCounter = cast.ToUint(v)
	}
	boolKey("OfflineLogstorageOptionalIndex", &c.OfflineLogstorageOptionalIndex)
	intKey("OfflineLogstorageCacheSize", &c.OfflineLogstorageCacheSize)
	strKey("ControlSocketPath", &c.ControlSocketPath)
	strKey("MessageFilterConfigFile", &c.MessageFilterConfigFile)
	intKey("ContextLogLevel", &c.ContextLogLevel)
	intKey("ContextTraceStatus", &c.ContextTraceStatus)
	boolKey("ForceContextLogLevelAndTraceStatus", &c.ForceContextLogLevelAndTraceStatus)
	intKey("Port", &c.Port)
	if v, ok := get("BindAddress"); ok {
		c.BindAddress = splitBindAddresses(v)
	}
	boolKey("AllowBlockMode", &c.AllowBlockMode)
	boolKey("InjectionMode", &c.InjectionMode)

	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// splitBindAddresses accepts comma or semicolon separated lists
func splitBindAddresses(v string) []string {
	var out []string
	for _, part := range strings.FieldsFunc(v, func(r rune) bool {
		return r == ',' || r == ';'
	}) {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) validate() error {
	if c.RingbufferMinSize <= 0 || c.RingbufferMaxSize < c.RingbufferMinSize || c.RingbufferStepSize <= 0 {
		return fmt.Errorf("config: invalid ring buffer sizing %d/%d/%d",
			c.RingbufferMinSize, c.RingbufferMaxSize, c.RingbufferStepSize)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Port)
	}
	if len(c.EcuID) > protocol.MCT_ID_SIZE {
		logging.Warnf("ECUId %q truncated to %d characters", c.EcuID, protocol.MCT_ID_SIZE)
		c.EcuID = c.EcuID[:protocol.MCT_ID_SIZE]
	}
	if c.ContextLogLevel < int(protocol.MCT_LOG_OFF) || c.ContextLogLevel > int(protocol.MCT_LOG_MAX) {
		return fmt.Errorf("config: invalid ContextLogLevel %d", c.ContextLogLevel)
	}
	return nil
}

// Ecu returns the configured ECU id as a wire identifier
func (c *Config) Ecu() protocol.ID {
	return protocol.MakeID(c.EcuID)
}

// LoggingModeValue maps the numeric LoggingMode to the logger sink
func (c *Config) LoggingModeValue() logging.Mode {
	switch c.LoggingMode {
	case 1:
		return logging.ModeFile
	case 2:
		return logging.ModeSyslog
	case 3:
		return logging.ModeOff
	default:
		return logging.ModeStderr
	}
}
