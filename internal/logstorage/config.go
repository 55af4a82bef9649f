package logstorage

import (
	"fmt"
	"strings"

	ini "github.com/go-ini/ini"
	"github.com/spf13/cast"

	"github.com/mct-labs/go-mctd/internal/logging"
	"github.com/mct-labs/go-mctd/internal/protocol"
)

// ConfigFileName sits at every storage device's mount point
const ConfigFileName = "mct_logstorage.conf"

// SyncStrategy is a bitwise OR of sync triggers; ON_MSG is exclusive
type SyncStrategy int

const (
	SyncUnset              SyncStrategy = 0
	SyncOnMsg              SyncStrategy = 1 << 0
	SyncOnDaemonExit       SyncStrategy = 1 << 1
	SyncOnDemand           SyncStrategy = 1 << 2
	SyncOnDeviceDisconnect SyncStrategy = 1 << 3
	SyncOnSpecificSize     SyncStrategy = 1 << 4
	SyncOnFileSize         SyncStrategy = 1 << 5
)

// Has reports whether a trigger bit is set
func (s SyncStrategy) Has(flag SyncStrategy) bool { return s&flag != 0 }

// OverwriteMode decides what happens when the rotation is exhausted
type OverwriteMode int

const (
	// OverwriteDiscardOld unlinks the oldest file and keeps rotating
	OverwriteDiscardOld OverwriteMode = iota
	// OverwriteDiscardNew stops capturing for the filter once full
	OverwriteDiscardNew
)

// Section base names of the per-device configuration
const (
	generalSection           = "General"
	filterSection            = "FILTER"
	nonVerboseFilterSection  = "NON-VERBOSE-STORAGE-FILTER"
	nonVerboseLoglevelCtrl   = "NON-VERBOSE-LOGLEVEL-CTRL"
)

// tri-state device options: unset falls back to the daemon-wide setting
const OptionUnset = -1

// FilterConfig is one storage filter: which messages it matches, where and
// how they are written, and the log level it imposes while connected.
type FilterConfig struct {
	Apids         []string
	Ctids         []string
	ExcludedApids []string
	ExcludedCtids []string

	LogLevel      protocol.LogLevel
	ResetLogLevel protocol.LogLevel

	FileName     string
	FileSize     uint64
	NumFiles     uint
	Sync         SyncStrategy
	Overwrite    OverwriteMode
	EcuID        string
	SpecificSize uint64

	DisableNetwork bool
	NonVerbose     bool
	LevelCtrlOnly  bool

	// rotation state
	WorkingFileName string
	WrapID          uint
	Skip            bool
	Records         []FileRef

	log                    fileHandle
	currentWriteFileOffset int64
	prepareErrors          int
	writeErrors            int

	// cached strategy state
	cache  []byte
	footer CacheFooter
}

// FileRef is one rotation file with its parsed index
type FileRef struct {
	Name string
	Idx  uint
}

// CacheFooter tracks the cached strategy's write window
type CacheFooter struct {
	Offset         uint64
	WrapAroundCnt  uint64
	LastSyncOffset uint64
	EndSyncOffset  uint64
}

// parseDeviceConfig reads the per-device configuration file into general
// options plus the filter list. Invalid filter sections are skipped so a
// partially broken config still stores what it can.
func parseDeviceConfig(data []byte) (*generalOptions, []*FilterConfig, error) {
	cfg, err := ini.LoadSources(ini.LoadOptions{SkipUnrecognizableLines: true}, data)
	if err != nil {
		return nil, nil, fmt.Errorf("logstorage: cannot parse config: %w", err)
	}

	general := &generalOptions{
		BlockMode:                  OptionUnset,
		MaintainLogstorageLogLevel: OptionUnset,
	}
	var filters []*FilterConfig

	for _, sec := range cfg.Sections() {
		name := sec.Name()
		switch {
		case strings.Contains(name, generalSection):
			general.parse(sec)
		case strings.Contains(name, nonVerboseLoglevelCtrl):
			f, err := parseLevelCtrlSection(sec)
			if err != nil {
				logging.Warnf("skipping logstorage section [%s]: %v", name, err)
				continue
			}
			filters = append(filters, f)
		case strings.Contains(name, nonVerboseFilterSection):
			f, err := parseNonVerboseSection(sec)
			if err != nil {
				logging.Warnf("skipping logstorage section [%s]: %v", name, err)
				continue
			}
			filters = append(filters, f)
		case strings.Contains(name, filterSection):
			f, err := parseFilterSection(sec)
			if err != nil {
				logging.Warnf("skipping logstorage section [%s]: %v", name, err)
				continue
			}
			filters = append(filters, f)
		}
	}
	return general, filters, nil
}

// generalOptions holds the optional [General] section
type generalOptions struct {
	Name                       string
	Backend                    string
	BlockMode                  int
	MaintainLogstorageLogLevel int
}

func (g *generalOptions) parse(sec *ini.Section) {
	g.Name = sec.Key("Name").String()
	g.Backend = sec.Key("Backend").String()
	if sec.HasKey("BlockMode") {
		if parseOnOff(sec.Key("BlockMode").String()) {
			g.BlockMode = protocol.MCT_MODE_BLOCKING
		} else {
			g.BlockMode = protocol.MCT_MODE_NON_BLOCKING
		}
	}
	if sec.HasKey("MaintainLogstorageLogLevel") {
		if parseOnOff(sec.Key("MaintainLogstorageLogLevel").String()) {
			g.MaintainLogstorageLogLevel = 1
		} else {
			g.MaintainLogstorageLogLevel = 0
		}
	}
}

// parseOnOff accepts ON/OFF and 1/0, case-insensitive
func parseOnOff(v string) bool {
	if strings.EqualFold(strings.TrimSpace(v), "ON") {
		return true
	}
	return cast.ToBool(strings.TrimSpace(v))
}

func parseFilterSection(sec *ini.Section) (*FilterConfig, error) {
	f := &FilterConfig{
		LogLevel:      protocol.MCT_LOG_DEFAULT,
		ResetLogLevel: protocol.MCT_LOG_DEFAULT,
	}
	var err error

	if f.Apids, err = parseIDList(sec.Key("LogAppName").String()); err != nil {
		return nil, err
	}
	if f.Ctids, err = parseIDList(sec.Key("ContextName").String()); err != nil {
		return nil, err
	}
	if len(f.Apids) == 0 || len(f.Ctids) == 0 {
		return nil, fmt.Errorf("LogAppName and ContextName are mandatory")
	}
	if f.ExcludedApids, err = parseIDList(sec.Key("ExcludedLogAppName").String()); err != nil {
		return nil, err
	}
	if f.ExcludedCtids, err = parseIDList(sec.Key("ExcludedContextName").String()); err != nil {
		return nil, err
	}
	// only one exclusion dimension may be multi-valued
	if len(f.ExcludedApids) > 1 && len(f.ExcludedCtids) > 1 {
		return nil, fmt.Errorf("both exclusion lists are multi-valued")
	}

	if f.LogLevel, err = parseLogLevel(sec.Key("LogLevel").String()); err != nil {
		return nil, err
	}
	if err = parseFileOptions(f, sec); err != nil {
		return nil, err
	}
	if f.Sync, err = parseSyncBehavior(sec.Key("SyncBehavior").String()); err != nil {
		return nil, err
	}
	if f.Overwrite, err = parseOverwrite(sec.Key("OverwriteBehavior").String()); err != nil {
		return nil, err
	}
	f.EcuID = trimID(sec.Key("EcuID").String())
	f.DisableNetwork = parseOnOff(sec.Key("DisableNetwork").String())

	if sec.HasKey("SpecificSize") {
		n, err := parsePositive(sec.Key("SpecificSize").String())
		if err != nil {
			return nil, fmt.Errorf("SpecificSize: %w", err)
		}
		f.SpecificSize = n
	}
	if f.SpecificSize > f.FileSize {
		return nil, fmt.Errorf("SpecificSize %d exceeds FileSize %d", f.SpecificSize, f.FileSize)
	}
	if f.SpecificSize > 0 && f.Sync.Has(SyncOnFileSize) {
		return nil, fmt.Errorf("SpecificSize cannot combine with ON_FILE_SIZE")
	}
	return f, nil
}

func parseNonVerboseSection(sec *ini.Section) (*FilterConfig, error) {
	f := &FilterConfig{
		LogLevel:      protocol.MCT_LOG_DEFAULT,
		ResetLogLevel: protocol.MCT_LOG_DEFAULT,
		NonVerbose:    true,
		Sync:          SyncOnMsg,
	}
	f.EcuID = trimID(sec.Key("EcuID").String())
	if f.EcuID == "" {
		return nil, fmt.Errorf("EcuID is mandatory for non-verbose storage")
	}
	if err := parseFileOptions(f, sec); err != nil {
		return nil, err
	}
	return f, nil
}

func parseLevelCtrlSection(sec *ini.Section) (*FilterConfig, error) {
	f := &FilterConfig{
		LogLevel:      protocol.MCT_LOG_DEFAULT,
		ResetLogLevel: protocol.MCT_LOG_DEFAULT,
		LevelCtrlOnly: true,
	}
	var err error
	if f.Apids, err = parseIDList(sec.Key("LogAppName").String()); err != nil {
		return nil, err
	}
	if f.Ctids, err = parseIDList(sec.Key("ContextName").String()); err != nil {
		return nil, err
	}
	if len(f.Apids) == 0 || len(f.Ctids) == 0 {
		return nil, fmt.Errorf("LogAppName and ContextName are mandatory")
	}
	if f.LogLevel, err = parseLogLevel(sec.Key("LogLevel").String()); err != nil {
		return nil, err
	}
	if sec.HasKey("ResetLogLevel") {
		if f.ResetLogLevel, err = parseLogLevel(sec.Key("ResetLogLevel").String()); err != nil {
			return nil, err
		}
	}
	f.EcuID = trimID(sec.Key("EcuID").String())
	return f, nil
}

// parseFileOptions reads File, FileSize and NOFiles shared by the storing
// filter kinds.
func parseFileOptions(f *FilterConfig, sec *ini.Section) error {
	f.FileName = sec.Key("File").String()
	if f.FileName == "" {
		return fmt.Errorf("File is mandatory")
	}
	if strings.Contains(f.FileName, "..") || strings.ContainsRune(f.FileName, '/') {
		return fmt.Errorf("File %q must be a plain name", f.FileName)
	}
	size, err := parsePositive(sec.Key("FileSize").String())
	if err != nil {
		return fmt.Errorf("FileSize: %w", err)
	}
	f.FileSize = size
	count, err := parsePositive(sec.Key("NOFiles").String())
	if err != nil {
		return fmt.Errorf("NOFiles: %w", err)
	}
	f.NumFiles = uint(count)
	return nil
}

// parseIDList splits a comma list of ≤4-char ids or ".*". Longer ids are
// truncated to 4 characters.
func parseIDList(value string) ([]string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	var out []string
	for _, token := range strings.Split(value, ",") {
		token = strings.TrimSpace(token)
		if token == "" {
			return nil, fmt.Errorf("empty id in list %q", value)
		}
		if token == Wildcard {
			out = append(out, token)
			continue
		}
		out = append(out, trimID(token))
	}
	return out, nil
}

var logLevelNames = map[string]protocol.LogLevel{
	"MCT_LOG_OFF":     protocol.MCT_LOG_OFF,
	"MCT_LOG_FATAL":   protocol.MCT_LOG_FATAL,
	"MCT_LOG_ERROR":   protocol.MCT_LOG_ERROR,
	"MCT_LOG_WARN":    protocol.MCT_LOG_WARN,
	"MCT_LOG_INFO":    protocol.MCT_LOG_INFO,
	"MCT_LOG_DEBUG":   protocol.MCT_LOG_DEBUG,
	"MCT_LOG_VERBOSE": protocol.MCT_LOG_VERBOSE,
}

func parseLogLevel(value string) (protocol.LogLevel, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return protocol.MCT_LOG_DEFAULT, fmt.Errorf("LogLevel is mandatory")
	}
	if ll, ok := logLevelNames[strings.ToUpper(value)]; ok {
		return ll, nil
	}
	return protocol.MCT_LOG_DEFAULT, fmt.Errorf("unknown log level %q", value)
}

func parsePositive(value string) (uint64, error) {
	value = strings.TrimSpace(value)
	n := cast.ToUint64(value)
	if n == 0 {
		return 0, fmt.Errorf("%q is not a positive decimal integer", value)
	}
	return n, nil
}

func parseSyncBehavior(value string) (SyncStrategy, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return SyncOnMsg, nil
	}
	var out SyncStrategy
	for _, token := range strings.Split(value, ",") {
		switch strings.ToUpper(strings.TrimSpace(token)) {
		case "ON_MSG":
			// exclusive: becomes the selector on its own
			return SyncOnMsg, nil
		case "ON_DAEMON_EXIT":
			out |= SyncOnDaemonExit
		case "ON_DEMAND":
			out |= SyncOnDemand
		case "ON_DEVICE_DISCONNECT":
			out |= SyncOnDeviceDisconnect
		case "ON_SPECIFIC_SIZE":
			out |= SyncOnSpecificSize
		case "ON_FILE_SIZE":
			out |= SyncOnFileSize
		default:
			return 0, fmt.Errorf("unknown sync behavior %q", token)
		}
	}
	if out.Has(SyncOnSpecificSize) && out.Has(SyncOnFileSize) {
		return 0, fmt.Errorf("ON_SPECIFIC_SIZE cannot combine with ON_FILE_SIZE")
	}
	if out == SyncUnset {
		out = SyncOnMsg
	}
	return out, nil
}

func parseOverwrite(value string) (OverwriteMode, error) {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case "", "DISCARD_OLD":
		return OverwriteDiscardOld, nil
	case "DISCARD_NEW":
		return OverwriteDiscardNew, nil
	default:
		return OverwriteDiscardOld, fmt.Errorf("unknown overwrite behavior %q", value)
	}
}
