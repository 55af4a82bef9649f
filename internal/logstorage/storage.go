package logstorage

import (
	"fmt"
	"os"
	"sort"
	"time"

	multierror "github.com/hashicorp/go-multierror"
	"github.com/spf13/afero"

	"github.com/mct-labs/go-mctd/internal/logging"
	"github.com/mct-labs/go-mctd/internal/protocol"
)

// fileHandle abstracts the rotation files so tests run on an in-memory fs
type fileHandle = afero.File

const (
	appendFlags = os.O_CREATE | os.O_APPEND | os.O_RDWR
	truncFlags  = os.O_CREATE | os.O_TRUNC | os.O_RDWR
)

// ConnectionState of a storage device
type ConnectionState int

const (
	DeviceDisconnected ConnectionState = iota
	DeviceConnected
)

// ConfigState of a device's configuration load
type ConfigState int

const (
	ConfigUnparsed ConfigState = iota
	ConfigDone
)

// DisconnectReason qualifies which sync trigger a disconnect fires
type DisconnectReason int

const (
	ReasonUnknown DisconnectReason = iota
	// ReasonDaemonExit syncs ON_DAEMON_EXIT caches
	ReasonDaemonExit
)

// NewestFileInfo is shared by every filter targeting the same logical file
// name so they observe one rotation state.
type NewestFileInfo struct {
	NewestFile string
	WrapID     uint
}

// LogStorage is one storage device keyed by its mount point
type LogStorage struct {
	DeviceMountPoint string
	ConnectionType   ConnectionState
	ConfigStatus     ConfigState

	Configs []*FilterConfig
	lookup  map[string][]*FilterConfig
	keys    []string

	Uconfig     UserConfig
	newestFiles map[string]*NewestFileInfo

	// device-requested general options; OptionUnset falls back daemon-wide
	BlockMode                  int
	MaintainLogstorageLogLevel int

	WriteErrors   int
	PrepareErrors int

	Fs    afero.Fs
	Cache *CacheAccounting
	Now   func() time.Time
}

// New creates a disconnected device handle for a mount point
func New(mountPoint string, uconfig UserConfig, cache *CacheAccounting) *LogStorage {
	return &LogStorage{
		DeviceMountPoint:           mountPoint,
		Uconfig:                    uconfig,
		BlockMode:                  OptionUnset,
		MaintainLogstorageLogLevel: OptionUnset,
		newestFiles:                make(map[string]*NewestFileInfo),
		lookup:                     make(map[string][]*FilterConfig),
		Fs:                         afero.NewOsFs(),
		Cache:                      cache,
		Now:                        time.Now,
	}
}

// Connect loads the device configuration and marks the device connected
func (s *LogStorage) Connect() error {
	data, err := afero.ReadFile(s.Fs, s.devicePath(ConfigFileName))
	if err != nil {
		return fmt.Errorf("logstorage: no config at %s: %w", s.DeviceMountPoint, err)
	}
	general, filters, err := parseDeviceConfig(data)
	if err != nil {
		return err
	}
	if len(filters) == 0 {
		return fmt.Errorf("logstorage: no usable filter in %s", s.DeviceMountPoint)
	}

	s.BlockMode = general.BlockMode
	s.MaintainLogstorageLogLevel = general.MaintainLogstorageLogLevel
	s.Configs = filters
	s.lookup = make(map[string][]*FilterConfig)
	s.keys = nil
	s.newestFiles = make(map[string]*NewestFileInfo)

	for _, f := range filters {
		keys, err := CreateKeys(f.Apids, f.Ctids, f.EcuID)
		if err != nil {
			logging.Warnf("logstorage: dropping filter %q: %v", f.FileName, err)
			continue
		}
		for _, k := range keys {
			ks := k.String()
			if _, seen := s.lookup[ks]; !seen {
				s.keys = append(s.keys, ks)
			}
			s.lookup[ks] = append(s.lookup[ks], f)
		}
		if f.FileName != "" {
			if _, ok := s.newestFiles[f.FileName]; !ok {
				s.newestFiles[f.FileName] = &NewestFileInfo{}
			}
		}
	}
	sort.Strings(s.keys)

	s.ConnectionType = DeviceConnected
	s.ConfigStatus = ConfigDone
	return nil
}

// Disconnect syncs what the configuration demands, releases caches, and
// closes every working file.
func (s *LogStorage) Disconnect(reason DisconnectReason) error {
	var errs *multierror.Error
	for _, f := range s.Configs {
		if f.cache != nil {
			trigger := SyncOnDeviceDisconnect
			if reason == ReasonDaemonExit {
				trigger = SyncOnDaemonExit
			}
			if err := s.syncCache(f, trigger); err != nil {
				errs = multierror.Append(errs, err)
			}
			s.Cache.Release(f.cacheSize() + footerSize)
			f.cache = nil
		}
		if f.log != nil {
			_ = f.log.Sync()
			if err := f.log.Close(); err != nil {
				errs = multierror.Append(errs, err)
			}
			f.log = nil
		}
	}
	s.ConnectionType = DeviceDisconnected
	s.ConfigStatus = ConfigUnparsed
	return errs.ErrorOrNil()
}

// Keys returns the sorted lookup keys of every loaded filter
func (s *LogStorage) Keys() []string {
	return append([]string(nil), s.keys...)
}

// FiltersForKey returns the filters registered under one lookup key
func (s *LogStorage) FiltersForKey(key string) []*FilterConfig {
	return s.lookup[key]
}

// GetConfigs aggregates every filter matching (apid, ctid, ecuid), probing
// the key shapes from most to least specific.
func (s *LogStorage) GetConfigs(apid, ctid, ecuid string) []*FilterConfig {
	if s.ConnectionType != DeviceConnected || s.ConfigStatus != ConfigDone || ecuid == "" {
		return nil
	}
	var out []*FilterConfig
	seen := make(map[*FilterConfig]bool)
	for _, key := range LookupKeys(apid, ctid, ecuid) {
		for _, f := range s.lookup[key] {
			if !seen[f] {
				seen[f] = true
				out = append(out, f)
			}
		}
		if len(out) == len(s.Configs) {
			break
		}
	}
	return out
}

// excluded reports whether the exclusion lists veto this message
func (f *FilterConfig) excluded(apid, ctid string) bool {
	for _, x := range f.ExcludedApids {
		if x == apid || x == Wildcard {
			return true
		}
	}
	for _, x := range f.ExcludedCtids {
		if x == ctid || x == Wildcard {
			return true
		}
	}
	return false
}

// WriteResult reports what a message write did, so the caller can honor
// DisableNetwork on the first device.
type WriteResult struct {
	Stored         bool
	DisableNetwork bool
}

// WriteMessage stores one message on every matching filter. data1 is the
// storage header, data2 the wire header, data3 the payload. The message
// level gates verbose filters; a level of 0 stores unconditionally.
func (s *LogStorage) WriteMessage(apid, ctid, ecuid string, level protocol.LogLevel,
	verbose bool, data1, data2, data3 []byte) (WriteResult, error) {

	var result WriteResult
	var errs *multierror.Error

	for _, f := range s.GetConfigs(apid, ctid, ecuid) {
		if f.LevelCtrlOnly || f.Skip {
			continue
		}
		if f.NonVerbose && verbose {
			continue
		}
		if !f.NonVerbose && !verbose {
			continue
		}
		if f.excluded(apid, ctid) {
			continue
		}
		if !f.NonVerbose && level != 0 && (f.LogLevel == protocol.MCT_LOG_OFF || level > f.LogLevel) {
			continue
		}

		if err := s.writeFilter(f, data1, data2, data3); err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		if f.Skip {
			continue
		}
		result.Stored = true
		if f.DisableNetwork {
			result.DisableNetwork = true
		}
	}

	if s.WriteErrors+s.PrepareErrors >= MaxErrors {
		errs = multierror.Append(errs,
			fmt.Errorf("logstorage: %s exceeded %d errors", s.DeviceMountPoint, MaxErrors))
	}
	return result, errs.ErrorOrNil()
}

// writeFilter runs one filter's prepare/write/sync strategy chain
func (s *LogStorage) writeFilter(f *FilterConfig, data1, data2, data3 []byte) error {
	msgSize := len(data1) + len(data2) + len(data3)

	onMsg := f.Sync == SyncOnMsg || f.Sync == SyncUnset
	if onMsg {
		if err := s.prepareOnMsg(f, msgSize); err != nil {
			f.prepareErrors++
			s.PrepareErrors++
			return err
		}
		if f.Skip {
			return nil
		}
		if err := s.writeOnMsg(f, data1, data2, data3); err != nil {
			f.writeErrors++
			s.WriteErrors++
			return err
		}
		f.writeErrors = 0
		s.WriteErrors = 0
		return s.syncOnMsg(f)
	}

	if err := s.prepareCache(f); err != nil {
		f.prepareErrors++
		s.PrepareErrors++
		return err
	}
	if err := s.writeCache(f, data1, data2, data3); err != nil {
		f.writeErrors++
		s.WriteErrors++
		return err
	}
	f.writeErrors = 0
	s.WriteErrors = 0
	return nil
}

// SyncCaches fires one trigger across every filter (ON_DEMAND, exit, ...)
func (s *LogStorage) SyncCaches(trigger SyncStrategy) error {
	var errs *multierror.Error
	for _, f := range s.Configs {
		if f.cache == nil {
			continue
		}
		if err := s.syncCache(f, trigger); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

// newestFile returns the shared rotation record for a logical file name
func (s *LogStorage) newestFile(name string) *NewestFileInfo {
	info, ok := s.newestFiles[name]
	if !ok {
		info = &NewestFileInfo{}
		s.newestFiles[name] = info
	}
	return info
}

// updateNewestFile publishes the filter's working file to the shared record
func (s *LogStorage) updateNewestFile(f *FilterConfig) {
	info := s.newestFile(f.FileName)
	info.NewestFile = f.WorkingFileName
	if f.WrapID > info.WrapID {
		info.WrapID = f.WrapID
	}
}

// readDirNames lists the file names in a directory
func readDirNames(fs afero.Fs, dir string) ([]string, error) {
	entries, err := afero.ReadDir(fs, dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}
