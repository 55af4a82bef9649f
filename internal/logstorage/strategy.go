package logstorage

import (
	"bytes"
	"fmt"
	"path/filepath"

	"github.com/mct-labs/go-mctd/internal/logging"
	"github.com/mct-labs/go-mctd/internal/protocol"
)

// MaxErrors disconnects a device after this many consecutive failures
const MaxErrors = 5

// footerSize accounts the cache footer against the quota like the payload
const footerSize = 32

// CacheAccounting is the explicit handle bounding the total cache memory
// across every filter of every connected device. Its lifecycle starts with
// the first device connect and spans the daemon.
type CacheAccounting struct {
	max  uint64
	used uint64
}

// NewCacheAccounting bounds the cached strategy to max bytes
func NewCacheAccounting(max uint64) *CacheAccounting {
	return &CacheAccounting{max: max}
}

// Reserve claims n bytes of quota
func (c *CacheAccounting) Reserve(n uint64) error {
	if c.used+n > c.max {
		return fmt.Errorf("logstorage: cache quota exhausted (%d of %d used, %d requested)",
			c.used, c.max, n)
	}
	c.used += n
	return nil
}

// Release returns n bytes of quota
func (c *CacheAccounting) Release(n uint64) {
	if n > c.used {
		n = c.used
	}
	c.used -= n
}

// Used returns the currently accounted bytes
func (c *CacheAccounting) Used() uint64 { return c.used }

// cacheSize returns the filter's configured cache payload size
func (f *FilterConfig) cacheSize() uint64 {
	if f.Sync.Has(SyncOnSpecificSize) {
		return f.SpecificSize
	}
	return f.FileSize
}

// scanStorageDir rebuilds the filter's rotation records from the mount
// point: extract (name, index) pairs, sort ascending, and rotate around the
// last index gap so a wrapped sequence keeps its true oldest file first.
func (s *LogStorage) scanStorageDir(f *FilterConfig) error {
	entries, err := readDirNames(s.Fs, s.DeviceMountPoint)
	if err != nil {
		return fmt.Errorf("logstorage: scan %s: %w", s.DeviceMountPoint, err)
	}
	f.Records = f.Records[:0]
	for _, name := range entries {
		if !s.Uconfig.matchesFilter(name, f.FileName) {
			continue
		}
		f.Records = append(f.Records, FileRef{Name: name, Idx: s.Uconfig.IndexOf(name)})
	}
	sortFileRefs(f.Records)
	f.Records = rearrangeFileRefs(f.Records)
	return nil
}

// openLogFile opens or rotates the filter's working file so that msgSize
// more bytes fit. Mirrors the rotation contract: DISCARD_NEW stops the
// filter when the rotation is exhausted; a wrapped index deletes the
// pre-existing file at the target name; DISCARD_OLD unlinks the oldest
// record once the count exceeds NOFiles.
func (s *LogStorage) openLogFile(f *FilterConfig, msgSize int, updateRecords, isSync bool) error {
	if f.log != nil {
		_ = f.log.Close()
		f.log = nil
	}
	if f.Records == nil || updateRecords {
		if err := s.scanStorageDir(f); err != nil {
			return err
		}
	}

	if len(f.Records) == 0 {
		name := s.Uconfig.LogFileName(f.FileName, f.NumFiles, 1, s.Now())
		log, err := s.Fs.OpenFile(s.devicePath(name), appendFlags, 0o644)
		if err != nil {
			return fmt.Errorf("logstorage: open %s: %w", name, err)
		}
		f.log = log
		f.WorkingFileName = name
		f.currentWriteFileOffset = 0
		f.Records = append(f.Records, FileRef{Name: name, Idx: 1})
		s.updateNewestFile(f)
		return nil
	}

	newest := f.Records[len(f.Records)-1]
	if f.WrapID == 0 || f.WorkingFileName == "" {
		f.WorkingFileName = newest.Name
	}

	if info, err := s.Fs.Stat(s.devicePath(f.WorkingFileName)); err == nil {
		fits := info.Size()+int64(msgSize) <= int64(f.FileSize)
		if isSync {
			fits = info.Size() < int64(f.FileSize)
		}
		if fits {
			log, err := s.Fs.OpenFile(s.devicePath(f.WorkingFileName), appendFlags, 0o644)
			if err != nil {
				return fmt.Errorf("logstorage: reopen %s: %w", f.WorkingFileName, err)
			}
			f.log = log
			f.currentWriteFileOffset = info.Size()
			s.updateNewestFile(f)
			return nil
		}
	}

	// rotation required
	var idx uint
	if f.NumFiles == 1 && s.Uconfig.OptionalCounter {
		idx = 1
	} else {
		idx = s.Uconfig.IndexOf(f.WorkingFileName)
	}

	if f.Overwrite == OverwriteDiscardNew && idx == f.NumFiles {
		logging.Infof("logstorage limit reached, stopping capture for filter %s", f.FileName)
		f.Skip = true
		return nil
	}

	idx++
	if idx > s.Uconfig.MaxCounter || idx == 0 {
		idx = 1
		f.WrapID++
	}

	name := s.Uconfig.LogFileName(f.FileName, f.NumFiles, idx, s.Now())
	f.WorkingFileName = name

	// a wrap re-enters the rotation: the stale file at the target name is
	// deleted, not appended to
	if f.WrapID > 0 {
		if _, err := s.Fs.Stat(s.devicePath(name)); err == nil {
			_ = s.Fs.Remove(s.devicePath(name))
			f.Records = removeRecord(f.Records, name)
		}
	}

	log, err := s.Fs.OpenFile(s.devicePath(name), truncFlags, 0o644)
	if err != nil {
		return fmt.Errorf("logstorage: open %s: %w", name, err)
	}
	f.log = log
	f.currentWriteFileOffset = 0
	f.Records = append(f.Records, FileRef{Name: name, Idx: idx})

	if uint(len(f.Records)) > f.NumFiles && !(f.NumFiles == 1 && s.Uconfig.OptionalCounter) {
		oldest := f.Records[0]
		_ = s.Fs.Remove(s.devicePath(oldest.Name))
		f.Records = f.Records[1:]
	}

	s.updateNewestFile(f)
	return nil
}

func removeRecord(records []FileRef, name string) []FileRef {
	for i, r := range records {
		if r.Name == name {
			return append(records[:i], records[i+1:]...)
		}
	}
	return records
}

func (s *LogStorage) devicePath(name string) string {
	return filepath.Join(s.DeviceMountPoint, name)
}

// prepareOnMsg makes sure the working file can hold one more message,
// syncing wrap state from the shared newest-file record first.
func (s *LogStorage) prepareOnMsg(f *FilterConfig, msgSize int) error {
	newest := s.newestFile(f.FileName)

	if f.log == nil {
		if f.WrapID < newest.WrapID {
			f.WrapID = newest.WrapID
			f.WorkingFileName = newest.NewestFile
		}
		return s.openLogFile(f, msgSize, true, false)
	}

	info, err := f.log.Stat()
	if err != nil {
		return fmt.Errorf("logstorage: stat working file: %w", err)
	}
	rotate := info.Size()+int64(msgSize) > int64(f.FileSize) ||
		(newest.NewestFile != "" && f.WorkingFileName != newest.NewestFile) ||
		f.WrapID < newest.WrapID
	if !rotate {
		return nil
	}

	if f.Sync == SyncOnMsg || f.Sync == SyncUnset {
		_ = f.log.Sync()
	}
	_ = f.log.Close()
	f.log = nil

	if f.WrapID <= newest.WrapID {
		f.WrapID = newest.WrapID
		if newest.NewestFile != "" {
			f.WorkingFileName = newest.NewestFile
		}
	}
	return s.openLogFile(f, msgSize, true, false)
}

// writeOnMsg appends the three spans as one combined write
func (s *LogStorage) writeOnMsg(f *FilterConfig, data1, data2, data3 []byte) error {
	combined := make([]byte, 0, len(data1)+len(data2)+len(data3))
	combined = append(combined, data1...)
	combined = append(combined, data2...)
	combined = append(combined, data3...)
	n, err := f.log.Write(combined)
	if err != nil {
		return fmt.Errorf("logstorage: write: %w", err)
	}
	if n != len(combined) {
		logging.Warnf("logstorage: wrote less data than specified (%d of %d)", n, len(combined))
	}
	return nil
}

// syncOnMsg flushes after every message
func (s *LogStorage) syncOnMsg(f *FilterConfig) error {
	if err := f.log.Sync(); err != nil {
		logging.Errorf("logstorage: fsync failed: %v", err)
	}
	return nil
}

// prepareCache allocates the filter's cache against the global quota
func (s *LogStorage) prepareCache(f *FilterConfig) error {
	if f.Sync.Has(SyncOnSpecificSize) && f.Sync.Has(SyncOnFileSize) {
		return fmt.Errorf("logstorage: wrong combination of sync strategies")
	}
	if f.Sync.Has(SyncOnSpecificSize) && f.SpecificSize > f.FileSize {
		return fmt.Errorf("logstorage: cache size larger than file size")
	}
	newest := s.newestFile(f.FileName)
	if newest.NewestFile != "" {
		if f.WorkingFileName != "" &&
			(f.WrapID != newest.WrapID || f.WorkingFileName != newest.NewestFile) {
			f.WorkingFileName = ""
		}
		if f.WorkingFileName == "" {
			f.WorkingFileName = newest.NewestFile
			f.WrapID = newest.WrapID
		}
	}
	if f.cache != nil {
		return nil
	}
	size := f.cacheSize()
	if err := s.Cache.Reserve(size + footerSize); err != nil {
		return err
	}
	f.cache = make([]byte, size)
	f.footer = CacheFooter{}
	return nil
}

// writeCache appends one message to the cache, syncing or wrapping when the
// window fills.
func (s *LogStorage) writeCache(f *FilterConfig, data1, data2, data3 []byte) error {
	size := f.cacheSize()
	msgSize := uint64(len(data1) + len(data2) + len(data3))
	remain := size - f.footer.Offset

	if msgSize <= remain {
		pos := f.footer.Offset
		f.footer.Offset += msgSize
		if f.footer.WrapAroundCnt < 1 {
			f.footer.EndSyncOffset = f.footer.Offset
		}
		copyMessage(f.cache[pos:], data1, data2, data3)
	}

	if msgSize >= remain {
		if msgSize > size {
			logging.Warnf("logstorage: message larger than cache, discarding")
			return fmt.Errorf("logstorage: message larger than cache")
		}
		switch {
		case f.Sync.Has(SyncOnFileSize):
			if err := s.syncCache(f, SyncOnFileSize); err != nil {
				return err
			}
		case f.Sync.Has(SyncOnSpecificSize):
			if err := s.syncCache(f, SyncOnSpecificSize); err != nil {
				return err
			}
		case f.Sync.Has(SyncOnDemand) || f.Sync.Has(SyncOnDaemonExit):
			f.footer.WrapAroundCnt++
		}
		if msgSize > remain {
			// wrap to the beginning of the cache
			f.footer.EndSyncOffset = f.footer.Offset
			f.footer.Offset = msgSize
			copyMessage(f.cache, data1, data2, data3)
		}
	}
	return nil
}

func copyMessage(dst []byte, data1, data2, data3 []byte) {
	n := copy(dst, data1)
	n += copy(dst[n:], data2)
	copy(dst[n:], data3)
}

// syncCache flushes the cache window to rotation files when the given
// trigger is configured. The window is bounded to whole messages by
// scanning for the storage magic.
func (s *LogStorage) syncCache(f *FilterConfig, trigger SyncStrategy) error {
	if !f.Sync.Has(trigger) {
		return nil
	}
	if f.cache == nil {
		return fmt.Errorf("logstorage: cannot sync, cache is nil")
	}

	if f.footer.WrapAroundCnt < 1 {
		if err := s.syncToFile(f, f.footer.LastSyncOffset, f.footer.Offset); err != nil {
			return err
		}
	} else if f.footer.WrapAroundCnt == 1 && f.footer.Offset < f.footer.LastSyncOffset {
		if err := s.syncToFile(f, f.footer.LastSyncOffset, f.footer.EndSyncOffset); err != nil {
			return err
		}
		f.footer.LastSyncOffset = 0
		if err := s.syncToFile(f, 0, f.footer.Offset); err != nil {
			return err
		}
	} else {
		// overwritten more than once since the last sync: only the current
		// window still holds whole messages
		if err := s.syncToFile(f, f.footer.Offset, f.footer.EndSyncOffset); err != nil {
			return err
		}
		if err := s.syncToFile(f, 0, f.footer.Offset); err != nil {
			return err
		}
	}

	f.footer.LastSyncOffset = f.footer.Offset
	f.footer.WrapAroundCnt = 0

	if trigger == SyncOnDemand || trigger == SyncOnDeviceDisconnect || trigger == SyncOnDaemonExit {
		// the drained cache restarts empty
		for i := range f.cache {
			f.cache[i] = 0
		}
		f.footer = CacheFooter{}
	}
	return nil
}

// syncToFile writes cache[start:end) to the rotation, bounded by message
// boundaries: the start advances to the first storage magic, the end
// retreats to the last one when a partial tail would not fit. A sync may
// roll into a new rotation file when the working file cannot hold the rest.
func (s *LogStorage) syncToFile(f *FilterConfig, start, end uint64) error {
	if end <= start || end > uint64(len(f.cache)) {
		return nil
	}
	region := f.cache[start:end]

	// safe start: first whole message in the region
	first := bytes.Index(region, protocol.StoragePattern[:])
	if first < 0 {
		return nil
	}
	region = region[first:]

	for len(region) > 0 {
		if err := s.openLogFile(f, len(region), f.Records == nil, true); err != nil {
			return err
		}
		if f.Skip {
			return nil
		}
		capacity := int64(f.FileSize) - f.currentWriteFileOffset
		chunk := region
		if int64(len(chunk)) > capacity {
			// cut at the last whole message that fits
			cut := -1
			if capacity > 0 {
				cut = bytes.LastIndex(region[:capacity], protocol.StoragePattern[:])
			}
			if cut <= 0 {
				if f.currentWriteFileOffset == 0 {
					// a single message larger than the file: keep it whole
					chunk = region
				} else {
					// no whole message fits; roll into a fresh file
					_ = f.log.Close()
					f.log = nil
					if err := s.openLogFile(f, len(region), false, false); err != nil {
						return err
					}
					continue
				}
			} else {
				chunk = region[:cut]
			}
		}
		n, err := f.log.Write(chunk)
		if err != nil {
			return fmt.Errorf("logstorage: sync write: %w", err)
		}
		f.currentWriteFileOffset += int64(n)
		_ = f.log.Sync()
		region = region[len(chunk):]
		if len(region) > 0 {
			_ = f.log.Close()
			f.log = nil
		}
	}
	return nil
}
