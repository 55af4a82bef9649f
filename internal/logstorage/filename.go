package logstorage

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// FileExtension terminates every rotation file
const FileExtension = ".mct"

// timestampLayout renders the optional filename timestamp
const timestampLayout = "20060102-150405"

// UserConfig is the device-independent filename policy configured on the
// daemon (OfflineLogstorage* options).
type UserConfig struct {
	// Timestamp appends <delim>YYYYMMDD-HHMMSS to file names
	Timestamp bool
	// Delimiter separates name, index and timestamp
	Delimiter byte
	// MaxCounter wraps the rotation index; the all-ones default disables
	// wrapping and suppresses zero padding
	MaxCounter uint
	// CounterWidth zero-pads the index
	CounterWidth int
	// OptionalCounter omits the index when a filter keeps a single file
	OptionalCounter bool
}

// DefaultUserConfig mirrors the daemon option defaults
func DefaultUserConfig() UserConfig {
	return UserConfig{
		Delimiter:    '_',
		MaxCounter:   ^uint(0),
		CounterWidth: 3,
	}
}

// LogFileName assembles "<name><delim><index><delim><timestamp>.mct". The
// index is omitted for single-file filters in optional-counter mode; the
// zero padding is dropped when wrapping is disabled.
func (u *UserConfig) LogFileName(name string, numFiles uint, idx uint, now time.Time) string {
	var b strings.Builder
	b.WriteString(name)

	width := u.CounterWidth
	if u.MaxCounter == ^uint(0) {
		width = 0
	}
	if !(numFiles == 1 && u.OptionalCounter) {
		b.WriteByte(u.Delimiter)
		fmt.Fprintf(&b, "%0*d", width, idx)
	}
	if u.Timestamp {
		b.WriteByte(u.Delimiter)
		b.WriteString(now.Local().Format(timestampLayout))
	}
	b.WriteString(FileExtension)
	return b.String()
}

// IndexOf reverse-parses the rotation index out of a file name assembled by
// LogFileName. Returns 0 when no index can be extracted.
func (u *UserConfig) IndexOf(fileName string) uint {
	base := strings.TrimSuffix(fileName, FileExtension)
	if u.Timestamp {
		// strip "<delim>YYYYMMDD-HHMMSS"
		cut := len(base) - len(timestampLayout) - 1
		if cut <= 0 || base[cut] != u.Delimiter {
			return 0
		}
		base = base[:cut]
	}
	pos := strings.LastIndexByte(base, u.Delimiter)
	if pos < 0 || pos == len(base)-1 {
		return 0
	}
	n, err := strconv.ParseUint(base[pos+1:], 10, 32)
	if err != nil {
		return 0
	}
	return uint(n)
}

// matchesFilter reports whether an on-disk name belongs to the filter's
// logical file name under this policy.
func (u *UserConfig) matchesFilter(fileName, filterName string) bool {
	if !strings.HasSuffix(fileName, FileExtension) {
		return false
	}
	if fileName == filterName+FileExtension {
		return true
	}
	return strings.HasPrefix(fileName, filterName+string(u.Delimiter))
}

// sortFileRefs orders records by ascending index and returns the largest
func sortFileRefs(records []FileRef) uint {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Idx < records[j].Idx
	})
	if len(records) == 0 {
		return 0
	}
	return records[len(records)-1].Idx
}

// rearrangeFileRefs rotates a sorted record list around the last index gap
// so the head is the oldest file of a wrapped rotation. Without a gap the
// sequence never wrapped and index 1 really is the oldest.
func rearrangeFileRefs(records []FileRef) []FileRef {
	if len(records) < 2 {
		return records
	}
	gap := -1
	for i := 0; i < len(records)-1; i++ {
		if records[i+1].Idx != records[i].Idx+1 {
			gap = i + 1
		}
	}
	if gap < 0 {
		return records
	}
	out := make([]FileRef, 0, len(records))
	out = append(out, records[gap:]...)
	out = append(out, records[:gap]...)
	return out
}
