// Package logstorage implements the offline logstorage engine: per-device
// filter configuration, rotated file writing with cached and per-message
// strategies, and the log-level orchestration for connected devices.
package logstorage

import (
	"fmt"
	"strings"
)

// Wildcard matches any value for an id list entry
const Wildcard = ".*"

// KeyKind tags which components of a lookup key are significant
type KeyKind int

const (
	KeyEcu KeyKind = iota
	KeyApp
	KeyCtx
	KeyEcuApp
	KeyEcuCtx
	KeyAppCtx
	KeyFull
)

// Key addresses filter configurations by (ecu, apid, ctid); absent
// components stay empty. The string form "<ecu>:<apid>:<ctid>" is the map
// key used for lookup.
type Key struct {
	Kind KeyKind
	Ecu  string
	Apid string
	Ctid string
}

// NewKey builds a key and derives its kind from the present components
func NewKey(ecu, apid, ctid string) (Key, error) {
	k := Key{Ecu: trimID(ecu), Apid: trimID(apid), Ctid: trimID(ctid)}
	switch {
	case k.Ecu != "" && k.Apid == "" && k.Ctid == "":
		k.Kind = KeyEcu
	case k.Ecu == "" && k.Apid != "" && k.Ctid == "":
		k.Kind = KeyApp
	case k.Ecu == "" && k.Apid == "" && k.Ctid != "":
		k.Kind = KeyCtx
	case k.Ecu != "" && k.Apid != "" && k.Ctid == "":
		k.Kind = KeyEcuApp
	case k.Ecu != "" && k.Apid == "" && k.Ctid != "":
		k.Kind = KeyEcuCtx
	case k.Ecu == "" && k.Apid != "" && k.Ctid != "":
		k.Kind = KeyAppCtx
	case k.Ecu != "" && k.Apid != "" && k.Ctid != "":
		k.Kind = KeyFull
	default:
		return Key{}, fmt.Errorf("logstorage: empty key")
	}
	return k, nil
}

// ParseKey reconstructs a key from its string form
func ParseKey(s string) (Key, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 {
		return Key{}, fmt.Errorf("logstorage: malformed key %q", s)
	}
	return NewKey(parts[0], parts[1], parts[2])
}

// String renders the map-key form "<ecu>:<apid>:<ctid>"
func (k Key) String() string {
	return k.Ecu + ":" + k.Apid + ":" + k.Ctid
}

// trimID keeps the first 4 bytes of an id component
func trimID(s string) string {
	if len(s) > 4 {
		return s[:4]
	}
	return s
}

// CreateKeys expands a filter's (apids, ctids, ecuid) into lookup keys: the
// cross product of both lists, with ".*" wildcarding a component. A filter
// with both lists wildcarded (or absent) keys on the ECU alone.
func CreateKeys(apids, ctids []string, ecuid string) ([]Key, error) {
	allWild := func(ids []string) bool {
		return len(ids) == 0 || (len(ids) == 1 && ids[0] == Wildcard)
	}
	if allWild(apids) && allWild(ctids) {
		if ecuid == "" {
			return nil, fmt.Errorf("logstorage: filter matches nothing")
		}
		k, err := NewKey(ecuid, "", "")
		if err != nil {
			return nil, err
		}
		return []Key{k}, nil
	}
	if len(apids) == 0 || len(ctids) == 0 {
		return nil, fmt.Errorf("logstorage: apid and ctid lists required")
	}

	keys := make([]Key, 0, len(apids)*len(ctids))
	for _, apid := range apids {
		for _, ctid := range ctids {
			var k Key
			var err error
			switch {
			case apid == Wildcard && ctid == Wildcard:
				k, err = NewKey(ecuid, "", "")
			case apid == Wildcard:
				k, err = NewKey(ecuid, "", ctid)
			case ctid == Wildcard:
				k, err = NewKey(ecuid, apid, "")
			default:
				k, err = NewKey(ecuid, apid, ctid)
			}
			if err != nil {
				return nil, err
			}
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// LookupKeys returns the up-to-7 key shapes probed for an incoming message,
// most specific first. Empty apid and ctid probe the ECU key alone.
func LookupKeys(apid, ctid, ecuid string) []string {
	ecuid = trimID(ecuid)
	if apid == "" && ctid == "" {
		return []string{ecuid + "::"}
	}
	apid = trimID(apid)
	ctid = trimID(ctid)
	return []string{
		":" + apid + ":",
		"::" + ctid,
		":" + apid + ":" + ctid,
		ecuid + ":" + apid + ":" + ctid,
		ecuid + ":" + apid + ":",
		ecuid + "::" + ctid,
		ecuid + "::",
	}
}
