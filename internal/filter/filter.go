// Package filter implements the runtime message filter: an ordered list of
// configurations partitioning the filter-level range, each carrying a
// client mask, a control-service mask, and an injection allow-list.
package filter

import (
	"errors"
	"fmt"

	"github.com/mct-labs/go-mctd/internal/events"
	"github.com/mct-labs/go-mctd/internal/logging"
	"github.com/mct-labs/go-mctd/internal/protocol"
)

// Level bounds of the runtime filter
const (
	LevelMin = 0
	LevelMax = 100
)

// MostClosedName labels the configuration synthesized when none is defined
const MostClosedName = "Customer"

var (
	// ErrInvalidLevel means a level outside [LevelMin, LevelMax]
	ErrInvalidLevel = errors.New("filter: invalid filter level")
	// ErrInvalidServiceID means a service id outside both valid bands
	ErrInvalidServiceID = errors.New("filter: invalid service id")
	// ErrLevelTaken means two configurations share an upper level
	ErrLevelTaken = errors.New("filter: level already defined")
)

// ServiceSet is the logical set of permitted control service ids. The wire
// and config formats split it into a lower and an upper 64-byte band; that
// split appears only at the I/O edges.
type ServiceSet struct {
	lower [64]byte
	upper [64]byte
}

func (s *ServiceSet) band(id int) (*[64]byte, int, error) {
	switch {
	case id > protocol.MCT_SERVICE_ID && id < protocol.MCT_SERVICE_ID_LAST_ENTRY:
		return &s.lower, id & 0xff, nil
	case id > protocol.MCT_USER_SERVICE_ID && id < protocol.MCT_USER_SERVICE_ID_LAST_ENTRY:
		return &s.upper, id & 0xff, nil
	default:
		return nil, 0, fmt.Errorf("%w: 0x%x", ErrInvalidServiceID, id)
	}
}

// Set marks one service id as permitted
func (s *ServiceSet) Set(id int) error {
	band, bit, err := s.band(id)
	if err != nil {
		return err
	}
	band[bit/8] |= 1 << (uint(bit) % 8)
	return nil
}

// Has reports whether a service id is permitted
func (s *ServiceSet) Has(id int) bool {
	band, bit, err := s.band(id)
	if err != nil {
		return false
	}
	return band[bit/8]&(1<<(uint(bit)%8)) != 0
}

// EnableAll permits every valid service id
func (s *ServiceSet) EnableAll() {
	for id := protocol.MCT_SERVICE_ID + 1; id < protocol.MCT_SERVICE_ID_LAST_ENTRY; id++ {
		_ = s.Set(id)
	}
	for id := protocol.MCT_USER_SERVICE_ID + 1; id < protocol.MCT_USER_SERVICE_ID_LAST_ENTRY; id++ {
		_ = s.Set(id)
	}
}

// Bands exposes the bit-exact byte layout for GET_FILTER_STATUS emission
func (s *ServiceSet) Bands() (lower, upper [64]byte) {
	return s.lower, s.upper
}

// Injection is one named software-callable injection definition
type Injection struct {
	Name       string
	Apid       protocol.ID
	Ctid       protocol.ID
	EcuID      protocol.ID
	ServiceIDs []int
}

// Injection allow-list cardinalities
const (
	InjectionsAll  = -1
	InjectionsNone = 0
)

// Configuration covers a contiguous level range [LevelMin, LevelMax]
type Configuration struct {
	Name      string
	LevelMin uint
	LevelMax uint

	ClientMask uint32
	CtrlMask   ServiceSet

	// NumInjections: -1 all, 0 none, n>0 whitelist of names
	NumInjections int
	Injections    []string
}

// MessageFilter is the runtime filter state. A nil *MessageFilter (no
// backend configured) permits everything.
type MessageFilter struct {
	Name         string
	DefaultLevel uint
	Backend      string

	// Configs is ordered by ascending level range and partitions
	// [LevelMin, LevelMax]; insert maintains the invariant.
	Configs    []*Configuration
	Injections []Injection

	Current *Configuration
}

// NewMostClosed returns a filter holding only the synthesized most-closed
// configuration: mandatory connections, no control messages, no injections.
func NewMostClosed() *MessageFilter {
	conf := &Configuration{
		Name:       MostClosedName,
		LevelMin:  LevelMin,
		LevelMax:  LevelMax,
		ClientMask: events.DefaultMask,
	}
	return &MessageFilter{
		Name:    MostClosedName,
		Configs: []*Configuration{conf},
		Current: conf,
	}
}

// insert places conf into the ordered list keyed by LevelMax and fixes up
// the level ranges so the list stays a partition of [LevelMin, LevelMax].
func (mf *MessageFilter) insert(conf *Configuration) error {
	for _, existing := range mf.Configs {
		if existing.LevelMax == conf.LevelMax {
			return fmt.Errorf("%w: %d", ErrLevelTaken, conf.LevelMax)
		}
	}
	pos := len(mf.Configs)
	for i, existing := range mf.Configs {
		if conf.LevelMax < existing.LevelMax {
			pos = i
			break
		}
	}
	mf.Configs = append(mf.Configs, nil)
	copy(mf.Configs[pos+1:], mf.Configs[pos:])
	mf.Configs[pos] = conf
	mf.renumber()
	return nil
}

// renumber re-derives every LevelMin from the predecessor
func (mf *MessageFilter) renumber() {
	prev := -1
	for _, conf := range mf.Configs {
		conf.LevelMin = uint(prev + 1)
		prev = int(conf.LevelMax)
	}
}

// finalize closes the partition: the last configuration is stretched to
// LevelMax so every level is covered.
func (mf *MessageFilter) finalize() {
	mf.renumber()
	if n := len(mf.Configs); n > 0 && mf.Configs[n-1].LevelMax < LevelMax {
		logging.Warnf("extending filter '%s' level range to %d", mf.Configs[n-1].Name, LevelMax)
		mf.Configs[n-1].LevelMax = LevelMax
	}
}

// FindConfiguration returns the configuration covering level, or nil
func (mf *MessageFilter) FindConfiguration(level uint) *Configuration {
	for _, conf := range mf.Configs {
		if level >= conf.LevelMin && level <= conf.LevelMax {
			return conf
		}
	}
	return nil
}

// ChangeLevel selects the configuration covering level as current. The
// caller is responsible for re-evaluating connection activation afterwards.
func (mf *MessageFilter) ChangeLevel(level uint) error {
	if level > LevelMax {
		return fmt.Errorf("%w: %d", ErrInvalidLevel, level)
	}
	conf := mf.FindConfiguration(level)
	if conf == nil {
		return fmt.Errorf("%w: level %d not covered", ErrInvalidLevel, level)
	}
	mf.Current = conf
	return nil
}

// IsConnectionAllowed consults the current client mask. A nil filter
// permits every connection kind.
func (mf *MessageFilter) IsConnectionAllowed(t events.ConnectionType) bool {
	if mf == nil || mf.Current == nil {
		return true
	}
	return mf.Current.ClientMask&t.Mask() != 0
}

// IsControlAllowed consults the current control mask. A nil filter permits
// every service id.
func (mf *MessageFilter) IsControlAllowed(serviceID int) bool {
	if mf == nil || mf.Current == nil {
		return true
	}
	return mf.Current.CtrlMask.Has(serviceID)
}

// FindInjection resolves an injection definition by name
func (mf *MessageFilter) FindInjection(name string) *Injection {
	for i := range mf.Injections {
		if mf.Injections[i].Name == name {
			return &mf.Injections[i]
		}
	}
	return nil
}

// IsInjectionAllowed checks the current allow-list for one injection
// request addressed at (apid, ctid, ecu) with the given service id.
func (mf *MessageFilter) IsInjectionAllowed(apid, ctid, ecu protocol.ID, serviceID int) bool {
	if mf == nil || mf.Current == nil {
		return true
	}
	switch mf.Current.NumInjections {
	case InjectionsNone:
		return false
	case InjectionsAll:
		return true
	}
	for _, name := range mf.Current.Injections {
		icfg := mf.FindInjection(name)
		if icfg == nil {
			continue
		}
		if icfg.Apid != apid || icfg.Ctid != ctid || icfg.EcuID != ecu {
			continue
		}
		for _, id := range icfg.ServiceIDs {
			if id == serviceID {
				return true
			}
		}
	}
	return false
}
