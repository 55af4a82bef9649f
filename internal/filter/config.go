package filter

import (
	"fmt"
	"strconv"
	"strings"

	ini "github.com/go-ini/ini"
	"github.com/spf13/cast"

	"github.com/mct-labs/go-mctd/internal/events"
	"github.com/mct-labs/go-mctd/internal/logging"
	"github.com/mct-labs/go-mctd/internal/protocol"
)

// Section base names; matching is substring-based so numbered sections like
// [Filter1] or [InjectionDiag] bind to the right parser.
const (
	generalSectionName   = "General"
	filterSectionName    = "Filter"
	injectionSectionName = "Injection"
)

// noneValue disables a list option explicitly
const noneValue = "NONE"

// ParseFile loads a message filter from its configuration file. Invalid
// filter sections are skipped; the daemon still runs on whatever remains.
// With no usable filter section the most-closed configuration is
// synthesized. The configuration named by DefaultLevel becomes current.
func ParseFile(path string) (*MessageFilter, error) {
	cfg, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("filter: cannot load %s: %w", path, err)
	}
	mf := &MessageFilter{}

	for _, sec := range cfg.Sections() {
		name := sec.Name()
		switch {
		case strings.Contains(name, generalSectionName):
			if err := mf.parseGeneral(sec); err != nil {
				return nil, err
			}
		case strings.Contains(name, filterSectionName):
			if err := mf.parseFilterSection(sec); err != nil {
				logging.Warnf("skipping filter section [%s]: %v", name, err)
			}
		case strings.Contains(name, injectionSectionName):
			if err := mf.parseInjectionSection(sec); err != nil {
				logging.Warnf("skipping injection section [%s]: %v", name, err)
			}
		}
	}

	if len(mf.Configs) == 0 {
		logging.Warnf("no filter configuration defined; adding most closed filter '%s'", MostClosedName)
		closed := NewMostClosed()
		mf.Configs = closed.Configs
	}
	mf.finalize()

	if err := mf.ChangeLevel(mf.DefaultLevel); err != nil {
		return nil, err
	}
	return mf, nil
}

func (mf *MessageFilter) parseGeneral(sec *ini.Section) error {
	if k := sec.Key("Name"); k.String() != "" {
		mf.Name = k.String()
	}
	level, err := sec.Key("DefaultLevel").Uint()
	if err != nil {
		return fmt.Errorf("filter: DefaultLevel missing or not a number: %w", err)
	}
	if level > LevelMax {
		return fmt.Errorf("%w: default level %d", ErrInvalidLevel, level)
	}
	mf.DefaultLevel = uint(level)
	mf.Backend = sec.Key("Backend").String()
	return nil
}

func (mf *MessageFilter) parseFilterSection(sec *ini.Section) error {
	conf := &Configuration{Name: sec.Key("Name").String()}

	level, err := sec.Key("Level").Uint()
	if err != nil {
		return fmt.Errorf("filter: Level missing or not a number: %w", err)
	}
	if level > LevelMax {
		return fmt.Errorf("%w: %d", ErrInvalidLevel, level)
	}
	conf.LevelMax = uint(level)

	conf.ClientMask = parseClientMask(sec.Key("Clients").String())
	if err := parseControlMask(&conf.CtrlMask, sec.Key("ControlMessages").String()); err != nil {
		return err
	}
	conf.NumInjections, conf.Injections = parseInjectionList(sec.Key("Injections").String())

	return mf.insert(conf)
}

// parseClientMask builds the connection-kind mask from the Clients value:
// '*' permits all kinds, NONE just the mandatory default mask, otherwise a
// comma list of client names extends the default mask.
func parseClientMask(value string) uint32 {
	mask := events.DefaultMask
	value = strings.TrimSpace(value)
	if strings.HasPrefix(value, "*") {
		return events.MaskAll
	}
	if value == "" || strings.EqualFold(value, noneValue) {
		return mask
	}
	for _, token := range strings.Split(value, ",") {
		switch strings.ToLower(strings.TrimSpace(token)) {
		case "serial":
			mask |= events.ConnectionClientMsgSerial.Mask()
		case "tcp":
			mask |= events.ConnectionClientConnect.Mask()
			mask |= events.ConnectionClientMsgTCP.Mask()
		case "logstorage":
			mask |= events.ConnectionClientMsgOfflineLogstorage.Mask()
		case "trace":
			mask |= events.ConnectionClientMsgOfflineTrace.Mask()
		default:
			logging.Infof("ignoring unknown client type: %s", token)
		}
	}
	return mask
}

// parseControlMask fills the service set from the ControlMessages value: a
// comma list of hexadecimal service ids, '*' for all, NONE for none.
func parseControlMask(set *ServiceSet, value string) error {
	value = strings.TrimSpace(value)
	if strings.HasPrefix(value, "*") {
		set.EnableAll()
		return nil
	}
	if value == "" || strings.EqualFold(value, noneValue) {
		return nil
	}
	for _, token := range strings.Split(value, ",") {
		id, err := strconv.ParseInt(strings.TrimSpace(token), 16, 32)
		if err != nil {
			logging.Warnf("ignore invalid service ID: %s", token)
			continue
		}
		if err := set.Set(int(id)); err != nil {
			logging.Warnf("ignore invalid service ID: %s", token)
		}
	}
	return nil
}

// parseInjectionList interprets the Injections value: '*' all, NONE none,
// otherwise a comma list of injection names.
func parseInjectionList(value string) (int, []string) {
	value = strings.TrimSpace(value)
	if strings.HasPrefix(value, "*") {
		return InjectionsAll, nil
	}
	if value == "" || strings.EqualFold(value, noneValue) {
		return InjectionsNone, nil
	}
	var names []string
	for _, token := range strings.Split(value, ",") {
		token = strings.TrimSpace(token)
		if token != "" {
			names = append(names, token)
		}
	}
	return len(names), names
}

func (mf *MessageFilter) parseInjectionSection(sec *ini.Section) error {
	name := sec.Key("Name").String()
	if name == "" {
		return fmt.Errorf("filter: injection section without Name")
	}
	if mf.FindInjection(name) != nil {
		return fmt.Errorf("filter: injection name %q already in use", name)
	}
	inj := Injection{
		Name:  name,
		Apid:  protocol.MakeID(sec.Key("LogAppName").String()),
		Ctid:  protocol.MakeID(sec.Key("ContextName").String()),
		EcuID: protocol.MakeID(sec.Key("NodeID").String()),
	}
	for _, token := range strings.Split(sec.Key("ServiceID").String(), ",") {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		id := cast.ToInt(token)
		if id == 0 {
			logging.Warnf("injection %q: ignoring service id %q", name, token)
			continue
		}
		inj.ServiceIDs = append(inj.ServiceIDs, id)
	}
	mf.Injections = append(mf.Injections, inj)
	return nil
}
