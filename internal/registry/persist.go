package registry

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	ini "github.com/go-ini/ini"
	multierror "github.com/hashicorp/go-multierror"

	"github.com/mct-labs/go-mctd/internal/logging"
	"github.com/mct-labs/go-mctd/internal/protocol"
)

// Persisted state is three line-oriented text files under the runtime
// directory: applications, contexts, and the runtime configuration. The
// configuration must be loaded first; it carries the ECU id the other two
// files register against.

// ApplicationsSave writes one "apid:pid:description" line per application
func (r *Registry) ApplicationsSave(filename string) error {
	list := r.FindUserList(r.Ecu)
	if list == nil {
		return ErrUnknownEcu
	}
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	var errs *multierror.Error
	w := bufio.NewWriter(f)
	for _, app := range list.Applications {
		desc := strings.ReplaceAll(app.Description, "\n", " ")
		if _, err := fmt.Fprintf(w, "%s:%d:%s\n", app.Apid, app.Pid, desc); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if err := w.Flush(); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs.ErrorOrNil()
}

// ApplicationsLoad materializes applications from a saved file. Entries get
// no live transport handle until their producer re-registers.
func (r *Registry) ApplicationsLoad(filename string) error {
	f, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, ":", 3)
		if len(parts) != 3 {
			logging.Warnf("skipping malformed application entry %q in %s", line, filename)
			continue
		}
		pid, err := strconv.ParseUint(parts[1], 10, 32)
		if err != nil {
			logging.Warnf("skipping application entry %q: bad pid: %v", line, err)
			continue
		}
		if _, err := r.ApplicationAdd(protocol.MakeID(parts[0]), uint32(pid), parts[2], InvalidHandle, false, r.Ecu); err != nil {
			logging.Warnf("cannot load application %q: %v", parts[0], err)
		}
	}
	return scanner.Err()
}

// ContextsSave writes one "apid:ctid:ll:ts:description" line per context
func (r *Registry) ContextsSave(filename string) error {
	list := r.FindUserList(r.Ecu)
	if list == nil {
		return ErrUnknownEcu
	}
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	var errs *multierror.Error
	w := bufio.NewWriter(f)
	list.EachContext(func(_ *Application, ctx *Context) bool {
		desc := strings.ReplaceAll(ctx.Description, "\n", " ")
		if _, err := fmt.Fprintf(w, "%s:%s:%d:%d:%s\n", ctx.Apid, ctx.Ctid, ctx.LogLevel, ctx.TraceStatus, desc); err != nil {
			errs = multierror.Append(errs, err)
		}
		return true
	})
	if err := w.Flush(); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs.ErrorOrNil()
}

// ContextsLoad materializes contexts from a saved file as predefined
// entries: they survive their producer unregistering. Applications must be
// loaded first.
func (r *Registry) ContextsLoad(filename string) error {
	f, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, ":", 5)
		if len(parts) != 5 {
			logging.Warnf("skipping malformed context entry %q in %s", line, filename)
			continue
		}
		ll, err1 := strconv.ParseInt(parts[2], 10, 8)
		ts, err2 := strconv.ParseInt(parts[3], 10, 8)
		if err1 != nil || err2 != nil {
			logging.Warnf("skipping context entry %q: bad level fields", line)
			continue
		}
		ctx, err := r.ContextAdd(protocol.MakeID(parts[0]), protocol.MakeID(parts[1]),
			protocol.LogLevel(ll), protocol.TraceStatus(ts), 0, InvalidHandle, parts[4], r.Ecu)
		if err != nil {
			logging.Warnf("cannot load context %q:%q: %v", parts[0], parts[1], err)
			continue
		}
		ctx.Predefined = true
	}
	return scanner.Err()
}

// ConfigurationSave persists the runtime configuration
func (r *Registry) ConfigurationSave(filename string) error {
	cfg := ini.Empty()
	sec := cfg.Section("")
	sec.Key("ECUId").SetValue(r.Ecu.String())
	sec.Key("DefaultLogLevel").SetValue(strconv.Itoa(int(r.Defaults.LogLevel)))
	sec.Key("DefaultTraceStatus").SetValue(strconv.Itoa(int(r.Defaults.TraceStatus)))
	return cfg.SaveTo(filename)
}

// ConfigurationLoad restores the runtime configuration. Must run before
// ApplicationsLoad/ContextsLoad: the ECU id decides which user list the
// entries land in.
func (r *Registry) ConfigurationLoad(filename string) error {
	cfg, err := ini.Load(filename)
	if err != nil {
		return err
	}
	sec := cfg.Section("")
	if v := sec.Key("ECUId").String(); v != "" {
		ecu := protocol.MakeID(v)
		if r.FindUserList(ecu) == nil {
			r.lists = append(r.lists, &UserList{Ecu: ecu})
		}
		r.Ecu = ecu
	}
	if v, err := sec.Key("DefaultLogLevel").Int(); err == nil {
		r.Defaults.LogLevel = protocol.LogLevel(v)
	}
	if v, err := sec.Key("DefaultTraceStatus").Int(); err == nil {
		r.Defaults.TraceStatus = protocol.TraceStatus(v)
	}
	return nil
}
