// Package mctd implements the node-local diagnostic log broker daemon: it
// collects framed log messages from co-located producers over local IPC,
// multiplexes them to remote viewer clients over TCP and serial, persists
// them through the offline logstorage engine, and speaks the control
// protocol for runtime reconfiguration.
package mctd

import (
	"fmt"
	"os"
	"os/signal"
	"os/user"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/spf13/afero"
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"

	"github.com/mct-labs/go-mctd/internal/config"
	"github.com/mct-labs/go-mctd/internal/control"
	"github.com/mct-labs/go-mctd/internal/events"
	"github.com/mct-labs/go-mctd/internal/filter"
	"github.com/mct-labs/go-mctd/internal/logging"
	"github.com/mct-labs/go-mctd/internal/logstorage"
	"github.com/mct-labs/go-mctd/internal/protocol"
	"github.com/mct-labs/go-mctd/internal/receiver"
	"github.com/mct-labs/go-mctd/internal/registry"
	"github.com/mct-labs/go-mctd/internal/ringbuf"
)

// State is the daemon logging state
type State int

const (
	// StateInit is the pre-start state
	StateInit State = iota
	// StateBuffer queues messages until a client attaches
	StateBuffer
	// StateBufferFull waits for a client after a ring overflow
	StateBufferFull
	// StateSendBuffer drains the ring before going direct
	StateSendBuffer
	// StateSendDirect fans out to attached clients
	StateSendDirect
)

var stateNames = map[State]string{
	StateInit:       "init",
	StateBuffer:     "buffer",
	StateBufferFull: "buffer full",
	StateSendBuffer: "send buffer",
	StateSendDirect: "send direct",
}

func (s State) String() string { return stateNames[s] }

// Default persisted-state file names under PersistanceStoragePath
const (
	runtimeApplicationCfg = "mct-runtime-application.cfg"
	runtimeContextCfg     = "mct-runtime-context.cfg"
	runtimeConfiguration  = "mct-runtime.cfg"
)

// pollTimeout keeps the loop responsive to the exit flag
const pollTimeout = 100 * time.Millisecond

// Daemon is the log broker. All state is owned by the event loop
// goroutine; the atomics exist for the exporter and the signal forwarder.
type Daemon struct {
	cfg *config.Config

	registry *registry.Registry
	events   *events.EventHandler
	filter   *filter.MessageFilter
	control  *control.Handler
	ring     *ringbuf.Buffer
	metrics  *Metrics
	clock    clock.Clock

	state           State
	overflowCounter atomic.Uint32
	connectionState atomic.Int32
	exitRequested   atomic.Bool
	lastSignal      atomic.Int32

	timingPackets bool
	blockMode     int
	ecuVersion    string
	mcnt          uint8
	startTime     time.Time

	// offline logstorage; deviceOrder keeps connect order, the first
	// device is the one whose DisableNetwork filters bind
	devices     map[string]*logstorage.LogStorage
	deviceOrder []string
	cacheAcc *logstorage.CacheAccounting
	uconfig  logstorage.UserConfig
	maintainLogstorageLogLevel bool

	signalWriteFd int
	storageFs     afero.Fs

	appsFile string
	ctxsFile string
	confFile string
}

// Options tweak daemon construction
type Options struct {
	// Clock injects time for tests (nil uses the wall clock)
	Clock clock.Clock
	// Metrics reuses an external metrics instance (nil creates one)
	Metrics *Metrics
	// StorageFs backs logstorage devices (nil uses the OS filesystem)
	StorageFs afero.Fs
}

// New builds a daemon from its configuration. Nothing is bound or opened
// until Start.
func New(cfg *config.Config, options *Options) (*Daemon, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if options == nil {
		options = &Options{}
	}

	d := &Daemon{
		cfg:     cfg,
		events:  events.NewEventHandler(),
		ring:    ringbuf.New(cfg.RingbufferMinSize, cfg.RingbufferMaxSize, cfg.RingbufferStepSize),
		metrics: options.Metrics,
		clock:   options.Clock,
		state:   StateInit,
		devices: make(map[string]*logstorage.LogStorage),
		uconfig: logstorage.UserConfig{
			Timestamp:       cfg.OfflineLogstorageTimestamp,
			Delimiter:       '_',
			MaxCounter:      cfg.OfflineLogstorageMaxCounter,
			CounterWidth:    len(fmt.Sprintf("%d", cfg.OfflineLogstorageMaxCounter)),
			OptionalCounter: cfg.OfflineLogstorageOptionalIndex,
		},
		cacheAcc:                   logstorage.NewCacheAccounting(uint64(cfg.OfflineLogstorageCacheSize) * 1024),
		maintainLogstorageLogLevel: true,
		blockMode:                  protocol.MCT_MODE_NON_BLOCKING,
		signalWriteFd:              -1,
	}
	if d.metrics == nil {
		d.metrics = NewMetrics()
	}
	d.storageFs = options.StorageFs
	if d.clock == nil {
		d.clock = clock.New()
	}
	if cfg.OfflineLogstorageDelimiter != "" {
		d.uconfig.Delimiter = cfg.OfflineLogstorageDelimiter[0]
	}

	d.registry = registry.New(cfg.Ecu(), registry.Defaults{
		LogLevel:                   protocol.LogLevel(cfg.ContextLogLevel),
		TraceStatus:                protocol.TraceStatus(cfg.ContextTraceStatus),
		ForceLLTS:                  cfg.ForceContextLogLevelAndTraceStatus,
		ContextLogLevel:            protocol.LogLevel(cfg.ContextLogLevel),
		ContextTraceStatus:         protocol.TraceStatus(cfg.ContextTraceStatus),
		MaintainLogstorageLogLevel: true,
	})
	d.timingPackets = cfg.SendMessageTime

	if cfg.MessageFilterConfigFile != "" {
		mf, err := filter.ParseFile(cfg.MessageFilterConfigFile)
		if err != nil {
			return nil, newError("filter load", CodePartialConfig, err)
		}
		d.filter = mf
	}

	d.control = control.NewHandler(d.registry, d, func() *filter.MessageFilter { return d.filter })
	d.control.InjectionMode = cfg.InjectionMode
	d.control.Now = d.clock.Now

	if cfg.PersistanceStoragePath != "" {
		d.appsFile = filepath.Join(cfg.PersistanceStoragePath, runtimeApplicationCfg)
		d.ctxsFile = filepath.Join(cfg.PersistanceStoragePath, runtimeContextCfg)
		d.confFile = filepath.Join(cfg.PersistanceStoragePath, runtimeConfiguration)
	}

	if cfg.PathToECUSoftwareVersion != "" {
		data, err := os.ReadFile(cfg.PathToECUSoftwareVersion)
		if err != nil {
			logging.Warnf("cannot read ECU version file %s: %v", cfg.PathToECUSoftwareVersion, err)
		} else {
			d.ecuVersion = string(data)
		}
	}

	d.registerHandlers()
	return d, nil
}

// Metrics exposes the daemon counters
func (d *Daemon) Metrics() *Metrics { return d.metrics }

// State returns the current logging state
func (d *Daemon) State() State { return d.state }

// Registry exposes the application/context tables
func (d *Daemon) Registry() *registry.Registry { return d.registry }

// changeState transitions the daemon logging state
func (d *Daemon) changeState(next State) {
	if d.state == next {
		return
	}
	logging.Infof("daemon state %s -> %s", d.state, next)
	d.state = next
}

// Uptime returns the daemon timestamp in 0.1 millisecond units
func (d *Daemon) Uptime() uint32 {
	if d.startTime.IsZero() {
		return 0
	}
	return uint32(d.clock.Since(d.startTime) / (100 * time.Microsecond))
}

// registerHandlers installs the per-connection-kind dispatch targets
func (d *Daemon) registerHandlers() {
	d.events.RegisterHandler(events.ConnectionAppConnect, d.handleAppConnect)
	d.events.RegisterHandler(events.ConnectionAppMsg, d.handleAppMsg)
	d.events.RegisterHandler(events.ConnectionClientConnect, d.handleClientConnect)
	d.events.RegisterHandler(events.ConnectionClientMsgTCP, d.handleClientMsg)
	d.events.RegisterHandler(events.ConnectionClientMsgSerial, d.handleClientMsg)
	d.events.RegisterHandler(events.ConnectionControlConnect, d.handleControlConnect)
	d.events.RegisterHandler(events.ConnectionControlMsg, d.handleClientMsg)
	d.events.RegisterHandler(events.ConnectionOneSecTimer, d.handleOneSecTimer)
	d.events.RegisterHandler(events.ConnectionSixtySecTimer, d.handleSixtySecTimer)
	d.events.RegisterHandler(events.ConnectionSignal, d.handleSignal)
}

// Start binds the IPC endpoints, loads persisted state, arms the timers
// and transitions to BUFFER. The TCP listener is only opened when the
// active filter configuration permits it.
func (d *Daemon) Start() error {
	d.startTime = d.clock.Now()

	// runtime configuration first: it decides the ECU id the persisted
	// application and context files register against
	if d.confFile != "" {
		if err := d.registry.ConfigurationLoad(d.confFile); err != nil && !os.IsNotExist(err) {
			logging.Warnf("cannot load runtime configuration: %v", err)
		}
		if err := d.registry.ApplicationsLoad(d.appsFile); err != nil && !os.IsNotExist(err) {
			logging.Warnf("cannot load applications: %v", err)
		}
		if err := d.registry.ContextsLoad(d.ctxsFile); err != nil && !os.IsNotExist(err) {
			logging.Warnf("cannot load contexts: %v", err)
		}
	}

	// producer IPC endpoint
	appPath := filepath.Join(runtimeIpcDir(), "mct")
	appFd, err := events.CreateUnixListener(appPath, events.AppSocketPerm, 10)
	if err != nil {
		return newError("app listener", CodeFatal, err)
	}
	if err := d.events.Register(events.NewConnection(appFd, events.ConnectionAppConnect, receiver.TransportSocket)); err != nil {
		return err
	}

	// optional FIFO producer endpoint next to the socket: producers
	// without socket support write framed user messages into the pipe
	if d.cfg.DaemonFIFOSize > 0 {
		gid := -1
		if d.cfg.DaemonFifoGroup != "" {
			if g, err := user.LookupGroup(d.cfg.DaemonFifoGroup); err == nil {
				if id, err := strconv.Atoi(g.Gid); err == nil {
					gid = id
				}
			} else {
				logging.Warnf("unknown DaemonFifoGroup %q: %v", d.cfg.DaemonFifoGroup, err)
			}
		}
		fifoPath := filepath.Join(runtimeIpcDir(), "mctfifo")
		fifoFd, err := events.CreateFifo(fifoPath, gid, d.cfg.DaemonFIFOSize)
		if err != nil {
			return newError("daemon fifo", CodeFatal, err)
		}
		fifoConn := events.NewConnection(fifoFd, events.ConnectionAppMsg, receiver.TransportFifo)
		if err := d.events.Register(fifoConn); err != nil {
			return err
		}
	}

	// control endpoint
	controlPath := d.cfg.ControlSocketPath
	if controlPath == "" {
		controlPath = filepath.Join(runtimeIpcDir(), "mctctrl")
	}
	ctrlFd, err := events.CreateUnixListener(controlPath, events.ControlSocketPerm, 10)
	if err != nil {
		return newError("control listener", CodeFatal, err)
	}
	if err := d.events.Register(events.NewConnection(ctrlFd, events.ConnectionControlConnect, receiver.TransportSocket)); err != nil {
		return err
	}

	// client listener, gated by the filter
	if d.filter.IsConnectionAllowed(events.ConnectionClientConnect) {
		if err := d.openClientListeners(); err != nil {
			return newError("client listener", CodeFatal, err)
		}
	}

	// signal self-pipe
	readFd, writeFd, err := events.CreateSignalPipe()
	if err != nil {
		return newError("signal pipe", CodeFatal, err)
	}
	d.signalWriteFd = writeFd
	if err := d.events.Register(events.NewConnection(readFd, events.ConnectionSignal, receiver.TransportFifo)); err != nil {
		return err
	}
	d.installSignalForwarder()

	// periodic timers
	if _, err := d.events.CreateTimer(events.ConnectionOneSecTimer, 1); err != nil {
		return newError("1s timer", CodeFatal, err)
	}
	if d.cfg.SendECUSoftwareVersion || d.cfg.SendTimezone {
		if _, err := d.events.CreateTimer(events.ConnectionSixtySecTimer, 60); err != nil {
			return newError("60s timer", CodeFatal, err)
		}
	}

	d.changeState(StateBuffer)
	logging.Infof("mct daemon started, ecu '%s', port %d", d.cfg.EcuID, d.cfg.Port)
	return nil
}

// runtimeIpcDir returns the base directory of the IPC endpoints
func runtimeIpcDir() string {
	if dir := os.Getenv("MCT_USER_IPC_PATH"); dir != "" {
		return dir
	}
	return "/tmp/mct"
}

// openClientListeners binds every configured address on the TCP port
func (d *Daemon) openClientListeners() error {
	fds, err := events.CreateTCPListener(d.cfg.Port, d.cfg.BindAddress, 10)
	if err != nil {
		return err
	}
	for _, fd := range fds {
		if err := d.events.Register(events.NewConnection(fd, events.ConnectionClientConnect, receiver.TransportSocket)); err != nil {
			return err
		}
	}
	return nil
}

// installSignalForwarder folds POSIX termination signals into the poll
// set. The handler goroutine only records the signal and writes one byte.
func (d *Daemon) installSignalForwarder() {
	ch := make(chan os.Signal, 4)
	signal.Notify(ch, syscall.SIGHUP, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	signal.Ignore(syscall.SIGPIPE, syscall.SIGCHLD, syscall.SIGTSTP, syscall.SIGTTOU, syscall.SIGTTIN)
	writeFd := d.signalWriteFd
	go func() {
		for sig := range ch {
			if s, ok := sig.(syscall.Signal); ok {
				d.lastSignal.Store(int32(s))
			}
			d.exitRequested.Store(true)
			_, _ = unix.Write(writeFd, []byte{1})
		}
	}()
}

// Run drives the event loop until an exit signal arrives, then tears the
// daemon down.
func (d *Daemon) Run() error {
	for !d.exitRequested.Load() {
		if _, err := d.events.Poll(int(pollTimeout / time.Millisecond)); err != nil {
			logging.Errorf("poll: %v", err)
			return newError("poll", CodeFatal, err)
		}
		// rebase receivers after each dispatch round so partial messages
		// keep full tail capacity
		for _, c := range d.events.Connections() {
			if c.Receiver != nil {
				c.Receiver.MoveToBegin()
			}
		}
	}
	if sig := d.lastSignal.Load(); sig != 0 {
		logging.Infof("terminating on signal %d", sig)
	}
	return d.Shutdown()
}

// RequestExit asks the loop to terminate from outside a signal context
func (d *Daemon) RequestExit() {
	d.exitRequested.Store(true)
	if d.signalWriteFd >= 0 {
		_, _ = unix.Write(d.signalWriteFd, []byte{1})
	}
}

// Shutdown tears down connections, syncs logstorage and frees state
func (d *Daemon) Shutdown() error {
	for _, dev := range d.devices {
		if dev.ConnectionType == logstorage.DeviceConnected {
			if err := dev.Disconnect(logstorage.ReasonDaemonExit); err != nil {
				logging.Warnf("logstorage disconnect on exit: %v", err)
			}
		}
	}
	d.events.Cleanup()
	_ = d.registry.ApplicationsClear(d.registry.Ecu)
	d.changeState(StateInit)
	logging.Infof("mct daemon stopped")
	logging.Default().Flush()
	return nil
}

// handleSignal consumes self-pipe bytes; the exit flag does the real work
func (d *Daemon) handleSignal(c *events.Connection) error {
	var buf [8]byte
	_, _ = unix.Read(c.Fd, buf[:])
	return nil
}

// handleOneSecTimer drains the buffer while catching up and emits timing
// packets while streaming.
func (d *Daemon) handleOneSecTimer(c *events.Connection) error {
	if _, err := events.DrainTimer(c); err != nil {
		return err
	}
	switch d.state {
	case StateSendBuffer, StateBufferFull:
		d.drainRingBuffer()
	case StateSendDirect:
		if d.timingPackets {
			d.SendToAllClients(control.NewTimeMessage(d.registry.Ecu, d.clock.Now(), d.Uptime()))
		}
	}
	return nil
}

// handleSixtySecTimer announces the software version and timezone
func (d *Daemon) handleSixtySecTimer(c *events.Connection) error {
	if _, err := events.DrainTimer(c); err != nil {
		return err
	}
	if d.state != StateSendDirect {
		return nil
	}
	if d.cfg.SendECUSoftwareVersion && d.ecuVersion != "" {
		payload := control.GetSoftwareVersionResponse(d.ecuVersion)
		d.SendToAllClients(control.NewResponse(d.registry.Ecu, payload, d.clock.Now(), d.Uptime()))
	}
	if d.cfg.SendTimezone {
		payload := control.TimezoneResponse(d.clock.Now())
		d.SendToAllClients(control.NewResponse(d.registry.Ecu, payload, d.clock.Now(), d.Uptime()))
	}
	return nil
}
