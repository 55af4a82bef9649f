package mctd

import (
	"os"

	multierror "github.com/hashicorp/go-multierror"

	"github.com/mct-labs/go-mctd/internal/control"
	"github.com/mct-labs/go-mctd/internal/events"
	"github.com/mct-labs/go-mctd/internal/filter"
	"github.com/mct-labs/go-mctd/internal/logging"
	"github.com/mct-labs/go-mctd/internal/logstorage"
	"github.com/mct-labs/go-mctd/internal/protocol"
	"github.com/mct-labs/go-mctd/internal/registry"
)

// SetDefaultLogLevel updates the daemon default and re-pushes it to every
// context following DEFAULT. Part of the control.Actions contract.
func (d *Daemon) SetDefaultLogLevel(level protocol.LogLevel) uint8 {
	if level < protocol.MCT_LOG_DEFAULT || level > protocol.MCT_LOG_MAX {
		return protocol.MCT_SERVICE_RESPONSE_ERROR
	}
	if level == protocol.MCT_LOG_DEFAULT {
		level = protocol.LogLevel(d.cfg.ContextLogLevel)
	}
	if d.cfg.ForceContextLogLevelAndTraceStatus && level > protocol.LogLevel(d.cfg.ContextLogLevel) {
		level = protocol.LogLevel(d.cfg.ContextLogLevel)
	}
	d.registry.Defaults.LogLevel = level
	d.registry.SendDefaultUpdate()
	return protocol.MCT_SERVICE_RESPONSE_OK
}

// SetDefaultTraceStatus updates the daemon default trace status
func (d *Daemon) SetDefaultTraceStatus(status protocol.TraceStatus) uint8 {
	if status < protocol.MCT_TRACE_STATUS_DEFAULT || status > protocol.MCT_TRACE_STATUS_ON {
		return protocol.MCT_SERVICE_RESPONSE_ERROR
	}
	if status == protocol.MCT_TRACE_STATUS_DEFAULT {
		status = protocol.TraceStatus(d.cfg.ContextTraceStatus)
	}
	d.registry.Defaults.TraceStatus = status
	d.registry.SendDefaultUpdate()
	return protocol.MCT_SERVICE_RESPONSE_OK
}

// SetTimingPackets toggles the 1 s time broadcast
func (d *Daemon) SetTimingPackets(on bool) {
	d.timingPackets = on
}

// StoreConfig persists applications, contexts and the runtime
// configuration. A partial failure resets to factory defaults so the next
// boot never loads half a state.
func (d *Daemon) StoreConfig() error {
	if d.confFile == "" {
		return newError("store config", CodeInvalidInput, nil)
	}
	var errs *multierror.Error
	if err := d.registry.ApplicationsSave(d.appsFile); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := d.registry.ContextsSave(d.ctxsFile); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := d.registry.ConfigurationSave(d.confFile); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := errs.ErrorOrNil(); err != nil {
		logging.Errorf("store config failed, resetting to factory default: %v", err)
		_ = d.ResetToFactoryDefault()
		return err
	}
	return nil
}

// ResetToFactoryDefault deletes the persisted state and re-propagates the
// configured defaults to every context.
func (d *Daemon) ResetToFactoryDefault() error {
	if d.confFile != "" {
		_ = os.Remove(d.appsFile)
		_ = os.Remove(d.ctxsFile)
		_ = os.Remove(d.confFile)
	}
	d.registry.Defaults.LogLevel = protocol.LogLevel(d.cfg.ContextLogLevel)
	d.registry.Defaults.TraceStatus = protocol.TraceStatus(d.cfg.ContextTraceStatus)
	d.registry.Defaults.ForceLLTS = d.cfg.ForceContextLogLevelAndTraceStatus
	d.registry.SendDefaultUpdate()
	return nil
}

// OverflowCounter reports the ring overflow state
func (d *Daemon) OverflowCounter() (bool, uint32) {
	count := d.overflowCounter.Load()
	return count > 0, count
}

// ECUVersion returns the announced software version string
func (d *Daemon) ECUVersion() string {
	return d.ecuVersion
}

// BlockMode returns the active daemon-wide block mode
func (d *Daemon) BlockMode() int {
	return d.blockMode
}

// SetBlockMode pushes a blocking policy to one application or to all
func (d *Daemon) SetBlockMode(apid protocol.ID, mode int) uint8 {
	if !d.cfg.AllowBlockMode {
		return protocol.MCT_SERVICE_RESPONSE_PERM_DENIED
	}
	if mode != protocol.MCT_MODE_BLOCKING && mode != protocol.MCT_MODE_NON_BLOCKING {
		return protocol.MCT_SERVICE_RESPONSE_ERROR
	}
	if apid.Empty() {
		apid = registry.BlockModeAll
	}
	if err := d.registry.UpdateBlockMode(apid, mode); err != nil {
		return protocol.MCT_SERVICE_RESPONSE_ERROR
	}
	if apid == registry.BlockModeAll {
		d.blockMode = mode
	}
	return protocol.MCT_SERVICE_RESPONSE_OK
}

// ChangeFilterLevel selects the filter configuration covering level and
// re-evaluates the client listener and every client-kind connection
// against the new masks. An unopenable listener is fatal.
func (d *Daemon) ChangeFilterLevel(level uint) error {
	if d.filter == nil {
		return newError("change filter level", CodeInvalidInput, filter.ErrInvalidLevel)
	}
	if err := d.filter.ChangeLevel(level); err != nil {
		return err
	}

	if d.filter.IsConnectionAllowed(events.ConnectionClientConnect) {
		if d.events.FindByType(events.ConnectionClientConnect.Mask()) == nil {
			if err := d.openClientListeners(); err != nil {
				d.RequestExit()
				return newError("client listener", CodeFatal, err)
			}
		}
	} else {
		d.events.EachByType(events.ConnectionClientConnect.Mask(), func(c *events.Connection) bool {
			d.events.CloseConnection(c)
			return true
		})
	}

	// activate or deactivate existing connections against the new mask
	for _, c := range d.events.Connections() {
		if c.Type.Mask()&events.DefaultMask != 0 {
			continue
		}
		d.events.SetActive(c, d.filter.IsConnectionAllowed(c.Type))
	}
	logging.Infof("filter level %d selects configuration '%s'", level, d.filter.Current.Name)
	return nil
}

// OfflineLogstorage serves the OFFLINE_LOGSTORAGE control request
func (d *Daemon) OfflineLogstorage(mountPoint string, op uint8) uint8 {
	switch op {
	case control.LogstorageConnect:
		if err := d.connectStorageDevice(mountPoint); err != nil {
			logging.Errorf("logstorage connect %s: %v", mountPoint, err)
			return protocol.MCT_SERVICE_RESPONSE_ERROR
		}
		return protocol.MCT_SERVICE_RESPONSE_OK
	case control.LogstorageDisconnect:
		if err := d.disconnectStorageDevice(mountPoint, logstorage.ReasonUnknown); err != nil {
			logging.Errorf("logstorage disconnect %s: %v", mountPoint, err)
			return protocol.MCT_SERVICE_RESPONSE_ERROR
		}
		return protocol.MCT_SERVICE_RESPONSE_OK
	case control.LogstorageSyncCache:
		dev, ok := d.devices[mountPoint]
		if !ok || dev.ConnectionType != logstorage.DeviceConnected {
			return protocol.MCT_SERVICE_RESPONSE_ERROR
		}
		if err := dev.SyncCaches(logstorage.SyncOnDemand); err != nil {
			logging.Errorf("logstorage sync %s: %v", mountPoint, err)
			return protocol.MCT_SERVICE_RESPONSE_ERROR
		}
		return protocol.MCT_SERVICE_RESPONSE_OK
	default:
		return protocol.MCT_SERVICE_RESPONSE_NOT_SUPPORTED
	}
}

// connectStorageDevice loads the device config and runs the connect-time
// orchestration: block mode coupling and log-level raising.
func (d *Daemon) connectStorageDevice(mountPoint string) error {
	if d.cfg.OfflineLogstorageMaxDevices <= 0 {
		return newError("logstorage connect", CodeInvalidInput, nil)
	}
	dev, ok := d.devices[mountPoint]
	if !ok {
		if len(d.devices) >= d.cfg.OfflineLogstorageMaxDevices {
			logging.Warnf("logstorage device limit (%d) reached", d.cfg.OfflineLogstorageMaxDevices)
			return newError("logstorage connect", CodeInvalidInput, nil)
		}
		dev = logstorage.New(mountPoint, d.uconfig, d.cacheAcc)
		if d.storageFs != nil {
			dev.Fs = d.storageFs
		}
		dev.Now = d.clock.Now
		d.devices[mountPoint] = dev
		d.deviceOrder = append(d.deviceOrder, mountPoint)
	}
	if dev.ConnectionType == logstorage.DeviceConnected {
		return nil
	}
	if err := dev.Connect(); err != nil {
		return err
	}
	d.metrics.ConnectedDevices.Inc()

	if dev.MaintainLogstorageLogLevel != logstorage.OptionUnset {
		d.maintainLogstorageLogLevel = dev.MaintainLogstorageLogLevel == 1
	}
	d.registry.Defaults.MaintainLogstorageLogLevel = d.maintainLogstorageLogLevel

	// device-requested block mode broadcast
	if d.cfg.AllowBlockMode && dev.BlockMode != logstorage.OptionUnset {
		if err := d.registry.UpdateBlockMode(registry.BlockModeAll, dev.BlockMode); err == nil {
			d.blockMode = dev.BlockMode
		}
	}

	if d.maintainLogstorageLogLevel {
		d.applyDeviceLogLevels(dev)
	}

	// a connected device consumes while no client is attached
	if d.state == StateBuffer || d.state == StateBufferFull {
		d.changeState(StateSendDirect)
	}
	return nil
}

// disconnectStorageDevice syncs, resets the storage levels it imposed, and
// re-evaluates the remaining devices so their union stays correct.
func (d *Daemon) disconnectStorageDevice(mountPoint string, reason logstorage.DisconnectReason) error {
	dev, ok := d.devices[mountPoint]
	if !ok || dev.ConnectionType != logstorage.DeviceConnected {
		return newError("logstorage disconnect", CodeInvalidInput, nil)
	}

	if d.maintainLogstorageLogLevel {
		d.resetDeviceLogLevels(dev)
	}
	err := dev.Disconnect(reason)
	d.metrics.ConnectedDevices.Dec()

	if d.maintainLogstorageLogLevel {
		for _, other := range d.devices {
			if other.ConnectionType == logstorage.DeviceConnected {
				d.applyDeviceLogLevels(other)
			}
		}
	}

	// block mode resets once neither clients nor devices consume
	if d.cfg.AllowBlockMode && d.events.CountByType(clientMask) == 0 {
		_ = d.registry.UpdateBlockMode(registry.BlockModeAll, protocol.MCT_MODE_NON_BLOCKING)
		d.blockMode = protocol.MCT_MODE_NON_BLOCKING
	}
	if d.events.CountByType(clientMask) == 0 && !d.offlineTraceRunning() {
		d.changeState(StateBuffer)
	}
	return err
}

// applyDeviceLogLevels raises the storage level of every context matched
// by the device's filter keys and pushes the result to producers.
func (d *Daemon) applyDeviceLogLevels(dev *logstorage.LogStorage) {
	for _, keyStr := range dev.Keys() {
		key, err := logstorage.ParseKey(keyStr)
		if err != nil {
			continue
		}
		maxLevel := protocol.MCT_LOG_DEFAULT
		for _, f := range dev.FiltersForKey(keyStr) {
			if f.LogLevel > maxLevel {
				maxLevel = f.LogLevel
			}
		}
		if maxLevel == protocol.MCT_LOG_DEFAULT {
			continue
		}
		d.eachContextMatchingKey(key, func(ctx *registry.Context) {
			if maxLevel > ctx.StorageLogLevel {
				ctx.StorageLogLevel = maxLevel
				_ = d.registry.SendLogLevel(ctx)
			}
		})
	}
}

// resetDeviceLogLevels drops the storage level of every context the device
// touched back to DEFAULT and pushes the change.
func (d *Daemon) resetDeviceLogLevels(dev *logstorage.LogStorage) {
	for _, keyStr := range dev.Keys() {
		key, err := logstorage.ParseKey(keyStr)
		if err != nil {
			continue
		}
		d.eachContextMatchingKey(key, func(ctx *registry.Context) {
			if ctx.StorageLogLevel == protocol.MCT_LOG_DEFAULT {
				return
			}
			ctx.StorageLogLevel = protocol.MCT_LOG_DEFAULT
			_ = d.registry.SendLogLevel(ctx)
		})
	}
}

// applyStorageLogLevel evaluates every connected device against one
// freshly registered context.
func (d *Daemon) applyStorageLogLevel(ctx *registry.Context) {
	if !d.maintainLogstorageLogLevel {
		return
	}
	ecu := d.registry.Ecu.String()
	for _, dev := range d.devices {
		if dev.ConnectionType != logstorage.DeviceConnected {
			continue
		}
		for _, f := range dev.GetConfigs(ctx.Apid.String(), ctx.Ctid.String(), ecu) {
			if f.LogLevel > ctx.StorageLogLevel {
				ctx.StorageLogLevel = f.LogLevel
			}
		}
	}
}

// eachContextMatchingKey resolves a filter key against the registry. An
// absent component is a wildcard on that dimension; the ECU component must
// match the daemon's own ECU when present.
func (d *Daemon) eachContextMatchingKey(key logstorage.Key, fn func(*registry.Context)) {
	if key.Ecu != "" && protocol.MakeID(key.Ecu) != d.registry.Ecu {
		return
	}
	list := d.registry.FindUserList(d.registry.Ecu)
	if list == nil {
		return
	}
	list.EachContext(func(_ *registry.Application, ctx *registry.Context) bool {
		if key.Apid != "" && protocol.MakeID(key.Apid) != ctx.Apid {
			return true
		}
		if key.Ctid != "" && protocol.MakeID(key.Ctid) != ctx.Ctid {
			return true
		}
		fn(ctx)
		return true
	})
}

// storageWrite hands one log message to every connected device. Returns
// whether any filter stored it and whether a DisableNetwork filter on the
// first device vetoed the network copy.
func (d *Daemon) storageWrite(msg *protocol.Message) (stored, networkDisabled bool) {
	if len(d.devices) == 0 {
		return false, false
	}
	apid := msg.Apid().String()
	ctid := msg.Ctid().String()
	ecu := msg.Extra.Ecu.String()
	if ecu == "" {
		ecu = d.registry.Ecu.String()
	}

	level := protocol.MCT_LOG_OFF
	verbose := false
	if msg.Extended != nil {
		verbose = msg.Extended.Verbose()
		if msg.Extended.MessageType() == protocol.MCT_TYPE_LOG {
			level = protocol.LogLevel(msg.Extended.MessageTypeInfo())
		}
	}

	storageHeader := protocol.MarshalStorageHeader(&msg.Storage)
	wireHeader := msg.WireHeaderBytes()

	first := true
	for _, mount := range d.deviceOrder {
		dev := d.devices[mount]
		if dev == nil || dev.ConnectionType != logstorage.DeviceConnected {
			continue
		}
		res, err := dev.WriteMessage(apid, ctid, ecu, level, verbose,
			storageHeader, wireHeader, msg.Payload)
		if err != nil {
			d.metrics.StorageErrors.Inc()
			logging.Warnf("logstorage write on %s: %v", dev.DeviceMountPoint, err)
			if dev.WriteErrors+dev.PrepareErrors >= logstorage.MaxErrors {
				logging.Errorf("disconnecting %s after repeated errors", dev.DeviceMountPoint)
				_ = d.disconnectStorageDevice(dev.DeviceMountPoint, logstorage.ReasonUnknown)
			}
			continue
		}
		if res.Stored {
			stored = true
		}
		// DisableNetwork is honored on the first (index 0) device only;
		// elsewhere it stays a logged warning
		if res.DisableNetwork {
			if first {
				networkDisabled = true
			} else {
				logging.Warnf("DisableNetwork on secondary device %s ignored", dev.DeviceMountPoint)
			}
		}
		first = false
	}
	return stored, networkDisabled
}
