// Package manager implements the single-goroutine actor that owns every
// adapter and device's lifecycle state and drives AAP session establishment,
// per §4.G.
package manager

import (
	"context"
	"sort"
	"sync"
	"time"

	"airpodsd/internal/apperr"
	"airpodsd/internal/bluez"
	"airpodsd/internal/config"
	"airpodsd/internal/device"
	"airpodsd/internal/eventbus"
	"airpodsd/internal/l2cap"
	"airpodsd/internal/protocol"
	"airpodsd/internal/recognition"
	"airpodsd/internal/retry"
	"airpodsd/internal/study"
	"airpodsd/internal/tracker"
)

// aapEstablishTimeout bounds how long one AAP connection attempt may run
// before it is abandoned, per §4.G.
const aapEstablishTimeout = 30 * time.Second

const (
	reconcileInterval = 5 * time.Second
	adapterScanInterval = 10 * time.Second
	deviceTickInterval  = 10 * time.Second
)

const inboxCapacity = 1000

// bluezWatcher is the subset of *bluez.Watcher the manager polls on its
// tickers; satisfied by a fake in tests so they never touch D-Bus.
type bluezWatcher interface {
	Adapters() ([]bluez.AdapterInfo, error)
	Devices() ([]bluez.DeviceInfo, error)
}

// Manager is the actor described in §4.G. Construct with New and drive it
// with Run from its own goroutine; every other method is safe to call
// concurrently and communicates with the actor over its inbox.
type Manager struct {
	cfg        config.Config
	bus        eventbus.Bus
	studyStore *study.Store
	watcher    bluezWatcher
	log        device.Logger

	inbox    chan any
	loopback chan any

	adapters      map[string]*adapterEntry
	devices       map[string]*deviceEntry
	aapConnecting map[string]bool

	rootCtx context.Context
	wg      sync.WaitGroup
}

// New builds a manager. studyStore may be nil (battery-study persistence is
// then skipped, e.g. in tests).
func New(cfg config.Config, bus eventbus.Bus, studyStore *study.Store, watcher bluezWatcher, log device.Logger) *Manager {
	if log == nil {
		log = nopLogger{}
	}
	return &Manager{
		cfg:           cfg,
		bus:           bus,
		studyStore:    studyStore,
		watcher:       watcher,
		log:           log,
		inbox:         make(chan any, inboxCapacity),
		loopback:      make(chan any, inboxCapacity),
		adapters:      make(map[string]*adapterEntry),
		devices:       make(map[string]*deviceEntry),
		aapConnecting: make(map[string]bool),
	}
}

type nopLogger struct{}

func (nopLogger) Debugf(string, ...any) {}
func (nopLogger) Warnf(string, ...any)  {}
func (nopLogger) Errorf(string, ...any) {}

// Run drives the actor loop until ctx is cancelled, then tears down every
// active AAP session and returns.
func (m *Manager) Run(ctx context.Context) {
	m.rootCtx = ctx

	m.scanAdapters(ctx)
	m.reconcile(ctx)

	reconcileTicker := time.NewTicker(reconcileInterval)
	adapterTicker := time.NewTicker(adapterScanInterval)
	deviceTicker := time.NewTicker(deviceTickInterval)
	defer reconcileTicker.Stop()
	defer adapterTicker.Stop()
	defer deviceTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return
		case cmd := <-m.inbox:
			m.handle(ctx, cmd)
		case cmd := <-m.loopback:
			m.handle(ctx, cmd)
		case <-reconcileTicker.C:
			m.reconcile(ctx)
		case <-adapterTicker.C:
			m.scanAdapters(ctx)
		case <-deviceTicker.C:
			m.tickDevices()
		}
	}
}

func (m *Manager) shutdown() {
	for _, entry := range m.devices {
		if entry.aapCancel != nil {
			entry.aapCancel()
		}
		entry.device.Close()
	}
	m.wg.Wait()
}

// post loops a command back to the actor from one of its own goroutines,
// dropping it (with a warning) if the actor has fallen behind.
func (m *Manager) post(cmd any) {
	select {
	case m.loopback <- cmd:
	default:
		m.log.Warnf("manager: loopback inbox full, dropping %T", cmd)
	}
}

func (m *Manager) handle(ctx context.Context, cmd any) {
	switch c := cmd.(type) {
	case cmdAdapterAvailable:
		m.onAdapterAvailable(ctx, c.name)
	case cmdAdapterLost:
		m.onAdapterLost(c.name)
	case cmdAdapterError:
		m.onAdapterError(c.name, c.msg)
	case cmdDeviceDiscovered:
		m.onDeviceDiscovered(ctx, c.info, c.adapter)
	case cmdBluetoothConnected:
		m.onBluetoothConnected(ctx, c.addr)
	case cmdBluetoothDisconnected:
		m.onBluetoothDisconnected(c.addr)
	case cmdAAPConnected:
		m.onAAPConnected(c.addr)
	case cmdAAPDisconnected:
		m.onAAPDisconnected(c.addr, c.isError)
	case cmdDeviceLost:
		m.onDeviceLost(c.addr)
	case cmdAdapterRecoveryTick:
		m.onAdapterRecoveryTick(ctx, c.name)
	case cmdAAPRetryTick:
		m.establishAAP(ctx, c.addr)
	case cmdEstablishAAP:
		c.reply <- m.establishAAP(ctx, c.addr)
	case cmdDisconnectAAP:
		c.reply <- m.disconnectAAP(c.addr)
	case cmdGetDeviceState:
		state, err := m.getDeviceState(c.addr)
		c.reply <- getDeviceStateResult{state: state, err: err}
	case cmdGetAllDeviceStates:
		c.reply <- m.getAllDeviceStates()
	case cmdCountDevices:
		c.reply <- len(m.devices)
	case cmdLookupDevice:
		c.reply <- m.lookupDevice(c.addr)
	default:
		m.log.Warnf("manager: unknown command %T", cmd)
	}
}

// --- Adapter lifecycle -----------------------------------------------------

func (m *Manager) adapterOrNew(name string) *adapterEntry {
	entry, ok := m.adapters[name]
	if !ok {
		entry = &adapterEntry{}
		m.adapters[name] = entry
	}
	return entry
}

func (m *Manager) onAdapterAvailable(ctx context.Context, name string) {
	entry := m.adapterOrNew(name)
	entry.state = AdapterActive
	entry.failMsg = ""
	entry.retryCount = 0
	entry.backoff = nil

	m.rescanDevicesOnAdapter(ctx, name)

	for addr, d := range m.devices {
		if d.adapterName != name {
			continue
		}
		if d.aapState == AAPFailed || d.aapState == AAPDisconnected || d.aapState == AAPWaitingToReconnect {
			m.establishAAP(ctx, addr)
		}
	}
}

func (m *Manager) onAdapterLost(name string) {
	entry := m.adapterOrNew(name)
	entry.state = AdapterLost

	for addr, d := range m.devices {
		if d.adapterName != name {
			continue
		}
		if d.aapCancel != nil {
			d.aapCancel()
			d.aapCancel = nil
		}
		d.device.Close()
		delete(m.aapConnecting, addr)
		d.aapState = AAPFailed
		d.lastError = apperr.ErrAdapterNotAvailable
		m.bus.Emit(addr, eventbus.Event{Kind: eventbus.DeviceError, Err: apperr.ErrAdapterNotAvailable})
	}

	m.scheduleAdapterRecovery(name)
}

func (m *Manager) onAdapterError(name, msg string) {
	entry := m.adapterOrNew(name)
	entry.state = AdapterFailed
	entry.failMsg = msg
}

func (m *Manager) scheduleAdapterRecovery(name string) {
	entry := m.adapterOrNew(name)
	if entry.backoff == nil {
		entry.backoff = retry.New()
	}
	delay := entry.backoff.NextBackOff()
	entry.retryCount++
	time.AfterFunc(delay, func() { m.post(cmdAdapterRecoveryTick{name: name}) })
}

func (m *Manager) onAdapterRecoveryTick(ctx context.Context, name string) {
	entry, ok := m.adapters[name]
	if !ok || entry.state == AdapterActive {
		return
	}
	present, err := m.adapterPresent(name)
	if err != nil {
		m.log.Warnf("manager: checking adapter %s presence: %v", name, err)
	}
	if present {
		m.onAdapterAvailable(ctx, name)
		return
	}
	m.scheduleAdapterRecovery(name)
}

func (m *Manager) adapterPresent(name string) (bool, error) {
	infos, err := m.watcher.Adapters()
	if err != nil {
		return false, err
	}
	for _, info := range infos {
		if info.Name == name && info.Powered {
			return true, nil
		}
	}
	return false, nil
}

// --- Device discovery and transport-level state ----------------------------

func (m *Manager) onDeviceDiscovered(ctx context.Context, info bluez.DeviceInfo, adapterName string) {
	addr := info.Address
	if _, exists := m.devices[addr]; exists {
		return
	}
	if !info.Connected {
		return
	}
	if !recognition.Matches(info.RecognitionSignal()) {
		return
	}

	addrBytes, err := l2cap.ParseMACAddress(addr)
	if err != nil {
		m.log.Warnf("manager: bad address %s: %v", addr, err)
		return
	}

	displayName := info.Alias
	if displayName == "" {
		displayName = info.Name
	}
	if known, ok := m.cfg.DeviceName(addr); ok {
		displayName = known
	}

	var store tracker.Store
	if m.studyStore != nil {
		store = m.studyStore
	}
	trk := tracker.New(store)
	dev := device.New(addrBytes, addr, trk, m.log)
	dev.SetName(displayName)

	m.devices[addr] = &deviceEntry{
		device:         dev,
		bluetoothState: BluetoothConnected,
		aapState:       AAPDisconnected,
		adapterName:    adapterName,
	}

	if m.studyStore != nil {
		if _, err := m.studyStore.GetOrCreate(addrBytes, displayName); err != nil {
			m.log.Warnf("manager: study get-or-create for %s: %v", addr, err)
		}
	}

	m.establishAAP(ctx, addr)
}

func (m *Manager) onBluetoothConnected(ctx context.Context, addr string) {
	entry, ok := m.devices[addr]
	if !ok {
		return
	}
	entry.bluetoothState = BluetoothConnected
	m.establishAAP(ctx, addr)
}

func (m *Manager) onBluetoothDisconnected(addr string) {
	entry, ok := m.devices[addr]
	if !ok {
		return
	}
	entry.bluetoothState = BluetoothDisconnected
	if entry.aapCancel != nil {
		entry.aapCancel()
		entry.aapCancel = nil
	}
	delete(m.aapConnecting, addr)
	entry.aapState = AAPDisconnected
	entry.device.Close()
}

func (m *Manager) onDeviceLost(addr string) {
	entry, ok := m.devices[addr]
	if !ok {
		return
	}
	if entry.aapCancel != nil {
		entry.aapCancel()
	}
	// Closing a live session makes the device's own teardown emit the single
	// DeviceDisconnected for this edge.
	entry.device.Close()
	delete(m.devices, addr)
	delete(m.aapConnecting, addr)
}

// --- AAP session lifecycle ---------------------------------------------

func (m *Manager) onAAPConnected(addr string) {
	entry, ok := m.devices[addr]
	if !ok {
		return
	}
	entry.aapState = AAPConnected
	entry.retryCount = 0
	entry.backoff = nil
	delete(m.aapConnecting, addr)

	if m.studyStore != nil {
		if err := m.studyStore.IncrementSession(entry.device.Addr); err != nil {
			m.log.Warnf("manager: incrementing session for %s: %v", addr, err)
		}
	}
}

func (m *Manager) onAAPDisconnected(addr string, isError bool) {
	entry, ok := m.devices[addr]
	if !ok {
		return
	}
	delete(m.aapConnecting, addr)
	entry.aapCancel = nil

	if isError && entry.bluetoothState == BluetoothConnected {
		entry.aapState = AAPWaitingToReconnect
		m.scheduleAAPRetry(addr)
		return
	}
	entry.aapState = AAPDisconnected
}

func (m *Manager) scheduleAAPRetry(addr string) {
	entry, ok := m.devices[addr]
	if !ok {
		return
	}
	if entry.backoff == nil {
		entry.backoff = retry.New()
	}
	delay := entry.backoff.NextBackOff()
	entry.retryCount++
	time.AfterFunc(delay, func() { m.post(cmdAAPRetryTick{addr: addr}) })
}

// establishAAP validates preconditions and, on success, spawns the goroutine
// that drives one connection attempt, per §4.G. It returns immediately once
// the attempt is scheduled; it does not wait for the session to come up.
func (m *Manager) establishAAP(ctx context.Context, addr string) error {
	entry, ok := m.devices[addr]
	if !ok {
		return apperr.NewDeviceNotFound(addr)
	}
	if m.aapConnecting[addr] {
		return apperr.ErrAlreadyConnecting
	}
	if entry.bluetoothState != BluetoothConnected {
		return apperr.ErrDeviceNotConnected
	}
	adapter, ok := m.adapters[entry.adapterName]
	if !ok || adapter.state != AdapterActive {
		return apperr.ErrAdapterNotAvailable
	}

	paired, err := m.isPaired(addr)
	if err != nil {
		m.log.Warnf("manager: checking paired state for %s: %v", addr, err)
	} else if !paired {
		return apperr.ErrDeviceNotPaired
	}

	m.aapConnecting[addr] = true
	entry.aapState = AAPConnecting

	sessionCtx, cancel := context.WithCancel(m.rootCtx)
	entry.aapCancel = cancel
	dev := entry.device
	bus := m.bus

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		connectCtx, connectCancel := context.WithTimeout(sessionCtx, aapEstablishTimeout)
		defer connectCancel()

		handle, err := dev.Connect(connectCtx, bus)
		if err != nil {
			m.post(cmdAAPDisconnected{addr: addr, isError: true})
			return
		}
		m.post(cmdAAPConnected{addr: addr})

		sessionErr := <-handle.Done
		m.post(cmdAAPDisconnected{addr: addr, isError: sessionErr != nil})
	}()

	return nil
}

func (m *Manager) disconnectAAP(addr string) error {
	entry, ok := m.devices[addr]
	if !ok {
		return apperr.NewDeviceNotFound(addr)
	}
	if entry.aapCancel != nil {
		entry.aapCancel()
		entry.aapCancel = nil
	}
	entry.device.Close()
	delete(m.aapConnecting, addr)
	entry.aapState = AAPDisconnected
	return nil
}

func (m *Manager) isPaired(addr string) (bool, error) {
	infos, err := m.watcher.Devices()
	if err != nil {
		return false, err
	}
	for _, info := range infos {
		if info.Address == addr {
			return info.Paired, nil
		}
	}
	return false, nil
}

// --- Periodic tasks ---------------------------------------------------

func (m *Manager) reconcile(ctx context.Context) {
	infos, err := m.watcher.Devices()
	if err != nil {
		m.log.Warnf("manager: reconcile: listing devices: %v", err)
		return
	}
	byAddr := make(map[string]bluez.DeviceInfo, len(infos))
	for _, info := range infos {
		byAddr[info.Address] = info
	}

	for addr, entry := range m.devices {
		info, present := byAddr[addr]
		wantConnected := present && info.Connected
		switch {
		case wantConnected && entry.bluetoothState != BluetoothConnected:
			m.onBluetoothConnected(ctx, addr)
		case !wantConnected && entry.bluetoothState == BluetoothConnected:
			m.onBluetoothDisconnected(addr)
		}
	}

	for _, info := range infos {
		if !info.Connected {
			continue
		}
		if _, known := m.devices[info.Address]; known {
			continue
		}
		if !recognition.Matches(info.RecognitionSignal()) {
			continue
		}
		m.onDeviceDiscovered(ctx, info, info.AdapterName)
	}
}

func (m *Manager) rescanDevicesOnAdapter(ctx context.Context, adapterName string) {
	infos, err := m.watcher.Devices()
	if err != nil {
		m.log.Warnf("manager: rescanning adapter %s: %v", adapterName, err)
		return
	}
	for _, info := range infos {
		if info.AdapterName != adapterName {
			continue
		}
		if _, known := m.devices[info.Address]; known {
			continue
		}
		m.onDeviceDiscovered(ctx, info, adapterName)
	}
}

func (m *Manager) scanAdapters(ctx context.Context) {
	infos, err := m.watcher.Adapters()
	if err != nil {
		m.log.Warnf("manager: scanning adapters: %v", err)
		return
	}
	seen := make(map[string]bool, len(infos))
	for _, info := range infos {
		seen[info.Name] = true
		if !info.Powered {
			continue
		}
		entry, existed := m.adapters[info.Name]
		if !existed || entry.state != AdapterActive {
			m.onAdapterAvailable(ctx, info.Name)
		}
	}
	for name, entry := range m.adapters {
		if !seen[name] && entry.state == AdapterActive {
			m.onAdapterLost(name)
		}
	}
}

func (m *Manager) tickDevices() {
	for _, entry := range m.devices {
		entry.device.Tick()
	}
}

// --- State queries -------------------------------------------------------

func (m *Manager) deviceState(addr string, entry *deviceEntry) DeviceState {
	battery, hasBattery := entry.device.Battery()
	noise, hasNoise := entry.device.NoiseMode()
	ear, hasEar := entry.device.EarDetection()
	ttl, hasTTL := entry.device.EstimateTTL()
	return DeviceState{
		Address:        addr,
		Name:           entry.device.Name(),
		Connected:      entry.device.Connected(),
		Battery:        battery,
		HasBattery:     hasBattery,
		NoiseMode:      noise,
		HasNoiseMode:   hasNoise,
		Ear:            ear,
		HasEar:         hasEar,
		TTLMinutes:     ttl,
		HasTTL:         hasTTL,
		BluetoothState: entry.bluetoothState,
		AAPState:       entry.aapState,
		LastError:      entry.lastError,
	}
}

func (m *Manager) getDeviceState(addr string) (DeviceState, error) {
	entry, ok := m.devices[addr]
	if !ok {
		return DeviceState{}, apperr.NewDeviceNotFound(addr)
	}
	return m.deviceState(addr, entry), nil
}

func (m *Manager) getAllDeviceStates() []DeviceState {
	out := make([]DeviceState, 0, len(m.devices))
	for addr, entry := range m.devices {
		out = append(out, m.deviceState(addr, entry))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

func (m *Manager) lookupDevice(addr string) *device.Device {
	entry, ok := m.devices[addr]
	if !ok {
		return nil
	}
	return entry.device
}

// --- External control surface, per §6 -------------------------------------

// ListDevices returns a snapshot of every recognized device's state.
func (m *Manager) ListDevices() []DeviceState {
	reply := make(chan []DeviceState, 1)
	m.inbox <- cmdGetAllDeviceStates{reply: reply}
	return <-reply
}

// GetDevice returns one device's state, or a DeviceNotFoundError.
func (m *Manager) GetDevice(addr string) (DeviceState, error) {
	reply := make(chan getDeviceStateResult, 1)
	m.inbox <- cmdGetDeviceState{addr: addr, reply: reply}
	res := <-reply
	return res.state, res.err
}

// CountDevices returns the number of recognized devices.
func (m *Manager) CountDevices() int {
	reply := make(chan int, 1)
	m.inbox <- cmdCountDevices{reply: reply}
	return <-reply
}

// EstablishAAP requests the actor attempt to bring up an AAP session for
// addr. It returns once the attempt is scheduled or rejected, not once the
// session is up; see ListDevices/GetDevice for the outcome.
func (m *Manager) EstablishAAP(addr string) error {
	reply := make(chan error, 1)
	m.inbox <- cmdEstablishAAP{addr: addr, reply: reply}
	return <-reply
}

// DisconnectAAP tears down addr's AAP session, if any.
func (m *Manager) DisconnectAAP(addr string) error {
	reply := make(chan error, 1)
	m.inbox <- cmdDisconnectAAP{addr: addr, reply: reply}
	return <-reply
}

// Passthrough sends an already-framed raw packet to addr's active session.
func (m *Manager) Passthrough(addr string, raw []byte) error {
	dev, err := m.device(addr)
	if err != nil {
		return err
	}
	return dev.Passthrough(raw)
}

// SetNoiseControl parses mode (one of off/nc/trans|transparency/adapt|adaptive)
// and sends it to addr's active session.
func (m *Manager) SetNoiseControl(addr, mode string) error {
	dev, err := m.device(addr)
	if err != nil {
		return err
	}
	parsed, ok := protocol.ParseNoiseControlMode(mode)
	if !ok {
		return apperr.NewFeatureNotSupported("noise mode " + mode)
	}
	return dev.SetNoiseControl(parsed)
}

// SetFeature enables or disables a named feature (per protocol.FeatureIDFromName)
// on addr's active session.
func (m *Manager) SetFeature(addr, name string, enabled bool) error {
	dev, err := m.device(addr)
	if err != nil {
		return err
	}
	id, ok := protocol.FeatureIDFromName(name)
	if !ok {
		return apperr.NewFeatureNotSupported(name)
	}
	return dev.SetFeature(id, enabled)
}

func (m *Manager) device(addr string) (*device.Device, error) {
	reply := make(chan *device.Device, 1)
	m.inbox <- cmdLookupDevice{addr: addr, reply: reply}
	dev := <-reply
	if dev == nil {
		return nil, apperr.NewDeviceNotFound(addr)
	}
	return dev, nil
}
