// Package device implements the per-AirPods aggregate: identity, atomic
// state slots, the feature bitmap, the connection slot, and the handshake /
// packet-dispatch state machine that drives them.
package device

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"airpodsd/internal/apperr"
	"airpodsd/internal/eventbus"
	"airpodsd/internal/l2cap"
	"airpodsd/internal/protocol"
	"airpodsd/internal/tracker"
)

// handshakeAckTimeout and featuresAckTimeout bound how long Connect waits for
// each ACK before warning and moving on, per §4.F step 3/4.
const (
	handshakeAckTimeout = 5 * time.Second
	featuresAckTimeout  = 5 * time.Second
)

// retrySchedule is the request-notify re-send schedule after the initial 1s
// delay, per §4.F step 6.
var retrySchedule = []time.Duration{2 * time.Second, 3 * time.Second, 5 * time.Second, 10 * time.Second}

// dial opens the L2CAP channel a session runs over; overridable in tests so
// Connect can be driven against a synthetic in-memory transport.
var dial = l2cap.Dial

// Logger is the minimal structured-logging surface device depends on,
// satisfied by a zerolog.Logger's Debug/Warn/Error chains in the real build.
type Logger interface {
	Debugf(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debugf(string, ...any) {}
func (nopLogger) Warnf(string, ...any)  {}
func (nopLogger) Errorf(string, ...any) {}

// connectionSlot owns one live L2CAP session and the task group backing it.
type connectionSlot struct {
	channel *l2cap.Channel
	cancel  context.CancelFunc
	group   *errgroup.Group
	done    chan error
}

// SessionHandle lets the manager await the outcome of one AAP session.
type SessionHandle struct {
	Done <-chan error
}

// Device is the thread-safe per-AirPods aggregate described in §4.F.
type Device struct {
	Addr       [6]byte
	AddrString string

	log Logger

	connected atomic.Bool

	battery atomic.Pointer[protocol.BatteryInfo]
	noise   atomic.Uint32
	ear     atomic.Uint32

	features featureBitmap

	nameMu sync.RWMutex
	name   string

	tracker *tracker.Tracker

	connMu sync.Mutex
	conn   *connectionSlot
}

// New builds a device for addr (used as the study-store key and for
// recognition) with its human-readable colon-separated MAC addrString (used
// to dial L2CAP).
func New(addr [6]byte, addrString string, trk *tracker.Tracker, log Logger) *Device {
	if log == nil {
		log = nopLogger{}
	}
	return &Device{
		Addr:       addr,
		AddrString: addrString,
		tracker:    trk,
		log:        log,
	}
}

// Connected reports whether a live session is attached.
func (d *Device) Connected() bool { return d.connected.Load() }

// Name returns the current display name.
func (d *Device) Name() string {
	d.nameMu.RLock()
	defer d.nameMu.RUnlock()
	return d.name
}

// SetName updates the display name if it changed.
func (d *Device) SetName(name string) bool {
	d.nameMu.Lock()
	defer d.nameMu.Unlock()
	if d.name == name {
		return false
	}
	d.name = name
	return true
}

// Battery returns the last known battery info, if any.
func (d *Device) Battery() (protocol.BatteryInfo, bool) {
	return loadAtomic(&d.battery)
}

// NoiseMode returns the last known noise-control mode, if any.
func (d *Device) NoiseMode() (protocol.NoiseControlMode, bool) {
	v := d.noise.Load()
	if v == 0 {
		return 0, false
	}
	return protocol.NoiseControlMode(v), true
}

// EarDetection returns the last known ear-detection status, if any.
func (d *Device) EarDetection() (protocol.EarDetectionStatus, bool) {
	v := d.ear.Load()
	if v == 0 {
		return protocol.EarDetectionStatus{}, false
	}
	return protocol.EarDetectionFromRaw(uint8(v)), true
}

// Features exposes the enabled/present bitmap words.
func (d *Device) Features() (enabled, present [4]uint64) {
	return d.features.Snapshot()
}

// Connect tears down any prior session, opens a fresh L2CAP channel,
// performs the handshake sequence, and spawns the retry and packet-processor
// tasks, per §4.F. The packet reader starts before the handshake is sent so
// that the handshake/features ACK hooks have a chance to fire within their
// timeout instead of always waiting it out.
func (d *Device) Connect(ctx context.Context, bus eventbus.Bus) (*SessionHandle, error) {
	d.dropConnection()

	channel, err := dial(ctx, d.AddrString)
	if err != nil {
		return nil, err
	}

	sessionCtx, cancel := context.WithCancel(context.Background())
	group, groupCtx := errgroup.WithContext(sessionCtx)

	handshakeAck, cancelHandshakeHook := channel.WaitOnce(protocol.HeaderAckHandshake)
	featuresAck, cancelFeaturesHook := channel.WaitOnce(protocol.HeaderAckFeatures)
	defer cancelHandshakeHook()
	defer cancelFeaturesHook()

	slot := &connectionSlot{channel: channel, cancel: cancel, group: group, done: make(chan error, 1)}
	var everConnected atomic.Bool

	readDone := make(chan error, 1)
	go func() { readDone <- d.processPackets(groupCtx, channel, bus) }()

	abort := func(err error) (*SessionHandle, error) {
		cancel()
		channel.Close()
		<-readDone
		return nil, err
	}

	if err := channel.SendHandshake(); err != nil {
		return abort(err)
	}
	select {
	case <-handshakeAck:
	case <-time.After(handshakeAckTimeout):
		d.log.Warnf("device %s: handshake ACK timed out, continuing", d.AddrString)
	case <-groupCtx.Done():
	}

	if err := channel.SendSetFeatures(); err != nil {
		return abort(err)
	}
	select {
	case <-featuresAck:
	case <-time.After(featuresAckTimeout):
		d.log.Warnf("device %s: features ACK timed out, continuing", d.AddrString)
	case <-groupCtx.Done():
	}

	if err := channel.SendRequestNotify(); err != nil {
		return abort(err)
	}

	group.Go(func() error {
		return d.retryNotify(groupCtx, channel)
	})

	d.connMu.Lock()
	d.conn = slot
	d.connMu.Unlock()

	d.connected.Store(true)
	everConnected.Store(true)
	bus.Emit(d.AddrString, eventbus.Event{Kind: eventbus.DeviceConnected})

	go func() {
		err := <-readDone
		cancel()
		_ = group.Wait()
		channel.Close()

		d.connMu.Lock()
		if d.conn == slot {
			d.conn = nil
		}
		d.connMu.Unlock()
		d.connected.Store(false)

		slot.done <- err
		close(slot.done)

		if everConnected.Load() {
			bus.Emit(d.AddrString, eventbus.Event{Kind: eventbus.DeviceDisconnected, Err: err})
		}
	}()

	return &SessionHandle{Done: slot.done}, nil
}

func (d *Device) retryNotify(ctx context.Context, channel *l2cap.Channel) error {
	timer := time.NewTimer(1 * time.Second)
	defer timer.Stop()

	schedule := retrySchedule
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			if _, ok := d.Battery(); ok {
				return nil
			}
			if err := channel.SendRequestNotify(); err != nil {
				return err
			}
			if len(schedule) == 0 {
				return nil
			}
			timer.Reset(schedule[0])
			schedule = schedule[1:]
		}
	}
}

func (d *Device) processPackets(ctx context.Context, channel *l2cap.Channel, bus eventbus.Bus) error {
	for {
		packet, err := channel.ReadPacket()
		if err != nil {
			return err
		}
		d.dispatch(packet, bus)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// dispatch prefix-matches one inbound packet and routes it to the
// appropriate parser and state update, per §4.F "Dispatcher".
func (d *Device) dispatch(packet []byte, bus eventbus.Bus) {
	switch {
	case bytes.HasPrefix(packet, protocol.HeaderBatteryState):
		d.handleBattery(packet, bus)
	case bytes.HasPrefix(packet, protocol.HeaderNoiseControl):
		d.handleNoise(packet, bus)
	case bytes.HasPrefix(packet, protocol.HeaderEarDetection):
		d.handleEar(packet, bus)
	case bytes.HasPrefix(packet, protocol.HeaderMetadata):
		d.handleMetadata(packet, bus)
	case bytes.HasPrefix(packet, protocol.HeaderAckHandshake):
		// Consumed by the one-shot hook installed in Connect.
	case bytes.HasPrefix(packet, protocol.HeaderAckFeatures):
		// Consumed by the one-shot hook installed in Connect.
	case bytes.HasPrefix(packet, protocol.HeaderCommandCtl):
		d.handleFeatureCmd(packet)
	default:
		if len(packet) > 16 {
			d.log.Debugf("device %s: unrecognized packet (%d bytes): % x...", d.AddrString, len(packet), packet[:16])
		} else {
			d.log.Debugf("device %s: unrecognized packet: % x", d.AddrString, packet)
		}
	}
}

func (d *Device) handleBattery(packet []byte, bus eventbus.Bus) {
	records, err := protocol.ParseBatteryStatus(packet, func(msg string) { d.log.Warnf("device %s: %s", d.AddrString, msg) })
	if err != nil {
		d.log.Warnf("device %s: battery parse error: %v", d.AddrString, err)
		return
	}
	if len(records) == 0 {
		return
	}

	prev, _ := d.Battery()
	next := prev
	for _, rec := range records {
		switch rec.Component {
		case protocol.ComponentLeft:
			next.Left = rec.State
		case protocol.ComponentRight:
			next.Right = rec.State
		case protocol.ComponentCase:
			next.Case = rec.State
		case protocol.ComponentHeadphone:
			next.Headphone = rec.State
		}
	}

	op := applyAtomic(&d.battery, next)
	if op.Kind != Noop {
		bus.Emit(d.AddrString, eventbus.Event{Kind: eventbus.BatteryUpdated, Battery: next})
	}
	d.tracker.Record(time.Now(), next.Left, next.Right)
}

func (d *Device) handleNoise(packet []byte, bus eventbus.Bus) {
	mode, err := protocol.ParseNoiseMode(packet)
	if err != nil {
		d.log.Warnf("device %s: noise parse error: %v", d.AddrString, err)
		return
	}
	if d.noise.Swap(uint32(mode)) != uint32(mode) {
		bus.Emit(d.AddrString, eventbus.Event{Kind: eventbus.NoiseControlChanged, Noise: mode})
	}
}

func (d *Device) handleEar(packet []byte, bus eventbus.Bus) {
	status, err := protocol.ParseEarDetection(packet)
	if err != nil {
		d.log.Warnf("device %s: ear detection parse error: %v", d.AddrString, err)
		return
	}
	if d.ear.Swap(uint32(status.Raw())) != uint32(status.Raw()) {
		bus.Emit(d.AddrString, eventbus.Event{Kind: eventbus.EarDetectionChanged, Ear: status})
	}
}

func (d *Device) handleMetadata(packet []byte, bus eventbus.Bus) {
	meta, err := protocol.ParseMetadata(packet)
	if err != nil {
		d.log.Warnf("device %s: metadata parse error: %v", d.AddrString, err)
		return
	}
	if !meta.HasName {
		return
	}
	if d.SetName(meta.NameCandidate) {
		bus.Emit(d.AddrString, eventbus.Event{Kind: eventbus.DeviceNameChanged, Name: meta.NameCandidate})
	}
}

func (d *Device) handleFeatureCmd(packet []byte) {
	feature, cmd, err := protocol.ParseFeatureCmd(packet)
	if err != nil {
		d.log.Warnf("device %s: feature command parse error: %v", d.AddrString, err)
		return
	}
	switch cmd {
	case protocol.FeatureEnable:
		d.features.Set(feature, true)
	case protocol.FeatureDisable:
		d.features.Set(feature, false)
	case protocol.FeatureQuery:
		d.features.MarkPresent(feature)
	}
}

// SetNoiseControl sends a noise-mode control packet and, on success, updates
// the local slot optimistically.
func (d *Device) SetNoiseControl(mode protocol.NoiseControlMode) error {
	channel, err := d.activeChannel()
	if err != nil {
		return err
	}
	var data [4]byte
	binary.LittleEndian.PutUint32(data[:], uint32(mode))
	if err := channel.SendControl(byte(protocol.FeatureNoiseControl), data); err != nil {
		return err
	}
	d.noise.Store(uint32(mode))
	return nil
}

// Passthrough sends a raw, already-framed packet over the active channel.
func (d *Device) Passthrough(raw []byte) error {
	channel, err := d.activeChannel()
	if err != nil {
		return err
	}
	return channel.Passthrough(raw)
}

// SetFeature sends a feature enable/disable command and, on success, marks
// the bit present and sets or clears it locally.
func (d *Device) SetFeature(id protocol.FeatureID, enabled bool) error {
	channel, err := d.activeChannel()
	if err != nil {
		return err
	}
	cmd := protocol.FeatureDisable
	if enabled {
		cmd = protocol.FeatureEnable
	}
	if err := channel.SendControl(byte(id), encodeFeatureCmd(cmd)); err != nil {
		return err
	}
	d.features.Set(id, enabled)
	return nil
}

func encodeFeatureCmd(cmd protocol.FeatureCmd) [4]byte {
	var data [4]byte
	binary.LittleEndian.PutUint32(data[:], uint32(cmd))
	return data
}

func (d *Device) activeChannel() (*l2cap.Channel, error) {
	d.connMu.Lock()
	defer d.connMu.Unlock()
	if d.conn == nil {
		return nil, apperr.ErrDeviceNotConnected
	}
	return d.conn.channel, nil
}

// Tick is called periodically by the manager; when connected and enough
// history has accumulated, it saves the current drain rate to the study.
func (d *Device) Tick() {
	if !d.Connected() {
		return
	}
	battery, ok := d.Battery()
	if !ok {
		return
	}
	mode, ok := d.NoiseMode()
	if !ok {
		mode = protocol.NoiseOff
	}
	now := time.Now()
	if d.tracker.ShouldSave(now, 5, battery) {
		d.tracker.SaveToStudy(now, d.Addr, mode)
	}
}

// EstimateTTL delegates to the tracker using the device's current battery
// and noise-mode snapshot, falling back to a TTL derived from
// tracker.DefaultDrainRate whenever the tracker can't derive one of its own
// but a battery reading is present.
func (d *Device) EstimateTTL() (minutes uint32, ok bool) {
	battery, bOK := d.Battery()
	if !bOK {
		return 0, false
	}
	mode, mOK := d.NoiseMode()
	if !mOK {
		mode = protocol.NoiseOff
	}
	if minutes, ok := d.tracker.EstimateTTL(time.Now(), battery, mode, d.Addr); ok {
		return minutes, true
	}

	minLevel := battery.Left.Level
	if battery.Right.Level < minLevel {
		minLevel = battery.Right.Level
	}
	hours := float64(minLevel) / tracker.DefaultDrainRate
	return uint32(hours * 60.0), true
}

// dropConnection cancels and clears any existing connection slot, waiting
// for its task group to finish releasing the socket.
func (d *Device) dropConnection() {
	d.connMu.Lock()
	slot := d.conn
	d.conn = nil
	d.connMu.Unlock()

	if slot == nil {
		return
	}
	slot.cancel()
	slot.channel.Close()
	_ = slot.group.Wait()
}

// Close tears down any active session.
func (d *Device) Close() {
	d.connected.Store(false)
	d.dropConnection()
}

var _ fmt.Stringer = addrStringer{}

type addrStringer struct{ addr [6]byte }

func (a addrStringer) String() string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", a.addr[0], a.addr[1], a.addr[2], a.addr[3], a.addr[4], a.addr[5])
}
