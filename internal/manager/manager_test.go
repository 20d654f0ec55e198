package manager

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"airpodsd/internal/apperr"
	"airpodsd/internal/bluez"
	"airpodsd/internal/config"
	"airpodsd/internal/device"
	"airpodsd/internal/eventbus"
	"airpodsd/internal/l2cap"
	"airpodsd/internal/tracker"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeWatcher satisfies bluezWatcher without touching a real D-Bus connection.
type fakeWatcher struct {
	adapters []bluez.AdapterInfo
	devices  []bluez.DeviceInfo
}

func (f *fakeWatcher) Adapters() ([]bluez.AdapterInfo, error) { return f.adapters, nil }
func (f *fakeWatcher) Devices() ([]bluez.DeviceInfo, error)   { return f.devices, nil }

func newManagerTestDevice(t *testing.T, addrString string) *device.Device {
	t.Helper()
	addr, err := l2cap.ParseMACAddress(addrString)
	require.NoError(t, err)
	return device.New(addr, addrString, tracker.New(nil), nil)
}

func newTestManager(t *testing.T, watcher *fakeWatcher) *Manager {
	t.Helper()
	bus := eventbus.New()
	t.Cleanup(bus.Close)
	return New(config.Default(), bus, nil, watcher, nil)
}

func TestEstablishAAPRejectsDisconnectedBluetooth(t *testing.T) {
	const addr = "AA:BB:CC:DD:EE:FF"
	m := newTestManager(t, &fakeWatcher{})
	m.adapters["hci0"] = &adapterEntry{state: AdapterActive}
	m.devices[addr] = &deviceEntry{
		device:         newManagerTestDevice(t, addr),
		bluetoothState: BluetoothDisconnected,
		aapState:       AAPDisconnected,
		adapterName:    "hci0",
	}

	err := m.establishAAP(context.Background(), addr)
	assert.ErrorIs(t, err, apperr.ErrDeviceNotConnected)
	assert.False(t, m.aapConnecting[addr])
}

func TestEstablishAAPRejectsAlreadyConnecting(t *testing.T) {
	const addr = "AA:BB:CC:DD:EE:FF"
	m := newTestManager(t, &fakeWatcher{})
	m.adapters["hci0"] = &adapterEntry{state: AdapterActive}
	m.devices[addr] = &deviceEntry{
		device:         newManagerTestDevice(t, addr),
		bluetoothState: BluetoothConnected,
		aapState:       AAPConnecting,
		adapterName:    "hci0",
	}
	m.aapConnecting[addr] = true

	err := m.establishAAP(context.Background(), addr)
	assert.ErrorIs(t, err, apperr.ErrAlreadyConnecting)
}

func TestEstablishAAPRejectsUnknownDevice(t *testing.T) {
	m := newTestManager(t, &fakeWatcher{})
	err := m.establishAAP(context.Background(), "00:11:22:33:44:55")
	var notFound *apperr.DeviceNotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestAdapterLostFailsDevicesThenRecoveryRetriesExactlyOnce(t *testing.T) {
	const addr = "AA:BB:CC:DD:EE:FF"
	watcher := &fakeWatcher{
		adapters: []bluez.AdapterInfo{{Name: "hci0", Powered: true}},
		devices:  []bluez.DeviceInfo{{Address: addr, Paired: true, Connected: true}},
	}
	m := newTestManager(t, watcher)
	m.rootCtx = context.Background()
	m.adapters["hci0"] = &adapterEntry{state: AdapterActive}
	entry := &deviceEntry{
		device:         newManagerTestDevice(t, addr),
		bluetoothState: BluetoothConnected,
		aapState:       AAPConnected,
		adapterName:    "hci0",
	}
	m.devices[addr] = entry

	m.onAdapterLost("hci0")

	assert.Equal(t, AAPFailed, entry.aapState)
	assert.ErrorIs(t, entry.lastError, apperr.ErrAdapterNotAvailable)
	assert.False(t, m.aapConnecting[addr])
	assert.Equal(t, AdapterLost, m.adapters["hci0"].state)

	m.onAdapterAvailable(context.Background(), "hci0")

	assert.Equal(t, AAPConnecting, entry.aapState)
	assert.True(t, m.aapConnecting[addr])
	assert.Equal(t, AdapterActive, m.adapters["hci0"].state)

	// onAdapterAvailable re-triggers establishAAP, which fires off its connect
	// attempt on m.wg; join it so the background goroutine can't outlive the
	// test (it posts to a buffered, never-drained inbox here and returns).
	m.wg.Wait()
}

func TestOnDeviceLostEmitsDisconnectOnlyWhenPreviouslyConnected(t *testing.T) {
	const addr = "AA:BB:CC:DD:EE:FF"
	m := newTestManager(t, &fakeWatcher{})
	m.devices[addr] = &deviceEntry{
		device:         newManagerTestDevice(t, addr),
		bluetoothState: BluetoothConnected,
		aapState:       AAPDisconnected,
		adapterName:    "hci0",
	}

	events, cancel := m.bus.Subscribe(addr)
	defer cancel()

	m.onDeviceLost(addr)

	select {
	case evt := <-events:
		t.Fatalf("unexpected event for a device that was never connected: %v", evt.Kind)
	default:
	}
	_, exists := m.devices[addr]
	assert.False(t, exists)
}
