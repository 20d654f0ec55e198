package manager

import "airpodsd/internal/bluez"

// The methods below implement bluez.Sink: they let a Watcher push signal-derived
// lifecycle events onto the external command inbox, in addition to the
// periodic reconcile/adapter-scan safety net in Run.
var _ bluez.Sink = (*Manager)(nil)

// AdapterAvailable notifies the actor that an adapter is present and powered.
func (m *Manager) AdapterAvailable(name string) {
	m.inbox <- cmdAdapterAvailable{name: name}
}

// AdapterLost notifies the actor that an adapter disappeared or was powered off.
func (m *Manager) AdapterLost(name string) {
	m.inbox <- cmdAdapterLost{name: name}
}

// AdapterError notifies the actor that an adapter failed outright.
func (m *Manager) AdapterError(name, msg string) {
	m.inbox <- cmdAdapterError{name: name, msg: msg}
}

// DeviceDiscovered notifies the actor of a newly connected, possibly
// AirPods-family peer; recognition is applied inside the actor.
func (m *Manager) DeviceDiscovered(info bluez.DeviceInfo) {
	m.inbox <- cmdDeviceDiscovered{info: info, adapter: info.AdapterName}
}

// BluetoothConnected notifies the actor that addr's transport link came up.
func (m *Manager) BluetoothConnected(addr string) {
	m.inbox <- cmdBluetoothConnected{addr: addr}
}

// BluetoothDisconnected notifies the actor that addr's transport link dropped.
func (m *Manager) BluetoothDisconnected(addr string) {
	m.inbox <- cmdBluetoothDisconnected{addr: addr}
}

// DeviceLost notifies the actor that addr was removed from BlueZ's inventory
// entirely (e.g. unpaired).
func (m *Manager) DeviceLost(addr string) {
	m.inbox <- cmdDeviceLost{addr: addr}
}
