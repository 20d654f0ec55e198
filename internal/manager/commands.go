package manager

import (
	"airpodsd/internal/bluez"
	"airpodsd/internal/device"
)

// Fire-and-forget lifecycle commands, posted either from outside (the bluez
// signal watcher, through the Sink methods in notify.go; the periodic scans
// call the handlers directly instead) or looped back by the actor's own
// timers and AAP goroutines.
type (
	cmdAdapterAvailable struct{ name string }
	cmdAdapterLost      struct{ name string }
	cmdAdapterError     struct{ name, msg string }

	cmdDeviceDiscovered struct {
		info    bluez.DeviceInfo
		adapter string
	}

	cmdBluetoothConnected    struct{ addr string }
	cmdBluetoothDisconnected struct{ addr string }

	cmdAAPConnected    struct{ addr string }
	cmdAAPDisconnected struct {
		addr    string
		isError bool
	}

	cmdDeviceLost struct{ addr string }

	cmdAdapterRecoveryTick struct{ name string }
	cmdAAPRetryTick        struct{ addr string }
)

// Synchronous request/reply commands, per §4.G's inbox command table.
type (
	cmdEstablishAAP struct {
		addr  string
		reply chan error
	}
	cmdDisconnectAAP struct {
		addr  string
		reply chan error
	}
	cmdGetDeviceState struct {
		addr  string
		reply chan getDeviceStateResult
	}
	cmdGetAllDeviceStates struct {
		reply chan []DeviceState
	}
	cmdCountDevices struct {
		reply chan int
	}
	cmdLookupDevice struct {
		addr  string
		reply chan *device.Device
	}
)

type getDeviceStateResult struct {
	state DeviceState
	err   error
}
