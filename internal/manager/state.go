package manager

import (
	"context"
	"fmt"

	"airpodsd/internal/device"
	"airpodsd/internal/protocol"
	"airpodsd/internal/retry"
)

// AdapterState is an adapter's lifecycle state, per §4.G.
type AdapterState int

const (
	AdapterActive AdapterState = iota
	AdapterLost
	AdapterFailed
)

func (s AdapterState) String() string {
	switch s {
	case AdapterActive:
		return "active"
	case AdapterLost:
		return "lost"
	case AdapterFailed:
		return "failed"
	default:
		return fmt.Sprintf("adapter-state(%d)", int(s))
	}
}

// BluetoothState tracks the host's own view of the transport link,
// independent of whether an AAP session is up over it.
type BluetoothState int

const (
	BluetoothDisconnected BluetoothState = iota
	BluetoothConnected
)

func (s BluetoothState) String() string {
	if s == BluetoothConnected {
		return "connected"
	}
	return "disconnected"
}

// AAPState is a device's Apple Accessory Protocol session state, per §4.G.
type AAPState int

const (
	AAPDisconnected AAPState = iota
	AAPConnecting
	AAPConnected
	AAPFailed
	AAPWaitingToReconnect
)

func (s AAPState) String() string {
	switch s {
	case AAPDisconnected:
		return "disconnected"
	case AAPConnecting:
		return "connecting"
	case AAPConnected:
		return "connected"
	case AAPFailed:
		return "failed"
	case AAPWaitingToReconnect:
		return "waiting-to-reconnect"
	default:
		return fmt.Sprintf("aap-state(%d)", int(s))
	}
}

// adapterEntry is the actor-owned bookkeeping for one BlueZ adapter.
type adapterEntry struct {
	state      AdapterState
	failMsg    string
	retryCount int
	backoff    *retry.AAPBackOff
}

// deviceEntry is the actor-owned bookkeeping for one recognized device,
// matching the `managed` record in §4.G.
type deviceEntry struct {
	device         *device.Device
	bluetoothState BluetoothState
	aapState       AAPState
	adapterName    string
	retryCount     int
	backoff        *retry.AAPBackOff
	aapCancel      context.CancelFunc
	lastError      error
}

// DeviceState is the external, read-only snapshot returned to callers of
// GetDeviceState / GetAllDeviceStates, per §6.
type DeviceState struct {
	Address        string
	Name           string
	Connected      bool
	Battery        protocol.BatteryInfo
	HasBattery     bool
	NoiseMode      protocol.NoiseControlMode
	HasNoiseMode   bool
	Ear            protocol.EarDetectionStatus
	HasEar         bool
	TTLMinutes     uint32
	HasTTL         bool
	BluetoothState BluetoothState
	AAPState       AAPState
	LastError      error
}
