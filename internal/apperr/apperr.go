// Package apperr defines the sentinel error taxonomy shared across airpodsd.
package apperr

import (
	"errors"
	"fmt"
)

// Sentinel errors matched with errors.Is throughout the core.
var (
	ErrTransport          = errors.New("transport error")
	ErrDeviceNotConnected = errors.New("device not connected")
	ErrDeviceNotPaired    = errors.New("device not paired")
	ErrConnectionLost     = errors.New("connection lost")
	ErrConnectionClosed   = errors.New("connection closed")
	ErrRequestTimeout     = errors.New("request timed out")
	ErrAlreadyConnecting  = errors.New("aap connection already in progress")
	ErrAdapterNotFound    = errors.New("adapter not found")
	ErrAdapterNotAvailable = errors.New("adapter not available")
	ErrManagerShutdown    = errors.New("manager is shutting down")
	ErrIO                 = errors.New("io error")
	ErrConfig             = errors.New("config error")
	ErrStudy              = errors.New("battery study error")
)

// DeviceNotFoundError carries the address of the device that was not found.
type DeviceNotFoundError struct {
	Addr string
}

func (e *DeviceNotFoundError) Error() string {
	return fmt.Sprintf("device not found: %s", e.Addr)
}

// NewDeviceNotFound builds a DeviceNotFoundError.
func NewDeviceNotFound(addr string) error {
	return &DeviceNotFoundError{Addr: addr}
}

// FeatureNotSupportedError carries the name of the unsupported feature.
type FeatureNotSupportedError struct {
	Name string
}

func (e *FeatureNotSupportedError) Error() string {
	return fmt.Sprintf("feature not supported: %s", e.Name)
}

// NewFeatureNotSupported builds a FeatureNotSupportedError.
func NewFeatureNotSupported(name string) error {
	return &FeatureNotSupportedError{Name: name}
}

// InvalidPacketError wraps a lower-level protocol parse error.
type InvalidPacketError struct {
	Err error
}

func (e *InvalidPacketError) Error() string {
	return fmt.Sprintf("invalid packet: %v", e.Err)
}

func (e *InvalidPacketError) Unwrap() error {
	return e.Err
}

// NewInvalidPacket wraps a protocol parse error.
func NewInvalidPacket(err error) error {
	return &InvalidPacketError{Err: err}
}
