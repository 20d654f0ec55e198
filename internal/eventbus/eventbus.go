// Package eventbus fans out per-device lifecycle and state-change events to
// any number of subscribers without blocking the publisher.
package eventbus

import (
	"github.com/cskr/pubsub/v2"

	"airpodsd/internal/protocol"
)

// Kind enumerates the event types the core publishes, per §4.H.
type Kind int

const (
	DeviceConnected Kind = iota
	DeviceDisconnected
	DeviceError
	BatteryUpdated
	NoiseControlChanged
	EarDetectionChanged
	DeviceNameChanged
)

func (k Kind) String() string {
	switch k {
	case DeviceConnected:
		return "device_connected"
	case DeviceDisconnected:
		return "device_disconnected"
	case DeviceError:
		return "device_error"
	case BatteryUpdated:
		return "battery_updated"
	case NoiseControlChanged:
		return "noise_control_changed"
	case EarDetectionChanged:
		return "ear_detection_changed"
	case DeviceNameChanged:
		return "device_name_changed"
	default:
		return "unknown"
	}
}

// Event is one tagged occurrence for a specific device address.
type Event struct {
	Device  string
	Kind    Kind
	Battery protocol.BatteryInfo
	Noise   protocol.NoiseControlMode
	Ear     protocol.EarDetectionStatus
	Name    string
	Err     error
}

// allTopic is the implicit topic every event is also published to, so a
// subscriber can observe every device without enumerating addresses.
const allTopic = "*"

// capacity bounds each subscriber channel; Emit never blocks on a full one.
const capacity = 64

// Bus is the capability the device object and manager use to publish state
// changes; consumers subscribe per-device or to everything.
type Bus interface {
	Emit(device string, evt Event)
	Subscribe(device string) (ch <-chan Event, cancel func())
	SubscribeAll() (ch <-chan Event, cancel func())
	Close()
}

// PubSubBus is the default Bus, built on github.com/cskr/pubsub/v2.
type PubSubBus struct {
	ps *pubsub.PubSub[Event]
}

// New builds a PubSubBus.
func New() *PubSubBus {
	return &PubSubBus{ps: pubsub.New[Event](capacity)}
}

// Emit publishes evt to subscribers of device and to the all-devices topic.
// It never blocks: subscribers that cannot keep up silently miss the event.
func (b *PubSubBus) Emit(device string, evt Event) {
	evt.Device = device
	b.ps.TryPub(evt, device, allTopic)
}

// Subscribe returns a channel of events for one device address and a cancel
// function that unsubscribes the channel from that address.
func (b *PubSubBus) Subscribe(device string) (<-chan Event, func()) {
	ch := b.ps.Sub(device)
	return ch, func() { b.ps.Unsub(ch, device) }
}

// SubscribeAll returns a channel of every event published on the bus.
func (b *PubSubBus) SubscribeAll() (<-chan Event, func()) {
	ch := b.ps.Sub(allTopic)
	return ch, func() { b.ps.Unsub(ch, allTopic) }
}

// Close shuts the bus down, closing all subscriber channels.
func (b *PubSubBus) Close() {
	b.ps.Shutdown()
}

var _ Bus = (*PubSubBus)(nil)
