package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeReceivesOwnDeviceEvents(t *testing.T) {
	bus := New()
	defer bus.Close()

	ch, cancel := bus.Subscribe("AA:BB:CC:DD:EE:FF")
	defer cancel()

	bus.Emit("AA:BB:CC:DD:EE:FF", Event{Kind: DeviceConnected})

	select {
	case evt := <-ch:
		assert.Equal(t, DeviceConnected, evt.Kind)
		assert.Equal(t, "AA:BB:CC:DD:EE:FF", evt.Device)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestSubscribeDoesNotReceiveOtherDeviceEvents(t *testing.T) {
	bus := New()
	defer bus.Close()

	ch, cancel := bus.Subscribe("AA:BB:CC:DD:EE:FF")
	defer cancel()

	bus.Emit("11:22:33:44:55:66", Event{Kind: DeviceConnected})

	select {
	case evt := <-ch:
		t.Fatalf("unexpected event for unrelated device: %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeAllReceivesEveryDevice(t *testing.T) {
	bus := New()
	defer bus.Close()

	ch, cancel := bus.SubscribeAll()
	defer cancel()

	bus.Emit("AA:BB:CC:DD:EE:FF", Event{Kind: BatteryUpdated})
	bus.Emit("11:22:33:44:55:66", Event{Kind: DeviceDisconnected})

	seen := make(map[string]Kind)
	for i := 0; i < 2; i++ {
		select {
		case evt := <-ch:
			seen[evt.Device] = evt.Kind
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
	require.Len(t, seen, 2)
	assert.Equal(t, BatteryUpdated, seen["AA:BB:CC:DD:EE:FF"])
	assert.Equal(t, DeviceDisconnected, seen["11:22:33:44:55:66"])
}
