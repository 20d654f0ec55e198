package device

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"airpodsd/internal/eventbus"
	"airpodsd/internal/l2cap"
	"airpodsd/internal/protocol"
	"airpodsd/internal/tracker"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeSessionConn is an in-memory SeqPacketConn whose Read blocks until a
// packet is enqueued or the connection is closed, simulating an open but
// currently idle Bluetooth link rather than treating "nothing queued yet" as
// a read error.
type fakeSessionConn struct {
	mu     sync.Mutex
	sent   [][]byte
	queue  chan []byte
	closed chan struct{}
}

func newFakeSessionConn() *fakeSessionConn {
	return &fakeSessionConn{queue: make(chan []byte, 16), closed: make(chan struct{})}
}

func (f *fakeSessionConn) Write(p []byte) (int, error) {
	f.mu.Lock()
	f.sent = append(f.sent, append([]byte(nil), p...))
	f.mu.Unlock()
	return len(p), nil
}

func (f *fakeSessionConn) Read(p []byte) (int, error) {
	select {
	case pkt, ok := <-f.queue:
		if !ok {
			return 0, io.EOF
		}
		return copy(p, pkt), nil
	case <-f.closed:
		return 0, io.EOF
	}
}

func (f *fakeSessionConn) Close() error {
	select {
	case <-f.closed:
	default:
		close(f.closed)
	}
	return nil
}

func (f *fakeSessionConn) enqueue(pkt []byte) { f.queue <- pkt }

func useFakeDial(t *testing.T, conn *fakeSessionConn) {
	t.Helper()
	orig := dial
	dial = func(ctx context.Context, addr string) (*l2cap.Channel, error) {
		return l2cap.NewForTesting(conn, addr), nil
	}
	t.Cleanup(func() { dial = orig })
}

func newTestDevice(t *testing.T, addrString string) *Device {
	t.Helper()
	addr, err := l2cap.ParseMACAddress(addrString)
	require.NoError(t, err)
	return New(addr, addrString, tracker.New(nil), nil)
}

func awaitEvent(t *testing.T, ch <-chan eventbus.Event, timeout time.Duration) eventbus.Event {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(timeout):
		t.Fatal("timed out waiting for event")
		return eventbus.Event{}
	}
}

func assertNoEvent(t *testing.T, ch <-chan eventbus.Event, within time.Duration) {
	t.Helper()
	select {
	case evt := <-ch:
		t.Fatalf("unexpected event: %v", evt.Kind)
	case <-time.After(within):
	}
}

var (
	ackHandshakePacket = []byte{0x01, 0x00, 0x04, 0x00}
	ackFeaturesPacket  = []byte{0x04, 0x00, 0x04, 0x00, 0x2b, 0x00}
	batteryPacket      = []byte{
		0x04, 0x00, 0x04, 0x00, 0x04, 0x00, 0x03,
		0x02, 0x01, 0x50, 0x00, 0x01,
		0x04, 0x01, 0x40, 0x00, 0x01,
		0x08, 0x01, 0x60, 0x00, 0x01,
	}
)

func TestConnectHandshakePath(t *testing.T) {
	conn := newFakeSessionConn()
	useFakeDial(t, conn)
	conn.enqueue(ackHandshakePacket)
	conn.enqueue(ackFeaturesPacket)
	conn.enqueue(batteryPacket)

	d := newTestDevice(t, "AA:BB:CC:DD:EE:FF")
	bus := eventbus.New()
	defer bus.Close()
	events, cancel := bus.Subscribe(d.AddrString)
	defer cancel()

	_, err := d.Connect(context.Background(), bus)
	require.NoError(t, err)
	defer d.Close()

	var sawConnected, sawBattery bool
	var battery protocol.BatteryInfo
	for i := 0; i < 2; i++ {
		evt := awaitEvent(t, events, 2*time.Second)
		switch evt.Kind {
		case eventbus.DeviceConnected:
			sawConnected = true
		case eventbus.BatteryUpdated:
			sawBattery = true
			battery = evt.Battery
		default:
			t.Fatalf("unexpected event kind: %v", evt.Kind)
		}
	}

	assert.True(t, sawConnected)
	assert.True(t, sawBattery)
	assert.Equal(t, uint8(64), battery.Left.Level)
	assert.Equal(t, uint8(80), battery.Right.Level)
	assert.Equal(t, uint8(96), battery.Case.Level)
	assert.Equal(t, protocol.StatusNormal, battery.Left.Status)
	assert.Equal(t, protocol.StatusNormal, battery.Right.Status)
	assert.Equal(t, protocol.StatusNormal, battery.Case.Status)
	assert.True(t, d.Connected())

	assertNoEvent(t, events, 200*time.Millisecond)
}

func TestConnectNoiseModeUpdateFiresOnceThenNoopsOnRepeat(t *testing.T) {
	conn := newFakeSessionConn()
	useFakeDial(t, conn)
	conn.enqueue(ackHandshakePacket)
	conn.enqueue(ackFeaturesPacket)

	d := newTestDevice(t, "AA:BB:CC:DD:EE:FF")
	bus := eventbus.New()
	defer bus.Close()
	events, cancel := bus.Subscribe(d.AddrString)
	defer cancel()

	_, err := d.Connect(context.Background(), bus)
	require.NoError(t, err)
	defer d.Close()

	require.Equal(t, eventbus.DeviceConnected, awaitEvent(t, events, 2*time.Second).Kind)

	noiseFrame := []byte{0x04, 0x00, 0x04, 0x00, 0x09, 0x00, 0x0d, byte(protocol.NoiseNC)}
	conn.enqueue(noiseFrame)

	evt := awaitEvent(t, events, 2*time.Second)
	require.Equal(t, eventbus.NoiseControlChanged, evt.Kind)
	assert.Equal(t, protocol.NoiseNC, evt.Noise)

	conn.enqueue(noiseFrame)
	assertNoEvent(t, events, 300*time.Millisecond)

	mode, ok := d.NoiseMode()
	require.True(t, ok)
	assert.Equal(t, protocol.NoiseNC, mode)
}

func TestConnectTransportLossEmitsExactlyOneDisconnect(t *testing.T) {
	conn := newFakeSessionConn()
	useFakeDial(t, conn)
	conn.enqueue(ackHandshakePacket)
	conn.enqueue(ackFeaturesPacket)

	d := newTestDevice(t, "AA:BB:CC:DD:EE:FF")
	bus := eventbus.New()
	defer bus.Close()
	events, cancel := bus.Subscribe(d.AddrString)
	defer cancel()

	handle, err := d.Connect(context.Background(), bus)
	require.NoError(t, err)
	defer d.Close()

	require.Equal(t, eventbus.DeviceConnected, awaitEvent(t, events, 2*time.Second).Kind)

	conn.Close()

	select {
	case <-handle.Done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not tear down after transport loss")
	}

	evt := awaitEvent(t, events, 2*time.Second)
	assert.Equal(t, eventbus.DeviceDisconnected, evt.Kind)
	assert.False(t, d.Connected())

	assertNoEvent(t, events, 200*time.Millisecond)
}
