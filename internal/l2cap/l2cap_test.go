package l2cap

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"airpodsd/internal/protocol"
)

// fakeConn is an in-memory SeqPacketConn: writes accumulate in sent, reads
// are served from a queue of canned packets.
type fakeConn struct {
	mu     sync.Mutex
	sent   [][]byte
	queue  [][]byte
	closed bool
}

func (f *fakeConn) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := append([]byte(nil), p...)
	f.sent = append(f.sent, cp)
	return len(p), nil
}

func (f *fakeConn) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		if f.closed {
			return 0, io.EOF
		}
		return 0, errors.New("no queued packet")
	}
	next := f.queue[0]
	f.queue = f.queue[1:]
	n := copy(p, next)
	return n, nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) enqueue(packet []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = append(f.queue, packet)
}

func TestParseMACAddressReversesBytes(t *testing.T) {
	addr, err := ParseMACAddress("AA:BB:CC:DD:EE:FF")
	require.NoError(t, err)
	assert.Equal(t, [6]byte{0xFF, 0xEE, 0xDD, 0xCC, 0xBB, 0xAA}, addr)
}

func TestParseMACAddressRejectsShort(t *testing.T) {
	_, err := ParseMACAddress("AA:BB")
	assert.Error(t, err)
}

func TestChannelSendHandshake(t *testing.T) {
	conn := &fakeConn{}
	ch := newChannel(conn, "AA:BB:CC:DD:EE:FF")

	require.NoError(t, ch.SendHandshake())
	require.Len(t, conn.sent, 1)
	assert.True(t, bytes.Equal(conn.sent[0], protocol.PacketHandshake))
}

func TestChannelReadPacket(t *testing.T) {
	conn := &fakeConn{}
	ch := newChannel(conn, "AA:BB:CC:DD:EE:FF")

	battery := append(append([]byte{}, protocol.HeaderBatteryState...), 0x01, 0x02, 0x03)
	conn.enqueue(battery)

	packet, err := ch.ReadPacket()
	require.NoError(t, err)
	assert.Equal(t, battery, packet)
}

func TestChannelReadPacketClosedReturnsError(t *testing.T) {
	conn := &fakeConn{closed: true}
	ch := newChannel(conn, "AA:BB:CC:DD:EE:FF")

	_, err := ch.ReadPacket()
	assert.Error(t, err)
}

func TestChannelClose(t *testing.T) {
	conn := &fakeConn{}
	ch := newChannel(conn, "AA:BB:CC:DD:EE:FF")
	require.NoError(t, ch.Close())
	assert.True(t, conn.closed)
}

func TestChannelHookFiresBeforeReadReturns(t *testing.T) {
	conn := &fakeConn{}
	ch := newChannel(conn, "AA:BB:CC:DD:EE:FF")

	ack := append(append([]byte{}, protocol.HeaderAckHandshake...), 0x01)
	conn.enqueue(ack)

	waitCh, cancel := ch.WaitOnce(protocol.HeaderAckHandshake)
	defer cancel()

	packet, err := ch.ReadPacket()
	require.NoError(t, err)
	assert.Equal(t, ack, packet)

	select {
	case got := <-waitCh:
		assert.Equal(t, ack, got)
	default:
		t.Fatal("hook did not fire before ReadPacket returned")
	}
}

func TestChannelHookDiscardedAfterFiring(t *testing.T) {
	conn := &fakeConn{}
	ch := newChannel(conn, "AA:BB:CC:DD:EE:FF")

	ack := append(append([]byte{}, protocol.HeaderAckHandshake...), 0x01)
	conn.enqueue(ack)
	conn.enqueue(ack)

	var fired int
	ch.AddHook(protocol.HeaderAckHandshake, Discard, func([]byte) { fired++ })

	_, err := ch.ReadPacket()
	require.NoError(t, err)
	_, err = ch.ReadPacket()
	require.NoError(t, err)

	assert.Equal(t, 1, fired)
}

func TestChannelHookRetainedFiresEveryTime(t *testing.T) {
	conn := &fakeConn{}
	ch := newChannel(conn, "AA:BB:CC:DD:EE:FF")

	battery := append(append([]byte{}, protocol.HeaderBatteryState...), 0x00, 0x00, 0x00)
	conn.enqueue(battery)
	conn.enqueue(battery)

	var fired int
	ch.AddHook(protocol.HeaderBatteryState, Retain, func([]byte) { fired++ })

	_, err := ch.ReadPacket()
	require.NoError(t, err)
	_, err = ch.ReadPacket()
	require.NoError(t, err)

	assert.Equal(t, 2, fired)
}
