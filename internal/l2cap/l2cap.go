// Package l2cap establishes and frames the raw Bluetooth L2CAP channel used
// to speak the Apple Accessory Protocol with a connected AirPods device, on
// PSM 0x1001.
package l2cap

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"airpodsd/internal/apperr"
	"airpodsd/internal/protocol"
)

// PSM is the Protocol/Service Multiplexer AirPods expose the AAP channel on.
const PSM = 0x1001

// SeqPacketConn is the minimal surface a channel needs from its transport;
// satisfied by a real L2CAP socket or, in tests, an in-memory fake.
type SeqPacketConn interface {
	Write(p []byte) (int, error)
	Read(p []byte) (int, error)
	Close() error
}

// Disposition controls whether a hook is removed after it first fires.
type Disposition int

const (
	// Discard removes the hook after its first matching packet.
	Discard Disposition = iota
	// Retain keeps the hook installed after it fires.
	Retain
)

// hook is one prefix-matched, order-preserved observer of inbound packets.
type hook struct {
	prefix      []byte
	disposition Disposition
	fire        func([]byte)
}

// Channel is an open AAP control channel over L2CAP.
type Channel struct {
	conn SeqPacketConn
	addr string

	mu    sync.Mutex
	hooks []*hook
}

// ParseMACAddress parses "XX:XX:XX:XX:XX:XX" into the reversed byte order
// Bluetooth addresses use on the wire.
func ParseMACAddress(addr string) ([6]byte, error) {
	var out [6]byte
	cleaned := strings.ReplaceAll(addr, ":", "")
	if len(cleaned) != 12 {
		return out, fmt.Errorf("%w: invalid MAC address length %q", apperr.ErrIO, addr)
	}
	raw, err := hex.DecodeString(cleaned)
	if err != nil {
		return out, fmt.Errorf("%w: invalid hex in MAC address: %v", apperr.ErrIO, err)
	}
	for i := 0; i < 6; i++ {
		out[i] = raw[5-i]
	}
	return out, nil
}

// Dial opens an L2CAP socket to addr on the AAP PSM, honoring ctx for
// cancellation of the connect attempt and bounding it by dialTimeout.
func Dial(ctx context.Context, addr string) (*Channel, error) {
	ctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	bdaddr, err := ParseMACAddress(addr)
	if err != nil {
		return nil, err
	}

	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_SEQPACKET, unix.BTPROTO_L2CAP)
	if err != nil {
		return nil, fmt.Errorf("%w: l2cap socket: %v", apperr.ErrTransport, err)
	}

	sa := &unix.SockaddrL2{PSM: PSM, Addr: bdaddr}

	connectErr := make(chan error, 1)
	go func() { connectErr <- unix.Connect(fd, sa) }()

	select {
	case <-ctx.Done():
		unix.Close(fd)
		return nil, ctx.Err()
	case err := <-connectErr:
		if err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("%w: l2cap connect to %s: %v", apperr.ErrTransport, addr, err)
		}
	}

	sendTimeout := unix.NsecToTimeval(sendDeadline.Nanoseconds())
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_SNDTIMEO, &sendTimeout); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("%w: setting send timeout: %v", apperr.ErrTransport, err)
	}

	return &Channel{conn: &fdConn{fd: fd}, addr: addr}, nil
}

// sendDeadline bounds how long a single outbound write may block, per §4.B.
const sendDeadline = 25 * time.Second

// fdConn adapts a raw Bluetooth socket file descriptor to SeqPacketConn.
type fdConn struct {
	fd int
}

func (c *fdConn) Write(p []byte) (int, error) { return unix.Write(c.fd, p) }
func (c *fdConn) Read(p []byte) (int, error)  { return unix.Read(c.fd, p) }
func (c *fdConn) Close() error                { return unix.Close(c.fd) }

func newChannel(conn SeqPacketConn, addr string) *Channel {
	return &Channel{conn: conn, addr: addr}
}

// NewForTesting builds a Channel over an arbitrary SeqPacketConn, letting
// other packages' tests drive a Device/session against a synthetic transport
// without a real Bluetooth socket.
func NewForTesting(conn SeqPacketConn, addr string) *Channel {
	return newChannel(conn, addr)
}

func (c *Channel) send(packet []byte, what string) error {
	n, err := c.conn.Write(packet)
	if err != nil {
		return fmt.Errorf("%w: sending %s: %v", apperr.ErrTransport, what, err)
	}
	if n != len(packet) {
		return fmt.Errorf("%w: incomplete %s write: %d/%d bytes", apperr.ErrTransport, what, n, len(packet))
	}
	return nil
}

// SendHandshake sends the initial AAP handshake packet.
func (c *Channel) SendHandshake() error { return c.send(protocol.PacketHandshake, "handshake") }

// SendRequestNotify requests battery/status notifications.
func (c *Channel) SendRequestNotify() error {
	return c.send(protocol.PacketRequestNotify, "request-notify")
}

// SendSetFeatures enables the special features bitmap.
func (c *Channel) SendSetFeatures() error {
	return c.send(protocol.PacketSetFeatures, "set-features")
}

// SendControl sends a single control packet built from opcode and data.
func (c *Channel) SendControl(opcode byte, data [4]byte) error {
	return c.send(protocol.BuildControl(opcode, data), "control")
}

// Passthrough sends an already-framed packet verbatim, for callers that
// bypass the codec (e.g. the external control surface's raw-bytes command).
func (c *Channel) Passthrough(raw []byte) error {
	return c.send(raw, "passthrough")
}

// ReadPacket blocks until the next inbound packet arrives or the read fails.
// Matching hooks fire before the packet is returned to the caller, per §4.B.
func (c *Channel) ReadPacket() ([]byte, error) {
	buf := make([]byte, 1024)
	n, err := c.conn.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("%w: reading packet: %v", apperr.ErrConnectionLost, err)
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: peer closed channel", apperr.ErrConnectionClosed)
	}
	packet := buf[:n]
	c.dispatchHooks(packet)
	return packet, nil
}

// AddHook installs an observer fired on every inbound packet whose prefix
// matches, in insertion order. It returns a cancel function that removes the
// hook if it has not already fired with Discard disposition.
func (c *Channel) AddHook(prefix []byte, disposition Disposition, fire func([]byte)) (cancel func()) {
	h := &hook{prefix: append([]byte(nil), prefix...), disposition: disposition, fire: fire}
	c.mu.Lock()
	c.hooks = append(c.hooks, h)
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, existing := range c.hooks {
			if existing == h {
				c.hooks = append(c.hooks[:i], c.hooks[i+1:]...)
				return
			}
		}
	}
}

// WaitOnce installs a one-shot hook for prefix and returns a buffered channel
// that receives the first matching packet, plus a cancel function.
func (c *Channel) WaitOnce(prefix []byte) (<-chan []byte, func()) {
	ch := make(chan []byte, 1)
	cancel := c.AddHook(prefix, Discard, func(p []byte) {
		select {
		case ch <- p:
		default:
		}
	})
	return ch, cancel
}

func (c *Channel) dispatchHooks(packet []byte) {
	c.mu.Lock()
	var matched []*hook
	remaining := c.hooks[:0]
	for _, h := range c.hooks {
		if bytes.HasPrefix(packet, h.prefix) {
			matched = append(matched, h)
			if h.disposition == Retain {
				remaining = append(remaining, h)
			}
		} else {
			remaining = append(remaining, h)
		}
	}
	c.hooks = remaining
	c.mu.Unlock()

	for _, h := range matched {
		h.fire(packet)
	}
}

// Close releases the underlying socket.
func (c *Channel) Close() error {
	return c.conn.Close()
}

// ReadLoop repeatedly reads packets and invokes onPacket until ctx is done or
// a read error occurs, which it returns (unless it's from ctx cancellation).
func (c *Channel) ReadLoop(ctx context.Context, onPacket func([]byte)) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		packet, err := c.ReadPacket()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		onPacket(packet)
	}
}

// dialTimeout bounds how long Dial's connect attempt is allowed to block,
// even when the caller supplies a background context.
const dialTimeout = 10 * time.Second

// DialWithDefaultTimeout is a convenience wrapper around Dial using
// dialTimeout when the caller has no more specific deadline in mind.
func DialWithDefaultTimeout(addr string) (*Channel, error) {
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	return Dial(ctx, addr)
}
