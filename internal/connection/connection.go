// Package connection owns the UDP socket a roamshell session runs over: it
// binds a dual-stack port range on the server, discovers and re-learns the
// peer's address as datagrams authenticate from new sources, and tracks
// round-trip timing so the rest of the system can pace sends and size
// prediction grace periods. It is driven entirely from the
// orchestrator's single goroutine; the only other goroutine it starts is a
// feeder that blocks on socket reads and posts raw datagrams to a channel,
// touching no shared state itself.
package connection

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// ErrPortRangeExhausted is returned when no port in a server's configured
// range could be bound.
var ErrPortRangeExhausted = errors.New("connection: no free port in configured range")

// lowDelayTOS marks outgoing datagrams for low-latency handling
// (IPTOS_LOWDELAY).
const lowDelayTOS = 0x10

// RawDatagram is one datagram read off the wire, still sealed.
type RawDatagram struct {
	Data []byte
	Addr net.Addr
}

// Connection wraps a UDP socket with address roaming and RTT tracking.
type Connection struct {
	sock *net.UDPConn
	v4   *ipv4.PacketConn
	v6   *ipv6.PacketConn

	remoteAddr net.Addr // nil until the peer's address is known

	rtt               *RTTEstimator
	lastPeerTimestamp uint16
	lastHeard         time.Time
}

// Listen binds a UDP socket in the given inclusive port range (server
// role). Each port gets a single "udp" bind with no address, which is
// dual-stack where the platform supports it.
func Listen(portLow, portHigh int) (*Connection, error) {
	if portHigh < portLow {
		portLow, portHigh = portHigh, portLow
	}
	var lastErr error
	for port := portLow; port <= portHigh; port++ {
		sock, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
		if err != nil {
			lastErr = err
			continue
		}
		return newConnection(sock), nil
	}
	if lastErr == nil {
		lastErr = ErrPortRangeExhausted
	}
	return nil, fmt.Errorf("%w: %v", ErrPortRangeExhausted, lastErr)
}

// Dial creates a socket for the client role and sets the initial remote
// address. Because UDP is connectionless, the peer's address is still
// free to roam afterward; Dial only seeds the first destination.
func Dial(remote string) (*Connection, error) {
	addr, err := net.ResolveUDPAddr("udp", remote)
	if err != nil {
		return nil, fmt.Errorf("connection: resolve %q: %w", remote, err)
	}
	sock, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, fmt.Errorf("connection: listen: %w", err)
	}
	c := newConnection(sock)
	c.remoteAddr = addr
	return c, nil
}

func newConnection(sock *net.UDPConn) *Connection {
	c := &Connection{sock: sock, rtt: NewRTTEstimator(), lastPeerTimestamp: NoTimestamp}

	if addr, ok := sock.LocalAddr().(*net.UDPAddr); ok && addr.IP != nil && addr.IP.To4() != nil {
		c.v4 = ipv4.NewPacketConn(sock)
		_ = c.v4.SetTOS(lowDelayTOS)
	} else {
		c.v6 = ipv6.NewPacketConn(sock)
		_ = c.v6.SetTrafficClass(lowDelayTOS)
	}
	return c
}

// LocalPort returns the bound local UDP port.
func (c *Connection) LocalPort() int {
	return c.sock.LocalAddr().(*net.UDPAddr).Port
}

// RemoteAddr returns the currently known peer address, or nil if no
// datagram has authenticated yet (server, before the client's first
// datagram).
func (c *Connection) RemoteAddr() net.Addr {
	return c.remoteAddr
}

// RTT returns the estimator tracking this connection's round-trip timing.
func (c *Connection) RTT() *RTTEstimator {
	return c.rtt
}

// LastHeard returns the wall-clock time of the last datagram that
// authenticated successfully.
func (c *Connection) LastHeard() time.Time {
	return c.lastHeard
}

// ReadLoop blocks reading datagrams off the socket and posts each to out,
// until ctx is done or the socket errors. It touches no Connection state
// besides the read call itself; address roaming, RTT updates, and
// timestamp bookkeeping are applied later by the orchestrator goroutine
// after a datagram has been authenticated.
func (c *Connection) ReadLoop(ctx context.Context, out chan<- RawDatagram) error {
	buf := make([]byte, 65536)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_ = c.sock.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, addr, err := c.sock.ReadFrom(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}

		datagram := RawDatagram{Data: append([]byte(nil), buf[:n]...), Addr: addr}
		select {
		case out <- datagram:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// WriteTo sends data to the currently known remote address. It is an
// error to call this before a remote address is known (server, before the
// first authenticated datagram arrives).
func (c *Connection) WriteTo(data []byte) error {
	if c.remoteAddr == nil {
		return fmt.Errorf("connection: no peer address known yet")
	}
	_, err := c.sock.WriteTo(data, c.remoteAddr)
	return err
}

// ObserveAuthenticated records that a datagram from addr just authenticated
// successfully: it re-learns the peer address if it changed (roaming) and
// updates LastHeard. It reports whether the peer address roamed. Called
// only from the orchestrator goroutine.
func (c *Connection) ObserveAuthenticated(addr net.Addr) bool {
	roamed := c.remoteAddr != nil && c.remoteAddr.String() != addr.String()
	c.remoteAddr = addr
	c.lastHeard = time.Now()
	return roamed
}

// ObserveHeader folds an inbound datagram's timestamp header into the RTT
// estimator (when a prior round trip can be measured) and records the
// peer's timestamp so it can be echoed on the next send.
func (c *Connection) ObserveHeader(h Header) {
	if h.TimestampReply != NoTimestamp {
		now := Timestamp16()
		elapsed := TimestampDiff16(h.TimestampReply, now)
		c.rtt.Update(time.Duration(elapsed) * time.Millisecond)
	}
	c.lastPeerTimestamp = h.Timestamp
}

// NextHeader builds the header to attach to the next outgoing datagram.
func (c *Connection) NextHeader() Header {
	return Header{Timestamp: Timestamp16(), TimestampReply: c.lastPeerTimestamp}
}

// Close releases the underlying socket.
func (c *Connection) Close() error {
	return c.sock.Close()
}
