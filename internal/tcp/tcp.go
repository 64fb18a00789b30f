// Package tcp implements the transport layer of the stack: per-flow
// connections with their transmission control blocks, the RFC 793 state
// machine, and the host object that demultiplexes inbound segments.
package tcp

import (
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/capsuleos/capsule/internal/packet"
)

// issIncrement advances the initial sequence number generator per
// connection, approximating the RFC 793 ISS clock.
const issIncrement = 64000

const (
	ephemeralFirst = 49152
	ephemeralLast  = 65535
)

type connKey struct {
	localPort uint16
	remote    netip.AddrPort
}

// TCP is the host transport instance: the connection and listener tables,
// the ISS generator, and the wiring to the layers below. The packet factory
// and the output delegate are plain function fields populated at wiring
// time, so the host and the driver never own each other.
type TCP struct {
	localAddr netip.Addr

	newPacket func(size int) (*packet.Packet, error)
	output    func(*packet.Packet) error

	connections map[connKey]*Connection
	listeners   map[uint16]*Connection

	iss           uint32
	nextEphemeral uint16

	log *slog.Logger
}

// New creates a host TCP instance for the given local address.
func New(localAddr netip.Addr, log *slog.Logger) *TCP {
	if log == nil {
		log = slog.Default()
	}

	return &TCP{
		localAddr:     localAddr,
		connections:   make(map[connKey]*Connection),
		listeners:     make(map[uint16]*Connection),
		iss:           uint32(time.Now().UnixNano() >> 12),
		nextEphemeral: ephemeralFirst,
		log:           log,
	}
}

// Bind wires the packet factory and the output delegate. Until bound, the
// host can neither build nor emit segments.
func (t *TCP) Bind(newPacket func(size int) (*packet.Packet, error), output func(*packet.Packet) error) {
	t.newPacket = newPacket
	t.output = output
}

// GenerateISS returns a fresh initial send sequence number.
func (t *TCP) GenerateISS() uint32 {
	t.iss += issIncrement
	return t.iss
}

// LocalAddr returns the host address.
func (t *TCP) LocalAddr() netip.Addr { return t.localAddr }

func (t *TCP) ephemeralPort() uint16 {
	p := t.nextEphemeral
	t.nextEphemeral++
	if t.nextEphemeral == ephemeralLast {
		t.nextEphemeral = ephemeralFirst
	}
	return p
}

// NewConnection creates a connection bound to an ephemeral local port,
// without opening it.
func (t *TCP) NewConnection(remote netip.AddrPort) *Connection {
	c := newConnection(t, t.ephemeralPort(), remote, t.log)
	t.connections[connKey{c.localPort, remote}] = c
	return c
}

// Connect performs an active open towards the remote socket and flushes the
// SYN.
func (t *TCP) Connect(remote netip.AddrPort) (*Connection, error) {
	c := t.NewConnection(remote)
	if err := c.Open(true); err != nil {
		t.remove(c)
		return nil, err
	}
	if err := c.Transmit(); err != nil {
		return nil, err
	}
	return c, nil
}

// Listen performs a passive open on the given local port.
func (t *TCP) Listen(port uint16) (*Connection, error) {
	if _, busy := t.listeners[port]; busy {
		return nil, fmt.Errorf("tcp: port %d already listening", port)
	}

	c := newConnection(t, port, netip.AddrPort{}, t.log)
	if err := c.Open(false); err != nil {
		return nil, err
	}
	t.listeners[port] = c
	return c, nil
}

// Input demultiplexes one inbound segment frame to its connection, falling
// back to the listener table for new flows, and flushes any segments the
// handler queued in response.
func (t *TCP) Input(p *packet.Packet) {
	seg, err := ParseSegment(p)
	if err != nil {
		t.log.Debug("tcp: dropping malformed segment", "err", err)
		p.Release()
		return
	}

	conn, ok := t.connections[connKey{seg.DstPort(), seg.Source()}]
	if !ok {
		conn = t.promoteListener(seg)
	}
	if conn == nil {
		t.log.Debug("tcp: no connection for segment", "dst", seg.Destination(), "src", seg.Source())
		p.Release()
		return
	}

	sig := conn.Receive(seg)

	if err := conn.Transmit(); err != nil {
		t.log.Error("tcp: transmit failed", "remote", conn.remote, "err", err)
	}

	if sig < 0 {
		t.remove(conn)
	}
}

// promoteListener turns a listening connection into the flow's connection
// when a SYN arrives for its port. The listener slot is consumed; callers
// wanting to keep accepting re-listen.
func (t *TCP) promoteListener(seg *Segment) *Connection {
	if !seg.HasFlag(FlagSYN) {
		return nil
	}

	conn, ok := t.listeners[seg.DstPort()]
	if !ok {
		return nil
	}

	delete(t.listeners, seg.DstPort())
	t.connections[connKey{seg.DstPort(), seg.Source()}] = conn
	return conn
}

func (t *TCP) remove(c *Connection) {
	delete(t.connections, connKey{c.localPort, c.remote})
	delete(t.listeners, c.localPort)
}

// transmit finalizes one segment and hands it to the output delegate.
func (t *TCP) transmit(seg *Segment) error {
	if t.output == nil {
		return fmt.Errorf("tcp: no output delegate bound")
	}

	seg.Finalize()
	return t.output(seg.Packet())
}
