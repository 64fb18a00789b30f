// Package eth implements the Ethernet demultiplexer: parsing and emitting
// the L2 header and dispatching frames to the protocol handlers above.
package eth

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/capsuleos/capsule/internal/packet"
)

// HeaderLen is the length of an Ethernet II header.
const HeaderLen = 14

// EtherTypes the demultiplexer recognizes.
const (
	TypeIPv4 uint16 = 0x0800
	TypeARP  uint16 = 0x0806
	TypeWOL  uint16 = 0x0842
	TypeVLAN uint16 = 0x8100
	TypeIPv6 uint16 = 0x86dd
)

// Values at or below maxLengthField in the type field are IEEE 802.3 length
// fields, not EtherTypes.
const maxLengthField = 1500

// ErrMalformedFrame reports a transmit precondition failure: zero
// destination or zero ethertype.
var ErrMalformedFrame = errors.New("eth: malformed frame")

// Addr is a 48-bit hardware address.
type Addr [6]byte

// Broadcast is the all-ones destination address.
var Broadcast = Addr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// IsZero reports whether the address is all zero.
func (a Addr) IsZero() bool { return a == Addr{} }

func (a Addr) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", a[0], a[1], a[2], a[3], a[4], a[5])
}

// Header is the decoded Ethernet II header.
type Header struct {
	Dest Addr
	Src  Addr
	Type uint16
}

// ParseHeader decodes the first 14 bytes of a frame.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderLen {
		return Header{}, fmt.Errorf("eth: frame of %d bytes too short for header", len(b))
	}

	var h Header
	copy(h.Dest[:], b[0:6])
	copy(h.Src[:], b[6:12])
	h.Type = binary.BigEndian.Uint16(b[12:14])
	return h, nil
}

// Handler receives a frame and takes ownership of the packet.
type Handler func(*packet.Packet)

// Ethernet dispatches inbound frames by ethertype and stamps the source
// address on outbound frames. Unset protocol handlers drop silently. The
// Ethernet header is not stripped before dispatch; upper layers offset past
// it themselves.
type Ethernet struct {
	mac Addr

	ip4Handler Handler
	ip6Handler Handler
	arpHandler Handler

	// physicalOut is the downstream transmit delegate, bound to the NIC
	// driver at wiring time.
	physicalOut Handler

	log *slog.Logger
}

// New creates the demultiplexer for a NIC with the given address.
func New(mac Addr, log *slog.Logger) *Ethernet {
	if log == nil {
		log = slog.Default()
	}

	e := &Ethernet{mac: mac, log: log}
	drop := func(p *packet.Packet) { p.Release() }
	e.ip4Handler = drop
	e.ip6Handler = drop
	e.arpHandler = drop
	e.physicalOut = drop
	return e
}

// MAC returns the interface address.
func (e *Ethernet) MAC() Addr { return e.mac }

// SetIP4Handler installs the IPv4 delegate.
func (e *Ethernet) SetIP4Handler(h Handler) { e.ip4Handler = orDrop(h) }

// SetIP6Handler installs the IPv6 delegate.
func (e *Ethernet) SetIP6Handler(h Handler) { e.ip6Handler = orDrop(h) }

// SetARPHandler installs the ARP delegate.
func (e *Ethernet) SetARPHandler(h Handler) { e.arpHandler = orDrop(h) }

// SetPhysicalOut installs the downstream transmit delegate.
func (e *Ethernet) SetPhysicalOut(h Handler) { e.physicalOut = orDrop(h) }

func orDrop(h Handler) Handler {
	if h == nil {
		return func(p *packet.Packet) { p.Release() }
	}
	return h
}

// Bottom receives a frame from the driver and dispatches it by ethertype.
func (e *Ethernet) Bottom(p *packet.Packet) {
	hdr, err := ParseHeader(p.Data())
	if err != nil {
		e.log.Debug("eth: dropping short frame", "size", p.Size())
		p.Release()
		return
	}

	switch hdr.Type {
	case TypeIPv4:
		e.ip4Handler(p)

	case TypeIPv6:
		e.ip6Handler(p)

	case TypeARP:
		e.arpHandler(p)

	case TypeWOL:
		p.Release()

	case TypeVLAN:
		e.log.Debug("eth: dropping VLAN tagged frame")
		p.Release()

	default:
		if hdr.Type > maxLengthField {
			e.log.Debug("eth: unknown ethertype", "type", fmt.Sprintf("0x%04x", hdr.Type))
		} else {
			e.log.Debug("eth: dropping IEEE 802.3 frame", "length", hdr.Type)
		}
		p.Release()
	}
}

// Transmit stamps the source address and hands the frame to the physical
// layer. The caller must have set a destination and an ethertype.
func (e *Ethernet) Transmit(p *packet.Packet) error {
	hdr, err := ParseHeader(p.Data())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if hdr.Dest.IsZero() {
		return fmt.Errorf("%w: zero destination", ErrMalformedFrame)
	}
	if hdr.Type == 0 {
		return fmt.Errorf("%w: zero ethertype", ErrMalformedFrame)
	}

	copy(p.Buffer()[6:12], e.mac[:])

	e.physicalOut(p)
	return nil
}
