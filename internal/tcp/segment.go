package tcp

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/capsuleos/capsule/internal/eth"
	"github.com/capsuleos/capsule/internal/packet"
)

// Fixed frame layout of a TCP segment as carried on this stack: Ethernet II,
// then an option-less IPv4 header, then an option-less TCP header (data
// offset 5).
const (
	ipv4HeaderLen = 20
	tcpHeaderLen  = 20

	ipv4Offset = eth.HeaderLen
	tcpOffset  = ipv4Offset + ipv4HeaderLen

	// HeadersSize is the full header overhead of an outgoing segment.
	HeadersSize = tcpOffset + tcpHeaderLen
)

const protoTCP = 6

// TCP segment flags.
const (
	FlagFIN uint8 = 1 << 0
	FlagSYN uint8 = 1 << 1
	FlagRST uint8 = 1 << 2
	FlagPSH uint8 = 1 << 3
	FlagACK uint8 = 1 << 4
	FlagURG uint8 = 1 << 5
)

func flagString(f uint8) string {
	names := []struct {
		bit  uint8
		name string
	}{
		{FlagFIN, "FIN"}, {FlagSYN, "SYN"}, {FlagRST, "RST"},
		{FlagPSH, "PSH"}, {FlagACK, "ACK"}, {FlagURG, "URG"},
	}
	s := ""
	for _, n := range names {
		if f&n.bit != 0 {
			if s != "" {
				s += "|"
			}
			s += n.name
		}
	}
	if s == "" {
		return "none"
	}
	return s
}

// Segment is a TCP view over a frame packet. It does not own header
// validation beyond the fixed layout; malformed inputs are rejected at
// construction.
type Segment struct {
	p *packet.Packet
}

// ParseSegment wraps an inbound frame. The frame must at least hold the
// fixed headers.
func ParseSegment(p *packet.Packet) (*Segment, error) {
	if p.Size() < HeadersSize {
		return nil, fmt.Errorf("tcp: frame of %d bytes too short for a segment", p.Size())
	}
	return &Segment{p: p}, nil
}

// NewSegment initializes an outgoing segment in a freshly allocated frame
// packet: EtherType, IPv4 skeleton and TCP data offset are stamped, and the
// packet size is set to the header length.
func NewSegment(p *packet.Packet) (*Segment, error) {
	if p.Capacity() < HeadersSize {
		return nil, fmt.Errorf("tcp: packet capacity %d too small for headers", p.Capacity())
	}
	if err := p.SetSize(HeadersSize); err != nil {
		return nil, err
	}

	b := p.Buffer()
	clear(b[:HeadersSize])
	binary.BigEndian.PutUint16(b[12:14], eth.TypeIPv4)

	ip := b[ipv4Offset:]
	ip[0] = 0x45 // version 4, IHL 5
	binary.BigEndian.PutUint16(ip[2:4], uint16(ipv4HeaderLen+tcpHeaderLen))
	ip[8] = 64 // TTL
	ip[9] = protoTCP

	b[tcpOffset+12] = 5 << 4 // data offset, no options

	return &Segment{p: p}, nil
}

// Packet returns the underlying frame.
func (s *Segment) Packet() *packet.Packet { return s.p }

func (s *Segment) ip() []byte  { return s.p.Buffer()[ipv4Offset:] }
func (s *Segment) tcp() []byte { return s.p.Buffer()[tcpOffset:] }

// SrcPort returns the source port.
func (s *Segment) SrcPort() uint16 { return binary.BigEndian.Uint16(s.tcp()[0:2]) }

// DstPort returns the destination port.
func (s *Segment) DstPort() uint16 { return binary.BigEndian.Uint16(s.tcp()[2:4]) }

// Seq returns the sequence number.
func (s *Segment) Seq() uint32 { return binary.BigEndian.Uint32(s.tcp()[4:8]) }

// Ack returns the acknowledgment number.
func (s *Segment) Ack() uint32 { return binary.BigEndian.Uint32(s.tcp()[8:12]) }

// Flags returns the flag byte.
func (s *Segment) Flags() uint8 { return s.tcp()[13] }

// HasFlag reports whether every flag in mask is set.
func (s *Segment) HasFlag(mask uint8) bool { return s.Flags()&mask == mask }

// Window returns the advertised receive window.
func (s *Segment) Window() uint16 { return binary.BigEndian.Uint16(s.tcp()[14:16]) }

// SetSeq sets the sequence number.
func (s *Segment) SetSeq(v uint32) *Segment {
	binary.BigEndian.PutUint32(s.tcp()[4:8], v)
	return s
}

// SetAck sets the acknowledgment number.
func (s *Segment) SetAck(v uint32) *Segment {
	binary.BigEndian.PutUint32(s.tcp()[8:12], v)
	return s
}

// SetFlags replaces the flag byte.
func (s *Segment) SetFlags(f uint8) *Segment {
	s.tcp()[13] = f
	return s
}

// AddFlag sets additional flags.
func (s *Segment) AddFlag(f uint8) *Segment {
	s.tcp()[13] |= f
	return s
}

// SetWindow sets the advertised receive window.
func (s *Segment) SetWindow(w uint16) *Segment {
	binary.BigEndian.PutUint16(s.tcp()[14:16], w)
	return s
}

// Source returns the source socket.
func (s *Segment) Source() netip.AddrPort {
	var a [4]byte
	copy(a[:], s.ip()[12:16])
	return netip.AddrPortFrom(netip.AddrFrom4(a), s.SrcPort())
}

// Destination returns the destination socket.
func (s *Segment) Destination() netip.AddrPort {
	var a [4]byte
	copy(a[:], s.ip()[16:20])
	return netip.AddrPortFrom(netip.AddrFrom4(a), s.DstPort())
}

// SetSource stamps the source IP and port.
func (s *Segment) SetSource(sock netip.AddrPort) *Segment {
	a := sock.Addr().As4()
	copy(s.ip()[12:16], a[:])
	binary.BigEndian.PutUint16(s.tcp()[0:2], sock.Port())
	return s
}

// SetDestination stamps the destination IP and port.
func (s *Segment) SetDestination(sock netip.AddrPort) *Segment {
	a := sock.Addr().As4()
	copy(s.ip()[16:20], a[:])
	binary.BigEndian.PutUint16(s.tcp()[2:4], sock.Port())
	return s
}

// DataOffset returns the TCP header length in bytes.
func (s *Segment) DataOffset() int { return int(s.tcp()[12]>>4) * 4 }

// Payload returns the segment data.
func (s *Segment) Payload() []byte {
	off := tcpOffset + s.DataOffset()
	if off > s.p.Size() {
		return nil
	}
	return s.p.Data()[off:]
}

// DataLen returns the segment data length.
func (s *Segment) DataLen() int { return len(s.Payload()) }

// Fill appends as much of data as fits the frame capacity and grows the
// packet size. It returns the number of bytes consumed.
func (s *Segment) Fill(data []byte) int {
	room := s.p.Capacity() - s.p.Size()
	n := len(data)
	if n > room {
		n = room
	}

	copy(s.p.Buffer()[s.p.Size():], data[:n])
	_ = s.p.SetSize(s.p.Size() + n)
	return n
}

// Finalize writes the IPv4 total length, the IPv4 header checksum and the
// TCP checksum. Call after all fields and data are in place.
func (s *Segment) Finalize() {
	ip := s.ip()
	total := s.p.Size() - ipv4Offset
	binary.BigEndian.PutUint16(ip[2:4], uint16(total))

	binary.BigEndian.PutUint16(ip[10:12], 0)
	binary.BigEndian.PutUint16(ip[10:12], checksum(ip[:ipv4HeaderLen], 0))

	t := s.tcp()[:total-ipv4HeaderLen]
	binary.BigEndian.PutUint16(t[16:18], 0)
	ps := pseudoHeaderSum(ip[12:16], ip[16:20], len(t))
	binary.BigEndian.PutUint16(t[16:18], checksum(t, ps))
}

func (s *Segment) String() string {
	return fmt.Sprintf("%s -> %s seq=%d ack=%d flags=%s win=%d len=%d",
		s.Source(), s.Destination(), s.Seq(), s.Ack(), flagString(s.Flags()), s.Window(), s.DataLen())
}

// checksum is the ones-complement internet checksum folded from the given
// initial sum.
func checksum(data []byte, initial uint32) uint16 {
	sum := initial
	for i := 0; i+1 < len(data); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(data[i : i+2]))
	}
	if len(data)%2 == 1 {
		sum += uint32(data[len(data)-1]) << 8
	}
	for (sum >> 16) != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

func pseudoHeaderSum(src, dst []byte, length int) uint32 {
	sum := uint32(0)
	sum += uint32(binary.BigEndian.Uint16(src[0:2]))
	sum += uint32(binary.BigEndian.Uint16(src[2:4]))
	sum += uint32(binary.BigEndian.Uint16(dst[0:2]))
	sum += uint32(binary.BigEndian.Uint16(dst[2:4]))
	sum += protoTCP
	sum += uint32(length)
	return sum
}

// Sequence arithmetic modulo 2^32.

func seqLT(a, b uint32) bool  { return int32(a-b) < 0 }
func seqLTE(a, b uint32) bool { return int32(a-b) <= 0 }
func seqGT(a, b uint32) bool  { return int32(a-b) > 0 }
