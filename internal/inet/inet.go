// Package inet wires the NIC driver, the Ethernet demultiplexer and the TCP
// host into one stack. The layers hold unidirectional delegates into each
// other, populated here, so none of them owns its neighbors.
package inet

import (
	"log/slog"
	"net/netip"

	"github.com/capsuleos/capsule/internal/eth"
	"github.com/capsuleos/capsule/internal/packet"
	"github.com/capsuleos/capsule/internal/tcp"
	"github.com/capsuleos/capsule/internal/virtio"
)

const ipProtoTCP = 6

// Stack composes the core networking substrate over one NIC.
type Stack struct {
	nic *virtio.Net
	eth *eth.Ethernet
	tcp *tcp.TCP

	// gatewayMAC is the static next-hop address frames are sent to; ARP
	// resolution lives outside the core.
	gatewayMAC eth.Addr

	log *slog.Logger
}

// New assembles the stack on top of an initialized driver.
func New(nic *virtio.Net, localAddr netip.Addr, log *slog.Logger) *Stack {
	if log == nil {
		log = slog.Default()
	}

	s := &Stack{
		nic: nic,
		eth: eth.New(eth.Addr(nic.MAC()), log),
		tcp: tcp.New(localAddr, log),
		log: log,
	}

	nic.SetLinkOut(s.eth.Bottom)
	s.eth.SetPhysicalOut(nic.Transmit)
	s.eth.SetIP4Handler(s.ip4Input)
	s.tcp.Bind(nic.AllocPacket, s.ip4Output)

	return s
}

// TCP returns the transport host.
func (s *Stack) TCP() *tcp.TCP { return s.tcp }

// Ethernet returns the link layer.
func (s *Stack) Ethernet() *eth.Ethernet { return s.eth }

// SetGatewayMAC sets the next-hop hardware address for outbound frames.
func (s *Stack) SetGatewayMAC(mac eth.Addr) { s.gatewayMAC = mac }

// ip4Input strips nothing: it checks the IPv4 protocol field and hands TCP
// segments to the transport. Other protocols are dropped here until their
// handlers exist.
func (s *Stack) ip4Input(p *packet.Packet) {
	data := p.Data()
	if len(data) < eth.HeaderLen+20 {
		p.Release()
		return
	}

	if data[eth.HeaderLen+9] != ipProtoTCP {
		s.log.Debug("inet: dropping non-TCP IPv4 packet", "proto", data[eth.HeaderLen+9])
		p.Release()
		return
	}

	s.tcp.Input(p)
}

// ip4Output stamps the Ethernet destination and emits the frame.
func (s *Stack) ip4Output(p *packet.Packet) error {
	copy(p.Buffer()[0:6], s.gatewayMAC[:])
	return s.eth.Transmit(p)
}
