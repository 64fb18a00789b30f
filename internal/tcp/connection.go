package tcp

import (
	"fmt"
	"log/slog"
	"net/netip"
)

// defaultWindow is the receive window advertised by a fresh connection.
const defaultWindow = 0xffff

// maxSegmentData bounds the payload of one outgoing segment.
const maxSegmentData = 1460

// Connection is one TCP flow: the transmission control block, the state
// value, and the receive/send segment queues. The user commands run in stack
// context; Receive is driven by TCP.Input, which the inet wiring reaches from
// the NIC receive delegate inside the driver's interrupt handler.
type Connection struct {
	host      *TCP
	localPort uint16
	remote    netip.AddrPort

	state     State
	prevState State

	tcb ControlBlock

	recvQ []*Segment
	sendQ []*Segment

	// rcvBufferOffset tracks how many bytes of the head receive-queue
	// segment a partial read has already consumed.
	rcvBufferOffset int

	log *slog.Logger
}

func newConnection(host *TCP, localPort uint16, remote netip.AddrPort, log *slog.Logger) *Connection {
	if log == nil {
		log = slog.Default()
	}

	c := &Connection{
		host:      host,
		localPort: localPort,
		remote:    remote,
		state:     Closed,
		prevState: Closed,
		log:       log,
	}
	c.tcb.RCV.WND = defaultWindow
	return c
}

// State returns the current connection state.
func (c *Connection) State() State { return c.state }

// PrevState returns the state before the last transition.
func (c *Connection) PrevState() State { return c.prevState }

// TCB returns a copy of the transmission control block.
func (c *Connection) TCB() ControlBlock { return c.tcb }

// Remote returns the remote socket.
func (c *Connection) Remote() netip.AddrPort { return c.remote }

// LocalPort returns the local port.
func (c *Connection) LocalPort() uint16 { return c.localPort }

// Local returns the local socket.
func (c *Connection) Local() netip.AddrPort {
	return netip.AddrPortFrom(c.host.localAddr, c.localPort)
}

// SendQueue exposes the queued outgoing segments, oldest first.
func (c *Connection) SendQueue() []*Segment { return c.sendQ }

func (c *Connection) setState(s State) {
	c.log.Debug("tcp: state transition",
		"local", c.Local(), "remote", c.remote,
		"from", c.state, "to", s)
	c.prevState = c.state
	c.state = s
}

func (c *Connection) String() string {
	return fmt.Sprintf("%s\t%s\t%s", c.Local(), c.remote, c.state)
}

// Open performs the user open command. An active open from Closed sends a
// SYN and moves to SynSent; a passive open moves to Listen.
func (c *Connection) Open(active bool) error {
	switch c.state {
	case Closed:
		if !active {
			c.setState(Listen)
			return nil
		}
		return c.activeOpen()

	case Listen:
		if active {
			return c.activeOpen()
		}
		return nil

	default:
		return fmt.Errorf("%w: %s", ErrInvalidStateForOpen, c.state)
	}
}

func (c *Connection) activeOpen() error {
	if !c.remote.IsValid() || c.remote.Port() == 0 {
		return fmt.Errorf("%w: no remote socket", ErrInvalidStateForOpen)
	}

	c.tcb.ISS = c.host.GenerateISS()
	c.tcb.SND.UNA = c.tcb.ISS
	c.tcb.SND.NXT = c.tcb.ISS

	seg, err := c.createOutgoing()
	if err != nil {
		return err
	}
	seg.SetFlags(FlagSYN)

	c.tcb.SND.NXT = c.tcb.ISS + 1
	c.setState(SynSent)
	return nil
}

// Close performs the user close command.
func (c *Connection) Close() error {
	switch c.state {
	case Listen, SynSent:
		c.setState(Closed)
		return nil

	case SynRcvd, Established:
		if err := c.queueFin(); err != nil {
			return err
		}
		c.setState(FinWait1)
		return nil

	case CloseWait:
		if err := c.queueFin(); err != nil {
			return err
		}
		c.setState(LastAck)
		return nil

	default:
		return fmt.Errorf("%w: close in %s", ErrInvalidStateForOperation, c.state)
	}
}

func (c *Connection) queueFin() error {
	seg, err := c.createOutgoing()
	if err != nil {
		return err
	}
	seg.SetFlags(FlagFIN | FlagACK)
	c.tcb.SND.NXT++
	return nil
}

// Write packetizes the buffer into the send queue: each chunk becomes a
// segment stamped with SND.NXT/RCV.NXT and the ACK flag, the last chunk also
// carries PSH. Nothing is transmitted until Transmit is called.
func (c *Connection) Write(b []byte) (int, error) {
	switch c.state {
	case Established, CloseWait:
		return c.writeToSendQueue(b)

	default:
		return 0, fmt.Errorf("%w: send in %s", ErrInvalidStateForOperation, c.state)
	}
}

func (c *Connection) writeToSendQueue(b []byte) (int, error) {
	written := 0
	for written < len(b) {
		seg, err := c.createOutgoing()
		if err != nil {
			return written, err
		}
		seg.AddFlag(FlagACK)

		chunk := b[written:]
		if len(chunk) > maxSegmentData {
			chunk = chunk[:maxSegmentData]
		}
		n := seg.Fill(chunk)
		written += n

		if written == len(b) {
			seg.AddFlag(FlagPSH)
		}

		c.tcb.SND.NXT += uint32(n)

		if n == 0 {
			return written, fmt.Errorf("tcp: segment for %s has no payload room", c.remote)
		}
	}
	return written, nil
}

// Read copies received data into b, advancing the partial-read offset of the
// head segment and popping segments as they are fully consumed. Short reads
// are permitted.
func (c *Connection) Read(b []byte) (int, error) {
	switch c.state {
	case Established, FinWait1, FinWait2, CloseWait:
		return c.readFromReceiveQueue(b), nil

	default:
		return 0, fmt.Errorf("%w: receive in %s", ErrInvalidStateForOperation, c.state)
	}
}

func (c *Connection) readFromReceiveQueue(b []byte) int {
	read := 0
	for len(c.recvQ) > 0 && read < len(b) {
		seg := c.recvQ[0]
		data := seg.Payload()[c.rcvBufferOffset:]

		n := copy(b[read:], data)
		read += n
		c.rcvBufferOffset += n

		if c.rcvBufferOffset == seg.DataLen() {
			c.recvQ = c.recvQ[1:]
			c.rcvBufferOffset = 0
			seg.Packet().Release()
		}
	}

	// Consumed bytes reopen the advertised window.
	c.tcb.RCV.WND += uint16(read)
	return read
}

// Receive handles one inbound segment: the send window tracks the segment's
// window field, then the current state's handler runs. A negative return is
// the advisory teardown signal for the connection's owner.
func (c *Connection) Receive(seg *Segment) int {
	c.tcb.SND.WND = seg.Window()

	if seg.HasFlag(FlagRST) && c.state != Closed && c.state != Listen {
		c.log.Debug("tcp: connection reset", "remote", c.remote, "state", c.state)
		seg.Packet().Release()
		c.setState(Closed)
		return -1
	}

	switch c.state {
	case Closed:
		seg.Packet().Release()
		return 0

	case Listen:
		return c.handleListen(seg)

	case SynSent:
		return c.handleSynSent(seg)

	case SynRcvd:
		return c.handleSynRcvd(seg)

	case Established:
		return c.handleEstablished(seg)

	case FinWait1:
		return c.handleFinWait1(seg)

	case FinWait2:
		return c.handleFinWait2(seg)

	case CloseWait, Closing, LastAck:
		return c.handleClosingStates(seg)

	case TimeWait:
		return c.handleTimeWait(seg)
	}

	seg.Packet().Release()
	return 0
}

func (c *Connection) handleListen(seg *Segment) int {
	if !seg.HasFlag(FlagSYN) {
		seg.Packet().Release()
		return 0
	}

	c.remote = seg.Source()
	c.tcb.IRS = seg.Seq()
	c.tcb.RCV.NXT = seg.Seq() + 1

	c.tcb.ISS = c.host.GenerateISS()
	c.tcb.SND.UNA = c.tcb.ISS
	c.tcb.SND.NXT = c.tcb.ISS

	out, err := c.createOutgoing()
	if err != nil {
		c.log.Error("tcp: cannot answer SYN", "err", err)
		seg.Packet().Release()
		return 0
	}
	out.SetFlags(FlagSYN | FlagACK)

	c.tcb.SND.NXT = c.tcb.ISS + 1
	c.setState(SynRcvd)

	seg.Packet().Release()
	return 0
}

func (c *Connection) handleSynSent(seg *Segment) int {
	switch {
	case seg.HasFlag(FlagSYN | FlagACK):
		if !c.ackAcceptable(seg.Ack()) {
			seg.Packet().Release()
			return 0
		}

		c.tcb.IRS = seg.Seq()
		c.tcb.RCV.NXT = seg.Seq() + 1
		c.tcb.SND.UNA = seg.Ack()
		c.tcb.SND.WL1 = seg.Seq()
		c.tcb.SND.WL2 = seg.Ack()

		c.setState(Established)
		c.queueAck()

	case seg.HasFlag(FlagSYN):
		// Simultaneous open.
		c.tcb.IRS = seg.Seq()
		c.tcb.RCV.NXT = seg.Seq() + 1

		if out, err := c.createOutgoing(); err == nil {
			out.SetSeq(c.tcb.ISS).SetFlags(FlagSYN | FlagACK)
		}
		c.setState(SynRcvd)
	}

	seg.Packet().Release()
	return 0
}

func (c *Connection) handleSynRcvd(seg *Segment) int {
	if !seg.HasFlag(FlagACK) || !c.ackAcceptable(seg.Ack()) {
		seg.Packet().Release()
		return 0
	}

	c.tcb.SND.UNA = seg.Ack()
	c.setState(Established)

	// The handshake ACK may already carry data.
	if seg.DataLen() > 0 || seg.HasFlag(FlagFIN) {
		return c.handleEstablished(seg)
	}

	seg.Packet().Release()
	return 0
}

func (c *Connection) handleEstablished(seg *Segment) int {
	c.processAck(seg)

	kept := c.acceptData(seg)

	if seg.HasFlag(FlagFIN) && seg.Seq()+uint32(seg.DataLen()) == c.tcb.RCV.NXT {
		c.tcb.RCV.NXT++
		c.queueAck()
		c.setState(CloseWait)
	}

	if !kept {
		seg.Packet().Release()
	}
	return 0
}

func (c *Connection) handleFinWait1(seg *Segment) int {
	c.processAck(seg)
	finAcked := seg.HasFlag(FlagACK) && seg.Ack() == c.tcb.SND.NXT

	kept := c.acceptData(seg)

	switch {
	case seg.HasFlag(FlagFIN):
		c.tcb.RCV.NXT++
		c.queueAck()
		if finAcked {
			c.setState(TimeWait)
		} else {
			c.setState(Closing)
		}

	case finAcked:
		c.setState(FinWait2)
	}

	if !kept {
		seg.Packet().Release()
	}
	return 0
}

func (c *Connection) handleFinWait2(seg *Segment) int {
	kept := c.acceptData(seg)

	if seg.HasFlag(FlagFIN) {
		c.tcb.RCV.NXT++
		c.queueAck()
		c.setState(TimeWait)
	}

	if !kept {
		seg.Packet().Release()
	}
	return 0
}

func (c *Connection) handleClosingStates(seg *Segment) int {
	c.processAck(seg)
	finAcked := seg.HasFlag(FlagACK) && seg.Ack() == c.tcb.SND.NXT

	defer seg.Packet().Release()

	switch c.state {
	case Closing:
		if finAcked {
			c.setState(TimeWait)
		}

	case LastAck:
		if finAcked {
			c.setState(Closed)
			return -1
		}
	}

	return 0
}

func (c *Connection) handleTimeWait(seg *Segment) int {
	// A retransmitted FIN means our final ACK was lost.
	if seg.HasFlag(FlagFIN) {
		c.queueAck()
	}
	seg.Packet().Release()
	return 0
}

// processAck advances SND.UNA and the window bookkeeping for an acceptable
// acknowledgment.
func (c *Connection) processAck(seg *Segment) {
	if !seg.HasFlag(FlagACK) {
		return
	}

	ack := seg.Ack()
	if c.ackAcceptable(ack) {
		c.tcb.SND.UNA = ack
	}

	seq := seg.Seq()
	if seqLT(c.tcb.SND.WL1, seq) || (c.tcb.SND.WL1 == seq && seqLTE(c.tcb.SND.WL2, ack)) {
		c.tcb.SND.WND = seg.Window()
		c.tcb.SND.WL1 = seq
		c.tcb.SND.WL2 = ack
	}
}

// acceptData queues an in-order data segment on the receive queue, trimming
// it to the open receive window, and acknowledges it. The return reports
// whether the segment was kept (queue ownership) or may be released.
func (c *Connection) acceptData(seg *Segment) bool {
	n := seg.DataLen()
	if n == 0 {
		return false
	}

	if seg.Seq() != c.tcb.RCV.NXT {
		// Out of order; resend the cumulative ACK.
		c.log.Debug("tcp: out-of-order segment", "seq", seg.Seq(), "expected", c.tcb.RCV.NXT)
		c.queueAck()
		return false
	}

	if c.tcb.RCV.WND == 0 {
		c.queueAck()
		return false
	}
	if uint16(n) > c.tcb.RCV.WND {
		n = int(c.tcb.RCV.WND)
		_ = seg.Packet().SetSize(tcpOffset + seg.DataOffset() + n)
	}

	c.recvQ = append(c.recvQ, seg)
	c.tcb.RCV.NXT += uint32(n)
	c.tcb.RCV.WND -= uint16(n)
	c.queueAck()
	return true
}

// ackAcceptable reports SND.UNA < ack <= SND.NXT.
func (c *Connection) ackAcceptable(ack uint32) bool {
	return seqLT(c.tcb.SND.UNA, ack) && seqLTE(ack, c.tcb.SND.NXT)
}

// createOutgoing allocates a segment stamped with the connection's sockets,
// SND.NXT, RCV.NXT and the advertised window, and appends it to the send
// queue.
func (c *Connection) createOutgoing() (*Segment, error) {
	p, err := c.host.newPacket(HeadersSize)
	if err != nil {
		return nil, err
	}

	seg, err := NewSegment(p)
	if err != nil {
		p.Release()
		return nil, err
	}

	seg.SetSource(c.Local()).
		SetDestination(c.remote).
		SetSeq(c.tcb.SND.NXT).
		SetAck(c.tcb.RCV.NXT).
		SetWindow(c.tcb.RCV.WND)

	c.sendQ = append(c.sendQ, seg)
	return seg, nil
}

func (c *Connection) queueAck() {
	seg, err := c.createOutgoing()
	if err != nil {
		c.log.Error("tcp: cannot queue ACK", "err", err)
		return
	}
	seg.SetFlags(FlagACK)
}

// Transmit flushes the send queue through the host's output delegate.
func (c *Connection) Transmit() error {
	for len(c.sendQ) > 0 {
		seg := c.sendQ[0]

		if !seg.Destination().IsValid() || seg.Destination().Port() == 0 {
			return fmt.Errorf("tcp: segment for %s has no destination", c.remote)
		}

		if err := c.host.transmit(seg); err != nil {
			return err
		}
		c.sendQ = c.sendQ[1:]
	}
	return nil
}
