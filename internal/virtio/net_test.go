package virtio

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/capsuleos/capsule/internal/dma"
	"github.com/capsuleos/capsule/internal/hw"
	"github.com/capsuleos/capsule/internal/packet"
)

const (
	testIOBase  uint16 = 0xc000
	testIRQLine uint8  = 11
)

var testMAC = [6]byte{0x52, 0x54, 0x00, 0x12, 0x34, 0x56}

// fakeNetDevice emulates a legacy virtio-net PCI function: the BAR-0
// register file over PortIO and the device side of both rings, operating on
// the same arena memory as the driver.
type fakeNetDevice struct {
	t     *testing.T
	arena *dma.Arena

	deviceFeatures uint32
	driverFeatures uint32
	queueSel       uint16
	queueSizes     [2]uint16
	queuePFN       [2]uint32
	status         uint8
	isr            uint8
	config         [8]byte

	kicks []uint16

	lastAvail [2]uint16
	usedIdx   [2]uint16
	pendingTX []uint16

	// txFrames records the payload of every transmitted packet, in
	// completion order.
	txFrames [][]byte
}

func newFakeNetDevice(t *testing.T, arena *dma.Arena, rxSize, txSize uint16) *fakeNetDevice {
	d := &fakeNetDevice{
		t:              t,
		arena:          arena,
		deviceFeatures: FeatureNetMAC | FeatureNetStatus | FeatureNetCtrlVQ,
		queueSizes:     [2]uint16{rxSize, txSize},
	}
	copy(d.config[0:6], testMAC[:])
	binary.LittleEndian.PutUint16(d.config[6:8], 1) // link up
	return d
}

func (d *fakeNetDevice) pciDevice() *hw.PCIDevice {
	dev := &hw.PCIDevice{
		Vendor:  0x1af4,
		Device:  0x1000,
		IRQLine: testIRQLine,
	}
	dev.BARs[0] = uint32(testIOBase) | 1
	return dev
}

// PortIO implementation.

func (d *fakeNetDevice) In8(port uint16) uint8 {
	switch off := port - testIOBase; {
	case off == regDeviceStatus:
		return d.status
	case off == regISRStatus:
		v := d.isr
		d.isr = 0
		return v
	case off >= regDeviceConfig && off < regDeviceConfig+8:
		return d.config[off-regDeviceConfig]
	}
	d.t.Fatalf("unexpected In8(0x%04x)", port)
	return 0
}

func (d *fakeNetDevice) Out8(port uint16, v uint8) {
	if port-testIOBase == regDeviceStatus {
		d.status = v
		return
	}
	d.t.Fatalf("unexpected Out8(0x%04x, 0x%02x)", port, v)
}

func (d *fakeNetDevice) In16(port uint16) uint16 {
	if port-testIOBase == regQueueSize {
		if int(d.queueSel) < len(d.queueSizes) {
			return d.queueSizes[d.queueSel]
		}
		return 0
	}
	d.t.Fatalf("unexpected In16(0x%04x)", port)
	return 0
}

func (d *fakeNetDevice) Out16(port uint16, v uint16) {
	switch port - testIOBase {
	case regQueueSelect:
		d.queueSel = v
	case regQueueNotify:
		d.kicks = append(d.kicks, v)
	default:
		d.t.Fatalf("unexpected Out16(0x%04x, 0x%04x)", port, v)
	}
}

func (d *fakeNetDevice) In32(port uint16) uint32 {
	if port-testIOBase == regDeviceFeatures {
		return d.deviceFeatures
	}
	d.t.Fatalf("unexpected In32(0x%04x)", port)
	return 0
}

func (d *fakeNetDevice) Out32(port uint16, v uint32) {
	switch port - testIOBase {
	case regDriverFeatures:
		d.driverFeatures = v
	case regQueueAddress:
		if int(d.queueSel) >= len(d.queuePFN) {
			d.t.Fatalf("queue address write for unexpected queue %d", d.queueSel)
		}
		d.queuePFN[d.queueSel] = v
	default:
		d.t.Fatalf("unexpected Out32(0x%04x, 0x%08x)", port, v)
	}
}

// Device-side ring access.

func (d *fakeNetDevice) ringBytes(q int, off, n int) []byte {
	base := uint64(d.queuePFN[q]) * legacyPageSize
	b, ok := d.arena.Bytes(base+uint64(off), n)
	if !ok {
		d.t.Fatalf("queue %d memory at +0x%x not in arena", q, off)
	}
	return b
}

func (d *fakeNetDevice) ringOffsets(q int) (availOff, usedOff int) {
	size := int(d.queueSizes[q])
	availOff = size * descEntrySize
	usedOff = (availOff + 4 + 2*size + 2 + dma.PageSize - 1) &^ (dma.PageSize - 1)
	return
}

func (d *fakeNetDevice) popAvail(q int) (uint16, bool) {
	availOff, _ := d.ringOffsets(q)
	idx := binary.LittleEndian.Uint16(d.ringBytes(q, availOff+2, 2))
	if d.lastAvail[q] == idx {
		return 0, false
	}
	pos := int(d.lastAvail[q] % d.queueSizes[q])
	head := binary.LittleEndian.Uint16(d.ringBytes(q, availOff+4+pos*2, 2))
	d.lastAvail[q]++
	return head, true
}

func (d *fakeNetDevice) readDesc(q int, i uint16) (addr uint64, length uint32, flags uint16, next uint16) {
	b := d.ringBytes(q, int(i)*descEntrySize, descEntrySize)
	return binary.LittleEndian.Uint64(b[0:8]),
		binary.LittleEndian.Uint32(b[8:12]),
		binary.LittleEndian.Uint16(b[12:14]),
		binary.LittleEndian.Uint16(b[14:16])
}

func (d *fakeNetDevice) pushUsed(q int, id uint16, length uint32) {
	_, usedOff := d.ringOffsets(q)
	pos := int(d.usedIdx[q] % d.queueSizes[q])
	e := d.ringBytes(q, usedOff+4+pos*usedEntrySize, usedEntrySize)
	binary.LittleEndian.PutUint32(e[0:4], uint32(id))
	binary.LittleEndian.PutUint32(e[4:8], length)
	d.usedIdx[q]++
	binary.LittleEndian.PutUint16(d.ringBytes(q, usedOff+2, 2), d.usedIdx[q])
}

// completeRX writes one frame into the next posted receive buffer and
// publishes its completion. Returns false when no buffer is posted.
func (d *fakeNetDevice) completeRX(frame []byte) bool {
	head, ok := d.popAvail(QueueRX)
	if !ok {
		return false
	}

	hdrAddr, hdrLen, flags, next := d.readDesc(QueueRX, head)
	if hdrLen != NetHdrSize || flags&descFlagWrite == 0 || flags&descFlagNext == 0 {
		d.t.Fatalf("RX head descriptor not a virtio-net header token (len=%d flags=0x%x)", hdrLen, flags)
	}
	payloadAddr, payloadLen, _, _ := d.readDesc(QueueRX, next)
	if int(payloadLen) < len(frame) {
		d.t.Fatalf("RX payload token of %d bytes too small for frame of %d", payloadLen, len(frame))
	}

	hdr, _ := d.arena.Bytes(hdrAddr, NetHdrSize)
	clear(hdr)
	dst, _ := d.arena.Bytes(payloadAddr, len(frame))
	copy(dst, frame)

	d.pushUsed(QueueRX, head, uint32(NetHdrSize+len(frame)))
	return true
}

// completeTX consumes one transmitted packet, recording its frame bytes.
func (d *fakeNetDevice) completeTX() bool {
	head, ok := d.popAvail(QueueTX)
	if !ok {
		return false
	}

	hdrAddr, hdrLen, flags, next := d.readDesc(QueueTX, head)
	if hdrLen != NetHdrSize || flags&descFlagNext == 0 {
		d.t.Fatalf("TX head descriptor not a virtio-net header token")
	}
	hdr, _ := d.arena.Bytes(hdrAddr, NetHdrSize)
	if !bytes.Equal(hdr, make([]byte, NetHdrSize)) {
		d.t.Fatalf("TX virtio-net header not zeroed: % x", hdr)
	}

	payloadAddr, payloadLen, _, _ := d.readDesc(QueueTX, next)
	frame, _ := d.arena.Bytes(payloadAddr, int(payloadLen))
	d.txFrames = append(d.txFrames, append([]byte(nil), frame...))

	d.pushUsed(QueueTX, head, 0)
	return true
}

// interrupt raises the queue interrupt through the controller.
func (d *fakeNetDevice) interrupt(ls *hw.LineSet) {
	d.isr |= ISRQueue
	ls.Raise(testIRQLine)
}

func newTestNet(t *testing.T, rxSize, txSize uint16, opts NetConfigOptions) (*Net, *fakeNetDevice, *hw.LineSet) {
	t.Helper()

	arena, err := dma.NewArena(0x100000, 8<<20)
	if err != nil {
		t.Fatalf("arena: %v", err)
	}
	dev := newFakeNetDevice(t, arena, rxSize, txSize)
	ls := hw.NewLineSet(nil)

	nic, err := NewNet(dev, dev.pciDevice(), ls, arena, opts, nil)
	if err != nil {
		t.Fatalf("driver init: %v", err)
	}
	return nic, dev, ls
}

func TestNetInitialization(t *testing.T) {
	nic, dev, _ := newTestNet(t, 32, 32, NetConfigOptions{PoolBuffers: 64, BufSize: 2048})

	if dev.driverFeatures != FeatureNetMAC|FeatureNetStatus {
		t.Fatalf("negotiated features = 0x%08x", dev.driverFeatures)
	}
	if dev.status&StatusDriverOK == 0 {
		t.Fatalf("DRIVER_OK not set, status = 0x%02x", dev.status)
	}
	if dev.queuePFN[QueueRX] == 0 || dev.queuePFN[QueueTX] == 0 {
		t.Fatalf("queue addresses not published: %v", dev.queuePFN)
	}

	if nic.MAC() != testMAC {
		t.Fatalf("MAC = %x, want %x", nic.MAC(), testMAC)
	}
	if !nic.LinkUp() {
		t.Fatalf("link not up")
	}

	// Half the RX ring is pre-filled and the queue kicked.
	posted := 0
	for {
		if _, ok := dev.popAvail(QueueRX); !ok {
			break
		}
		posted++
	}
	if posted != 16 {
		t.Fatalf("pre-filled %d RX buffers, want 16", posted)
	}
	if len(dev.kicks) == 0 || dev.kicks[len(dev.kicks)-1] != QueueRX {
		t.Fatalf("RX not kicked, kicks = %v", dev.kicks)
	}

	// 16 buffers on the ring, the rest free.
	if nic.Pool().Available() != 48 {
		t.Fatalf("pool available = %d, want 48", nic.Pool().Available())
	}
}

func TestNetInitMissingFeature(t *testing.T) {
	arena, _ := dma.NewArena(0x100000, 8<<20)
	dev := newFakeNetDevice(t, arena, 32, 32)
	dev.deviceFeatures = FeatureNetMAC // no STATUS

	_, err := NewNet(dev, dev.pciDevice(), hw.NewLineSet(nil), arena, NetConfigOptions{}, nil)
	if err == nil {
		t.Fatalf("setup succeeded without required features")
	}
	if dev.status&StatusFailed == 0 {
		t.Fatalf("FAILED not latched, status = 0x%02x", dev.status)
	}
}

func TestNetReceive(t *testing.T) {
	nic, dev, ls := newTestNet(t, 32, 32, NetConfigOptions{PoolBuffers: 64, BufSize: 2048})

	var got []*packet.Packet
	nic.SetLinkOut(func(p *packet.Packet) { got = append(got, p) })

	frame := make([]byte, 60)
	for i := range frame {
		frame[i] = byte(i)
	}
	if !dev.completeRX(frame) {
		t.Fatalf("no RX buffer posted")
	}
	dev.interrupt(ls)

	if len(got) != 1 {
		t.Fatalf("delivered %d packets, want 1", len(got))
	}
	p := got[0]
	if p.Size() != 60 {
		t.Fatalf("packet size = %d, want 60 (virtio header stripped)", p.Size())
	}
	if !bytes.Equal(p.Data(), frame) {
		t.Fatalf("payload mismatch")
	}

	// The ring was replenished and re-kicked.
	if _, ok := dev.popAvail(QueueRX); !ok {
		t.Fatalf("RX ring not refilled")
	}
	if dev.kicks[len(dev.kicks)-1] != QueueRX {
		t.Fatalf("RX not kicked after service")
	}

	// Releasing the packet returns its buffer to the pool.
	before := nic.Pool().Available()
	p.Release()
	if nic.Pool().Available() != before+1 {
		t.Fatalf("release did not return buffer to pool")
	}
}

func TestNetZipperFairness(t *testing.T) {
	nic, dev, ls := newTestNet(t, 64, 64, NetConfigOptions{PoolBuffers: 64, BufSize: 2048})

	// Put 8 packets in flight on TX.
	var chain *packet.Packet
	for i := 0; i < 8; i++ {
		p, err := nic.AllocPacket(64)
		if err != nil {
			t.Fatalf("alloc %d: %v", i, err)
		}
		if chain == nil {
			chain = p
		} else {
			chain.Chain(p)
		}
	}
	nic.Transmit(chain)
	if nic.BacklogLength() != 0 {
		t.Fatalf("backlog = %d, want 0", nic.BacklogLength())
	}

	// Preload 8 completions on each ring, then service once.
	for i := 0; i < 8; i++ {
		if !dev.completeRX(make([]byte, 60)) {
			t.Fatalf("RX completion %d failed", i)
		}
		if !dev.completeTX() {
			t.Fatalf("TX completion %d failed", i)
		}
	}

	var held []*packet.Packet
	var observed []int
	nic.SetLinkOut(func(p *packet.Packet) {
		held = append(held, p)
		observed = append(observed, nic.Pool().Available())
	})

	level := nic.Pool().Available()
	dev.interrupt(ls)

	if len(held) != 8 {
		t.Fatalf("delivered %d RX packets, want 8", len(held))
	}

	// Strict 1:1 interleave: at every RX delivery exactly one TX release
	// and one RX refill from each earlier iteration have balanced out, so
	// the pool level equals its pre-interrupt value. Servicing a run of
	// more than one RX (or TX) between the other ring's completions would
	// skew it.
	for i, v := range observed {
		if v != level {
			t.Fatalf("pool level at RX %d = %d, want %d (no 1:1 interleave)", i, v, level)
		}
	}

	for _, p := range held {
		p.Release()
	}
}

func TestNetTransmitBackpressure(t *testing.T) {
	// An 8-descriptor TX ring holds 4 packets (header + payload tokens
	// each).
	nic, dev, ls := newTestNet(t, 32, 8, NetConfigOptions{PoolBuffers: 64, BufSize: 2048})

	var events []int
	nic.SetTransmitAvailable(func(free int) { events = append(events, free) })

	var chain *packet.Packet
	for i := 0; i < 10; i++ {
		p, err := nic.AllocPacket(100)
		if err != nil {
			t.Fatalf("alloc %d: %v", i, err)
		}
		if chain == nil {
			chain = p
		} else {
			chain.Chain(p)
		}
	}

	nic.Transmit(chain)

	if got := len(dev.drainTXAvail()); got != 4 {
		t.Fatalf("enqueued %d packets, want 4", got)
	}
	if nic.BacklogLength() != 6 {
		t.Fatalf("backlog = %d, want 6", nic.BacklogLength())
	}

	// Two completions free two packet slots; the backlog refills them.
	dev.completeTXRaw(2)
	dev.interrupt(ls)
	if nic.BacklogLength() != 4 {
		t.Fatalf("backlog after 2 completions = %d, want 4", nic.BacklogLength())
	}
	if len(events) != 0 {
		t.Fatalf("capacity event fired with backlog pending: %v", events)
	}

	// Four more completions drain the backlog entirely.
	dev.completeTXRaw(4)
	dev.interrupt(ls)
	if nic.BacklogLength() != 0 {
		t.Fatalf("backlog after 6 completions = %d, want 0", nic.BacklogLength())
	}

	// The final in-flight packets complete; with the backlog gone the
	// driver announces regained capacity exactly once.
	dev.completeTXRaw(4)
	dev.interrupt(ls)

	if len(events) != 1 {
		t.Fatalf("capacity events = %v, want exactly one", events)
	}
	if events[0] < 1 {
		t.Fatalf("capacity event argument = %d, want >= 1", events[0])
	}
}

func TestNetConfigChange(t *testing.T) {
	nic, dev, ls := newTestNet(t, 32, 32, NetConfigOptions{PoolBuffers: 64, BufSize: 2048})

	binary.LittleEndian.PutUint16(dev.config[6:8], 0) // link down
	dev.isr |= ISRConfig
	ls.Raise(testIRQLine)

	if nic.LinkUp() {
		t.Fatalf("link status not refreshed")
	}
}

// drainTXAvail consumes all published TX heads without completing them,
// returning the recorded frames.
func (d *fakeNetDevice) drainTXAvail() [][]byte {
	var frames [][]byte
	for {
		head, ok := d.popAvail(QueueTX)
		if !ok {
			return frames
		}
		_, _, _, next := d.readDesc(QueueTX, head)
		payloadAddr, payloadLen, _, _ := d.readDesc(QueueTX, next)
		frame, _ := d.arena.Bytes(payloadAddr, int(payloadLen))
		frames = append(frames, append([]byte(nil), frame...))
		d.pendingTX = append(d.pendingTX, head)
	}
}

// completeTXRaw publishes completions for n previously drained TX heads.
func (d *fakeNetDevice) completeTXRaw(n int) {
	for i := 0; i < n; i++ {
		if len(d.pendingTX) == 0 {
			// Not yet drained: consume straight off the available ring.
			if !d.completeTX() {
				d.t.Fatalf("no TX packet to complete")
			}
			continue
		}
		head := d.pendingTX[0]
		d.pendingTX = d.pendingTX[1:]
		d.pushUsed(QueueTX, head, 0)
	}
}
