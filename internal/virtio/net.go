package virtio

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/capsuleos/capsule/internal/bufpool"
	"github.com/capsuleos/capsule/internal/dma"
	"github.com/capsuleos/capsule/internal/hw"
	"github.com/capsuleos/capsule/internal/packet"
)

// requiredNetFeatures must all be offered by the device for setup to
// succeed.
const requiredNetFeatures = FeatureNetMAC | FeatureNetStatus

// NetConfigOptions sizes the driver-owned buffer pool.
type NetConfigOptions struct {
	// PoolBuffers is the buffer count of the DMA pool. Each buffer holds one
	// frame plus the virtio-net header prefix.
	PoolBuffers int

	// BufSize is the size of each pool buffer.
	BufSize int
}

// DefaultNetOptions returns the standard pool geometry.
func DefaultNetOptions() NetConfigOptions {
	return NetConfigOptions{
		PoolBuffers: 128,
		BufSize:     2048,
	}
}

// LinkDelegate receives frames the driver hands upward.
type LinkDelegate func(*packet.Packet)

// Net is the virtio-net device driver: two split rings, the driver-owned
// buffer pool, and the TX backlog chain that paces outbound frames against
// ring capacity.
type Net struct {
	tr    *Transport
	pool  *bufpool.Pool
	arena *dma.Arena

	irqc hw.InterruptController
	irq  uint8

	rxq *Ring
	txq *Ring

	conf     NetConfig
	features uint32

	linkOut LinkDelegate
	txAvail func(free int)

	// backlog is the head of the chain of packets awaiting free TX
	// descriptors.
	backlog *packet.Packet

	// emptyHdrAddr points at a shared zeroed virtio-net header, used for
	// packets whose buffers do not come from the driver pool.
	emptyHdrAddr uint64

	log *slog.Logger
}

// NewNet initializes a virtio-net device: feature negotiation, ring setup,
// RX pre-fill, configuration read, IRQ subscription and the initial RX kick.
func NewNet(pio hw.PortIO, dev *hw.PCIDevice, irqc hw.InterruptController, arena *dma.Arena, opts NetConfigOptions, log *slog.Logger) (*Net, error) {
	if log == nil {
		log = slog.Default()
	}
	if opts.PoolBuffers == 0 && opts.BufSize == 0 {
		opts = DefaultNetOptions()
	}
	if opts.BufSize <= NetHdrSize {
		return nil, fmt.Errorf("virtio: buffer size %d does not fit the virtio-net header", opts.BufSize)
	}

	tr, err := NewTransport(pio, dev)
	if err != nil {
		return nil, err
	}

	d := &Net{
		tr:    tr,
		arena: arena,
		irqc:  irqc,
		irq:   dev.IRQLine,
		linkOut: func(p *packet.Packet) {
			p.Release()
		},
		log: log,
	}

	tr.Reset()
	tr.AddStatus(StatusAcknowledge)
	tr.AddStatus(StatusDriver)

	deviceFeatures := tr.DeviceFeatures()
	wanted := uint32(requiredNetFeatures)
	d.features = wanted & deviceFeatures
	if d.features&requiredNetFeatures != requiredNetFeatures {
		tr.Fail()
		return nil, fmt.Errorf("virtio: device features 0x%08x lack required 0x%08x", deviceFeatures, requiredNetFeatures)
	}
	tr.SetDriverFeatures(d.features)

	rxSize := tr.QueueSize(QueueRX)
	txSize := tr.QueueSize(QueueTX)
	if rxSize == 0 || txSize == 0 {
		tr.Fail()
		return nil, errors.New("virtio: device reports no RX/TX queues")
	}

	if d.rxq, err = NewRing(arena, QueueRX, rxSize, tr, log); err != nil {
		tr.Fail()
		return nil, err
	}
	if d.txq, err = NewRing(arena, QueueTX, txSize, tr, log); err != nil {
		tr.Fail()
		return nil, err
	}

	tr.SetQueueAddress(QueueRX, d.rxq.Address())
	tr.SetQueueAddress(QueueTX, d.txq.Address())
	// The control queue, when offered, is left unassigned: this driver does
	// not use it.

	d.pool, err = bufpool.New(arena, bufpool.Config{
		BufCount:     opts.PoolBuffers,
		BufSize:      opts.BufSize,
		DeviceOffset: NetHdrSize,
	}, log)
	if err != nil {
		tr.Fail()
		return nil, err
	}

	if d.emptyHdrAddr, _, err = arena.Reserve(NetHdrSize, 2); err != nil {
		tr.Fail()
		return nil, err
	}

	for i := 0; i < d.rxq.Size()/2; i++ {
		if err := d.addReceiveBuffer(); err != nil {
			tr.Fail()
			return nil, fmt.Errorf("virtio: pre-filling RX queue: %w", err)
		}
	}

	d.conf = parseNetConfig(tr.ConfigBytes(netConfigSize))

	tr.AddStatus(StatusDriverOK)

	irqc.Subscribe(d.irq, d.IRQHandler)
	irqc.Enable(d.irq)

	d.rxq.Kick()

	log.Debug("virtio-net: driver initialized",
		"mac", fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x",
			d.conf.MAC[0], d.conf.MAC[1], d.conf.MAC[2], d.conf.MAC[3], d.conf.MAC[4], d.conf.MAC[5]),
		"linkUp", d.conf.LinkUp(),
		"rxSize", rxSize,
		"txSize", txSize)

	return d, nil
}

// MAC returns the device hardware address.
func (d *Net) MAC() [6]byte { return d.conf.MAC }

// LinkUp reports the last observed link status.
func (d *Net) LinkUp() bool { return d.conf.LinkUp() }

// Pool exposes the driver-owned buffer pool.
func (d *Net) Pool() *bufpool.Pool { return d.pool }

// SetLinkOut installs the delegate invoked on each received frame. The
// default delegate drops (releases) the frame.
func (d *Net) SetLinkOut(fn LinkDelegate) {
	if fn == nil {
		fn = func(p *packet.Packet) { p.Release() }
	}
	d.linkOut = fn
}

// SetTransmitAvailable installs the event raised when TX capacity reappears
// after a backlog drain. The argument is an upper bound on the packets the
// stack may immediately hand down.
func (d *Net) SetTransmitAvailable(fn func(free int)) {
	d.txAvail = fn
}

// AllocPacket acquires a pool buffer and wraps its offset face in a Packet
// sized for the upper layers to fill.
func (d *Net) AllocPacket(size int) (*packet.Packet, error) {
	addr, err := d.pool.AcquireOffset()
	if err != nil {
		return nil, err
	}

	capa := d.pool.BufSize() - d.pool.DeviceOffset()
	buf, _ := d.pool.Bytes(addr, capa)
	if size > capa {
		size = capa
	}
	return packet.New(addr, buf, size, d.pool.OffsetReleaser()), nil
}

// addReceiveBuffer posts one fresh pool buffer on the RX ring as two
// device-writable tokens: the virtio-net header prefix, then the frame
// region.
func (d *Net) addReceiveBuffer() error {
	buf, err := d.pool.AcquireRaw()
	if err != nil {
		return err
	}

	tokens := []Token{
		{Addr: buf, Len: NetHdrSize, Dir: In},
		{Addr: buf + NetHdrSize, Len: uint32(d.pool.BufSize() - NetHdrSize), Dir: In},
	}
	if err := d.rxq.Enqueue(tokens); err != nil {
		d.pool.ReleaseRaw(buf, d.pool.BufSize())
		return err
	}
	return nil
}

// IRQHandler services one device interrupt: queue activity, then
// configuration changes, then EOI.
func (d *Net) IRQHandler() {
	isr := d.tr.ISR()

	if isr&ISRQueue != 0 {
		d.serviceQueues()
	}

	if isr&ISRConfig != 0 {
		d.conf = parseNetConfig(d.tr.ConfigBytes(netConfigSize))
		d.log.Debug("virtio-net: configuration change", "linkUp", d.conf.LinkUp())
	}

	d.irqc.EOI(d.irq)
}

// serviceQueues is the zipper: it alternates between the rings, handling at
// most one completion from each per iteration so that sustained receive load
// cannot starve transmit reclamation.
func (d *Net) serviceQueues() {
	d.rxq.DisableInterrupts()
	d.txq.DisableInterrupts()

	dequeuedRX := 0
	dequeuedTX := 0

	for d.rxq.NewIncoming() > 0 || d.txq.NewIncoming() > 0 {
		if c, ok := d.rxq.Dequeue(); ok {
			d.receive(c)
			dequeuedRX++
		}

		if c, ok := d.txq.Dequeue(); ok {
			// The head token is the raw buffer face; foreign buffers are
			// ignored by the pool.
			d.pool.ReleaseRaw(c.Addr, d.pool.BufSize())
			dequeuedTX++
		}
	}

	if dequeuedRX > 0 {
		d.rxq.Kick()
	}

	d.rxq.EnableInterrupts()
	d.txq.EnableInterrupts()

	if dequeuedTX > 0 {
		if d.backlog != nil {
			b := d.backlog
			d.backlog = nil
			d.Transmit(b)
		}

		if d.backlog == nil && d.txq.NumFree() > 1 && d.txAvail != nil {
			d.txAvail(d.txq.NumFree() / 2)
		}
	}
}

// receive wraps one RX completion in a Packet and delivers it upward, then
// replenishes the ring.
func (d *Net) receive(c Completion) {
	if c.Len < NetHdrSize {
		d.log.Debug("virtio-net: runt RX completion", "len", c.Len)
		d.pool.ReleaseRaw(c.Addr, d.pool.BufSize())
		return
	}

	capa := d.pool.BufSize() - NetHdrSize
	payload, ok := d.pool.Bytes(c.Addr+NetHdrSize, capa)
	if !ok {
		d.log.Debug("virtio-net: RX completion outside pool", "addr", c.Addr)
		return
	}

	p := packet.New(c.Addr+NetHdrSize, payload, int(c.Len)-NetHdrSize, d.pool.OffsetReleaser())
	d.linkOut(p)

	if err := d.addReceiveBuffer(); err != nil {
		// Upward consumers hold every buffer; the pool cannot replenish the
		// ring until they release.
		d.log.Error("virtio-net: RX refill failed", "err", err)
	}
}

// Transmit enqueues as much of the packet chain as ring capacity allows and
// parks the remainder on the backlog. Each packet occupies two descriptors:
// the zeroed virtio-net header, then the frame.
func (d *Net) Transmit(p *packet.Packet) {
	transmitted := 0

	tail := p
	for tail != nil && d.txq.NumFree() >= 2 {
		next := tail.DetachTail()
		if err := d.enqueueTX(tail); err != nil {
			// Keep ordering: the failed head rejoins the remainder.
			if next != nil {
				tail.Chain(next)
			}
			break
		}
		tail = next
		transmitted++
	}

	if transmitted > 0 {
		d.txq.Kick()
	}

	if tail != nil {
		d.addToBacklog(tail)
	}
}

func (d *Net) enqueueTX(p *packet.Packet) error {
	size := uint32(p.Size())

	raw := p.Addr() - NetHdrSize
	hdrAddr := d.emptyHdrAddr
	if p.Addr() >= NetHdrSize && d.pool.Contains(raw) {
		// Pool buffer: the raw face's header prefix rides along, making the
		// completion address the release address.
		hdr, _ := d.pool.Bytes(raw, NetHdrSize)
		clear(hdr)
		hdrAddr = raw
	}

	tokens := []Token{
		{Addr: hdrAddr, Len: NetHdrSize, Dir: Out},
		{Addr: p.Addr(), Len: size, Dir: Out},
	}
	if err := d.txq.Enqueue(tokens); err != nil {
		return err
	}

	// The ring owns the buffer now; completion recovers it.
	p.Disarm()
	return nil
}

func (d *Net) addToBacklog(p *packet.Packet) {
	if d.backlog != nil {
		d.backlog.Chain(p)
	} else {
		d.backlog = p
	}
	d.log.Debug("virtio-net: buffering TX", "chained", d.backlog.ChainLength())
}

// BacklogLength reports the number of packets awaiting TX descriptors.
func (d *Net) BacklogLength() int {
	if d.backlog == nil {
		return 0
	}
	return d.backlog.ChainLength()
}
