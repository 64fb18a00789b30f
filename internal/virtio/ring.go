package virtio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/capsuleos/capsule/internal/dma"
)

// ErrRingFull is returned when an enqueue does not fit in the remaining free
// descriptors. Nothing is published in that case.
var ErrRingFull = errors.New("virtio: ring full")

// Descriptor flags.
const (
	descFlagNext  = 1 << 0
	descFlagWrite = 1 << 1
)

// Available-ring flag suppressing device notifications to the driver.
const availFlagNoInterrupt = 1 << 0

const (
	descEntrySize = 16
	usedEntrySize = 8
)

// Direction of a scatter-gather token, from the device's point of view.
type Direction uint8

const (
	// In marks a buffer the device writes into (receive).
	In Direction = iota

	// Out marks a buffer the device reads from (transmit).
	Out
)

// Token is one scatter-gather fragment.
type Token struct {
	Addr uint64
	Len  uint32
	Dir  Direction
}

// Completion is one used-ring entry: the head descriptor's buffer address
// and the length the device reports written.
type Completion struct {
	Addr uint64
	Len  uint32
}

// Notifier delivers available-ring kicks to the device. The legacy transport
// implements it via the queue-notify register.
type Notifier interface {
	QueueNotify(index uint16)
}

// Ring is the driver side of a virtio split virtqueue: descriptor table,
// available ring and used ring over one contiguous device-visible region,
// plus the driver's free-descriptor chain and last-seen used index.
type Ring struct {
	index uint16
	size  uint16

	addr uint64
	mem  []byte

	descOff  int
	availOff int
	usedOff  int

	freeHead uint16
	numFree  uint16
	availIdx uint16
	lastUsed uint16

	notifier Notifier
	log      *slog.Logger
}

// NewRing lays out a split virtqueue of the given size in the arena and
// links every descriptor into the free chain. Size must be a power of two,
// per the virtio specification.
func NewRing(arena *dma.Arena, index, size uint16, n Notifier, log *slog.Logger) (*Ring, error) {
	if size == 0 || size&(size-1) != 0 {
		return nil, fmt.Errorf("virtio: queue %d size %d not a power of two", index, size)
	}
	if log == nil {
		log = slog.Default()
	}

	descBytes := int(size) * descEntrySize
	availBytes := 4 + 2*int(size) + 2
	usedOff := (descBytes + availBytes + dma.PageSize - 1) &^ (dma.PageSize - 1)
	usedBytes := 4 + usedEntrySize*int(size) + 2

	addr, mem, err := arena.Reserve(usedOff+usedBytes, dma.PageSize)
	if err != nil {
		return nil, fmt.Errorf("virtio: reserving queue %d memory: %w", index, err)
	}

	r := &Ring{
		index:    index,
		size:     size,
		addr:     addr,
		mem:      mem,
		descOff:  0,
		availOff: descBytes,
		usedOff:  usedOff,
		numFree:  size,
		notifier: n,
		log:      log,
	}

	// Thread the free chain through the descriptor next fields.
	for i := uint16(0); i < size; i++ {
		r.setDescNext(i, i+1)
	}

	return r, nil
}

// Index returns the virtqueue number.
func (r *Ring) Index() uint16 { return r.index }

// Size returns the descriptor count.
func (r *Ring) Size() int { return int(r.size) }

// Address returns the bus address of the ring memory (descriptor table
// first, as the legacy queue-address register expects).
func (r *Ring) Address() uint64 { return r.addr }

// NumFree returns the number of free descriptors.
func (r *Ring) NumFree() int { return int(r.numFree) }

// Enqueue threads the tokens into consecutive free descriptors, marks the
// last as end-of-chain and publishes the head on the available ring. The
// operation is all-or-nothing: with fewer free descriptors than tokens,
// nothing is published and ErrRingFull is returned.
func (r *Ring) Enqueue(tokens []Token) error {
	if len(tokens) == 0 {
		return nil
	}
	if int(r.numFree) < len(tokens) {
		return ErrRingFull
	}

	head := r.freeHead
	idx := head
	for i, t := range tokens {
		flags := uint16(0)
		if t.Dir == In {
			flags |= descFlagWrite
		}
		if i < len(tokens)-1 {
			flags |= descFlagNext
		}

		next := r.descNext(idx)
		r.writeDesc(idx, t.Addr, t.Len, flags, next)
		idx = next
	}

	r.freeHead = idx
	r.numFree -= uint16(len(tokens))

	// Publish the head, then advance the index. The entry must be visible
	// before the index moves.
	r.setAvailRing(r.availIdx%r.size, head)
	r.availIdx++
	r.setAvailIdx(r.availIdx)

	return nil
}

// Dequeue reads one completion off the used ring, reclaims the descriptor
// chain, and returns the head token's address with the device-reported
// written length. The second return is false when no new completion exists.
func (r *Ring) Dequeue() (Completion, bool) {
	if r.usedIdx() == r.lastUsed {
		return Completion{}, false
	}

	id, length := r.usedRing(r.lastUsed % r.size)
	head := uint16(id)
	addr := r.descAddr(head)

	// Return the whole chain to the free list.
	idx := head
	count := uint16(1)
	for r.descFlags(idx)&descFlagNext != 0 {
		idx = r.descNext(idx)
		count++
	}
	r.setDescNext(idx, r.freeHead)
	r.freeHead = head
	r.numFree += count

	r.lastUsed++

	return Completion{Addr: addr, Len: length}, true
}

// NewIncoming returns how many completions the device has published that the
// driver has not yet dequeued. Index wraparound is handled by the 16-bit
// unsigned subtraction.
func (r *Ring) NewIncoming() int {
	return int(r.usedIdx() - r.lastUsed)
}

// Kick notifies the device that the available ring has advanced.
func (r *Ring) Kick() {
	if r.notifier != nil {
		r.notifier.QueueNotify(r.index)
	}
}

// DisableInterrupts asks the device not to interrupt on used-ring updates.
func (r *Ring) DisableInterrupts() {
	r.setAvailFlags(r.availFlags() | availFlagNoInterrupt)
}

// EnableInterrupts re-enables used-ring interrupts.
func (r *Ring) EnableInterrupts() {
	r.setAvailFlags(r.availFlags() &^ availFlagNoInterrupt)
}

// Descriptor table accessors.

func (r *Ring) writeDesc(i uint16, addr uint64, length uint32, flags, next uint16) {
	d := r.mem[r.descOff+int(i)*descEntrySize:]
	binary.LittleEndian.PutUint64(d[0:8], addr)
	binary.LittleEndian.PutUint32(d[8:12], length)
	binary.LittleEndian.PutUint16(d[12:14], flags)
	binary.LittleEndian.PutUint16(d[14:16], next)
}

func (r *Ring) descAddr(i uint16) uint64 {
	return binary.LittleEndian.Uint64(r.mem[r.descOff+int(i)*descEntrySize:])
}

func (r *Ring) descFlags(i uint16) uint16 {
	return binary.LittleEndian.Uint16(r.mem[r.descOff+int(i)*descEntrySize+12:])
}

func (r *Ring) descNext(i uint16) uint16 {
	return binary.LittleEndian.Uint16(r.mem[r.descOff+int(i)*descEntrySize+14:])
}

func (r *Ring) setDescNext(i, next uint16) {
	binary.LittleEndian.PutUint16(r.mem[r.descOff+int(i)*descEntrySize+14:], next)
}

// Available ring accessors.

func (r *Ring) availFlags() uint16 {
	return binary.LittleEndian.Uint16(r.mem[r.availOff:])
}

func (r *Ring) setAvailFlags(f uint16) {
	binary.LittleEndian.PutUint16(r.mem[r.availOff:], f)
}

func (r *Ring) setAvailIdx(i uint16) {
	binary.LittleEndian.PutUint16(r.mem[r.availOff+2:], i)
}

func (r *Ring) setAvailRing(pos, head uint16) {
	binary.LittleEndian.PutUint16(r.mem[r.availOff+4+int(pos)*2:], head)
}

// Used ring accessors.

func (r *Ring) usedIdx() uint16 {
	return binary.LittleEndian.Uint16(r.mem[r.usedOff+2:])
}

func (r *Ring) usedRing(pos uint16) (uint32, uint32) {
	e := r.mem[r.usedOff+4+int(pos)*usedEntrySize:]
	return binary.LittleEndian.Uint32(e[0:4]), binary.LittleEndian.Uint32(e[4:8])
}
