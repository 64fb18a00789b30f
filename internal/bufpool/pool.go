// Package bufpool implements the fixed-capacity DMA buffer pool backing the
// NIC data path. The pool owns one page-aligned region carved into bufcount
// buffers of bufsize bytes each. Every buffer has two faces: the raw face at
// offset 0 used by the device, and the offset face at deviceOffset used by
// the upper layers, which never see the device header prefix.
package bufpool

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/capsuleos/capsule/internal/dma"
	"github.com/capsuleos/capsule/internal/packet"
)

// ErrExhausted is returned when the free list is empty on acquire. Callers
// treat it as a capacity or programming error; there is no runtime recovery
// today, but the error return keeps the exhaustion point recoverable.
var ErrExhausted = errors.New("bufpool: no free buffers")

// Config describes the pool geometry.
type Config struct {
	// BufCount is the number of fixed-size buffers in the region.
	BufCount int

	// BufSize is the size of each buffer in bytes.
	BufSize int

	// DeviceOffset is the length of the device header prefix separating the
	// raw face from the offset face.
	DeviceOffset int
}

func (c Config) validate() error {
	if c.BufCount <= 0 {
		return fmt.Errorf("bufpool: invalid buffer count %d", c.BufCount)
	}
	if c.BufSize <= 0 {
		return fmt.Errorf("bufpool: invalid buffer size %d", c.BufSize)
	}
	if c.DeviceOffset < 0 || c.DeviceOffset >= c.BufSize {
		return fmt.Errorf("bufpool: device offset %d outside buffer of %d bytes", c.DeviceOffset, c.BufSize)
	}
	return nil
}

// Pool hands out and reclaims fixed-size DMA buffers.
type Pool struct {
	cfg    Config
	base   uint64
	region []byte
	arena  *dma.Arena
	free   []uint64
	log    *slog.Logger
}

// New reserves the pool region from the arena and populates the free list.
func New(arena *dma.Arena, cfg Config, log *slog.Logger) (*Pool, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}

	total := cfg.BufCount * cfg.BufSize
	base, region, err := arena.Reserve(total, dma.PageSize)
	if err != nil {
		return nil, fmt.Errorf("bufpool: reserving %d bytes: %w", total, err)
	}

	p := &Pool{
		cfg:    cfg,
		base:   base,
		region: region,
		arena:  arena,
		free:   make([]uint64, 0, cfg.BufCount),
		log:    log,
	}
	for b := base; b < base+uint64(total); b += uint64(cfg.BufSize) {
		p.free = append(p.free, b)
	}

	log.Debug("bufpool: created",
		"bufCount", cfg.BufCount,
		"bufSize", cfg.BufSize,
		"deviceOffset", cfg.DeviceOffset,
		"base", fmt.Sprintf("0x%x", base))

	return p, nil
}

// AcquireRaw removes and returns the raw address of a free buffer.
func (p *Pool) AcquireRaw() (uint64, error) {
	if len(p.free) == 0 {
		return 0, ErrExhausted
	}

	b := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]

	p.log.Debug("bufpool: provisioned buffer", "addr", fmt.Sprintf("0x%x", b), "remaining", len(p.free))
	return b, nil
}

// AcquireOffset acquires a buffer and returns its offset-face address.
func (p *Pool) AcquireOffset() (uint64, error) {
	b, err := p.AcquireRaw()
	if err != nil {
		return 0, err
	}
	return b + uint64(p.cfg.DeviceOffset), nil
}

// ReleaseRaw pushes a raw buffer address back on the free list. Addresses
// outside the region, addresses not at a buffer start, and mismatched sizes
// are ignored, which makes the release hook safe to attach to packets of any
// origin.
func (p *Pool) ReleaseRaw(addr uint64, size int) {
	if !p.ownsRaw(addr) || size != p.cfg.BufSize {
		p.log.Debug("bufpool: ignoring foreign buffer", "addr", fmt.Sprintf("0x%x", addr), "size", size)
		return
	}

	p.free = append(p.free, addr)
	p.log.Debug("bufpool: released buffer", "addr", fmt.Sprintf("0x%x", addr), "available", len(p.free))
}

// ReleaseOffset is the offset-face variant of ReleaseRaw.
func (p *Pool) ReleaseOffset(addr uint64, size int) {
	raw := addr - uint64(p.cfg.DeviceOffset)
	if addr < uint64(p.cfg.DeviceOffset) || !p.ownsRaw(raw) || size != p.cfg.BufSize-p.cfg.DeviceOffset {
		p.log.Debug("bufpool: ignoring foreign buffer", "addr", fmt.Sprintf("0x%x", addr), "size", size)
		return
	}

	p.free = append(p.free, raw)
	p.log.Debug("bufpool: released buffer", "addr", fmt.Sprintf("0x%x", raw), "available", len(p.free))
}

func (p *Pool) ownsRaw(addr uint64) bool {
	if addr < p.base || addr >= p.base+uint64(len(p.region)) {
		return false
	}
	return (addr-p.base)%uint64(p.cfg.BufSize) == 0
}

// Contains reports whether addr lies inside the pool region.
func (p *Pool) Contains(addr uint64) bool {
	return addr >= p.base && addr < p.base+uint64(len(p.region))
}

// Available returns the current free-list length.
func (p *Pool) Available() int { return len(p.free) }

// BufSize returns the configured buffer size.
func (p *Pool) BufSize() int { return p.cfg.BufSize }

// DeviceOffset returns the configured device header offset.
func (p *Pool) DeviceOffset() int { return p.cfg.DeviceOffset }

// Bytes resolves a bus address range inside the pool region.
func (p *Pool) Bytes(addr uint64, n int) ([]byte, bool) {
	if !p.Contains(addr) {
		return nil, false
	}
	return p.arena.Bytes(addr, n)
}

// RawReleaser returns the release capability for raw-face buffers.
func (p *Pool) RawReleaser() packet.Releaser { return rawReleaser{p} }

// OffsetReleaser returns the release capability for offset-face buffers.
func (p *Pool) OffsetReleaser() packet.Releaser { return offsetReleaser{p} }

type rawReleaser struct{ p *Pool }

func (r rawReleaser) Release(addr uint64, size int) { r.p.ReleaseRaw(addr, size) }

type offsetReleaser struct{ p *Pool }

func (r offsetReleaser) Release(addr uint64, size int) { r.p.ReleaseOffset(addr, size) }
