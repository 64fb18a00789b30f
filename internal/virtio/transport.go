package virtio

import (
	"fmt"

	"github.com/capsuleos/capsule/internal/hw"
)

// Legacy virtio-PCI register offsets inside BAR-0 I/O port space.
const (
	regDeviceFeatures = 0x00 // 32-bit, read
	regDriverFeatures = 0x04 // 32-bit, write
	regQueueAddress   = 0x08 // 32-bit page frame number
	regQueueSize      = 0x0c // 16-bit, read
	regQueueSelect    = 0x0e // 16-bit, write
	regQueueNotify    = 0x10 // 16-bit, write
	regDeviceStatus   = 0x12 // 8-bit
	regISRStatus      = 0x13 // 8-bit, read clears
	regDeviceConfig   = 0x14 // device specific
)

const legacyPageSize = 4096

// Transitional virtio PCI device ID range.
const (
	pciVendorVirtio = 0x1af4
	pciDeviceMin    = 0x1000
	pciDeviceMax    = 0x103f
)

// Transport is the legacy virtio-PCI register file over BAR-0 I/O ports.
type Transport struct {
	io   hw.PortIO
	base uint16
}

// NewTransport validates the PCI descriptor and decodes the BAR-0 port base.
func NewTransport(pio hw.PortIO, dev *hw.PCIDevice) (*Transport, error) {
	if dev.Vendor != pciVendorVirtio {
		return nil, fmt.Errorf("virtio: unexpected vendor 0x%04x", dev.Vendor)
	}
	if dev.Device < pciDeviceMin || dev.Device > pciDeviceMax {
		return nil, fmt.Errorf("virtio: 0x%04x is not a transitional device", dev.Device)
	}

	base, err := dev.IOBase(0)
	if err != nil {
		return nil, err
	}

	return &Transport{io: pio, base: base}, nil
}

// Reset writes a zero device status, resetting the device.
func (t *Transport) Reset() {
	t.io.Out8(t.base+regDeviceStatus, 0)
}

// Status returns the device status byte.
func (t *Transport) Status() uint8 {
	return t.io.In8(t.base + regDeviceStatus)
}

// AddStatus sets additional device status bits.
func (t *Transport) AddStatus(bits uint8) {
	t.io.Out8(t.base+regDeviceStatus, t.Status()|bits)
}

// Fail latches the FAILED status bit, telling the device that setup did not
// complete.
func (t *Transport) Fail() {
	t.AddStatus(StatusFailed)
}

// DeviceFeatures reads the device feature bits.
func (t *Transport) DeviceFeatures() uint32 {
	return t.io.In32(t.base + regDeviceFeatures)
}

// SetDriverFeatures writes the negotiated driver feature bits.
func (t *Transport) SetDriverFeatures(features uint32) {
	t.io.Out32(t.base+regDriverFeatures, features)
}

// QueueSize returns the device-reported size of the indexed virtqueue. Zero
// means the queue does not exist.
func (t *Transport) QueueSize(index uint16) uint16 {
	t.io.Out16(t.base+regQueueSelect, index)
	return t.io.In16(t.base + regQueueSize)
}

// SetQueueAddress publishes the ring's physical address for the indexed
// virtqueue, as a page frame number.
func (t *Transport) SetQueueAddress(index uint16, addr uint64) {
	t.io.Out16(t.base+regQueueSelect, index)
	t.io.Out32(t.base+regQueueAddress, uint32(addr/legacyPageSize))
}

// QueueNotify kicks the indexed virtqueue. Implements Notifier.
func (t *Transport) QueueNotify(index uint16) {
	t.io.Out16(t.base+regQueueNotify, index)
}

// ISR reads the interrupt status register, clearing it.
func (t *Transport) ISR() uint8 {
	return t.io.In8(t.base + regISRStatus)
}

// ConfigBytes reads n bytes of device-specific configuration space.
func (t *Transport) ConfigBytes(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = t.io.In8(t.base + regDeviceConfig + uint16(i))
	}
	return b
}
