// Package hw defines the hardware access contracts the networking substrate
// is built against: x86 I/O port access, PCI device descriptors, and the
// interrupt controller facade. The real implementations live in the platform
// layer; tests substitute fakes.
package hw

// PortIO is the x86 I/O-port access contract. Implementations issue the
// in/out instructions (or emulate them under test).
type PortIO interface {
	In8(port uint16) uint8
	Out8(port uint16, v uint8)
	In16(port uint16) uint16
	Out16(port uint16, v uint16)
	In32(port uint16) uint32
	Out32(port uint16, v uint32)
}
