// Package serial drives a 16550-compatible UART over I/O ports. The console
// is the kernel's logging sink: it implements io.Writer so an slog handler
// can be bound directly on top of it.
package serial

import (
	"fmt"
	"log/slog"

	"github.com/capsuleos/capsule/internal/hw"
)

// Standard COM port bases.
const (
	COM1 uint16 = 0x3f8
	COM2 uint16 = 0x2f8
	COM3 uint16 = 0x3e8
	COM4 uint16 = 0x2e8
)

// UART register offsets from the port base.
const (
	regData       = 0 // THR/RBR
	regIntEnable  = 1
	regFIFO       = 2
	regLineCtrl   = 3
	regModemCtrl  = 4
	regLineStatus = 5
)

// Line status bits.
const (
	lsrDataReady     = 1 << 0
	lsrTransmitEmpty = 1 << 5
)

// Console is one UART instance.
type Console struct {
	io   hw.PortIO
	port uint16
}

// New creates a console on the given port base. Call Init before writing.
func New(pio hw.PortIO, port uint16) *Console {
	return &Console{io: pio, port: port}
}

// Init programs the UART: interrupts off, 38400 baud, 8N1, FIFO enabled.
func (c *Console) Init() {
	c.io.Out8(c.port+regIntEnable, 0x00)  // disable interrupts
	c.io.Out8(c.port+regLineCtrl, 0x80)   // DLAB on
	c.io.Out8(c.port+regData, 0x03)       // divisor 3 (lo), 38400 baud
	c.io.Out8(c.port+regIntEnable, 0x00)  // divisor (hi)
	c.io.Out8(c.port+regLineCtrl, 0x03)   // 8 bits, no parity, one stop bit
	c.io.Out8(c.port+regFIFO, 0xc7)       // FIFO on, cleared, 14-byte threshold
	c.io.Out8(c.port+regModemCtrl, 0x0b)  // IRQs enabled (OUT2), RTS/DTR set
}

func (c *Console) transmitEmpty() bool {
	return c.io.In8(c.port+regLineStatus)&lsrTransmitEmpty != 0
}

// WriteByte busy-waits for the transmit holding register and emits one byte.
func (c *Console) WriteByte(b byte) {
	for !c.transmitEmpty() {
	}
	c.io.Out8(c.port+regData, b)
}

// Write implements io.Writer.
func (c *Console) Write(p []byte) (int, error) {
	for _, b := range p {
		c.WriteByte(b)
	}
	return len(p), nil
}

// Received reports whether a byte is waiting in the receive buffer.
func (c *Console) Received() bool {
	return c.io.In8(c.port+regLineStatus)&lsrDataReady != 0
}

// ReadByte returns the next received byte without checking availability.
func (c *Console) ReadByte() byte {
	return c.io.In8(c.port + regData)
}

// Logger returns a structured logger writing text records to the console.
func (c *Console) Logger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(c, &slog.HandlerOptions{Level: level}))
}

func (c *Console) String() string {
	return fmt.Sprintf("uart@0x%04x", c.port)
}
