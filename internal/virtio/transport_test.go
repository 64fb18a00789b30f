package virtio

import (
	"testing"

	"github.com/capsuleos/capsule/internal/dma"
)

func TestTransportRejectsForeignDevices(t *testing.T) {
	arena, _ := dma.NewArena(0x100000, 1<<20)
	fake := newFakeNetDevice(t, arena, 8, 8)

	dev := fake.pciDevice()
	dev.Vendor = 0x8086
	if _, err := NewTransport(fake, dev); err == nil {
		t.Fatalf("foreign vendor accepted")
	}

	dev = fake.pciDevice()
	dev.Device = 0x2000
	if _, err := NewTransport(fake, dev); err == nil {
		t.Fatalf("non-transitional device accepted")
	}

	dev = fake.pciDevice()
	dev.BARs[0] = 0xfebc0000 // memory BAR
	if _, err := NewTransport(fake, dev); err == nil {
		t.Fatalf("memory BAR accepted")
	}
}

func TestTransportRegisters(t *testing.T) {
	arena, _ := dma.NewArena(0x100000, 1<<20)
	fake := newFakeNetDevice(t, arena, 16, 8)

	tr, err := NewTransport(fake, fake.pciDevice())
	if err != nil {
		t.Fatalf("transport: %v", err)
	}

	tr.Reset()
	if fake.status != 0 {
		t.Fatalf("reset did not clear status")
	}

	tr.AddStatus(StatusAcknowledge)
	tr.AddStatus(StatusDriver)
	if fake.status != StatusAcknowledge|StatusDriver {
		t.Fatalf("status = 0x%02x", fake.status)
	}

	if got := tr.QueueSize(QueueRX); got != 16 {
		t.Fatalf("RX queue size = %d", got)
	}
	if got := tr.QueueSize(QueueTX); got != 8 {
		t.Fatalf("TX queue size = %d", got)
	}

	tr.SetQueueAddress(QueueTX, 0x104000)
	if fake.queuePFN[QueueTX] != 0x104000/4096 {
		t.Fatalf("queue PFN = 0x%x", fake.queuePFN[QueueTX])
	}

	tr.QueueNotify(QueueTX)
	if len(fake.kicks) != 1 || fake.kicks[0] != QueueTX {
		t.Fatalf("kicks = %v", fake.kicks)
	}

	fake.isr = ISRQueue | ISRConfig
	if got := tr.ISR(); got != ISRQueue|ISRConfig {
		t.Fatalf("ISR = 0x%02x", got)
	}
	if got := tr.ISR(); got != 0 {
		t.Fatalf("ISR read did not clear, got 0x%02x", got)
	}
}
