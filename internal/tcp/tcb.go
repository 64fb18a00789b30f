package tcp

import "fmt"

// ControlBlock is the per-connection transmission control block, with the
// send and receive sequence variables of RFC 793 section 3.2.
type ControlBlock struct {
	SND struct {
		UNA uint32
		NXT uint32
		WND uint16
		UP  uint16
		WL1 uint32
		WL2 uint32
	}
	ISS uint32

	RCV struct {
		NXT uint32
		WND uint16
		UP  uint16
	}
	IRS uint32
}

func (t ControlBlock) String() string {
	return fmt.Sprintf(
		"SND .UNA=%d .NXT=%d .WND=%d .UP=%d .WL1=%d .WL2=%d ISS=%d / RCV .NXT=%d .WND=%d .UP=%d IRS=%d",
		t.SND.UNA, t.SND.NXT, t.SND.WND, t.SND.UP, t.SND.WL1, t.SND.WL2, t.ISS,
		t.RCV.NXT, t.RCV.WND, t.RCV.UP, t.IRS)
}
