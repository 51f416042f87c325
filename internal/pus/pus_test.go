package pus

import (
	"errors"
	"testing"
	"time"
)

func TestCommandIDs(t *testing.T) {
	tc := BuildPacket(false, 0x123, 5, true, []byte{0x19, 0x11, 0x04, 0x00})
	id, err := CommandID(tc)
	if err != nil {
		t.Fatalf("CommandID: %v", err)
	}
	if id != 0x1923C005 {
		t.Fatalf("CommandID = 0x%08X", id)
	}

	hdr := []byte{0x10, 0x01, 0x07, 0x00} // version, type 1, sub-type 7, destination
	report := BuildPacket(true, 0x123, 9, true, append(hdr, tc[:4]...))
	got, err := ReportedCommandID(report, len(hdr))
	if err != nil {
		t.Fatalf("ReportedCommandID: %v", err)
	}
	if got != id {
		t.Fatalf("reported id 0x%08X, want 0x%08X", got, id)
	}

	if _, err := ReportedCommandID(report[:9], len(hdr)); !errors.Is(err, ErrShortPacket) {
		t.Fatalf("expected ErrShortPacket, got %v", err)
	}
	if _, err := CommandID(tc[:3]); !errors.Is(err, ErrShortPacket) {
		t.Fatalf("expected ErrShortPacket, got %v", err)
	}
}

func TestPrimaryHeaderFields(t *testing.T) {
	p := SpacePacket{Data: BuildPacket(true, 0, 77, false, []byte{1, 2})}
	if !p.Telemetry() || p.SecondaryHeader() || p.APID() != 0 || p.SequenceCount() != 77 {
		t.Fatalf("unexpected header view: tm=%v sh=%v apid=%d seq=%d",
			p.Telemetry(), p.SecondaryHeader(), p.APID(), p.SequenceCount())
	}
	tc := SpacePacket{Data: BuildPacket(false, 0x7FF, 1, true, []byte{0})}
	if tc.Telemetry() || !tc.SecondaryHeader() || tc.APID() != 0x7FF {
		t.Fatalf("unexpected tc header view")
	}
}

func TestAckFieldBits(t *testing.T) {
	for b := uint8(0); b < 16; b++ {
		if got := AckFieldFromBits(b).Bits(); got != b {
			t.Fatalf("bits round trip %d -> %d", b, got)
		}
	}
	a := AckFieldFromBits(0x0C)
	if !a.Acceptance || !a.Start || a.Progress || a.Completion {
		t.Fatalf("0x0C decoded as %+v", a)
	}
}

func TestCUCImplicit(t *testing.T) {
	f := DefaultCUCFormat()
	want := time.Date(2024, 3, 1, 12, 0, 0, 500_000_000, time.UTC)
	enc := EncodeCUC(want, f)
	got, n, err := DecodeCUC(enc, f)
	if err != nil {
		t.Fatalf("DecodeCUC: %v", err)
	}
	if n != 7 {
		t.Fatalf("consumed %d octets", n)
	}
	if d := got.Sub(want); d > time.Microsecond || d < -time.Microsecond {
		t.Fatalf("decoded %v, want %v", got, want)
	}
}

func TestCUCExplicitPField(t *testing.T) {
	// level 1 epoch, 4 coarse octets, 2 fine octets
	b := []byte{0x1E, 0x00, 0x00, 0x00, 0x0A, 0x80, 0x00}
	got, n, err := DecodeCUC(b, CUCFormat{ExplicitPField: true})
	if err != nil {
		t.Fatalf("DecodeCUC: %v", err)
	}
	want := CCSDSEpoch.Add(10*time.Second + 500*time.Millisecond)
	if n != 7 || !got.Equal(want) {
		t.Fatalf("got %v (%d octets), want %v", got, n, want)
	}

	if _, _, err := DecodeCUC([]byte{0x4E, 0, 0}, CUCFormat{ExplicitPField: true}); err == nil {
		t.Fatalf("expected rejection of non CUC p-field")
	}
	if _, _, err := DecodeCUC(b[:4], CUCFormat{ExplicitPField: true}); !errors.Is(err, ErrShortPacket) {
		t.Fatalf("expected ErrShortPacket, got %v", err)
	}
}
