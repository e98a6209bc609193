package rdma

import (
	"bytes"
	"testing"
)

func TestMRDescriptorCovers(t *testing.T) {
	d := MRDescriptor{Base: 0x1000, Length: 0x100}
	cases := []struct {
		addr, n uint64
		want    bool
	}{
		{0x1000, 0x100, true},
		{0x1000, 0x101, false},
		{0x1010, 0x10, true},
		{0x0FF0, 0x10, false},
		{0x1100, 0x1, false},
	}
	for _, c := range cases {
		if got := d.Covers(c.addr, c.n); got != c.want {
			t.Errorf("Covers(%#x,%#x) = %v, want %v", c.addr, c.n, got, c.want)
		}
	}
}

func TestOOBRecordRoundTrip(t *testing.T) {
	var rec OOBRecord
	rec.NumMR = 2
	rec.MRs[0] = MRDescriptor{Base: 1, Length: 2, LKey: 3, RKey: 4}
	rec.MRs[1] = MRDescriptor{Base: 5, Length: 6, LKey: 7, RKey: 8}
	rec.NumRC = 1
	rec.RCQPNum[0] = 0xdeadbeef
	rcAddr, err := addrBlobOf([]byte{0xaa, 0xbb, 0xcc})
	if err != nil {
		t.Fatalf("addrBlobOf rc: %v", err)
	}
	rec.RCAddr[0] = rcAddr
	rec.NumXRC = 1
	rec.XRCIniQPNum[0] = 11
	rec.XRCTgtQPNum[0] = 22
	rec.XRCSRQNum[0] = 33
	xrcAddr, err := addrBlobOf([]byte{0x01, 0x02, 0x03, 0x04, 0x05})
	if err != nil {
		t.Fatalf("addrBlobOf xrc: %v", err)
	}
	rec.XRCTgtAddr[0] = xrcAddr

	buf, err := rec.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	if len(buf) != OOBRecordSize {
		t.Fatalf("encoded size = %d, want %d", len(buf), OOBRecordSize)
	}

	var got OOBRecord
	if err := got.UnmarshalBinary(buf); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}
	if got.NumMR != rec.NumMR || got.MRs[0] != rec.MRs[0] || got.MRs[1] != rec.MRs[1] {
		t.Fatalf("MR fields mismatch: got %+v", got)
	}
	if got.RCQPNum[0] != rec.RCQPNum[0] {
		t.Fatalf("RC QP num mismatch: got %#x", got.RCQPNum[0])
	}
	if !bytes.Equal(got.RCAddr[0].Bytes(), rec.RCAddr[0].Bytes()) {
		t.Fatalf("RC address mismatch: got %+v", got.RCAddr[0])
	}
	if got.XRCIniQPNum[0] != 11 || got.XRCTgtQPNum[0] != 22 || got.XRCSRQNum[0] != 33 {
		t.Fatalf("XRC fields mismatch: got %+v", got)
	}
	if !bytes.Equal(got.XRCTgtAddr[0].Bytes(), rec.XRCTgtAddr[0].Bytes()) {
		t.Fatalf("XRC target address mismatch: got %+v", got.XRCTgtAddr[0])
	}

	buf2, err := got.MarshalBinary()
	if err != nil {
		t.Fatalf("re-marshal: %v", err)
	}
	if !bytes.Equal(buf, buf2) {
		t.Fatalf("round-trip is not byte-stable")
	}
}

func TestOOBRecordUnmarshalWrongSize(t *testing.T) {
	var rec OOBRecord
	if err := rec.UnmarshalBinary(make([]byte, OOBRecordSize-1)); err == nil {
		t.Fatalf("expected error decoding short buffer")
	}
}
