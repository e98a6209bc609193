package rdma

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Resource limits shared by every component in the package.
const (
	// MaxMrs bounds the number of memory regions a Context tracks.
	MaxMrs = 4
	// MaxPeers bounds the number of remote ranks a Cluster can address.
	MaxPeers = 256
	// MaxConn bounds the number of RC or XRC connections a Peer can hold to
	// a single counterpart rank. Both ends of a deployment must agree on
	// this value; it is baked into the fixed layout of OOBRecord.
	MaxConn = 32
	// MaxQueueDepth is the default send/recv work-queue depth for a new QP.
	MaxQueueDepth = 256
	// MaxPostWR bounds the number of work requests linked into one batched post.
	MaxPostWR = 32
	// InitPSN is the initial packet sequence number both sides agree on
	// implicitly during bring-up.
	InitPSN = 3185
	// MaxAddrLen bounds the provider-specific endpoint address fi_getname
	// returns. Verbs-class providers encode a GID and QP number well within
	// this; it is generous headroom, not a tight fit.
	MaxAddrLen = 64
)

// MRDescriptor describes one registered memory region as exchanged between peers.
type MRDescriptor struct {
	Base   uint64
	Length uint64
	LKey   uint32
	RKey   uint32
}

// Covers reports whether the half-open range [addr, addr+n) falls entirely
// within the descriptor's registered range.
func (d MRDescriptor) Covers(addr uint64, n uint64) bool {
	return addr >= d.Base && addr+n <= d.Base+d.Length
}

// AddrBlob carries one endpoint's fi_getname address, padded to a fixed
// size so it fits the OOB record's byte-copyable layout. Len is the number
// of significant bytes at the front of Addr.
type AddrBlob struct {
	Len  uint16
	Addr [MaxAddrLen]byte
}

// Bytes returns the significant prefix of the blob, suitable for InsertRaw.
func (a AddrBlob) Bytes() []byte { return a.Addr[:a.Len] }

// addrBlobOf packs a raw provider address into a fixed-size AddrBlob.
func addrBlobOf(raw []byte) (AddrBlob, error) {
	var b AddrBlob
	if len(raw) > MaxAddrLen {
		return b, fmt.Errorf("rdma: endpoint address of %d bytes exceeds MaxAddrLen %d", len(raw), MaxAddrLen)
	}
	b.Len = uint16(len(raw))
	copy(b.Addr[:], raw)
	return b, nil
}

const addrBlobSize = 2 + MaxAddrLen

// OOBRecord is the fixed-layout, zero-padded metadata record exchanged
// verbatim between a rank and its counterpart. Every field is fixed-size so
// the record can be copied as opaque bytes, matching the invariant that two
// ranks agree on its size at compile time.
//
// There is no peer-wide GID/LID field: fi_getname is per endpoint, not per
// node, so every RC connection and every XRC target publishes its own live
// address. A connection's AV insert must resolve to that specific endpoint,
// never to some other endpoint's (or a throwaway probe endpoint's) address.
type OOBRecord struct {
	NumMR int32
	MRs   [MaxMrs]MRDescriptor

	NumRC   int32
	RCQPNum [MaxConn]uint32
	RCAddr  [MaxConn]AddrBlob

	NumXRC      int32
	XRCIniQPNum [MaxConn]uint32
	XRCTgtQPNum [MaxConn]uint32
	XRCSRQNum   [MaxConn]uint32
	XRCTgtAddr  [MaxConn]AddrBlob
}

// OOBRecordSize is the constant on-wire size of OOBRecord.
const OOBRecordSize = 4 + MaxMrs*24 + 4 + MaxConn*4 + MaxConn*addrBlobSize + 4 + MaxConn*4*3 + MaxConn*addrBlobSize

// MarshalBinary encodes the record into its fixed-size wire representation.
func (r *OOBRecord) MarshalBinary() ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.Grow(OOBRecordSize)
	if err := binary.Write(buf, binary.LittleEndian, r); err != nil {
		return nil, fmt.Errorf("rdma: encode OOB record: %w", err)
	}
	if buf.Len() != OOBRecordSize {
		return nil, fmt.Errorf("rdma: encoded OOB record size %d != expected %d", buf.Len(), OOBRecordSize)
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary decodes a fixed-size wire representation produced by MarshalBinary.
func (r *OOBRecord) UnmarshalBinary(data []byte) error {
	if len(data) != OOBRecordSize {
		return fmt.Errorf("rdma: OOB record size %d != expected %d", len(data), OOBRecordSize)
	}
	return binary.Read(bytes.NewReader(data), binary.LittleEndian, r)
}
