//go:build cgo

package capi

import "unsafe"

/*
#cgo pkg-config: libfabric
#include <rdma/fi_atomic.h>
*/
import "C"

// AtomicOp mirrors the subset of enum fi_op the core relies on.
type AtomicOp int

const (
	AtomicOpSum   AtomicOp = AtomicOp(C.FI_SUM)
	AtomicOpCswap AtomicOp = AtomicOp(C.FI_CSWAP)
	// AtomicOpMswap is a masked swap: bits set in the compare operand are
	// swapped into the target from buf; all other bits are left untouched.
	AtomicOpMswap AtomicOp = AtomicOp(C.FI_MSWAP)
)

// AtomicDatatype mirrors the subset of enum fi_datatype the core relies on.
type AtomicDatatype int

const (
	AtomicDatatypeUint64 AtomicDatatype = AtomicDatatype(C.FI_UINT64)
)

// CompareAtomic posts a compare-and-swap (fi_compare_atomic) operation. buf
// holds the desired value, compare holds the expected value (or, for
// AtomicOpMswap, the bitmask of which bits to swap), and result receives the
// value observed at the remote address before the operation.
func (e *Endpoint) CompareAtomic(buf unsafe.Pointer, count uintptr, desc unsafe.Pointer,
	compare unsafe.Pointer, compareDesc unsafe.Pointer,
	result unsafe.Pointer, resultDesc unsafe.Pointer,
	destAddr FIAddr, addr uint64, key uint64,
	datatype AtomicDatatype, op AtomicOp, context unsafe.Pointer) error {
	if e == nil || e.ptr == nil {
		return ErrUnavailable.WithOp("fi_compare_atomic")
	}
	status := C.fi_compare_atomic(e.ptr,
		buf, C.size_t(count), desc,
		compare, compareDesc,
		result, resultDesc,
		C.fi_addr_t(destAddr), C.uint64_t(addr), C.uint64_t(key),
		C.enum_fi_datatype(datatype), C.enum_fi_op(op), context)
	return ErrorFromStatus(int(status), "fi_compare_atomic")
}

// FetchAtomic posts a fetching atomic (fi_fetch_atomic) operation, such as a
// fetch-and-add. buf holds the operand, result receives the pre-image value
// observed at the remote address.
func (e *Endpoint) FetchAtomic(buf unsafe.Pointer, count uintptr, desc unsafe.Pointer,
	result unsafe.Pointer, resultDesc unsafe.Pointer,
	destAddr FIAddr, addr uint64, key uint64,
	datatype AtomicDatatype, op AtomicOp, context unsafe.Pointer) error {
	if e == nil || e.ptr == nil {
		return ErrUnavailable.WithOp("fi_fetch_atomic")
	}
	status := C.fi_fetch_atomic(e.ptr,
		buf, C.size_t(count), desc,
		result, resultDesc,
		C.fi_addr_t(destAddr), C.uint64_t(addr), C.uint64_t(key),
		C.enum_fi_datatype(datatype), C.enum_fi_op(op), context)
	return ErrorFromStatus(int(status), "fi_fetch_atomic")
}

// Atomic posts a non-fetching atomic (fi_atomic) operation.
func (e *Endpoint) Atomic(buf unsafe.Pointer, count uintptr, desc unsafe.Pointer,
	destAddr FIAddr, addr uint64, key uint64,
	datatype AtomicDatatype, op AtomicOp, context unsafe.Pointer) error {
	if e == nil || e.ptr == nil {
		return ErrUnavailable.WithOp("fi_atomic")
	}
	status := C.fi_atomic(e.ptr,
		buf, C.size_t(count), desc,
		C.fi_addr_t(destAddr), C.uint64_t(addr), C.uint64_t(key),
		C.enum_fi_datatype(datatype), C.enum_fi_op(op), context)
	return ErrorFromStatus(int(status), "fi_atomic")
}
