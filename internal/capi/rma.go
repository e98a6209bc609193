//go:build cgo

package capi

import "unsafe"

/*
#cgo pkg-config: libfabric
#include <rdma/fi_rma.h>
*/
import "C"

// Read posts an RMA read operation.
func (e *Endpoint) Read(buf unsafe.Pointer, length uintptr, desc unsafe.Pointer, srcAddr FIAddr, key uint64, addr uint64, context unsafe.Pointer) error {
	if e == nil || e.ptr == nil {
		return ErrUnavailable.WithOp("fi_read")
	}
	status := C.fi_read(e.ptr, buf, C.size_t(length), desc, C.fi_addr_t(srcAddr), C.uint64_t(addr), C.uint64_t(key), context)
	return ErrorFromStatus(int(status), "fi_read")
}

// Write posts an RMA write operation.
func (e *Endpoint) Write(buf unsafe.Pointer, length uintptr, desc unsafe.Pointer, destAddr FIAddr, key uint64, addr uint64, context unsafe.Pointer) error {
	if e == nil || e.ptr == nil {
		return ErrUnavailable.WithOp("fi_write")
	}
	status := C.fi_write(e.ptr, buf, C.size_t(length), desc, C.fi_addr_t(destAddr), C.uint64_t(addr), C.uint64_t(key), context)
	return ErrorFromStatus(int(status), "fi_write")
}

// buildMsgRMA assembles a single-iovec struct fi_msg_rma on the stack for the
// *_msg variants below, which are the only way to carry a per-post flags word
// (e.g. OpFlagCompletion) down to the provider.
func buildMsgRMA(buf unsafe.Pointer, length uintptr, desc unsafe.Pointer, addr FIAddr, key uint64, raddr uint64, context unsafe.Pointer) (C.struct_fi_msg_rma, C.struct_iovec, C.struct_fi_rma_iov) {
	iov := C.struct_iovec{
		iov_base: buf,
		iov_len:  C.size_t(length),
	}
	rmaIov := C.struct_fi_rma_iov{
		addr: C.uint64_t(raddr),
		len:  C.size_t(length),
		key:  C.uint64_t(key),
	}
	return C.struct_fi_msg_rma{}, iov, rmaIov
}

// ReadMsg posts an RMA read through fi_readmsg, forwarding flags (e.g.
// OpFlagCompletion) per post. Only effective when the endpoint was opened
// with CapSelectiveCompletion in its tx op_flags.
func (e *Endpoint) ReadMsg(buf unsafe.Pointer, length uintptr, desc unsafe.Pointer, srcAddr FIAddr, key uint64, addr uint64, context unsafe.Pointer, flags uint64) error {
	if e == nil || e.ptr == nil {
		return ErrUnavailable.WithOp("fi_readmsg")
	}
	msg, iov, rmaIov := buildMsgRMA(buf, length, desc, srcAddr, key, addr, context)
	msg.msg_iov = &iov
	msg.desc = (*unsafe.Pointer)(unsafe.Pointer(&desc))
	msg.iov_count = 1
	msg.addr = C.fi_addr_t(srcAddr)
	msg.rma_iov = &rmaIov
	msg.rma_iov_count = 1
	msg.context = context

	status := C.fi_readmsg(e.ptr, &msg, C.uint64_t(flags))
	return ErrorFromStatus(int(status), "fi_readmsg")
}

// WriteMsg posts an RMA write through fi_writemsg, forwarding flags (e.g.
// OpFlagCompletion) per post. Only effective when the endpoint was opened
// with CapSelectiveCompletion in its tx op_flags.
func (e *Endpoint) WriteMsg(buf unsafe.Pointer, length uintptr, desc unsafe.Pointer, destAddr FIAddr, key uint64, addr uint64, context unsafe.Pointer, flags uint64) error {
	if e == nil || e.ptr == nil {
		return ErrUnavailable.WithOp("fi_writemsg")
	}
	msg, iov, rmaIov := buildMsgRMA(buf, length, desc, destAddr, key, addr, context)
	msg.msg_iov = &iov
	msg.desc = (*unsafe.Pointer)(unsafe.Pointer(&desc))
	msg.iov_count = 1
	msg.addr = C.fi_addr_t(destAddr)
	msg.rma_iov = &rmaIov
	msg.rma_iov_count = 1
	msg.context = context

	status := C.fi_writemsg(e.ptr, &msg, C.uint64_t(flags))
	return ErrorFromStatus(int(status), "fi_writemsg")
}
