//go:build cgo

package capi

import "unsafe"

/*
#cgo pkg-config: libfabric
#include <stdlib.h>
#include <rdma/fabric.h>
#include <rdma/fi_domain.h>
#include <rdma/fi_endpoint.h>
*/
import "C"

// SharedReceiveContext wraps a libfabric shared receive context (fid_ep
// returned by fi_srx_context). Several transmit-side endpoints can bind to
// the same shared context so that receives are consolidated behind one
// addressable handle, mirroring an XRC shared receive queue.
type SharedReceiveContext struct {
	ptr *C.struct_fid_ep
}

// OpenSharedReceiveContext creates a shared receive context on the domain.
// depth bounds the number of outstanding receive buffers.
func OpenSharedReceiveContext(domain *Domain, depth uint64) (*SharedReceiveContext, error) {
	if domain == nil || domain.ptr == nil {
		return nil, ErrUnavailable.WithOp("fi_srx_context")
	}

	var attr C.struct_fi_rx_attr
	attr.size = C.size_t(depth)
	attr.iov_limit = 1

	var rxEP *C.struct_fid_ep
	status := C.fi_srx_context(domain.ptr, &attr, &rxEP, nil)
	if err := ErrorFromStatus(int(status), "fi_srx_context"); err != nil {
		return nil, err
	}
	return &SharedReceiveContext{ptr: rxEP}, nil
}

// Close releases the shared receive context.
func (s *SharedReceiveContext) Close() error {
	if s == nil || s.ptr == nil {
		return nil
	}
	status := C.fi_close((*C.struct_fid)(unsafe.Pointer(s.ptr)))
	if err := ErrorFromStatus(int(status), "fi_close(srx)"); err != nil {
		return err
	}
	s.ptr = nil
	return nil
}

// Bind attaches the shared receive context to a transmit endpoint, making
// the endpoint's receive side resolve through this shared context.
func (s *SharedReceiveContext) Bind(ep *Endpoint) error {
	if s == nil || s.ptr == nil {
		return ErrUnavailable.WithOp("fi_ep_bind(srx)")
	}
	if ep == nil || ep.ptr == nil {
		return ErrUnavailable.WithOp("fi_ep_bind(srx)")
	}
	status := C.fi_ep_bind(ep.ptr, &s.ptr.fid, 0)
	return ErrorFromStatus(int(status), "fi_ep_bind(srx)")
}

// Enable activates the shared receive context so it can accept posted receives.
func (s *SharedReceiveContext) Enable() error {
	if s == nil || s.ptr == nil {
		return ErrUnavailable.WithOp("fi_enable(srx)")
	}
	status := C.fi_enable(s.ptr)
	return ErrorFromStatus(int(status), "fi_enable(srx)")
}

// Recv posts a receive buffer directly against the shared receive context,
// independent of which transmit endpoint eventually delivers a matching send.
func (s *SharedReceiveContext) Recv(buf unsafe.Pointer, length uintptr, desc unsafe.Pointer, src FIAddr, context unsafe.Pointer) error {
	if s == nil || s.ptr == nil {
		return ErrUnavailable.WithOp("fi_recv(srx)")
	}
	status := C.fi_recv(s.ptr, buf, C.size_t(length), desc, C.fi_addr_t(src), context)
	return ErrorFromStatus(int(status), "fi_recv(srx)")
}

// Pointer exposes the raw fid for diagnostic use, e.g. querying the numeric
// identifier libfabric assigns the shared context (the SRQ-equivalent number
// advertised to remote initiators during bring-up).
func (s *SharedReceiveContext) Pointer() unsafe.Pointer {
	if s == nil {
		return nil
	}
	return unsafe.Pointer(s.ptr)
}
