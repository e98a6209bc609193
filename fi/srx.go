package fi

import (
	"errors"
	"unsafe"

	"github.com/IcicleF/rdmalib/internal/capi"
)

// SharedReceiveContext is the public wrapper over a libfabric shared receive
// context, used as the addressable consolidation point for many senders.
type SharedReceiveContext struct {
	handle *capi.SharedReceiveContext
}

// OpenSharedReceiveContext opens a shared receive context with room for depth
// outstanding receive buffers.
func (d *Domain) OpenSharedReceiveContext(depth uint64) (*SharedReceiveContext, error) {
	if d == nil || d.handle == nil {
		return nil, ErrInvalidHandle{"domain"}
	}
	h, err := capi.OpenSharedReceiveContext(d.handle, depth)
	if err != nil {
		return nil, err
	}
	return &SharedReceiveContext{handle: h}, nil
}

// Bind attaches the shared receive context to ep's receive side.
func (s *SharedReceiveContext) Bind(ep *Endpoint) error {
	if s == nil || s.handle == nil {
		return ErrInvalidHandle{"shared receive context"}
	}
	if ep == nil || ep.handle == nil {
		return ErrInvalidHandle{"endpoint"}
	}
	return s.handle.Bind(ep.handle)
}

// Enable activates the shared receive context.
func (s *SharedReceiveContext) Enable() error {
	if s == nil || s.handle == nil {
		return ErrInvalidHandle{"shared receive context"}
	}
	return s.handle.Enable()
}

// Close releases the shared receive context.
func (s *SharedReceiveContext) Close() error {
	if s == nil || s.handle == nil {
		return nil
	}
	err := s.handle.Close()
	s.handle = nil
	return err
}

// PostRecv posts a receive buffer or registered region directly against the
// shared receive context.
func (s *SharedReceiveContext) PostRecv(req *RecvRequest) (*CompletionContext, error) {
	if s == nil || s.handle == nil {
		return nil, ErrInvalidHandle{"shared receive context"}
	}
	if req == nil {
		return nil, errors.New("libfabric: nil recv request")
	}

	ctx, err := ensureContext(req.Context)
	if err != nil {
		return nil, err
	}

	var buf unsafe.Pointer
	var desc unsafe.Pointer
	length := len(req.Buffer)

	if req.Region != nil {
		if err := ensureRegionAccess(req.Region, MRAccessLocal); err != nil {
			ctx.Release()
			return nil, err
		}
		buf = req.Region.buffer
		desc = req.Region.Descriptor()
		if length == 0 {
			length = int(req.Region.length)
		}
		if len(req.Buffer) > 0 {
			ctx.setCopyBack(req.Buffer)
		}
	} else if length > 0 {
		var allocErr error
		buf, allocErr = ctx.ensureBuffer(uintptr(length))
		if allocErr != nil {
			ctx.Release()
			return nil, allocErr
		}
		ctx.setCopyBack(req.Buffer)
	} else {
		ctx.Release()
		return nil, errors.New("libfabric: recv requires buffer or region")
	}

	if err := s.handle.Recv(buf, uintptr(length), desc, capi.FIAddr(req.Source), ctx.Pointer()); err != nil {
		ctx.Release()
		return nil, err
	}
	return ctx, nil
}
