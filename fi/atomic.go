package fi

import (
	"errors"
	"time"
	"unsafe"

	"github.com/IcicleF/rdmalib/internal/capi"
)

// AtomicDatatype mirrors the subset of libfabric's atomic datatypes the core relies on.
type AtomicDatatype = capi.AtomicDatatype

// AtomicDatatypeUint64 is the only datatype the core's 8-byte atomics use.
const AtomicDatatypeUint64 = capi.AtomicDatatypeUint64

// CompareAtomicRequest describes a compare-and-swap or masked-swap operation.
type CompareAtomicRequest struct {
	Region  *MemoryRegion
	Key     uint64
	Offset  uint64
	Address Address
	Context *CompletionContext

	// Desired is the value to swap in; for a masked swap it carries only the
	// bits selected by Compare.
	Desired uint64
	// Compare is the expected pre-image for a plain CAS, or the bitmask of
	// which bits participate for a masked swap.
	Compare uint64
	Masked  bool
}

// FetchAtomicRequest describes a fetch-and-add operation.
type FetchAtomicRequest struct {
	Region  *MemoryRegion
	Key     uint64
	Offset  uint64
	Address Address
	Context *CompletionContext

	Add uint64
}

func atomicOpDescriptor(region *MemoryRegion) unsafe.Pointer {
	if region == nil {
		return nil
	}
	return region.Descriptor()
}

// PostCompareAtomic posts a CAS (or masked swap, when req.Masked is set) and
// returns the completion context plus a pointer to the 8-byte pre-image that
// will be valid once the completion has been reaped.
func (e *Endpoint) PostCompareAtomic(req *CompareAtomicRequest) (*CompletionContext, *uint64, error) {
	if e == nil || e.handle == nil {
		return nil, nil, ErrInvalidHandle{"endpoint"}
	}
	if req == nil {
		return nil, nil, errors.New("libfabric: nil atomic request")
	}

	ctx, err := ensureContext(req.Context)
	if err != nil {
		return nil, nil, err
	}

	desired := req.Desired
	compare := req.Compare
	result := new(uint64)

	op := capi.AtomicOpCswap
	if req.Masked {
		op = capi.AtomicOpMswap
	}

	if err := e.handle.CompareAtomic(
		unsafe.Pointer(&desired), 1, atomicOpDescriptor(req.Region),
		unsafe.Pointer(&compare), atomicOpDescriptor(req.Region),
		unsafe.Pointer(result), atomicOpDescriptor(req.Region),
		capi.FIAddr(req.Address), req.Offset, req.Key,
		capi.AtomicDatatypeUint64, op, ctx.Pointer(),
	); err != nil {
		ctx.Release()
		return nil, nil, err
	}
	return ctx, result, nil
}

// PostFetchAdd posts a fetch-and-add and returns the completion context plus
// a pointer to the 8-byte pre-image that will be valid once reaped.
func (e *Endpoint) PostFetchAdd(req *FetchAtomicRequest) (*CompletionContext, *uint64, error) {
	if e == nil || e.handle == nil {
		return nil, nil, ErrInvalidHandle{"endpoint"}
	}
	if req == nil {
		return nil, nil, errors.New("libfabric: nil atomic request")
	}

	ctx, err := ensureContext(req.Context)
	if err != nil {
		return nil, nil, err
	}

	add := req.Add
	result := new(uint64)

	if err := e.handle.FetchAtomic(
		unsafe.Pointer(&add), 1, atomicOpDescriptor(req.Region),
		unsafe.Pointer(result), atomicOpDescriptor(req.Region),
		capi.FIAddr(req.Address), req.Offset, req.Key,
		capi.AtomicDatatypeUint64, capi.AtomicOpSum, ctx.Pointer(),
	); err != nil {
		ctx.Release()
		return nil, nil, err
	}
	return ctx, result, nil
}

// CompareAtomicSync posts a compare/masked-swap and blocks for completion.
func (e *Endpoint) CompareAtomicSync(req *CompareAtomicRequest, cq *CompletionQueue, timeout time.Duration) (uint64, error) {
	if cq == nil {
		return 0, errors.New("libfabric: completion queue required")
	}
	ctx, result, err := e.PostCompareAtomic(req)
	if err != nil {
		return 0, err
	}
	if err := waitForContext(cq, ctx, timeout); err != nil {
		return 0, err
	}
	return *result, nil
}

// FetchAddSync posts a fetch-and-add and blocks for completion.
func (e *Endpoint) FetchAddSync(req *FetchAtomicRequest, cq *CompletionQueue, timeout time.Duration) (uint64, error) {
	if cq == nil {
		return 0, errors.New("libfabric: completion queue required")
	}
	ctx, result, err := e.PostFetchAdd(req)
	if err != nil {
		return 0, err
	}
	if err := waitForContext(cq, ctx, timeout); err != nil {
		return 0, err
	}
	return *result, nil
}
