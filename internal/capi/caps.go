//go:build cgo

package capi

/*
#cgo pkg-config: libfabric
#include <rdma/fabric.h>
*/
import "C"

const (
	CapMsg         = uint64(C.FI_MSG)
	CapTagged      = uint64(C.FI_TAGGED)
	CapRMA         = uint64(C.FI_RMA)
	CapAtomic      = uint64(C.FI_ATOMIC)
	CapInject      = uint64(C.FI_INJECT)
	CapMultiRecv   = uint64(C.FI_MULTI_RECV)
	CapRemoteRead  = uint64(C.FI_REMOTE_READ)
	CapRemoteWrite = uint64(C.FI_REMOTE_WRITE)
)

const (
	ModeContext   = uint64(C.FI_CONTEXT)
	ModeMsgPrefix = uint64(C.FI_MSG_PREFIX)
)

// OpFlagCompletion (FI_COMPLETION) marks one post, when issued through a
// *_msg call, as one that should actually generate a completion queue entry.
// It only has effect when the endpoint was opened with FI_SELECTIVE_COMPLETION
// in its tx/rx op_flags; on an endpoint without that mode every post
// completes regardless of this flag.
const OpFlagCompletion = uint64(C.FI_COMPLETION)

// CapSelectiveCompletion (FI_SELECTIVE_COMPLETION) is the op_flags mode bit
// that puts an endpoint's completion behavior under per-post control via
// OpFlagCompletion, instead of completing every post unconditionally.
const CapSelectiveCompletion = uint64(C.FI_SELECTIVE_COMPLETION)
