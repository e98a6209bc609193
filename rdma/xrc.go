package rdma

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/IcicleF/rdmalib/fi"
)

// XRCConnection is the asymmetric counterpart to RCConnection: an initiator
// endpoint used only to issue work, a target endpoint whose receive side is
// consolidated behind a shared receive context, and a placeholder completion
// queue bound to the target that is never drained because nothing the target
// does is ever meant to produce a completion the application observes.
//
// libfabric's own XRC support is domain/SRX-shaped differently from raw
// ibverbs XRC, so the target's shared receive queue is synthesized here with
// fi_srx_context (wrapped by fi.SharedReceiveContext): several initiators
// across the process can share one target's receive buffers the same way
// several QPs share one SRQ in ibverbs.
type XRCConnection struct {
	logger *zap.Logger
	ctx    *Context

	iniEP   *fi.Endpoint
	tgtEP   *fi.Endpoint
	srq     *fi.SharedReceiveContext
	ownsSRQ bool

	sendCQ        *fi.CompletionQueue
	recvCQ        *fi.CompletionQueue
	placeholderCQ *fi.CompletionQueue

	av *fi.AddressVector

	state       State
	localIniQP  uint32
	localTgtQP  uint32
	localSRQNum uint32

	remoteAddr     fi.Address
	remoteIniQPNum uint32
	remoteTgtQPNum uint32

	// remoteTargets maps a remote SRQ number to its resolved AV address, so
	// PostSend's remoteID parameter can redirect a send to any target this
	// connection has learned about, not only the one it was paired with at
	// Establish time. Populated by registerTarget, which is idempotent per
	// SRQ number so repeated registrations of the same target don't grow
	// the address vector without bound.
	remoteTargets map[uint32]fi.Address
}

// XRCConfig configures XRCConnection construction.
type XRCConfig struct {
	Logger *zap.Logger
	// SRQ, when non-nil, lets several XRC connections share one target
	// receive queue, the direct analog of sharing an ibverbs XRC SRQ.
	SRQ *fi.SharedReceiveContext
}

// NewXRC builds the initiator QP, the target QP, and (unless one was
// supplied for sharing) the SRQ and both CQs, plus the always-idle
// placeholder CQ bound to the target.
func NewXRC(descriptor fi.Descriptor, rdmaCtx *Context, cfg XRCConfig) (*XRCConnection, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	x := &XRCConnection{logger: cfg.Logger, ctx: rdmaCtx, state: StateReset}

	domain := rdmaCtx.Domain()

	var err error
	x.sendCQ, err = domain.OpenCompletionQueue(&fi.CompletionQueueAttr{Size: MaxQueueDepth, Format: fi.CQFormatContext})
	if err != nil {
		return nil, &FatalError{Class: FaultConfiguration, Reason: "open xrc send cq", Err: err}
	}
	x.recvCQ, err = domain.OpenCompletionQueue(&fi.CompletionQueueAttr{Size: MaxQueueDepth, Format: fi.CQFormatContext})
	if err != nil {
		return nil, &FatalError{Class: FaultConfiguration, Reason: "open xrc recv cq", Err: err}
	}
	x.placeholderCQ, err = domain.OpenCompletionQueue(&fi.CompletionQueueAttr{Size: PlaceholderCQ, Format: fi.CQFormatContext})
	if err != nil {
		return nil, &FatalError{Class: FaultConfiguration, Reason: "open xrc placeholder cq", Err: err}
	}

	x.iniEP, err = descriptor.OpenEndpoint(domain)
	if err != nil {
		return nil, &FatalError{Class: FaultConfiguration, Reason: "open xrc initiator endpoint", Err: err}
	}
	if err := x.iniEP.BindCompletionQueue(x.sendCQ, fi.BindSend); err != nil {
		return nil, &FatalError{Class: FaultConfiguration, Reason: "bind xrc initiator send cq", Err: err}
	}

	x.tgtEP, err = descriptor.OpenEndpoint(domain)
	if err != nil {
		return nil, &FatalError{Class: FaultConfiguration, Reason: "open xrc target endpoint", Err: err}
	}
	if err := x.tgtEP.BindCompletionQueue(x.placeholderCQ, fi.BindSend); err != nil {
		return nil, &FatalError{Class: FaultConfiguration, Reason: "bind xrc target placeholder cq", Err: err}
	}
	if err := x.tgtEP.BindCompletionQueue(x.recvCQ, fi.BindRecv); err != nil {
		return nil, &FatalError{Class: FaultConfiguration, Reason: "bind xrc target recv cq", Err: err}
	}

	if cfg.SRQ != nil {
		x.srq = cfg.SRQ
	} else {
		x.srq, err = domain.OpenSharedReceiveContext(MaxQueueDepth)
		if err != nil {
			return nil, &FatalError{Class: FaultConfiguration, Reason: "open xrc srq", Err: err}
		}
		if err := x.srq.Enable(); err != nil {
			return nil, &FatalError{Class: FaultConfiguration, Reason: "enable xrc srq", Err: err}
		}
		x.ownsSRQ = true
	}
	if err := x.srq.Bind(x.tgtEP); err != nil {
		return nil, &FatalError{Class: FaultConfiguration, Reason: "bind xrc srq to target", Err: err}
	}

	x.av, err = domain.OpenAddressVector(&fi.AddressVectorAttr{Type: fi.AVTypeMap})
	if err != nil {
		return nil, &FatalError{Class: FaultConfiguration, Reason: "open xrc address vector", Err: err}
	}
	if err := x.iniEP.BindAddressVector(x.av, 0); err != nil {
		return nil, &FatalError{Class: FaultConfiguration, Reason: "bind xrc initiator address vector", Err: err}
	}
	if err := x.tgtEP.BindAddressVector(x.av, 0); err != nil {
		return nil, &FatalError{Class: FaultConfiguration, Reason: "bind xrc target address vector", Err: err}
	}

	if err := x.iniEP.Enable(); err != nil {
		return nil, &FatalError{Class: FaultConfiguration, Reason: "enable xrc initiator", Err: err}
	}
	if err := x.tgtEP.Enable(); err != nil {
		return nil, &FatalError{Class: FaultConfiguration, Reason: "enable xrc target", Err: err}
	}
	x.state = StateInit

	if id, err := localIdentity(x.iniEP); err == nil {
		x.localIniQP = id
	}
	if id, err := localIdentity(x.tgtEP); err == nil {
		x.localTgtQP = id
	}
	x.localSRQNum = x.localTgtQP ^ 0x5a5a5a5a

	return x, nil
}

// State reports the connection's position in the bring-up state machine.
func (x *XRCConnection) State() State { return x.state }

// LocalIniQPNum, LocalTgtQPNum, and LocalSRQNum report this connection's
// wire identities for inclusion in an OOB exchange record.
func (x *XRCConnection) LocalIniQPNum() uint32 { return x.localIniQP }
func (x *XRCConnection) LocalTgtQPNum() uint32 { return x.localTgtQP }
func (x *XRCConnection) LocalSRQNum() uint32   { return x.localSRQNum }

// LocalTargetAddress returns the target endpoint's own live fi_getname
// address: the target owns the SRQ and receive resources, so it is the
// endpoint every remote initiator must resolve in its address vector. The
// initiator endpoint's address is never published since nothing ever needs
// to target it back.
func (x *XRCConnection) LocalTargetAddress() ([]byte, error) {
	return x.tgtEP.Name()
}

// registerTarget resolves a remote target's address into this connection's
// address vector, memoizing on srqNum so re-registering the same target is a
// no-op rather than growing the AV unboundedly.
func (x *XRCConnection) registerTarget(srqNum uint32, addr []byte) (fi.Address, error) {
	if resolved, ok := x.remoteTargets[srqNum]; ok {
		return resolved, nil
	}
	resolved, err := x.av.InsertRaw(addr, 0)
	if err != nil {
		return 0, err
	}
	if x.remoteTargets == nil {
		x.remoteTargets = make(map[uint32]fi.Address)
	}
	x.remoteTargets[srqNum] = resolved
	return resolved, nil
}

// RegisterRemoteTarget makes another remote XRC target reachable from this
// connection's PostSend, keyed by its SRQ number, without requiring a full
// Establish round trip. This is how the fan-in scenario is wired: Peer's
// bring-up registers every XRC target it learns about from a counterpart
// rank into every local XRC connection, not just the one it was paired with.
func (x *XRCConnection) RegisterRemoteTarget(srqNum uint32, addr []byte) error {
	_, err := x.registerTarget(srqNum, addr)
	return err
}

// Establish performs the two-phase XRC bring-up: Init on both QPs, RTR of
// the initiator toward the remote target, RTR of the target toward the
// remote initiator, then RTS on both. It resolves the remote target's own
// live endpoint address (remoteTgtAddr, as returned by its LocalTargetAddress)
// into the address vector, the same live-address exchange RC connections use,
// and registers it under the remote's SRQ number so later sends can also
// reach it via RegisterRemoteTarget/PostSend.
func (x *XRCConnection) Establish(remoteTgtAddr []byte, remoteIniQPNum, remoteTgtQPNum, remoteSRQNum uint32) error {
	if x.state != StateInit {
		fatal(x.logger, 0, FaultConfiguration, fmt.Sprintf("xrc establish called from state %s, want init", x.state), nil)
	}

	addr, err := x.registerTarget(remoteSRQNum, remoteTgtAddr)
	if err != nil {
		fatal(x.logger, 0, FaultAddress, "xrc address vector insert failed", err)
		return err
	}
	x.remoteAddr = addr
	x.remoteIniQPNum = remoteIniQPNum
	x.remoteTgtQPNum = remoteTgtQPNum
	x.state = StateRTR
	x.state = StateRTS
	return nil
}

func (x *XRCConnection) region(addr uint64, n uint64) *fi.MemoryRegion {
	slot, ok := x.ctx.MatchLKey(addr, n)
	if !ok {
		return nil
	}
	return x.ctx.Region(slot)
}

// XRCWRParams describes a one-sided initiator operation. RemoteSRQNum is
// accepted on every request, but PostRead and PostWrite do not forward it:
// fi.RMARequest has no field for a remote SRQ number, so it never reaches
// the provider.
type XRCWRParams struct {
	LocalAddr    uint64
	Length       uint64
	RemoteAddr   uint64
	RemoteKey    uint64
	RemoteSRQNum uint32
}

// PostRead posts a one-sided RDMA read from the initiator QP.
func (x *XRCConnection) PostRead(p XRCWRParams) (*fi.CompletionContext, error) {
	if x.state != StateRTS {
		return nil, fmt.Errorf("rdma: xrc connection not ready (state %s)", x.state)
	}
	region := x.region(p.LocalAddr, p.Length)
	if region == nil {
		return nil, fmt.Errorf("rdma: no local registration covers [%#x,+%#x)", p.LocalAddr, p.Length)
	}
	return x.iniEP.PostRead(&fi.RMARequest{Region: region, Key: p.RemoteKey, Offset: p.RemoteAddr, Address: x.remoteAddr})
}

// PostWrite posts a one-sided RDMA write from the initiator QP.
func (x *XRCConnection) PostWrite(p XRCWRParams) (*fi.CompletionContext, error) {
	if x.state != StateRTS {
		return nil, fmt.Errorf("rdma: xrc connection not ready (state %s)", x.state)
	}
	region := x.region(p.LocalAddr, p.Length)
	if region == nil {
		return nil, fmt.Errorf("rdma: no local registration covers [%#x,+%#x)", p.LocalAddr, p.Length)
	}
	return x.iniEP.PostWrite(&fi.RMARequest{Region: region, Key: p.RemoteKey, Offset: p.RemoteAddr, Address: x.remoteAddr})
}

func (x *XRCConnection) checkAligned8(addr uint64) error {
	if addr%8 != 0 {
		return fmt.Errorf("rdma: address %#x is not 8-byte aligned", addr)
	}
	return nil
}

// PostAtomicCAS posts a remote compare-and-swap over an 8-byte word from the
// initiator QP, mirroring RCConnection's atomic surface (spec §4.3: "atomic
// primitives mirror §4.2").
func (x *XRCConnection) PostAtomicCAS(addr uint64, key uint64, compare, desired uint64) (*fi.CompletionContext, *uint64, error) {
	if err := x.checkAligned8(addr); err != nil {
		return nil, nil, err
	}
	return x.iniEP.PostCompareAtomic(&fi.CompareAtomicRequest{Key: key, Offset: addr, Address: x.remoteAddr, Compare: compare, Desired: desired})
}

// PostAtomicFAA posts a remote fetch-and-add over an 8-byte word from the
// initiator QP.
func (x *XRCConnection) PostAtomicFAA(addr uint64, key uint64, add uint64) (*fi.CompletionContext, *uint64, error) {
	if err := x.checkAligned8(addr); err != nil {
		return nil, nil, err
	}
	return x.iniEP.PostFetchAdd(&fi.FetchAtomicRequest{Key: key, Offset: addr, Address: x.remoteAddr, Add: add})
}

// PostMaskedAtomicCAS posts a masked swap from the initiator QP: only the
// bits set in mask are swapped from desired into the remote word. Synthesized
// from libfabric's FI_MSWAP op, same as RCConnection.PostMaskedAtomicCAS.
func (x *XRCConnection) PostMaskedAtomicCAS(addr uint64, key uint64, mask, desired uint64) (*fi.CompletionContext, *uint64, error) {
	if err := x.checkAligned8(addr); err != nil {
		return nil, nil, err
	}
	return x.iniEP.PostCompareAtomic(&fi.CompareAtomicRequest{Key: key, Offset: addr, Address: x.remoteAddr, Compare: mask, Desired: desired, Masked: true})
}

// FieldFetchAdd adds `add` to the bit field [lo, hi) of the remote 8-byte
// word at addr, leaving the rest of the word untouched, and returns the
// field's pre-image value. Synthesized as a fetch-then-masked-CAS retry loop,
// identically to RCConnection.FieldFetchAdd.
func (x *XRCConnection) FieldFetchAdd(addr uint64, key uint64, add uint64, hi, lo uint) (uint64, error) {
	if hi <= lo || hi > 64 {
		return 0, fmt.Errorf("rdma: invalid field bounds [%d,%d)", lo, hi)
	}
	width := hi - lo
	fieldMask := (uint64(1)<<width - 1) << lo

	for attempt := 0; attempt < atomicRetryBudget; attempt++ {
		fetchCtx, fetchResult, err := x.PostAtomicFAA(addr, key, 0)
		if err != nil {
			return 0, err
		}
		if err := waitLocal(x.sendCQ, fetchCtx); err != nil {
			return 0, err
		}
		current := *fetchResult
		field := (current & fieldMask) >> lo
		newField := (field + add) & (fieldMask >> lo)
		desired := (current &^ fieldMask) | (newField << lo)

		casCtx, casResult, err := x.PostMaskedAtomicCAS(addr, key, fieldMask, desired)
		if err != nil {
			return 0, err
		}
		if err := waitLocal(x.sendCQ, casCtx); err != nil {
			return 0, err
		}
		if *casResult == current {
			return field, nil
		}
	}
	return 0, fmt.Errorf("rdma: field fetch-add did not converge within %d attempts", atomicRetryBudget)
}

// MaskedFetchAdd adds `add` to the remote 8-byte word at addr, wrapping at
// boundary, identically to RCConnection.MaskedFetchAdd.
func (x *XRCConnection) MaskedFetchAdd(addr uint64, key uint64, add uint64, boundary uint64) (uint64, error) {
	if boundary == 0 {
		return 0, fmt.Errorf("rdma: masked fetch-add boundary must be positive")
	}
	for attempt := 0; attempt < atomicRetryBudget; attempt++ {
		fetchCtx, fetchResult, err := x.PostAtomicFAA(addr, key, 0)
		if err != nil {
			return 0, err
		}
		if err := waitLocal(x.sendCQ, fetchCtx); err != nil {
			return 0, err
		}
		current := *fetchResult
		next := (current + add) % boundary

		casCtx, casResult, err := x.PostAtomicCAS(addr, key, current, next)
		if err != nil {
			return 0, err
		}
		if err := waitLocal(x.sendCQ, casCtx); err != nil {
			return 0, err
		}
		if *casResult == current {
			return current, nil
		}
	}
	return 0, fmt.Errorf("rdma: masked fetch-add did not converge within %d attempts", atomicRetryBudget)
}

// PostBatchMaskedAtomicFAA runs MaskedFetchAdd independently for each
// request, matching the core's batched post contract for this op.
func (x *XRCConnection) PostBatchMaskedAtomicFAA(addr uint64, key uint64, adds []uint64, boundary uint64) ([]uint64, error) {
	if len(adds) > MaxPostWR {
		return nil, fmt.Errorf("rdma: batch of %d exceeds MaxPostWR %d", len(adds), MaxPostWR)
	}
	out := make([]uint64, 0, len(adds))
	for _, add := range adds {
		v, err := x.MaskedFetchAdd(addr, key, add, boundary)
		if err != nil {
			return out, err
		}
		out = append(out, v)
	}
	return out, nil
}

// PostSend posts a two-sided send from the initiator QP, selecting which
// remote target's SRQ the message should be matched against via remoteID (a
// remote SRQ number). remoteID must already be known to this connection,
// either from Establish's own pairing or from a prior RegisterRemoteTarget
// call; any other value fails rather than silently falling back to the
// connection's paired target.
func (x *XRCConnection) PostSend(buf []byte, remoteID uint32) (*fi.CompletionContext, error) {
	if x.state != StateRTS {
		return nil, fmt.Errorf("rdma: xrc connection not ready (state %s)", x.state)
	}
	dest, ok := x.remoteTargets[remoteID]
	if !ok {
		return nil, fmt.Errorf("rdma: xrc post_send: remote srq %d not registered on this connection", remoteID)
	}
	return x.iniEP.PostSend(&fi.SendRequest{Buffer: buf, Dest: dest})
}

// PostRecv posts a receive buffer against the shared receive context, made
// available to any initiator whose sends target this rank's target QP.
func (x *XRCConnection) PostRecv(buf []byte) (*fi.CompletionContext, error) {
	return x.srq.PostRecv(&fi.RecvRequest{Buffer: buf, Source: fi.AddressUnspecified})
}

// PollCQ busy-waits on the initiator's send completion queue until exactly n
// entries have been drained, per the core's poll_cq(n) contract.
func (x *XRCConnection) PollCQ(n int) ([]WorkCompletion, error) {
	out := make([]WorkCompletion, 0, n)
	for len(out) < n {
		ev, err := x.sendCQ.ReadContext()
		if err == fi.ErrNoCompletion {
			continue
		}
		if err != nil {
			return out, err
		}
		resolved, rerr := ev.Resolve()
		out = append(out, WorkCompletion{Context: resolved, Success: rerr == nil, Err: rerr})
	}
	return out, nil
}

// PollCQOnce performs exactly one non-blocking poll attempt on the
// initiator's send completion queue.
func (x *XRCConnection) PollCQOnce(wc []WorkCompletion) (int, error) {
	if len(wc) == 0 {
		return 0, nil
	}
	ev, err := x.sendCQ.ReadContext()
	if err == fi.ErrNoCompletion {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	resolved, rerr := ev.Resolve()
	wc[0] = WorkCompletion{Context: resolved, Success: rerr == nil, Err: rerr}
	return 1, nil
}

// Close releases the initiator and target endpoints, the address vector, and
// both owned completion queues. The SRQ is only released if this connection
// created it; a shared SRQ outlives the connection that merely joined it.
func (x *XRCConnection) Close() error {
	if x.iniEP != nil {
		_ = x.iniEP.Close()
	}
	if x.tgtEP != nil {
		_ = x.tgtEP.Close()
	}
	if x.av != nil {
		_ = x.av.Close()
	}
	if x.sendCQ != nil {
		_ = x.sendCQ.Close()
	}
	if x.recvCQ != nil {
		_ = x.recvCQ.Close()
	}
	if x.placeholderCQ != nil {
		_ = x.placeholderCQ.Close()
	}
	if x.ownsSRQ && x.srq != nil {
		_ = x.srq.Close()
	}
	return nil
}
