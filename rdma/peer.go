package rdma

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/IcicleF/rdmalib/bootstrap"
	"github.com/IcicleF/rdmalib/fi"
)

// ShareCQWith designates, for each RC connection index i, which index's send
// and receive CQs connection i should reuse. -1 means "allocate its own
// pair"; i itself also means "allocate its own pair"; any other value must
// name a strictly lower index that already has its own pair, so CQ sharing
// never forms a cycle or points forward.
type ShareCQWith []int

func (s ShareCQWith) validate(n int) error {
	if s == nil {
		return nil
	}
	if len(s) != n {
		return fmt.Errorf("rdma: share_cq_with has %d entries, want %d", len(s), n)
	}
	for i, j := range s {
		if j == -1 || j == i {
			continue
		}
		if j < 0 || j >= i {
			return fmt.Errorf("rdma: share_cq_with[%d]=%d must be -1, %d, or a lesser existing index", i, j, i)
		}
	}
	return nil
}

// Peer represents one remote rank: the set of RC and XRC connections this
// rank maintains to it, plus what the OOB exchange learned about the
// counterpart's memory regions and wire identities.
type Peer struct {
	logger *zap.Logger
	ctx    *Context
	desc   fi.Descriptor
	rv     *bootstrap.Rendezvous
	rank   int

	rcs  []*RCConnection
	xrcs []*XRCConnection

	remoteMRs      []MRDescriptor
	remoteSRQNums  [MaxConn]uint32
}

// NewPeer constructs a Peer bound to a specific remote rank. No connections
// are made until Establish is called.
func NewPeer(rdmaCtx *Context, desc fi.Descriptor, rv *bootstrap.Rendezvous, rank int, logger *zap.Logger) *Peer {
	if logger == nil {
		logger = zap.NewNop()
	}
	rdmaCtx.incref()
	return &Peer{logger: logger, ctx: rdmaCtx, desc: desc, rv: rv, rank: rank}
}

// Rank reports the remote rank this Peer addresses.
func (p *Peer) Rank() int { return p.rank }

// Establish builds numRC RC connections and numXRC XRC connections, each
// with its own pair of CQs, exchanges an OOB record with the counterpart
// rank, and drives every connection's bring-up state machine.
func (p *Peer) Establish(ctx context.Context, numRC, numXRC int) error {
	return p.establish(ctx, numRC, numXRC, nil)
}

// EstablishWithSharedCQs is the CQ-sharing variant: shareCQWith[i] names
// which RC connection's CQs connection i should reuse, per ShareCQWith's
// validation rule.
func (p *Peer) EstablishWithSharedCQs(ctx context.Context, numRC int, shareCQWith ShareCQWith) error {
	if err := shareCQWith.validate(numRC); err != nil {
		fatal(p.logger, p.rv.Rank(), FaultConfiguration, err.Error(), nil)
		return err
	}
	return p.establish(ctx, numRC, 0, shareCQWith)
}

func (p *Peer) establish(ctx context.Context, numRC, numXRC int, shareCQWith ShareCQWith) error {
	if numRC > MaxConn || numXRC > MaxConn {
		return fmt.Errorf("rdma: connection count exceeds MaxConn %d", MaxConn)
	}

	p.rcs = make([]*RCConnection, numRC)
	for i := 0; i < numRC; i++ {
		cfg := RCConfig{Logger: p.logger}
		if shareCQWith != nil && shareCQWith[i] != -1 && shareCQWith[i] != i {
			shared := p.rcs[shareCQWith[i]]
			cfg.SharedSendCQ = shared.sendCQ
			cfg.SharedRecvCQ = shared.recvCQ
		}
		rc, err := NewRC(p.desc, p.ctx, cfg)
		if err != nil {
			return err
		}
		p.rcs[i] = rc
	}

	p.xrcs = make([]*XRCConnection, numXRC)
	var firstSRQ *fi.SharedReceiveContext
	for i := 0; i < numXRC; i++ {
		cfg := XRCConfig{Logger: p.logger, SRQ: firstSRQ}
		x, err := NewXRC(p.desc, p.ctx, cfg)
		if err != nil {
			return err
		}
		if firstSRQ == nil {
			firstSRQ = x.srq
		}
		p.xrcs[i] = x
	}

	local := OOBRecord{}
	mrs := p.ctx.MRDescriptors()
	local.NumMR = int32(len(mrs))
	copy(local.MRs[:], mrs)
	local.NumRC = int32(numRC)
	for i, rc := range p.rcs {
		local.RCQPNum[i] = rc.LocalQPNum()
		addr, err := rc.LocalAddress()
		if err != nil {
			fatal(p.logger, p.rv.Rank(), FaultAddress, "rc local address unavailable", err)
			return err
		}
		blob, err := addrBlobOf(addr)
		if err != nil {
			fatal(p.logger, p.rv.Rank(), FaultAddress, "rc local address too long", err)
			return err
		}
		local.RCAddr[i] = blob
	}
	local.NumXRC = int32(numXRC)
	for i, x := range p.xrcs {
		local.XRCIniQPNum[i] = x.LocalIniQPNum()
		local.XRCTgtQPNum[i] = x.LocalTgtQPNum()
		local.XRCSRQNum[i] = x.LocalSRQNum()
		addr, err := x.LocalTargetAddress()
		if err != nil {
			fatal(p.logger, p.rv.Rank(), FaultAddress, "xrc target local address unavailable", err)
			return err
		}
		blob, err := addrBlobOf(addr)
		if err != nil {
			fatal(p.logger, p.rv.Rank(), FaultAddress, "xrc target local address too long", err)
			return err
		}
		local.XRCTgtAddr[i] = blob
	}

	sendBuf, err := local.MarshalBinary()
	if err != nil {
		return err
	}
	recvBuf := make([]byte, OOBRecordSize)
	if err := p.rv.SendRecv(ctx, p.rank, sendBuf, recvBuf); err != nil {
		fatal(p.logger, p.rv.Rank(), FaultTransport, "oob exchange failed", err)
		return err
	}
	var remote OOBRecord
	if err := remote.UnmarshalBinary(recvBuf); err != nil {
		fatal(p.logger, p.rv.Rank(), FaultTransport, "oob record decode failed", err)
		return err
	}

	p.remoteMRs = make([]MRDescriptor, remote.NumMR)
	copy(p.remoteMRs, remote.MRs[:remote.NumMR])
	copy(p.remoteSRQNums[:], remote.XRCSRQNum[:])

	for i, rc := range p.rcs {
		if err := rc.Establish(remote.RCAddr[i].Bytes(), remote.RCQPNum[i]); err != nil {
			return err
		}
	}
	for i, x := range p.xrcs {
		if err := x.Establish(remote.XRCTgtAddr[i].Bytes(), remote.XRCIniQPNum[i], remote.XRCTgtQPNum[i], remote.XRCSRQNum[i]); err != nil {
			return err
		}
	}

	// Fan-in wiring: every local XRC connection learns every remote XRC
	// target this peer published, not only the one it was paired with above,
	// so PostSend's remoteID can later redirect a send to any of them.
	for j := int32(0); j < remote.NumXRC; j++ {
		addr := remote.XRCTgtAddr[j].Bytes()
		srqNum := remote.XRCSRQNum[j]
		for _, x := range p.xrcs {
			if err := x.RegisterRemoteTarget(srqNum, addr); err != nil {
				fatal(p.logger, p.rv.Rank(), FaultAddress, "xrc fan-in target registration failed", err)
				return err
			}
		}
	}
	return nil
}

// RemoteMR returns the i-th memory region descriptor the counterpart
// published during Establish.
func (p *Peer) RemoteMR(i int) (MRDescriptor, bool) {
	if i < 0 || i >= len(p.remoteMRs) {
		return MRDescriptor{}, false
	}
	return p.remoteMRs[i], true
}

// MatchRemoteRKey performs the same first-match-wins linear scan as
// Context.MatchLKey, but over the counterpart's published MR descriptors.
func (p *Peer) MatchRemoteRKey(addr uint64, length uint64) (uint32, bool) {
	for _, d := range p.remoteMRs {
		if d.Covers(addr, length) {
			return d.RKey, true
		}
	}
	return 0, false
}

// RC returns the i-th RC connection to this peer.
func (p *Peer) RC(i int) *RCConnection {
	if i < 0 || i >= len(p.rcs) {
		return nil
	}
	return p.rcs[i]
}

// XRC returns the i-th XRC connection to this peer.
func (p *Peer) XRC(i int) *XRCConnection {
	if i < 0 || i >= len(p.xrcs) {
		return nil
	}
	return p.xrcs[i]
}

// Close tears down every connection held to this peer.
func (p *Peer) Close() error {
	var firstErr error
	for _, rc := range p.rcs {
		if err := rc.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, x := range p.xrcs {
		if err := x.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.ctx.decref()
	return firstErr
}
