package rdma

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/IcicleF/rdmalib/bootstrap"
	"github.com/IcicleF/rdmalib/fi"
)

// Cluster is the process-wide singleton that owns the Context, the
// rendezvous collaborator, and the per-rank Peers. Establish is guarded by a
// CAS so that calling it more than once is a harmless no-op rather than a
// duplicate bring-up.
type Cluster struct {
	logger *zap.Logger
	ctx    *Context
	desc   fi.Descriptor
	rv     *bootstrap.Rendezvous

	peers     []*Peer
	connected atomic.Bool
}

// Construct builds a Cluster over an already-open Context and an already-
// joined Rendezvous; it performs no bring-up itself.
func Construct(rdmaCtx *Context, desc fi.Descriptor, rv *bootstrap.Rendezvous, logger *zap.Logger) *Cluster {
	if logger == nil {
		logger = zap.NewNop()
	}
	size := rv.Size()
	peers := make([]*Peer, size)
	for r := 0; r < size; r++ {
		if r == rv.Rank() {
			continue
		}
		peers[r] = NewPeer(rdmaCtx, desc, rv, r, logger)
	}
	return &Cluster{logger: logger, ctx: rdmaCtx, desc: desc, rv: rv, peers: peers}
}

// Rank reports this process's rank within the deployment.
func (c *Cluster) Rank() int { return c.rv.Rank() }

// Size reports the number of ranks in the deployment.
func (c *Cluster) Size() int { return c.rv.Size() }

// Peer returns the Peer object addressing the given rank, or nil for this
// process's own rank or an out-of-range rank.
func (c *Cluster) Peer(rank int) *Peer {
	if rank < 0 || rank >= len(c.peers) {
		return nil
	}
	return c.peers[rank]
}

// Establish brings up numRC RC connections and numXRC XRC connections to
// every other rank, in rank order, bracketed by a barrier on each side so
// that no rank starts issuing data-plane traffic before the whole deployment
// has finished bring-up. A second call is a no-op: the CAS on `connected`
// makes bring-up idempotent.
func (c *Cluster) Establish(ctx context.Context, numRC, numXRC int) error {
	if !c.connected.CompareAndSwap(false, true) {
		return nil
	}

	if err := c.rv.Barrier(ctx); err != nil {
		fatal(c.logger, c.rv.Rank(), FaultTransport, "pre-establish barrier failed", err)
		return err
	}

	for r := 0; r < len(c.peers); r++ {
		if r == c.rv.Rank() {
			continue
		}
		if err := c.peers[r].Establish(ctx, numRC, numXRC); err != nil {
			return err
		}
	}

	if err := c.rv.Barrier(ctx); err != nil {
		fatal(c.logger, c.rv.Rank(), FaultTransport, "post-establish barrier failed", err)
		return err
	}
	return nil
}

// Sync is a whole-cluster rendezvous barrier, usable at any point after
// Establish to order phases of an application built on top of the core.
func (c *Cluster) Sync(ctx context.Context) error {
	if err := c.rv.Barrier(ctx); err != nil {
		fatal(c.logger, c.rv.Rank(), FaultTransport, "sync barrier failed", err)
		return err
	}
	return nil
}

// Verbose queries every Peer's every Connection's QP state and reports the
// count that is not yet Ready-to-Send. It returns 0 when every connection
// this rank holds is healthy, matching the core's verbose() contract.
func (c *Cluster) Verbose() int {
	unready := 0
	for _, p := range c.peers {
		if p == nil {
			continue
		}
		for _, rc := range p.rcs {
			if rc.State() != StateRTS {
				unready++
			}
		}
		for _, x := range p.xrcs {
			if x.State() != StateRTS {
				unready++
			}
		}
	}
	c.logger.Info("rdma: verbose",
		zap.Int("rank", c.rv.Rank()),
		zap.Int("size", c.rv.Size()),
		zap.Bool("connected", c.connected.Load()),
		zap.String("device", c.ctx.deviceName),
		zap.Binary("gid", c.ctx.GID()[:]),
		zap.Uint16("lid", c.ctx.LID()),
		zap.Int("unready", unready),
	)
	return unready
}

// Close tears down every Peer and the underlying Context.
func (c *Cluster) Close() error {
	var firstErr error
	for _, p := range c.peers {
		if p == nil {
			continue
		}
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := c.ctx.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
