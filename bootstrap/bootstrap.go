// Package bootstrap implements the rendezvous collaborator the core assumes:
// a synchronous whole-cluster barrier and a blocking symmetric exchange keyed
// by rank. It is deliberately independent of the RC/XRC data-plane bring-up
// it helps perform, so a connection-oriented libfabric MSG endpoint (commonly
// backed by the "sockets" provider in deployments where a dedicated
// out-of-band fabric is unavailable) is used rather than the verbs RC/XRC
// transport being brought up.
package bootstrap

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/IcicleF/rdmalib/client"
)

// Config describes how to reach every rank in the deployment.
type Config struct {
	Rank  int
	Size  int
	// Addrs holds one "node:service" listen address per rank, indexed by rank.
	Addrs []string

	Provider         string
	Logger           client.Logger
	StructuredLogger client.StructuredLogger
	Tracer           client.Tracer
	Metrics          client.MetricHook
}

// Rendezvous is a full-mesh control-plane channel used only during bring-up
// and for explicit Sync calls; it carries no data-plane traffic.
type Rendezvous struct {
	rank  int
	size  int
	conns map[int]*client.Client

	mu sync.Mutex
}

// Join establishes a connection to every other rank, following the
// convention that the lower rank of a pair listens and the higher rank
// dials, so that exactly one connection exists per unordered pair. It blocks
// until all N(N-1)/2 connections in the deployment have been formed.
func Join(ctx context.Context, cfg Config) (*Rendezvous, error) {
	if cfg.Size <= 0 {
		return nil, fmt.Errorf("bootstrap: size must be positive")
	}
	if cfg.Rank < 0 || cfg.Rank >= cfg.Size {
		return nil, fmt.Errorf("bootstrap: rank %d out of range [0,%d)", cfg.Rank, cfg.Size)
	}
	if len(cfg.Addrs) != cfg.Size {
		return nil, fmt.Errorf("bootstrap: expected %d addresses, got %d", cfg.Size, len(cfg.Addrs))
	}

	r := &Rendezvous{
		rank:  cfg.Rank,
		size:  cfg.Size,
		conns: make(map[int]*client.Client, cfg.Size-1),
	}

	selfAddr := cfg.Addrs[cfg.Rank]
	node, service, err := splitAddr(selfAddr)
	if err != nil {
		return nil, err
	}

	higherCount := cfg.Size - 1 - cfg.Rank
	var listener *client.Listener
	if higherCount > 0 {
		listener, err = client.Listen(client.ListenerConfig{
			Provider:         cfg.Provider,
			Node:             node,
			Service:          service,
			Logger:           cfg.Logger,
			StructuredLogger: cfg.StructuredLogger,
			Tracer:           cfg.Tracer,
			Metrics:          cfg.Metrics,
		})
		if err != nil {
			return nil, fmt.Errorf("bootstrap: listen: %w", err)
		}
		defer listener.Close()
	}

	group, groupCtx := errgroup.WithContext(ctx)

	if listener != nil {
		group.Go(func() error {
			for i := 0; i < higherCount; i++ {
				conn, err := listener.Accept(groupCtx)
				if err != nil {
					return fmt.Errorf("bootstrap: accept: %w", err)
				}
				peerRank, err := handshakeAccept(groupCtx, conn, cfg.Rank)
				if err != nil {
					conn.Close()
					return err
				}
				r.mu.Lock()
				r.conns[peerRank] = conn
				r.mu.Unlock()
			}
			return nil
		})
	}

	for peer := 0; peer < cfg.Rank; peer++ {
		peer := peer
		group.Go(func() error {
			peerNode, peerService, err := splitAddr(cfg.Addrs[peer])
			if err != nil {
				return err
			}
			conn, err := client.Connect(client.Config{
				Provider:         cfg.Provider,
				Node:             peerNode,
				Service:          peerService,
				Logger:           cfg.Logger,
				StructuredLogger: cfg.StructuredLogger,
				Tracer:           cfg.Tracer,
				Metrics:          cfg.Metrics,
			})
			if err != nil {
				return fmt.Errorf("bootstrap: connect to rank %d: %w", peer, err)
			}
			if err := handshakeDial(groupCtx, conn, cfg.Rank); err != nil {
				conn.Close()
				return err
			}
			r.mu.Lock()
			r.conns[peer] = conn
			r.mu.Unlock()
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

// handshakeDial sends this rank's identity first and waits for the
// acceptor's identity in reply. The reply is read but not checked: the
// dialer already knows the peer rank it targeted.
func handshakeDial(ctx context.Context, conn *client.Client, selfRank int) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(selfRank))
	if err := conn.Send(ctx, buf[:]); err != nil {
		return fmt.Errorf("bootstrap: handshake send: %w", err)
	}
	var reply [4]byte
	if _, err := conn.Receive(ctx, reply[:]); err != nil {
		return fmt.Errorf("bootstrap: handshake receive: %w", err)
	}
	return nil
}

// handshakeAccept receives the dialer's rank and echoes this rank's identity
// back, resolving which rank a given Accept()-ed connection belongs to.
func handshakeAccept(ctx context.Context, conn *client.Client, selfRank int) (int, error) {
	var buf [4]byte
	if _, err := conn.Receive(ctx, buf[:]); err != nil {
		return 0, fmt.Errorf("bootstrap: handshake receive: %w", err)
	}
	peerRank := int(binary.BigEndian.Uint32(buf[:]))

	var reply [4]byte
	binary.BigEndian.PutUint32(reply[:], uint32(selfRank))
	if err := conn.Send(ctx, reply[:]); err != nil {
		return 0, fmt.Errorf("bootstrap: handshake send: %w", err)
	}
	return peerRank, nil
}

func splitAddr(addr string) (node, service string, err error) {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return addr[:i], addr[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("bootstrap: address %q missing node:service separator", addr)
}

// Rank reports this process's rank.
func (r *Rendezvous) Rank() int { return r.rank }

// Size reports the cluster size.
func (r *Rendezvous) Size() int { return r.size }

// SendRecv performs a blocking symmetric exchange with the named counterpart
// rank: sendBuf is transmitted while recvBuf is filled, and the call returns
// only once both directions have completed.
func (r *Rendezvous) SendRecv(ctx context.Context, peerRank int, sendBuf, recvBuf []byte) error {
	r.mu.Lock()
	conn, ok := r.conns[peerRank]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("bootstrap: no connection to rank %d", peerRank)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return conn.Send(groupCtx, sendBuf)
	})
	group.Go(func() error {
		_, err := conn.Receive(groupCtx, recvBuf)
		return err
	})
	return group.Wait()
}

// Barrier blocks until every rank in the deployment has called Barrier,
// using a dissemination algorithm: ceil(log2(size)) rounds, each exchanging
// one byte with a different counterpart so that information about arrival
// propagates to all ranks without a central coordinator.
func (r *Rendezvous) Barrier(ctx context.Context) error {
	if r.size <= 1 {
		return nil
	}
	token := []byte{1}
	recv := make([]byte, 1)
	for step := 1; step < r.size; step *= 2 {
		dst := (r.rank + step) % r.size
		src := ((r.rank-step)%r.size + r.size) % r.size
		if dst == r.rank {
			continue
		}
		var group errgroup.Group
		group.Go(func() error {
			c := r.connFor(dst)
			if c == nil {
				return fmt.Errorf("bootstrap: no connection to rank %d", dst)
			}
			return c.Send(ctx, token)
		})
		group.Go(func() error {
			c := r.connFor(src)
			if c == nil {
				return fmt.Errorf("bootstrap: no connection to rank %d", src)
			}
			_, err := c.Receive(ctx, recv)
			return err
		})
		if err := group.Wait(); err != nil {
			return fmt.Errorf("bootstrap: barrier round to/from %d/%d: %w", dst, src, err)
		}
	}
	return nil
}

func (r *Rendezvous) connFor(rank int) *client.Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conns[rank]
}

// Close tears down every peer connection.
func (r *Rendezvous) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for _, c := range r.conns {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.conns = nil
	return firstErr
}
