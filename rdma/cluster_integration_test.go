//go:build integration

package rdma

import (
	"context"
	"fmt"
	"net"
	"testing"

	"golang.org/x/sync/errgroup"

	"github.com/IcicleF/rdmalib/bootstrap"
)

func freeTCPPort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("could not reserve a loopback port: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

// TestClusterTwoRankEstablishAndWrite joins a two-rank bootstrap rendezvous
// over loopback TCP, builds a Cluster on each rank against the same device,
// and drives a real cross-rank RC write through the resulting Peer, mirroring
// the ring-write end-to-end scenario at a smaller N.
func TestClusterTwoRankEstablishAndWrite(t *testing.T) {
	desc := openRDMDescriptor(t)

	addrs := []string{
		fmt.Sprintf("127.0.0.1:%d", freeTCPPort(t)),
		fmt.Sprintf("127.0.0.1:%d", freeTCPPort(t)),
	}

	ctx0, err := Open("", nil)
	if err != nil {
		t.Skipf("Open rank0: %v", err)
	}
	defer ctx0.Close()
	ctx1, err := Open("", nil)
	if err != nil {
		t.Skipf("Open rank1: %v", err)
	}
	defer ctx1.Close()

	// Every MR a rank wants its counterpart to address must be registered
	// before that rank's Establish call, since the OOB record snapshots the
	// MR table at that moment.
	remoteBuf := make([]byte, 8)
	remoteSlot := ctx1.RegMR(remoteBuf, PermAll)
	if remoteSlot < 0 {
		t.Fatalf("RegMR on rank1 failed")
	}

	var cluster0, cluster1 *Cluster
	group, gctx := errgroup.WithContext(context.Background())
	group.Go(func() error {
		rv, err := bootstrap.Join(gctx, bootstrap.Config{Rank: 0, Size: 2, Addrs: addrs})
		if err != nil {
			return err
		}
		cluster0 = Construct(ctx0, desc, rv, nil)
		return cluster0.Establish(gctx, 1, 0)
	})
	group.Go(func() error {
		rv, err := bootstrap.Join(gctx, bootstrap.Config{Rank: 1, Size: 2, Addrs: addrs})
		if err != nil {
			return err
		}
		cluster1 = Construct(ctx1, desc, rv, nil)
		return cluster1.Establish(gctx, 1, 0)
	})
	if err := group.Wait(); err != nil {
		t.Fatalf("two-rank bring-up failed: %v", err)
	}
	defer cluster0.Close()
	defer cluster1.Close()

	if err := cluster0.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	peer := cluster0.Peer(1)
	if peer == nil {
		t.Fatalf("cluster0.Peer(1) is nil")
	}
	rkey, ok := peer.MatchRemoteRKey(uint64(uintptrOf(remoteBuf)), 8)
	if !ok {
		t.Fatalf("rank0 could not resolve rank1's remote key; was the MR registered before Establish?")
	}

	localBuf := make([]byte, 8)
	localSlot := ctx0.RegMR(localBuf, PermAll)
	if localSlot < 0 {
		t.Fatalf("RegMR on rank0 failed")
	}
	for i := range localBuf {
		localBuf[i] = byte(0xC0 + i)
	}

	rc := peer.RC(0)
	if rc == nil {
		t.Fatalf("peer.RC(0) is nil")
	}
	wctx, err := rc.PostWrite(WRParams{
		LocalAddr:  uint64(uintptrOf(localBuf)),
		Length:     8,
		RemoteAddr: uint64(uintptrOf(remoteBuf)),
		RemoteKey:  uint64(rkey),
	})
	if err != nil {
		t.Fatalf("PostWrite: %v", err)
	}
	if err := waitLocal(rc.sendCQ, wctx); err != nil {
		t.Fatalf("waitLocal: %v", err)
	}

	if err := cluster0.Establish(context.Background(), 1, 0); err != nil {
		t.Fatalf("repeat Establish must be a no-op, got: %v", err)
	}
}
