//go:build integration

package rdma

import "testing"

// TestXRCFanIntoSharedSRQ builds two XRC connections that share one SRQ
// (mirroring Peer.establish's "first connection creates the SRQ, the rest
// join it" policy) and verifies a send through either initiator is matched
// against the single shared receive queue.
func TestXRCFanIntoSharedSRQ(t *testing.T) {
	desc := openRDMDescriptor(t)

	ctx, err := Open("", nil)
	if err != nil {
		t.Skipf("Open failed: %v", err)
	}
	defer ctx.Close()

	first, err := NewXRC(desc, ctx, XRCConfig{})
	if err != nil {
		t.Fatalf("NewXRC first: %v", err)
	}
	defer first.Close()
	if !first.ownsSRQ {
		t.Fatalf("the first XRC connection in a group must own its SRQ")
	}

	second, err := NewXRC(desc, ctx, XRCConfig{SRQ: first.srq})
	if err != nil {
		t.Fatalf("NewXRC second: %v", err)
	}
	defer second.Close()
	if second.ownsSRQ {
		t.Fatalf("a joining XRC connection must not own the shared SRQ")
	}
	if second.srq != first.srq {
		t.Fatalf("second connection did not actually share the first's SRQ")
	}

	peer, err := NewXRC(desc, ctx, XRCConfig{})
	if err != nil {
		t.Fatalf("NewXRC peer: %v", err)
	}
	defer peer.Close()

	peerTgtAddr, err := peer.LocalTargetAddress()
	if err != nil {
		t.Fatalf("peer.LocalTargetAddress: %v", err)
	}
	firstTgtAddr, err := first.LocalTargetAddress()
	if err != nil {
		t.Fatalf("first.LocalTargetAddress: %v", err)
	}

	if err := first.Establish(peerTgtAddr, peer.localIniQP, peer.localTgtQP, peer.localSRQNum); err != nil {
		t.Fatalf("first.Establish: %v", err)
	}
	if err := second.Establish(peerTgtAddr, peer.localIniQP, peer.localTgtQP, peer.localSRQNum); err != nil {
		t.Fatalf("second.Establish: %v", err)
	}
	if err := peer.Establish(firstTgtAddr, first.localIniQP, first.localTgtQP, first.localSRQNum); err != nil {
		t.Fatalf("peer.Establish: %v", err)
	}

	recvBuf := make([]byte, 8)
	if _, err := peer.PostRecv(recvBuf); err != nil {
		t.Fatalf("PostRecv on shared SRQ: %v", err)
	}

	sendBuf := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	sctx, err := first.PostSend(sendBuf, peer.localSRQNum)
	if err != nil {
		t.Fatalf("PostSend from first initiator: %v", err)
	}
	if err := waitLocal(first.sendCQ, sctx); err != nil {
		t.Fatalf("waitLocal send: %v", err)
	}
}
