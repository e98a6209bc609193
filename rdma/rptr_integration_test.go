//go:build integration

package rdma

import "testing"

// TestRemotePointerCacheAndAtomics exercises the read-through/write-back
// cache and the 64-bit atomic surface of RemotePointer over a real loopback
// RC connection.
func TestRemotePointerCacheAndAtomics(t *testing.T) {
	desc := openRDMDescriptor(t)

	ctx, err := Open("", nil)
	if err != nil {
		t.Skipf("Open failed: %v", err)
	}
	defer ctx.Close()

	local, err := NewRC(desc, ctx, RCConfig{})
	if err != nil {
		t.Fatalf("NewRC local: %v", err)
	}
	remote, err := NewRC(desc, ctx, RCConfig{})
	if err != nil {
		t.Fatalf("NewRC remote: %v", err)
	}
	defer local.Close()
	defer remote.Close()

	localAddrBytes, err := local.LocalAddress()
	if err != nil {
		t.Fatalf("local.LocalAddress: %v", err)
	}
	remoteAddrBytes, err := remote.LocalAddress()
	if err != nil {
		t.Fatalf("remote.LocalAddress: %v", err)
	}

	if err := local.Establish(remoteAddrBytes, remote.LocalQPNum()); err != nil {
		t.Fatalf("local.Establish: %v", err)
	}
	if err := remote.Establish(localAddrBytes, local.LocalQPNum()); err != nil {
		t.Fatalf("remote.Establish: %v", err)
	}

	targetBuf := make([]byte, 8)
	slot := ctx.RegMR(targetBuf, PermAll)
	if slot < 0 {
		t.Fatalf("RegMR target failed")
	}
	key := uint64(ctx.Region(slot).Key())
	addr := uint64(uintptrOf(targetBuf))

	ptr, err := NewRemotePointer[uint64](local, key, addr)
	if err != nil {
		t.Fatalf("NewRemotePointer: %v", err)
	}
	defer ptr.Close()

	if _, err := ptr.CompareExchange(0, 42); err != nil {
		t.Fatalf("CompareExchange: %v", err)
	}

	val, err := ptr.Dereference(true)
	if err != nil {
		t.Fatalf("Dereference(volatile): %v", err)
	}
	if val != 42 {
		t.Fatalf("Dereference = %d, want 42", val)
	}

	// A non-volatile dereference must reuse the cache without touching the
	// network: invalidate the remote side underneath it and confirm the
	// cached value is still returned.
	if _, err := ptr.FetchAdd(1); err != nil {
		t.Fatalf("FetchAdd: %v", err)
	}
	cached, err := ptr.Dereference(false)
	if err != nil {
		t.Fatalf("Dereference(cached): %v", err)
	}
	if cached != 42 {
		t.Fatalf("cached Dereference = %d, want stale 42", cached)
	}

	ptr.Invalidate()
	fresh, err := ptr.Dereference(false)
	if err != nil {
		t.Fatalf("Dereference after invalidate: %v", err)
	}
	if fresh != 43 {
		t.Fatalf("Dereference after invalidate = %d, want 43", fresh)
	}

	if _, success, err := ptr.FieldFetchAddTimeLimit(1_000_000, 1, 8, 0); err != nil || !success {
		t.Fatalf("FieldFetchAddTimeLimit did not succeed within a generous budget: success=%v err=%v", success, err)
	}
}
