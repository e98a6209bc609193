//go:build integration

package rdma

import "testing"

// TestContextOpenRegisterMatch exercises the Device Context against a real
// (or provider-emulated) NIC. It is gated behind the integration build tag
// the same way integration/client_e2e_test.go gates on a live provider,
// since opening a libfabric domain is not something a unit test can fake.
func TestContextOpenRegisterMatch(t *testing.T) {
	ctx, err := Open("", nil)
	if err != nil {
		t.Skipf("no usable RDM-capable device in this environment: %v", err)
	}
	defer func() {
		if err := ctx.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	}()

	buf := make([]byte, 4096)
	slot := ctx.RegMR(buf, PermAll)
	if slot < 0 {
		t.Fatalf("RegMR failed")
	}
	if ctx.MRCount() != 1 {
		t.Fatalf("MRCount = %d, want 1", ctx.MRCount())
	}

	base := uintptrOf(buf)
	if got, ok := ctx.MatchLKey(uint64(base), 4096); !ok || got != slot {
		t.Fatalf("MatchLKey(base, 4096) = (%d, %v), want (%d, true)", got, ok, slot)
	}
	if _, ok := ctx.MatchLKey(uint64(base)+8192, 8); ok {
		t.Fatalf("MatchLKey matched an address outside every registered range")
	}

	if region := ctx.Region(slot); region == nil {
		t.Fatalf("Region(%d) returned nil for a valid slot", slot)
	}
	if region := ctx.Region(slot + 1); region != nil {
		t.Fatalf("Region out of range should return nil")
	}

	for i := 0; i < MaxMrs; i++ {
		_ = ctx.RegMR(make([]byte, 8), PermAll)
	}
	if s := ctx.RegMR(make([]byte, 8), PermAll); s != -1 {
		t.Fatalf("RegMR beyond MaxMrs should fail, got slot %d", s)
	}
}

// TestContextCloseRefusesWithLiveDependents exercises the refcount gate on
// Close: a Context with an outstanding incref must refuse to tear down.
func TestContextCloseRefusesWithLiveDependents(t *testing.T) {
	ctx, err := Open("", nil)
	if err != nil {
		t.Skipf("no usable RDM-capable device in this environment: %v", err)
	}
	ctx.incref()

	err = ctx.Close()
	if err == nil {
		t.Fatalf("Close should refuse to tear down a context with live dependents")
	}
	fe, ok := err.(*FatalError)
	if !ok || fe.Class != FaultConfiguration {
		t.Fatalf("expected a Configuration FatalError, got %+v", err)
	}

	ctx.decref()
	if err := ctx.Close(); err != nil {
		t.Fatalf("Close should succeed once refcount drops to zero: %v", err)
	}
}
