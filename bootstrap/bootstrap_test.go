package bootstrap

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

func TestSplitAddr(t *testing.T) {
	cases := []struct {
		addr        string
		node, svc   string
		wantErr     bool
	}{
		{"127.0.0.1:1234", "127.0.0.1", "1234", false},
		{"host.example.com:https", "host.example.com", "https", false},
		{"no-separator", "", "", true},
		{"[::1]:9090", "[::1]", "9090", false},
	}
	for _, c := range cases {
		node, svc, err := splitAddr(c.addr)
		if (err != nil) != c.wantErr {
			t.Errorf("splitAddr(%q) error = %v, wantErr %v", c.addr, err, c.wantErr)
			continue
		}
		if err == nil && (node != c.node || svc != c.svc) {
			t.Errorf("splitAddr(%q) = (%q,%q), want (%q,%q)", c.addr, node, svc, c.node, c.svc)
		}
	}
}

func TestJoinRejectsInvalidConfig(t *testing.T) {
	cases := []Config{
		{Rank: 0, Size: 0, Addrs: nil},
		{Rank: 2, Size: 2, Addrs: []string{"a:1", "b:2"}},
		{Rank: 0, Size: 2, Addrs: []string{"a:1"}},
	}
	for _, cfg := range cases {
		if _, err := Join(context.Background(), cfg); err == nil {
			t.Errorf("Join(%+v) should have been rejected", cfg)
		}
	}
}

func freeLoopbackPort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("could not reserve a loopback port: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

// TestJoinAndBarrierThreeRanks joins a three-rank rendezvous over loopback
// TCP and drives one Barrier and one pairwise SendRecv round, exercising the
// dissemination barrier's multiple rounds (size=3 needs two).
func TestJoinAndBarrierThreeRanks(t *testing.T) {
	const size = 3
	addrs := make([]string, size)
	for i := range addrs {
		addrs[i] = fmt.Sprintf("127.0.0.1:%d", freeLoopbackPort(t))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rvs := make([]*Rendezvous, size)
	group, gctx := errgroup.WithContext(ctx)
	for r := 0; r < size; r++ {
		r := r
		group.Go(func() error {
			rv, err := Join(gctx, Config{Rank: r, Size: size, Addrs: addrs})
			if err != nil {
				return err
			}
			rvs[r] = rv
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		t.Skipf("rendezvous join unavailable in this environment: %v", err)
	}
	defer func() {
		for _, rv := range rvs {
			rv.Close()
		}
	}()

	barrierGroup, bctx := errgroup.WithContext(ctx)
	for r := 0; r < size; r++ {
		rv := rvs[r]
		barrierGroup.Go(func() error { return rv.Barrier(bctx) })
	}
	if err := barrierGroup.Wait(); err != nil {
		t.Fatalf("Barrier: %v", err)
	}

	exchangeGroup, ectx := errgroup.WithContext(ctx)
	exchangeGroup.Go(func() error {
		recv := make([]byte, 4)
		return rvs[0].SendRecv(ectx, 1, []byte("ping"), recv)
	})
	exchangeGroup.Go(func() error {
		recv := make([]byte, 4)
		if err := rvs[1].SendRecv(ectx, 0, []byte("pong"), recv); err != nil {
			return err
		}
		if string(recv) != "ping" {
			return fmt.Errorf("rank1 received %q, want %q", recv, "ping")
		}
		return nil
	})
	if err := exchangeGroup.Wait(); err != nil {
		t.Fatalf("SendRecv: %v", err)
	}
}
