package relay

import (
	"net/netip"
	"testing"
	"time"
)

func TestPendingRegistryInsertGet(t *testing.T) {
	t.Parallel()

	r := newPendingRegistry()
	addr := netip.MustParseAddrPort("10.0.0.1:4000")

	if _, ok := r.get("tok"); ok {
		t.Fatal("fresh registry should not contain any token")
	}

	r.insert("tok", addr)
	p, ok := r.get("tok")
	if !ok {
		t.Fatal("expected token to be present after insert")
	}
	if p.claimant != addr {
		t.Errorf("claimant = %v, want %v", p.claimant, addr)
	}
	if r.len() != 1 {
		t.Errorf("len() = %d, want 1", r.len())
	}
}

func TestPendingRegistryRemove(t *testing.T) {
	t.Parallel()

	r := newPendingRegistry()
	r.insert("tok", netip.MustParseAddrPort("10.0.0.1:4000"))
	r.remove("tok")

	if _, ok := r.get("tok"); ok {
		t.Error("token should be gone after remove")
	}
	if r.len() != 0 {
		t.Errorf("len() = %d, want 0", r.len())
	}
}

func TestPendingRegistryExpireOlderThan(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	fc := withFrozenClock(t, start)

	r := newPendingRegistry()
	r.insert("old", netip.MustParseAddrPort("10.0.0.1:4000"))

	fc.Advance(5 * time.Second)
	r.insert("fresh", netip.MustParseAddrPort("10.0.0.2:4000"))

	fc.Advance(6 * time.Second)

	removed := r.expireOlderThan(10 * time.Second)
	if removed != 1 {
		t.Fatalf("expireOlderThan removed %d, want 1", removed)
	}
	if _, ok := r.get("old"); ok {
		t.Error("old pairing should have been expired")
	}
	if _, ok := r.get("fresh"); !ok {
		t.Error("fresh pairing should still be present")
	}
}
