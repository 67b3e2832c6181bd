package relay

import (
	"net/netip"
	"testing"
	"time"
)

func TestManagerOfferCaseAFirstClaimant(t *testing.T) {
	t.Parallel()

	m := NewManager([]byte("psk"))
	claimant := netip.MustParseAddrPort("10.0.0.1:4000")

	res := m.Offer([]byte("tok"), claimant)
	if !res.ShouldACK {
		t.Error("first claimant should be ACKed")
	}
	if res.Promoted {
		t.Error("first claimant should not promote a session")
	}
	if got := m.Snapshot(); got.PendingPairings != 1 || got.Sessions != 0 {
		t.Errorf("snapshot = %+v, want 1 pending, 0 sessions", got)
	}
}

func TestManagerOfferCaseCSecondClaimantPromotes(t *testing.T) {
	t.Parallel()

	m := NewManager([]byte("psk"))
	a := netip.MustParseAddrPort("10.0.0.1:4000")
	b := netip.MustParseAddrPort("10.0.0.2:5000")

	m.Offer([]byte("tok"), a)
	res := m.Offer([]byte("tok"), b)

	if res.ShouldACK {
		t.Error("the claimant that completes a pairing must not be ACKed")
	}
	if !res.Promoted {
		t.Fatalf("second claimant result = %+v, want promoted", res)
	}
	if res.Opponent != a {
		t.Errorf("opponent = %v, want %v", res.Opponent, a)
	}

	if !m.InSession(a) || !m.InSession(b) {
		t.Error("both endpoints should be in a session after promotion")
	}

	got := m.Snapshot()
	if got.PendingPairings != 0 {
		t.Errorf("pending pairings = %d, want 0 after promotion", got.PendingPairings)
	}
	if got.Sessions != 1 {
		t.Errorf("sessions = %d, want 1 after promotion", got.Sessions)
	}
}

func TestManagerOfferCaseBDuplicateClaimantReACKsWithoutPromoting(t *testing.T) {
	t.Parallel()

	m := NewManager([]byte("psk"))
	a := netip.MustParseAddrPort("10.0.0.1:4000")

	m.Offer([]byte("tok"), a)
	res := m.Offer([]byte("tok"), a)

	if !res.ShouldACK {
		t.Error("duplicate request from the same claimant should still be ACKed")
	}
	if res.Promoted {
		t.Error("duplicate request from the same claimant must not promote")
	}
	if m.Snapshot().PendingPairings != 1 {
		t.Error("pending pairing count should be unaffected by a duplicate request")
	}
}

func TestManagerForwardUnpairedSenderIsDropped(t *testing.T) {
	t.Parallel()

	m := NewManager([]byte("psk"))
	_, ok := m.Forward(netip.MustParseAddrPort("10.0.0.9:9999"))
	if ok {
		t.Error("forwarding from an unpaired sender should fail")
	}
}

func TestManagerForwardResolvesOpponentAndTouchesTimer(t *testing.T) {
	t.Parallel()

	m := NewManager([]byte("psk"))
	a := netip.MustParseAddrPort("10.0.0.1:4000")
	b := netip.MustParseAddrPort("10.0.0.2:5000")
	m.Offer([]byte("tok"), a)
	m.Offer([]byte("tok"), b)

	opponent, ok := m.Forward(a)
	if !ok {
		t.Fatal("expected forward to succeed for a paired sender")
	}
	if opponent != b {
		t.Errorf("opponent = %v, want %v", opponent, b)
	}
}

func TestManagerRunGCExpiresPendingAndSessions(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	fc := withFrozenClock(t, start)

	m := NewManager([]byte("psk"))
	a := netip.MustParseAddrPort("10.0.0.1:4000")
	b := netip.MustParseAddrPort("10.0.0.2:5000")
	c := netip.MustParseAddrPort("10.0.0.3:6000")

	m.Offer([]byte("pending-tok"), a)
	m.Offer([]byte("session-tok"), b)
	m.Offer([]byte("session-tok"), c)

	fc.Advance(time.Minute)

	res := m.RunGC(10*time.Second, 10*time.Second)
	if res.PendingExpired != 1 {
		t.Errorf("pending expired = %d, want 1", res.PendingExpired)
	}
	if res.SessionsExpired != 1 {
		t.Errorf("sessions expired = %d, want 1", res.SessionsExpired)
	}

	got := m.Snapshot()
	if got.PendingPairings != 0 || got.Sessions != 0 {
		t.Errorf("snapshot after GC = %+v, want all zero", got)
	}
}

func TestManagerShouldShutdownAfterSustainedIdle(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	fc := withFrozenClock(t, start)

	m := NewManager([]byte("psk"))

	// Tables start empty; the first GC pass should start the empty-since
	// clock rather than immediately reporting shutdown.
	m.RunGC(time.Minute, time.Minute)
	if m.ShouldShutdown(10 * time.Second) {
		t.Fatal("should not shut down immediately after the tables become empty")
	}

	fc.Advance(5 * time.Second)
	m.RunGC(time.Minute, time.Minute)
	if m.ShouldShutdown(10 * time.Second) {
		t.Fatal("should not shut down before the no-connections delay elapses")
	}

	fc.Advance(6 * time.Second)
	m.RunGC(time.Minute, time.Minute)
	if !m.ShouldShutdown(10 * time.Second) {
		t.Error("should shut down once both tables have been empty past the delay")
	}
}

func TestManagerActivityResetsEmptySinceTimer(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	fc := withFrozenClock(t, start)

	m := NewManager([]byte("psk"))
	m.RunGC(time.Minute, time.Minute)

	fc.Advance(5 * time.Second)
	m.Offer([]byte("tok"), netip.MustParseAddrPort("10.0.0.1:4000"))

	fc.Advance(6 * time.Second)
	m.RunGC(time.Minute, time.Minute)
	if m.ShouldShutdown(10 * time.Second) {
		t.Error("new activity should have reset the empty-since timer")
	}
}
