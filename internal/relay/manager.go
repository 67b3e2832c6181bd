package relay

import (
	"net/netip"
	"sync"
	"time"
)

// Stats is a point-in-time snapshot of the Manager's tables, read by the
// metrics collector without holding the manager's lock across a publish.
type Stats struct {
	PendingPairings int
	Sessions        int
}

// OfferResult reports what an EstablishConnection request did to the
// pending/session tables, so the event loop knows whether to ACK and whom.
type OfferResult struct {
	// ShouldACK is true if the claimant should receive an ACK carrying the
	// token (the first claimant, and a duplicate request from that same
	// claimant). The relay never ACKs the request that completes a
	// pairing — Promoted is always mutually exclusive with ShouldACK.
	ShouldACK bool
	// Promoted is true if this request completed a pairing and created a
	// Session (a second, distinct claimant for the same token).
	Promoted bool
	// Opponent is the other endpoint's address, valid only if Promoted.
	Opponent netip.AddrPort
}

// Manager owns the pending-pairing registry and the session table, and the
// global empty-since timer that drives shutdown when no state remains.
//
// A mutex-guarded set of map-keyed tables sits behind a small method
// surface (Offer, Forward, RunGC). The event loop itself stays
// single-threaded, but Snapshot is read concurrently by the daemon's
// stats-publishing goroutine, so the lock stays even though most callers run from
// that one dispatch goroutine.
type Manager struct {
	mu       sync.RWMutex
	pending  *pendingRegistry
	sessions *sessionTable

	psk []byte

	emptySince      ExpiringTimer
	emptySinceValid bool
}

// NewManager constructs a Manager that authenticates EstablishConnection
// frames against psk.
func NewManager(psk []byte) *Manager {
	return &Manager{
		pending:  newPendingRegistry(),
		sessions: newSessionTable(),
		psk:      psk,
	}
}

// Offer processes a decoded EstablishConnection frame from sender,
// implementing three cases: first claimant, promoting second claimant, and
// duplicate re-request from an already-pending claimant.
func (m *Manager) Offer(token []byte, sender netip.AddrPort) OfferResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := string(token)

	if p, ok := m.pending.get(key); ok {
		if p.claimant == sender {
			// Case B: duplicate request from the same claimant while the
			// pairing is still pending. Refresh the timer and re-ACK;
			// nothing is promoted.
			p.timer.Touch()
			return OfferResult{ShouldACK: true}
		}

		// Case C: a second, distinct claimant completes the pairing. The
		// relay stays silent here — no ACK to either side, the promotion
		// itself is the only signal, proven by forwarded payloads.
		opponent := p.claimant
		m.pending.remove(key)
		m.sessions.promote(opponent, sender)
		m.noteNonEmpty()
		return OfferResult{Promoted: true, Opponent: opponent}
	}

	// Case A: first claimant for this token.
	m.pending.insert(key, sender)
	m.noteNonEmpty()
	return OfferResult{ShouldACK: true}
}

// Forward resolves the opponent for an already-promoted sender and touches
// the sender-side activity timer. ok is false if sender is not part of any
// session (the caller should drop the datagram).
func (m *Manager) Forward(sender netip.AddrPort) (opponent netip.AddrPort, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, found := m.sessions.lookup(sender)
	if !found {
		return netip.AddrPort{}, false
	}
	sess.touch(sender)
	return sess.opponent(sender), true
}

// InSession reports whether addr is already part of a promoted session.
// Once promoted, every datagram from that address is forwarded as opaque
// payload and never re-parsed as a control frame.
func (m *Manager) InSession(addr netip.AddrPort) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.sessions.lookup(addr)
	return ok
}

// GCResult reports how many entries RunGC removed, for logging and metrics.
type GCResult struct {
	PendingExpired  int
	SessionsExpired int
}

// RunGC sweeps expired pending pairings and idle sessions, and updates the
// global empty-since timer used to decide when to shut down.
func (m *Manager) RunGC(pairingTimeout, inactivityTimeout time.Duration) GCResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	res := GCResult{
		PendingExpired:  m.pending.expireOlderThan(pairingTimeout),
		SessionsExpired: m.sessions.expireIdle(inactivityTimeout),
	}

	if m.pending.len() == 0 && m.sessions.len() == 0 {
		if !m.emptySinceValid {
			m.emptySince = NewExpiringTimer()
			m.emptySinceValid = true
		}
	} else {
		m.emptySinceValid = false
	}

	return res
}

// noteNonEmpty clears the empty-since timer; called while holding mu from
// Offer whenever a table transitions away from empty.
func (m *Manager) noteNonEmpty() {
	m.emptySinceValid = false
}

// ShouldShutdown reports whether both tables have been empty for at least
// noConnectionsTimeout: the relay exits when it has had nothing to do for
// that long.
func (m *Manager) ShouldShutdown(noConnectionsTimeout time.Duration) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.emptySinceValid && m.emptySince.Expired(noConnectionsTimeout)
}

// Snapshot returns the current table sizes for metrics publication.
func (m *Manager) Snapshot() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Stats{
		PendingPairings: m.pending.len(),
		Sessions:        m.sessions.len(),
	}
}

// PSK returns the preshared key this manager authenticates requests
// against.
func (m *Manager) PSK() []byte {
	return m.psk
}
