package relay

import (
	"net/netip"
	"time"
)

// endpoint is one side of a promoted Session.
type endpoint struct {
	addr  netip.AddrPort
	timer ExpiringTimer
}

// Session is a bidirectional forwarding relationship between exactly two
// distinct endpoints: the two addresses always differ, and each resolves
// its opponent in O(1).
//
// Both address-keyed entries in sessionTable.byAddr for a given Session
// point at the same *Session value — a single owner reachable by either
// key, rather than a pair of sessions cross-pointing at each other.
type Session struct {
	a, b endpoint
}

// opponent returns the address on the other side of src, which must be one
// of the session's two endpoints.
func (s *Session) opponent(src netip.AddrPort) netip.AddrPort {
	if s.a.addr == src {
		return s.b.addr
	}
	return s.a.addr
}

// touch updates the last-activity timer for the endpoint matching src.
func (s *Session) touch(src netip.AddrPort) {
	if s.a.addr == src {
		s.a.timer.Touch()
		return
	}
	s.b.timer.Touch()
}

// bothIdle reports whether both endpoints have been silent past d. Both
// sides must be idle — either side still being active keeps the session
// alive.
func (s *Session) bothIdle(d time.Duration) bool {
	return s.a.timer.Expired(d) && s.b.timer.Expired(d)
}

// sessionTable maps endpoint addresses to the Session they belong to.
// Endpoints from the same session appear as two entries pointing at a
// common Session object.
//
// Grounded on internal/bfd/manager.go's sessions/sessionsByPeer map pair,
// narrowed to a single map since the relay demultiplexes purely by UDP
// source address rather than by a negotiated discriminator.
type sessionTable struct {
	byAddr map[netip.AddrPort]*Session
}

func newSessionTable() *sessionTable {
	return &sessionTable{byAddr: make(map[netip.AddrPort]*Session)}
}

func (t *sessionTable) lookup(addr netip.AddrPort) (*Session, bool) {
	s, ok := t.byAddr[addr]
	return s, ok
}

// len returns the number of distinct sessions (not address entries — each
// session occupies two entries in byAddr).
func (t *sessionTable) len() int {
	return len(t.byAddr) / 2
}

// promote creates a Session for (a, b) and inserts both address entries.
func (t *sessionTable) promote(a, b netip.AddrPort) *Session {
	sess := &Session{
		a: endpoint{addr: a, timer: NewExpiringTimer()},
		b: endpoint{addr: b, timer: NewExpiringTimer()},
	}
	t.byAddr[a] = sess
	t.byAddr[b] = sess
	return sess
}

// expireIdle removes every session where both endpoints have been silent
// past d, returning the number of sessions (not entries) removed.
func (t *sessionTable) expireIdle(d time.Duration) int {
	seen := make(map[*Session]bool)
	var removed int
	for _, sess := range t.byAddr {
		if seen[sess] {
			continue
		}
		seen[sess] = true
		if sess.bothIdle(d) {
			delete(t.byAddr, sess.a.addr)
			delete(t.byAddr, sess.b.addr)
			removed++
		}
	}
	return removed
}
