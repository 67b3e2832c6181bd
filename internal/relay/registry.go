package relay

import (
	"net/netip"
	"time"
)

// pendingPairing is a half-open pairing awaiting a partner.
type pendingPairing struct {
	token    string
	claimant netip.AddrPort
	timer    ExpiringTimer
}

// pendingRegistry holds at most one pendingPairing per token.
//
// Grounded on internal/bfd/manager.go's map-keyed registries: existence is
// checked before mutation, and the zero-value map is never exposed directly
// so the Manager can add locking around it without leaking the
// representation.
type pendingRegistry struct {
	byToken map[string]*pendingPairing
}

func newPendingRegistry() *pendingRegistry {
	return &pendingRegistry{byToken: make(map[string]*pendingPairing)}
}

func (r *pendingRegistry) get(token string) (*pendingPairing, bool) {
	p, ok := r.byToken[token]
	return p, ok
}

func (r *pendingRegistry) insert(token string, claimant netip.AddrPort) {
	r.byToken[token] = &pendingPairing{
		token:    token,
		claimant: claimant,
		timer:    NewExpiringTimer(),
	}
}

func (r *pendingRegistry) remove(token string) {
	delete(r.byToken, token)
}

func (r *pendingRegistry) len() int {
	return len(r.byToken)
}

// expireOlderThan removes every pending pairing whose timer has expired
// against d, returning the number removed.
func (r *pendingRegistry) expireOlderThan(d time.Duration) int {
	var removed int
	for token, p := range r.byToken {
		if p.timer.Expired(d) {
			delete(r.byToken, token)
			removed++
		}
	}
	return removed
}
