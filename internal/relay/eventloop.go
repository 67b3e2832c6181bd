package relay

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/quietmesh/rendezvousd/internal/metrics"
)

// maxDatagramSize is the largest UDP payload the loop will read in one
// ReadFromUDPAddrPort call.
const maxDatagramSize = 65535

// readTimeout bounds each blocking read so the loop can periodically run
// garbage collection and check for shutdown even when no traffic arrives.
const readTimeout = 200 * time.Millisecond

// Loop drives the relay's single-threaded receive/dispatch/GC cycle: one
// goroutine owns the socket and both tables, and no per-datagram goroutine
// is spawned.
//
// Grounded on internal/netio/listener.go's Recv loop shape (read, validate,
// retry on transient errors) and cmd/gobfd/main.go's run/runServers split
// between constructing components and driving them until shutdown.
type Loop struct {
	conn      *net.UDPConn
	manager   *Manager
	log       *slog.Logger
	collector *metrics.Collector

	PairingTimeout     time.Duration
	InactivityTimeout  time.Duration
	NoConnectionsDelay time.Duration
}

// NewLoop constructs a Loop bound to conn, dispatching through manager and
// publishing event-driven counters through collector.
func NewLoop(conn *net.UDPConn, manager *Manager, log *slog.Logger, collector *metrics.Collector) *Loop {
	return &Loop{conn: conn, manager: manager, log: log, collector: collector}
}

// Run executes the cycle until ctx is cancelled or the manager decides both
// tables have been empty long enough to shut down. It returns nil on either
// a clean shutdown or context cancellation; any other return is an
// operational failure the caller should treat as fatal.
func (l *Loop) Run(ctx context.Context) error {
	buf := make([]byte, maxDatagramSize)

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		if err := l.conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return err
		}

		n, addr, err := l.conn.ReadFromUDPAddrPort(buf)
		switch {
		case isTimeout(err):
			// No datagram arrived within the deadline; fall through to the
			// periodic GC/shutdown check below.
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			l.log.Warn("udp read error", "error", err)
		default:
			l.dispatch(addr, buf[:n])
		}

		gc := l.manager.RunGC(l.PairingTimeout, l.InactivityTimeout)
		if gc.PendingExpired > 0 || gc.SessionsExpired > 0 {
			l.log.Debug("garbage collected",
				"pending_expired", gc.PendingExpired,
				"sessions_expired", gc.SessionsExpired)
			l.collector.IncPairingsExpired(gc.PendingExpired)
			l.collector.IncSessionsExpired(gc.SessionsExpired)
		}

		if l.NoConnectionsDelay > 0 && l.manager.ShouldShutdown(l.NoConnectionsDelay) {
			l.log.Info("no connections for the configured delay, shutting down")
			return nil
		}
	}
}

// dispatch implements the per-datagram decision: forward if the sender is
// already in a session, otherwise attempt to parse and honor an
// EstablishConnection request.
func (l *Loop) dispatch(sender netip.AddrPort, payload []byte) {
	l.log.Debug("received datagram", "sender", sender, "len", len(payload))

	if l.manager.InSession(sender) {
		l.forward(sender, payload)
		return
	}

	frame, err := DecodeEstablish(payload, l.manager.PSK())
	if err != nil {
		reason := DropReason(err)
		l.log.Debug("dropped control frame", "sender", sender, "reason", err)
		l.collector.IncControlFramesDropped(reason)
		return
	}

	result := l.manager.Offer(frame.Token, sender)
	if result.Promoted {
		l.log.Info("pairing promoted", "a", sender, "b", result.Opponent)
	}
	if result.ShouldACK {
		l.send(sender, EncodeACK(frame.Token))
		l.collector.IncACKsSent()
	}
}

// forward copies an already-paired sender's datagram to its opponent
// verbatim; the payload is never inspected once a session exists.
func (l *Loop) forward(sender netip.AddrPort, payload []byte) {
	opponent, ok := l.manager.Forward(sender)
	if !ok {
		return
	}
	l.log.Debug("forwarding payload",
		"sender", sender, "opponent", opponent, "len", len(payload))
	l.send(opponent, payload)
	l.collector.IncPacketsForwarded()
}

func (l *Loop) send(dst netip.AddrPort, payload []byte) {
	if _, err := l.conn.WriteToUDPAddrPort(payload, dst); err != nil {
		l.log.Warn("udp write error", "dst", dst, "error", err)
	}
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}
