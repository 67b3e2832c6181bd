package daemon_test

import (
	"testing"

	"github.com/quietmesh/rendezvousd/internal/daemon"
)

// TestDaemonizeNoOpInChild verifies that Daemonize returns immediately,
// without re-executing or exiting, when the process already carries the
// detached-child marker. Exercising the re-exec-and-exit branch itself
// would terminate the test binary, so it is left to manual/integration
// verification.
func TestDaemonizeNoOpInChild(t *testing.T) {
	t.Setenv("RENDEZVOUS_DAEMON_CHILD", "1")

	if err := daemon.Daemonize(); err != nil {
		t.Errorf("Daemonize() in a marked child returned error: %v", err)
	}
}
