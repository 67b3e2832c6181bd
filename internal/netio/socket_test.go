package netio_test

import (
	"net"
	"testing"

	"github.com/quietmesh/rendezvousd/internal/netio"
)

func TestTuneBuffers(t *testing.T) {
	t.Parallel()

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	defer conn.Close()

	if err := netio.TuneBuffers(conn, 1<<20); err != nil {
		t.Fatalf("TuneBuffers() error: %v", err)
	}
}
