// Package bustest spins up an in-process NATS server so internal/bus
// integration tests (and internal/realtime <-> internal/discovery
// convergence tests) run without any external service.
package bustest

import (
	"fmt"
	"log/slog"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"realtime-rooms/internal/bus"
)

// StartServer boots an embedded NATS server on an ephemeral port and
// registers cleanup with t. It is grounded on the embedded-server pattern
// nats.go's own test suite uses; the corpus carries nats-server/v2 as an
// indirect dependency already (background-jobs-demo, jwt-auth-demo),
// promoted here to a direct test dependency.
func StartServer(t *testing.T) *natsserver.Server {
	t.Helper()

	opts := &natsserver.Options{
		Host:           "127.0.0.1",
		Port:           -1, // ephemeral
		NoLog:          true,
		NoSigs:         true,
		MaxControlLine: 4096,
	}

	srv, err := natsserver.NewServer(opts)
	if err != nil {
		t.Fatalf("bustest: failed to create embedded NATS server: %v", err)
	}

	go srv.Start()
	if !srv.ReadyForConnections(5 * time.Second) {
		t.Fatal("bustest: embedded NATS server did not become ready")
	}

	t.Cleanup(srv.Shutdown)
	return srv
}

// Dial connects a bus.Bus to the given embedded server.
func Dial(t *testing.T, srv *natsserver.Server, name string, log *slog.Logger) bus.Bus {
	t.Helper()

	cfg := bus.DefaultConfig(name)
	cfg.URL = srv.ClientURL()

	b, err := bus.Connect(cfg, log)
	if err != nil {
		t.Fatalf("bustest: failed to connect %q: %v", name, err)
	}
	t.Cleanup(b.Close)
	return b
}

// RawDial is a thin helper for tests that need a bare *nats.Conn instead
// of the bus.Bus abstraction (e.g. to assert on raw wire payloads).
func RawDial(t *testing.T, srv *natsserver.Server) *nats.Conn {
	t.Helper()

	nc, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatalf("bustest: raw dial failed: %v", err)
	}
	t.Cleanup(nc.Close)
	return nc
}

// UniqueName returns a connection name scoped to the running test, useful
// when a test dials multiple buses.
func UniqueName(t *testing.T, role string) string {
	t.Helper()
	return fmt.Sprintf("%s-%s", role, t.Name())
}
