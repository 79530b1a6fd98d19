package realtime

// Socket is the transport primitive a Client owns exclusively: one
// WebSocket connection. Client and Room never parse frames or run the
// accept loop — that is the WebSocket adapter's job (wsconn.go) — they
// only need to write to, ping and close the peer.
type Socket interface {
	// Send writes an application message. A non-nil error means the
	// peer is gone; the caller (Room) evicts the owning Client.
	Send(data []byte) error

	// Ping writes a room-level liveness probe frame, distinct from
	// whatever transport-level keepalive the adapter itself runs (see
	// SPEC_FULL.md §11).
	Ping() error

	// Close forcibly terminates the connection.
	Close() error
}
