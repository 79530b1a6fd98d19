package realtime

import "realtime-rooms/internal/wire"

// Client represents one connected end-user on one room server. It cannot
// outlive its socket (spec.md §3): once the socket is closed the Room
// that owns this Client removes it.
type Client struct {
	id         string
	properties wire.RawProperties
	socket     Socket

	// missedPings counts consecutive heartbeat intervals with no pong
	// since the last reset. Mutated only by the owning Room, which holds
	// its own mutex around every Client it contains.
	missedPings int
}

// NewClient constructs a Client bound to socket. Properties are set at
// connect time and are immutable thereafter.
func NewClient(id string, properties wire.RawProperties, socket Socket) *Client {
	return &Client{
		id:         id,
		properties: properties,
		socket:     socket,
	}
}

// ID returns the client's id, unique within its room.
func (c *Client) ID() string { return c.id }

// Properties returns the immutable connect-time properties blob.
func (c *Client) Properties() wire.RawProperties { return c.properties }

// Summary is the only shape of a Client exposed beyond its room server.
func (c *Client) Summary() wire.ClientSummary {
	return wire.ClientSummary{ID: c.id, Properties: c.properties}
}

// Send writes data to the client's socket.
func (c *Client) Send(data []byte) error {
	return c.socket.Send(data)
}

// Close forcibly disconnects the client.
func (c *Client) Close() error {
	return c.socket.Close()
}

func (c *Client) ping() error {
	return c.socket.Ping()
}
