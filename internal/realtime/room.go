package realtime

import (
	"log/slog"
	"sync"
	"time"

	"realtime-rooms/internal/wire"
)

// RoomEventKind names the events a Room emits to its listeners (spec.md
// §4.1, §5, §9). Events are delivered synchronously, in order, relative
// to the state change that caused them.
type RoomEventKind int

const (
	RoomJoined RoomEventKind = iota
	RoomLeft
	RoomTerminated
)

// RoomEvent is delivered to every listener registered with Room.OnEvent.
type RoomEvent struct {
	Kind   RoomEventKind
	Client *Client // nil for RoomTerminated
	// Count carries the room's membership size at the moment of
	// RoomTerminated, since Terminate clears the member set before
	// emitting and RoomServer needs it to reconcile clientCount.
	Count int
}

// RoomListener observes Room lifecycle events.
type RoomListener func(RoomEvent)

// RoomOptions configures a Room at construction time; all fields are
// immutable for the Room's lifetime.
type RoomOptions struct {
	// PingInterval, when positive, enables the per-room heartbeat
	// (spec.md §4.1). Zero disables it.
	PingInterval time.Duration
	// MissedPingsLimit is the number of consecutive missed intervals
	// tolerated before a client is evicted. Defaults to 1 if <= 0.
	MissedPingsLimit int
	// KeepAlive, when true, keeps the Room alive after its last client
	// leaves instead of being garbage-collected.
	KeepAlive bool
}

func (o RoomOptions) normalized() RoomOptions {
	if o.MissedPingsLimit <= 0 {
		o.MissedPingsLimit = 1
	}
	return o
}

// Room is a named group of clients on one room server (spec.md §3/§4.1).
type Room struct {
	mu sync.Mutex

	id        string
	publicURL string

	// properties is mutable; last-writer-wins within the owning room
	// server. Subsequent joins with differing roomProperties are
	// discarded without error — see DESIGN.md's open-question #2.
	properties wire.RawProperties

	options RoomOptions
	clients map[string]*Client
	listeners []RoomListener

	terminated bool
	stopHeartbeat chan struct{}

	log *slog.Logger
}

// NewRoom constructs a Room and starts its heartbeat loop if
// options.PingInterval is positive.
func NewRoom(id, publicURL string, properties wire.RawProperties, options RoomOptions, log *slog.Logger) *Room {
	if log == nil {
		log = slog.Default()
	}
	r := &Room{
		id:         id,
		publicURL:  publicURL,
		properties: properties,
		options:    options.normalized(),
		clients:    make(map[string]*Client),
		log:        log,
	}
	if r.options.PingInterval > 0 {
		r.stopHeartbeat = make(chan struct{})
		go r.heartbeatLoop()
	}
	return r
}

func (r *Room) ID() string        { return r.id }
func (r *Room) PublicURL() string { return r.publicURL }

// Properties returns the room's current properties blob.
func (r *Room) Properties() wire.RawProperties {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.properties
}

// SetProperties overwrites the room's properties (last-writer-wins).
func (r *Room) SetProperties(p wire.RawProperties) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.properties = p
}

// KeepAlive reports whether this room survives going empty.
func (r *Room) KeepAlive() bool { return r.options.KeepAlive }

// OnEvent registers a listener. It may be called at any time, including
// concurrently with Join/Leave/Terminate; the listener receives events
// emitted after it is registered.
func (r *Room) OnEvent(l RoomListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

func (r *Room) emit(ev RoomEvent) {
	// Copy under lock, invoke outside: a listener may itself call back
	// into the Room (e.g. to check Count()), and Go mutexes aren't
	// reentrant.
	r.mu.Lock()
	listeners := make([]RoomListener, len(r.listeners))
	copy(listeners, r.listeners)
	r.mu.Unlock()

	for _, l := range listeners {
		l(ev)
	}
}

// Join adds client to the room. A client id already present is a no-op
// (spec.md §4.1) — Join never fails.
func (r *Room) Join(client *Client) {
	r.TryJoin(client)
}

// TryJoin adds client to the room and reports whether it was actually
// inserted: false means a client with this id was already present (or
// the room is terminated), letting the caller distinguish that from the
// no-op semantics Join exposes to match spec.md's admission path, which
// needs to reject a duplicate id rather than silently ignore it.
func (r *Room) TryJoin(client *Client) bool {
	r.mu.Lock()
	if r.terminated {
		r.mu.Unlock()
		return false
	}
	if _, exists := r.clients[client.ID()]; exists {
		r.mu.Unlock()
		return false
	}
	r.clients[client.ID()] = client
	r.mu.Unlock()

	r.emit(RoomEvent{Kind: RoomJoined, Client: client})
	return true
}

// Leave removes client from the room and disconnects it. Absent is a
// no-op.
func (r *Room) Leave(client *Client) {
	r.mu.Lock()
	if _, exists := r.clients[client.ID()]; !exists {
		r.mu.Unlock()
		return
	}
	delete(r.clients, client.ID())
	r.mu.Unlock()

	r.emit(RoomEvent{Kind: RoomLeft, Client: client})
	if err := client.Close(); err != nil {
		r.log.Debug("room: close on leave failed", "room", r.id, "client", client.ID(), "error", err)
	}
}

// Send broadcasts msg to every member. A per-client send failure
// terminates only that client.
func (r *Room) Send(msg []byte) {
	for _, c := range r.snapshotClients() {
		r.sendOrEvict(c, msg)
	}
}

// SendTo sends msg to one member, identified by id at call time.
// Returns false if the client isn't currently a member.
func (r *Room) SendTo(client *Client, msg []byte) bool {
	if !r.hasMember(client.ID()) {
		return false
	}
	r.sendOrEvict(client, msg)
	return true
}

// SendToOthers broadcasts to every member except sender.
func (r *Room) SendToOthers(sender *Client, msg []byte) {
	for _, c := range r.snapshotClients() {
		if c.ID() == sender.ID() {
			continue
		}
		r.sendOrEvict(c, msg)
	}
}

func (r *Room) sendOrEvict(c *Client, msg []byte) {
	if err := c.Send(msg); err != nil {
		r.log.Debug("room: send failed, evicting client", "room", r.id, "client", c.ID(), "error", err)
		r.Leave(c)
	}
}

func (r *Room) hasMember(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.clients[id]
	return ok
}

func (r *Room) snapshotClients() []*Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	return out
}

// Count returns the current number of members.
func (r *Room) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// Snapshot returns the wire-stable RoomSummary for this room.
func (r *Room) Snapshot() wire.RoomSummary {
	r.mu.Lock()
	defer r.mu.Unlock()

	clients := make(map[string]wire.ClientSummary, len(r.clients))
	for id, c := range r.clients {
		clients[id] = c.Summary()
	}
	return wire.RoomSummary{
		ID:         r.id,
		PublicURL:  r.publicURL,
		Clients:    clients,
		Properties: r.properties,
	}
}

// Terminate disconnects every member and emits RoomTerminated. It does
// not remove the Room from its RoomServer; the RoomServer reacts to
// RoomTerminated to finish teardown (spec.md §4.1).
func (r *Room) Terminate() {
	r.mu.Lock()
	if r.terminated {
		r.mu.Unlock()
		return
	}
	r.terminated = true
	clients := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	count := len(r.clients)
	r.clients = make(map[string]*Client)
	r.mu.Unlock()

	r.ClearPingInterval()

	for _, c := range clients {
		if err := c.Close(); err != nil {
			r.log.Debug("room: close on terminate failed", "room", r.id, "client", c.ID(), "error", err)
		}
	}

	r.emit(RoomEvent{Kind: RoomTerminated, Count: count})
}

// ClearPingInterval stops the heartbeat timer. Idempotent.
func (r *Room) ClearPingInterval() {
	r.mu.Lock()
	ch := r.stopHeartbeat
	r.stopHeartbeat = nil
	r.mu.Unlock()

	if ch != nil {
		close(ch)
	}
}

// heartbeatLoop implements spec.md §4.1's algorithm: every PingInterval,
// for each member, evict if missedPings >= MissedPingsLimit, else
// increment and send a ping frame.
func (r *Room) heartbeatLoop() {
	ticker := time.NewTicker(r.options.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopHeartbeat:
			return
		case <-ticker.C:
			r.heartbeatTick()
		}
	}
}

func (r *Room) heartbeatTick() {
	type decision struct {
		client *Client
		evict  bool
	}

	r.mu.Lock()
	decisions := make([]decision, 0, len(r.clients))
	for _, c := range r.clients {
		if c.missedPings >= r.options.MissedPingsLimit {
			decisions = append(decisions, decision{client: c, evict: true})
			continue
		}
		c.missedPings++
		decisions = append(decisions, decision{client: c, evict: false})
	}
	r.mu.Unlock()

	for _, d := range decisions {
		if d.evict {
			r.Leave(d.client)
			continue
		}
		if err := d.client.ping(); err != nil {
			r.log.Debug("room: ping failed, evicting client", "room", r.id, "client", d.client.ID(), "error", err)
			r.Leave(d.client)
		}
	}
}

// Pong resets a client's missed-ping counter to zero. Called by whatever
// delivers the transport-level pong notification back into this room.
func (r *Room) Pong(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[clientID]; ok {
		c.missedPings = 0
	}
}
