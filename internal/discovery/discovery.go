// Package discovery implements the fleet-aggregation tier: an
// eventually-consistent mirror of every room server's rooms and members,
// built from bus traffic alone (spec.md §4.3). It is the Discovery-side
// counterpart to internal/realtime's RoomServer, grounded on the same
// hub.Hub locking/event-emission shape generalized to a tree-shaped
// mirror (server -> room -> client) instead of a flat room map.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"realtime-rooms/internal/bus"
	"realtime-rooms/internal/token"
	"realtime-rooms/internal/wire"
)

// serverTimeout is how long a server record survives without a ping
// before the liveness loop evicts it (spec.md §4.3).
const serverTimeout = 5 * time.Second

// roomsRequestTimeout bounds the rooms.<publicUrl> request/reply this
// package issues when it discovers an unknown server via ping.
const roomsRequestTimeout = 2 * time.Second

// EventKind names the events Discovery emits to its listeners.
type EventKind int

const (
	EventNewServer EventKind = iota
	EventServerRemoved
	EventNewRoom
	EventRoomRemoved
	EventRoomJoined
	EventRoomLeft
)

// Event is delivered to every listener registered with Discovery.OnEvent.
type Event struct {
	Kind      EventKind
	PublicURL string
	RoomID    string              // zero value for server-level events
	Client    *wire.ClientSummary // set for RoomJoined/RoomLeft only
}

// Listener observes Discovery lifecycle events.
type Listener func(Event)

// RoomServerRecord mirrors one remote RoomServer (spec.md §3).
type RoomServerRecord struct {
	PublicURL   string
	ClientCount int
	Rooms       map[string]wire.RoomSummary
	LastPing    time.Time
}

func newRecord(publicURL string) *RoomServerRecord {
	return &RoomServerRecord{PublicURL: publicURL, Rooms: make(map[string]wire.RoomSummary)}
}

// Discovery is the per-process fleet aggregator (spec.md §4.3).
type Discovery struct {
	tokens *token.Codec
	bus    bus.Bus
	log    *slog.Logger

	mu      sync.Mutex
	records map[string]*RoomServerRecord
	stopped bool

	listenersMu        sync.Mutex
	listeners          []Listener
	broadcastListeners []func(data []byte)

	subs         []bus.Subscription
	stopLiveness chan struct{}
	livenessDone chan struct{}
}

// New constructs a Discovery. Call Start to begin ingesting bus traffic.
func New(tokens *token.Codec, b bus.Bus, log *slog.Logger) *Discovery {
	if log == nil {
		log = slog.Default()
	}
	return &Discovery{
		tokens:  tokens,
		bus:     b,
		log:     log,
		records: make(map[string]*RoomServerRecord),
	}
}

// OnEvent registers a listener. It may be called at any time, including
// while ingest is running; the listener receives events emitted after it
// is registered.
func (d *Discovery) OnEvent(l Listener) {
	d.listenersMu.Lock()
	defer d.listenersMu.Unlock()
	d.listeners = append(d.listeners, l)
}

func (d *Discovery) emit(ev Event) {
	d.listenersMu.Lock()
	listeners := make([]Listener, len(d.listeners))
	copy(listeners, d.listeners)
	d.listenersMu.Unlock()

	for _, l := range listeners {
		l(ev)
	}
}

// GenerateToken signs a join token (spec.md §4.3). Policy over who may
// call this — which server to pin, whether the caller is authorized —
// belongs to the embedding application; Discovery only signs.
func (d *Discovery) GenerateToken(opts token.Options) (string, error) {
	return d.tokens.Generate(opts)
}

// GetClientCount returns the mirrored client count for publicURL, or
// (0, false) if the server is unknown.
func (d *Discovery) GetClientCount(publicURL string) (int, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.records[publicURL]
	if !ok {
		return 0, false
	}
	return rec.ClientCount, true
}

// GetLeastLoadedServer returns a copy of the mirrored record with the
// smallest clientCount, or (nil, false) if the mirror is empty. Ties are
// broken by the smallest PublicURL, so the same mirror contents always
// yield the same pick.
func (d *Discovery) GetLeastLoadedServer() (*RoomServerRecord, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var best *RoomServerRecord
	for _, rec := range d.records {
		if best == nil || rec.ClientCount < best.ClientCount ||
			(rec.ClientCount == best.ClientCount && rec.PublicURL < best.PublicURL) {
			best = rec
		}
	}
	if best == nil {
		return nil, false
	}
	return cloneRecord(best), true
}

// Servers returns a snapshot of every currently-mirrored server record.
func (d *Discovery) Servers() []*RoomServerRecord {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]*RoomServerRecord, 0, len(d.records))
	for _, rec := range d.records {
		out = append(out, cloneRecord(rec))
	}
	return out
}

func cloneRecord(rec *RoomServerRecord) *RoomServerRecord {
	clone := &RoomServerRecord{
		PublicURL:   rec.PublicURL,
		ClientCount: rec.ClientCount,
		LastPing:    rec.LastPing,
		Rooms:       make(map[string]wire.RoomSummary, len(rec.Rooms)),
	}
	for id, r := range rec.Rooms {
		clone.Rooms[id] = r
	}
	return clone
}

// Broadcast publishes msg on the shared "broadcast" subject.
func (d *Discovery) Broadcast(msg []byte) error {
	return d.bus.Publish(broadcastSubject, msg)
}

// OnBroadcast registers a local listener for messages arriving on the
// "broadcast" subject.
func (d *Discovery) OnBroadcast(listener func(data []byte)) {
	d.listenersMu.Lock()
	defer d.listenersMu.Unlock()
	d.broadcastListeners = append(d.broadcastListeners, listener)
}

const broadcastSubject = "broadcast"

// Start subscribes to the bus ingest subjects and begins the liveness
// loop (spec.md §4.3).
func (d *Discovery) Start(ctx context.Context) error {
	subs := make([]bus.Subscription, 0, 4)

	pingSub, err := d.bus.Subscribe(pingSubject, func(_ string, data []byte, _ string) {
		d.handlePing(data)
	})
	if err != nil {
		return fmt.Errorf("discovery: subscribe ping: %w", err)
	}
	subs = append(subs, pingSub)

	eventSub, err := d.bus.Subscribe(eventSubject, func(_ string, data []byte, _ string) {
		d.handleEvent(data)
	})
	if err != nil {
		unsubscribeAll(subs)
		return fmt.Errorf("discovery: subscribe rs.event: %w", err)
	}
	subs = append(subs, eventSub)

	stopSub, err := d.bus.Subscribe(stopSubject, func(_ string, data []byte, _ string) {
		d.handleStop(data)
	})
	if err != nil {
		unsubscribeAll(subs)
		return fmt.Errorf("discovery: subscribe rs.stop: %w", err)
	}
	subs = append(subs, stopSub)

	broadcastSub, err := d.bus.Subscribe(broadcastSubject, func(_ string, data []byte, _ string) {
		d.listenersMu.Lock()
		listeners := make([]func([]byte), len(d.broadcastListeners))
		copy(listeners, d.broadcastListeners)
		d.listenersMu.Unlock()
		for _, l := range listeners {
			l(data)
		}
	})
	if err != nil {
		unsubscribeAll(subs)
		return fmt.Errorf("discovery: subscribe broadcast: %w", err)
	}
	subs = append(subs, broadcastSub)

	d.subs = subs
	d.stopLiveness = make(chan struct{})
	d.livenessDone = make(chan struct{})
	go d.livenessLoop(ctx)

	return nil
}

func unsubscribeAll(subs []bus.Subscription) {
	for _, s := range subs {
		s.Unsubscribe()
	}
}

const (
	pingSubject  = "ping"
	eventSubject = "rs.event"
	stopSubject  = "rs.stop"
)

func (d *Discovery) handlePing(data []byte) {
	var ping wire.Ping
	if err := json.Unmarshal(data, &ping); err != nil {
		d.log.Warn("discovery: malformed ping payload", "error", err)
		return
	}

	d.mu.Lock()
	if ping.Reset {
		delete(d.records, ping.PublicURL)
	}
	rec, exists := d.records[ping.PublicURL]
	if exists {
		rec.ClientCount = ping.ClientCount
		rec.LastPing = time.Now()
		d.mu.Unlock()
		return
	}
	rec = newRecord(ping.PublicURL)
	rec.ClientCount = ping.ClientCount
	rec.LastPing = time.Now()
	d.records[ping.PublicURL] = rec
	d.mu.Unlock()

	d.emit(Event{Kind: EventNewServer, PublicURL: ping.PublicURL})

	go d.populateFromRoomsRequest(ping.PublicURL)
}

// populateFromRoomsRequest issues the rooms.<publicUrl> request/reply
// spec.md §4.3 describes for a newly-discovered server. There is no
// retry on timeout (spec.md §7): the record simply stays empty until
// rs.event traffic or the next first-ping populates it.
func (d *Discovery) populateFromRoomsRequest(publicURL string) {
	reply, err := d.bus.Request(roomsSubject(publicURL), nil, roomsRequestTimeout)
	if err != nil {
		d.log.Debug("discovery: rooms request unanswered", "publicUrl", publicURL, "error", err)
		return
	}

	var rooms wire.RoomsReply
	if err := json.Unmarshal(reply, &rooms); err != nil {
		d.log.Warn("discovery: malformed rooms reply", "publicUrl", publicURL, "error", err)
		return
	}

	d.mu.Lock()
	rec, ok := d.records[publicURL]
	if !ok {
		d.mu.Unlock()
		return
	}
	for id, summary := range rooms {
		rec.Rooms[id] = summary
	}
	d.mu.Unlock()

	for id := range rooms {
		d.emit(Event{Kind: EventNewRoom, PublicURL: publicURL, RoomID: id})
	}
}

func roomsSubject(publicURL string) string {
	return "rooms." + publicURL
}

func (d *Discovery) handleEvent(data []byte) {
	var evt wire.ServerEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		d.log.Warn("discovery: malformed rs.event payload", "error", err)
		return
	}

	d.mu.Lock()
	rec, ok := d.records[evt.PublicURL]
	if !ok {
		d.mu.Unlock()
		// Unknown server: the ping path is authoritative, so this event
		// is dropped rather than speculatively creating a record
		// (spec.md §4.3, §7).
		return
	}

	switch evt.Subject {
	case wire.EventNewRoom:
		if _, exists := rec.Rooms[evt.RoomID]; exists {
			d.mu.Unlock()
			return
		}
		rec.Rooms[evt.RoomID] = wire.RoomSummary{
			ID:         evt.RoomID,
			PublicURL:  evt.PublicURL,
			Clients:    make(map[string]wire.ClientSummary),
			Properties: evt.Properties,
		}
		d.mu.Unlock()
		d.emit(Event{Kind: EventNewRoom, PublicURL: evt.PublicURL, RoomID: evt.RoomID})

	case wire.EventRoomRemoved:
		room, exists := rec.Rooms[evt.RoomID]
		if !exists {
			d.mu.Unlock()
			return
		}
		clients := make([]wire.ClientSummary, 0, len(room.Clients))
		for _, c := range room.Clients {
			clients = append(clients, c)
		}
		delete(rec.Rooms, evt.RoomID)
		d.mu.Unlock()

		for _, c := range clients {
			client := c
			d.emit(Event{Kind: EventRoomLeft, PublicURL: evt.PublicURL, RoomID: evt.RoomID, Client: &client})
		}
		d.emit(Event{Kind: EventRoomRemoved, PublicURL: evt.PublicURL, RoomID: evt.RoomID})

	case wire.EventRoomJoined:
		room, exists := rec.Rooms[evt.RoomID]
		if !exists || evt.Client == nil {
			d.mu.Unlock()
			return
		}
		room.Clients[evt.Client.ID] = *evt.Client
		d.mu.Unlock()
		d.emit(Event{Kind: EventRoomJoined, PublicURL: evt.PublicURL, RoomID: evt.RoomID, Client: evt.Client})

	case wire.EventRoomLeft:
		room, exists := rec.Rooms[evt.RoomID]
		if !exists || evt.Client == nil {
			d.mu.Unlock()
			return
		}
		delete(room.Clients, evt.Client.ID)
		d.mu.Unlock()
		d.emit(Event{Kind: EventRoomLeft, PublicURL: evt.PublicURL, RoomID: evt.RoomID, Client: evt.Client})

	default:
		d.mu.Unlock()
	}
}

func (d *Discovery) handleStop(data []byte) {
	var publicURL string
	if err := json.Unmarshal(data, &publicURL); err != nil {
		d.log.Warn("discovery: malformed rs.stop payload", "error", err)
		return
	}
	d.evictServer(publicURL)
}

// evictServer removes a server record and emits roomLeft/roomRemoved for
// every client/room it held, then serverRemoved — the common teardown
// for both rs.stop and liveness-timeout eviction (spec.md §4.3).
func (d *Discovery) evictServer(publicURL string) {
	d.mu.Lock()
	rec, ok := d.records[publicURL]
	if !ok {
		d.mu.Unlock()
		return
	}
	delete(d.records, publicURL)
	rooms := make(map[string]wire.RoomSummary, len(rec.Rooms))
	for id, r := range rec.Rooms {
		rooms[id] = r
	}
	d.mu.Unlock()

	for roomID, room := range rooms {
		for _, c := range room.Clients {
			client := c
			d.emit(Event{Kind: EventRoomLeft, PublicURL: publicURL, RoomID: roomID, Client: &client})
		}
		d.emit(Event{Kind: EventRoomRemoved, PublicURL: publicURL, RoomID: roomID})
	}
	d.emit(Event{Kind: EventServerRemoved, PublicURL: publicURL})
}

func (d *Discovery) livenessLoop(ctx context.Context) {
	defer close(d.livenessDone)

	ticker := time.NewTicker(serverTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopLiveness:
			return
		case <-ticker.C:
			d.evictStale()
		}
	}
}

func (d *Discovery) evictStale() {
	d.mu.Lock()
	now := time.Now()
	stale := make([]string, 0)
	for url, rec := range d.records {
		if now.Sub(rec.LastPing) > serverTimeout {
			stale = append(stale, url)
		}
	}
	d.mu.Unlock()

	for _, url := range stale {
		d.evictServer(url)
	}
}

// Stop unsubscribes from the bus and halts the liveness loop. Idempotent,
// and does not re-emit eviction events for currently-mirrored servers
// (spec.md §4.3 invariant iii).
func (d *Discovery) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	d.mu.Unlock()

	if d.stopLiveness != nil {
		close(d.stopLiveness)
		<-d.livenessDone
	}
	unsubscribeAll(d.subs)
}
