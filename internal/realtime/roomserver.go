// Package realtime implements the room-server runtime: Client, Room, and
// RoomServer from spec.md §3/§4.2/§4.1, generalized from the teacher
// repo's flat hub.Hub into the Room/RoomServer split the spec requires.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"realtime-rooms/internal/bus"
	"realtime-rooms/internal/token"
	"realtime-rooms/internal/wire"
)

// Bus subjects this component speaks, per spec.md §6.
const (
	SubjectPing      = "ping"
	SubjectRSStop    = "rs.stop"
	SubjectRSEvent   = "rs.event"
	SubjectBroadcast = "broadcast"
	roomsSubjectBase = "rooms."
)

// RoomsSubject returns the request/reply subject discovery nodes use to
// pull a room server's current room list.
func RoomsSubject(publicURL string) string {
	return roomsSubjectBase + publicURL
}

const pingPeriod = time.Second

// RoomServerOptions configures a RoomServer at construction.
type RoomServerOptions struct {
	// SyncRooms enables publishing rs.event lifecycle messages. Defaults
	// to true.
	SyncRooms bool
	// SyncClients additionally includes client-level events
	// (roomJoined/roomLeft); ineffective if SyncRooms is false. Defaults
	// to true.
	SyncClients bool
	// RoomOptions is applied to every room this server creates.
	RoomOptions RoomOptions
}

// DefaultRoomServerOptions returns spec.md §3's defaults.
func DefaultRoomServerOptions() RoomServerOptions {
	return RoomServerOptions{SyncRooms: true, SyncClients: true}
}

// MessageHandler processes an application frame received from client in
// room, after the accept-path handshake has completed. The default
// handler (used when none is set) relays the message verbatim to every
// other room member, per spec.md §6's "relayed verbatim by send".
type MessageHandler func(room *Room, client *Client, data []byte)

// RoomServer is the per-process owner of a set of rooms and the clients
// inside them (spec.md §3).
type RoomServer struct {
	publicURL string
	tokens    *token.Codec
	bus       bus.Bus
	options   RoomServerOptions
	log       *slog.Logger

	mu     sync.Mutex
	rooms  map[string]*Room
	stopped bool

	clientCount int64 // atomic; see Admit's locking note for why

	messageHandler MessageHandler
	broadcastListeners []func(data []byte)
	listenersMu        sync.Mutex

	subs       []bus.Subscription
	stopPing   chan struct{}
	pingStopped chan struct{}
}

// NewRoomServer constructs a RoomServer. Call Start to begin accepting
// bus traffic (ping publishing, rs.event, rooms.<publicUrl> replies,
// broadcast relay).
func NewRoomServer(publicURL string, tokens *token.Codec, b bus.Bus, options RoomServerOptions, log *slog.Logger) *RoomServer {
	if log == nil {
		log = slog.Default()
	}
	return &RoomServer{
		publicURL: publicURL,
		tokens:    tokens,
		bus:       b,
		options:   options,
		log:       log,
		rooms:     make(map[string]*Room),
	}
}

// PublicURL returns this server's externally-reachable address.
func (rs *RoomServer) PublicURL() string { return rs.publicURL }

// SetMessageHandler overrides the default verbatim-relay behavior.
func (rs *RoomServer) SetMessageHandler(h MessageHandler) { rs.messageHandler = h }

// ClientCount returns the sum of every room's membership.
func (rs *RoomServer) ClientCount() int {
	return int(atomic.LoadInt64(&rs.clientCount))
}

// Rooms returns a snapshot of every currently-live room summary.
func (rs *RoomServer) Rooms() []wire.RoomSummary {
	rs.mu.Lock()
	rooms := make([]*Room, 0, len(rs.rooms))
	for _, r := range rs.rooms {
		rooms = append(rooms, r)
	}
	rs.mu.Unlock()

	out := make([]wire.RoomSummary, 0, len(rooms))
	for _, r := range rooms {
		summary := r.Snapshot()
		if !rs.options.SyncClients {
			summary.Clients = nil
		}
		out = append(out, summary)
	}
	return out
}

// Admit runs the accept path of spec.md §4.2 steps 1-5: verify the
// token, resolve or create the room, reject a duplicate client id, join,
// and return the now-joined Room/Client for the caller (the WebSocket
// adapter) to start relaying frames over.
//
// Token verification and the publicUrl check run first, without the
// lock; everything after them runs under rs.mu: this serializes
// concurrent admissions against concurrent room creation/removal, closing
// the race where a room could be garbage-collected between being looked
// up and being joined. This is safe against deadlock because
// Room.TryJoin only ever emits RoomJoined, whose listener (below) never
// re-enters rs.mu: it only bumps the atomic clientCount and publishes.
func (rs *RoomServer) Admit(tokenString string, socket Socket) (*Room, *Client, error) {
	claims, err := rs.tokens.Verify(tokenString)
	if err != nil {
		return nil, nil, rejectAuthFailed(err, authFailureMessage(err))
	}
	if claims.PublicURL != rs.publicURL {
		return nil, nil, rejectAuthFailed(ErrAuthenticationFailed, msgWrongServer)
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.stopped {
		return nil, nil, rejectAuthFailed(ErrAuthenticationFailed, msgServerStopping)
	}

	room, exists := rs.rooms[claims.RoomID]
	if !exists {
		if claims.JoinOnly {
			return nil, nil, rejectJoinOnlyMissing()
		}
		room = rs.createRoomLocked(claims.RoomID, claims.RoomProperties)
	}

	client := NewClient(claims.ClientID, claims.ClientProperties, socket)
	if !room.TryJoin(client) {
		return nil, nil, rejectAlreadyConnected()
	}

	return room, client, nil
}

// HandleMessage dispatches an application frame received after the
// accept-path handshake.
func (rs *RoomServer) HandleMessage(room *Room, client *Client, data []byte) {
	if rs.messageHandler != nil {
		rs.messageHandler(room, client, data)
		return
	}
	room.SendToOthers(client, data)
}

func (rs *RoomServer) createRoomLocked(id string, properties wire.RawProperties) *Room {
	room := NewRoom(id, rs.publicURL, properties, rs.options.RoomOptions, rs.log)
	room.OnEvent(rs.roomListener(room))
	rs.rooms[id] = room
	rs.publishEvent(id, wire.EventNewRoom, properties, nil)
	return room
}

func (rs *RoomServer) roomListener(room *Room) RoomListener {
	return func(ev RoomEvent) {
		switch ev.Kind {
		case RoomJoined:
			atomic.AddInt64(&rs.clientCount, 1)
			summary := ev.Client.Summary()
			rs.publishEvent(room.ID(), wire.EventRoomJoined, nil, &summary)
		case RoomLeft:
			atomic.AddInt64(&rs.clientCount, -1)
			summary := ev.Client.Summary()
			rs.publishEvent(room.ID(), wire.EventRoomLeft, nil, &summary)
			rs.maybeRemoveRoom(room)
		case RoomTerminated:
			atomic.AddInt64(&rs.clientCount, -int64(ev.Count))
			rs.removeRoom(room)
		}
	}
}

func (rs *RoomServer) maybeRemoveRoom(room *Room) {
	if room.KeepAlive() {
		return
	}
	if room.Count() > 0 {
		return
	}
	rs.removeRoom(room)
}

func (rs *RoomServer) removeRoom(room *Room) {
	rs.mu.Lock()
	current, ok := rs.rooms[room.ID()]
	if !ok || current != room {
		rs.mu.Unlock()
		return
	}
	delete(rs.rooms, room.ID())
	rs.mu.Unlock()

	room.ClearPingInterval()
	rs.publishEvent(room.ID(), wire.EventRoomRemoved, nil, nil)
}

// TerminateRoom explicitly tears down a room (spec.md §4.1's terminate,
// then-RS-reacts flow). Safe to call even if the room is unknown.
func (rs *RoomServer) TerminateRoom(roomID string) {
	rs.mu.Lock()
	room, ok := rs.rooms[roomID]
	rs.mu.Unlock()
	if !ok {
		return
	}
	room.Terminate()
}

func (rs *RoomServer) publishEvent(roomID string, subject wire.EventSubject, properties wire.RawProperties, client *wire.ClientSummary) {
	if !rs.options.SyncRooms {
		return
	}
	if (subject == wire.EventRoomJoined || subject == wire.EventRoomLeft) && !rs.options.SyncClients {
		return
	}

	evt := wire.ServerEvent{
		PublicURL:  rs.publicURL,
		RoomID:     roomID,
		Subject:    subject,
		Properties: properties,
		Client:     client,
	}
	data, err := json.Marshal(evt)
	if err != nil {
		rs.log.Error("roomserver: failed to marshal rs.event", "error", err)
		return
	}
	if err := rs.bus.Publish(SubjectRSEvent, data); err != nil {
		rs.log.Warn("roomserver: failed to publish rs.event", "error", err)
	}
}

// OnBroadcast registers a local listener for messages arriving on the
// "broadcast" subject (spec.md §6).
func (rs *RoomServer) OnBroadcast(listener func(data []byte)) {
	rs.listenersMu.Lock()
	defer rs.listenersMu.Unlock()
	rs.broadcastListeners = append(rs.broadcastListeners, listener)
}

// Broadcast publishes msg on the shared "broadcast" subject.
func (rs *RoomServer) Broadcast(msg []byte) error {
	return rs.bus.Publish(SubjectBroadcast, msg)
}

// Start subscribes to the bus and begins the 1Hz ping publisher (spec.md
// §4.2's bus integration).
func (rs *RoomServer) Start(ctx context.Context) error {
	broadcastSub, err := rs.bus.Subscribe(SubjectBroadcast, func(_ string, data []byte, _ string) {
		rs.listenersMu.Lock()
		listeners := make([]func([]byte), len(rs.broadcastListeners))
		copy(listeners, rs.broadcastListeners)
		rs.listenersMu.Unlock()
		for _, l := range listeners {
			l(data)
		}
	})
	if err != nil {
		return fmt.Errorf("roomserver: subscribe broadcast: %w", err)
	}

	roomsSub, err := rs.bus.Subscribe(RoomsSubject(rs.publicURL), func(_ string, _ []byte, reply string) {
		body, err := json.Marshal(rs.roomsReply())
		if err != nil {
			rs.log.Error("roomserver: failed to marshal rooms reply", "error", err)
			return
		}
		if err := rs.bus.Respond(reply, body); err != nil {
			rs.log.Warn("roomserver: failed to respond to rooms request", "error", err)
		}
	})
	if err != nil {
		broadcastSub.Unsubscribe()
		return fmt.Errorf("roomserver: subscribe rooms request: %w", err)
	}

	rs.subs = []bus.Subscription{broadcastSub, roomsSub}

	rs.stopPing = make(chan struct{})
	rs.pingStopped = make(chan struct{})
	go rs.pingLoop(ctx)

	return nil
}

func (rs *RoomServer) roomsReply() wire.RoomsReply {
	reply := make(wire.RoomsReply)
	for _, summary := range rs.Rooms() {
		reply[summary.ID] = summary
	}
	return reply
}

func (rs *RoomServer) pingLoop(ctx context.Context) {
	defer close(rs.pingStopped)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	rs.publishPing(true)

	for {
		select {
		case <-ctx.Done():
			return
		case <-rs.stopPing:
			return
		case <-ticker.C:
			rs.publishPing(false)
		}
	}
}

func (rs *RoomServer) publishPing(reset bool) {
	payload := wire.Ping{PublicURL: rs.publicURL, ClientCount: rs.ClientCount(), Reset: reset}
	data, err := json.Marshal(payload)
	if err != nil {
		rs.log.Error("roomserver: failed to marshal ping", "error", err)
		return
	}
	if err := rs.bus.Publish(SubjectPing, data); err != nil {
		rs.log.Warn("roomserver: failed to publish ping", "error", err)
	}
}

// Stop implements spec.md §4.2's shutdown sequence: stop accepting new
// sockets (the caller's HTTP server does this), tear down every room,
// stop the ping ticker, publish rs.stop, and invoke the optional
// callback.
func (rs *RoomServer) Stop(onStopped func()) {
	rs.mu.Lock()
	if rs.stopped {
		rs.mu.Unlock()
		return
	}
	rs.stopped = true
	rooms := make([]*Room, 0, len(rs.rooms))
	for _, r := range rs.rooms {
		rooms = append(rooms, r)
	}
	rs.mu.Unlock()

	for _, r := range rooms {
		r.Terminate()
	}

	if rs.stopPing != nil {
		close(rs.stopPing)
		<-rs.pingStopped
	}

	stopPayload, _ := json.Marshal(rs.publicURL)
	if err := rs.bus.Publish(SubjectRSStop, stopPayload); err != nil {
		rs.log.Warn("roomserver: failed to publish rs.stop", "error", err)
	}

	for _, sub := range rs.subs {
		if err := sub.Unsubscribe(); err != nil {
			rs.log.Debug("roomserver: unsubscribe failed", "error", err)
		}
	}

	if onStopped != nil {
		onStopped()
	}
}

func authFailureMessage(err error) string {
	switch {
	case errors.Is(err, token.ErrExpiredToken):
		return "The authentication token has expired."
	case errors.Is(err, token.ErrWrongSubject):
		return "The authentication token has the wrong subject."
	default:
		return "The authentication token could not be verified."
	}
}
