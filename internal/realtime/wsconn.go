package realtime

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"realtime-rooms/internal/wire"
)

// Grounded on websocket/adapter.go from the teacher, adapted for
// token-first-frame authentication (spec.md §4.2 step 1) and a
// Room-driven heartbeat (spec.md §4.1) instead of a fixed transport-level
// ping ticker: nothing pings the peer until a Room with a configured
// PingInterval asks this connection to.
const (
	writeWait       = 10 * time.Second
	maxMessageSize  = 4096
	firstFrameWait  = 10 * time.Second
	sendBufferDepth = 256
)

// WSConn adapts one gorilla/websocket connection to the Socket interface
// a Client expects.
type WSConn struct {
	ws         *websocket.Conn
	send       chan []byte
	pingSignal chan struct{}
	closed     chan struct{}
	closeOnce  sync.Once
}

func newWSConn(ws *websocket.Conn) *WSConn {
	return &WSConn{
		ws:         ws,
		send:       make(chan []byte, sendBufferDepth),
		pingSignal: make(chan struct{}, 1),
		closed:     make(chan struct{}),
	}
}

// Send is a non-blocking, best-effort write: a full buffer (slow or
// dead peer) is reported as an error so the owning Room evicts this
// client, matching spec.md §7's "socket write error terminates only that
// client" rule.
func (c *WSConn) Send(data []byte) error {
	select {
	case c.send <- data:
		return nil
	case <-c.closed:
		return websocket.ErrCloseSent
	default:
		return websocket.ErrCloseSent
	}
}

// Ping asks the write pump to send a WebSocket ping control frame. All
// writes to the connection must go through the single write pump
// goroutine (gorilla/websocket forbids concurrent writers), so this only
// signals rather than writing directly.
func (c *WSConn) Ping() error {
	select {
	case c.pingSignal <- struct{}{}:
		return nil
	case <-c.closed:
		return websocket.ErrCloseSent
	default:
		// The pump already has a ping queued; skip this tick's rather
		// than block the Room's heartbeat goroutine on a slow peer.
		return nil
	}
}

func (c *WSConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return c.ws.Close()
}

func (c *WSConn) writePump() {
	defer c.ws.Close()
	for {
		select {
		case msg, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-c.pingSignal:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closed:
			return
		}
	}
}

// Serve runs the full lifecycle of one accepted WebSocket connection
// against rs (spec.md §4.2): read the first frame as the join token,
// admit, then relay application frames until the socket closes. It
// blocks until the connection ends, so callers run it in its own
// goroutine per accepted socket.
func Serve(ws *websocket.Conn, rs *RoomServer, log *slog.Logger) {
	if log == nil {
		log = slog.Default()
	}

	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(firstFrameWait))

	_, tokenFrame, err := ws.ReadMessage()
	if err != nil {
		log.Debug("wsconn: failed to read token frame", "error", err)
		ws.Close()
		return
	}

	conn := newWSConn(ws)

	room, client, err := rs.Admit(string(tokenFrame), conn)
	if err != nil {
		writeRejection(ws, err, log)
		ws.Close()
		return
	}

	go conn.writePump()

	ws.SetPongHandler(func(string) error {
		room.Pong(client.ID())
		return nil
	})
	ws.SetReadDeadline(time.Time{})

	defer func() {
		conn.Close()
		room.Leave(client)
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Debug("wsconn: read error", "client", client.ID(), "room", room.ID(), "error", err)
			}
			return
		}
		rs.HandleMessage(room, client, data)
	}
}

func writeRejection(ws *websocket.Conn, err error, log *slog.Logger) {
	var rejection *RejectionError
	envelope := wire.ErrorEnvelope{Error: "Authentication Failed", Message: "The authentication token could not be verified."}
	if errors.As(err, &rejection) {
		envelope = wire.ErrorEnvelope{Error: rejection.Kind, Message: rejection.Message}
	}

	data, merr := json.Marshal(envelope)
	if merr != nil {
		log.Error("wsconn: failed to marshal rejection envelope", "error", merr)
		return
	}
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	if werr := ws.WriteMessage(websocket.TextMessage, data); werr != nil {
		log.Debug("wsconn: failed to write rejection envelope", "error", werr)
	}
}
