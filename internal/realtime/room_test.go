package realtime

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"realtime-rooms/internal/wire"
)

// mockSocket is grounded on hub_test.go's mockConn, adapted to the
// realtime.Socket interface (Send/Ping/Close instead of Send/Close/Room).
type mockSocket struct {
	mu       sync.Mutex
	received [][]byte
	pings    int
	closed   bool
	sendErr  error
	pingErr  error
}

func (m *mockSocket) Send(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.received = append(m.received, data)
	return nil
}

func (m *mockSocket) Ping() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pings++
	return m.pingErr
}

func (m *mockSocket) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockSocket) getReceived() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.received))
	copy(out, m.received)
	return out
}

func (m *mockSocket) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *mockSocket) pingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pings
}

func newTestRoom(opts RoomOptions) *Room {
	return NewRoom("room1", "ws://server-a", wire.RawProperties{"topic": "general"}, opts, nil)
}

func TestRoom_TryJoin(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(r *Room)
		clientID string
		want     bool
	}{
		{
			name:     "first join succeeds",
			setup:    func(r *Room) {},
			clientID: "alice",
			want:     true,
		},
		{
			name: "duplicate id rejected",
			setup: func(r *Room) {
				r.TryJoin(NewClient("alice", nil, &mockSocket{}))
			},
			clientID: "alice",
			want:     false,
		},
		{
			name: "terminated room rejects",
			setup: func(r *Room) {
				r.Terminate()
			},
			clientID: "bob",
			want:     false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRoom(RoomOptions{})
			tt.setup(r)

			got := r.TryJoin(NewClient(tt.clientID, nil, &mockSocket{}))

			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRoom_JoinIsNoOpOnDuplicate(t *testing.T) {
	r := newTestRoom(RoomOptions{})
	first := NewClient("alice", nil, &mockSocket{})
	second := NewClient("alice", nil, &mockSocket{})

	r.Join(first)
	r.Join(second)

	assert.Equal(t, 1, r.Count())
}

func TestRoom_Send(t *testing.T) {
	tests := []struct {
		name         string
		setup        func(r *Room) (receivers []*mockSocket, sender *Client)
		wantReceived map[int]int // index into receivers -> expected message count
	}{
		{
			name: "broadcast reaches every member",
			setup: func(r *Room) ([]*mockSocket, *Client) {
				s1, s2 := &mockSocket{}, &mockSocket{}
				sender := NewClient("sender", nil, &mockSocket{})
				r.Join(sender)
				r.Join(NewClient("recv1", nil, s1))
				r.Join(NewClient("recv2", nil, s2))
				return []*mockSocket{s1, s2}, sender
			},
			wantReceived: map[int]int{0: 1, 1: 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRoom(RoomOptions{})
			receivers, _ := tt.setup(r)

			r.Send([]byte("hello"))

			for i, s := range receivers {
				assert.Len(t, s.getReceived(), tt.wantReceived[i])
			}
		})
	}
}

func TestRoom_SendToOthersExcludesSender(t *testing.T) {
	r := newTestRoom(RoomOptions{})
	senderSock := &mockSocket{}
	otherSock := &mockSocket{}
	sender := NewClient("sender", nil, senderSock)
	r.Join(sender)
	r.Join(NewClient("other", nil, otherSock))

	r.SendToOthers(sender, []byte("hi"))

	assert.Empty(t, senderSock.getReceived())
	assert.Len(t, otherSock.getReceived(), 1)
}

func TestRoom_SendToUnknownClientReturnsFalse(t *testing.T) {
	r := newTestRoom(RoomOptions{})
	stranger := NewClient("stranger", nil, &mockSocket{})

	ok := r.SendTo(stranger, []byte("hi"))

	assert.False(t, ok)
}

func TestRoom_SendFailureEvictsOnlyThatClient(t *testing.T) {
	r := newTestRoom(RoomOptions{})
	broken := &mockSocket{sendErr: errors.New("write: broken pipe")}
	healthy := &mockSocket{}
	r.Join(NewClient("broken", nil, broken))
	r.Join(NewClient("healthy", nil, healthy))

	r.Send([]byte("hello"))

	assert.Equal(t, 1, r.Count())
	assert.True(t, broken.isClosed())
	assert.Len(t, healthy.getReceived(), 1)
}

func TestRoom_LeaveEmitsAndCloses(t *testing.T) {
	r := newTestRoom(RoomOptions{})
	sock := &mockSocket{}
	client := NewClient("alice", nil, sock)
	r.Join(client)

	var events []RoomEventKind
	r.OnEvent(func(ev RoomEvent) { events = append(events, ev.Kind) })

	r.Leave(client)

	assert.Equal(t, 0, r.Count())
	assert.True(t, sock.isClosed())
	require.Len(t, events, 1)
	assert.Equal(t, RoomLeft, events[0])
}

func TestRoom_LeaveAbsentClientIsNoOp(t *testing.T) {
	r := newTestRoom(RoomOptions{})
	stranger := NewClient("stranger", nil, &mockSocket{})

	var fired bool
	r.OnEvent(func(ev RoomEvent) { fired = true })

	r.Leave(stranger)

	assert.False(t, fired)
}

func TestRoom_Terminate(t *testing.T) {
	r := newTestRoom(RoomOptions{})
	s1, s2 := &mockSocket{}, &mockSocket{}
	r.Join(NewClient("a", nil, s1))
	r.Join(NewClient("b", nil, s2))

	var got RoomEvent
	r.OnEvent(func(ev RoomEvent) {
		if ev.Kind == RoomTerminated {
			got = ev
		}
	})

	r.Terminate()

	assert.Equal(t, RoomTerminated, got.Kind)
	assert.Equal(t, 2, got.Count)
	assert.True(t, s1.isClosed())
	assert.True(t, s2.isClosed())
	assert.Equal(t, 0, r.Count())
}

func TestRoom_TerminateIsIdempotent(t *testing.T) {
	r := newTestRoom(RoomOptions{})
	r.Join(NewClient("a", nil, &mockSocket{}))

	var count int
	r.OnEvent(func(ev RoomEvent) {
		if ev.Kind == RoomTerminated {
			count++
		}
	})

	r.Terminate()
	r.Terminate()

	assert.Equal(t, 1, count)
}

func TestRoom_HeartbeatEvictsUnresponsiveClient(t *testing.T) {
	r := newTestRoom(RoomOptions{PingInterval: 10 * time.Millisecond, MissedPingsLimit: 2})
	defer r.ClearPingInterval()

	sock := &mockSocket{}
	client := NewClient("alice", nil, sock)
	r.Join(client)

	require.Eventually(t, func() bool {
		return r.Count() == 0
	}, time.Second, 5*time.Millisecond, "client should be evicted after missing two heartbeats")

	assert.True(t, sock.isClosed())
	assert.GreaterOrEqual(t, sock.pingCount(), 1)
}

func TestRoom_HeartbeatPongResetsMissedCount(t *testing.T) {
	r := newTestRoom(RoomOptions{PingInterval: 10 * time.Millisecond, MissedPingsLimit: 2})
	defer r.ClearPingInterval()

	sock := &mockSocket{}
	client := NewClient("alice", nil, sock)
	r.Join(client)

	// Keep ponging back every tick; the client should survive far longer
	// than MissedPingsLimit worth of intervals would otherwise allow.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				r.Pong(client.ID())
			}
		}
	}()

	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, 1, r.Count())
}

func TestRoom_NoHeartbeatWhenPingIntervalZero(t *testing.T) {
	r := newTestRoom(RoomOptions{})
	sock := &mockSocket{}
	r.Join(NewClient("alice", nil, sock))

	time.Sleep(30 * time.Millisecond)

	assert.Equal(t, 1, r.Count())
	assert.Equal(t, 0, sock.pingCount())
}

func TestRoom_Snapshot(t *testing.T) {
	r := newTestRoom(RoomOptions{})
	r.Join(NewClient("alice", wire.RawProperties{"color": "red"}, &mockSocket{}))

	snap := r.Snapshot()

	assert.Equal(t, "room1", snap.ID)
	assert.Equal(t, "ws://server-a", snap.PublicURL)
	require.Contains(t, snap.Clients, "alice")
	assert.Equal(t, "red", snap.Clients["alice"].Properties["color"])
}

func TestRoom_SetProperties(t *testing.T) {
	r := newTestRoom(RoomOptions{})

	r.SetProperties(wire.RawProperties{"topic": "updated"})

	assert.Equal(t, "updated", r.Properties()["topic"])
}
