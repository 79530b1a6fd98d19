package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"realtime-rooms/internal/bus"
	"realtime-rooms/internal/bus/bustest"
	"realtime-rooms/internal/token"
)

// fakeBus is a hand-rolled bus.Bus double, in the style of
// protocol/handler_test.go's mockBroadcaster: fast, in-process,
// deterministic, for the RoomServer tests that don't need real wire
// round-tripping through an embedded broker.
type fakeBus struct {
	mu        sync.Mutex
	published map[string][][]byte
}

func newFakeBus() *fakeBus {
	return &fakeBus{published: make(map[string][][]byte)}
}

func (b *fakeBus) Publish(subject string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published[subject] = append(b.published[subject], data)
	return nil
}

func (b *fakeBus) Subscribe(string, func(string, []byte, string)) (bus.Subscription, error) {
	return noopSub{}, nil
}

func (b *fakeBus) QueueSubscribe(string, string, func(string, []byte, string)) (bus.Subscription, error) {
	return noopSub{}, nil
}

func (b *fakeBus) Request(string, []byte, time.Duration) ([]byte, error) {
	return nil, bus.ErrRequestTimeout
}

func (b *fakeBus) Respond(string, []byte) error { return nil }

func (b *fakeBus) Close() {}

func (b *fakeBus) messagesOn(subject string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([][]byte, len(b.published[subject]))
	copy(out, b.published[subject])
	return out
}

type noopSub struct{}

func (noopSub) Unsubscribe() error { return nil }

func newTestRoomServer(publicURL string, b bus.Bus) (*RoomServer, *token.Codec) {
	codec := token.NewCodec("test-secret")
	rs := NewRoomServer(publicURL, codec, b, DefaultRoomServerOptions(), nil)
	return rs, codec
}

func mustToken(t *testing.T, codec *token.Codec, opts token.Options) string {
	t.Helper()
	tok, err := codec.Generate(opts)
	require.NoError(t, err)
	return tok
}

func TestRoomServer_AdmitSuccess(t *testing.T) {
	b := newFakeBus()
	rs, codec := newTestRoomServer("ws://server-a", b)
	tok := mustToken(t, codec, token.Options{PublicURL: "ws://server-a", RoomID: "room1", ClientID: "alice"})

	room, client, err := rs.Admit(tok, &mockSocket{})

	require.NoError(t, err)
	assert.Equal(t, "room1", room.ID())
	assert.Equal(t, "alice", client.ID())
	assert.Equal(t, 1, rs.ClientCount())
}

func TestRoomServer_AdmitRejectsWrongServer(t *testing.T) {
	b := newFakeBus()
	rs, codec := newTestRoomServer("ws://server-a", b)
	tok := mustToken(t, codec, token.Options{PublicURL: "ws://server-b", RoomID: "room1", ClientID: "alice"})

	_, _, err := rs.Admit(tok, &mockSocket{})

	require.Error(t, err)
	var rejection *RejectionError
	require.ErrorAs(t, err, &rejection)
	assert.Equal(t, msgWrongServer, rejection.Message)
}

func TestRoomServer_AdmitRejectsDuplicateClientID(t *testing.T) {
	b := newFakeBus()
	rs, codec := newTestRoomServer("ws://server-a", b)
	opts := token.Options{PublicURL: "ws://server-a", RoomID: "room1", ClientID: "alice"}

	_, _, err := rs.Admit(mustToken(t, codec, opts), &mockSocket{})
	require.NoError(t, err)

	_, _, err = rs.Admit(mustToken(t, codec, opts), &mockSocket{})

	require.Error(t, err)
	var rejection *RejectionError
	require.ErrorAs(t, err, &rejection)
	assert.Equal(t, "Authentication Failed", rejection.Kind)
	assert.Equal(t, msgAlreadyJoined, rejection.Message)
}

func TestRoomServer_AdmitRejectsJoinOnlyMissingRoom(t *testing.T) {
	b := newFakeBus()
	rs, codec := newTestRoomServer("ws://server-a", b)
	tok := mustToken(t, codec, token.Options{PublicURL: "ws://server-a", RoomID: "ghost", ClientID: "alice", JoinOnly: true})

	_, _, err := rs.Admit(tok, &mockSocket{})

	require.Error(t, err)
	var rejection *RejectionError
	require.ErrorAs(t, err, &rejection)
	assert.Equal(t, msgJoinOnlyMissing, rejection.Message)
}

func TestRoomServer_AdmitRejectsInvalidToken(t *testing.T) {
	b := newFakeBus()
	rs, _ := newTestRoomServer("ws://server-a", b)

	_, _, err := rs.Admit("not-a-jwt", &mockSocket{})

	require.Error(t, err)
	var rejection *RejectionError
	require.ErrorAs(t, err, &rejection)
	assert.Equal(t, "Authentication Failed", rejection.Kind)
}

func TestRoomServer_AdmitRejectsAfterStop(t *testing.T) {
	b := newFakeBus()
	rs, codec := newTestRoomServer("ws://server-a", b)
	rs.Stop(nil)

	tok := mustToken(t, codec, token.Options{PublicURL: "ws://server-a", RoomID: "room1", ClientID: "alice"})
	_, _, err := rs.Admit(tok, &mockSocket{})

	require.Error(t, err)
	var rejection *RejectionError
	require.ErrorAs(t, err, &rejection)
	assert.Equal(t, msgServerStopping, rejection.Message)
}

func TestRoomServer_RoomAutoRemovedWhenEmptyWithoutKeepAlive(t *testing.T) {
	b := newFakeBus()
	rs, codec := newTestRoomServer("ws://server-a", b)
	tok := mustToken(t, codec, token.Options{PublicURL: "ws://server-a", RoomID: "room1", ClientID: "alice"})

	room, client, err := rs.Admit(tok, &mockSocket{})
	require.NoError(t, err)

	room.Leave(client)

	assert.Empty(t, rs.Rooms())
	assert.Equal(t, 0, rs.ClientCount())
}

func TestRoomServer_RoomSurvivesEmptyWithKeepAlive(t *testing.T) {
	b := newFakeBus()
	codec := token.NewCodec("test-secret")
	opts := DefaultRoomServerOptions()
	opts.RoomOptions.KeepAlive = true
	rs := NewRoomServer("ws://server-a", codec, b, opts, nil)

	tok := mustToken(t, codec, token.Options{PublicURL: "ws://server-a", RoomID: "room1", ClientID: "alice"})
	room, client, err := rs.Admit(tok, &mockSocket{})
	require.NoError(t, err)

	room.Leave(client)

	require.Len(t, rs.Rooms(), 1)
	assert.Equal(t, "room1", rs.Rooms()[0].ID)
}

func TestRoomServer_HandleMessageDefaultRelaysToOthers(t *testing.T) {
	b := newFakeBus()
	rs, codec := newTestRoomServer("ws://server-a", b)

	senderSock := &mockSocket{}
	otherSock := &mockSocket{}
	room, sender, err := rs.Admit(mustToken(t, codec, token.Options{
		PublicURL: "ws://server-a", RoomID: "room1", ClientID: "sender",
	}), senderSock)
	require.NoError(t, err)
	_, _, err = rs.Admit(mustToken(t, codec, token.Options{
		PublicURL: "ws://server-a", RoomID: "room1", ClientID: "other",
	}), otherSock)
	require.NoError(t, err)

	rs.HandleMessage(room, sender, []byte("hi"))

	assert.Empty(t, senderSock.getReceived())
	assert.Len(t, otherSock.getReceived(), 1)
}

func TestRoomServer_HandleMessageCustomHandler(t *testing.T) {
	b := newFakeBus()
	rs, codec := newTestRoomServer("ws://server-a", b)

	var got []byte
	rs.SetMessageHandler(func(room *Room, client *Client, data []byte) {
		got = data
	})

	room, client, err := rs.Admit(mustToken(t, codec, token.Options{
		PublicURL: "ws://server-a", RoomID: "room1", ClientID: "alice",
	}), &mockSocket{})
	require.NoError(t, err)

	rs.HandleMessage(room, client, []byte("custom"))

	assert.Equal(t, []byte("custom"), got)
}

func TestRoomServer_TerminateRoomPublishesRemoval(t *testing.T) {
	b := newFakeBus()
	opts := DefaultRoomServerOptions()
	opts.RoomOptions.KeepAlive = true
	codec := token.NewCodec("test-secret")
	rs := NewRoomServer("ws://server-a", codec, b, opts, nil)

	_, _, err := rs.Admit(mustToken(t, codec, token.Options{
		PublicURL: "ws://server-a", RoomID: "room1", ClientID: "alice",
	}), &mockSocket{})
	require.NoError(t, err)

	rs.TerminateRoom("room1")

	assert.Empty(t, rs.Rooms())
	events := b.messagesOn(SubjectRSEvent)
	require.NotEmpty(t, events)

	var sawRemoved bool
	for _, raw := range events {
		var evt struct {
			Subject string `json:"subject"`
		}
		require.NoError(t, json.Unmarshal(raw, &evt))
		if evt.Subject == "roomRemoved" {
			sawRemoved = true
		}
	}
	assert.True(t, sawRemoved)
}

func TestRoomServer_BroadcastPublishesOnSubject(t *testing.T) {
	b := newFakeBus()
	rs, _ := newTestRoomServer("ws://server-a", b)

	require.NoError(t, rs.Broadcast([]byte("hello everyone")))

	msgs := b.messagesOn(SubjectBroadcast)
	require.Len(t, msgs, 1)
	assert.Equal(t, []byte("hello everyone"), msgs[0])
}

// TestRoomServer_StartIntegratesWithBus exercises Start against a real
// embedded broker (bustest), covering the rooms.<publicUrl> request/reply
// spec.md §6 describes, which the fakeBus above can't exercise since it
// never actually delivers to subscribers.
func TestRoomServer_StartIntegratesWithBus(t *testing.T) {
	srv := bustest.StartServer(t)
	b := bustest.Dial(t, srv, bustest.UniqueName(t, "roomserver"), nil)
	rs, codec := newTestRoomServer("ws://server-a", b)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, rs.Start(ctx))
	defer rs.Stop(nil)

	tok := mustToken(t, codec, token.Options{PublicURL: "ws://server-a", RoomID: "room1", ClientID: "alice"})
	_, _, err := rs.Admit(tok, &mockSocket{})
	require.NoError(t, err)

	requester := bustest.RawDial(t, srv)
	reply, err := requester.Request(RoomsSubject("ws://server-a"), nil, 2*time.Second)
	require.NoError(t, err)

	var rooms map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(reply.Data, &rooms))
	assert.Contains(t, rooms, "room1")
}
