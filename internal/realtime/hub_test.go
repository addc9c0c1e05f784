package realtime

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/cinematch/backend/internal/models"
	"github.com/cinematch/backend/internal/sessions"
)

type fakeConn struct {
	mu     sync.Mutex
	closed bool
}

func (f *fakeConn) WriteJSON(interface{}) error             { return nil }
func (f *fakeConn) WriteMessage(int, []byte) error          { return nil }
func (f *fakeConn) SetReadLimit(int64)                      {}
func (f *fakeConn) SetReadDeadline(time.Time) error         { return nil }
func (f *fakeConn) SetWriteDeadline(time.Time) error        { return nil }
func (f *fakeConn) SetPongHandler(func(string) error)       {}
func (f *fakeConn) ReadMessage() (int, []byte, error)       { return 0, nil, io.EOF }
func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakePubSub struct {
	mu        sync.Mutex
	published []string
	handlers  map[string]func(event string, payload []byte)
	cancels   int
}

func newFakePubSub() *fakePubSub {
	return &fakePubSub{handlers: make(map[string]func(string, []byte))}
}

func (f *fakePubSub) PublishPartyEvent(code, event string, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, code+":"+event)
	return nil
}

func (f *fakePubSub) SubscribeParty(code string, handler func(event string, payload []byte)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[code] = handler
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.cancels++
		delete(f.handlers, code)
	}, nil
}

func (f *fakePubSub) handler(code string) func(string, []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handlers[code]
}

type fakeSnapshotter struct{}

func (fakeSnapshotter) Get(_ context.Context, code string) (*sessions.Snapshot, error) {
	return &sessions.Snapshot{Session: &models.Session{Code: code}}, nil
}

func register(h *Hub, code string) (*Channel, *fakeConn) {
	conn := &fakeConn{}
	ch := newChannel(h, conn, code, uuid.New(), h.logger)
	h.Register(ch)
	return ch, conn
}

func receive(t *testing.T, ch *Channel) WSMessage {
	t.Helper()
	select {
	case msg := <-ch.send:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message enqueued")
		return WSMessage{}
	}
}

func TestBroadcastReachesEveryChannelOfParty(t *testing.T) {
	hub := NewHub(nil, nil, nil)

	a, _ := register(hub, "AAAAAA")
	b, _ := register(hub, "AAAAAA")
	other, _ := register(hub, "BBBBBB")

	hub.Broadcast("AAAAAA", EventUpdated, map[string]string{"k": "v"})

	require.Equal(t, EventUpdated, receive(t, a).Event)
	require.Equal(t, EventUpdated, receive(t, b).Event)
	require.Empty(t, other.send)
}

func TestBroadcastEvictsDeadChannels(t *testing.T) {
	hub := NewHub(nil, nil, nil)

	alive, _ := register(hub, "AAAAAA")
	dead, _ := register(hub, "AAAAAA")
	dead.markInactive()

	hub.Broadcast("AAAAAA", EventUpdated, nil)

	require.Equal(t, 1, hub.ChannelCount("AAAAAA"))
	require.Equal(t, EventUpdated, receive(t, alive).Event)
	require.False(t, hub.contains(dead))
}

func TestBroadcastEvictsOnFullBuffer(t *testing.T) {
	hub := NewHub(nil, nil, nil)
	ch, _ := register(hub, "AAAAAA")

	// Nothing drains the send queue, so it eventually overflows and the
	// channel flips inactive instead of blocking the broadcast.
	for i := 0; i <= sendBuffer; i++ {
		hub.Broadcast("AAAAAA", EventUpdated, nil)
	}
	require.False(t, ch.Active())
	require.Equal(t, 0, hub.ChannelCount("AAAAAA"))
}

func TestLastChannelRemovalCancelsSubscription(t *testing.T) {
	ps := newFakePubSub()
	hub := NewHub(nil, ps, ps)

	a, _ := register(hub, "AAAAAA")
	b, _ := register(hub, "AAAAAA")
	require.NotNil(t, ps.handler("AAAAAA"), "first register subscribes the party")

	hub.remove(a)
	require.Equal(t, 1, hub.ChannelCount("AAAAAA"))
	require.NotNil(t, ps.handler("AAAAAA"))

	hub.remove(b)
	require.Equal(t, 0, hub.ChannelCount("AAAAAA"))
	require.Nil(t, ps.handler("AAAAAA"), "last removal cancels the subscription")

	// Removing twice is harmless.
	hub.remove(b)
	require.Equal(t, 1, ps.cancels)
}

func TestRedisEventsAreRebroadcastLocally(t *testing.T) {
	ps := newFakePubSub()
	hub := NewHub(nil, ps, ps)

	ch, _ := register(hub, "AAAAAA")
	ps.handler("AAAAAA")(EventStatusChanged, []byte(`{"new_status":"recruiting"}`))

	msg := receive(t, ch)
	require.Equal(t, EventStatusChanged, msg.Event)
	require.JSONEq(t, `{"new_status":"recruiting"}`, string(msg.Data))
}

func TestBroadcastAndPublishHitsRedis(t *testing.T) {
	ps := newFakePubSub()
	hub := NewHub(nil, ps, ps)

	ch, _ := register(hub, "AAAAAA")
	hub.BroadcastAndPublish("AAAAAA", EventFinalWinner, models.Movie{ID: "m1"})

	require.Equal(t, EventFinalWinner, receive(t, ch).Event)
	require.Contains(t, ps.published, "AAAAAA:"+EventFinalWinner)
}

func TestRegisterSendsSessionSync(t *testing.T) {
	hub := NewHub(nil, nil, nil)
	hub.SetSnapshotter(fakeSnapshotter{})

	ch, _ := register(hub, "AAAAAA")
	msg := receive(t, ch)
	require.Equal(t, EventSessionSync, msg.Event)
	require.Contains(t, string(msg.Data), "AAAAAA")
}

func TestClosePartyClosesConnections(t *testing.T) {
	hub := NewHub(nil, nil, nil)

	_, conn1 := register(hub, "AAAAAA")
	_, conn2 := register(hub, "AAAAAA")

	hub.CloseParty("AAAAAA")
	require.Equal(t, 0, hub.ChannelCount("AAAAAA"))
	require.True(t, conn1.isClosed())
	require.True(t, conn2.isClosed())
	require.Empty(t, hub.Codes())
}
