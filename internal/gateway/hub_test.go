package gateway

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/gobwas/ws/wsutil"

	"github.com/loqui/chat-backend/internal/protocol"
	"github.com/loqui/chat-backend/internal/ws"
)

// testSocket is one hub member with a client-side reader pump, so hub writes
// over the in-memory pipe never block.
type testSocket struct {
	conn   *ws.Connection
	frames chan []byte
}

func newTestSocket(t *testing.T, userID, socketID string) *testSocket {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})

	s := &testSocket{
		conn: &ws.Connection{
			ID:     socketID,
			UserID: userID,
			Conn:   server,
		},
		frames: make(chan []byte, 16),
	}

	go func() {
		for {
			data, err := wsutil.ReadServerText(client)
			if err != nil {
				close(s.frames)
				return
			}
			s.frames <- data
		}
	}()

	return s
}

// recv waits for one frame and decodes its envelope.
func (s *testSocket) recv(t *testing.T) protocol.Envelope {
	t.Helper()
	select {
	case data, ok := <-s.frames:
		if !ok {
			t.Fatal("socket closed before a frame arrived")
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("unmarshal envelope: %v", err)
		}
		return env
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a frame")
		return protocol.Envelope{}
	}
}

// expectSilence asserts no frame arrives within the grace window.
func (s *testSocket) expectSilence(t *testing.T) {
	t.Helper()
	select {
	case data := <-s.frames:
		t.Fatalf("unexpected frame: %s", data)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSendToUsersScopesToListedUsers(t *testing.T) {
	hub := NewHub()

	aliceTab1 := newTestSocket(t, "alice", "s1")
	aliceTab2 := newTestSocket(t, "alice", "s2")
	bob := newTestSocket(t, "bob", "s3")
	carol := newTestSocket(t, "carol", "s4")

	for _, s := range []*testSocket{aliceTab1, aliceTab2, bob, carol} {
		hub.Join(s.conn)
	}

	payload := json.RawMessage(`{"message":{"id":"m1"}}`)
	hub.SendToUsers([]string{"alice", "bob"}, protocol.EventMessageNew, payload)

	for _, s := range []*testSocket{aliceTab1, aliceTab2, bob} {
		env := s.recv(t)
		if env.Event != protocol.EventMessageNew {
			t.Errorf("event = %q, want %q", env.Event, protocol.EventMessageNew)
		}
		if string(env.Data) != string(payload) {
			t.Errorf("data = %s, want passthrough of %s", env.Data, payload)
		}
	}

	// carol is not in the target list and must hear nothing.
	carol.expectSilence(t)
}

func TestSendToUsersSkipsAbsentUsers(t *testing.T) {
	hub := NewHub()
	bob := newTestSocket(t, "bob", "s1")
	hub.Join(bob.conn)

	// "ghost" has no local socket; delivery to bob must be unaffected.
	hub.SendToUsers([]string{"ghost", "bob"}, protocol.EventMessageNew, json.RawMessage(`{}`))

	if env := bob.recv(t); env.Event != protocol.EventMessageNew {
		t.Errorf("event = %q, want %q", env.Event, protocol.EventMessageNew)
	}
}

func TestBroadcastReachesEverySocket(t *testing.T) {
	hub := NewHub()
	sockets := []*testSocket{
		newTestSocket(t, "alice", "s1"),
		newTestSocket(t, "bob", "s2"),
		newTestSocket(t, "carol", "s3"),
	}
	for _, s := range sockets {
		hub.Join(s.conn)
	}

	hub.Broadcast(protocol.EventUserOnline, json.RawMessage(`{"userId":"dave"}`))

	for _, s := range sockets {
		if env := s.recv(t); env.Event != protocol.EventUserOnline {
			t.Errorf("event = %q, want %q", env.Event, protocol.EventUserOnline)
		}
	}
}

func TestJoinLeaveCounts(t *testing.T) {
	hub := NewHub()
	tab1 := newTestSocket(t, "alice", "s1")
	tab2 := newTestSocket(t, "alice", "s2")
	bob := newTestSocket(t, "bob", "s3")

	hub.Join(tab1.conn)
	hub.Join(tab2.conn)
	hub.Join(bob.conn)

	if got := hub.UserCount(); got != 2 {
		t.Errorf("UserCount() = %d, want 2", got)
	}
	if got := hub.SocketCount(); got != 3 {
		t.Errorf("SocketCount() = %d, want 3", got)
	}

	if still := hub.Leave(tab1.conn); !still {
		t.Error("alice still has a socket, Leave() must report true")
	}
	if still := hub.Leave(tab2.conn); still {
		t.Error("alice's last socket left, Leave() must report false")
	}
	if got := hub.UserCount(); got != 1 {
		t.Errorf("UserCount() = %d, want 1 after alice left", got)
	}

	// Leaving an already-removed socket is a no-op.
	if still := hub.Leave(tab2.conn); still {
		t.Error("duplicate Leave() must report false")
	}
	if got := hub.SocketCount(); got != 1 {
		t.Errorf("SocketCount() = %d, want 1", got)
	}

	// Departed sockets no longer receive targeted events.
	hub.SendToUsers([]string{"alice"}, protocol.EventMessageNew, json.RawMessage(`{}`))
	tab1.expectSilence(t)
	tab2.expectSilence(t)
}
