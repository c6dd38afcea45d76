package chatkit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

// connectedRoom returns a room controller on top of a live scripted
// connection that acknowledges joins.
func connectedRoom(t *testing.T, cfg RealtimeConfig) (*roomController, *RealtimeClient, *fakeConn) {
	t.Helper()
	conn := newFakeConn()
	conn.setReact(reactJoinOK(conn))
	dialer := &fakeDialer{next: func(n int) (Conn, error) { return conn, nil }}
	router := newEventRouter(testLogger())
	rt := newRealtimeClient("https://chat.test", StaticToken("tok"), &cfg, dialer.dial, router, testLogger())
	room := newRoomController(rt, router)
	if err := rt.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() = %v", err)
	}
	t.Cleanup(func() { rt.Disconnect() })
	return room, rt, conn
}

func TestRoomJoin(t *testing.T) {
	t.Run("succeeds on matching acknowledgment", func(t *testing.T) {
		room, _, _ := connectedRoom(t, RealtimeConfig{})

		if err := room.Join(context.Background(), "conv-1"); err != nil {
			t.Fatalf("Join() = %v", err)
		}
		current := room.Current()
		if current == nil || current.ConversationID != "conv-1" {
			t.Fatalf("Current() = %+v, want conv-1", current)
		}
		if current.JoinedAt.IsZero() {
			t.Error("JoinedAt not set")
		}
	})

	t.Run("times out without acknowledgment", func(t *testing.T) {
		room, _, conn := connectedRoom(t, RealtimeConfig{JoinTimeout: 30 * time.Millisecond})
		conn.setReact(reactAuthOK(conn)) // joins go unanswered

		err := room.Join(context.Background(), "conv-1")
		var jte *JoinTimeoutError
		if !errors.As(err, &jte) {
			t.Fatalf("Join() = %v, want JoinTimeoutError", err)
		}
		if jte.ConversationID != "conv-1" {
			t.Errorf("ConversationID = %q, want conv-1", jte.ConversationID)
		}
		if room.Current() != nil {
			t.Errorf("Current() = %+v, want nil after timeout", room.Current())
		}
	})

	t.Run("ignores acknowledgment for an earlier room", func(t *testing.T) {
		room, _, conn := connectedRoom(t, RealtimeConfig{})
		conn.setReact(func(f sentFrame) {
			reactAuthOK(conn)(f)
			if f.Type == commandJoin {
				// A stale ack arrives first, then the real one.
				conn.push(eventConversationJoined, map[string]string{"conversationId": "conv-old"})
				conn.push(eventConversationJoined, map[string]string{"conversationId": "conv-2"})
			}
		})

		if err := room.Join(context.Background(), "conv-2"); err != nil {
			t.Fatalf("Join() = %v", err)
		}
		if got := room.Current().ConversationID; got != "conv-2" {
			t.Errorf("Current() = %q, want conv-2", got)
		}
	})

	t.Run("second join supersedes a pending one", func(t *testing.T) {
		room, _, conn := connectedRoom(t, RealtimeConfig{JoinTimeout: time.Second})
		conn.setReact(func(f sentFrame) {
			reactAuthOK(conn)(f)
			if f.Type != commandJoin {
				return
			}
			var p struct {
				ConversationID string `json:"conversationId"`
			}
			json.Unmarshal(f.Payload, &p)
			// Only the second room ever gets acknowledged.
			if p.ConversationID == "conv-b" {
				conn.push(eventConversationJoined, map[string]string{"conversationId": "conv-b"})
			}
		})

		firstErr := make(chan error, 1)
		go func() {
			firstErr <- room.Join(context.Background(), "conv-a")
		}()
		waitFor(t, time.Second, "first join in flight", func() bool {
			for _, typ := range conn.writtenTypes() {
				if typ == commandJoin {
					return true
				}
			}
			return false
		})

		if err := room.Join(context.Background(), "conv-b"); err != nil {
			t.Fatalf("Join(conv-b) = %v", err)
		}
		select {
		case err := <-firstErr:
			if !errors.Is(err, ErrJoinSuperseded) {
				t.Fatalf("Join(conv-a) = %v, want ErrJoinSuperseded", err)
			}
		case <-time.After(time.Second):
			t.Fatal("superseded join never returned")
		}
		if got := room.Current().ConversationID; got != "conv-b" {
			t.Errorf("Current() = %q, want conv-b", got)
		}
	})

	t.Run("switching rooms leaves the previous one first", func(t *testing.T) {
		room, _, conn := connectedRoom(t, RealtimeConfig{})

		if err := room.Join(context.Background(), "conv-a"); err != nil {
			t.Fatalf("Join(conv-a) = %v", err)
		}
		if err := room.Join(context.Background(), "conv-b"); err != nil {
			t.Fatalf("Join(conv-b) = %v", err)
		}

		types := conn.writtenTypes()
		leaveIdx, secondJoinIdx, joins := -1, -1, 0
		for i, typ := range types {
			switch typ {
			case commandLeave:
				leaveIdx = i
			case commandJoin:
				joins++
				if joins == 2 {
					secondJoinIdx = i
				}
			}
		}
		if leaveIdx == -1 || secondJoinIdx == -1 || leaveIdx > secondJoinIdx {
			t.Errorf("frame order = %v, want leave before second join", types)
		}
		if got := room.Current().ConversationID; got != "conv-b" {
			t.Errorf("Current() = %q, want conv-b", got)
		}
	})

	t.Run("rejoining the same room emits no leave", func(t *testing.T) {
		room, _, conn := connectedRoom(t, RealtimeConfig{})

		if err := room.Join(context.Background(), "conv-a"); err != nil {
			t.Fatalf("Join() = %v", err)
		}
		if err := room.Join(context.Background(), "conv-a"); err != nil {
			t.Fatalf("second Join() = %v", err)
		}
		for _, typ := range conn.writtenTypes() {
			if typ == commandLeave {
				t.Fatal("rejoining the same room emitted a leave")
			}
		}
	})
}

func TestRoomLeave(t *testing.T) {
	t.Run("clears room and emits leave", func(t *testing.T) {
		room, _, conn := connectedRoom(t, RealtimeConfig{})
		if err := room.Join(context.Background(), "conv-1"); err != nil {
			t.Fatalf("Join() = %v", err)
		}
		if err := room.Leave(context.Background()); err != nil {
			t.Fatalf("Leave() = %v", err)
		}
		if room.Current() != nil {
			t.Errorf("Current() = %+v, want nil", room.Current())
		}
		sawLeave := false
		for _, typ := range conn.writtenTypes() {
			if typ == commandLeave {
				sawLeave = true
			}
		}
		if !sawLeave {
			t.Error("no leave frame written")
		}
	})

	t.Run("no-op without a room", func(t *testing.T) {
		room, _, conn := connectedRoom(t, RealtimeConfig{})
		if err := room.Leave(context.Background()); err != nil {
			t.Fatalf("Leave() = %v", err)
		}
		for _, typ := range conn.writtenTypes() {
			if typ == commandLeave {
				t.Fatal("leave frame written without a room")
			}
		}
	})

	t.Run("clearLocal drops state without emitting", func(t *testing.T) {
		room, _, conn := connectedRoom(t, RealtimeConfig{})
		if err := room.Join(context.Background(), "conv-1"); err != nil {
			t.Fatalf("Join() = %v", err)
		}
		room.clearLocal()
		if room.Current() != nil {
			t.Errorf("Current() = %+v, want nil", room.Current())
		}
		for _, typ := range conn.writtenTypes() {
			if typ == commandLeave {
				t.Fatal("clearLocal emitted a leave frame")
			}
		}
	})
}
