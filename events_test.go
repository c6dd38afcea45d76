package chatkit

import (
	"encoding/json"
	"sync"
	"testing"
	"time"
)

func envelopeOf(t *testing.T, eventType string, payload any) envelope {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return envelope{Type: eventType, Payload: raw}
}

type messageCounter struct {
	calls int
}

func (c *messageCounter) handle(m Message) {
	c.calls++
}

func validWirePayload(id string) map[string]any {
	return map[string]any{
		"id":        id,
		"text":      "is the car available this weekend?",
		"createdAt": time.Now().UTC().Format(time.RFC3339),
		"sender":    map[string]string{"id": "u2", "displayName": "Sam"},
	}
}

func TestRouterMessages(t *testing.T) {
	t.Run("valid message reaches handlers", func(t *testing.T) {
		router := newEventRouter(testLogger())
		var mu sync.Mutex
		var got []Message
		router.OnMessage(func(m Message) {
			mu.Lock()
			got = append(got, m)
			mu.Unlock()
		})

		router.dispatch(envelopeOf(t, eventMessageReceived, validWirePayload("m1")))

		mu.Lock()
		defer mu.Unlock()
		if len(got) != 1 || got[0].ID != "m1" {
			t.Fatalf("delivered = %+v, want one message m1", got)
		}
	})

	t.Run("malformed message is dropped", func(t *testing.T) {
		router := newEventRouter(testLogger())
		calls := 0
		router.OnMessage(func(m Message) { calls++ })

		payload := validWirePayload("m1")
		delete(payload, "sender")
		router.dispatch(envelopeOf(t, eventMessageReceived, payload))
		router.dispatch(envelopeOf(t, eventMessageReceived, map[string]any{"id": ""}))

		if calls != 0 {
			t.Errorf("handler called %d times for malformed events", calls)
		}

		// The router stays usable afterwards.
		router.dispatch(envelopeOf(t, eventMessageReceived, validWirePayload("m2")))
		if calls != 1 {
			t.Errorf("handler calls after recovery = %d, want 1", calls)
		}
	})

	t.Run("same method on distinct receivers both receive", func(t *testing.T) {
		router := newEventRouter(testLogger())
		a, b := &messageCounter{}, &messageCounter{}
		router.OnMessage(a.handle)
		router.OnMessage(b.handle)

		router.dispatch(envelopeOf(t, eventMessageReceived, validWirePayload("m1")))
		if a.calls != 1 || b.calls != 1 {
			t.Errorf("deliveries = a:%d b:%d, want 1 each", a.calls, b.calls)
		}
	})

	t.Run("remove drops only that subscription", func(t *testing.T) {
		router := newEventRouter(testLogger())
		a, b := &messageCounter{}, &messageCounter{}
		removeA := router.OnMessage(a.handle)
		router.OnMessage(b.handle)

		removeA()
		removeA() // idempotent

		router.dispatch(envelopeOf(t, eventMessageReceived, validWirePayload("m1")))
		if a.calls != 0 {
			t.Errorf("removed handler called %d times", a.calls)
		}
		if b.calls != 1 {
			t.Errorf("remaining handler called %d times, want 1", b.calls)
		}
	})

	t.Run("unknown event type is ignored", func(t *testing.T) {
		router := newEventRouter(testLogger())
		router.dispatch(envelopeOf(t, "presence:update", map[string]string{"userId": "u2"}))
	})
}

func TestRouterTyping(t *testing.T) {
	type call struct {
		senderID string
		typing   bool
	}

	t.Run("start and stop map to the flag", func(t *testing.T) {
		router := newEventRouter(testLogger())
		var calls []call
		router.OnTyping(func(senderID string, typing bool) {
			calls = append(calls, call{senderID, typing})
		})

		router.dispatch(envelopeOf(t, eventTypingStart, map[string]string{"senderId": "u2"}))
		router.dispatch(envelopeOf(t, eventTypingStop, map[string]string{"senderId": "u2"}))

		want := []call{{"u2", true}, {"u2", false}}
		if len(calls) != 2 || calls[0] != want[0] || calls[1] != want[1] {
			t.Errorf("calls = %+v, want %+v", calls, want)
		}
	})

	t.Run("local user's own indicator is filtered", func(t *testing.T) {
		router := newEventRouter(testLogger())
		router.setLocalUser("u1")
		calls := 0
		router.OnTyping(func(senderID string, typing bool) { calls++ })

		router.dispatch(envelopeOf(t, eventTypingStart, map[string]string{"senderId": "u1"}))
		router.dispatch(envelopeOf(t, eventTypingStart, map[string]string{"senderId": "u2"}))

		if calls != 1 {
			t.Errorf("calls = %d, want 1 (self filtered)", calls)
		}
	})

	t.Run("missing sender is dropped", func(t *testing.T) {
		router := newEventRouter(testLogger())
		calls := 0
		router.OnTyping(func(senderID string, typing bool) { calls++ })
		router.dispatch(envelopeOf(t, eventTypingStart, map[string]string{}))
		if calls != 0 {
			t.Errorf("calls = %d, want 0", calls)
		}
	})
}

func TestRouterServerError(t *testing.T) {
	router := newEventRouter(testLogger())
	var got string
	router.OnServerError(func(message string) { got = message })

	router.dispatch(envelopeOf(t, eventServerError, map[string]string{"message": "rate limited"}))
	if got != "rate limited" {
		t.Errorf("message = %q, want rate limited", got)
	}
}

func TestParseWireMessage(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	base := wireMessage{
		ID:        "m1",
		Text:      "hello",
		CreatedAt: now.Format(time.RFC3339),
		Sender:    Sender{ID: "u2", DisplayName: "Sam"},
	}

	t.Run("valid text message", func(t *testing.T) {
		msg, err := parseWireMessage(base)
		if err != nil {
			t.Fatalf("parseWireMessage() = %v", err)
		}
		if msg.ID != "m1" || !msg.CreatedAt.Equal(now) {
			t.Errorf("msg = %+v", msg)
		}
	})

	t.Run("valid attachment message", func(t *testing.T) {
		w := base
		w.Text = ""
		w.Attachment = &Attachment{Kind: AttachmentAudio, URL: "https://cdn.drivana.app/a.m4a"}
		msg, err := parseWireMessage(w)
		if err != nil {
			t.Fatalf("parseWireMessage() = %v", err)
		}
		if msg.Attachment == nil || msg.Attachment.Kind != AttachmentAudio {
			t.Errorf("attachment = %+v", msg.Attachment)
		}
	})

	t.Run("rejections", func(t *testing.T) {
		cases := map[string]func(w *wireMessage){
			"missing id":             func(w *wireMessage) { w.ID = "" },
			"missing sender id":      func(w *wireMessage) { w.Sender.ID = "" },
			"missing display name":   func(w *wireMessage) { w.Sender.DisplayName = "" },
			"missing createdAt":      func(w *wireMessage) { w.CreatedAt = "" },
			"bad createdAt":          func(w *wireMessage) { w.CreatedAt = "yesterday" },
			"attachment without url": func(w *wireMessage) { w.Attachment = &Attachment{Kind: AttachmentImage} },
			"unknown attachment kind": func(w *wireMessage) {
				w.Attachment = &Attachment{Kind: "video", URL: "https://cdn.drivana.app/v.mp4"}
			},
			"no content": func(w *wireMessage) { w.Text = "" },
		}
		for name, mutate := range cases {
			t.Run(name, func(t *testing.T) {
				w := base
				mutate(&w)
				if _, err := parseWireMessage(w); err == nil {
					t.Error("parseWireMessage() = nil, want error")
				}
			})
		}
	})
}
