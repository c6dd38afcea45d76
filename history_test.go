package chatkit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHistoryLoad(t *testing.T) {
	t0 := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)
	record := func(id string, at time.Time) map[string]any {
		return map[string]any{
			"id":        id,
			"text":      "message " + id,
			"createdAt": at.Format(time.RFC3339),
			"sender":    map[string]string{"id": "u2", "displayName": "Sam"},
		}
	}

	t.Run("newest first with malformed records dropped", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/api/chat/conversations/conv-1/messages" {
				t.Errorf("path = %q", r.URL.Path)
			}
			if got := r.URL.Query().Get("limit"); got != "50" {
				t.Errorf("limit = %q, want 50", got)
			}
			json.NewEncoder(w).Encode([]map[string]any{
				record("m1", t0),
				record("m3", t0.Add(2*time.Minute)),
				{"id": "broken", "text": "no sender", "createdAt": t0.Format(time.RFC3339)},
				record("m2", t0.Add(time.Minute)),
			})
		}))
		defer srv.Close()

		client := NewClient(StaticToken("tok"), WithBaseURL(srv.URL))
		loader := NewHistoryLoader(client, testLogger())

		messages, err := loader.Load(context.Background(), "conv-1", 50)
		if err != nil {
			t.Fatalf("Load() = %v", err)
		}
		if len(messages) != 3 {
			t.Fatalf("len = %d, want 3 (malformed dropped)", len(messages))
		}
		wantOrder := []string{"m3", "m2", "m1"}
		for i, want := range wantOrder {
			if messages[i].ID != want {
				t.Errorf("messages[%d].ID = %q, want %q", i, messages[i].ID, want)
			}
		}
	})

	t.Run("argument validation", func(t *testing.T) {
		client := NewClient(StaticToken("tok"))
		loader := NewHistoryLoader(client, testLogger())

		if _, err := loader.Load(context.Background(), "", 10); err == nil {
			t.Error("Load with empty conversation id = nil, want error")
		}
		if _, err := loader.Load(context.Background(), "conv-1", 0); err == nil {
			t.Error("Load with zero limit = nil, want error")
		}
	})

	t.Run("backend error propagates", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
			json.NewEncoder(w).Encode(map[string]any{
				"error": map[string]string{"code": "NOT_A_PARTICIPANT", "message": "forbidden"},
			})
		}))
		defer srv.Close()

		client := NewClient(StaticToken("tok"), WithBaseURL(srv.URL))
		loader := NewHistoryLoader(client, testLogger())
		if _, err := loader.Load(context.Background(), "conv-1", 10); err == nil {
			t.Error("Load() = nil, want backend error")
		}
	})
}
