package chatkit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientOptions(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		client := NewClient(StaticToken("tok"))
		if client.BaseURL() != DefaultBaseURL {
			t.Errorf("BaseURL() = %q, want %q", client.BaseURL(), DefaultBaseURL)
		}
		if client.httpClient.Timeout != DefaultTimeout {
			t.Errorf("timeout = %s, want %s", client.httpClient.Timeout, DefaultTimeout)
		}
	})

	t.Run("base url trailing slash trimmed", func(t *testing.T) {
		client := NewClient(StaticToken("tok"), WithBaseURL("https://staging.drivana.app/"))
		if client.BaseURL() != "https://staging.drivana.app" {
			t.Errorf("BaseURL() = %q", client.BaseURL())
		}
	})
}

func TestListConversations(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat/conversations" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("Authorization = %q", got)
		}
		json.NewEncoder(w).Encode([]Conversation{
			{ID: "conv-1", UnreadCount: 2},
			{ID: "conv-2"},
		})
	}))
	defer srv.Close()

	client := NewClient(StaticToken("test-token"), WithBaseURL(srv.URL))
	conversations, err := client.ListConversations(context.Background())
	if err != nil {
		t.Fatalf("ListConversations() = %v", err)
	}
	if len(conversations) != 2 || conversations[0].ID != "conv-1" || conversations[0].UnreadCount != 2 {
		t.Errorf("conversations = %+v", conversations)
	}
}

func TestMarkConversationRead(t *testing.T) {
	var gotMethod, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath = r.Method, r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client := NewClient(StaticToken("tok"), WithBaseURL(srv.URL))
	if err := client.MarkConversationRead(context.Background(), "conv-1"); err != nil {
		t.Fatalf("MarkConversationRead() = %v", err)
	}
	if gotMethod != "POST" || gotPath != "/api/chat/conversations/conv-1/read" {
		t.Errorf("request = %s %s", gotMethod, gotPath)
	}
}

func TestAPIErrors(t *testing.T) {
	t.Run("structured error body", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]any{
				"error": map[string]string{"code": "CONVERSATION_NOT_FOUND", "message": "no such conversation"},
			})
		}))
		defer srv.Close()

		client := NewClient(StaticToken("tok"), WithBaseURL(srv.URL))
		_, err := client.ListConversations(context.Background())
		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			t.Fatalf("err = %v, want APIError", err)
		}
		if apiErr.Code != "CONVERSATION_NOT_FOUND" {
			t.Errorf("Code = %q", apiErr.Code)
		}
	})

	t.Run("unstructured error body", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		}))
		defer srv.Close()

		client := NewClient(StaticToken("tok"), WithBaseURL(srv.URL))
		_, err := client.ListConversations(context.Background())
		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			t.Fatalf("err = %v, want APIError", err)
		}
		if apiErr.Code != "HTTP_500" {
			t.Errorf("Code = %q, want HTTP_500", apiErr.Code)
		}
	})
}
