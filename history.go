package chatkit

import (
	"context"
	"fmt"
	"log"
	"sort"
)

// HistoryLoader fetches a bounded page of past messages and normalizes each
// record into the same Message shape the live pipeline produces. It does not
// merge with live messages; the caller concatenates and de-duplicates by id.
type HistoryLoader struct {
	client *Client
	logger *log.Logger
}

// NewHistoryLoader creates a loader on top of the REST client.
func NewHistoryLoader(client *Client, logger *log.Logger) *HistoryLoader {
	if logger == nil {
		logger = log.Default()
	}
	return &HistoryLoader{client: client, logger: logger}
}

// Load fetches up to limit of the conversation's most recent messages,
// newest-first. Malformed records are dropped with a diagnostic log line,
// consistent with the live event router.
func (h *HistoryLoader) Load(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("chatkit: conversation id is required")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("chatkit: history limit must be positive, got %d", limit)
	}

	data, err := h.client.doRequest(ctx, "GET",
		"/api/chat/conversations/"+conversationID+"/messages",
		nil, map[string]string{"limit": fmt.Sprintf("%d", limit)})
	if err != nil {
		return nil, err
	}

	records, err := decodeJSON[[]wireMessage](data)
	if err != nil {
		return nil, err
	}

	messages := make([]Message, 0, len(*records))
	for _, w := range *records {
		msg, err := parseWireMessage(w)
		if err != nil {
			h.logger.Printf("[history] dropping malformed record: %v", err)
			continue
		}
		messages = append(messages, msg)
	}

	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].CreatedAt.After(messages[j].CreatedAt)
	})
	return messages, nil
}
