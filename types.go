package chatkit

import (
	"encoding/json"
	"fmt"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an error returned by the Drivana chat backend.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Sender identifies a conversation participant.
type Sender struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

// AttachmentKind is the media type of a message attachment.
type AttachmentKind string

const (
	AttachmentImage AttachmentKind = "image"
	AttachmentAudio AttachmentKind = "audio"
)

// Attachment is an optional media payload carried by a message.
type Attachment struct {
	Kind AttachmentKind `json:"kind"`
	URL  string         `json:"url"`
}

// Message is a single chat message. ID is the identity: it starts as a
// temporary local id on an optimistic send and is replaced in place by the
// server id on acknowledgment. Once a server id is assigned it never changes.
type Message struct {
	ID         string      `json:"id"`
	Text       string      `json:"text"`
	CreatedAt  time.Time   `json:"createdAt"`
	Sender     Sender      `json:"sender"`
	Attachment *Attachment `json:"attachment,omitempty"`
}

// Conversation is a two-participant rental chat thread.
type Conversation struct {
	ID            string   `json:"id"`
	Participants  []Sender `json:"participants,omitempty"`
	LastMessage   *Message `json:"lastMessage,omitempty"`
	UnreadCount   int      `json:"unreadCount,omitempty"`
	LastMessageAt string   `json:"lastMessageAt,omitempty"`
}

// SendPayload is the caller-facing shape of an outbound message. Text may be
// empty when an image or audio URL is set.
type SendPayload struct {
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image,omitempty"`
	AudioURL string `json:"audio,omitempty"`
}

func (p SendPayload) empty() bool {
	return p.Text == "" && p.ImageURL == "" && p.AudioURL == ""
}

// ============================================================================
// Connection state
// ============================================================================

// ConnectionState is the realtime link state.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
	StateFailed       ConnectionState = "failed"
)

// ConnectionStatus is a snapshot of the link health for the UI layer.
// Attempt is the 1-indexed reconnection attempt while StateReconnecting.
type ConnectionStatus struct {
	State     ConnectionState
	Attempt   int
	LastError string
}

// ============================================================================
// Wire format
// ============================================================================

// Inbound event types.
const (
	eventAuthenticated      = "authenticated"
	eventConversationJoined = "conversation:joined"
	eventMessageReceived    = "message:received"
	eventTypingStart        = "typing:start"
	eventTypingStop         = "typing:stop"
	eventServerError        = "error"
	eventAck                = "ack"
)

// Outbound command types.
const (
	commandAuth        = "auth"
	commandJoin        = "join:conversation"
	commandLeave       = "leave:conversation"
	commandSendMessage = "send:message"
	commandTypingStart = "typing:start"
	commandTypingStop  = "typing:stop"
	commandPing        = "ping"
)

// envelope is the wire format for all inbound realtime events.
type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// command is a client-to-server realtime frame.
type command struct {
	Type      string `json:"type"`
	Payload   any    `json:"payload"`
	RequestID string `json:"requestId,omitempty"`
}

// authenticatedPayload confirms the connect handshake.
type authenticatedPayload struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

// joinedPayload acknowledges a room join.
type joinedPayload struct {
	ConversationID string `json:"conversationId"`
}

// typingPayload carries a typing indicator.
type typingPayload struct {
	SenderID string `json:"senderId"`
}

// serverErrorPayload is a non-fatal server-side error notification.
type serverErrorPayload struct {
	Message string `json:"message"`
}

// AckEnvelope is the server acknowledgment for a request-id correlated
// command, most importantly send:message.
type AckEnvelope struct {
	RequestID string `json:"requestId"`
	Success   bool   `json:"success"`
	MessageID string `json:"messageId,omitempty"`
	Error     string `json:"error,omitempty"`
}

// wireMessage is the raw shape of a message record as it appears both in
// message:received events and in REST history pages.
type wireMessage struct {
	ID         string      `json:"id"`
	Text       string      `json:"text"`
	CreatedAt  string      `json:"createdAt"`
	Sender     Sender      `json:"sender"`
	Attachment *Attachment `json:"attachment,omitempty"`
}

// parseWireMessage validates and normalizes a raw message record. The same
// validation applies to live events and history pages so both feeds produce
// the one Message shape.
func parseWireMessage(w wireMessage) (Message, error) {
	if w.ID == "" {
		return Message{}, fmt.Errorf("missing id")
	}
	if w.Sender.ID == "" || w.Sender.DisplayName == "" {
		return Message{}, fmt.Errorf("message %s: incomplete sender", w.ID)
	}
	if w.CreatedAt == "" {
		return Message{}, fmt.Errorf("message %s: missing createdAt", w.ID)
	}
	createdAt, err := time.Parse(time.RFC3339, w.CreatedAt)
	if err != nil {
		return Message{}, fmt.Errorf("message %s: bad createdAt: %w", w.ID, err)
	}
	if w.Attachment != nil {
		if w.Attachment.URL == "" {
			return Message{}, fmt.Errorf("message %s: attachment without url", w.ID)
		}
		switch w.Attachment.Kind {
		case AttachmentImage, AttachmentAudio:
		default:
			return Message{}, fmt.Errorf("message %s: unknown attachment kind %q", w.ID, w.Attachment.Kind)
		}
	}
	if w.Text == "" && w.Attachment == nil {
		return Message{}, fmt.Errorf("message %s: no text and no attachment", w.ID)
	}

	msg := Message{
		ID:        w.ID,
		Text:      w.Text,
		CreatedAt: createdAt,
		Sender:    w.Sender,
	}
	if w.Attachment != nil {
		att := *w.Attachment
		msg.Attachment = &att
	}
	return msg, nil
}
