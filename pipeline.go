package chatkit

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// MessageList
// ============================================================================

// MessageList is the observable ordered message sequence the UI layer binds
// to. Messages are stored in creation order; snapshots are returned
// newest-first to match the display convention.
type MessageList struct {
	mu       sync.RWMutex
	messages []Message
	onChange []func([]Message)
}

// NewMessageList creates an empty list.
func NewMessageList() *MessageList {
	return &MessageList{}
}

// OnChange registers a handler invoked with a newest-first snapshot after
// every mutation.
func (l *MessageList) OnChange(h func([]Message)) {
	l.mu.Lock()
	l.onChange = append(l.onChange, h)
	l.mu.Unlock()
}

// Snapshot returns a newest-first copy of the sequence.
func (l *MessageList) Snapshot() []Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snapshotLocked()
}

// Len returns the number of messages.
func (l *MessageList) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.messages)
}

// Append adds a message at the end of the sequence. A message with an id
// already present is ignored, so replayed inbound events cannot duplicate.
func (l *MessageList) Append(msg Message) bool {
	l.mu.Lock()
	for _, m := range l.messages {
		if m.ID == msg.ID {
			l.mu.Unlock()
			return false
		}
	}
	l.messages = append(l.messages, msg)
	snapshot, handlers := l.snapshotLocked(), append([]func([]Message){}, l.onChange...)
	l.mu.Unlock()
	l.notify(snapshot, handlers)
	return true
}

// ReplaceID swaps a message's id in place, preserving its position. Used when
// a send acknowledgment assigns the server id to an optimistic message.
func (l *MessageList) ReplaceID(oldID, newID string) bool {
	l.mu.Lock()
	for i := range l.messages {
		if l.messages[i].ID == oldID {
			l.messages[i].ID = newID
			snapshot, handlers := l.snapshotLocked(), append([]func([]Message){}, l.onChange...)
			l.mu.Unlock()
			l.notify(snapshot, handlers)
			return true
		}
	}
	l.mu.Unlock()
	return false
}

// Remove deletes a message by id.
func (l *MessageList) Remove(id string) bool {
	l.mu.Lock()
	for i := range l.messages {
		if l.messages[i].ID == id {
			l.messages = append(l.messages[:i], l.messages[i+1:]...)
			snapshot, handlers := l.snapshotLocked(), append([]func([]Message){}, l.onChange...)
			l.mu.Unlock()
			l.notify(snapshot, handlers)
			return true
		}
	}
	l.mu.Unlock()
	return false
}

func (l *MessageList) snapshotLocked() []Message {
	out := make([]Message, len(l.messages))
	for i, m := range l.messages {
		out[len(l.messages)-1-i] = m
	}
	return out
}

func (l *MessageList) notify(snapshot []Message, handlers []func([]Message)) {
	for _, h := range handlers {
		h(snapshot)
	}
}

// ============================================================================
// Delivery pipeline
// ============================================================================

// PendingSend tracks one outbound message between Send and its resolution.
type PendingSend struct {
	TempID      string
	Payload     SendPayload
	RetriesUsed int
}

// SendFailure is surfaced when a send is rejected or times out. Retry
// re-invokes the send with the same payload; it is never called
// automatically.
type SendFailure struct {
	TempID string
	Err    error
	Retry  func() error
}

// deliveryPipeline implements optimistic outbound delivery: insert locally,
// emit with acknowledgment, then either swap in the server id or roll the
// optimistic message back and offer a retry.
type deliveryPipeline struct {
	rt     *RealtimeClient
	room   *roomController
	list   *MessageList
	logger *log.Logger
	now    func() time.Time

	mu       sync.Mutex
	pending  map[string]*PendingSend
	onFailed []func(SendFailure)
	disposed bool
}

func newDeliveryPipeline(rt *RealtimeClient, room *roomController, list *MessageList, logger *log.Logger) *deliveryPipeline {
	if logger == nil {
		logger = log.Default()
	}
	return &deliveryPipeline{
		rt:      rt,
		room:    room,
		list:    list,
		logger:  logger,
		now:     time.Now,
		pending: make(map[string]*PendingSend),
	}
}

// OnSendFailed registers a handler for rolled-back sends.
func (p *deliveryPipeline) OnSendFailed(h func(SendFailure)) {
	p.mu.Lock()
	p.onFailed = append(p.onFailed, h)
	p.mu.Unlock()
}

// Send delivers a message to the active conversation. The optimistic message
// appears in the list immediately; acknowledgment handling runs in the
// background. While disconnected, Send fails immediately and inserts nothing.
func (p *deliveryPipeline) Send(payload SendPayload) error {
	return p.send(payload, 0)
}

func (p *deliveryPipeline) send(payload SendPayload, retriesUsed int) error {
	if payload.empty() {
		return fmt.Errorf("chatkit: empty send payload")
	}
	if p.rt.Status().State != StateConnected {
		return ErrNotConnected
	}
	room := p.room.Current()
	if room == nil {
		return ErrNoActiveRoom
	}

	tempID := "local-" + uuid.NewString()
	msg := Message{
		ID:        tempID,
		Text:      payload.Text,
		CreatedAt: p.now(),
		Sender:    p.rt.LocalUser(),
	}
	switch {
	case payload.ImageURL != "":
		msg.Attachment = &Attachment{Kind: AttachmentImage, URL: payload.ImageURL}
	case payload.AudioURL != "":
		msg.Attachment = &Attachment{Kind: AttachmentAudio, URL: payload.AudioURL}
	}

	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return ErrNotConnected
	}
	p.pending[tempID] = &PendingSend{TempID: tempID, Payload: payload, RetriesUsed: retriesUsed}
	p.mu.Unlock()

	p.list.Append(msg)
	go p.deliver(tempID, room.ConversationID, payload, retriesUsed)
	return nil
}

func (p *deliveryPipeline) deliver(tempID, conversationID string, payload SendPayload, retriesUsed int) {
	wire := map[string]any{
		"conversationId": conversationID,
		"tempId":         tempID,
	}
	if payload.Text != "" {
		wire["text"] = payload.Text
	}
	if payload.ImageURL != "" {
		wire["image"] = payload.ImageURL
	}
	if payload.AudioURL != "" {
		wire["audio"] = payload.AudioURL
	}

	ack, err := p.rt.EmitWithAck(context.Background(), commandSendMessage, wire, p.rt.config.SendAckTimeout)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = &SendTimeoutError{TempID: tempID, Timeout: p.rt.config.SendAckTimeout}
		}
		p.fail(tempID, payload, retriesUsed, err)
		return
	}
	if !ack.Success || ack.MessageID == "" {
		reason := ack.Error
		if reason == "" {
			reason = "server rejected send"
		}
		p.fail(tempID, payload, retriesUsed, &SendRejectedError{TempID: tempID, Reason: reason})
		return
	}

	p.mu.Lock()
	_, live := p.pending[tempID]
	delete(p.pending, tempID)
	p.mu.Unlock()
	if !live {
		// Resolved elsewhere (teardown); the ack arrived too late to matter.
		return
	}
	p.list.ReplaceID(tempID, ack.MessageID)
}

// fail rolls the optimistic message back exactly once and surfaces a
// retryable failure.
func (p *deliveryPipeline) fail(tempID string, payload SendPayload, retriesUsed int, cause error) {
	p.mu.Lock()
	_, live := p.pending[tempID]
	delete(p.pending, tempID)
	handlers := append([]func(SendFailure){}, p.onFailed...)
	p.mu.Unlock()
	if !live {
		return
	}

	p.list.Remove(tempID)
	p.logger.Printf("[pipeline] send %s failed: %v", tempID, cause)

	failure := SendFailure{
		TempID: tempID,
		Err:    cause,
		Retry: func() error {
			return p.send(payload, retriesUsed+1)
		},
	}
	for _, h := range handlers {
		h(failure)
	}
}

// pendingCount reports outstanding sends; used by tests and teardown checks.
func (p *deliveryPipeline) pendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// dispose invalidates all pending sends so that late acknowledgments cannot
// mutate the list after teardown.
func (p *deliveryPipeline) dispose() {
	p.mu.Lock()
	p.disposed = true
	p.pending = make(map[string]*PendingSend)
	p.mu.Unlock()
}
