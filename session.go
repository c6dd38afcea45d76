package chatkit

import (
	"context"
	"log"
	"sync"
)

// SessionConfig configures a ChatSession. The zero value is usable: default
// realtime tuning, the WebSocket dialer, and the standard logger.
type SessionConfig struct {
	Realtime RealtimeConfig
	Dialer   Dialer
	Logger   *log.Logger
}

// ChatSession is the single owner of one realtime connection and one active
// conversation room. It is the only surface the UI layer touches: an
// observable message list, a connection status signal, Send, and SendTyping.
//
// Collaborators (token provider, transport dialer, logger) are injected at
// construction; Dispose releases everything and invalidates late callbacks.
type ChatSession struct {
	client   *Client
	rt       *RealtimeClient
	router   *eventRouter
	room     *roomController
	pipeline *deliveryPipeline
	list     *MessageList
	history  *HistoryLoader
	logger   *log.Logger

	mu       sync.Mutex
	disposed bool
}

// NewChatSession creates a session on top of a REST client.
func NewChatSession(client *Client, config *SessionConfig) *ChatSession {
	if config == nil {
		config = &SessionConfig{}
	}
	logger := config.Logger
	if logger == nil {
		logger = log.Default()
	}

	router := newEventRouter(logger)
	rt := newRealtimeClient(client.BaseURL(), client.tokens, &config.Realtime, config.Dialer, router, logger)
	room := newRoomController(rt, router)
	rt.setResume(room.resume)

	list := NewMessageList()
	s := &ChatSession{
		client:   client,
		rt:       rt,
		router:   router,
		room:     room,
		pipeline: newDeliveryPipeline(rt, room, list, logger),
		list:     list,
		history:  NewHistoryLoader(client, logger),
		logger:   logger,
	}
	router.OnMessage(s.handleInbound)
	return s
}

func (s *ChatSession) handleInbound(msg Message) {
	s.list.Append(msg)
}

// Connect opens the realtime connection and performs the auth handshake.
func (s *ChatSession) Connect(ctx context.Context) error {
	return s.rt.Connect(ctx)
}

// Disconnect tears the connection down and clears local room state. It is
// idempotent and cancels any pending reconnection timer.
func (s *ChatSession) Disconnect() error {
	s.room.clearLocal()
	return s.rt.Disconnect()
}

// Reset leaves the terminal failed state after the reconnection ceiling was
// reached, allowing Connect again.
func (s *ChatSession) Reset() {
	s.rt.Reset()
}

// Join enters a conversation room, leaving the previous one first.
func (s *ChatSession) Join(ctx context.Context, conversationID string) error {
	return s.room.Join(ctx, conversationID)
}

// Leave exits the active room, best-effort.
func (s *ChatSession) Leave(ctx context.Context) error {
	return s.room.Leave(ctx)
}

// Room returns the active conversation room, or nil.
func (s *ChatSession) Room() *ConversationRoom {
	return s.room.Current()
}

// Send delivers a message to the active conversation with optimistic local
// insertion. Failures surface through OnSendFailed with a retry closure.
func (s *ChatSession) Send(payload SendPayload) error {
	return s.pipeline.Send(payload)
}

// SendTyping reports the local user's typing state to the active room.
func (s *ChatSession) SendTyping(ctx context.Context, isTyping bool) error {
	room := s.room.Current()
	if room == nil {
		return ErrNoActiveRoom
	}
	event := commandTypingStop
	if isTyping {
		event = commandTypingStart
	}
	return s.rt.Emit(ctx, event, map[string]string{"conversationId": room.ConversationID})
}

// Messages returns the observable message sequence bound to this session.
func (s *ChatSession) Messages() *MessageList {
	return s.list
}

// Status returns the current connection status snapshot.
func (s *ChatSession) Status() ConnectionStatus {
	return s.rt.Status()
}

// LocalUser returns the identity confirmed by the handshake.
func (s *ChatSession) LocalUser() Sender {
	return s.rt.LocalUser()
}

// LoadHistory fetches a page of past messages, newest-first. The result is
// not merged into the live list; callers concatenate and de-duplicate by id.
func (s *ChatSession) LoadHistory(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	return s.history.Load(ctx, conversationID, limit)
}

// Client returns the underlying REST client.
func (s *ChatSession) Client() *Client {
	return s.client
}

// OnStatusChange registers a handler for connection state transitions.
func (s *ChatSession) OnStatusChange(h func(ConnectionStatus)) {
	s.rt.OnStatusChange(h)
}

// OnMessage registers a handler for validated inbound messages. Every call
// adds an independent subscription; the returned function removes it.
func (s *ChatSession) OnMessage(h func(Message)) func() {
	return s.router.OnMessage(h)
}

// OnTyping registers a handler for the other participant's typing indicator.
// The returned function removes the subscription.
func (s *ChatSession) OnTyping(h func(senderID string, typing bool)) func() {
	return s.router.OnTyping(h)
}

// OnServerError registers a handler for non-fatal server error events. The
// returned function removes the subscription.
func (s *ChatSession) OnServerError(h func(message string)) func() {
	return s.router.OnServerError(h)
}

// OnSendFailed registers a handler for rolled-back sends.
func (s *ChatSession) OnSendFailed(h func(SendFailure)) {
	s.pipeline.OnSendFailed(h)
}

// OnReconnectFailed registers a handler for the single terminal error emitted
// when the reconnection ceiling is reached.
func (s *ChatSession) OnReconnectFailed(h func(error)) {
	s.rt.OnReconnectFailed(h)
}

// OnResumeError registers a handler for post-reconnect room re-join failures.
func (s *ChatSession) OnResumeError(h func(error)) {
	s.rt.OnResumeError(h)
}

// Dispose releases the session: pending sends are invalidated, the room is
// cleared, and the connection is closed. Safe to call more than once.
func (s *ChatSession) Dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	s.mu.Unlock()

	s.pipeline.dispose()
	s.room.clearLocal()
	s.rt.Disconnect()
}
