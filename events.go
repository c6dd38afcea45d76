package chatkit

import (
	"encoding/json"
	"log"
	"sync"
)

// ============================================================================
// Inbound Event Router
// ============================================================================

// eventRouter demultiplexes inbound realtime events into typed handlers.
//
// Every On* call adds an independent subscription and returns the function
// that removes it; removal is idempotent. Two subscriptions are always
// distinct, even for the same method on different receivers. Dispatch is
// synchronous so events reach handlers in the order the transport emitted
// them. A malformed payload is dropped with a diagnostic log line rather than
// propagated; one bad frame must not take the router down for every
// subsequent event.
type eventRouter struct {
	mu          sync.RWMutex
	logger      *log.Logger
	localUserID string
	nextID      uint64

	onMessage     map[uint64]func(Message)
	onTyping      map[uint64]func(senderID string, typing bool)
	onServerError map[uint64]func(message string)

	// joined is the room controller's private hook for conversation:joined.
	joined func(conversationID string)
}

func newEventRouter(logger *log.Logger) *eventRouter {
	if logger == nil {
		logger = log.Default()
	}
	return &eventRouter{
		logger:        logger,
		onMessage:     make(map[uint64]func(Message)),
		onTyping:      make(map[uint64]func(string, bool)),
		onServerError: make(map[uint64]func(string)),
	}
}

func (r *eventRouter) setLocalUser(userID string) {
	r.mu.Lock()
	r.localUserID = userID
	r.mu.Unlock()
}

func (r *eventRouter) setJoinedHook(h func(conversationID string)) {
	r.mu.Lock()
	r.joined = h
	r.mu.Unlock()
}

func (r *eventRouter) subscribe() uint64 {
	r.nextID++
	return r.nextID
}

// OnMessage registers a handler for validated inbound messages. The returned
// function removes the subscription.
func (r *eventRouter) OnMessage(h func(Message)) func() {
	r.mu.Lock()
	id := r.subscribe()
	r.onMessage[id] = h
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.onMessage, id)
		r.mu.Unlock()
	}
}

// OnTyping registers a handler for the other participant's typing indicator.
// Indicators from the local user are filtered out. The returned function
// removes the subscription.
func (r *eventRouter) OnTyping(h func(senderID string, typing bool)) func() {
	r.mu.Lock()
	id := r.subscribe()
	r.onTyping[id] = h
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.onTyping, id)
		r.mu.Unlock()
	}
}

// OnServerError registers a handler for non-fatal server error events. The
// returned function removes the subscription.
func (r *eventRouter) OnServerError(h func(message string)) func() {
	r.mu.Lock()
	id := r.subscribe()
	r.onServerError[id] = h
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.onServerError, id)
		r.mu.Unlock()
	}
}

// dispatch routes one inbound envelope. Unknown event types are ignored.
func (r *eventRouter) dispatch(env envelope) {
	switch env.Type {
	case eventMessageReceived:
		var w wireMessage
		if err := json.Unmarshal(env.Payload, &w); err != nil {
			r.logger.Printf("[events] dropping malformed message:received: %v", err)
			return
		}
		msg, err := parseWireMessage(w)
		if err != nil {
			r.logger.Printf("[events] dropping malformed message:received: %v", err)
			return
		}
		for _, h := range r.messageHandlers() {
			h(msg)
		}

	case eventTypingStart, eventTypingStop:
		var p typingPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.SenderID == "" {
			r.logger.Printf("[events] dropping malformed %s event", env.Type)
			return
		}
		r.mu.RLock()
		self := p.SenderID == r.localUserID
		r.mu.RUnlock()
		if self {
			return
		}
		typing := env.Type == eventTypingStart
		for _, h := range r.typingHandlers() {
			h(p.SenderID, typing)
		}

	case eventServerError:
		var p serverErrorPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			r.logger.Printf("[events] dropping malformed error event: %v", err)
			return
		}
		for _, h := range r.errorHandlers() {
			h(p.Message)
		}

	case eventConversationJoined:
		var p joinedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.ConversationID == "" {
			r.logger.Printf("[events] dropping malformed conversation:joined event")
			return
		}
		r.mu.RLock()
		joined := r.joined
		r.mu.RUnlock()
		if joined != nil {
			joined(p.ConversationID)
		}
	}
}

func (r *eventRouter) messageHandlers() []func(Message) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	hs := make([]func(Message), 0, len(r.onMessage))
	for _, h := range r.onMessage {
		hs = append(hs, h)
	}
	return hs
}

func (r *eventRouter) typingHandlers() []func(string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	hs := make([]func(string, bool), 0, len(r.onTyping))
	for _, h := range r.onTyping {
		hs = append(hs, h)
	}
	return hs
}

func (r *eventRouter) errorHandlers() []func(string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	hs := make([]func(string), 0, len(r.onServerError))
	for _, h := range r.onServerError {
		hs = append(hs, h)
	}
	return hs
}
