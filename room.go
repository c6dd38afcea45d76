package chatkit

import (
	"context"
	"sync"
	"time"
)

// ConversationRoom is the single server-side room this connection is joined
// to. At most one exists per connection.
type ConversationRoom struct {
	ConversationID string
	JoinedAt       time.Time
}

// roomController owns join/leave semantics for the active conversation.
//
// Joins are last-writer-wins: a second Join while one is pending cancels the
// pending wait and starts fresh. Leave is best-effort and needs no server
// acknowledgment.
type roomController struct {
	rt  *RealtimeClient
	now func() time.Time

	mu      sync.Mutex
	current *ConversationRoom
	waiter  chan string
	cancel  chan struct{}
}

func newRoomController(rt *RealtimeClient, router *eventRouter) *roomController {
	r := &roomController{rt: rt, now: time.Now}
	router.setJoinedHook(r.handleJoined)
	return r
}

// Current returns the active room, or nil when none is joined.
func (r *roomController) Current() *ConversationRoom {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return nil
	}
	room := *r.current
	return &room
}

func (r *roomController) handleJoined(conversationID string) {
	r.mu.Lock()
	waiter := r.waiter
	r.mu.Unlock()
	if waiter != nil {
		select {
		case waiter <- conversationID:
		default:
		}
	}
}

// Join leaves any currently joined room, emits the join command, and waits
// for the server acknowledgment carrying the same conversation id.
func (r *roomController) Join(ctx context.Context, conversationID string) error {
	r.mu.Lock()
	if r.cancel != nil {
		close(r.cancel)
		r.cancel = nil
	}
	var prev string
	if r.current != nil && r.current.ConversationID != conversationID {
		prev = r.current.ConversationID
		r.current = nil
	}
	// Buffered so a stale acknowledgment for an earlier room cannot crowd
	// out the one this join is waiting for.
	waiter := make(chan string, 8)
	cancel := make(chan struct{})
	r.waiter = waiter
	r.cancel = cancel
	r.mu.Unlock()

	if prev != "" {
		// Best effort; a failed leave must not block the new join.
		r.rt.Emit(ctx, commandLeave, map[string]string{"conversationId": prev})
	}

	if err := r.rt.Emit(ctx, commandJoin, map[string]string{"conversationId": conversationID}); err != nil {
		r.release(waiter, cancel)
		return err
	}

	timeout := r.rt.config.JoinTimeout
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case acked := <-waiter:
			if acked != conversationID {
				// Stale acknowledgment for an earlier room.
				continue
			}
			r.mu.Lock()
			if r.waiter != waiter {
				r.mu.Unlock()
				return ErrJoinSuperseded
			}
			r.current = &ConversationRoom{ConversationID: conversationID, JoinedAt: r.now()}
			r.waiter = nil
			r.cancel = nil
			r.mu.Unlock()
			return nil
		case <-cancel:
			return ErrJoinSuperseded
		case <-timer.C:
			r.release(waiter, cancel)
			return &JoinTimeoutError{ConversationID: conversationID, Timeout: timeout}
		case <-ctx.Done():
			r.release(waiter, cancel)
			return ctx.Err()
		}
	}
}

// Leave emits the leave command and clears local room state. Any pending join
// wait is cancelled.
func (r *roomController) Leave(ctx context.Context) error {
	r.mu.Lock()
	if r.cancel != nil {
		close(r.cancel)
		r.cancel = nil
		r.waiter = nil
	}
	var id string
	if r.current != nil {
		id = r.current.ConversationID
		r.current = nil
	}
	r.mu.Unlock()

	if id == "" {
		return nil
	}
	return r.rt.Emit(ctx, commandLeave, map[string]string{"conversationId": id})
}

// clearLocal drops local room state without emitting anything, for use after
// an intentional disconnect.
func (r *roomController) clearLocal() {
	r.mu.Lock()
	if r.cancel != nil {
		close(r.cancel)
		r.cancel = nil
	}
	r.waiter = nil
	r.current = nil
	r.mu.Unlock()
}

// resume re-joins the previously active room after a reconnect.
func (r *roomController) resume(ctx context.Context) error {
	r.mu.Lock()
	var id string
	if r.current != nil {
		id = r.current.ConversationID
	}
	r.mu.Unlock()
	if id == "" {
		return nil
	}
	return r.Join(ctx, id)
}

// release clears the pending waiter if it is still ours.
func (r *roomController) release(waiter chan string, cancel chan struct{}) {
	r.mu.Lock()
	if r.waiter == waiter {
		r.waiter = nil
	}
	if r.cancel == cancel {
		r.cancel = nil
	}
	r.mu.Unlock()
}
