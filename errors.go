package chatkit

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotConnected is returned when an operation requires a live realtime
// connection and there is none. No optimistic state is created in that case.
var ErrNotConnected = errors.New("chatkit: not connected")

// ErrJoinSuperseded is returned from a pending Join when a later Join call
// replaced it (last-writer-wins).
var ErrJoinSuperseded = errors.New("chatkit: join superseded by a newer join")

// ErrNoActiveRoom is returned by Send when no conversation room is joined.
var ErrNoActiveRoom = errors.New("chatkit: no active conversation room")

// ErrResetRequired is returned by Connect after the reconnection ceiling has
// been reached. Call Reset before connecting again.
var ErrResetRequired = errors.New("chatkit: reconnection ceiling reached, Reset required")

// errAckDropped reports that the connection went down before the server
// acknowledged a request-id correlated command.
var errAckDropped = errors.New("chatkit: connection dropped before acknowledgment")

// AuthenticationError means no bearer token was available for the handshake.
// It is fatal to the connect attempt and is never retried automatically.
type AuthenticationError struct {
	Reason string
}

func (e *AuthenticationError) Error() string {
	return "chatkit: authentication failed: " + e.Reason
}

// ConnectTimeoutError means the server did not confirm the handshake within
// the configured window.
type ConnectTimeoutError struct {
	Timeout time.Duration
}

func (e *ConnectTimeoutError) Error() string {
	return fmt.Sprintf("chatkit: no handshake confirmation within %s", e.Timeout)
}

// TransportError wraps a lower-level connection failure (dial, read, write).
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("chatkit: transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// JoinTimeoutError means the server never acknowledged a room join. The room
// is considered not established; the caller may retry manually.
type JoinTimeoutError struct {
	ConversationID string
	Timeout        time.Duration
}

func (e *JoinTimeoutError) Error() string {
	return fmt.Sprintf("chatkit: no join acknowledgment for conversation %s within %s", e.ConversationID, e.Timeout)
}

// SendTimeoutError means the server never acknowledged a message send. The
// optimistic message has been rolled back.
type SendTimeoutError struct {
	TempID  string
	Timeout time.Duration
}

func (e *SendTimeoutError) Error() string {
	return fmt.Sprintf("chatkit: no send acknowledgment for %s within %s", e.TempID, e.Timeout)
}

// SendRejectedError means the server acknowledged a send with a failure. The
// optimistic message has been rolled back.
type SendRejectedError struct {
	TempID string
	Reason string
}

func (e *SendRejectedError) Error() string {
	return fmt.Sprintf("chatkit: send %s rejected: %s", e.TempID, e.Reason)
}

// ReconnectFailedError is the terminal error surfaced exactly once after the
// reconnection attempt ceiling is reached. No further automatic attempts occur
// until Reset is called.
type ReconnectFailedError struct {
	Attempts int
	LastErr  error
}

func (e *ReconnectFailedError) Error() string {
	return fmt.Sprintf("chatkit: reconnection failed after %d attempts: %v", e.Attempts, e.LastErr)
}

func (e *ReconnectFailedError) Unwrap() error { return e.LastErr }
