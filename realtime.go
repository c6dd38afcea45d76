package chatkit

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

// ============================================================================
// Transport abstraction
// ============================================================================

// Conn is one physical realtime connection. The default implementation wraps
// a WebSocket; tests inject scripted connections through a Dialer.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close(reason string) error
}

// Dialer opens a Conn to the given URL.
type Dialer func(ctx context.Context, urlStr string) (Conn, error)

type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.c.Read(ctx)
	return data, err
}

func (w *wsConn) Write(ctx context.Context, data []byte) error {
	return w.c.Write(ctx, websocket.MessageText, data)
}

func (w *wsConn) Close(reason string) error {
	return w.c.Close(websocket.StatusNormalClosure, reason)
}

func websocketDialer(ctx context.Context, urlStr string) (Conn, error) {
	c, _, err := websocket.Dial(ctx, urlStr, nil)
	if err != nil {
		return nil, err
	}
	return &wsConn{c: c}, nil
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the realtime client.
type RealtimeConfig struct {
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	ConnectTimeout       time.Duration
	JoinTimeout          time.Duration
	SendAckTimeout       time.Duration
	// HeartbeatInterval between keepalive pings. Negative disables the
	// heartbeat entirely.
	HeartbeatInterval time.Duration
}

func (c *RealtimeConfig) defaults() {
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.JoinTimeout == 0 {
		c.JoinTimeout = 5 * time.Second
	}
	if c.SendAckTimeout == 0 {
		c.SendAckTimeout = 10 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
}

// ============================================================================
// Reconnector
// ============================================================================

// reconnector tracks the backoff schedule. The delay before attempt n
// (1-indexed) is baseDelay * 2^(n-1), capped at maxDelay. After maxAttempts
// consecutive failures the client enters the terminal Failed state.
type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) exhausted() bool {
	return r.attempt >= r.maxAttempts
}

func (r *reconnector) nextDelay() time.Duration {
	delay := r.baseDelay << uint(r.attempt)
	if delay > r.maxDelay || delay <= 0 {
		delay = r.maxDelay
	}
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
}

// ============================================================================
// RealtimeClient
// ============================================================================

// RealtimeClient owns the persistent bidirectional connection to the chat
// backend: the auth handshake, the read loop, acknowledgment correlation, the
// heartbeat, and bounded exponential-backoff reconnection.
//
// Every teardown bumps an epoch counter; goroutines and timers carry the epoch
// they were started under and become no-ops once it is stale, so a late
// callback can never mutate state after a disconnect.
type RealtimeClient struct {
	baseURL string
	tokens  TokenProvider
	config  *RealtimeConfig
	dial    Dialer
	router  *eventRouter
	logger  *log.Logger
	now     func() time.Time

	mu        sync.Mutex
	conn      Conn
	state     ConnectionState
	attempt   int
	lastErr   string
	epoch     int
	cancelFn  context.CancelFunc
	localUser Sender
	recon     *reconnector

	resume            func(ctx context.Context) error
	onStatus          []func(ConnectionStatus)
	onResumeError     []func(error)
	onReconnectFailed []func(error)

	ackMu       sync.Mutex
	pendingAcks map[string]chan AckEnvelope
}

func newRealtimeClient(baseURL string, tokens TokenProvider, config *RealtimeConfig, dial Dialer, router *eventRouter, logger *log.Logger) *RealtimeClient {
	cfg := *config
	cfg.defaults()
	if dial == nil {
		dial = websocketDialer
	}
	if logger == nil {
		logger = log.Default()
	}
	return &RealtimeClient{
		baseURL:     strings.TrimRight(baseURL, "/"),
		tokens:      tokens,
		config:      &cfg,
		dial:        dial,
		router:      router,
		logger:      logger,
		now:         time.Now,
		state:       StateDisconnected,
		recon:       newReconnector(&cfg),
		pendingAcks: make(map[string]chan AckEnvelope),
	}
}

func (c *RealtimeClient) wsURL() string {
	u := strings.Replace(c.baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/ws"
}

// Status returns the current connection status snapshot.
func (c *RealtimeClient) Status() ConnectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ConnectionStatus{State: c.state, Attempt: c.attempt, LastError: c.lastErr}
}

// LocalUser returns the identity confirmed by the auth handshake.
func (c *RealtimeClient) LocalUser() Sender {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localUser
}

// OnStatusChange registers a handler invoked on every state transition.
func (c *RealtimeClient) OnStatusChange(h func(ConnectionStatus)) {
	c.mu.Lock()
	c.onStatus = append(c.onStatus, h)
	c.mu.Unlock()
}

// OnResumeError registers a handler for failures of the post-reconnect resume
// hook. A resume failure never retroactively fails the reconnect itself.
func (c *RealtimeClient) OnResumeError(h func(error)) {
	c.mu.Lock()
	c.onResumeError = append(c.onResumeError, h)
	c.mu.Unlock()
}

// OnReconnectFailed registers a handler for the single terminal error emitted
// when the reconnection attempt ceiling is reached.
func (c *RealtimeClient) OnReconnectFailed(h func(error)) {
	c.mu.Lock()
	c.onReconnectFailed = append(c.onReconnectFailed, h)
	c.mu.Unlock()
}

// setResume installs the hook re-invoked after every successful reconnect,
// before the client declares itself Connected.
func (c *RealtimeClient) setResume(h func(ctx context.Context) error) {
	c.mu.Lock()
	c.resume = h
	c.mu.Unlock()
}

func (c *RealtimeClient) emitStatus() {
	c.mu.Lock()
	status := ConnectionStatus{State: c.state, Attempt: c.attempt, LastError: c.lastErr}
	handlers := append([]func(ConnectionStatus){}, c.onStatus...)
	c.mu.Unlock()
	for _, h := range handlers {
		h(status)
	}
}

// Connect opens the connection and performs the auth handshake. It resolves
// once the server confirms the link. Calling Connect while already connected
// or connecting is a no-op.
func (c *RealtimeClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateConnected, StateConnecting:
		c.mu.Unlock()
		return nil
	case StateFailed:
		c.mu.Unlock()
		return ErrResetRequired
	}
	epoch := c.epoch
	c.state = StateConnecting
	c.attempt = 0
	c.lastErr = ""
	c.mu.Unlock()
	c.emitStatus()

	if err := c.establish(ctx, epoch); err != nil {
		c.mu.Lock()
		if c.epoch == epoch {
			c.state = StateDisconnected
			c.lastErr = err.Error()
		}
		c.mu.Unlock()
		c.emitStatus()
		return err
	}

	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.recon.reset()
	c.state = StateConnected
	c.mu.Unlock()
	c.emitStatus()
	return nil
}

// establish dials, authenticates, and starts the read and heartbeat loops.
// It does not transition the public state; callers decide when Connected is
// announced (after the resume hook, on the reconnect path).
func (c *RealtimeClient) establish(ctx context.Context, epoch int) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return &AuthenticationError{Reason: err.Error()}
	}
	if token == "" {
		return &AuthenticationError{Reason: "no token available"}
	}

	conn, err := c.dial(ctx, c.wsURL())
	if err != nil {
		return &TransportError{Op: "dial", Err: err}
	}

	hctx, cancel := context.WithTimeout(ctx, c.config.ConnectTimeout)
	defer cancel()

	auth := command{
		Type:    commandAuth,
		Payload: map[string]any{"auth": map[string]string{"token": token}},
	}
	data, err := json.Marshal(auth)
	if err != nil {
		conn.Close("handshake failed")
		return &TransportError{Op: "handshake", Err: err}
	}
	if err := conn.Write(hctx, data); err != nil {
		conn.Close("handshake failed")
		return &TransportError{Op: "handshake", Err: err}
	}

	raw, err := conn.Read(hctx)
	if err != nil {
		conn.Close("handshake failed")
		if hctx.Err() != nil && ctx.Err() == nil {
			return &ConnectTimeoutError{Timeout: c.config.ConnectTimeout}
		}
		return &TransportError{Op: "handshake", Err: err}
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Type != eventAuthenticated {
		conn.Close("handshake failed")
		return &TransportError{Op: "handshake", Err: fmt.Errorf("expected %q, got %q", eventAuthenticated, env.Type)}
	}
	var confirmed authenticatedPayload
	if err := json.Unmarshal(env.Payload, &confirmed); err != nil {
		conn.Close("handshake failed")
		return &TransportError{Op: "handshake", Err: err}
	}
	c.router.setLocalUser(confirmed.UserID)

	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		conn.Close("superseded")
		return ErrNotConnected
	}
	c.conn = conn
	c.localUser = Sender{ID: confirmed.UserID, DisplayName: confirmed.DisplayName}
	connCtx, cancelConn := context.WithCancel(context.Background())
	c.cancelFn = cancelConn
	c.mu.Unlock()

	go c.readLoop(connCtx, conn, epoch)
	if c.config.HeartbeatInterval > 0 {
		go c.heartbeatLoop(connCtx, epoch)
	}
	return nil
}

// Disconnect tears the link down. It is idempotent, cancels any pending
// reconnect timer, and invalidates in-flight acknowledgment waiters.
func (c *RealtimeClient) Disconnect() error {
	c.mu.Lock()
	c.epoch++
	if c.cancelFn != nil {
		c.cancelFn()
		c.cancelFn = nil
	}
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	c.attempt = 0
	c.lastErr = ""
	c.mu.Unlock()

	c.clearPendingAcks()
	if conn != nil {
		conn.Close("client disconnect")
	}
	c.emitStatus()
	return nil
}

// Reset leaves the terminal Failed state so that Connect may be called again.
func (c *RealtimeClient) Reset() {
	c.mu.Lock()
	c.epoch++
	c.recon.reset()
	c.state = StateDisconnected
	c.attempt = 0
	c.lastErr = ""
	c.mu.Unlock()
	c.emitStatus()
}

// Emit sends a fire-and-forget command.
func (c *RealtimeClient) Emit(ctx context.Context, event string, payload any) error {
	return c.write(ctx, command{Type: event, Payload: payload})
}

// EmitWithAck sends a request-id correlated command and waits for the server
// acknowledgment. The returned error is context.DeadlineExceeded when no
// acknowledgment arrives within timeout, and errAckDropped when the
// connection goes down first.
func (c *RealtimeClient) EmitWithAck(ctx context.Context, event string, payload any, timeout time.Duration) (AckEnvelope, error) {
	requestID := uuid.NewString()
	ch := make(chan AckEnvelope, 1)
	c.ackMu.Lock()
	c.pendingAcks[requestID] = ch
	c.ackMu.Unlock()

	if err := c.write(ctx, command{Type: event, Payload: payload, RequestID: requestID}); err != nil {
		c.dropAck(requestID)
		return AckEnvelope{}, err
	}

	select {
	case ack, ok := <-ch:
		if !ok {
			return AckEnvelope{}, errAckDropped
		}
		return ack, nil
	case <-time.After(timeout):
		c.dropAck(requestID)
		return AckEnvelope{}, context.DeadlineExceeded
	case <-ctx.Done():
		c.dropAck(requestID)
		return AckEnvelope{}, ctx.Err()
	}
}

// Ping round-trips a keepalive through the acknowledgment machinery.
func (c *RealtimeClient) Ping(ctx context.Context) error {
	_, err := c.EmitWithAck(ctx, commandPing, map[string]string{}, 10*time.Second)
	return err
}

func (c *RealtimeClient) write(ctx context.Context, cmd command) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, data); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}

func (c *RealtimeClient) readLoop(ctx context.Context, conn Conn, epoch int) {
	for {
		raw, err := conn.Read(ctx)
		if err != nil {
			c.handleDrop(epoch, err)
			return
		}

		var env envelope
		if json.Unmarshal(raw, &env) != nil {
			c.logger.Printf("[realtime] dropping undecodable frame")
			continue
		}

		if env.Type == eventAck {
			var ack AckEnvelope
			if json.Unmarshal(env.Payload, &ack) == nil && ack.RequestID != "" {
				c.resolveAck(ack)
			}
			continue
		}

		c.router.dispatch(env)
	}
}

func (c *RealtimeClient) heartbeatLoop(ctx context.Context, epoch int) {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			stale := c.epoch != epoch
			conn := c.conn
			c.mu.Unlock()
			if stale || conn == nil {
				return
			}
			if err := c.Ping(ctx); err != nil {
				// Force a close so the read loop observes the drop and
				// the reconnection path takes over.
				c.logger.Printf("[realtime] heartbeat failed: %v", err)
				conn.Close("heartbeat timeout")
				return
			}
		}
	}
}

// handleDrop reacts to an unexpected read failure. A stale epoch means the
// teardown was intentional or already handled.
func (c *RealtimeClient) handleDrop(epoch int, cause error) {
	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		return
	}
	// Retire the dropped connection's generation before recovery starts. A
	// second drop arriving while the resume hook runs then supersedes this
	// recovery instead of racing it for the Connected announcement.
	c.epoch++
	next := c.epoch
	if c.cancelFn != nil {
		c.cancelFn()
		c.cancelFn = nil
	}
	c.conn = nil
	c.state = StateDisconnected
	c.lastErr = cause.Error()
	autoReconnect := c.config.AutoReconnect
	c.mu.Unlock()

	c.clearPendingAcks()
	c.emitStatus()
	c.logger.Printf("[realtime] connection dropped: %v", cause)

	if autoReconnect {
		go c.reconnectLoop(next, cause)
	}
}

// reconnectLoop schedules backoff attempts until one succeeds, the ceiling is
// reached, or the epoch goes stale (manual disconnect).
func (c *RealtimeClient) reconnectLoop(epoch int, lastErr error) {
	for {
		c.mu.Lock()
		if c.epoch != epoch {
			c.mu.Unlock()
			return
		}
		if c.recon.exhausted() {
			attempts := c.recon.attempt
			c.state = StateFailed
			c.attempt = attempts
			c.lastErr = lastErr.Error()
			handlers := append([]func(error){}, c.onReconnectFailed...)
			c.mu.Unlock()
			c.emitStatus()
			terminal := &ReconnectFailedError{Attempts: attempts, LastErr: lastErr}
			c.logger.Printf("[realtime] %v", terminal)
			for _, h := range handlers {
				h(terminal)
			}
			return
		}
		delay := c.recon.nextDelay()
		attempt := c.recon.attempt
		c.state = StateReconnecting
		c.attempt = attempt
		c.mu.Unlock()
		c.emitStatus()

		time.Sleep(delay)

		c.mu.Lock()
		if c.epoch != epoch {
			// Disconnected while the timer was pending; the scheduled
			// attempt must not fire.
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		if err := c.establish(context.Background(), epoch); err != nil {
			lastErr = err
			c.mu.Lock()
			if c.epoch == epoch {
				c.lastErr = err.Error()
			}
			c.mu.Unlock()
			continue
		}

		c.mu.Lock()
		resume := c.resume
		resumeHandlers := append([]func(error){}, c.onResumeError...)
		c.mu.Unlock()
		if resume != nil {
			if rerr := resume(context.Background()); rerr != nil {
				c.logger.Printf("[realtime] resume after reconnect failed: %v", rerr)
				for _, h := range resumeHandlers {
					h(rerr)
				}
			}
		}

		c.mu.Lock()
		if c.epoch != epoch {
			c.mu.Unlock()
			return
		}
		c.recon.reset()
		c.state = StateConnected
		c.attempt = 0
		c.lastErr = ""
		c.mu.Unlock()
		c.emitStatus()
		return
	}
}

func (c *RealtimeClient) resolveAck(ack AckEnvelope) {
	c.ackMu.Lock()
	ch, ok := c.pendingAcks[ack.RequestID]
	if ok {
		delete(c.pendingAcks, ack.RequestID)
	}
	c.ackMu.Unlock()
	if ok {
		ch <- ack
	}
}

func (c *RealtimeClient) dropAck(requestID string) {
	c.ackMu.Lock()
	delete(c.pendingAcks, requestID)
	c.ackMu.Unlock()
}

func (c *RealtimeClient) clearPendingAcks() {
	c.ackMu.Lock()
	for id, ch := range c.pendingAcks {
		close(ch)
		delete(c.pendingAcks, id)
	}
	c.ackMu.Unlock()
}
