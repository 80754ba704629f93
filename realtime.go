package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the push-channel connection.
type RealtimeConfig struct {
	// Token is sent as a bearer credential on the upgrade request when set.
	Token string
	// TokenFunc, when set, is consulted on every dial instead of Token.
	TokenFunc func() string
	// NoReconnect disables the automatic reconnect loop.
	NoReconnect bool
	// MaxReconnectAttempts bounds consecutive reconnect attempts. Zero means unbounded.
	MaxReconnectAttempts int
	// ReconnectDelay is the fixed pause between reconnect attempts.
	ReconnectDelay    time.Duration
	HeartbeatInterval time.Duration
	DialTimeout       time.Duration
	ReadLimit         int64
	HTTPClient        *http.Client
	Logger            *zap.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 1 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.ReadLimit == 0 {
		c.ReadLimit = 1 << 20
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// TickFunc runs after every heartbeat while connected.
type TickFunc func(ctx context.Context)

// ============================================================================
// Connection
// ============================================================================

// Connection owns the push channel: a single websocket to the chat server that
// delivers inbound events to a Bus and carries outbound commands.
//
// It is the only component that dials or closes the socket. Stores reach it
// through the Subscriber and Emitter interfaces.
type Connection struct {
	baseURL string
	config  *RealtimeConfig
	bus     *Bus
	logger  *zap.Logger

	mu               sync.Mutex
	conn             *websocket.Conn
	state            RealtimeState
	identity         string
	sessionID        string
	intentionalClose bool
	cancelFn         context.CancelFunc

	hookMu      sync.RWMutex
	hookSeq     int
	ticks       map[int]TickFunc
	stateChange []func(RealtimeState)
}

// NewConnection creates a disconnected push channel for the server at baseURL.
// Events are published on bus; pass nil to get a private bus.
func NewConnection(baseURL string, bus *Bus, config *RealtimeConfig) *Connection {
	cfg := RealtimeConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	if bus == nil {
		bus = NewBus(cfg.Logger)
	}
	return &Connection{
		baseURL: strings.TrimRight(baseURL, "/"),
		config:  &cfg,
		bus:     bus,
		logger:  cfg.Logger.Named("realtime"),
		state:   StateDisconnected,
		ticks:   make(map[int]TickFunc),
	}
}

// Bus returns the bus inbound events are published on.
func (c *Connection) Bus() *Bus { return c.bus }

// Subscribe registers a handler on the connection's bus.
func (c *Connection) Subscribe(owner string, name EventName, h Handler) func() {
	return c.bus.Subscribe(owner, name, h)
}

// OnTick registers fn to run after each heartbeat. The returned func removes it.
func (c *Connection) OnTick(fn TickFunc) func() {
	c.hookMu.Lock()
	c.hookSeq++
	id := c.hookSeq
	c.ticks[id] = fn
	c.hookMu.Unlock()
	return func() {
		c.hookMu.Lock()
		delete(c.ticks, id)
		c.hookMu.Unlock()
	}
}

// OnStateChange registers a handler for connection state transitions.
func (c *Connection) OnStateChange(h func(RealtimeState)) {
	c.hookMu.Lock()
	c.stateChange = append(c.stateChange, h)
	c.hookMu.Unlock()
}

// State returns the current connection state.
func (c *Connection) State() RealtimeState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether the socket is open.
func (c *Connection) Connected() bool {
	return c.State() == StateConnected
}

// Identity returns the identity key the connection joined with.
func (c *Connection) Identity() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// SocketURL returns the websocket endpoint for identityKey.
func (c *Connection) SocketURL(identityKey string) string {
	base := strings.Replace(c.baseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return base + "/socket?email=" + url.QueryEscape(identityKey)
}

// Connect opens the push channel and joins as identityKey. It is a no-op unless
// the connection is disconnected. ctx bounds the first dial only; the channel
// stays open until Disconnect.
//
// When the first dial fails the error is returned and, unless NoReconnect is
// set, the reconnect loop keeps retrying in the background until Disconnect.
func (c *Connection) Connect(ctx context.Context, identityKey string) error {
	sessionCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		cancel()
		return nil
	}
	if c.cancelFn != nil {
		c.cancelFn()
	}
	c.state = StateConnecting
	c.identity = identityKey
	c.intentionalClose = false
	c.cancelFn = cancel
	c.mu.Unlock()
	c.emitState(StateConnecting)

	conn, err := c.dial(ctx, identityKey)
	if err != nil {
		c.logger.Warn("connect failed", zap.String("identity", identityKey), zap.Error(err))
		if c.config.NoReconnect || !c.markReconnecting() {
			c.dropSession(cancel)
			c.setState(StateDisconnected)
			return err
		}
		go c.reconnectLoop(sessionCtx)
		return err
	}

	c.mu.Lock()
	if c.intentionalClose {
		c.mu.Unlock()
		cancel()
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
		return nil
	}
	c.conn = conn
	c.state = StateConnected
	c.mu.Unlock()
	c.emitState(StateConnected)

	c.start(sessionCtx, conn)
	return nil
}

// Disconnect closes the push channel and stops reconnecting. Safe to call
// when no channel exists.
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	c.intentionalClose = true
	if c.cancelFn != nil {
		c.cancelFn()
		c.cancelFn = nil
	}
	conn := c.conn
	c.conn = nil
	prev := c.state
	c.state = StateDisconnected
	c.mu.Unlock()

	if prev != StateDisconnected {
		c.emitState(StateDisconnected)
	}
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// Emit sends a command frame. A missing RequestID is filled with a fresh UUID.
func (c *Connection) Emit(ctx context.Context, cmd *Command) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}
	if cmd.RequestID == "" {
		cmd.RequestID = uuid.NewString()
	}
	f, err := cmd.frame()
	if err != nil {
		return err
	}
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write %s: %w", cmd.Name, err)
	}
	return nil
}

// ============================================================================
// Call Signaling
// ============================================================================

// CallUser offers a call to the identity at to.
func (c *Connection) CallUser(ctx context.Context, to, from, name string, offer json.RawMessage) error {
	return c.Emit(ctx, &Command{Name: CmdCallUser, Data: map[string]interface{}{
		"userToCall": to,
		"signalData": offer,
		"from":       from,
		"name":       name,
	}})
}

// AnswerCall answers an incoming call from to.
func (c *Connection) AnswerCall(ctx context.Context, to string, answer json.RawMessage) error {
	return c.Emit(ctx, &Command{Name: CmdAnswerCall, Data: map[string]interface{}{
		"signal": answer,
		"to":     to,
	}})
}

// SendICECandidate relays a local connectivity candidate to the peer.
func (c *Connection) SendICECandidate(ctx context.Context, to string, candidate json.RawMessage) error {
	return c.Emit(ctx, &Command{Name: CmdICECandidate, Data: map[string]interface{}{
		"to":        to,
		"candidate": candidate,
	}})
}

// EndCall hangs up the call with to.
func (c *Connection) EndCall(ctx context.Context, to string) error {
	return c.Emit(ctx, &Command{Name: CmdEndCall, Data: map[string]string{"to": to}})
}

// ============================================================================
// Internals
// ============================================================================

func (c *Connection) dial(ctx context.Context, identityKey string) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.config.DialTimeout)
	defer cancel()

	opts := &websocket.DialOptions{HTTPClient: c.config.HTTPClient}
	token := c.config.Token
	if c.config.TokenFunc != nil {
		token = c.config.TokenFunc()
	}
	if token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + token}}
	}

	conn, _, err := websocket.Dial(dialCtx, c.SocketURL(identityKey), opts)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(c.config.ReadLimit)

	join, err := (&Command{Name: CmdJoin, Data: identityKey}).frame()
	if err != nil {
		conn.Close(websocket.StatusInternalError, "")
		return nil, err
	}
	data, _ := json.Marshal(join)
	if err := conn.Write(dialCtx, websocket.MessageText, data); err != nil {
		conn.Close(websocket.StatusInternalError, "")
		return nil, fmt.Errorf("send join: %w", err)
	}

	c.mu.Lock()
	c.sessionID = uuid.NewString()
	sid := c.sessionID
	c.mu.Unlock()
	c.logger.Info("joined", zap.String("identity", identityKey), zap.String("session", sid))
	return conn, nil
}

// start runs the read and heartbeat loops for one socket. The loops stop when
// the socket drops or sessionCtx is cancelled.
func (c *Connection) start(sessionCtx context.Context, conn *websocket.Conn) {
	connCtx, cancel := context.WithCancel(sessionCtx)
	go c.heartbeatLoop(connCtx, conn)
	go c.readLoop(sessionCtx, connCtx, cancel, conn)
}

func (c *Connection) readLoop(sessionCtx, connCtx context.Context, cancel context.CancelFunc, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(connCtx)
		if err != nil {
			cancel()
			c.handleDrop(sessionCtx, conn, err)
			return
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Warn("malformed frame", zap.Error(err))
			continue
		}
		ev, err := DecodeEvent(f.Event, f.Data)
		if err != nil {
			c.logger.Warn("dropping event", zap.String("event", string(f.Event)), zap.Error(err))
			continue
		}
		c.bus.Publish(ev)
	}
}

func (c *Connection) handleDrop(sessionCtx context.Context, conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.intentionalClose || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	c.logger.Warn("connection lost", zap.Error(cause))
	c.emitState(StateDisconnected)

	if !c.config.NoReconnect {
		c.reconnectLoop(sessionCtx)
	}
}

func (c *Connection) reconnectLoop(ctx context.Context) {
	for attempt := 1; ; attempt++ {
		if c.config.MaxReconnectAttempts > 0 && attempt > c.config.MaxReconnectAttempts {
			c.logger.Error("giving up reconnecting", zap.Int("attempts", attempt-1))
			c.setState(StateDisconnected)
			return
		}
		if !c.markReconnecting() {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.config.ReconnectDelay):
		}

		identity := c.Identity()
		conn, err := c.dial(ctx, identity)
		if err != nil {
			c.logger.Debug("reconnect attempt failed", zap.Int("attempt", attempt), zap.Error(err))
			continue
		}

		c.mu.Lock()
		if c.intentionalClose {
			c.mu.Unlock()
			conn.Close(websocket.StatusNormalClosure, "client disconnect")
			return
		}
		c.conn = conn
		c.state = StateConnected
		c.mu.Unlock()
		c.emitState(StateConnected)
		c.logger.Info("reconnected", zap.Int("attempt", attempt))

		c.start(ctx, conn)
		return
	}
}

func (c *Connection) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Emit(ctx, &Command{Name: CmdHeartbeat, Data: c.Identity()}); err != nil {
				if ctx.Err() != nil {
					return
				}
				c.logger.Warn("heartbeat failed", zap.Error(err))
				conn.Close(websocket.StatusGoingAway, "heartbeat failed")
				return
			}
			c.runTicks(ctx)
		}
	}
}

func (c *Connection) runTicks(ctx context.Context) {
	c.hookMu.RLock()
	fns := make([]TickFunc, 0, len(c.ticks))
	for _, fn := range c.ticks {
		fns = append(fns, fn)
	}
	c.hookMu.RUnlock()

	for _, fn := range fns {
		fn(ctx)
	}
}

// dropSession cancels the session context and forgets it.
func (c *Connection) dropSession(cancel context.CancelFunc) {
	cancel()
	c.mu.Lock()
	c.cancelFn = nil
	c.mu.Unlock()
}

// markReconnecting moves to StateReconnecting unless Disconnect was called.
func (c *Connection) markReconnecting() bool {
	c.mu.Lock()
	if c.intentionalClose {
		c.mu.Unlock()
		return false
	}
	changed := c.state != StateReconnecting
	c.state = StateReconnecting
	c.mu.Unlock()
	if changed {
		c.emitState(StateReconnecting)
	}
	return true
}

func (c *Connection) setState(s RealtimeState) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()
	if changed {
		c.emitState(s)
	}
}

func (c *Connection) emitState(s RealtimeState) {
	c.hookMu.RLock()
	handlers := append([]func(RealtimeState){}, c.stateChange...)
	c.hookMu.RUnlock()
	for _, h := range handlers {
		h(s)
	}
}
