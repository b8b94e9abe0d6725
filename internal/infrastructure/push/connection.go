// Package push implements the client side of the push channel: one
// websocket connection per signed-in session, with automatic reconnect,
// room membership replay and a typed event bus.
package push

import (
	"context"
	"encoding/json"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"circlesync/internal/protocol"
	"circlesync/pkg/errors"
	"circlesync/pkg/logger"
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second
	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Maximum message size allowed from peer.
	maxMessageSize = 1024 * 64

	initialBackoff = 500 * time.Millisecond
	maxBackoff     = 30 * time.Second
)

// Handler receives one inbound envelope. Handlers for the same event are
// invoked in subscription order, on the read goroutine, so events are
// observed in arrival order.
type Handler func(env protocol.Envelope)

// StateHandler observes connection state transitions.
type StateHandler func(state State)

// Connection owns the single push-channel websocket for a session.
type Connection struct {
	url    string
	dialer *websocket.Dialer

	mu            sync.Mutex
	state         State
	conn          *websocket.Conn
	send          chan []byte
	token         string
	rooms         map[string]bool
	handlers      map[string]map[int]Handler
	stateHandlers map[int]StateHandler
	nextID        int
	closed        bool
	reconnecting  bool
}

// NewConnection builds a connection manager for the given websocket URL.
// Nothing is dialed until Connect is called.
func NewConnection(wsURL string) *Connection {
	return &Connection{
		url:           wsURL,
		dialer:        websocket.DefaultDialer,
		state:         StateDisconnected,
		rooms:         make(map[string]bool),
		handlers:      make(map[string]map[int]Handler),
		stateHandlers: make(map[int]StateHandler),
	}
}

// State returns the current connection state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect establishes the push channel, blocking with exponential backoff
// until connected or ctx is done. It is idempotent: calling it while
// connecting or connected is a no-op. An empty token is a precondition
// failure, never retried.
func (c *Connection) Connect(ctx context.Context, sessionToken string) error {
	if sessionToken == "" {
		return errors.Unauthorized("session token is required", nil)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.Internal("connection is closed", nil)
	}
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.token = sessionToken
	c.mu.Unlock()

	c.setState(StateConnecting)

	backoff := initialBackoff
	for {
		err := c.dial(ctx)
		if err == nil {
			return nil
		}
		logger.Warn("push: connect failed, retrying in %v: %v", backoff, err)

		select {
		case <-ctx.Done():
			c.setState(StateDisconnected)
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = nextBackoff(backoff)
	}
}

func nextBackoff(current time.Duration) time.Duration {
	next := current * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}

func (c *Connection) dial(ctx context.Context) error {
	c.mu.Lock()
	target, token := c.url, c.token
	c.mu.Unlock()

	u, err := url.Parse(target)
	if err != nil {
		return errors.BadRequest("invalid websocket URL", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	conn, _, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return errors.Internal("connection is closed", nil)
	}
	c.conn = conn
	c.send = make(chan []byte, 256)
	send := c.send
	c.mu.Unlock()

	c.setState(StateConnected)

	go c.writePump(conn, send)
	go c.readPump(conn)

	c.replayJoins()
	return nil
}

// replayJoins re-issues a join for every conversation the caller still
// considers active. Runs on every transition into connected.
func (c *Connection) replayJoins() {
	c.mu.Lock()
	rooms := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		rooms = append(rooms, id)
	}
	c.mu.Unlock()

	for _, id := range rooms {
		c.emitRoomEvent(protocol.EventJoin, id)
	}
}

// JoinConversation records the conversation as active and, when connected,
// tells the relay. While disconnected the desired-membership set is the
// queue: the join is replayed on the next successful connection.
func (c *Connection) JoinConversation(id string) {
	c.mu.Lock()
	c.rooms[id] = true
	connected := c.state == StateConnected
	c.mu.Unlock()

	if connected {
		c.emitRoomEvent(protocol.EventJoin, id)
	}
}

// LeaveConversation drops the conversation from the active set.
func (c *Connection) LeaveConversation(id string) {
	c.mu.Lock()
	delete(c.rooms, id)
	connected := c.state == StateConnected
	c.mu.Unlock()

	if connected {
		c.emitRoomEvent(protocol.EventLeave, id)
	}
}

func (c *Connection) emitRoomEvent(event, chatID string) {
	c.Emit(event, chatID, protocol.RoomPayload{ChatID: chatID})
}

// Emit enqueues an event for the write pump and reports whether the
// enqueue was accepted. A refusal (disconnected, disconnect race, full
// buffer) means the event will never reach the relay; callers needing
// delivery must take the request/response fallback on false.
func (c *Connection) Emit(event, chatID string, payload interface{}) bool {
	env, err := protocol.NewEnvelope(event, chatID, payload)
	if err != nil {
		logger.Error("push: failed to build %s envelope: %v", event, err)
		return false
	}
	raw, err := json.Marshal(env)
	if err != nil {
		logger.Error("push: failed to marshal %s envelope: %v", event, err)
		return false
	}

	c.mu.Lock()
	send := c.send
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !connected || send == nil {
		logger.Warn("push: dropping %s event while %s", event, c.State())
		return false
	}

	select {
	case send <- raw:
		return true
	default:
		logger.Warn("push: send buffer full, dropping %s event", event)
		return false
	}
}

// On subscribes a handler to an event name and returns a subscription id
// for Off. Multiple handlers per event are supported.
func (c *Connection) On(event string, h Handler) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	if c.handlers[event] == nil {
		c.handlers[event] = make(map[int]Handler)
	}
	c.handlers[event][c.nextID] = h
	return c.nextID
}

// Off removes a subscription. Unknown ids are a no-op.
func (c *Connection) Off(event string, id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if hs, ok := c.handlers[event]; ok {
		delete(hs, id)
	}
}

// OnStateChange subscribes to connection state transitions.
func (c *Connection) OnStateChange(h StateHandler) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	c.stateHandlers[c.nextID] = h
	return c.nextID
}

// OffStateChange removes a state subscription. Unknown ids are a no-op.
func (c *Connection) OffStateChange(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.stateHandlers, id)
}

// Close tears the connection down for good, e.g. on sign-out.
func (c *Connection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	c.setState(StateDisconnected)
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	hs := make([]StateHandler, 0, len(c.stateHandlers))
	for _, h := range c.stateHandlers {
		hs = append(hs, h)
	}
	c.mu.Unlock()

	logger.Info("push: connection state -> %s", s)
	for _, h := range hs {
		h(s)
	}
}

func (c *Connection) readPump(conn *websocket.Conn) {
	defer func() {
		conn.Close()
		c.handleDisconnect(conn)
	}()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("push: read error: %v", err)
			}
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			logger.Warn("push: dropping malformed frame: %v", err)
			continue
		}
		c.dispatch(env)
	}
}

func (c *Connection) dispatch(env protocol.Envelope) {
	c.mu.Lock()
	ids := make([]int, 0, len(c.handlers[env.Type]))
	for id := range c.handlers[env.Type] {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	hs := make([]Handler, 0, len(ids))
	for _, id := range ids {
		hs = append(hs, c.handlers[env.Type][id])
	}
	c.mu.Unlock()

	for _, h := range hs {
		h(env)
	}
}

func (c *Connection) writePump(conn *websocket.Conn, send chan []byte) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case raw, ok := <-send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleDisconnect transitions to disconnected and, unless Close was
// called, starts the background reconnect loop.
func (c *Connection) handleDisconnect(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn != conn {
		// A newer connection already superseded this one.
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.send = nil
	closed := c.closed
	alreadyReconnecting := c.reconnecting
	if !closed {
		c.reconnecting = true
	}
	c.mu.Unlock()

	c.setState(StateDisconnected)
	if closed || alreadyReconnecting {
		return
	}
	go c.reconnectLoop()
}

func (c *Connection) reconnectLoop() {
	defer func() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
	}()

	backoff := initialBackoff
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		time.Sleep(backoff)

		c.setState(StateConnecting)
		err := c.dial(context.Background())
		if err == nil {
			logger.Info("push: reconnected")
			return
		}
		backoff = nextBackoff(backoff)
		logger.Warn("push: reconnect failed, retrying in %v: %v", backoff, err)
		c.setState(StateDisconnected)
	}
}
