// Package websocket is the relay side of the push channel: connected
// clients, per-conversation rooms and broadcast primitives.
package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"circlesync/internal/protocol"
	"circlesync/pkg/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 * 64
)

// Client represents one websocket connection. A user running two app
// instances holds two clients.
type Client struct {
	UserID string
	Conn   *websocket.Conn
	Send   chan []byte
}

// EnvelopeHandler processes one inbound envelope from a client.
type EnvelopeHandler func(client *Client, env protocol.Envelope)

// Manager tracks active connections and conversation room membership.
type Manager struct {
	clients    map[*Client]bool
	rooms      map[string]map[*Client]bool
	Register   chan *Client
	Unregister chan *Client
	handler    EnvelopeHandler
	mutex      sync.RWMutex
}

func NewManager() *Manager {
	return &Manager{
		clients:    make(map[*Client]bool),
		rooms:      make(map[string]map[*Client]bool),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
	}
}

// SetHandler installs the envelope handler. Must be called before Start.
func (m *Manager) SetHandler(h EnvelopeHandler) {
	m.handler = h
}

// Start runs the manager's register/unregister loop in a goroutine.
func (m *Manager) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case client := <-m.Register:
				m.mutex.Lock()
				m.clients[client] = true
				m.mutex.Unlock()
				logger.Info("ws: client registered: %s", client.UserID)

			case client := <-m.Unregister:
				m.mutex.Lock()
				if _, ok := m.clients[client]; ok {
					delete(m.clients, client)
					m.removeFromAllRoomsLocked(client)
					close(client.Send)
				}
				m.mutex.Unlock()
				logger.Info("ws: client unregistered: %s", client.UserID)

			case <-ctx.Done():
				return
			}
		}
	}()
}

// JoinRoom adds the client to a conversation room.
func (m *Manager) JoinRoom(chatID string, client *Client) {
	m.mutex.Lock()
	if m.rooms[chatID] == nil {
		m.rooms[chatID] = make(map[*Client]bool)
	}
	m.rooms[chatID][client] = true
	m.mutex.Unlock()
	logger.Debug("ws: %s joined room %s", client.UserID, chatID)
}

// LeaveRoom removes the client from a conversation room.
func (m *Manager) LeaveRoom(chatID string, client *Client) {
	m.mutex.Lock()
	if room, ok := m.rooms[chatID]; ok {
		delete(room, client)
		if len(room) == 0 {
			delete(m.rooms, chatID)
		}
	}
	m.mutex.Unlock()
	logger.Debug("ws: %s left room %s", client.UserID, chatID)
}

func (m *Manager) removeFromAllRoomsLocked(client *Client) {
	for chatID, room := range m.rooms {
		delete(room, client)
		if len(room) == 0 {
			delete(m.rooms, chatID)
		}
	}
}

// BroadcastToRoom sends the envelope to every client in the room, the
// sender included. The sender's copy is the echo that confirms an
// optimistic entry.
func (m *Manager) BroadcastToRoom(chatID string, env protocol.Envelope) {
	m.broadcast(chatID, env, nil)
}

// BroadcastToRoomExcept sends to every room member but the given client.
// Used for typing so senders never see their own indicator.
func (m *Manager) BroadcastToRoomExcept(chatID string, except *Client, env protocol.Envelope) {
	m.broadcast(chatID, env, except)
}

func (m *Manager) broadcast(chatID string, env protocol.Envelope, except *Client) {
	raw, err := json.Marshal(env)
	if err != nil {
		logger.Error("ws: failed to marshal %s broadcast: %v", env.Type, err)
		return
	}

	m.mutex.RLock()
	targets := make([]*Client, 0, len(m.rooms[chatID]))
	for client := range m.rooms[chatID] {
		if client != except {
			targets = append(targets, client)
		}
	}
	m.mutex.RUnlock()

	for _, client := range targets {
		select {
		case client.Send <- raw:
		default:
			logger.Warn("ws: client %s send buffer full, dropping", client.UserID)
		}
	}
}

// SendToClient delivers an envelope to one client.
func (m *Manager) SendToClient(client *Client, env protocol.Envelope) {
	raw, err := json.Marshal(env)
	if err != nil {
		logger.Error("ws: failed to marshal %s for %s: %v", env.Type, client.UserID, err)
		return
	}
	select {
	case client.Send <- raw:
	default:
		logger.Warn("ws: client %s send buffer full, dropping %s", client.UserID, env.Type)
	}
}

// SendError reports a rejected submission back to the offending client.
func (m *Manager) SendError(client *Client, message string) {
	env, err := protocol.NewEnvelope(protocol.EventError, "", protocol.ErrorPayload{Error: message})
	if err != nil {
		return
	}
	m.SendToClient(client, env)
}

// ReadPump reads envelopes from the connection and hands them to the
// handler in arrival order. Runs in a per-connection goroutine.
func (c *Client) ReadPump(m *Manager) {
	defer func() {
		m.Unregister <- c
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Warn("ws: read error from %s: %v", c.UserID, err)
			}
			break
		}

		var env protocol.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			m.SendError(c, "invalid message format")
			continue
		}
		if m.handler != nil {
			m.handler(c, env)
		}
	}
}

// WritePump drains the send channel onto the connection and keeps the
// ping/pong heartbeat alive.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case raw, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
