package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/michaelbrown/codebuddy/internal/engine"
	"github.com/michaelbrown/codebuddy/internal/protocol"
	"github.com/michaelbrown/codebuddy/internal/session"
)

const (
	writeWait = 10 * time.Second
	// maxMessageSize matches the REST body limit.
	maxMessageSize = 1 << 20
)

var errChannelClosed = errors.New("channel closed")

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wsChannel is one live connection. Writes are serialised so events from a
// session reach the caller in emission order.
type wsChannel struct {
	id   string
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool
}

func newWSChannel(conn *websocket.Conn) *wsChannel {
	return &wsChannel{id: uuid.New().String(), conn: conn}
}

func (c *wsChannel) ID() string { return c.id }

func (c *wsChannel) Emit(ev protocol.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errChannelClosed
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(ev)
}

func (c *wsChannel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
		time.Now().Add(time.Second))
	c.conn.Close()
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnf("websocket upgrade error: %v", err)
		return
	}

	ch := newWSChannel(conn)
	log := s.log.WithField("channel", ch.ID())
	s.channels.Add(ch)
	defer func() {
		s.engine.Disconnect(ch.ID())
		s.channels.Remove(ch.ID())
		ch.Close()
	}()
	log.Debug("channel opened")

	conn.SetReadLimit(maxMessageSize)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			switch {
			case errors.Is(err, websocket.ErrReadLimit):
				log.Warnf("message over %d bytes, closing channel", maxMessageSize)
			case !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				log.Debugf("channel read error: %v", err)
			}
			return
		}
		// A malformed message leaves the connection usable.
		var msg protocol.Incoming
		if err := json.Unmarshal(data, &msg); err != nil {
			ch.Emit(protocol.Error("", "invalid message"))
			continue
		}
		s.dispatch(ch, msg)
	}
}

func (s *Server) dispatch(ch *wsChannel, msg protocol.Incoming) {
	switch msg.Type {
	case protocol.TypeExecuteCode:
		if _, err := s.engine.Start(ch, engine.Request{Language: msg.Language, Source: msg.Source}); err != nil {
			ch.Emit(protocol.Error("", err.Error()))
		}

	case protocol.TypeProvideInput:
		err := s.engine.ProvideInput(ch, msg.SessionID, msg.Value)
		switch {
		case err == nil:
		case errors.Is(err, session.ErrNotFound), errors.Is(err, engine.ErrNotOwner):
			ch.Emit(protocol.Error(msg.SessionID, "Session not found"))
		default:
			ch.Emit(protocol.Error(msg.SessionID, err.Error()))
		}

	default:
		ch.Emit(protocol.Error("", "unknown message type: "+msg.Type))
	}
}
