package session

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Binary frames up to this size that decode as a known control message are
// treated as control; some clients send JSON in binary frames.
const maxBinaryControl = 1024

const writeTimeout = 5 * time.Second

// WSHandler serves the ingest websocket. Each connection is one session,
// driven by the connection's read loop.
type WSHandler struct {
	m        *Manager
	log      *slog.Logger
	maxFrame int64
	upgrader websocket.Upgrader
}

// NewWSHandler returns the ingest websocket handler. maxFrameBytes limits a
// single frame; zero means no limit.
func NewWSHandler(m *Manager, maxFrameBytes int64, log *slog.Logger) *WSHandler {
	if log == nil {
		log = slog.Default()
	}
	return &WSHandler{
		m:        m,
		log:      log,
		maxFrame: maxFrameBytes,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 4 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the connection and runs its read loop until it closes.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer ws.Close()
	if h.maxFrame > 0 {
		ws.SetReadLimit(h.maxFrame)
	}

	conn := &wsConn{ws: ws}
	s := h.m.Begin(conn)
	defer h.m.OnConnectionClosed(r.Context(), s)
	h.log.Info("ingest connection opened", slog.String("session_id", s.ID()), slog.String("remote_addr", r.RemoteAddr))

	for {
		kind, data, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				h.log.Info("ingest connection lost", slog.String("session_id", s.ID()), slog.String("error", err.Error()))
			} else {
				h.log.Info("ingest connection closed", slog.String("session_id", s.ID()))
			}
			return
		}

		msg, control, err := classify(kind, data)
		switch {
		case err != nil:
			h.log.Warn("malformed control message", slog.String("session_id", s.ID()), slog.String("error", err.Error()))
		case control:
			h.m.HandleControl(r.Context(), s, msg)
		default:
			h.m.HandlePayload(s, data)
		}
	}
}

// classify splits frames into control messages and media. Text frames are
// always control; binary frames are control only when they are a small JSON
// object naming a known message type.
func classify(kind int, data []byte) (ControlMessage, bool, error) {
	var msg ControlMessage
	switch kind {
	case websocket.TextMessage:
		if err := json.Unmarshal(data, &msg); err != nil {
			return msg, true, err
		}
		return msg, true, nil
	case websocket.BinaryMessage:
		if len(data) > maxBinaryControl || !bytes.HasPrefix(bytes.TrimSpace(data), []byte("{")) {
			return msg, false, nil
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			return ControlMessage{}, false, nil
		}
		switch msg.Type {
		case TypeStartStream, TypeStopStream:
			return msg, true, nil
		}
		return ControlMessage{}, false, nil
	default:
		return msg, false, nil
	}
}

// wsConn serializes writes; gorilla connections allow one concurrent writer.
type wsConn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (c *wsConn) SendJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(v)
}
