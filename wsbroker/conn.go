package wsbroker

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	MaxWebSocketMessageSize = 32 * 1024 * 1024 // 32MB max message size

	pingInterval = 30 * time.Second
	pongWait     = 60 * time.Second
)

// WSConn wraps a websocket.Conn with mutex protection
type WSConn struct {
	conn *websocket.Conn
	log  zerolog.Logger
	mu   sync.Mutex

	pingTime time.Time
	pingMu   sync.Mutex

	label    string
	clientIP string
}

// NewWSConn creates a new mutex-protected websocket connection
func NewWSConn(conn *websocket.Conn, label string, logger zerolog.Logger) *WSConn {
	c := &WSConn{
		conn:  conn,
		log:   logger,
		label: label,
	}

	conn.SetReadLimit(MaxWebSocketMessageSize)
	conn.SetPongHandler(func(string) error {
		c.pingMu.Lock()
		rtt := time.Since(c.pingTime)
		c.pingMu.Unlock()

		c.log.Trace().Str("label", c.label).Int64("rtt_ms", rtt.Milliseconds()).Msg("Received pong, RTT measured")
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	return c
}

func (c *WSConn) Label() string {
	return c.label
}

func (c *WSConn) setLabel(label string) {
	c.label = label
}

// ClientIP returns the remote address recorded by SetClientIPFromRequest.
func (c *WSConn) ClientIP() string {
	return c.clientIP
}

// SetClientIPFromRequest extracts and sets the client IP from HTTP request
func (c *WSConn) SetClientIPFromRequest(r *http.Request) {
	c.clientIP = clientIPFromRequest(r)
}

func clientIPFromRequest(r *http.Request) string {
	if ip := r.Header.Get("CF-Connecting-IP"); ip != "" {
		return ip
	}
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		if idx := strings.Index(ip, ","); idx != -1 {
			return strings.TrimSpace(ip[:idx])
		}
		return strings.TrimSpace(ip)
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// ReadMessage reads a BaseMessage from the websocket connection
func (c *WSConn) ReadMessage() (BaseMessage, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	msg, err := ParseMessage(data)
	if err != nil {
		return nil, err
	}
	c.logMessage(msg, "recv")
	return msg, nil
}

// WriteMessage writes a BaseMessage to the websocket connection
func (c *WSConn) WriteMessage(msg BaseMessage) error {
	data, err := PackMessage(msg)
	if err != nil {
		return err
	}
	c.logMessage(msg, "send")

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

// SetReadDeadline bounds the next ReadMessage call. A zero time clears it.
func (c *WSConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// Ping sends a ping control frame and records the send time for RTT.
func (c *WSConn) Ping(deadline time.Time) error {
	c.pingMu.Lock()
	c.pingTime = time.Now()
	c.pingMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, deadline)
}

// CloseWithReason sends a close frame before closing the connection.
func (c *WSConn) CloseWithReason(code int, reason string) error {
	c.mu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	c.mu.Unlock()
	return c.conn.Close()
}

// Close closes the underlying websocket connection
func (c *WSConn) Close() error {
	return c.conn.Close()
}

// logMessage traces a wire message with payload and token redacted.
func (c *WSConn) logMessage(msg BaseMessage, direction string) {
	if !c.log.Trace().Enabled() {
		return
	}

	data, _ := json.Marshal(msg)
	var fields map[string]any
	_ = json.Unmarshal(data, &fields)

	if payload, ok := msg.(DataMessage); ok {
		delete(fields, "data")
		fields["data_length"] = len(payload.Data)
	}
	if _, ok := fields["token"]; ok {
		fields["token"] = "..."
	}
	if _, ok := fields["connector_token"]; ok {
		fields["connector_token"] = "..."
	}

	c.log.Trace().
		Str("label", c.label).
		Interface("msg", fields).
		Msgf("WebSocket message TYPE=%s DIRECTION=%s", msg.GetType(), direction)
}
