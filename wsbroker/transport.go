package wsbroker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/net/proxy"
)

func joinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// splitTarget parses host:port with a port in 1..65535.
func splitTarget(target string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port number: %s", portStr)
	}
	return host, port, nil
}

// connChannel adapts a net.Conn to Channel. Data returned by Recv is only
// valid until the next Recv.
type connChannel struct {
	conn net.Conn
	buf  []byte
}

func newConnChannel(conn net.Conn, bufferSize int) *connChannel {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &connChannel{conn: conn, buf: make([]byte, bufferSize)}
}

func (c *connChannel) Send(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := c.conn.Write(data)
	return err
}

func (c *connChannel) Recv(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n, err := c.conn.Read(c.buf)
	if n > 0 {
		return c.buf[:n], nil
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return nil, io.EOF
	}
	return nil, err
}

func (c *connChannel) Close() error {
	return c.conn.Close()
}

// targetDialer opens TCP connections to targets, directly or through the
// upstream SOCKS5 proxy.
type targetDialer struct {
	dialer     proxy.ContextDialer
	bufferSize int
}

func newTargetDialer(cfg *Config) (*targetDialer, error) {
	direct := &net.Dialer{KeepAlive: 30 * time.Second}
	d := &targetDialer{dialer: direct, bufferSize: cfg.BufferSize}
	if cfg.UpstreamProxy == "" {
		return d, nil
	}

	var auth *proxy.Auth
	if cfg.UpstreamUsername != "" {
		auth = &proxy.Auth{User: cfg.UpstreamUsername, Password: cfg.UpstreamPassword}
	}
	upstream, err := proxy.SOCKS5("tcp", cfg.UpstreamProxy, auth, direct)
	if err != nil {
		return nil, fmt.Errorf("upstream proxy: %w", err)
	}
	cd, ok := upstream.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("upstream proxy dialer does not support contexts")
	}
	d.dialer = cd
	return d, nil
}

func (d *targetDialer) Dial(ctx context.Context, target string) (Channel, error) {
	conn, err := d.dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		return nil, err
	}
	return newConnChannel(conn, d.bufferSize), nil
}

// convertWSPath converts HTTP(S) URLs to WS(S) URLs and ensures proper path
func convertWSPath(wsURL string) string {
	u, err := url.Parse(wsURL)
	if err != nil {
		return wsURL
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}

	if u.Path == "" || u.Path == "/" {
		u.Path = "/socket"
	}

	return u.String()
}

// dialLink opens a WebSocket to the server and authenticates with token.
func dialLink(ctx context.Context, cfg *Config, token string, reverse bool, metrics *Metrics, handlers linkHandlers) (*Link, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: cfg.ConnectTimeout,
	}
	if cfg.NoEnvProxy {
		dialer.Proxy = nil
	}
	header := http.Header{}
	if cfg.UserAgent != "" {
		header.Set("User-Agent", cfg.UserAgent)
	}

	wsURL := convertWSPath(cfg.WSURL)
	conn, _, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return nil, classifyDialError("dial "+wsURL, err)
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	ws := NewWSConn(conn, "", cfg.Logger)
	if cfg.ConnectTimeout > 0 {
		_ = ws.SetReadDeadline(time.Now().Add(cfg.ConnectTimeout))
	}

	if err := ws.WriteMessage(AuthMessage{Token: token, Reverse: reverse}); err != nil {
		ws.Close()
		return nil, classifyDialError("auth", err)
	}
	msg, err := ws.ReadMessage()
	if err != nil {
		ws.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, classifyDialError("auth", err)
	}
	resp, ok := msg.(AuthResponseMessage)
	if !ok {
		ws.Close()
		return nil, newBrokerError("auth", ErrConnect, errors.New("unexpected message type for auth response"))
	}
	if !resp.Success {
		ws.Close()
		var cause error
		if resp.Error != "" {
			cause = errors.New(resp.Error)
		}
		return nil, newBrokerError("auth", ErrAuthFailed, cause)
	}

	if !stop() {
		ws.Close()
		return nil, ctx.Err()
	}
	_ = ws.SetReadDeadline(time.Time{})
	return newLink(ws, token, cfg.Logger, metrics, handlers), nil
}
