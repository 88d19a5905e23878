package wsbroker

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/proxy"
)

// getFreePort returns a free port number
func getFreePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

// prefixedLogger writes warnings and errors to stdout with a prefix so
// interleaved server and client output stays readable.
func prefixedLogger(prefix string) zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{
		Out:     os.Stdout,
		NoColor: true,
		FormatLevel: func(i any) string {
			return fmt.Sprintf("%s %v", prefix, i)
		},
	}).Level(zerolog.WarnLevel).With().Timestamp().Logger()
}

// startEchoServer runs a TCP server that echoes everything back.
func startEchoServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(conn, conn)
			}()
		}
	}()
	return ln.Addr().String()
}

type testServer struct {
	*Server
	WSPort int
}

func (s *testServer) URL() string {
	return fmt.Sprintf("ws://127.0.0.1:%d", s.WSPort)
}

// startServer starts a loopback server. configure may adjust the config
// before the server is created.
func startServer(t *testing.T, configure func(*Config)) *testServer {
	t.Helper()
	wsPort := getFreePort(t)
	cfg := DefaultConfig().
		WithWSHost("127.0.0.1").
		WithWSPort(wsPort).
		WithPortPool(1024, 65535).
		WithLogger(prefixedLogger("SRV"))
	if configure != nil {
		configure(cfg)
	}

	server, err := NewServer(cfg)
	require.NoError(t, err)
	t.Cleanup(server.Close)
	return &testServer{Server: server, WSPort: wsPort}
}

func (s *testServer) waitReady(t *testing.T) {
	t.Helper()
	require.NoError(t, s.WaitReady(context.Background(), 5*time.Second))
}

// startClient connects a client to s and waits until it is ready.
func startClient(t *testing.T, s *testServer, token string, configure func(*Config)) *Client {
	t.Helper()
	cfg := DefaultConfig().
		WithWSURL(s.URL()).
		WithSocksHost("127.0.0.1").
		WithReconnectDelay(100 * time.Millisecond).
		WithLogger(prefixedLogger("CLT"))
	if configure != nil {
		configure(cfg)
	}
	if !cfg.Reverse {
		cfg.WithSocksPort(0)
	}

	client, err := NewClient(token, cfg)
	require.NoError(t, err)
	t.Cleanup(client.Close)
	require.NoError(t, client.WaitReady(context.Background(), 5*time.Second))
	return client
}

// echoThrough dials target through the SOCKS5 proxy at socksAddr and
// checks that a message comes back unchanged.
func echoThrough(socksAddr, target string, auth *proxy.Auth) error {
	dialer, err := proxy.SOCKS5("tcp", socksAddr, auth, &net.Dialer{Timeout: 5 * time.Second})
	if err != nil {
		return err
	}
	conn, err := dialer.Dial("tcp", target)
	if err != nil {
		return err
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	msg := []byte("ping " + time.Now().Format(time.RFC3339Nano))
	if _, err := conn.Write(msg); err != nil {
		return err
	}
	buf := make([]byte, len(msg))
	if _, err := io.ReadFull(conn, buf); err != nil {
		return err
	}
	if string(buf) != string(msg) {
		return fmt.Errorf("echo mismatch: got %q, want %q", buf, msg)
	}
	return nil
}
