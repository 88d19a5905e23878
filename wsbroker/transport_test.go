package wsbroker

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/things-go/go-socks5"
	"github.com/things-go/go-socks5/statute"
)

func TestConvertWSPath(t *testing.T) {
	tests := map[string]string{
		"ws://localhost:8765":        "ws://localhost:8765/socket",
		"http://example.com":         "ws://example.com/socket",
		"https://example.com/":       "wss://example.com/socket",
		"wss://example.com/custom":   "wss://example.com/custom",
		"ws://[::1]:8765/socket?x=1": "ws://[::1]:8765/socket?x=1",
	}
	for in, want := range tests {
		assert.Equal(t, want, convertWSPath(in), in)
	}
}

func TestSplitTarget(t *testing.T) {
	host, port, err := splitTarget("example.com:443")
	require.NoError(t, err)
	assert.Equal(t, "example.com", host)
	assert.Equal(t, 443, port)

	host, port, err = splitTarget("[::1]:80")
	require.NoError(t, err)
	assert.Equal(t, "::1", host)
	assert.Equal(t, 80, port)

	for _, bad := range []string{"example.com", "example.com:0", "example.com:70000", "example.com:http"} {
		_, _, err := splitTarget(bad)
		assert.Error(t, err, bad)
	}
}

func TestReplyCode(t *testing.T) {
	assert.Equal(t, uint8(statute.RepSuccess), replyCode(nil))
	assert.Equal(t, uint8(statute.RepHostUnreachable), replyCode(newBrokerError("dial", ErrConnectTimeout, nil)))
	assert.Equal(t, uint8(statute.RepConnectionRefused), replyCode(newBrokerError("dial", ErrConnect, nil)))
	assert.Equal(t, uint8(statute.RepRuleFailure), replyCode(ErrUnknownToken))
	assert.Equal(t, uint8(statute.RepServerFailure), replyCode(errors.New("boom")))
}

func TestCancelToken(t *testing.T) {
	var nilToken *CancelToken
	assert.NoError(t, nilToken.Context().Err())

	token := NewCancelToken()
	assert.False(t, token.IsCancelled())

	token.Cancel()
	token.Cancel()
	assert.True(t, token.IsCancelled())
	assert.ErrorIs(t, token.Context().Err(), context.Canceled)
}

// startUpstreamProxy runs a plain SOCKS5 proxy requiring user/pass and
// counts the connections it dials.
func startUpstreamProxy(t *testing.T) (string, *atomic.Int32) {
	t.Helper()
	var dials atomic.Int32
	srv := socks5.NewServer(
		socks5.WithCredential(socks5.StaticCredentials{"up": "secret"}),
		socks5.WithDial(func(ctx context.Context, network, addr string) (net.Conn, error) {
			dials.Add(1)
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		}),
	)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go srv.Serve(ln)
	return ln.Addr().String(), &dials
}

func TestUpstreamProxy(t *testing.T) {
	echo := startEchoServer(t)
	upstream, dials := startUpstreamProxy(t)

	server := startServer(t, func(cfg *Config) {
		cfg.WithUpstreamProxy("socks5://up:secret@" + upstream)
	})
	token, err := server.AddForwardToken("")
	require.NoError(t, err)
	server.waitReady(t)

	client := startClient(t, server, token, nil)
	require.NoError(t, echoThrough(client.SocksAddr().String(), echo, nil))
	assert.Equal(t, int32(1), dials.Load())
}

func TestUpstreamProxyWrongCredentials(t *testing.T) {
	echo := startEchoServer(t)
	upstream, dials := startUpstreamProxy(t)

	server := startServer(t, func(cfg *Config) {
		cfg.WithUpstreamProxy(upstream).WithUpstreamAuth("up", "wrong")
	})
	token, err := server.AddForwardToken("")
	require.NoError(t, err)
	server.waitReady(t)

	client := startClient(t, server, token, nil)
	assert.Error(t, echoThrough(client.SocksAddr().String(), echo, nil))
	assert.Zero(t, dials.Load())
}
