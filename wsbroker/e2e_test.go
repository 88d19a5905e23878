package wsbroker

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/proxy"
)

func TestForwardProxy(t *testing.T) {
	echo := startEchoServer(t)
	server := startServer(t, nil)
	token, err := server.AddForwardToken("")
	require.NoError(t, err)
	server.waitReady(t)

	client := startClient(t, server, token, nil)
	require.NotNil(t, client.SocksAddr())
	require.NoError(t, echoThrough(client.SocksAddr().String(), echo, nil))

	assert.True(t, client.IsConnected())
	assert.Equal(t, 1, server.TokenClientCount(token))
}

func TestForwardProxyAuth(t *testing.T) {
	echo := startEchoServer(t)
	server := startServer(t, nil)
	token, err := server.AddForwardToken("")
	require.NoError(t, err)
	server.waitReady(t)

	client := startClient(t, server, token, func(cfg *Config) {
		cfg.WithSocksUsername("user").WithSocksPassword("pass")
	})
	addr := client.SocksAddr().String()

	require.NoError(t, echoThrough(addr, echo, &proxy.Auth{User: "user", Password: "pass"}))
	assert.Error(t, echoThrough(addr, echo, &proxy.Auth{User: "user", Password: "wrong"}))
	assert.Error(t, echoThrough(addr, echo, nil))
}

func TestForwardProxyFastOpen(t *testing.T) {
	echo := startEchoServer(t)
	server := startServer(t, nil)
	token, err := server.AddForwardToken("")
	require.NoError(t, err)
	server.waitReady(t)

	client := startClient(t, server, token, func(cfg *Config) {
		cfg.WithFastOpen(true)
	})
	for i := 0; i < 3; i++ {
		require.NoError(t, echoThrough(client.SocksAddr().String(), echo, nil))
	}
}

func TestForwardProxyUnreachableTarget(t *testing.T) {
	server := startServer(t, nil)
	token, err := server.AddForwardToken("")
	require.NoError(t, err)
	server.waitReady(t)

	client := startClient(t, server, token, nil)
	closed := fmt.Sprintf("127.0.0.1:%d", getFreePort(t))
	assert.Error(t, echoThrough(client.SocksAddr().String(), closed, nil))

	// the link survives a failed session
	assert.True(t, client.IsConnected())
}

func TestTokenHashAuth(t *testing.T) {
	echo := startEchoServer(t)
	server := startServer(t, nil)
	token, err := server.AddForwardToken("plain-secret")
	require.NoError(t, err)
	server.waitReady(t)

	client := startClient(t, server, tokenHash(token), nil)
	require.NoError(t, echoThrough(client.SocksAddr().String(), echo, nil))
	assert.Equal(t, 1, server.TokenClientCount(token))
}

func TestInvalidTokenRejected(t *testing.T) {
	server := startServer(t, nil)
	server.waitReady(t)

	cfg := DefaultConfig().
		WithWSURL(server.URL()).
		WithSocksPort(0).
		WithLogger(prefixedLogger("CLT"))
	client, err := NewClient("nope", cfg)
	require.NoError(t, err)
	defer client.Close()

	err = client.WaitReady(t.Context(), 5*time.Second)
	assert.ErrorIs(t, err, ErrAuthFailed)
	assert.False(t, client.IsConnected())
}

func TestReverseProxy(t *testing.T) {
	echo := startEchoServer(t)
	server := startServer(t, nil)
	socksPort := getFreePort(t)
	res, err := server.AddReverseToken(&ReverseTokenOptions{Port: socksPort})
	require.NoError(t, err)
	require.Equal(t, socksPort, res.Port)
	server.waitReady(t)

	port, ok := server.ListenerPort(res.Token)
	require.True(t, ok)
	assert.Equal(t, socksPort, port)

	startClient(t, server, res.Token, func(cfg *Config) {
		cfg.WithReverse(true)
	})
	require.NoError(t, echoThrough(fmt.Sprintf("127.0.0.1:%d", socksPort), echo, nil))
}

func TestReverseProxyAuth(t *testing.T) {
	echo := startEchoServer(t)
	server := startServer(t, func(cfg *Config) {
		cfg.WithFastOpen(true)
	})
	server.waitReady(t)

	// added while serving, so the listener starts before the call returns
	socksPort := getFreePort(t)
	res, err := server.AddReverseToken(&ReverseTokenOptions{
		Port:     socksPort,
		Username: "user",
		Password: "pass",
	})
	require.NoError(t, err)

	startClient(t, server, res.Token, func(cfg *Config) {
		cfg.WithReverse(true)
	})
	addr := fmt.Sprintf("127.0.0.1:%d", socksPort)
	require.NoError(t, echoThrough(addr, echo, &proxy.Auth{User: "user", Password: "pass"}))
	assert.Error(t, echoThrough(addr, echo, nil))
}

func TestReverseListenerPortTaken(t *testing.T) {
	server := startServer(t, nil)
	server.waitReady(t)

	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	_, err = server.AddReverseToken(&ReverseTokenOptions{Token: "r", Port: busy.Addr().(*net.TCPAddr).Port})
	require.Error(t, err)

	_, _, found := server.Registry().Resolve("r")
	assert.False(t, found, "token must be rolled back when its listener fails")
}

func TestConnector(t *testing.T) {
	echo := startEchoServer(t)
	server := startServer(t, nil)
	socksPort := getFreePort(t)
	res, err := server.AddReverseToken(&ReverseTokenOptions{Port: socksPort})
	require.NoError(t, err)
	connectorToken, err := server.AddConnectorToken("", res.Token)
	require.NoError(t, err)
	server.waitReady(t)

	startClient(t, server, res.Token, func(cfg *Config) {
		cfg.WithReverse(true)
	})
	connector := startClient(t, server, connectorToken, nil)

	require.NoError(t, echoThrough(connector.SocksAddr().String(), echo, nil))
	require.NoError(t, echoThrough(fmt.Sprintf("127.0.0.1:%d", socksPort), echo, nil))
}

func TestConnectorAutonomy(t *testing.T) {
	echo := startEchoServer(t)
	server := startServer(t, nil)
	res, err := server.AddReverseToken(&ReverseTokenOptions{
		Port:                 getFreePort(t),
		AllowManageConnector: true,
	})
	require.NoError(t, err)
	server.waitReady(t)

	provider := startClient(t, server, res.Token, func(cfg *Config) {
		cfg.WithReverse(true)
	})
	connectorToken, err := provider.AddConnector("")
	require.NoError(t, err)
	require.NotEmpty(t, connectorToken)

	parent, ok := server.Registry().ConnectorParent(connectorToken)
	require.True(t, ok)
	assert.Equal(t, res.Token, parent)

	connector := startClient(t, server, connectorToken, nil)
	require.NoError(t, echoThrough(connector.SocksAddr().String(), echo, nil))

	require.NoError(t, provider.RemoveConnector(connectorToken))
	_, _, found := server.Registry().Resolve(connectorToken)
	assert.False(t, found)
	assert.Error(t, provider.RemoveConnector(connectorToken))
}

func TestConnectorManagementDenied(t *testing.T) {
	server := startServer(t, nil)
	res, err := server.AddReverseToken(&ReverseTokenOptions{Port: getFreePort(t)})
	require.NoError(t, err)
	server.waitReady(t)

	provider := startClient(t, server, res.Token, func(cfg *Config) {
		cfg.WithReverse(true)
	})
	_, err = provider.AddConnector("c")
	assert.Error(t, err)

	_, _, found := server.Registry().Resolve("c")
	assert.False(t, found)
}

func TestConnectorRequiresReverseMode(t *testing.T) {
	server := startServer(t, nil)
	token, err := server.AddForwardToken("")
	require.NoError(t, err)
	server.waitReady(t)

	client := startClient(t, server, token, nil)
	_, err = client.AddConnector("")
	assert.Error(t, err)
	assert.Error(t, client.RemoveConnector("x"))
}

func TestClientThreads(t *testing.T) {
	echo := startEchoServer(t)
	server := startServer(t, nil)
	token, err := server.AddForwardToken("")
	require.NoError(t, err)
	server.waitReady(t)

	client := startClient(t, server, token, func(cfg *Config) {
		cfg.WithThreads(3)
	})
	assert.Eventually(t, func() bool {
		return server.TokenClientCount(token) == 3
	}, 5*time.Second, 20*time.Millisecond)

	for i := 0; i < 6; i++ {
		require.NoError(t, echoThrough(client.SocksAddr().String(), echo, nil))
	}
}

func TestRemoveTokenDisconnectsClient(t *testing.T) {
	echo := startEchoServer(t)
	server := startServer(t, nil)
	token, err := server.AddForwardToken("")
	require.NoError(t, err)
	server.waitReady(t)

	client := startClient(t, server, token, nil)
	require.NoError(t, echoThrough(client.SocksAddr().String(), echo, nil))

	require.True(t, server.RemoveToken(token))
	select {
	case <-client.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("client kept running after its token was revoked")
	}
	assert.ErrorIs(t, client.Err(), ErrAuthFailed)
	assert.Equal(t, 0, server.ClientCount())
}

func TestRemoveReverseTokenClosesListener(t *testing.T) {
	server := startServer(t, nil)
	socksPort := getFreePort(t)
	res, err := server.AddReverseToken(&ReverseTokenOptions{Port: socksPort})
	require.NoError(t, err)
	connectorToken, err := server.AddConnectorToken("", res.Token)
	require.NoError(t, err)
	server.waitReady(t)

	require.True(t, server.RemoveToken(res.Token))
	_, ok := server.ListenerPort(res.Token)
	assert.False(t, ok)
	_, _, found := server.Registry().Resolve(connectorToken)
	assert.False(t, found)

	// the port is free again and can be reused
	res2, err := server.AddReverseToken(&ReverseTokenOptions{Port: socksPort})
	require.NoError(t, err)
	assert.Equal(t, socksPort, res2.Port)
}

func TestClientReconnectsAfterServerRestart(t *testing.T) {
	echo := startEchoServer(t)
	first := startServer(t, nil)
	_, err := first.AddForwardToken("tok")
	require.NoError(t, err)
	first.waitReady(t)

	client := startClient(t, first, "tok", nil)
	require.NoError(t, echoThrough(client.SocksAddr().String(), echo, nil))

	first.Close()
	assert.Eventually(t, func() bool { return !client.IsConnected() }, 5*time.Second, 20*time.Millisecond)

	second, err := NewServer(DefaultConfig().
		WithWSHost("127.0.0.1").
		WithWSPort(first.WSPort).
		WithLogger(prefixedLogger("SRV")))
	require.NoError(t, err)
	t.Cleanup(second.Close)
	_, err = second.AddForwardToken("tok")
	require.NoError(t, err)
	require.NoError(t, second.WaitReady(t.Context(), 5*time.Second))

	assert.Eventually(t, client.IsConnected, 5*time.Second, 20*time.Millisecond)
	require.NoError(t, echoThrough(client.SocksAddr().String(), echo, nil))
}

func TestServerCloseIdempotent(t *testing.T) {
	server := startServer(t, nil)
	server.waitReady(t)
	require.NotNil(t, server.Addr())

	addr := server.Addr().String()

	server.Close()
	server.Close()
	_, err := net.DialTimeout("tcp", addr, time.Second)
	assert.Error(t, err)
}
