package wsbroker

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestSocks(t *testing.T, fastOpen bool, transport Transport) string {
	t.Helper()
	cfg := DefaultConfig().WithLogger(zerolog.Nop())
	m := NewSessionManager(cfg, nil, nil)
	t.Cleanup(m.Close)

	ln, err := listenSocks("127.0.0.1:0", socksListenerOptions{
		Mode:      ModeForward,
		FastOpen:  fastOpen,
		Sessions:  m,
		Transport: transport,
		Logger:    zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String()
}

func TestSocksListenerConnect(t *testing.T) {
	echo := startEchoServer(t)
	dialer, err := newTargetDialer(DefaultConfig())
	require.NoError(t, err)

	for _, fastOpen := range []bool{false, true} {
		addr := startTestSocks(t, fastOpen, dialer)
		assert.NoError(t, echoThrough(addr, echo, nil), "fast open %v", fastOpen)
	}
}

func TestSocksListenerConnectFailure(t *testing.T) {
	addr := startTestSocks(t, false, TransportFunc(func(context.Context, string) (Channel, error) {
		return nil, errors.New("connection refused")
	}))
	err := echoThrough(addr, "10.0.0.1:80", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refused")
}
