package wsbroker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Client keeps Threads links to the server, each behind its own
// ReconnectController. In forward mode it runs a local SOCKS5 listener;
// in reverse mode it dials targets on behalf of the server.
type Client struct {
	cfg      *Config
	token    string
	log      zerolog.Logger
	metrics  *Metrics
	sessions *SessionManager
	dialer   *targetDialer
	pool     *linkPool
	bridged  bool

	controllers []*ReconnectController

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	started    bool
	closed     bool
	socks      *socksListener
	socksErr   error
	socksReady chan struct{}

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient validates cfg and creates a client that authenticates with
// token. A nil cfg uses DefaultConfig.
func NewClient(token string, cfg *Config) (*Client, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg = cfg.Clone()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if token == "" {
		return nil, &ConfigError{Field: "token", Err: errors.New("required")}
	}

	c := &Client{
		token:      token,
		pool:       newLinkPool(),
		socksReady: make(chan struct{}),
		done:       make(chan struct{}),
	}
	if cfg.LoggerID != "" {
		AcquireLogBridge()
		c.bridged = true
		cfg.Logger = NewLoggerWithID(cfg.LoggerID)
	}

	dialer, err := newTargetDialer(cfg)
	if err != nil {
		if c.bridged {
			ReleaseLogBridge()
		}
		return nil, err
	}

	c.cfg = cfg
	c.log = cfg.Logger
	c.metrics = NewMetrics()
	c.sessions = NewSessionManager(cfg, nil, c.metrics)
	c.dialer = dialer
	c.ctx, c.cancel = context.WithCancel(context.Background())

	var handlers linkHandlers
	if cfg.Reverse {
		handlers.connect = c.serveConnect
	}
	for i := 0; i < cfg.Threads; i++ {
		c.controllers = append(c.controllers, NewReconnectController(cfg, func(ctx context.Context) (LinkHandle, error) {
			return c.establish(ctx, handlers)
		}, c.metrics))
	}

	runtime.SetFinalizer(c, func(c *Client) { c.Close() })
	return c, nil
}

// Metrics exposes the client's collectors.
func (c *Client) Metrics() *Metrics { return c.metrics }

// Sessions exposes the session manager.
func (c *Client) Sessions() *SessionManager { return c.sessions }

func (c *Client) establish(ctx context.Context, handlers linkHandlers) (LinkHandle, error) {
	l, err := dialLink(ctx, c.cfg, c.token, c.cfg.Reverse, c.metrics, handlers)
	if err != nil {
		return nil, err
	}
	if !c.pool.add(l) {
		l.Close()
		return nil, ErrClosed
	}
	if c.cfg.Reverse {
		c.log.Info().Msg("Authentication successful for reverse proxy")
	} else {
		c.log.Info().Msg("Authentication successful for forward proxy")
	}
	return l, nil
}

// serveConnect dials a target requested by the server in reverse mode.
func (c *Client) serveConnect(l *Link, ch *linkChannel, target string) {
	err := c.sessions.Handle(l.ctx, Request{
		Token:  c.token,
		Mode:   ModeReverse,
		Target: target,
		Client: ch,
		Reply: func(err error) error {
			return l.respond(ch.id, err)
		},
	}, c.dialer)
	if err != nil && !IsCancelled(err) {
		c.log.Debug().Err(err).Str("target", target).Msg("Session ended with error")
	}
}

func (c *Client) start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.started {
		return nil
	}
	c.started = true

	c.log.Info().Str("url", c.cfg.WSURL).Int("threads", len(c.controllers)).Msg("wsbroker client is connecting to")
	for _, ctrl := range c.controllers {
		if err := ctrl.Start(c.ctx); err != nil {
			return err
		}
	}
	go func() {
		for _, ctrl := range c.controllers {
			<-ctrl.Done()
		}
		close(c.done)
	}()

	if c.cfg.Reverse {
		close(c.socksReady)
		return nil
	}
	if !c.cfg.SocksWaitServer {
		c.startSocksLocked()
		return c.socksErr
	}
	go func() {
		if _, err := c.pool.pick(c.ctx); err != nil {
			return
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		if !c.closed {
			c.startSocksLocked()
		}
	}()
	return nil
}

// startSocksLocked must be called with c.mu held.
func (c *Client) startSocksLocked() {
	addr := joinHostPort(c.cfg.SocksHost, c.cfg.SocksPort)
	ln, err := listenSocks(addr, socksListenerOptions{
		Token:     c.token,
		Mode:      ModeForward,
		FastOpen:  c.cfg.FastOpen,
		Username:  c.cfg.SocksUsername,
		Password:  c.cfg.SocksPassword,
		BufSize:   c.cfg.BufferSize,
		Sessions:  c.sessions,
		Transport: c.pool,
		Logger:    c.log,
	})
	if err != nil {
		c.socksErr = err
		c.log.Error().Err(err).Str("addr", addr).Msg("Failed to start SOCKS5 server")
	} else {
		c.socks = ln
		c.log.Info().Str("addr", ln.Addr().String()).Msg("SOCKS5 server started")
	}
	close(c.socksReady)
}

// WaitReady connects the client and blocks until at least one link is up
// and, in forward mode, the SOCKS5 listener is bound. A timeout of 0
// waits forever. Cancelling ctx closes the client.
func (c *Client) WaitReady(ctx context.Context, timeout time.Duration) error {
	if err := c.start(); err != nil {
		return err
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	results := make(chan error, len(c.controllers))
	stop := make(chan struct{})
	defer close(stop)
	for _, ctrl := range c.controllers {
		go func(ctrl *ReconnectController) {
			select {
			case <-ctrl.Ready():
				results <- nil
			case <-ctrl.Done():
				err := ctrl.Err()
				if err == nil {
					err = ErrClosed
				}
				results <- err
			case <-stop:
			}
		}(ctrl)
	}

	failed := 0
	for connected := false; !connected; {
		select {
		case err := <-results:
			if err == nil {
				connected = true
				break
			}
			failed++
			if failed == len(c.controllers) {
				return err
			}
		case <-expired:
			return newBrokerError("wait ready", ErrConnectTimeout, nil)
		case <-ctx.Done():
			c.Close()
			return ErrCancelled
		}
	}

	select {
	case <-c.socksReady:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.socksErr
	case <-expired:
		return newBrokerError("wait ready", ErrConnectTimeout, nil)
	case <-ctx.Done():
		c.Close()
		return ErrCancelled
	}
}

// Done is closed once every link controller has stopped for good.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the first error that stopped a link controller.
func (c *Client) Err() error {
	for _, ctrl := range c.controllers {
		if err := ctrl.Err(); err != nil {
			return err
		}
	}
	return nil
}

// IsConnected reports whether at least one link is up.
func (c *Client) IsConnected() bool {
	for _, ctrl := range c.controllers {
		if ctrl.State() == LinkConnected {
			return true
		}
	}
	return false
}

// SocksAddr returns the bound address of the forward SOCKS5 listener.
func (c *Client) SocksAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.socks == nil {
		return nil
	}
	return c.socks.Addr()
}

// AddConnector asks the server to create a connector token for this
// reverse client. An empty token lets the server generate one.
func (c *Client) AddConnector(token string) (string, error) {
	if !c.cfg.Reverse {
		return "", errors.New("connector management requires reverse mode")
	}
	ctx, cancel := c.requestContext()
	defer cancel()

	l, err := c.pool.pick(ctx)
	if err != nil {
		return "", fmt.Errorf("no link available: %w", err)
	}
	return l.Connector(ctx, "add", token)
}

// RemoveConnector asks the server to revoke a connector token.
func (c *Client) RemoveConnector(token string) error {
	if !c.cfg.Reverse {
		return errors.New("connector management requires reverse mode")
	}
	ctx, cancel := c.requestContext()
	defer cancel()

	l, err := c.pool.pick(ctx)
	if err != nil {
		return fmt.Errorf("no link available: %w", err)
	}
	_, err = l.Connector(ctx, "remove", token)
	return err
}

func (c *Client) requestContext() (context.Context, context.CancelFunc) {
	if c.cfg.ConnectTimeout > 0 {
		return context.WithTimeout(c.ctx, c.cfg.ConnectTimeout)
	}
	return context.WithCancel(c.ctx)
}

// Close stops reconnecting, closes all links, the SOCKS5 listener and
// every session. It is safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		started := c.started
		socks := c.socks
		c.socks = nil
		c.mu.Unlock()

		c.cancel()
		if socks != nil {
			socks.Close()
		}
		for _, ctrl := range c.controllers {
			ctrl.Close()
		}
		if !started {
			close(c.done)
		}
		c.pool.close()
		c.sessions.Close()

		c.log.Info().Msg("Client stopped")
		if c.bridged {
			ReleaseLogBridge()
		}
	})
}
