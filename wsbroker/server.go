package wsbroker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Server is the broker side of the tunnel. It authenticates WebSocket
// links by token, dials targets for forward links and exposes a SOCKS5
// listener per reverse token.
type Server struct {
	cfg      *Config
	log      zerolog.Logger
	metrics  *Metrics
	registry *TokenRegistry
	sessions *SessionManager
	dialer   *targetDialer
	bridged  bool

	ctx    context.Context
	cancel context.CancelFunc

	listenMu sync.Mutex // serializes listener start-up

	mu         sync.Mutex
	pools      map[string]*linkPool      // token -> authenticated links
	listeners  map[string]*socksListener // reverse token -> SOCKS5 listener
	httpServer *http.Server
	addr       net.Addr
	serving    bool
	started    bool
	closed     bool
	runErr     error

	ready     chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

// NewServer validates cfg and creates a stopped server. A nil cfg uses
// DefaultConfig.
func NewServer(cfg *Config) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg = cfg.Clone()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		pools:     make(map[string]*linkPool),
		listeners: make(map[string]*socksListener),
		ready:     make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	if cfg.LoggerID != "" {
		AcquireLogBridge()
		s.bridged = true
		cfg.Logger = NewLoggerWithID(cfg.LoggerID)
	}

	dialer, err := newTargetDialer(cfg)
	if err != nil {
		if s.bridged {
			ReleaseLogBridge()
		}
		return nil, err
	}

	s.cfg = cfg
	s.log = cfg.Logger
	s.metrics = NewMetrics()
	s.registry = NewTokenRegistry(NewPortPool(cfg.PortPoolMin, cfg.PortPoolMax), cfg.Logger, s.metrics)
	s.sessions = NewSessionManager(cfg, s.registry, s.metrics)
	s.dialer = dialer
	s.ctx, s.cancel = context.WithCancel(context.Background())

	runtime.SetFinalizer(s, func(s *Server) { s.Close() })
	return s, nil
}

// Registry exposes the token registry.
func (s *Server) Registry() *TokenRegistry { return s.registry }

// Sessions exposes the session manager.
func (s *Server) Sessions() *SessionManager { return s.sessions }

// Metrics exposes the server's collectors.
func (s *Server) Metrics() *Metrics { return s.metrics }

// Addr returns the bound WebSocket address once the server is ready.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// AddForwardToken adds a new forward proxy token.
func (s *Server) AddForwardToken(token string) (string, error) {
	return s.registry.AddForwardToken(token)
}

// AddReverseToken adds a reverse proxy token. While serving, its SOCKS5
// listener is started before returning; if that fails the token is
// removed again.
func (s *Server) AddReverseToken(opts *ReverseTokenOptions) (*ReverseTokenResult, error) {
	res, err := s.registry.AddReverseToken(opts)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	serving := s.serving
	s.mu.Unlock()
	if serving {
		if err := s.startListener(res.Token); err != nil {
			s.registry.RemoveToken(res.Token)
			return nil, err
		}
	}
	return res, nil
}

// AddConnectorToken adds a connector token bound to an existing reverse token.
func (s *Server) AddConnectorToken(connector, reverse string) (string, error) {
	return s.registry.AddConnectorToken(connector, reverse)
}

// RemoveToken revokes a token, its connectors, their links, sessions and
// the SOCKS5 listener. It returns false if the token does not exist.
func (s *Server) RemoveToken(token string) bool {
	removed, ok := s.registry.remove(token)
	if !ok {
		return false
	}

	s.mu.Lock()
	var listeners []*socksListener
	var pools []*linkPool
	for _, t := range removed {
		if ln, ok := s.listeners[t]; ok {
			listeners = append(listeners, ln)
			delete(s.listeners, t)
		}
		if p, ok := s.pools[t]; ok {
			pools = append(pools, p)
			delete(s.pools, t)
		}
	}
	s.mu.Unlock()

	for _, ln := range listeners {
		ln.Close()
	}
	for _, p := range pools {
		p.close()
	}
	return true
}

// AddForwardTokenAsync is the non-blocking form of AddForwardToken.
func (s *Server) AddForwardTokenAsync(token string) <-chan TokenResult {
	return s.registry.AddForwardTokenAsync(token)
}

// AddReverseTokenAsync is the non-blocking form of AddReverseToken.
func (s *Server) AddReverseTokenAsync(opts *ReverseTokenOptions) <-chan TokenResult {
	return deferred(func() TokenResult {
		res, err := s.AddReverseToken(opts)
		if err != nil {
			return TokenResult{Err: err}
		}
		return TokenResult{Token: res.Token, Port: res.Port}
	})
}

// AddConnectorTokenAsync is the non-blocking form of AddConnectorToken.
func (s *Server) AddConnectorTokenAsync(connector, reverse string) <-chan TokenResult {
	return s.registry.AddConnectorTokenAsync(connector, reverse)
}

// RemoveTokenAsync is the non-blocking form of RemoveToken.
func (s *Server) RemoveTokenAsync(token string) <-chan bool {
	return deferred(func() bool {
		return s.RemoveToken(token)
	})
}

// poolFor returns the link pool of token, creating it on first use.
func (s *Server) poolFor(token string) *linkPool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pools[token]
	if !ok {
		p = newLinkPool()
		s.pools[token] = p
	}
	return p
}

// addLink registers an authenticated link. The registry check under s.mu
// orders it against RemoveToken.
func (s *Server) addLink(token string, l *Link) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	if _, _, ok := s.registry.Resolve(token); !ok {
		return false
	}
	p, ok := s.pools[token]
	if !ok {
		p = newLinkPool()
		s.pools[token] = p
	}
	return p.add(l)
}

// lookupPool returns the link pool of token without creating one.
func (s *Server) lookupPool(token string) (*linkPool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pools[token]
	return p, ok
}

// reverseRoute dials through the links of a reverse token. It is used by
// connector links and resolves the pool on every dial.
type reverseRoute struct {
	s     *Server
	token string
}

func (r reverseRoute) Dial(ctx context.Context, target string) (Channel, error) {
	p, ok := r.s.lookupPool(r.token)
	if !ok {
		return nil, newBrokerError("connect "+target, ErrConnect, ErrUnknownToken)
	}
	return p.Dial(ctx, target)
}

func (r reverseRoute) DialFast(ctx context.Context, target string) (Channel, <-chan error) {
	p, ok := r.s.lookupPool(r.token)
	if !ok {
		dc := newDeferredChannel()
		return dc, dc.dial(ctx, TransportFunc(func(context.Context, string) (Channel, error) {
			return nil, newBrokerError("connect "+target, ErrConnect, ErrUnknownToken)
		}), target)
	}
	return p.DialFast(ctx, target)
}

func (s *Server) startListener(token string) error {
	s.listenMu.Lock()
	defer s.listenMu.Unlock()

	s.mu.Lock()
	_, running := s.listeners[token]
	s.mu.Unlock()
	if running {
		return nil
	}

	opts, ok := s.registry.ReverseOptions(token)
	if !ok {
		return ErrUnknownToken
	}

	ln, err := listenSocks(joinHostPort(s.cfg.SocksHost, opts.Port), socksListenerOptions{
		Token:     token,
		Mode:      ModeReverse,
		FastOpen:  s.cfg.FastOpen,
		Username:  opts.Username,
		Password:  opts.Password,
		BufSize:   s.cfg.BufferSize,
		Sessions:  s.sessions,
		Transport: s.poolFor(token),
		Logger:    s.log,
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	_, stillValid := s.registry.ReverseOptions(token)
	if s.closed || !stillValid {
		s.mu.Unlock()
		ln.Close()
		return ErrUnknownToken
	}
	s.listeners[token] = ln
	s.mu.Unlock()

	s.log.Info().Int("port", opts.Port).Msg("SOCKS5 listener started for reverse token")
	return nil
}

// ListenerPort returns the SOCKS5 port serving a reverse token.
func (s *Server) ListenerPort(token string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ln, ok := s.listeners[token]
	if !ok {
		return 0, false
	}
	return ln.Port(), true
}

func (s *Server) start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	go func() {
		err := s.run()
		s.mu.Lock()
		s.runErr = err
		s.mu.Unlock()
		close(s.stopped)
	}()
}

func (s *Server) run() error {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}

	mux := http.NewServeMux()
	if s.cfg.APIKey != "" {
		NewAPIHandler(s, s.cfg.APIKey).RegisterHandlers(mux)
		s.log.Info().Int("port", s.cfg.WSPort).Msg("API endpoints enabled")
	}
	mux.HandleFunc("/socket", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.Warn().Err(err).Msg("Failed to upgrade connection")
			return
		}
		go s.handleWebSocket(conn, r)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		if s.cfg.APIKey != "" {
			fmt.Fprintf(w, "wsbroker %s is running. API endpoints available at /api/*\n", Version)
		} else {
			fmt.Fprintf(w, "wsbroker %s is running but API is not enabled.\n", Version)
		}
	})

	lc := listenConfig()
	ln, err := lc.Listen(s.ctx, "tcp", joinHostPort(s.cfg.WSHost, s.cfg.WSPort))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return ErrClosed
	}
	s.httpServer = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	s.addr = ln.Addr()
	s.serving = true
	s.mu.Unlock()

	for _, info := range s.registry.Tokens() {
		if info.Kind != TokenReverse {
			continue
		}
		if err := s.startListener(info.Token); err != nil {
			s.log.Error().Err(err).Int("port", info.Port).Msg("Failed to start SOCKS5 listener")
		}
	}

	s.log.Info().
		Str("listen", ln.Addr().String()).
		Str("url", fmt.Sprintf("http://localhost:%d", ln.Addr().(*net.TCPAddr).Port)).
		Msg("wsbroker server started")
	close(s.ready)

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// WaitReady starts the server if needed and blocks until it listens. A
// timeout of 0 waits forever.
func (s *Server) WaitReady(ctx context.Context, timeout time.Duration) error {
	s.start()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-s.ready:
		return nil
	case <-s.stopped:
		if err := s.Err(); err != nil {
			return err
		}
		return ErrClosed
	case <-expired:
		return newBrokerError("wait ready", ErrConnectTimeout, nil)
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
	}
}

// Serve runs the server until ctx is done or the HTTP server fails.
func (s *Server) Serve(ctx context.Context) error {
	s.start()
	select {
	case <-ctx.Done():
		s.Close()
		return nil
	case <-s.stopped:
		return s.Err()
	}
}

// Err returns the error that stopped the HTTP server, if any.
func (s *Server) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runErr
}

func (s *Server) handleWebSocket(conn *websocket.Conn, r *http.Request) {
	ws := NewWSConn(conn, "", s.log)
	ws.SetClientIPFromRequest(r)

	fail := func(reason string) {
		_ = ws.WriteMessage(AuthResponseMessage{Success: false, Error: reason})
		ws.Close()
	}

	if s.cfg.ConnectTimeout > 0 {
		_ = ws.SetReadDeadline(time.Now().Add(s.cfg.ConnectTimeout))
	}
	msg, err := ws.ReadMessage()
	if err != nil {
		s.log.Debug().Err(err).Msg("Failed to read auth message")
		fail("invalid auth message")
		return
	}
	auth, ok := msg.(AuthMessage)
	if !ok {
		fail("unexpected message type")
		return
	}

	token, kind, found := s.registry.Resolve(auth.Token)
	valid := found && ((auth.Reverse && kind == TokenReverse) ||
		(!auth.Reverse && (kind == TokenForward || kind == TokenConnector)))
	if !valid {
		s.log.Warn().Str("client_ip", ws.ClientIP()).Bool("reverse", auth.Reverse).Msg("Authentication failed")
		fail("invalid token")
		return
	}
	_ = ws.SetReadDeadline(time.Time{})

	var handlers linkHandlers
	switch kind {
	case TokenForward:
		handlers.connect = s.serveConnect(token, ModeForward, s.dialer)
	case TokenConnector:
		parent, _ := s.registry.ConnectorParent(token)
		handlers.connect = s.serveConnect(token, ModeReverse, reverseRoute{s: s, token: parent})
	case TokenReverse:
		handlers.connector = s.manageConnector(token)
	}

	l := newLink(ws, token, s.log, s.metrics, handlers)
	if !s.addLink(token, l) {
		fail("token revoked")
		l.shutdown(ErrUnknownToken, false)
		return
	}
	if err := ws.WriteMessage(AuthResponseMessage{Success: true}); err != nil {
		s.log.Debug().Err(err).Msg("Failed to send auth response")
		l.shutdown(err, false)
		return
	}

	s.log.Debug().Str("client_id", l.ID().String()).Str("type", kind.String()).Str("client_ip", ws.ClientIP()).Msg("Client authenticated")
	<-l.Done()
	s.log.Debug().Str("client_id", l.ID().String()).Msg("Client disconnected")
}

// serveConnect relays a channel opened by a forward or connector client.
func (s *Server) serveConnect(token string, mode Mode, t Transport) func(*Link, *linkChannel, string) {
	return func(l *Link, ch *linkChannel, target string) {
		err := s.sessions.Handle(l.ctx, Request{
			Token:  token,
			Mode:   mode,
			Target: target,
			Client: ch,
			Reply: func(err error) error {
				return l.respond(ch.id, err)
			},
		}, t)
		if err != nil && !IsCancelled(err) {
			s.log.Debug().Err(err).Str("target", target).Msg("Session ended with error")
		}
	}
}

// manageConnector serves connector requests from reverse clients whose
// token allows it.
func (s *Server) manageConnector(reverse string) func(*Link, ConnectorMessage) ConnectorResponseMessage {
	return func(l *Link, m ConnectorMessage) ConnectorResponseMessage {
		opts, ok := s.registry.ReverseOptions(reverse)
		if !ok || !opts.AllowManageConnector {
			s.log.Warn().Str("client_id", l.ID().String()).Msg("Unauthorized connector management attempt")
			return ConnectorResponseMessage{Error: "Unauthorized connector management attempt"}
		}

		switch m.Operation {
		case "add":
			token, err := s.AddConnectorToken(m.ConnectorToken, reverse)
			if err != nil {
				s.log.Warn().Err(err).Msg("Failed to add connector token")
				return ConnectorResponseMessage{Error: err.Error()}
			}
			s.log.Info().Msg("Added new connector token via WebSocket")
			return ConnectorResponseMessage{Success: true, ConnectorToken: token}

		case "remove":
			if parent, ok := s.registry.ConnectorParent(m.ConnectorToken); !ok || parent != reverse {
				return ConnectorResponseMessage{Error: "connector token not found"}
			}
			s.RemoveToken(m.ConnectorToken)
			s.log.Info().Msg("Removed connector token via WebSocket")
			return ConnectorResponseMessage{Success: true}

		default:
			return ConnectorResponseMessage{Error: fmt.Sprintf("Unknown connector operation: %s", m.Operation)}
		}
	}
}

// ClientCount returns the number of authenticated links.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.pools {
		n += p.Len()
	}
	return n
}

// TokenClientCount returns the number of links authenticated with token.
func (s *Server) TokenClientCount(token string) int {
	s.mu.Lock()
	p, ok := s.pools[token]
	s.mu.Unlock()
	if !ok {
		return 0
	}
	return p.Len()
}

// Close stops the server, closes every link, session and listener and
// releases all ports. It is safe to call more than once.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.serving = false
		listeners := s.listeners
		pools := s.pools
		s.listeners = make(map[string]*socksListener)
		s.pools = make(map[string]*linkPool)
		httpServer := s.httpServer
		s.mu.Unlock()

		s.cancel()
		for _, ln := range listeners {
			ln.Close()
		}
		if httpServer != nil {
			if err := httpServer.Close(); err != nil {
				s.log.Warn().Err(err).Msg("Error closing WebSocket server")
			}
		}
		for _, p := range pools {
			p.close()
		}
		s.sessions.Close()
		s.registry.Close()

		s.log.Info().Msg("Server stopped")
		if s.bridged {
			ReleaseLogBridge()
		}
	})
}
