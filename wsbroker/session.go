package wsbroker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Channel is an ordered byte stream between two endpoints.
type Channel interface {
	Send(ctx context.Context, data []byte) error
	// Recv returns io.EOF once the channel is closed.
	Recv(ctx context.Context) ([]byte, error)
	Close() error
}

// Transport opens channels to targets.
type Transport interface {
	Dial(ctx context.Context, target string) (Channel, error)
}

// FastDialer is implemented by transports that hand out a usable channel
// before the remote side confirms the connect. The error channel yields
// exactly one value: nil on success.
type FastDialer interface {
	DialFast(ctx context.Context, target string) (Channel, <-chan error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, target string) (Channel, error)

func (f TransportFunc) Dial(ctx context.Context, target string) (Channel, error) {
	return f(ctx, target)
}

// Mode is the topology a session belongs to.
type Mode int

const (
	ModeForward Mode = iota
	ModeReverse
)

func (m Mode) String() string {
	if m == ModeReverse {
		return "reverse"
	}
	return "forward"
}

// SessionState is a step of the session lifecycle.
type SessionState int32

const (
	StatePending SessionState = iota
	StateConnecting
	StateFastOpenForwarding
	StateEstablished
	StateClosing
	StateClosed
	StateFailed
)

func (s SessionState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateConnecting:
		return "connecting"
	case StateFastOpenForwarding:
		return "fast_open_forwarding"
	case StateEstablished:
		return "established"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Terminal reports whether no transition leaves s.
func (s SessionState) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

// Session is one proxied connection. It refers to its authorizing token by
// value only.
type Session struct {
	id        uuid.UUID
	mode      Mode
	token     string
	target    string
	createdAt time.Time

	state        atomic.Int32
	lastActivity atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	errMu sync.Mutex
	err   error
}

func (s *Session) ID() uuid.UUID        { return s.id }
func (s *Session) Mode() Mode           { return s.mode }
func (s *Session) Token() string        { return s.token }
func (s *Session) Target() string       { return s.target }
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// Done is closed after the session reached a terminal state and released
// its resources.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the error that ended the session, if any.
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *Session) setErr(err error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()
}

func (s *Session) transition(from, to SessionState) bool {
	return s.state.CompareAndSwap(int32(from), int32(to))
}

// ForceClose moves a live session to Closing and cancels its relay. It
// returns false when the session was already closing or finished.
func (s *Session) ForceClose() bool {
	for {
		cur := s.State()
		if cur.Terminal() || cur == StateClosing {
			return false
		}
		if s.transition(cur, StateClosing) {
			s.setErr(ErrCancelled)
			s.cancel()
			return true
		}
	}
}

// fail moves any non-terminal session to Failed.
func (s *Session) fail(err error) bool {
	for {
		cur := s.State()
		if cur.Terminal() {
			return false
		}
		if s.transition(cur, StateFailed) {
			s.errMu.Lock()
			s.err = err
			s.errMu.Unlock()
			s.cancel()
			return true
		}
	}
}

// close walks a non-terminal session through Closing to Closed.
func (s *Session) close() {
	for {
		cur := s.State()
		switch {
		case cur.Terminal():
			return
		case cur == StateClosing:
			if s.transition(StateClosing, StateClosed) {
				return
			}
		default:
			s.transition(cur, StateClosing)
		}
	}
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *Session) idle() time.Duration {
	return time.Since(time.Unix(0, s.lastActivity.Load()))
}

// Request describes a connection to be relayed.
type Request struct {
	Token    string
	Mode     Mode
	Target   string // host:port
	Client   Channel
	FastOpen bool
	// Reply reports the connect outcome to the originator. With fast-open
	// it is called with nil before the dial completes.
	Reply func(err error) error
}

func (r Request) reply(err error) error {
	if r.Reply == nil {
		return nil
	}
	return r.Reply(err)
}

// SessionManager runs the session state machine for every relayed
// connection and keeps the registry's per-token index current.
type SessionManager struct {
	registry       *TokenRegistry
	log            zerolog.Logger
	metrics        *Metrics
	channelTimeout time.Duration
	connectTimeout time.Duration

	mu       sync.Mutex
	sessions map[uuid.UUID]*Session
	closed   bool
	wg       sync.WaitGroup
}

// NewSessionManager creates a manager. registry may be nil on the client
// side where no admission control is needed.
func NewSessionManager(cfg *Config, registry *TokenRegistry, metrics *Metrics) *SessionManager {
	return &SessionManager{
		registry:       registry,
		log:            cfg.Logger,
		metrics:        metrics,
		channelTimeout: cfg.ChannelTimeout,
		connectTimeout: cfg.ConnectTimeout,
		sessions:       make(map[uuid.UUID]*Session),
	}
}

func (m *SessionManager) open(ctx context.Context, req Request) (*Session, error) {
	sctx, cancel := context.WithCancel(ctx)
	s := &Session{
		id:        uuid.New(),
		mode:      req.Mode,
		token:     req.Token,
		target:    req.Target,
		createdAt: time.Now(),
		ctx:       sctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	s.touch()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		return nil, ErrClosed
	}
	if m.registry != nil {
		if err := m.registry.attachSession(req.Token, s); err != nil {
			m.mu.Unlock()
			cancel()
			return nil, err
		}
	}
	m.sessions[s.id] = s
	m.wg.Add(1)
	m.mu.Unlock()

	m.metrics.sessionOpened(s.mode)
	return s, nil
}

// Handle relays req until the session ends and returns the reason it ended.
// A nil error means both sides closed normally.
func (m *SessionManager) Handle(ctx context.Context, req Request, t Transport) error {
	s, err := m.open(ctx, req)
	if err != nil {
		_ = req.reply(err)
		req.Client.Close()
		return err
	}
	return m.serve(s, req, t)
}

// Start is the non-blocking form of Handle. The returned session's Done
// channel closes when it ends.
func (m *SessionManager) Start(ctx context.Context, req Request, t Transport) (*Session, error) {
	s, err := m.open(ctx, req)
	if err != nil {
		_ = req.reply(err)
		req.Client.Close()
		return nil, err
	}
	go func() {
		_ = m.serve(s, req, t)
	}()
	return s, nil
}

func (m *SessionManager) serve(s *Session, req Request, t Transport) (err error) {
	log := m.log.With().Str("session", s.id.String()).Str("target", s.target).Logger()
	defer func() {
		m.finish(s, req)
		switch {
		case err == nil:
			log.Trace().Msg("Session closed")
		case IsCancelled(err):
			log.Debug().Msg("Session cancelled")
		default:
			log.Debug().Err(err).Msg("Session failed")
		}
	}()

	if !s.transition(StatePending, StateConnecting) {
		_ = req.reply(ErrCancelled)
		return ErrCancelled
	}

	dialCtx, cancelDial := s.ctx, context.CancelFunc(func() {})
	if m.connectTimeout > 0 {
		dialCtx, cancelDial = context.WithTimeout(s.ctx, m.connectTimeout)
	}

	if req.FastOpen {
		return m.serveFastOpen(s, req, t, dialCtx, cancelDial)
	}

	log.Trace().Msg("Connecting to target")
	target, err := t.Dial(dialCtx, s.target)
	cancelDial()
	if err != nil {
		if s.State() == StateClosing {
			_ = req.reply(ErrCancelled)
			return ErrCancelled
		}
		err = classifyDialError("dial "+s.target, err)
		s.fail(err)
		_ = req.reply(err)
		return err
	}
	if !s.transition(StateConnecting, StateEstablished) {
		target.Close()
		_ = req.reply(ErrCancelled)
		return m.outcome(s, ErrCancelled)
	}
	if err := req.reply(nil); err != nil {
		target.Close()
		s.fail(err)
		return err
	}
	return m.outcome(s, m.relay(s, req.Client, target))
}

func (m *SessionManager) serveFastOpen(s *Session, req Request, t Transport, dialCtx context.Context, cancelDial context.CancelFunc) error {
	if !s.transition(StateConnecting, StateFastOpenForwarding) {
		cancelDial()
		_ = req.reply(ErrCancelled)
		return ErrCancelled
	}

	var target Channel
	var confirm <-chan error
	if fd, ok := t.(FastDialer); ok {
		target, confirm = fd.DialFast(dialCtx, s.target)
	} else {
		dc := newDeferredChannel()
		target, confirm = dc, dc.dial(dialCtx, t, s.target)
	}

	if err := req.reply(nil); err != nil {
		cancelDial()
		target.Close()
		s.fail(err)
		return err
	}
	m.log.Trace().Str("target", s.target).Msg("Assume successful connection in fast-open mode")

	watched := make(chan struct{})
	go func() {
		defer close(watched)
		err := <-confirm
		switch {
		case err == nil:
			s.transition(StateFastOpenForwarding, StateEstablished)
		case errors.Is(err, context.Canceled):
			// dial abandoned because the session ended first
		default:
			// bytes already relayed are not retracted
			s.fail(classifyDialError("dial "+s.target, err))
		}
	}()

	err := m.relay(s, req.Client, target)
	cancelDial()
	<-watched
	return m.outcome(s, err)
}

func (m *SessionManager) relay(s *Session, client, target Channel) error {
	g, ctx := errgroup.WithContext(s.ctx)
	g.Go(func() error {
		return m.pump(ctx, s, client, target, "upstream")
	})
	g.Go(func() error {
		return m.pump(ctx, s, target, client, "downstream")
	})
	if m.channelTimeout > 0 {
		g.Go(func() error {
			return m.watchIdle(ctx, s)
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		client.Close()
		target.Close()
		return nil
	})

	err := g.Wait()
	if errors.Is(err, ErrChannelTimeout) {
		s.fail(err)
	}
	return err
}

// outcome settles the final state after the relay stopped.
func (m *SessionManager) outcome(s *Session, err error) error {
	switch s.State() {
	case StateFailed:
		return s.Err()
	case StateClosing:
		s.close()
		if serr := s.Err(); serr != nil {
			return serr
		}
		return ErrCancelled
	}
	s.close()
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (m *SessionManager) pump(ctx context.Context, s *Session, src, dst Channel, direction string) error {
	for {
		data, err := src.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if len(data) == 0 {
			continue
		}
		s.touch()
		if err := dst.Send(ctx, data); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		m.metrics.addBytes(direction, len(data))
	}
}

func (m *SessionManager) watchIdle(ctx context.Context, s *Session) error {
	interval := m.channelTimeout / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if s.idle() > m.channelTimeout {
				return newBrokerError("relay", ErrChannelTimeout, nil)
			}
		}
	}
}

func (m *SessionManager) finish(s *Session, req Request) {
	s.close()
	s.cancel()
	req.Client.Close()

	if m.registry != nil {
		m.registry.detachSession(s.token, s.id)
	}
	m.mu.Lock()
	delete(m.sessions, s.id)
	m.mu.Unlock()

	m.metrics.sessionFinished(s.mode, s.State())
	close(s.done)
	m.wg.Done()
}

// Get returns a live session by id.
func (m *SessionManager) Get(id uuid.UUID) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Count returns the number of live sessions.
func (m *SessionManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Close force-closes every session and waits until all are torn down.
// Sessions can no longer be started afterwards.
func (m *SessionManager) Close() {
	m.mu.Lock()
	m.closed = true
	live := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		live = append(live, s)
	}
	m.mu.Unlock()

	for _, s := range live {
		s.ForceClose()
	}
	m.wg.Wait()
}

// deferredChannel buffers sends until the underlying dial resolves.
type deferredChannel struct {
	ready   chan struct{}
	mu      sync.Mutex
	pending [][]byte
	ch      Channel
	err     error
	closed  bool
}

func newDeferredChannel() *deferredChannel {
	return &deferredChannel{ready: make(chan struct{})}
}

func (d *deferredChannel) dial(ctx context.Context, t Transport, target string) <-chan error {
	confirm := make(chan error, 1)
	go func() {
		ch, err := t.Dial(ctx, target)
		d.resolve(ctx, ch, err)
		confirm <- err
	}()
	return confirm
}

func (d *deferredChannel) resolve(ctx context.Context, ch Channel, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.ch, d.err = ch, err
	if err == nil {
		if d.closed {
			ch.Close()
			d.err = io.ErrClosedPipe
		} else {
			for _, p := range d.pending {
				if serr := ch.Send(ctx, p); serr != nil {
					d.err = serr
					break
				}
			}
		}
	}
	d.pending = nil
	close(d.ready)
}

func (d *deferredChannel) Send(ctx context.Context, data []byte) error {
	d.mu.Lock()
	select {
	case <-d.ready:
	default:
		defer d.mu.Unlock()
		if d.closed {
			return io.ErrClosedPipe
		}
		d.pending = append(d.pending, append([]byte(nil), data...))
		return nil
	}
	d.mu.Unlock()

	if d.err != nil {
		return d.err
	}
	return d.ch.Send(ctx, data)
}

func (d *deferredChannel) Recv(ctx context.Context) ([]byte, error) {
	select {
	case <-d.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if d.err != nil {
		return nil, d.err
	}
	return d.ch.Recv(ctx)
}

func (d *deferredChannel) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	select {
	case <-d.ready:
		if d.ch != nil {
			return d.ch.Close()
		}
	default:
	}
	return nil
}
