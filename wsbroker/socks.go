package wsbroker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/rs/zerolog"
	"github.com/things-go/go-socks5"
	"github.com/things-go/go-socks5/statute"
)

// socksLogger routes go-socks5 errors into zerolog at debug level.
type socksLogger struct {
	log zerolog.Logger
}

func (l socksLogger) Errorf(format string, args ...any) {
	l.log.Debug().Msgf("SOCKS5: "+format, args...)
}

// remoteResolver leaves names unresolved so the far end resolves them.
type remoteResolver struct{}

func (remoteResolver) Resolve(ctx context.Context, name string) (context.Context, net.IP, error) {
	return ctx, nil, nil
}

// socksListener serves SOCKS5 CONNECT requests on one port, relaying each
// through a SessionManager session.
type socksListener struct {
	log       zerolog.Logger
	sessions  *SessionManager
	transport Transport
	token     string
	mode      Mode
	fastOpen  bool
	bufSize   int
	server    *socks5.Server

	ctx      context.Context
	cancel   context.CancelFunc
	listener net.Listener
	wg       sync.WaitGroup
}

type socksListenerOptions struct {
	Token     string
	Mode      Mode
	FastOpen  bool
	Username  string
	Password  string
	BufSize   int
	Sessions  *SessionManager
	Transport Transport
	Logger    zerolog.Logger
}

// listenSocks binds addr and starts serving in the background.
func listenSocks(addr string, opts socksListenerOptions) (*socksListener, error) {
	lc := listenConfig()
	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}

	if opts.BufSize <= 0 {
		opts.BufSize = DefaultBufferSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &socksListener{
		log:       opts.Logger,
		sessions:  opts.Sessions,
		transport: opts.Transport,
		token:     opts.Token,
		mode:      opts.Mode,
		fastOpen:  opts.FastOpen,
		bufSize:   opts.BufSize,
		ctx:       ctx,
		cancel:    cancel,
		listener:  ln,
	}

	serverOpts := []socks5.Option{
		socks5.WithLogger(socksLogger{log: opts.Logger}),
		socks5.WithResolver(remoteResolver{}),
		socks5.WithConnectHandle(s.handleConnect),
	}
	if opts.Username != "" && opts.Password != "" {
		serverOpts = append(serverOpts, socks5.WithCredential(socks5.StaticCredentials{
			opts.Username: opts.Password,
		}))
	}
	s.server = socks5.NewServer(serverOpts...)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.server.Serve(ln); err != nil && ctx.Err() == nil {
			s.log.Warn().Err(err).Msg("SOCKS5 server stopped")
		}
	}()

	s.log.Debug().Str("addr", ln.Addr().String()).Msg("SOCKS5 server started")
	return s, nil
}

// Addr returns the bound address.
func (s *socksListener) Addr() net.Addr {
	return s.listener.Addr()
}

// Port returns the bound TCP port.
func (s *socksListener) Port() int {
	if addr, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// replyBindAddr is reported as BND.ADDR. go-socks5 turns a success reply
// without an address into "address type not supported".
var replyBindAddr = &net.TCPAddr{IP: net.IPv4zero, Port: 0}

func (s *socksListener) handleConnect(_ context.Context, writer io.Writer, req *socks5.Request) error {
	target := socksTarget(req.DestAddr)
	client := &socksChannel{reader: req.Reader, writer: writer, buf: make([]byte, s.bufSize)}

	err := s.sessions.Handle(s.ctx, Request{
		Token:    s.token,
		Mode:     s.mode,
		Target:   target,
		Client:   client,
		FastOpen: s.fastOpen,
		Reply: func(err error) error {
			return socks5.SendReply(writer, replyCode(err), replyBindAddr)
		},
	}, s.transport)
	if err != nil && !IsCancelled(err) {
		s.log.Debug().Err(err).Str("target", target).Msg("SOCKS5 session ended with error")
	}
	return nil
}

// Close stops accepting connections. Sessions are owned by the
// SessionManager and are not closed here.
func (s *socksListener) Close() error {
	s.cancel()
	err := s.listener.Close()
	s.wg.Wait()
	return err
}

func socksTarget(addr *statute.AddrSpec) string {
	if addr.FQDN != "" {
		return joinHostPort(addr.FQDN, addr.Port)
	}
	return joinHostPort(addr.IP.String(), addr.Port)
}

func replyCode(err error) uint8 {
	switch {
	case err == nil:
		return statute.RepSuccess
	case errors.Is(err, ErrConnectTimeout):
		return statute.RepHostUnreachable
	case errors.Is(err, ErrConnect):
		return statute.RepConnectionRefused
	case errors.Is(err, ErrUnknownToken):
		return statute.RepRuleFailure
	default:
		return statute.RepServerFailure
	}
}

// socksChannel is the client side of a SOCKS5 connection after the
// handshake. Recv data is only valid until the next Recv.
type socksChannel struct {
	reader io.Reader
	writer io.Writer
	buf    []byte
}

func (c *socksChannel) Send(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := c.writer.Write(data)
	return err
}

func (c *socksChannel) Recv(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n, err := c.reader.Read(c.buf)
	if n > 0 {
		return c.buf[:n], nil
	}
	if errors.Is(err, net.ErrClosed) {
		return nil, io.EOF
	}
	return nil, err
}

func (c *socksChannel) Close() error {
	if closer, ok := c.writer.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
