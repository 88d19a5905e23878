package wsbroker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// channelQueueSize bounds the data messages buffered per channel before the
// link's read loop waits for the consumer.
const channelQueueSize = 256

// linkHandlers receive the requests a peer sends over a link. A nil
// handler refuses the request.
type linkHandlers struct {
	// connect serves a channel the peer opened. It must answer through
	// Link.respond.
	connect func(l *Link, ch *linkChannel, target string)
	// connector manages connector tokens on behalf of the peer.
	connector func(l *Link, m ConnectorMessage) ConnectorResponseMessage
}

// Link multiplexes channels over one authenticated WebSocket connection.
// It implements Transport and FastDialer towards the peer.
type Link struct {
	id       uuid.UUID
	token    string
	ws       *WSConn
	log      zerolog.Logger
	metrics  *Metrics
	handlers linkHandlers

	channels   sync.Map // uuid.UUID -> *linkChannel
	connects   sync.Map // uuid.UUID -> chan ConnectResponseMessage
	connectors sync.Map // uuid.UUID -> chan ConnectorResponseMessage

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once

	errMu sync.Mutex
	err   error
}

func newLink(ws *WSConn, token string, logger zerolog.Logger, metrics *Metrics, handlers linkHandlers) *Link {
	ctx, cancel := context.WithCancel(context.Background())
	l := &Link{
		id:       uuid.New(),
		token:    token,
		ws:       ws,
		metrics:  metrics,
		handlers: handlers,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	l.log = logger.With().Str("link", l.id.String()).Logger()
	ws.setLabel(l.id.String())

	metrics.linkUp()
	go l.readLoop()
	go l.heartbeat()
	return l
}

func (l *Link) ID() uuid.UUID { return l.id }

// Token returns the token the link authenticated with.
func (l *Link) Token() string { return l.token }

// Done is closed once the link is down.
func (l *Link) Done() <-chan struct{} {
	return l.done
}

// Err returns the reason the link went down.
func (l *Link) Err() error {
	l.errMu.Lock()
	defer l.errMu.Unlock()
	return l.err
}

// Close sends a close frame and tears the link down. Open channels end
// with ErrClosed.
func (l *Link) Close() error {
	l.shutdown(ErrClosed, true)
	return nil
}

func (l *Link) shutdown(err error, graceful bool) {
	l.closeOnce.Do(func() {
		l.errMu.Lock()
		l.err = err
		l.errMu.Unlock()

		l.cancel()
		if graceful {
			l.ws.CloseWithReason(websocket.CloseNormalClosure, "")
		} else {
			l.ws.Close()
		}

		l.channels.Range(func(key, value any) bool {
			value.(*linkChannel).finish(err)
			l.channels.Delete(key)
			return true
		})

		l.metrics.linkDown()
		close(l.done)
	})
}

func (l *Link) readLoop() {
	for {
		msg, err := l.ws.ReadMessage()
		if err != nil {
			if l.ctx.Err() == nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					l.log.Debug().Err(err).Msg("WebSocket read error")
				}
				l.shutdown(fmt.Errorf("link lost: %w", err), false)
			}
			return
		}
		l.dispatch(msg)
	}
}

func (l *Link) dispatch(msg BaseMessage) {
	switch m := msg.(type) {
	case DataMessage:
		if v, ok := l.channels.Load(m.ChannelID); ok {
			v.(*linkChannel).deliver(m.Data)
		} else {
			l.log.Trace().Str("channel_id", m.ChannelID.String()).Msg("Received data for unknown channel")
		}

	case ConnectMessage:
		l.accept(m)

	case ConnectResponseMessage:
		if v, ok := l.connects.LoadAndDelete(m.ConnectID); ok {
			v.(chan ConnectResponseMessage) <- m
		} else {
			l.log.Debug().Str("connect_id", m.ConnectID.String()).Msg("Received connect response for unknown channel")
		}

	case DisconnectMessage:
		if v, ok := l.channels.LoadAndDelete(m.ChannelID); ok {
			var err error
			if m.Error != "" {
				err = fmt.Errorf("peer disconnected: %s", m.Error)
			}
			v.(*linkChannel).finish(err)
		}

	case ConnectorMessage:
		go l.serveConnector(m)

	case ConnectorResponseMessage:
		if v, ok := l.connectors.LoadAndDelete(m.ConnectID); ok {
			v.(chan ConnectorResponseMessage) <- m
		} else {
			l.log.Debug().Str("connect_id", m.ConnectID.String()).Msg("Received connector response for unknown request")
		}

	default:
		l.log.Debug().Str("type", msg.GetType()).Msg("Received unexpected message type")
	}
}

// accept registers the channel before the handler runs so that data sent
// by a fast-open peer is queued rather than dropped.
func (l *Link) accept(m ConnectMessage) {
	if l.handlers.connect == nil {
		_ = l.ws.WriteMessage(ConnectResponseMessage{
			ConnectID: m.ConnectID,
			Error:     "connect not allowed on this link",
		})
		return
	}
	ch := newLinkChannel(l, m.ConnectID)
	if _, loaded := l.channels.LoadOrStore(m.ConnectID, ch); loaded {
		l.log.Debug().Str("connect_id", m.ConnectID.String()).Msg("Duplicate connect request")
		return
	}
	go l.handlers.connect(l, ch, m.Target())
}

// respond answers a connect request accepted by this link.
func (l *Link) respond(id uuid.UUID, err error) error {
	resp := ConnectResponseMessage{ConnectID: id, Success: err == nil}
	if err != nil {
		resp.Error = err.Error()
		resp.Timeout = errors.Is(err, ErrConnectTimeout)
		if v, ok := l.channels.LoadAndDelete(id); ok {
			v.(*linkChannel).finish(err)
		}
	}
	return l.ws.WriteMessage(resp)
}

func (l *Link) serveConnector(m ConnectorMessage) {
	var resp ConnectorResponseMessage
	if l.handlers.connector == nil {
		resp.Error = "Unauthorized connector management attempt"
	} else {
		resp = l.handlers.connector(l, m)
	}
	resp.ConnectID = m.ConnectID
	if err := l.ws.WriteMessage(resp); err != nil {
		l.log.Debug().Err(err).Msg("Failed to send connector response")
	}
}

func (l *Link) heartbeat() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			if err := l.ws.Ping(time.Now().Add(10 * time.Second)); err != nil {
				l.log.Debug().Err(err).Msg("Heartbeat error")
				l.shutdown(fmt.Errorf("heartbeat: %w", err), false)
				return
			}
			l.log.Trace().Msg("Heartbeat: Sent ping")
		}
	}
}

// open registers a new outbound channel and sends the connect request. The
// returned channel is never nil; on error it is already finished.
func (l *Link) open(target string) (*linkChannel, <-chan ConnectResponseMessage, error) {
	ch := newLinkChannel(l, uuid.New())
	host, port, err := splitTarget(target)
	if err != nil {
		err = newBrokerError("connect "+target, ErrConnect, err)
		ch.finish(err)
		return ch, nil, err
	}

	wait := make(chan ConnectResponseMessage, 1)
	l.connects.Store(ch.id, wait)
	l.channels.Store(ch.id, ch)

	if err := l.ws.WriteMessage(ConnectMessage{ConnectID: ch.id, Address: host, Port: port}); err != nil {
		l.connects.Delete(ch.id)
		l.channels.Delete(ch.id)
		err = newBrokerError("connect "+target, ErrConnect, err)
		ch.finish(err)
		return ch, nil, err
	}
	return ch, wait, nil
}

func connectResult(target string, resp ConnectResponseMessage) error {
	if resp.Success {
		return nil
	}
	kind := ErrConnect
	if resp.Timeout {
		kind = ErrConnectTimeout
	}
	var cause error
	if resp.Error != "" {
		cause = errors.New(resp.Error)
	}
	return newBrokerError("connect "+target, kind, cause)
}

// Dial asks the peer to connect to target and waits for its answer.
func (l *Link) Dial(ctx context.Context, target string) (Channel, error) {
	ch, wait, err := l.open(target)
	if err != nil {
		return nil, err
	}

	select {
	case resp := <-wait:
		if err := connectResult(target, resp); err != nil {
			ch.finish(err)
			ch.Close()
			return nil, err
		}
		return ch, nil
	case <-ctx.Done():
		l.connects.Delete(ch.id)
		ch.Close()
		return nil, ctx.Err()
	case <-l.done:
		return nil, classifyDialError("connect "+target, l.Err())
	}
}

// DialFast returns the channel right after the connect request is sent.
// Data written before the peer confirms is queued by the peer.
func (l *Link) DialFast(ctx context.Context, target string) (Channel, <-chan error) {
	confirm := make(chan error, 1)
	ch, wait, err := l.open(target)
	if err != nil {
		confirm <- err
		return ch, confirm
	}

	go func() {
		select {
		case resp := <-wait:
			err := connectResult(target, resp)
			if err != nil {
				ch.finish(err)
			}
			confirm <- err
		case <-ctx.Done():
			l.connects.Delete(ch.id)
			confirm <- ctx.Err()
		case <-l.done:
			confirm <- classifyDialError("connect "+target, l.Err())
		}
	}()
	return ch, confirm
}

// Connector asks the server to add or remove a connector token.
func (l *Link) Connector(ctx context.Context, operation, token string) (string, error) {
	id := uuid.New()
	wait := make(chan ConnectorResponseMessage, 1)
	l.connectors.Store(id, wait)
	defer l.connectors.Delete(id)

	msg := ConnectorMessage{ConnectID: id, ConnectorToken: token, Operation: operation}
	if err := l.ws.WriteMessage(msg); err != nil {
		return "", fmt.Errorf("send connector request: %w", err)
	}

	select {
	case resp := <-wait:
		if !resp.Success {
			return "", fmt.Errorf("connector %s failed: %s", operation, resp.Error)
		}
		return resp.ConnectorToken, nil
	case <-ctx.Done():
		return "", ctx.Err()
	case <-l.done:
		return "", l.Err()
	}
}

// ChannelCount returns the number of open channels on the link.
func (l *Link) ChannelCount() int {
	n := 0
	l.channels.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// linkChannel is one channel of a Link.
type linkChannel struct {
	id    uuid.UUID
	link  *Link
	queue chan []byte

	eof     chan struct{} // peer finished sending
	eofOnce sync.Once
	eofErr  error

	closed    chan struct{}
	closeOnce sync.Once
}

func newLinkChannel(l *Link, id uuid.UUID) *linkChannel {
	return &linkChannel{
		id:     id,
		link:   l,
		queue:  make(chan []byte, channelQueueSize),
		eof:    make(chan struct{}),
		closed: make(chan struct{}),
	}
}

// deliver is only called from the link's read loop, so data always
// precedes finish.
func (c *linkChannel) deliver(data []byte) {
	select {
	case c.queue <- data:
	case <-c.closed:
	case <-c.link.ctx.Done():
	}
}

// finish marks the end of the peer's stream. A nil err reads as io.EOF.
func (c *linkChannel) finish(err error) {
	c.eofOnce.Do(func() {
		c.eofErr = err
		close(c.eof)
	})
}

func (c *linkChannel) Send(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.closed:
		return io.ErrClosedPipe
	case <-c.eof:
		if c.eofErr != nil {
			return c.eofErr
		}
		return io.EOF
	default:
	}
	return c.link.ws.WriteMessage(DataMessage{ChannelID: c.id, Data: data})
}

func (c *linkChannel) Recv(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.queue:
		return data, nil
	default:
	}

	select {
	case data := <-c.queue:
		return data, nil
	case <-c.eof:
		select {
		case data := <-c.queue:
			return data, nil
		default:
		}
		if c.eofErr != nil {
			return nil, c.eofErr
		}
		return nil, io.EOF
	case <-c.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close releases the channel and tells the peer unless the peer already
// ended it.
func (c *linkChannel) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.link.channels.CompareAndDelete(c.id, c)

		select {
		case <-c.eof:
			return
		default:
		}
		if c.link.ctx.Err() == nil {
			_ = c.link.ws.WriteMessage(DisconnectMessage{ChannelID: c.id})
		}
	})
	return nil
}
