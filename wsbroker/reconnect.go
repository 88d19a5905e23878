package wsbroker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// LinkState is the state of a ReconnectController.
type LinkState int32

const (
	LinkIdle LinkState = iota
	LinkConnecting
	LinkConnected
)

func (s LinkState) String() string {
	switch s {
	case LinkIdle:
		return "idle"
	case LinkConnecting:
		return "connecting"
	case LinkConnected:
		return "connected"
	default:
		return fmt.Sprintf("link_state(%d)", int32(s))
	}
}

// LinkHandle is an established link as seen by the ReconnectController.
type LinkHandle interface {
	// Done is closed when the link is lost.
	Done() <-chan struct{}
	Err() error
	Close() error
}

// DialLinkFunc establishes one link, including authentication.
type DialLinkFunc func(ctx context.Context) (LinkHandle, error)

// ReconnectController keeps one link established, redialing after a fixed
// delay when it is lost.
type ReconnectController struct {
	dial      DialLinkFunc
	reconnect bool
	delay     time.Duration
	log       zerolog.Logger
	metrics   *Metrics

	state atomic.Int32

	mu      sync.Mutex
	ready   chan struct{} // closed while connected
	link    LinkHandle
	err     error
	started bool
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{} // closed when the retry loop has exited
}

// NewReconnectController creates an idle controller using the reconnect
// policy of cfg.
func NewReconnectController(cfg *Config, dial DialLinkFunc, metrics *Metrics) *ReconnectController {
	return &ReconnectController{
		dial:      dial,
		reconnect: cfg.Reconnect,
		delay:     cfg.ReconnectDelay,
		log:       cfg.Logger,
		metrics:   metrics,
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the retry loop. Calling it again is a no-op; calling it
// after Close returns ErrClosed.
func (r *ReconnectController) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	if r.started {
		return nil
	}
	r.started = true

	ctx, r.cancel = context.WithCancel(ctx)
	go r.run(ctx)
	return nil
}

func (r *ReconnectController) run(ctx context.Context) {
	defer func() {
		r.state.Store(int32(LinkIdle))
		close(r.done)
	}()

	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			return
		}
		if attempt > 0 {
			r.metrics.reconnectAttempt()
		}

		r.state.Store(int32(LinkConnecting))
		link, err := r.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !retriable(err) || !r.reconnect {
				r.log.Error().Err(err).Msg("Failed to establish link. Exiting...")
				r.setErr(err)
				return
			}
			r.log.Warn().Err(err).Dur("delay", r.delay).Msg("Failed to establish link. Retrying...")
			if !r.sleep(ctx) {
				return
			}
			continue
		}

		r.connected(link)
		select {
		case <-link.Done():
		case <-ctx.Done():
		}
		r.disconnected()
		link.Close()

		if ctx.Err() != nil {
			return
		}
		lerr := link.Err()
		if !r.reconnect {
			r.log.Error().Err(lerr).Msg("Link lost. Exiting...")
			if lerr == nil {
				lerr = ErrClosed
			}
			r.setErr(lerr)
			return
		}
		r.log.Warn().Err(lerr).Dur("delay", r.delay).Msg("Link lost. Retrying...")
		if !r.sleep(ctx) {
			return
		}
	}
}

// retriable reports whether another attempt could succeed.
func retriable(err error) bool {
	return !errors.Is(err, ErrAuthFailed) && !errors.Is(err, ErrInvalidConfig)
}

func (r *ReconnectController) sleep(ctx context.Context) bool {
	if r.delay <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(r.delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (r *ReconnectController) connected(link LinkHandle) {
	r.mu.Lock()
	r.link = link
	r.state.Store(int32(LinkConnected))
	close(r.ready)
	r.mu.Unlock()
}

func (r *ReconnectController) disconnected() {
	r.mu.Lock()
	r.link = nil
	r.ready = make(chan struct{})
	r.state.Store(int32(LinkConnecting))
	r.mu.Unlock()
}

func (r *ReconnectController) setErr(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

// State returns the current link state.
func (r *ReconnectController) State() LinkState {
	return LinkState(r.state.Load())
}

// Link returns the established link, or nil.
func (r *ReconnectController) Link() LinkHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.link
}

// Ready returns a channel that is closed once the current or next
// connection attempt succeeds.
func (r *ReconnectController) Ready() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ready
}

// Done is closed when the controller stopped for good.
func (r *ReconnectController) Done() <-chan struct{} {
	return r.done
}

// Err returns the error that stopped the controller, if any.
func (r *ReconnectController) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// WaitReady blocks until a link is connected. A timeout of 0 waits
// forever. When ctx is cancelled the controller is closed so no attempt
// outlives the wait.
func (r *ReconnectController) WaitReady(ctx context.Context, timeout time.Duration) error {
	ready := r.Ready()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-ready:
		return nil
	case <-r.done:
		select {
		case <-ready:
			return nil
		default:
		}
		if err := r.Err(); err != nil {
			return err
		}
		return ErrClosed
	case <-expired:
		return newBrokerError("wait ready", ErrConnectTimeout, nil)
	case <-ctx.Done():
		r.Close()
		return ErrCancelled
	}
}

// Close cancels any in-flight attempt, closes the current link and waits
// for the retry loop to exit. It is safe to call more than once.
func (r *ReconnectController) Close() error {
	r.mu.Lock()
	r.closed = true
	cancel := r.cancel
	if !r.started {
		r.started = true
		close(r.done)
	}
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	<-r.done
	return nil
}
