package wsbroker

import (
	"context"
	"sync"
)

// linkPool holds the live links of one token and spreads channels across
// them round robin. It implements Transport and FastDialer.
type linkPool struct {
	mu      sync.Mutex
	links   []*Link
	next    int
	changed chan struct{} // closed and replaced when a link is added
	closed  bool
}

func newLinkPool() *linkPool {
	return &linkPool{changed: make(chan struct{})}
}

// add registers l until it goes down. It returns false once the pool is
// closed.
func (p *linkPool) add(l *Link) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	p.links = append(p.links, l)
	close(p.changed)
	p.changed = make(chan struct{})
	p.mu.Unlock()

	go func() {
		<-l.Done()
		p.remove(l)
	}()
	return true
}

func (p *linkPool) remove(l *Link) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, cur := range p.links {
		if cur == l {
			p.links = append(p.links[:i], p.links[i+1:]...)
			break
		}
	}
}

// Len returns the number of live links.
func (p *linkPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.links)
}

// current returns the next live link without waiting. Must be called with
// p.mu held.
func (p *linkPool) current() *Link {
	for range p.links {
		l := p.links[p.next%len(p.links)]
		p.next = (p.next + 1) % len(p.links)
		select {
		case <-l.Done():
			continue
		default:
			return l
		}
	}
	return nil
}

// pick returns the next live link, waiting for one until ctx is done.
func (p *linkPool) pick(ctx context.Context) (*Link, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrClosed
		}
		if l := p.current(); l != nil {
			p.mu.Unlock()
			return l, nil
		}
		changed := p.changed
		p.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (p *linkPool) Dial(ctx context.Context, target string) (Channel, error) {
	l, err := p.pick(ctx)
	if err != nil {
		return nil, err
	}
	return l.Dial(ctx, target)
}

// DialFast uses a live link when there is one. Otherwise the channel
// buffers data until a link comes up and the connect is confirmed.
func (p *linkPool) DialFast(ctx context.Context, target string) (Channel, <-chan error) {
	p.mu.Lock()
	l := p.current()
	p.mu.Unlock()
	if l != nil {
		return l.DialFast(ctx, target)
	}
	dc := newDeferredChannel()
	return dc, dc.dial(ctx, p, target)
}

// close tears down every link and wakes waiting pick calls.
func (p *linkPool) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	links := p.links
	p.links = nil
	close(p.changed)
	p.mu.Unlock()

	for _, l := range links {
		l.Close()
	}
}
