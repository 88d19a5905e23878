package wsbroker

import "fmt"

// PortPool leases listener ports for reverse tokens from a closed range.
//
// PortPool has no lock of its own. It is owned by a TokenRegistry and must
// only be used while holding the registry lock.
type PortPool struct {
	min, max int
	used     map[int]struct{}
}

// NewPortPool creates a pool over [min, max]. Bounds are swapped if given
// in the wrong order.
func NewPortPool(min, max int) *PortPool {
	if min > max {
		min, max = max, min
	}
	return &PortPool{
		min:  min,
		max:  max,
		used: make(map[int]struct{}),
	}
}

// Range returns the pool bounds.
func (p *PortPool) Range() (int, int) {
	return p.min, p.max
}

// Lease takes preferred when it is free and in range, or the lowest free
// port when preferred is 0.
func (p *PortPool) Lease(preferred int) (int, error) {
	if preferred != 0 {
		if preferred < p.min || preferred > p.max {
			return 0, fmt.Errorf("%w: port %d outside %d-%d", ErrPoolExhausted, preferred, p.min, p.max)
		}
		if _, taken := p.used[preferred]; taken {
			return 0, fmt.Errorf("%w: port %d in use", ErrPoolExhausted, preferred)
		}
		p.used[preferred] = struct{}{}
		return preferred, nil
	}

	for port := p.min; port <= p.max; port++ {
		if _, taken := p.used[port]; !taken {
			p.used[port] = struct{}{}
			return port, nil
		}
	}
	return 0, fmt.Errorf("%w: no free port in %d-%d", ErrPoolExhausted, p.min, p.max)
}

// Release returns port to the pool. Releasing a free port is a no-op.
func (p *PortPool) Release(port int) {
	delete(p.used, port)
}

func (p *PortPool) InUse(port int) bool {
	_, ok := p.used[port]
	return ok
}

func (p *PortPool) Used() int {
	return len(p.used)
}

func (p *PortPool) Available() int {
	return p.max - p.min + 1 - len(p.used)
}
