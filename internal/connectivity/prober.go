package connectivity

import (
	"context"
	"net"
	"sync"
	"time"
)

// Prober observes reachability.
type Prober interface {
	Probe(ctx context.Context) State
}

// TCPProber considers the network online when a TCP connection to Address
// can be opened.
type TCPProber struct {
	// Address is a host:port, usually the remote store's.
	Address string

	// Metered is reported as-is; desktop hosts cannot tell.
	Metered bool

	// Timeout bounds the dial when ctx has no deadline.
	Timeout time.Duration
}

// Probe implements Prober.
func (p *TCPProber) Probe(ctx context.Context) State {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", p.Address)
	if err != nil {
		return State{}
	}
	_ = conn.Close()
	return State{Online: true, Metered: p.Metered}
}

// StaticProber returns whatever state it was last given.
type StaticProber struct {
	mu    sync.Mutex
	state State
	calls int
}

// NewStaticProber returns a prober fixed at s.
func NewStaticProber(s State) *StaticProber {
	return &StaticProber{state: s}
}

// Set changes the reported state.
func (p *StaticProber) Set(s State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = s
}

// Calls returns how many probes were served.
func (p *StaticProber) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// Probe implements Prober.
func (p *StaticProber) Probe(context.Context) State {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.state
}
