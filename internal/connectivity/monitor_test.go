package connectivity

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []EventKind
}

func (r *recorder) listen(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e.Kind)
}

func (r *recorder) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]EventKind(nil), r.events...)
}

func TestReportFiresOnEdgesOnly(t *testing.T) {
	m := New(nil, nil, zerolog.Nop())
	rec := &recorder{}
	m.OnChange(rec.listen)

	m.Report(State{Online: false})
	m.Report(State{Online: true})
	m.Report(State{Online: true})
	m.Report(State{Online: true, Metered: true})
	m.Report(State{Online: false, Metered: true})
	m.Report(State{Online: false})

	assert.Equal(t, []EventKind{EventOnline, EventMeteredChanged, EventOffline}, rec.kinds())
	assert.False(t, m.IsOnline())
}

func TestLifecycleTransitions(t *testing.T) {
	m := New(nil, nil, zerolog.Nop())
	rec := &recorder{}
	m.OnChange(rec.listen)

	m.Foreground()
	m.Background()
	m.Background()
	assert.True(t, m.InBackground())
	m.Foreground()
	m.Terminating()
	m.Terminating()

	assert.Equal(t, []EventKind{EventBackground, EventForeground, EventTerminating}, rec.kinds())
}

func TestUnsubscribe(t *testing.T) {
	m := New(nil, nil, zerolog.Nop())
	first, second := &recorder{}, &recorder{}
	unsubscribe := m.OnChange(first.listen)
	m.OnChange(second.listen)

	m.Report(State{Online: true})
	unsubscribe()
	unsubscribe()
	m.Report(State{Online: false})

	assert.Equal(t, []EventKind{EventOnline}, first.kinds())
	assert.Equal(t, []EventKind{EventOnline, EventOffline}, second.kinds())
}

func TestListenersRunInRegistrationOrder(t *testing.T) {
	m := New(nil, nil, zerolog.Nop())
	var order []int
	m.OnChange(func(Event) { order = append(order, 1) })
	m.OnChange(func(Event) { order = append(order, 2) })

	m.Report(State{Online: true})
	assert.Equal(t, []int{1, 2}, order)
}

func TestStartPollsProber(t *testing.T) {
	prober := NewStaticProber(State{Online: true})
	m := New(prober, &Config{PollInterval: 10 * time.Millisecond, ProbeTimeout: time.Second}, zerolog.Nop())
	rec := &recorder{}
	m.OnChange(rec.listen)

	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()
	assert.Error(t, m.Start(context.Background()), "second start is rejected")

	assert.True(t, m.IsOnline(), "first probe runs synchronously")

	prober.Set(State{Online: false})
	require.Eventually(t, func() bool { return !m.IsOnline() }, time.Second, 5*time.Millisecond)

	m.Stop()
	calls := prober.Calls()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, calls, prober.Calls(), "no probes after Stop")
	assert.Equal(t, []EventKind{EventOnline, EventOffline}, rec.kinds())
}

func TestStartWithoutProber(t *testing.T) {
	m := New(nil, nil, zerolog.Nop())
	assert.Error(t, m.Start(context.Background()))
}

func TestTCPProber(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			_ = conn.Close()
		}
	}()

	p := &TCPProber{Address: ln.Addr().String(), Timeout: time.Second}
	assert.Equal(t, State{Online: true}, p.Probe(context.Background()))

	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	p = &TCPProber{Address: addr, Timeout: 200 * time.Millisecond}
	assert.False(t, p.Probe(context.Background()).Online)
}
