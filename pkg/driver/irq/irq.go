package irq

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Gate is held by the foreground while it is inside host services. The
// interrupt side never waits on it.
type Gate struct {
	lock    sync.Mutex
	refused atomic.Uint64
}

func (g *Gate) Enter() {
	g.lock.Lock()
}

func (g *Gate) Leave() {
	g.lock.Unlock()
}

// TryEnter takes the gate if it is free. A refusal is counted.
func (g *Gate) TryEnter() bool {
	if g.lock.TryLock() {
		return true
	}
	g.refused.Add(1)
	return false
}

// Refused returns how many times TryEnter found the gate held.
func (g *Gate) Refused() uint64 {
	return g.refused.Load()
}

// Mask masks the receive interrupt class. Only one Section is open at a time.
type Mask struct {
	lock sync.Mutex
}

type Section struct {
	mask *Mask
	once sync.Once
}

func (m *Mask) Enter() *Section {
	m.lock.Lock()
	return &Section{mask: m}
}

// Leave restores the mask. Extra calls are ignored.
func (s *Section) Leave() {
	s.once.Do(func() {
		s.mask.lock.Unlock()
	})
}

/**
 * Line delivers interrupts to a service routine from its own goroutine.
 * Raises coalesce: while one is pending further raises are dropped. An
 * optional poll period fires the routine periodically as well. Nothing
 * is delivered while the line is disarmed.
 *
 */
type Line struct {
	isr     func()
	poll    time.Duration
	pending chan struct{}
	armed   atomic.Bool

	lock    sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}

	raised    atomic.Uint64
	coalesced atomic.Uint64
	delivered atomic.Uint64
}

type LineStats struct {
	Raised    uint64
	Coalesced uint64
	Delivered uint64
}

func NewLine(isr func(), poll time.Duration) *Line {
	return &Line{
		isr:     isr,
		poll:    poll,
		pending: make(chan struct{}, 1),
	}
}

// Start runs the delivery goroutine until ctx is done or Stop is called.
func (l *Line) Start(ctx context.Context) {
	l.lock.Lock()
	defer l.lock.Unlock()
	if l.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.stopped = make(chan struct{})

	go func(stopped chan struct{}) {
		defer close(stopped)
		var tick <-chan time.Time
		if l.poll > 0 {
			ticker := time.NewTicker(l.poll)
			defer ticker.Stop()
			tick = ticker.C
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-l.pending:
				l.deliver()
			case <-tick:
				l.deliver()
			}
		}
	}(l.stopped)
}

// Stop ends delivery and waits for an in-flight routine to return.
// It must not be called from the service routine.
func (l *Line) Stop() {
	l.lock.Lock()
	cancel := l.cancel
	stopped := l.stopped
	l.cancel = nil
	l.stopped = nil
	l.lock.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-stopped
}

func (l *Line) deliver() {
	if !l.armed.Load() {
		return
	}
	l.delivered.Add(1)
	l.isr()
}

// Raise signals the line. It never blocks.
func (l *Line) Raise() {
	l.raised.Add(1)
	select {
	case l.pending <- struct{}{}:
	default:
		l.coalesced.Add(1)
	}
}

func (l *Line) Arm() {
	l.armed.Store(true)
}

func (l *Line) Disarm() {
	l.armed.Store(false)
}

func (l *Line) Armed() bool {
	return l.armed.Load()
}

func (l *Line) Stats() LineStats {
	return LineStats{
		Raised:    l.raised.Load(),
		Coalesced: l.coalesced.Load(),
		Delivered: l.delivered.Load(),
	}
}
