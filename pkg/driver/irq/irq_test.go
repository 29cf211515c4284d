package irq

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGate(t *testing.T) {
	g := &Gate{}
	assert.True(t, g.TryEnter())
	assert.False(t, g.TryEnter())
	g.Leave()

	g.Enter()
	assert.False(t, g.TryEnter())
	g.Leave()
	assert.True(t, g.TryEnter())
	g.Leave()

	assert.Equal(t, uint64(2), g.Refused())
}

func TestSectionLeaveOnce(t *testing.T) {
	m := &Mask{}
	s := m.Enter()
	s.Leave()
	s.Leave()

	// The mask is free again, and only unlocked once.
	s2 := m.Enter()
	assert.False(t, m.lock.TryLock())
	s2.Leave()
	assert.True(t, m.lock.TryLock())
	m.lock.Unlock()
}

func TestSectionEarlyReturn(t *testing.T) {
	m := &Mask{}
	fn := func(fail bool) int {
		s := m.Enter()
		defer s.Leave()
		if fail {
			return 0
		}
		return 1
	}
	assert.Equal(t, 0, fn(true))
	assert.Equal(t, 1, fn(false))
	assert.True(t, m.lock.TryLock())
	m.lock.Unlock()
}

func TestLineDisarmed(t *testing.T) {
	var calls atomic.Int32
	l := NewLine(func() { calls.Add(1) }, 0)
	l.Start(context.Background())
	defer l.Stop()

	l.Raise()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())

	l.Arm()
	l.Raise()
	assert.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	assert.True(t, l.Armed())
}

func TestLineCoalesce(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	l := NewLine(func() {
		calls.Add(1)
		<-release
	}, 0)
	l.Arm()
	l.Start(context.Background())

	l.Raise()
	assert.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)

	// The routine is busy: one raise stays pending, the rest coalesce.
	l.Raise()
	l.Raise()
	l.Raise()

	close(release)
	assert.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, time.Millisecond)
	l.Stop()

	st := l.Stats()
	assert.Equal(t, uint64(4), st.Raised)
	assert.Equal(t, uint64(2), st.Coalesced)
	assert.Equal(t, uint64(2), st.Delivered)
}

func TestLinePoll(t *testing.T) {
	var calls atomic.Int32
	l := NewLine(func() { calls.Add(1) }, 5*time.Millisecond)
	l.Arm()
	l.Start(context.Background())
	assert.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, time.Millisecond)

	l.Stop()
	n := calls.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n, calls.Load())

	// Stop twice is fine
	l.Stop()
}

func TestLineContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	l := NewLine(func() { calls.Add(1) }, 0)
	l.Arm()
	l.Start(ctx)
	cancel()
	time.Sleep(10 * time.Millisecond)
	l.Raise()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())
	l.Stop()
}
