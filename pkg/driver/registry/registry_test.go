package registry

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/loopholelabs/scsilink/pkg/driver/framebuf"
	"github.com/mdlayher/ethernet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nop(int, framebuf.Frame, string) {}

func TestRegisterFind(t *testing.T) {
	r := New()

	called := 0
	tr, err := r.Register(ethernet.EtherTypeIPv4, func(int, framebuf.Frame, string) { called++ })
	require.NoError(t, err)
	assert.Equal(t, FirstHandler, tr)

	tr, err = r.Register(ethernet.EtherTypeARP, nop)
	require.NoError(t, err)
	assert.Equal(t, Other, tr)

	h := r.Find(ethernet.EtherTypeIPv4)
	require.NotNil(t, h)
	h(0, nil, "en0")
	assert.Equal(t, 1, called)

	assert.Nil(t, r.Find(ethernet.EtherTypeIPv6))
	assert.Nil(t, r.Find(0))
	assert.Equal(t, 2, r.Count())
}

func TestRegisterInvalid(t *testing.T) {
	r := New()
	_, err := r.Register(0, nop)
	assert.ErrorIs(t, err, ErrInvalidProtocol)
	_, err = r.Register(ethernet.EtherTypeIPv4, nil)
	assert.ErrorIs(t, err, ErrInvalidProtocol)
	_, err = r.Unregister(0)
	assert.ErrorIs(t, err, ErrInvalidProtocol)
	assert.Equal(t, 0, r.Count())
}

func TestRegisterDuplicate(t *testing.T) {
	r := New()
	_, err := r.Register(ethernet.EtherTypeIPv4, nop)
	require.NoError(t, err)

	before := r.Entries()
	tr, err := r.Register(ethernet.EtherTypeIPv4, nop)
	assert.ErrorIs(t, err, ErrAlreadyRegistered)
	assert.Equal(t, Other, tr)
	assert.Equal(t, len(before), len(r.Entries()))
	assert.Equal(t, 1, r.Count())
}

func TestRegisterFull(t *testing.T) {
	r := New()
	for i := 1; i <= Capacity; i++ {
		_, err := r.Register(ethernet.EtherType(0x1000+i), nop)
		require.NoError(t, err)
	}
	before := r.Entries()

	_, err := r.Register(ethernet.EtherTypeIPv4, nop)
	assert.ErrorIs(t, err, ErrFull)

	after := r.Entries()
	require.Equal(t, len(before), len(after))
	for i := range before {
		assert.Equal(t, before[i].Protocol, after[i].Protocol)
	}
	assert.Equal(t, Capacity, r.Count())
	assert.Nil(t, r.Find(ethernet.EtherTypeIPv4))

	// A freed slot is reused
	_, err = r.Unregister(ethernet.EtherType(0x1003))
	require.NoError(t, err)
	_, err = r.Register(ethernet.EtherTypeIPv4, nop)
	require.NoError(t, err)
	assert.Equal(t, ethernet.EtherTypeIPv4, r.Entries()[2].Protocol)
}

func TestUnregister(t *testing.T) {
	r := New()
	_, err := r.Unregister(ethernet.EtherTypeIPv4)
	assert.ErrorIs(t, err, ErrNotFound)

	_, _ = r.Register(ethernet.EtherTypeIPv4, nop)
	_, _ = r.Register(ethernet.EtherTypeARP, nop)

	tr, err := r.Unregister(ethernet.EtherTypeIPv4)
	require.NoError(t, err)
	assert.Equal(t, Other, tr)

	tr, err = r.Unregister(ethernet.EtherTypeARP)
	require.NoError(t, err)
	assert.Equal(t, LastHandler, tr)
	assert.Equal(t, 0, r.Count())
}

func TestRandomSequence(t *testing.T) {
	r := New()
	model := make(map[ethernet.EtherType]bool)
	rnd := rand.New(rand.NewSource(1))

	firsts := 0
	lasts := 0
	rises := 0
	falls := 0

	for i := 0; i < 10000; i++ {
		proto := ethernet.EtherType(1 + rnd.Intn(12))
		prev := len(model)
		if rnd.Intn(2) == 0 {
			tr, err := r.Register(proto, nop)
			switch {
			case model[proto]:
				assert.ErrorIs(t, err, ErrAlreadyRegistered)
			case len(model) == Capacity:
				assert.ErrorIs(t, err, ErrFull)
			default:
				require.NoError(t, err)
				model[proto] = true
			}
			if tr == FirstHandler {
				firsts++
			}
		} else {
			tr, err := r.Unregister(proto)
			if model[proto] {
				require.NoError(t, err)
				delete(model, proto)
			} else {
				assert.ErrorIs(t, err, ErrNotFound)
			}
			if tr == LastHandler {
				lasts++
			}
		}
		if prev == 0 && len(model) == 1 {
			rises++
		}
		if prev == 1 && len(model) == 0 {
			falls++
		}

		assert.Equal(t, len(model), r.Count())
		assert.LessOrEqual(t, r.Count(), Capacity)
		assert.Equal(t, len(model), len(r.Entries()))
	}

	assert.Equal(t, rises, firsts)
	assert.Equal(t, falls, lasts)
	assert.Greater(t, firsts, 0)
}

func TestConcurrentFind(t *testing.T) {
	r := New()
	_, _ = r.Register(ethernet.EtherTypeARP, nop)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			assert.NotNil(t, r.Find(ethernet.EtherTypeARP))
			_ = r.Find(ethernet.EtherTypeIPv4)
		}
	}()

	for i := 0; i < 1000; i++ {
		_, err := r.Register(ethernet.EtherTypeIPv4, nop)
		require.NoError(t, err)
		_, err = r.Unregister(ethernet.EtherTypeIPv4)
		require.NoError(t, err)
	}
	close(stop)
	wg.Wait()
}
