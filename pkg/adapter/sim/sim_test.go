package sim

import (
	"net"
	"sync/atomic"
	"testing"

	"github.com/loopholelabs/scsilink/pkg/adapter"
	"github.com/loopholelabs/scsilink/pkg/adapter/bus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusPhases(t *testing.T) {
	b := NewBus()
	b.Attach(3, NewDaynaPort(net.HardwareAddr{1, 2, 3, 4, 5, 6}))

	assert.Equal(t, bus.PhaseBusFree, b.Phase())

	// Out of order primitives are rejected
	err := b.CommandOut([]byte{adapter.OpInquiry, 0, 0, 0, 44, 0})
	assert.ErrorIs(t, err, bus.ErrPhase)

	require.NoError(t, b.Select(3))
	assert.Equal(t, bus.PhaseCommand, b.Phase())
	require.NoError(t, b.CommandOut([]byte{adapter.OpInquiry, 0, 0, 0, 44, 0}))
	assert.Equal(t, bus.PhaseDataIn, b.Phase())

	buffer := make([]byte, adapter.InquirySize)
	n, err := b.DataIn(buffer)
	require.NoError(t, err)
	assert.Equal(t, adapter.InquirySize, n)

	_, err = b.MessageIn()
	assert.ErrorIs(t, err, bus.ErrPhase)

	status, err := b.StatusIn()
	require.NoError(t, err)
	assert.Equal(t, byte(bus.StatusGood), status)
	msg, err := b.MessageIn()
	require.NoError(t, err)
	assert.Equal(t, byte(bus.MessageCommandComplete), msg)
	assert.Equal(t, bus.PhaseBusFree, b.Phase())

	id, err := adapter.ParseIdentity(buffer)
	require.NoError(t, err)
	assert.True(t, id.IsDaynaPort())
}

func TestBusUnknownCommand(t *testing.T) {
	b := NewBus()
	b.Attach(3, NewDaynaPort(net.HardwareAddr{1, 2, 3, 4, 5, 6}))

	require.NoError(t, b.Select(3))
	require.NoError(t, b.CommandOut([]byte{0x55, 0, 0, 0, 0, 0}))
	status, err := b.StatusIn()
	require.NoError(t, err)
	assert.Equal(t, byte(bus.StatusCheckCondition), status)
}

func TestBusDetach(t *testing.T) {
	b := NewBus()
	b.Attach(3, NewDaynaPort(net.HardwareAddr{1, 2, 3, 4, 5, 6}))

	attached := atomic.Int32{}
	b.OnAttach(3, func() { attached.Add(1) })

	b.Detach(3)
	assert.ErrorIs(t, b.Select(3), bus.ErrNoTarget)

	b.Reattach(3)
	assert.Equal(t, int32(1), attached.Load())
	assert.NoError(t, b.Select(3))
}

func TestBusInject(t *testing.T) {
	b := NewBus()
	b.Attach(3, NewDaynaPort(net.HardwareAddr{1, 2, 3, 4, 5, 6}))

	raised := atomic.Int32{}
	b.OnFrame(3, func() { raised.Add(1) })

	b.Inject(3, make([]byte, 64))
	b.Inject(3, make([]byte, 64))
	b.Inject(5, make([]byte, 64))

	assert.Equal(t, int32(2), raised.Load())
	assert.Equal(t, 2, b.Pending(3))
	assert.Equal(t, 0, b.Pending(5))

	// Disabled adapters hold on to their frames.
	dev := adapter.NewDevice(b, adapter.WithSettleDelay(0))
	zone := make([]byte, adapter.DefaultReceiveSize)
	n, err := dev.ReceiveFrame(3, zone)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 2, b.Pending(3))

	require.NoError(t, dev.SetEnabled(3, true))
	n, err = dev.ReceiveFrame(3, zone)
	require.NoError(t, err)
	assert.Equal(t, 64, n)
	assert.Equal(t, 1, b.Pending(3))
}
