package driver

import (
	"net"
	"testing"

	"github.com/loopholelabs/scsilink/pkg/adapter"
	"github.com/loopholelabs/scsilink/pkg/adapter/bus"
	"github.com/loopholelabs/scsilink/pkg/driver/framebuf"
	"github.com/loopholelabs/scsilink/pkg/driver/registry"
	"github.com/mdlayher/ethernet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatchQueries(t *testing.T) {
	rig := setupDriver(t)
	d := rig.driver

	v, err := d.Dispatch(CmdChannel, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, v)

	v, err = d.Dispatch(CmdVersion, nil)
	require.NoError(t, err)
	assert.Equal(t, 0x100, v)

	v, err = d.Dispatch(CmdHardwareAddress, nil)
	require.NoError(t, err)
	assert.Equal(t, testMAC, v)

	v, err = d.Dispatch(CmdPROMAddress, nil)
	require.NoError(t, err)
	assert.Equal(t, testMAC, v)

	before := len(rig.bus.History())
	for _, cmd := range []Command{CmdSetAddress, CmdSetMulticast, CmdStatistics} {
		v, err = d.Dispatch(cmd, net.HardwareAddr{1, 2, 3, 4, 5, 6})
		assert.NoError(t, err)
		assert.Nil(t, v)
	}
	assert.Equal(t, before, len(rig.bus.History()))

	_, err = d.Dispatch(Command(10), nil)
	assert.ErrorIs(t, err, ErrInvalidCommand)
	_, err = d.Dispatch(Command(-2), nil)
	assert.ErrorIs(t, err, ErrInvalidCommand)
}

func TestDispatchArguments(t *testing.T) {
	rig := setupDriver(t)
	d := rig.driver

	_, err := d.Dispatch(CmdSend, "frame")
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = d.Dispatch(CmdSetHandler, ethernet.EtherTypeIPv4)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = d.Dispatch(CmdGetHandler, 0x0800)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = d.Dispatch(CmdDeleteHandler, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.Equal(t, Normal, d.State())
}

func TestDispatchHandlers(t *testing.T) {
	rig := setupDriver(t)
	d := rig.driver

	called := false
	h := registry.Handler(func(int, framebuf.Frame, string) { called = true })

	_, err := d.Dispatch(CmdSetHandler, HandlerRequest{Protocol: ethernet.EtherTypeIPv4, Handler: h})
	require.NoError(t, err)
	assert.True(t, d.line.Armed())

	v, err := d.Dispatch(CmdGetHandler, ethernet.EtherTypeIPv4)
	require.NoError(t, err)
	got, ok := v.(registry.Handler)
	require.True(t, ok)
	got(0, nil, "en0")
	assert.True(t, called)

	v, err = d.Dispatch(CmdGetHandler, ethernet.EtherTypeARP)
	require.NoError(t, err)
	assert.Nil(t, v)

	// Registry contention is reported without touching driver state.
	_, err = d.Dispatch(CmdSetHandler, HandlerRequest{Protocol: ethernet.EtherTypeIPv4, Handler: h})
	assert.ErrorIs(t, err, registry.ErrAlreadyRegistered)
	_, err = d.Dispatch(CmdDeleteHandler, ethernet.EtherTypeARP)
	assert.ErrorIs(t, err, registry.ErrNotFound)
	assert.Equal(t, Normal, d.State())
	assert.Equal(t, 1, d.Handlers())

	_, err = d.Dispatch(CmdDeleteHandler, ethernet.EtherTypeIPv4)
	require.NoError(t, err)
	assert.False(t, d.line.Armed())
	assert.Equal(t, 0, d.Handlers())
}

func TestHandlerTransitions(t *testing.T) {
	rig := setupDriver(t)
	d := rig.driver

	for i := 1; i <= registry.Capacity; i++ {
		tr, err := d.RegisterHandler(ethernet.EtherType(0x9000 + i), func(int, framebuf.Frame, string) {})
		require.NoError(t, err)
		if i == 1 {
			assert.Equal(t, registry.FirstHandler, tr)
		} else {
			assert.Equal(t, registry.Other, tr)
		}
	}
	_, err := d.RegisterHandler(ethernet.EtherTypeIPv4, func(int, framebuf.Frame, string) {})
	assert.ErrorIs(t, err, registry.ErrFull)

	for i := 1; i <= registry.Capacity; i++ {
		tr, err := d.UnregisterHandler(ethernet.EtherType(0x9000 + i))
		require.NoError(t, err)
		if i == registry.Capacity {
			assert.Equal(t, registry.LastHandler, tr)
		} else {
			assert.Equal(t, registry.Other, tr)
			assert.True(t, d.line.Armed())
		}
	}
	assert.False(t, d.line.Armed())
}

func TestSend(t *testing.T) {
	rig := setupDriver(t)
	d := rig.driver

	assert.False(t, d.TakeSent())

	frame := make([]byte, 64)
	for i := range frame {
		frame[i] = byte(0x40 + i)
	}
	_, err := d.Dispatch(CmdSend, frame)
	require.NoError(t, err)

	assert.Equal(t, 1, rig.bus.CountOp(adapter.OpSend))
	sent := rig.bus.Sent(testTarget)
	require.Equal(t, 1, len(sent))
	assert.Equal(t, frame, sent[0])

	h := rig.bus.History()
	assert.Equal(t, []byte{adapter.OpSend, 0, 0, 0, 64, 0}, h[len(h)-1])

	assert.True(t, d.TakeSent())
	assert.False(t, d.TakeSent())
}

func TestSendLimits(t *testing.T) {
	rig := setupDriver(t)
	d := rig.driver

	err := d.Send(nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	err = d.Send(make([]byte, framebuf.SendSize+1))
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	require.NoError(t, d.Send(make([]byte, framebuf.SendSize)))

	assert.Equal(t, 1, rig.bus.CountOp(adapter.OpSend))
	assert.Equal(t, Normal, d.State())
}

func TestRecovery(t *testing.T) {
	rig := setupDriver(t)
	d := rig.driver

	rig.bus.FailStatus(testTarget, adapter.OpSend, bus.StatusCheckCondition)
	err := d.Send(make([]byte, 64))
	assert.ErrorIs(t, err, ErrDeviceFault)
	assert.ErrorIs(t, err, adapter.ErrTransport)
	assert.Equal(t, Recovering, d.State())
	assert.False(t, d.TakeSent())
	assert.Equal(t, uint64(1), d.Faults())

	// Every command now fails fast without touching the adapter.
	before := len(rig.bus.History())
	err = d.Send(make([]byte, 64))
	assert.ErrorIs(t, err, ErrRecovering)
	_, err = d.Version()
	assert.ErrorIs(t, err, ErrRecovering)
	_, err = d.Channel()
	assert.ErrorIs(t, err, ErrRecovering)
	_, err = d.HardwareAddress()
	assert.ErrorIs(t, err, ErrRecovering)
	_, err = d.Dispatch(CmdSetMulticast, nil)
	assert.ErrorIs(t, err, ErrRecovering)
	_, err = d.RegisterHandler(ethernet.EtherTypeIPv4, func(int, framebuf.Frame, string) {})
	assert.ErrorIs(t, err, ErrRecovering)
	assert.Equal(t, 0, d.Handlers())
	assert.Equal(t, before, len(rig.bus.History()))

	// A hotplug signal lets one command through.
	d.SignalHotplug()
	require.NoError(t, d.Send(make([]byte, 64)))
	assert.Equal(t, Normal, d.State())
	assert.True(t, d.TakeSent())

	_, err = d.Version()
	assert.NoError(t, err)
}

func TestRecoveryRetryFails(t *testing.T) {
	rig := setupDriver(t)
	d := rig.driver

	rig.bus.Detach(testTarget)
	_, err := d.HardwareAddress()
	assert.ErrorIs(t, err, ErrDeviceFault)
	assert.ErrorIs(t, err, adapter.ErrSelect)
	assert.Equal(t, Recovering, d.State())

	// Retry while the adapter is still gone re-enters recovery.
	d.SignalHotplug()
	_, err = d.HardwareAddress()
	assert.ErrorIs(t, err, ErrDeviceFault)
	assert.Equal(t, Recovering, d.State())
	_, err = d.HardwareAddress()
	assert.ErrorIs(t, err, ErrRecovering)
	assert.Equal(t, uint64(2), d.Faults())

	// Reattaching the adapter signals the hotplug.
	rig.bus.Reattach(testTarget)
	mac, err := d.HardwareAddress()
	require.NoError(t, err)
	assert.Equal(t, testMAC, mac)
	assert.Equal(t, Normal, d.State())
}

func TestRecoveryNoTransportCommand(t *testing.T) {
	rig := setupDriver(t)
	d := rig.driver

	rig.bus.FailStatus(testTarget, adapter.OpStatus, bus.StatusBusy)
	_, err := d.HardwareAddress()
	require.Error(t, err)
	assert.Equal(t, Recovering, d.State())

	d.SignalHotplug()
	v, err := d.Version()
	require.NoError(t, err)
	assert.Equal(t, Version, v)
	assert.Equal(t, Normal, d.State())
}

func TestHotplugIgnoredWhenNormal(t *testing.T) {
	rig := setupDriver(t)
	d := rig.driver

	d.SignalHotplug()
	require.NoError(t, d.Send(make([]byte, 64)))

	// A stale hotplug flag is cleared by the next fault.
	rig.bus.FailStatus(testTarget, adapter.OpSend, bus.StatusCheckCondition)
	require.Error(t, d.Send(make([]byte, 64)))
	_, err := d.Version()
	assert.ErrorIs(t, err, ErrRecovering)
}
