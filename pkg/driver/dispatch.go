package driver

import (
	"errors"
	"fmt"
	"net"

	"github.com/loopholelabs/scsilink/pkg/adapter"
	"github.com/loopholelabs/scsilink/pkg/driver/registry"
	"github.com/mdlayher/ethernet"
)

// Command is a dispatcher command code.
type Command int

const (
	CmdChannel         Command = -1
	CmdVersion         Command = 0
	CmdHardwareAddress Command = 1
	CmdPROMAddress     Command = 2
	CmdSetAddress      Command = 3
	CmdSend            Command = 4
	CmdSetHandler      Command = 5
	CmdGetHandler      Command = 6
	CmdDeleteHandler   Command = 7
	CmdSetMulticast    Command = 8
	CmdStatistics      Command = 9
)

func (c Command) String() string {
	switch c {
	case CmdChannel:
		return "channel"
	case CmdVersion:
		return "version"
	case CmdHardwareAddress:
		return "hardware-address"
	case CmdPROMAddress:
		return "prom-address"
	case CmdSetAddress:
		return "set-address"
	case CmdSend:
		return "send"
	case CmdSetHandler:
		return "set-handler"
	case CmdGetHandler:
		return "get-handler"
	case CmdDeleteHandler:
		return "delete-handler"
	case CmdSetMulticast:
		return "set-multicast"
	case CmdStatistics:
		return "statistics"
	}
	return fmt.Sprintf("command(%d)", int(c))
}

// HandlerRequest is the argument of CmdSetHandler.
type HandlerRequest struct {
	Protocol ethernet.EtherType
	Handler  registry.Handler
}

/**
 * Dispatch is the multiplexed entry point used by the host stack.
 *
 * Argument and result types per command:
 *   CmdChannel, CmdVersion            nil -> int
 *   CmdHardwareAddress, CmdPROMAddress nil -> net.HardwareAddr
 *   CmdSetAddress                     any -> nil
 *   CmdSend                           []byte -> nil
 *   CmdSetHandler                     HandlerRequest -> nil
 *   CmdGetHandler                     ethernet.EtherType -> registry.Handler (nil if absent)
 *   CmdDeleteHandler                  ethernet.EtherType -> nil
 *   CmdSetMulticast, CmdStatistics    any -> nil
 */
func (d *Driver) Dispatch(cmd Command, arg any) (any, error) {
	switch cmd {
	case CmdChannel:
		return d.Channel()
	case CmdVersion:
		return d.Version()
	case CmdHardwareAddress:
		return d.HardwareAddress()
	case CmdPROMAddress:
		return d.PROMAddress()
	case CmdSetAddress:
		return nil, d.SetHardwareAddress(arg)
	case CmdSend:
		frame, ok := arg.([]byte)
		if !ok {
			return nil, fmt.Errorf("%w: %s wants []byte", ErrInvalidArgument, cmd)
		}
		return nil, d.Send(frame)
	case CmdSetHandler:
		req, ok := arg.(HandlerRequest)
		if !ok {
			return nil, fmt.Errorf("%w: %s wants HandlerRequest", ErrInvalidArgument, cmd)
		}
		_, err := d.RegisterHandler(req.Protocol, req.Handler)
		return nil, err
	case CmdGetHandler:
		proto, ok := arg.(ethernet.EtherType)
		if !ok {
			return nil, fmt.Errorf("%w: %s wants ethernet.EtherType", ErrInvalidArgument, cmd)
		}
		h, err := d.Handler(proto)
		if err != nil || h == nil {
			return nil, err
		}
		return h, nil
	case CmdDeleteHandler:
		proto, ok := arg.(ethernet.EtherType)
		if !ok {
			return nil, fmt.Errorf("%w: %s wants ethernet.EtherType", ErrInvalidArgument, cmd)
		}
		_, err := d.UnregisterHandler(proto)
		return nil, err
	case CmdSetMulticast:
		return nil, d.SetMulticast(arg)
	case CmdStatistics:
		return nil, d.Statistics(arg)
	}
	return nil, fmt.Errorf("%w: %d", ErrInvalidCommand, int(cmd))
}

// run applies the recovery policy around one dispatcher command.
func (d *Driver) run(cmd Command, fn func() error) error {
	d.fgLock.Lock()
	defer d.fgLock.Unlock()

	retry := false
	if d.recovering.Load() {
		if !d.hotplug.Swap(false) {
			return fmt.Errorf("%w: %s", ErrRecovering, cmd)
		}
		retry = true
	}

	err := fn()
	if err != nil && errors.Is(err, adapter.ErrTransport) {
		d.recovering.Store(true)
		d.hotplug.Store(false)
		d.faults.Add(1)
		if d.log != nil {
			d.log.Warn().
				Str("interface", d.config.Interface).
				Str("command", cmd.String()).
				Err(err).
				Msg("transport fault, recovering")
		}
		return errors.Join(ErrDeviceFault, err)
	}
	if retry {
		d.recovering.Store(false)
		if d.log != nil {
			d.log.Info().
				Str("interface", d.config.Interface).
				Str("command", cmd.String()).
				Msg("recovered")
		}
	}
	return err
}

func (d *Driver) Channel() (int, error) {
	ch := -1
	err := d.run(CmdChannel, func() error {
		ch = d.channel
		return nil
	})
	return ch, err
}

func (d *Driver) Version() (int, error) {
	err := d.run(CmdVersion, func() error {
		return nil
	})
	if err != nil {
		return 0, err
	}
	return Version, nil
}

func (d *Driver) readAddress(cmd Command) (net.HardwareAddr, error) {
	var mac net.HardwareAddr
	err := d.run(cmd, func() error {
		return d.io(func() error {
			scratch := d.buffer.Scratch()[:6]
			_, err := d.transport.ReadStatus(d.target, scratch)
			if err != nil {
				return err
			}
			mac = make(net.HardwareAddr, 6)
			copy(mac, scratch)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return mac, nil
}

// HardwareAddress reads the current station address from the adapter.
func (d *Driver) HardwareAddress() (net.HardwareAddr, error) {
	return d.readAddress(CmdHardwareAddress)
}

// PROMAddress reads the burnt-in address. The adapter reports the same
// value as HardwareAddress.
func (d *Driver) PROMAddress() (net.HardwareAddr, error) {
	return d.readAddress(CmdPROMAddress)
}

// SetHardwareAddress is accepted and ignored.
func (d *Driver) SetHardwareAddress(any) error {
	return d.run(CmdSetAddress, func() error { return nil })
}

// Send transmits one frame synchronously.
func (d *Driver) Send(frame []byte) error {
	return d.run(CmdSend, func() error {
		if len(frame) == 0 {
			return fmt.Errorf("%w: empty frame", ErrInvalidArgument)
		}
		zone := d.buffer.Send()
		if len(frame) > len(zone) {
			return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(frame))
		}
		n := copy(zone, frame)
		err := d.io(func() error {
			return d.transport.SendFrame(d.target, zone[:n])
		})
		if err != nil {
			return err
		}
		d.sent.Store(true)
		return nil
	})
}

// RegisterHandler binds a protocol. The first handler arms the receive interrupt.
func (d *Driver) RegisterHandler(proto ethernet.EtherType, h registry.Handler) (registry.Transition, error) {
	var tr registry.Transition
	err := d.run(CmdSetHandler, func() error {
		var err error
		tr, err = d.registry.Register(proto, h)
		if err != nil {
			return err
		}
		if tr == registry.FirstHandler {
			d.line.Arm()
		}
		if d.log != nil {
			d.log.Debug().
				Str("interface", d.config.Interface).
				Uint16("protocol", uint16(proto)).
				Str("transition", tr.String()).
				Msg("handler registered")
		}
		return nil
	})
	return tr, err
}

// Handler returns the handler bound to proto, or nil.
func (d *Driver) Handler(proto ethernet.EtherType) (registry.Handler, error) {
	var h registry.Handler
	err := d.run(CmdGetHandler, func() error {
		h = d.registry.Find(proto)
		return nil
	})
	return h, err
}

// UnregisterHandler unbinds a protocol. The last handler disarms the receive interrupt.
func (d *Driver) UnregisterHandler(proto ethernet.EtherType) (registry.Transition, error) {
	var tr registry.Transition
	err := d.run(CmdDeleteHandler, func() error {
		var err error
		tr, err = d.registry.Unregister(proto)
		if err != nil {
			return err
		}
		if tr == registry.LastHandler {
			d.line.Disarm()
		}
		if d.log != nil {
			d.log.Debug().
				Str("interface", d.config.Interface).
				Uint16("protocol", uint16(proto)).
				Str("transition", tr.String()).
				Msg("handler unregistered")
		}
		return nil
	})
	return tr, err
}

// SetMulticast is accepted and ignored.
func (d *Driver) SetMulticast(any) error {
	return d.run(CmdSetMulticast, func() error { return nil })
}

// Statistics is accepted and ignored.
func (d *Driver) Statistics(any) error {
	return d.run(CmdStatistics, func() error { return nil })
}
