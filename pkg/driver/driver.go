package driver

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loopholelabs/logging/types"
	"github.com/loopholelabs/scsilink/pkg/adapter"
	"github.com/loopholelabs/scsilink/pkg/driver/framebuf"
	"github.com/loopholelabs/scsilink/pkg/driver/host"
	"github.com/loopholelabs/scsilink/pkg/driver/irq"
	"github.com/loopholelabs/scsilink/pkg/driver/registry"
)

// Version is reported by the version command.
const Version = 0x100

// Name is recorded in the host resident table.
const Name = "scsilink"

const (
	// NameLength is the fixed length of an interface name.
	NameLength = 3
	// MaxTarget is the highest bus target ID probed.
	MaxTarget = 7
)

var (
	ErrRecovering      = errors.New("device recovering")
	ErrDeviceFault     = errors.New("device fault")
	ErrFrameTooLarge   = errors.New("frame too large")
	ErrInvalidCommand  = errors.New("invalid command")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrInvalidName     = errors.New("invalid interface name")
	ErrNoChannel       = errors.New("no free dispatch channel")
	ErrNoAdapter       = errors.New("no adapter found")
	ErrEnable          = errors.New("adapter enable failed")
	ErrNotRemovable    = errors.New("driver installed at boot")
	ErrInUse           = errors.New("protocol handlers registered")
	ErrNotResident     = host.ErrNotResident
	ErrResident        = errors.New("driver already resident")
)

type State int

const (
	Normal State = iota
	Recovering
)

func (s State) String() string {
	if s == Recovering {
		return "recovering"
	}
	return "normal"
}

type Config struct {
	// Interface is the three character interface name, such as "en0".
	Interface string
	// Channel is the preferred dispatch channel, or -1 for any.
	Channel int
	// Target restricts probing to one bus target, or -1 to probe 7 down to 0.
	Target int
	// Boot marks a driver installed from the boot configuration. It cannot be removed.
	Boot bool
	// ReceiveSize is the maximum receive request, header included.
	ReceiveSize int
	// Poll fires the receive interrupt periodically. Zero relies on raises only.
	Poll time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interface:   "en0",
		Channel:     -1,
		Target:      -1,
		ReceiveSize: adapter.DefaultReceiveSize,
	}
}

// Info describes the bound adapter.
type Info struct {
	Interface string
	Channel   int
	Target    int
	Vendor    string
	Product   string
	Revision  string
	MAC       net.HardwareAddr
}

// ReceiveStats counts what happened to receive interrupts.
type ReceiveStats struct {
	Interrupts uint64
	Refused    uint64
	Busy       uint64
	Errors     uint64
	Empty      uint64
	Runts      uint64
	Oversize   uint64
	Unclaimed  uint64
	Delivered  uint64
}

/**
 * Driver binds one adapter to one interface. The foreground (dispatcher
 * and init/teardown) is serialized by fgLock, the receive routine runs on
 * the interrupt line goroutine.
 *
 */
type Driver struct {
	config    Config
	transport adapter.Transport
	host      host.Host
	log       types.Logger

	buffer   *framebuf.Buffer
	registry *registry.Registry
	gate     irq.Gate
	mask     irq.Mask
	line     *irq.Line

	fgLock   sync.Mutex
	target   int
	channel  int
	info     Info
	resident atomic.Bool

	sent       atomic.Bool
	hotplug    atomic.Bool
	recovering atomic.Bool
	faults     atomic.Uint64

	rxInterrupts atomic.Uint64
	rxBusy       atomic.Uint64
	rxErrors     atomic.Uint64
	rxEmpty      atomic.Uint64
	rxRunts      atomic.Uint64
	rxOversize   atomic.Uint64
	rxUnclaimed  atomic.Uint64
	rxDelivered  atomic.Uint64
}

func New(conf Config, transport adapter.Transport, h host.Host, log types.Logger) (*Driver, error) {
	if len(conf.Interface) != NameLength {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, conf.Interface)
	}
	if conf.Target > MaxTarget || conf.Target < -1 {
		return nil, fmt.Errorf("%w: target %d", ErrInvalidArgument, conf.Target)
	}
	if conf.Channel >= host.Channels || conf.Channel < -1 {
		return nil, fmt.Errorf("%w: channel %d", ErrInvalidArgument, conf.Channel)
	}
	if conf.ReceiveSize <= 0 {
		conf.ReceiveSize = adapter.DefaultReceiveSize
	}
	if conf.ReceiveSize > framebuf.RecvSize {
		conf.ReceiveSize = framebuf.RecvSize
	}
	d := &Driver{
		config:    conf,
		transport: transport,
		host:      h,
		log:       log,
		buffer:    framebuf.New(),
		registry:  registry.New(),
		target:    -1,
		channel:   -1,
	}
	d.line = irq.NewLine(d.interrupt, conf.Poll)
	return d, nil
}

func (d *Driver) Interface() string {
	return d.config.Interface
}

// Raise signals the receive interrupt. Adapters call it when a frame is ready.
func (d *Driver) Raise() {
	d.line.Raise()
}

// SignalHotplug flags a change in the adapter connection. A recovering
// driver retries the next command once.
func (d *Driver) SignalHotplug() {
	d.hotplug.Store(true)
	if d.log != nil {
		d.log.Info().Str("interface", d.config.Interface).Msg("hotplug signalled")
	}
}

func (d *Driver) State() State {
	if d.recovering.Load() {
		return Recovering
	}
	return Normal
}

// TakeSent reports whether a frame was sent since the last call, and clears the flag.
func (d *Driver) TakeSent() bool {
	return d.sent.Swap(false)
}

func (d *Driver) Handlers() int {
	return d.registry.Count()
}

func (d *Driver) Resident() bool {
	return d.resident.Load()
}

// Faults returns how many transport faults moved the driver to Recovering.
func (d *Driver) Faults() uint64 {
	return d.faults.Load()
}

// Info returns the identity captured at init.
func (d *Driver) Info() Info {
	d.fgLock.Lock()
	defer d.fgLock.Unlock()
	return d.info
}

func (d *Driver) Stats() ReceiveStats {
	return ReceiveStats{
		Interrupts: d.rxInterrupts.Load(),
		Refused:    d.gate.Refused(),
		Busy:       d.rxBusy.Load(),
		Errors:     d.rxErrors.Load(),
		Empty:      d.rxEmpty.Load(),
		Runts:      d.rxRunts.Load(),
		Oversize:   d.rxOversize.Load(),
		Unclaimed:  d.rxUnclaimed.Load(),
		Delivered:  d.rxDelivered.Load(),
	}
}

func (d *Driver) LineStats() irq.LineStats {
	return d.line.Stats()
}

// io runs one transport transaction inside host services.
func (d *Driver) io(fn func() error) error {
	d.gate.Enter()
	defer d.gate.Leave()
	return fn()
}
