package adapter

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/loopholelabs/scsilink/pkg/adapter/bus"
)

// Vendor command opcodes understood by the adapter.
const (
	OpInquiry   = 0x12
	OpReceive   = 0x08
	OpStatus    = 0x09
	OpSend      = 0x0a
	OpSetEnable = 0x0e
)

const (
	// ReceiveHeaderSize is the adapter header in front of every received frame.
	ReceiveHeaderSize = 6
	// DefaultReceiveSize is the receive request size used by the reference deployment.
	DefaultReceiveSize = 1536
	// DefaultSettleDelay lets the adapter link stabilise after enable/disable.
	DefaultSettleDelay = time.Second

	selectAttempts = 2

	receiveFlags = 0xc0
	enableFlag   = 0x80
)

var (
	ErrTransport   = errors.New("transport failure")
	ErrSelect      = errors.New("selection failed")
	ErrCommand     = errors.New("command phase failed")
	ErrData        = errors.New("data phase failed")
	ErrHandshake   = errors.New("status handshake failed")
	ErrInvalidSize = errors.New("invalid transfer size")
)

// StatusError reports a completed handshake with a non-zero status or message.
type StatusError struct {
	Op      string
	Status  byte
	Message byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status 0x%02x message 0x%02x", e.Op, e.Status, e.Message)
}

func (e *StatusError) Unwrap() error {
	return ErrTransport
}

/**
 * Transport performs complete adapter transactions. Every error returned
 * by a Transport wraps ErrTransport. Implementations do not retry beyond
 * the selection step.
 *
 */
type Transport interface {
	Identify(target int) (*Identity, error)
	ReadStatus(target int, buffer []byte) (int, error)
	SetEnabled(target int, enabled bool) error
	ReceiveFrame(target int, zone []byte) (int, error)
	SendFrame(target int, frame []byte) error
	Free() bool
}

type Option func(*Device)

// WithSettleDelay overrides the delay observed after SetEnabled.
func WithSettleDelay(d time.Duration) Option {
	return func(dev *Device) {
		dev.settle = d
	}
}

// WithSleep replaces the function used to wait out the settle delay.
func WithSleep(fn func(time.Duration)) Option {
	return func(dev *Device) {
		dev.sleep = fn
	}
}

// Device composes bus primitives into DaynaPORT transactions.
type Device struct {
	bus    bus.Bus
	settle time.Duration
	sleep  func(time.Duration)
}

func NewDevice(b bus.Bus, opts ...Option) *Device {
	d := &Device{
		bus:    b,
		settle: DefaultSettleDelay,
		sleep:  time.Sleep,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

func transportError(op string, kind error, err error) error {
	if err == nil {
		return fmt.Errorf("%s: %w: %w", op, ErrTransport, kind)
	}
	return fmt.Errorf("%s: %w: %w: %w", op, ErrTransport, kind, err)
}

// command selects the target and sends the CDB. Selection is retried once.
func (d *Device) command(op string, target int, cdb []byte) error {
	var err error
	for i := 0; i < selectAttempts; i++ {
		err = d.bus.Select(target)
		if err == nil {
			break
		}
	}
	if err != nil {
		return transportError(op, ErrSelect, err)
	}
	err = d.bus.CommandOut(cdb)
	if err != nil {
		return transportError(op, ErrCommand, err)
	}
	return nil
}

// complete reads the status and message bytes closing a transaction.
func (d *Device) complete(op string) error {
	status, err := d.bus.StatusIn()
	if err != nil {
		return transportError(op, ErrHandshake, err)
	}
	msg, err := d.bus.MessageIn()
	if err != nil {
		return transportError(op, ErrHandshake, err)
	}
	if status != bus.StatusGood || msg != bus.MessageCommandComplete {
		return &StatusError{Op: op, Status: status, Message: msg}
	}
	return nil
}

func cdb6(opcode byte, size int, flags byte) []byte {
	return []byte{opcode, 0, 0, byte(size >> 8), byte(size), flags}
}

func (d *Device) Identify(target int) (*Identity, error) {
	buffer := make([]byte, InquirySize)
	err := d.command("identify", target, cdb6(OpInquiry, InquirySize, 0))
	if err != nil {
		return nil, err
	}
	n, err := d.bus.DataIn(buffer)
	if err != nil {
		return nil, transportError("identify", ErrData, err)
	}
	err = d.complete("identify")
	if err != nil {
		return nil, err
	}
	id, err := ParseIdentity(buffer[:n])
	if err != nil {
		return nil, transportError("identify", ErrData, err)
	}
	return id, nil
}

func (d *Device) ReadStatus(target int, buffer []byte) (int, error) {
	if len(buffer) == 0 || len(buffer) > 0xffff {
		return 0, transportError("status", ErrInvalidSize, nil)
	}
	err := d.command("status", target, cdb6(OpStatus, len(buffer), 0))
	if err != nil {
		return 0, err
	}
	n, err := d.bus.DataIn(buffer)
	if err != nil {
		return 0, transportError("status", ErrData, err)
	}
	err = d.complete("status")
	if err != nil {
		return 0, err
	}
	return n, nil
}

// SetEnabled toggles the adapter receiver. Once the handshake has been
// attempted the settle delay is always observed, whatever its outcome.
func (d *Device) SetEnabled(target int, enabled bool) error {
	flags := byte(0)
	if enabled {
		flags = enableFlag
	}
	err := d.command("enable", target, cdb6(OpSetEnable, 0, flags))
	if err != nil {
		return err
	}
	err = d.complete("enable")
	d.sleep(d.settle)
	return err
}

// ReceiveFrame reads one frame into zone, which must hold the adapter header
// plus the largest frame expected. The returned length is the frame length
// reported by the adapter, excluding the header.
func (d *Device) ReceiveFrame(target int, zone []byte) (int, error) {
	if len(zone) < ReceiveHeaderSize || len(zone) > 0xffff {
		return 0, transportError("receive", ErrInvalidSize, nil)
	}
	err := d.command("receive", target, cdb6(OpReceive, len(zone), receiveFlags))
	if err != nil {
		return 0, err
	}
	n, err := d.bus.DataIn(zone)
	if err != nil {
		return 0, transportError("receive", ErrData, err)
	}
	err = d.complete("receive")
	if err != nil {
		return 0, err
	}
	if n < 2 {
		return 0, nil
	}
	length := int(binary.BigEndian.Uint16(zone[0:2]))
	// A transfer that filled the zone is oversize and left to the caller. One
	// that stopped short of the reported length is not a frame at all.
	if n < len(zone) && length > n-ReceiveHeaderSize {
		return 0, transportError("receive", ErrData,
			fmt.Errorf("adapter reported %d bytes, transferred %d", length, max(n-ReceiveHeaderSize, 0)))
	}
	return length, nil
}

func (d *Device) SendFrame(target int, frame []byte) error {
	if len(frame) == 0 || len(frame) > 0xffff {
		return transportError("send", ErrInvalidSize, nil)
	}
	err := d.command("send", target, cdb6(OpSend, len(frame), 0))
	if err != nil {
		return err
	}
	err = d.bus.DataOut(frame)
	if err != nil {
		return transportError("send", ErrData, err)
	}
	return d.complete("send")
}

// Free reports whether the bus is idle.
func (d *Device) Free() bool {
	return d.bus.Phase() == bus.PhaseBusFree
}
