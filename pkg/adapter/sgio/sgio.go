//go:build linux

package sgio

import (
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"github.com/loopholelabs/scsilink/pkg/adapter/bus"
	"golang.org/x/sys/unix"
)

/**
 * SCSI generic (sg) access to a single target through the SG_IO ioctl.
 *
 */
const SG_IO = 0x2285
const SG_INTERFACE_ID = 'S'

const SG_DXFER_NONE = -1
const SG_DXFER_TO_DEV = -2
const SG_DXFER_FROM_DEV = -3

const SG_INFO_OK_MASK = 0x1

const defaultTimeoutMs = 5000
const senseSize = 32

// Mirrors struct sg_io_hdr
type sgIoHdr struct {
	InterfaceID    int32
	DxferDirection int32
	CmdLen         uint8
	MxSbLen        uint8
	IovecCount     uint16
	DxferLen       uint32
	Dxferp         uintptr
	Cmdp           uintptr
	Sbp            uintptr
	Timeout        uint32
	Flags          uint32
	PackID         int32
	UsrPtr         uintptr
	Status         uint8
	MaskedStatus   uint8
	MsgStatus      uint8
	SbLenWr        uint8
	HostStatus     uint16
	DriverStatus   uint16
	Resid          int32
	Duration       uint32
	Info           uint32
}

// Bus drives one sg device node. The node addresses a single target, so
// selecting any other target fails.
type Bus struct {
	lock    sync.Mutex
	fd      int
	target  int
	timeout uint32
	phase   bus.Phase
	cdb     []byte
	done    bool
	status  byte
	sense   [senseSize]byte
}

// Open opens the sg node (for example /dev/sg3) standing in for the given target.
func Open(path string, target int) (*Bus, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &Bus{
		fd:      fd,
		target:  target,
		timeout: defaultTimeoutMs,
	}, nil
}

func (b *Bus) Close() error {
	return unix.Close(b.fd)
}

// Target returns the target ID the node was opened for.
func (b *Bus) Target() int {
	return b.target
}

func (b *Bus) execute(direction int32, data []byte) (int, error) {
	hdr := sgIoHdr{
		InterfaceID:    SG_INTERFACE_ID,
		DxferDirection: direction,
		CmdLen:         uint8(len(b.cdb)),
		MxSbLen:        senseSize,
		Cmdp:           uintptr(unsafe.Pointer(&b.cdb[0])),
		Sbp:            uintptr(unsafe.Pointer(&b.sense[0])),
		Timeout:        b.timeout,
	}
	if len(data) > 0 {
		hdr.DxferLen = uint32(len(data))
		hdr.Dxferp = uintptr(unsafe.Pointer(&data[0]))
	}
	_, _, en := unix.Syscall(unix.SYS_IOCTL, uintptr(b.fd), SG_IO, uintptr(unsafe.Pointer(&hdr)))
	runtime.KeepAlive(data)
	runtime.KeepAlive(b.cdb)
	b.done = true
	if en != 0 {
		return 0, fmt.Errorf("%w: SG_IO %s", bus.ErrDisconnect, unix.Errno(en))
	}
	if hdr.HostStatus != 0 || hdr.DriverStatus&^0x08 != 0 {
		return 0, fmt.Errorf("%w: host 0x%x driver 0x%x", bus.ErrDisconnect, hdr.HostStatus, hdr.DriverStatus)
	}
	b.status = hdr.Status
	return len(data) - int(hdr.Resid), nil
}

func (b *Bus) Select(target int) error {
	b.lock.Lock()
	defer b.lock.Unlock()
	if target != b.target {
		return bus.ErrNoTarget
	}
	b.phase = bus.PhaseCommand
	b.done = false
	b.status = bus.StatusGood
	return nil
}

func (b *Bus) CommandOut(cdb []byte) error {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.phase != bus.PhaseCommand || len(cdb) == 0 {
		return bus.ErrPhase
	}
	b.cdb = append([]byte(nil), cdb...)
	b.phase = bus.PhaseDataIn
	return nil
}

func (b *Bus) DataIn(buffer []byte) (int, error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.phase != bus.PhaseDataIn {
		return 0, bus.ErrPhase
	}
	b.phase = bus.PhaseStatus
	return b.execute(SG_DXFER_FROM_DEV, buffer)
}

func (b *Bus) DataOut(buffer []byte) error {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.phase != bus.PhaseDataIn {
		return bus.ErrPhase
	}
	b.phase = bus.PhaseStatus
	_, err := b.execute(SG_DXFER_TO_DEV, buffer)
	return err
}

// StatusIn runs the command without a data phase if nothing has run it yet.
func (b *Bus) StatusIn() (byte, error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.phase != bus.PhaseStatus && b.phase != bus.PhaseDataIn {
		return 0, bus.ErrPhase
	}
	b.phase = bus.PhaseMessageIn
	if !b.done {
		_, err := b.execute(SG_DXFER_NONE, nil)
		if err != nil {
			return 0, err
		}
	}
	return b.status, nil
}

// MessageIn always reports command complete, the kernel consumes the real message.
func (b *Bus) MessageIn() (byte, error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.phase != bus.PhaseMessageIn {
		return 0, bus.ErrPhase
	}
	b.phase = bus.PhaseBusFree
	return bus.MessageCommandComplete, nil
}

func (b *Bus) Phase() bus.Phase {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.phase
}
