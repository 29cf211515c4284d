package sim

import (
	"encoding/binary"
	"net"
	"sync"

	"github.com/loopholelabs/scsilink/pkg/adapter"
	"github.com/loopholelabs/scsilink/pkg/adapter/bus"
)

/**
 * Bus is an in-memory SCSI bus with simulated targets attached. It is used
 * by tests and by the CLI when no real controller is available.
 *
 */
type Bus struct {
	lock    sync.Mutex
	targets map[int]*Target
	current *Target
	phase   bus.Phase
	cdb     []byte
	status  byte
	busy    bool
	history [][]byte
}

// Target is a simulated device. A target created with NewDaynaPort behaves
// like the Ethernet adapter, anything else only answers inquiries.
type Target struct {
	identity   *adapter.Identity
	dayna      bool
	mac        net.HardwareAddr
	enabled    bool
	attached   bool
	rx         [][]byte
	sent       [][]byte
	failSelect int
	failStatus map[byte]byte
	onFrame    func()
	onAttach   func()
}

func NewBus() *Bus {
	return &Bus{
		targets: make(map[int]*Target),
	}
}

// NewDaynaPort creates a simulated Ethernet adapter with the given address.
func NewDaynaPort(mac net.HardwareAddr) *Target {
	return &Target{
		identity:   adapter.NewDaynaIdentity("1.4a"),
		dayna:      true,
		mac:        mac,
		attached:   true,
		failStatus: make(map[byte]byte),
	}
}

// NewTarget creates a simulated target that only reports an identity.
func NewTarget(id *adapter.Identity) *Target {
	return &Target{
		identity:   id,
		attached:   true,
		failStatus: make(map[byte]byte),
	}
}

// Attach places a target at the given ID.
func (b *Bus) Attach(id int, t *Target) {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.targets[id] = t
}

// SetBusy forces the bus out of the bus-free phase.
func (b *Bus) SetBusy(busy bool) {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.busy = busy
}

// History returns a copy of every CDB sent on the bus.
func (b *Bus) History() [][]byte {
	b.lock.Lock()
	defer b.lock.Unlock()
	h := make([][]byte, len(b.history))
	copy(h, b.history)
	return h
}

// CountOp returns how many commands with the opcode were sent.
func (b *Bus) CountOp(opcode byte) int {
	b.lock.Lock()
	defer b.lock.Unlock()
	n := 0
	for _, c := range b.history {
		if c[0] == opcode {
			n++
		}
	}
	return n
}

func (b *Bus) Select(target int) error {
	b.lock.Lock()
	defer b.lock.Unlock()
	t, ok := b.targets[target]
	if !ok || !t.attached {
		return bus.ErrNoTarget
	}
	if t.failSelect > 0 {
		t.failSelect--
		return bus.ErrNoTarget
	}
	b.current = t
	b.phase = bus.PhaseCommand
	b.status = bus.StatusGood
	return nil
}

func (b *Bus) CommandOut(cdb []byte) error {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.current == nil || b.phase != bus.PhaseCommand {
		return bus.ErrPhase
	}
	b.cdb = append([]byte(nil), cdb...)
	b.history = append(b.history, b.cdb)
	t := b.current
	if s, ok := t.failStatus[cdb[0]]; ok {
		delete(t.failStatus, cdb[0])
		b.status = s
	}
	switch cdb[0] {
	case adapter.OpInquiry, adapter.OpStatus, adapter.OpReceive:
		b.phase = bus.PhaseDataIn
	case adapter.OpSend:
		b.phase = bus.PhaseDataOut
	case adapter.OpSetEnable:
		if !t.dayna {
			b.status = bus.StatusCheckCondition
		} else if b.status == bus.StatusGood {
			t.enabled = cdb[5]&0x80 != 0
		}
		b.phase = bus.PhaseStatus
	default:
		b.status = bus.StatusCheckCondition
		b.phase = bus.PhaseStatus
	}
	return nil
}

func (b *Bus) DataIn(buffer []byte) (int, error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.phase != bus.PhaseDataIn {
		return 0, bus.ErrPhase
	}
	b.phase = bus.PhaseStatus
	t := b.current
	switch b.cdb[0] {
	case adapter.OpInquiry:
		return t.identity.MarshalTo(buffer), nil
	case adapter.OpStatus:
		if !t.dayna {
			b.status = bus.StatusCheckCondition
			return 0, nil
		}
		return copy(buffer, t.mac), nil
	case adapter.OpReceive:
		if !t.dayna {
			b.status = bus.StatusCheckCondition
			return 0, nil
		}
		for i := range buffer[:min(len(buffer), adapter.ReceiveHeaderSize)] {
			buffer[i] = 0
		}
		if !t.enabled || len(t.rx) == 0 {
			return min(len(buffer), adapter.ReceiveHeaderSize), nil
		}
		frame := t.rx[0]
		t.rx = t.rx[1:]
		binary.BigEndian.PutUint16(buffer[0:2], uint16(len(frame)))
		n := copy(buffer[adapter.ReceiveHeaderSize:], frame)
		return adapter.ReceiveHeaderSize + n, nil
	}
	return 0, bus.ErrPhase
}

func (b *Bus) DataOut(buffer []byte) error {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.phase != bus.PhaseDataOut {
		return bus.ErrPhase
	}
	b.phase = bus.PhaseStatus
	if b.current.dayna {
		b.current.sent = append(b.current.sent, append([]byte(nil), buffer...))
	}
	return nil
}

func (b *Bus) StatusIn() (byte, error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.phase != bus.PhaseStatus {
		return 0, bus.ErrPhase
	}
	b.phase = bus.PhaseMessageIn
	return b.status, nil
}

func (b *Bus) MessageIn() (byte, error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.phase != bus.PhaseMessageIn {
		return 0, bus.ErrPhase
	}
	b.phase = bus.PhaseBusFree
	b.current = nil
	return bus.MessageCommandComplete, nil
}

func (b *Bus) Phase() bus.Phase {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.busy {
		return bus.PhaseArbitration
	}
	return b.phase
}

// Inject queues a frame for reception. The length reported by the adapter
// is len(frame), so the frame should carry its 4-byte trailer.
func (b *Bus) Inject(target int, frame []byte) {
	b.lock.Lock()
	t, ok := b.targets[target]
	if !ok {
		b.lock.Unlock()
		return
	}
	t.rx = append(t.rx, append([]byte(nil), frame...))
	fn := t.onFrame
	b.lock.Unlock()
	if fn != nil {
		fn()
	}
}

// Pending returns the number of frames still queued on the target.
func (b *Bus) Pending(target int) int {
	b.lock.Lock()
	defer b.lock.Unlock()
	if t, ok := b.targets[target]; ok {
		return len(t.rx)
	}
	return 0
}

// Sent returns the frames the target has received from the host.
func (b *Bus) Sent(target int) [][]byte {
	b.lock.Lock()
	defer b.lock.Unlock()
	t, ok := b.targets[target]
	if !ok {
		return nil
	}
	s := make([][]byte, len(t.sent))
	copy(s, t.sent)
	return s
}

// Enabled reports whether the adapter receiver is on.
func (b *Bus) Enabled(target int) bool {
	b.lock.Lock()
	defer b.lock.Unlock()
	t, ok := b.targets[target]
	return ok && t.enabled
}

// FailSelect makes the next n selections of the target fail.
func (b *Bus) FailSelect(target int, n int) {
	b.lock.Lock()
	defer b.lock.Unlock()
	if t, ok := b.targets[target]; ok {
		t.failSelect = n
	}
}

// FailStatus makes the next command with the opcode complete with the status.
func (b *Bus) FailStatus(target int, opcode byte, status byte) {
	b.lock.Lock()
	defer b.lock.Unlock()
	if t, ok := b.targets[target]; ok {
		t.failStatus[opcode] = status
	}
}

// Detach disconnects the target without removing it. Selections fail until Reattach.
func (b *Bus) Detach(target int) {
	b.lock.Lock()
	defer b.lock.Unlock()
	if t, ok := b.targets[target]; ok {
		t.attached = false
	}
}

// Reattach reconnects the target and fires its attach callback.
func (b *Bus) Reattach(target int) {
	b.lock.Lock()
	t, ok := b.targets[target]
	if !ok {
		b.lock.Unlock()
		return
	}
	t.attached = true
	fn := t.onAttach
	b.lock.Unlock()
	if fn != nil {
		fn()
	}
}

// OnFrame registers a callback fired whenever a frame is injected.
func (b *Bus) OnFrame(target int, fn func()) {
	b.lock.Lock()
	defer b.lock.Unlock()
	if t, ok := b.targets[target]; ok {
		t.onFrame = fn
	}
}

// OnAttach registers a callback fired when the target is reattached.
func (b *Bus) OnAttach(target int, fn func()) {
	b.lock.Lock()
	defer b.lock.Unlock()
	if t, ok := b.targets[target]; ok {
		t.onAttach = fn
	}
}
