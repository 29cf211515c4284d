package bus

import "errors"

var (
	ErrNoTarget   = errors.New("target did not respond to selection")
	ErrPhase      = errors.New("unexpected bus phase")
	ErrDisconnect = errors.New("target disconnected")
)

// Phase is the current SCSI bus phase as reported by the host adapter.
type Phase uint8

const (
	PhaseBusFree Phase = iota
	PhaseArbitration
	PhaseSelection
	PhaseCommand
	PhaseDataIn
	PhaseDataOut
	PhaseStatus
	PhaseMessageIn
)

func (p Phase) String() string {
	switch p {
	case PhaseBusFree:
		return "bus-free"
	case PhaseArbitration:
		return "arbitration"
	case PhaseSelection:
		return "selection"
	case PhaseCommand:
		return "command"
	case PhaseDataIn:
		return "data-in"
	case PhaseDataOut:
		return "data-out"
	case PhaseStatus:
		return "status"
	case PhaseMessageIn:
		return "message-in"
	}
	return "unknown"
}

// Message bytes returned in the message-in phase.
const (
	MessageCommandComplete byte = 0x00
)

// Status bytes returned in the status phase.
const (
	StatusGood           byte = 0x00
	StatusCheckCondition byte = 0x02
	StatusBusy           byte = 0x08
)

/**
 * Bus is the set of atomic phase primitives offered by the host SCSI
 * controller. Each call completes one bus phase; composing them into a
 * transaction is up to the caller.
 *
 */
type Bus interface {
	Select(target int) error
	CommandOut(cdb []byte) error
	DataIn(buffer []byte) (int, error)
	DataOut(buffer []byte) error
	StatusIn() (byte, error)
	MessageIn() (byte, error)
	Phase() Phase
}
