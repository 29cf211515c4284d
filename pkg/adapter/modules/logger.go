package modules

import (
	"sync/atomic"

	"github.com/loopholelabs/logging/types"
	"github.com/loopholelabs/scsilink/pkg/adapter"
)

type Logger struct {
	prov    adapter.Transport
	prefix  string
	log     types.Logger
	enabled atomic.Bool
}

func NewLogger(prov adapter.Transport, prefix string, log types.Logger) *Logger {
	l := &Logger{
		prov:   prov,
		log:    log,
		prefix: prefix,
	}
	l.enabled.Store(true)
	return l
}

func (i *Logger) Disable() {
	if i.enabled.Load() && i.log != nil {
		i.log.Debug().Str("device", i.prefix).Msg("logging disabled")
	}
	i.enabled.Store(false)
}

func (i *Logger) Enable() {
	i.enabled.Store(true)
	if i.log != nil {
		i.log.Debug().Str("device", i.prefix).Msg("logging enabled")
	}
}

func (i *Logger) active() bool {
	return i.enabled.Load() && i.log != nil
}

func (i *Logger) Identify(target int) (*adapter.Identity, error) {
	id, err := i.prov.Identify(target)
	if i.active() {
		vendor, product := "", ""
		if id != nil {
			vendor = id.VendorString()
			product = id.ProductString()
		}
		i.log.Debug().
			Str("device", i.prefix).
			Int("target", target).
			Str("vendor", vendor).
			Str("product", product).
			Err(err).
			Msg("Identify")
	}
	return id, err
}

func (i *Logger) ReadStatus(target int, buffer []byte) (int, error) {
	n, err := i.prov.ReadStatus(target, buffer)
	if i.active() {
		i.log.Debug().
			Str("device", i.prefix).
			Int("target", target).
			Int("length", len(buffer)).
			Int("n", n).
			Err(err).
			Msg("ReadStatus")
	}
	return n, err
}

func (i *Logger) SetEnabled(target int, enabled bool) error {
	err := i.prov.SetEnabled(target, enabled)
	if i.active() {
		state := "disabled"
		if enabled {
			state = "enabled"
		}
		i.log.Debug().
			Str("device", i.prefix).
			Int("target", target).
			Str("state", state).
			Err(err).
			Msg("SetEnabled")
	}
	return err
}

// Receives run in interrupt context and log at trace level.
func (i *Logger) ReceiveFrame(target int, zone []byte) (int, error) {
	n, err := i.prov.ReceiveFrame(target, zone)
	if i.active() {
		i.log.Trace().
			Str("device", i.prefix).
			Int("target", target).
			Int("length", len(zone)).
			Int("n", n).
			Err(err).
			Msg("ReceiveFrame")
	}
	return n, err
}

func (i *Logger) SendFrame(target int, frame []byte) error {
	err := i.prov.SendFrame(target, frame)
	if i.active() {
		i.log.Debug().
			Str("device", i.prefix).
			Int("target", target).
			Int("length", len(frame)).
			Err(err).
			Msg("SendFrame")
	}
	return err
}

func (i *Logger) Free() bool {
	return i.prov.Free()
}
