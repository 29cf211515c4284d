package driver

import (
	"github.com/loopholelabs/scsilink/pkg/adapter"
	"github.com/loopholelabs/scsilink/pkg/driver/framebuf"
)

// interrupt is the receive service routine. It picks up at most one frame.
// Nothing here changes driver state, and transport errors are dropped.
func (d *Driver) interrupt() {
	d.rxInterrupts.Add(1)

	if !d.gate.TryEnter() {
		return
	}
	defer d.gate.Leave()

	section := d.mask.Enter()
	defer section.Leave()

	if !d.transport.Free() {
		d.rxBusy.Add(1)
		return
	}

	zone := d.buffer.RecvZone(d.config.ReceiveSize)
	length, err := d.transport.ReceiveFrame(d.target, zone)
	if err != nil {
		d.rxErrors.Add(1)
		if d.log != nil {
			d.log.Trace().Str("interface", d.config.Interface).Err(err).Msg("receive skipped")
		}
		return
	}

	switch {
	case length == 0:
		d.rxEmpty.Add(1)
		return
	case length < framebuf.MinFrameSize:
		d.rxRunts.Add(1)
		return
	case length > len(zone)-adapter.ReceiveHeaderSize:
		d.rxOversize.Add(1)
		return
	}

	frame := d.buffer.RecvFrame(length)
	proto := frame.EtherType()
	h := d.registry.Find(proto)
	if h == nil {
		d.rxUnclaimed.Add(1)
		return
	}
	d.rxDelivered.Add(1)
	h(length-framebuf.TrailerSize, frame[:length-framebuf.TrailerSize], d.config.Interface)
}
