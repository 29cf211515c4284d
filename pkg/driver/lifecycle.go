package driver

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/loopholelabs/scsilink/pkg/adapter"
	"github.com/loopholelabs/scsilink/pkg/driver/host"
)

// Init binds the driver to an adapter and makes it resident. The context
// bounds the lifetime of the receive interrupt line.
func (d *Driver) Init(ctx context.Context) error {
	d.fgLock.Lock()
	defer d.fgLock.Unlock()

	if d.resident.Load() {
		return ErrResident
	}

	if _, err := d.host.Lookup(d.config.Interface); err == nil {
		return fmt.Errorf("%w: %s", host.ErrAlreadyResident, d.config.Interface)
	}

	channel, err := d.host.FreeChannel(d.config.Channel)
	if err != nil {
		return errors.Join(ErrNoChannel, err)
	}

	target, err := d.probe()
	if err != nil {
		return err
	}

	err = d.io(func() error {
		return d.transport.SetEnabled(target, true)
	})
	if err != nil {
		return errors.Join(ErrEnable, err)
	}

	err = d.host.BindChannel(channel, d.config.Interface)
	if err != nil {
		d.disable(target)
		return errors.Join(ErrNoChannel, err)
	}

	d.target = target
	d.channel = channel
	d.recovering.Store(false)
	d.hotplug.Store(false)
	d.sent.Store(false)
	d.line.Start(ctx)

	info, err := d.identify()
	if err != nil {
		d.line.Stop()
		d.disable(target)
		_ = d.host.UnbindChannel(channel)
		return errors.Join(ErrDeviceFault, err)
	}

	err = d.host.Install(&host.Resident{
		Name:      Name,
		Interface: d.config.Interface,
		Channel:   channel,
		Removable: !d.config.Boot,
		Driver:    d,
	})
	if err != nil {
		d.line.Stop()
		d.disable(target)
		_ = d.host.UnbindChannel(channel)
		return err
	}

	d.info = info
	d.resident.Store(true)

	if d.log != nil {
		d.log.Info().
			Str("interface", info.Interface).
			Int("channel", info.Channel).
			Int("target", info.Target).
			Str("vendor", info.Vendor).
			Str("product", info.Product).
			Str("mac", info.MAC.String()).
			Msg("adapter ready")
	}
	return nil
}

// probe returns the first target answering as a DaynaPORT.
func (d *Driver) probe() (int, error) {
	targets := make([]int, 0, MaxTarget+1)
	if d.config.Target >= 0 {
		targets = append(targets, d.config.Target)
	} else {
		for t := MaxTarget; t >= 0; t-- {
			targets = append(targets, t)
		}
	}
	for _, t := range targets {
		var id *adapter.Identity
		err := d.io(func() error {
			var err error
			id, err = d.transport.Identify(t)
			return err
		})
		if err != nil {
			if d.log != nil {
				d.log.Trace().Int("target", t).Err(err).Msg("probe")
			}
			continue
		}
		if id.IsDaynaPort() {
			return t, nil
		}
		if d.log != nil {
			d.log.Debug().
				Int("target", t).
				Str("vendor", id.VendorString()).
				Str("product", id.ProductString()).
				Msg("probe skipped device")
		}
	}
	return -1, ErrNoAdapter
}

// identify reads the identity and address reported after init.
func (d *Driver) identify() (Info, error) {
	info := Info{
		Interface: d.config.Interface,
		Channel:   d.channel,
		Target:    d.target,
	}
	err := d.io(func() error {
		id, err := d.transport.Identify(d.target)
		if err != nil {
			return err
		}
		info.Vendor = id.VendorString()
		info.Product = id.ProductString()
		info.Revision = id.RevisionString()

		scratch := d.buffer.Scratch()[:6]
		_, err = d.transport.ReadStatus(d.target, scratch)
		if err != nil {
			return err
		}
		info.MAC = make(net.HardwareAddr, 6)
		copy(info.MAC, scratch)
		return nil
	})
	return info, err
}

func (d *Driver) disable(target int) {
	err := d.io(func() error {
		return d.transport.SetEnabled(target, false)
	})
	if err != nil && d.log != nil {
		d.log.Warn().Str("interface", d.config.Interface).Int("target", target).Err(err).Msg("disable failed")
	}
}

// Teardown releases the adapter and removes the resident record.
func (d *Driver) Teardown() error {
	d.fgLock.Lock()
	defer d.fgLock.Unlock()

	if !d.resident.Load() {
		return fmt.Errorf("%w: %s", ErrNotResident, d.config.Interface)
	}
	if d.config.Boot {
		return ErrNotRemovable
	}
	if n := d.registry.Count(); n > 0 {
		return fmt.Errorf("%w: %d", ErrInUse, n)
	}

	// Wait out a receive in progress, then keep the line quiet.
	section := d.mask.Enter()
	d.line.Disarm()
	section.Leave()
	d.line.Stop()

	d.disable(d.target)

	var errs []error
	if err := d.host.UnbindChannel(d.channel); err != nil {
		errs = append(errs, err)
	}
	if err := d.host.Remove(d.config.Interface); err != nil {
		errs = append(errs, err)
	}
	d.resident.Store(false)

	if d.log != nil {
		d.log.Info().Str("interface", d.config.Interface).Int("channel", d.channel).Msg("adapter released")
	}
	return errors.Join(errs...)
}

// Uninstall tears down the driver resident on iface.
func Uninstall(h host.Host, iface string) error {
	r, err := h.Lookup(iface)
	if err != nil {
		return err
	}
	if r.Driver == nil {
		return fmt.Errorf("%w: %s has no driver", ErrNotResident, iface)
	}
	return r.Driver.Teardown()
}

// ProbeResult is one target seen by Probe.
type ProbeResult struct {
	Target   int
	Identity *adapter.Identity
	Err      error
}

// Probe identifies every target on the bus, highest ID first.
func Probe(t adapter.Transport) []ProbeResult {
	results := make([]ProbeResult, 0, MaxTarget+1)
	for target := MaxTarget; target >= 0; target-- {
		id, err := t.Identify(target)
		results = append(results, ProbeResult{Target: target, Identity: id, Err: err})
	}
	return results
}
