package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/loopholelabs/logging"
	"github.com/loopholelabs/logging/types"
	"github.com/loopholelabs/scsilink/pkg/adapter"
	"github.com/loopholelabs/scsilink/pkg/adapter/bus"
	"github.com/loopholelabs/scsilink/pkg/adapter/sgio"
	"github.com/loopholelabs/scsilink/pkg/adapter/sim"
	"github.com/loopholelabs/scsilink/pkg/driver/config"
)

func newLogger(name string) types.RootLogger {
	if !confDebug {
		return nil
	}
	log := logging.New(logging.Zerolog, name, os.Stderr)
	log.SetLevel(types.TraceLevel)
	return log
}

// loadInterface reads the selected interface block. A missing file falls
// back to a simulated adapter.
func loadInterface() (*config.InterfaceSchema, error) {
	schema, err := config.ReadSchema(confFile)
	if errors.Is(err, os.ErrNotExist) {
		schema = &config.Schema{
			Interface: []*config.InterfaceSchema{{Name: confInterface, Channel: -1, Bus: config.BusSim}},
		}
	} else if err != nil {
		return nil, err
	}

	err = schema.Validate()
	if err != nil {
		return nil, err
	}
	return schema.Find(confInterface)
}

type attachment struct {
	bus    bus.Bus
	sim    *sim.Bus
	target int
	close  func() error
}

func openBus(is *config.InterfaceSchema) (*attachment, error) {
	switch is.BusType() {
	case config.BusSim:
		mac, err := is.HardwareAddr()
		if err != nil {
			return nil, err
		}
		target := is.TargetID()
		if target < 0 {
			target = config.DefaultSimTarget
		}
		b := sim.NewBus()
		b.Attach(target, sim.NewDaynaPort(mac))
		// A disk on the usual boot ID gives probe something to skip.
		disk := adapter.NewDaynaIdentity("1.0")
		disk.DeviceType = 0x00
		copy(disk.Vendor[:], "SEAGATE ")
		copy(disk.Product[:], "ST1480N         ")
		b.Attach(0, sim.NewTarget(disk))
		return &attachment{bus: b, sim: b, target: target, close: func() error { return nil }}, nil

	case config.BusSG:
		b, err := sgio.Open(is.Device, is.TargetID())
		if err != nil {
			return nil, err
		}
		return &attachment{bus: b, target: is.TargetID(), close: b.Close}, nil
	}
	return nil, fmt.Errorf("%w: unknown bus %q", config.ErrInvalidConfig, is.Bus)
}
