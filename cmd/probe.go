package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/loopholelabs/scsilink/pkg/adapter"
	"github.com/loopholelabs/scsilink/pkg/adapter/modules"
	"github.com/loopholelabs/scsilink/pkg/driver"
	"github.com/spf13/cobra"
)

var (
	cmdProbe = &cobra.Command{
		Use:   "probe",
		Short: "List the targets on the bus",
		Long:  ``,
		RunE:  runProbe,
	}
)

func init() {
	rootCmd.AddCommand(cmdProbe)
}

func runProbe(_ *cobra.Command, _ []string) error {
	is, err := loadInterface()
	if err != nil {
		return err
	}
	att, err := openBus(is)
	if err != nil {
		return err
	}
	defer att.close()

	var transport adapter.Transport = adapter.NewDevice(att.bus)
	log := newLogger("scsilink.probe")
	if log != nil {
		transport = modules.NewLogger(transport, "probe", log)
	}

	found := 0
	for _, r := range driver.Probe(transport) {
		if r.Err != nil {
			if log != nil {
				log.Debug().Int("target", r.Target).Err(r.Err).Msg("no response")
			}
			continue
		}
		line := fmt.Sprintf("target %d: %-8s %-16s %-4s", r.Target,
			r.Identity.VendorString(), r.Identity.ProductString(), r.Identity.RevisionString())
		if r.Identity.IsDaynaPort() {
			found++
			color.Green("%s  <- adapter", line)
		} else {
			fmt.Println(line)
		}
	}
	if found == 0 {
		color.Red("No adapter found")
		return driver.ErrNoAdapter
	}
	return nil
}
