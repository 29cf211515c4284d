package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/loopholelabs/scsilink/pkg/adapter"
	"github.com/loopholelabs/scsilink/pkg/adapter/modules"
	"github.com/loopholelabs/scsilink/pkg/driver"
	"github.com/loopholelabs/scsilink/pkg/driver/config"
	"github.com/loopholelabs/scsilink/pkg/driver/framebuf"
	"github.com/loopholelabs/scsilink/pkg/driver/host"
	scsiprom "github.com/loopholelabs/scsilink/pkg/driver/metrics/prometheus"
	scsistatsd "github.com/loopholelabs/scsilink/pkg/driver/metrics/statsd"
	"github.com/mdlayher/ethernet"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var (
	cmdRun = &cobra.Command{
		Use:   "run",
		Short: "Bring up an interface and monitor traffic",
		Long:  ``,
		RunE:  runRun,
	}
)

var runMetrics string
var runStatsd string
var runMonitor bool
var runDemo time.Duration
var runStats bool

// defaultSGPoll covers adapters with no interrupt source of their own.
const defaultSGPoll = 16 * time.Millisecond

var monitorProtocols = []ethernet.EtherType{
	ethernet.EtherTypeIPv4,
	ethernet.EtherTypeARP,
	ethernet.EtherTypeIPv6,
}

func init() {
	rootCmd.AddCommand(cmdRun)
	cmdRun.Flags().StringVarP(&runMetrics, "metrics", "m", "", "Prom metrics address (overrides config)")
	cmdRun.Flags().StringVar(&runStatsd, "statsd", "", "Statsd address to push metrics to")
	cmdRun.Flags().BoolVarP(&runMonitor, "monitor", "M", true, "Print received frames")
	cmdRun.Flags().DurationVar(&runDemo, "demo", 0, "Inject demo frames into a simulated adapter at this interval")
	cmdRun.Flags().BoolVarP(&runStats, "stats", "s", false, "Show transport stats on exit")
}

func runRun(_ *cobra.Command, _ []string) error {
	log := newLogger("scsilink.run")

	is, err := loadInterface()
	if err != nil {
		return err
	}
	att, err := openBus(is)
	if err != nil {
		return err
	}
	defer att.close()

	settle, _ := is.SettleDelay()
	met := modules.NewMetrics(adapter.NewDevice(att.bus, adapter.WithSettleDelay(settle)))
	var transport adapter.Transport = met
	if log != nil {
		transport = modules.NewLogger(met, is.Name, log)
	}

	conf := is.DriverConfig()
	if is.BusType() == config.BusSG && conf.Poll == 0 {
		conf.Poll = defaultSGPoll
	}

	d, err := driver.New(conf, transport, host.NewTable(), log)
	if err != nil {
		return err
	}
	if att.sim != nil {
		att.sim.OnFrame(att.target, d.Raise)
		att.sim.OnAttach(att.target, d.SignalHotplug)
	}

	err = d.Init(context.Background())
	if err != nil {
		color.Red("%s: %v", is.Name, err)
		return err
	}

	info := d.Info()
	color.Cyan("%s %d.%d installed on %s", driver.Name, driver.Version>>8, driver.Version&0xff, info.Interface)
	color.White("  %s %s rev %s at target %d, channel %d", info.Vendor, info.Product, info.Revision, info.Target, info.Channel)
	color.White("  address %s", info.MAC)

	metricsAddr := is.Metrics
	if runMetrics != "" {
		metricsAddr = runMetrics
	}
	var exporter *scsiprom.Metrics
	if metricsAddr != "" {
		reg := prometheus.NewRegistry()
		exporter = scsiprom.New(reg, scsiprom.DefaultConfig())
		exporter.AddTransport(info.Interface, met)
		exporter.AddDriver(info.Interface, d)

		// Add the default go metrics
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)

		http.Handle("/metrics", promhttp.HandlerFor(
			reg,
			promhttp.HandlerOpts{
				EnableOpenMetrics: true,
				Registry:          reg,
			},
		))

		go func() {
			err := http.ListenAndServe(metricsAddr, nil)
			if err != nil && log != nil {
				log.Warn().Err(err).Str("addr", metricsAddr).Msg("metrics server stopped")
			}
		}()
	}

	var pusher *scsistatsd.Metrics
	if runStatsd != "" {
		pusher = scsistatsd.New(runStatsd, scsistatsd.DefaultConfig())
		pusher.AddTransport(info.Interface, met)
		pusher.AddDriver(info.Interface, d)
	}

	if runMonitor {
		for _, p := range monitorProtocols {
			_, err = d.RegisterHandler(p, monitorFrame)
			if err != nil {
				color.Red("register %s: %v", p, err)
			}
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if runDemo > 0 && att.sim != nil {
		go demoTraffic(ctx, d, att, info.MAC)
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	cancel()

	if exporter != nil {
		exporter.Shutdown()
	}
	if pusher != nil {
		err = pusher.Shutdown()
		if err != nil && log != nil {
			log.Warn().Err(err).Msg("statsd shutdown")
		}
	}
	if runStats {
		met.ShowStats(info.Interface)
	}

	if runMonitor {
		for _, p := range monitorProtocols {
			_, _ = d.UnregisterHandler(p)
		}
	}
	err = d.Teardown()
	if err != nil {
		color.Yellow("%s stays resident: %v", info.Interface, err)
		return nil
	}
	color.Cyan("%s removed", info.Interface)
	return nil
}

func monitorFrame(length int, frame framebuf.Frame, iface string) {
	f, err := frame.Decode()
	if err != nil {
		color.Red("%s: undecodable frame of %d bytes: %v", iface, length, err)
		return
	}
	fmt.Printf("%s %s > %s %-6s %d bytes\n", iface, f.Source, f.Destination, f.EtherType, length)
}

// demoTraffic answers every interval with a broadcast ARP from a peer, and
// sends a frame of its own so both directions move.
func demoTraffic(ctx context.Context, d *driver.Driver, att *attachment, mac net.HardwareAddr) {
	peer := net.HardwareAddr{0x02, 0x00, 0x5e, 0x00, 0x00, 0x01}
	ticker := time.NewTicker(runDemo)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		in := &ethernet.Frame{
			Destination: ethernet.Broadcast,
			Source:      peer,
			EtherType:   ethernet.EtherTypeARP,
			Payload:     make([]byte, 28),
		}
		data, err := in.MarshalBinary()
		if err != nil {
			continue
		}
		// The adapter reports the frame check sequence too.
		data = binary.BigEndian.AppendUint32(data, 0)
		att.sim.Inject(att.target, data)

		out := &ethernet.Frame{
			Destination: peer,
			Source:      mac,
			EtherType:   ethernet.EtherTypeIPv4,
			Payload:     make([]byte, 46),
		}
		data, err = out.MarshalBinary()
		if err != nil {
			continue
		}
		err = d.Send(data)
		if err != nil {
			color.Red("send: %v", err)
		}
	}
}
