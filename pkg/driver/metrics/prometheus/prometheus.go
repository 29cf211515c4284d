package prometheus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/loopholelabs/scsilink/pkg/adapter/modules"
	"github.com/loopholelabs/scsilink/pkg/driver"
	"github.com/prometheus/client_golang/prometheus"
)

type MetricsConfig struct {
	Namespace     string
	SubTransport  string
	SubReceive    string
	SubDriver     string
	SubLine       string
	TickTransport time.Duration
	TickDriver    time.Duration
}

func DefaultConfig() *MetricsConfig {
	return &MetricsConfig{
		Namespace:     "scsilink",
		SubTransport:  "transport",
		SubReceive:    "receive",
		SubDriver:     "driver",
		SubLine:       "line",
		TickTransport: 100 * time.Millisecond,
		TickDriver:    100 * time.Millisecond,
	}
}

type Metrics struct {
	reg    prometheus.Registerer
	lock   sync.Mutex
	config *MetricsConfig

	// transport
	transportIdentifyOps    *prometheus.GaugeVec
	transportIdentifyErrors *prometheus.GaugeVec
	transportStatusOps      *prometheus.GaugeVec
	transportStatusErrors   *prometheus.GaugeVec
	transportEnableOps      *prometheus.GaugeVec
	transportEnableErrors   *prometheus.GaugeVec
	transportEnableTime     *prometheus.GaugeVec
	transportReceiveOps     *prometheus.GaugeVec
	transportReceiveBytes   *prometheus.GaugeVec
	transportReceiveTime    *prometheus.GaugeVec
	transportReceiveErrors  *prometheus.GaugeVec
	transportSendOps        *prometheus.GaugeVec
	transportSendBytes      *prometheus.GaugeVec
	transportSendTime       *prometheus.GaugeVec
	transportSendErrors     *prometheus.GaugeVec
	transportBusyChecks     *prometheus.GaugeVec
	transportBusy           *prometheus.GaugeVec

	// receive
	receiveInterrupts *prometheus.GaugeVec
	receiveRefused    *prometheus.GaugeVec
	receiveBusy       *prometheus.GaugeVec
	receiveErrors     *prometheus.GaugeVec
	receiveEmpty      *prometheus.GaugeVec
	receiveRunts      *prometheus.GaugeVec
	receiveOversize   *prometheus.GaugeVec
	receiveUnclaimed  *prometheus.GaugeVec
	receiveDelivered  *prometheus.GaugeVec

	// driver
	driverResident   *prometheus.GaugeVec
	driverRecovering *prometheus.GaugeVec
	driverFaults     *prometheus.GaugeVec
	driverHandlers   *prometheus.GaugeVec

	// line
	lineRaised    *prometheus.GaugeVec
	lineCoalesced *prometheus.GaugeVec
	lineDelivered *prometheus.GaugeVec

	cancelfns map[string]context.CancelFunc
}

func gauge(config *MetricsConfig, sub string, name string, help string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: config.Namespace, Subsystem: sub, Name: name, Help: help}, []string{"interface"})
}

func New(reg prometheus.Registerer, config *MetricsConfig) *Metrics {
	met := &Metrics{
		config: config,
		reg:    reg,
		// Transport
		transportIdentifyOps:    gauge(config, config.SubTransport, "identify_ops", "Inquiry commands"),
		transportIdentifyErrors: gauge(config, config.SubTransport, "identify_errors", "Inquiry errors"),
		transportStatusOps:      gauge(config, config.SubTransport, "status_ops", "Status reads"),
		transportStatusErrors:   gauge(config, config.SubTransport, "status_errors", "Status read errors"),
		transportEnableOps:      gauge(config, config.SubTransport, "enable_ops", "Enable and disable commands"),
		transportEnableErrors:   gauge(config, config.SubTransport, "enable_errors", "Enable and disable errors"),
		transportEnableTime:     gauge(config, config.SubTransport, "enable_time", "Time spent enabling in ns"),
		transportReceiveOps:     gauge(config, config.SubTransport, "receive_ops", "Receive commands"),
		transportReceiveBytes:   gauge(config, config.SubTransport, "receive_bytes", "Bytes received"),
		transportReceiveTime:    gauge(config, config.SubTransport, "receive_time", "Time spent receiving in ns"),
		transportReceiveErrors:  gauge(config, config.SubTransport, "receive_errors", "Receive errors"),
		transportSendOps:        gauge(config, config.SubTransport, "send_ops", "Send commands"),
		transportSendBytes:      gauge(config, config.SubTransport, "send_bytes", "Bytes sent"),
		transportSendTime:       gauge(config, config.SubTransport, "send_time", "Time spent sending in ns"),
		transportSendErrors:     gauge(config, config.SubTransport, "send_errors", "Send errors"),
		transportBusyChecks:     gauge(config, config.SubTransport, "busy_checks", "Bus free checks"),
		transportBusy:           gauge(config, config.SubTransport, "busy", "Bus found busy"),

		// Receive
		receiveInterrupts: gauge(config, config.SubReceive, "interrupts", "Interrupts taken"),
		receiveRefused:    gauge(config, config.SubReceive, "refused", "Interrupts refused while in services"),
		receiveBusy:       gauge(config, config.SubReceive, "busy", "Interrupts dropped on a busy bus"),
		receiveErrors:     gauge(config, config.SubReceive, "errors", "Receive transport errors"),
		receiveEmpty:      gauge(config, config.SubReceive, "empty", "Interrupts with nothing pending"),
		receiveRunts:      gauge(config, config.SubReceive, "runts", "Frames below minimum size"),
		receiveOversize:   gauge(config, config.SubReceive, "oversize", "Frames larger than the receive zone"),
		receiveUnclaimed:  gauge(config, config.SubReceive, "unclaimed", "Frames with no handler"),
		receiveDelivered:  gauge(config, config.SubReceive, "delivered", "Frames delivered to a handler"),

		// Driver
		driverResident:   gauge(config, config.SubDriver, "resident", "Driver resident"),
		driverRecovering: gauge(config, config.SubDriver, "recovering", "Driver waiting for hotplug"),
		driverFaults:     gauge(config, config.SubDriver, "faults", "Device faults"),
		driverHandlers:   gauge(config, config.SubDriver, "handlers", "Registered protocol handlers"),

		// Line
		lineRaised:    gauge(config, config.SubLine, "raised", "Interrupt raises"),
		lineCoalesced: gauge(config, config.SubLine, "coalesced", "Raises merged into a pending interrupt"),
		lineDelivered: gauge(config, config.SubLine, "delivered", "Interrupts delivered to the routine"),

		cancelfns: make(map[string]context.CancelFunc),
	}

	reg.MustRegister(
		met.transportIdentifyOps, met.transportIdentifyErrors,
		met.transportStatusOps, met.transportStatusErrors,
		met.transportEnableOps, met.transportEnableErrors, met.transportEnableTime,
		met.transportReceiveOps, met.transportReceiveBytes, met.transportReceiveTime, met.transportReceiveErrors,
		met.transportSendOps, met.transportSendBytes, met.transportSendTime, met.transportSendErrors,
		met.transportBusyChecks, met.transportBusy)

	reg.MustRegister(
		met.receiveInterrupts, met.receiveRefused, met.receiveBusy, met.receiveErrors,
		met.receiveEmpty, met.receiveRunts, met.receiveOversize, met.receiveUnclaimed, met.receiveDelivered)

	reg.MustRegister(met.driverResident, met.driverRecovering, met.driverFaults, met.driverHandlers)

	reg.MustRegister(met.lineRaised, met.lineCoalesced, met.lineDelivered)

	return met
}

func (m *Metrics) remove(subsystem string, name string) {
	m.lock.Lock()
	cancelfn, ok := m.cancelfns[fmt.Sprintf("%s_%s", subsystem, name)]
	if ok {
		cancelfn()
		delete(m.cancelfns, fmt.Sprintf("%s_%s", subsystem, name))
	}
	m.lock.Unlock()
}

func (m *Metrics) add(subsystem string, name string, interval time.Duration, tickfn func()) {
	ctx, cancelfn := context.WithCancel(context.TODO())
	m.lock.Lock()
	m.cancelfns[fmt.Sprintf("%s_%s", subsystem, name)] = cancelfn
	m.lock.Unlock()

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				tickfn()
			}
		}
	}()
}

// Shutdown everything
func (m *Metrics) Shutdown() {
	m.lock.Lock()
	for _, cancelfn := range m.cancelfns {
		cancelfn()
	}
	m.cancelfns = make(map[string]context.CancelFunc)
	m.lock.Unlock()
}

func (m *Metrics) AddTransport(name string, mm *modules.Metrics) {
	m.add(m.config.SubTransport, name, m.config.TickTransport, func() {
		met := mm.GetMetrics()
		m.transportIdentifyOps.WithLabelValues(name).Set(float64(met.IdentifyOps))
		m.transportIdentifyErrors.WithLabelValues(name).Set(float64(met.IdentifyErrors))
		m.transportStatusOps.WithLabelValues(name).Set(float64(met.StatusOps))
		m.transportStatusErrors.WithLabelValues(name).Set(float64(met.StatusErrors))
		m.transportEnableOps.WithLabelValues(name).Set(float64(met.EnableOps))
		m.transportEnableErrors.WithLabelValues(name).Set(float64(met.EnableErrors))
		m.transportEnableTime.WithLabelValues(name).Set(float64(met.EnableTime))
		m.transportReceiveOps.WithLabelValues(name).Set(float64(met.ReceiveOps))
		m.transportReceiveBytes.WithLabelValues(name).Set(float64(met.ReceiveBytes))
		m.transportReceiveTime.WithLabelValues(name).Set(float64(met.ReceiveTime))
		m.transportReceiveErrors.WithLabelValues(name).Set(float64(met.ReceiveErrors))
		m.transportSendOps.WithLabelValues(name).Set(float64(met.SendOps))
		m.transportSendBytes.WithLabelValues(name).Set(float64(met.SendBytes))
		m.transportSendTime.WithLabelValues(name).Set(float64(met.SendTime))
		m.transportSendErrors.WithLabelValues(name).Set(float64(met.SendErrors))
		m.transportBusyChecks.WithLabelValues(name).Set(float64(met.BusyChecks))
		m.transportBusy.WithLabelValues(name).Set(float64(met.Busy))
	})
}

func (m *Metrics) RemoveTransport(name string) {
	m.remove(m.config.SubTransport, name)
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}

// AddDriver samples receive, driver and line state together.
func (m *Metrics) AddDriver(name string, d *driver.Driver) {
	m.add(m.config.SubDriver, name, m.config.TickDriver, func() {
		rx := d.Stats()
		m.receiveInterrupts.WithLabelValues(name).Set(float64(rx.Interrupts))
		m.receiveRefused.WithLabelValues(name).Set(float64(rx.Refused))
		m.receiveBusy.WithLabelValues(name).Set(float64(rx.Busy))
		m.receiveErrors.WithLabelValues(name).Set(float64(rx.Errors))
		m.receiveEmpty.WithLabelValues(name).Set(float64(rx.Empty))
		m.receiveRunts.WithLabelValues(name).Set(float64(rx.Runts))
		m.receiveOversize.WithLabelValues(name).Set(float64(rx.Oversize))
		m.receiveUnclaimed.WithLabelValues(name).Set(float64(rx.Unclaimed))
		m.receiveDelivered.WithLabelValues(name).Set(float64(rx.Delivered))

		m.driverResident.WithLabelValues(name).Set(boolGauge(d.Resident()))
		m.driverRecovering.WithLabelValues(name).Set(boolGauge(d.State() == driver.Recovering))
		m.driverFaults.WithLabelValues(name).Set(float64(d.Faults()))
		m.driverHandlers.WithLabelValues(name).Set(float64(d.Handlers()))

		ls := d.LineStats()
		m.lineRaised.WithLabelValues(name).Set(float64(ls.Raised))
		m.lineCoalesced.WithLabelValues(name).Set(float64(ls.Coalesced))
		m.lineDelivered.WithLabelValues(name).Set(float64(ls.Delivered))
	})
}

func (m *Metrics) RemoveDriver(name string) {
	m.remove(m.config.SubDriver, name)
}
