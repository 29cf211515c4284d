package statsd

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/loopholelabs/scsilink/pkg/adapter/modules"
	"github.com/loopholelabs/scsilink/pkg/driver"

	"github.com/smira/go-statsd"
)

type MetricsConfig struct {
	Prefix        string
	SubTransport  string
	SubReceive    string
	SubDriver     string
	TickTransport time.Duration
	TickDriver    time.Duration
	FlushInterval time.Duration
}

func DefaultConfig() *MetricsConfig {
	return &MetricsConfig{
		Prefix:        "scsilink.",
		SubTransport:  "transport",
		SubReceive:    "receive",
		SubDriver:     "driver",
		TickTransport: 100 * time.Millisecond,
		TickDriver:    100 * time.Millisecond,
		FlushInterval: 100 * time.Millisecond,
	}
}

type Metrics struct {
	config    *MetricsConfig
	client    *statsd.Client
	lock      sync.Mutex
	cancelfns map[string]context.CancelFunc
}

func New(addr string, config *MetricsConfig) *Metrics {
	client := statsd.NewClient(addr,
		statsd.MaxPacketSize(1400),
		statsd.FlushInterval(config.FlushInterval),
		statsd.TagStyle(statsd.TagFormatDatadog),
		statsd.MetricPrefix(config.Prefix))

	return &Metrics{
		config:    config,
		client:    client,
		cancelfns: make(map[string]context.CancelFunc),
	}
}

func (m *Metrics) remove(subsystem string, name string) {
	m.lock.Lock()
	defer m.lock.Unlock()
	cancelfn, ok := m.cancelfns[fmt.Sprintf("%s_%s", subsystem, name)]
	if ok {
		cancelfn()
		delete(m.cancelfns, fmt.Sprintf("%s_%s", subsystem, name))
	}
}

func (m *Metrics) add(subsystem string, name string, interval time.Duration, tickfn func()) {
	m.lock.Lock()
	_, existing := m.cancelfns[fmt.Sprintf("%s_%s", subsystem, name)]
	if existing {
		// The interface is already being tracked.
		m.lock.Unlock()
		return
	}

	ctx, cancelfn := context.WithCancel(context.TODO())
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

// updateMetric only sends values that moved since the last tick.
func (m *Metrics) updateMetric(name string, sub string, metricName string, v1 uint64, v2 uint64) {
	if v1 != v2 {
		m.client.Gauge(fmt.Sprintf("%s_%s", sub, metricName), int64(v2), statsd.StringTag("interface", name))
	}
}

// Shutdown stops every ticker and flushes the client.
func (m *Metrics) Shutdown() error {
	m.lock.Lock()
	for _, cancelfn := range m.cancelfns {
		cancelfn()
	}
	m.cancelfns = make(map[string]context.CancelFunc)
	m.lock.Unlock()
	return m.client.Close()
}

func (m *Metrics) AddTransport(name string, mm *modules.Metrics) {
	lastmet := &modules.MetricsSnapshot{}
	sub := m.config.SubTransport
	m.add(sub, name, m.config.TickTransport, func() {
		met := mm.GetMetrics()
		m.updateMetric(name, sub, "identify_ops", lastmet.IdentifyOps, met.IdentifyOps)
		m.updateMetric(name, sub, "identify_errors", lastmet.IdentifyErrors, met.IdentifyErrors)
		m.updateMetric(name, sub, "status_ops", lastmet.StatusOps, met.StatusOps)
		m.updateMetric(name, sub, "status_errors", lastmet.StatusErrors, met.StatusErrors)
		m.updateMetric(name, sub, "enable_ops", lastmet.EnableOps, met.EnableOps)
		m.updateMetric(name, sub, "enable_errors", lastmet.EnableErrors, met.EnableErrors)
		m.updateMetric(name, sub, "receive_ops", lastmet.ReceiveOps, met.ReceiveOps)
		m.updateMetric(name, sub, "receive_bytes", lastmet.ReceiveBytes, met.ReceiveBytes)
		m.updateMetric(name, sub, "receive_errors", lastmet.ReceiveErrors, met.ReceiveErrors)
		m.updateMetric(name, sub, "receive_time", lastmet.ReceiveTime, met.ReceiveTime)
		m.updateMetric(name, sub, "send_ops", lastmet.SendOps, met.SendOps)
		m.updateMetric(name, sub, "send_bytes", lastmet.SendBytes, met.SendBytes)
		m.updateMetric(name, sub, "send_errors", lastmet.SendErrors, met.SendErrors)
		m.updateMetric(name, sub, "send_time", lastmet.SendTime, met.SendTime)
		m.updateMetric(name, sub, "busy", lastmet.Busy, met.Busy)
		lastmet = met
	})
}

func (m *Metrics) RemoveTransport(name string) {
	m.remove(m.config.SubTransport, name)
}

func (m *Metrics) AddDriver(name string, d *driver.Driver) {
	lastrx := driver.ReceiveStats{}
	var lastFaults, lastHandlers uint64
	sub := m.config.SubReceive
	m.add(m.config.SubDriver, name, m.config.TickDriver, func() {
		rx := d.Stats()
		m.updateMetric(name, sub, "interrupts", lastrx.Interrupts, rx.Interrupts)
		m.updateMetric(name, sub, "refused", lastrx.Refused, rx.Refused)
		m.updateMetric(name, sub, "busy", lastrx.Busy, rx.Busy)
		m.updateMetric(name, sub, "errors", lastrx.Errors, rx.Errors)
		m.updateMetric(name, sub, "runts", lastrx.Runts, rx.Runts)
		m.updateMetric(name, sub, "oversize", lastrx.Oversize, rx.Oversize)
		m.updateMetric(name, sub, "unclaimed", lastrx.Unclaimed, rx.Unclaimed)
		m.updateMetric(name, sub, "delivered", lastrx.Delivered, rx.Delivered)
		lastrx = rx

		faults := d.Faults()
		m.updateMetric(name, m.config.SubDriver, "faults", lastFaults, faults)
		lastFaults = faults
		handlers := uint64(d.Handlers())
		m.updateMetric(name, m.config.SubDriver, "handlers", lastHandlers, handlers)
		lastHandlers = handlers
	})
}

func (m *Metrics) RemoveDriver(name string) {
	m.remove(m.config.SubDriver, name)
}
