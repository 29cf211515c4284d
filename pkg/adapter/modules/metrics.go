package modules

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/loopholelabs/scsilink/pkg/adapter"
)

/**
 * Simple metrics filter for an adapter transport
 *
 */
type Metrics struct {
	prov                adapter.Transport
	metricIdentifyOps   uint64
	metricIdentifyErrs  uint64
	metricStatusOps     uint64
	metricStatusErrors  uint64
	metricEnableOps     uint64
	metricEnableErrors  uint64
	metricEnableTime    uint64
	metricReceiveOps    uint64
	metricReceiveBytes  uint64
	metricReceiveTime   uint64
	metricReceiveErrors uint64
	metricSendOps       uint64
	metricSendBytes     uint64
	metricSendTime      uint64
	metricSendErrors    uint64
	metricBusyChecks    uint64
	metricBusy          uint64
}

type MetricsSnapshot struct {
	IdentifyOps    uint64
	IdentifyErrors uint64
	StatusOps      uint64
	StatusErrors   uint64
	EnableOps      uint64
	EnableErrors   uint64
	EnableTime     uint64
	ReceiveOps     uint64
	ReceiveBytes   uint64
	ReceiveTime    uint64
	ReceiveErrors  uint64
	SendOps        uint64
	SendBytes      uint64
	SendTime       uint64
	SendErrors     uint64
	BusyChecks     uint64
	Busy           uint64
}

func NewMetrics(prov adapter.Transport) *Metrics {
	return &Metrics{
		prov: prov,
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Millisecond {
		return fmt.Sprintf("%dns", d.Nanoseconds())
	} else if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return fmt.Sprintf("%.3fs", float64(d)/float64(time.Second))
}

func average(total uint64, ops uint64, errors uint64) string {
	avg := uint64(0)
	if ops > errors {
		avg = total / (ops - errors)
	}
	return formatDuration(time.Duration(avg))
}

// ShowStats prints a one line summary of the transport traffic.
func (i *Metrics) ShowStats(prefix string) {
	m := i.GetMetrics()
	fmt.Printf("%s: Receives=%d (%d bytes) avg latency %s, %d errors, ",
		prefix,
		m.ReceiveOps,
		m.ReceiveBytes,
		average(m.ReceiveTime, m.ReceiveOps, m.ReceiveErrors),
		m.ReceiveErrors,
	)
	fmt.Printf("Sends=%d (%d bytes) avg latency %s, %d errors, ",
		m.SendOps,
		m.SendBytes,
		average(m.SendTime, m.SendOps, m.SendErrors),
		m.SendErrors,
	)
	fmt.Printf("Busy=%d/%d\n", m.Busy, m.BusyChecks)
}

func (i *Metrics) GetMetrics() *MetricsSnapshot {
	return &MetricsSnapshot{
		IdentifyOps:    atomic.LoadUint64(&i.metricIdentifyOps),
		IdentifyErrors: atomic.LoadUint64(&i.metricIdentifyErrs),
		StatusOps:      atomic.LoadUint64(&i.metricStatusOps),
		StatusErrors:   atomic.LoadUint64(&i.metricStatusErrors),
		EnableOps:      atomic.LoadUint64(&i.metricEnableOps),
		EnableErrors:   atomic.LoadUint64(&i.metricEnableErrors),
		EnableTime:     atomic.LoadUint64(&i.metricEnableTime),
		ReceiveOps:     atomic.LoadUint64(&i.metricReceiveOps),
		ReceiveBytes:   atomic.LoadUint64(&i.metricReceiveBytes),
		ReceiveTime:    atomic.LoadUint64(&i.metricReceiveTime),
		ReceiveErrors:  atomic.LoadUint64(&i.metricReceiveErrors),
		SendOps:        atomic.LoadUint64(&i.metricSendOps),
		SendBytes:      atomic.LoadUint64(&i.metricSendBytes),
		SendTime:       atomic.LoadUint64(&i.metricSendTime),
		SendErrors:     atomic.LoadUint64(&i.metricSendErrors),
		BusyChecks:     atomic.LoadUint64(&i.metricBusyChecks),
		Busy:           atomic.LoadUint64(&i.metricBusy),
	}
}

func (i *Metrics) ResetMetrics() {
	atomic.StoreUint64(&i.metricIdentifyOps, 0)
	atomic.StoreUint64(&i.metricIdentifyErrs, 0)
	atomic.StoreUint64(&i.metricStatusOps, 0)
	atomic.StoreUint64(&i.metricStatusErrors, 0)
	atomic.StoreUint64(&i.metricEnableOps, 0)
	atomic.StoreUint64(&i.metricEnableErrors, 0)
	atomic.StoreUint64(&i.metricEnableTime, 0)
	atomic.StoreUint64(&i.metricReceiveOps, 0)
	atomic.StoreUint64(&i.metricReceiveBytes, 0)
	atomic.StoreUint64(&i.metricReceiveTime, 0)
	atomic.StoreUint64(&i.metricReceiveErrors, 0)
	atomic.StoreUint64(&i.metricSendOps, 0)
	atomic.StoreUint64(&i.metricSendBytes, 0)
	atomic.StoreUint64(&i.metricSendTime, 0)
	atomic.StoreUint64(&i.metricSendErrors, 0)
	atomic.StoreUint64(&i.metricBusyChecks, 0)
	atomic.StoreUint64(&i.metricBusy, 0)
}

func (i *Metrics) Identify(target int) (*adapter.Identity, error) {
	atomic.AddUint64(&i.metricIdentifyOps, 1)
	id, e := i.prov.Identify(target)
	if e != nil {
		atomic.AddUint64(&i.metricIdentifyErrs, 1)
	}
	return id, e
}

func (i *Metrics) ReadStatus(target int, buffer []byte) (int, error) {
	atomic.AddUint64(&i.metricStatusOps, 1)
	n, e := i.prov.ReadStatus(target, buffer)
	if e != nil {
		atomic.AddUint64(&i.metricStatusErrors, 1)
	}
	return n, e
}

func (i *Metrics) SetEnabled(target int, enabled bool) error {
	atomic.AddUint64(&i.metricEnableOps, 1)
	ctime := time.Now()
	e := i.prov.SetEnabled(target, enabled)
	atomic.AddUint64(&i.metricEnableTime, uint64(time.Since(ctime).Nanoseconds()))
	if e != nil {
		atomic.AddUint64(&i.metricEnableErrors, 1)
	}
	return e
}

func (i *Metrics) ReceiveFrame(target int, zone []byte) (int, error) {
	atomic.AddUint64(&i.metricReceiveOps, 1)
	ctime := time.Now()
	n, e := i.prov.ReceiveFrame(target, zone)
	if e != nil {
		atomic.AddUint64(&i.metricReceiveErrors, 1)
	} else {
		atomic.AddUint64(&i.metricReceiveBytes, uint64(n))
		atomic.AddUint64(&i.metricReceiveTime, uint64(time.Since(ctime).Nanoseconds()))
	}
	return n, e
}

func (i *Metrics) SendFrame(target int, frame []byte) error {
	atomic.AddUint64(&i.metricSendOps, 1)
	atomic.AddUint64(&i.metricSendBytes, uint64(len(frame)))
	ctime := time.Now()
	e := i.prov.SendFrame(target, frame)
	if e != nil {
		atomic.AddUint64(&i.metricSendErrors, 1)
	} else {
		atomic.AddUint64(&i.metricSendTime, uint64(time.Since(ctime).Nanoseconds()))
	}
	return e
}

func (i *Metrics) Free() bool {
	atomic.AddUint64(&i.metricBusyChecks, 1)
	free := i.prov.Free()
	if !free {
		atomic.AddUint64(&i.metricBusy, 1)
	}
	return free
}
