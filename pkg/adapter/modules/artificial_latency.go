package modules

import (
	"sync"
	"time"

	"github.com/loopholelabs/scsilink/pkg/adapter"
)

/**
 * Artificial bus latency for tests and demos. Data transfers hold the
 * lock while sleeping, so a slow send keeps the bus busy as a real
 * adapter would.
 *
 */
type ArtificialLatency struct {
	lock           sync.RWMutex
	prov           adapter.Transport
	latencyReceive time.Duration
	latencySend    time.Duration
}

func NewArtificialLatency(prov adapter.Transport, latencyReceive time.Duration, latencySend time.Duration) *ArtificialLatency {
	return &ArtificialLatency{
		prov:           prov,
		latencyReceive: latencyReceive,
		latencySend:    latencySend,
	}
}

func (i *ArtificialLatency) Identify(target int) (*adapter.Identity, error) {
	return i.prov.Identify(target)
}

func (i *ArtificialLatency) ReadStatus(target int, buffer []byte) (int, error) {
	return i.prov.ReadStatus(target, buffer)
}

func (i *ArtificialLatency) SetEnabled(target int, enabled bool) error {
	return i.prov.SetEnabled(target, enabled)
}

func (i *ArtificialLatency) ReceiveFrame(target int, zone []byte) (int, error) {
	i.lock.RLock()
	defer i.lock.RUnlock()
	if i.latencyReceive != 0 {
		time.Sleep(i.latencyReceive)
	}
	return i.prov.ReceiveFrame(target, zone)
}

func (i *ArtificialLatency) SendFrame(target int, frame []byte) error {
	i.lock.Lock()
	defer i.lock.Unlock()
	if i.latencySend != 0 {
		time.Sleep(i.latencySend)
	}
	return i.prov.SendFrame(target, frame)
}

// Free reports a busy bus while a delayed send is in flight.
func (i *ArtificialLatency) Free() bool {
	if !i.lock.TryRLock() {
		return false
	}
	defer i.lock.RUnlock()
	return i.prov.Free()
}
