package registry

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/loopholelabs/scsilink/pkg/driver/framebuf"
	"github.com/mdlayher/ethernet"
)

// Capacity is the hard bound on concurrently bound protocols.
const Capacity = 8

var (
	ErrAlreadyRegistered = errors.New("protocol already registered")
	ErrFull              = errors.New("protocol table full")
	ErrNotFound          = errors.New("protocol not registered")
	ErrInvalidProtocol   = errors.New("invalid protocol")
)

// Handler receives frames for one protocol. It is called from interrupt
// context with the frame length minus the trailer and must not block or
// call back into the driver. The frame is only valid during the call.
type Handler func(length int, frame framebuf.Frame, iface string)

// Transition reports whether a change crossed the empty/non-empty edge.
type Transition int

const (
	Other Transition = iota
	FirstHandler
	LastHandler
)

func (t Transition) String() string {
	switch t {
	case FirstHandler:
		return "first"
	case LastHandler:
		return "last"
	}
	return "other"
}

type entry struct {
	proto   ethernet.EtherType
	handler Handler
}

type Entry struct {
	Protocol ethernet.EtherType
	Handler  Handler
}

/**
 * Registry is a fixed table of protocol handlers. Reads are lock free so
 * they can run from interrupt context. Writers are serialized and publish
 * each slot with a single atomic store.
 *
 */
type Registry struct {
	writeLock sync.Mutex
	slots     [Capacity]atomic.Pointer[entry]
	count     atomic.Int32
}

func New() *Registry {
	return &Registry{}
}

// Find returns the handler for proto, or nil.
func (r *Registry) Find(proto ethernet.EtherType) Handler {
	if proto == 0 {
		return nil
	}
	for i := range r.slots {
		e := r.slots[i].Load()
		if e != nil && e.proto == proto {
			return e.handler
		}
	}
	return nil
}

func (r *Registry) Register(proto ethernet.EtherType, h Handler) (Transition, error) {
	if proto == 0 || h == nil {
		return Other, ErrInvalidProtocol
	}
	r.writeLock.Lock()
	defer r.writeLock.Unlock()

	free := -1
	for i := range r.slots {
		e := r.slots[i].Load()
		if e == nil {
			if free == -1 {
				free = i
			}
			continue
		}
		if e.proto == proto {
			return Other, ErrAlreadyRegistered
		}
	}
	if free == -1 {
		return Other, ErrFull
	}
	r.slots[free].Store(&entry{proto: proto, handler: h})
	if r.count.Add(1) == 1 {
		return FirstHandler, nil
	}
	return Other, nil
}

func (r *Registry) Unregister(proto ethernet.EtherType) (Transition, error) {
	if proto == 0 {
		return Other, ErrInvalidProtocol
	}
	r.writeLock.Lock()
	defer r.writeLock.Unlock()

	for i := range r.slots {
		e := r.slots[i].Load()
		if e != nil && e.proto == proto {
			r.slots[i].Store(nil)
			if r.count.Add(-1) == 0 {
				return LastHandler, nil
			}
			return Other, nil
		}
	}
	return Other, ErrNotFound
}

func (r *Registry) Count() int {
	return int(r.count.Load())
}

// Entries returns the occupied slots in table order.
func (r *Registry) Entries() []Entry {
	entries := make([]Entry, 0, Capacity)
	for i := range r.slots {
		e := r.slots[i].Load()
		if e != nil {
			entries = append(entries, Entry{Protocol: e.proto, Handler: e.handler})
		}
	}
	return entries
}
