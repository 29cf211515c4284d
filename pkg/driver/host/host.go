package host

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Channels is the number of dispatch channels the host provides.
const Channels = 8

var (
	ErrAlreadyResident = errors.New("interface already resident")
	ErrNotResident     = errors.New("interface not resident")
	ErrChannelInUse    = errors.New("channel in use")
	ErrChannelRange    = errors.New("channel out of range")
	ErrNoChannel       = errors.New("no free channel")
)

// Teardowner is implemented by resident drivers.
type Teardowner interface {
	Teardown() error
}

type Resident struct {
	ID        uuid.UUID
	Name      string
	Interface string
	Channel   int
	Removable bool
	Driver    Teardowner
}

// Host is the device registry of the host system.
type Host interface {
	FreeChannel(preferred int) (int, error)
	BindChannel(channel int, owner string) error
	UnbindChannel(channel int) error
	Install(r *Resident) error
	Lookup(iface string) (*Resident, error)
	Remove(iface string) error
}

/**
 * Table is an in-memory Host. Channel bindings and resident records are
 * kept under one lock.
 *
 */
type Table struct {
	lock      sync.Mutex
	channels  [Channels]string
	residents map[string]*Resident
}

func NewTable() *Table {
	return &Table{
		residents: make(map[string]*Resident),
	}
}

// FreeChannel returns preferred if it is free, otherwise the lowest free channel.
func (t *Table) FreeChannel(preferred int) (int, error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	if preferred >= 0 && preferred < Channels && t.channels[preferred] == "" {
		return preferred, nil
	}
	for c := 0; c < Channels; c++ {
		if t.channels[c] == "" {
			return c, nil
		}
	}
	return -1, ErrNoChannel
}

func (t *Table) BindChannel(channel int, owner string) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	if channel < 0 || channel >= Channels {
		return fmt.Errorf("%w: %d", ErrChannelRange, channel)
	}
	if t.channels[channel] != "" {
		return fmt.Errorf("%w: %d bound to %s", ErrChannelInUse, channel, t.channels[channel])
	}
	t.channels[channel] = owner
	return nil
}

func (t *Table) UnbindChannel(channel int) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	if channel < 0 || channel >= Channels {
		return fmt.Errorf("%w: %d", ErrChannelRange, channel)
	}
	t.channels[channel] = ""
	return nil
}

// Install records a resident driver. An ID is assigned if the record has none.
func (t *Table) Install(r *Resident) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	if _, ok := t.residents[r.Interface]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyResident, r.Interface)
	}
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	t.residents[r.Interface] = r
	return nil
}

func (t *Table) Lookup(iface string) (*Resident, error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	r, ok := t.residents[iface]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotResident, iface)
	}
	return r, nil
}

func (t *Table) Remove(iface string) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	if _, ok := t.residents[iface]; !ok {
		return fmt.Errorf("%w: %s", ErrNotResident, iface)
	}
	delete(t.residents, iface)
	return nil
}

// Residents lists the resident records ordered by interface name.
func (t *Table) Residents() []*Resident {
	t.lock.Lock()
	defer t.lock.Unlock()
	list := make([]*Resident, 0, len(t.residents))
	for _, r := range t.residents {
		list = append(list, r)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Interface < list[j].Interface })
	return list
}

// Owner returns who holds the channel, or "".
func (t *Table) Owner(channel int) string {
	t.lock.Lock()
	defer t.lock.Unlock()
	if channel < 0 || channel >= Channels {
		return ""
	}
	return t.channels[channel]
}
