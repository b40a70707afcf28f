package coherence

import (
	"time"

	"github.com/google/uuid"
)

// Direction of a host/device transfer
type Direction int

const (
	HostToDevice Direction = iota
	DeviceToHost
)

func (d Direction) String() string {
	if d == HostToDevice {
		return "host_to_device"
	}
	return "device_to_host"
}

// Observer receives coherence events. Calls are made with the Manager's
// lock held and must not call back into the Manager.
type Observer interface {
	ObserveTransfer(id uuid.UUID, dir Direction, bytes int64, elapsed time.Duration)
	ObserveAllocation(id uuid.UUID, bytes int64, err error)
	ObserveTransition(id uuid.UUID, from, to DirtyState)
}

type nopObserver struct{}

func (nopObserver) ObserveTransfer(uuid.UUID, Direction, int64, time.Duration) {}
func (nopObserver) ObserveAllocation(uuid.UUID, int64, error)                  {}
func (nopObserver) ObserveTransition(uuid.UUID, DirtyState, DirtyState)        {}

type multiObserver []Observer

// Observers fans events out to every non-nil observer
func Observers(observers ...Observer) Observer {
	var m multiObserver
	for _, o := range observers {
		if o != nil {
			m = append(m, o)
		}
	}
	return m
}

func (m multiObserver) ObserveTransfer(id uuid.UUID, dir Direction, bytes int64, elapsed time.Duration) {
	for _, o := range m {
		o.ObserveTransfer(id, dir, bytes, elapsed)
	}
}

func (m multiObserver) ObserveAllocation(id uuid.UUID, bytes int64, err error) {
	for _, o := range m {
		o.ObserveAllocation(id, bytes, err)
	}
}

func (m multiObserver) ObserveTransition(id uuid.UUID, from, to DirtyState) {
	for _, o := range m {
		o.ObserveTransition(id, from, to)
	}
}
