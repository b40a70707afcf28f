package coherence

import (
	"errors"
	"fmt"
)

var (
	// ErrAllocation is returned when a device copy cannot be allocated
	ErrAllocation = errors.New("coherence: allocation failed")

	// ErrTransfer is returned when a host/device copy fails. The buffer is
	// poisoned afterwards.
	ErrTransfer = errors.New("coherence: transfer failed")

	// ErrInvalidQueue is returned when rebinding to a queue that cannot be used
	ErrInvalidQueue = errors.New("coherence: invalid command queue rebind")

	// ErrDeviceWritePending is returned when a rebind would drop the only
	// current copy of the data
	ErrDeviceWritePending = fmt.Errorf("%w: device copy holds unsynchronized writes", ErrInvalidQueue)

	// ErrPoisoned is returned by every operation on a buffer after a failed transfer
	ErrPoisoned = errors.New("coherence: buffer poisoned by an earlier transfer failure")
)
