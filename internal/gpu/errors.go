package gpu

import (
	"errors"
	"fmt"
)

var (
	// ErrOutOfMemory is returned when a device cannot satisfy an allocation
	ErrOutOfMemory = errors.New("gpu: out of device memory")

	// ErrUnknownQueue is returned when a queue id is not registered
	ErrUnknownQueue = errors.New("gpu: unknown command queue")

	// ErrBufferFreed is returned for transfers on a released buffer
	ErrBufferFreed = errors.New("gpu: buffer already freed")

	// ErrUnavailable is returned when a backend is not compiled in or has no devices
	ErrUnavailable = errors.New("gpu: backend unavailable")
)

// TransferSizeError reports a host transfer larger than the device buffer
type TransferSizeError struct {
	Requested int64
	Available int64
}

func (e *TransferSizeError) Error() string {
	return fmt.Sprintf("gpu: transfer of %d bytes exceeds buffer size %d", e.Requested, e.Available)
}
