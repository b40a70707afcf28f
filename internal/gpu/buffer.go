package gpu

// Buffer represents a block of device memory
type Buffer interface {
	// Size returns the size of the buffer in bytes
	Size() int64

	// Ptr returns the device address of the buffer.
	// Host-emulated buffers return a unique non-zero handle instead.
	Ptr() uintptr

	// CopyToHost copies the first len(dst) bytes of the buffer into dst
	CopyToHost(dst []byte) error

	// CopyFromHost copies src into the first len(src) bytes of the buffer
	CopyFromHost(src []byte) error

	// Free releases the buffer. Freeing twice is a no-op.
	Free() error

	// Device returns the device that owns this buffer
	Device() Device
}

// checkTransfer validates a host transfer of n bytes against a buffer of size bytes
func checkTransfer(n int, size int64) error {
	if int64(n) > size {
		return &TransferSizeError{Requested: int64(n), Available: size}
	}
	return nil
}
