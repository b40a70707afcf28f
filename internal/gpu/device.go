package gpu

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"

	"github.com/eliseemond/elastix/internal/system"
)

// Device represents a compute device that owns buffer memory
type Device interface {
	// Type returns the device type
	Type() DeviceType

	// Name returns a human-readable device name
	Name() string

	// Allocate allocates a buffer of the given size in bytes
	Allocate(size int64) (Buffer, error)

	// Copy copies size bytes from src to dst, both owned by this device
	Copy(dst, src Buffer, size int64) error

	// Sync waits for all pending operations to complete
	Sync() error

	// Free releases the device and all associated resources
	Free() error

	// MemoryUsage returns device memory usage in bytes (used, total)
	MemoryUsage() (int64, int64)
}

// DeviceType represents the type of compute device
type DeviceType int

const (
	DeviceTypeCPU DeviceType = iota
	DeviceTypeGPU
)

func (dt DeviceType) String() string {
	switch dt {
	case DeviceTypeCPU:
		return "CPU"
	case DeviceTypeGPU:
		return "GPU"
	default:
		return "Unknown"
	}
}

// Backend names accepted by OpenDevice
const (
	BackendAuto = "auto"
	BackendHost = "cpu"
	BackendCUDA = "cuda"
)

// OpenDevice returns a device for the named backend.
// "auto" picks CUDA when it is compiled in and a device is present, otherwise
// the host-emulated device.
func OpenDevice(backend string, opts ...HostDeviceOption) (Device, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case BackendAuto, "":
		if dev, err := NewCUDADevice(); err == nil {
			return dev, nil
		}
		return NewHostDevice(opts...), nil
	case BackendHost:
		return NewHostDevice(opts...), nil
	case BackendCUDA:
		dev, err := NewCUDADevice()
		if err != nil {
			return nil, fmt.Errorf("CUDA not available: %w", err)
		}
		return dev, nil
	default:
		return nil, fmt.Errorf("unknown device backend: %q", backend)
	}
}

// HostDevice emulates accelerator memory with separate host allocations.
// Buffers are distinct from the caller's host slices, so every transfer is a
// real copy; it backs tests and machines without a supported GPU.
type HostDevice struct {
	name  string
	limit int64 // 0 = unlimited

	mu    sync.Mutex
	used  int64
	freed bool

	pool    *BufferPool
	nextPtr atomic.Uintptr
}

// HostDeviceOption configures a HostDevice
type HostDeviceOption func(*HostDevice)

// WithMemoryLimit caps the bytes the device may hold at once
func WithMemoryLimit(bytes int64) HostDeviceOption {
	return func(d *HostDevice) { d.limit = bytes }
}

// WithBufferPool routes allocations through a reuse pool holding at most maxBytes
func WithBufferPool(maxBytes int64) HostDeviceOption {
	return func(d *HostDevice) { d.pool = NewBufferPool(d, maxBytes) }
}

// WithName overrides the reported device name
func WithName(name string) HostDeviceOption {
	return func(d *HostDevice) { d.name = name }
}

// NewHostDevice creates a new host-emulated device
func NewHostDevice(opts ...HostDeviceOption) *HostDevice {
	d := &HostDevice{
		name: fmt.Sprintf("Host (%s)", runtime.GOARCH),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *HostDevice) Type() DeviceType { return DeviceTypeCPU }
func (d *HostDevice) Name() string     { return d.name }

func (d *HostDevice) Allocate(size int64) (Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid buffer size: %d", size)
	}
	if d.pool == nil {
		return d.allocateDirect(size)
	}

	buf, err := d.pool.Allocate(size)
	if errors.Is(err, ErrOutOfMemory) {
		// Cached pool buffers still count against the limit
		if pooled, _, _ := d.pool.MemoryUsage(); pooled > 0 {
			if clearErr := d.pool.Clear(); clearErr != nil {
				return nil, multierr.Append(err, clearErr)
			}
			return d.pool.Allocate(size)
		}
	}
	return buf, err
}

// allocateDirect performs allocation without pooling
func (d *HostDevice) allocateDirect(size int64) (Buffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.freed {
		return nil, fmt.Errorf("device %s has been freed", d.name)
	}
	if d.limit > 0 && d.used+size > d.limit {
		return nil, fmt.Errorf("%w: requested %d bytes, %d of %d in use",
			ErrOutOfMemory, size, d.used, d.limit)
	}
	d.used += size

	return &hostBuffer{
		data:   make([]byte, size),
		ptr:    d.nextPtr.Add(1),
		device: d,
	}, nil
}

func (d *HostDevice) release(size int64) {
	d.mu.Lock()
	d.used -= size
	d.mu.Unlock()
}

func (d *HostDevice) Copy(dst, src Buffer, size int64) error {
	dstBuf, ok := unwrap(dst).(*hostBuffer)
	if !ok {
		return fmt.Errorf("dst is not a host device buffer")
	}
	srcBuf, ok := unwrap(src).(*hostBuffer)
	if !ok {
		return fmt.Errorf("src is not a host device buffer")
	}
	if size > dst.Size() || size > src.Size() {
		return fmt.Errorf("copy size %d exceeds buffer size (dst: %d, src: %d)",
			size, dst.Size(), src.Size())
	}

	srcBuf.mu.RLock()
	defer srcBuf.mu.RUnlock()
	if dstBuf != srcBuf {
		dstBuf.mu.Lock()
		defer dstBuf.mu.Unlock()
	}
	if dstBuf.data == nil || srcBuf.data == nil {
		return ErrBufferFreed
	}
	copy(dstBuf.data[:size], srcBuf.data[:size])
	return nil
}

func (d *HostDevice) Sync() error {
	// Host copies complete before returning
	return nil
}

func (d *HostDevice) Free() error {
	var err error
	if d.pool != nil {
		err = d.pool.Clear()
	}
	d.mu.Lock()
	d.freed = true
	d.mu.Unlock()
	return err
}

// MemoryUsage reports the bytes held by live buffers. Without a memory
// limit the total is the machine's physical memory.
func (d *HostDevice) MemoryUsage() (int64, int64) {
	d.mu.Lock()
	used, total := d.used, d.limit
	d.mu.Unlock()

	if total == 0 {
		if ram, err := system.TotalMemory(); err == nil {
			total = ram
		}
	}
	return used, total
}

// PoolStats returns buffer pool statistics
func (d *HostDevice) PoolStats() PoolStats {
	if d.pool != nil {
		return d.pool.Stats()
	}
	return PoolStats{}
}

// hostBuffer implements Buffer in host memory
type hostBuffer struct {
	data   []byte
	ptr    uintptr
	device *HostDevice
	mu     sync.RWMutex
}

func (b *hostBuffer) Size() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return int64(len(b.data))
}

func (b *hostBuffer) Ptr() uintptr { return b.ptr }

func (b *hostBuffer) CopyToHost(dst []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.data == nil {
		return ErrBufferFreed
	}
	if err := checkTransfer(len(dst), int64(len(b.data))); err != nil {
		return err
	}
	copy(dst, b.data)
	return nil
}

func (b *hostBuffer) CopyFromHost(src []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.data == nil {
		return ErrBufferFreed
	}
	if err := checkTransfer(len(src), int64(len(b.data))); err != nil {
		return err
	}
	copy(b.data, src)
	return nil
}

func (b *hostBuffer) Free() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.data == nil {
		return nil
	}
	b.device.release(int64(len(b.data)))
	b.data = nil
	return nil
}

func (b *hostBuffer) Device() Device {
	return b.device
}

// unwrap strips pool bookkeeping from a buffer
func unwrap(buf Buffer) Buffer {
	if pooled, ok := buf.(*pooledBuffer); ok {
		return pooled.Buffer
	}
	return buf
}
