//go:build cuda && cgo

package gpu

/*
#cgo CFLAGS: -I/opt/cuda/include -I/usr/local/cuda/include
#cgo LDFLAGS: -L/opt/cuda/lib64 -L/usr/local/cuda/lib64 -lcudart

#include <cuda_runtime.h>
#include <stdlib.h>

static const char* getCudaErrorString(cudaError_t error) {
    return cudaGetErrorString(error);
}
*/
import "C"
import (
	"fmt"
	"sync"
	"unsafe"
)

// CUDADevice represents a CUDA GPU device context
type CUDADevice struct {
	deviceID int
	name     string
	buffers  map[uintptr]*cudaBuffer
	mu       sync.RWMutex
	pool     *BufferPool
}

// Singleton CUDA device; every additional context costs device memory
var (
	cudaDeviceSingleton *CUDADevice
	cudaDeviceOnce      sync.Once
	cudaDeviceErr       error
)

// NewCUDADevice returns the singleton CUDA device (created on first call)
func NewCUDADevice() (*CUDADevice, error) {
	cudaDeviceOnce.Do(func() {
		cudaDeviceSingleton, cudaDeviceErr = initCUDADevice()
	})
	return cudaDeviceSingleton, cudaDeviceErr
}

func cudaError(op string, err C.cudaError_t) error {
	return fmt.Errorf("%s: %s", op, C.GoString(C.getCudaErrorString(err)))
}

func initCUDADevice() (*CUDADevice, error) {
	var deviceCount C.int
	if err := C.cudaGetDeviceCount(&deviceCount); err != C.cudaSuccess {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, cudaError("cudaGetDeviceCount", err))
	}
	if deviceCount == 0 {
		return nil, fmt.Errorf("%w: no CUDA devices found", ErrUnavailable)
	}

	deviceID := 0
	if err := C.cudaSetDevice(C.int(deviceID)); err != C.cudaSuccess {
		return nil, cudaError(fmt.Sprintf("cudaSetDevice(%d)", deviceID), err)
	}

	var props C.struct_cudaDeviceProp
	if err := C.cudaGetDeviceProperties(&props, C.int(deviceID)); err != C.cudaSuccess {
		return nil, cudaError("cudaGetDeviceProperties", err)
	}

	dev := &CUDADevice{
		deviceID: deviceID,
		name:     C.GoString(&props.name[0]),
		buffers:  make(map[uintptr]*cudaBuffer),
	}

	var free, total C.size_t
	if err := C.cudaMemGetInfo(&free, &total); err != C.cudaSuccess {
		return nil, cudaError("cudaMemGetInfo", err)
	}

	// Cache at most 90% of the free memory
	dev.pool = NewBufferPool(dev, int64(free)*9/10)

	return dev, nil
}

func (d *CUDADevice) Type() DeviceType { return DeviceTypeGPU }
func (d *CUDADevice) Name() string     { return d.name }

func (d *CUDADevice) Allocate(size int64) (Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid buffer size: %d", size)
	}
	if d.pool != nil {
		return d.pool.Allocate(size)
	}
	return d.allocateDirect(size)
}

// allocateDirect performs cudaMalloc without pooling
func (d *CUDADevice) allocateDirect(size int64) (Buffer, error) {
	var ptr unsafe.Pointer
	if err := C.cudaMalloc(&ptr, C.size_t(size)); err != C.cudaSuccess {
		if err == C.cudaErrorMemoryAllocation {
			return nil, fmt.Errorf("%w: cudaMalloc(%d)", ErrOutOfMemory, size)
		}
		return nil, cudaError(fmt.Sprintf("cudaMalloc(%d)", size), err)
	}

	buf := &cudaBuffer{ptr: ptr, size: size, device: d}

	d.mu.Lock()
	d.buffers[uintptr(ptr)] = buf
	d.mu.Unlock()

	return buf, nil
}

func (d *CUDADevice) Copy(dst, src Buffer, size int64) error {
	return d.copyOn(nil, dst, src, size)
}

func (d *CUDADevice) copyOn(stream C.cudaStream_t, dst, src Buffer, size int64) error {
	dstBuf, ok := unwrapCUDA(dst)
	if !ok {
		return fmt.Errorf("dst is not a CUDA buffer")
	}
	srcBuf, ok := unwrapCUDA(src)
	if !ok {
		return fmt.Errorf("src is not a CUDA buffer")
	}
	if size > dst.Size() || size > src.Size() {
		return fmt.Errorf("copy size %d exceeds buffer size (dst: %d, src: %d)",
			size, dst.Size(), src.Size())
	}

	if err := C.cudaMemcpyAsync(dstBuf.ptr, srcBuf.ptr, C.size_t(size), C.cudaMemcpyDeviceToDevice, stream); err != C.cudaSuccess {
		return cudaError("cudaMemcpyAsync(DtoD)", err)
	}
	if err := C.cudaStreamSynchronize(stream); err != C.cudaSuccess {
		return cudaError("cudaStreamSynchronize", err)
	}
	return nil
}

func (d *CUDADevice) Sync() error {
	if err := C.cudaDeviceSynchronize(); err != C.cudaSuccess {
		return cudaError("cudaDeviceSynchronize", err)
	}
	return nil
}

func (d *CUDADevice) Free() error {
	// Clear the pool before taking the lock; cached buffers free themselves
	if d.pool != nil {
		d.pool.Clear()
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, buf := range d.buffers {
		if buf.ptr != nil {
			C.cudaFree(buf.ptr)
			buf.ptr = nil
		}
	}
	d.buffers = nil

	if err := C.cudaDeviceReset(); err != C.cudaSuccess {
		return cudaError("cudaDeviceReset", err)
	}
	return nil
}

func (d *CUDADevice) MemoryUsage() (int64, int64) {
	var free, total C.size_t
	if err := C.cudaMemGetInfo(&free, &total); err != C.cudaSuccess {
		return 0, 0
	}
	return int64(total) - int64(free), int64(total)
}

// PoolStats returns buffer pool statistics
func (d *CUDADevice) PoolStats() PoolStats {
	if d.pool != nil {
		return d.pool.Stats()
	}
	return PoolStats{}
}

// NewStream creates a queue view onto this context backed by its own CUDA stream
func (d *CUDADevice) NewStream() (Device, error) {
	var stream C.cudaStream_t
	if err := C.cudaStreamCreate(&stream); err != C.cudaSuccess {
		return nil, cudaError("cudaStreamCreate", err)
	}
	return &CUDAStream{dev: d, stream: stream}, nil
}

// CUDAStream issues transfers asynchronously on one stream and waits for
// them before returning
type CUDAStream struct {
	dev    *CUDADevice
	stream C.cudaStream_t
}

func (s *CUDAStream) Context() Device                        { return s.dev }
func (s *CUDAStream) Type() DeviceType                       { return DeviceTypeGPU }
func (s *CUDAStream) Name() string                           { return s.dev.name }
func (s *CUDAStream) MemoryUsage() (int64, int64)            { return s.dev.MemoryUsage() }
func (s *CUDAStream) Copy(dst, src Buffer, size int64) error { return s.dev.copyOn(s.stream, dst, src, size) }

func (s *CUDAStream) Allocate(size int64) (Buffer, error) {
	buf, err := s.dev.Allocate(size)
	if err != nil {
		return nil, err
	}
	return &streamBuffer{Buffer: buf, stream: s}, nil
}

func (s *CUDAStream) Sync() error {
	if err := C.cudaStreamSynchronize(s.stream); err != C.cudaSuccess {
		return cudaError("cudaStreamSynchronize", err)
	}
	return nil
}

func (s *CUDAStream) Free() error {
	if s.stream == nil {
		return nil
	}
	err := C.cudaStreamDestroy(s.stream)
	s.stream = nil
	if err != C.cudaSuccess {
		return cudaError("cudaStreamDestroy", err)
	}
	return nil
}

// streamBuffer routes host transfers through the stream it was allocated on
type streamBuffer struct {
	Buffer
	stream *CUDAStream
}

func (b *streamBuffer) CopyToHost(dst []byte) error {
	if len(dst) == 0 {
		return nil
	}
	if err := checkTransfer(len(dst), b.Size()); err != nil {
		return err
	}
	raw, ok := unwrapCUDA(b.Buffer)
	if !ok || raw.ptr == nil {
		return ErrBufferFreed
	}
	if err := C.cudaMemcpyAsync(unsafe.Pointer(&dst[0]), raw.ptr, C.size_t(len(dst)), C.cudaMemcpyDeviceToHost, b.stream.stream); err != C.cudaSuccess {
		return cudaError("cudaMemcpyAsync(DtoH)", err)
	}
	return b.stream.Sync()
}

func (b *streamBuffer) CopyFromHost(src []byte) error {
	if len(src) == 0 {
		return nil
	}
	if err := checkTransfer(len(src), b.Size()); err != nil {
		return err
	}
	raw, ok := unwrapCUDA(b.Buffer)
	if !ok || raw.ptr == nil {
		return ErrBufferFreed
	}
	if err := C.cudaMemcpyAsync(raw.ptr, unsafe.Pointer(&src[0]), C.size_t(len(src)), C.cudaMemcpyHostToDevice, b.stream.stream); err != C.cudaSuccess {
		return cudaError("cudaMemcpyAsync(HtoD)", err)
	}
	return b.stream.Sync()
}

func (b *streamBuffer) Device() Device { return b.stream }

func unwrapCUDA(buf Buffer) (*cudaBuffer, bool) {
	if sb, ok := buf.(*streamBuffer); ok {
		buf = sb.Buffer
	}
	raw, ok := unwrap(buf).(*cudaBuffer)
	return raw, ok
}

// cudaBuffer implements Buffer for CUDA device memory
type cudaBuffer struct {
	ptr    unsafe.Pointer
	size   int64
	device *CUDADevice
	mu     sync.RWMutex
}

func (b *cudaBuffer) Size() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

func (b *cudaBuffer) Ptr() uintptr {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return uintptr(b.ptr)
}

func (b *cudaBuffer) CopyToHost(dst []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(dst) == 0 {
		return nil
	}
	if b.ptr == nil {
		return ErrBufferFreed
	}
	if err := checkTransfer(len(dst), b.size); err != nil {
		return err
	}
	if err := C.cudaMemcpy(unsafe.Pointer(&dst[0]), b.ptr, C.size_t(len(dst)), C.cudaMemcpyDeviceToHost); err != C.cudaSuccess {
		return cudaError("cudaMemcpy(DtoH)", err)
	}
	return nil
}

func (b *cudaBuffer) CopyFromHost(src []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(src) == 0 {
		return nil
	}
	if b.ptr == nil {
		return ErrBufferFreed
	}
	if err := checkTransfer(len(src), b.size); err != nil {
		return err
	}
	if err := C.cudaMemcpy(b.ptr, unsafe.Pointer(&src[0]), C.size_t(len(src)), C.cudaMemcpyHostToDevice); err != C.cudaSuccess {
		return cudaError("cudaMemcpy(HtoD)", err)
	}
	return nil
}

func (b *cudaBuffer) Free() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.ptr == nil {
		return nil
	}
	if b.device != nil {
		b.device.mu.Lock()
		delete(b.device.buffers, uintptr(b.ptr))
		b.device.mu.Unlock()
	}
	if err := C.cudaFree(b.ptr); err != C.cudaSuccess {
		return cudaError("cudaFree", err)
	}
	b.ptr = nil
	return nil
}

func (b *cudaBuffer) Device() Device {
	return b.device
}
