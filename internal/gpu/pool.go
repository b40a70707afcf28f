package gpu

import (
	"fmt"
	"sync"

	"go.uber.org/multierr"
)

// BufferPool manages a pool of device buffers for reuse
type BufferPool struct {
	device   Device
	pools    map[int64][]*pooledBuffer // pool key -> available buffers
	active   map[uintptr]*pooledBuffer // Ptr -> buffers handed out
	mu       sync.RWMutex
	maxBytes int64 // Maximum total bytes to keep cached (0 = unlimited)
	curBytes int64 // Current cached bytes
	stats    PoolStats
}

// PoolStats tracks buffer pool statistics
type PoolStats struct {
	Allocations int64 // Total allocations
	Reuses      int64 // Buffers reused from pool
	Evictions   int64 // Buffers evicted due to memory pressure
	PoolHits    int64 // Successful pool lookups
	PoolMisses  int64 // Failed pool lookups (allocated new)
}

// pooledBuffer wraps a buffer with reference counting
type pooledBuffer struct {
	Buffer
	requestedSize int64 // Size requested by user
	actualSize    int64 // Actual allocation size
	poolKey       int64 // Key used for pool storage (rounded for reuse)
	refCount      int32
	pool          *BufferPool
	inUse         bool
}

// NewBufferPool creates a new buffer pool
// maxBytes: maximum memory to keep in pool (0 = unlimited)
func NewBufferPool(device Device, maxBytes int64) *BufferPool {
	return &BufferPool{
		device:   device,
		pools:    make(map[int64][]*pooledBuffer),
		active:   make(map[uintptr]*pooledBuffer),
		maxBytes: maxBytes,
	}
}

// Allocate gets a buffer from the pool or allocates a new one
func (p *BufferPool) Allocate(size int64) (Buffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stats.Allocations++

	// Look for a cached buffer at the rounded size or one step above
	poolSize := roundUpPowerOf2(size)
	for checkSize := poolSize; checkSize <= poolSize*2; checkSize *= 2 {
		buffers := p.pools[checkSize]
		for i := len(buffers) - 1; i >= 0; i-- {
			buf := buffers[i]
			if buf.actualSize < size {
				continue
			}
			p.pools[checkSize] = append(buffers[:i:i], buffers[i+1:]...)

			buf.inUse = true
			buf.refCount = 1
			buf.requestedSize = size
			p.active[buf.Ptr()] = buf

			p.curBytes -= buf.actualSize
			p.stats.Reuses++
			p.stats.PoolHits++

			return buf, nil
		}
	}

	p.stats.PoolMisses++

	// Allocate at the exact requested size so Size() reports what was asked for
	rawBuf, err := p.allocateDirect(size)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate device buffer: %w", err)
	}

	poolBuf := &pooledBuffer{
		Buffer:        rawBuf,
		requestedSize: size,
		actualSize:    size,
		poolKey:       poolSize,
		refCount:      1,
		pool:          p,
		inUse:         true,
	}
	p.active[rawBuf.Ptr()] = poolBuf

	return poolBuf, nil
}

// directAllocator is implemented by devices that support direct (non-pooled) allocation
type directAllocator interface {
	allocateDirect(size int64) (Buffer, error)
}

// allocateDirect calls the device's direct allocation method
func (p *BufferPool) allocateDirect(size int64) (Buffer, error) {
	if da, ok := p.device.(directAllocator); ok {
		return da.allocateDirect(size)
	}
	return p.device.Allocate(size)
}

// Release returns a buffer to the pool
func (p *BufferPool) Release(buf Buffer) error {
	poolBuf, ok := buf.(*pooledBuffer)
	if !ok {
		return buf.Free()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ptr := buf.Ptr()
	tracked, isTracked := p.active[ptr]
	if !isTracked || tracked != poolBuf {
		if poolBuf.pool == p && !poolBuf.inUse {
			// Already back in the pool
			return nil
		}
		return poolBuf.Buffer.Free()
	}

	tracked.refCount--
	if tracked.refCount > 0 {
		return nil
	}

	delete(p.active, ptr)
	tracked.inUse = false

	var err error
	for p.maxBytes > 0 && p.curBytes+tracked.actualSize > p.maxBytes && p.curBytes > 0 {
		evicted, evictErr := p.evictOldest()
		err = multierr.Append(err, evictErr)
		if !evicted {
			break
		}
	}
	if p.maxBytes > 0 && tracked.actualSize > p.maxBytes {
		// Too large to ever cache
		return multierr.Append(err, tracked.Buffer.Free())
	}

	p.pools[tracked.poolKey] = append(p.pools[tracked.poolKey], tracked)
	p.curBytes += tracked.actualSize

	return err
}

// evictOldest frees the oldest cached buffer
func (p *BufferPool) evictOldest() (bool, error) {
	for key, buffers := range p.pools {
		if len(buffers) == 0 {
			continue
		}
		buf := buffers[0]
		p.pools[key] = buffers[1:]
		p.curBytes -= buf.actualSize
		p.stats.Evictions++
		return true, buf.Buffer.Free()
	}
	return false, nil
}

// Clear empties the pool and frees all cached buffers
func (p *BufferPool) Clear() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var err error
	for key, buffers := range p.pools {
		for _, buf := range buffers {
			err = multierr.Append(err, buf.Buffer.Free())
		}
		delete(p.pools, key)
	}
	p.curBytes = 0

	return err
}

// Stats returns current pool statistics
func (p *BufferPool) Stats() PoolStats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stats
}

// MemoryUsage returns cached bytes, bytes handed out, and the cache limit
func (p *BufferPool) MemoryUsage() (pooled, active, max int64) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	activeBytes := int64(0)
	for _, buf := range p.active {
		activeBytes += buf.actualSize
	}

	return p.curBytes, activeBytes, p.maxBytes
}

// roundUpPowerOf2 rounds up to the nearest power of 2
func roundUpPowerOf2(n int64) int64 {
	if n <= 0 {
		return 0
	}

	// Small sizes share a few coarse buckets
	if n <= 256 {
		return 256
	}
	if n <= 1024 {
		return 1024
	}
	if n <= 4096 {
		return 4096
	}

	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	n++

	return n
}

func (b *pooledBuffer) Size() int64 {
	return b.requestedSize
}

func (b *pooledBuffer) CopyToHost(dst []byte) error {
	if err := checkTransfer(len(dst), b.requestedSize); err != nil {
		return err
	}
	return b.Buffer.CopyToHost(dst)
}

func (b *pooledBuffer) CopyFromHost(src []byte) error {
	if err := checkTransfer(len(src), b.requestedSize); err != nil {
		return err
	}
	return b.Buffer.CopyFromHost(src)
}

// Free routes the buffer back to its pool
func (b *pooledBuffer) Free() error {
	if b.pool != nil {
		return b.pool.Release(b)
	}
	return b.Buffer.Free()
}
