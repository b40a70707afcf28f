package coherence

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/eliseemond/elastix/internal/gpu"
	"github.com/eliseemond/elastix/internal/logging"
	"github.com/eliseemond/elastix/internal/pipeline"
)

// Manager owns the dirty state of one logical buffer with a host copy and a
// lazily allocated device copy. The host copy belongs to the caller and is
// only viewed here; the device copy belongs to the Manager.
//
// The embedded Object is the buffer's device-side clock: it advances on
// every device write.
type Manager struct {
	pipeline.Object

	id  uuid.UUID
	log *logrus.Entry

	mu      sync.Mutex
	state   DirtyState
	host    []byte
	device  gpu.Buffer
	queues  *gpu.QueueRegistry
	queueID gpu.QueueID
	queue   *gpu.CommandQueue // resolved on first device access

	observer Observer
}

// Option configures a Manager
type Option func(*Manager)

// WithObserver installs an event observer
func WithObserver(o Observer) Option {
	return func(m *Manager) {
		if o != nil {
			m.observer = o
		}
	}
}

// WithCommandQueue selects the initial command queue. The id is checked on
// first device access.
func WithCommandQueue(id gpu.QueueID) Option {
	return func(m *Manager) { m.queueID = id }
}

// NewManager creates a Manager in the Clean state with no device copy.
// queues may be nil for buffers that never touch a device.
func NewManager(queues *gpu.QueueRegistry, opts ...Option) *Manager {
	m := &Manager{
		id:       uuid.New(),
		queues:   queues,
		observer: nopObserver{},
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = logging.WithBuffer(m.id.String())
	return m
}

// ID returns the buffer identity used in logs and metrics
func (m *Manager) ID() uuid.UUID { return m.id }

// State returns the current dirty state
func (m *Manager) State() DirtyState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// HostDirty reports whether the host copy is stale
func (m *Manager) HostDirty() bool { return m.State().HostDirty() }

// DeviceDirty reports whether the device copy is stale
func (m *Manager) DeviceDirty() bool { return m.State().DeviceDirty() }

// HasDeviceCopy reports whether a device copy is allocated
func (m *Manager) HasDeviceCopy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.device != nil
}

// Size returns the buffer size in bytes
func (m *Manager) Size() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.host))
}

// SetHostBuffer installs a freshly allocated host copy owned by this buffer.
// A device copy of a different size is freed; one of the same size is kept
// but marked stale.
func (m *Manager) SetHostBuffer(host []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == Poisoned {
		return ErrPoisoned
	}
	m.host = host
	err := m.dropMismatchedDeviceLocked()
	if m.device != nil {
		m.transitionLocked(DeviceStale)
	} else {
		m.transitionLocked(Clean)
	}
	return err
}

// Graft replaces the host copy with data owned by another buffer. The
// device copy no longer matches it, so the buffer becomes DeviceStale
// whatever its previous state. The donor's device copy is never touched.
func (m *Manager) Graft(host []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == Poisoned {
		return ErrPoisoned
	}
	m.host = host
	err := m.dropMismatchedDeviceLocked()
	m.transitionLocked(DeviceStale)
	m.log.Debugf("grafted %d byte host copy", len(host))
	return err
}

// MarkDeviceDirty records a host-side write. Call it before handing out a
// mutable host view.
func (m *Manager) MarkDeviceDirty() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == Poisoned || len(m.host) == 0 {
		return
	}
	m.transitionLocked(DeviceStale)
}

// MarkHostDirty records a device-side write and advances the buffer's
// device clock
func (m *Manager) MarkHostDirty() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == Poisoned || len(m.host) == 0 {
		return
	}
	m.transitionLocked(HostStale)
	m.Modified()
}

// EnsureHostCurrent copies device data to the host if the host is stale.
// Without a device copy the host is trivially current.
func (m *Manager) EnsureHostCurrent() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensureHostLocked()
}

// EnsureDeviceCurrent copies host data to the device if the device is stale,
// allocating the device copy on the current queue first if needed
func (m *Manager) EnsureDeviceCurrent() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensureDeviceLocked()
}

// AllocateDevice allocates the device copy without transferring. A new
// allocation holds undefined data, so the buffer becomes DeviceStale.
func (m *Manager) AllocateDevice() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == Poisoned {
		return ErrPoisoned
	}
	if len(m.host) == 0 || m.device != nil {
		return nil
	}
	if err := m.allocateLocked(); err != nil {
		return err
	}
	m.transitionLocked(DeviceStale)
	return nil
}

// DeviceBufferForRead brings the device copy up to date and returns it for
// a kernel to read. Zero-size buffers return nil.
func (m *Manager) DeviceBufferForRead() (gpu.Buffer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureDeviceLocked(); err != nil {
		return nil, err
	}
	return m.device, nil
}

// DeviceBufferForWrite returns the device copy for a kernel to overwrite.
// Nothing is transferred and the host copy becomes stale. Kernels that also
// read their output should use DeviceBufferForRead and MarkHostDirty.
func (m *Manager) DeviceBufferForWrite() (gpu.Buffer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == Poisoned {
		return nil, ErrPoisoned
	}
	if len(m.host) == 0 {
		return nil, nil
	}
	if m.device == nil {
		if err := m.allocateLocked(); err != nil {
			return nil, err
		}
	}
	m.transitionLocked(HostStale)
	m.Modified()
	return m.device, nil
}

// CommandQueue returns the queue the device copy is bound to
func (m *Manager) CommandQueue() (*gpu.CommandQueue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resolveQueueLocked()
}

// CurrentCommandQueueID returns the bound queue id
func (m *Manager) CurrentCommandQueueID() gpu.QueueID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queueID
}

// SetCurrentCommandQueue binds the buffer to another queue. An unknown id
// fails here rather than on the next access. When the id changes and a
// device copy exists, the copy becomes stale; it is freed when the new
// queue is on another device context and kept for reuse otherwise. No data
// is transferred, so rebinding while the device holds the only current
// data is refused with ErrDeviceWritePending.
func (m *Manager) SetCurrentCommandQueue(id gpu.QueueID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == Poisoned {
		return ErrPoisoned
	}
	if m.queues == nil {
		return fmt.Errorf("%w: no command queue registry", ErrInvalidQueue)
	}
	q, err := m.queues.Queue(id)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidQueue, err)
	}
	if id == m.queueID {
		m.queue = q
		return nil
	}

	if m.device != nil {
		if m.state == HostStale {
			return fmt.Errorf("%w: rebinding %d to %d", ErrDeviceWritePending, m.queueID, id)
		}
		if !m.queue.SameContext(q) {
			if err := m.freeDeviceLocked(); err != nil {
				return fmt.Errorf("freeing device copy on %s: %w", m.queue, err)
			}
		}
		m.transitionLocked(DeviceStale)
	}

	m.log.Infof("rebound from queue %d to %s", m.queueID, q)
	m.queueID = id
	m.queue = q
	return nil
}

// Release frees the device copy and forgets the host view, whatever the
// state. Pending device work is waited for first.
func (m *Manager) Release() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	err := m.freeDeviceLocked()
	m.host = nil
	if m.state != Poisoned {
		m.transitionLocked(Clean)
	}
	return err
}

func (m *Manager) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fmt.Sprintf("buffer %s: %d bytes, %s, queue %d, device copy %t, mtime %d",
		m.id, len(m.host), m.state, m.queueID, m.device != nil, m.MTime())
}

func (m *Manager) ensureHostLocked() error {
	if m.state == Poisoned {
		return ErrPoisoned
	}
	if m.state != HostStale {
		return nil
	}
	if m.device == nil {
		m.transitionLocked(Clean)
		return nil
	}

	start := time.Now()
	if err := m.device.CopyToHost(m.host); err != nil {
		return m.poisonLocked(DeviceToHost, err)
	}
	m.observer.ObserveTransfer(m.id, DeviceToHost, int64(len(m.host)), time.Since(start))
	m.log.Debugf("copied %d bytes device to host", len(m.host))
	m.transitionLocked(Clean)
	return nil
}

func (m *Manager) ensureDeviceLocked() error {
	if m.state == Poisoned {
		return ErrPoisoned
	}
	if len(m.host) == 0 {
		return nil
	}
	if m.device != nil && m.state != DeviceStale {
		return nil
	}
	if m.device == nil {
		if err := m.allocateLocked(); err != nil {
			return err
		}
	}

	start := time.Now()
	if err := m.device.CopyFromHost(m.host); err != nil {
		return m.poisonLocked(HostToDevice, err)
	}
	m.observer.ObserveTransfer(m.id, HostToDevice, int64(len(m.host)), time.Since(start))
	m.log.Debugf("copied %d bytes host to device", len(m.host))
	m.transitionLocked(Clean)
	return nil
}

func (m *Manager) resolveQueueLocked() (*gpu.CommandQueue, error) {
	if m.queue != nil {
		return m.queue, nil
	}
	if m.queues == nil {
		return nil, fmt.Errorf("%w: no command queue registry", ErrInvalidQueue)
	}
	q, err := m.queues.Queue(m.queueID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidQueue, err)
	}
	m.queue = q
	return q, nil
}

func (m *Manager) allocateLocked() error {
	q, err := m.resolveQueueLocked()
	if err != nil {
		return err
	}

	size := int64(len(m.host))
	buf, err := q.Allocate(size)
	m.observer.ObserveAllocation(m.id, size, err)
	if err != nil {
		m.log.Errorf("allocating %d bytes on %s: %v", size, q, err)
		return fmt.Errorf("%w: %d bytes on %s: %w", ErrAllocation, size, q, err)
	}
	m.log.Debugf("allocated %d bytes on %s", size, q)
	m.device = buf
	return nil
}

// dropMismatchedDeviceLocked frees a device copy that no longer fits the host copy
func (m *Manager) dropMismatchedDeviceLocked() error {
	if m.device == nil || m.device.Size() == int64(len(m.host)) {
		return nil
	}
	return m.freeDeviceLocked()
}

func (m *Manager) freeDeviceLocked() error {
	if m.device == nil {
		return nil
	}
	var err error
	if m.queue != nil {
		err = m.queue.Sync()
	}
	err = multierr.Append(err, m.device.Free())
	m.device = nil
	return err
}

func (m *Manager) poisonLocked(dir Direction, cause error) error {
	m.transitionLocked(Poisoned)
	m.log.Errorf("%s transfer of %d bytes failed, buffer poisoned: %v", dir, len(m.host), cause)
	return fmt.Errorf("%w: %s, %d bytes: %w", ErrTransfer, dir, len(m.host), cause)
}

func (m *Manager) transitionLocked(to DirtyState) {
	if m.state == to {
		return
	}
	from := m.state
	m.state = to
	m.observer.ObserveTransition(m.id, from, to)
}
