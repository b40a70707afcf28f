package gpu

import (
	"fmt"
	"sync"

	"go.uber.org/multierr"
)

// QueueID identifies a registered command queue
type QueueID int

// CommandQueue is an execution and transfer context on one device.
// Several queues may share a device context; buffers allocated through one
// are valid on every queue of the same context.
type CommandQueue struct {
	id      QueueID
	device  Device
	context int
}

// ID returns the queue identifier
func (q *CommandQueue) ID() QueueID { return q.id }

// Device returns the device that executes work for this queue
func (q *CommandQueue) Device() Device { return q.device }

// Context returns the index of the device context the queue belongs to
func (q *CommandQueue) Context() int { return q.context }

// SameContext reports whether buffers from q can be used on other
func (q *CommandQueue) SameContext(other *CommandQueue) bool {
	return q != nil && other != nil && q.context == other.context
}

// Allocate allocates a buffer on the queue's device
func (q *CommandQueue) Allocate(size int64) (Buffer, error) {
	return q.device.Allocate(size)
}

// Sync blocks until all work issued on the queue has completed
func (q *CommandQueue) Sync() error {
	return q.device.Sync()
}

func (q *CommandQueue) String() string {
	return fmt.Sprintf("queue %d (%s, context %d)", q.id, q.device.Name(), q.context)
}

// contextMember is implemented by devices that are views onto a shared
// context, e.g. one stream of a CUDA device
type contextMember interface {
	Context() Device
}

// QueueRegistry hands out opaque queue ids for a set of devices
type QueueRegistry struct {
	mu       sync.RWMutex
	queues   []*CommandQueue
	contexts map[Device]int
	owned    []Device
}

// NewQueueRegistry creates an empty registry
func NewQueueRegistry() *QueueRegistry {
	return &QueueRegistry{
		contexts: make(map[Device]int),
	}
}

// Register adds a queue executing on dev and returns its id
func (r *QueueRegistry) Register(dev Device) QueueID {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := dev
	if member, ok := dev.(contextMember); ok {
		key = member.Context()
	}
	ctx, ok := r.contexts[key]
	if !ok {
		ctx = len(r.contexts)
		r.contexts[key] = ctx
		r.owned = append(r.owned, key)
	}

	id := QueueID(len(r.queues))
	r.queues = append(r.queues, &CommandQueue{id: id, device: dev, context: ctx})
	return id
}

// Queue looks up a registered queue
func (r *QueueRegistry) Queue(id QueueID) (*CommandQueue, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if id < 0 || int(id) >= len(r.queues) {
		return nil, fmt.Errorf("%w: id %d (registered: %d)", ErrUnknownQueue, id, len(r.queues))
	}
	return r.queues[id], nil
}

// Len returns the number of registered queues
func (r *QueueRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.queues)
}

// Queues returns a snapshot of all registered queues
func (r *QueueRegistry) Queues() []*CommandQueue {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*CommandQueue(nil), r.queues...)
}

// Close frees every device context known to the registry
func (r *QueueRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var err error
	for _, dev := range r.owned {
		err = multierr.Append(err, dev.Free())
	}
	r.owned = nil
	return err
}

// RegistryOptions describes the queues to create
type RegistryOptions struct {
	Backend     string // auto, cpu or cuda
	Queues      int    // queues per registry, at least 1
	MemoryLimit int64  // host-emulated device limit in bytes (0 = unlimited)
	PoolMax     int64  // host-emulated pool cache in bytes (0 = no pool)
	Devices     int    // host-emulated device contexts to spread queues over
}

// NewRegistry opens the configured backend and registers its queues.
// CUDA queues are separate streams on one context; host-emulated queues are
// spread round-robin over Devices independent contexts.
func NewRegistry(opts RegistryOptions) (*QueueRegistry, error) {
	if opts.Queues < 1 {
		opts.Queues = 1
	}
	if opts.Devices < 1 {
		opts.Devices = 1
	}
	// A context without a queue would never be registered or freed
	if opts.Devices > opts.Queues {
		opts.Devices = opts.Queues
	}

	r := NewQueueRegistry()

	dev, err := OpenDevice(opts.Backend, hostOptions(opts, 0)...)
	if err != nil {
		return nil, err
	}

	if cuda, ok := dev.(*CUDADevice); ok {
		for i := 0; i < opts.Queues; i++ {
			stream, err := cuda.NewStream()
			if err != nil {
				err = fmt.Errorf("creating stream %d: %w", i, err)
				if r.Len() == 0 {
					return nil, multierr.Append(err, cuda.Free())
				}
				return nil, multierr.Append(err, r.Close())
			}
			r.Register(stream)
		}
		return r, nil
	}

	devices := []Device{dev}
	for i := 1; i < opts.Devices; i++ {
		devices = append(devices, NewHostDevice(hostOptions(opts, i)...))
	}
	for i := 0; i < opts.Queues; i++ {
		r.Register(devices[i%len(devices)])
	}
	return r, nil
}

func hostOptions(opts RegistryOptions, index int) []HostDeviceOption {
	hostOpts := []HostDeviceOption{}
	if opts.MemoryLimit > 0 {
		hostOpts = append(hostOpts, WithMemoryLimit(opts.MemoryLimit))
	}
	if opts.PoolMax > 0 {
		hostOpts = append(hostOpts, WithBufferPool(opts.PoolMax))
	}
	if opts.Devices > 1 {
		hostOpts = append(hostOpts, WithName(fmt.Sprintf("Host emulated #%d", index)))
	}
	return hostOpts
}
