package coherence

import (
	"bytes"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eliseemond/elastix/internal/gpu"
)

type countingObserver struct {
	mu          sync.Mutex
	uploads     int
	downloads   int
	allocations int
	failures    int
	transitions []DirtyState
}

func (o *countingObserver) ObserveTransfer(_ uuid.UUID, dir Direction, _ int64, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if dir == HostToDevice {
		o.uploads++
	} else {
		o.downloads++
	}
}

func (o *countingObserver) ObserveAllocation(_ uuid.UUID, _ int64, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.allocations++
	if err != nil {
		o.failures++
	}
}

func (o *countingObserver) ObserveTransition(_ uuid.UUID, _, to DirtyState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transitions = append(o.transitions, to)
}

func (o *countingObserver) counts() (int, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.uploads, o.downloads
}

var errLinkDown = errors.New("link down")

// flakyDevice fails device-to-host copies on demand
type flakyDevice struct {
	*gpu.HostDevice
	fail bool
}

func (d *flakyDevice) Allocate(size int64) (gpu.Buffer, error) {
	buf, err := d.HostDevice.Allocate(size)
	if err != nil {
		return nil, err
	}
	return &flakyBuffer{Buffer: buf, dev: d}, nil
}

type flakyBuffer struct {
	gpu.Buffer
	dev *flakyDevice
}

func (b *flakyBuffer) CopyToHost(dst []byte) error {
	if b.dev.fail {
		return errLinkDown
	}
	return b.Buffer.CopyToHost(dst)
}

// testRegistry has queues 0 and 1 on one context and queue 2 on another
func testRegistry(t *testing.T) (*gpu.QueueRegistry, *gpu.HostDevice, *gpu.HostDevice) {
	t.Helper()
	a, b := gpu.NewHostDevice(gpu.WithName("a")), gpu.NewHostDevice(gpu.WithName("b"))
	r := gpu.NewQueueRegistry()
	r.Register(a)
	r.Register(a)
	r.Register(b)
	t.Cleanup(func() { _ = r.Close() })
	return r, a, b
}

func newTestManager(t *testing.T, size int, opts ...Option) (*Manager, []byte, *countingObserver) {
	t.Helper()
	r, _, _ := testRegistry(t)
	obs := &countingObserver{}
	m := NewManager(r, append([]Option{WithObserver(obs)}, opts...)...)
	host := make([]byte, size)
	require.NoError(t, m.SetHostBuffer(host))
	return m, host, obs
}

func deviceBytes(t *testing.T, m *Manager) []byte {
	t.Helper()
	buf, err := m.DeviceBufferForRead()
	require.NoError(t, err)
	out := make([]byte, m.Size())
	require.NoError(t, buf.CopyToHost(out))
	return out
}

func TestInitialState(t *testing.T) {
	m, _, obs := newTestManager(t, 16)

	assert.Equal(t, Clean, m.State())
	assert.False(t, m.HasDeviceCopy())
	assert.Equal(t, gpu.QueueID(0), m.CurrentCommandQueueID())

	// No device copy: host is trivially current
	require.NoError(t, m.EnsureHostCurrent())
	up, down := obs.counts()
	assert.Zero(t, up)
	assert.Zero(t, down)
	assert.Zero(t, obs.allocations)
}

func TestEnsureDeviceAllocatesLazily(t *testing.T) {
	m, host, obs := newTestManager(t, 16)
	copy(host, "0123456789abcdef")

	require.NoError(t, m.EnsureDeviceCurrent())
	assert.True(t, m.HasDeviceCopy())
	assert.Equal(t, Clean, m.State())
	assert.Equal(t, 1, obs.allocations)
	assert.Equal(t, host, deviceBytes(t, m))

	up, _ := obs.counts()
	assert.Equal(t, 1, up, "second ensure is free")
}

func TestRoundTripFidelity(t *testing.T) {
	m, host, _ := newTestManager(t, 256)
	m.MarkDeviceDirty()
	for i := range host {
		host[i] = byte(i * 7)
	}
	want := append([]byte(nil), host...)

	require.NoError(t, m.EnsureDeviceCurrent())
	require.NoError(t, m.EnsureHostCurrent())
	assert.Equal(t, want, host)
}

func TestTransferMinimality(t *testing.T) {
	m, _, obs := newTestManager(t, 64)

	buf, err := m.DeviceBufferForWrite()
	require.NoError(t, err)
	require.NoError(t, buf.CopyFromHost(bytes.Repeat([]byte{9}, 64)))
	assert.Equal(t, HostStale, m.State())

	require.NoError(t, m.EnsureHostCurrent())
	require.NoError(t, m.EnsureHostCurrent())
	_, down := obs.counts()
	assert.Equal(t, 1, down)

	require.NoError(t, m.EnsureDeviceCurrent())
	require.NoError(t, m.EnsureDeviceCurrent())
	up, _ := obs.counts()
	assert.Zero(t, up, "device was already current after the download")
}

func TestMarkHostDirtyAdvancesClock(t *testing.T) {
	m, _, _ := newTestManager(t, 8)
	before := m.MTime()

	require.NoError(t, m.EnsureDeviceCurrent())
	m.MarkHostDirty()
	assert.Greater(t, m.MTime(), before)

	// Host writes leave the device clock alone
	after := m.MTime()
	m.MarkDeviceDirty()
	assert.Equal(t, after, m.MTime())
}

func TestQueueRebind(t *testing.T) {
	m, host, obs := newTestManager(t, 32)
	copy(host, "device data must be re-uploaded!")

	require.NoError(t, m.EnsureDeviceCurrent())
	first, err := m.DeviceBufferForRead()
	require.NoError(t, err)

	t.Run("same context keeps allocation", func(t *testing.T) {
		require.NoError(t, m.SetCurrentCommandQueue(1))
		assert.Equal(t, gpu.QueueID(1), m.CurrentCommandQueueID())
		assert.Equal(t, DeviceStale, m.State())
		assert.True(t, m.HasDeviceCopy())

		buf, err := m.DeviceBufferForRead()
		require.NoError(t, err)
		assert.Equal(t, first.Ptr(), buf.Ptr())
		up, _ := obs.counts()
		assert.Equal(t, 2, up)
		assert.Equal(t, 1, obs.allocations)
	})

	t.Run("other context reallocates", func(t *testing.T) {
		require.NoError(t, m.SetCurrentCommandQueue(2))
		assert.Equal(t, DeviceStale, m.State())
		assert.False(t, m.HasDeviceCopy())

		buf, err := m.DeviceBufferForRead()
		require.NoError(t, err)
		assert.Equal(t, "b", buf.Device().Name())
		assert.Equal(t, host, deviceBytes(t, m))
		up, _ := obs.counts()
		assert.Equal(t, 3, up)
		assert.Equal(t, 2, obs.allocations)
	})

	t.Run("same id is a no-op", func(t *testing.T) {
		require.NoError(t, m.SetCurrentCommandQueue(2))
		assert.Equal(t, Clean, m.State())
	})
}

func TestRebindBeforeDeviceAccess(t *testing.T) {
	m, _, obs := newTestManager(t, 8)

	require.NoError(t, m.SetCurrentCommandQueue(2))
	assert.Equal(t, Clean, m.State(), "nothing to invalidate")

	buf, err := m.DeviceBufferForRead()
	require.NoError(t, err)
	assert.Equal(t, "b", buf.Device().Name())
	assert.Equal(t, 1, obs.allocations)
}

func TestRebindUnknownQueue(t *testing.T) {
	m, _, _ := newTestManager(t, 8)

	err := m.SetCurrentCommandQueue(7)
	assert.ErrorIs(t, err, ErrInvalidQueue)
	assert.ErrorIs(t, err, gpu.ErrUnknownQueue)
	assert.Equal(t, gpu.QueueID(0), m.CurrentCommandQueueID())

	noRegistry := NewManager(nil)
	require.NoError(t, noRegistry.SetHostBuffer(make([]byte, 8)))
	assert.ErrorIs(t, noRegistry.SetCurrentCommandQueue(0), ErrInvalidQueue)
	assert.ErrorIs(t, noRegistry.EnsureDeviceCurrent(), ErrInvalidQueue)
}

func TestInitialQueueCheckedOnFirstAccess(t *testing.T) {
	m, _, _ := newTestManager(t, 8, WithCommandQueue(42))

	assert.ErrorIs(t, m.EnsureDeviceCurrent(), ErrInvalidQueue)
	assert.Equal(t, Clean, m.State())
}

func TestRebindRefusedWhileHostStale(t *testing.T) {
	m, host, _ := newTestManager(t, 4)

	buf, err := m.DeviceBufferForWrite()
	require.NoError(t, err)
	require.NoError(t, buf.CopyFromHost([]byte{1, 2, 3, 4}))

	err = m.SetCurrentCommandQueue(2)
	assert.ErrorIs(t, err, ErrDeviceWritePending)
	assert.ErrorIs(t, err, ErrInvalidQueue)
	assert.Equal(t, HostStale, m.State())

	require.NoError(t, m.EnsureHostCurrent())
	require.NoError(t, m.SetCurrentCommandQueue(2))
	assert.Equal(t, []byte{1, 2, 3, 4}, host)
}

func TestGraftForcesDeviceStale(t *testing.T) {
	r, _, _ := testRegistry(t)
	receiver := NewManager(r)
	donor := NewManager(r)

	require.NoError(t, receiver.SetHostBuffer(make([]byte, 8)))
	require.NoError(t, receiver.EnsureDeviceCurrent())
	require.Equal(t, Clean, receiver.State())

	donorHost := []byte("grafted!")
	require.NoError(t, donor.SetHostBuffer(donorHost))
	require.NoError(t, donor.EnsureDeviceCurrent())
	donorBuf, err := donor.DeviceBufferForRead()
	require.NoError(t, err)

	require.NoError(t, receiver.Graft(donorHost))
	assert.Equal(t, DeviceStale, receiver.State())
	assert.Equal(t, donorHost, deviceBytes(t, receiver))

	// The donor's device copy is untouched
	assert.True(t, donor.HasDeviceCopy())
	out := make([]byte, 8)
	require.NoError(t, donorBuf.CopyToHost(out))
	assert.Equal(t, donorHost, out)
}

func TestGraftReplacesMismatchedDeviceCopy(t *testing.T) {
	m, _, obs := newTestManager(t, 8)
	require.NoError(t, m.EnsureDeviceCurrent())

	buf, err := m.DeviceBufferForWrite()
	require.NoError(t, err)
	require.NotNil(t, buf)

	require.NoError(t, m.Graft(make([]byte, 16)))
	assert.Equal(t, DeviceStale, m.State(), "graft discards pending device writes")
	assert.False(t, m.HasDeviceCopy())

	require.NoError(t, m.EnsureDeviceCurrent())
	assert.Equal(t, 2, obs.allocations)
}

func TestTransferFailurePoisons(t *testing.T) {
	dev := &flakyDevice{HostDevice: gpu.NewHostDevice()}
	r := gpu.NewQueueRegistry()
	r.Register(dev)

	m := NewManager(r)
	require.NoError(t, m.SetHostBuffer(make([]byte, 8)))
	_, err := m.DeviceBufferForWrite()
	require.NoError(t, err)

	dev.fail = true
	err = m.EnsureHostCurrent()
	assert.ErrorIs(t, err, ErrTransfer)
	assert.ErrorIs(t, err, errLinkDown)
	assert.Equal(t, Poisoned, m.State())
	assert.False(t, m.HostDirty())
	assert.False(t, m.DeviceDirty())

	dev.fail = false
	assert.ErrorIs(t, m.EnsureHostCurrent(), ErrPoisoned)
	assert.ErrorIs(t, m.EnsureDeviceCurrent(), ErrPoisoned)
	assert.ErrorIs(t, m.SetCurrentCommandQueue(0), ErrPoisoned)
	assert.ErrorIs(t, m.Graft(make([]byte, 8)), ErrPoisoned)
	_, err = m.DeviceBufferForWrite()
	assert.ErrorIs(t, err, ErrPoisoned)

	m.MarkDeviceDirty()
	assert.Equal(t, Poisoned, m.State())
	require.NoError(t, m.Release())
	assert.Equal(t, Poisoned, m.State())
}

func TestAllocationFailure(t *testing.T) {
	dev := gpu.NewHostDevice(gpu.WithMemoryLimit(8))
	r := gpu.NewQueueRegistry()
	r.Register(dev)

	obs := &countingObserver{}
	m := NewManager(r, WithObserver(obs))
	require.NoError(t, m.SetHostBuffer(make([]byte, 16)))

	err := m.EnsureDeviceCurrent()
	assert.ErrorIs(t, err, ErrAllocation)
	assert.ErrorIs(t, err, gpu.ErrOutOfMemory)
	assert.Equal(t, Clean, m.State())
	assert.False(t, m.HasDeviceCopy())
	assert.Equal(t, 1, obs.failures)

	_, err = m.DeviceBufferForWrite()
	assert.ErrorIs(t, err, ErrAllocation)
	assert.Equal(t, Clean, m.State())
}

func TestZeroSizeIsNoOp(t *testing.T) {
	m, _, obs := newTestManager(t, 0)

	m.MarkDeviceDirty()
	assert.Equal(t, Clean, m.State())
	m.MarkHostDirty()
	assert.Equal(t, Clean, m.State())

	require.NoError(t, m.EnsureHostCurrent())
	require.NoError(t, m.EnsureDeviceCurrent())
	require.NoError(t, m.AllocateDevice())

	buf, err := m.DeviceBufferForRead()
	require.NoError(t, err)
	assert.Nil(t, buf)
	buf, err = m.DeviceBufferForWrite()
	require.NoError(t, err)
	assert.Nil(t, buf)

	assert.Zero(t, obs.allocations)
}

func TestAllocateDeviceMarksStale(t *testing.T) {
	m, host, obs := newTestManager(t, 4)
	copy(host, "abcd")

	require.NoError(t, m.AllocateDevice())
	assert.Equal(t, DeviceStale, m.State())
	up, _ := obs.counts()
	assert.Zero(t, up)

	assert.Equal(t, []byte("abcd"), deviceBytes(t, m))
}

func TestReleaseFreesDeviceCopy(t *testing.T) {
	r, a, _ := testRegistry(t)
	m := NewManager(r)
	require.NoError(t, m.SetHostBuffer(make([]byte, 64)))
	_, err := m.DeviceBufferForWrite()
	require.NoError(t, err)

	used, _ := a.MemoryUsage()
	assert.Equal(t, int64(64), used)

	require.NoError(t, m.Release())
	used, _ = a.MemoryUsage()
	assert.Zero(t, used)
	assert.Equal(t, Clean, m.State())
	assert.False(t, m.HasDeviceCopy())
	assert.Zero(t, m.Size())
}

func TestTransitionsObserved(t *testing.T) {
	m, _, obs := newTestManager(t, 4)

	m.MarkDeviceDirty()
	require.NoError(t, m.EnsureDeviceCurrent())
	m.MarkHostDirty()
	m.MarkHostDirty()
	require.NoError(t, m.EnsureHostCurrent())

	assert.Equal(t, []DirtyState{DeviceStale, Clean, HostStale, Clean}, obs.transitions)
}

// TestRandomizedCoherence drives random host and device reads and writes
// and checks after every step that at most one side is stale and that every
// read observes the latest write
func TestRandomizedCoherence(t *testing.T) {
	const size = 32
	m, host, _ := newTestManager(t, size)
	rng := rand.New(rand.NewSource(1))
	latest := make([]byte, size)

	for step := 0; step < 2000; step++ {
		switch op := rng.Intn(6); op {
		case 0: // host write
			m.MarkDeviceDirty()
			rng.Read(latest)
			copy(host, latest)
		case 1: // device write
			buf, err := m.DeviceBufferForWrite()
			require.NoError(t, err)
			rng.Read(latest)
			require.NoError(t, buf.CopyFromHost(latest))
		case 2: // host read
			require.NoError(t, m.EnsureHostCurrent())
			require.Equal(t, latest, host, "step %d", step)
		case 3: // device read
			require.Equal(t, latest, deviceBytes(t, m), "step %d", step)
		case 4: // rebind
			err := m.SetCurrentCommandQueue(gpu.QueueID(rng.Intn(3)))
			if err != nil {
				require.ErrorIs(t, err, ErrDeviceWritePending)
				require.Equal(t, HostStale, m.State())
			}
		case 5: // explicit sync of both sides
			require.NoError(t, m.EnsureHostCurrent())
			require.NoError(t, m.EnsureDeviceCurrent())
			require.Equal(t, Clean, m.State())
		}

		state := m.State()
		require.False(t, state.HostDirty() && state.DeviceDirty(), "step %d", step)
		require.NotEqual(t, Poisoned, state)
	}
}

func TestConcurrentProtocolKeepsExclusion(t *testing.T) {
	m, _, _ := newTestManager(t, 16)

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				switch (g + i) % 4 {
				case 0:
					m.MarkDeviceDirty()
				case 1:
					m.MarkHostDirty()
				case 2:
					assert.NoError(t, m.EnsureHostCurrent())
				case 3:
					assert.NoError(t, m.EnsureDeviceCurrent())
				}
				s := m.State()
				assert.False(t, s.HostDirty() && s.DeviceDirty())
			}
		}(g)
	}
	wg.Wait()
}
