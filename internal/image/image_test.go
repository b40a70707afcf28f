package image

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eliseemond/elastix/internal/coherence"
	"github.com/eliseemond/elastix/internal/gpu"
	"github.com/eliseemond/elastix/internal/pipeline"
)

type transferCounter struct {
	mu        sync.Mutex
	uploads   int
	downloads int
}

func (c *transferCounter) ObserveTransfer(_ uuid.UUID, dir coherence.Direction, _ int64, _ time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if dir == coherence.HostToDevice {
		c.uploads++
	} else {
		c.downloads++
	}
}

func (c *transferCounter) ObserveAllocation(uuid.UUID, int64, error) {}
func (c *transferCounter) ObserveTransition(uuid.UUID, coherence.DirtyState, coherence.DirtyState) {}

func testQueues(t *testing.T) *gpu.QueueRegistry {
	t.Helper()
	r := gpu.NewQueueRegistry()
	r.Register(gpu.NewHostDevice())
	r.Register(gpu.NewHostDevice(gpu.WithName("second")))
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func newImage(t *testing.T, r *gpu.QueueRegistry, size ...int) (*Image[float32], *transferCounter) {
	t.Helper()
	counter := &transferCounter{}
	im := New[float32](r, WithObserver(counter))
	im.SetRegions(RegionOfSize(size...))
	require.NoError(t, im.Allocate(true))
	return im, counter
}

// writeDevice overwrites the device copy the way a kernel would
func writeDevice(t *testing.T, im *Image[float32], v float32) {
	t.Helper()
	buf, err := im.GPUDataManager().DeviceBufferForWrite()
	require.NoError(t, err)
	vals := NewPixelContainer[float32](im.Region().NumberOfPixels())
	vals.fill(v)
	require.NoError(t, buf.CopyFromHost(vals.Bytes()))
}

func readDevice(t *testing.T, im *Image[float32]) []float32 {
	t.Helper()
	buf, err := im.GPUDataManager().DeviceBufferForRead()
	require.NoError(t, err)
	out := NewPixelContainer[float32](im.Region().NumberOfPixels())
	require.NoError(t, buf.CopyToHost(out.Bytes()))
	return out.Slice()
}

func filled(n int, v float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestScenario4x4(t *testing.T) {
	im, _ := newImage(t, testQueues(t), 4, 4)
	m := im.GPUDataManager()

	im.FillBuffer(7)
	require.NoError(t, im.UpdateGPUBuffer())
	assert.Equal(t, filled(16, 7), readDevice(t, im))

	writeDevice(t, im, 9)
	require.True(t, m.HostDirty())
	require.NoError(t, im.UpdateCPUBuffer())

	v, err := im.GetPixel(Index{0, 0})
	require.NoError(t, err)
	assert.Equal(t, float32(9), v)

	im.FillBuffer(3)
	require.NoError(t, im.UpdateGPUBuffer())
	assert.Equal(t, filled(16, 3), readDevice(t, im))
	assert.False(t, m.DeviceDirty())
	assert.Equal(t, coherence.Clean, m.State())
}

func TestRoundTripFidelity(t *testing.T) {
	im, counter := newImage(t, testQueues(t), 5, 3, 2)

	pixels := im.BufferPointer()
	for i := range pixels {
		pixels[i] = float32(i)*0.5 - 3
	}
	want := append([]float32(nil), pixels...)

	require.NoError(t, im.UpdateGPUBuffer())
	require.NoError(t, im.UpdateCPUBuffer())

	got, err := im.ConstBufferPointer()
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("host pixels changed (-want +got):\n%s", diff)
	}
	assert.Equal(t, 1, counter.uploads)
	assert.Zero(t, counter.downloads)
}

func TestMutableAccessorsMarkDeviceStale(t *testing.T) {
	accessors := map[string]func(t *testing.T, im *Image[float32]){
		"BufferPointer":  func(t *testing.T, im *Image[float32]) { im.BufferPointer() },
		"PixelContainer": func(t *testing.T, im *Image[float32]) { im.PixelContainer() },
		"PixelAccessor":  func(t *testing.T, im *Image[float32]) { im.PixelAccessor().Set(Index{1, 1}, 4) },
		"NeighborhoodAccessor": func(t *testing.T, im *Image[float32]) {
			_, err := im.NeighborhoodAccessor(1, 1)
			require.NoError(t, err)
		},
		"SetPixel": func(t *testing.T, im *Image[float32]) { require.NoError(t, im.SetPixel(Index{0, 1}, 2)) },
		"PixelRef": func(t *testing.T, im *Image[float32]) {
			p, err := im.PixelRef(Index{2, 2})
			require.NoError(t, err)
			*p = 8
		},
		"FillBuffer": func(t *testing.T, im *Image[float32]) { im.FillBuffer(1) },
	}

	for name, access := range accessors {
		t.Run(name, func(t *testing.T) {
			im, counter := newImage(t, testQueues(t), 3, 3)
			require.NoError(t, im.UpdateGPUBuffer())
			writeDevice(t, im, 5)

			access(t, im)
			assert.Equal(t, coherence.DeviceStale, im.GPUDataManager().State())
			assert.Zero(t, counter.downloads, "write intent never pulls device data")
		})
	}
}

func TestConstAccessorsSyncHost(t *testing.T) {
	accessors := map[string]func(t *testing.T, im *Image[float32]) float32{
		"ConstBufferPointer": func(t *testing.T, im *Image[float32]) float32 {
			p, err := im.ConstBufferPointer()
			require.NoError(t, err)
			return p[4]
		},
		"ConstPixelContainer": func(t *testing.T, im *Image[float32]) float32 {
			c, err := im.ConstPixelContainer()
			require.NoError(t, err)
			return c.Slice()[4]
		},
		"ConstPixelAccessor": func(t *testing.T, im *Image[float32]) float32 {
			a, err := im.ConstPixelAccessor()
			require.NoError(t, err)
			return a.Get(Index{1, 1})
		},
		"ConstNeighborhoodAccessor": func(t *testing.T, im *Image[float32]) float32 {
			a, err := im.ConstNeighborhoodAccessor(1, 1)
			require.NoError(t, err)
			return a.At(Index{1, 1}, []int{0, 0})
		},
		"GetPixel": func(t *testing.T, im *Image[float32]) float32 {
			v, err := im.GetPixel(Index{1, 1})
			require.NoError(t, err)
			return v
		},
	}

	for name, read := range accessors {
		t.Run(name, func(t *testing.T) {
			im, counter := newImage(t, testQueues(t), 3, 3)
			writeDevice(t, im, 6)

			assert.Equal(t, float32(6), read(t, im))
			assert.Equal(t, coherence.Clean, im.GPUDataManager().State())

			read(t, im)
			assert.Equal(t, 1, counter.downloads)
		})
	}
}

func TestSetPixelDoesNotPullDevice(t *testing.T) {
	im, counter := newImage(t, testQueues(t), 2, 2)
	writeDevice(t, im, 1)

	require.NoError(t, im.SetPixel(Index{0, 0}, 2))
	assert.Zero(t, counter.downloads)
	assert.Equal(t, coherence.DeviceStale, im.GPUDataManager().State())
}

func TestPixelIndexErrors(t *testing.T) {
	im := New[uint8](nil)
	_, err := im.GetPixel(Index{0})
	assert.ErrorIs(t, err, ErrNotAllocated)

	im.SetRegions(RegionOfSize(2, 2))
	require.NoError(t, im.Allocate(false))
	assert.ErrorIs(t, im.SetPixel(Index{2, 0}, 1), ErrOutOfRegion)
	_, err = im.PixelRef(Index{0})
	assert.ErrorIs(t, err, ErrOutOfRegion)
}

func TestAllocateReusesContainer(t *testing.T) {
	im, _ := newImage(t, nil, 4)
	im.FillBuffer(2)
	c := im.PixelContainer()

	require.NoError(t, im.Allocate(false))
	assert.Same(t, c, im.PixelContainer())
	assert.Equal(t, filled(4, 2), im.BufferPointer())

	require.NoError(t, im.Allocate(true))
	assert.Equal(t, filled(4, 0), im.BufferPointer())

	im.SetRegions(RegionOfSize(5))
	require.NoError(t, im.Allocate(false))
	assert.NotSame(t, c, im.PixelContainer())
	assert.Zero(t, c.ReferenceCount())
}

func TestAllocateGPU(t *testing.T) {
	im := New[int16](testQueues(t))
	im.SetRegions(RegionOfSize(8))

	require.NoError(t, im.AllocateGPU())
	m := im.GPUDataManager()
	assert.True(t, m.HasDeviceCopy())
	assert.Equal(t, int64(16), m.Size())
	assert.Equal(t, coherence.DeviceStale, m.State())
}

func TestZeroSizeImage(t *testing.T) {
	im, counter := newImage(t, testQueues(t), 0, 4)

	assert.Nil(t, im.BufferPointer())
	p, err := im.ConstBufferPointer()
	require.NoError(t, err)
	assert.Nil(t, p)
	require.NoError(t, im.UpdateBuffers())
	require.NoError(t, im.AllocateGPU())

	assert.False(t, im.GPUDataManager().HasDeviceCopy())
	assert.Zero(t, counter.uploads)
}

func TestGraftForcesDeviceStale(t *testing.T) {
	r := testQueues(t)
	a, _ := newImage(t, r, 4, 4)
	require.NoError(t, a.UpdateGPUBuffer())
	require.Equal(t, coherence.Clean, a.GPUDataManager().State())

	b, _ := newImage(t, r, 4, 4)
	require.NoError(t, b.SetSpacing(0.5, 2))
	writeDevice(t, b, 11)
	require.True(t, b.GPUDataManager().HostDirty())

	require.NoError(t, a.Graft(b))
	assert.Equal(t, coherence.DeviceStale, a.GPUDataManager().State())
	assert.Equal(t, []float64{0.5, 2}, a.Spacing())
	assert.Equal(t, int32(1), a.PixelContainer().ReferenceCount())

	assert.Equal(t, filled(16, 11), readDevice(t, a))
}

func TestGraftMovesPixels(t *testing.T) {
	r := testQueues(t)
	a, _ := newImage(t, r, 4)
	b, _ := newImage(t, r, 4)
	b.FillBuffer(1)
	require.NoError(t, b.UpdateGPUBuffer())

	require.NoError(t, a.Graft(b))
	require.NoError(t, a.UpdateGPUBuffer())
	assert.True(t, b.DataReleased())
	assert.False(t, b.GPUDataManager().HasDeviceCopy())
	assert.Nil(t, b.PixelContainer())

	// Writes through the donor no longer reach the grafted pixels
	b.FillBuffer(4)
	_, err := b.GetPixel(Index{0})
	assert.ErrorIs(t, err, ErrNotAllocated)
	assert.Equal(t, coherence.Clean, a.GPUDataManager().State())
	host, err := a.ConstBufferPointer()
	require.NoError(t, err)
	assert.Equal(t, filled(4, 1), host)
	assert.Equal(t, filled(4, 1), readDevice(t, a))

	a.FillBuffer(4)
	assert.Equal(t, filled(4, 4), readDevice(t, a))
}

func TestPixelAccessRequiresAllocation(t *testing.T) {
	im, _ := newImage(t, nil, 2, 2)
	im.SetRegions(RegionOfSize(4, 4))

	_, err := im.GetPixel(Index{3, 3})
	assert.ErrorIs(t, err, ErrSizeMismatch)
	assert.ErrorIs(t, im.SetPixel(Index{3, 3}, 1), ErrSizeMismatch)
	_, err = im.PixelRef(Index{0, 0})
	assert.ErrorIs(t, err, ErrSizeMismatch)
	_, err = im.ConstNeighborhoodAccessor(1, 1)
	assert.ErrorIs(t, err, ErrSizeMismatch)

	require.NoError(t, im.Allocate(true))
	_, err = im.GetPixel(Index{3, 3})
	assert.NoError(t, err)

	empty := New[float32](nil)
	empty.SetRegions(RegionOfSize(2))
	_, err = empty.GetPixel(Index{0})
	assert.ErrorIs(t, err, ErrNotAllocated)
}

func TestSetPixelContainer(t *testing.T) {
	im, _ := newImage(t, testQueues(t), 2, 2)
	require.NoError(t, im.UpdateGPUBuffer())

	err := im.SetPixelContainer(NewPixelContainer[float32](3))
	assert.ErrorIs(t, err, ErrSizeMismatch)

	c := ImportPixelContainer([]float32{1, 2, 3, 4})
	require.NoError(t, im.SetPixelContainer(c))
	assert.Equal(t, coherence.DeviceStale, im.GPUDataManager().State())
	assert.Equal(t, int32(1), c.ReferenceCount())
	assert.Equal(t, []float32{1, 2, 3, 4}, readDevice(t, im))
}

func TestSetCurrentCommandQueue(t *testing.T) {
	im, counter := newImage(t, testQueues(t), 4)
	require.NoError(t, im.UpdateGPUBuffer())

	require.NoError(t, im.SetCurrentCommandQueue(1))
	assert.Equal(t, gpu.QueueID(1), im.CurrentCommandQueueID())
	require.NoError(t, im.UpdateGPUBuffer())
	assert.Equal(t, 2, counter.uploads)

	assert.ErrorIs(t, im.SetCurrentCommandQueue(5), coherence.ErrInvalidQueue)

	writeDevice(t, im, 6)
	assert.ErrorIs(t, im.SetCurrentCommandQueue(0), coherence.ErrDeviceWritePending)
	require.NoError(t, im.UpdateCPUBuffer())
	require.NoError(t, im.SetCurrentCommandQueue(0))
	assert.Equal(t, filled(4, 6), readDevice(t, im))
}

func TestInitializeReleasesBuffers(t *testing.T) {
	dev := gpu.NewHostDevice()
	r := gpu.NewQueueRegistry()
	r.Register(dev)

	im := New[float64](r)
	im.SetRegions(RegionOfSize(4, 4))
	require.NoError(t, im.AllocateGPU())
	used, _ := dev.MemoryUsage()
	assert.Equal(t, int64(128), used)

	require.NoError(t, im.Initialize())
	used, _ = dev.MemoryUsage()
	assert.Zero(t, used)
	assert.Zero(t, im.Region().NumberOfPixels())
	assert.Equal(t, 2, im.Dimension())
	assert.Nil(t, im.BufferPointer())
}

func TestGenerationBump(t *testing.T) {
	for _, bump := range []bool{true, false} {
		im := New[float32](testQueues(t), WithGenerationBump(bump))
		im.SetRegions(RegionOfSize(4))
		require.NoError(t, im.Allocate(true))
		writeDevice(t, im, 1)

		im.DataHasBeenGenerated()
		if bump {
			assert.Greater(t, im.MTime(), im.UpdateMTime(), "device write visible after generation")
		} else {
			assert.Less(t, im.MTime(), im.UpdateMTime())
		}
	}
}

func TestMTimeTracksDeviceWrites(t *testing.T) {
	im, _ := newImage(t, testQueues(t), 4)
	im.Modified()
	before := im.MTime()

	writeDevice(t, im, 2)
	assert.Greater(t, im.MTime(), before)
}

func TestGeometry(t *testing.T) {
	im := New[float32](nil)
	im.SetRegions(RegionOfSize(10, 10))

	require.NoError(t, im.SetSpacing(2, 3))
	require.NoError(t, im.SetOrigin(10, 20))

	p, err := im.TransformIndexToPhysicalPoint(Index{1, 2})
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{12, 26}, p, 1e-9)

	idx, inside, err := im.TransformPhysicalPointToIndex(Point{12.9, 26.2})
	require.NoError(t, err)
	assert.Equal(t, Index{1, 2}, idx)
	assert.True(t, inside)

	// 90 degree rotation
	require.NoError(t, im.SetDirection([]float64{0, -1, 1, 0}))
	p, err = im.TransformIndexToPhysicalPoint(Index{1, 2})
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{4, 22}, p, 1e-9)
	idx, _, err = im.TransformPhysicalPointToIndex(p)
	require.NoError(t, err)
	assert.Equal(t, Index{1, 2}, idx)

	assert.ErrorIs(t, im.SetDirection([]float64{1, 2, 2, 4}), ErrSingularDirection)
	assert.ErrorIs(t, im.SetSpacing(1), ErrDimensionMismatch)
	assert.Error(t, im.SetSpacing(0, 1))
	assert.Equal(t, []float64{0, -1, 1, 0}, im.Direction())
}

func TestHostImageRoundTrip(t *testing.T) {
	h := NewHostImage[uint16](RegionOfSize(3, 2))
	copy(h.Pixels(), []uint16{1, 2, 3, 4, 5, 6})

	im, err := FromHost(h, testQueues(t))
	require.NoError(t, err)
	assert.Equal(t, coherence.DeviceStale, im.GPUDataManager().State())
	assert.Nil(t, h.Pixels(), "pixels moved into the image")

	require.NoError(t, im.UpdateGPUBuffer())
	buf, err := im.GPUDataManager().DeviceBufferForWrite()
	require.NoError(t, err)
	doubled := ImportPixelContainer([]uint16{2, 4, 6, 8, 10, 12})
	require.NoError(t, buf.CopyFromHost(doubled.Bytes()))

	out, err := im.ToHost()
	require.NoError(t, err)
	assert.Equal(t, []uint16{2, 4, 6, 8, 10, 12}, out.Pixels())
	assert.True(t, out.Region().Equal(h.Region()))

	out.Pixels()[0] = 99
	v, err := im.GetPixel(Index{0, 0})
	require.NoError(t, err)
	assert.Equal(t, uint16(2), v)
}

// deviceScale is a GPU stage that writes 2x its input into its output's
// device copy
type deviceScale struct {
	in, out *Image[float32]
}

func (s *deviceScale) Name() string { return "scale" }
func (s *deviceScale) Backend() pipeline.Backend { return pipeline.GPU }
func (s *deviceScale) Inputs() []pipeline.DataObject { return []pipeline.DataObject{s.in} }
func (s *deviceScale) Output() pipeline.DataObject { return s.out }
func (s *deviceScale) Run(context.Context) error {
	src, err := s.in.ConstBufferPointer()
	if err != nil {
		return err
	}
	scaled := NewPixelContainer[float32](len(src))
	for i, v := range src {
		scaled.data[i] = 2 * v
	}
	buf, err := s.out.GPUDataManager().DeviceBufferForWrite()
	if err != nil {
		return err
	}
	return buf.CopyFromHost(scaled.Bytes())
}

func TestPipelineSeesDeviceWrites(t *testing.T) {
	r := testQueues(t)
	in, _ := newImage(t, r, 4)
	out, counter := newImage(t, r, 4)
	copy(in.BufferPointer(), []float32{1, 2, 3, 4})
	in.Modified()

	p := pipeline.New()
	stage := &deviceScale{in: in, out: out}
	p.Add(stage)

	require.NoError(t, p.Update(context.Background()))
	assert.Greater(t, out.MTime(), out.UpdateMTime())

	got, err := out.ConstBufferPointer()
	require.NoError(t, err)
	assert.Equal(t, []float32{2, 4, 6, 8}, got)
	assert.Equal(t, 1, counter.downloads)

	require.NoError(t, p.Update(context.Background()))
	assert.Equal(t, 1, counter.downloads, "stage was up to date")

	in.FillBuffer(1)
	in.Modified()
	require.NoError(t, p.Update(context.Background()))
	got, err = out.ConstBufferPointer()
	require.NoError(t, err)
	assert.Equal(t, filled(4, 2), got)
}

func TestString(t *testing.T) {
	im, _ := newImage(t, nil, 2, 3)
	s := im.String()
	assert.Contains(t, s, "float32")
	assert.Contains(t, s, "[0+2, 0+3]")
	assert.Contains(t, s, "clean")
}
