package image

import (
	"errors"
	"fmt"

	"go.uber.org/multierr"

	"github.com/eliseemond/elastix/internal/coherence"
	"github.com/eliseemond/elastix/internal/gpu"
	"github.com/eliseemond/elastix/internal/pipeline"
)

// Image is an N-dimensional image whose pixels live in host memory and, on
// demand, in device memory. Mutable accessors mark the device copy stale;
// const accessors first pull device writes back to the host.
//
// The Const variants return the live pixel memory. Callers must not write
// through it.
type Image[T Pixel] struct {
	pipeline.Object

	region    Region
	geometry  geometry
	container *PixelContainer[T]
	manager   *coherence.Manager

	generationBump bool
}

type options struct {
	manager        []coherence.Option
	generationBump bool
}

// Option configures an Image
type Option func(*options)

// WithGenerationBump controls whether DataHasBeenGenerated re-stamps the
// device clock when the producer's last write was on the device
func WithGenerationBump(enabled bool) Option {
	return func(o *options) { o.generationBump = enabled }
}

// WithObserver forwards coherence events to obs
func WithObserver(obs coherence.Observer) Option {
	return func(o *options) { o.manager = append(o.manager, coherence.WithObserver(obs)) }
}

// WithCommandQueue selects the initial command queue
func WithCommandQueue(id gpu.QueueID) Option {
	return func(o *options) { o.manager = append(o.manager, coherence.WithCommandQueue(id)) }
}

// New creates an empty image. queues may be nil for host-only images.
func New[T Pixel](queues *gpu.QueueRegistry, opts ...Option) *Image[T] {
	o := options{generationBump: true}
	for _, opt := range opts {
		opt(&o)
	}
	return &Image[T]{
		manager:        coherence.NewManager(queues, o.manager...),
		generationBump: o.generationBump,
	}
}

// SetRegions sets the buffered region. It takes effect at the next Allocate.
func (im *Image[T]) SetRegions(r Region) {
	if r.Dimension() != im.geometry.dim() {
		im.geometry = newGeometry(r.Dimension())
	}
	im.region = r.clone()
	im.Modified()
}

// Region returns the buffered region
func (im *Image[T]) Region() Region { return im.region.clone() }

// Dimension returns the number of image dimensions
func (im *Image[T]) Dimension() int { return im.region.Dimension() }

// Allocate creates the host copy for the current region. The device copy
// is allocated lazily. An unshared container of the right size is reused,
// and its pixels are zeroed only when initialize is set.
func (im *Image[T]) Allocate(initialize bool) error {
	n := im.region.NumberOfPixels()

	c := im.container
	switch {
	case c != nil && c.Len() == n && c.ReferenceCount() == 1:
		if initialize {
			var zero T
			c.fill(zero)
		}
	default:
		c = NewPixelContainer[T](n)
		if im.container != nil {
			im.container.UnRegister()
		}
		im.container = c
	}
	return im.manager.SetHostBuffer(c.Bytes())
}

// AllocateGPU allocates the host copy if needed and then the device copy
func (im *Image[T]) AllocateGPU() error {
	if im.container == nil {
		if err := im.Allocate(false); err != nil {
			return err
		}
	}
	return im.manager.AllocateDevice()
}

// Initialize returns the image to its empty state, releasing both copies
func (im *Image[T]) Initialize() error {
	err := im.releaseBuffers()
	dim := im.region.Dimension()
	im.region = Region{Index: make(Index, dim), Size: make(Size, dim)}
	im.Modified()
	return err
}

// Release frees both copies. The image keeps its region and can be
// allocated again.
func (im *Image[T]) Release() error {
	err := im.releaseBuffers()
	im.ReleaseData()
	return err
}

func (im *Image[T]) releaseBuffers() error {
	err := im.manager.Release()
	if im.container != nil {
		im.container.UnRegister()
		im.container = nil
	}
	return err
}

// FillBuffer sets every pixel on the host
func (im *Image[T]) FillBuffer(v T) {
	im.manager.MarkDeviceDirty()
	if im.container != nil {
		im.container.fill(v)
	}
}

// BufferPointer returns the host pixels for writing
func (im *Image[T]) BufferPointer() []T {
	im.manager.MarkDeviceDirty()
	return im.container.Slice()
}

// ConstBufferPointer returns the current host pixels for reading
func (im *Image[T]) ConstBufferPointer() ([]T, error) {
	if err := im.manager.EnsureHostCurrent(); err != nil {
		return nil, err
	}
	return im.container.Slice(), nil
}

// PixelContainer returns the host container for writing
func (im *Image[T]) PixelContainer() *PixelContainer[T] {
	im.manager.MarkDeviceDirty()
	return im.container
}

// ConstPixelContainer returns the current host container for reading
func (im *Image[T]) ConstPixelContainer() (*PixelContainer[T], error) {
	if err := im.manager.EnsureHostCurrent(); err != nil {
		return nil, err
	}
	return im.container, nil
}

// SetPixelContainer replaces the host copy with c, which must match the
// region. The image takes over the caller's reference to c, so the caller
// must not write through c afterwards. The device copy becomes stale.
func (im *Image[T]) SetPixelContainer(c *PixelContainer[T]) error {
	if c == nil {
		return errors.New("image: nil pixel container")
	}
	if c.Len() != im.region.NumberOfPixels() {
		return fmt.Errorf("%w: %d pixels for region %s", ErrSizeMismatch, c.Len(), im.region)
	}
	return im.adoptContainer(c)
}

// adoptContainer installs c, taking over a reference the caller already
// holds
func (im *Image[T]) adoptContainer(c *PixelContainer[T]) error {
	if im.container != nil && im.container != c {
		im.container.UnRegister()
	}
	im.container = c
	return im.manager.Graft(c.Bytes())
}

// GetPixel reads one pixel after syncing the host copy
func (im *Image[T]) GetPixel(idx Index) (T, error) {
	var zero T
	if err := im.checkIndex(idx); err != nil {
		return zero, err
	}
	if err := im.manager.EnsureHostCurrent(); err != nil {
		return zero, err
	}
	return im.container.data[im.region.Offset(idx)], nil
}

// SetPixel writes one pixel on the host. The previous value is not read,
// so no device sync happens first.
func (im *Image[T]) SetPixel(idx Index, v T) error {
	if err := im.checkIndex(idx); err != nil {
		return err
	}
	im.manager.MarkDeviceDirty()
	im.container.data[im.region.Offset(idx)] = v
	return nil
}

// PixelRef returns a pointer to one pixel for writing
func (im *Image[T]) PixelRef(idx Index) (*T, error) {
	if err := im.checkIndex(idx); err != nil {
		return nil, err
	}
	im.manager.MarkDeviceDirty()
	return &im.container.data[im.region.Offset(idx)], nil
}

func (im *Image[T]) checkIndex(idx Index) error {
	if err := im.checkAllocated(); err != nil {
		return err
	}
	if !im.region.IsInside(idx) {
		return fmt.Errorf("%w: %v not in %s", ErrOutOfRegion, idx, im.region)
	}
	return nil
}

// checkAllocated fails when the host copy does not cover the region, as
// after SetRegions without a new Allocate
func (im *Image[T]) checkAllocated() error {
	n := im.container.Len()
	switch {
	case n == 0:
		return ErrNotAllocated
	case n != im.region.NumberOfPixels():
		return fmt.Errorf("%w: %d pixels for region %s", ErrSizeMismatch, n, im.region)
	}
	return nil
}

// UpdateBuffers brings both copies up to date
func (im *Image[T]) UpdateBuffers() error {
	return multierr.Combine(im.manager.EnsureHostCurrent(), im.manager.EnsureDeviceCurrent())
}

// UpdateCPUBuffer pulls device writes back to the host
func (im *Image[T]) UpdateCPUBuffer() error {
	return im.manager.EnsureHostCurrent()
}

// UpdateGPUBuffer pushes host writes to the device
func (im *Image[T]) UpdateGPUBuffer() error {
	return im.manager.EnsureDeviceCurrent()
}

// SetCurrentCommandQueue rebinds the device copy to another queue. It
// fails with coherence.ErrDeviceWritePending while the device holds writes
// the host has not seen; call UpdateCPUBuffer first.
func (im *Image[T]) SetCurrentCommandQueue(id gpu.QueueID) error {
	return im.manager.SetCurrentCommandQueue(id)
}

// CurrentCommandQueueID returns the bound queue
func (im *Image[T]) CurrentCommandQueueID() gpu.QueueID {
	return im.manager.CurrentCommandQueueID()
}

// GPUDataManager exposes the coherence manager to device kernels
func (im *Image[T]) GPUDataManager() *coherence.Manager {
	return im.manager
}

// MTime returns the later of the image clock and the device write clock
func (im *Image[T]) MTime() uint64 {
	return max(im.Object.MTime(), im.manager.MTime())
}

// DataHasBeenGenerated runs the generic notification. When the producer
// wrote on the device, the device clock is stamped again so it is newer
// than the stamps the notification just took.
func (im *Image[T]) DataHasBeenGenerated() {
	im.Object.DataHasBeenGenerated()
	if im.generationBump && im.manager.HostDirty() {
		im.manager.Modified()
	}
}

// Graft moves other's region, geometry and pixels into im. other's device
// writes are pulled to the host first, since only the host copy moves.
// other is left released, so the pixels have a single coherent owner. The
// device copy of im becomes stale.
func (im *Image[T]) Graft(other *Image[T]) error {
	if other == nil {
		return errors.New("image: graft from nil image")
	}
	if other == im {
		return nil
	}
	if err := other.manager.EnsureHostCurrent(); err != nil {
		return fmt.Errorf("syncing graft source: %w", err)
	}
	im.region = other.region.clone()
	im.geometry = other.geometry.clone()

	c := other.container
	other.container = nil
	err := im.adoptContainer(c)
	if rerr := other.manager.Release(); rerr != nil {
		err = multierr.Append(err, fmt.Errorf("releasing graft source: %w", rerr))
	}
	other.ReleaseData()
	return err
}

func (im *Image[T]) String() string {
	return fmt.Sprintf("Image[%T] region %s spacing %v origin %v, mtime %d, %s",
		*new(T), im.region, im.geometry.spacing, im.geometry.origin, im.MTime(), im.manager)
}
