package image

import (
	"errors"
	"fmt"

	"github.com/eliseemond/elastix/internal/gpu"
)

// HostImage is a plain image without a device copy, as produced by readers
// and CPU-only stages
type HostImage[T Pixel] struct {
	region    Region
	geometry  geometry
	container *PixelContainer[T]
}

// NewHostImage allocates a zeroed host image over region
func NewHostImage[T Pixel](region Region) *HostImage[T] {
	return &HostImage[T]{
		region:    region.clone(),
		geometry:  newGeometry(region.Dimension()),
		container: NewPixelContainer[T](region.NumberOfPixels()),
	}
}

// Region returns the buffered region
func (h *HostImage[T]) Region() Region { return h.region.clone() }

// Pixels returns the pixel buffer
func (h *HostImage[T]) Pixels() []T { return h.container.Slice() }

// PixelContainer returns the pixel container
func (h *HostImage[T]) PixelContainer() *PixelContainer[T] { return h.container }

// GraftHost moves a host image's region, geometry and pixels into im. h is
// left empty. The device copy becomes stale.
func (im *Image[T]) GraftHost(h *HostImage[T]) error {
	if h == nil {
		return errors.New("image: graft from nil host image")
	}
	im.region = h.region.clone()
	im.geometry = h.geometry.clone()
	c := h.container
	h.container = nil
	return im.adoptContainer(c)
}

// FromHost wraps a host image's pixels in a coherent image. h is left
// empty.
func FromHost[T Pixel](h *HostImage[T], queues *gpu.QueueRegistry, opts ...Option) (*Image[T], error) {
	im := New[T](queues, opts...)
	if err := im.GraftHost(h); err != nil {
		return nil, fmt.Errorf("wrapping host image: %w", err)
	}
	return im, nil
}

// ToHost returns a host image holding a copy of the synced pixels of im
func (im *Image[T]) ToHost() (*HostImage[T], error) {
	pixels, err := im.ConstBufferPointer()
	if err != nil {
		return nil, err
	}
	if im.container == nil {
		return nil, ErrNotAllocated
	}
	c := NewPixelContainer[T](len(pixels))
	copy(c.data, pixels)
	return &HostImage[T]{
		region:    im.region.clone(),
		geometry:  im.geometry.clone(),
		container: c,
	}, nil
}
