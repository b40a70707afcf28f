package image

// PixelAccessor reads and writes pixels by index. It is obtained through
// the mutable path, so the device copy is already marked stale. Indexing
// outside the region panics, like a slice.
type PixelAccessor[T Pixel] struct {
	data   []T
	region Region
}

// Get returns the pixel at idx
func (a *PixelAccessor[T]) Get(idx Index) T { return a.data[a.region.Offset(idx)] }

// Set writes the pixel at idx
func (a *PixelAccessor[T]) Set(idx Index, v T) { a.data[a.region.Offset(idx)] = v }

// ConstPixelAccessor reads pixels by index from a synced host copy
type ConstPixelAccessor[T Pixel] struct {
	data   []T
	region Region
}

// Get returns the pixel at idx
func (a *ConstPixelAccessor[T]) Get(idx Index) T { return a.data[a.region.Offset(idx)] }

// NeighborhoodAccessor reads a box of pixels around a center. Indices
// outside the region are clamped to the border (zero-flux Neumann).
type NeighborhoodAccessor[T Pixel] struct {
	data   []T
	region Region
	radius []int
}

// Radius returns the half-width of the neighborhood per dimension
func (a *NeighborhoodAccessor[T]) Radius() []int { return append([]int(nil), a.radius...) }

// Size returns the number of pixels in a neighborhood
func (a *NeighborhoodAccessor[T]) Size() int {
	n := 1
	for _, r := range a.radius {
		n *= 2*r + 1
	}
	return n
}

// At returns the pixel at center+offset
func (a *NeighborhoodAccessor[T]) At(center Index, offset []int) T {
	idx := make(Index, len(center))
	for d := range center {
		idx[d] = center[d] + offset[d]
	}
	return a.data[a.region.Offset(a.region.Clamp(idx))]
}

// Neighborhood appends the neighborhood of center to dst, first dimension
// varying fastest, and returns the extended slice
func (a *NeighborhoodAccessor[T]) Neighborhood(center Index, dst []T) []T {
	dim := len(a.radius)
	offset := make([]int, dim)
	for d := range offset {
		offset[d] = -a.radius[d]
	}
	for {
		dst = append(dst, a.At(center, offset))

		d := 0
		for ; d < dim; d++ {
			offset[d]++
			if offset[d] <= a.radius[d] {
				break
			}
			offset[d] = -a.radius[d]
		}
		if d == dim {
			return dst
		}
	}
}

// PixelAccessor returns a read-write accessor over the host pixels
func (im *Image[T]) PixelAccessor() *PixelAccessor[T] {
	return &PixelAccessor[T]{data: im.BufferPointer(), region: im.region}
}

// ConstPixelAccessor returns a read-only accessor over the synced host pixels
func (im *Image[T]) ConstPixelAccessor() (*ConstPixelAccessor[T], error) {
	data, err := im.ConstBufferPointer()
	if err != nil {
		return nil, err
	}
	return &ConstPixelAccessor[T]{data: data, region: im.region}, nil
}

// NeighborhoodAccessor returns a neighborhood accessor for writers that read
// their own output
func (im *Image[T]) NeighborhoodAccessor(radius ...int) (*NeighborhoodAccessor[T], error) {
	if err := checkDim("radius", len(radius), im.Dimension()); err != nil {
		return nil, err
	}
	if err := im.checkAllocated(); err != nil {
		return nil, err
	}
	return &NeighborhoodAccessor[T]{data: im.BufferPointer(), region: im.region, radius: append([]int(nil), radius...)}, nil
}

// ConstNeighborhoodAccessor returns a neighborhood accessor over the synced
// host pixels
func (im *Image[T]) ConstNeighborhoodAccessor(radius ...int) (*NeighborhoodAccessor[T], error) {
	if err := checkDim("radius", len(radius), im.Dimension()); err != nil {
		return nil, err
	}
	if err := im.checkAllocated(); err != nil {
		return nil, err
	}
	data, err := im.ConstBufferPointer()
	if err != nil {
		return nil, err
	}
	return &NeighborhoodAccessor[T]{data: data, region: im.region, radius: append([]int(nil), radius...)}, nil
}
