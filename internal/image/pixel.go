// Package image provides N-dimensional images whose pixel buffer is kept
// coherent between host memory and a device. Every accessor goes through
// the image's coherence.Manager before it hands out pixels.
package image

import (
	"errors"
	"unsafe"
)

// Pixel is the set of fixed-size scalar pixel types
type Pixel interface {
	~uint8 | ~int8 | ~uint16 | ~int16 | ~uint32 | ~int32 |
		~uint64 | ~int64 | ~float32 | ~float64
}

var (
	ErrNotAllocated      = errors.New("image: pixel buffer not allocated")
	ErrOutOfRegion       = errors.New("image: index outside buffered region")
	ErrDimensionMismatch = errors.New("image: dimension mismatch")
	ErrSizeMismatch      = errors.New("image: container size does not match region")
)

func pixelSize[T Pixel]() int {
	var zero T
	return int(unsafe.Sizeof(zero))
}
