package image

import (
	"sync/atomic"
	"unsafe"
)

// PixelContainer is a contiguous, reference-counted pixel array. An image
// holds one reference; Graft and SetPixelContainer move a reference rather
// than add one.
type PixelContainer[T Pixel] struct {
	data []T
	refs atomic.Int32
}

// NewPixelContainer allocates n zeroed pixels with one reference
func NewPixelContainer[T Pixel](n int) *PixelContainer[T] {
	c := &PixelContainer[T]{data: make([]T, n)}
	c.refs.Store(1)
	return c
}

// ImportPixelContainer wraps existing pixels without copying
func ImportPixelContainer[T Pixel](data []T) *PixelContainer[T] {
	c := &PixelContainer[T]{data: data}
	c.refs.Store(1)
	return c
}

// Slice returns the pixels
func (c *PixelContainer[T]) Slice() []T {
	if c == nil || len(c.data) == 0 {
		return nil
	}
	return c.data
}

// Len returns the number of pixels
func (c *PixelContainer[T]) Len() int {
	if c == nil {
		return 0
	}
	return len(c.data)
}

// Bytes returns the pixels as raw bytes sharing the same memory, or nil
// when the container is empty
func (c *PixelContainer[T]) Bytes() []byte {
	if c.Len() == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(c.data))), len(c.data)*pixelSize[T]())
}

// Register adds a reference
func (c *PixelContainer[T]) Register() {
	c.refs.Add(1)
}

// UnRegister drops a reference and returns how many remain. The pixels are
// dropped with the last reference.
func (c *PixelContainer[T]) UnRegister() int32 {
	n := c.refs.Add(-1)
	if n == 0 {
		c.data = nil
	}
	return n
}

// ReferenceCount returns the number of holders
func (c *PixelContainer[T]) ReferenceCount() int32 {
	return c.refs.Load()
}

func (c *PixelContainer[T]) fill(v T) {
	for i := range c.data {
		c.data[i] = v
	}
}
