package image

import (
	"fmt"
	"strings"
)

// Index addresses a pixel, one coordinate per dimension
type Index []int

// Size gives the extent of a region, one entry per dimension
type Size []int

// Region is a box of pixels. Pixels are laid out with the first
// dimension varying fastest.
type Region struct {
	Index Index
	Size  Size
}

// NewRegion creates a region starting at index with the given size
func NewRegion(index Index, size Size) (Region, error) {
	if len(index) != len(size) {
		return Region{}, fmt.Errorf("%w: index has %d dimensions, size %d",
			ErrDimensionMismatch, len(index), len(size))
	}
	for d, s := range size {
		if s < 0 {
			return Region{}, fmt.Errorf("negative size %d in dimension %d", s, d)
		}
	}
	return Region{
		Index: append(Index(nil), index...),
		Size:  append(Size(nil), size...),
	}, nil
}

// RegionOfSize creates a region starting at the origin
func RegionOfSize(size ...int) Region {
	r, err := NewRegion(make(Index, len(size)), size)
	if err != nil {
		panic(err)
	}
	return r
}

// Dimension returns the number of dimensions
func (r Region) Dimension() int { return len(r.Size) }

// NumberOfPixels returns the product of the sizes
func (r Region) NumberOfPixels() int {
	if len(r.Size) == 0 {
		return 0
	}
	n := 1
	for _, s := range r.Size {
		n *= s
	}
	return n
}

// IsInside reports whether idx lies within the region
func (r Region) IsInside(idx Index) bool {
	if len(idx) != len(r.Size) {
		return false
	}
	for d := range idx {
		if idx[d] < r.Index[d] || idx[d] >= r.Index[d]+r.Size[d] {
			return false
		}
	}
	return true
}

// Offset returns the flat offset of idx, which must be inside the region
func (r Region) Offset(idx Index) int {
	offset, stride := 0, 1
	for d := range r.Size {
		offset += (idx[d] - r.Index[d]) * stride
		stride *= r.Size[d]
	}
	return offset
}

// ComputeIndex is the inverse of Offset
func (r Region) ComputeIndex(offset int) Index {
	idx := make(Index, len(r.Size))
	for d := range r.Size {
		idx[d] = r.Index[d] + offset%r.Size[d]
		offset /= r.Size[d]
	}
	return idx
}

// Clamp moves idx onto the nearest pixel of the region
func (r Region) Clamp(idx Index) Index {
	out := make(Index, len(idx))
	for d := range idx {
		lo, hi := r.Index[d], r.Index[d]+r.Size[d]-1
		out[d] = min(max(idx[d], lo), hi)
	}
	return out
}

// Equal reports whether two regions cover the same pixels
func (r Region) Equal(o Region) bool {
	if len(r.Size) != len(o.Size) {
		return false
	}
	for d := range r.Size {
		if r.Size[d] != o.Size[d] || r.Index[d] != o.Index[d] {
			return false
		}
	}
	return true
}

func (r Region) clone() Region {
	return Region{
		Index: append(Index(nil), r.Index...),
		Size:  append(Size(nil), r.Size...),
	}
}

func (r Region) String() string {
	var b strings.Builder
	b.WriteString("[")
	for d := range r.Size {
		if d > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%d+%d", r.Index[d], r.Size[d])
	}
	b.WriteString("]")
	return b.String()
}
