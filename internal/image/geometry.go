package image

import (
	"errors"
	"fmt"
	"math"
)

// Point is a position in physical space
type Point []float64

// ErrSingularDirection is returned for a direction matrix with no inverse
var ErrSingularDirection = errors.New("image: direction matrix is singular")

// geometry maps pixel indices to physical space:
// p = origin + direction * diag(spacing) * index
type geometry struct {
	spacing   []float64
	origin    []float64
	direction []float64 // row-major, dim x dim

	indexToPhysical []float64
	physicalToIndex []float64
}

func newGeometry(dim int) geometry {
	g := geometry{
		spacing:   make([]float64, dim),
		origin:    make([]float64, dim),
		direction: identity(dim),
	}
	for d := range g.spacing {
		g.spacing[d] = 1
	}
	g.indexToPhysical = identity(dim)
	g.physicalToIndex = identity(dim)
	return g
}

func (g geometry) dim() int { return len(g.spacing) }

func (g geometry) clone() geometry {
	return geometry{
		spacing:         append([]float64(nil), g.spacing...),
		origin:          append([]float64(nil), g.origin...),
		direction:       append([]float64(nil), g.direction...),
		indexToPhysical: append([]float64(nil), g.indexToPhysical...),
		physicalToIndex: append([]float64(nil), g.physicalToIndex...),
	}
}

// update recomputes both matrices from spacing and direction
func (g *geometry) update() error {
	n := g.dim()
	m := make([]float64, n*n)
	for r := 0; r < n; r++ {
		for c := 0; c < n; c++ {
			m[r*n+c] = g.direction[r*n+c] * g.spacing[c]
		}
	}
	inv, err := invert(m, n)
	if err != nil {
		return err
	}
	g.indexToPhysical = m
	g.physicalToIndex = inv
	return nil
}

func (g geometry) indexToPoint(idx Index) Point {
	n := g.dim()
	p := make(Point, n)
	for r := 0; r < n; r++ {
		p[r] = g.origin[r]
		for c := 0; c < n; c++ {
			p[r] += g.indexToPhysical[r*n+c] * float64(idx[c])
		}
	}
	return p
}

func (g geometry) pointToIndex(p Point) Index {
	n := g.dim()
	idx := make(Index, n)
	for r := 0; r < n; r++ {
		var v float64
		for c := 0; c < n; c++ {
			v += g.physicalToIndex[r*n+c] * (p[c] - g.origin[c])
		}
		idx[r] = int(math.Round(v))
	}
	return idx
}

func identity(n int) []float64 {
	m := make([]float64, n*n)
	for i := 0; i < n; i++ {
		m[i*n+i] = 1
	}
	return m
}

// invert returns the inverse of the row-major n x n matrix m using
// Gauss-Jordan elimination with partial pivoting
func invert(m []float64, n int) ([]float64, error) {
	a := append([]float64(nil), m...)
	inv := identity(n)

	for col := 0; col < n; col++ {
		pivot := col
		for r := col + 1; r < n; r++ {
			if math.Abs(a[r*n+col]) > math.Abs(a[pivot*n+col]) {
				pivot = r
			}
		}
		if math.Abs(a[pivot*n+col]) < 1e-12 {
			return nil, ErrSingularDirection
		}
		if pivot != col {
			for c := 0; c < n; c++ {
				a[col*n+c], a[pivot*n+c] = a[pivot*n+c], a[col*n+c]
				inv[col*n+c], inv[pivot*n+c] = inv[pivot*n+c], inv[col*n+c]
			}
		}

		scale := a[col*n+col]
		for c := 0; c < n; c++ {
			a[col*n+c] /= scale
			inv[col*n+c] /= scale
		}
		for r := 0; r < n; r++ {
			if r == col {
				continue
			}
			f := a[r*n+col]
			for c := 0; c < n; c++ {
				a[r*n+c] -= f * a[col*n+c]
				inv[r*n+c] -= f * inv[col*n+c]
			}
		}
	}
	return inv, nil
}

func checkDim(what string, got, want int) error {
	if got != want {
		return fmt.Errorf("%w: %s has %d components, image has %d dimensions",
			ErrDimensionMismatch, what, got, want)
	}
	return nil
}

// Spacing returns the physical distance between pixels per dimension
func (im *Image[T]) Spacing() []float64 {
	return append([]float64(nil), im.geometry.spacing...)
}

// Origin returns the physical position of index zero
func (im *Image[T]) Origin() Point {
	return append(Point(nil), im.geometry.origin...)
}

// Direction returns the row-major direction cosine matrix
func (im *Image[T]) Direction() []float64 {
	return append([]float64(nil), im.geometry.direction...)
}

// SetSpacing sets the pixel spacing. Every component must be positive.
func (im *Image[T]) SetSpacing(spacing ...float64) error {
	if err := checkDim("spacing", len(spacing), im.geometry.dim()); err != nil {
		return err
	}
	for d, s := range spacing {
		if s <= 0 {
			return fmt.Errorf("spacing must be positive, got %g in dimension %d", s, d)
		}
	}
	g := im.geometry.clone()
	copy(g.spacing, spacing)
	return im.setGeometry(g)
}

// SetOrigin sets the physical position of index zero
func (im *Image[T]) SetOrigin(origin ...float64) error {
	if err := checkDim("origin", len(origin), im.geometry.dim()); err != nil {
		return err
	}
	g := im.geometry.clone()
	copy(g.origin, origin)
	return im.setGeometry(g)
}

// SetDirection sets the row-major direction matrix, which must be invertible
func (im *Image[T]) SetDirection(direction []float64) error {
	n := im.geometry.dim()
	if err := checkDim("direction", len(direction), n*n); err != nil {
		return err
	}
	g := im.geometry.clone()
	copy(g.direction, direction)
	return im.setGeometry(g)
}

func (im *Image[T]) setGeometry(g geometry) error {
	if err := g.update(); err != nil {
		return err
	}
	im.geometry = g
	im.Modified()
	return nil
}

// TransformIndexToPhysicalPoint maps a pixel index to physical space
func (im *Image[T]) TransformIndexToPhysicalPoint(idx Index) (Point, error) {
	if err := checkDim("index", len(idx), im.geometry.dim()); err != nil {
		return nil, err
	}
	return im.geometry.indexToPoint(idx), nil
}

// TransformPhysicalPointToIndex maps a physical point to the nearest pixel
// index and reports whether it lies in the buffered region
func (im *Image[T]) TransformPhysicalPointToIndex(p Point) (Index, bool, error) {
	if err := checkDim("point", len(p), im.geometry.dim()); err != nil {
		return nil, false, err
	}
	idx := im.geometry.pointToIndex(p)
	return idx, im.region.IsInside(idx), nil
}
