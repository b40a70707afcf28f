//go:build !cuda || !cgo

package gpu

import "fmt"

// CUDADevice stub for builds without the cuda tag
type CUDADevice struct{}

// NewCUDADevice returns an error when CUDA support is not compiled in
func NewCUDADevice() (*CUDADevice, error) {
	return nil, fmt.Errorf("%w: CUDA support requires CGO and the cuda build tag (go build -tags cuda)", ErrUnavailable)
}

func (d *CUDADevice) NewStream() (Device, error)             { return nil, ErrUnavailable }
func (d *CUDADevice) Type() DeviceType                       { return DeviceTypeGPU }
func (d *CUDADevice) Name() string                           { return "CUDA (unavailable)" }
func (d *CUDADevice) Allocate(size int64) (Buffer, error)    { return nil, ErrUnavailable }
func (d *CUDADevice) Copy(dst, src Buffer, size int64) error { return ErrUnavailable }
func (d *CUDADevice) Sync() error                            { return ErrUnavailable }
func (d *CUDADevice) Free() error                            { return nil }
func (d *CUDADevice) MemoryUsage() (int64, int64)            { return 0, 0 }
func (d *CUDADevice) PoolStats() PoolStats                   { return PoolStats{} }
