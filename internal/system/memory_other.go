//go:build !linux && !darwin

package system

func probeMemory() (Memory, error) {
	return Memory{}, ErrUnsupported
}
