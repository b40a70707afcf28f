// Package system reports host memory, used to size the host-emulated device.
package system

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ErrUnsupported is returned on platforms without a memory probe
var ErrUnsupported = errors.New("system: memory probe not supported on this platform")

// Memory describes host physical memory in bytes
type Memory struct {
	Total     int64
	Available int64
}

// Used returns the bytes not available to new allocations
func (m Memory) Used() int64 {
	return m.Total - m.Available
}

// HostMemory probes the host's physical memory
func HostMemory() (Memory, error) {
	return probeMemory()
}

// TotalMemory returns total physical memory in bytes
func TotalMemory() (int64, error) {
	mem, err := HostMemory()
	if err != nil {
		return 0, err
	}
	return mem.Total, nil
}

// FormatBytes formats bytes as a human-readable string
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// parseMeminfo reads MemTotal and MemAvailable from /proc/meminfo content
func parseMeminfo(r io.Reader) (Memory, error) {
	var totalKB, availableKB int64
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		value, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			continue
		}
		switch strings.TrimSuffix(fields[0], ":") {
		case "MemTotal":
			totalKB = value
		case "MemAvailable":
			availableKB = value
		}
	}
	if err := scanner.Err(); err != nil {
		return Memory{}, fmt.Errorf("reading meminfo: %w", err)
	}
	if totalKB == 0 {
		return Memory{}, errors.New("meminfo has no MemTotal")
	}
	return Memory{Total: totalKB * 1024, Available: availableKB * 1024}, nil
}
