package system

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// Available memory is not probed on macOS; vm_stat page accounting is
// too coarse for device sizing.
func probeMemory() (Memory, error) {
	out, err := exec.Command("sysctl", "-n", "hw.memsize").Output()
	if err != nil {
		return Memory{}, fmt.Errorf("sysctl hw.memsize: %w", err)
	}
	total, err := strconv.ParseInt(strings.TrimSpace(string(out)), 10, 64)
	if err != nil {
		return Memory{}, fmt.Errorf("parsing hw.memsize: %w", err)
	}
	return Memory{Total: total, Available: total}, nil
}
