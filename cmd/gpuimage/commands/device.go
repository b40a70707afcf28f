package commands

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/eliseemond/elastix/internal/gpu"
	"github.com/eliseemond/elastix/internal/system"
)

var deviceCmd = &cobra.Command{
	Use:   "device",
	Short: "Show command queues and device memory",
	Long: `Display the command queues built from the configuration, the device
context each one belongs to, and the memory of each device.

Queues on the same context share buffers, so rebinding an image between
them keeps its device allocation.`,
	RunE: runDevice,
}

func init() {
	rootCmd.AddCommand(deviceCmd)
}

func runDevice(cmd *cobra.Command, args []string) error {
	queues, err := openQueues()
	if err != nil {
		return err
	}
	defer queues.Close()

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, titleStyle.Render("Command queues"))
	fmt.Fprintln(out, field("Backend", cfg.Device.Backend))
	fmt.Fprintln(out, field("Queues", fmt.Sprint(queues.Len())))
	fmt.Fprintln(out)

	seen := make(map[int]bool)
	for _, q := range queues.Queues() {
		fmt.Fprintf(out, "  queue %d  %-28s %s  context %d\n",
			q.ID(), q.Device().Name(), q.Device().Type(), q.Context())
		if seen[q.Context()] {
			continue
		}
		seen[q.Context()] = true
		printDeviceMemory(cmd, q.Device())
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, titleStyle.Render("Host"))
	fmt.Fprintln(out, field("Platform", runtime.GOOS+"/"+runtime.GOARCH))
	fmt.Fprintln(out, field("CPUs", fmt.Sprint(runtime.NumCPU())))
	if mem, err := system.HostMemory(); err == nil {
		fmt.Fprintln(out, field("Memory", fmt.Sprintf("%s available of %s",
			system.FormatBytes(mem.Available), system.FormatBytes(mem.Total))))
	} else {
		fmt.Fprintln(out, field("Memory", err.Error()))
	}
	return nil
}

func printDeviceMemory(cmd *cobra.Command, dev gpu.Device) {
	out := cmd.OutOrStdout()
	used, total := dev.MemoryUsage()
	if total > 0 {
		fmt.Fprintf(out, "           memory %s / %s (%.1f%%)\n",
			system.FormatBytes(used), system.FormatBytes(total), float64(used)/float64(total)*100)
	}
	if host, ok := dev.(*gpu.HostDevice); ok {
		stats := host.PoolStats()
		if stats.Allocations > 0 {
			fmt.Fprintf(out, "           pool %d allocations, %d reused, %d evicted\n",
				stats.Allocations, stats.Reuses, stats.Evictions)
		}
	}
}
