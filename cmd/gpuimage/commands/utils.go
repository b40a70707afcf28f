package commands

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"

	"github.com/eliseemond/elastix/internal/gpu"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#7D56F4")).
			MarginBottom(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#626262")).
			Width(14)

	passStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#04B575"))

	failStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FF5F87"))
)

// openQueues builds the queue registry described by the loaded config
func openQueues() (*gpu.QueueRegistry, error) {
	queues, err := gpu.NewRegistry(cfg.RegistryOptions())
	if err != nil {
		return nil, fmt.Errorf("opening %s backend: %w", cfg.Device.Backend, err)
	}
	return queues, nil
}

func cudaAvailable() bool {
	_, err := gpu.NewCUDADevice()
	return err == nil
}

func field(label, value string) string {
	return labelStyle.Render(label) + value
}
