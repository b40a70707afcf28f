package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/eliseemond/elastix/internal/config"
	"github.com/eliseemond/elastix/internal/logging"
)

var (
	cfgFile string
	verbose bool
	device  string

	// cfg is loaded before any subcommand runs
	cfg *config.Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "gpuimage",
	Short: "Inspect and check coherent host/device image buffers",
	Long: `gpuimage inspects the configured compute queues and checks that image
buffers stay coherent between host memory and device memory.

Without CUDA support compiled in, device memory is emulated in separate
host allocations so every transfer is still a real copy.`,
	Version:           version,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.elastix/gpu.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVar(&device, "device", "", "device backend: auto, cpu or cuda")

	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	viper.BindPFlag("device.backend", rootCmd.PersistentFlags().Lookup("device"))

	rootCmd.RegisterFlagCompletionFunc("device", completeBackends)
}

// loadConfig reads the config file and environment, then applies flags
func loadConfig(cmd *cobra.Command, args []string) error {
	loaded, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	if cmd.Flags().Changed("device") {
		loaded.Device.Backend = viper.GetString("device.backend")
	}
	if viper.GetBool("verbose") {
		loaded.Logging.Level = "debug"
	}
	if err := loaded.Validate(); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if err := logging.Init(loaded.Logging.Level, loaded.Logging.File, loaded.Logging.Console); err != nil {
		return fmt.Errorf("initializing logging: %w", err)
	}
	cfg = loaded
	return nil
}
