package commands

import (
	"github.com/spf13/cobra"

	"github.com/eliseemond/elastix/internal/gpu"
)

var completionCmd = &cobra.Command{
	Use:   "completion [bash|zsh|fish|powershell]",
	Short: "Generate shell completion script",
	Long: `Generate shell completion script for gpuimage.

To load completions:

Bash:
  $ gpuimage completion bash > ~/.local/share/bash-completion/completions/gpuimage

Zsh:
  $ gpuimage completion zsh > ~/.zsh/completion/_gpuimage

Fish:
  $ gpuimage completion fish > ~/.config/fish/completions/gpuimage.fish

PowerShell:
  PS> gpuimage completion powershell | Out-String | Invoke-Expression
`,
	DisableFlagsInUseLine: true,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	// Completion output must not depend on a readable config
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	RunE:              runCompletion,
}

func init() {
	rootCmd.AddCommand(completionCmd)
}

func runCompletion(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	switch args[0] {
	case "bash":
		return cmd.Root().GenBashCompletion(out)
	case "zsh":
		return cmd.Root().GenZshCompletion(out)
	case "fish":
		return cmd.Root().GenFishCompletion(out, true)
	case "powershell":
		return cmd.Root().GenPowerShellCompletionWithDesc(out)
	}
	return nil
}

func completeBackends(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	return []string{
		gpu.BackendAuto + "\tCUDA when available, otherwise host-emulated",
		gpu.BackendHost + "\tHost-emulated device memory",
		gpu.BackendCUDA + "\tNVIDIA GPU (requires a cuda build)",
	}, cobra.ShellCompDirectiveNoFileComp
}
