package completion

import (
	"fmt"

	"github.com/spf13/cobra"
)

var CompletionCmd = &cobra.Command{
	Use:   "completion [bash|zsh|fish|powershell]",
	Short: "Generate completion script",
	Long: `To load completions:

Bash:

  $ source <(deployx completion bash)

  # To load completions for each session, execute once:
  # Linux:
  $ deployx completion bash > /etc/bash_completion.d/deployx
  # macOS:
  $ deployx completion bash > /usr/local/etc/bash_completion.d/deployx

Zsh:

  # If shell completion is not already enabled in your environment,
  # you will need to enable it.  You can execute the following once:

  $ echo "autoload -U compinit; compinit" >> ~/.zshrc

  # To load completions for each session, execute once:
  $ deployx completion zsh > "${fpath[1]}/_deployx"

  # You will need to start a new shell for this setup to take effect.

fish:

  $ deployx completion fish | source

  # To load completions for each session, execute once:
  $ deployx completion fish > ~/.config/fish/completions/deployx.fish

PowerShell:

  PS> deployx completion powershell | Out-String | Invoke-Expression
`,
	DisableFlagsInUseLine: true,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	// completion scripts do not need the deployx configuration
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		switch args[0] {
		case "bash":
			return cmd.Root().GenBashCompletionV2(out, true)
		case "zsh":
			return cmd.Root().GenZshCompletion(out)
		case "fish":
			return cmd.Root().GenFishCompletion(out, true)
		case "powershell":
			return cmd.Root().GenPowerShellCompletionWithDesc(out)
		default:
			return fmt.Errorf("unsupported shell %q", args[0])
		}
	},
}
