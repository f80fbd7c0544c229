package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"kubegems.io/deployx/cmd/deployx/common"
	"kubegems.io/deployx/cmd/deployx/completion"
	"kubegems.io/deployx/cmd/deployx/model"
	"kubegems.io/deployx/cmd/deployx/target"
)

const ErrExitCode = 1

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	if err := NewDeployxCmd().ExecuteContext(ctx); err != nil {
		cancel()
		os.Exit(ErrExitCode)
	}
}

func NewDeployxCmd() *cobra.Command {
	options := &common.Options{}
	cmd := model.NewDeployxCmd(options)
	cmd.AddCommand(
		target.NewTargetCmd(options),
		completion.CompletionCmd,
	)
	return cmd
}
