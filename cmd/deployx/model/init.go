package model

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"kubegems.io/deployx/cmd/deployx/common"
	"kubegems.io/deployx/pkg/packager"
)

func NewInitCmd(o *common.Options) *cobra.Command {
	force := false
	cmd := &cobra.Command{
		Use:   "init <path>",
		Short: "init a new model at path",
		Example: `
  deployx init .
  deployx init models/resnet --force
		`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return errors.New("at least one argument is required")
			}
			if err := packager.Init(cmd.Context(), args[0], force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Model initialized in %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing model config")
	return cmd
}
