package model

import (
	"github.com/spf13/cobra"
	"kubegems.io/deployx/cmd/deployx/common"
	"kubegems.io/deployx/pkg/version"
)

func NewDeployxCmd(o *common.Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deployx",
		Short: "package deep learning models and deploy them to pluggable targets",
		Long: `deployx packages a model file or directory into a content addressed package
and deploys packages to local directories, S3 compatible buckets or deployxd
registries, with automatic versioning and rollback.

DEPLOYMENT_TARGET and MODEL_PATH are read from ./.env (or --env-file) and the
environment when the corresponding flags are not given.`,
		Version:           version.Get().String(),
		SilenceUsage:      true,
		PersistentPreRunE: o.PreRun,
	}
	o.AddPersistentFlags(cmd)

	cmd.AddCommand(NewInitCmd(o))
	cmd.AddCommand(NewPackageCmd(o))
	cmd.AddCommand(NewDeployCmd(o))
	cmd.AddCommand(NewRollbackCmd(o))
	cmd.AddCommand(NewHistoryCmd(o))
	cmd.AddCommand(NewStatusCmd(o))
	cmd.AddCommand(NewListCmd(o))
	cmd.AddCommand(NewInfoCmd(o))
	cmd.AddCommand(NewPullCmd(o))
	cmd.AddCommand(NewVersionCmd())
	return cmd
}
