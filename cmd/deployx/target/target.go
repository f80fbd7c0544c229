package target

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"kubegems.io/deployx/cmd/deployx/common"
	"kubegems.io/deployx/pkg/deploy"
)

func NewTargetCmd(o *common.Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "target",
		Short: "deployment target management",
		Long:  "Manage named deployment targets, usable with --target and DEPLOYMENT_TARGET.",
	}
	cmd.AddCommand(NewTargetAddCmd(o))
	cmd.AddCommand(NewTargetListCmd(o))
	cmd.AddCommand(NewTargetRemoveCmd(o))
	return cmd
}

func NewTargetAddCmd(o *common.Options) *cobra.Command {
	item := deploy.TargetConfig{}
	ping := true
	cmd := &cobra.Command{
		Use:   "add <name> <url>",
		Short: "add or replace a deployment target",
		Example: `
  deployx target add dev ./models
  deployx target add minio "s3://models/prod?endpoint=http://minio:9000" --option accessKey=... --option secretKey=...
  deployx target add prod https://registry.example.com --token <token>
		`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 2 {
				return errors.New("target add requires two arguments")
			}
			item.Name, item.URL = args[0], args[1]
			manager := o.TargetManager()
			if err := manager.Set(item); err != nil {
				return err
			}
			saved, err := manager.Get(item.Name)
			if err != nil {
				return err
			}
			if ping {
				target, err := deploy.NewTarget(cmd.Context(), saved)
				if err != nil {
					return err
				}
				defer target.Close()
				if _, err := target.GetGlobalIndex(cmd.Context(), ""); err != nil {
					return fmt.Errorf("target %s saved but not reachable: %w", item.Name, err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Target %s (%s) added\n", saved.Name, saved.Type)
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&item.Type, "type", "", fmt.Sprintf("target type, one of %s, inferred from the url when empty", strings.Join(deploy.ListTypes(), ", ")))
	flags.StringVar(&item.Token, "token", "", "bearer token for registry targets")
	flags.StringToStringVar(&item.Options, "option", nil, "target options key=value")
	flags.BoolVar(&ping, "ping", ping, "check the target is reachable")
	return cmd
}

func NewTargetListCmd(o *common.Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:          "list",
		Short:        "list deployment targets",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			targets, err := o.TargetManager().List()
			if err != nil {
				return err
			}
			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.AppendHeader(table.Row{"Name", "Type", "URL", ""})
			for _, item := range targets {
				mark := ""
				if item.Name == o.Config.Target {
					mark = "default"
				}
				t.AppendRow(table.Row{item.Name, item.Type, item.URL, mark})
			}
			t.Render()
			return nil
		},
	}
	return cmd
}

func NewTargetRemoveCmd(o *common.Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:          "remove <name>",
		Aliases:      []string{"rm"},
		Short:        "remove a deployment target",
		SilenceUsage: true,
		Args:         cobra.ExactArgs(1),
		ValidArgsFunction: func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
			if len(args) == 0 {
				return common.CompleteTargets(cmd, o, toComplete)
			}
			return nil, cobra.ShellCompDirectiveNoFileComp
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.TargetManager().Remove(args[0])
		},
	}
	return cmd
}
