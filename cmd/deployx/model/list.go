package model

import (
	"context"
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"kubegems.io/deployx/cmd/deployx/common"
	"kubegems.io/deployx/pkg/client/units"
	"kubegems.io/deployx/pkg/deploy"
	"kubegems.io/deployx/pkg/types"
)

func NewListCmd(o *common.Options) *cobra.Command {
	search := ""
	cmd := &cobra.Command{
		Use:   "list [repository[@version]]",
		Short: "list repositories, versions or files on a target",
		Example: `
  deployx list --target prod --search "bert"
  deployx list nlp/bert --search "v*"
  deployx list nlp/bert@v1
		`,
		SilenceUsage: true,
		ValidArgsFunction: func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
			if len(args) == 0 {
				return common.CompleteRepositoryVersion(cmd, o, toComplete)
			}
			return nil, cobra.ShellCompDirectiveNoFileComp
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ref := ""
			if len(args) > 0 {
				ref = args[0]
			}
			d, err := o.Deployer(cmd)
			if err != nil {
				return err
			}
			defer d.Target.Close()

			items, err := List(cmd.Context(), d, ref, search)
			if err != nil {
				return err
			}
			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.AppendHeader(table.Row(items.Header))
			for _, item := range items.Items {
				t.AppendRow(table.Row(item))
			}
			t.Render()
			return nil
		},
	}
	common.AddTargetFlag(cmd, o)
	cmd.Flags().StringVar(&search, "search", search, "regexp filter on names")
	return cmd
}

type ShowList struct {
	Header []any
	Items  [][]any
}

func List(ctx context.Context, d *deploy.Deployer, ref string, search string) (*ShowList, error) {
	repository, version := common.SplitReference(ref)
	formattime := func(tm time.Time) string {
		if tm.IsZero() {
			return ""
		}
		return tm.Local().Format(time.RFC3339)
	}

	switch {
	case repository == "":
		index, err := d.List(ctx, "", search)
		if err != nil {
			return nil, err
		}
		show := &ShowList{Header: []any{"Name", "Framework", "Size", "Modified"}}
		for _, item := range index.Manifests {
			show.Items = append(show.Items, []any{item.Name, item.Annotations[types.AnnotationModelFramework], units.HumanSize(float64(item.Size)), formattime(item.Modified)})
		}
		return show, nil
	case version != "":
		_, manifest, err := d.Info(ctx, repository, version)
		if err != nil {
			return nil, err
		}
		show := &ShowList{Header: []any{"File", "Type", "Size", "Digest", "Modified"}}
		for _, item := range manifest.AllBlobs() {
			show.Items = append(show.Items, []any{
				item.Name,
				mediaTypeName(item.MediaType),
				units.HumanSize(float64(item.Size)),
				shortDigest(item.Digest),
				formattime(item.Modified),
			})
		}
		return show, nil
	default:
		index, err := d.List(ctx, repository, search)
		if err != nil {
			return nil, err
		}
		current := ""
		if release, err := d.Status(ctx, repository); err == nil {
			current = release.Version
		}
		show := &ShowList{Header: []any{"Version", "Size", "Digest", "Modified", ""}}
		for _, item := range index.Manifests {
			mark := ""
			if item.Name == current {
				mark = "current"
			}
			show.Items = append(show.Items, []any{item.Name, units.HumanSize(float64(item.Size)), shortDigest(item.Digest), formattime(item.Modified), mark})
		}
		return show, nil
	}
}

func NewInfoCmd(o *common.Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "info <repository>[@version]",
		Short: "print the model config of a deployed version",
		Example: `
  deployx info nlp/bert@v1 --target prod
  deployx info resnet
		`,
		SilenceUsage: true,
		Args:         cobra.ExactArgs(1),
		ValidArgsFunction: func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
			if len(args) == 0 {
				return common.CompleteRepositoryVersion(cmd, o, toComplete)
			}
			return nil, cobra.ShellCompDirectiveNoFileComp
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			repository, version := common.SplitReference(args[0])
			d, err := o.Deployer(cmd)
			if err != nil {
				return err
			}
			defer d.Target.Close()
			_, manifest, err := d.Info(cmd.Context(), repository, version)
			if err != nil {
				return err
			}
			config, err := d.GetConfig(cmd.Context(), repository, manifest)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(config)
			return err
		},
	}
	common.AddTargetFlag(cmd, o)
	return cmd
}

func NewPullCmd(o *common.Options) *cobra.Command {
	modelFilesOnly := false
	cmd := &cobra.Command{
		Use:   "pull <repository>[@version] [dir]",
		Short: "download a deployed version into a directory",
		Example: `
  deployx pull nlp/bert@v1 ./bert
  deployx pull resnet --target prod
		`,
		SilenceUsage: true,
		Args:         cobra.RangeArgs(1, 2),
		ValidArgsFunction: func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
			if len(args) == 0 {
				return common.CompleteRepositoryVersion(cmd, o, toComplete)
			}
			if len(args) == 1 {
				return nil, cobra.ShellCompDirectiveFilterDirs
			}
			return nil, cobra.ShellCompDirectiveNoFileComp
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			repository, version := common.SplitReference(args[0])
			into := "."
			if len(args) == 2 {
				into = args[1]
			}
			d, err := o.Deployer(cmd)
			if err != nil {
				return err
			}
			defer d.Target.Close()
			options := deploy.PullOptions{}
			if modelFilesOnly {
				if options, err = d.ModelFilesPullOptions(cmd.Context(), repository, version); err != nil {
					return err
				}
			}
			result, err := d.Pull(cmd.Context(), repository, version, into, options)
			if err != nil {
				return err
			}
			printPulled(cmd, result, into)
			return nil
		},
	}
	common.AddTargetFlag(cmd, o)
	cmd.Flags().BoolVar(&modelFilesOnly, "model-files-only", false, "pull only the modelFiles listed in the model config")
	return cmd
}

func printPulled(cmd *cobra.Command, result *deploy.Result, into string) {
	fmt.Fprintf(cmd.OutOrStdout(), "Pulled %s%s%s (%s) into %s\n", result.Repository, common.SplitorVersion, result.Version, shortDigest(result.Digest), into)
}
