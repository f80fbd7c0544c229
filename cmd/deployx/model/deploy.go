package model

import (
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/opencontainers/go-digest"
	"github.com/spf13/cobra"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"kubegems.io/deployx/cmd/deployx/common"
	"kubegems.io/deployx/pkg/deploy"
	"kubegems.io/deployx/pkg/packager"
	"kubegems.io/deployx/pkg/types"
)

func NewDeployCmd(o *common.Options) *cobra.Command {
	options := deploy.DeployOptions{}
	verifyTimeout := deploy.DefaultVerifyTimeout
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "deploy a packaged model to a target",
		Example: `
  deployx deploy --target prod --package ./dist
  deployx deploy --target s3://models/prod?endpoint=http://minio:9000 --package ./dist --version v7
  deployx deploy --target https://registry.example.com --name nlp/bert
  # DEPLOYMENT_TARGET from .env, package defaults to the package output
  deployx deploy
		`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := packager.Load(o.Config.Package)
			if err != nil {
				return err
			}
			d, err := o.Deployer(cmd)
			if err != nil {
				return err
			}
			defer d.Target.Close()
			d.VerifyTimeout = verifyTimeout

			fmt.Fprintf(cmd.OutOrStdout(), "Deploying %s to %s\n", o.Config.Package, d.Target.Location())
			result, err := d.Deploy(cmd.Context(), p, options)
			if err != nil {
				return err
			}
			printResult(cmd.OutOrStdout(), result)
			return nil
		},
	}
	common.AddTargetFlag(cmd, o)
	flags := cmd.Flags()
	flags.StringP("package", "p", "", "packaged model directory, defaults to the package output")
	flags.StringVar(&options.Name, "name", "", "repository <project>/<name>, defaults to library/<package name>")
	flags.StringVar(&options.Version, "version", "", "version to deploy as, defaults to the package version or the next v<N>")
	flags.BoolVarP(&options.Force, "force", "f", false, "deploy even if up to date, overwrite an existing version")
	flags.BoolVar(&options.NoVerify, "no-verify", false, "skip verifying the release on the target")
	flags.DurationVar(&verifyTimeout, "verify-timeout", verifyTimeout, "how long to wait for the release to be visible")
	flags.StringToStringVar(&options.Annotations, "annotation", nil, "release annotations key=value")
	_ = cmd.MarkFlagDirname("package")
	return cmd
}

func printResult(w io.Writer, result *deploy.Result) {
	ref := result.Repository + common.SplitorVersion + result.Version
	switch {
	case result.Skipped && result.Action == types.ReleaseActionRollback:
		fmt.Fprintf(w, "%s is already the current release (revision %d)\n", ref, result.Revision)
	case result.Skipped:
		fmt.Fprintf(w, "%s is up to date (revision %d, %s)\n", ref, result.Revision, result.Digest)
	case result.Action == types.ReleaseActionRollback:
		fmt.Fprintf(w, "Rolled back %s from %s to %s (revision %d)\n", result.Repository, result.Previous, result.Version, result.Revision)
	default:
		fmt.Fprintf(w, "Deployed %s (revision %d, %s)\n", ref, result.Revision, result.Digest)
	}
}

func NewRollbackCmd(o *common.Options) *cobra.Command {
	to := ""
	cmd := &cobra.Command{
		Use:   "rollback <repository>",
		Short: "release a previous version again",
		Example: `
  deployx rollback resnet --target prod
  deployx rollback nlp/bert --to v3
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
			if version != "" && to == "" {
				to = version
			}
			d, err := o.Deployer(cmd)
			if err != nil {
				return err
			}
			defer d.Target.Close()
			result, err := d.Rollback(cmd.Context(), repository, to)
			if err != nil {
				return err
			}
			printResult(cmd.OutOrStdout(), result)
			return nil
		},
	}
	common.AddTargetFlag(cmd, o)
	cmd.Flags().StringVar(&to, "to", "", "version to roll back to, defaults to the previous release")
	return cmd
}

func NewHistoryCmd(o *common.Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:          "history <repository>",
		Short:        "show the release history of a repository",
		SilenceUsage: true,
		Args:         cobra.ExactArgs(1),
		ValidArgsFunction: func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
			if len(args) == 0 {
				return common.CompleteRepositoryVersion(cmd, o, toComplete)
			}
			return nil, cobra.ShellCompDirectiveNoFileComp
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			repository, _ := common.SplitReference(args[0])
			d, err := o.Deployer(cmd)
			if err != nil {
				return err
			}
			defer d.Target.Close()
			history, err := d.History(cmd.Context(), repository)
			if err != nil {
				return err
			}
			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.AppendHeader(table.Row{"Revision", "Version", "Action", "Digest", "Created", ""})
			latest, _ := history.Latest()
			for _, release := range history.Releases {
				current := ""
				if release.Revision == latest.Revision {
					current = "current"
				}
				t.AppendRow(table.Row{release.Revision, release.Version, release.Action, shortDigest(release.Digest), release.Created.Local().Format(time.RFC3339), current})
			}
			t.Render()
			return nil
		},
	}
	common.AddTargetFlag(cmd, o)
	return cmd
}

func NewStatusCmd(o *common.Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:          "status <repository>",
		Short:        "show the current release of a repository",
		SilenceUsage: true,
		Args:         cobra.ExactArgs(1),
		ValidArgsFunction: func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
			if len(args) == 0 {
				return common.CompleteRepositoryVersion(cmd, o, toComplete)
			}
			return nil, cobra.ShellCompDirectiveNoFileComp
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			repository, _ := common.SplitReference(args[0])
			d, err := o.Deployer(cmd)
			if err != nil {
				return err
			}
			defer d.Target.Close()
			current, err := d.Status(cmd.Context(), repository)
			if err != nil {
				return err
			}
			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.AppendRows([]table.Row{
				{"Target", d.Target.Location()},
				{"Version", current.Version},
				{"Revision", current.Revision},
				{"Action", current.Action},
				{"Digest", current.Digest},
				{"Created", current.Created.Local().Format(time.RFC3339)},
			})
			keys := maps.Keys(current.Annotations)
			slices.Sort(keys)
			for _, k := range keys {
				t.AppendRow(table.Row{k, current.Annotations[k]})
			}
			t.Render()
			return nil
		},
	}
	common.AddTargetFlag(cmd, o)
	return cmd
}

func shortDigest(d digest.Digest) string {
	encoded := d.Encoded()
	if len(encoded) > 12 {
		return encoded[:12]
	}
	return encoded
}

func mediaTypeName(mt string) string {
	switch mt {
	case types.MediaTypeModelDirectoryTarGz:
		return "directory"
	case types.MediaTypeModelFile:
		return "file"
	case types.MediaTypeModelConfigYaml:
		return "config"
	default:
		return mt
	}
}
