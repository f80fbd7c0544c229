// Package common holds state shared by the deployx subcommands.
package common

import (
	"context"
	"log"
	"os"
	"strings"

	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
	"github.com/spf13/cobra"
	"kubegems.io/deployx/pkg/config"
	"kubegems.io/deployx/pkg/deploy"
)

const (
	SplitorRepo    = "/"
	SplitorVersion = "@"
)

// Options are the persistent flags of deployx and the configuration they resolve to.
type Options struct {
	EnvFile  string
	Insecure bool

	Config *config.Config
}

func (o *Options) AddPersistentFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.StringVar(&o.EnvFile, "env-file", "", "env file with DEPLOYMENT_TARGET and MODEL_PATH, defaults to ./.env when present")
	flags.BoolVar(&o.Insecure, "insecure", false, "tls insecure skip verify")
	flags.Bool("debug", false, "enable debug logging")
	flags.String("config-dir", "", "deployx config directory, defaults to ~/.deployx")
	flags.String("cache-dir", "", "digest cache directory, defaults to <config-dir>/cache")
	flags.String("auth", "", "bearer token for registry targets")
}

// PreRun loads the configuration and installs the logger into the command context.
func (o *Options) PreRun(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(o.EnvFile, cmd.Flags())
	if err != nil {
		return err
	}
	o.Config = cfg
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cmd.SetContext(BaseContext(ctx, cfg.Debug))
	if cfg.EnvFile != "" {
		logr.FromContextOrDiscard(cmd.Context()).V(1).Info("loaded env file", "path", cfg.EnvFile)
	}
	return nil
}

func BaseContext(ctx context.Context, debug bool) context.Context {
	if debug || os.Getenv("DEBUG") == "1" {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
		stdr.SetVerbosity(1)
		ctx = logr.NewContext(ctx, stdr.NewWithOptions(log.Default(), stdr.Options{LogCaller: stdr.Error}))
	}
	return ctx
}

func (o *Options) TargetManager() *deploy.TargetManager {
	return deploy.NewTargetManager(o.Config.TargetsFile())
}

// Deployer resolves the configured deployment target.
func (o *Options) Deployer(cmd *cobra.Command) (*deploy.Deployer, error) {
	name, err := o.Config.RequireTarget()
	if err != nil {
		return nil, err
	}
	target, err := deploy.Resolve(cmd.Context(), name, o.TargetManager(), deploy.ResolveOptions{
		Token:    o.Config.Auth,
		Insecure: o.Insecure,
	})
	if err != nil {
		return nil, err
	}
	logr.FromContextOrDiscard(cmd.Context()).V(1).Info("resolved target", "target", name, "type", target.Type(), "location", target.Location())
	return deploy.NewDeployer(target, cmd.ErrOrStderr()), nil
}

// SplitReference splits <repository>[@version].
func SplitReference(ref string) (string, string) {
	repository, version, _ := strings.Cut(ref, SplitorVersion)
	return repository, version
}

func AddTargetFlag(cmd *cobra.Command, o *Options) {
	cmd.Flags().StringP("target", "t", "", "deployment target name or url, defaults to DEPLOYMENT_TARGET")
	_ = cmd.RegisterFlagCompletionFunc("target", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return CompleteTargets(cmd, o, toComplete)
	})
}

// CompleteTargets completes configured target names.
func CompleteTargets(cmd *cobra.Command, o *Options, toComplete string) ([]string, cobra.ShellCompDirective) {
	if o.Config == nil {
		if err := o.PreRun(cmd, nil); err != nil {
			return nil, cobra.ShellCompDirectiveError
		}
	}
	targets, err := o.TargetManager().List()
	if err != nil {
		return nil, cobra.ShellCompDirectiveError
	}
	names := []string{}
	for _, item := range targets {
		if strings.HasPrefix(item.Name, toComplete) {
			names = append(names, item.Name)
		}
	}
	return names, cobra.ShellCompDirectiveNoFileComp
}

// CompleteRepositoryVersion completes <repository>[@version] against the target.
func CompleteRepositoryVersion(cmd *cobra.Command, o *Options, toComplete string) ([]string, cobra.ShellCompDirective) {
	if o.Config == nil {
		if err := o.PreRun(cmd, nil); err != nil {
			return nil, cobra.ShellCompDirectiveError
		}
	}
	d, err := o.Deployer(cmd)
	if err != nil {
		return nil, cobra.ShellCompDirectiveError
	}
	defer d.Target.Close()

	if repository, versionToComplete, ok := strings.Cut(toComplete, SplitorVersion); ok {
		index, err := d.List(cmd.Context(), repository, "^"+versionToComplete)
		if err != nil {
			return nil, cobra.ShellCompDirectiveError
		}
		versions := []string{}
		for _, item := range index.Manifests {
			versions = append(versions, repository+SplitorVersion+item.Name)
		}
		return versions, cobra.ShellCompDirectiveNoFileComp
	}
	index, err := d.List(cmd.Context(), "", "")
	if err != nil {
		return nil, cobra.ShellCompDirectiveError
	}
	repositories := []string{}
	for _, item := range index.Manifests {
		if strings.HasPrefix(item.Name, toComplete) {
			repositories = append(repositories, item.Name, item.Name+SplitorVersion)
		}
	}
	return repositories, cobra.ShellCompDirectiveNoSpace | cobra.ShellCompDirectiveNoFileComp
}
