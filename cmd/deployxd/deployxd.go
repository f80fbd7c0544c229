package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"kubegems.io/deployx/pkg/registry"
	"kubegems.io/deployx/pkg/version"
)

const ErrExitCode = 1

func main() {
	if err := NewRegistryCmd().Execute(); err != nil {
		fmt.Println(err.Error())
		os.Exit(ErrExitCode)
	}
}

func BaseContext() (context.Context, context.CancelFunc) {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	if os.Getenv("DEBUG") == "1" {
		stdr.SetVerbosity(1)
	}
	ctx = logr.NewContext(ctx, stdr.NewWithOptions(log.Default(), stdr.Options{LogCaller: stdr.Error}))
	return ctx, cancel
}

func NewRegistryCmd() *cobra.Command {
	options := registry.DefaultOptions()
	cmd := &cobra.Command{
		Use:          "deployxd",
		Short:        "deployx model registry, the registry deployment target",
		Version:      version.Get().String(),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := BaseContext()
			defer cancel()
			return registry.Run(ctx, options)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&options.Listen, "listen", options.Listen, "listen address")
	flags.StringVar(&options.TLS.CertFile, "tls-cert", options.TLS.CertFile, "tls cert file")
	flags.StringVar(&options.TLS.KeyFile, "tls-key", options.TLS.KeyFile, "tls key file")
	flags.StringVar(&options.OIDC.Issuer, "oidc-issuer", options.OIDC.Issuer, "oidc issuer")
	flags.StringVar(&options.Token, "token", os.Getenv("DEPLOYXD_TOKEN"), "static bearer token, used when no oidc issuer is set")
	flags.BoolVar(&options.EnableRedirect, "enable-redirect", options.EnableRedirect, "enable blob storage redirect")
	flags.DurationVar(&options.ShutdownTimeout, "shutdown-timeout", options.ShutdownTimeout, "graceful shutdown timeout")
	addStorageFlags(flags, options)

	cmd.AddCommand(NewGCCmd())
	return cmd
}

func addStorageFlags(flags *pflag.FlagSet, options *registry.Options) {
	flags.StringVar(&options.Local.Basepath, "local-basepath", options.Local.Basepath, "local storage directory, used when no s3 url is set")
	flags.StringVar(&options.S3.Bucket, "s3-bucket", options.S3.Bucket, "s3 bucket")
	flags.StringVar(&options.S3.Prefix, "s3-prefix", options.S3.Prefix, "s3 key prefix")
	flags.StringVar(&options.S3.URL, "s3-url", options.S3.URL, "s3 url")
	flags.StringVar(&options.S3.AccessKey, "s3-access-key", options.S3.AccessKey, "s3 access key")
	flags.StringVar(&options.S3.SecretKey, "s3-secret-key", options.S3.SecretKey, "s3 secret key")
	flags.DurationVar(&options.S3.PresignExpire, "s3-presign-expire", options.S3.PresignExpire, "s3 presign expire")
	flags.StringVar(&options.S3.Region, "s3-region", options.S3.Region, "s3 region")
	flags.BoolVar(&options.S3.PathStyle, "s3-path-style", options.S3.PathStyle, "s3 path style addressing")
}

func NewGCCmd() *cobra.Command {
	options := registry.DefaultOptions()
	dryRun := false
	repository := ""
	cmd := &cobra.Command{
		Use:   "gc",
		Short: "remove blobs no manifest refers to",
		Example: `
  deployxd gc --local-basepath /data/registry --dry-run
  deployxd gc --s3-url http://minio:9000 --s3-bucket models --repository library/resnet
		`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := BaseContext()
			defer cancel()

			store, err := registry.NewRegistryStore(ctx, options)
			if err != nil {
				return err
			}
			results := map[string]registry.GCResult{}
			if repository != "" {
				result, err := registry.GCBlobs(ctx, store, repository, dryRun)
				if err != nil {
					return err
				}
				results[repository] = result
			} else {
				if results, err = registry.GCBlobsAll(ctx, store, dryRun); err != nil {
					return err
				}
			}
			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.AppendHeader(table.Row{"Repository", "Blob", "Status"})
			for repo, result := range results {
				for blob, status := range result {
					t.AppendRow(table.Row{repo, blob.String(), status})
				}
			}
			t.SortBy([]table.SortBy{{Name: "Repository"}, {Name: "Blob"}})
			t.Render()
			return nil
		},
	}
	flags := cmd.Flags()
	flags.BoolVar(&dryRun, "dry-run", dryRun, "only report unused blobs")
	flags.StringVar(&repository, "repository", repository, "only collect this repository")
	addStorageFlags(flags, options)
	return cmd
}
