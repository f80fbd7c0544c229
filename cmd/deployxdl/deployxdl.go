package main

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"strings"

	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
	"github.com/spf13/cobra"
	"kubegems.io/deployx/pkg/client"
	"kubegems.io/deployx/pkg/deploy"
	"kubegems.io/deployx/pkg/version"
)

const (
	ErrExitCode = 1
	EnvAuth     = "DEPLOYX_AUTH"
)

func main() {
	if err := NewDLCmd().Execute(); err != nil {
		fmt.Println(err.Error())
		os.Exit(ErrExitCode)
	}
}

func NewDLCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "deployxdl <uri> <dest>",
		Short:   "deployx storage initializer, pulls the model files of a release",
		Version: version.Get().String(),
		Example: `
  deployxdl deployx://127.0.0.1:8080/library/model@v1 /mnt/models
  deployxdl deployxs://registry.example.com/library/model?token=<token> /mnt/models
		`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 2 {
				return fmt.Errorf("requires two arguments")
			}
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()
			if os.Getenv("DEBUG") == "1" {
				log.SetFlags(log.LstdFlags | log.Lshortfile)
				ctx = logr.NewContext(ctx, stdr.NewWithOptions(log.Default(), stdr.Options{LogCaller: stdr.Error}))
			}
			// model servers call storage initializers with two arguments: model uri and model path
			return Run(ctx, args[0], args[1])
		},
	}
	return cmd
}

// ParseURI parses deployx[s]://host[:port]/<project>/<name>[@version][?token=...].
// The token defaults to DEPLOYX_AUTH.
func ParseURI(uri string) (client.Reference, string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return client.Reference{}, "", err
	}
	switch u.Scheme {
	case "deployx", "http":
		u.Scheme = "http"
	case "deployxs", "https":
		u.Scheme = "https"
	default:
		return client.Reference{}, "", fmt.Errorf("unsupported uri scheme %q", u.Scheme)
	}
	token := u.Query().Get("token")
	if token == "" {
		token = os.Getenv(EnvAuth)
	}
	u.RawQuery = ""
	ref, err := client.ParseReference(u.String())
	if err != nil {
		return client.Reference{}, "", err
	}
	if ref.Repository == "" {
		return client.Reference{}, "", fmt.Errorf("uri %s has no repository", uri)
	}
	return ref, token, nil
}

func Run(ctx context.Context, uri string, dest string) error {
	ref, token, err := ParseURI(uri)
	if err != nil {
		return err
	}
	target, err := deploy.NewTarget(ctx, deploy.TargetConfig{Type: deploy.TargetTypeRegistry, URL: ref.Registry, Token: token})
	if err != nil {
		return err
	}
	defer target.Close()
	d := deploy.NewDeployer(target, os.Stderr)

	options, err := d.ModelFilesPullOptions(ctx, ref.Repository, ref.Version)
	if err != nil {
		return err
	}
	files := "all files"
	if len(options.Files) > 0 {
		files = strings.Join(options.Files, ", ")
	}
	fmt.Printf("Pulling %s (%s) into %s\n", ref.String(), files, dest)
	result, err := d.Pull(ctx, ref.Repository, ref.Version, dest, options)
	if err != nil {
		return err
	}
	fmt.Printf("Pulled %s@%s %s\n", result.Repository, result.Version, result.Digest)
	return nil
}
