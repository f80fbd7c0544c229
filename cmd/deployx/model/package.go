package model

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"kubegems.io/deployx/cmd/deployx/common"
	"kubegems.io/deployx/pkg/client/units"
	"kubegems.io/deployx/pkg/packager"
)

func NewPackageCmd(o *common.Options) *cobra.Command {
	options := packager.Options{}
	cmd := &cobra.Command{
		Use:   "package",
		Short: "package a model file or directory",
		Example: `
  deployx package --model ./resnet --output ./dist
  deployx package --model ./model.onnx --output ./dist --name resnet --version v1
  # MODEL_PATH from .env, output defaults to ./dist
  deployx package
		`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			model, err := o.Config.RequireModelPath()
			if err != nil {
				return err
			}
			options.Model, options.Output, options.CacheDir = model, o.Config.Output, o.Config.CacheDir

			p, err := packager.Pack(cmd.Context(), options)
			if err != nil {
				return err
			}
			manifestDigest, err := p.Digest()
			if err != nil {
				return err
			}

			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.AppendHeader(table.Row{"File", "Type", "Size", "Digest"})
			for _, blob := range p.Manifest.AllBlobs() {
				t.AppendRow(table.Row{blob.Name, mediaTypeName(blob.MediaType), units.HumanSize(float64(blob.Size)), shortDigest(blob.Digest)})
			}
			t.AppendFooter(table.Row{"", "total", units.HumanSize(float64(p.Manifest.Size())), ""})
			t.Render()
			fmt.Fprintf(cmd.OutOrStdout(), "Packaged %s into %s (%s)\n", p.Name(), options.Output, manifestDigest)
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringP("model", "m", "", "model file or directory, defaults to MODEL_PATH")
	flags.StringP("output", "o", "", "package directory to write, defaults to ./dist")
	flags.StringVar(&options.Name, "name", "", "model name, defaults to the model base name")
	flags.StringVar(&options.Version, "version", "", "version recorded in the package")
	flags.BoolVarP(&options.Force, "force", "f", false, "overwrite an existing package")
	_ = cmd.MarkFlagDirname("output")
	return cmd
}
