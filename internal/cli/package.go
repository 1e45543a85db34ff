package cli

import (
	"github.com/spf13/cobra"

	"github.com/stackkit-dev/stackkit/internal/packager"
)

var packageCmd = &cobra.Command{
	Use:   "package",
	Short: "Bundle every route into the output directory",
	Long: `Bundle every configured route into <out_dir>/wrapped, write the merged
external dependency manifest to <out_dir>/package.json and a route index to
<out_dir>/bundles.json. The output directory is rebuilt from scratch.`,
	Args: cobra.NoArgs,
	RunE: runPackage,
}

func runPackage(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log := newLogger("package")

	p := packager.New(packager.Options{
		OutDir:  cfg.OutPath(),
		Bundler: newBundler(cfg, log),
		Producers: []packager.Producer{
			packager.ManifestProducer{Name: cfg.Name},
			packager.BundleIndexProducer{},
		},
		Logger: log,
	})
	out, err := p.Package(cmd.Context(), cfg.Routes)
	if err != nil {
		return err
	}
	log.Info("packaging complete",
		"routes", len(out.Bundles),
		"dependencies", len(out.Manifest),
		"out", cfg.OutPath(),
	)
	return nil
}
