// Package cli provides the Cobra commands for the stackkit CLI.
package cli

import (
	"log/slog"
	"sort"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/stackkit-dev/stackkit/internal/analyzer"
	"github.com/stackkit-dev/stackkit/internal/bundler"
	"github.com/stackkit-dev/stackkit/internal/config"
	"github.com/stackkit-dev/stackkit/kit/colorlog"
)

var (
	// Version is set via ldflags during build.
	Version = "dev"

	// Global flags
	cfgFile    string
	projectDir string
	verbose    bool
)

// flagKeys maps config override flags to their config keys.
var flagKeys = map[string]string{
	"stage":       "stage",
	"out-dir":     "out_dir",
	"port":        "dev.http_port",
	"ipc-port":    "dev.ipc_port",
	"node":        "dev.node",
	"no-registry": "registry.disabled",
}

var rootCmd = &cobra.Command{
	Use:   "stackkit",
	Short: "Package TypeScript handlers and run them locally",
	Long: `stackkit bundles each route handler of a serverless API into a
self-contained directory and emulates the deployed API locally with live
reload.

  stackkit package   Bundle every route into the output directory
  stackkit dev       Watch sources, rebuild and serve with live reload`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is stackkit.yaml in the project directory)")
	flags.StringVarP(&projectDir, "dir", "C", ".", "project directory")
	flags.BoolVarP(&verbose, "verbose", "v", false, "enable debug output")
	flags.String("stage", "", "deployment stage")
	flags.String("out-dir", "", "output directory for packaged handlers")
	flags.Int("port", 0, "dev server HTTP port")
	flags.Int("ipc-port", 0, "dev server reload channel port")
	flags.String("node", "", "node executable used to run handlers")
	flags.Bool("no-registry", false, "skip the npm registry probe and treat unknown packages as public")

	rootCmd.AddCommand(packageCmd)
	rootCmd.AddCommand(devCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(portsCmd)
}

func newLogger(label string) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return colorlog.New(label, colorlog.Options{Level: level})
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	overrides := make(map[string]any)
	cmd.Flags().Visit(func(f *pflag.Flag) {
		if key, ok := flagKeys[f.Name]; ok {
			overrides[key] = f.Value.String()
		}
	})
	return config.Load(projectDir, config.LoadOptions{File: cfgFile, Overrides: overrides})
}

// forwardedFlags renders the flags set on cmd so a child process sees the
// same configuration.
func forwardedFlags(cmd *cobra.Command) []string {
	var args []string
	cmd.Flags().Visit(func(f *pflag.Flag) {
		if f.Name == "help" {
			return
		}
		args = append(args, "--"+f.Name+"="+f.Value.String())
	})
	sort.Strings(args)
	return args
}

func newBundler(cfg *config.Config, log *slog.Logger) *bundler.Bundler {
	var registry analyzer.Registry
	if !cfg.Registry.Disabled {
		registry = analyzer.NewHTTPRegistry(cfg.Registry.URL, cfg.Registry.Timeout)
	}
	return bundler.New(bundler.Options{
		Analyzer: analyzer.New(analyzer.Options{Registry: registry, Logger: log}),
		Logger:   log,
	})
}
