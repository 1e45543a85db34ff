package cli

import (
	"context"
	"path/filepath"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/stackkit-dev/stackkit/internal/devserver"
	"github.com/stackkit-dev/stackkit/internal/reload"
	"github.com/stackkit-dev/stackkit/kit/grace"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the local API emulator over the dev bundles",
	Long: `Serve the newest dev bundle of every route over HTTP and accept reload
notifications on the reload channel. Usually started by "stackkit dev".`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log := newLogger("serve")
	devRoot := cfg.DevPath()

	router, err := devserver.NewRouter(cfg.Routes, devRoot)
	if err != nil {
		return err
	}
	metrics := devserver.NewMetrics()
	loader := devserver.NewLoader(devserver.LoaderOptions{
		Runtime: devserver.NewNodeRuntime(devserver.NodeRuntimeOptions{
			Node:     cfg.Dev.Node,
			CacheDir: filepath.Join(devRoot, ".cache"),
			Logger:   log,
		}),
		DevRoot: devRoot,
		Logger:  log,
		Metrics: metrics,
	})
	srv, err := devserver.NewServer(devserver.ServerOptions{
		Config:  cfg,
		Router:  router,
		Loader:  loader,
		Metrics: metrics,
		Logger:  log,
	})
	if err != nil {
		return err
	}
	reloads := reload.NewServer(reload.ServerOptions{OnReload: srv.Reload, Logger: log})

	lease, lns, err := devserver.AcquireLease(cfg.Root, devserver.PortRequest{
		HTTPPort: cfg.Dev.HTTPPort,
		IPCPort:  cfg.Dev.IPCPort,
		Range:    cfg.Dev.PortRange,
		Logger:   log,
	})
	if err != nil {
		srv.Close()
		return err
	}
	log.Debug("port lease acquired", "http", lease.HTTPPort, "ipc", lease.IPCPort)

	return grace.Orchestrate(cmd.Context(), grace.OrchestrateOptions{
		Logger: log,
		Run: func(ctx context.Context) error {
			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error { return srv.Serve(ctx, lns.HTTP) })
			g.Go(func() error { return reloads.Serve(ctx, lns.IPC) })
			return g.Wait()
		},
		Shutdown: func(context.Context) error {
			return lease.Release()
		},
	})
}
