package cli

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/stackkit-dev/stackkit/internal/config"
	"github.com/stackkit-dev/stackkit/internal/devserver"
	"github.com/stackkit-dev/stackkit/internal/packager"
	"github.com/stackkit-dev/stackkit/internal/reload"
	"github.com/stackkit-dev/stackkit/internal/watch"
	"github.com/stackkit-dev/stackkit/kit/grace"
)

var devCmd = &cobra.Command{
	Use:   "dev",
	Short: "Watch sources, rebuild and serve with live reload",
	Long: `Package every route into the dev root, start the local API emulator and
rebuild on every source change. Only routes rebuilt successfully are swapped
in; a failed rebuild keeps the previous version serving.`,
	Args: cobra.NoArgs,
	RunE: runDev,
}

func runDev(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log := newLogger("dev")
	d := &devLoop{
		cmd:    cmd,
		cfg:    cfg,
		log:    log,
		server: forwardedFlags(cmd),
	}
	return grace.Orchestrate(cmd.Context(), grace.OrchestrateOptions{
		Logger:   log,
		Run:      d.run,
		Shutdown: d.shutdown,
	})
}

// devLoop owns the dev server child process and rebuilds on change.
type devLoop struct {
	cmd    *cobra.Command
	log    *slog.Logger
	server []string // flags forwarded to the serve child

	mu       sync.Mutex
	cfg      *config.Config
	packager *packager.Packager
	child    *exec.Cmd
	client   *reload.Client
}

func (d *devLoop) run(ctx context.Context) error {
	d.packager = d.newPackager()
	if err := d.build(ctx); err != nil {
		return fmt.Errorf("initial build: %w", err)
	}
	if err := d.startServer(ctx); err != nil {
		return err
	}

	w, err := watch.New(watch.Options{
		Root:     d.cfg.Root,
		Include:  d.watchGlobs(),
		Exclude:  append(slices.Clone(d.cfg.Dev.Ignore), d.cfg.DevPath(), d.cfg.OutPath()),
		Debounce: d.cfg.Dev.Debounce,
		Logger:   d.log,
	})
	if err != nil {
		return err
	}
	defer w.Close()
	d.log.Info("watching for changes", "root", d.cfg.Root)
	return w.Run(ctx, d.onChange)
}

func (d *devLoop) newPackager() *packager.Packager {
	return packager.New(packager.Options{
		OutDir:  d.cfg.DevPath(),
		Dev:     true,
		Bundler: newBundler(d.cfg, d.log),
		Logger:  d.log,
	})
}

func (d *devLoop) build(ctx context.Context) error {
	start := time.Now()
	out, err := d.packager.Package(ctx, d.cfg.Routes)
	if err != nil {
		return err
	}
	d.log.Info("build complete", "routes", len(out.Bundles), "took", time.Since(start).Round(time.Millisecond))
	return nil
}

// watchGlobs adds the config file to the configured watch globs.
func (d *devLoop) watchGlobs() []string {
	globs := slices.Clone(d.cfg.Dev.Watch)
	if rel, err := filepath.Rel(d.cfg.Root, d.cfg.File); err == nil && filepath.IsLocal(rel) {
		globs = append(globs, filepath.ToSlash(rel))
	}
	return globs
}

func (d *devLoop) onChange(ctx context.Context, files []string) {
	if slices.Contains(files, d.cfg.File) {
		d.log.Info("config changed, restarting dev server")
		if err := d.restart(ctx); err != nil {
			d.log.Error("restart failed", "error", err)
		}
		return
	}

	d.log.Info("rebuilding", "files", len(files))
	if err := d.build(ctx); err != nil {
		d.log.Error("rebuild failed, keeping previous version", "error", err)
		return
	}
	d.mu.Lock()
	client := d.client
	d.mu.Unlock()
	if client == nil {
		d.log.Warn("dev server is not running, skipping reload")
		return
	}
	client.SendReload(files)
}

// restart reloads the config and rebuilds before replacing the server. A
// config or build error leaves the running server untouched.
func (d *devLoop) restart(ctx context.Context) error {
	cfg, err := loadConfig(d.cmd)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.cfg = cfg
	d.mu.Unlock()
	d.packager = d.newPackager()
	if err := d.build(ctx); err != nil {
		return err
	}
	if err := d.stopServer(); err != nil {
		d.log.Warn("failed to stop dev server", "error", err)
	}
	return d.startServer(ctx)
}

func (d *devLoop) startServer(ctx context.Context) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate stackkit executable: %w", err)
	}
	child := exec.Command(exe, append([]string{"serve"}, d.server...)...)
	child.Stdout = os.Stdout
	child.Stderr = os.Stderr
	child.Env = os.Environ()
	if err := child.Start(); err != nil {
		return fmt.Errorf("start dev server: %w", err)
	}

	client := reload.NewClient(reload.ClientOptions{Addr: d.reloadAddr, Logger: d.log})
	d.mu.Lock()
	d.child = child
	d.client = client
	d.mu.Unlock()

	return client.Connect(ctx)
}

func (d *devLoop) stopServer() error {
	d.mu.Lock()
	child, client := d.child, d.client
	d.child, d.client = nil, nil
	d.mu.Unlock()

	var errs []error
	if client != nil {
		errs = append(errs, client.Close())
	}
	if child != nil && child.Process != nil {
		errs = append(errs, grace.TerminateProcess(child.Process, 5*time.Second, d.log))
	}
	return errors.Join(errs...)
}

func (d *devLoop) shutdown(context.Context) error {
	return d.stopServer()
}

// reloadAddr reads the reload port from the lease on every dial so a
// restarted server on a different port is still found.
func (d *devLoop) reloadAddr() string {
	d.mu.Lock()
	cfg := d.cfg
	d.mu.Unlock()
	if lease, err := devserver.ReadLease(cfg.Root); err == nil {
		return reload.LocalAddr(lease.IPCPort)
	}
	return reload.LocalAddr(cmp.Or(cfg.Dev.IPCPort, reload.DefaultPort))
}
