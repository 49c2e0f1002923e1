package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/roach88/possync/internal/connectivity"
	"github.com/roach88/possync/internal/metrics"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	MetricsAddr string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the device sync daemon",
		Long: `Run the sync engine for this till until interrupted.

The daemon opens the device store (falling back to memory if the file is
unusable), connects to the remote server, pulls the catalog and today's
sales, follows the change feeds and replays queued writes. Connectivity is
probed in the background; losing the remote switches the engine offline
and reconnecting replays the queue.

Example:
  possync run --config /etc/possync.yaml
  POSSYNC_REMOTE_URL=http://store.local:8080 possync run -v`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDevice(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (overrides metrics.addr)")

	return cmd
}

func runDevice(opts *RunOptions, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	if opts.MetricsAddr != "" {
		cfg.Metrics.Addr = opts.MetricsAddr
	}
	logger := opts.newLogger(cfg, cmd.ErrOrStderr())
	slog.SetDefault(logger)

	d, err := openDevice(cfg, logger, true)
	if err != nil {
		return err
	}
	defer closeQuietly(logger, "device", d)
	if !d.durable {
		logger.Warn("device store is in memory, queued writes will not survive a restart")
	}

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := d.engine.Init(ctx); err != nil {
		return WrapExitError(ExitCommandError, "failed to initialize engine", err)
	}

	monitor := connectivity.New(d.engine,
		connectivity.WithLogger(logger.With("component", "connectivity")),
		connectivity.WithProber(d.client, cfg.Sync.ProbeInterval.D()),
		connectivity.WithDebounce(cfg.Sync.Debounce.D()),
		connectivity.WithMinInterval(cfg.Sync.MinInterval.D()))

	var wg sync.WaitGroup
	errs := make(chan error, 3)
	start := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errs <- fmt.Errorf("%s: %w", name, err)
				cancel()
			}
		}()
	}

	start("engine", d.engine.Run)
	start("connectivity", monitor.Run)
	if cfg.Metrics.Addr != "" {
		start("metrics", func(ctx context.Context) error {
			return serveMetrics(ctx, cfg.Metrics.Addr, d.registry, logger)
		})
	}
	monitor.Set(true)

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Device %s started. Syncing with %s\n", cfg.Device.ID, cfg.Remote.URL)
	fmt.Fprintln(out, "Press Ctrl-C to stop.")

	<-ctx.Done()
	wg.Wait()
	close(errs)
	if err := <-errs; err != nil {
		return WrapExitError(ExitFailure, "device stopped", err)
	}

	logger.Info("device stopped gracefully", "device", cfg.Device.ID)
	return nil
}

// serveMetrics exposes reg on addr until ctx ends.
func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
