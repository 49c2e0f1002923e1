package cli

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/roach88/possync/internal/config"
	"github.com/roach88/possync/internal/engine"
	"github.com/roach88/possync/internal/metrics"
	"github.com/roach88/possync/internal/remote/httpremote"
	"github.com/roach88/possync/internal/stock"
	"github.com/roach88/possync/internal/store"
)

// device is a till's sync stack: local store, remote client, stock
// reserver and engine.
type device struct {
	cfg      *config.Config
	logger   *slog.Logger
	local    store.Backend
	durable  bool
	client   *httpremote.Client
	reserver *stock.Reserver
	engine   *engine.Engine
	registry *prometheus.Registry
}

// openDevice wires the device stack from cfg. With fallback set an
// unusable store file degrades to an in-memory store; otherwise it fails.
func openDevice(cfg *config.Config, logger *slog.Logger, fallback bool) (*device, error) {
	if cfg.Remote.URL == "" {
		return nil, NewExitError(ExitCommandError, "remote.url is not configured (set it in the config file or POSSYNC_REMOTE_URL)")
	}

	if err := os.MkdirAll(cfg.Device.DataDir, 0o755); err != nil && !fallback {
		return nil, WrapExitError(ExitCommandError, "failed to create data dir", err)
	}

	d := &device{cfg: cfg, logger: logger, registry: metrics.NewRegistry()}
	if fallback {
		d.local, d.durable = store.OpenWithFallback(cfg.Device.DBPath(), logger)
	} else {
		st, err := store.Open(cfg.Device.DBPath())
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to open device store", err)
		}
		d.local, d.durable = st, true
	}

	client, err := httpremote.New(cfg.Remote.URL, cfg.Device.ID, cfg.Remote.Secret,
		httpremote.WithHTTPClient(&http.Client{Timeout: cfg.Remote.Timeout.D()}),
		httpremote.WithLogger(logger.With("component", "remote")))
	if err != nil {
		_ = d.local.Close()
		return nil, WrapExitError(ExitCommandError, "invalid remote", err)
	}
	d.client = client

	syncMetrics := metrics.NewSync(d.registry)
	d.reserver = stock.New(client, d.local,
		stock.WithLogger(logger.With("component", "stock")),
		stock.WithMetrics(syncMetrics))
	d.engine = engine.New(d.local, client, nil,
		engine.WithLogger(logger.With("component", "engine", "device", cfg.Device.ID)),
		engine.WithMetrics(syncMetrics),
		engine.WithInterceptor(d.reserver),
		engine.WithRetryPolicy(engine.RetryPolicy{
			Base:          cfg.Sync.RetryBase.D(),
			Max:           cfg.Sync.RetryMax.D(),
			MaxRejections: cfg.Sync.MaxRejections,
		}),
		engine.WithPullWindows(engine.PullWindows{
			SalesDays:    cfg.Sync.SalesDays,
			MovementDays: cfg.Sync.MovementDays,
		}),
		engine.WithDrainInterval(cfg.Sync.DrainInterval.D()),
		engine.WithEchoWindow(cfg.Sync.EchoWindow.D()))
	return d, nil
}

// Close stops the engine and closes the device store.
func (d *device) Close() error {
	d.engine.Shutdown()
	if err := d.local.Close(); err != nil {
		return fmt.Errorf("close device store: %w", err)
	}
	return nil
}

// openLocal opens only the device store, for commands that never reach the
// remote.
func openLocal(cfg *config.Config) (*store.Store, error) {
	st, err := store.Open(cfg.Device.DBPath())
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open device store", err)
	}
	return st, nil
}

// closeQuietly closes c, logging failures.
func closeQuietly(logger *slog.Logger, what string, c interface{ Close() error }) {
	if err := c.Close(); err != nil {
		logger.Error("close failed", "what", what, "error", err)
	}
}
