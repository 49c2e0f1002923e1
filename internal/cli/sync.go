package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/possync/internal/engine"
)

// SyncOptions holds flags for the sync command.
type SyncOptions struct {
	*RootOptions
	Timeout time.Duration
}

// syncReport is the result of a one-shot sync.
type syncReport struct {
	Device        string       `json:"device"`
	State         engine.State `json:"state"`
	Indicator     string       `json:"indicator"`
	PendingBefore int          `json:"pending_before"`
	Pending       int          `json:"pending"`
	DeadLetters   int          `json:"dead_letters"`
}

func (r syncReport) RenderText(w io.Writer) error {
	_, err := fmt.Fprintf(w, "Device %s: %s\n  queued before: %d  still pending: %d  dead letters: %d\n",
		r.Device, r.Indicator, r.PendingBefore, r.Pending, r.DeadLetters)
	return err
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Pull from the remote and replay the queue once",
		Long: `Connect to the remote once: pull every synced collection into the device
store and replay the queued writes that are due, then report and exit.

Exits 1 when the remote cannot be reached.

Example:
  possync sync
  possync sync --format json --timeout 10s`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(opts, cmd)
		},
	}

	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 30*time.Second, "give up after this long")

	return cmd
}

func runSync(opts *SyncOptions, cmd *cobra.Command) error {
	out := opts.formatter(cmd)
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	logger := opts.newLogger(cfg, cmd.ErrOrStderr())
	slog.SetDefault(logger)

	d, err := openDevice(cfg, logger, false)
	if err != nil {
		return err
	}
	defer closeQuietly(logger, "device", d)

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithTimeout(parentCtx, opts.Timeout)
	defer cancel()

	if err := d.engine.Init(ctx); err != nil {
		return out.Fail(ExitCommandError, "failed to initialize engine", err)
	}
	before, err := d.engine.Status(ctx)
	if err != nil {
		return out.Fail(ExitCommandError, "failed to read status", err)
	}
	out.VerboseLog("connecting to %s as %s with %d queued", cfg.Remote.URL, cfg.Device.ID, before.Pending)
	if err := d.engine.GoOnline(ctx); err != nil {
		return out.Fail(ExitFailure, "sync failed", err)
	}
	status, err := d.engine.Status(ctx)
	if err != nil {
		return out.Fail(ExitCommandError, "failed to read status", err)
	}

	return out.Success(syncReport{
		Device:        cfg.Device.ID,
		State:         status.State,
		Indicator:     status.Indicator(),
		PendingBefore: before.Pending,
		Pending:       status.Pending,
		DeadLetters:   status.DeadLetters,
	})
}
