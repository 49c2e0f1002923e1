package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/possync/internal/auth"
	"github.com/roach88/possync/internal/metrics"
	"github.com/roach88/possync/internal/remote/gormremote"
	"github.com/roach88/possync/internal/server"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr   string
	Driver string
	DSN    string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the remote store server",
		Long: `Serve the shared remote store that tills sync with.

Documents live in MySQL or SQLite through gorm. Devices enroll with the
shared secret whose bcrypt hash is configured as server.enroll_hash (see
hash-secret) and receive a signed token; change feeds are websockets.

Example:
  possync serve --driver mysql --dsn 'pos:pos@tcp(db:3306)/pos?parseTime=true'
  possync serve --driver sqlite --dsn ./remote.db --addr :9090`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().StringVar(&opts.Driver, "driver", "", "database driver, mysql or sqlite (overrides server.driver)")
	cmd.Flags().StringVar(&opts.DSN, "dsn", "", "database DSN (overrides server.dsn)")

	return cmd
}

func runServer(opts *ServeOptions, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	if opts.Addr != "" {
		cfg.Server.Addr = opts.Addr
	}
	if opts.Driver != "" {
		cfg.Server.Driver = opts.Driver
	}
	if opts.DSN != "" {
		cfg.Server.DSN = opts.DSN
	}
	logger := opts.newLogger(cfg, cmd.ErrOrStderr())
	slog.SetDefault(logger)

	issuer, err := auth.NewIssuer([]byte(cfg.Server.JWTSecret), cfg.Server.EnrollHash,
		auth.WithTTL(cfg.Server.TokenTTL.D()))
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid server credentials (server.jwt_secret, server.enroll_hash)", err)
	}

	st, err := gormremote.Open(cfg.Server.Driver, cfg.Server.DSN,
		gormremote.WithLogger(logger.With("component", "store")),
		gormremote.WithPollInterval(cfg.Server.PollInterval.D()))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open remote store", err)
	}
	defer closeQuietly(logger, "remote store", st)

	srv := server.New(st, issuer,
		server.WithLogger(logger.With("component", "server")),
		server.WithMetrics(metrics.NewRegistry()),
		server.WithAllowedOrigins(cfg.Server.AllowedOrigins...))

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	fmt.Fprintf(cmd.OutOrStdout(), "Remote store (%s) listening on %s\n", cfg.Server.Driver, cfg.Server.Addr)
	if err := srv.Run(ctx, cfg.Server.Addr); err != nil {
		return WrapExitError(ExitFailure, "server error", err)
	}
	logger.Info("server stopped gracefully")
	return nil
}
