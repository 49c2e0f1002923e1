package cli

import (
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/possync/internal/config"
	"github.com/roach88/possync/internal/engine"
	"github.com/roach88/possync/internal/store"
)

// statusReport describes the device store's sync backlog.
type statusReport struct {
	Device       string         `json:"device"`
	Store        string         `json:"store"`
	Pending      int            `json:"pending"`
	DeadLetters  int            `json:"dead_letters"`
	OfflineMode  bool           `json:"offline_mode"`
	ByCollection map[string]int `json:"by_collection,omitempty"`
}

func (r statusReport) RenderText(w io.Writer) error {
	mode := "automatic"
	if r.OfflineMode {
		mode = "offline mode"
	}
	fmt.Fprintf(w, "Device %s (%s)\n", r.Device, r.Store)
	fmt.Fprintf(w, "  sync: %s\n  pending: %d\n  dead letters: %d\n", mode, r.Pending, r.DeadLetters)
	names := make([]string, 0, len(r.ByCollection))
	for c := range r.ByCollection {
		names = append(names, c)
	}
	slices.Sort(names)
	for _, c := range names {
		fmt.Fprintf(w, "    %-20s %d\n", c, r.ByCollection[c])
	}
	return nil
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the device's sync backlog",
		Long: `Show what the device store still has to push: pending queue entries by
collection, dead letters awaiting attention and whether offline mode is on.

Reads the device store only; the remote is not contacted.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(rootOpts, cmd)
		},
	}
	return cmd
}

// localEngine opens the device store with an engine that never goes online.
func localEngine(opts *RootOptions) (*config.Config, *store.Store, *engine.Engine, error) {
	cfg, err := opts.loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	st, err := openLocal(cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	e := engine.New(st, nil, nil, engine.WithLogger(slog.New(slog.DiscardHandler)))
	return cfg, st, e, nil
}

func showStatus(opts *RootOptions, cmd *cobra.Command) error {
	out := opts.formatter(cmd)
	cfg, st, e, err := localEngine(opts)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := cmdContext(cmd)
	status, err := e.Status(ctx)
	if err != nil {
		return out.Fail(ExitCommandError, "failed to read status", err)
	}
	pending, err := e.Queue().Pending(ctx)
	if err != nil {
		return out.Fail(ExitCommandError, "failed to read queue", err)
	}
	by := make(map[string]int)
	for _, entry := range pending {
		by[string(entry.Collection)]++
	}

	return out.Success(statusReport{
		Device:       cfg.Device.ID,
		Store:        cfg.Device.DBPath(),
		Pending:      status.Pending,
		DeadLetters:  status.DeadLetters,
		OfflineMode:  status.OfflineMode,
		ByCollection: by,
	})
}
