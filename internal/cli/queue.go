package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/possync/internal/model"
)

// QueueOptions holds flags for the queue list command.
type QueueOptions struct {
	*RootOptions
	FailedOnly bool
}

// queueListing is the output of queue list.
type queueListing struct {
	Entries []model.QueueEntry `json:"entries"`
}

func (l queueListing) RenderText(w io.Writer) error {
	if len(l.Entries) == 0 {
		_, err := fmt.Fprintln(w, "Queue is empty.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCOLLECTION\tOP\tRECORD\tSTATUS\tRETRIES\tENQUEUED\tLAST ERROR")
	for _, e := range l.Entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			e.ID, e.Collection, e.Operation, e.RecordID, e.Status, e.RetryCount,
			e.EnqueuedAt.Format(time.RFC3339), e.LastError)
	}
	return tw.Flush()
}

// NewQueueCommand creates the queue command and its subcommands.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and repair the sync queue",
		Long: `Inspect and repair the device's sync queue.

Entries the remote refused too often are dead-lettered (FAILED) and no
longer replayed. Fix the cause, then requeue them, or drop them to give up
on the write.`,
	}

	cmd.AddCommand(newQueueListCommand(rootOpts))
	cmd.AddCommand(newQueueRequeueCommand(rootOpts))
	cmd.AddCommand(newQueueDropCommand(rootOpts))

	return cmd
}

func newQueueListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueueOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "list",
		Short:         "List queue entries, oldest first",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return listQueue(opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.FailedOnly, "failed", false, "only dead-lettered entries")

	return cmd
}

func listQueue(opts *QueueOptions, cmd *cobra.Command) error {
	out := opts.formatter(cmd)
	_, st, e, err := localEngine(opts.RootOptions)
	if err != nil {
		return err
	}
	defer st.Close()

	all, err := e.Queue().All(cmdContext(cmd))
	if err != nil {
		return out.Fail(ExitCommandError, "failed to read queue", err)
	}
	listing := queueListing{Entries: make([]model.QueueEntry, 0, len(all))}
	for _, entry := range all {
		if opts.FailedOnly && entry.Status != model.QueueFailed {
			continue
		}
		listing.Entries = append(listing.Entries, entry)
	}
	return out.Success(listing)
}

func newQueueRequeueCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <entry-id>...",
		Short: "Move dead-lettered entries back to pending",
		Long: `Move FAILED entries back to PENDING with a fresh retry budget. They are
replayed on the next drain.`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return editQueue(rootOpts, cmd, args, "requeued")
		},
	}
}

func newQueueDropCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "drop <entry-id>...",
		Short:         "Delete queue entries without pushing them",
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return editQueue(rootOpts, cmd, args, "dropped")
		},
	}
}

// editQueue requeues or drops each id. Unknown ids fail the command after
// the others are processed.
func editQueue(opts *RootOptions, cmd *cobra.Command, ids []string, action string) error {
	out := opts.formatter(cmd)
	_, st, e, err := localEngine(opts)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := cmdContext(cmd)
	done := make([]string, 0, len(ids))
	var errs []error
	for _, id := range ids {
		var err error
		if action == "requeued" {
			err = e.Queue().Requeue(ctx, id)
		} else {
			err = e.Queue().Drop(ctx, id)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("entry %s: %w", id, err))
			continue
		}
		done = append(done, id)
		out.VerboseLog("%s %s", action, id)
	}
	if err := errors.Join(errs...); err != nil {
		return out.Fail(ExitCommandError, fmt.Sprintf("%d of %d entries not %s", len(errs), len(ids), action), err)
	}
	if out.Format == "json" {
		return out.Success(map[string][]string{action: done})
	}
	return out.Success(fmt.Sprintf("%s %d entries", action, len(done)))
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
