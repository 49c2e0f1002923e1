package cli

import (
	"bufio"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/possync/internal/auth"
)

// NewHashSecretCommand creates the hash-secret command.
func NewHashSecretCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hash-secret [secret]",
		Short: "Print the bcrypt hash of a device enrollment secret",
		Long: `Hash the shared device secret for server.enroll_hash.

The secret is read from the first line of stdin when not given as an
argument, which keeps it out of shell history.

Example:
  echo -n 'till-secret' | possync hash-secret`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := rootOpts.formatter(cmd)
			var secret string
			if len(args) == 1 {
				secret = args[0]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return WrapExitError(ExitCommandError, "no secret on stdin", err)
				}
				secret = strings.TrimRight(line, "\r\n")
			}
			if secret == "" {
				return NewExitError(ExitCommandError, "secret must not be empty")
			}
			hash, err := auth.HashSecret(secret)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to hash secret", err)
			}
			if out.Format == "json" {
				return out.Success(map[string]string{"enroll_hash": hash})
			}
			return out.Success(hash)
		},
	}
	return cmd
}
