package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/otelwasm/wasmsqlite/sqlite"
)

// NewDumpCommand creates the dump command.
func NewDumpCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "dump <changeset>",
		Short:         "Print the changes of a changeset or patchset",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDump(rootOpts, cmd, args[0])
		},
	}
	return cmd
}

func runDump(opts *RootOptions, cmd *cobra.Command, path string) error {
	ctx := cmd.Context()
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return opts.withEngine(ctx, func(e *sqlite.Engine) error {
		it, err := e.Changeset(ctx, data)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for rec, err := range it.All() {
			if err != nil {
				return err
			}
			if opts.Format == "json" {
				err = writeJSON(out, rec)
			} else {
				err = writeRecord(out, rec)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
}
