package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/otelwasm/wasmsqlite/sqlite"
)

type captureOptions struct {
	statements []string
	tables     []string
	patchset   bool
}

// NewCaptureCommand creates the capture command.
func NewCaptureCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &captureOptions{}
	cmd := &cobra.Command{
		Use:   "capture <db> <output>",
		Short: "Record the changes made by SQL statements",
		Long: `Run SQL statements against a database while a session records their
changes, then write the resulting changeset to a file.

Without --table every table is recorded.`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCapture(rootOpts, opts, cmd, args[0], args[1])
		},
	}

	cmd.Flags().StringArrayVarP(&opts.statements, "exec", "e", nil, "SQL statement to run (repeatable)")
	cmd.Flags().StringArrayVarP(&opts.tables, "table", "t", nil, "table to record (repeatable)")
	cmd.Flags().BoolVar(&opts.patchset, "patchset", false, "write a patchset instead of a changeset")
	return cmd
}

func runCapture(rootOpts *RootOptions, opts *captureOptions, cmd *cobra.Command, name, output string) error {
	ctx := cmd.Context()
	return rootOpts.withDB(ctx, name, func(db *sqlite.DB) (err error) {
		sess, err := db.Session(ctx, "main")
		if err != nil {
			return err
		}
		defer func() {
			if cerr := sess.Close(ctx); err == nil {
				err = cerr
			}
		}()

		tables := opts.tables
		if len(tables) == 0 {
			tables = []string{""}
		}
		for _, table := range tables {
			if err := sess.Attach(ctx, table); err != nil {
				return err
			}
		}

		for _, stmt := range opts.statements {
			if err := db.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("running %q: %w", stmt, err)
			}
		}

		var data []byte
		if opts.patchset {
			data, err = sess.Patchset(ctx)
		} else {
			data, err = sess.Changeset(ctx)
		}
		if err != nil {
			return err
		}
		records, err := db.Engine().DumpChangeset(ctx, data)
		if err != nil {
			return err
		}
		if err := os.WriteFile(output, data, 0o644); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if rootOpts.Format == "json" {
			return writeJSON(out, map[string]any{"output": output, "bytes": len(data), "changes": len(records)})
		}
		_, err = fmt.Fprintf(out, "captured %d change(s) into %s\n", len(records), output)
		return err
	})
}
