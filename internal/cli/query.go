package cli

import (
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/otelwasm/wasmsqlite/sqlite"
)

// NewQueryCommand creates the query command.
func NewQueryCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query <db> <sql> [args...]",
		Short: "Run one SQL statement and print its rows",
		Long: `Run one SQL statement against a database and print the rows it returns.

Arguments bind to the statement's parameters in order. An argument that
parses as a number binds as a number, NULL binds as null and anything else
binds as text.`,
		Args:          cobra.MinimumNArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(rootOpts, cmd, args[0], args[1], args[2:])
		},
	}
	return cmd
}

func runQuery(opts *RootOptions, cmd *cobra.Command, name, sql string, rawArgs []string) error {
	ctx := cmd.Context()
	args := make([]any, len(rawArgs))
	for i, a := range rawArgs {
		args[i] = parseArg(a)
	}

	return opts.withDB(ctx, name, func(db *sqlite.DB) (err error) {
		rows, err := db.Query(ctx, sql, args...)
		if err != nil {
			return err
		}
		defer func() {
			if cerr := rows.Close(); err == nil {
				err = cerr
			}
		}()

		out := cmd.OutOrStdout()
		if opts.Format == "json" {
			for rows.Next() {
				if err := writeJSON(out, rows.Map()); err != nil {
					return err
				}
			}
			return rows.Err()
		}

		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		if cols := rows.Columns(); len(cols) > 0 {
			fmt.Fprintln(tw, strings.Join(cols, "\t"))
		}
		for rows.Next() {
			cells := make([]string, 0, len(rows.Values()))
			for _, v := range rows.Values() {
				cells = append(cells, v.String())
			}
			fmt.Fprintln(tw, strings.Join(cells, "\t"))
		}
		if err := rows.Err(); err != nil {
			return err
		}
		return tw.Flush()
	})
}

func parseArg(s string) any {
	if strings.EqualFold(s, "null") {
		return nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}
