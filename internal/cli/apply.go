package cli

import (
	"fmt"
	"os"
	"slices"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/otelwasm/wasmsqlite/sqlite"
)

type applyOptions struct {
	onConflict string
	tables     []string
}

var validPolicies = []string{
	string(sqlite.ResolutionOmit),
	string(sqlite.ResolutionReplace),
	string(sqlite.ResolutionAbort),
}

// NewApplyCommand creates the apply command.
func NewApplyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &applyOptions{}
	cmd := &cobra.Command{
		Use:   "apply <db> <changeset>",
		Short: "Apply a changeset or patchset to a database",
		Long: `Apply a changeset or patchset to a database.

--on-conflict decides every conflict. With replace, changes that collide with
a row overwrite it; conflicts that cannot be resolved by replacing (a missing
row, a constraint or a foreign key) are skipped. With abort the first
conflict rolls the whole apply back.`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(validPolicies, opts.onConflict) {
				return fmt.Errorf("invalid conflict policy %q: must be one of %v", opts.onConflict, validPolicies)
			}
			return runApply(rootOpts, opts, cmd, args[0], args[1])
		},
	}

	cmd.Flags().StringVar(&opts.onConflict, "on-conflict", string(sqlite.ResolutionAbort), "conflict policy (omit|replace|abort)")
	cmd.Flags().StringArrayVarP(&opts.tables, "table", "t", nil, "only apply changes to this table (repeatable)")
	return cmd
}

func runApply(rootOpts *RootOptions, opts *applyOptions, cmd *cobra.Command, name, path string) error {
	ctx := cmd.Context()
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	conflicts := make(map[string]int)
	applyOpts := policy(sqlite.Resolution(opts.onConflict), conflicts)
	if len(opts.tables) > 0 {
		applyOpts.Filter = func(table string) bool {
			return slices.ContainsFunc(opts.tables, func(t string) bool { return strings.EqualFold(t, table) })
		}
	}

	return rootOpts.withDB(ctx, name, func(db *sqlite.DB) error {
		if err := db.ApplyChangeset(ctx, data, applyOpts); err != nil {
			return fmt.Errorf("applying %s: %w", path, err)
		}

		out := cmd.OutOrStdout()
		if rootOpts.Format == "json" {
			return writeJSON(out, map[string]any{"applied": path, "conflicts": conflicts})
		}
		_, err := fmt.Fprintf(out, "applied %s%s\n", path, formatConflicts(conflicts))
		return err
	})
}

// policy resolves every conflict kind with res, counting conflicts by kind.
func policy(res sqlite.Resolution, counts map[string]int) *sqlite.ApplyOptions {
	handler := func(kind sqlite.ConflictKind) sqlite.ConflictHandler {
		r := res
		if r == sqlite.ResolutionReplace && !kind.Replaceable() {
			r = sqlite.ResolutionOmit
		}
		return func(sqlite.ChangeRecord) sqlite.Resolution {
			counts[kind.String()]++
			return r
		}
	}
	return &sqlite.ApplyOptions{
		OnDataChanged: handler(sqlite.ConflictData),
		OnNotFound:    handler(sqlite.ConflictNotFound),
		OnDuplicate:   handler(sqlite.ConflictDuplicate),
		OnConstraint:  handler(sqlite.ConflictConstraint),
		OnForeignKey:  handler(sqlite.ConflictForeignKey),
	}
}

func formatConflicts(counts map[string]int) string {
	if len(counts) == 0 {
		return ""
	}
	kinds := make([]string, 0, len(counts))
	for k := range counts {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	parts := make([]string, len(kinds))
	for i, k := range kinds {
		parts[i] = fmt.Sprintf("%s=%d", k, counts[k])
	}
	return " (conflicts: " + strings.Join(parts, " ") + ")"
}
