// Package cli implements the wasmsqlite command line.
package cli

import (
	"context"
	"fmt"
	"slices"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/otelwasm/wasmsqlite/sqlite"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigFile string
	Wasm       string
	Dir        string
	Verbose    bool
	Format     string // "json" | "text"

	// Logger replaces the logger built from Verbose when set.
	Logger *zap.Logger
	// EngineOptions are passed to every engine a command loads.
	EngineOptions []sqlite.Option

	config *sqlite.Config
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command of the wasmsqlite CLI.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wasmsqlite",
		Short: "Run SQLite compiled to WebAssembly",
		Long: `Run a SQLite engine compiled to WebAssembly from the host.

Capture the changes made by SQL statements as a changeset, inspect
changesets and apply them to other databases with a conflict policy.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return opts.setup()
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigFile, "config", "c", "", "YAML configuration file")
	cmd.PersistentFlags().StringVar(&opts.Wasm, "wasm", "", "path to the sqlite3 wasm module (overrides config)")
	cmd.PersistentFlags().StringVar(&opts.Dir, "dir", "", "directory database paths resolve against (overrides config)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewQueryCommand(opts))
	cmd.AddCommand(NewCaptureCommand(opts))
	cmd.AddCommand(NewDumpCommand(opts))
	cmd.AddCommand(NewApplyCommand(opts))

	return cmd
}

func (o *RootOptions) setup() error {
	cfg, err := LoadConfig(o.ConfigFile)
	if err != nil {
		return err
	}
	if o.Wasm != "" {
		cfg.Path = o.Wasm
	}
	if o.Dir != "" {
		cfg.Dir = o.Dir
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	o.config = cfg

	if o.Logger == nil {
		logger, err := newLogger(o.Verbose)
		if err != nil {
			return err
		}
		o.Logger = logger
	}
	return nil
}

func newLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	cfg.OutputPaths = []string{"stderr"}
	cfg.DisableStacktrace = true
	cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return cfg.Build()
}

// withEngine loads the engine for the duration of fn.
func (o *RootOptions) withEngine(ctx context.Context, fn func(*sqlite.Engine) error) (err error) {
	opts := append([]sqlite.Option{sqlite.WithLogger(o.Logger)}, o.EngineOptions...)
	e, err := sqlite.New(ctx, o.config, opts...)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, e.Close(ctx))
	}()
	return fn(e)
}

// withDB opens the named database for the duration of fn.
func (o *RootOptions) withDB(ctx context.Context, name string, fn func(*sqlite.DB) error) error {
	return o.withEngine(ctx, func(e *sqlite.Engine) (err error) {
		db, err := e.Open(ctx, name)
		if err != nil {
			return err
		}
		defer func() {
			err = multierr.Append(err, db.Close(ctx))
		}()
		return fn(db)
	})
}
