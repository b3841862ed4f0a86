package sqlite

import (
	"fmt"

	"github.com/otelwasm/wasmsqlite/runtime"
)

// Config defines how an Engine is loaded
type Config struct {
	// Path to the sqlite3 WASM module file
	Path string `mapstructure:"path"`

	// Dir is the directory relative database paths resolve against.
	// Empty means the process working directory.
	Dir string `mapstructure:"dir"`

	// Runtime is the configuration of the WASM runtime.
	Runtime runtime.Config `mapstructure:"runtime"`
}

// Validate validates the configuration
func (cfg *Config) Validate() error {
	if cfg.Path == "" {
		return fmt.Errorf("path is required")
	}
	if err := cfg.Runtime.Validate(); err != nil {
		return fmt.Errorf("runtime: %w", err)
	}
	return nil
}
