package runtime

import "fmt"

// TypeWazero is the name the wazero adapter registers under.
const TypeWazero = "wazero"

// Mode selects how a runtime executes guest code.
type Mode string

const (
	ModeInterpreter Mode = "interpreter"
	ModeCompiled    Mode = "compiled"
)

// Config is the configuration handed to a runtime Factory.
type Config struct {
	// Type is the registered runtime name. Empty means wazero.
	Type string `mapstructure:"type"`

	// Mode is the execution mode. Empty means interpreter.
	Mode Mode `mapstructure:"mode"`

	// MemoryLimitPages caps guest memory in 64KiB pages. Zero keeps the
	// runtime default.
	MemoryLimitPages uint32 `mapstructure:"memory_limit_pages"`
}

// Validate validates the configuration
func (c Config) Validate() error {
	switch c.Mode {
	case "", ModeInterpreter, ModeCompiled:
	default:
		return fmt.Errorf("unknown runtime mode %q: %w", c.Mode, ErrInvalidConfiguration)
	}
	if c.MemoryLimitPages > 65536 {
		return fmt.Errorf("memory_limit_pages %d exceeds 65536: %w", c.MemoryLimitPages, ErrInvalidConfiguration)
	}
	return nil
}
