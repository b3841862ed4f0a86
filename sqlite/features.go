package sqlite

import (
	"strings"

	"github.com/otelwasm/wasmsqlite/runtime"
)

// Features is the set of optional engine capabilities detected at load.
type Features uint8

const (
	// FeatureSession indicates the engine exports the session extension.
	FeatureSession Features = 1 << iota
)

func (f Features) Has(x Features) bool { return f&x == x }

func (f Features) String() string {
	var names []string
	if f.Has(FeatureSession) {
		names = append(names, "session")
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ",")
}

func detectFeatures(mod runtime.ModuleInstance) Features {
	if mod == nil {
		return 0
	}
	var f Features
	if exportsAll(mod, sessionFunctions) {
		f |= FeatureSession
	}
	return f
}

func exportsAll(mod runtime.ModuleInstance, names []string) bool {
	for _, name := range names {
		if mod.Function(name) == nil {
			return false
		}
	}
	return true
}
