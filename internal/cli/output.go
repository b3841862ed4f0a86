package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/otelwasm/wasmsqlite/sqlite"
)

// writeJSON writes v as one line of JSON.
func writeJSON(w io.Writer, v any) error {
	return json.NewEncoder(w).Encode(v)
}

func formatValues(values []sqlite.Value) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = v.String()
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// writeRecord prints a change in the text format.
func writeRecord(w io.Writer, rec sqlite.ChangeRecord) error {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", rec.Operation, rec.Table)
	if rec.Indirect {
		b.WriteString(" indirect")
	}
	if rec.Old != nil {
		fmt.Fprintf(&b, " old=%s", formatValues(rec.Old))
	}
	if rec.New != nil {
		fmt.Fprintf(&b, " new=%s", formatValues(rec.New))
	}
	_, err := fmt.Fprintln(w, b.String())
	return err
}
