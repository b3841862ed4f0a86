// Command wasmsqlite runs a SQLite engine compiled to WebAssembly.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/otelwasm/wasmsqlite/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := cli.NewRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}
