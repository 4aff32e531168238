// Package main provides the freightdesk CLI entry point.
// freightdesk resolves freight forwarding email into shipments.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/otherjamesbrown/freightdesk/cmd"
)

func main() {
	// Cancel the context on interrupt so the service drains its workers.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cmd.Execute(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}
