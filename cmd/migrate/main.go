// Command migrate applies and rolls back versioned PostgreSQL migrations.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/aqasim81/schema-migration-runner/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	code := cli.Execute(ctx)

	stop()
	os.Exit(code)
}
