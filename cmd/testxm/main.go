package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/mensylisir/testxm/cmd/testxm/cmd"
	"github.com/mensylisir/testxm/pkg/logger"
)

func main() {
	// The first interrupt cancels the run context so guests still get torn
	// down; a second one terminates the process the default way.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	code := cmd.Execute(ctx)
	logger.SyncGlobal()
	os.Exit(code)
}
