package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	c := newCLI()
	err := newRootCmd(c).ExecuteContext(ctx)
	// PersistentPostRun does not run after a failed command.
	c.close()
	stop()
	if err != nil {
		os.Exit(1)
	}
}
