// Command fedmsg sends Fedora CoreOS requests and broadcasts over the
// fedora-messaging bus.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Stdout, os.Stderr).ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
