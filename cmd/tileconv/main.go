package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Fralo/trento-tree-detection/internal/cli"
	"github.com/Fralo/trento-tree-detection/pkg/version"
)

// interruptContext returns a context cancelled by the first SIGINT or
// SIGTERM. The handler is removed as soon as that happens, so a second
// interrupt during the cancellation grace period terminates the process.
func interruptContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ctx.Done()
		stop()
	}()
	return ctx, stop
}

func run() int {
	ctx, stop := interruptContext(context.Background())
	defer stop()

	root := cli.NewRootCmd(version.GetVersion())
	err := root.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	return cli.ExitCodeFor(err)
}

func main() {
	os.Exit(run())
}
