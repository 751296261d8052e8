// Command rendermap packs crawler screenshots into a pair store and trains one
// display-rendering surrogate per configured monitor profile.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := newRootCommand().ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "rendermap:", err)
	}
	stop()
	os.Exit(exitCode(err))
}
