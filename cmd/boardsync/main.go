// Command boardsync is a headless replica of the shared waiting-room board.
//
//	boardsync run              replicate until interrupted
//	boardsync add "Alice"      add a waiting person and publish it
//	boardsync show             print the locally persisted snapshot
//	boardsync client-id        print this device's client id
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "boardsync:", err)
		os.Exit(1)
	}
}
