package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/linksocks/wsbroker/wsbroker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cli := wsbroker.NewCLI()
	if err := cli.ExecuteContext(ctx); err != nil && !errors.Is(err, context.Canceled) && !wsbroker.IsCancelled(err) {
		log.Fatal(err)
	}
}
