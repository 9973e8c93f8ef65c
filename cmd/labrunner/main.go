package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/iamcos/labrunner/internal/cmd"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	os.Exit(cmd.ExecuteContext(ctx))
}
