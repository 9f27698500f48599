// Package main is the entry point for the folharvest CLI.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/ekerlabs/folharvest/cmd/folharvest/app"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.NewRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
