package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/burgrp-go/groot/cmd/groot/commands"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := commands.GetRootCommand().ExecuteContext(ctx)
	if err != nil {
		os.Exit(1)
	}
}
