package main

import (
	"context"
	"os/signal"
	"syscall"

	talk "github.com/livepulse/talk/app"
)

func main() {
	ctx, _ := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)

	app := talk.New(ctx, nil)
	app.Start()
}
