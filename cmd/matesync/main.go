package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/glowingkitty/matesync/internal/client/app"
	"github.com/glowingkitty/matesync/internal/client/config"
)

func main() {

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.LoadConfig()
	a, err := app.NewApp(cfg)

	if err != nil {
		log.Fatalf("%v", err)
		return
	}

	if err := a.Run(ctx); err != nil {
		log.Fatalf("%v", err)
	}

}
