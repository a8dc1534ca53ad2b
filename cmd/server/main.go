package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"transcribe-queue/internal/bootstrap"
)

func main() {
	configPath := flag.String("config", "config.json", "path to the configuration file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(*configPath)
	if err != nil {
		log.Fatalf("bootstrap: %v", err)
	}

	if err := app.Run(ctx); err != nil {
		log.Fatalf("run: %v", err)
	}
}
