package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"gridshard/server/internal/app"
	"gridshard/server/internal/config"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to the JSON configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("configuration error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, cfg); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
