package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"restaurant-sync/internal/client"
	"restaurant-sync/internal/common/config"
	"restaurant-sync/internal/common/logger"
	"restaurant-sync/internal/microservices/order"
)

func main() {
	mode := flag.String("mode", "", "order-service | waiter-terminal")
	cfgPath := flag.String("config", "", "path to YAML config (default: config.yaml or deploy/config.example.yaml)")
	port := flag.Int("port", 0, "order-service: http port")
	baseURL := flag.String("base-url", "", "waiter-terminal: order service URL")
	flag.Parse()

	lg := logger.New("bootstrap", "info")

	path := *cfgPath
	if path == "" {
		found, err := config.FindConfig()
		switch {
		case err == nil:
			path = found
		case !errors.Is(err, fs.ErrNotExist):
			lg.Error("config_lookup_failed", err, nil)
			os.Exit(1)
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		lg.Error("config_load_failed", err, map[string]any{"path": path})
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *baseURL != "" {
		cfg.Terminal.BaseURL = *baseURL
	}
	level := cfg.Server.LogLevel

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	switch *mode {
	case "order-service":
		lg.Info("service_started", map[string]any{"service": "order-service", "port": cfg.Server.Port})
		if err := order.Run(ctx, cfg, logger.New("order-service", level)); err != nil {
			lg.Error("fatal", err, nil)
			os.Exit(1)
		}
	case "waiter-terminal":
		lg.Info("service_started", map[string]any{"service": "waiter-terminal", "base_url": cfg.Terminal.BaseURL})
		if err := client.Run(ctx, cfg, logger.New("waiter-terminal", level)); err != nil {
			lg.Error("fatal", err, nil)
			os.Exit(1)
		}
	default:
		fmt.Fprintln(os.Stderr, "--mode is required: order-service | waiter-terminal")
		os.Exit(2)
	}
}
