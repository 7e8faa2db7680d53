package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"murmur-chat/client-core/internal/app"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "Path to config.yaml (optional)")
	metricsAddr := flag.String("metrics-addr", "", "Prometheus exporter listen address (optional)")
	flag.Parse()
	if *showVersion {
		fmt.Printf("client-daemon version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("client-daemon config: %v", err)
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}

	runtime, err := app.New(cfg, nil)
	if err != nil {
		log.Fatalf("client-daemon failed to initialize: %v", err)
	}

	log.Println("client-daemon starting")
	runtime.Start(ctx)
	<-ctx.Done()
	runtime.Close()
	log.Println("client-daemon stopped")
}
