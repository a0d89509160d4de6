package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/domainctl/internal/host"
	"github.com/danmuck/domainctl/internal/logging"
	"github.com/rs/zerolog/log"
)

func main() {
	path := flag.String("config", "cmd/hostctl/config.toml", "host controller config path")
	flag.Parse()

	logging.ConfigureRuntime("hostctl")

	cfg := host.DefaultServiceConfig()
	if _, err := os.Stat(*path); err == nil {
		cfg, err = loadServiceConfig(*path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "hostctl: %v\n", err)
			os.Exit(1)
		}
	} else {
		log.Warn().Str("config", *path).Msg("hostctl.config_defaults")
	}

	svc, err := host.NewService(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hostctl: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := svc.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "hostctl: %v\n", err)
		os.Exit(1)
	}
}
